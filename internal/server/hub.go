package server

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sjawhar/caption-relay/internal/storage"
	"github.com/sjawhar/caption-relay/internal/transcribe"
)

var (
	ErrPeerClosed   = errors.New("peer closed")
	ErrBackpressure = errors.New("peer send queue full")
	ErrHubClosed    = errors.New("hub closed")
)

// Sender accepts an encoded frame without blocking.
type Sender interface {
	Send(payload []byte) error
}

// Peer is a live sync connection registered in a room.
type Peer interface {
	Sender
	ID() string
	// Ping sends a liveness probe. It may block on the network.
	Ping() error
	// Terminate closes the connection without flushing queued frames.
	Terminate(code int, reason string)
	Alive() bool
	SetAlive(alive bool)
}

type BroadcastResult struct {
	Sent    int `json:"sent"`
	Skipped int `json:"skipped"`
}

// Hub owns the room registry. A room exists while it has at least one peer;
// its transcript lives in the log and outlives the registry entry.
type Hub struct {
	mu     sync.Mutex
	rooms  map[string]map[string]Peer
	closed bool
	log    storage.Log
	logger *zap.Logger
}

func NewHub(log storage.Log, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		rooms:  make(map[string]map[string]Peer),
		log:    log,
		logger: logger.Named("hub"),
	}
}

// Join registers peer in roomID and queues the init frame with the room's
// snapshot. Snapshot and registration happen under the hub lock, so every
// line published afterwards reaches the peer exactly once. Joining twice is
// a no-op that returns the current snapshot. After Close every join fails
// with ErrHubClosed.
func (h *Hub) Join(roomID string, peer Peer) ([]transcribe.Line, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHubClosed
	}

	lines, err := h.log.GetAll(roomID)
	if err != nil {
		return nil, fmt.Errorf("load snapshot for %s: %w", roomID, err)
	}

	peers := h.rooms[roomID]
	if _, ok := peers[peer.ID()]; ok {
		return lines, nil
	}

	payload, err := marshalFrame(NewInitFrame(lines))
	if err != nil {
		return nil, err
	}
	if err := peer.Send(payload); err != nil {
		return nil, fmt.Errorf("send init frame: %w", err)
	}

	if peers == nil {
		peers = make(map[string]Peer)
		h.rooms[roomID] = peers
	}
	peers[peer.ID()] = peer

	h.logger.Debug("peer joined",
		zap.String("room", roomID),
		zap.String("peer", peer.ID()),
		zap.Int("snapshot", len(lines)),
	)
	return lines, nil
}

func (h *Hub) Leave(roomID, peerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.removeLocked(roomID, peerID)
}

// Broadcast sends msg to every peer in roomID. A peer whose queue rejects
// the frame is removed and terminated; fan-out continues with the rest.
func (h *Hub) Broadcast(roomID string, msg any) BroadcastResult {
	payload, err := marshalFrame(msg)
	if err != nil {
		h.logger.Error("broadcast marshal failed", zap.String("room", roomID), zap.Error(err))
		return BroadcastResult{}
	}

	h.mu.Lock()
	res, dropped := h.fanoutLocked(roomID, payload)
	h.mu.Unlock()

	terminateAll(dropped, websocket.CloseInternalServerErr, "send failed")
	return res
}

// Publish appends line to the room's transcript and broadcasts it.
func (h *Hub) Publish(roomID string, line transcribe.Line) (transcribe.Line, BroadcastResult, error) {
	return h.PublishFrom(roomID, line, nil)
}

// PublishFrom appends line, echoes the transcript frame to origin when set,
// then broadcasts it to the room. The three steps are not interleaved with
// any other publish or join.
func (h *Hub) PublishFrom(roomID string, line transcribe.Line, origin Sender) (transcribe.Line, BroadcastResult, error) {
	h.mu.Lock()

	stored, err := h.log.Append(roomID, line)
	if err != nil {
		h.mu.Unlock()
		return transcribe.Line{}, BroadcastResult{}, fmt.Errorf("append line: %w", err)
	}

	payload, err := marshalFrame(NewTranscriptFrame(stored))
	if err != nil {
		h.mu.Unlock()
		return stored, BroadcastResult{}, err
	}

	if origin != nil {
		if err := origin.Send(payload); err != nil {
			h.logger.Debug("echo to origin failed", zap.String("room", roomID), zap.Error(err))
		}
	}

	res, dropped := h.fanoutLocked(roomID, payload)
	h.mu.Unlock()

	terminateAll(dropped, websocket.CloseInternalServerErr, "send failed")
	return stored, res, nil
}

func (h *Hub) fanoutLocked(roomID string, payload []byte) (BroadcastResult, []Peer) {
	var (
		res     BroadcastResult
		dropped []Peer
	)

	peers, ok := h.rooms[roomID]
	if !ok {
		return res, nil
	}

	for id, peer := range peers {
		if err := peer.Send(payload); err != nil {
			h.logger.Info("dropping peer after failed send",
				zap.String("room", roomID),
				zap.String("peer", id),
				zap.Error(err),
			)
			delete(peers, id)
			dropped = append(dropped, peer)
			res.Skipped++
			continue
		}
		res.Sent++
	}

	if len(peers) == 0 {
		delete(h.rooms, roomID)
	}
	return res, dropped
}

func (h *Hub) removeLocked(roomID, peerID string) bool {
	peers, ok := h.rooms[roomID]
	if !ok {
		return false
	}
	_, found := peers[peerID]
	delete(peers, peerID)
	if len(peers) == 0 {
		delete(h.rooms, roomID)
	}
	return found
}

// Rooms lists rooms with at least one live peer.
func (h *Hub) Rooms() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]string, 0, len(h.rooms))
	for roomID := range h.rooms {
		out = append(out, roomID)
	}
	sort.Strings(out)
	return out
}

func (h *Hub) Count(roomID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[roomID])
}

func (h *Hub) Has(roomID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.rooms[roomID]
	return ok
}

// Transcript returns the stored history of roomID.
func (h *Hub) Transcript(roomID string) ([]transcribe.Line, error) {
	return h.log.GetAll(roomID)
}

// HistoryRooms lists rooms that have at least one stored line.
func (h *Hub) HistoryRooms() ([]string, error) {
	return h.log.Rooms()
}

// Close terminates every peer and empties the registry.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var peers []Peer
	for roomID, set := range h.rooms {
		for _, peer := range set {
			peers = append(peers, peer)
		}
		delete(h.rooms, roomID)
	}
	h.mu.Unlock()

	terminateAll(peers, websocket.CloseGoingAway, "server shutting down")
}

func terminateAll(peers []Peer, code int, reason string) {
	for _, peer := range peers {
		peer.Terminate(code, reason)
	}
}
