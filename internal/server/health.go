package server

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const DefaultHealthInterval = 30 * time.Second

// Monitor reaps peers that stop answering probes. A peer is terminated when
// it misses the probe of the previous sweep.
type Monitor struct {
	hub      *Hub
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	sources []PeerSource
}

// PeerSource supplies connections that are not room members, such as audio
// sockets, so they get the same liveness checks.
type PeerSource interface {
	Peers() []Peer
}

type SweepResult struct {
	Probed     int
	Terminated int
}

func NewMonitor(hub *Hub, interval time.Duration, logger *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{hub: hub, interval: interval, logger: logger.Named("health")}
}

// Watch adds src to every following sweep.
func (m *Monitor) Watch(src PeerSource) {
	m.mu.Lock()
	m.sources = append(m.sources, src)
	m.mu.Unlock()
}

// Run sweeps on every tick until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res := m.Sweep()
			if res.Terminated > 0 {
				m.logger.Info("health sweep terminated peers",
					zap.Int("terminated", res.Terminated),
					zap.Int("probed", res.Probed),
				)
			}
		}
	}
}

// roomPeer is a peer to sweep; room is empty for peers from a PeerSource.
type roomPeer struct {
	room string
	peer Peer
}

// Sweep runs one pass over the registry. Probes are sent asynchronously so
// no single peer can stall the sweep.
func (m *Monitor) Sweep() SweepResult {
	var dead, probe []roomPeer

	m.hub.mu.Lock()
	for roomID, peers := range m.hub.rooms {
		for id, peer := range peers {
			if !peer.Alive() {
				delete(peers, id)
				dead = append(dead, roomPeer{room: roomID, peer: peer})
				continue
			}
			peer.SetAlive(false)
			probe = append(probe, roomPeer{room: roomID, peer: peer})
		}
		if len(peers) == 0 {
			delete(m.hub.rooms, roomID)
		}
	}
	m.hub.mu.Unlock()

	m.mu.Lock()
	sources := append([]PeerSource(nil), m.sources...)
	m.mu.Unlock()
	for _, src := range sources {
		for _, peer := range src.Peers() {
			if !peer.Alive() {
				dead = append(dead, roomPeer{peer: peer})
				continue
			}
			peer.SetAlive(false)
			probe = append(probe, roomPeer{peer: peer})
		}
	}

	for _, rp := range dead {
		m.logger.Debug("peer missed probe",
			zap.String("room", rp.room),
			zap.String("peer", rp.peer.ID()),
		)
		rp.peer.Terminate(websocket.CloseGoingAway, "ping timeout")
	}

	for _, rp := range probe {
		go m.probe(rp)
	}

	return SweepResult{Probed: len(probe), Terminated: len(dead)}
}

func (m *Monitor) probe(rp roomPeer) {
	if err := rp.peer.Ping(); err != nil {
		m.logger.Debug("probe failed",
			zap.String("room", rp.room),
			zap.String("peer", rp.peer.ID()),
			zap.Error(err),
		)
		if rp.room != "" {
			m.hub.Leave(rp.room, rp.peer.ID())
		}
		rp.peer.Terminate(websocket.CloseGoingAway, "ping failed")
	}
}
