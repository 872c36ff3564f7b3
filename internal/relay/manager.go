// Package relay bridges browser microphone audio to a speech-to-text
// provider and publishes final results into the room's transcript.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sjawhar/caption-relay/internal/server"
	"github.com/sjawhar/caption-relay/internal/stt"
)

const DefaultFinishTimeout = 10 * time.Second

var (
	ErrMissingRoom     = errors.New("missing room")
	ErrMissingIdentity = errors.New("missing identity")
	ErrShuttingDown    = errors.New("relay shutting down")
)

type Options struct {
	FinishTimeout time.Duration
	Logger        *zap.Logger
}

// Params identify an audio connection.
type Params struct {
	Room     string
	Identity string
	Token    string
}

// Manager owns the table of live relay sessions.
type Manager struct {
	provider      stt.Provider
	publisher     Publisher
	finishTimeout time.Duration
	logger        *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
	wg       sync.WaitGroup
}

func NewManager(provider stt.Provider, publisher Publisher, opts Options) *Manager {
	if opts.FinishTimeout <= 0 {
		opts.FinishTimeout = DefaultFinishTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		provider:      provider,
		publisher:     publisher,
		finishTimeout: opts.FinishTimeout,
		logger:        opts.Logger.Named("relay"),
		ctx:           ctx,
		cancel:        cancel,
		sessions:      make(map[string]*Session),
	}
}

// Start validates the connection and runs a relay session for it in the
// background. On a validation failure no session is created; the client is
// sent an error frame and closed with a policy-violation code.
func (m *Manager) Start(client Client, p Params) (*Session, error) {
	p.Room = strings.TrimSpace(p.Room)
	p.Identity = strings.TrimSpace(p.Identity)

	var err error
	switch {
	case p.Room == "":
		err = ErrMissingRoom
	case p.Identity == "":
		err = ErrMissingIdentity
	}
	if err != nil {
		rejectClient(client, websocket.ClosePolicyViolation, err.Error())
		return nil, err
	}

	if p.Token == "" {
		p.Token = uuid.NewString()
	}

	s := &Session{
		ID:            uuid.NewString(),
		Token:         p.Token,
		Room:          p.Room,
		Identity:      p.Identity,
		client:        client,
		provider:      m.provider,
		publisher:     m.publisher,
		cfg:           stt.RelayConfig(),
		finishTimeout: m.finishTimeout,
		frames:        make(chan clientFrame),
		readErr:       make(chan error, 1),
		out:           make(chan []byte, outboundBuffer),
		closing:       make(chan closeFrame, 1),
		stop:          make(chan struct{}),
		written:       make(chan struct{}),
		done:          make(chan struct{}),
	}
	s.alive.Store(true)
	client.SetPongHandler(func(string) error {
		s.alive.Store(true)
		return nil
	})
	s.logger = m.logger.With(
		zap.String("session", s.ID),
		zap.String("token", s.Token),
		zap.String("room", s.Room),
		zap.String("identity", s.Identity),
	)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		rejectClient(client, websocket.CloseGoingAway, ErrShuttingDown.Error())
		return nil, ErrShuttingDown
	}
	m.sessions[s.ID] = s
	m.wg.Add(1)
	m.mu.Unlock()

	s.logger.Info("audio session started")
	go func() {
		defer m.wg.Done()
		s.run(m.ctx)
		m.remove(s.ID)
		s.logger.Info("audio session closed")
	}()
	return s, nil
}

// Hook adapts Start to the gateway's connect hook.
func (m *Manager) Hook() server.ConnectHook {
	return func(conn *websocket.Conn, route server.Route) {
		if _, err := m.Start(conn, Params{Room: route.Room, Identity: route.Identity, Token: route.Token}); err != nil {
			m.logger.Info("audio connection rejected", zap.Error(err))
		}
	}
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Active reports the number of live sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Peers lists the sessions whose sockets are still open, for the health
// monitor.
func (m *Manager) Peers() []server.Peer {
	m.mu.Lock()
	defer m.mu.Unlock()

	peers := make([]server.Peer, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.terminated.Load() || s.State() == StateClosed {
			continue
		}
		peers = append(peers, sessionPeer{s})
	}
	return peers
}

// sessionPeer adapts a Session to server.Peer.
type sessionPeer struct {
	s *Session
}

func (p sessionPeer) ID() string                        { return p.s.ID }
func (p sessionPeer) Send(payload []byte) error         { return p.s.Send(payload) }
func (p sessionPeer) Ping() error                       { return p.s.Ping() }
func (p sessionPeer) Terminate(code int, reason string) { p.s.Terminate(code, reason) }
func (p sessionPeer) Alive() bool                       { return p.s.Alive() }
func (p sessionPeer) SetAlive(alive bool)               { p.s.SetAlive(alive) }

// Shutdown asks every session to finish and waits for them. When ctx ends
// first, the remaining sessions are closed without flushing.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Stop()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.cancel()
		return nil
	case <-ctx.Done():
		m.cancel()
		<-done
		return ctx.Err()
	}
}

func rejectClient(client Client, code int, message string) {
	if payload, err := json.Marshal(server.NewErrorFrame(message)); err == nil {
		_ = client.WriteMessage(websocket.TextMessage, payload)
	}
	_ = client.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, message), time.Now().Add(writeWait))
	_ = client.Close()
}
