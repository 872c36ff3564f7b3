package relay

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sjawhar/caption-relay/internal/server"
	"github.com/sjawhar/caption-relay/internal/stt"
	"github.com/sjawhar/caption-relay/internal/transcribe"
)

const (
	outboundBuffer = 64
	writeWait      = 5 * time.Second
)

type State int32

const (
	StateInit State = iota
	StateConnecting
	StateReady
	StateStreaming
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateConnecting:
		return "CONNECTING"
	case StateReady:
		return "READY"
	case StateStreaming:
		return "STREAMING"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Client is the audio connection. *websocket.Conn satisfies it.
type Client interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Publisher stores a line and fans it out, echoing it to origin first.
type Publisher interface {
	PublishFrom(roomID string, line transcribe.Line, origin server.Sender) (transcribe.Line, server.BroadcastResult, error)
}

type clientFrame struct {
	messageType int
	data        []byte
}

type openResult struct {
	stream stt.Session
	err    error
}

type closeFrame struct {
	code   int
	reason string
}

// Session bridges one audio client and one provider stream. All state lives
// in the run loop goroutine; the reader and writer goroutines only move
// bytes.
type Session struct {
	ID       string
	Token    string
	Room     string
	Identity string

	client        Client
	provider      stt.Provider
	publisher     Publisher
	cfg           stt.Config
	finishTimeout time.Duration
	logger        *zap.Logger

	state      atomic.Int32
	alive      atomic.Bool
	terminated atomic.Bool
	termOnce   sync.Once
	clientGone atomic.Bool

	frames   chan clientFrame
	readErr  chan error
	out      chan []byte
	closing  chan closeFrame
	stop     chan struct{}
	stopOnce sync.Once
	written  chan struct{}
	done     chan struct{}

	// loop-owned
	stream      stt.Session
	opened      chan openResult
	finishTimer *time.Timer
}

func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed once the session reaches CLOSED and its socket is released.
func (s *Session) Done() <-chan struct{} { return s.done }

// Stop asks the session to finish gracefully, as if the client sent close.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// advance moves the state forward. Backward transitions are ignored.
func (s *Session) advance(next State) bool {
	for {
		cur := s.state.Load()
		if State(cur) >= next {
			return false
		}
		if s.state.CompareAndSwap(cur, int32(next)) {
			s.logger.Debug("state change",
				zap.Stringer("from", State(cur)),
				zap.Stringer("to", next),
			)
			return true
		}
	}
}

// Send queues a frame for the client without blocking. It is the echo
// target for published transcripts.
func (s *Session) Send(payload []byte) error {
	if s.clientGone.Load() {
		return server.ErrPeerClosed
	}
	select {
	case s.out <- payload:
		return nil
	default:
		return server.ErrBackpressure
	}
}

func (s *Session) Alive() bool { return s.alive.Load() }

func (s *Session) SetAlive(alive bool) { s.alive.Store(alive) }

// Ping probes the audio socket; the pong handler marks the session alive.
func (s *Session) Ping() error {
	if s.terminated.Load() || s.State() == StateClosed {
		return server.ErrPeerClosed
	}
	return s.client.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Terminate drops the audio socket without flushing. The reader then fails
// and the session winds down through CLOSING like any other disconnect.
func (s *Session) Terminate(code int, reason string) {
	s.termOnce.Do(func() {
		s.terminated.Store(true)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = s.client.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = s.client.Close()
		s.logger.Info("audio client terminated", zap.Int("code", code), zap.String("reason", reason))
	})
}

func (s *Session) sendFrame(frame any) {
	payload, err := json.Marshal(frame)
	if err != nil {
		s.logger.Error("marshal frame failed", zap.Error(err))
		return
	}
	if err := s.Send(payload); err != nil {
		s.logger.Debug("client frame dropped", zap.Error(err))
	}
}

func (s *Session) reportError(message string) {
	s.sendFrame(server.NewErrorFrame(message))
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	go s.writeLoop()
	go s.readLoop()

	s.advance(StateConnecting)
	s.opened = make(chan openResult, 1)
	go func() {
		stream, err := s.provider.Open(ctx, s.cfg)
		s.opened <- openResult{stream: stream, err: err}
	}()

	closeWith := s.loop(ctx)
	s.finalize(closeWith)
	<-s.written
}

func (s *Session) loop(ctx context.Context) closeFrame {
	var (
		events  <-chan stt.Event
		frames  = s.frames
		readErr = s.readErr
		stop    = s.stop
		timeout <-chan time.Time
	)

	for {
		if s.finishTimer != nil {
			timeout = s.finishTimer.C
		}

		select {
		case res := <-s.opened:
			s.opened = nil
			if res.err != nil {
				s.logger.Warn("provider open failed", zap.Error(res.err))
				s.reportError("speech provider unavailable")
				return closeFrame{websocket.CloseInternalServerErr, "provider unavailable"}
			}
			s.stream = res.stream
			if s.State() >= StateClosing {
				// Client left while we were connecting; nothing to flush.
				return closeFrame{websocket.CloseNormalClosure, ""}
			}
			events = s.stream.Events()

		case ev, ok := <-events:
			if !ok {
				events = nil
				return closeFrame{websocket.CloseNormalClosure, ""}
			}
			if done, cf := s.handleEvent(ev); done {
				return cf
			}

		case f := <-frames:
			if s.handleClientFrame(f) {
				return closeFrame{websocket.CloseNormalClosure, ""}
			}

		case err := <-readErr:
			readErr = nil
			frames = nil
			s.clientGone.Store(true)
			s.logger.Debug("audio client disconnected", zap.Error(err))
			if s.beginClosing() {
				return closeFrame{websocket.CloseNormalClosure, ""}
			}

		case <-stop:
			stop = nil
			if s.beginClosing() {
				return closeFrame{websocket.CloseGoingAway, "server shutting down"}
			}

		case <-timeout:
			s.logger.Warn("provider did not close in time, closing hard",
				zap.Duration("finish_timeout", s.finishTimeout))
			return closeFrame{websocket.CloseNormalClosure, ""}

		case <-ctx.Done():
			return closeFrame{websocket.CloseGoingAway, "server shutting down"}
		}
	}
}

// beginClosing enters CLOSING and asks the provider to flush. It reports
// true when there is nothing left to wait for.
func (s *Session) beginClosing() bool {
	if !s.advance(StateClosing) {
		return false
	}
	if s.stream == nil {
		// Still connecting: wait for the open result, then close.
		return s.opened == nil
	}
	if err := s.stream.Finish(); err != nil {
		s.logger.Warn("provider finish failed", zap.Error(err))
		return true
	}
	s.finishTimer = time.NewTimer(s.finishTimeout)
	return false
}

func (s *Session) handleEvent(ev stt.Event) (bool, closeFrame) {
	switch ev.Kind {
	case stt.EventOpen:
		if s.advance(StateReady) {
			s.sendFrame(server.NewStatusFrame(server.FrameReady))
			s.advance(StateStreaming)
		}
	case stt.EventResult:
		s.handleResult(ev)
	case stt.EventError:
		s.logger.Warn("provider error", zap.Error(ev.Err))
		msg := "speech provider error"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		s.reportError(msg)
	case stt.EventClose:
		s.logger.Debug("provider closed")
		s.advance(StateClosing)
		return true, closeFrame{websocket.CloseNormalClosure, ""}
	}
	return false, closeFrame{}
}

func (s *Session) handleResult(ev stt.Event) {
	text := strings.TrimSpace(ev.Text)
	if !ev.IsFinal || text == "" {
		return
	}

	line, res, err := s.publisher.PublishFrom(s.Room, transcribe.NewLine(s.Identity, text), s)
	if err != nil {
		s.logger.Error("publish result failed", zap.Error(err))
		s.reportError("could not store transcript")
		return
	}
	s.logger.Debug("final result published",
		zap.String("line", line.ID),
		zap.Int("sent", res.Sent),
		zap.Int("skipped", res.Skipped),
	)
}

// handleClientFrame reports true when the session can close right away.
func (s *Session) handleClientFrame(f clientFrame) bool {
	switch f.messageType {
	case websocket.BinaryMessage:
		if s.State() != StateStreaming {
			s.logger.Debug("dropping audio frame", zap.Stringer("state", s.State()), zap.Int("bytes", len(f.data)))
			return false
		}
		if err := s.stream.Send(f.data); err != nil {
			s.logger.Warn("forward audio failed", zap.Error(err))
		}
	case websocket.TextMessage:
		msg, err := server.DecodeClientMessage(f.data)
		if err != nil {
			s.logger.Info("ignoring malformed control frame", zap.Error(err))
			return false
		}
		switch msg.(type) {
		case server.CloseSession:
			return s.beginClosing()
		case server.SubmitTranscript:
			s.logger.Info("ignoring transcript submission on audio connection")
		}
	}
	return false
}

func (s *Session) finalize(cf closeFrame) {
	if s.finishTimer != nil {
		s.finishTimer.Stop()
	}
	if s.stream != nil {
		_ = s.stream.Close()
	}
	// An open still in flight is released once it lands.
	if s.opened != nil {
		go func(opened <-chan openResult) {
			if res := <-opened; res.stream != nil {
				_ = res.stream.Close()
			}
		}(s.opened)
	}

	s.advance(StateClosed)
	if !s.clientGone.Load() {
		s.sendFrame(server.NewStatusFrame(server.FrameClosed))
	}
	s.closing <- cf
	close(s.out)
}

func (s *Session) readLoop() {
	for {
		mt, data, err := s.client.ReadMessage()
		if err != nil {
			select {
			case s.readErr <- err:
			case <-s.done:
			}
			return
		}
		select {
		case s.frames <- clientFrame{messageType: mt, data: data}:
		case <-s.done:
			return
		}
	}
}

// writeLoop owns writes to the client. It drains queued frames, then sends
// the close frame and releases the socket.
func (s *Session) writeLoop() {
	defer close(s.written)

	failed := false
	for payload := range s.out {
		if failed {
			continue
		}
		_ = s.client.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.client.WriteMessage(websocket.TextMessage, payload); err != nil {
			s.logger.Debug("audio client write failed", zap.Error(err))
			failed = true
		}
	}

	cf := <-s.closing
	if !failed && !s.terminated.Load() {
		msg := websocket.FormatCloseMessage(cf.code, cf.reason)
		_ = s.client.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	}
	_ = s.client.Close()
}

