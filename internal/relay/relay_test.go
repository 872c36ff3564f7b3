package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sjawhar/caption-relay/internal/server"
	"github.com/sjawhar/caption-relay/internal/storage"
	"github.com/sjawhar/caption-relay/internal/stt"
	"github.com/sjawhar/caption-relay/internal/transcribe"
)

var errClientClosed = errors.New("client closed")

type inbound struct {
	mt   int
	data []byte
}

type fakeClient struct {
	in        chan inbound
	closed    chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	written     [][]byte
	closeCode   int
	pongHandler func(string) error
	pings       atomic.Int32
}

func newFakeClient() *fakeClient {
	return &fakeClient{in: make(chan inbound), closed: make(chan struct{})}
}

func (c *fakeClient) ReadMessage() (int, []byte, error) {
	select {
	case m := <-c.in:
		return m.mt, m.data, nil
	case <-c.closed:
		return 0, nil, errClientClosed
	}
}

func (c *fakeClient) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return errClientClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, data)
	return nil
}

func (c *fakeClient) WriteControl(mt int, data []byte, _ time.Time) error {
	if mt == websocket.PingMessage {
		c.pings.Add(1)
	}
	if mt == websocket.CloseMessage && len(data) >= 2 {
		c.mu.Lock()
		c.closeCode = int(data[0])<<8 | int(data[1])
		c.mu.Unlock()
	}
	return nil
}

func (c *fakeClient) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeClient) SetPongHandler(h func(string) error) {
	c.mu.Lock()
	c.pongHandler = h
	c.mu.Unlock()
}

func (c *fakeClient) pong() {
	c.mu.Lock()
	h := c.pongHandler
	c.mu.Unlock()
	if h != nil {
		_ = h("")
	}
}

func (c *fakeClient) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeClient) push(t *testing.T, mt int, data []byte) {
	t.Helper()
	select {
	case c.in <- inbound{mt: mt, data: data}:
	case <-time.After(time.Second):
		t.Fatal("timeout pushing client frame")
	}
}

func (c *fakeClient) frameTypes(t *testing.T) []string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	types := make([]string, 0, len(c.written))
	for _, w := range c.written {
		var f struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(w, &f); err != nil {
			t.Fatalf("invalid frame %q: %v", string(w), err)
		}
		types = append(types, f.Type)
	}
	return types
}

func (c *fakeClient) code() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

type fakeStream struct {
	events chan stt.Event

	mu     sync.Mutex
	frames [][]byte

	closeOnFinish bool
	finishCalls   atomic.Int32
	closeCalls    atomic.Int32
}

func (s *fakeStream) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
	return nil
}

func (s *fakeStream) Events() <-chan stt.Event { return s.events }

func (s *fakeStream) Finish() error {
	s.finishCalls.Add(1)
	if s.closeOnFinish {
		s.events <- stt.Event{Kind: stt.EventClose}
	}
	return nil
}

func (s *fakeStream) Close() error {
	s.closeCalls.Add(1)
	return nil
}

func (s *fakeStream) sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.frames))
	copy(out, s.frames)
	return out
}

type fakeProvider struct {
	streams   chan *fakeStream
	err       error
	autoOpen  bool
	autoClose bool
	cfg       chan stt.Config
	gate      chan struct{}
	opens     atomic.Int32
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		streams:   make(chan *fakeStream, 8),
		cfg:       make(chan stt.Config, 8),
		autoOpen:  true,
		autoClose: true,
	}
}

func (p *fakeProvider) Open(ctx context.Context, cfg stt.Config) (stt.Session, error) {
	p.opens.Add(1)
	p.cfg <- cfg
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.err != nil {
		return nil, p.err
	}
	s := &fakeStream{events: make(chan stt.Event, 32), closeOnFinish: p.autoClose}
	if p.autoOpen {
		s.events <- stt.Event{Kind: stt.EventOpen}
	}
	p.streams <- s
	return s, nil
}

func (p *fakeProvider) nextStream(t *testing.T) *fakeStream {
	t.Helper()
	select {
	case s := <-p.streams:
		return s
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for provider open")
		return nil
	}
}

type recordingPeer struct {
	id     string
	mu     sync.Mutex
	frames [][]byte
	alive  atomic.Bool
}

func (p *recordingPeer) ID() string { return p.id }
func (p *recordingPeer) Send(payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, payload)
	return nil
}
func (p *recordingPeer) Ping() error           { return nil }
func (p *recordingPeer) Terminate(int, string) {}
func (p *recordingPeer) Alive() bool           { return p.alive.Load() }
func (p *recordingPeer) SetAlive(a bool)       { p.alive.Store(a) }

func (p *recordingPeer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}

func newTestManager(provider stt.Provider, finishTimeout time.Duration) (*Manager, *server.Hub, storage.Log) {
	log := storage.NewMemoryLog()
	hub := server.NewHub(log, nil)
	return NewManager(provider, hub, Options{FinishTimeout: finishTimeout}), hub, log
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for session to close, state %v", s.State())
	}
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for s.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for state %v, at %v", want, s.State())
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitFrames(t *testing.T, c *fakeClient, n int) []string {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		types := c.frameTypes(t)
		if len(types) >= n {
			return types
		}
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %d frames, got %v", n, types)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func assertTypes(t *testing.T, got []string, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected frames %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected frames %v, got %v", want, got)
		}
	}
}

func TestStartRejectsMissingRoomAndIdentity(t *testing.T) {
	provider := newFakeProvider()
	m, _, _ := newTestManager(provider, time.Second)

	cases := []struct {
		params Params
		want   error
	}{
		{Params{Identity: "alice"}, ErrMissingRoom},
		{Params{Room: "r1", Identity: "  "}, ErrMissingIdentity},
	}
	for _, tc := range cases {
		client := newFakeClient()
		s, err := m.Start(client, tc.params)
		if !errors.Is(err, tc.want) {
			t.Fatalf("expected %v, got %v", tc.want, err)
		}
		if s != nil {
			t.Fatal("no session should be created")
		}
		assertTypes(t, client.frameTypes(t), server.FrameError)
		if client.code() != websocket.ClosePolicyViolation {
			t.Fatalf("expected close 1008, got %d", client.code())
		}
	}
	if m.Active() != 0 || provider.opens.Load() != 0 {
		t.Fatalf("expected no sessions or provider opens, active=%d opens=%d", m.Active(), provider.opens.Load())
	}
}

func TestSessionOpensProviderWithRelayConfig(t *testing.T) {
	provider := newFakeProvider()
	m, _, _ := newTestManager(provider, time.Second)

	client := newFakeClient()
	s, err := m.Start(client, Params{Room: "r1", Identity: "alice"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if s.Token == "" || s.ID == "" {
		t.Fatalf("expected generated ids, got %+v", s)
	}

	cfg := <-provider.cfg
	if cfg != stt.RelayConfig() {
		t.Fatalf("unexpected provider config: %+v", cfg)
	}

	provider.nextStream(t)
	waitState(t, s, StateStreaming)
	assertTypes(t, waitFrames(t, client, 1), server.FrameReady)
	if m.Active() != 1 {
		t.Fatalf("expected one active session, got %d", m.Active())
	}

	client.push(t, websocket.TextMessage, []byte(`{"type":"close"}`))
	waitDone(t, s)
}

func TestStreamingForwardsFramesInOrder(t *testing.T) {
	provider := newFakeProvider()
	m, _, _ := newTestManager(provider, time.Second)

	client := newFakeClient()
	s, err := m.Start(client, Params{Room: "r1", Identity: "alice"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	stream := provider.nextStream(t)
	waitState(t, s, StateStreaming)

	const n = 50
	for i := 0; i < n; i++ {
		client.push(t, websocket.BinaryMessage, []byte(fmt.Sprintf("frame-%03d", i)))
	}
	client.push(t, websocket.TextMessage, []byte(`{"type":"close"}`))
	waitDone(t, s)

	sent := stream.sent()
	if len(sent) != n {
		t.Fatalf("expected %d forwarded frames, got %d", n, len(sent))
	}
	for i, f := range sent {
		if want := fmt.Sprintf("frame-%03d", i); string(f) != want {
			t.Fatalf("frame %d out of order: got %q want %q", i, string(f), want)
		}
	}
	if stream.finishCalls.Load() != 1 {
		t.Fatalf("expected one Finish, got %d", stream.finishCalls.Load())
	}
	if s.State() != StateClosed {
		t.Fatalf("expected CLOSED, got %v", s.State())
	}
	assertTypes(t, client.frameTypes(t), server.FrameReady, server.FrameClosed)
	if client.code() != websocket.CloseNormalClosure {
		t.Fatalf("expected normal close, got %d", client.code())
	}
	if m.Active() != 0 {
		t.Fatalf("expected session removed, active=%d", m.Active())
	}
}

func TestFramesOutsideStreamingAreDropped(t *testing.T) {
	provider := newFakeProvider()
	provider.autoOpen = false
	provider.autoClose = false
	m, _, _ := newTestManager(provider, time.Second)

	client := newFakeClient()
	s, err := m.Start(client, Params{Room: "r1", Identity: "alice"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	stream := provider.nextStream(t)

	client.push(t, websocket.BinaryMessage, []byte("early"))
	// The second push only returns once the first frame was handled.
	client.push(t, websocket.TextMessage, []byte(`{"type":"noop"}`))

	stream.events <- stt.Event{Kind: stt.EventOpen}
	waitState(t, s, StateStreaming)
	client.push(t, websocket.BinaryMessage, []byte("live"))
	client.push(t, websocket.TextMessage, []byte(`{"type":"close"}`))
	waitState(t, s, StateClosing)
	client.push(t, websocket.BinaryMessage, []byte("late"))
	client.push(t, websocket.TextMessage, []byte(`not json`))

	stream.events <- stt.Event{Kind: stt.EventClose}
	waitDone(t, s)

	sent := stream.sent()
	if len(sent) != 1 || string(sent[0]) != "live" {
		t.Fatalf("expected only the live frame forwarded, got %q", sent)
	}

	// CLOSED sessions do not forward anything; the closed client cannot
	// deliver more frames either.
	if err := client.WriteMessage(websocket.BinaryMessage, []byte("after")); err == nil {
		t.Fatal("client should be closed")
	}
	if len(stream.sent()) != 1 {
		t.Fatal("frames after CLOSED must be no-ops")
	}
}

func TestOnlyFinalResultsArePublishedAndEchoedOnce(t *testing.T) {
	provider := newFakeProvider()
	m, hub, log := newTestManager(provider, time.Second)

	viewer := &recordingPeer{id: "viewer"}
	viewer.alive.Store(true)
	if _, err := hub.Join("r1", viewer); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	client := newFakeClient()
	s, err := m.Start(client, Params{Room: "r1", Identity: "alice"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	stream := provider.nextStream(t)
	waitState(t, s, StateStreaming)

	stream.events <- stt.Event{Kind: stt.EventResult, Text: "hel", IsFinal: false}
	stream.events <- stt.Event{Kind: stt.EventResult, Text: "   ", IsFinal: true}
	stream.events <- stt.Event{Kind: stt.EventResult, Text: " hello world ", IsFinal: true}
	stream.events <- stt.Event{Kind: stt.EventResult, Text: "hello wor", IsFinal: false}

	client.push(t, websocket.TextMessage, []byte(`{"type":"close"}`))
	waitDone(t, s)

	lines, err := log.GetAll("r1")
	if err != nil {
		t.Fatalf("GetAll failed: %v", err)
	}
	if len(lines) != 1 {
		t.Fatalf("expected one stored line, got %+v", lines)
	}
	if lines[0].Text != "hello world" || lines[0].Speaker != "alice" {
		t.Fatalf("unexpected line: %+v", lines[0])
	}

	assertTypes(t, client.frameTypes(t), server.FrameReady, server.FrameTranscript, server.FrameClosed)
	// init + one transcript
	if viewer.count() != 2 {
		t.Fatalf("expected viewer to get init and one transcript, got %d frames", viewer.count())
	}

	var echoed struct {
		Line transcribe.Line `json:"line"`
	}
	client.mu.Lock()
	raw := client.written[1]
	client.mu.Unlock()
	if err := json.Unmarshal(raw, &echoed); err != nil {
		t.Fatalf("decode echo: %v", err)
	}
	if echoed.Line.ID != lines[0].ID {
		t.Fatalf("echo id %s does not match stored %s", echoed.Line.ID, lines[0].ID)
	}
}

func TestProviderErrorIsReportedWithoutClosing(t *testing.T) {
	provider := newFakeProvider()
	m, _, _ := newTestManager(provider, time.Second)

	client := newFakeClient()
	s, err := m.Start(client, Params{Room: "r1", Identity: "alice"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	stream := provider.nextStream(t)
	waitState(t, s, StateStreaming)

	stream.events <- stt.Event{Kind: stt.EventError, Err: errors.New("rate limited")}
	types := waitFrames(t, client, 2)
	assertTypes(t, types, server.FrameReady, server.FrameError)
	if s.State() != StateStreaming {
		t.Fatalf("provider error must not change state, got %v", s.State())
	}

	client.push(t, websocket.BinaryMessage, []byte("still flowing"))
	client.push(t, websocket.TextMessage, []byte(`{"type":"close"}`))
	waitDone(t, s)
	if len(stream.sent()) != 1 {
		t.Fatalf("expected frame forwarded after error, got %d", len(stream.sent()))
	}
}

func TestClientDisconnectFlushesProvider(t *testing.T) {
	provider := newFakeProvider()
	provider.autoClose = false
	m, _, log := newTestManager(provider, time.Second)

	client := newFakeClient()
	s, err := m.Start(client, Params{Room: "r1", Identity: "alice"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	stream := provider.nextStream(t)
	waitState(t, s, StateStreaming)

	_ = client.Close()
	waitState(t, s, StateClosing)
	if stream.finishCalls.Load() != 1 {
		t.Fatalf("expected Finish on disconnect, got %d", stream.finishCalls.Load())
	}

	// Trailing result flushed by the provider still lands in the log.
	stream.events <- stt.Event{Kind: stt.EventResult, Text: "last words", IsFinal: true}
	stream.events <- stt.Event{Kind: stt.EventClose}
	waitDone(t, s)

	lines, _ := log.GetAll("r1")
	if len(lines) != 1 || lines[0].Text != "last words" {
		t.Fatalf("expected flushed line stored, got %+v", lines)
	}
	if stream.closeCalls.Load() == 0 {
		t.Fatal("expected provider session released")
	}
}

func TestFinishTimeoutClosesProviderHard(t *testing.T) {
	provider := newFakeProvider()
	provider.autoClose = false
	m, _, _ := newTestManager(provider, 30*time.Millisecond)

	client := newFakeClient()
	s, err := m.Start(client, Params{Room: "r1", Identity: "alice"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	stream := provider.nextStream(t)
	waitState(t, s, StateStreaming)

	client.push(t, websocket.TextMessage, []byte(`{"type":"close"}`))
	waitDone(t, s)

	if stream.finishCalls.Load() != 1 || stream.closeCalls.Load() != 1 {
		t.Fatalf("expected finish then close, got finish=%d close=%d", stream.finishCalls.Load(), stream.closeCalls.Load())
	}
}

func TestProviderOpenFailure(t *testing.T) {
	provider := newFakeProvider()
	provider.err = errors.New("dial failed")
	m, _, _ := newTestManager(provider, time.Second)

	client := newFakeClient()
	s, err := m.Start(client, Params{Room: "r1", Identity: "alice"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitDone(t, s)

	assertTypes(t, client.frameTypes(t), server.FrameError, server.FrameClosed)
	if client.code() != websocket.CloseInternalServerErr {
		t.Fatalf("expected close 1011, got %d", client.code())
	}
	if m.Active() != 0 {
		t.Fatalf("expected no active sessions, got %d", m.Active())
	}
}

func TestProviderCloseEndsSession(t *testing.T) {
	provider := newFakeProvider()
	m, _, _ := newTestManager(provider, time.Second)

	client := newFakeClient()
	s, err := m.Start(client, Params{Room: "r1", Identity: "alice"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	stream := provider.nextStream(t)
	waitState(t, s, StateStreaming)

	stream.events <- stt.Event{Kind: stt.EventClose}
	waitDone(t, s)

	assertTypes(t, client.frameTypes(t), server.FrameReady, server.FrameClosed)
	if stream.finishCalls.Load() != 0 {
		t.Fatal("provider that closed on its own should not be asked to finish")
	}
}

func TestShutdownFinishesAllSessions(t *testing.T) {
	provider := newFakeProvider()
	m, _, _ := newTestManager(provider, time.Second)

	var sessions []*Session
	var clients []*fakeClient
	for i := 0; i < 3; i++ {
		client := newFakeClient()
		s, err := m.Start(client, Params{Room: "r1", Identity: fmt.Sprintf("p%d", i)})
		if err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		provider.nextStream(t)
		waitState(t, s, StateStreaming)
		sessions = append(sessions, s)
		clients = append(clients, client)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	for i, s := range sessions {
		if s.State() != StateClosed {
			t.Fatalf("session %d not closed: %v", i, s.State())
		}
		assertTypes(t, clients[i].frameTypes(t), server.FrameReady, server.FrameClosed)
	}
	if m.Active() != 0 {
		t.Fatalf("expected no active sessions, got %d", m.Active())
	}

	if _, err := m.Start(newFakeClient(), Params{Room: "r1", Identity: "late"}); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown after shutdown, got %v", err)
	}
}

func TestStateOnlyMovesForward(t *testing.T) {
	s := &Session{logger: zap.NewNop()}
	if !s.advance(StateStreaming) {
		t.Fatal("expected advance to STREAMING")
	}
	if s.advance(StateReady) {
		t.Fatal("backward transition must be ignored")
	}
	if s.State() != StateStreaming {
		t.Fatalf("expected STREAMING, got %v", s.State())
	}
	if StateClosing.String() != "CLOSING" || State(42).String() != "UNKNOWN" {
		t.Fatal("unexpected state names")
	}
}

func waitActive(t *testing.T, m *Manager, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for m.Active() != want {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %d active sessions, have %d", want, m.Active())
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestClientLeavingWhileConnectingReleasesProvider(t *testing.T) {
	provider := newFakeProvider()
	provider.gate = make(chan struct{})
	m, _, _ := newTestManager(provider, time.Second)

	client := newFakeClient()
	s, err := m.Start(client, Params{Room: "r1", Identity: "alice"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitState(t, s, StateConnecting)

	_ = client.Close()
	waitState(t, s, StateClosing)
	select {
	case <-s.Done():
		t.Fatal("session must wait for the pending open")
	case <-time.After(20 * time.Millisecond):
	}

	close(provider.gate)
	stream := provider.nextStream(t)
	waitDone(t, s)

	if s.State() != StateClosed {
		t.Fatalf("expected CLOSED, got %v", s.State())
	}
	if stream.finishCalls.Load() != 0 {
		t.Fatalf("nothing was streamed, Finish must not be called, got %d", stream.finishCalls.Load())
	}
	if stream.closeCalls.Load() != 1 {
		t.Fatalf("expected provider session closed once, got %d", stream.closeCalls.Load())
	}
	waitActive(t, m, 0)
}
