package stt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"go.uber.org/zap"
)

const defaultFlushWait = 2 * time.Second

// liveConn is the part of the Deepgram websocket client a session uses.
type liveConn interface {
	Connect() bool
	Write(p []byte) (int, error)
	Finalize() error
	Stop()
}

type deepgramDialer func(ctx context.Context, apiKey string, cOptions *interfaces.ClientOptions, tOptions *interfaces.LiveTranscriptionOptions, handler *deepgramHandler) (liveConn, error)

// Deepgram opens live transcription streams against the Deepgram API.
type Deepgram struct {
	apiKey    string
	model     string
	language  string
	flushWait time.Duration
	logger    *zap.Logger
	dial      deepgramDialer
}

func NewDeepgram(apiKey, model, language string, logger *zap.Logger) *Deepgram {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deepgram{
		apiKey:    apiKey,
		model:     model,
		language:  language,
		flushWait: defaultFlushWait,
		logger:    logger.Named("deepgram"),
		dial:      dialDeepgram,
	}
}

// InitDeepgram configures the SDK's internal logging. Call once at startup.
func InitDeepgram() {
	client.Init(client.InitLib{LogLevel: client.LogLevelDefault})
}

func dialDeepgram(ctx context.Context, apiKey string, cOptions *interfaces.ClientOptions, tOptions *interfaces.LiveTranscriptionOptions, handler *deepgramHandler) (liveConn, error) {
	c, err := client.NewWSUsingCallback(ctx, apiKey, cOptions, tOptions, handler)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (d *Deepgram) Open(ctx context.Context, cfg Config) (Session, error) {
	if strings.TrimSpace(d.apiKey) == "" {
		return nil, errors.New("deepgram api key not configured")
	}

	cOptions := &interfaces.ClientOptions{EnableKeepAlive: true}
	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          d.model,
		Language:       d.language,
		Punctuate:      cfg.Punctuate,
		SmartFormat:    cfg.SmartFormat,
		InterimResults: cfg.InterimResults,
		Encoding:       cfg.Encoding,
		SampleRate:     cfg.SampleRate,
		Channels:       cfg.Channels,
	}

	s := &deepgramSession{
		sink:      newEventSink(64),
		flushWait: d.flushWait,
		logger:    d.logger,
	}
	handler := &deepgramHandler{session: s}

	conn, err := d.dial(ctx, d.apiKey, cOptions, tOptions, handler)
	if err != nil {
		return nil, fmt.Errorf("create deepgram client: %w", err)
	}
	if ok := conn.Connect(); !ok {
		return nil, errors.New("deepgram connect failed")
	}
	s.conn = conn

	s.sink.emit(Event{Kind: EventOpen})
	return s, nil
}

type deepgramSession struct {
	conn      liveConn
	sink      eventSink
	flushWait time.Duration
	logger    *zap.Logger

	mu        sync.Mutex
	finishing bool
	closed    bool
	closeOnce sync.Once
	doneOnce  sync.Once
	eventOnce sync.Once
}

func (s *deepgramSession) Events() <-chan Event { return s.sink.events }

func (s *deepgramSession) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finishing || s.closed {
		return ErrSessionClosed
	}
	if _, err := s.conn.Write(frame); err != nil {
		return fmt.Errorf("deepgram write: %w", err)
	}
	return nil
}

func (s *deepgramSession) Finish() error {
	s.mu.Lock()
	if s.finishing || s.closed {
		s.mu.Unlock()
		return nil
	}
	s.finishing = true
	s.mu.Unlock()

	if err := s.conn.Finalize(); err != nil {
		s.logger.Warn("deepgram finalize failed", zap.Error(err))
	}

	go func() {
		timer := time.NewTimer(s.flushWait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-s.sink.done:
			return
		}
		s.stop()
		s.emitClose()
	}()
	return nil
}

func (s *deepgramSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.stop()
	s.doneOnce.Do(func() { close(s.sink.done) })
	return nil
}

func (s *deepgramSession) stop() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	s.closeOnce.Do(func() {
		if conn != nil {
			conn.Stop()
		}
	})
}

func (s *deepgramSession) emitClose() {
	s.eventOnce.Do(func() { s.sink.emit(Event{Kind: EventClose}) })
}

// deepgramHandler receives SDK callbacks and turns them into Events.
type deepgramHandler struct {
	session *deepgramSession
}

func (h *deepgramHandler) Open(*api.OpenResponse) error {
	h.session.logger.Debug("connected to deepgram")
	return nil
}

func (h *deepgramHandler) Message(mr *api.MessageResponse) error {
	if mr == nil || len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	h.session.sink.emit(Event{
		Kind:    EventResult,
		Text:    mr.Channel.Alternatives[0].Transcript,
		IsFinal: mr.IsFinal,
	})
	return nil
}

func (h *deepgramHandler) Metadata(*api.MetadataResponse) error { return nil }

func (h *deepgramHandler) SpeechStarted(*api.SpeechStartedResponse) error { return nil }

func (h *deepgramHandler) UtteranceEnd(*api.UtteranceEndResponse) error { return nil }

func (h *deepgramHandler) Close(*api.CloseResponse) error {
	h.session.logger.Debug("disconnected from deepgram")
	h.session.emitClose()
	return nil
}

func (h *deepgramHandler) Error(er *api.ErrorResponse) error {
	if er == nil {
		return nil
	}
	err := fmt.Errorf("deepgram error %s: %s", er.ErrCode, er.Description)
	h.session.sink.emit(Event{Kind: EventError, Err: err})
	return nil
}

func (h *deepgramHandler) UnhandledEvent([]byte) error { return nil }
