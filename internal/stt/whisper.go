package stt

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const whisperQueueSize = 8

// Whisper transcribes audio in fixed-length chunks with the OpenAI
// transcription endpoint. Every chunk yields one final result; there are no
// interim results.
type Whisper struct {
	client   *openai.Client
	model    string
	language string
	chunk    time.Duration
	logger   *zap.Logger
}

func NewWhisper(apiKey, model, language string, chunk time.Duration, logger *zap.Logger) *Whisper {
	return NewWhisperWithConfig(openai.DefaultConfig(apiKey), model, language, chunk, logger)
}

func NewWhisperWithConfig(config openai.ClientConfig, model, language string, chunk time.Duration, logger *zap.Logger) *Whisper {
	if strings.TrimSpace(model) == "" {
		model = openai.Whisper1
	}
	if chunk <= 0 {
		chunk = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Whisper{
		client:   openai.NewClientWithConfig(config),
		model:    model,
		language: isoLanguage(language),
		chunk:    chunk,
		logger:   logger.Named("whisper"),
	}
}

// isoLanguage reduces a BCP 47 tag such as en-US to the ISO-639-1 code the
// transcription endpoint expects.
func isoLanguage(tag string) string {
	tag = strings.TrimSpace(tag)
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		tag = tag[:i]
	}
	return strings.ToLower(tag)
}

func (w *Whisper) Open(ctx context.Context, cfg Config) (Session, error) {
	if cfg.SampleRate <= 0 || cfg.Channels <= 0 {
		return nil, fmt.Errorf("invalid audio format: %d Hz, %d channels", cfg.SampleRate, cfg.Channels)
	}

	bytesPerSecond := cfg.SampleRate * cfg.Channels * pcmBitDepth / 8
	ctx, cancel := context.WithCancel(ctx)

	s := &whisperSession{
		whisper:    w,
		cfg:        cfg,
		chunkBytes: int(w.chunk.Seconds() * float64(bytesPerSecond)),
		sink:       newEventSink(64),
		work:       make(chan []byte, whisperQueueSize),
		stopped:    make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
	if s.chunkBytes <= 0 {
		s.chunkBytes = bytesPerSecond
	}

	go s.run()
	s.sink.emit(Event{Kind: EventOpen})
	return s, nil
}

type whisperSession struct {
	whisper    *Whisper
	cfg        Config
	chunkBytes int
	sink       eventSink
	work       chan []byte
	stopped    chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc

	mu        sync.Mutex
	buf       bytes.Buffer
	finishing bool
	closeOnce sync.Once
}

func (s *whisperSession) Events() <-chan Event { return s.sink.events }

func (s *whisperSession) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finishing || s.ctx.Err() != nil {
		return ErrSessionClosed
	}

	s.buf.Write(frame)
	for s.buf.Len() >= s.chunkBytes {
		chunk := make([]byte, s.chunkBytes)
		_, _ = s.buf.Read(chunk)
		select {
		case s.work <- chunk:
		default:
			return fmt.Errorf("transcription queue full, dropped %d bytes", len(chunk))
		}
	}
	return nil
}

func (s *whisperSession) Finish() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finishing {
		return nil
	}
	s.finishing = true

	if s.buf.Len() > 0 {
		rest := append([]byte(nil), s.buf.Bytes()...)
		s.buf.Reset()
		select {
		case s.work <- rest:
		default:
			s.whisper.logger.Warn("transcription queue full, dropping trailing audio", zap.Int("bytes", len(rest)))
		}
	}
	close(s.work)
	return nil
}

func (s *whisperSession) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		close(s.sink.done)
	})
	return nil
}

// run transcribes queued chunks until Finish drains the queue or Close
// cancels the session.
func (s *whisperSession) run() {
	defer close(s.stopped)

	for {
		var pcm []byte
		select {
		case <-s.ctx.Done():
			return
		case chunk, ok := <-s.work:
			if !ok {
				s.sink.emit(Event{Kind: EventClose})
				return
			}
			pcm = chunk
		}

		text, err := s.transcribe(pcm)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.sink.emit(Event{Kind: EventError, Err: err})
			continue
		}
		s.sink.emit(Event{Kind: EventResult, Text: text, IsFinal: true})
	}
}

func (s *whisperSession) transcribe(pcm []byte) (string, error) {
	wav, err := encodeWAV(pcm, s.cfg.SampleRate, s.cfg.Channels)
	if err != nil {
		return "", fmt.Errorf("encode wav: %w", err)
	}

	resp, err := s.whisper.client.CreateTranscription(s.ctx, openai.AudioRequest{
		Model:    s.whisper.model,
		FilePath: "audio.wav",
		Reader:   bytes.NewReader(wav),
		Language: s.whisper.language,
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return "", fmt.Errorf("openai transcription: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}
