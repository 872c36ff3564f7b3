// Package stt adapts streaming speech-to-text providers to a single
// session interface: audio frames go in through Send, provider events come
// out of the Events channel.
package stt

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned when audio is sent to a finished session.
var ErrSessionClosed = errors.New("stt session closed")

// Config describes the audio a session will receive and the output wanted.
type Config struct {
	Encoding       string
	SampleRate     int
	Channels       int
	Punctuate      bool
	SmartFormat    bool
	InterimResults bool
}

// RelayConfig is the fixed configuration used for browser microphone audio:
// mono 16kHz linear PCM with punctuation, smart formatting and interim results.
func RelayConfig() Config {
	return Config{
		Encoding:       "linear16",
		SampleRate:     16000,
		Channels:       1,
		Punctuate:      true,
		SmartFormat:    true,
		InterimResults: true,
	}
}

type EventKind int

const (
	EventOpen EventKind = iota + 1
	EventResult
	EventClose
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventResult:
		return "result"
	case EventClose:
		return "close"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is emitted by a provider session. Text and IsFinal are set for
// EventResult, Err for EventError.
type Event struct {
	Kind    EventKind
	Text    string
	IsFinal bool
	Err     error
}

// Session is one live transcription stream owned by a single relay session.
type Session interface {
	// Send forwards one audio frame as-is.
	Send(frame []byte) error
	Events() <-chan Event
	// Finish asks the provider to flush trailing results and close. An
	// EventClose follows once the provider is done.
	Finish() error
	// Close releases the session immediately without flushing.
	Close() error
}

type Provider interface {
	Open(ctx context.Context, cfg Config) (Session, error)
}

// eventSink delivers events until the owning session is closed.
type eventSink struct {
	events chan Event
	done   chan struct{}
}

func newEventSink(size int) eventSink {
	return eventSink{events: make(chan Event, size), done: make(chan struct{})}
}

func (s eventSink) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}
