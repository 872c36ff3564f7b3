package server

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sjawhar/caption-relay/internal/transcribe"
)

const (
	FrameInit       = "init"
	FrameTranscript = "transcript"
	FrameError      = "error"
	FrameReady      = "ready"
	FrameClosed     = "closed"

	// PingText and PongText are the plain-text heartbeat on the sync endpoint.
	PingText = "ping"
	PongText = "pong"
)

type InitFrame struct {
	Type        string            `json:"type"`
	Transcripts []transcribe.Line `json:"transcripts"`
}

type TranscriptFrame struct {
	Type string          `json:"type"`
	Line transcribe.Line `json:"line"`
}

type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// StatusFrame carries no payload beyond its type (ready, closed).
type StatusFrame struct {
	Type string `json:"type"`
}

func NewInitFrame(lines []transcribe.Line) InitFrame {
	if lines == nil {
		lines = []transcribe.Line{}
	}
	return InitFrame{Type: FrameInit, Transcripts: lines}
}

func NewTranscriptFrame(line transcribe.Line) TranscriptFrame {
	return TranscriptFrame{Type: FrameTranscript, Line: line}
}

func NewErrorFrame(message string) ErrorFrame {
	return ErrorFrame{Type: FrameError, Message: message}
}

func NewStatusFrame(frameType string) StatusFrame {
	return StatusFrame{Type: frameType}
}

var (
	ErrMalformedMessage = errors.New("malformed client message")
	ErrUnknownMessage   = errors.New("unknown client message type")
)

// ClientMessage is a JSON frame sent by a client. The set of variants is
// closed: SubmitTranscript and CloseSession.
type ClientMessage interface {
	clientMessage()
}

// SubmitTranscript adds a line to the sender's room.
type SubmitTranscript struct {
	Speaker string
	Text    string
}

// CloseSession ends an audio relay session gracefully.
type CloseSession struct{}

func (SubmitTranscript) clientMessage() {}
func (CloseSession) clientMessage()     {}

type clientEnvelope struct {
	Type    string `json:"type"`
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// DecodeClientMessage parses one text frame into its variant.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var env clientEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	switch env.Type {
	case FrameTranscript:
		return SubmitTranscript{Speaker: env.Speaker, Text: env.Text}, nil
	case "close":
		return CloseSession{}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
	}
}

func marshalFrame(frame any) ([]byte, error) {
	payload, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("marshal frame: %w", err)
	}
	return payload, nil
}
