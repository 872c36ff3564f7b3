package transcribe

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultSpeaker labels lines submitted without a speaker.
const DefaultSpeaker = "Unknown"

// Line is one caption in a room's transcript. Lines are append-only and
// never mutated once stored.
type Line struct {
	ID        string    `json:"id"`
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// NewLine builds a line with a fresh id and the current UTC time.
func NewLine(speaker, text string) Line {
	return Line{Speaker: speaker, Text: text}.Normalize(time.Now())
}

// Normalize fills in the id, speaker and timestamp when absent and trims the
// text. Existing ids and timestamps are preserved.
func (l Line) Normalize(now time.Time) Line {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	l.Speaker = strings.TrimSpace(l.Speaker)
	if l.Speaker == "" {
		l.Speaker = DefaultSpeaker
	}
	l.Text = strings.TrimSpace(l.Text)
	if l.Timestamp.IsZero() {
		l.Timestamp = now
	}
	l.Timestamp = l.Timestamp.UTC()
	return l
}

func (l Line) FormatMarkdown() string {
	ts := l.Timestamp.Format("15:04:05")
	return fmt.Sprintf("**[%s] %s:** %s", ts, l.Speaker, strings.TrimSpace(l.Text))
}

// FormatMarkdown renders a whole transcript, one line per caption.
func FormatMarkdown(lines []Line) string {
	var b strings.Builder
	for _, line := range lines {
		b.WriteString(line.FormatMarkdown())
		b.WriteString("\n")
	}
	return b.String()
}
