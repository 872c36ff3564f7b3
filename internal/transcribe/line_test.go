package transcribe

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestNormalizeAssignsIDAndTimestamp(t *testing.T) {
	now := time.Date(2026, 2, 26, 10, 32, 15, 0, time.FixedZone("EST", -5*3600))
	line := Line{Speaker: "  Alice ", Text: " Hello "}.Normalize(now)

	if line.ID == "" {
		t.Fatal("expected id to be assigned")
	}
	if line.Speaker != "Alice" || line.Text != "Hello" {
		t.Fatalf("expected trimmed fields, got speaker=%q text=%q", line.Speaker, line.Text)
	}
	if !line.Timestamp.Equal(now) || line.Timestamp.Location() != time.UTC {
		t.Fatalf("expected UTC timestamp equal to now, got %v", line.Timestamp)
	}
}

func TestNormalizePreservesExistingID(t *testing.T) {
	ts := time.Date(2026, 2, 26, 10, 0, 0, 0, time.UTC)
	line := Line{ID: "fixed", Speaker: "Bob", Text: "hi", Timestamp: ts}.Normalize(time.Now())

	if line.ID != "fixed" {
		t.Fatalf("expected id to be preserved, got %q", line.ID)
	}
	if !line.Timestamp.Equal(ts) {
		t.Fatalf("expected timestamp to be preserved, got %v", line.Timestamp)
	}
}

func TestNormalizeDefaultsSpeaker(t *testing.T) {
	line := Line{Text: "anonymous"}.Normalize(time.Now())
	if line.Speaker != DefaultSpeaker {
		t.Fatalf("expected default speaker, got %q", line.Speaker)
	}
}

func TestNewLineIDsAreUnique(t *testing.T) {
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		line := NewLine("A", "x")
		if _, ok := seen[line.ID]; ok {
			t.Fatalf("duplicate id %q after %d lines", line.ID, i)
		}
		seen[line.ID] = struct{}{}
	}
}

func TestLineJSONShape(t *testing.T) {
	line := Line{ID: "l1", Speaker: "Alice", Text: "Hello", Timestamp: time.Date(2026, 2, 26, 10, 0, 0, 0, time.UTC)}
	b, err := json.Marshal(line)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	want := `{"id":"l1","speaker":"Alice","text":"Hello","timestamp":"2026-02-26T10:00:00Z"}`
	if string(b) != want {
		t.Fatalf("got %s, want %s", b, want)
	}
}

func TestFormatLineMarkdown(t *testing.T) {
	line := Line{
		Speaker:   "Alice",
		Text:      "Hello world.",
		Timestamp: time.Date(2026, 2, 26, 10, 32, 15, 0, time.UTC),
	}
	got := line.FormatMarkdown()
	want := "**[10:32:15] Alice:** Hello world."
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestFormatTranscriptMarkdown(t *testing.T) {
	ts := time.Date(2026, 2, 26, 10, 0, 0, 0, time.UTC)
	out := FormatMarkdown([]Line{
		{Speaker: "Alice", Text: "First.", Timestamp: ts},
		{Speaker: "Bob", Text: "Second.", Timestamp: ts},
	})
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), out)
	}
	if !strings.Contains(lines[1], "Bob") {
		t.Fatalf("expected second line to mention Bob, got %q", lines[1])
	}
}
