package storage

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sjawhar/caption-relay/internal/transcribe"
)

// ErrDuplicateLine is returned when a line id has already been stored.
var ErrDuplicateLine = errors.New("duplicate transcript line id")

// Log is the append-only transcript history, keyed by room.
type Log interface {
	Append(roomID string, line transcribe.Line) (transcribe.Line, error)
	GetAll(roomID string) ([]transcribe.Line, error)
	Rooms() ([]string, error)
	Close() error
}

// MemoryLog keeps transcripts for the lifetime of the process.
type MemoryLog struct {
	mu    sync.RWMutex
	rooms map[string][]transcribe.Line
	ids   map[string]struct{}
	now   func() time.Time
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		rooms: make(map[string][]transcribe.Line),
		ids:   make(map[string]struct{}),
		now:   time.Now,
	}
}

func (m *MemoryLog) Append(roomID string, line transcribe.Line) (transcribe.Line, error) {
	line = line.Normalize(m.now())

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.ids[line.ID]; ok {
		return transcribe.Line{}, ErrDuplicateLine
	}
	m.ids[line.ID] = struct{}{}
	m.rooms[roomID] = append(m.rooms[roomID], line)
	return line, nil
}

func (m *MemoryLog) GetAll(roomID string) ([]transcribe.Line, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	lines := m.rooms[roomID]
	out := make([]transcribe.Line, len(lines))
	copy(out, lines)
	return out, nil
}

func (m *MemoryLog) Rooms() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rooms := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		rooms = append(rooms, id)
	}
	sort.Strings(rooms)
	return rooms, nil
}

func (m *MemoryLog) Close() error { return nil }
