package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sjawhar/caption-relay/internal/transcribe"
)

// MemoryDSN keeps the database inside the process. It is only valid while the
// single pooled connection stays open.
const MemoryDSN = ":memory:"

// SQLiteLog stores transcripts in SQLite. With MemoryDSN the history lives
// exactly as long as the process, like MemoryLog.
type SQLiteLog struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteLog(dsn string) (*SQLiteLog, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = MemoryDSN
	}

	if !isMemoryDSN(dsn) {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	store := &SQLiteLog{db: db, now: time.Now}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func isMemoryDSN(dsn string) bool {
	return dsn == MemoryDSN || strings.Contains(dsn, "mode=memory")
}

func (s *SQLiteLog) init() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS lines (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			room_id TEXT NOT NULL,
			speaker TEXT NOT NULL,
			text TEXT NOT NULL,
			timestamp TEXT NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("create lines table: %w", err)
	}

	if _, err := s.db.Exec("CREATE INDEX IF NOT EXISTS idx_lines_room_seq ON lines(room_id, seq)"); err != nil {
		return fmt.Errorf("create lines index: %w", err)
	}

	return nil
}

func (s *SQLiteLog) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteLog) DB() *sql.DB {
	return s.db
}

func (s *SQLiteLog) Append(roomID string, line transcribe.Line) (transcribe.Line, error) {
	if strings.TrimSpace(roomID) == "" {
		return transcribe.Line{}, errors.New("room id is required")
	}
	line = line.Normalize(s.now())

	var exists int
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM lines WHERE id = ?`, line.ID).Scan(&exists); err != nil {
		return transcribe.Line{}, fmt.Errorf("check line %s: %w", line.ID, err)
	}
	if exists > 0 {
		return transcribe.Line{}, ErrDuplicateLine
	}

	_, err := s.db.Exec(
		`INSERT INTO lines(id, room_id, speaker, text, timestamp) VALUES(?, ?, ?, ?, ?)`,
		line.ID,
		roomID,
		line.Speaker,
		line.Text,
		line.Timestamp.Format(time.RFC3339Nano),
	)
	if err != nil {
		return transcribe.Line{}, fmt.Errorf("append line for room %s: %w", roomID, err)
	}
	return line, nil
}

func (s *SQLiteLog) GetAll(roomID string) ([]transcribe.Line, error) {
	rows, err := s.db.Query(
		`SELECT id, speaker, text, timestamp
		 FROM lines
		 WHERE room_id = ?
		 ORDER BY seq ASC`,
		roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("query lines for room %s: %w", roomID, err)
	}
	defer func() { _ = rows.Close() }()

	lines := make([]transcribe.Line, 0, 32)
	for rows.Next() {
		var line transcribe.Line
		var ts string
		if err := rows.Scan(&line.ID, &line.Speaker, &line.Text, &ts); err != nil {
			return nil, fmt.Errorf("scan line for room %s: %w", roomID, err)
		}

		parsedTS, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse line timestamp for room %s: %w", roomID, err)
		}
		line.Timestamp = parsedTS.UTC()

		lines = append(lines, line)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate line rows for room %s: %w", roomID, err)
	}

	return lines, nil
}

func (s *SQLiteLog) Rooms() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT room_id FROM lines ORDER BY room_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query rooms: %w", err)
	}
	defer func() { _ = rows.Close() }()

	rooms := make([]string, 0, 8)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		rooms = append(rooms, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate room rows: %w", err)
	}

	return rooms, nil
}
