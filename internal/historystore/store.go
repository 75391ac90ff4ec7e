// Package historystore is the durable, append-only mirror of ChatMessages
// the router and orchestrator emit: a SQLite table independent of
// StateStore's JSON files, so a crash in one never corrupts the other.
package historystore

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeFmt always writes nine fractional digits, so stored timestamps sort
// lexically in chronological order.
const timeFmt = "2006-01-02T15:04:05.000000000Z07:00"

// ChatMessage is one durable row; Metadata is opaque JSON produced by the
// caller (tool calls, thinking text, error details, tts audio path).
type ChatMessage struct {
	ID        string
	SessionID string
	Timestamp time.Time
	Type      string // user | assistant | tool | system | error | tts_audio
	Content   string
	Metadata  string // JSON, or ""
}

// Store wraps a single SQLite database file.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// applies any pending migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		var applied int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", f).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", f, err)
		}
		if applied > 0 {
			continue
		}
		content, err := migrationsFS.ReadFile("migrations/" + f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", f, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", f, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", f); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", f, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", f, err)
		}
	}
	return nil
}

// Append inserts a ChatMessage. Intended to be called by a single writer
// goroutine per spec.md's "single writer" requirement; SQLite itself
// serializes concurrent writers, but a single caller keeps ordering sane.
func (s *Store) Append(m ChatMessage) error {
	_, err := s.db.Exec(`INSERT INTO chat_messages (id, session_id, timestamp, type, content, metadata)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, m.Timestamp.UTC().Format(timeFmt), m.Type, m.Content, m.Metadata)
	if err != nil {
		return fmt.Errorf("append chat message: %w", err)
	}
	return nil
}

// ListBySession returns every message for sessionID in chronological order.
func (s *Store) ListBySession(sessionID string) ([]ChatMessage, error) {
	rows, err := s.db.Query(`SELECT id, session_id, timestamp, type, content, metadata
		FROM chat_messages WHERE session_id = ? ORDER BY timestamp`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list by session: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]ChatMessage, error) {
	var out []ChatMessage
	for rows.Next() {
		var m ChatMessage
		var ts string
		var metadata sql.NullString
		if err := rows.Scan(&m.ID, &m.SessionID, &ts, &m.Type, &m.Content, &metadata); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		parsed, err := time.Parse(timeFmt, ts)
		if err != nil {
			return nil, fmt.Errorf("parse timestamp: %w", err)
		}
		m.Timestamp = parsed
		m.Metadata = metadata.String
		out = append(out, m)
	}
	return out, rows.Err()
}
