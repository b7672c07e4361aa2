// Package state provides durable SQLite-backed storage for the
// orchestration event timeline: every agent, task, and recovery event
// is appended here so session history survives server restarts.
package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/terraphim/agentmux/internal/events"
)

// Store provides SQLite-backed storage for the event timeline.
type Store struct {
	db   *sql.DB
	mu   sync.RWMutex
	path string
}

// Open opens or creates a SQLite database at the given path.
// If the path is empty, it defaults to ~/.config/agentmux/state.db.
func Open(path string) (*Store, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home dir: %w", err)
		}
		path = filepath.Join(home, ".config", "agentmux", "state.db")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS timeline (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			agent_id TEXT,
			task_id TEXT,
			message TEXT,
			created_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_timeline_session ON timeline(session_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_timeline_type ON timeline(event_type);`)
	if err != nil {
		return fmt.Errorf("migrate timeline: %w", err)
	}
	return nil
}

// TimelineEntry is one persisted event.
type TimelineEntry struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	EventType string    `json:"event_type"`
	AgentID   string    `json:"agent_id,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Append writes one event to the timeline.
func (s *Store) Append(ev events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO timeline (session_id, event_type, agent_id, task_id, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.SessionID, string(ev.Type), ev.AgentID, ev.TaskID, ev.Message, ts,
	)
	if err != nil {
		return fmt.Errorf("append timeline event: %w", err)
	}
	return nil
}

// List returns the most recent events for a session, newest first.
func (s *Store) List(sessionID string, limit int) ([]TimelineEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, session_id, event_type, agent_id, task_id, message, created_at
		FROM timeline WHERE session_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query timeline: %w", err)
	}
	defer rows.Close()

	var out []TimelineEntry
	for rows.Next() {
		var e TimelineEntry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.EventType, &e.AgentID, &e.TaskID, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan timeline row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountByType returns per-type event counts for a session.
func (s *Store) CountByType(sessionID string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT event_type, COUNT(*) FROM timeline
		WHERE session_id = ? GROUP BY event_type`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("count timeline: %w", err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, err
		}
		out[typ] = n
	}
	return out, rows.Err()
}

// Attach subscribes the store to a bus so every published event is
// persisted. The returned stop func detaches and drains.
func (s *Store) Attach(bus *events.Bus) (stop func()) {
	ch, unsub := bus.Subscribe(256)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			_ = s.Append(ev)
		}
	}()
	return func() {
		unsub()
		<-done
	}
}
