/*
Package sqlite provides a SQLite-backed implementation of eventlog.Store.

PURPOSE:
  An alternative to the per-session JSON files for deployments that want
  all session logs in one database for offline analysis. The store still
  honours write-through semantics: Save returns only after the new events
  are committed.

INTERFACES IMPLEMENTED:
  eventlog.Store: Save / Load / List

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on the events table
  - Save inserts only the tail the database has not seen yet
  - A log shorter than the stored one is refused (eventlog.ErrLogTruncated)

KEY TABLES:
  sessions: one row per session id with event count and timestamps
  events:   immutable rows (session_id, seq) with the full event JSON

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single connection, which also
  keeps ":memory:" databases shared across calls.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better crash recovery.

USAGE:
  store, err := sqlite.New("./results/sessions.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  log := eventlog.New(sessionID, store)

SEE ALSO:
  - eventlog/log.go: Store interface definition
  - eventlog/store/files.go: default file-per-session implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/evac-survey/eventlog"
)

// Store implements eventlog.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Compile-time check that Store implements eventlog.Store
var _ eventlog.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Sessions (one per participant run)
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		event_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Events (append-only log)
	CREATE TABLE IF NOT EXISTS events (
		session_id TEXT NOT NULL REFERENCES sessions(id),
		seq INTEGER NOT NULL,
		event TEXT NOT NULL,
		time_step TEXT,
		timestamp TEXT NOT NULL,
		body_json TEXT NOT NULL,
		PRIMARY KEY (session_id, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_events_event
		ON events(event);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// EVENT STORE (eventlog.Store interface)
// =============================================================================

// Save inserts the events the database does not hold yet, in one transaction.
func (s *Store) Save(ctx context.Context, sessionID string, events []eventlog.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var saved int
	err = tx.QueryRowContext(ctx, `SELECT event_count FROM sessions WHERE id = ?`, sessionID).Scan(&saved)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to read session: %w", err)
	}
	if len(events) < saved {
		return eventlog.ErrLogTruncated
	}

	now := time.Now().UTC().Format(time.RFC3339)
	if err == sql.ErrNoRows {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (id, event_count, created_at, updated_at) VALUES (?, 0, ?, ?)`,
			sessionID, now, now,
		); err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}
	}

	for i := saved; i < len(events); i++ {
		if err := insertEvent(ctx, tx, sessionID, i, events[i]); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET event_count = ?, updated_at = ? WHERE id = ?`,
		len(events), now, sessionID,
	); err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}

	return tx.Commit()
}

func insertEvent(ctx context.Context, tx *sql.Tx, sessionID string, seq int, ev eventlog.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event %d: %w", seq, err)
	}
	var timeStep sql.NullString
	if ev.TimeStep != nil {
		timeStep = sql.NullString{String: ev.TimeStep.Key(), Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (session_id, seq, event, time_step, timestamp, body_json)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID,
		seq,
		string(ev.Kind),
		timeStep,
		ev.Timestamp.Format(time.RFC3339Nano),
		string(body),
	)
	if err != nil {
		return fmt.Errorf("failed to append event %d: %w", seq, err)
	}
	return nil
}

// Load returns a session's events ordered by sequence.
func (s *Store) Load(ctx context.Context, sessionID string) ([]eventlog.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, sessionID).Scan(&exists)
	if err == sql.ErrNoRows {
		return nil, eventlog.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT body_json FROM events WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []eventlog.Event{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var ev eventlog.Event
		if err := json.Unmarshal([]byte(body), &ev); err != nil {
			return nil, fmt.Errorf("failed to decode event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// List returns all session ids, oldest first.
func (s *Store) List(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id FROM sessions ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
