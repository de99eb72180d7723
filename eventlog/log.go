/*
log.go - Append-only, write-through session event log

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. Past events never change.
  2. WRITE-THROUGH: Append returns only after the whole log is durably saved.
     The unflushed in-memory tail is therefore always empty.
  3. NO FALLBACK: If saving fails, the event is dropped from memory too and
     the error is returned. The caller treats it as fatal for the session.

PERSISTENCE COST:
  Every Append rewrites the full record (O(log length)). Sessions produce a
  few hundred events, so this is acceptable; a store that appends
  incrementally (store/sqlite) can ignore the already-saved prefix.

SEE ALSO:
  - event.go: Event wire format
  - store/files.go: results/<sessionId>.json
*/
package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrSessionNotFound is returned by Load for an unknown session.
	ErrSessionNotFound = errors.New("session log not found")

	// ErrPersist wraps any failure to durably save the log.
	ErrPersist = errors.New("event log persistence failed")

	// ErrLogTruncated is returned when a store is asked to save a log shorter
	// than the one it already holds.
	ErrLogTruncated = errors.New("event log would be truncated")
)

// =============================================================================
// STORE - durable record per session
// =============================================================================

// Store persists whole session logs keyed by session id.
type Store interface {
	// Save replaces the session's durable record with events.
	// events always extends the previously saved slice.
	Save(ctx context.Context, sessionID string, events []Event) error

	// Load returns the saved events in order.
	Load(ctx context.Context, sessionID string) ([]Event, error)

	// List returns the ids of all saved sessions.
	List(ctx context.Context) ([]string, error)
}

// =============================================================================
// LOG
// =============================================================================

// Log is one session's ordered event sequence.
type Log struct {
	mu        sync.Mutex
	sessionID string
	store     Store
	events    []Event
}

// New creates an empty log for a session.
func New(sessionID string, store Store) *Log {
	return &Log{sessionID: sessionID, store: store}
}

// Load reads a saved session log for offline analysis. The returned Log is
// not meant to be appended to by a live session.
func Load(ctx context.Context, store Store, sessionID string) (*Log, error) {
	events, err := store.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &Log{sessionID: sessionID, store: store, events: events}, nil
}

// SessionID returns the key the log is stored under.
func (l *Log) SessionID() string { return l.sessionID }

// Append adds ev and synchronously persists the full log.
func (l *Log) Append(ctx context.Context, ev Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = append(l.events, ev)
	if err := l.store.Save(ctx, l.sessionID, l.events); err != nil {
		l.events = l.events[:len(l.events)-1]
		return fmt.Errorf("%w: session %s: %v", ErrPersist, l.sessionID, err)
	}
	return nil
}

// Len returns the number of events.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// Events returns a copy of the events in order.
func (l *Log) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Snapshot encodes the log exactly as the file store writes it.
func (l *Log) Snapshot() ([]byte, error) {
	return Encode(l.Events())
}

// Encode writes events as an indented JSON array.
func Encode(events []Event) ([]byte, error) {
	if events == nil {
		events = []Event{}
	}
	return json.MarshalIndent(events, "", "  ")
}

// Decode parses a JSON array of events.
func Decode(data []byte) ([]Event, error) {
	var events []Event
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("decode event log: %w", err)
	}
	return events, nil
}
