package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/evac-survey/eventlog"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu    sync.RWMutex
	logs  map[string][]eventlog.Event
	saves map[string]int

	// FailSaves makes every Save return this error while non-nil.
	FailSaves error
}

func NewMemory() *Memory {
	return &Memory{
		logs:  make(map[string][]eventlog.Event),
		saves: make(map[string]int),
	}
}

func (m *Memory) Save(_ context.Context, sessionID string, events []eventlog.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailSaves != nil {
		return m.FailSaves
	}
	if len(events) < len(m.logs[sessionID]) {
		return eventlog.ErrLogTruncated
	}
	cp := make([]eventlog.Event, len(events))
	copy(cp, events)
	m.logs[sessionID] = cp
	m.saves[sessionID]++
	return nil
}

func (m *Memory) Load(_ context.Context, sessionID string) ([]eventlog.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events, ok := m.logs[sessionID]
	if !ok {
		return nil, eventlog.ErrSessionNotFound
	}
	result := make([]eventlog.Event, len(events))
	copy(result, events)
	return result, nil
}

func (m *Memory) List(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.logs))
	for id := range m.logs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Saves reports how many times a session's log was written.
func (m *Memory) Saves(sessionID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves[sessionID]
}
