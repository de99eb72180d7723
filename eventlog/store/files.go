// Package store provides eventlog.Store implementations.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/warp/evac-survey/eventlog"
)

// =============================================================================
// FILE STORE - results/<sessionId>.json
// =============================================================================

// Files keeps one JSON array file per session in Dir. Every Save rewrites
// the whole file through a temp file and rename, so a reader never sees a
// partially written log.
type Files struct {
	Dir string
}

func NewFiles(dir string) *Files {
	return &Files{Dir: dir}
}

// Path returns the file a session's log is written to.
func (f *Files) Path(sessionID string) string {
	return filepath.Join(f.Dir, sessionID+".json")
}

func (f *Files) Save(_ context.Context, sessionID string, events []eventlog.Event) error {
	if err := validID(sessionID); err != nil {
		return err
	}
	data, err := eventlog.Encode(events)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return fmt.Errorf("create results dir: %w", err)
	}

	tmp, err := os.CreateTemp(f.Dir, "."+sessionID+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp log: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write log: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close log: %w", err)
	}
	if err := os.Rename(tmpName, f.Path(sessionID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename log: %w", err)
	}
	return nil
}

func (f *Files) Load(_ context.Context, sessionID string) ([]eventlog.Event, error) {
	if err := validID(sessionID); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.Path(sessionID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, eventlog.ErrSessionNotFound
		}
		return nil, err
	}
	return eventlog.Decode(data)
}

func (f *Files) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(f.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

// validID keeps session ids from escaping the results directory.
func validID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return fmt.Errorf("invalid session id %q", id)
	}
	return nil
}
