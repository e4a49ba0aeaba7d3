package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stepline/stepline/internal/domain/entity"
	"github.com/stepline/stepline/internal/domain/repository"
	apperrors "github.com/stepline/stepline/pkg/errors"
)

// FileStateStore persists one JSON file per session under dir. Saves
// for the same session are serialized by a per-session mutex; the
// write itself is temp-file-then-rename, so a crash mid-save leaves
// the previous state intact.
type FileStateStore struct {
	dir    string
	mu     sync.Mutex // guards locks map
	locks  map[string]*sync.Mutex
	logger *zap.Logger
}

var _ repository.StateStore = (*FileStateStore)(nil)

func NewFileStateStore(dir string, logger *zap.Logger) (*FileStateStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &FileStateStore{
		dir:    dir,
		locks:  make(map[string]*sync.Mutex),
		logger: logger.With(zap.String("component", "file-state-store")),
	}, nil
}

// GetPath returns the file backing the session id.
func (s *FileStateStore) GetPath(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".json")
}

func (s *FileStateStore) sessionLock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[sessionID] = lock
	}
	return lock
}

// Load returns the session's state, or a fresh empty state when the
// session has never been saved.
func (s *FileStateStore) Load(ctx context.Context, sessionID string) (entity.SessionState, error) {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	data, err := os.ReadFile(s.GetPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return entity.NewSessionState(), nil
		}
		return nil, apperrors.Wrap(apperrors.CodeStorage, "read session state", err)
	}

	var state entity.SessionState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorage, "decode session state", err)
	}
	return state, nil
}

// Save bumps _version and _updated_at under the session lock and
// writes atomically. Unknown keys in the state map round-trip as-is.
func (s *FileStateStore) Save(ctx context.Context, sessionID string, state entity.SessionState) error {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	state.BumpVersion(time.Now())

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStorage, "encode session state", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".state-*.tmp")
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStorage, "create temp file", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return apperrors.Wrap(apperrors.CodeStorage, "write session state", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return apperrors.Wrap(apperrors.CodeStorage, "close temp file", err)
	}
	if err := os.Rename(tmpName, s.GetPath(sessionID)); err != nil {
		os.Remove(tmpName)
		return apperrors.Wrap(apperrors.CodeStorage, "rename state file", err)
	}
	return nil
}

// Cleanup removes state files whose _updated_at is before the cutoff.
// Files that fail to parse are judged by modification time.
func (s *FileStateStore) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeStorage, "list state dir", err)
	}

	removed := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		sessionID := strings.TrimSuffix(name, ".json")

		lock := s.sessionLock(sessionID)
		lock.Lock()

		path := filepath.Join(s.dir, name)
		stale := false
		if data, err := os.ReadFile(path); err == nil {
			var state entity.SessionState
			if err := json.Unmarshal(data, &state); err == nil && !state.UpdatedAt().IsZero() {
				stale = state.UpdatedAt().Before(olderThan)
			} else if info, err := e.Info(); err == nil {
				stale = info.ModTime().Before(olderThan)
			}
		}

		if stale {
			if err := os.Remove(path); err == nil {
				removed++
			} else {
				s.logger.Warn("Failed to remove stale session state",
					zap.String("session_id", sessionID),
					zap.Error(err),
				)
			}
		}
		lock.Unlock()
	}

	if removed > 0 {
		s.logger.Info("Session state cleanup", zap.Int("removed", removed))
	}
	return removed, nil
}
