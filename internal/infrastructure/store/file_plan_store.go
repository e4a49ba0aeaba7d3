// Package store provides the file and redis persistence backends for
// plans and session state.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/stepline/stepline/internal/domain/entity"
	"github.com/stepline/stepline/internal/domain/repository"
	apperrors "github.com/stepline/stepline/pkg/errors"
)

// FilePlanStore persists each plan as one JSON file under dir. Writes
// go through a temp file and rename so readers never observe a partial
// plan.
type FilePlanStore struct {
	dir    string
	mu     sync.Mutex
	logger *zap.Logger
}

var _ repository.PlanStore = (*FilePlanStore)(nil)

func NewFilePlanStore(dir string, logger *zap.Logger) (*FilePlanStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create plan dir: %w", err)
	}
	return &FilePlanStore{
		dir:    dir,
		logger: logger.With(zap.String("component", "file-plan-store")),
	}, nil
}

// GetPath returns the file backing the plan id.
func (s *FilePlanStore) GetPath(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *FilePlanStore) Create(ctx context.Context, plan *entity.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.GetPath(plan.ID)
	if _, err := os.Stat(path); err == nil {
		return apperrors.New(apperrors.CodeAlreadyExists, fmt.Sprintf("plan %s already exists", plan.ID))
	}
	return s.write(path, plan)
}

func (s *FilePlanStore) Load(ctx context.Context, id string) (*entity.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.GetPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", entity.ErrPlanNotFound, id)
		}
		return nil, apperrors.Wrap(apperrors.CodeStorage, "read plan", err)
	}

	var plan entity.Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorage, "decode plan", err)
	}
	return &plan, nil
}

func (s *FilePlanStore) Update(ctx context.Context, plan *entity.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.GetPath(plan.ID)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", entity.ErrPlanNotFound, plan.ID)
		}
		return apperrors.Wrap(apperrors.CodeStorage, "stat plan", err)
	}
	return s.write(path, plan)
}

func (s *FilePlanStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.GetPath(id)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", entity.ErrPlanNotFound, id)
		}
		return apperrors.Wrap(apperrors.CodeStorage, "delete plan", err)
	}
	return nil
}

// write marshals the plan into a sibling temp file and renames it into
// place.
func (s *FilePlanStore) write(path string, plan *entity.Plan) error {
	data, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStorage, "encode plan", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".plan-*.tmp")
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStorage, "create temp file", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return apperrors.Wrap(apperrors.CodeStorage, "write plan", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return apperrors.Wrap(apperrors.CodeStorage, "close temp file", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return apperrors.Wrap(apperrors.CodeStorage, "rename plan file", err)
	}
	return nil
}
