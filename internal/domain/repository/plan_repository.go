package repository

import (
	"context"

	"github.com/stepline/stepline/internal/domain/entity"
)

// PlanStore is the persistence port for Plans, keyed by plan id.
// Defined in the domain layer, implemented in infrastructure.
// Writes are atomic per plan; missing plans yield a not-found error.
type PlanStore interface {
	// Create persists a new plan. Fails if the id already exists.
	Create(ctx context.Context, plan *entity.Plan) error

	// Load returns the plan by id.
	Load(ctx context.Context, id string) (*entity.Plan, error)

	// Update overwrites an existing plan.
	Update(ctx context.Context, plan *entity.Plan) error

	// Delete removes the plan.
	Delete(ctx context.Context, id string) error

	// GetPath returns the storage address for the plan id (a file
	// path or backend key), without touching the plan itself.
	GetPath(id string) string
}
