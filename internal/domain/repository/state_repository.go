package repository

import (
	"context"
	"time"

	"github.com/stepline/stepline/internal/domain/entity"
)

// StateStore is the persistence port for per-session durable state.
// Save calls for the same session are strictly serialized by the
// implementation; distinct sessions may save in parallel. The
// scheduler is the sole writer for a session during one execute call,
// so optimistic concurrency is not part of this contract.
type StateStore interface {
	// Load returns the session's state, or an empty map when none
	// exists yet.
	Load(ctx context.Context, sessionID string) (entity.SessionState, error)

	// Save persists the state atomically, bumping _version and
	// _updated_at under the session's exclusive lock.
	Save(ctx context.Context, sessionID string, state entity.SessionState) error

	// Cleanup removes session state not updated since the cutoff.
	// Returns the number of sessions removed.
	Cleanup(ctx context.Context, olderThan time.Time) (int, error)
}
