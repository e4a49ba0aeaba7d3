package usecase

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/stepline/stepline/internal/domain/entity"
	"github.com/stepline/stepline/internal/domain/repository"
	"github.com/stepline/stepline/internal/domain/service"
	"github.com/stepline/stepline/internal/infrastructure/eventbus"
	"github.com/stepline/stepline/internal/infrastructure/monitoring"
	domainErrors "github.com/stepline/stepline/pkg/errors"
	"github.com/stepline/stepline/pkg/safego"
)

// ErrSessionBusy rejects a second mission while one is in flight for
// the same session. The scheduler is single-writer per session.
var ErrSessionBusy = domainErrors.NewConflictError("session already has a mission in flight")

// ApprovalAuditor mirrors approval decisions into durable audit
// storage. Implemented by persistence.Journal.
type ApprovalAuditor interface {
	RecordApproval(ctx context.Context, sessionID, toolName, preview, decision string) error
}

// Executor runs missions. Implemented by service.Scheduler.
type Executor interface {
	Execute(ctx context.Context, mission, sessionID string) (*service.ExecutionResult, <-chan entity.Event)
}

// MissionRunner is the application entry point for executing missions.
// It serializes runs per session, mirrors the event stream onto the
// bus for observers, and keeps the monitor's session gauge honest.
type MissionRunner struct {
	scheduler Executor
	states    repository.StateStore
	bus       eventbus.Bus
	auditor   ApprovalAuditor
	monitor   *monitoring.Monitor
	logger    *zap.Logger

	mu     sync.Mutex
	active map[string]struct{}
}

func NewMissionRunner(
	scheduler Executor,
	states repository.StateStore,
	bus eventbus.Bus,
	auditor ApprovalAuditor,
	monitor *monitoring.Monitor,
	logger *zap.Logger,
) *MissionRunner {
	return &MissionRunner{
		scheduler: scheduler,
		states:    states,
		bus:       bus,
		auditor:   auditor,
		monitor:   monitor,
		logger:    logger.With(zap.String("component", "mission-runner")),
		active:    make(map[string]struct{}),
	}
}

// Run starts (or resumes) a mission. The returned channel mirrors the
// scheduler's event stream; the result is valid once it closes. The
// session stays locked until then.
func (r *MissionRunner) Run(ctx context.Context, sessionID, mission string) (*service.ExecutionResult, <-chan entity.Event, error) {
	if !r.acquire(sessionID) {
		return nil, nil, ErrSessionBusy
	}

	if r.monitor != nil {
		r.monitor.IncMission()
		r.monitor.AddActiveSessions(1)
	}

	result, schedCh := r.scheduler.Execute(ctx, mission, sessionID)
	out := make(chan entity.Event, 64)

	safego.Go(r.logger, "mission-event-tee", func() {
		defer func() {
			close(out)
			r.release(sessionID)
			if r.monitor != nil {
				r.monitor.AddActiveSessions(-1)
			}
		}()

		consumerGone := false
		for event := range schedCh {
			if r.bus != nil {
				r.bus.Publish(ctx, event)
			}
			if consumerGone {
				continue
			}
			// Keep draining the scheduler even when the caller went
			// away, so the run can finish persisting its state.
			select {
			case out <- event:
			case <-ctx.Done():
				consumerGone = true
			}
		}
	})

	return result, out, nil
}

// Answer resumes a session that is suspended on a pending question.
// Approval answers are additionally mirrored into the audit store.
func (r *MissionRunner) Answer(ctx context.Context, sessionID, answer string) (*service.ExecutionResult, <-chan entity.Event, error) {
	state, err := r.states.Load(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	pending := state.PendingQuestion()
	if pending == nil {
		return nil, nil, domainErrors.NewInvalidInputError("session has no pending question")
	}

	if toolName, ok := service.IsApprovalKey(pending.AnswerKey); ok && r.auditor != nil {
		decision := "denied"
		if approvedAnswer(answer) {
			decision = "approved"
		}
		if err := r.auditor.RecordApproval(ctx, sessionID, toolName, pending.Question, decision); err != nil {
			r.logger.Warn("Approval audit write failed",
				zap.String("session_id", sessionID),
				zap.String("tool", toolName),
				zap.Error(err),
			)
		}
	}

	return r.Run(ctx, sessionID, answer)
}

// IsBusy reports whether a mission is in flight for the session.
func (r *MissionRunner) IsBusy(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, busy := r.active[sessionID]
	return busy
}

func (r *MissionRunner) acquire(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.active[sessionID]; busy {
		return false
	}
	r.active[sessionID] = struct{}{}
	return true
}

func (r *MissionRunner) release(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, sessionID)
}

// approvedAnswer mirrors the gate's reading of approval replies.
func approvedAnswer(answer string) bool {
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes", "approve", "approved", "always", "trust":
		return true
	}
	return false
}
