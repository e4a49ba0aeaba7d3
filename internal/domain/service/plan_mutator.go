package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/stepline/stepline/internal/domain/entity"
	"github.com/stepline/stepline/internal/domain/repository"
)

// StepChanges carries the field edits of a modify-step mutation. Nil
// fields are left untouched, mirroring how model policy overrides
// merge elsewhere in the codebase.
type StepChanges struct {
	Description        *string
	AcceptanceCriteria *string
	Dependencies       *[]int
	ChosenTool         *string
	ToolInput          *map[string]any
}

// SubtaskSpec describes one replacement step of a decomposition.
type SubtaskSpec struct {
	Description        string
	AcceptanceCriteria string
}

// ReplacementStep describes the new step of a replace-step mutation.
// Nil Dependencies inherit the replaced step's dependencies.
type ReplacementStep struct {
	Description        string
	AcceptanceCriteria string
	ChosenTool         string
	ToolInput          map[string]any
	Dependencies       []int
}

// PlanMutator applies structural edits to stored plans. Every
// mutation works on a clone, revalidates the dependency invariants,
// and persists only on success, so a rejected mutation leaves the
// stored plan byte-identical.
type PlanMutator struct {
	plans  repository.PlanStore
	logger *zap.Logger
}

func NewPlanMutator(plans repository.PlanStore, logger *zap.Logger) *PlanMutator {
	return &PlanMutator{
		plans:  plans,
		logger: logger.With(zap.String("component", "plan-mutator")),
	}
}

// ModifyStep applies field changes to the step at position, resets it
// to PENDING with zero attempts, and charges its replan budget.
func (m *PlanMutator) ModifyStep(ctx context.Context, planID string, position int, changes StepChanges) (*entity.Plan, error) {
	plan, step, err := m.loadStep(ctx, planID, position)
	if err != nil {
		return nil, err
	}
	if step.ReplanCount >= entity.MaxReplansPerStep {
		return nil, fmt.Errorf("step %d: %w", position, entity.ErrReplanBudgetSpent)
	}

	next := plan.Clone()
	target := next.FindStep(position)

	if changes.Description != nil {
		target.Description = *changes.Description
	}
	if changes.AcceptanceCriteria != nil {
		target.AcceptanceCriteria = *changes.AcceptanceCriteria
	}
	if changes.Dependencies != nil {
		target.Dependencies = append([]int(nil), (*changes.Dependencies)...)
	}
	if changes.ChosenTool != nil {
		target.ChosenTool = *changes.ChosenTool
	}
	if changes.ToolInput != nil {
		target.ToolInput = *changes.ToolInput
	}

	if err := next.Validate(); err != nil {
		return nil, fmt.Errorf("modify_step rejected: %w", err)
	}

	target.ResetForReplan()

	if err := m.plans.Update(ctx, next); err != nil {
		return nil, err
	}
	m.logger.Info("Step modified",
		zap.String("plan_id", planID),
		zap.Int("position", position),
		zap.Int("replan_count", target.ReplanCount),
	)
	return next, nil
}

// DecomposeStep replaces the step at position with a chain of
// subtasks. The original step stays in the plan as SKIPPED; steps that
// depended on it now depend on the last subtask; each subtask after
// the first depends on its predecessor; the first inherits the
// original's dependencies. Returns the new positions after
// renumbering.
func (m *PlanMutator) DecomposeStep(ctx context.Context, planID string, position int, subtasks []SubtaskSpec) (*entity.Plan, []int, error) {
	if len(subtasks) == 0 {
		return nil, nil, entity.ErrEmptySubtasks
	}
	plan, step, err := m.loadStep(ctx, planID, position)
	if err != nil {
		return nil, nil, err
	}
	if step.ReplanCount >= entity.MaxReplansPerStep {
		return nil, nil, fmt.Errorf("step %d: %w", position, entity.ErrReplanBudgetSpent)
	}

	next := plan.Clone()
	old := next.FindStep(position)

	// Temp positions keep uniqueness until the final renumber.
	temp := maxPosition(next) + 1
	newSteps := make([]*entity.Step, len(subtasks))
	for i, spec := range subtasks {
		var deps []int
		if i == 0 {
			deps = append([]int(nil), old.Dependencies...)
		} else {
			deps = []int{temp + i - 1}
		}
		newSteps[i] = entity.NewStep(temp+i, spec.Description, spec.AcceptanceCriteria, deps)
	}
	lastTemp := temp + len(subtasks) - 1

	// Retarget edges into the decomposed step to the last subtask.
	for _, s := range next.Steps {
		if s == old {
			continue
		}
		for i, d := range s.Dependencies {
			if d == position {
				s.Dependencies[i] = lastTemp
			}
		}
	}

	old.Status = entity.StepSkipped
	old.ReplanCount++

	// Insert the chain right after the decomposed step.
	idx := stepIndex(next, old)
	next.Steps = append(next.Steps[:idx+1], append(newSteps, next.Steps[idx+1:]...)...)
	next.Renumber()

	if err := next.Validate(); err != nil {
		return nil, nil, fmt.Errorf("decompose_step rejected: %w", err)
	}

	positions := make([]int, len(newSteps))
	for i, s := range newSteps {
		positions[i] = s.Position
	}

	if err := m.plans.Update(ctx, next); err != nil {
		return nil, nil, err
	}
	m.logger.Info("Step decomposed",
		zap.String("plan_id", planID),
		zap.Int("position", position),
		zap.Ints("subtask_positions", positions),
	)
	return next, positions, nil
}

// ReplaceStep swaps the step at position for a new one. The new step
// takes the numeric position; the old step stays as SKIPPED shifted
// one place down; edges into the old position are retargeted to the
// new step. Returns the new step's position.
func (m *PlanMutator) ReplaceStep(ctx context.Context, planID string, position int, spec ReplacementStep) (*entity.Plan, int, error) {
	plan, step, err := m.loadStep(ctx, planID, position)
	if err != nil {
		return nil, 0, err
	}
	if step.ReplanCount >= entity.MaxReplansPerStep {
		return nil, 0, fmt.Errorf("step %d: %w", position, entity.ErrReplanBudgetSpent)
	}

	next := plan.Clone()
	old := next.FindStep(position)

	deps := spec.Dependencies
	if deps == nil {
		deps = append([]int(nil), old.Dependencies...)
	}
	temp := maxPosition(next) + 1
	replacement := entity.NewStep(temp, spec.Description, spec.AcceptanceCriteria, deps)
	replacement.ChosenTool = spec.ChosenTool
	replacement.ToolInput = spec.ToolInput

	for _, s := range next.Steps {
		if s == old {
			continue
		}
		for i, d := range s.Dependencies {
			if d == position {
				s.Dependencies[i] = temp
			}
		}
	}

	old.Status = entity.StepSkipped
	old.ReplanCount++

	// New step takes the old slot; the skipped original shifts down.
	idx := stepIndex(next, old)
	next.Steps = append(next.Steps[:idx], append([]*entity.Step{replacement}, next.Steps[idx:]...)...)
	next.Renumber()

	if err := next.Validate(); err != nil {
		return nil, 0, fmt.Errorf("replace_step rejected: %w", err)
	}

	if err := m.plans.Update(ctx, next); err != nil {
		return nil, 0, err
	}
	m.logger.Info("Step replaced",
		zap.String("plan_id", planID),
		zap.Int("old_position", position),
		zap.Int("new_position", replacement.Position),
		zap.String("tool", replacement.ChosenTool),
	)
	return next, replacement.Position, nil
}

// SkipStep writes SKIPPED directly without charging the replan
// budget. Used for the skip recovery strategy and the scheduler's
// give-up path.
func (m *PlanMutator) SkipStep(ctx context.Context, planID string, position int) (*entity.Plan, error) {
	plan, _, err := m.loadStep(ctx, planID, position)
	if err != nil {
		return nil, err
	}

	next := plan.Clone()
	next.FindStep(position).Status = entity.StepSkipped

	if err := m.plans.Update(ctx, next); err != nil {
		return nil, err
	}
	m.logger.Info("Step skipped",
		zap.String("plan_id", planID),
		zap.Int("position", position),
	)
	return next, nil
}

func (m *PlanMutator) loadStep(ctx context.Context, planID string, position int) (*entity.Plan, *entity.Step, error) {
	plan, err := m.plans.Load(ctx, planID)
	if err != nil {
		return nil, nil, err
	}
	step := plan.FindStep(position)
	if step == nil {
		return nil, nil, fmt.Errorf("plan %s position %d: %w", planID, position, entity.ErrStepNotFound)
	}
	return plan, step, nil
}

func maxPosition(p *entity.Plan) int {
	max := 0
	for _, s := range p.Steps {
		if s.Position > max {
			max = s.Position
		}
	}
	return max
}

func stepIndex(p *entity.Plan, target *entity.Step) int {
	for i, s := range p.Steps {
		if s == target {
			return i
		}
	}
	return -1
}
