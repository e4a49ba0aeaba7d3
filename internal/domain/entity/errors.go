package entity

import "errors"

var (
	// Plan errors
	ErrPlanNotFound      = errors.New("plan not found")
	ErrStepNotFound      = errors.New("step not found")
	ErrEmptyPlan         = errors.New("plan has no steps")
	ErrReplanBudgetSpent = errors.New("step replan budget exhausted")
	ErrEmptySubtasks     = errors.New("decomposition requires at least one subtask")

	// Session errors
	ErrSessionBusy     = errors.New("session is already executing")
	ErrSessionNotFound = errors.New("session not found")

	// Thought errors
	ErrNoActionableStep = errors.New("no actionable step")
	ErrUnknownTool      = errors.New("unknown tool")
)
