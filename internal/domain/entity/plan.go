package entity

import (
	"fmt"
	"time"
)

// StepStatus is the lifecycle state of a plan step.
type StepStatus string

const (
	StepPending    StepStatus = "PENDING"
	StepInProgress StepStatus = "IN_PROGRESS"
	StepCompleted  StepStatus = "COMPLETED"
	StepFailed     StepStatus = "FAILED"
	StepSkipped    StepStatus = "SKIPPED"
)

const (
	// DefaultMaxAttempts caps tool retries within a single plan form.
	DefaultMaxAttempts = 3
	// MaxReplansPerStep caps structural mutations applied to one step.
	MaxReplansPerStep = 2
)

// ExecutionRecord summarizes one tool attempt on a step.
type ExecutionRecord struct {
	Tool    string `json:"tool"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Attempt int    `json:"attempt"`
}

// Step is a single unit of work inside a Plan. Dependency references
// are step positions, not object identities, so the plan stays
// value-like across inserts and renumbering.
type Step struct {
	Position           int               `json:"position"`
	Description        string            `json:"description"`
	AcceptanceCriteria string            `json:"acceptance_criteria"`
	Dependencies       []int             `json:"dependencies,omitempty"`
	ChosenTool         string            `json:"chosen_tool,omitempty"`
	ToolInput          map[string]any    `json:"tool_input,omitempty"`
	Status             StepStatus        `json:"status"`
	Attempts           int               `json:"attempts"`
	MaxAttempts        int               `json:"max_attempts"`
	ExecutionResult    map[string]any    `json:"execution_result,omitempty"`
	ExecutionHistory   []ExecutionRecord `json:"execution_history,omitempty"`
	ReplanCount        int               `json:"replan_count"`
}

// NewStep creates a pending step with default retry limits.
func NewStep(position int, description, acceptanceCriteria string, dependencies []int) *Step {
	return &Step{
		Position:           position,
		Description:        description,
		AcceptanceCriteria: acceptanceCriteria,
		Dependencies:       dependencies,
		Status:             StepPending,
		MaxAttempts:        DefaultMaxAttempts,
	}
}

// IsTerminal reports whether the step needs no further work.
func (s *Step) IsTerminal() bool {
	return s.Status == StepCompleted || s.Status == StepSkipped
}

// CanRetry reports whether another tool attempt is allowed in the
// step's current form.
func (s *Step) CanRetry() bool {
	return s.Attempts < s.MaxAttempts
}

// RecordAttempt appends an attempt summary and stores the raw result.
// The attempt counter must already have been incremented by the caller.
func (s *Step) RecordAttempt(tool string, success bool, errMsg string, result map[string]any) {
	s.ExecutionHistory = append(s.ExecutionHistory, ExecutionRecord{
		Tool:    tool,
		Success: success,
		Error:   errMsg,
		Attempt: s.Attempts,
	})
	s.ExecutionResult = result
}

// LastFailure returns the most recent failed attempt, or nil.
func (s *Step) LastFailure() *ExecutionRecord {
	for i := len(s.ExecutionHistory) - 1; i >= 0; i-- {
		if !s.ExecutionHistory[i].Success {
			rec := s.ExecutionHistory[i]
			return &rec
		}
	}
	return nil
}

// ResetForReplan returns the step to PENDING after a structural
// mutation and charges the mutation against its replan budget.
func (s *Step) ResetForReplan() {
	s.Status = StepPending
	s.Attempts = 0
	s.ReplanCount++
}

// Clone deep-copies the step.
func (s *Step) Clone() *Step {
	c := *s
	c.Dependencies = append([]int(nil), s.Dependencies...)
	c.ExecutionHistory = append([]ExecutionRecord(nil), s.ExecutionHistory...)
	c.ToolInput = cloneMap(s.ToolInput)
	c.ExecutionResult = cloneMap(s.ExecutionResult)
	return &c
}

// Plan is the root of the todo-list aggregate: an ordered list of
// steps addressed by dense 1-based positions, plus clarifying
// questions the planner could not resolve and free-form notes.
type Plan struct {
	ID            string    `json:"id"`
	Mission       string    `json:"mission,omitempty"`
	Steps         []*Step   `json:"steps"`
	OpenQuestions []string  `json:"open_questions,omitempty"`
	Notes         string    `json:"notes,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// NewPlan creates an empty plan shell.
func NewPlan(id, mission string) *Plan {
	now := time.Now().UTC()
	return &Plan{
		ID:        id,
		Mission:   mission,
		Steps:     make([]*Step, 0),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// FindStep returns the step at the given position, or nil.
func (p *Plan) FindStep(position int) *Step {
	for _, s := range p.Steps {
		if s.Position == position {
			return s
		}
	}
	return nil
}

// NextActionable returns the lowest-positioned PENDING step whose
// dependencies are all COMPLETED, or nil when no step is actionable.
func (p *Plan) NextActionable() *Step {
	for _, s := range p.Steps {
		if s.Status != StepPending {
			continue
		}
		if p.dependenciesMet(s) {
			return s
		}
	}
	return nil
}

func (p *Plan) dependenciesMet(s *Step) bool {
	for _, d := range s.Dependencies {
		dep := p.FindStep(d)
		if dep == nil || dep.Status != StepCompleted {
			return false
		}
	}
	return true
}

// IsComplete reports whether every step is COMPLETED or SKIPPED.
// An empty plan counts as complete.
func (p *Plan) IsComplete() bool {
	for _, s := range p.Steps {
		if !s.IsTerminal() {
			return false
		}
	}
	return true
}

// CountByStatus tallies steps per status.
func (p *Plan) CountByStatus() map[StepStatus]int {
	counts := make(map[StepStatus]int, 5)
	for _, s := range p.Steps {
		counts[s.Status]++
	}
	return counts
}

// Progress returns terminal and total step counts.
func (p *Plan) Progress() (done, total int) {
	for _, s := range p.Steps {
		if s.IsTerminal() {
			done++
		}
	}
	return done, len(p.Steps)
}

// Renumber reassigns positions 1..N following slice order and rewrites
// every dependency reference through the old→new mapping. Callers must
// ensure positions are unique before renumbering.
func (p *Plan) Renumber() {
	oldToNew := make(map[int]int, len(p.Steps))
	for i, s := range p.Steps {
		oldToNew[s.Position] = i + 1
	}
	for _, s := range p.Steps {
		for i, d := range s.Dependencies {
			if n, ok := oldToNew[d]; ok {
				s.Dependencies[i] = n
			}
		}
	}
	for i, s := range p.Steps {
		s.Position = i + 1
	}
}

// Validate checks the structural invariants: unique dense positions,
// dependency references resolve, no self-dependency, no cycles.
func (p *Plan) Validate() error {
	seen := make(map[int]bool, len(p.Steps))
	for _, s := range p.Steps {
		if seen[s.Position] {
			return fmt.Errorf("duplicate step position: %d", s.Position)
		}
		seen[s.Position] = true
	}
	for i := 1; i <= len(p.Steps); i++ {
		if !seen[i] {
			return fmt.Errorf("positions are not dense: missing %d of 1..%d", i, len(p.Steps))
		}
	}

	for _, s := range p.Steps {
		for _, d := range s.Dependencies {
			if d == s.Position {
				return fmt.Errorf("step %d depends on itself", s.Position)
			}
			if !seen[d] {
				return fmt.Errorf("step %d depends on missing step %d", s.Position, d)
			}
		}
	}

	return p.detectCycle()
}

// detectCycle runs a DFS colouring over the dependency graph.
// White = unvisited, grey = on the current path, black = done.
func (p *Plan) detectCycle() error {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	colour := make(map[int]int, len(p.Steps))
	adj := make(map[int][]int, len(p.Steps))
	for _, s := range p.Steps {
		adj[s.Position] = s.Dependencies
	}

	var visit func(pos int) error
	visit = func(pos int) error {
		colour[pos] = grey
		for _, d := range adj[pos] {
			switch colour[d] {
			case grey:
				return fmt.Errorf("dependency cycle through steps %d and %d", pos, d)
			case white:
				if err := visit(d); err != nil {
					return err
				}
			}
		}
		colour[pos] = black
		return nil
	}

	for _, s := range p.Steps {
		if colour[s.Position] == white {
			if err := visit(s.Position); err != nil {
				return err
			}
		}
	}
	return nil
}

// Clone deep-copies the plan, steps included.
func (p *Plan) Clone() *Plan {
	c := *p
	c.Steps = make([]*Step, len(p.Steps))
	for i, s := range p.Steps {
		c.Steps[i] = s.Clone()
	}
	c.OpenQuestions = append([]string(nil), p.OpenQuestions...)
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
