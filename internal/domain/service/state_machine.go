package service

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Phase represents the discrete phases of one mission execution.
type Phase string

const (
	PhaseIdle       Phase = "idle"       // Run constructed, nothing started
	PhasePlanning   Phase = "planning"   // Building the initial plan
	PhaseThinking   Phase = "thinking"   // Requesting the next thought
	PhaseToolExec   Phase = "tool_exec"  // Executing a tool call
	PhaseReplanning Phase = "replanning" // Applying a recovery strategy

	// Paused phases end the run; the session resumes on the next call.
	PhaseWaitingApproval Phase = "waiting_approval"
	PhaseWaitingInput    Phase = "waiting_input"

	// Terminal phases.
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
	PhaseAborted   Phase = "aborted" // Cancelled via context
)

// validTransitions defines the allowed phase transitions.
// Key = from phase, value = set of allowed target phases.
var validTransitions = map[Phase]map[Phase]bool{
	PhaseIdle: {
		PhasePlanning: true,
		PhaseThinking: true, // resuming a session with a bound plan
		PhaseFailed:   true,
		PhaseAborted:  true,
	},
	PhasePlanning: {
		PhaseThinking: true,
		PhaseFailed:   true,
		PhaseAborted:  true,
	},
	PhaseThinking: {
		PhaseToolExec:        true,
		PhaseReplanning:      true,
		PhaseWaitingApproval: true,
		PhaseWaitingInput:    true,
		PhaseCompleted:       true,
		PhaseFailed:          true,
		PhaseAborted:         true,
	},
	PhaseToolExec: {
		PhaseThinking:  true, // next iteration after the tool result
		PhaseCompleted: true,
		PhaseFailed:    true,
		PhaseAborted:   true,
	},
	PhaseReplanning: {
		PhaseThinking:  true,
		PhaseCompleted: true, // a skip can finish the plan
		PhaseFailed:    true,
		PhaseAborted:   true,
	},
	// Paused and terminal phases have no transitions out within a run.
	PhaseWaitingApproval: {},
	PhaseWaitingInput:    {},
	PhaseCompleted:       {},
	PhaseFailed:          {},
	PhaseAborted:         {},
}

// PhaseSnapshot captures the run's state at a point in time.
type PhaseSnapshot struct {
	Phase         Phase         `json:"phase"`
	Iteration     int           `json:"iteration"`
	MaxIterations int           `json:"max_iterations"`
	CurrentStep   int           `json:"current_step,omitempty"` // plan position
	TokensUsed    int           `json:"tokens_used"`
	ToolsExecuted int           `json:"tools_executed"`
	Replans       int           `json:"replans"`
	ErrorCount    int           `json:"error_count"`
	Elapsed       time.Duration `json:"elapsed"`
	LastTool      string        `json:"last_tool,omitempty"`
}

// StateMachine tracks phase transitions for one mission run.
// Thread-safe; multiple goroutines can read state concurrently.
type StateMachine struct {
	mu            sync.RWMutex
	phase         Phase
	iteration     int
	maxIterations int
	currentStep   int
	tokensUsed    int
	toolsExecuted int
	replans       int
	errorCount    int
	startTime     time.Time
	lastTool      string
	logger        *zap.Logger

	// Listeners notified on each phase transition
	listeners []func(from, to Phase, snap PhaseSnapshot)
}

// NewStateMachine creates a state machine starting in Idle.
func NewStateMachine(maxIterations int, logger *zap.Logger) *StateMachine {
	return &StateMachine{
		phase:         PhaseIdle,
		maxIterations: maxIterations,
		startTime:     time.Now(),
		logger:        logger,
	}
}

// Phase returns the current phase (thread-safe).
func (sm *StateMachine) Phase() Phase {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.phase
}

// Snapshot returns a full copy of the current runtime state.
func (sm *StateMachine) Snapshot() PhaseSnapshot {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.snapshotLocked()
}

func (sm *StateMachine) snapshotLocked() PhaseSnapshot {
	return PhaseSnapshot{
		Phase:         sm.phase,
		Iteration:     sm.iteration,
		MaxIterations: sm.maxIterations,
		CurrentStep:   sm.currentStep,
		TokensUsed:    sm.tokensUsed,
		ToolsExecuted: sm.toolsExecuted,
		Replans:       sm.replans,
		ErrorCount:    sm.errorCount,
		Elapsed:       time.Since(sm.startTime),
		LastTool:      sm.lastTool,
	}
}

// Transition attempts to move to a new phase.
// Returns an error if the transition is not allowed.
func (sm *StateMachine) Transition(to Phase) error {
	sm.mu.Lock()
	from := sm.phase

	allowed, ok := validTransitions[from]
	if !ok || !allowed[to] {
		sm.mu.Unlock()
		err := fmt.Errorf("invalid phase transition: %s → %s", from, to)
		sm.logger.Error("Phase machine violation", zap.Error(err))
		return err
	}

	sm.phase = to
	snap := sm.snapshotLocked()
	listeners := make([]func(from, to Phase, snap PhaseSnapshot), len(sm.listeners))
	copy(listeners, sm.listeners)
	sm.mu.Unlock()

	sm.logger.Debug("Phase transition",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Int("iteration", snap.Iteration),
	)

	// Notify listeners outside lock
	for _, fn := range listeners {
		fn(from, to, snap)
	}

	return nil
}

// OnTransition registers a listener called on every phase change.
func (sm *StateMachine) OnTransition(fn func(from, to Phase, snap PhaseSnapshot)) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.listeners = append(sm.listeners, fn)
}

// --- Mutation helpers (all thread-safe) ---

// SetIteration updates the loop iteration counter.
func (sm *StateMachine) SetIteration(n int) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.iteration = n
}

// SetCurrentStep records the plan position being worked on.
func (sm *StateMachine) SetCurrentStep(position int) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.currentStep = position
}

// AddTokens increments the token counter.
func (sm *StateMachine) AddTokens(n int) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.tokensUsed += n
}

// RecordToolExec records a tool execution.
func (sm *StateMachine) RecordToolExec(toolName string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.toolsExecuted++
	sm.lastTool = toolName
}

// RecordReplan increments the replan counter.
func (sm *StateMachine) RecordReplan() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.replans++
}

// RecordError increments the error counter.
func (sm *StateMachine) RecordError() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.errorCount++
}

// IsTerminal returns true when no further transitions are possible,
// paused phases included.
func (sm *StateMachine) IsTerminal() bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	switch sm.phase {
	case PhaseCompleted, PhaseFailed, PhaseAborted, PhaseWaitingApproval, PhaseWaitingInput:
		return true
	}
	return false
}
