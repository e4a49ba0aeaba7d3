package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stepline/stepline/internal/domain/entity"
	"github.com/stepline/stepline/internal/domain/repository"
	"github.com/stepline/stepline/internal/domain/tool"
)

// DefaultMaxIterations bounds one execute call. Every loop, including
// an adversarial always-failing tool paired with an always-tool_call
// model, terminates within this many iterations.
const DefaultMaxIterations = 50

// Exit statuses of an execute call.
const (
	StatusCompleted = "completed"
	StatusPaused    = "paused"
	StatusFailed    = "failed"
)

// Failure reasons carried on failed results.
const (
	FailReasonMaxIterations = "max_iterations"
	FailReasonIncomplete    = "incomplete"
	FailReasonLLM           = "llm_error"
	FailReasonStorage       = "storage_error"
	FailReasonCancelled     = "cancelled"
)

// SchedulerConfig tunes the ReAct loop.
type SchedulerConfig struct {
	MaxIterations      int     // iteration cap per execute call (default 50)
	ThoughtTemperature float64 // temperature for thought calls (default 0.2)
	LoopWindowSize     int     // sliding window for loop detection (default 6)
	LoopThreshold      int     // identical calls in window to trip (default 3)
	HistoryTail        int     // prior step results in the thought context (default 5)
}

// DefaultSchedulerConfig returns production defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		MaxIterations:      DefaultMaxIterations,
		ThoughtTemperature: 0.2,
		LoopWindowSize:     6,
		LoopThreshold:      3,
		HistoryTail:        recentResultsTail,
	}
}

// ExecutionResult is the envelope of one execute call. It is owned by
// the run goroutine until the event channel closes; callers must drain
// the channel before reading it.
type ExecutionResult struct {
	Status          string
	Reason          string // set when Status == failed
	FinalMessage    string
	PlanID          string
	Iterations      int
	TokensUsed      int
	PendingQuestion *entity.PendingQuestion
	History         []entity.ExecutionRecord
}

// Scheduler drives missions through the plan: pick a step, request a
// thought, dispatch the action, persist, repeat. Suspension never
// parks a goroutine across user turns; paused runs return and a later
// execute call reconstructs position from durable state.
type Scheduler struct {
	llm       LLMClient
	registry  tool.Registry
	plans     repository.PlanStore
	states    repository.StateStore
	planner   *Planner
	replanner *Replanner
	mutator   *PlanMutator
	gate      *ApprovalGate
	builder   *ThoughtContextBuilder
	hooks     Hook
	config    SchedulerConfig
	logger    *zap.Logger
}

func NewScheduler(
	llm LLMClient,
	registry tool.Registry,
	plans repository.PlanStore,
	states repository.StateStore,
	planner *Planner,
	replanner *Replanner,
	mutator *PlanMutator,
	gate *ApprovalGate,
	config SchedulerConfig,
	logger *zap.Logger,
) *Scheduler {
	if config.MaxIterations <= 0 {
		config.MaxIterations = DefaultMaxIterations
	}
	if config.ThoughtTemperature <= 0 {
		config.ThoughtTemperature = 0.2
	}
	if config.LoopWindowSize <= 0 {
		config.LoopWindowSize = 6
	}
	if config.LoopThreshold <= 0 {
		config.LoopThreshold = 3
	}
	if config.HistoryTail <= 0 {
		config.HistoryTail = recentResultsTail
	}
	builder := NewThoughtContextBuilder()
	builder.tailSize = config.HistoryTail
	return &Scheduler{
		llm:       llm,
		registry:  registry,
		plans:     plans,
		states:    states,
		planner:   planner,
		replanner: replanner,
		mutator:   mutator,
		gate:      gate,
		builder:   builder,
		hooks:     &NoOpHook{},
		config:    config,
		logger:    logger,
	}
}

// SetHooks replaces the lifecycle hook chain.
func (s *Scheduler) SetHooks(h Hook) {
	if h != nil {
		s.hooks = h
	}
}

// Execute runs (or resumes) a mission for the session. The returned
// channel carries the event stream; the result is valid once the
// channel is closed. When the session has a pending question, mission
// is interpreted as the user's answer to it.
func (s *Scheduler) Execute(ctx context.Context, mission, sessionID string) (*ExecutionResult, <-chan entity.Event) {
	eventCh := make(chan entity.Event, 64)
	result := &ExecutionResult{Status: StatusFailed}

	logger := s.logger.With(zap.String("session_id", sessionID))
	sm := NewStateMachine(s.config.MaxIterations, logger)
	sm.OnTransition(func(from, to Phase, snap PhaseSnapshot) {
		s.hooks.OnPhaseChange(from, to, snap)
	})

	go func() {
		defer close(eventCh)
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Scheduler panicked",
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
				result.Status = StatusFailed
				result.Reason = "internal_error"
				result.FinalMessage = fmt.Sprintf("Internal error: %v", r)
				s.emit(ctx, eventCh, entity.NewEvent(entity.EventError, sessionID, map[string]any{
					"error": result.FinalMessage,
				}))
			}
		}()
		s.run(ctx, mission, sessionID, result, eventCh, sm, logger)
	}()

	return result, eventCh
}

func (s *Scheduler) run(
	ctx context.Context,
	mission, sessionID string,
	result *ExecutionResult,
	eventCh chan<- entity.Event,
	sm *StateMachine,
	logger *zap.Logger,
) {
	state, err := s.states.Load(ctx, sessionID)
	if err != nil {
		s.fail(ctx, eventCh, sm, result, sessionID, FailReasonStorage,
			fmt.Sprintf("Cannot load session state: %v", err))
		return
	}

	// Route a pending answer before anything else. The incoming
	// mission text is the user's reply when a question is pending.
	resumed := false
	if pq := state.PendingQuestion(); pq != nil {
		s.routeAnswer(state, pq, mission, logger)
		resumed = true
		if err := s.states.Save(ctx, sessionID, state); err != nil {
			s.fail(ctx, eventCh, sm, result, sessionID, FailReasonStorage,
				fmt.Sprintf("Cannot persist routed answer: %v", err))
			return
		}
	}

	// New-mission reset: a completed plan with nothing pending means
	// this call starts fresh; the old plan stays durable, unbound.
	if planID := state.PlanID(); planID != "" && !resumed {
		prev, err := s.plans.Load(ctx, planID)
		switch {
		case err != nil:
			logger.Warn("Bound plan missing, unbinding", zap.String("plan_id", planID), zap.Error(err))
			state.ClearPlanID()
		case prev.IsComplete():
			logger.Info("Previous mission complete, starting fresh", zap.String("plan_id", planID))
			state.ClearPlanID()
		}
	}

	// Ensure a plan exists.
	var plan *entity.Plan
	if planID := state.PlanID(); planID != "" {
		plan, err = s.plans.Load(ctx, planID)
		if err != nil {
			s.fail(ctx, eventCh, sm, result, sessionID, FailReasonStorage,
				fmt.Sprintf("Cannot load plan %s: %v", planID, err))
			return
		}
		_ = sm.Transition(PhaseThinking)
	} else {
		_ = sm.Transition(PhasePlanning)
		plan, err = s.planner.CreatePlan(ctx, mission, state.Answers())
		if err != nil {
			s.fail(ctx, eventCh, sm, result, sessionID, FailReasonLLM,
				fmt.Sprintf("Planning failed: %v", err))
			return
		}
		state.SetPlanID(plan.ID)
		if err := s.states.Save(ctx, sessionID, state); err != nil {
			s.fail(ctx, eventCh, sm, result, sessionID, FailReasonStorage,
				fmt.Sprintf("Cannot bind plan: %v", err))
			return
		}
		_ = sm.Transition(PhaseThinking)
	}
	result.PlanID = plan.ID

	detector := NewLoopDetector(s.config.LoopWindowSize, s.config.LoopThreshold, logger)
	observation := "" // carried into the next thought context

	// True when the loop ends with work still selectable: the iteration
	// budget, not the plan, stopped the run.
	capped := true

	for iteration := 1; iteration <= s.config.MaxIterations; iteration++ {
		if ctx.Err() != nil {
			_ = sm.Transition(PhaseAborted)
			result.Status = StatusFailed
			result.Reason = FailReasonCancelled
			result.FinalMessage = "Execution cancelled"
			s.finishHistory(result, plan)
			return
		}

		sm.SetIteration(iteration)
		result.Iterations = iteration

		step, recovering := selectStep(plan)
		if step == nil {
			capped = false
			break
		}
		sm.SetCurrentStep(step.Position)
		if !recovering {
			step.Status = entity.StepInProgress
		}

		logger.Info("Iteration",
			zap.Int("iteration", iteration),
			zap.String("plan_id", plan.ID),
			zap.Int("step", step.Position),
			zap.String("tool", step.ChosenTool),
			zap.Int("attempts", step.Attempts),
		)

		if sm.Phase() != PhaseThinking {
			_ = sm.Transition(PhaseThinking)
		}

		messages := s.builder.Build(plan, step, s.registry.Catalog(), state.Answers(), observation)
		observation = ""

		completion, err := s.llm.Complete(ctx, CompletionRequest{
			Messages:       messages,
			ModelAlias:     ModelAliasMain,
			ResponseFormat: "json_object",
			Temperature:    TempPtr(s.config.ThoughtTemperature),
		})
		if err != nil {
			// Retries are exhausted inside the capability; this is
			// terminal for the run.
			sm.RecordError()
			s.fail(ctx, eventCh, sm, result, sessionID, FailReasonLLM,
				fmt.Sprintf("Model call failed at iteration %d: %v", iteration, err))
			s.finishHistory(result, plan)
			return
		}
		if completion.Usage.TotalTokens > 0 {
			sm.AddTokens(completion.Usage.TotalTokens)
			result.TokensUsed += completion.Usage.TotalTokens
		}

		thought, err := parseThought(completion.Content)
		if err != nil {
			// Structural: record the malformed output as a failed
			// observation and let the model try again next iteration.
			sm.RecordError()
			logger.Warn("Malformed thought", zap.Int("iteration", iteration), zap.Error(err))
			observation = fmt.Sprintf("Your previous response was not a valid action: %v. Respond with exactly one action JSON object.", err)
			if !s.persistIteration(ctx, eventCh, sm, result, sessionID, plan, state, step.Position) {
				return
			}
			continue
		}

		s.emit(ctx, eventCh, entity.NewEvent(entity.EventThought, sessionID, thoughtEventData(step.Position, thought)))

		switch action := thought.Action.(type) {
		case entity.ToolCallAction:
			outcome := s.executeToolCall(ctx, eventCh, sm, result, sessionID, plan, state, step, action, detector, logger)
			switch outcome.verdict {
			case toolVerdictPaused:
				return
			case toolVerdictFatal:
				return
			default:
				observation = outcome.observation
			}

		case entity.AskUserAction:
			key := action.AnswerKey
			if key == "" {
				key = fmt.Sprintf("step_%d_input", step.Position)
			}
			pq := entity.PendingQuestion{
				AnswerKey: key,
				Question:  action.Question,
				ForStep:   step.Position,
			}
			state.SetPendingQuestion(pq)
			_ = sm.Transition(PhaseWaitingInput)
			if !s.persistIteration(ctx, eventCh, sm, result, sessionID, plan, state, step.Position) {
				return
			}
			s.emit(ctx, eventCh, entity.NewEvent(entity.EventAskUser, sessionID, map[string]any{
				"question":   pq.Question,
				"answer_key": pq.AnswerKey,
				"for_step":   pq.ForStep,
			}))
			result.Status = StatusPaused
			result.PendingQuestion = &pq
			result.FinalMessage = pq.Question
			s.finishHistory(result, plan)
			logger.Info("Paused for user input",
				zap.String("answer_key", pq.AnswerKey),
				zap.Int("step", step.Position),
			)
			return

		case entity.CompleteAction:
			step.Status = entity.StepCompleted
			if len(step.ExecutionResult) == 0 && action.Summary != "" {
				step.ExecutionResult = map[string]any{"response": action.Summary}
			}
			// Remaining steps are moot once the model declares the
			// mission done; their failure records stay in history.
			for _, other := range plan.Steps {
				if other.Status != entity.StepCompleted && other.Status != entity.StepSkipped {
					other.Status = entity.StepSkipped
				}
			}
			if !s.persistIteration(ctx, eventCh, sm, result, sessionID, plan, state, step.Position) {
				return
			}
			s.complete(ctx, eventCh, sm, result, sessionID, plan, action.Summary)
			return

		case entity.ReplanAction:
			if step.Status == entity.StepInProgress {
				step.Status = entity.StepPending
			}
			_ = sm.Transition(PhaseReplanning)
			sm.RecordReplan()
			outcome, err := s.replanner.Recover(ctx, plan, step, failureClass(step))
			if err != nil {
				logger.Warn("Recovery rejected, skipping step",
					zap.Int("step", step.Position),
					zap.Error(err),
				)
				skipped, skipErr := s.mutator.SkipStep(ctx, plan.ID, step.Position)
				if skipErr != nil {
					s.fail(ctx, eventCh, sm, result, sessionID, FailReasonStorage,
						fmt.Sprintf("Cannot skip step %d: %v", step.Position, skipErr))
					return
				}
				plan = skipped
				observation = fmt.Sprintf("Recovery for step %d was rejected (%v); the step was skipped.", step.Position, err)
			} else {
				plan = outcome.Plan
				observation = fmt.Sprintf("Plan revised via %s: %s", outcome.Strategy, outcome.Rationale)
			}
			if !s.persistIteration(ctx, eventCh, sm, result, sessionID, plan, state, step.Position) {
				return
			}

		case entity.FinishStepAction:
			step.Status = entity.StepCompleted
			if len(step.ExecutionResult) == 0 && action.Summary != "" {
				step.ExecutionResult = map[string]any{"response": action.Summary}
			}
			if !s.persistIteration(ctx, eventCh, sm, result, sessionID, plan, state, step.Position) {
				return
			}
			logger.Info("Step finished",
				zap.Int("step", step.Position),
				zap.Int("attempts", step.Attempts),
			)

		default:
			// Unknown actions are rejected at parse time; this arm
			// guards against future variants leaking through.
			observation = fmt.Sprintf("Action %q is not supported.", thought.Action.ActionType())
			if !s.persistIteration(ctx, eventCh, sm, result, sessionID, plan, state, step.Position) {
				return
			}
		}
	}

	// Loop exit: either nothing is actionable or iterations ran out.
	if plan.IsComplete() {
		s.complete(ctx, eventCh, sm, result, sessionID, plan, "")
		return
	}

	result.Status = StatusFailed
	s.finishHistory(result, plan)
	if capped {
		result.Reason = FailReasonMaxIterations
		result.FinalMessage = fmt.Sprintf("Execution stopped: maximum iterations (%d) reached", s.config.MaxIterations)
	} else {
		result.Reason = FailReasonIncomplete
		result.FinalMessage = "Execution stopped: remaining steps cannot proceed"
	}
	_ = sm.Transition(PhaseFailed)
	s.emit(ctx, eventCh, entity.NewEvent(entity.EventError, sessionID, map[string]any{
		"error":  result.FinalMessage,
		"reason": result.Reason,
	}))
	logger.Warn("Run failed",
		zap.String("reason", result.Reason),
		zap.Int("iterations", result.Iterations),
	)
}

// selectStep picks the step the next thought anchors on. Actionable
// steps come first; when none remain, a failed step with replan budget
// left is offered so the model can recover or skip it. A nil step ends
// the loop.
func selectStep(plan *entity.Plan) (step *entity.Step, recovering bool) {
	if st := plan.NextActionable(); st != nil {
		return st, false
	}
	for _, st := range plan.Steps {
		if st.Status == entity.StepFailed && st.ReplanCount < entity.MaxReplansPerStep {
			return st, true
		}
	}
	return nil, false
}

// routeAnswer stores the user's reply to the pending question. Approval
// answers go through the gate so cache, trust mode, and history update;
// plain answers land in state.answers under the question's key.
func (s *Scheduler) routeAnswer(state entity.SessionState, pq *entity.PendingQuestion, reply string, logger *zap.Logger) {
	if toolName, ok := IsApprovalKey(pq.AnswerKey); ok {
		risk := ""
		if t, found := s.registry.Get(toolName); found {
			risk = string(t.RiskLevel())
		}
		approved := s.gate.HandleAnswer(state, toolName, pq.ForStep, risk, reply)
		logger.Info("Approval answer routed",
			zap.String("tool", toolName),
			zap.Bool("approved", approved),
		)
	} else {
		state.SetAnswer(pq.AnswerKey, reply)
		logger.Info("Answer routed", zap.String("answer_key", pq.AnswerKey))
	}
	state.ClearPendingQuestion()
}

type toolVerdict int

const (
	toolVerdictContinue toolVerdict = iota
	toolVerdictPaused
	toolVerdictFatal
)

type toolOutcome struct {
	verdict     toolVerdict
	observation string
}

// executeToolCall runs the gate, validation, and execution for one
// tool_call action. The step's status and history are updated in
// memory; persistence happens here so pause points are durable.
func (s *Scheduler) executeToolCall(
	ctx context.Context,
	eventCh chan<- entity.Event,
	sm *StateMachine,
	result *ExecutionResult,
	sessionID string,
	plan *entity.Plan,
	state entity.SessionState,
	step *entity.Step,
	action entity.ToolCallAction,
	detector *LoopDetector,
	logger *zap.Logger,
) toolOutcome {
	if step.Attempts >= step.MaxAttempts {
		// Exhausted steps never execute again in this plan form; the
		// model must replan or skip.
		if !s.persistIteration(ctx, eventCh, sm, result, sessionID, plan, state, step.Position) {
			return toolOutcome{verdict: toolVerdictFatal}
		}
		return toolOutcome{observation: fmt.Sprintf(
			"Step %d has exhausted its %d attempts and cannot run more tools; use the replan action to recover or skip it.",
			step.Position, step.MaxAttempts)}
	}

	t, found := s.registry.Get(action.Tool)
	if !found {
		logger.Warn("Unknown tool requested", zap.String("tool", action.Tool))
		if !s.persistIteration(ctx, eventCh, sm, result, sessionID, plan, state, step.Position) {
			return toolOutcome{verdict: toolVerdictFatal}
		}
		return toolOutcome{observation: fmt.Sprintf("Tool %q does not exist. Use only tools from the catalog.", action.Tool)}
	}

	// Approval gate.
	decision := s.gate.Evaluate(state, t, step.Position, action.Input)
	if decision.Record != nil {
		state.AppendApprovalRecord(*decision.Record)
	}
	switch decision.Outcome {
	case GateAsk:
		pq := entity.PendingQuestion{
			AnswerKey: AnswerKeyFor(t.Name()),
			Question:  decision.Prompt,
			ForStep:   step.Position,
		}
		state.SetPendingQuestion(pq)
		_ = sm.Transition(PhaseWaitingApproval)
		if !s.persistIteration(ctx, eventCh, sm, result, sessionID, plan, state, step.Position) {
			return toolOutcome{verdict: toolVerdictFatal}
		}
		s.emit(ctx, eventCh, entity.NewEvent(entity.EventAskUser, sessionID, map[string]any{
			"question":   pq.Question,
			"answer_key": pq.AnswerKey,
			"for_step":   pq.ForStep,
			"approval":   true,
		}))
		result.Status = StatusPaused
		result.PendingQuestion = &pq
		result.FinalMessage = pq.Question
		s.finishHistory(result, plan)
		logger.Info("Paused for approval",
			zap.String("tool", t.Name()),
			zap.Int("step", step.Position),
		)
		return toolOutcome{verdict: toolVerdictPaused}

	case GateDenied:
		if !s.persistIteration(ctx, eventCh, sm, result, sessionID, plan, state, step.Position) {
			return toolOutcome{verdict: toolVerdictFatal}
		}
		return toolOutcome{observation: fmt.Sprintf("Tool %q was denied. Choose a different tool or skip the step.", t.Name())}
	}

	// Input validation against the tool's schema.
	if err := s.registry.ValidateInput(t.Name(), action.Input); err != nil {
		logger.Warn("Tool input rejected",
			zap.String("tool", t.Name()),
			zap.Error(err),
		)
		if !s.persistIteration(ctx, eventCh, sm, result, sessionID, plan, state, step.Position) {
			return toolOutcome{verdict: toolVerdictFatal}
		}
		return toolOutcome{observation: fmt.Sprintf("Input for tool %q is invalid: %v", t.Name(), err)}
	}

	if !s.hooks.BeforeToolCall(ctx, t.Name(), action.Input) {
		logger.Info("Tool call vetoed by hook", zap.String("tool", t.Name()))
		if !s.persistIteration(ctx, eventCh, sm, result, sessionID, plan, state, step.Position) {
			return toolOutcome{verdict: toolVerdictFatal}
		}
		return toolOutcome{observation: fmt.Sprintf("Tool %q was blocked by policy.", t.Name())}
	}

	// Execute.
	_ = sm.Transition(PhaseToolExec)
	s.emit(ctx, eventCh, entity.NewEvent(entity.EventToolStarted, sessionID, map[string]any{
		"step": step.Position,
		"tool": t.Name(),
		"args": action.Input,
	}))

	start := time.Now()
	res := runTool(ctx, t, action.Input)
	duration := time.Since(start)
	sm.RecordToolExec(t.Name())
	s.hooks.AfterToolCall(ctx, t.Name(), res)

	step.Attempts++
	step.ChosenTool = t.Name()
	step.ToolInput = action.Input
	step.RecordAttempt(t.Name(), res.Success, res.Error, res.AsMap())

	looped := detector.Record(t.Name(), action.Input)

	var observation string
	if res.Success {
		step.Status = entity.StepPending // stays pending so the model can verify
		observation = fmt.Sprintf("Tool %s succeeded: %s", t.Name(), renderResult(res.AsMap()))
	} else {
		if step.Attempts >= step.MaxAttempts {
			step.Status = entity.StepFailed
			observation = fmt.Sprintf("Tool %s failed (%s). Step %d has exhausted its %d attempts; replan or skip.",
				t.Name(), res.Error, step.Position, step.MaxAttempts)
		} else {
			step.Status = entity.StepPending
			observation = fmt.Sprintf("Tool %s failed: %s (attempt %d of %d)",
				t.Name(), res.Error, step.Attempts, step.MaxAttempts)
		}
		logger.Warn("Tool failed",
			zap.String("tool", t.Name()),
			zap.Int("step", step.Position),
			zap.Int("attempts", step.Attempts),
			zap.String("error", res.Error),
			zap.Duration("duration", duration),
		)
	}
	if looped {
		observation += " You are repeating the same call with the same arguments; change the arguments, the tool, or the approach."
	}

	s.emit(ctx, eventCh, entity.NewEvent(entity.EventToolResult, sessionID, map[string]any{
		"step":        step.Position,
		"tool":        t.Name(),
		"success":     res.Success,
		"attempt":     step.Attempts,
		"result":      res.AsMap(),
		"duration_ms": duration.Milliseconds(),
	}))

	if !s.persistIteration(ctx, eventCh, sm, result, sessionID, plan, state, step.Position) {
		return toolOutcome{verdict: toolVerdictFatal}
	}

	return toolOutcome{observation: observation}
}

// runTool shields the loop from tool panics, which surface as failed
// results per the tool contract.
func runTool(ctx context.Context, t tool.Tool, args map[string]any) (res *tool.Result) {
	defer func() {
		if r := recover(); r != nil {
			res = tool.Fail(fmt.Sprintf("tool panicked: %v", r), "panic")
		}
	}()
	out, err := t.Execute(ctx, args)
	if err != nil {
		return tool.Fail(err.Error(), "execution_error")
	}
	if out == nil {
		return tool.Fail("tool returned no result", "execution_error")
	}
	return out
}

// persistIteration writes the plan then the state, in that order, and
// emits STATE_UPDATED. A false return means persistence failed and the
// run is already terminated.
func (s *Scheduler) persistIteration(
	ctx context.Context,
	eventCh chan<- entity.Event,
	sm *StateMachine,
	result *ExecutionResult,
	sessionID string,
	plan *entity.Plan,
	state entity.SessionState,
	stepPosition int,
) bool {
	// IN_PROGRESS is an in-memory marker only; stores always hold a
	// resolved status.
	for _, st := range plan.Steps {
		if st.Status == entity.StepInProgress {
			st.Status = entity.StepPending
		}
	}

	if err := s.plans.Update(ctx, plan); err != nil {
		s.fail(ctx, eventCh, sm, result, sessionID, FailReasonStorage,
			fmt.Sprintf("Cannot persist plan %s: %v", plan.ID, err))
		return false
	}
	if err := s.states.Save(ctx, sessionID, state); err != nil {
		s.fail(ctx, eventCh, sm, result, sessionID, FailReasonStorage,
			fmt.Sprintf("Cannot persist session state: %v", err))
		return false
	}

	s.emit(ctx, eventCh, entity.NewEvent(entity.EventStateUpdated, sessionID, map[string]any{
		"version": state.Version(),
		"plan_id": plan.ID,
		"step":    stepPosition,
	}))
	return true
}

// complete finalizes a successful run.
func (s *Scheduler) complete(
	ctx context.Context,
	eventCh chan<- entity.Event,
	sm *StateMachine,
	result *ExecutionResult,
	sessionID string,
	plan *entity.Plan,
	summary string,
) {
	final := summary
	if strings.TrimSpace(final) == "" {
		final = extractFinalMessage(plan)
	}
	result.Status = StatusCompleted
	result.FinalMessage = final
	s.finishHistory(result, plan)

	_ = sm.Transition(PhaseCompleted)
	s.hooks.OnComplete(ctx, result)
	s.emit(ctx, eventCh, entity.NewEvent(entity.EventComplete, sessionID, map[string]any{
		"final_message": final,
		"plan_id":       plan.ID,
		"iterations":    result.Iterations,
	}))
	s.logger.Info("Mission complete",
		zap.String("session_id", sessionID),
		zap.String("plan_id", plan.ID),
		zap.Int("iterations", result.Iterations),
	)
}

// fail terminates the run with an ERROR event.
func (s *Scheduler) fail(
	ctx context.Context,
	eventCh chan<- entity.Event,
	sm *StateMachine,
	result *ExecutionResult,
	sessionID, reason, message string,
) {
	result.Status = StatusFailed
	result.Reason = reason
	result.FinalMessage = message
	if !sm.IsTerminal() {
		_ = sm.Transition(PhaseFailed)
	}
	s.emit(ctx, eventCh, entity.NewEvent(entity.EventError, sessionID, map[string]any{
		"error":  message,
		"reason": reason,
	}))
	s.logger.Error("Run terminated",
		zap.String("session_id", sessionID),
		zap.String("reason", reason),
		zap.String("message", message),
	)
}

func (s *Scheduler) finishHistory(result *ExecutionResult, plan *entity.Plan) {
	result.History = result.History[:0]
	for _, st := range plan.Steps {
		result.History = append(result.History, st.ExecutionHistory...)
	}
}

// emit delivers an event in order. Sends block for backpressure; a
// cancelled context drops the event since the consumer is gone.
func (s *Scheduler) emit(ctx context.Context, ch chan<- entity.Event, event entity.Event) {
	select {
	case ch <- event:
	case <-ctx.Done():
	}
}

func parseThought(content string) (*entity.Thought, error) {
	raw, err := ExtractJSONObject(content)
	if err != nil {
		return nil, err
	}
	var thought entity.Thought
	if err := thought.UnmarshalJSON([]byte(raw)); err != nil {
		return nil, err
	}
	return &thought, nil
}

func thoughtEventData(stepPosition int, thought *entity.Thought) map[string]any {
	data := map[string]any{
		"step":             stepPosition,
		"rationale":        thought.Rationale,
		"expected_outcome": thought.ExpectedOutcome,
		"action":           string(thought.Action.ActionType()),
	}
	if thought.Confidence != nil {
		data["confidence"] = *thought.Confidence
	}
	switch a := thought.Action.(type) {
	case entity.ToolCallAction:
		data["tool"] = a.Tool
		data["tool_input"] = a.Input
	case entity.AskUserAction:
		data["question"] = a.Question
		data["answer_key"] = a.AnswerKey
	case entity.CompleteAction:
		data["summary"] = a.Summary
	case entity.FinishStepAction:
		data["summary"] = a.Summary
	case entity.ReplanAction:
		data["reason"] = a.Reason
	}
	return data
}

// failureClass names the error class of the step's latest failure for
// the recovery prompt.
func failureClass(step *entity.Step) string {
	if step.LastFailure() != nil {
		return "tool_error"
	}
	return ""
}

// extractFinalMessage walks completed steps newest-first and returns
// the first non-empty textual result field.
func extractFinalMessage(plan *entity.Plan) string {
	for i := len(plan.Steps) - 1; i >= 0; i-- {
		st := plan.Steps[i]
		if st.Status != entity.StepCompleted || len(st.ExecutionResult) == 0 {
			continue
		}
		if msg := textualField(st.ExecutionResult); msg != "" {
			return msg
		}
	}
	return "Mission completed."
}

func textualField(result map[string]any) string {
	for _, key := range []string{"generated_text", "response", "content", "result"} {
		if v, ok := result[key].(string); ok && strings.TrimSpace(v) != "" {
			return v
		}
	}
	if data, ok := result["data"].(map[string]any); ok {
		for _, key := range []string{"generated_text", "response", "content", "result"} {
			if v, ok := data[key].(string); ok && strings.TrimSpace(v) != "" {
				return v
			}
		}
		for _, v := range data {
			if sv, ok := v.(string); ok && strings.TrimSpace(sv) != "" {
				return sv
			}
		}
	}
	return ""
}
