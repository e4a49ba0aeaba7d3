package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/stepline/stepline/internal/domain/entity"
	"github.com/stepline/stepline/internal/domain/tool"
)

// RecoveryStrategy names the ways a failed step can be repaired.
type RecoveryStrategy string

const (
	StrategyRetryWithParams RecoveryStrategy = "retry_with_params"
	StrategySwapTool        RecoveryStrategy = "swap_tool"
	StrategyDecomposeTask   RecoveryStrategy = "decompose_task"
	StrategySkip            RecoveryStrategy = "skip"
)

// minRecoveryConfidence rejects strategies the model itself is unsure
// about; the caller then falls back to skipping the step.
const minRecoveryConfidence = 0.6

const replannerSystemPrompt = `You are the recovery assistant of a task execution engine.
A plan step has failed repeatedly. Propose ONE recovery strategy as a JSON object, nothing else:

{
  "strategy_type": "<retry_with_params | swap_tool | decompose_task | skip>",
  "rationale": "<why this will work>",
  "confidence": <0.0-1.0>,
  "modifications": { ... }
}

Required modifications per strategy:
  retry_with_params: {"new_parameters": {<corrected tool arguments>}}
  swap_tool:         {"new_tool": "<tool from the catalog>", "new_parameters": {<arguments>}}
  decompose_task:    {"subtasks": [{"description": "...", "acceptance_criteria": "..."}, ...]}
  skip:              {}

Pick swap_tool only for tools in the catalog. Pick skip when the step
cannot succeed and the mission can proceed without it.`

// Replanner asks the model for a recovery strategy for a failed step
// and applies it through the plan mutator. Any validation failure
// surfaces as an error so the scheduler can fall back to skipping.
type Replanner struct {
	llm      LLMClient
	mutator  *PlanMutator
	registry tool.Registry
	logger   *zap.Logger
}

func NewReplanner(llm LLMClient, mutator *PlanMutator, registry tool.Registry, logger *zap.Logger) *Replanner {
	return &Replanner{
		llm:      llm,
		mutator:  mutator,
		registry: registry,
		logger:   logger.With(zap.String("component", "replanner")),
	}
}

// RecoveryOutcome reports an applied strategy.
type RecoveryOutcome struct {
	Strategy     RecoveryStrategy
	Rationale    string
	Confidence   float64
	Plan         *entity.Plan
	NewPositions []int // populated for decompose_task
}

type strategyWire struct {
	StrategyType  string            `json:"strategy_type"`
	Rationale     string            `json:"rationale"`
	Confidence    float64           `json:"confidence"`
	Modifications modificationsWire `json:"modifications"`
}

type modificationsWire struct {
	NewParameters map[string]any `json:"new_parameters"`
	NewTool       string         `json:"new_tool"`
	Subtasks      []subtaskWire  `json:"subtasks"`
}

type subtaskWire struct {
	Description        string `json:"description"`
	AcceptanceCriteria string `json:"acceptance_criteria"`
}

// Recover proposes and applies a recovery strategy for the given step.
// errorType describes the failure class seen by the scheduler (for
// the prompt only; empty is fine).
func (r *Replanner) Recover(ctx context.Context, plan *entity.Plan, step *entity.Step, errorType string) (*RecoveryOutcome, error) {
	result, err := r.llm.Complete(ctx, CompletionRequest{
		Messages:       r.buildMessages(plan, step, errorType),
		ModelAlias:     ModelAliasMain,
		ResponseFormat: "json_object",
		Temperature:    TempPtr(0.1),
	})
	if err != nil {
		return nil, fmt.Errorf("recovery call failed: %w", err)
	}

	wire, err := r.parseStrategy(result.Content)
	if err != nil {
		return nil, err
	}

	outcome, err := r.apply(ctx, plan.ID, step, wire)
	if err != nil {
		return nil, err
	}

	r.logger.Info("Recovery strategy applied",
		zap.String("plan_id", plan.ID),
		zap.Int("position", step.Position),
		zap.String("strategy", string(outcome.Strategy)),
		zap.Float64("confidence", outcome.Confidence),
	)
	return outcome, nil
}

func (r *Replanner) buildMessages(plan *entity.Plan, step *entity.Step, errorType string) []Message {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Mission: %s\n\n", plan.Mission)
	fmt.Fprintf(&sb, "Failed step %d: %s\n", step.Position, step.Description)
	if step.AcceptanceCriteria != "" {
		fmt.Fprintf(&sb, "Acceptance criteria: %s\n", step.AcceptanceCriteria)
	}
	if step.ChosenTool != "" {
		fmt.Fprintf(&sb, "Tool used: %s\n", step.ChosenTool)
	}
	if len(step.ToolInput) > 0 {
		fmt.Fprintf(&sb, "Tool parameters: %s\n", renderResult(step.ToolInput))
	}
	fmt.Fprintf(&sb, "Attempts: %d of %d\n", step.Attempts, step.MaxAttempts)
	if last := step.LastFailure(); last != nil {
		fmt.Fprintf(&sb, "Last error (tool %s): %s\n", last.Tool, last.Error)
	}
	if errorType != "" {
		fmt.Fprintf(&sb, "Error type: %s\n", errorType)
	}

	sb.WriteString("\nAvailable tools:\n")
	if catalog := r.registry.Catalog(); catalog != "" {
		sb.WriteString(catalog)
		sb.WriteString("\n")
	} else {
		sb.WriteString("(none)\n")
	}

	sb.WriteString("\nPropose the recovery strategy JSON.")

	return []Message{
		{Role: "system", Content: replannerSystemPrompt},
		{Role: "user", Content: sb.String()},
	}
}

func (r *Replanner) parseStrategy(content string) (*strategyWire, error) {
	raw, err := ExtractJSONObject(content)
	if err != nil {
		return nil, fmt.Errorf("recovery response: %w", err)
	}
	var wire strategyWire
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return nil, fmt.Errorf("decode recovery response: %w", err)
	}
	if wire.Confidence < minRecoveryConfidence {
		return nil, fmt.Errorf("recovery confidence %.2f below %.2f", wire.Confidence, minRecoveryConfidence)
	}
	return &wire, nil
}

func (r *Replanner) apply(ctx context.Context, planID string, step *entity.Step, wire *strategyWire) (*RecoveryOutcome, error) {
	outcome := &RecoveryOutcome{
		Strategy:   RecoveryStrategy(wire.StrategyType),
		Rationale:  wire.Rationale,
		Confidence: wire.Confidence,
	}

	switch outcome.Strategy {
	case StrategyRetryWithParams:
		if wire.Modifications.NewParameters == nil {
			return nil, fmt.Errorf("retry_with_params requires new_parameters")
		}
		params := wire.Modifications.NewParameters
		plan, err := r.mutator.ModifyStep(ctx, planID, step.Position, StepChanges{ToolInput: &params})
		if err != nil {
			return nil, err
		}
		outcome.Plan = plan

	case StrategySwapTool:
		mods := wire.Modifications
		if mods.NewTool == "" || mods.NewParameters == nil {
			return nil, fmt.Errorf("swap_tool requires new_tool and new_parameters")
		}
		if !r.registry.Has(mods.NewTool) {
			return nil, fmt.Errorf("swap_tool names unknown tool %q", mods.NewTool)
		}
		plan, pos, err := r.mutator.ReplaceStep(ctx, planID, step.Position, ReplacementStep{
			Description:        step.Description,
			AcceptanceCriteria: step.AcceptanceCriteria,
			ChosenTool:         mods.NewTool,
			ToolInput:          mods.NewParameters,
		})
		if err != nil {
			return nil, err
		}
		outcome.Plan = plan
		outcome.NewPositions = []int{pos}

	case StrategyDecomposeTask:
		if len(wire.Modifications.Subtasks) == 0 {
			return nil, fmt.Errorf("decompose_task requires subtasks")
		}
		specs := make([]SubtaskSpec, 0, len(wire.Modifications.Subtasks))
		for i, st := range wire.Modifications.Subtasks {
			if strings.TrimSpace(st.Description) == "" {
				return nil, fmt.Errorf("subtask %d has no description", i+1)
			}
			specs = append(specs, SubtaskSpec{
				Description:        st.Description,
				AcceptanceCriteria: st.AcceptanceCriteria,
			})
		}
		plan, positions, err := r.mutator.DecomposeStep(ctx, planID, step.Position, specs)
		if err != nil {
			return nil, err
		}
		outcome.Plan = plan
		outcome.NewPositions = positions

	case StrategySkip:
		plan, err := r.mutator.SkipStep(ctx, planID, step.Position)
		if err != nil {
			return nil, err
		}
		outcome.Plan = plan

	default:
		return nil, fmt.Errorf("unknown recovery strategy %q", wire.StrategyType)
	}

	return outcome, nil
}
