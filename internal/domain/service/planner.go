package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stepline/stepline/internal/domain/entity"
	"github.com/stepline/stepline/internal/domain/repository"
	"github.com/stepline/stepline/internal/domain/tool"
)

const plannerSystemPrompt = `You are a planning assistant for a task execution engine.
Break the mission into a short ordered todo list the engine can execute step by step.
Respond with ONE JSON object and nothing else:

{
  "items": [
    {
      "position": <1-based integer>,
      "description": "<what the step does>",
      "acceptance_criteria": "<how to tell the step succeeded>",
      "dependencies": [<positions this step needs completed first>],
      "chosen_tool": "<tool name from the catalog, optional>",
      "tool_input": {<suggested arguments, optional>}
    }
  ],
  "open_questions": ["<question only the user can answer, if any>"],
  "notes": "<planning remarks, optional>"
}

Rules:
- Positions are dense: 1, 2, 3, ... with no gaps or duplicates.
- Dependencies reference earlier positions only; no cycles.
- Prefer few, concrete steps over many vague ones.
- Only name tools that appear in the catalog.
- Put anything you cannot decide without the user into open_questions.`

// Planner turns a mission into a persisted Plan using a structured
// LLM call.
type Planner struct {
	llm      LLMClient
	plans    repository.PlanStore
	registry tool.Registry
	logger   *zap.Logger
}

func NewPlanner(llm LLMClient, plans repository.PlanStore, registry tool.Registry, logger *zap.Logger) *Planner {
	return &Planner{
		llm:      llm,
		plans:    plans,
		registry: registry,
		logger:   logger.With(zap.String("component", "planner")),
	}
}

// planWire is the expected shape of the model's plan JSON. Unknown
// keys are ignored; item status from the model is discarded because
// fresh plans always start PENDING.
type planWire struct {
	Items         []planItemWire `json:"items"`
	OpenQuestions []string       `json:"open_questions"`
	Notes         string         `json:"notes"`
}

type planItemWire struct {
	Position           int            `json:"position"`
	Description        string         `json:"description"`
	AcceptanceCriteria string         `json:"acceptance_criteria"`
	Dependencies       []int          `json:"dependencies"`
	ChosenTool         string         `json:"chosen_tool"`
	ToolInput          map[string]any `json:"tool_input"`
}

// CreatePlan asks the model for a plan, validates it, and persists it.
// Parse and validation failures surface as errors; nothing is stored
// on failure.
func (p *Planner) CreatePlan(ctx context.Context, mission string, answers map[string]string) (*entity.Plan, error) {
	if strings.TrimSpace(mission) == "" {
		return nil, fmt.Errorf("mission is empty")
	}

	result, err := p.llm.Complete(ctx, CompletionRequest{
		Messages:       p.buildMessages(mission, answers),
		ModelAlias:     ModelAliasFast,
		ResponseFormat: "json_object",
		Temperature:    TempPtr(0),
	})
	if err != nil {
		return nil, fmt.Errorf("planning call failed: %w", err)
	}

	plan, err := p.parsePlan(mission, result.Content)
	if err != nil {
		return nil, err
	}

	if err := p.plans.Create(ctx, plan); err != nil {
		return nil, fmt.Errorf("persist plan: %w", err)
	}

	p.logger.Info("Plan created",
		zap.String("plan_id", plan.ID),
		zap.Int("steps", len(plan.Steps)),
		zap.Int("open_questions", len(plan.OpenQuestions)),
	)
	return plan, nil
}

func (p *Planner) buildMessages(mission string, answers map[string]string) []Message {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Mission: %s\n", mission)

	if len(answers) > 0 {
		sb.WriteString("\nAnswers the user already provided:\n")
		keys := make([]string, 0, len(answers))
		for k := range answers {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, "- %s: %s\n", k, answers[k])
		}
	}

	sb.WriteString("\nAvailable tools:\n")
	if catalog := p.registry.Catalog(); catalog != "" {
		sb.WriteString(catalog)
		sb.WriteString("\n")
	} else {
		sb.WriteString("(none)\n")
	}

	sb.WriteString("\nProduce the plan JSON.")

	return []Message{
		{Role: "system", Content: plannerSystemPrompt},
		{Role: "user", Content: sb.String()},
	}
}

func (p *Planner) parsePlan(mission, content string) (*entity.Plan, error) {
	raw, err := ExtractJSONObject(content)
	if err != nil {
		return nil, fmt.Errorf("plan response: %w", err)
	}

	var wire planWire
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return nil, fmt.Errorf("decode plan response: %w", err)
	}
	if len(wire.Items) == 0 {
		return nil, entity.ErrEmptyPlan
	}

	plan := entity.NewPlan(uuid.NewString(), mission)
	plan.OpenQuestions = wire.OpenQuestions
	plan.Notes = wire.Notes

	for i, item := range wire.Items {
		if strings.TrimSpace(item.Description) == "" {
			return nil, fmt.Errorf("plan item %d has no description", i+1)
		}
		pos := item.Position
		if pos == 0 {
			pos = i + 1 // missing position: assigned by input order
		}
		step := entity.NewStep(pos, item.Description, item.AcceptanceCriteria, item.Dependencies)
		if item.ChosenTool != "" {
			if !p.registry.Has(item.ChosenTool) {
				return nil, fmt.Errorf("plan item %d names unknown tool %q", i+1, item.ChosenTool)
			}
			step.ChosenTool = item.ChosenTool
			step.ToolInput = item.ToolInput
		}
		plan.Steps = append(plan.Steps, step)
	}

	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("plan rejected: %w", err)
	}
	return plan, nil
}
