package service

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/stepline/stepline/internal/domain/entity"
)

const (
	// recentResultsTail bounds how many prior step results the model sees.
	recentResultsTail = 5
	// maxObservationChars truncates any single result before inclusion.
	maxObservationChars = 2000
)

const thoughtSystemPrompt = `You are the reasoning core of a task execution engine.
You are given a mission, a todo plan, the current step, and recent results.
Decide the single next action and respond with ONE JSON object, nothing else:

{
  "step_ref": <position of the step this decision concerns>,
  "rationale": "<why this action>",
  "expected_outcome": "<what you expect to happen>",
  "confidence": <0.0-1.0, optional>,
  "action": { ... }
}

The action object takes exactly one of these forms:
  {"type": "tool_call", "tool": "<tool name>", "tool_input": {<arguments matching the tool schema>}}
  {"type": "ask_user", "question": "<what to ask>", "answer_key": "<key to store the answer under>"}
  {"type": "finish_step", "summary": "<result of the current step>"}
  {"type": "complete", "summary": "<final answer for the whole mission>"}
  {"type": "replan", "replan_reason": "<why the plan no longer fits>"}

Rules:
- Use "tool_call" to make progress on the current step. Only use tools from the catalog, with arguments that satisfy their schemas.
- Use "finish_step" when the current step's acceptance criteria are met and later steps remain.
- Use "complete" only when the mission itself is answered; remaining steps will be skipped.
- Use "ask_user" when required information is missing and no tool can obtain it.
- Use "replan" when the current step repeatedly fails or the plan no longer matches reality.`

// ThoughtContextBuilder assembles the bounded per-iteration prompt for
// the thought call. Nothing accumulates between iterations; every call
// rebuilds from the persisted plan and session state.
type ThoughtContextBuilder struct {
	tailSize int
	maxChars int
}

func NewThoughtContextBuilder() *ThoughtContextBuilder {
	return &ThoughtContextBuilder{
		tailSize: recentResultsTail,
		maxChars: maxObservationChars,
	}
}

// Build renders the message pair for one thought call. lastObservation
// carries the current iteration's fresh tool output (or injected
// failure note) which is not yet part of the persisted plan.
func (b *ThoughtContextBuilder) Build(
	plan *entity.Plan,
	step *entity.Step,
	catalog string,
	answers map[string]string,
	lastObservation string,
) []Message {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Mission: %s\n\n", plan.Mission)

	sb.WriteString("Plan:\n")
	for _, s := range plan.Steps {
		fmt.Fprintf(&sb, "%d. [%s] %s\n", s.Position, s.Status, s.Description)
	}

	if len(plan.OpenQuestions) > 0 {
		sb.WriteString("\nOpen questions from planning:\n")
		for _, q := range plan.OpenQuestions {
			fmt.Fprintf(&sb, "- %s\n", q)
		}
	}
	if plan.Notes != "" {
		fmt.Fprintf(&sb, "\nPlanner notes: %s\n", plan.Notes)
	}

	fmt.Fprintf(&sb, "\nCurrent step %d: %s\n", step.Position, step.Description)
	if step.AcceptanceCriteria != "" {
		fmt.Fprintf(&sb, "Acceptance criteria: %s\n", step.AcceptanceCriteria)
	}
	if step.ChosenTool != "" {
		fmt.Fprintf(&sb, "Suggested tool: %s\n", step.ChosenTool)
	}
	if step.Attempts > 0 {
		fmt.Fprintf(&sb, "Attempts so far: %d of %d\n", step.Attempts, step.MaxAttempts)
	}
	if last := step.LastFailure(); last != nil {
		fmt.Fprintf(&sb, "Last failure (tool %s): %s\n", last.Tool, b.truncate(last.Error))
	}

	if tail := b.resultsTail(plan, step.Position); len(tail) > 0 {
		sb.WriteString("\nRecent results:\n")
		for _, r := range tail {
			fmt.Fprintf(&sb, "- step %d: %s\n", r.position, r.result)
		}
	}

	if lastObservation != "" {
		fmt.Fprintf(&sb, "\nLatest observation:\n%s\n", b.truncate(lastObservation))
	}

	if len(answers) > 0 {
		sb.WriteString("\nUser answers:\n")
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
	if catalog == "" {
		sb.WriteString("(none)\n")
	} else {
		sb.WriteString(catalog)
		sb.WriteString("\n")
	}

	sb.WriteString("\nDecide the next action for the current step.")

	return []Message{
		{Role: "system", Content: thoughtSystemPrompt},
		{Role: "user", Content: sb.String()},
	}
}

type stepResult struct {
	position int
	result   string
}

// resultsTail collects the latest recorded result of every step that
// has one, in position order, keeping only the newest tailSize entries.
// The current step is excluded; its history is surfaced separately.
func (b *ThoughtContextBuilder) resultsTail(plan *entity.Plan, current int) []stepResult {
	var out []stepResult
	for _, s := range plan.Steps {
		if s.Position == current || len(s.ExecutionResult) == 0 {
			continue
		}
		out = append(out, stepResult{position: s.Position, result: b.truncate(renderResult(s.ExecutionResult))})
	}
	if len(out) > b.tailSize {
		out = out[len(out)-b.tailSize:]
	}
	return out
}

func renderResult(result map[string]any) string {
	b, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf("%v", result)
	}
	return string(b)
}

func (b *ThoughtContextBuilder) truncate(s string) string {
	if len(s) <= b.maxChars {
		return s
	}
	runes := []rune(s)
	if len(runes) <= b.maxChars {
		return s
	}
	return string(runes[:b.maxChars]) + "... (truncated)"
}
