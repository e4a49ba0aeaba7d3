package entity

import (
	"encoding/json"
	"fmt"
)

// ActionType discriminates the action variants of a Thought.
type ActionType string

const (
	ActionToolCall   ActionType = "tool_call"
	ActionAskUser    ActionType = "ask_user"
	ActionComplete   ActionType = "complete"
	ActionReplan     ActionType = "replan"
	ActionFinishStep ActionType = "finish_step"
)

// Action is the decision part of a Thought. Concrete variants are
// sealed in this package; the scheduler dispatches with a type switch.
type Action interface {
	ActionType() ActionType
}

// ToolCallAction requests execution of a registered tool.
type ToolCallAction struct {
	Tool  string
	Input map[string]any
}

func (ToolCallAction) ActionType() ActionType { return ActionToolCall }

// AskUserAction suspends the session until the user answers.
type AskUserAction struct {
	Question  string
	AnswerKey string
}

func (AskUserAction) ActionType() ActionType { return ActionAskUser }

// CompleteAction declares the whole mission done.
type CompleteAction struct {
	Summary string
}

func (CompleteAction) ActionType() ActionType { return ActionComplete }

// ReplanAction asks for a structural recovery on the current step.
type ReplanAction struct {
	Reason string
}

func (ReplanAction) ActionType() ActionType { return ActionReplan }

// FinishStepAction asserts the current step's acceptance criteria are
// met without running a tool.
type FinishStepAction struct {
	Summary string
}

func (FinishStepAction) ActionType() ActionType { return ActionFinishStep }

// Thought is one reasoning iteration produced by the model.
type Thought struct {
	StepRef         int
	Rationale       string
	ExpectedOutcome string
	Confidence      *float64
	Action          Action
}

// wire forms for (de)serialization. The action object carries a type
// discriminator plus the union of per-variant fields.
type thoughtWire struct {
	StepRef         int        `json:"step_ref"`
	Rationale       string     `json:"rationale"`
	ExpectedOutcome string     `json:"expected_outcome"`
	Confidence      *float64   `json:"confidence,omitempty"`
	Action          actionWire `json:"action"`
}

type actionWire struct {
	Type         ActionType     `json:"type"`
	Tool         string         `json:"tool,omitempty"`
	ToolInput    map[string]any `json:"tool_input,omitempty"`
	Question     string         `json:"question,omitempty"`
	AnswerKey    string         `json:"answer_key,omitempty"`
	Summary      string         `json:"summary,omitempty"`
	ReplanReason string         `json:"replan_reason,omitempty"`
}

// UnmarshalJSON decodes and validates a Thought, rejecting unknown
// action types and tool calls without a tool name.
func (t *Thought) UnmarshalJSON(data []byte) error {
	var w thoughtWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	action, err := decodeAction(w.Action)
	if err != nil {
		return err
	}

	t.StepRef = w.StepRef
	t.Rationale = w.Rationale
	t.ExpectedOutcome = w.ExpectedOutcome
	t.Confidence = w.Confidence
	t.Action = action
	return nil
}

func decodeAction(w actionWire) (Action, error) {
	switch w.Type {
	case ActionToolCall:
		if w.Tool == "" {
			return nil, fmt.Errorf("tool_call action missing tool name")
		}
		input := w.ToolInput
		if input == nil {
			input = map[string]any{}
		}
		return ToolCallAction{Tool: w.Tool, Input: input}, nil
	case ActionAskUser:
		if w.Question == "" {
			return nil, fmt.Errorf("ask_user action missing question")
		}
		return AskUserAction{Question: w.Question, AnswerKey: w.AnswerKey}, nil
	case ActionComplete:
		return CompleteAction{Summary: w.Summary}, nil
	case ActionReplan:
		return ReplanAction{Reason: w.ReplanReason}, nil
	case ActionFinishStep:
		return FinishStepAction{Summary: w.Summary}, nil
	case "":
		return nil, fmt.Errorf("action missing type")
	default:
		return nil, fmt.Errorf("unknown action type: %q", w.Type)
	}
}

// MarshalJSON renders the Thought back into the wire form.
func (t Thought) MarshalJSON() ([]byte, error) {
	w := thoughtWire{
		StepRef:         t.StepRef,
		Rationale:       t.Rationale,
		ExpectedOutcome: t.ExpectedOutcome,
		Confidence:      t.Confidence,
	}
	switch a := t.Action.(type) {
	case ToolCallAction:
		w.Action = actionWire{Type: ActionToolCall, Tool: a.Tool, ToolInput: a.Input}
	case AskUserAction:
		w.Action = actionWire{Type: ActionAskUser, Question: a.Question, AnswerKey: a.AnswerKey}
	case CompleteAction:
		w.Action = actionWire{Type: ActionComplete, Summary: a.Summary}
	case ReplanAction:
		w.Action = actionWire{Type: ActionReplan, ReplanReason: a.Reason}
	case FinishStepAction:
		w.Action = actionWire{Type: ActionFinishStep, Summary: a.Summary}
	case nil:
		return nil, fmt.Errorf("thought has no action")
	default:
		return nil, fmt.Errorf("unknown action variant %T", t.Action)
	}
	return json.Marshal(w)
}
