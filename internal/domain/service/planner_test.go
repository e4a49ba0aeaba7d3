package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/stepline/stepline/internal/domain/entity"
	"github.com/stepline/stepline/internal/domain/tool"
)

func plannerFixture(t *testing.T, responses ...string) (*Planner, *memPlanStore, *scriptedLLM) {
	t.Helper()
	registry := tool.NewInMemoryRegistry()
	if err := registry.Register(&scriptedTool{name: "file_write", desc: "Write a file"}); err != nil {
		t.Fatalf("register tool: %v", err)
	}
	llm := newScriptedLLM(responses...)
	store := newMemPlanStore()
	return NewPlanner(llm, store, registry, zap.NewNop()), store, llm
}

// === Planner Tests ===

func TestPlanner_CreatePlan(t *testing.T) {
	planner, store, llm := plannerFixture(t, `{
		"items": [
			{"position": 1, "description": "write the file", "acceptance_criteria": "file exists", "dependencies": [], "chosen_tool": "file_write", "tool_input": {"path": "hello.txt"}},
			{"position": 2, "description": "verify contents", "acceptance_criteria": "content matches", "dependencies": [1]}
		],
		"open_questions": ["which directory?"],
		"notes": "simple two step plan"
	}`)

	plan, err := planner.CreatePlan(context.Background(), "create hello.txt", map[string]string{"content": "hi"})
	if err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}

	if len(plan.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(plan.Steps))
	}
	if plan.Mission != "create hello.txt" {
		t.Errorf("mission = %q", plan.Mission)
	}
	if plan.Steps[0].ChosenTool != "file_write" {
		t.Errorf("chosen tool = %q", plan.Steps[0].ChosenTool)
	}
	if plan.Steps[0].ToolInput["path"] != "hello.txt" {
		t.Errorf("tool input not carried: %v", plan.Steps[0].ToolInput)
	}
	if got := plan.Steps[1].Dependencies; len(got) != 1 || got[0] != 1 {
		t.Errorf("dependencies = %v", got)
	}
	for _, s := range plan.Steps {
		if s.Status != entity.StepPending {
			t.Errorf("step %d status = %s, want PENDING", s.Position, s.Status)
		}
	}
	if len(plan.OpenQuestions) != 1 || plan.OpenQuestions[0] != "which directory?" {
		t.Errorf("open questions = %v", plan.OpenQuestions)
	}
	if plan.Notes != "simple two step plan" {
		t.Errorf("notes = %q", plan.Notes)
	}

	// Persisted under its id
	stored, err := store.Load(context.Background(), plan.ID)
	if err != nil {
		t.Fatalf("plan not persisted: %v", err)
	}
	if len(stored.Steps) != 2 {
		t.Errorf("stored plan has %d steps", len(stored.Steps))
	}

	// Request knobs per the planning contract
	req := llm.calls[0]
	if req.ModelAlias != ModelAliasFast {
		t.Errorf("model alias = %q, want fast", req.ModelAlias)
	}
	if req.ResponseFormat != "json_object" {
		t.Errorf("response format = %q", req.ResponseFormat)
	}
	if req.Temperature == nil || *req.Temperature != 0 {
		t.Errorf("temperature = %v, want 0", req.Temperature)
	}

	// Prompt carries mission, answers, and the tool catalog
	user := req.Messages[1].Content
	for _, want := range []string{"create hello.txt", "content: hi", "file_write"} {
		if !strings.Contains(user, want) {
			t.Errorf("planner prompt missing %q", want)
		}
	}
}

func TestPlanner_MissingPositionsAssignedByOrder(t *testing.T) {
	planner, _, _ := plannerFixture(t, `{
		"items": [
			{"description": "first"},
			{"description": "second"},
			{"description": "third", "dependencies": [2]}
		]
	}`)

	plan, err := planner.CreatePlan(context.Background(), "mission", nil)
	if err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	for i, s := range plan.Steps {
		if s.Position != i+1 {
			t.Errorf("step %d position = %d", i, s.Position)
		}
	}
}

func TestPlanner_ToleratesReasoningAndFences(t *testing.T) {
	planner, _, _ := plannerFixture(t,
		"<think>one step will do</think>\n```json\n{\"items\":[{\"description\":\"only step\"}]}\n```")

	plan, err := planner.CreatePlan(context.Background(), "mission", nil)
	if err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	if len(plan.Steps) != 1 || plan.Steps[0].Description != "only step" {
		t.Fatalf("unexpected plan: %+v", plan.Steps)
	}
}

func TestPlanner_RejectsEmptyItems(t *testing.T) {
	planner, store, _ := plannerFixture(t, `{"items": []}`)

	_, err := planner.CreatePlan(context.Background(), "mission", nil)
	if !errors.Is(err, entity.ErrEmptyPlan) {
		t.Fatalf("expected ErrEmptyPlan, got %v", err)
	}
	if len(store.plans) != 0 {
		t.Error("nothing should be persisted on failure")
	}
}

func TestPlanner_RejectsInvalidStructure(t *testing.T) {
	tests := []struct {
		name     string
		response string
	}{
		{"duplicate positions", `{"items":[{"position":1,"description":"a"},{"position":1,"description":"b"}]}`},
		{"missing dependency", `{"items":[{"position":1,"description":"a","dependencies":[9]}]}`},
		{"unknown tool", `{"items":[{"position":1,"description":"a","chosen_tool":"nope"}]}`},
		{"blank description", `{"items":[{"position":1,"description":"  "}]}`},
		{"not json", `the plan is to win`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			planner, store, _ := plannerFixture(t, tt.response)
			_, err := planner.CreatePlan(context.Background(), "mission", nil)
			if err == nil {
				t.Fatal("expected error")
			}
			if len(store.plans) != 0 {
				t.Error("nothing should be persisted on failure")
			}
		})
	}
}

func TestPlanner_EmptyMission(t *testing.T) {
	planner, _, llm := plannerFixture(t)
	if _, err := planner.CreatePlan(context.Background(), "  ", nil); err == nil {
		t.Fatal("expected error for empty mission")
	}
	if llm.callCount() != 0 {
		t.Error("no model call should be made for an empty mission")
	}
}
