package service

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/stepline/stepline/internal/domain/entity"
)

func threeStepPlan() *entity.Plan {
	p := entity.NewPlan("plan-1", "demo")
	p.Steps = []*entity.Step{
		entity.NewStep(1, "fetch data", "data on disk", nil),
		entity.NewStep(2, "transform", "output produced", []int{1}),
		entity.NewStep(3, "report", "report sent", []int{2}),
	}
	return p
}

// === ModifyStep Tests ===

func TestModifyStep_AppliesChangesAndResets(t *testing.T) {
	store := newMemPlanStore()
	seedPlan(t, store, threeStepPlan())
	m := NewPlanMutator(store, zap.NewNop())

	// Simulate a failed step being repaired.
	plan, _ := store.Load(context.Background(), "plan-1")
	plan.FindStep(2).Status = entity.StepFailed
	plan.FindStep(2).Attempts = 3
	store.Update(context.Background(), plan)

	tool := "file_write"
	input := map[string]any{"path": "/tmp/out.txt"}
	updated, err := m.ModifyStep(context.Background(), "plan-1", 2, StepChanges{
		ChosenTool: &tool,
		ToolInput:  &input,
	})
	if err != nil {
		t.Fatalf("modify: %v", err)
	}

	s := updated.FindStep(2)
	if s.ChosenTool != "file_write" || s.ToolInput["path"] != "/tmp/out.txt" {
		t.Fatalf("changes not applied: %+v", s)
	}
	if s.Status != entity.StepPending || s.Attempts != 0 || s.ReplanCount != 1 {
		t.Fatalf("reset wrong: status=%s attempts=%d replans=%d", s.Status, s.Attempts, s.ReplanCount)
	}

	// Persisted form matches.
	stored, _ := store.Load(context.Background(), "plan-1")
	if stored.FindStep(2).ChosenTool != "file_write" {
		t.Fatal("mutation not persisted")
	}
}

func TestModifyStep_RejectsWhenBudgetSpent(t *testing.T) {
	store := newMemPlanStore()
	p := threeStepPlan()
	p.FindStep(2).ReplanCount = entity.MaxReplansPerStep
	seedPlan(t, store, p)
	m := NewPlanMutator(store, zap.NewNop())

	desc := "new description"
	_, err := m.ModifyStep(context.Background(), "plan-1", 2, StepChanges{Description: &desc})
	if err == nil {
		t.Fatal("expected replan budget error")
	}
}

func TestModifyStep_RejectsCycleAndLeavesPlanUnchanged(t *testing.T) {
	store := newMemPlanStore()
	seedPlan(t, store, threeStepPlan())
	m := NewPlanMutator(store, zap.NewNop())

	// 1 ← 3 would close the cycle 1→2→3→1.
	deps := []int{3}
	_, err := m.ModifyStep(context.Background(), "plan-1", 1, StepChanges{Dependencies: &deps})
	if err == nil {
		t.Fatal("expected cycle rejection")
	}

	stored, _ := store.Load(context.Background(), "plan-1")
	if len(stored.FindStep(1).Dependencies) != 0 {
		t.Fatal("rejected mutation must leave the plan unchanged")
	}
	if stored.FindStep(1).ReplanCount != 0 {
		t.Fatal("rejected mutation must not charge the replan budget")
	}
}

func TestModifyStep_UnknownPosition(t *testing.T) {
	store := newMemPlanStore()
	seedPlan(t, store, threeStepPlan())
	m := NewPlanMutator(store, zap.NewNop())

	desc := "x"
	_, err := m.ModifyStep(context.Background(), "plan-1", 99, StepChanges{Description: &desc})
	if err == nil {
		t.Fatal("expected step-not-found error")
	}
}

// === DecomposeStep Tests ===

func TestDecomposeStep_InsertsChain(t *testing.T) {
	store := newMemPlanStore()
	seedPlan(t, store, threeStepPlan())
	m := NewPlanMutator(store, zap.NewNop())

	updated, positions, err := m.DecomposeStep(context.Background(), "plan-1", 2, []SubtaskSpec{
		{Description: "transform part A", AcceptanceCriteria: "A done"},
		{Description: "transform part B", AcceptanceCriteria: "B done"},
	})
	if err != nil {
		t.Fatalf("decompose: %v", err)
	}

	// Layout: 1 fetch, 2 transform(SKIPPED), 3 part A, 4 part B, 5 report
	if len(updated.Steps) != 5 {
		t.Fatalf("expected 5 steps, got %d", len(updated.Steps))
	}
	if len(positions) != 2 || positions[0] != 3 || positions[1] != 4 {
		t.Fatalf("expected new positions [3 4], got %v", positions)
	}

	old := updated.FindStep(2)
	if old.Status != entity.StepSkipped || old.ReplanCount != 1 {
		t.Fatalf("decomposed step wrong: %+v", old)
	}

	partA := updated.FindStep(3)
	if partA.Description != "transform part A" || len(partA.Dependencies) != 1 || partA.Dependencies[0] != 1 {
		t.Fatalf("first subtask should inherit deps [1], got %+v", partA)
	}
	partB := updated.FindStep(4)
	if len(partB.Dependencies) != 1 || partB.Dependencies[0] != 3 {
		t.Fatalf("second subtask should depend on first, got %v", partB.Dependencies)
	}

	// The report step must now depend on the last subtask.
	report := updated.FindStep(5)
	if report.Description != "report" || len(report.Dependencies) != 1 || report.Dependencies[0] != 4 {
		t.Fatalf("dependent not retargeted to last subtask: %+v", report)
	}

	if err := updated.Validate(); err != nil {
		t.Fatalf("decomposed plan should validate: %v", err)
	}
}

func TestDecomposeStep_RejectsEmptySubtasks(t *testing.T) {
	store := newMemPlanStore()
	seedPlan(t, store, threeStepPlan())
	m := NewPlanMutator(store, zap.NewNop())

	_, _, err := m.DecomposeStep(context.Background(), "plan-1", 2, nil)
	if err == nil {
		t.Fatal("expected empty subtasks rejection")
	}
}

func TestDecomposeStep_RejectsWhenBudgetSpent(t *testing.T) {
	store := newMemPlanStore()
	p := threeStepPlan()
	p.FindStep(2).ReplanCount = entity.MaxReplansPerStep
	seedPlan(t, store, p)
	m := NewPlanMutator(store, zap.NewNop())

	_, _, err := m.DecomposeStep(context.Background(), "plan-1", 2, []SubtaskSpec{{Description: "a"}})
	if err == nil {
		t.Fatal("expected replan budget error")
	}

	stored, _ := store.Load(context.Background(), "plan-1")
	if len(stored.Steps) != 3 {
		t.Fatal("rejected decomposition must leave the plan unchanged")
	}
}

func TestDecomposeStep_SubtasksAreFresh(t *testing.T) {
	store := newMemPlanStore()
	p := threeStepPlan()
	p.FindStep(2).Attempts = 3
	p.FindStep(2).ReplanCount = 1
	seedPlan(t, store, p)
	m := NewPlanMutator(store, zap.NewNop())

	updated, positions, err := m.DecomposeStep(context.Background(), "plan-1", 2, []SubtaskSpec{
		{Description: "a"}, {Description: "b"},
	})
	if err != nil {
		t.Fatalf("decompose: %v", err)
	}
	for _, pos := range positions {
		s := updated.FindStep(pos)
		if s.Status != entity.StepPending || s.Attempts != 0 || s.ReplanCount != 0 {
			t.Fatalf("subtask %d not fresh: %+v", pos, s)
		}
		if s.MaxAttempts != entity.DefaultMaxAttempts {
			t.Fatalf("subtask max attempts wrong: %d", s.MaxAttempts)
		}
	}
}

// === ReplaceStep Tests ===

func TestReplaceStep_SwapsInPlace(t *testing.T) {
	store := newMemPlanStore()
	seedPlan(t, store, threeStepPlan())
	m := NewPlanMutator(store, zap.NewNop())

	updated, newPos, err := m.ReplaceStep(context.Background(), "plan-1", 2, ReplacementStep{
		Description:        "transform with pandoc",
		AcceptanceCriteria: "output produced",
		ChosenTool:         "shell",
		ToolInput:          map[string]any{"command": "pandoc in.md -o out.pdf"},
	})
	if err != nil {
		t.Fatalf("replace: %v", err)
	}

	// Layout: 1 fetch, 2 new step, 3 old transform(SKIPPED), 4 report
	if newPos != 2 {
		t.Fatalf("new step should take position 2, got %d", newPos)
	}
	if len(updated.Steps) != 4 {
		t.Fatalf("expected 4 steps, got %d", len(updated.Steps))
	}

	repl := updated.FindStep(2)
	if repl.ChosenTool != "shell" || repl.Description != "transform with pandoc" {
		t.Fatalf("replacement fields wrong: %+v", repl)
	}
	if len(repl.Dependencies) != 1 || repl.Dependencies[0] != 1 {
		t.Fatalf("replacement should inherit deps [1], got %v", repl.Dependencies)
	}

	old := updated.FindStep(3)
	if old.Description != "transform" || old.Status != entity.StepSkipped || old.ReplanCount != 1 {
		t.Fatalf("old step wrong after shift: %+v", old)
	}

	// Report previously depended on 2; must now reference the new step.
	report := updated.FindStep(4)
	if len(report.Dependencies) != 1 || report.Dependencies[0] != 2 {
		t.Fatalf("dependent not retargeted: %v", report.Dependencies)
	}
}

func TestReplaceStep_RejectsWhenBudgetSpent(t *testing.T) {
	store := newMemPlanStore()
	p := threeStepPlan()
	p.FindStep(3).ReplanCount = entity.MaxReplansPerStep
	seedPlan(t, store, p)
	m := NewPlanMutator(store, zap.NewNop())

	_, _, err := m.ReplaceStep(context.Background(), "plan-1", 3, ReplacementStep{Description: "x"})
	if err == nil {
		t.Fatal("expected replan budget error")
	}
}

// === SkipStep Tests ===

func TestSkipStep_DirectWrite(t *testing.T) {
	store := newMemPlanStore()
	seedPlan(t, store, threeStepPlan())
	m := NewPlanMutator(store, zap.NewNop())

	updated, err := m.SkipStep(context.Background(), "plan-1", 1)
	if err != nil {
		t.Fatalf("skip: %v", err)
	}
	s := updated.FindStep(1)
	if s.Status != entity.StepSkipped {
		t.Fatalf("expected SKIPPED, got %s", s.Status)
	}
	if s.ReplanCount != 0 {
		t.Fatal("skip must not charge the replan budget")
	}
}

// === Repeated Mutation Tests ===

func TestMutations_SecondReplanAllowedThirdRejected(t *testing.T) {
	store := newMemPlanStore()
	seedPlan(t, store, threeStepPlan())
	m := NewPlanMutator(store, zap.NewNop())

	desc1 := "first rewrite"
	if _, err := m.ModifyStep(context.Background(), "plan-1", 2, StepChanges{Description: &desc1}); err != nil {
		t.Fatalf("first modify: %v", err)
	}
	desc2 := "second rewrite"
	if _, err := m.ModifyStep(context.Background(), "plan-1", 2, StepChanges{Description: &desc2}); err != nil {
		t.Fatalf("second modify: %v", err)
	}
	desc3 := "third rewrite"
	if _, err := m.ModifyStep(context.Background(), "plan-1", 2, StepChanges{Description: &desc3}); err == nil {
		t.Fatal("third structural mutation must be rejected")
	}

	stored, _ := store.Load(context.Background(), "plan-1")
	if stored.FindStep(2).Description != "second rewrite" {
		t.Fatalf("stored plan should keep second rewrite, got %q", stored.FindStep(2).Description)
	}
}
