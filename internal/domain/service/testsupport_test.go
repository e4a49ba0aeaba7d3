package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stepline/stepline/internal/domain/entity"
	"github.com/stepline/stepline/internal/domain/tool"
)

// memPlanStore is an in-memory PlanStore for tests. Plans are stored
// as clones so test mutations go through Update like the real stores.
type memPlanStore struct {
	mu    sync.Mutex
	plans map[string]*entity.Plan
}

func newMemPlanStore() *memPlanStore {
	return &memPlanStore{plans: make(map[string]*entity.Plan)}
}

func (s *memPlanStore) Create(ctx context.Context, plan *entity.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.plans[plan.ID]; exists {
		return fmt.Errorf("plan %s already exists", plan.ID)
	}
	s.plans[plan.ID] = plan.Clone()
	return nil
}

func (s *memPlanStore) Load(ctx context.Context, id string) (*entity.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, exists := s.plans[id]
	if !exists {
		return nil, fmt.Errorf("plan %s: %w", id, entity.ErrPlanNotFound)
	}
	return p.Clone(), nil
}

func (s *memPlanStore) Update(ctx context.Context, plan *entity.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.plans[plan.ID]; !exists {
		return fmt.Errorf("plan %s: %w", plan.ID, entity.ErrPlanNotFound)
	}
	s.plans[plan.ID] = plan.Clone()
	return nil
}

func (s *memPlanStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.plans, id)
	return nil
}

func (s *memPlanStore) GetPath(id string) string {
	return "mem://" + id
}

// memStateStore is an in-memory StateStore for tests.
type memStateStore struct {
	mu     sync.Mutex
	states map[string]entity.SessionState
	saves  int
}

func newMemStateStore() *memStateStore {
	return &memStateStore{states: make(map[string]entity.SessionState)}
}

func (s *memStateStore) Load(ctx context.Context, sessionID string) (entity.SessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, exists := s.states[sessionID]
	if !exists {
		return entity.NewSessionState(), nil
	}
	return st.Clone(), nil
}

func (s *memStateStore) Save(ctx context.Context, sessionID string, state entity.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state.BumpVersion(time.Now())
	s.states[sessionID] = state.Clone()
	s.saves++
	return nil
}

func (s *memStateStore) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	return 0, nil
}

// scriptedLLM returns canned completions in order. Fails the run when
// the script is exhausted, which keeps runaway loops visible in tests.
type scriptedLLM struct {
	mu        sync.Mutex
	responses []string
	calls     []CompletionRequest
	loop      bool // when true, repeat the last response forever
}

func newScriptedLLM(responses ...string) *scriptedLLM {
	return &scriptedLLM{responses: responses}
}

func (s *scriptedLLM) Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)

	if len(s.responses) == 0 {
		return nil, fmt.Errorf("scripted llm exhausted after %d calls", len(s.calls))
	}
	content := s.responses[0]
	if !s.loop || len(s.responses) > 1 {
		s.responses = s.responses[1:]
		if s.loop && len(s.responses) == 0 {
			s.responses = []string{content}
		}
	}
	return &CompletionResult{
		Content:   content,
		Model:     "scripted",
		LatencyMS: 1,
	}, nil
}

func (s *scriptedLLM) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// scriptedTool runs a fixed sequence of results, repeating the last
// one when exhausted.
type scriptedTool struct {
	name     string
	desc     string
	approval bool
	risk     tool.RiskLevel
	results  []*tool.Result
	mu       sync.Mutex
	calls    []map[string]any
}

func (s *scriptedTool) Name() string           { return s.name }
func (s *scriptedTool) Description() string    { return s.desc }
func (s *scriptedTool) Schema() map[string]any { return nil }
func (s *scriptedTool) RequiresApproval() bool { return s.approval }
func (s *scriptedTool) RiskLevel() tool.RiskLevel {
	if s.risk == "" {
		return tool.RiskLow
	}
	return s.risk
}

func (s *scriptedTool) Execute(ctx context.Context, args map[string]any) (*tool.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, args)

	if len(s.results) == 0 {
		return tool.Ok(nil), nil
	}
	r := s.results[0]
	if len(s.results) > 1 {
		s.results = s.results[1:]
	}
	return r, nil
}

func (s *scriptedTool) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// seedPlan stores a plan and returns it for convenience.
func seedPlan(t interface{ Fatalf(string, ...any) }, store *memPlanStore, plan *entity.Plan) *entity.Plan {
	if err := store.Create(context.Background(), plan); err != nil {
		t.Fatalf("seed plan: %v", err)
	}
	return plan
}
