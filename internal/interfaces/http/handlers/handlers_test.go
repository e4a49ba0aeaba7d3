package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/stepline/stepline/internal/application/usecase"
	"github.com/stepline/stepline/internal/domain/entity"
	"github.com/stepline/stepline/internal/domain/service"
	domaintool "github.com/stepline/stepline/internal/domain/tool"
	"github.com/stepline/stepline/internal/infrastructure/persistence"
	"github.com/stepline/stepline/internal/infrastructure/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubExecutor struct {
	events  []entity.Event
	result  service.ExecutionResult
	release chan struct{}
}

func (s *stubExecutor) Execute(ctx context.Context, mission, sessionID string) (*service.ExecutionResult, <-chan entity.Event) {
	result := s.result
	ch := make(chan entity.Event, len(s.events))
	go func() {
		defer close(ch)
		for _, ev := range s.events {
			ch <- ev
		}
		if s.release != nil {
			<-s.release
		}
	}()
	return &result, ch
}

type memStates struct {
	mu     sync.Mutex
	states map[string]entity.SessionState
}

func newMemStates() *memStates {
	return &memStates{states: map[string]entity.SessionState{}}
}

func (m *memStates) Load(ctx context.Context, sessionID string) (entity.SessionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[sessionID]; ok {
		return st.Clone(), nil
	}
	return entity.NewSessionState(), nil
}

func (m *memStates) Save(ctx context.Context, sessionID string, state entity.SessionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[sessionID] = state.Clone()
	return nil
}

func (m *memStates) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	return 0, nil
}

func newRunner(t *testing.T, exec usecase.Executor, states *memStates) *usecase.MissionRunner {
	t.Helper()
	return usecase.NewMissionRunner(exec, states, nil, nil, nil, zap.NewNop())
}

func TestRunMission_StreamsSSE(t *testing.T) {
	exec := &stubExecutor{
		events: []entity.Event{
			entity.NewEvent(entity.EventThought, "s1", map[string]any{"content": "thinking"}),
			entity.NewEvent(entity.EventComplete, "s1", nil),
		},
		result: service.ExecutionResult{Status: service.StatusCompleted, FinalMessage: "all done"},
	}
	handler := NewMissionHandler(newRunner(t, exec, newMemStates()), zap.NewNop())

	router := gin.New()
	router.POST("/api/v1/sessions/:id/missions", handler.RunMission)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/s1/missions",
		strings.NewReader(`{"mission":"do the thing"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	body := rec.Body.String()
	for _, want := range []string{
		"event: " + string(entity.EventThought),
		"event: " + string(entity.EventComplete),
		"event: done",
		`"status":"completed"`,
		`"final_message":"all done"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q:\n%s", want, body)
		}
	}
}

func TestRunMission_MissingMission(t *testing.T) {
	handler := NewMissionHandler(newRunner(t, &stubExecutor{}, newMemStates()), zap.NewNop())

	router := gin.New()
	router.POST("/api/v1/sessions/:id/missions", handler.RunMission)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/s1/missions",
		strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestRunMission_BusyConflict(t *testing.T) {
	exec := &stubExecutor{
		result:  service.ExecutionResult{Status: service.StatusCompleted},
		release: make(chan struct{}),
	}
	runner := newRunner(t, exec, newMemStates())
	handler := NewMissionHandler(runner, zap.NewNop())

	router := gin.New()
	router.POST("/api/v1/sessions/:id/missions", handler.RunMission)

	// Hold the session busy with a direct run.
	_, firstCh, err := runner.Run(context.Background(), "s1", "first")
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	defer func() {
		close(exec.release)
		for range firstCh {
		}
	}()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/s1/missions",
		strings.NewReader(`{"mission":"second"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409: %s", rec.Code, rec.Body.String())
	}
}

func TestSubmitAnswer_NoPendingQuestion(t *testing.T) {
	handler := NewMissionHandler(newRunner(t, &stubExecutor{}, newMemStates()), zap.NewNop())

	router := gin.New()
	router.POST("/api/v1/sessions/:id/answers", handler.SubmitAnswer)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/s1/answers",
		strings.NewReader(`{"answer":"yes"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
}

func newSessionHandler(t *testing.T, states *memStates) (*SessionHandler, *store.FilePlanStore, *persistence.Journal) {
	t.Helper()

	plans, err := store.NewFilePlanStore(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("plan store: %v", err)
	}
	db, err := persistence.NewDBConnection("sqlite", t.TempDir()+"/journal.db")
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	journal := persistence.NewJournal(db, zap.NewNop())

	runner := newRunner(t, &stubExecutor{}, states)
	return NewSessionHandler(runner, plans, states, journal, zap.NewNop()), plans, journal
}

func TestGetSession_Summary(t *testing.T) {
	states := newMemStates()
	st := entity.NewSessionState()
	st.SetPlanID("plan-9")
	st.SetTrustMode(true)
	st.BumpVersion(time.Now())
	if err := states.Save(context.Background(), "s1", st); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	handler, _, _ := newSessionHandler(t, states)
	router := gin.New()
	router.GET("/api/v1/sessions/:id", handler.GetSession)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/s1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	for _, want := range []string{`"plan_id":"plan-9"`, `"trust_mode":true`, `"version":1`, `"busy":false`} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q:\n%s", want, body)
		}
	}
}

func TestGetPlan_RoundTrip(t *testing.T) {
	states := newMemStates()
	handler, plans, _ := newSessionHandler(t, states)

	plan := entity.NewPlan("plan-1", "ship the feature")
	if err := plans.Create(context.Background(), plan); err != nil {
		t.Fatalf("create plan: %v", err)
	}
	st := entity.NewSessionState()
	st.SetPlanID(plan.ID)
	if err := states.Save(context.Background(), "s1", st); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	router := gin.New()
	router.GET("/api/v1/sessions/:id/plan", handler.GetPlan)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/s1/plan", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"mission":"ship the feature"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestGetPlan_NoPlanBound(t *testing.T) {
	handler, _, _ := newSessionHandler(t, newMemStates())
	router := gin.New()
	router.GET("/api/v1/sessions/:id/plan", handler.GetPlan)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/unknown/plan", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestGetEvents_PaginatedHistory(t *testing.T) {
	handler, _, journal := newSessionHandler(t, newMemStates())

	for i := 0; i < 3; i++ {
		ev := entity.NewEvent(entity.EventThought, "s1", map[string]any{"n": i})
		if err := journal.Append(context.Background(), ev); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	router := gin.New()
	router.GET("/api/v1/sessions/:id/events", handler.GetEvents)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/s1/events?limit=2", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"total":3`) || !strings.Contains(body, `"limit":2`) {
		t.Errorf("body = %s", body)
	}
}

func TestGetApprovals_ListsDecisions(t *testing.T) {
	handler, _, journal := newSessionHandler(t, newMemStates())

	if err := journal.RecordApproval(context.Background(), "s1", "shell", "$ rm -rf build", "denied"); err != nil {
		t.Fatalf("record approval: %v", err)
	}

	router := gin.New()
	router.GET("/api/v1/sessions/:id/approvals", handler.GetApprovals)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/s1/approvals", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"tool_name":"shell"`) || !strings.Contains(body, `"decision":"denied"`) {
		t.Errorf("body = %s", body)
	}
}

type echoTool struct{}

func (echoTool) Name() string { return "echo" }

func (echoTool) Description() string { return "Echoes its input back" }
func (echoTool) Schema() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{"text": map[string]any{"type": "string"}}}
}
func (echoTool) RequiresApproval() bool { return false }

func (echoTool) RiskLevel() domaintool.RiskLevel { return domaintool.RiskLow }
func (echoTool) Execute(ctx context.Context, args map[string]any) (*domaintool.Result, error) {
	return domaintool.Ok(map[string]any{"text": args["text"]}), nil
}

func TestListTools(t *testing.T) {
	registry := domaintool.NewInMemoryRegistry()
	if err := registry.Register(echoTool{}); err != nil {
		t.Fatalf("register: %v", err)
	}

	handler := NewToolHandler(registry, zap.NewNop())
	router := gin.New()
	router.GET("/api/v1/tools", handler.ListTools)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tools", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"count":1`) || !strings.Contains(body, `"name":"echo"`) {
		t.Errorf("body = %s", body)
	}
}
