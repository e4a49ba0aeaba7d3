package monitoring

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/stepline/stepline/internal/domain/service"
	"github.com/stepline/stepline/internal/domain/tool"
)

func TestMonitor_Counters(t *testing.T) {
	m := NewMonitor(zap.NewNop())

	m.IncMission()
	m.IncMissionCompleted()
	m.IncToolCall()
	m.IncToolCallSuccess()
	m.IncLLMCall()
	m.AddTokensUsed(1234)
	m.AddIterations(7)
	m.AddActiveSessions(1)

	stats := m.Stats()
	if stats["missions_total"] != uint64(1) {
		t.Errorf("missions_total = %v", stats["missions_total"])
	}
	if stats["llm_tokens_used"] != uint64(1234) {
		t.Errorf("llm_tokens_used = %v", stats["llm_tokens_used"])
	}
	if stats["iterations_total"] != uint64(7) {
		t.Errorf("iterations_total = %v", stats["iterations_total"])
	}
	if stats["active_sessions"] != int64(1) {
		t.Errorf("active_sessions = %v", stats["active_sessions"])
	}
}

func TestMonitor_LatencyAverage(t *testing.T) {
	m := NewMonitor(zap.NewNop())

	m.RecordLLMLatency(100 * time.Millisecond)
	m.RecordLLMLatency(300 * time.Millisecond)

	stats := m.Stats()
	avg := stats["avg_llm_latency_ms"].(float64)
	if avg < 199 || avg > 201 {
		t.Errorf("avg_llm_latency_ms = %v, want ~200", avg)
	}
}

func TestMonitor_SnapshotHistory(t *testing.T) {
	m := NewMonitor(zap.NewNop())
	m.historyLimit = 3

	for i := 0; i < 5; i++ {
		m.TakeSnapshot()
	}

	if got := len(m.History()); got != 3 {
		t.Errorf("history length = %d, want 3", got)
	}
}

func TestPrometheusHandler(t *testing.T) {
	m := NewMonitor(zap.NewNop())
	m.IncMission()
	m.IncToolCall()
	m.AddTokensUsed(42)
	m.RecordLLMLatency(50 * time.Millisecond)

	srv := httptest.NewServer(m.PrometheusHandler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	text := string(body)

	for _, want := range []string{
		"stepline_missions_total 1",
		"stepline_tool_calls_total 1",
		"stepline_llm_tokens_used_total 42",
		"stepline_llm_latency_avg_ms",
		"# TYPE stepline_active_sessions gauge",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type = %q", ct)
	}
}

func TestMonitorHook(t *testing.T) {
	m := NewMonitor(zap.NewNop())
	h := NewMonitorHook(m)
	ctx := context.Background()

	if !h.BeforeToolCall(ctx, "shell", nil) {
		t.Fatal("hook must not veto")
	}
	h.AfterToolCall(ctx, "shell", &tool.Result{Success: true})
	h.AfterToolCall(ctx, "shell", &tool.Result{Success: false})

	h.OnComplete(ctx, &service.ExecutionResult{
		Status:     service.StatusCompleted,
		Iterations: 4,
		TokensUsed: 900,
	})
	h.OnComplete(ctx, &service.ExecutionResult{Status: service.StatusFailed})

	stats := m.Stats()
	if stats["tool_calls_success"] != uint64(1) || stats["tool_calls_failed"] != uint64(1) {
		t.Errorf("tool counters wrong: %v / %v",
			stats["tool_calls_success"], stats["tool_calls_failed"])
	}
	if stats["missions_completed"] != uint64(1) || stats["missions_failed"] != uint64(1) {
		t.Errorf("mission counters wrong: %v / %v",
			stats["missions_completed"], stats["missions_failed"])
	}
	if stats["iterations_total"] != uint64(4) || stats["llm_tokens_used"] != uint64(900) {
		t.Errorf("rollup wrong: %v iterations, %v tokens",
			stats["iterations_total"], stats["llm_tokens_used"])
	}
	if stats["errors_total"] != uint64(1) {
		t.Errorf("errors_total = %v", stats["errors_total"])
	}
}
