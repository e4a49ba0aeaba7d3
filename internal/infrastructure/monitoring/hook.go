package monitoring

import (
	"context"
	"sync"
	"time"

	"github.com/stepline/stepline/internal/domain/service"
	"github.com/stepline/stepline/internal/domain/tool"
)

// MonitorHook feeds scheduler lifecycle events into a Monitor. Attach
// it via SchedulerConfig.Hooks; it never vetoes a tool call.
type MonitorHook struct {
	service.NoOpHook
	monitor *Monitor

	mu      sync.Mutex
	started map[string]time.Time // tool name -> start, per in-flight call
}

func NewMonitorHook(monitor *Monitor) *MonitorHook {
	return &MonitorHook{
		monitor: monitor,
		started: make(map[string]time.Time),
	}
}

var _ service.Hook = (*MonitorHook)(nil)

func (h *MonitorHook) BeforeToolCall(ctx context.Context, toolName string, args map[string]any) bool {
	h.monitor.IncToolCall()
	h.mu.Lock()
	h.started[toolName] = time.Now()
	h.mu.Unlock()
	return true
}

func (h *MonitorHook) AfterToolCall(ctx context.Context, toolName string, result *tool.Result) {
	h.mu.Lock()
	if start, ok := h.started[toolName]; ok {
		h.monitor.RecordToolLatency(time.Since(start))
		delete(h.started, toolName)
	}
	h.mu.Unlock()

	if result != nil && result.Success {
		h.monitor.IncToolCallSuccess()
	} else {
		h.monitor.IncToolCallFailed()
	}
}

func (h *MonitorHook) OnComplete(ctx context.Context, result *service.ExecutionResult) {
	if result == nil {
		return
	}
	h.monitor.AddIterations(result.Iterations)
	h.monitor.AddTokensUsed(result.TokensUsed)

	switch result.Status {
	case service.StatusCompleted:
		h.monitor.IncMissionCompleted()
	case service.StatusPaused:
		h.monitor.IncMissionPaused()
	case service.StatusFailed:
		h.monitor.IncMissionFailed()
		h.monitor.IncError()
	}
}
