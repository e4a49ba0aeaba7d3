package monitoring

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Metrics holds raw engine counters. All fields are touched through
// atomics only.
type Metrics struct {
	MissionsTotal     uint64
	MissionsCompleted uint64
	MissionsPaused    uint64
	MissionsFailed    uint64

	IterationsTotal uint64

	ToolCallsTotal   uint64
	ToolCallsSuccess uint64
	ToolCallsFailed  uint64

	LLMCallsTotal  uint64
	LLMTokensUsed  uint64
	LLMLatencySum  uint64 // nanoseconds
	LLMLatencyCnt  uint64
	ToolLatencySum uint64
	ToolLatencyCnt uint64

	ActiveSessions int64

	ErrorsTotal uint64

	StartTime time.Time
}

// Monitor collects runtime metrics for the engine.
type Monitor struct {
	metrics *Metrics
	logger  *zap.Logger
	mu      sync.RWMutex

	history      []Snapshot
	historyLimit int
}

// Snapshot is one sampled point of the time series kept for dashboards.
type Snapshot struct {
	Timestamp       time.Time `json:"timestamp"`
	MissionsPerMin  float64   `json:"missions_per_min"`
	ToolCallsPerMin float64   `json:"tool_calls_per_min"`
	AvgLLMLatencyMs float64   `json:"avg_llm_latency_ms"`
	ActiveSessions  int64     `json:"active_sessions"`
	MemoryMB        float64   `json:"memory_mb"`
	Goroutines      int       `json:"goroutines"`
}

func NewMonitor(logger *zap.Logger) *Monitor {
	return &Monitor{
		metrics: &Metrics{
			StartTime: time.Now(),
		},
		logger:       logger,
		history:      make([]Snapshot, 0, 100),
		historyLimit: 100,
	}
}

func (m *Monitor) IncMission()          { atomic.AddUint64(&m.metrics.MissionsTotal, 1) }
func (m *Monitor) IncMissionCompleted() { atomic.AddUint64(&m.metrics.MissionsCompleted, 1) }
func (m *Monitor) IncMissionPaused()    { atomic.AddUint64(&m.metrics.MissionsPaused, 1) }
func (m *Monitor) IncMissionFailed()    { atomic.AddUint64(&m.metrics.MissionsFailed, 1) }
func (m *Monitor) IncToolCall()         { atomic.AddUint64(&m.metrics.ToolCallsTotal, 1) }
func (m *Monitor) IncToolCallSuccess()  { atomic.AddUint64(&m.metrics.ToolCallsSuccess, 1) }
func (m *Monitor) IncToolCallFailed()   { atomic.AddUint64(&m.metrics.ToolCallsFailed, 1) }
func (m *Monitor) IncLLMCall()          { atomic.AddUint64(&m.metrics.LLMCallsTotal, 1) }
func (m *Monitor) IncError()            { atomic.AddUint64(&m.metrics.ErrorsTotal, 1) }

func (m *Monitor) AddIterations(n int) {
	if n > 0 {
		atomic.AddUint64(&m.metrics.IterationsTotal, uint64(n))
	}
}

func (m *Monitor) AddTokensUsed(n int) {
	if n > 0 {
		atomic.AddUint64(&m.metrics.LLMTokensUsed, uint64(n))
	}
}

func (m *Monitor) AddActiveSessions(delta int64) {
	atomic.AddInt64(&m.metrics.ActiveSessions, delta)
}

func (m *Monitor) RecordLLMLatency(d time.Duration) {
	atomic.AddUint64(&m.metrics.LLMLatencySum, uint64(d.Nanoseconds()))
	atomic.AddUint64(&m.metrics.LLMLatencyCnt, 1)
}

func (m *Monitor) RecordToolLatency(d time.Duration) {
	atomic.AddUint64(&m.metrics.ToolLatencySum, uint64(d.Nanoseconds()))
	atomic.AddUint64(&m.metrics.ToolLatencyCnt, 1)
}

// Stats returns the current counters as a flat map for the stats API.
func (m *Monitor) Stats() map[string]any {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	uptime := time.Since(m.metrics.StartTime)

	avgLLM := float64(0)
	if count := atomic.LoadUint64(&m.metrics.LLMLatencyCnt); count > 0 {
		avgLLM = float64(atomic.LoadUint64(&m.metrics.LLMLatencySum)) / float64(count) / 1e6
	}
	avgTool := float64(0)
	if count := atomic.LoadUint64(&m.metrics.ToolLatencyCnt); count > 0 {
		avgTool = float64(atomic.LoadUint64(&m.metrics.ToolLatencySum)) / float64(count) / 1e6
	}

	return map[string]any{
		"uptime_seconds":      uptime.Seconds(),
		"missions_total":      atomic.LoadUint64(&m.metrics.MissionsTotal),
		"missions_completed":  atomic.LoadUint64(&m.metrics.MissionsCompleted),
		"missions_paused":     atomic.LoadUint64(&m.metrics.MissionsPaused),
		"missions_failed":     atomic.LoadUint64(&m.metrics.MissionsFailed),
		"iterations_total":    atomic.LoadUint64(&m.metrics.IterationsTotal),
		"tool_calls_total":    atomic.LoadUint64(&m.metrics.ToolCallsTotal),
		"tool_calls_success":  atomic.LoadUint64(&m.metrics.ToolCallsSuccess),
		"tool_calls_failed":   atomic.LoadUint64(&m.metrics.ToolCallsFailed),
		"llm_calls_total":     atomic.LoadUint64(&m.metrics.LLMCallsTotal),
		"llm_tokens_used":     atomic.LoadUint64(&m.metrics.LLMTokensUsed),
		"active_sessions":     atomic.LoadInt64(&m.metrics.ActiveSessions),
		"errors_total":        atomic.LoadUint64(&m.metrics.ErrorsTotal),
		"avg_llm_latency_ms":  avgLLM,
		"avg_tool_latency_ms": avgTool,
		"memory_mb":           float64(memStats.Alloc) / 1024 / 1024,
		"goroutines":          runtime.NumGoroutine(),
	}
}

// TakeSnapshot samples the counters into the rolling history.
func (m *Monitor) TakeSnapshot() Snapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	uptimeMin := time.Since(m.metrics.StartTime).Minutes()
	if uptimeMin <= 0 {
		uptimeMin = 1.0 / 60
	}

	avgLLM := float64(0)
	if count := atomic.LoadUint64(&m.metrics.LLMLatencyCnt); count > 0 {
		avgLLM = float64(atomic.LoadUint64(&m.metrics.LLMLatencySum)) / float64(count) / 1e6
	}

	snapshot := Snapshot{
		Timestamp:       time.Now(),
		MissionsPerMin:  float64(atomic.LoadUint64(&m.metrics.MissionsTotal)) / uptimeMin,
		ToolCallsPerMin: float64(atomic.LoadUint64(&m.metrics.ToolCallsTotal)) / uptimeMin,
		AvgLLMLatencyMs: avgLLM,
		ActiveSessions:  atomic.LoadInt64(&m.metrics.ActiveSessions),
		MemoryMB:        float64(memStats.Alloc) / 1024 / 1024,
		Goroutines:      runtime.NumGoroutine(),
	}

	m.mu.Lock()
	m.history = append(m.history, snapshot)
	if len(m.history) > m.historyLimit {
		m.history = m.history[1:]
	}
	m.mu.Unlock()

	return snapshot
}

// History returns a copy of the rolling snapshot window.
func (m *Monitor) History() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Snapshot, len(m.history))
	copy(result, m.history)
	return result
}

// StartCollector samples periodically until ctx is cancelled.
func (m *Monitor) StartCollector(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.TakeSnapshot()
		}
	}
}
