package monitoring

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"
)

// PrometheusHandler serves the counters in Prometheus text exposition
// format. A hand-rolled writer keeps client_golang off the dependency
// tree; mount at "/metrics".
func (m *Monitor) PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)

		uptime := time.Since(m.metrics.StartTime).Seconds()

		lines := []struct {
			name string
			help string
			typ  string
			val  any
		}{
			{"stepline_missions_total", "Total missions started", "counter", atomic.LoadUint64(&m.metrics.MissionsTotal)},
			{"stepline_missions_completed_total", "Missions that ran to completion", "counter", atomic.LoadUint64(&m.metrics.MissionsCompleted)},
			{"stepline_missions_paused_total", "Missions paused awaiting user input", "counter", atomic.LoadUint64(&m.metrics.MissionsPaused)},
			{"stepline_missions_failed_total", "Missions that failed", "counter", atomic.LoadUint64(&m.metrics.MissionsFailed)},

			{"stepline_iterations_total", "Scheduler loop iterations executed", "counter", atomic.LoadUint64(&m.metrics.IterationsTotal)},

			{"stepline_tool_calls_total", "Tool calls executed", "counter", atomic.LoadUint64(&m.metrics.ToolCallsTotal)},
			{"stepline_tool_calls_success_total", "Tool calls that succeeded", "counter", atomic.LoadUint64(&m.metrics.ToolCallsSuccess)},
			{"stepline_tool_calls_failed_total", "Tool calls that failed", "counter", atomic.LoadUint64(&m.metrics.ToolCallsFailed)},

			{"stepline_llm_calls_total", "LLM completions requested", "counter", atomic.LoadUint64(&m.metrics.LLMCallsTotal)},
			{"stepline_llm_tokens_used_total", "Tokens consumed across all completions", "counter", atomic.LoadUint64(&m.metrics.LLMTokensUsed)},

			{"stepline_errors_total", "Errors observed by the engine", "counter", atomic.LoadUint64(&m.metrics.ErrorsTotal)},

			{"stepline_active_sessions", "Sessions with a mission in flight", "gauge", atomic.LoadInt64(&m.metrics.ActiveSessions)},
			{"stepline_uptime_seconds", "Process uptime in seconds", "gauge", uptime},

			{"stepline_memory_alloc_bytes", "Current heap allocation in bytes", "gauge", memStats.Alloc},
			{"stepline_goroutines", "Number of goroutines", "gauge", runtime.NumGoroutine()},
			{"stepline_gc_cycles_total", "Completed GC cycles", "counter", memStats.NumGC},
		}

		for _, l := range lines {
			fmt.Fprintf(w, "# HELP %s %s\n", l.name, l.help)
			fmt.Fprintf(w, "# TYPE %s %s\n", l.name, l.typ)
			switch v := l.val.(type) {
			case uint64:
				fmt.Fprintf(w, "%s %d\n", l.name, v)
			case int64:
				fmt.Fprintf(w, "%s %d\n", l.name, v)
			case int:
				fmt.Fprintf(w, "%s %d\n", l.name, v)
			case uint32:
				fmt.Fprintf(w, "%s %d\n", l.name, v)
			case float64:
				fmt.Fprintf(w, "%s %f\n", l.name, v)
			}
			fmt.Fprintln(w)
		}

		if count := atomic.LoadUint64(&m.metrics.LLMLatencyCnt); count > 0 {
			avgMs := float64(atomic.LoadUint64(&m.metrics.LLMLatencySum)) / float64(count) / 1e6
			fmt.Fprintf(w, "# HELP stepline_llm_latency_avg_ms Average completion latency in milliseconds\n")
			fmt.Fprintf(w, "# TYPE stepline_llm_latency_avg_ms gauge\n")
			fmt.Fprintf(w, "stepline_llm_latency_avg_ms %f\n\n", avgMs)
		}

		if count := atomic.LoadUint64(&m.metrics.ToolLatencyCnt); count > 0 {
			avgMs := float64(atomic.LoadUint64(&m.metrics.ToolLatencySum)) / float64(count) / 1e6
			fmt.Fprintf(w, "# HELP stepline_tool_latency_avg_ms Average tool execution latency in milliseconds\n")
			fmt.Fprintf(w, "# TYPE stepline_tool_latency_avg_ms gauge\n")
			fmt.Fprintf(w, "stepline_tool_latency_avg_ms %f\n\n", avgMs)
		}
	})
}
