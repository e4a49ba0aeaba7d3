package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/stepline/stepline/internal/domain/tool"
)

// Hook defines lifecycle extension points on the scheduler. All methods
// are optional; embed NoOpHook to only implement what you need. Hooks
// execute synchronously; keep them fast to avoid blocking the loop.
type Hook interface {
	// BeforeToolCall is called before each tool execution.
	// Return false to veto the call; the step records a blocked
	// observation and no attempt is consumed.
	BeforeToolCall(ctx context.Context, toolName string, args map[string]any) bool

	// AfterToolCall is called after each tool execution completes.
	AfterToolCall(ctx context.Context, toolName string, result *tool.Result)

	// OnPhaseChange is called on each execution phase transition.
	OnPhaseChange(from, to Phase, snap PhaseSnapshot)

	// OnComplete is called when a run finishes, whatever its status.
	OnComplete(ctx context.Context, result *ExecutionResult)
}

// NoOpHook is the default no-op implementation of all hooks. Embed it
// in a custom hook to only override the methods you care about.
type NoOpHook struct{}

func (NoOpHook) BeforeToolCall(_ context.Context, _ string, _ map[string]any) bool { return true }
func (NoOpHook) AfterToolCall(_ context.Context, _ string, _ *tool.Result)         {}
func (NoOpHook) OnPhaseChange(_, _ Phase, _ PhaseSnapshot)                         {}
func (NoOpHook) OnComplete(_ context.Context, _ *ExecutionResult)                  {}

// HookChain aggregates multiple hooks, called in registration order.
type HookChain struct {
	hooks []Hook
}

func NewHookChain(hooks ...Hook) *HookChain {
	return &HookChain{hooks: hooks}
}

// Add appends a hook to the chain.
func (c *HookChain) Add(h Hook) {
	c.hooks = append(c.hooks, h)
}

func (c *HookChain) BeforeToolCall(ctx context.Context, toolName string, args map[string]any) bool {
	for _, h := range c.hooks {
		if !h.BeforeToolCall(ctx, toolName, args) {
			return false // any hook can veto
		}
	}
	return true
}

func (c *HookChain) AfterToolCall(ctx context.Context, toolName string, result *tool.Result) {
	for _, h := range c.hooks {
		h.AfterToolCall(ctx, toolName, result)
	}
}

func (c *HookChain) OnPhaseChange(from, to Phase, snap PhaseSnapshot) {
	for _, h := range c.hooks {
		h.OnPhaseChange(from, to, snap)
	}
}

func (c *HookChain) OnComplete(ctx context.Context, result *ExecutionResult) {
	for _, h := range c.hooks {
		h.OnComplete(ctx, result)
	}
}

var _ Hook = (*HookChain)(nil)

// --- Built-in hooks ---

// LoggingHook logs lifecycle events at debug level.
type LoggingHook struct {
	NoOpHook
	Logger *zap.Logger
}

func (h *LoggingHook) BeforeToolCall(_ context.Context, toolName string, args map[string]any) bool {
	h.Logger.Debug("Tool call", zap.String("tool", toolName), zap.Any("args", args))
	return true
}

func (h *LoggingHook) OnPhaseChange(from, to Phase, snap PhaseSnapshot) {
	h.Logger.Debug("Phase change",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Int("iteration", snap.Iteration),
	)
}

// MetricsHook counts tool executions and failures for monitoring.
type MetricsHook struct {
	NoOpHook
	ToolCallCount int
	ToolFailCount int
	RunCount      int
}

func (h *MetricsHook) AfterToolCall(_ context.Context, _ string, result *tool.Result) {
	h.ToolCallCount++
	if result != nil && !result.Success {
		h.ToolFailCount++
	}
}

func (h *MetricsHook) OnComplete(_ context.Context, _ *ExecutionResult) { h.RunCount++ }
