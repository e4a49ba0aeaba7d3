package service

import "context"

// Model aliases resolved by the capability's configured mapping.
const (
	ModelAliasMain     = "main"
	ModelAliasFast     = "fast"
	ModelAliasPowerful = "powerful"
)

// Message is one chat turn sent to the model.
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// Usage reports token accounting for one completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionRequest is the capability-level completion call. The
// model is addressed by alias (main, fast, powerful); resolution to a
// concrete provider model happens inside the capability.
type CompletionRequest struct {
	Messages       []Message
	ModelAlias     string
	ResponseFormat string // "json_object" to force strict JSON output
	Temperature    *float64
	MaxTokens      int
	Effort         string // low, medium, high; derived from temperature when empty
}

// CompletionResult is a successful completion. Failures are returned
// as classified errors, not result fields.
type CompletionResult struct {
	Content   string
	Usage     Usage
	Model     string
	LatencyMS int64
}

// LLMClient is the completion capability consumed by the planner,
// replanner, and scheduler. Implementations handle alias resolution,
// retry, timeout, and provider failover; callers see a single
// blocking call.
type LLMClient interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error)
}

// TempPtr builds the pointer form used by CompletionRequest, where nil
// means "provider default".
func TempPtr(v float64) *float64 { return &v }
