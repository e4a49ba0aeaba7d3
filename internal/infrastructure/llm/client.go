package llm

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stepline/stepline/internal/domain/service"
)

// Effort levels sent to providers that support a reasoning knob.
const (
	EffortLow    = "low"
	EffortMedium = "medium"
	EffortHigh   = "high"
)

// RetryPolicy bounds the capability's retry loop. Only error kinds
// named in RetryOn are retried; everything else surfaces immediately.
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	BackoffMultiplier float64
	AttemptTimeout    time.Duration
	RetryOn           []string // kind labels, default ["transient"]
}

// DefaultRetryPolicy returns production defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		InitialBackoff:    500 * time.Millisecond,
		BackoffMultiplier: 2.0,
		AttemptTimeout:    120 * time.Second,
		RetryOn:           []string{"transient"},
	}
}

// Client implements service.LLMClient on top of the provider router.
// It owns alias resolution, temperature-to-effort mapping, per-attempt
// timeouts, and bounded retry with multiplicative backoff.
type Client struct {
	router  *Router
	mu      sync.RWMutex
	aliases map[string]string // alias → model reference ("provider/model")
	retry   RetryPolicy
	retryOn map[string]bool
	logger  *zap.Logger
}

var _ service.LLMClient = (*Client)(nil)

func NewClient(router *Router, aliases map[string]string, retry RetryPolicy, logger *zap.Logger) *Client {
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 3
	}
	if retry.InitialBackoff <= 0 {
		retry.InitialBackoff = 500 * time.Millisecond
	}
	if retry.BackoffMultiplier < 1 {
		retry.BackoffMultiplier = 2.0
	}
	if retry.AttemptTimeout <= 0 {
		retry.AttemptTimeout = 120 * time.Second
	}
	retryOn := make(map[string]bool, len(retry.RetryOn))
	for _, kind := range retry.RetryOn {
		retryOn[kind] = true
	}
	if len(retryOn) == 0 {
		retryOn[KindTransient.String()] = true
	}

	resolved := make(map[string]string, len(aliases))
	for alias, model := range aliases {
		resolved[alias] = model
	}

	return &Client{
		router:  router,
		aliases: resolved,
		retry:   retry,
		retryOn: retryOn,
		logger:  logger.With(zap.String("component", "llm-client")),
	}
}

// SetAliases swaps the alias table; used by the config watcher on
// hot-reload.
func (c *Client) SetAliases(aliases map[string]string) {
	resolved := make(map[string]string, len(aliases))
	for alias, model := range aliases {
		resolved[alias] = model
	}
	c.mu.Lock()
	c.aliases = resolved
	c.mu.Unlock()
}

// Complete resolves the alias, derives effort from temperature when
// unset, and drives the retry loop around the router.
func (c *Client) Complete(ctx context.Context, req service.CompletionRequest) (*service.CompletionResult, error) {
	alias := req.ModelAlias
	if alias == "" {
		alias = service.ModelAliasMain
	}
	c.mu.RLock()
	model, ok := c.aliases[alias]
	c.mu.RUnlock()
	if !ok {
		return nil, &Error{
			Kind:    KindBadRequest,
			Message: "unknown model alias " + alias,
		}
	}

	effort := req.Effort
	if effort == "" {
		effort = EffortForTemperature(req.Temperature)
	}

	providerReq := &Request{
		Model:          model,
		Messages:       req.Messages,
		Temperature:    req.Temperature,
		MaxTokens:      req.MaxTokens,
		Effort:         effort,
		ResponseFormat: req.ResponseFormat,
	}

	backoff := c.retry.InitialBackoff
	var lastErr *Error

	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, c.retry.AttemptTimeout)
		start := time.Now()
		resp, err := c.router.Route(attemptCtx, providerReq)
		latency := time.Since(start)
		cancel()

		if err == nil {
			return &service.CompletionResult{
				Content:   resp.Content,
				Usage:     resp.Usage,
				Model:     resp.Model,
				LatencyMS: latency.Milliseconds(),
			}, nil
		}

		// The parent context going away is a cancellation regardless
		// of what the transport reported.
		if ctx.Err() != nil {
			return nil, &Error{
				Kind:    KindCancelled,
				Message: "request cancelled",
				Model:   model,
				Cause:   ctx.Err(),
			}
		}

		lastErr = Classify(err, "", model)
		// An expired per-attempt timeout is a retryable timeout, not a
		// caller cancellation.
		if errors.Is(err, context.DeadlineExceeded) {
			lastErr = &Error{
				Kind:    KindTransient,
				Message: "attempt timed out",
				Model:   model,
				Cause:   err,
			}
		}

		if !c.retryOn[lastErr.Kind.String()] || attempt == c.retry.MaxAttempts {
			break
		}

		c.logger.Warn("Completion failed, retrying",
			zap.String("alias", alias),
			zap.String("model", model),
			zap.Int("attempt", attempt),
			zap.String("error_kind", lastErr.Kind.String()),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return nil, &Error{
				Kind:    KindCancelled,
				Message: "request cancelled",
				Model:   model,
				Cause:   ctx.Err(),
			}
		case <-time.After(backoff):
		}
		backoff = time.Duration(float64(backoff) * c.retry.BackoffMultiplier)
	}

	c.logger.Error("Completion failed",
		zap.String("alias", alias),
		zap.String("model", model),
		zap.String("error_kind", lastErr.Kind.String()),
		zap.Error(lastErr),
	)
	return nil, lastErr
}

// EffortForTemperature maps a sampling temperature onto a reasoning
// effort level: below 0.3 is low, up to and including 0.7 is medium,
// above is high. A nil temperature defaults to medium.
func EffortForTemperature(t *float64) string {
	if t == nil {
		return EffortMedium
	}
	switch {
	case *t < 0.3:
		return EffortLow
	case *t <= 0.7:
		return EffortMedium
	default:
		return EffortHigh
	}
}
