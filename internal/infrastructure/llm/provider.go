package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/stepline/stepline/internal/domain/service"
)

// Request is the provider-level completion request. Model is a concrete
// model reference, optionally prefixed "provider/"; providers strip a
// prefix matching their own name.
type Request struct {
	Model          string
	Messages       []service.Message
	Temperature    *float64
	MaxTokens      int
	Effort         string // low | medium | high; empty leaves the provider default
	ResponseFormat string // "json_object" to force strict JSON output
}

// Response is one provider completion.
type Response struct {
	Content string
	Model   string
	Usage   service.Usage
}

// Provider is the infrastructure-layer completion backend. The router
// fails over between providers; the capability client sits above the
// router and owns alias resolution and retry.
type Provider interface {
	// Complete issues one completion call. Errors are raw transport
	// errors; classification happens in the capability client.
	Complete(ctx context.Context, req *Request) (*Response, error)

	// Name returns the provider identifier (e.g. "openai", "claude").
	Name() string

	// Models returns the supported model identifiers; empty means any.
	Models() []string

	// SupportsModel checks whether a model reference is served here.
	SupportsModel(model string) bool

	// IsAvailable reports whether the provider is usable (credentials
	// present, endpoint configured).
	IsAvailable(ctx context.Context) bool
}

// ProviderConfig holds configuration for one provider entry.
type ProviderConfig struct {
	Name      string   `json:"name" mapstructure:"name"`
	Type      string   `json:"type" mapstructure:"type"` // "openai" (default) | "anthropic"
	BaseURL   string   `json:"base_url" mapstructure:"base_url"`
	APIKey    string   `json:"api_key" mapstructure:"api_key"`
	APIKeyEnv string   `json:"api_key_env" mapstructure:"api_key_env"`
	Models    []string `json:"models" mapstructure:"models"`
}

// StripProviderPrefix removes a "name/" prefix from a model reference
// when it addresses the given provider.
func StripProviderPrefix(model, providerName string) string {
	if prefix, rest, ok := strings.Cut(model, "/"); ok && prefix == providerName {
		return rest
	}
	return model
}

// --- Provider factory registry ---
// Providers register themselves via init() in their own package.
// Adding a new provider type = implement Provider + RegisterFactory.

// ProviderFactory creates a Provider from config.
type ProviderFactory func(cfg ProviderConfig, logger *zap.Logger) Provider

var (
	factoryMu sync.RWMutex
	factories = map[string]ProviderFactory{}
)

// RegisterFactory registers a provider factory for the given type name.
// Called from init() in each provider sub-package.
func RegisterFactory(typeName string, factory ProviderFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[typeName] = factory
}

// CreateProvider creates a Provider using the registered factory for
// cfg.Type. An empty type defaults to "openai".
func CreateProvider(cfg ProviderConfig, logger *zap.Logger) (Provider, error) {
	t := cfg.Type
	if t == "" {
		t = "openai"
	}

	factoryMu.RLock()
	factory, ok := factories[t]
	available := make([]string, 0, len(factories))
	for k := range factories {
		available = append(available, k)
	}
	factoryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown provider type %q (available: %v)", t, available)
	}
	return factory(cfg, logger), nil
}
