// Package anthropic implements the provider interface on the Anthropic
// Messages API via github.com/anthropics/anthropic-sdk-go.
package anthropic

import (
	"context"
	"fmt"
	"os"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/stepline/stepline/internal/domain/service"
	llm "github.com/stepline/stepline/internal/infrastructure/llm"
)

func init() {
	llm.RegisterFactory("anthropic", func(cfg llm.ProviderConfig, logger *zap.Logger) llm.Provider {
		return New(cfg, logger)
	})
}

// MessagesClient is the subset of the SDK client the provider uses.
// Satisfied by *sdk.MessageService; tests substitute a fake.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Extended thinking needs budget headroom under max_tokens;
// defaultMaxTokens leaves ample room for the high-effort budget.
const (
	defaultMaxTokens   = 8192
	highThinkingBudget = 4096
)

// Provider adapts the Anthropic Messages API to the provider interface.
type Provider struct {
	name     string
	models   []string
	messages MessagesClient
	hasKey   bool
	logger   *zap.Logger
}

// New creates an Anthropic provider. A missing API key leaves the
// provider registered but unavailable.
func New(cfg llm.ProviderConfig, logger *zap.Logger) *Provider {
	apiKey := cfg.APIKey
	if apiKey == "" && cfg.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.APIKeyEnv)
	}

	p := &Provider{
		name:   cfg.Name,
		models: cfg.Models,
		hasKey: apiKey != "",
		logger: logger.With(zap.String("provider", cfg.Name), zap.String("type", "anthropic")),
	}

	if apiKey != "" {
		opts := []option.RequestOption{option.WithAPIKey(apiKey)}
		if cfg.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(cfg.BaseURL))
		}
		client := sdk.NewClient(opts...)
		p.messages = &client.Messages
	}
	return p
}

// NewWithMessages builds a provider around an existing messages client;
// used by tests.
func NewWithMessages(name string, models []string, messages MessagesClient, logger *zap.Logger) *Provider {
	return &Provider{
		name:     name,
		models:   models,
		messages: messages,
		hasKey:   messages != nil,
		logger:   logger.With(zap.String("provider", name), zap.String("type", "anthropic")),
	}
}

var _ llm.Provider = (*Provider)(nil)

func (p *Provider) Name() string     { return p.name }
func (p *Provider) Models() []string { return p.models }

func (p *Provider) SupportsModel(model string) bool {
	model = llm.StripProviderPrefix(model, p.name)
	if len(p.models) == 0 {
		return true
	}
	for _, m := range p.models {
		if m == model {
			return true
		}
	}
	return false
}

func (p *Provider) IsAvailable(ctx context.Context) bool {
	return p.hasKey && p.messages != nil
}

// Complete issues one Messages.New call and flattens the text blocks
// of the reply.
func (p *Provider) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	if p.messages == nil {
		return nil, fmt.Errorf("anthropic provider %q has no credentials", p.name)
	}

	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	msg, err := p.messages.New(ctx, *params)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages.new: %w", err)
	}
	if msg == nil {
		return nil, fmt.Errorf("anthropic: response message is nil")
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}

	return &llm.Response{
		Content: sb.String(),
		Model:   string(msg.Model),
		Usage: service.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}, nil
}

func (p *Provider) buildParams(req *llm.Request) (*sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("anthropic: messages are required")
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	var system []sdk.TextBlockParam
	var conversation []sdk.MessageParam

	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = append(system, sdk.TextBlockParam{Text: m.Content})
		case "assistant":
			conversation = append(conversation, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}
	if len(conversation) == 0 {
		return nil, fmt.Errorf("anthropic: at least one non-system message is required")
	}

	params := &sdk.MessageNewParams{
		Model:     sdk.Model(llm.StripProviderPrefix(req.Model, p.name)),
		MaxTokens: int64(maxTokens),
		Messages:  conversation,
	}
	if len(system) > 0 {
		params.System = system
	}

	// Extended thinking rejects an explicit temperature, so high effort
	// trades the sampling knob for a thinking budget.
	if req.Effort == llm.EffortHigh {
		params.Thinking = sdk.ThinkingConfigParamOfEnabled(highThinkingBudget)
	} else if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}

	return params, nil
}
