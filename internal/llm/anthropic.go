package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicModel = "claude-sonnet-4-20250514"

// AnthropicConfig configures the Anthropic provider.
type AnthropicConfig struct {
	// APIKey authenticates against the Anthropic API.
	APIKey string

	// BaseURL overrides the API endpoint. Optional.
	BaseURL string

	// DefaultModel is used when a request does not name a model.
	DefaultModel string

	// DefaultMaxTokens is used when a request does not set MaxTokens.
	DefaultMaxTokens int
}

// AnthropicProvider implements Provider over the Anthropic Messages API.
type AnthropicProvider struct {
	client           anthropic.Client
	defaultModel     string
	defaultMaxTokens int
}

// NewAnthropicProvider creates an Anthropic-backed provider.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic api key is required")
	}

	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}

	model := cfg.DefaultModel
	if model == "" {
		model = defaultAnthropicModel
	}
	maxTokens := cfg.DefaultMaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	return &AnthropicProvider{
		client:           anthropic.NewClient(options...),
		defaultModel:     model,
		defaultMaxTokens: maxTokens,
	}, nil
}

// Name returns "anthropic".
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Complete issues one Messages API call and concatenates the text blocks of
// the reply.
func (p *AnthropicProvider) Complete(ctx context.Context, req *Request) (string, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
		Temperature: anthropic.Float(float64(req.Temperature)),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return "", &ProviderError{Provider: p.Name(), Cause: err}
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}
