package llm

import (
	"context"
	"errors"

	openai "github.com/sashabaranov/go-openai"
)

const defaultOpenAIModel = openai.GPT4o

// OpenAIConfig configures the OpenAI provider.
type OpenAIConfig struct {
	// APIKey authenticates against the OpenAI API.
	APIKey string

	// BaseURL overrides the API endpoint, e.g. for compatible gateways.
	BaseURL string

	// DefaultModel is used when a request does not name a model.
	DefaultModel string

	// DefaultMaxTokens is used when a request does not set MaxTokens.
	DefaultMaxTokens int
}

// OpenAIProvider implements Provider over the OpenAI chat completions API.
// Responses are requested in JSON mode since every engine prompt expects a
// structured object back.
type OpenAIProvider struct {
	client           *openai.Client
	defaultModel     string
	defaultMaxTokens int
}

// NewOpenAIProvider creates an OpenAI-backed provider.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api key is required")
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	model := cfg.DefaultModel
	if model == "" {
		model = defaultOpenAIModel
	}
	maxTokens := cfg.DefaultMaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	return &OpenAIProvider{
		client:           openai.NewClientWithConfig(clientCfg),
		defaultModel:     model,
		defaultMaxTokens: maxTokens,
	}, nil
}

// Name returns "openai".
func (p *OpenAIProvider) Name() string { return "openai" }

// Complete issues one chat completion call in JSON mode.
func (p *OpenAIProvider) Complete(ctx context.Context, req *Request) (string, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.defaultMaxTokens
	}

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return "", &ProviderError{Provider: p.Name(), Cause: err}
	}
	if len(resp.Choices) == 0 {
		return "", &ProviderError{Provider: p.Name(), Cause: errors.New("empty choices in response")}
	}
	return resp.Choices[0].Message.Content, nil
}
