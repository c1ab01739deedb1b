package providers

import (
	"context"
	"errors"

	openai "github.com/sashabaranov/go-openai"
)

// xaiBaseURL is xAI's OpenAI-compatible endpoint.
const xaiBaseURL = "https://api.x.ai/v1"

// XAI streams completions from Grok models. xAI exposes an
// OpenAI-compatible API, so this provider reuses the Chat Completions
// client with a different base URL.
type XAI struct {
	client       *openai.Client
	defaultModel string
}

// XAIConfig configures the xAI provider.
type XAIConfig struct {
	// APIKey is required. Format: xai-...
	APIKey string

	// BaseURL overrides the API endpoint.
	BaseURL string

	// DefaultModel is used when a request does not name one.
	DefaultModel string
}

var _ Provider = (*XAI)(nil)

// NewXAI creates an xAI provider.
func NewXAI(config XAIConfig) (*XAI, error) {
	if config.APIKey == "" {
		return nil, errors.New("xai: API key is required")
	}
	if config.BaseURL == "" {
		config.BaseURL = xaiBaseURL
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "grok-3"
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	clientConfig.BaseURL = config.BaseURL

	return &XAI{
		client:       openai.NewClientWithConfig(clientConfig),
		defaultModel: config.DefaultModel,
	}, nil
}

// Name returns "xai".
func (p *XAI) Name() string {
	return "xai"
}

// ContextSize returns the model's context window.
func (p *XAI) ContextSize(model string) int {
	return 131072
}

// Stream sends a completion request and streams back response chunks.
func (p *XAI) Stream(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	return streamChatCompletion(ctx, p.client, p.Name(), p.defaultModel, req)
}
