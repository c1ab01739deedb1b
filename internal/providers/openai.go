package providers

import (
	"context"
	"errors"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/pidgin/pkg/models"
)

// OpenAI streams completions from GPT models via the Chat Completions
// API. Unlike Anthropic, system prompts travel inside the messages
// array and usage arrives on the final chunk when requested through
// stream options.
type OpenAI struct {
	client       *openai.Client
	defaultModel string
}

// OpenAIConfig configures the OpenAI provider.
type OpenAIConfig struct {
	// APIKey is required. Format: sk-...
	APIKey string

	// DefaultModel is used when a request does not name one.
	DefaultModel string
}

var _ Provider = (*OpenAI)(nil)

// NewOpenAI creates an OpenAI provider.
func NewOpenAI(config OpenAIConfig) (*OpenAI, error) {
	if config.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "gpt-4o"
	}
	return &OpenAI{
		client:       openai.NewClient(config.APIKey),
		defaultModel: config.DefaultModel,
	}, nil
}

// Name returns "openai".
func (p *OpenAI) Name() string {
	return "openai"
}

// ContextSize returns the model's context window.
func (p *OpenAI) ContextSize(model string) int {
	return 128000
}

// Stream sends a completion request and streams back response chunks.
func (p *OpenAI) Stream(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	return streamChatCompletion(ctx, p.client, p.Name(), p.defaultModel, req)
}

// streamChatCompletion drives one Chat Completions stream. Shared by
// the OpenAI and xAI providers, which speak the same wire protocol.
func streamChatCompletion(ctx context.Context, client *openai.Client, provider, defaultModel string, req *Request) (<-chan *Chunk, error) {
	model := req.Model
	if model == "" {
		model = defaultModel
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: convertChatMessages(req.System, req.Messages),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		chatReq.Temperature = float32(*req.Temperature)
	}

	stream, err := client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, wrapOpenAIError(err, provider, model)
	}

	chunks := make(chan *Chunk)
	go func() {
		defer close(chunks)
		defer stream.Close()

		var inputTokens, outputTokens int
		emptyEvents := 0

		send := func(c *Chunk) bool {
			select {
			case chunks <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			response, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				send(&Chunk{
					Done:         true,
					InputTokens:  inputTokens,
					OutputTokens: outputTokens,
				})
				return
			}
			if err != nil {
				send(&Chunk{Err: wrapOpenAIError(err, provider, model)})
				return
			}

			if response.Usage != nil {
				inputTokens = response.Usage.PromptTokens
				outputTokens = response.Usage.CompletionTokens
			}

			if len(response.Choices) == 0 {
				emptyEvents++
				if emptyEvents >= maxEmptyStreamEvents {
					send(&Chunk{Err: NewError(provider, model,
						errors.New("stream flooded with empty responses"))})
					return
				}
				continue
			}
			emptyEvents = 0

			if text := response.Choices[0].Delta.Content; text != "" {
				if !send(&Chunk{Kind: KindResponse, Text: text}) {
					return
				}
			}
		}
	}()
	return chunks, nil
}

// convertChatMessages maps the canonical history to the Chat
// Completions message array, with the system prompt first.
func convertChatMessages(system string, messages []models.Message) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, msg := range messages {
		role := openai.ChatMessageRoleUser
		switch msg.Role {
		case models.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		case models.RoleSystem:
			role = openai.ChatMessageRoleSystem
		}
		result = append(result, openai.ChatCompletionMessage{
			Role:    role,
			Content: msg.Content,
		})
	}
	return result
}

func wrapOpenAIError(err error, provider, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := AsError(err); ok {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		perr := NewError(provider, model, err).WithStatus(apiErr.HTTPStatusCode)
		if apiErr.Message != "" {
			perr = perr.WithMessage(apiErr.Message)
		}
		if code, ok := apiErr.Code.(string); ok && code != "" {
			perr = perr.WithCode(code)
		}
		return perr
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return NewError(provider, model, err).WithStatus(reqErr.HTTPStatusCode)
	}

	return NewError(provider, model, err)
}
