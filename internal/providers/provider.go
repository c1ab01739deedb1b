// Package providers implements LLM provider integrations for pidgin
// conversations.
//
// Each provider converts the canonical message history into its vendor's
// API format, streams the response back as chunks, and classifies
// failures into the shared error taxonomy. Providers are stateless and
// safe for concurrent use; each Stream call creates an independent
// goroutine that owns the returned channel and closes it when the
// response completes or fails.
package providers

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/haasonsaas/pidgin/pkg/models"
)

// ChunkKind distinguishes visible response text from extended thinking.
type ChunkKind string

const (
	KindResponse ChunkKind = "response"
	KindThinking ChunkKind = "thinking"
)

// Request is a provider-agnostic completion request. Messages carry
// provider-facing roles: the receiving agent's own prior messages are
// "assistant", the partner's are "user". System prompts travel in the
// System field, never in Messages.
type Request struct {
	Model    string
	System   string
	Messages []models.Message

	// MaxTokens caps the visible response length. Zero means the
	// provider default.
	MaxTokens int

	// Temperature is nil for the vendor default.
	Temperature *float64

	// Thinking enables extended reasoning on models that support it.
	// ThinkingBudget is the reasoning token cap, zero for the default.
	Thinking       bool
	ThinkingBudget int

	// AgentID and Turn identify the requesting agent for event
	// emission. Providers ignore them.
	AgentID models.AgentID
	Turn    int
}

// Chunk is one unit of a streaming response. Exactly one of Text, Done,
// or Err is meaningful per chunk: text chunks carry incremental content,
// the final chunk has Done set with token usage, and a failed stream
// ends with Err set.
type Chunk struct {
	Kind ChunkKind
	Text string

	Done bool

	// Token usage, populated on the Done chunk. TokensEstimated is set
	// when the vendor reported no usage and the counts are derived from
	// text length.
	InputTokens     int
	OutputTokens    int
	ThinkingTokens  int
	TokensEstimated bool

	Err error
}

// Provider streams completions for one vendor.
type Provider interface {
	// Name returns the stable lowercase provider identifier used for
	// rate limiting, routing, and events.
	Name() string

	// ContextSize returns the model's context window in tokens.
	ContextSize(model string) int

	// Stream sends a completion request and returns a channel of
	// response chunks. The channel is closed after the Done or Err
	// chunk. An error return means the request could not be started.
	Stream(ctx context.Context, req *Request) (<-chan *Chunk, error)
}

// charsPerToken is the character-based token approximation used for
// admission estimates and context budgeting. English text averages
// about four characters per token across the supported vendors.
const charsPerToken = 4

// EstimateTokens approximates the token count of a text.
func EstimateTokens(text string) int {
	return len(text) / charsPerToken
}

// EstimateRequestTokens approximates total request cost for rate limit
// admission: prompt tokens plus the response budget.
func EstimateRequestTokens(req *Request) int {
	total := EstimateTokens(req.System)
	for _, m := range req.Messages {
		total += EstimateTokens(m.Content) + 4 // role overhead
	}
	if req.MaxTokens > 0 {
		total += req.MaxTokens
	} else {
		total += defaultMaxTokens
	}
	return total
}

// defaultMaxTokens caps responses when the request does not specify.
const defaultMaxTokens = 4096

// APIKeyEnv maps provider names to their API key environment variables.
// Providers absent from the map need no key.
var APIKeyEnv = map[string]string{
	"anthropic": "ANTHROPIC_API_KEY",
	"openai":    "OPENAI_API_KEY",
	"google":    "GEMINI_API_KEY",
	"xai":       "XAI_API_KEY",
}

// InferProvider maps a model name to its provider.
func InferProvider(model string) string {
	m := strings.ToLower(model)
	switch {
	case strings.HasPrefix(m, "claude"):
		return "anthropic"
	case strings.HasPrefix(m, "gpt") || strings.HasPrefix(m, "o1") ||
		strings.HasPrefix(m, "o3") || strings.HasPrefix(m, "o4") ||
		strings.HasPrefix(m, "chatgpt"):
		return "openai"
	case strings.HasPrefix(m, "gemini"):
		return "google"
	case strings.HasPrefix(m, "grok"):
		return "xai"
	case strings.HasPrefix(m, "test"):
		return "test"
	case strings.HasPrefix(m, "silent"):
		return "silent"
	default:
		return "ollama"
	}
}

// New constructs the named provider, reading API keys from the
// environment. Local and synthetic providers need no key.
func New(provider string) (Provider, error) {
	switch provider {
	case "anthropic":
		return NewAnthropic(AnthropicConfig{APIKey: os.Getenv("ANTHROPIC_API_KEY")})
	case "openai":
		return NewOpenAI(OpenAIConfig{APIKey: os.Getenv("OPENAI_API_KEY")})
	case "google":
		return NewGoogle(GoogleConfig{APIKey: os.Getenv("GEMINI_API_KEY")})
	case "xai":
		return NewXAI(XAIConfig{APIKey: os.Getenv("XAI_API_KEY")})
	case "ollama":
		return NewOllama(OllamaConfig{BaseURL: os.Getenv("OLLAMA_HOST")}), nil
	case "test":
		return NewTest(), nil
	case "silent":
		return NewSilent(), nil
	default:
		return nil, fmt.Errorf("providers: unknown provider %q", provider)
	}
}

// ForModel constructs the provider serving a model name.
func ForModel(model string) (Provider, error) {
	return New(InferProvider(model))
}
