package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/haasonsaas/pidgin/pkg/models"
)

// Ollama streams completions from a local Ollama server over its
// newline-delimited JSON chat API. No API key is needed and rate
// limiting is disabled for this provider.
type Ollama struct {
	client       *http.Client
	baseURL      string
	defaultModel string
}

// OllamaConfig configures the Ollama provider.
type OllamaConfig struct {
	// BaseURL defaults to http://localhost:11434.
	BaseURL string

	// DefaultModel is used when a request does not name one.
	DefaultModel string

	// Timeout bounds a single request, default 10 minutes. Local
	// models on modest hardware stream slowly.
	Timeout time.Duration
}

var _ Provider = (*Ollama)(nil)

// NewOllama creates an Ollama provider.
func NewOllama(config OllamaConfig) *Ollama {
	baseURL := strings.TrimRight(strings.TrimSpace(config.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Ollama{
		client:       &http.Client{Timeout: timeout},
		baseURL:      baseURL,
		defaultModel: strings.TrimSpace(config.DefaultModel),
	}
}

// Name returns "ollama".
func (p *Ollama) Name() string {
	return "ollama"
}

// ContextSize returns a conservative window for local models.
func (p *Ollama) ContextSize(model string) int {
	return 8192
}

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Options  map[string]any      `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done            bool   `json:"done"`
	Error           string `json:"error"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

// Stream sends a chat request and streams back response chunks.
func (p *Ollama) Stream(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	if model == "" {
		return nil, NewError("ollama", "", fmt.Errorf("no model specified"))
	}

	chatReq := ollamaChatRequest{
		Model:    model,
		Messages: convertOllamaMessages(req.System, req.Messages),
		Stream:   true,
	}
	options := map[string]any{}
	if req.Temperature != nil {
		options["temperature"] = *req.Temperature
	}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	if len(options) > 0 {
		chatReq.Options = options
	}

	body, err := json.Marshal(chatReq)
	if err != nil {
		return nil, NewError("ollama", model, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, NewError("ollama", model, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, NewError("ollama", model, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, NewError("ollama", model,
			fmt.Errorf("ollama returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))).
			WithStatus(resp.StatusCode)
	}

	chunks := make(chan *Chunk)
	go func() {
		defer close(chunks)
		defer resp.Body.Close()

		send := func(c *Chunk) bool {
			select {
			case chunks <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}

			var chat ollamaChatResponse
			if err := json.Unmarshal(line, &chat); err != nil {
				send(&Chunk{Err: NewError("ollama", model,
					fmt.Errorf("malformed stream line: %w", err))})
				return
			}
			if chat.Error != "" {
				send(&Chunk{Err: NewError("ollama", model, fmt.Errorf("%s", chat.Error))})
				return
			}
			if chat.Message.Content != "" {
				if !send(&Chunk{Kind: KindResponse, Text: chat.Message.Content}) {
					return
				}
			}
			if chat.Done {
				send(&Chunk{
					Done:         true,
					InputTokens:  chat.PromptEvalCount,
					OutputTokens: chat.EvalCount,
				})
				return
			}
		}

		if err := scanner.Err(); err != nil {
			send(&Chunk{Err: NewError("ollama", model, err)})
			return
		}
		send(&Chunk{Done: true, TokensEstimated: true})
	}()
	return chunks, nil
}

func convertOllamaMessages(system string, messages []models.Message) []ollamaChatMessage {
	result := make([]ollamaChatMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, ollamaChatMessage{Role: "system", Content: system})
	}
	for _, msg := range messages {
		result = append(result, ollamaChatMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}
	return result
}
