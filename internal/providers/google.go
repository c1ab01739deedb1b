package providers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/haasonsaas/pidgin/pkg/models"
)

// Google streams completions from Gemini models via the genai SDK.
// Thought parts are surfaced as thinking chunks when thinking is
// enabled on a supporting model.
type Google struct {
	client       *genai.Client
	defaultModel string
}

// GoogleConfig configures the Google provider.
type GoogleConfig struct {
	// APIKey is required.
	APIKey string

	// DefaultModel is used when a request does not name one.
	DefaultModel string
}

var _ Provider = (*Google)(nil)

// NewGoogle creates a Google provider.
func NewGoogle(config GoogleConfig) (*Google, error) {
	if config.APIKey == "" {
		return nil, errors.New("google: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, NewError("google", config.DefaultModel, err)
	}

	return &Google{
		client:       client,
		defaultModel: config.DefaultModel,
	}, nil
}

// Name returns "google".
func (p *Google) Name() string {
	return "google"
}

// ContextSize returns the model's context window. Gemini models carry a
// 1M token window.
func (p *Google) ContextSize(model string) int {
	return 1000000
}

// Stream sends a completion request and streams back response chunks.
func (p *Google) Stream(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	chunks := make(chan *Chunk)
	go func() {
		defer close(chunks)

		contents := convertGoogleMessages(req.Messages)
		config := p.buildConfig(req)

		send := func(c *Chunk) bool {
			select {
			case chunks <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var inputTokens, outputTokens, thinkingTokens int

		for resp, err := range p.client.Models.GenerateContentStream(ctx, model, contents, config) {
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				send(&Chunk{Err: p.wrapError(err, model)})
				return
			}
			if resp == nil {
				continue
			}

			if resp.UsageMetadata != nil {
				inputTokens = int(resp.UsageMetadata.PromptTokenCount)
				outputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
				thinkingTokens = int(resp.UsageMetadata.ThoughtsTokenCount)
			}

			for _, candidate := range resp.Candidates {
				if candidate == nil || candidate.Content == nil {
					continue
				}
				for _, part := range candidate.Content.Parts {
					if part == nil || part.Text == "" {
						continue
					}
					kind := KindResponse
					if part.Thought {
						kind = KindThinking
					}
					if !send(&Chunk{Kind: kind, Text: part.Text}) {
						return
					}
				}
			}
		}

		send(&Chunk{
			Done:           true,
			InputTokens:    inputTokens,
			OutputTokens:   outputTokens,
			ThinkingTokens: thinkingTokens,
		})
	}()
	return chunks, nil
}

func (p *Google) buildConfig(req *Request) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}

	if req.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens) // #nosec G115
	}
	if req.Temperature != nil {
		t := float32(*req.Temperature)
		config.Temperature = &t
	}
	if req.Thinking {
		budget := int32(req.ThinkingBudget) // #nosec G115
		tc := &genai.ThinkingConfig{IncludeThoughts: true}
		if budget > 0 {
			tc.ThinkingBudget = &budget
		}
		config.ThinkingConfig = tc
	}

	return config
}

// convertGoogleMessages maps the canonical history to Gemini content.
// Assistant turns use the "model" role, everything else is "user".
func convertGoogleMessages(messages []models.Message) []*genai.Content {
	result := make([]*genai.Content, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}
		role := genai.RoleUser
		if msg.Role == models.RoleAssistant {
			role = genai.RoleModel
		}
		result = append(result, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: msg.Content}},
		})
	}
	return result
}

func (p *Google) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := AsError(err); ok {
		return err
	}

	perr := NewError("google", model, err)

	// The genai SDK surfaces transport failures as plain errors, so the
	// status has to be sniffed from the message.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "unauthenticated"):
		perr = perr.WithStatus(http.StatusUnauthorized)
	case strings.Contains(msg, "403") || strings.Contains(msg, "permission denied"):
		perr = perr.WithStatus(http.StatusForbidden)
	case strings.Contains(msg, "429") || strings.Contains(msg, "resource exhausted"):
		perr = perr.WithStatus(http.StatusTooManyRequests)
	case strings.Contains(msg, "503"):
		perr = perr.WithStatus(http.StatusServiceUnavailable)
	case strings.Contains(msg, "500"):
		perr = perr.WithStatus(http.StatusInternalServerError)
	}

	return perr
}
