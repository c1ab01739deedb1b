package providers

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/haasonsaas/pidgin/pkg/models"
)

// Test is a deterministic offline provider for experiments and tests.
// Responses are derived from the request alone, so two runs with the
// same inputs produce identical transcripts.
//
// Model variants select behavior:
//
//	test            numbered replies quoting the partner's last words
//	test:parrot     repeats the partner's last message verbatim
//	test:thinking   prefixes each reply with a thinking chunk
type Test struct {
	mu sync.Mutex

	// FailFirst makes the next n Stream calls fail with FailWith
	// before succeeding. Used to exercise retry paths.
	FailFirst int
	// FailWith is the error returned while FailFirst is positive.
	// Defaults to a retryable overloaded error.
	FailWith error

	calls int
}

var _ Provider = (*Test)(nil)

// NewTest creates a test provider.
func NewTest() *Test {
	return &Test{}
}

// Name returns "test".
func (p *Test) Name() string {
	return "test"
}

// ContextSize returns a small window so truncation paths are reachable
// in tests.
func (p *Test) ContextSize(model string) int {
	return 8192
}

// Calls reports how many Stream calls have been made.
func (p *Test) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Stream produces a deterministic streamed response.
func (p *Test) Stream(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	p.mu.Lock()
	p.calls++
	if p.FailFirst > 0 {
		p.FailFirst--
		err := p.FailWith
		p.mu.Unlock()
		if err == nil {
			err = &Error{Reason: ReasonOverloaded, Provider: "test", Model: req.Model, Message: "synthetic overload"}
		}
		return nil, err
	}
	p.mu.Unlock()

	text := p.compose(req)

	chunks := make(chan *Chunk)
	go func() {
		defer close(chunks)

		send := func(c *Chunk) bool {
			select {
			case chunks <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if strings.HasSuffix(req.Model, ":thinking") || req.Thinking {
			if !send(&Chunk{Kind: KindThinking, Text: "Considering what to say next."}) {
				return
			}
		}

		// Stream word by word to exercise chunk assembly.
		words := strings.Fields(text)
		for i, w := range words {
			if i > 0 {
				w = " " + w
			}
			if !send(&Chunk{Kind: KindResponse, Text: w}) {
				return
			}
		}

		input := EstimateTokens(req.System)
		for _, m := range req.Messages {
			input += EstimateTokens(m.Content)
		}
		send(&Chunk{
			Done:         true,
			InputTokens:  input,
			OutputTokens: EstimateTokens(text),
		})
	}()
	return chunks, nil
}

func (p *Test) compose(req *Request) string {
	last := ""
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == models.RoleUser {
			last = req.Messages[i].Content
			break
		}
	}

	if strings.HasPrefix(req.Model, "test:parrot") {
		if last == "" {
			return "Nothing to repeat yet."
		}
		return last
	}

	turn := len(req.Messages)/2 + 1
	if last == "" {
		return fmt.Sprintf("Reply %d: starting the conversation.", turn)
	}
	tail := last
	if words := strings.Fields(last); len(words) > 6 {
		tail = strings.Join(words[len(words)-6:], " ")
	}
	return fmt.Sprintf("Reply %d: you said %q.", turn, tail)
}

// Silent is a provider that always answers with an empty response. It
// exists to drive conversations through every structural phase with no
// content at all, which is useful for scheduler and pipeline tests.
type Silent struct{}

var _ Provider = (*Silent)(nil)

// NewSilent creates a silent provider.
func NewSilent() *Silent {
	return &Silent{}
}

// Name returns "silent".
func (p *Silent) Name() string {
	return "silent"
}

// ContextSize returns a nominal window.
func (p *Silent) ContextSize(model string) int {
	return 8192
}

// Stream immediately completes with an empty response.
func (p *Silent) Stream(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	chunks := make(chan *Chunk, 1)
	chunks <- &Chunk{Done: true, TokensEstimated: true}
	close(chunks)
	return chunks, nil
}
