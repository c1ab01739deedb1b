package providers

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/pidgin/pkg/models"
)

func TestClassifyReasons(t *testing.T) {
	cases := []struct {
		err  error
		want FailureReason
	}{
		{errors.New("429 too many requests"), ReasonRateLimit},
		{errors.New("overloaded_error: try again"), ReasonOverloaded},
		{errors.New("invalid api key provided"), ReasonAuth},
		{errors.New("prompt is too long: 210000 tokens"), ReasonContextLength},
		{errors.New("insufficient quota for this request"), ReasonQuota},
		{errors.New("503 service unavailable"), ReasonServerError},
		{context.DeadlineExceeded, ReasonTimeout},
		{errors.New("something odd happened"), ReasonUnknown},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Errorf("Classify(%q) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestReasonRetryability(t *testing.T) {
	retryable := []FailureReason{ReasonRateLimit, ReasonTimeout, ReasonServerError, ReasonOverloaded}
	for _, r := range retryable {
		if !r.IsRetryable() {
			t.Errorf("%s should be retryable", r)
		}
	}
	permanent := []FailureReason{ReasonAuth, ReasonQuota, ReasonContextLength, ReasonInvalidRequest, ReasonUnknown}
	for _, r := range permanent {
		if r.IsRetryable() {
			t.Errorf("%s should not be retryable", r)
		}
	}
}

func TestErrorClassificationPrecedence(t *testing.T) {
	// A vendor code should win over message sniffing.
	e := NewError("anthropic", "claude-3", errors.New("request failed")).
		WithStatus(529).
		WithCode("overloaded_error")
	if e.Reason != ReasonOverloaded {
		t.Errorf("reason = %s, want overloaded", e.Reason)
	}
	if !IsRetryable(e) {
		t.Error("overloaded error should be retryable")
	}
}

func TestRetryAfterHintSurvivesWrapping(t *testing.T) {
	base := NewError("openai", "gpt-4o", errors.New("429")).
		WithRetryAfter(7 * time.Second)
	wrapped := errors.Join(errors.New("attempt failed"), base)
	if got := RetryAfterHint(wrapped); got != 7*time.Second {
		t.Errorf("RetryAfterHint = %v, want 7s", got)
	}
}

func TestParseRetryAfterSeconds(t *testing.T) {
	if got := parseRetryAfter("2.5"); got != 2500*time.Millisecond {
		t.Errorf("parseRetryAfter(2.5) = %v", got)
	}
	if got := parseRetryAfter("garbage"); got != 0 {
		t.Errorf("parseRetryAfter(garbage) = %v, want 0", got)
	}
}

func TestInferProvider(t *testing.T) {
	cases := map[string]string{
		"claude-sonnet-4-20250514": "anthropic",
		"gpt-4o":                   "openai",
		"o3-mini":                  "openai",
		"gemini-2.0-flash":         "google",
		"grok-3":                   "xai",
		"test:parrot":              "test",
		"silent":                   "silent",
		"llama3.2":                 "ollama",
	}
	for model, want := range cases {
		if got := InferProvider(model); got != want {
			t.Errorf("InferProvider(%s) = %s, want %s", model, got, want)
		}
	}
}

func TestEstimateRequestTokensIncludesResponseBudget(t *testing.T) {
	req := &Request{
		System:    strings.Repeat("a", 400),
		Messages:  []models.Message{{Role: models.RoleUser, Content: strings.Repeat("b", 400)}},
		MaxTokens: 500,
	}
	got := EstimateRequestTokens(req)
	// 100 system + 100 content + 4 overhead + 500 budget
	if got != 704 {
		t.Errorf("EstimateRequestTokens = %d, want 704", got)
	}
}

func TestFitContextDropsOldestFirst(t *testing.T) {
	msgs := make([]models.Message, 10)
	for i := range msgs {
		msgs[i] = models.Message{
			Role:    models.RoleUser,
			Content: strings.Repeat("x", 4000), // ~1000 tokens each
		}
	}
	req := &Request{Messages: msgs, MaxTokens: 100}

	fitted, trunc := FitContext(req, 5000, true)
	if trunc == nil {
		t.Fatal("expected truncation")
	}
	if len(fitted) >= len(msgs) {
		t.Fatalf("nothing dropped: %d messages", len(fitted))
	}
	// Survivors must be the newest messages.
	if &fitted[len(fitted)-1] != &msgs[len(msgs)-1] {
		t.Error("newest message not preserved")
	}
	if trunc.MessagesDropped != len(msgs)-len(fitted) {
		t.Errorf("dropped = %d, retained %d of %d", trunc.MessagesDropped, len(fitted), len(msgs))
	}
}

func TestFitContextDisabledLeavesHistoryAlone(t *testing.T) {
	msgs := []models.Message{
		{Role: models.RoleUser, Content: strings.Repeat("x", 100000)},
		{Role: models.RoleAssistant, Content: strings.Repeat("y", 100000)},
		{Role: models.RoleUser, Content: strings.Repeat("z", 100000)},
	}
	req := &Request{Messages: msgs}
	fitted, trunc := FitContext(req, 1000, false)
	if trunc != nil || len(fitted) != 3 {
		t.Errorf("truncation ran while disabled: %v, %d messages", trunc, len(fitted))
	}
}

func TestFitContextKeepsFinalExchange(t *testing.T) {
	msgs := []models.Message{
		{Role: models.RoleUser, Content: strings.Repeat("a", 40000)},
		{Role: models.RoleAssistant, Content: strings.Repeat("b", 40000)},
	}
	req := &Request{Messages: msgs, MaxTokens: 100}
	fitted, _ := FitContext(req, 2000, true)
	if len(fitted) != 2 {
		t.Errorf("final exchange not preserved: %d messages", len(fitted))
	}
}

func TestTestProviderDeterministic(t *testing.T) {
	req := &Request{
		Model: "test",
		Messages: []models.Message{
			{Role: models.RoleUser, Content: "hello there, how are you today my friend"},
		},
	}

	collect := func() string {
		p := NewTest()
		ch, err := p.Stream(context.Background(), req)
		if err != nil {
			t.Fatalf("Stream: %v", err)
		}
		var sb strings.Builder
		for c := range ch {
			if c.Err != nil {
				t.Fatalf("chunk error: %v", c.Err)
			}
			if c.Kind == KindResponse {
				sb.WriteString(c.Text)
			}
		}
		return sb.String()
	}

	first, second := collect(), collect()
	if first != second {
		t.Errorf("nondeterministic responses:\n%q\n%q", first, second)
	}
	if !strings.Contains(first, "you said") {
		t.Errorf("response does not reference partner message: %q", first)
	}
}

func TestTestProviderParrot(t *testing.T) {
	p := NewTest()
	ch, err := p.Stream(context.Background(), &Request{
		Model: "test:parrot",
		Messages: []models.Message{
			{Role: models.RoleUser, Content: "echo this back"},
		},
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	var sb strings.Builder
	for c := range ch {
		sb.WriteString(c.Text)
	}
	if sb.String() != "echo this back" {
		t.Errorf("parrot said %q", sb.String())
	}
}

func TestTestProviderFailFirst(t *testing.T) {
	p := NewTest()
	p.FailFirst = 2

	for i := 0; i < 2; i++ {
		if _, err := p.Stream(context.Background(), &Request{Model: "test"}); err == nil {
			t.Fatalf("call %d: expected failure", i)
		} else if !IsRetryable(err) {
			t.Fatalf("call %d: injected failure should be retryable: %v", i, err)
		}
	}
	if _, err := p.Stream(context.Background(), &Request{Model: "test"}); err != nil {
		t.Fatalf("third call should succeed: %v", err)
	}
	if p.Calls() != 3 {
		t.Errorf("calls = %d, want 3", p.Calls())
	}
}

func TestSilentProviderEmptyResponse(t *testing.T) {
	p := NewSilent()
	ch, err := p.Stream(context.Background(), &Request{Model: "silent"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	var chunks []*Chunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	if len(chunks) != 1 || !chunks[0].Done {
		t.Fatalf("want exactly one Done chunk, got %d", len(chunks))
	}
	if chunks[0].Text != "" {
		t.Errorf("silent provider produced text %q", chunks[0].Text)
	}
}
