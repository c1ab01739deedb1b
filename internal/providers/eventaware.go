package providers

import (
	"context"
	"time"

	"github.com/haasonsaas/pidgin/internal/backoff"
	"github.com/haasonsaas/pidgin/internal/observability"
	"github.com/haasonsaas/pidgin/internal/ratelimit"
	"github.com/haasonsaas/pidgin/pkg/models"
)

// defaultCallTimeout bounds one provider call including streaming.
const defaultCallTimeout = 10 * time.Minute

// EmitFunc publishes an event payload on behalf of the wrapped call.
// The bus assigns sequence numbers and timestamps.
type EmitFunc func(p models.Payload)

// EventAware decorates a Provider with the full call pipeline: context
// window fitting, rate limit admission, retry with backoff, and event
// emission for every observable step. Chunks are forwarded unchanged so
// callers can assemble the message while the decorator records it.
//
// Retries only cover failures before any response content arrives. Once
// a stream has produced visible text, a mid-stream failure is surfaced
// rather than silently replaying a partial message.
type EventAware struct {
	inner   Provider
	limiter *ratelimit.Limiter
	emit    EmitFunc

	policy  backoff.Policy
	timeout time.Duration

	allowTruncation bool

	metrics *observability.Metrics
	log     *observability.Logger
}

// EventAwareConfig configures the decorator.
type EventAwareConfig struct {
	// Limiter is the shared per-provider limiter. Required.
	Limiter *ratelimit.Limiter

	// Emit publishes event payloads. Required.
	Emit EmitFunc

	// AllowTruncation permits dropping oldest history to fit the
	// context window instead of letting the vendor reject the call.
	AllowTruncation bool

	// Timeout bounds one call, default 10 minutes.
	Timeout time.Duration

	// Policy overrides the retry policy, zero value for the default.
	Policy backoff.Policy

	// Metrics and Log are optional.
	Metrics *observability.Metrics
	Log     *observability.Logger
}

var _ Provider = (*EventAware)(nil)

// NewEventAware wraps a provider with the call pipeline.
func NewEventAware(inner Provider, config EventAwareConfig) *EventAware {
	policy := config.Policy
	if policy.MaxAttempts == 0 {
		policy = backoff.ProviderPolicy()
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	log := config.Log
	if log == nil {
		log = observability.FromEnv()
	}
	return &EventAware{
		inner:           inner,
		limiter:         config.Limiter,
		emit:            config.Emit,
		policy:          policy,
		timeout:         timeout,
		allowTruncation: config.AllowTruncation,
		metrics:         config.Metrics,
		log:             log,
	}
}

// Name returns the wrapped provider's name.
func (p *EventAware) Name() string {
	return p.inner.Name()
}

// ContextSize returns the wrapped provider's context window.
func (p *EventAware) ContextSize(model string) int {
	return p.inner.ContextSize(model)
}

// Stream runs the full call pipeline and forwards the inner provider's
// chunks. The final Done chunk always carries token usage, estimated
// from text length when the vendor reported none.
func (p *EventAware) Stream(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	out := make(chan *Chunk)
	go func() {
		defer close(out)
		p.run(ctx, req, out)
	}()
	return out, nil
}

func (p *EventAware) run(ctx context.Context, req *Request, out chan<- *Chunk) {
	fitted := *req
	if trimmed, trunc := FitContext(req, p.inner.ContextSize(req.Model), p.allowTruncation); trunc != nil {
		fitted.Messages = trimmed
		p.emit(&models.ContextTruncationPayload{
			AgentID:          req.AgentID,
			TurnNumber:       req.Turn,
			OriginalMessages: len(req.Messages),
			RetainedMessages: len(trimmed),
			DroppedMessages:  trunc.MessagesDropped,
			EstimatedTokens:  EstimateRequestTokens(req),
			MaxTokens:        p.inner.ContextSize(req.Model),
		})
		p.log.Warn(ctx, "context truncated",
			"agent", req.AgentID,
			"dropped_messages", trunc.MessagesDropped,
			"dropped_tokens", trunc.TokensDropped)
	}

	p.emit(&models.MessageRequestPayload{
		AgentID:     req.AgentID,
		TurnNumber:  req.Turn,
		Provider:    p.inner.Name(),
		Model:       req.Model,
		Temperature: req.Temperature,
	})

	estimated := EstimateRequestTokens(&fitted)
	started := time.Now()

	var (
		response     []byte
		thinking     []byte
		chunkIndex   int
		thinkIndex   int
		thinkStarted time.Time
		usage        Chunk
	)

	attempt := func(attemptNo int) error {
		callCtx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()

		if p.limiter != nil {
			err := p.limiter.Acquire(callCtx, estimated, func(provider string, wait time.Duration) {
				p.emit(&models.RateLimitPacePayload{
					Provider: provider,
					WaitMs:   wait.Milliseconds(),
					Reason:   "pace",
				})
				if p.metrics != nil {
					p.metrics.RateLimitWaits.WithLabelValues(provider).Inc()
				}
			})
			if err != nil {
				return p.timeoutError(ctx, callCtx, err, req)
			}
		}

		stream, err := p.inner.Stream(callCtx, &fitted)
		if err != nil {
			return p.timeoutError(ctx, callCtx, err, req)
		}

		for chunk := range stream {
			switch {
			case chunk.Err != nil:
				if len(response) > 0 || len(thinking) > 0 {
					// Content already delivered; replaying would
					// duplicate it downstream.
					return &partialStreamError{cause: chunk.Err}
				}
				return p.timeoutError(ctx, callCtx, chunk.Err, req)

			case chunk.Done:
				usage = *chunk
				return nil

			case chunk.Kind == KindThinking:
				if thinkStarted.IsZero() {
					thinkStarted = time.Now()
				}
				thinking = append(thinking, chunk.Text...)
				p.emit(&models.ThinkingChunkPayload{
					AgentID:    req.AgentID,
					TurnNumber: req.Turn,
					Content:    chunk.Text,
					ChunkIndex: thinkIndex,
				})
				thinkIndex++
				p.forward(ctx, out, chunk)

			default:
				response = append(response, chunk.Text...)
				p.emit(&models.MessageChunkPayload{
					AgentID:    req.AgentID,
					TurnNumber: req.Turn,
					Content:    chunk.Text,
					ChunkIndex: chunkIndex,
				})
				chunkIndex++
				p.forward(ctx, out, chunk)
			}
		}
		// Channel closed without Done or Err. Treat as a completed
		// response with estimated usage.
		usage = Chunk{Done: true, TokensEstimated: true}
		return nil
	}

	err := backoff.Retry(ctx, p.policy, attempt,
		func(err error) bool {
			if _, partial := err.(*partialStreamError); partial {
				return false
			}
			return IsRetryable(err)
		},
		RetryAfterHint,
		func(w backoff.WaitInfo) {
			if p.limiter != nil {
				if hint := RetryAfterHint(w.Err); hint > 0 {
					p.limiter.ApplyHint(hint)
				}
			}
			p.emit(&models.RateLimitPacePayload{
				Provider: p.inner.Name(),
				WaitMs:   w.Delay.Milliseconds(),
				Reason:   "retry_backoff",
				Attempt:  w.Attempt,
			})
			if p.metrics != nil {
				p.metrics.ProviderRetries.WithLabelValues(
					p.inner.Name(), string(ReasonOf(w.Err))).Inc()
			}
			p.log.Warn(ctx, "provider call failed, backing off",
				"provider", p.inner.Name(),
				"attempt", w.Attempt,
				"delay", w.Delay,
				"reason", ReasonOf(w.Err),
				"error", w.Err)
		},
	)

	duration := time.Since(started)
	if p.metrics != nil {
		p.metrics.RequestDuration.WithLabelValues(p.inner.Name(), req.Model).
			Observe(duration.Seconds())
	}

	if err != nil {
		if pe, ok := err.(*partialStreamError); ok {
			err = pe.cause
		}
		p.fail(ctx, req, err)
		p.forward(ctx, out, &Chunk{Err: err})
		return
	}

	if usage.InputTokens == 0 && usage.OutputTokens == 0 {
		usage.InputTokens = estimated
		usage.OutputTokens = EstimateTokens(string(response))
		usage.TokensEstimated = true
	}
	if p.limiter != nil {
		p.limiter.Record(estimated, usage.InputTokens+usage.OutputTokens)
	}
	if p.metrics != nil {
		p.metrics.ProviderRequests.WithLabelValues(p.inner.Name(), req.Model, "ok").Inc()
		p.metrics.TokensUsed.WithLabelValues(p.inner.Name(), req.Model, "input").
			Add(float64(usage.InputTokens))
		p.metrics.TokensUsed.WithLabelValues(p.inner.Name(), req.Model, "output").
			Add(float64(usage.OutputTokens))
	}

	if len(thinking) > 0 {
		thinkDuration := time.Since(thinkStarted)
		p.emit(&models.ThinkingCompletePayload{
			AgentID:        req.AgentID,
			TurnNumber:     req.Turn,
			Content:        string(thinking),
			ThinkingTokens: usage.ThinkingTokens,
			DurationMs:     thinkDuration.Milliseconds(),
		})
	}

	p.emit(&models.MessageCompletePayload{
		AgentID:         req.AgentID,
		TurnNumber:      req.Turn,
		Content:         string(response),
		Model:           req.Model,
		InputTokens:     usage.InputTokens,
		OutputTokens:    usage.OutputTokens,
		TokensEstimated: usage.TokensEstimated,
		DurationMs:      duration.Milliseconds(),
	})

	p.forward(ctx, out, &Chunk{
		Done:            true,
		InputTokens:     usage.InputTokens,
		OutputTokens:    usage.OutputTokens,
		ThinkingTokens:  usage.ThinkingTokens,
		TokensEstimated: usage.TokensEstimated,
	})
}

// timeoutError converts a call-context deadline into a timeout failure
// and emits the provider_timeout event. Other errors pass through.
func (p *EventAware) timeoutError(ctx, callCtx context.Context, err error, req *Request) error {
	if callCtx.Err() != nil && ctx.Err() == nil {
		p.emit(&models.ProviderTimeoutPayload{
			AgentID:        req.AgentID,
			TurnNumber:     req.Turn,
			Provider:       p.inner.Name(),
			TimeoutSeconds: p.timeout.Seconds(),
		})
		return &Error{
			Reason:   ReasonTimeout,
			Provider: p.inner.Name(),
			Model:    req.Model,
			Message:  "provider call exceeded deadline",
			Cause:    err,
		}
	}
	return err
}

func (p *EventAware) fail(ctx context.Context, req *Request, err error) {
	reason := ReasonOf(err)
	message := err.Error()
	if pe, ok := AsError(err); ok && pe.Message != "" {
		message = pe.Message
	}
	p.emit(&models.APIErrorPayload{
		AgentID:    req.AgentID,
		TurnNumber: req.Turn,
		Provider:   p.inner.Name(),
		Model:      req.Model,
		Reason:     string(reason),
		Message:    message,
		Retryable:  reason.IsRetryable(),
	})
	if p.metrics != nil {
		p.metrics.ProviderRequests.WithLabelValues(p.inner.Name(), req.Model, "error").Inc()
	}
	p.log.Error(ctx, "provider call failed",
		"provider", p.inner.Name(),
		"model", req.Model,
		"reason", reason,
		"error", err)
}

func (p *EventAware) forward(ctx context.Context, out chan<- *Chunk, c *Chunk) {
	select {
	case out <- c:
	case <-ctx.Done():
	}
}

// partialStreamError marks a failure after content was delivered, which
// must not be retried.
type partialStreamError struct {
	cause error
}

func (e *partialStreamError) Error() string {
	return "stream failed after partial content: " + e.cause.Error()
}

func (e *partialStreamError) Unwrap() error {
	return e.cause
}
