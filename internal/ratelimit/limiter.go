// Package ratelimit provides per-provider request and token pacing shared
// across concurrent conversations.
package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// PaceThreshold is the minimum sleep worth announcing as a pace event.
const PaceThreshold = 100 * time.Millisecond

// Config configures one provider's limits.
type Config struct {
	// RequestsPerMinute is the sustained request rate. <= 0 disables the
	// request dimension.
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	// TokensPerMinute is the sustained token throughput. <= 0 disables
	// the token dimension.
	TokensPerMinute float64 `yaml:"tokens_per_minute"`
	// Enabled is the master switch; a disabled limiter admits instantly.
	Enabled bool `yaml:"enabled"`
}

// DefaultConfigs returns the built-in per-provider limits.
func DefaultConfigs() map[string]Config {
	return map[string]Config{
		"anthropic": {RequestsPerMinute: 50, TokensPerMinute: 160000, Enabled: true},
		"openai":    {RequestsPerMinute: 60, TokensPerMinute: 150000, Enabled: true},
		"google":    {RequestsPerMinute: 60, TokensPerMinute: 240000, Enabled: true},
		"xai":       {RequestsPerMinute: 60, TokensPerMinute: 120000, Enabled: true},
		"ollama":    {Enabled: false},
		"test":      {Enabled: false},
		"silent":    {Enabled: false},
	}
}

// bucket is a single-dimension token bucket. Callers hold the limiter
// mutex; bucket methods do not lock.
type bucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newBucket(perMinute float64, now time.Time) *bucket {
	burst := perMinute / 6 // allow ~10s of burst
	if burst < 1 {
		burst = 1
	}
	return &bucket{
		tokens:     burst,
		maxTokens:  burst,
		refillRate: perMinute / 60,
		lastRefill: now,
	}
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.lastRefill = now
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
}

// waitFor returns how long until n tokens are available.
func (b *bucket) waitFor(n float64, now time.Time) time.Duration {
	b.refill(now)
	if b.tokens >= n {
		return 0
	}
	missing := n - b.tokens
	return time.Duration(missing / b.refillRate * float64(time.Second))
}

func (b *bucket) take(n float64, now time.Time) {
	b.refill(now)
	b.tokens -= n
	// Debt below zero is allowed: a large request simply pushes the next
	// caller's wait out further.
}

// PaceFunc is invoked before a limiter sleep at or above PaceThreshold.
type PaceFunc func(provider string, wait time.Duration)

// Limiter paces one provider's requests and tokens. It is shared by
// reference across all conversations touching that provider.
type Limiter struct {
	provider string
	config   Config

	mu       sync.Mutex
	requests *bucket
	tokens   *bucket

	// queue preserves first-come-first-served admission: a waiter parks
	// on its ticket channel until the predecessor hands over.
	queueTail chan struct{}

	// hint holds a provider-reported wait deadline (e.g. Retry-After)
	// that overrides computed sleeps until it passes.
	hintUntil time.Time

	requestsServed int64
	tokensServed   int64
}

// NewLimiter creates a limiter for one provider.
func NewLimiter(provider string, config Config) *Limiter {
	now := time.Now()
	l := &Limiter{provider: provider, config: config}
	if config.RequestsPerMinute > 0 {
		l.requests = newBucket(config.RequestsPerMinute, now)
	}
	if config.TokensPerMinute > 0 {
		l.tokens = newBucket(config.TokensPerMinute, now)
	}
	return l
}

// Acquire blocks until one request plus estimatedTokens fit the buckets.
// Admission is FIFO across concurrent callers. onPace, when non-nil, is
// called before any sleep of at least PaceThreshold.
func (l *Limiter) Acquire(ctx context.Context, estimatedTokens int, onPace PaceFunc) error {
	if !l.config.Enabled {
		return nil
	}

	ticket, predecessor := l.enqueue()
	defer close(ticket)

	if predecessor != nil {
		select {
		case <-predecessor:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for {
		wait := l.nextWait(estimatedTokens)
		if wait <= 0 {
			l.consume(estimatedTokens)
			return nil
		}
		// Small jitter spreads thundering herds after a shared sleep.
		wait += time.Duration(rand.Int63n(int64(50 * time.Millisecond))) // #nosec G404
		if wait >= PaceThreshold && onPace != nil {
			onPace(l.provider, wait)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// enqueue appends this caller to the FIFO queue, returning its ticket and
// the predecessor's (nil when first in line).
func (l *Limiter) enqueue() (ticket chan struct{}, predecessor chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ticket = make(chan struct{})
	predecessor = l.queueTail
	l.queueTail = ticket
	return ticket, predecessor
}

func (l *Limiter) nextWait(estimatedTokens int) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	var wait time.Duration
	if until := l.hintUntil.Sub(now); until > wait {
		wait = until
	}
	if l.requests != nil {
		if w := l.requests.waitFor(1, now); w > wait {
			wait = w
		}
	}
	if l.tokens != nil && estimatedTokens > 0 {
		if w := l.tokens.waitFor(float64(estimatedTokens), now); w > wait {
			wait = w
		}
	}
	return wait
}

func (l *Limiter) consume(estimatedTokens int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if l.requests != nil {
		l.requests.take(1, now)
	}
	if l.tokens != nil && estimatedTokens > 0 {
		l.tokens.take(float64(estimatedTokens), now)
	}
	l.requestsServed++
}

// Record settles actual usage after a response. When the real token count
// exceeded the admission estimate, the difference is drawn from the token
// bucket so running totals stay honest.
func (l *Limiter) Record(estimatedTokens, actualTokens int) {
	if !l.config.Enabled {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.tokensServed += int64(actualTokens)
	if l.tokens != nil && actualTokens > estimatedTokens {
		l.tokens.take(float64(actualTokens-estimatedTokens), time.Now())
	}
}

// ApplyHint installs a provider-reported wait (e.g. Retry-After). The
// limiter will not admit anyone until the hint deadline passes, when it
// is larger than the computed wait.
func (l *Limiter) ApplyHint(wait time.Duration) {
	if wait <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	until := time.Now().Add(wait)
	if until.After(l.hintUntil) {
		l.hintUntil = until
	}
}

// Served reports the running totals of admitted requests and settled tokens.
func (l *Limiter) Served() (requests, tokens int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.requestsServed, l.tokensServed
}

// Registry holds one limiter per provider name. This is deliberate shared
// process state: every provider instance bound to the same vendor must
// pace through the same buckets.
type Registry struct {
	mu       sync.Mutex
	limiters map[string]*Limiter
	configs  map[string]Config
}

// NewRegistry creates a registry with the given per-provider configs.
// Providers absent from the map get a disabled limiter.
func NewRegistry(configs map[string]Config) *Registry {
	if configs == nil {
		configs = DefaultConfigs()
	}
	return &Registry{
		limiters: make(map[string]*Limiter),
		configs:  configs,
	}
}

// For returns the shared limiter for a provider, creating it on first use.
func (r *Registry) For(provider string) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.limiters[provider]; ok {
		return l
	}
	cfg, ok := r.configs[provider]
	if !ok {
		cfg = Config{Enabled: false}
	}
	l := NewLimiter(provider, cfg)
	r.limiters[provider] = l
	return l
}
