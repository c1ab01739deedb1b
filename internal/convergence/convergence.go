// Package convergence scores how similar two agents' recent messages
// have become. The score drives early termination when agents collapse
// into repetitive or identical speech.
package convergence

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/haasonsaas/pidgin/pkg/models"
)

// windowSize is the number of recent agent messages compared, balanced
// to equal counts per agent.
const windowSize = 10

// contentDominantThreshold is the content similarity above which the
// other components stop mattering: near-identical text is convergence
// regardless of structure.
const contentDominantThreshold = 0.9

// Weights distributes the five component scores. They must sum to 1.
type Weights struct {
	Content     float64 `yaml:"content" json:"content"`
	Length      float64 `yaml:"length" json:"length"`
	Sentences   float64 `yaml:"sentences" json:"sentences"`
	Structure   float64 `yaml:"structure" json:"structure"`
	Punctuation float64 `yaml:"punctuation" json:"punctuation"`
}

// Sum returns the weight total.
func (w Weights) Sum() float64 {
	return w.Content + w.Length + w.Sentences + w.Structure + w.Punctuation
}

// Profiles are the named weight vectors selectable from config.
var Profiles = map[string]Weights{
	"balanced":   {Content: 0.4, Length: 0.15, Sentences: 0.20, Structure: 0.15, Punctuation: 0.10},
	"structural": {Content: 0.15, Length: 0.20, Sentences: 0.25, Structure: 0.30, Punctuation: 0.10},
	"lexical":    {Content: 0.7, Length: 0.10, Sentences: 0.10, Structure: 0.05, Punctuation: 0.05},
}

// Trend describes the direction of the last few convergence scores.
type Trend string

const (
	TrendIncreasing  Trend = "increasing"
	TrendDecreasing  Trend = "decreasing"
	TrendStable      Trend = "stable"
	TrendFluctuating Trend = "fluctuating"
)

// Calculator scores message histories. It keeps a rolling record of the
// scores it has produced for trend reporting, and is safe for use from
// one conversation's conductor.
type Calculator struct {
	weights Weights

	mu      sync.Mutex
	history []float64
}

// New creates a calculator with the given weights. The weights must sum
// to 1.0 within 0.001.
func New(weights Weights) (*Calculator, error) {
	if math.Abs(weights.Sum()-1.0) > 0.001 {
		return nil, fmt.Errorf("convergence: weights sum to %.4f, want 1.0", weights.Sum())
	}
	return &Calculator{weights: weights}, nil
}

// NewProfile creates a calculator from a named profile. "custom" is not
// a profile; pass explicit weights to New instead.
func NewProfile(name string) (*Calculator, error) {
	w, ok := Profiles[name]
	if !ok {
		return nil, fmt.Errorf("convergence: unknown profile %q", name)
	}
	return New(w)
}

// Default returns the balanced-profile calculator.
func Default() *Calculator {
	c, _ := NewProfile("balanced")
	return c
}

// Calculate scores the history and records the score for trend
// reporting. The result is deterministic for a given history window.
func (c *Calculator) Calculate(history []models.Message) float64 {
	score := c.Score(history)
	c.mu.Lock()
	c.history = append(c.history, score)
	c.mu.Unlock()
	return score
}

// Score computes the convergence of the recent window without recording
// it. Always in [0,1].
func (c *Calculator) Score(history []models.Message) float64 {
	a, b := splitWindow(history)
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	content := contentSimilarity(a[len(a)-1].Content, b[len(b)-1].Content)
	if content > contentDominantThreshold {
		return clamp01(content)
	}

	score := c.weights.Content*content +
		c.weights.Length*lengthSimilarity(a, b) +
		c.weights.Sentences*sentenceSimilarity(a, b) +
		c.weights.Structure*structureSimilarity(a, b) +
		c.weights.Punctuation*punctuationSimilarity(a, b)
	return clamp01(score)
}

// GetTrend classifies the direction of the last three scores.
func (c *Calculator) GetTrend() Trend {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.history)
	if n < 3 {
		return TrendStable
	}
	last := c.history[n-3:]

	lo, hi := last[0], last[0]
	for _, v := range last[1:] {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	switch {
	case hi-lo < 0.02:
		return TrendStable
	case last[0] < last[1] && last[1] < last[2]:
		return TrendIncreasing
	case last[0] > last[1] && last[1] > last[2]:
		return TrendDecreasing
	default:
		return TrendFluctuating
	}
}

// History returns a copy of the recorded scores.
func (c *Calculator) History() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]float64, len(c.history))
	copy(out, c.history)
	return out
}

// splitWindow takes the last windowSize agent messages and balances the
// two sides to equal counts, dropping the oldest surplus.
func splitWindow(history []models.Message) (a, b []models.Message) {
	var agents []models.Message
	for _, m := range history {
		if m.AgentID == models.AgentA || m.AgentID == models.AgentB {
			agents = append(agents, m)
		}
	}
	if len(agents) > windowSize {
		agents = agents[len(agents)-windowSize:]
	}
	for _, m := range agents {
		if m.AgentID == models.AgentA {
			a = append(a, m)
		} else {
			b = append(b, m)
		}
	}
	for len(a) > len(b) {
		a = a[1:]
	}
	for len(b) > len(a) {
		b = b[1:]
	}
	return a, b
}

// shortMessageWords is the size below which Jaccard replaces
// containment, since containment over-scores tiny messages.
const shortMessageWords = 10

func contentSimilarity(x, y string) float64 {
	nx := normalize(x)
	ny := normalize(y)
	if nx == ny {
		return 1.0
	}

	wx := strings.Fields(nx)
	wy := strings.Fields(ny)
	if len(wx) == 0 || len(wy) == 0 {
		return 0
	}

	sx := wordSet(wx)
	sy := wordSet(wy)
	inter := 0
	for w := range sx {
		if sy[w] {
			inter++
		}
	}

	if len(wx) < shortMessageWords || len(wy) < shortMessageWords {
		union := len(sx) + len(sy) - inter
		if union == 0 {
			return 0
		}
		return float64(inter) / float64(union)
	}

	smaller := len(sx)
	if len(sy) < smaller {
		smaller = len(sy)
	}
	return float64(inter) / float64(smaller)
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func wordSet(words []string) map[string]bool {
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}

func lengthSimilarity(a, b []models.Message) float64 {
	return ratio(avg(a, func(m models.Message) float64 {
		return float64(len(m.Content))
	}), avg(b, func(m models.Message) float64 {
		return float64(len(m.Content))
	}))
}

func sentenceSimilarity(a, b []models.Message) float64 {
	count := func(m models.Message) float64 {
		return float64(sentenceCount(m.Content))
	}
	return ratio(avg(a, count), avg(b, count))
}

func sentenceCount(s string) int {
	n := 0
	for _, r := range s {
		if r == '.' || r == '!' || r == '?' {
			n++
		}
	}
	return n
}

// structureFeatures are the per-message structural counts compared
// feature-wise between the two sides.
func structureFeatures(s string) [4]float64 {
	var f [4]float64
	f[0] = float64(len(strings.Split(strings.TrimSpace(s), "\n\n"))) // paragraphs
	for _, line := range strings.Split(s, "\n") {
		t := strings.TrimSpace(line)
		if strings.HasPrefix(t, "- ") || strings.HasPrefix(t, "* ") || strings.HasPrefix(t, "• ") {
			f[1]++ // list items
		}
	}
	f[2] = float64(strings.Count(s, "?"))
	f[3] = float64(strings.Count(s, "```") / 2) // fenced code blocks
	return f
}

func structureSimilarity(a, b []models.Message) float64 {
	var fa, fb [4]float64
	for _, m := range a {
		f := structureFeatures(m.Content)
		for i := range fa {
			fa[i] += f[i] / float64(len(a))
		}
	}
	for _, m := range b {
		f := structureFeatures(m.Content)
		for i := range fb {
			fb[i] += f[i] / float64(len(b))
		}
	}

	total := 0.0
	for i := range fa {
		total += ratio(fa[i], fb[i])
	}
	return total / float64(len(fa))
}

// punctuationChars are compared by per-character density.
var punctuationChars = []rune{'!', ',', ';', ':', '-', '—'}

func punctuationSimilarity(a, b []models.Message) float64 {
	density := func(msgs []models.Message, c rune) float64 {
		chars, hits := 0, 0
		for _, m := range msgs {
			chars += len(m.Content)
			hits += strings.Count(m.Content, string(c))
		}
		if chars == 0 {
			return 0
		}
		return float64(hits) / float64(chars)
	}

	total := 0.0
	for _, c := range punctuationChars {
		total += ratio(density(a, c), density(b, c))
	}
	return total / float64(len(punctuationChars))
}

// ratio is min/max similarity with both-zero counting as identical.
func ratio(x, y float64) float64 {
	if x == 0 && y == 0 {
		return 1.0
	}
	if x == 0 || y == 0 {
		return 0
	}
	if x > y {
		x, y = y, x
	}
	return x / y
}

func avg(msgs []models.Message, f func(models.Message) float64) float64 {
	if len(msgs) == 0 {
		return 0
	}
	total := 0.0
	for _, m := range msgs {
		total += f(m)
	}
	return total / float64(len(msgs))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
