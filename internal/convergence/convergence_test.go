package convergence

import (
	"testing"

	"github.com/haasonsaas/pidgin/pkg/models"
)

func agentMsg(id models.AgentID, content string) models.Message {
	return models.Message{Role: models.RoleAssistant, AgentID: id, Content: content}
}

func TestNewRejectsBadWeights(t *testing.T) {
	_, err := New(Weights{Content: 0.5, Length: 0.5, Sentences: 0.5})
	if err == nil {
		t.Fatal("weights summing to 1.5 accepted")
	}
	if _, err := New(Weights{Content: 0.4, Length: 0.15, Sentences: 0.20, Structure: 0.15, Punctuation: 0.10}); err != nil {
		t.Fatalf("balanced weights rejected: %v", err)
	}
	// Floating point slack of 0.001 is allowed.
	if _, err := New(Weights{Content: 0.4004, Length: 0.15, Sentences: 0.20, Structure: 0.15, Punctuation: 0.10}); err != nil {
		t.Fatalf("weights within tolerance rejected: %v", err)
	}
}

func TestProfilesSumToOne(t *testing.T) {
	for name, w := range Profiles {
		if _, err := New(w); err != nil {
			t.Errorf("profile %s: %v", name, err)
		}
	}
}

func TestIdenticalMessagesScoreOne(t *testing.T) {
	c := Default()
	history := []models.Message{
		agentMsg(models.AgentA, "The tide comes in. The tide goes out."),
		agentMsg(models.AgentB, "The tide comes in. The tide goes out."),
	}
	if got := c.Calculate(history); got != 1.0 {
		t.Errorf("score = %f, want 1.0", got)
	}
}

func TestEmptyMessagesScoreOne(t *testing.T) {
	// Two silent agents have produced byte-identical output.
	c := Default()
	history := []models.Message{
		agentMsg(models.AgentA, ""),
		agentMsg(models.AgentB, ""),
	}
	if got := c.Calculate(history); got != 1.0 {
		t.Errorf("score = %f, want 1.0", got)
	}
}

func TestCaseAndWhitespaceInsensitive(t *testing.T) {
	c := Default()
	history := []models.Message{
		agentMsg(models.AgentA, "  Hello there,   friend.  "),
		agentMsg(models.AgentB, "hello THERE, friend."),
	}
	if got := c.Calculate(history); got != 1.0 {
		t.Errorf("score = %f, want 1.0", got)
	}
}

func TestDisjointVocabularyScoresLow(t *testing.T) {
	c := Default()
	same := []models.Message{
		agentMsg(models.AgentA, "I keep circling back to rivers, deltas, and the way silt settles over years."),
		agentMsg(models.AgentB, "I keep circling back to rivers, deltas, and the way silt settles over years."),
	}
	disjoint := []models.Message{
		agentMsg(models.AgentA, "Orbital mechanics fascinates me.\nKepler had most of it right."),
		agentMsg(models.AgentB, "I keep circling back to rivers, deltas, and the way silt settles over years; geology is slow music."),
	}
	hi := c.Score(same)
	lo := c.Score(disjoint)
	if hi != 1.0 {
		t.Fatalf("identical score = %f", hi)
	}
	if lo >= 0.9 {
		t.Errorf("disjoint score = %f, want well below identical", lo)
	}
}

func TestScoreBounds(t *testing.T) {
	c := Default()
	histories := [][]models.Message{
		nil,
		{agentMsg(models.AgentA, "alone")},
		{
			agentMsg(models.AgentA, "short"),
			agentMsg(models.AgentB, "a very long reply full of punctuation!!! and; odd: marks --- everywhere???"),
		},
	}
	for i, h := range histories {
		got := c.Score(h)
		if got < 0 || got > 1 {
			t.Errorf("history %d: score %f out of range", i, got)
		}
	}
}

func TestOneSidedHistoryScoresZero(t *testing.T) {
	c := Default()
	history := []models.Message{
		agentMsg(models.AgentA, "hello"),
		agentMsg(models.AgentA, "anyone there?"),
	}
	if got := c.Score(history); got != 0 {
		t.Errorf("score = %f, want 0", got)
	}
}

func TestSplitWindowBalances(t *testing.T) {
	var history []models.Message
	for i := 0; i < 9; i++ {
		history = append(history, agentMsg(models.AgentA, "a"))
	}
	for i := 0; i < 4; i++ {
		history = append(history, agentMsg(models.AgentB, "b"))
	}
	// System messages never count toward the window.
	history = append(history, models.Message{Role: models.RoleSystem, AgentID: models.AgentSystem, Content: "sys"})

	a, b := splitWindow(history)
	if len(a) != len(b) {
		t.Fatalf("unbalanced window: %d vs %d", len(a), len(b))
	}
	if len(a)+len(b) > windowSize {
		t.Errorf("window too large: %d", len(a)+len(b))
	}
	if len(b) != 4 {
		t.Errorf("b side = %d, want 4", len(b))
	}
}

func TestContentSimilarityShortMessagesUseJaccard(t *testing.T) {
	// Containment would give 1.0 here; Jaccard penalizes the extra words.
	got := contentSimilarity("yes", "yes but also no")
	if got >= 1.0 || got <= 0 {
		t.Errorf("similarity = %f, want partial", got)
	}
}

func TestGetTrend(t *testing.T) {
	cases := []struct {
		history []float64
		want    Trend
	}{
		{[]float64{0.1, 0.2}, TrendStable}, // too few samples
		{[]float64{0.1, 0.3, 0.5}, TrendIncreasing},
		{[]float64{0.5, 0.3, 0.1}, TrendDecreasing},
		{[]float64{0.50, 0.51, 0.50}, TrendStable},
		{[]float64{0.1, 0.5, 0.2}, TrendFluctuating},
		{[]float64{0.2, 0.2, 0.5, 0.3}, TrendFluctuating}, // only last three matter
	}
	for i, tc := range cases {
		c := Default()
		c.history = tc.history
		if got := c.GetTrend(); got != tc.want {
			t.Errorf("case %d: trend = %s, want %s", i, got, tc.want)
		}
	}
}
