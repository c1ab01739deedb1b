package store

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/haasonsaas/pidgin/internal/bus"
	"github.com/haasonsaas/pidgin/pkg/models"
)

func TestComputeTextMetrics(t *testing.T) {
	m := ComputeTextMetrics("I think you know. Do you? We agree!\n\n- first\n- second")

	if m.WordCount != 10 {
		t.Errorf("word count = %d", m.WordCount)
	}
	if m.SentenceCount != 3 {
		t.Errorf("sentence count = %d", m.SentenceCount)
	}
	if m.QuestionCount != 1 || m.ExclamationCount != 1 {
		t.Errorf("questions = %d, exclamations = %d", m.QuestionCount, m.ExclamationCount)
	}
	if m.ParagraphCount != 2 {
		t.Errorf("paragraphs = %d", m.ParagraphCount)
	}
	if m.ListItemCount != 2 {
		t.Errorf("list items = %d", m.ListItemCount)
	}
	if m.FirstPersonSingular != 1 || m.FirstPersonPlural != 1 || m.SecondPerson != 2 {
		t.Errorf("pronouns = %d/%d/%d", m.FirstPersonSingular, m.FirstPersonPlural, m.SecondPerson)
	}
	if m.TypeTokenRatio <= 0 || m.TypeTokenRatio > 1 {
		t.Errorf("ttr = %f", m.TypeTokenRatio)
	}
	if m.WordEntropy <= 0 {
		t.Errorf("word entropy = %f", m.WordEntropy)
	}
}

func TestComputeTextMetricsEmpty(t *testing.T) {
	m := ComputeTextMetrics("")
	if m.WordCount != 0 || m.WordEntropy != 0 || m.TypeTokenRatio != 0 {
		t.Errorf("empty metrics = %+v", m)
	}
}

func TestComputeTextMetricsUniformEntropy(t *testing.T) {
	// Four distinct equiprobable words carry exactly 2 bits.
	m := ComputeTextMetrics("alpha beta gamma delta")
	if math.Abs(m.WordEntropy-2.0) > 1e-9 {
		t.Errorf("word entropy = %f, want 2.0", m.WordEntropy)
	}
	if m.HapaxRatio != 1.0 {
		t.Errorf("hapax ratio = %f", m.HapaxRatio)
	}
}

// buildExperimentDir writes a one-conversation experiment the same way
// the runtime does: manifest plus bus-written event log.
func buildExperimentDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	ctx := context.Background()

	manifest := models.Manifest{
		ExperimentID:           "exp-1",
		Name:                   "import-test",
		Status:                 models.ExperimentCompleted,
		TotalConversations:     1,
		CompletedConversations: 1,
		CreatedAt:              time.Now().UTC(),
		Config: models.ExperimentConfig{
			Name: "import-test", AgentAModel: "test", AgentBModel: "test",
			Repetitions: 1, MaxTurns: 2,
		},
	}
	data, err := json.Marshal(manifest)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), data, 0o644); err != nil {
		t.Fatal(err)
	}

	b := bus.New(nil, nil)
	b.SetDirectory(dir)
	emit := func(p models.Payload) {
		t.Helper()
		if err := b.Emit(ctx, "conv-1", "exp-1", p); err != nil {
			t.Fatalf("emit: %v", err)
		}
	}

	emit(&models.ConversationStartPayload{
		AgentA:        models.Agent{ID: models.AgentA, Model: "test"},
		AgentB:        models.Agent{ID: models.AgentB, Model: "test"},
		InitialPrompt: "begin",
		MaxTurns:      2,
		FirstSpeaker:  models.AgentA,
	})
	for turn := 0; turn < 2; turn++ {
		emit(&models.TurnStartPayload{TurnNumber: turn})
		emit(&models.MessageCompletePayload{
			AgentID: models.AgentA, TurnNumber: turn,
			Content: "I wonder about tides.", Model: "test",
			InputTokens: 10, OutputTokens: 5,
		})
		emit(&models.ThinkingCompletePayload{
			AgentID: models.AgentA, TurnNumber: turn, Content: "quiet reasoning", ThinkingTokens: 4,
		})
		emit(&models.MessageCompletePayload{
			AgentID: models.AgentB, TurnNumber: turn,
			Content: "Tides respond to the moon!", Model: "test",
			InputTokens: 12, OutputTokens: 6, TokensEstimated: true,
		})
		emit(&models.TurnCompletePayload{TurnNumber: turn, ConvergenceScore: 0.4})
	}
	emit(&models.ContextTruncationPayload{
		AgentID: models.AgentA, TurnNumber: 1,
		OriginalMessages: 6, RetainedMessages: 4, DroppedMessages: 2,
	})
	emit(&models.ConversationEndPayload{
		Reason: models.EndReasonMaxTurns, Status: models.ConversationCompleted,
		FinalConvergence: 0.4, TotalTurns: 2, DurationMs: 42,
	})
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	return dir
}

func countRows(t *testing.T, st *Store, table string) int {
	t.Helper()
	var n int
	if err := st.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func TestImportExperiment(t *testing.T) {
	dir := buildExperimentDir(t)
	ctx := context.Background()

	if err := NewImporter(nil).ImportExperiment(ctx, dir); err != nil {
		t.Fatalf("import: %v", err)
	}

	st, err := Open(ctx, filepath.Join(dir, DatabaseFile))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()

	if got := countRows(t, st, "experiments"); got != 1 {
		t.Errorf("experiments = %d", got)
	}
	if got := countRows(t, st, "conversations"); got != 1 {
		t.Errorf("conversations = %d", got)
	}
	// Initial prompt plus four assistant messages.
	if got := countRows(t, st, "messages"); got != 5 {
		t.Errorf("messages = %d", got)
	}
	if got := countRows(t, st, "turn_metrics"); got != 2 {
		t.Errorf("turn_metrics = %d", got)
	}
	if got := countRows(t, st, "thinking_traces"); got != 2 {
		t.Errorf("thinking_traces = %d", got)
	}
	if got := countRows(t, st, "token_usage"); got != 4 {
		t.Errorf("token_usage = %d", got)
	}
	if got := countRows(t, st, "context_truncations"); got != 1 {
		t.Errorf("context_truncations = %d", got)
	}

	var status, reason string
	var turns int
	var convergence float64
	err = st.db.QueryRow(`
		SELECT status, ended_reason, total_turns, final_convergence
		FROM conversations WHERE conversation_id = ?`, "conv-1",
	).Scan(&status, &reason, &turns, &convergence)
	if err != nil {
		t.Fatalf("query conversation: %v", err)
	}
	if status != "completed" || reason != "max_turns" || turns != 2 || convergence != 0.4 {
		t.Errorf("conversation row = %s/%s/%d/%f", status, reason, turns, convergence)
	}

	var aWords, bExclaims int
	err = st.db.QueryRow(`
		SELECT a_word_count, b_exclamation_count FROM turn_metrics
		WHERE conversation_id = ? AND turn_number = 0`, "conv-1",
	).Scan(&aWords, &bExclaims)
	if err != nil {
		t.Fatalf("query metrics: %v", err)
	}
	if aWords != 4 || bExclaims != 1 {
		t.Errorf("metrics = %d words, %d exclamations", aWords, bExclaims)
	}
}

func TestReimportIsIdempotent(t *testing.T) {
	dir := buildExperimentDir(t)
	ctx := context.Background()
	importer := NewImporter(nil)

	if err := importer.ImportExperiment(ctx, dir); err != nil {
		t.Fatalf("first import: %v", err)
	}
	if err := importer.ImportExperiment(ctx, dir); err != nil {
		t.Fatalf("second import: %v", err)
	}

	st, err := Open(ctx, filepath.Join(dir, DatabaseFile))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	for table, want := range map[string]int{
		"events": 13, "conversations": 1, "messages": 5,
		"turn_metrics": 2, "token_usage": 4, "thinking_traces": 2,
	} {
		if got := countRows(t, st, table); got != want {
			t.Errorf("%s = %d rows after re-import, want %d", table, got, want)
		}
	}
}
