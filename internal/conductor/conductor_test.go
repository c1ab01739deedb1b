package conductor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/pidgin/internal/bus"
	"github.com/haasonsaas/pidgin/internal/providers"
	"github.com/haasonsaas/pidgin/pkg/models"
)

// eventLog records every event the bus publishes, in order.
type eventLog struct {
	mu     sync.Mutex
	events []*models.Event
}

func newEventLog(t *testing.T, b *bus.Bus) *eventLog {
	t.Helper()
	log := &eventLog{}
	b.Subscribe(models.EventWildcard, func(ctx context.Context, e *models.Event) error {
		log.mu.Lock()
		log.events = append(log.events, e)
		log.mu.Unlock()
		return nil
	})
	return log
}

func (l *eventLog) count(t models.EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func (l *eventLog) ofType(t models.EventType) []*models.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*models.Event
	for _, e := range l.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// scripted is a provider that plays back fixed replies, one per call.
type scripted struct {
	mu      sync.Mutex
	replies []string
	next    int
}

func (p *scripted) Name() string                  { return "test" }
func (p *scripted) ContextSize(model string) int  { return 8192 }

func (p *scripted) Stream(ctx context.Context, req *providers.Request) (<-chan *providers.Chunk, error) {
	p.mu.Lock()
	reply := ""
	if p.next < len(p.replies) {
		reply = p.replies[p.next]
		p.next++
	}
	p.mu.Unlock()

	chunks := make(chan *providers.Chunk, 2)
	chunks <- &providers.Chunk{Kind: providers.KindResponse, Text: reply}
	chunks <- &providers.Chunk{Done: true, TokensEstimated: true}
	close(chunks)
	return chunks, nil
}

func newConversation(modelA, modelB string, maxTurns int) *models.Conversation {
	return &models.Conversation{
		ID:           "conv-test",
		ExperimentID: "exp-test",
		AgentA:       models.Agent{ID: models.AgentA, Model: modelA},
		AgentB:       models.Agent{ID: models.AgentB, Model: modelB},
		MaxTurns:     maxTurns,
		FirstSpeaker: models.AgentA,
	}
}

func runConversation(t *testing.T, conv *models.Conversation, cfg Config) (*eventLog, string) {
	t.Helper()
	dir := t.TempDir()
	b := bus.New(nil, nil)
	b.SetDirectory(dir)
	cfg.Bus = b
	log := newEventLog(t, b)

	c, err := New(conv, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	return log, dir
}

func TestSilentConversationRunsToMaxTurns(t *testing.T) {
	conv := newConversation("silent", "silent", 3)
	log, dir := runConversation(t, conv, Config{
		ProviderA: providers.NewSilent(),
		ProviderB: providers.NewSilent(),
	})

	if conv.Status != models.ConversationCompleted {
		t.Fatalf("status = %s", conv.Status)
	}
	if conv.ConvergenceReason != models.EndReasonMaxTurns {
		t.Errorf("reason = %s", conv.ConvergenceReason)
	}
	if conv.FinalConvergence != 1.0 {
		t.Errorf("final convergence = %f, want 1.0 for identical empty replies", conv.FinalConvergence)
	}

	if got := log.count(models.EventTurnStart); got != 3 {
		t.Errorf("turn_start count = %d", got)
	}
	turnCompletes := log.ofType(models.EventTurnComplete)
	if got := len(turnCompletes); got != 3 {
		t.Errorf("turn_complete count = %d", got)
	}
	for i, e := range turnCompletes {
		p := e.Payload.(*models.TurnCompletePayload)
		if p.Turn.Number != p.TurnNumber || p.Turn.Number != i {
			t.Errorf("turn pair numbered %d on turn_complete %d", p.Turn.Number, p.TurnNumber)
		}
		if !p.Turn.Complete() {
			t.Errorf("turn %d pair incomplete: %+v", p.TurnNumber, p.Turn)
		}
		if p.Turn.AMessage.AgentID != models.AgentA || p.Turn.BMessage.AgentID != models.AgentB {
			t.Errorf("turn %d pair misattributed", p.TurnNumber)
		}
		if p.Turn.ConvergenceScore != p.ConvergenceScore {
			t.Errorf("turn %d pair score %f != %f", p.TurnNumber, p.Turn.ConvergenceScore, p.ConvergenceScore)
		}
	}
	completes := log.ofType(models.EventMessageComplete)
	if len(completes) != 6 {
		t.Fatalf("message_complete count = %d", len(completes))
	}
	for _, e := range completes {
		if p := e.Payload.(*models.MessageCompletePayload); p.Content != "" {
			t.Errorf("silent agent produced content %q", p.Content)
		}
	}

	// The conversation log landed next to the experiment log.
	if _, err := os.Stat(filepath.Join(dir, conv.ID+"_events.jsonl")); err != nil {
		t.Errorf("conversation log: %v", err)
	}
}

func TestParrotStopsOnHighConvergence(t *testing.T) {
	conv := newConversation("test", "test:parrot", 10)
	conv.InitialPrompt = "Discuss the weather."
	log, _ := runConversation(t, conv, Config{
		ProviderA:            providers.NewTest(),
		ProviderB:            providers.NewTest(),
		ConvergenceThreshold: 0.9,
		ConvergenceAction:    models.ConvergenceStop,
	})

	if conv.ConvergenceReason != models.EndReasonHighConvergence {
		t.Fatalf("reason = %s, convergence = %f", conv.ConvergenceReason, conv.FinalConvergence)
	}
	if conv.Status != models.ConversationCompleted {
		t.Errorf("status = %s", conv.Status)
	}
	if conv.FinalConvergence < 0.9 {
		t.Errorf("final convergence = %f", conv.FinalConvergence)
	}
	if got := log.count(models.EventTurnComplete); got != 1 {
		t.Errorf("turn_complete count = %d, want 1 (parrot converges immediately)", got)
	}
}

func TestNotifyActionDoesNotStop(t *testing.T) {
	conv := newConversation("test", "test:parrot", 3)
	conv.InitialPrompt = "Discuss the weather."
	log, _ := runConversation(t, conv, Config{
		ProviderA:            providers.NewTest(),
		ProviderB:            providers.NewTest(),
		ConvergenceThreshold: 0.9,
		ConvergenceAction:    models.ConvergenceNotify,
	})

	if conv.ConvergenceReason != models.EndReasonMaxTurns {
		t.Errorf("reason = %s", conv.ConvergenceReason)
	}
	if got := log.count(models.EventTurnComplete); got != 3 {
		t.Errorf("turn_complete count = %d", got)
	}
}

func TestMaxTurnsZeroEndsImmediately(t *testing.T) {
	conv := newConversation("silent", "silent", 0)
	log, _ := runConversation(t, conv, Config{
		ProviderA: providers.NewSilent(),
		ProviderB: providers.NewSilent(),
	})

	if conv.Status != models.ConversationCompleted {
		t.Errorf("status = %s", conv.Status)
	}
	if conv.ConvergenceReason != models.EndReasonMaxTurns {
		t.Errorf("reason = %s", conv.ConvergenceReason)
	}
	if got := log.count(models.EventTurnStart); got != 0 {
		t.Errorf("turn_start count = %d, want 0", got)
	}
	if got := log.count(models.EventConversationEnd); got != 1 {
		t.Errorf("conversation_end count = %d", got)
	}
}

func TestCancelledContextEndsInterrupted(t *testing.T) {
	conv := newConversation("silent", "silent", 5)
	dir := t.TempDir()
	b := bus.New(nil, nil)
	b.SetDirectory(dir)

	c, err := New(conv, Config{
		Bus:       b,
		ProviderA: providers.NewSilent(),
		ProviderB: providers.NewSilent(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if conv.Status != models.ConversationInterrupted {
		t.Errorf("status = %s", conv.Status)
	}
	if conv.ConvergenceReason != models.EndReasonInterrupted {
		t.Errorf("reason = %s", conv.ConvergenceReason)
	}
}

func TestPermanentProviderFailureEndsAsError(t *testing.T) {
	failing := providers.NewTest()
	failing.FailFirst = 1000
	failing.FailWith = &providers.Error{
		Reason:   providers.ReasonAuth,
		Provider: "test",
		Message:  "bad key",
	}

	conv := newConversation("test", "test", 5)
	log, _ := runConversation(t, conv, Config{
		ProviderA: failing,
		ProviderB: providers.NewTest(),
	})

	if conv.Status != models.ConversationFailed {
		t.Fatalf("status = %s", conv.Status)
	}
	if conv.ConvergenceReason != models.EndReasonError {
		t.Errorf("reason = %s", conv.ConvergenceReason)
	}
	if conv.Error == "" {
		t.Error("conversation error not recorded")
	}
	if got := log.count(models.EventAPIError); got == 0 {
		t.Error("no api_error event")
	}
	if got := log.count(models.EventConversationEnd); got != 1 {
		t.Errorf("conversation_end count = %d", got)
	}
}

func TestContextOverflowEndsAsContextLimit(t *testing.T) {
	failing := providers.NewTest()
	failing.FailFirst = 1000
	failing.FailWith = &providers.Error{
		Reason:   providers.ReasonContextLength,
		Provider: "test",
		Message:  "prompt is too long",
	}

	conv := newConversation("test", "test", 5)
	runConversation(t, conv, Config{
		ProviderA: failing,
		ProviderB: providers.NewTest(),
	})

	if conv.Status != models.ConversationContextLimit {
		t.Fatalf("status = %s", conv.Status)
	}
	if conv.ConvergenceReason != models.EndReasonContextLimit {
		t.Errorf("reason = %s", conv.ConvergenceReason)
	}
	// Non-retryable, so exactly one call was made.
	if got := failing.Calls(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestChooseNamesExtractsAndAnnounces(t *testing.T) {
	conv := newConversation("scripted-a", "scripted-b", 2)
	log, _ := runConversation(t, conv, Config{
		ProviderA:   &scripted{replies: []string{"I'll go by Sol. Ready when you are.", "Still Sol here."}},
		ProviderB:   &scripted{replies: []string{"Nice to meet you, Sol. Call me Wren.", "Wren again."}},
		ChooseNames: true,
	})

	if conv.AgentA.ChosenName != "Sol" {
		t.Errorf("agent a chosen name = %q", conv.AgentA.ChosenName)
	}
	if conv.AgentB.ChosenName != "Wren" {
		t.Errorf("agent b chosen name = %q", conv.AgentB.ChosenName)
	}

	prompts := log.ofType(models.EventSystemPrompt)
	if len(prompts) != 2 {
		t.Fatalf("system_prompt count = %d", len(prompts))
	}
	first := prompts[0].Payload.(*models.SystemPromptPayload)
	if first.AgentID != models.AgentB || !strings.Contains(first.Content, "Sol") {
		t.Errorf("first announcement = %+v", first)
	}
}

func TestBranchedConversationResumesTurnCount(t *testing.T) {
	conv := newConversation("silent", "silent", 4)
	conv.BranchedFrom = "conv-origin"
	conv.BranchedAtTurn = 2
	conv.Messages = []models.Message{
		{Role: models.RoleAssistant, AgentID: models.AgentA, Content: "seeded a", Timestamp: time.Now()},
		{Role: models.RoleAssistant, AgentID: models.AgentB, Content: "seeded b", Timestamp: time.Now()},
	}

	log, _ := runConversation(t, conv, Config{
		ProviderA: providers.NewSilent(),
		ProviderB: providers.NewSilent(),
	})

	starts := log.ofType(models.EventConversationStart)
	if len(starts) != 1 {
		t.Fatalf("conversation_start count = %d", len(starts))
	}
	p := starts[0].Payload.(*models.ConversationStartPayload)
	if p.BranchedFrom != "conv-origin" || p.BranchedAtTurn != 2 {
		t.Errorf("branch origin = %q at %d", p.BranchedFrom, p.BranchedAtTurn)
	}

	turns := log.ofType(models.EventTurnStart)
	if len(turns) != 2 {
		t.Fatalf("turn_start count = %d, want 2 (turns 2 and 3)", len(turns))
	}
	if n := turns[0].Payload.(*models.TurnStartPayload).TurnNumber; n != 2 {
		t.Errorf("first turn number = %d, want 2", n)
	}
}
