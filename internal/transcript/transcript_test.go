package transcript

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/pidgin/pkg/models"
)

func sampleConversation() *models.Conversation {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	end := now.Add(time.Minute)
	return &models.Conversation{
		ID:           "conv-42",
		ExperimentID: "exp-1",
		AgentA:       models.Agent{ID: models.AgentA, Model: "claude-sonnet-4", DisplayName: "sonnet", ChosenName: "Sol"},
		AgentB:       models.Agent{ID: models.AgentB, Model: "gpt-4o", DisplayName: "gpt-4o"},
		Status:       models.ConversationCompleted,
		ConvergenceReason: models.EndReasonMaxTurns,
		FinalConvergence:  0.62,
		StartedAt:         now,
		EndedAt:           &end,
		Messages: []models.Message{
			{Role: models.RoleUser, AgentID: models.AgentHuman, Content: "Talk about maps.", Timestamp: now},
			{Role: models.RoleAssistant, AgentID: models.AgentA, Content: "Maps distort something, always.", Timestamp: now},
			{Role: models.RoleAssistant, AgentID: models.AgentB, Content: "", Timestamp: now},
		},
	}
}

func TestRender(t *testing.T) {
	md := Render(sampleConversation())

	for _, want := range []string{
		"# Conversation conv-42",
		"Sol (claude-sonnet-4)",
		"**Status**: completed (max_turns)",
		"### Initial prompt",
		"### Sol",
		"Maps distort something, always.",
		"*(empty)*",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("transcript missing %q", want)
		}
	}
}

func TestWriteCreatesFile(t *testing.T) {
	dir := t.TempDir()
	conv := sampleConversation()

	if err := New().Write(dir, conv); err != nil {
		t.Fatalf("Write: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "transcript_conv-42.md"))
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	if !strings.Contains(string(data), "conv-42") {
		t.Error("transcript content wrong")
	}
}
