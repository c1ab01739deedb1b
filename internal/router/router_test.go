package router

import (
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/pidgin/pkg/models"
)

func testAgents() (models.Agent, models.Agent) {
	return models.Agent{ID: models.AgentA, Model: "claude-sonnet-4", Awareness: models.AwarenessBasic},
		models.Agent{ID: models.AgentB, Model: "gpt-4o", Awareness: models.AwarenessBasic}
}

func msg(agent models.AgentID, content string) models.Message {
	role := models.RoleAssistant
	if agent == models.AgentSystem {
		role = models.RoleSystem
	}
	return models.Message{Role: role, AgentID: agent, Content: content, Timestamp: time.Now()}
}

func TestRouteRoleAssignment(t *testing.T) {
	a, b := testAgents()
	r := New(a, b)

	history := []models.Message{
		msg(models.AgentA, "hello from A"),
		msg(models.AgentB, "hello from B"),
		msg(models.AgentA, "second from A"),
	}

	_, forA := r.Route(history, models.AgentA)
	if len(forA) != 3 {
		t.Fatalf("len = %d", len(forA))
	}
	wantRoles := []models.Role{models.RoleAssistant, models.RoleUser, models.RoleAssistant}
	for i, m := range forA {
		if m.Role != wantRoles[i] {
			t.Errorf("A view msg %d role = %s, want %s", i, m.Role, wantRoles[i])
		}
	}

	_, forB := r.Route(history, models.AgentB)
	wantRoles = []models.Role{models.RoleUser, models.RoleAssistant, models.RoleUser}
	for i, m := range forB {
		if m.Role != wantRoles[i] {
			t.Errorf("B view msg %d role = %s, want %s", i, m.Role, wantRoles[i])
		}
	}
}

func TestRouteHumanMessagesBecomeUser(t *testing.T) {
	a, b := testAgents()
	r := New(a, b)

	history := []models.Message{
		{Role: models.RoleUser, AgentID: models.AgentHuman, Content: "begin discussing tides"},
		msg(models.AgentA, "tides, then"),
	}

	_, forA := r.Route(history, models.AgentA)
	if forA[0].Role != models.RoleUser {
		t.Errorf("human message role for A = %s", forA[0].Role)
	}
	_, forB := r.Route(history, models.AgentB)
	if forB[0].Role != models.RoleUser {
		t.Errorf("human message role for B = %s", forB[0].Role)
	}
}

func TestRouteFoldsSystemMessagesIntoPrompt(t *testing.T) {
	a, b := testAgents()
	r := New(a, b)

	history := []models.Message{
		msg(models.AgentSystem, ChooseNamesPrompt),
		msg(models.AgentA, "I'll go by Sol."),
	}

	system, msgs := r.Route(history, models.AgentB)
	if !strings.Contains(system, "choose a short name") {
		t.Errorf("system prompt missing folded message: %q", system)
	}
	if len(msgs) != 1 {
		t.Fatalf("system message leaked into history: %d messages", len(msgs))
	}
}

func TestSystemPromptIdentityOrder(t *testing.T) {
	a, b := testAgents()
	r := New(a, b)

	forA := r.SystemPrompt(models.AgentA)
	if !strings.Contains(forA, "You are claude-sonnet-4") || !strings.Contains(forA, "gpt-4o") {
		t.Errorf("A prompt = %q", forA)
	}
	if strings.Index(forA, "claude-sonnet-4") > strings.Index(forA, "gpt-4o") {
		t.Error("own identity must come first")
	}

	forB := r.SystemPrompt(models.AgentB)
	if !strings.Contains(forB, "You are gpt-4o") {
		t.Errorf("B prompt = %q", forB)
	}
}

func TestSystemPromptAwarenessLevels(t *testing.T) {
	a, b := testAgents()

	a.Awareness = models.AwarenessNone
	if got := New(a, b).SystemPrompt(models.AgentA); got != "" {
		t.Errorf("none preset produced %q", got)
	}

	a.Awareness = models.AwarenessFirm
	if got := New(a, b).SystemPrompt(models.AgentA); !strings.Contains(got, "no human") {
		t.Errorf("firm preset = %q", got)
	}

	a.Awareness = "You will speak only in rhyme."
	if got := New(a, b).SystemPrompt(models.AgentA); got != "You will speak only in rhyme." {
		t.Errorf("custom prompt passthrough = %q", got)
	}
}
