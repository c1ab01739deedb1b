package models

import (
	"time"
)

// Role indicates the provider-facing author type of a message.
// Role and AgentID are distinct: the role is what a provider API sees,
// the agent ID is the source of truth for who actually produced the text.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// AgentID identifies a message source within a conversation.
type AgentID string

const (
	AgentA      AgentID = "agent_a"
	AgentB      AgentID = "agent_b"
	AgentSystem AgentID = "system"
	AgentHuman  AgentID = "human"
)

// Valid reports whether the agent ID is one of the known sources.
func (a AgentID) Valid() bool {
	switch a {
	case AgentA, AgentB, AgentSystem, AgentHuman:
		return true
	}
	return false
}

// Partner returns the other conversational agent. It is only meaningful
// for AgentA and AgentB.
func (a AgentID) Partner() AgentID {
	if a == AgentA {
		return AgentB
	}
	return AgentA
}

// Message is a single utterance in the canonical conversation history.
type Message struct {
	Role      Role      `json:"role"`
	AgentID   AgentID   `json:"agent_id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// AwarenessLevel selects the system prompt preset controlling how each
// agent is told about its counterpart. Values other than the presets are
// interpreted as a path to a YAML prompt file.
type AwarenessLevel string

const (
	AwarenessNone      AwarenessLevel = "none"
	AwarenessBasic     AwarenessLevel = "basic"
	AwarenessFirm      AwarenessLevel = "firm"
	AwarenessResearch  AwarenessLevel = "research"
	AwarenessBackrooms AwarenessLevel = "backrooms"
)

// IsPreset reports whether the level is one of the built-in presets.
func (l AwarenessLevel) IsPreset() bool {
	switch l {
	case AwarenessNone, AwarenessBasic, AwarenessFirm, AwarenessResearch, AwarenessBackrooms:
		return true
	}
	return false
}

// Agent is one side of a conversation. Immutable after conversation start
// except ChosenName, which is set at most once from the agent's first
// message when name choosing is enabled.
type Agent struct {
	ID             AgentID        `json:"id"`
	Model          string         `json:"model"`
	Provider       string         `json:"provider"`
	DisplayName    string         `json:"display_name"`
	ChosenName     string         `json:"chosen_name,omitempty"`
	Temperature    *float64       `json:"temperature,omitempty"`
	Awareness      AwarenessLevel `json:"awareness_level"`
	ThinkingOn     bool           `json:"thinking_enabled,omitempty"`
	ThinkingBudget int            `json:"thinking_budget,omitempty"`
}

// Name returns the agent's preferred display name: the self-chosen name
// when one was extracted, the assigned display name otherwise.
func (a *Agent) Name() string {
	if a.ChosenName != "" {
		return a.ChosenName
	}
	return a.DisplayName
}
