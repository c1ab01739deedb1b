package models

import (
	"time"
)

// ConversationStatus tracks a conversation through its lifecycle.
type ConversationStatus string

const (
	ConversationCreated      ConversationStatus = "created"
	ConversationRunning      ConversationStatus = "running"
	ConversationCompleted    ConversationStatus = "completed"
	ConversationFailed       ConversationStatus = "failed"
	ConversationInterrupted  ConversationStatus = "interrupted"
	ConversationContextLimit ConversationStatus = "context_limit_reached"
)

// Terminal reports whether the status is a final state.
func (s ConversationStatus) Terminal() bool {
	switch s {
	case ConversationCompleted, ConversationFailed, ConversationInterrupted, ConversationContextLimit:
		return true
	}
	return false
}

// End reasons recorded on ConversationEnd events.
const (
	EndReasonMaxTurns        = "max_turns"
	EndReasonHighConvergence = "high_convergence"
	EndReasonInterrupted     = "interrupted"
	EndReasonError           = "error"
	EndReasonContextLimit    = "context_limit_reached"
)

// Turn pairs the two messages exchanged at one turn index.
type Turn struct {
	Number           int      `json:"number"`
	AMessage         *Message `json:"a_message,omitempty"`
	BMessage         *Message `json:"b_message,omitempty"`
	ConvergenceScore float64  `json:"convergence_score"`
}

// Complete reports whether both agents have spoken this turn.
func (t *Turn) Complete() bool {
	return t.AMessage != nil && t.BMessage != nil
}

// ThinkingTrace is an agent's extended-reasoning output for one turn,
// stored separately from the assistant's final message. At most one per
// (conversation, turn, agent).
type ThinkingTrace struct {
	ConversationID string  `json:"conversation_id"`
	Turn           int     `json:"turn"`
	AgentID        AgentID `json:"agent_id"`
	Content        string  `json:"content"`
	ThinkingTokens int     `json:"thinking_tokens,omitempty"`
	DurationMs     int64   `json:"duration_ms,omitempty"`
}

// Conversation is one complete two-agent exchange.
type Conversation struct {
	ID                string             `json:"id"`
	ExperimentID      string             `json:"experiment_id"`
	AgentA            Agent              `json:"agent_a"`
	AgentB            Agent              `json:"agent_b"`
	InitialPrompt     string             `json:"initial_prompt"`
	MaxTurns          int                `json:"max_turns"`
	FirstSpeaker      AgentID            `json:"first_speaker"`
	Messages          []Message          `json:"messages"`
	Status            ConversationStatus `json:"status"`
	ConvergenceReason string             `json:"convergence_reason,omitempty"`
	FinalConvergence  float64            `json:"final_convergence,omitempty"`
	StartedAt         time.Time          `json:"started_at"`
	EndedAt           *time.Time         `json:"ended_at,omitempty"`
	Error             string             `json:"error,omitempty"`

	// BranchedFrom and BranchedAtTurn record the origin of a branched
	// conversation. Empty/zero for fresh conversations.
	BranchedFrom   string `json:"branched_from,omitempty"`
	BranchedAtTurn int    `json:"branched_at_turn,omitempty"`
}

// AgentByID returns the agent with the given ID, or nil.
func (c *Conversation) AgentByID(id AgentID) *Agent {
	switch id {
	case AgentA:
		return &c.AgentA
	case AgentB:
		return &c.AgentB
	}
	return nil
}
