package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType discriminates event variants in the JSONL logs.
type EventType string

const (
	EventConversationStart   EventType = "conversation_start"
	EventConversationEnd     EventType = "conversation_end"
	EventTurnStart           EventType = "turn_start"
	EventTurnComplete        EventType = "turn_complete"
	EventMessageRequest      EventType = "message_request"
	EventMessageChunk        EventType = "message_chunk"
	EventMessageComplete     EventType = "message_complete"
	EventThinkingChunk       EventType = "thinking_chunk"
	EventThinkingComplete    EventType = "thinking_complete"
	EventSystemPrompt        EventType = "system_prompt"
	EventContextTruncation   EventType = "context_truncation"
	EventAPIError            EventType = "api_error"
	EventProviderTimeout     EventType = "provider_timeout"
	EventRateLimitPace       EventType = "rate_limit_pace"
	EventInterruptRequest    EventType = "interrupt_request"
	EventConversationPaused  EventType = "conversation_paused"
	EventConversationResumed EventType = "conversation_resumed"

	// EventWildcard subscribes a handler to every event type.
	EventWildcard EventType = "*"
)

// Payload is the per-variant body of an event. Implementations are plain
// structs; the discriminator lives on the Event envelope.
type Payload interface {
	EventType() EventType
}

// Event is the envelope shared by all variants. On the wire each event is
// a single flat JSON object: the envelope fields plus the payload fields
// at top level, one object per line, never pretty-printed.
type Event struct {
	Type           EventType `json:"type"`
	Sequence       int64     `json:"sequence"`
	Timestamp      time.Time `json:"timestamp"`
	ConversationID string    `json:"conversation_id,omitempty"`
	ExperimentID   string    `json:"experiment_id,omitempty"`

	Payload Payload `json:"-"`

	// Raw holds the original line for events decoded from a log, so
	// readers preserve fields written by newer writers.
	Raw json.RawMessage `json:"-"`
}

// ConversationStartPayload opens a conversation log.
type ConversationStartPayload struct {
	AgentA        Agent   `json:"agent_a"`
	AgentB        Agent   `json:"agent_b"`
	InitialPrompt string  `json:"initial_prompt,omitempty"`
	MaxTurns      int     `json:"max_turns"`
	FirstSpeaker  AgentID `json:"first_speaker"`

	// Branch origin, set only for branched conversations.
	BranchedFrom   string `json:"branched_from,omitempty"`
	BranchedAtTurn int    `json:"branched_at_turn,omitempty"`
}

func (ConversationStartPayload) EventType() EventType { return EventConversationStart }

// ConversationEndPayload closes a conversation log. No events follow it.
type ConversationEndPayload struct {
	Reason           string  `json:"ended_reason"`
	Status           ConversationStatus `json:"status"`
	FinalConvergence float64 `json:"final_convergence"`
	TotalTurns       int     `json:"total_turns"`
	DurationMs       int64   `json:"duration_ms"`
	Error            string  `json:"error,omitempty"`
}

func (ConversationEndPayload) EventType() EventType { return EventConversationEnd }

// TurnStartPayload marks the beginning of a turn.
type TurnStartPayload struct {
	TurnNumber int `json:"turn_number"`
}

func (TurnStartPayload) EventType() EventType { return EventTurnStart }

// TurnCompletePayload marks a finished turn with its convergence score
// and the turn's message pair.
type TurnCompletePayload struct {
	TurnNumber       int     `json:"turn_number"`
	ConvergenceScore float64 `json:"convergence_score"`
	Turn             Turn    `json:"turn"`
}

func (TurnCompletePayload) EventType() EventType { return EventTurnComplete }

// MessageRequestPayload precedes a provider call.
type MessageRequestPayload struct {
	AgentID     AgentID  `json:"agent_id"`
	TurnNumber  int      `json:"turn_number"`
	Provider    string   `json:"provider"`
	Model       string   `json:"model"`
	Temperature *float64 `json:"temperature,omitempty"`
}

func (MessageRequestPayload) EventType() EventType { return EventMessageRequest }

// MessageChunkPayload carries one streamed response fragment.
type MessageChunkPayload struct {
	AgentID    AgentID `json:"agent_id"`
	TurnNumber int     `json:"turn_number"`
	Content    string  `json:"content"`
	ChunkIndex int     `json:"chunk_index"`
}

func (MessageChunkPayload) EventType() EventType { return EventMessageChunk }

// MessageCompletePayload carries the assembled message plus usage.
type MessageCompletePayload struct {
	AgentID         AgentID `json:"agent_id"`
	TurnNumber      int     `json:"turn_number"`
	Content         string  `json:"content"`
	Model           string  `json:"model"`
	InputTokens     int     `json:"input_tokens"`
	OutputTokens    int     `json:"output_tokens"`
	TokensEstimated bool    `json:"tokens_estimated,omitempty"`
	DurationMs      int64   `json:"duration_ms"`
}

func (MessageCompletePayload) EventType() EventType { return EventMessageComplete }

// ThinkingChunkPayload carries one streamed reasoning fragment.
type ThinkingChunkPayload struct {
	AgentID    AgentID `json:"agent_id"`
	TurnNumber int     `json:"turn_number"`
	Content    string  `json:"content"`
	ChunkIndex int     `json:"chunk_index"`
}

func (ThinkingChunkPayload) EventType() EventType { return EventThinkingChunk }

// ThinkingCompletePayload carries the assembled reasoning trace.
type ThinkingCompletePayload struct {
	AgentID        AgentID `json:"agent_id"`
	TurnNumber     int     `json:"turn_number"`
	Content        string  `json:"content"`
	ThinkingTokens int     `json:"thinking_tokens,omitempty"`
	DurationMs     int64   `json:"duration_ms"`
}

func (ThinkingCompletePayload) EventType() EventType { return EventThinkingComplete }

// SystemPromptPayload records a system prompt injected mid-conversation,
// for example after a name choice is announced to the partner agent.
type SystemPromptPayload struct {
	AgentID     AgentID `json:"agent_id"`
	Content     string  `json:"content"`
	DisplayName string  `json:"agent_display_name,omitempty"`
}

func (SystemPromptPayload) EventType() EventType { return EventSystemPrompt }

// ContextTruncationPayload records dropped history before a provider call.
type ContextTruncationPayload struct {
	AgentID          AgentID `json:"agent_id"`
	TurnNumber       int     `json:"turn_number"`
	OriginalMessages int     `json:"original_messages"`
	RetainedMessages int     `json:"retained_messages"`
	DroppedMessages  int     `json:"dropped_messages"`
	EstimatedTokens  int     `json:"estimated_tokens"`
	MaxTokens        int     `json:"max_tokens"`
}

func (ContextTruncationPayload) EventType() EventType { return EventContextTruncation }

// APIErrorPayload records a provider failure surfaced to the conductor.
type APIErrorPayload struct {
	AgentID    AgentID `json:"agent_id,omitempty"`
	TurnNumber int     `json:"turn_number"`
	Provider   string  `json:"provider"`
	Model      string  `json:"model,omitempty"`
	Reason     string  `json:"error_type"`
	Message    string  `json:"error_message"`
	Retryable  bool    `json:"retryable"`
}

func (APIErrorPayload) EventType() EventType { return EventAPIError }

// ProviderTimeoutPayload records a deadline exceeded on a provider call.
type ProviderTimeoutPayload struct {
	AgentID        AgentID `json:"agent_id"`
	TurnNumber     int     `json:"turn_number"`
	Provider       string  `json:"provider"`
	TimeoutSeconds float64 `json:"timeout_seconds"`
}

func (ProviderTimeoutPayload) EventType() EventType { return EventProviderTimeout }

// RateLimitPacePayload announces a sleep imposed by the rate limiter or
// retry backoff.
type RateLimitPacePayload struct {
	Provider string  `json:"provider"`
	WaitMs   int64   `json:"wait_ms"`
	Reason   string  `json:"reason"` // "pace" or "retry_backoff"
	Attempt  int     `json:"attempt,omitempty"`
}

func (RateLimitPacePayload) EventType() EventType { return EventRateLimitPace }

// InterruptRequestPayload records an operator stop request.
type InterruptRequestPayload struct {
	Source string `json:"source"` // "signal", "stop_file", "keyboard"
}

func (InterruptRequestPayload) EventType() EventType { return EventInterruptRequest }

// ConversationPausedPayload marks a cooperative pause.
type ConversationPausedPayload struct{}

func (ConversationPausedPayload) EventType() EventType { return EventConversationPaused }

// ConversationResumedPayload marks a resume after a pause.
type ConversationResumedPayload struct{}

func (ConversationResumedPayload) EventType() EventType { return EventConversationResumed }

// payloadFactories maps discriminator values to empty payloads for decoding.
var payloadFactories = map[EventType]func() Payload{
	EventConversationStart:   func() Payload { return &ConversationStartPayload{} },
	EventConversationEnd:     func() Payload { return &ConversationEndPayload{} },
	EventTurnStart:           func() Payload { return &TurnStartPayload{} },
	EventTurnComplete:        func() Payload { return &TurnCompletePayload{} },
	EventMessageRequest:      func() Payload { return &MessageRequestPayload{} },
	EventMessageChunk:        func() Payload { return &MessageChunkPayload{} },
	EventMessageComplete:     func() Payload { return &MessageCompletePayload{} },
	EventThinkingChunk:       func() Payload { return &ThinkingChunkPayload{} },
	EventThinkingComplete:    func() Payload { return &ThinkingCompletePayload{} },
	EventSystemPrompt:        func() Payload { return &SystemPromptPayload{} },
	EventContextTruncation:   func() Payload { return &ContextTruncationPayload{} },
	EventAPIError:            func() Payload { return &APIErrorPayload{} },
	EventProviderTimeout:     func() Payload { return &ProviderTimeoutPayload{} },
	EventRateLimitPace:       func() Payload { return &RateLimitPacePayload{} },
	EventInterruptRequest:    func() Payload { return &InterruptRequestPayload{} },
	EventConversationPaused:  func() Payload { return &ConversationPausedPayload{} },
	EventConversationResumed: func() Payload { return &ConversationResumedPayload{} },
}

// NewEvent builds an unsequenced event from a payload. Sequence and
// timestamp are assigned by the bus at emission time.
func NewEvent(conversationID, experimentID string, p Payload) *Event {
	return &Event{
		Type:           p.EventType(),
		ConversationID: conversationID,
		ExperimentID:   experimentID,
		Payload:        p,
	}
}

// envelope mirrors the Event envelope fields for (un)marshalling.
type envelope struct {
	Type           EventType `json:"type"`
	Sequence       int64     `json:"sequence"`
	Timestamp      time.Time `json:"timestamp"`
	ConversationID string    `json:"conversation_id,omitempty"`
	ExperimentID   string    `json:"experiment_id,omitempty"`
}

// MarshalJSON encodes the envelope and payload as one flat object.
func (e *Event) MarshalJSON() ([]byte, error) {
	env, err := json.Marshal(envelope{
		Type:           e.Type,
		Sequence:       e.Sequence,
		Timestamp:      e.Timestamp,
		ConversationID: e.ConversationID,
		ExperimentID:   e.ExperimentID,
	})
	if err != nil {
		return nil, err
	}
	if e.Payload == nil {
		return env, nil
	}
	body, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	return mergeObjects(env, body)
}

// UnmarshalJSON decodes the envelope, then the payload variant selected by
// the discriminator from the same bytes. The raw line is retained so
// unknown fields survive replay and re-import.
func (e *Event) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	if env.Type == "" {
		return fmt.Errorf("event: missing type discriminator")
	}
	e.Type = env.Type
	e.Sequence = env.Sequence
	e.Timestamp = env.Timestamp
	e.ConversationID = env.ConversationID
	e.ExperimentID = env.ExperimentID
	e.Raw = append(e.Raw[:0], data...)

	factory, ok := payloadFactories[env.Type]
	if !ok {
		// Unknown event type: envelope only, raw preserved.
		e.Payload = nil
		return nil
	}
	p := factory()
	if err := json.Unmarshal(data, p); err != nil {
		return fmt.Errorf("event: decode %s payload: %w", env.Type, err)
	}
	e.Payload = p
	return nil
}

// mergeObjects splices two flat JSON objects into one. Both inputs must be
// objects; key collisions favor the first (envelope) object.
func mergeObjects(a, b []byte) ([]byte, error) {
	if len(b) <= 2 { // "{}" or shorter
		return a, nil
	}
	if len(a) <= 2 {
		return b, nil
	}
	if a[len(a)-1] != '}' || b[0] != '{' {
		return nil, fmt.Errorf("event: cannot merge non-object JSON")
	}
	merged := make([]byte, 0, len(a)+len(b))
	merged = append(merged, a[:len(a)-1]...)
	merged = append(merged, ',')
	merged = append(merged, b[1:]...)
	return merged, nil
}
