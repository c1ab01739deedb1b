// Package replay reconstructs conversation and experiment state from
// JSONL event logs. Monitoring and branching read state this way so
// live conversations never need the relational store.
package replay

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/haasonsaas/pidgin/pkg/models"
)

// maxLineBytes bounds one event line. Message completes carry whole
// responses, so lines can be large.
const maxLineBytes = 4 * 1024 * 1024

// ReadEvents streams a JSONL event file in order, calling fn for each
// decoded event. Decoding stops at the first malformed line; a log is
// append-only, so everything after corruption is suspect.
func ReadEvents(path string, fn func(*models.Event) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var event models.Event
		if err := event.UnmarshalJSON(raw); err != nil {
			return fmt.Errorf("replay: %s line %d: %w", filepath.Base(path), line, err)
		}
		if err := fn(&event); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// ErrStop halts ReadEvents early without reporting an error.
var ErrStop = fmt.Errorf("replay: stop")

// ConversationState is the accumulator folded from one conversation's
// event log.
type ConversationState struct {
	Conversation models.Conversation

	// CompletedTurns is the number of TurnComplete events seen.
	CompletedTurns int

	// Convergence holds each turn's score in order.
	Convergence []float64

	ThinkingTraces []models.ThinkingTrace

	InputTokens  int
	OutputTokens int
	Truncations  int

	// LastSequence is the highest sequence observed, for tailing.
	LastSequence int64
}

// StateBuilder folds events into a ConversationState. Events must be
// applied in log order.
type StateBuilder struct {
	state ConversationState
}

// NewStateBuilder creates an empty builder.
func NewStateBuilder() *StateBuilder {
	return &StateBuilder{
		state: ConversationState{
			Conversation: models.Conversation{Status: models.ConversationCreated},
		},
	}
}

// State returns the accumulated state.
func (b *StateBuilder) State() *ConversationState {
	return &b.state
}

// Apply folds one event. Unknown event types are ignored so logs from
// newer writers still replay.
func (b *StateBuilder) Apply(event *models.Event) {
	s := &b.state
	if event.Sequence > s.LastSequence {
		s.LastSequence = event.Sequence
	}
	conv := &s.Conversation
	if conv.ID == "" {
		conv.ID = event.ConversationID
	}
	if conv.ExperimentID == "" {
		conv.ExperimentID = event.ExperimentID
	}

	switch p := event.Payload.(type) {
	case *models.ConversationStartPayload:
		conv.AgentA = p.AgentA
		conv.AgentB = p.AgentB
		conv.InitialPrompt = p.InitialPrompt
		conv.MaxTurns = p.MaxTurns
		conv.FirstSpeaker = p.FirstSpeaker
		conv.BranchedFrom = p.BranchedFrom
		conv.BranchedAtTurn = p.BranchedAtTurn
		conv.Status = models.ConversationRunning
		conv.StartedAt = event.Timestamp
		if p.InitialPrompt != "" {
			conv.Messages = append(conv.Messages, models.Message{
				Role:      models.RoleUser,
				AgentID:   models.AgentHuman,
				Content:   p.InitialPrompt,
				Timestamp: event.Timestamp,
			})
		}

	case *models.MessageCompletePayload:
		conv.Messages = append(conv.Messages, models.Message{
			Role:      models.RoleAssistant,
			AgentID:   p.AgentID,
			Content:   p.Content,
			Timestamp: event.Timestamp,
		})
		s.InputTokens += p.InputTokens
		s.OutputTokens += p.OutputTokens

	case *models.ThinkingCompletePayload:
		s.ThinkingTraces = append(s.ThinkingTraces, models.ThinkingTrace{
			ConversationID: event.ConversationID,
			Turn:           p.TurnNumber,
			AgentID:        p.AgentID,
			Content:        p.Content,
			ThinkingTokens: p.ThinkingTokens,
			DurationMs:     p.DurationMs,
		})

	case *models.TurnCompletePayload:
		s.CompletedTurns++
		s.Convergence = append(s.Convergence, p.ConvergenceScore)
		conv.FinalConvergence = p.ConvergenceScore

	case *models.SystemPromptPayload:
		if p.DisplayName != "" {
			if agent := conv.AgentByID(p.AgentID.Partner()); agent != nil {
				agent.ChosenName = p.DisplayName
			}
		}

	case *models.ContextTruncationPayload:
		s.Truncations++

	case *models.ConversationEndPayload:
		conv.Status = p.Status
		conv.ConvergenceReason = p.Reason
		conv.FinalConvergence = p.FinalConvergence
		conv.Error = p.Error
		end := event.Timestamp
		conv.EndedAt = &end
	}
}

// LoadConversation rebuilds the full state from one event log.
func LoadConversation(path string) (*ConversationState, error) {
	b := NewStateBuilder()
	if err := ReadEvents(path, func(e *models.Event) error {
		b.Apply(e)
		return nil
	}); err != nil {
		return nil, err
	}
	return b.State(), nil
}

// LoadConversationAtTurn rebuilds the state as of the end of turn k-1,
// that is after k completed turns. Branching seeds new conversations
// from this prefix state.
func LoadConversationAtTurn(path string, k int) (*ConversationState, error) {
	b := NewStateBuilder()
	err := ReadEvents(path, func(e *models.Event) error {
		if b.State().CompletedTurns >= k {
			return ErrStop
		}
		b.Apply(e)
		return nil
	})
	if err != nil && err != ErrStop {
		return nil, err
	}
	if b.State().CompletedTurns < k {
		return nil, fmt.Errorf("replay: log has %d turns, branch point %d", b.State().CompletedTurns, k)
	}
	return b.State(), nil
}

// ConversationLogs lists the conversation event files in an experiment
// directory, sorted by name.
func ConversationLogs(experimentDir string) ([]string, error) {
	entries, err := os.ReadDir(experimentDir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), "_events.jsonl") {
			paths = append(paths, filepath.Join(experimentDir, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// LoadExperiment rebuilds every conversation state in an experiment
// directory.
func LoadExperiment(experimentDir string) ([]*ConversationState, error) {
	paths, err := ConversationLogs(experimentDir)
	if err != nil {
		return nil, err
	}
	states := make([]*ConversationState, 0, len(paths))
	for _, path := range paths {
		state, err := LoadConversation(path)
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, nil
}
