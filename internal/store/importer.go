package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/haasonsaas/pidgin/internal/observability"
	"github.com/haasonsaas/pidgin/internal/replay"
	"github.com/haasonsaas/pidgin/pkg/models"
)

// Importer loads an experiment directory's event logs into the
// relational store. Each conversation imports in its own transaction;
// duplicate events are discarded on (conversation_id, sequence), so
// re-running an import is a no-op.
type Importer struct {
	log *observability.Logger
}

// NewImporter creates an importer. Logger may be nil.
func NewImporter(log *observability.Logger) *Importer {
	if log == nil {
		log = observability.FromEnv()
	}
	return &Importer{log: log}
}

// ImportExperiment imports manifest.json and every *_events.jsonl under
// experimentDir into <experimentDir>/experiments.sqlite.
func (i *Importer) ImportExperiment(ctx context.Context, experimentDir string) error {
	st, err := Open(ctx, filepath.Join(experimentDir, DatabaseFile))
	if err != nil {
		return err
	}
	defer st.Close()

	if err := i.importManifest(ctx, st, experimentDir); err != nil {
		return err
	}

	paths, err := replay.ConversationLogs(experimentDir)
	if err != nil {
		return err
	}
	for _, path := range paths {
		if err := i.importConversation(ctx, st, path); err != nil {
			return fmt.Errorf("store: import %s: %w", filepath.Base(path), err)
		}
	}

	i.log.Info(ctx, "experiment imported", "dir", experimentDir, "conversations", len(paths))
	return nil
}

func (i *Importer) importManifest(ctx context.Context, st *Store, experimentDir string) error {
	data, err := os.ReadFile(filepath.Join(experimentDir, "manifest.json"))
	if os.IsNotExist(err) {
		// Logs without a manifest are importable; the experiments table
		// just stays empty.
		return nil
	}
	if err != nil {
		return err
	}
	var m models.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("store: decode manifest: %w", err)
	}
	configJSON, err := json.Marshal(m.Config)
	if err != nil {
		return fmt.Errorf("store: encode config: %w", err)
	}

	_, err = st.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO experiments
		(experiment_id, name, status, total_conversations, completed_conversations,
		 failed_conversations, created_at, started_at, completed_at, config_json)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		m.ExperimentID, m.Name, string(m.Status),
		m.TotalConversations, m.CompletedConversations, m.FailedConversations,
		timeString(m.CreatedAt), timePtrString(m.StartedAt), timePtrString(m.CompletedAt),
		string(configJSON),
	)
	return err
}

// turnAccumulator gathers one turn's per-agent content for the metrics
// wide table.
type turnAccumulator struct {
	aContent, bContent string
	hasScore           bool
	score              float64
}

func (i *Importer) importConversation(ctx context.Context, st *Store, path string) error {
	var events []*models.Event
	if err := replay.ReadEvents(path, func(e *models.Event) error {
		copied := *e
		events = append(events, &copied)
		return nil
	}); err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	tx, err := st.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	builder := replay.NewStateBuilder()
	turns := map[int]*turnAccumulator{}
	messageIndex := 0

	turnOf := func(n int) *turnAccumulator {
		t, ok := turns[n]
		if !ok {
			t = &turnAccumulator{}
			turns[n] = t
		}
		return t
	}

	for _, e := range events {
		builder.Apply(e)

		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO events
			(conversation_id, sequence, experiment_id, type, timestamp, payload_json)
			VALUES (?,?,?,?,?,?)`,
			e.ConversationID, e.Sequence, e.ExperimentID,
			string(e.Type), timeString(e.Timestamp), string(e.Raw),
		); err != nil {
			return err
		}

		switch p := e.Payload.(type) {
		case *models.ConversationStartPayload:
			if p.InitialPrompt != "" {
				if err := insertMessage(ctx, tx, e.ConversationID, messageIndex, 0,
					models.AgentHuman, models.RoleUser, p.InitialPrompt, e.Timestamp); err != nil {
					return err
				}
				messageIndex++
			}

		case *models.MessageCompletePayload:
			if err := insertMessage(ctx, tx, e.ConversationID, messageIndex, p.TurnNumber,
				p.AgentID, models.RoleAssistant, p.Content, e.Timestamp); err != nil {
				return err
			}
			messageIndex++

			t := turnOf(p.TurnNumber)
			if p.AgentID == models.AgentA {
				t.aContent = p.Content
			} else {
				t.bContent = p.Content
			}

			if _, err := tx.ExecContext(ctx, `
				INSERT OR REPLACE INTO token_usage
				(conversation_id, turn_number, agent_id, model, input_tokens, output_tokens, tokens_estimated)
				VALUES (?,?,?,?,?,?,?)`,
				e.ConversationID, p.TurnNumber, string(p.AgentID), p.Model,
				p.InputTokens, p.OutputTokens, boolInt(p.TokensEstimated),
			); err != nil {
				return err
			}

		case *models.TurnCompletePayload:
			t := turnOf(p.TurnNumber)
			t.hasScore = true
			t.score = p.ConvergenceScore

		case *models.ThinkingCompletePayload:
			if _, err := tx.ExecContext(ctx, `
				INSERT OR REPLACE INTO thinking_traces
				(conversation_id, turn_number, agent_id, content, thinking_tokens, duration_ms)
				VALUES (?,?,?,?,?,?)`,
				e.ConversationID, p.TurnNumber, string(p.AgentID),
				p.Content, p.ThinkingTokens, p.DurationMs,
			); err != nil {
				return err
			}

		case *models.ContextTruncationPayload:
			if _, err := tx.ExecContext(ctx, `
				INSERT OR REPLACE INTO context_truncations
				(conversation_id, turn_number, agent_id, original_messages,
				 retained_messages, dropped_messages, estimated_tokens, max_tokens)
				VALUES (?,?,?,?,?,?,?,?)`,
				e.ConversationID, p.TurnNumber, string(p.AgentID),
				p.OriginalMessages, p.RetainedMessages, p.DroppedMessages,
				p.EstimatedTokens, p.MaxTokens,
			); err != nil {
				return err
			}
		}
	}

	state := builder.State()
	if err := insertConversation(ctx, tx, state); err != nil {
		return err
	}

	for turn, t := range turns {
		if err := insertTurnMetrics(ctx, tx, state.Conversation.ID, turn, t); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func insertMessage(ctx context.Context, tx *sql.Tx, conversationID string, index, turn int,
	agent models.AgentID, role models.Role, content string, ts time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO messages
		(conversation_id, message_index, turn_number, agent_id, role, content, timestamp)
		VALUES (?,?,?,?,?,?,?)`,
		conversationID, index, turn, string(agent), string(role), content, timeString(ts),
	)
	return err
}

func insertConversation(ctx context.Context, tx *sql.Tx, state *replay.ConversationState) error {
	conv := &state.Conversation
	_, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO conversations
		(conversation_id, experiment_id, agent_a_model, agent_b_model,
		 agent_a_chosen_name, agent_b_chosen_name, first_speaker, initial_prompt,
		 max_turns, status, ended_reason, final_convergence, total_turns, error,
		 branched_from, branched_at_turn, started_at, ended_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		conv.ID, conv.ExperimentID, conv.AgentA.Model, conv.AgentB.Model,
		conv.AgentA.ChosenName, conv.AgentB.ChosenName, string(conv.FirstSpeaker),
		conv.InitialPrompt, conv.MaxTurns, string(conv.Status), conv.ConvergenceReason,
		conv.FinalConvergence, state.CompletedTurns, conv.Error,
		conv.BranchedFrom, conv.BranchedAtTurn,
		timeString(conv.StartedAt), timePtrString(conv.EndedAt),
	)
	return err
}

func insertTurnMetrics(ctx context.Context, tx *sql.Tx, conversationID string, turn int, t *turnAccumulator) error {
	a := ComputeTextMetrics(t.aContent)
	b := ComputeTextMetrics(t.bContent)

	var score any
	if t.hasScore {
		score = t.score
	}

	args := []any{conversationID, turn, score}
	for _, m := range []TextMetrics{a, b} {
		args = append(args,
			m.CharCount, m.WordCount, m.SentenceCount,
			m.ParagraphCount, m.QuestionCount, m.ExclamationCount,
			m.ListItemCount, m.CodeBlockCount,
			m.AvgWordLength, m.AvgSentenceLength,
			m.TypeTokenRatio, m.HapaxRatio,
			m.WordEntropy, m.CharEntropy,
			m.PunctuationDensity, m.SymbolDensity,
			m.FirstPersonSingular, m.FirstPersonPlural, m.SecondPerson,
		)
	}

	_, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO turn_metrics
		(conversation_id, turn_number, convergence,
		 a_char_count, a_word_count, a_sentence_count,
		 a_paragraph_count, a_question_count, a_exclamation_count,
		 a_list_item_count, a_code_block_count,
		 a_avg_word_length, a_avg_sentence_length,
		 a_type_token_ratio, a_hapax_ratio,
		 a_word_entropy, a_char_entropy,
		 a_punctuation_density, a_symbol_density,
		 a_first_person_singular, a_first_person_plural, a_second_person,
		 b_char_count, b_word_count, b_sentence_count,
		 b_paragraph_count, b_question_count, b_exclamation_count,
		 b_list_item_count, b_code_block_count,
		 b_avg_word_length, b_avg_sentence_length,
		 b_type_token_ratio, b_hapax_ratio,
		 b_word_entropy, b_char_entropy,
		 b_punctuation_density, b_symbol_density,
		 b_first_person_singular, b_first_person_plural, b_second_person)
		VALUES (?,?,?,
		        ?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,
		        ?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		args...,
	)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timeString(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func timePtrString(t *time.Time) any {
	if t == nil {
		return nil
	}
	return timeString(*t)
}
