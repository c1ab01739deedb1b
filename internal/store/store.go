// Package store is the post-run relational layer: a SQLite database per
// experiment, populated by importing the JSONL event logs after the
// conversations finish. The database is a pure function of the event
// files; re-import is idempotent.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// DatabaseFile is the store's filename inside an experiment directory.
const DatabaseFile = "experiments.sqlite"

// Store wraps the experiment database.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// Imports are single-writer; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for read-only analysis queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS experiments (
		experiment_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		total_conversations INTEGER NOT NULL,
		completed_conversations INTEGER NOT NULL,
		failed_conversations INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT,
		config_json TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		conversation_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		experiment_id TEXT,
		type TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		PRIMARY KEY (conversation_id, sequence)
	)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		conversation_id TEXT PRIMARY KEY,
		experiment_id TEXT NOT NULL,
		agent_a_model TEXT,
		agent_b_model TEXT,
		agent_a_chosen_name TEXT,
		agent_b_chosen_name TEXT,
		first_speaker TEXT,
		initial_prompt TEXT,
		max_turns INTEGER,
		status TEXT NOT NULL,
		ended_reason TEXT,
		final_convergence REAL,
		total_turns INTEGER NOT NULL,
		error TEXT,
		branched_from TEXT,
		branched_at_turn INTEGER,
		started_at TEXT,
		ended_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		conversation_id TEXT NOT NULL,
		message_index INTEGER NOT NULL,
		turn_number INTEGER NOT NULL,
		agent_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		PRIMARY KEY (conversation_id, message_index)
	)`,
	`CREATE TABLE IF NOT EXISTS turn_metrics (
		conversation_id TEXT NOT NULL,
		turn_number INTEGER NOT NULL,
		convergence REAL,

		a_char_count INTEGER, a_word_count INTEGER, a_sentence_count INTEGER,
		a_paragraph_count INTEGER, a_question_count INTEGER, a_exclamation_count INTEGER,
		a_list_item_count INTEGER, a_code_block_count INTEGER,
		a_avg_word_length REAL, a_avg_sentence_length REAL,
		a_type_token_ratio REAL, a_hapax_ratio REAL,
		a_word_entropy REAL, a_char_entropy REAL,
		a_punctuation_density REAL, a_symbol_density REAL,
		a_first_person_singular INTEGER, a_first_person_plural INTEGER, a_second_person INTEGER,

		b_char_count INTEGER, b_word_count INTEGER, b_sentence_count INTEGER,
		b_paragraph_count INTEGER, b_question_count INTEGER, b_exclamation_count INTEGER,
		b_list_item_count INTEGER, b_code_block_count INTEGER,
		b_avg_word_length REAL, b_avg_sentence_length REAL,
		b_type_token_ratio REAL, b_hapax_ratio REAL,
		b_word_entropy REAL, b_char_entropy REAL,
		b_punctuation_density REAL, b_symbol_density REAL,
		b_first_person_singular INTEGER, b_first_person_plural INTEGER, b_second_person INTEGER,

		PRIMARY KEY (conversation_id, turn_number)
	)`,
	`CREATE TABLE IF NOT EXISTS thinking_traces (
		conversation_id TEXT NOT NULL,
		turn_number INTEGER NOT NULL,
		agent_id TEXT NOT NULL,
		content TEXT NOT NULL,
		thinking_tokens INTEGER,
		duration_ms INTEGER,
		PRIMARY KEY (conversation_id, turn_number, agent_id)
	)`,
	`CREATE TABLE IF NOT EXISTS token_usage (
		conversation_id TEXT NOT NULL,
		turn_number INTEGER NOT NULL,
		agent_id TEXT NOT NULL,
		model TEXT,
		input_tokens INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		tokens_estimated INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (conversation_id, turn_number, agent_id)
	)`,
	`CREATE TABLE IF NOT EXISTS context_truncations (
		conversation_id TEXT NOT NULL,
		turn_number INTEGER NOT NULL,
		agent_id TEXT NOT NULL,
		original_messages INTEGER NOT NULL,
		retained_messages INTEGER NOT NULL,
		dropped_messages INTEGER NOT NULL,
		estimated_tokens INTEGER,
		max_tokens INTEGER,
		PRIMARY KEY (conversation_id, turn_number, agent_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_experiment ON events (experiment_id)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_turn ON messages (conversation_id, turn_number)`,
	`CREATE INDEX IF NOT EXISTS idx_conversations_experiment ON conversations (experiment_id)`,
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}
