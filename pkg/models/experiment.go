package models

import (
	"fmt"
	"time"
)

// ExperimentStatus tracks an experiment batch through its lifecycle.
type ExperimentStatus string

const (
	ExperimentCreated     ExperimentStatus = "created"
	ExperimentRunning     ExperimentStatus = "running"
	ExperimentCompleted   ExperimentStatus = "completed"
	ExperimentFailed      ExperimentStatus = "failed"
	ExperimentInterrupted ExperimentStatus = "interrupted"
)

// ConvergenceAction controls what happens when the convergence score
// crosses the configured threshold.
type ConvergenceAction string

const (
	ConvergenceStop     ConvergenceAction = "stop"
	ConvergenceContinue ConvergenceAction = "continue"
	ConvergenceNotify   ConvergenceAction = "notify"
)

// ExperimentConfig describes a batch of N independent conversations
// between two models. It is produced by the YAML loader and validated
// before any conversation begins.
type ExperimentConfig struct {
	Name        string `json:"name" yaml:"name"`
	AgentAModel string `json:"agent_a_model" yaml:"agent_a_model"`
	AgentBModel string `json:"agent_b_model" yaml:"agent_b_model"`
	Repetitions int    `json:"repetitions" yaml:"repetitions"`
	MaxTurns    int    `json:"max_turns" yaml:"max_turns"`

	InitialPrompt string  `json:"initial_prompt,omitempty" yaml:"initial_prompt"`
	FirstSpeaker  AgentID `json:"first_speaker,omitempty" yaml:"first_speaker"`
	MaxParallel   int     `json:"max_parallel,omitempty" yaml:"max_parallel"`

	TemperatureA *float64 `json:"temperature_a,omitempty" yaml:"temperature_a"`
	TemperatureB *float64 `json:"temperature_b,omitempty" yaml:"temperature_b"`

	AwarenessA AwarenessLevel `json:"awareness_a,omitempty" yaml:"awareness_a"`
	AwarenessB AwarenessLevel `json:"awareness_b,omitempty" yaml:"awareness_b"`

	ConvergenceThreshold float64           `json:"convergence_threshold,omitempty" yaml:"convergence_threshold"`
	ConvergenceAction    ConvergenceAction `json:"convergence_action,omitempty" yaml:"convergence_action"`
	ConvergenceProfile   string            `json:"convergence_profile,omitempty" yaml:"convergence_profile"`
	CustomWeights        map[string]float64 `json:"custom_weights,omitempty" yaml:"custom_weights"`

	ChooseNames     bool `json:"choose_names,omitempty" yaml:"choose_names"`
	AllowTruncation bool `json:"allow_truncation,omitempty" yaml:"allow_truncation"`

	ThinkingEnabled bool `json:"thinking_enabled,omitempty" yaml:"thinking_enabled"`
	ThinkingBudget  int  `json:"thinking_budget,omitempty" yaml:"thinking_budget"`
	ThinkingA       *bool `json:"thinking_a,omitempty" yaml:"thinking_a"`
	ThinkingB       *bool `json:"thinking_b,omitempty" yaml:"thinking_b"`

	// BranchFrom seeds every conversation in the experiment with the
	// first BranchTurns turns of an existing conversation's event log.
	BranchFrom string `json:"branch_from,omitempty" yaml:"branch_from"`
	BranchTurns int   `json:"branch_turns,omitempty" yaml:"branch_turns"`
	BranchMessages []Message `json:"branch_messages,omitempty" yaml:"-"`
}

// Validate checks the required fields and value ranges.
func (c *ExperimentConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("experiment config: name is required")
	}
	if c.AgentAModel == "" || c.AgentBModel == "" {
		return fmt.Errorf("experiment config: both agent models are required")
	}
	if c.Repetitions < 1 {
		return fmt.Errorf("experiment config: repetitions must be >= 1, got %d", c.Repetitions)
	}
	if c.MaxTurns < 0 {
		return fmt.Errorf("experiment config: max_turns must be >= 0, got %d", c.MaxTurns)
	}
	if c.MaxParallel < 0 {
		return fmt.Errorf("experiment config: max_parallel must be >= 1, got %d", c.MaxParallel)
	}
	if c.ConvergenceThreshold < 0 || c.ConvergenceThreshold > 1 {
		return fmt.Errorf("experiment config: convergence_threshold must be in [0,1], got %g", c.ConvergenceThreshold)
	}
	switch c.ConvergenceAction {
	case "", ConvergenceStop, ConvergenceContinue, ConvergenceNotify:
	default:
		return fmt.Errorf("experiment config: unknown convergence_action %q", c.ConvergenceAction)
	}
	switch c.FirstSpeaker {
	case "", AgentA, AgentB:
	default:
		return fmt.Errorf("experiment config: first_speaker must be agent_a or agent_b, got %q", c.FirstSpeaker)
	}
	for _, t := range []*float64{c.TemperatureA, c.TemperatureB} {
		if t != nil && (*t < 0 || *t > 2) {
			return fmt.Errorf("experiment config: temperature must be in [0,2], got %g", *t)
		}
	}
	return nil
}

// Experiment is the runtime record of a batch.
type Experiment struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Config      ExperimentConfig `json:"config"`
	Status      ExperimentStatus `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`

	TotalConversations     int `json:"total_conversations"`
	CompletedConversations int `json:"completed_conversations"`
	FailedConversations    int `json:"failed_conversations"`
}

// Manifest is the JSON document the scheduler maintains at
// <experiment_dir>/manifest.json. Rewritten atomically on every change.
type Manifest struct {
	ExperimentID           string           `json:"experiment_id"`
	Name                   string           `json:"name"`
	Status                 ExperimentStatus `json:"status"`
	TotalConversations     int              `json:"total_conversations"`
	CompletedConversations int              `json:"completed_conversations"`
	FailedConversations    int              `json:"failed_conversations"`
	CreatedAt              time.Time        `json:"created_at"`
	StartedAt              *time.Time       `json:"started_at,omitempty"`
	CompletedAt            *time.Time       `json:"completed_at,omitempty"`
	Config                 ExperimentConfig `json:"config"`
}
