// Package experiment turns a validated ExperimentConfig into running
// conversations: per-agent setting resolution, bounded-parallelism
// scheduling, manifest upkeep, and post-run import.
package experiment

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/haasonsaas/pidgin/internal/convergence"
	"github.com/haasonsaas/pidgin/pkg/models"
)

// Resolve builds the conversation for one repetition of an experiment.
// Experiment-level settings apply to both agents unless a per-agent
// override is present.
func Resolve(config *models.ExperimentConfig, experimentID string, rep int) *models.Conversation {
	first := config.FirstSpeaker
	if first == "" {
		first = models.AgentA
	}

	conv := &models.Conversation{
		ID:            fmt.Sprintf("conv_%s_%d", uuid.NewString()[:8], rep),
		ExperimentID:  experimentID,
		AgentA:        resolveAgent(config, models.AgentA),
		AgentB:        resolveAgent(config, models.AgentB),
		InitialPrompt: config.InitialPrompt,
		MaxTurns:      config.MaxTurns,
		FirstSpeaker:  first,
		Status:        models.ConversationCreated,
	}

	if config.BranchFrom != "" {
		conv.BranchedFrom = config.BranchFrom
		conv.BranchedAtTurn = config.BranchTurns
		conv.Messages = append(conv.Messages, config.BranchMessages...)
	}
	return conv
}

func resolveAgent(config *models.ExperimentConfig, id models.AgentID) models.Agent {
	agent := models.Agent{ID: id}

	if id == models.AgentA {
		agent.Model = config.AgentAModel
		agent.Temperature = config.TemperatureA
		agent.Awareness = config.AwarenessA
		agent.ThinkingOn = resolveThinking(config.ThinkingEnabled, config.ThinkingA)
	} else {
		agent.Model = config.AgentBModel
		agent.Temperature = config.TemperatureB
		agent.Awareness = config.AwarenessB
		agent.ThinkingOn = resolveThinking(config.ThinkingEnabled, config.ThinkingB)
	}

	if agent.Awareness == "" {
		agent.Awareness = models.AwarenessBasic
	}
	if agent.ThinkingOn {
		agent.ThinkingBudget = config.ThinkingBudget
	}
	return agent
}

func resolveThinking(experimentLevel bool, override *bool) bool {
	if override != nil {
		return *override
	}
	return experimentLevel
}

// CalculatorFor builds the convergence calculator selected by the
// config: a named profile, or explicit weights when the profile is
// "custom". An empty profile means balanced.
func CalculatorFor(config *models.ExperimentConfig) (*convergence.Calculator, error) {
	profile := config.ConvergenceProfile
	switch profile {
	case "":
		return convergence.NewProfile("balanced")
	case "custom":
		w := config.CustomWeights
		if len(w) == 0 {
			return nil, fmt.Errorf("experiment: custom convergence profile needs custom_weights")
		}
		return convergence.New(convergence.Weights{
			Content:     w["content"],
			Length:      w["length"],
			Sentences:   w["sentences"],
			Structure:   w["structure"],
			Punctuation: w["punctuation"],
		})
	default:
		return convergence.NewProfile(profile)
	}
}
