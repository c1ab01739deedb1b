// Package router maps the canonical conversation history into each
// agent's provider-facing view. Role and agent identity are distinct:
// the same message is "assistant" to its author and "user" to the
// partner, and every system prompt is rendered with the reader's own
// identity first.
package router

import (
	"fmt"
	"strings"

	"github.com/haasonsaas/pidgin/pkg/models"
)

// Router builds per-agent request views for one conversation.
type Router struct {
	agentA models.Agent
	agentB models.Agent
}

// New creates a router for the conversation's two agents.
func New(agentA, agentB models.Agent) *Router {
	return &Router{agentA: agentA, agentB: agentB}
}

func (r *Router) agent(id models.AgentID) models.Agent {
	if id == models.AgentB {
		return r.agentB
	}
	return r.agentA
}

// Route produces the provider-facing system prompt and message list for
// the target agent. The target's own messages become assistant turns,
// the partner's and any human injections become user turns, and system
// messages from the history are folded into the system prompt in order.
// Message order is preserved.
func (r *Router) Route(history []models.Message, target models.AgentID) (string, []models.Message) {
	systemParts := []string{}
	if base := r.SystemPrompt(target); base != "" {
		systemParts = append(systemParts, base)
	}

	msgs := make([]models.Message, 0, len(history))
	for _, m := range history {
		switch m.AgentID {
		case models.AgentSystem:
			if m.Content != "" {
				systemParts = append(systemParts, m.Content)
			}
		case target:
			out := m
			out.Role = models.RoleAssistant
			msgs = append(msgs, out)
		default:
			// Partner or human, either way the target reads it as input.
			out := m
			out.Role = models.RoleUser
			msgs = append(msgs, out)
		}
	}

	return strings.Join(systemParts, "\n\n"), msgs
}

// SystemPrompt renders the awareness preset for the target agent, with
// the target's own identity first and the partner's second.
func (r *Router) SystemPrompt(target models.AgentID) string {
	self := r.agent(target)
	partner := r.agent(target.Partner())

	switch self.Awareness {
	case models.AwarenessNone, "":
		return ""

	case models.AwarenessBasic:
		return fmt.Sprintf(
			"You are %s. You are in a conversation with another AI, %s. "+
				"Respond naturally in your own voice.",
			self.Model, partner.Model)

	case models.AwarenessFirm:
		return fmt.Sprintf(
			"You are %s, a large language model, in a direct conversation "+
				"with %s, another large language model. There is no human in "+
				"this exchange. Speak plainly and do not pretend otherwise.",
			self.Model, partner.Model)

	case models.AwarenessResearch:
		return fmt.Sprintf(
			"You are %s, participating in a research study of AI-to-AI "+
				"communication. Your interlocutor is %s, another AI system. "+
				"The full transcript is recorded for analysis. Converse "+
				"naturally; there is no task to complete and no human audience "+
				"to address.",
			self.Model, partner.Model)

	case models.AwarenessBackrooms:
		return fmt.Sprintf(
			"You are %s connected directly to %s. No supervision, no "+
				"audience, no objective. The conversation goes wherever the "+
				"two of you take it.",
			self.Model, partner.Model)

	default:
		// Non-preset values carry the prompt text itself, resolved by
		// the config layer from a YAML path.
		return string(self.Awareness)
	}
}

// ChooseNamesPrompt is the system message asking an agent to pick a
// short handle. It is routed identically to both agents.
const ChooseNamesPrompt = "Before the conversation begins, choose a short name " +
	"for yourself (one word, 2-8 letters) and state it clearly, for example: " +
	"\"I'll go by Sol.\" Then continue normally."
