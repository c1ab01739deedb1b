// Package transcript renders finished conversations as Markdown for
// humans skimming an experiment directory.
package transcript

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/haasonsaas/pidgin/pkg/models"
)

// Writer renders transcript_<conversation_id>.md files.
type Writer struct{}

// New creates a transcript writer.
func New() *Writer {
	return &Writer{}
}

// Write renders the conversation into experimentDir. Existing
// transcripts are overwritten; the event log stays the source of truth.
func (w *Writer) Write(experimentDir string, conv *models.Conversation) error {
	path := filepath.Join(experimentDir, fmt.Sprintf("transcript_%s.md", conv.ID))
	return os.WriteFile(path, []byte(Render(conv)), 0o644)
}

// Render produces the Markdown document.
func Render(conv *models.Conversation) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Conversation %s\n\n", conv.ID)
	fmt.Fprintf(&b, "- **Agent A**: %s\n", agentLine(&conv.AgentA))
	fmt.Fprintf(&b, "- **Agent B**: %s\n", agentLine(&conv.AgentB))
	fmt.Fprintf(&b, "- **Status**: %s", conv.Status)
	if conv.ConvergenceReason != "" {
		fmt.Fprintf(&b, " (%s)", conv.ConvergenceReason)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "- **Final convergence**: %.3f\n", conv.FinalConvergence)
	if conv.BranchedFrom != "" {
		fmt.Fprintf(&b, "- **Branched from**: %s at turn %d\n", conv.BranchedFrom, conv.BranchedAtTurn)
	}
	if conv.Error != "" {
		fmt.Fprintf(&b, "- **Error**: %s\n", conv.Error)
	}
	b.WriteString("\n---\n\n")

	for _, msg := range conv.Messages {
		fmt.Fprintf(&b, "### %s\n", speaker(conv, msg))
		if !msg.Timestamp.IsZero() {
			fmt.Fprintf(&b, "*%s*\n", msg.Timestamp.UTC().Format(time.RFC3339))
		}
		b.WriteString("\n")
		if msg.Content == "" {
			b.WriteString("*(empty)*\n\n")
			continue
		}
		b.WriteString(msg.Content)
		b.WriteString("\n\n")
	}

	return b.String()
}

func agentLine(agent *models.Agent) string {
	name := agent.Name()
	if name == "" || name == agent.Model {
		return agent.Model
	}
	return fmt.Sprintf("%s (%s)", name, agent.Model)
}

func speaker(conv *models.Conversation, msg models.Message) string {
	switch msg.AgentID {
	case models.AgentA, models.AgentB:
		if agent := conv.AgentByID(msg.AgentID); agent != nil && agent.Name() != "" {
			return agent.Name()
		}
		return string(msg.AgentID)
	case models.AgentHuman:
		return "Initial prompt"
	case models.AgentSystem:
		return "System"
	default:
		return string(msg.AgentID)
	}
}
