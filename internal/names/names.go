// Package names assigns agent display names and extracts self-chosen
// handles from first messages.
package names

import (
	"regexp"
	"strings"

	"github.com/haasonsaas/pidgin/pkg/models"
)

// chosenNamePatterns are the accepted phrasings for a self-assigned
// name, tried in order. Each pattern's first group captures the name.
var chosenNamePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bI'?ll go by ["'\x60]?(\w{2,8})\b`),
	regexp.MustCompile(`(?i)\bcall me ["'\x60]?(\w{2,8})\b`),
	regexp.MustCompile(`(?i)\bmy name is ["'\x60]?(\w{2,8})\b`),
	regexp.MustCompile(`(?i)\bI choose ["'\x60]?(\w{2,8})\b`),
	regexp.MustCompile(`\[(\w{2,8})\]`),
	regexp.MustCompile(`"(\w{2,8})"`),
}

// rejectedNames are capture-group matches that are grammar, not names.
var rejectedNames = map[string]bool{
	"the": true, "it": true, "that": true, "this": true,
	"myself": true, "simply": true, "just": true, "either": true,
}

// Extract attempts to pull a self-chosen name out of a message. Returns
// the name and true on success. Names are 2 to 8 word characters; the
// first matching phrasing wins.
func Extract(content string) (string, bool) {
	for _, pattern := range chosenNamePatterns {
		m := pattern.FindStringSubmatch(content)
		if m == nil {
			continue
		}
		name := m[1]
		if rejectedNames[strings.ToLower(name)] {
			continue
		}
		return name, true
	}
	return "", false
}

// Shortname derives a compact display name from a model identifier:
// "claude-sonnet-4-20250514" becomes "sonnet", "gpt-4o" stays "gpt-4o".
func Shortname(model string) string {
	m := strings.ToLower(model)
	switch {
	case strings.HasPrefix(m, "claude"):
		for _, family := range []string{"opus", "sonnet", "haiku"} {
			if strings.Contains(m, family) {
				return family
			}
		}
		return "claude"
	case strings.HasPrefix(m, "gemini"):
		return "gemini"
	case strings.HasPrefix(m, "grok"):
		return "grok"
	case strings.HasPrefix(m, "test") || strings.HasPrefix(m, "silent"):
		return m
	default:
		// Strip a date or version suffix like ":latest".
		if i := strings.IndexByte(m, ':'); i > 0 {
			return m[:i]
		}
		return m
	}
}

// Assign sets display names on both agents, disambiguating with -1/-2
// suffixes when they resolve to the same shortname.
func Assign(agentA, agentB *models.Agent) {
	a := Shortname(agentA.Model)
	b := Shortname(agentB.Model)
	if a == b {
		a += "-1"
		b += "-2"
	}
	agentA.DisplayName = a
	agentB.DisplayName = b
}
