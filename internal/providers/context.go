package providers

import "github.com/haasonsaas/pidgin/pkg/models"

// responseMargin reserves headroom beyond the response budget so a
// trimmed request does not land exactly at the window edge.
const responseMargin = 1024

// Truncation describes messages dropped by FitContext.
type Truncation struct {
	MessagesDropped int
	TokensDropped   int
}

// FitContext trims the oldest messages until the estimated prompt fits
// the model's context window minus the response budget. System prompts
// travel outside Messages, so every message is a candidate; the most
// recent messages are always preserved. Returns the (possibly shorter)
// history and a non-nil Truncation when anything was dropped.
//
// When allowTruncation is false the history is returned untouched and
// an oversized request is left for the vendor to reject, which surfaces
// as a context_length failure.
func FitContext(req *Request, contextSize int, allowTruncation bool) ([]models.Message, *Truncation) {
	if contextSize <= 0 || !allowTruncation {
		return req.Messages, nil
	}

	budget := contextSize - EstimateTokens(req.System) - responseMargin
	if req.MaxTokens > 0 {
		budget -= req.MaxTokens
	} else {
		budget -= defaultMaxTokens
	}

	total := 0
	for _, m := range req.Messages {
		total += EstimateTokens(m.Content) + 4
	}
	if total <= budget {
		return req.Messages, nil
	}

	dropped := 0
	droppedTokens := 0
	msgs := req.Messages
	// Keep at least the final exchange so the model has something to
	// respond to.
	for len(msgs) > 2 && total > budget {
		cost := EstimateTokens(msgs[0].Content) + 4
		total -= cost
		droppedTokens += cost
		dropped++
		msgs = msgs[1:]
	}

	if dropped == 0 {
		return req.Messages, nil
	}
	return msgs, &Truncation{MessagesDropped: dropped, TokensDropped: droppedTokens}
}
