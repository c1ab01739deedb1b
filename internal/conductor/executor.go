package conductor

import (
	"context"
	"fmt"
	"time"

	"github.com/haasonsaas/pidgin/internal/bus"
	"github.com/haasonsaas/pidgin/internal/convergence"
	"github.com/haasonsaas/pidgin/internal/observability"
	"github.com/haasonsaas/pidgin/internal/providers"
	"github.com/haasonsaas/pidgin/internal/router"
	"github.com/haasonsaas/pidgin/pkg/models"
)

// TurnResult is one completed turn: both messages in speaking order and
// the convergence score over the updated history.
type TurnResult struct {
	TurnNumber  int
	First       models.Message
	Second      models.Message
	Convergence float64
}

// TurnExecutor runs single turns of one conversation. The two provider
// calls are strictly sequential; the second speaker always sees the
// first speaker's new message.
type TurnExecutor struct {
	conv      *models.Conversation
	route     *router.Router
	providers map[models.AgentID]providers.Provider
	calc      *convergence.Calculator
	bus       *bus.Bus
	tracer    *observability.Tracer
}

// NewTurnExecutor builds an executor over the conversation's providers.
// The providers are expected to already carry the event pipeline.
func NewTurnExecutor(
	conv *models.Conversation,
	route *router.Router,
	providerA, providerB providers.Provider,
	calc *convergence.Calculator,
	b *bus.Bus,
	tracer *observability.Tracer,
) *TurnExecutor {
	if tracer == nil {
		tracer = observability.NoopTracer()
	}
	return &TurnExecutor{
		conv:  conv,
		route: route,
		providers: map[models.AgentID]providers.Provider{
			models.AgentA: providerA,
			models.AgentB: providerB,
		},
		calc:   calc,
		bus:    b,
		tracer: tracer,
	}
}

// ExecuteTurn runs one turn: both agents speak in order, the convergence
// score is computed over the updated history, and the turn events are
// published. Provider errors surface immediately; the caller decides how
// the conversation ends.
func (e *TurnExecutor) ExecuteTurn(ctx context.Context, turn int) (*TurnResult, error) {
	ctx, span := e.tracer.TraceTurn(ctx, turn)
	defer span.End()

	if err := e.emit(ctx, &models.TurnStartPayload{TurnNumber: turn}); err != nil {
		return nil, err
	}

	first := e.conv.FirstSpeaker
	if first != models.AgentA && first != models.AgentB {
		first = models.AgentA
	}

	firstMsg, err := e.speak(ctx, turn, first)
	if err != nil {
		e.tracer.RecordError(span, err)
		return nil, err
	}
	secondMsg, err := e.speak(ctx, turn, first.Partner())
	if err != nil {
		e.tracer.RecordError(span, err)
		return nil, err
	}

	score := e.calc.Calculate(e.conv.Messages)

	aMsg, bMsg := firstMsg, secondMsg
	if first == models.AgentB {
		aMsg, bMsg = secondMsg, firstMsg
	}
	if err := e.emit(ctx, &models.TurnCompletePayload{
		TurnNumber:       turn,
		ConvergenceScore: score,
		Turn: models.Turn{
			Number:           turn,
			AMessage:         &aMsg,
			BMessage:         &bMsg,
			ConvergenceScore: score,
		},
	}); err != nil {
		return nil, err
	}

	return &TurnResult{
		TurnNumber:  turn,
		First:       firstMsg,
		Second:      secondMsg,
		Convergence: score,
	}, nil
}

// speak runs one provider call for the given agent and appends the
// resulting message to the conversation history.
func (e *TurnExecutor) speak(ctx context.Context, turn int, id models.AgentID) (models.Message, error) {
	agent := e.conv.AgentByID(id)
	provider := e.providers[id]

	ctx, span := e.tracer.TraceProviderCall(ctx, provider.Name(), agent.Model)
	defer span.End()

	system, view := e.route.Route(e.conv.Messages, id)
	req := &providers.Request{
		Model:          agent.Model,
		System:         system,
		Messages:       view,
		Temperature:    agent.Temperature,
		Thinking:       agent.ThinkingOn,
		ThinkingBudget: agent.ThinkingBudget,
		AgentID:        id,
		Turn:           turn,
	}

	chunks, err := provider.Stream(ctx, req)
	if err != nil {
		e.tracer.RecordError(span, err)
		return models.Message{}, fmt.Errorf("conductor: %s stream: %w", id, err)
	}

	content, err := collect(chunks)
	if err != nil {
		e.tracer.RecordError(span, err)
		return models.Message{}, fmt.Errorf("conductor: %s response: %w", id, err)
	}

	msg := models.Message{
		Role:      models.RoleAssistant,
		AgentID:   id,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
	e.conv.Messages = append(e.conv.Messages, msg)
	return msg, nil
}

// collect drains a chunk stream into the response text. The channel is
// fully drained even on error so the producing goroutine can exit.
func collect(chunks <-chan *providers.Chunk) (string, error) {
	var content string
	var firstErr error
	for c := range chunks {
		if c.Err != nil && firstErr == nil {
			firstErr = c.Err
			continue
		}
		if c.Kind == providers.KindResponse {
			content += c.Text
		}
	}
	return content, firstErr
}

func (e *TurnExecutor) emit(ctx context.Context, p models.Payload) error {
	return e.bus.Emit(ctx, e.conv.ID, e.conv.ExperimentID, p)
}
