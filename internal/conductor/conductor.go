// Package conductor runs one two-agent conversation from setup to
// teardown: provider wiring, the turn loop, convergence-based early
// stopping, and the final ConversationEnd event.
package conductor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/pidgin/internal/bus"
	"github.com/haasonsaas/pidgin/internal/convergence"
	"github.com/haasonsaas/pidgin/internal/names"
	"github.com/haasonsaas/pidgin/internal/observability"
	"github.com/haasonsaas/pidgin/internal/providers"
	"github.com/haasonsaas/pidgin/internal/ratelimit"
	"github.com/haasonsaas/pidgin/internal/router"
	"github.com/haasonsaas/pidgin/pkg/models"
)

// Config wires a conductor to its shared infrastructure. Bus is
// required; everything else has working defaults.
type Config struct {
	Bus      *bus.Bus
	Limiters *ratelimit.Registry

	// ProviderA and ProviderB override provider construction, used by
	// tests and by model names with no real backend. When nil the
	// provider is inferred from the agent's model name.
	ProviderA providers.Provider
	ProviderB providers.Provider

	Calculator *convergence.Calculator

	ConvergenceThreshold float64
	ConvergenceAction    models.ConvergenceAction

	ChooseNames     bool
	AllowTruncation bool

	// CallTimeout bounds one provider call. Zero means the provider
	// pipeline default.
	CallTimeout time.Duration

	Metrics *observability.Metrics
	Log     *observability.Logger
	Tracer  *observability.Tracer
}

// Conductor drives a single conversation.
type Conductor struct {
	conv *models.Conversation
	cfg  Config

	route    *router.Router
	calc     *convergence.Calculator
	log      *observability.Logger
	tracer   *observability.Tracer
	limiters *ratelimit.Registry
}

// New prepares a conductor for the given conversation. The conversation
// is mutated in place as the run progresses.
func New(conv *models.Conversation, cfg Config) (*Conductor, error) {
	if cfg.Bus == nil {
		return nil, errors.New("conductor: bus is required")
	}
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if conv.FirstSpeaker == "" {
		conv.FirstSpeaker = models.AgentA
	}

	calc := cfg.Calculator
	if calc == nil {
		calc = convergence.Default()
	}
	limiters := cfg.Limiters
	if limiters == nil {
		limiters = ratelimit.NewRegistry(ratelimit.DefaultConfigs())
	}
	log := cfg.Log
	if log == nil {
		log = observability.FromEnv()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = observability.NoopTracer()
	}

	names.Assign(&conv.AgentA, &conv.AgentB)

	return &Conductor{
		conv:     conv,
		cfg:      cfg,
		route:    router.New(conv.AgentA, conv.AgentB),
		calc:     calc,
		log:      log,
		tracer:   tracer,
		limiters: limiters,
	}, nil
}

// Run executes the conversation to a terminal state. The outcome is
// recorded on the Conversation; the returned error covers only
// infrastructure failures (bus or log file trouble), not provider
// failures, which end the conversation as failed.
func (c *Conductor) Run(ctx context.Context) error {
	conv := c.conv
	ctx = observability.WithConversationID(ctx, conv.ID)
	ctx, span := c.tracer.TraceConversation(ctx, conv.ID, conv.ExperimentID)
	defer span.End()

	providerA, err := c.provider(ctx, models.AgentA, c.cfg.ProviderA)
	if err != nil {
		return err
	}
	providerB, err := c.provider(ctx, models.AgentB, c.cfg.ProviderB)
	if err != nil {
		return err
	}

	conv.Status = models.ConversationRunning
	conv.StartedAt = time.Now().UTC()

	if err := c.emit(ctx, &models.ConversationStartPayload{
		AgentA:         conv.AgentA,
		AgentB:         conv.AgentB,
		InitialPrompt:  conv.InitialPrompt,
		MaxTurns:       conv.MaxTurns,
		FirstSpeaker:   conv.FirstSpeaker,
		BranchedFrom:   conv.BranchedFrom,
		BranchedAtTurn: conv.BranchedAtTurn,
	}); err != nil {
		conv.Status = models.ConversationFailed
		conv.Error = err.Error()
		return fmt.Errorf("conductor: conversation start: %w", err)
	}

	startTurn := c.seed()
	executor := NewTurnExecutor(conv, c.route, providerA, providerB, c.calc, c.cfg.Bus, c.tracer)

	namesPending := map[models.AgentID]bool{}
	if c.cfg.ChooseNames {
		namesPending[models.AgentA] = true
		namesPending[models.AgentB] = true
	}

	var (
		endReason   = models.EndReasonMaxTurns
		status      = models.ConversationCompleted
		lastScore   float64
		turnsRun    int
		runErr      error
	)

	for turn := startTurn; turn < conv.MaxTurns; turn++ {
		if ctx.Err() != nil {
			endReason = models.EndReasonInterrupted
			status = models.ConversationInterrupted
			break
		}

		result, err := executor.ExecuteTurn(ctx, turn)
		if err != nil {
			endReason, status = c.classifyFailure(ctx, err)
			if status == models.ConversationFailed {
				conv.Error = err.Error()
			}
			if isInfrastructure(err) {
				runErr = err
			}
			break
		}

		turnsRun++
		lastScore = result.Convergence

		c.extractNames(ctx, namesPending, result)

		if c.cfg.ConvergenceThreshold > 0 && result.Convergence >= c.cfg.ConvergenceThreshold {
			switch c.cfg.ConvergenceAction {
			case models.ConvergenceContinue:
			case models.ConvergenceNotify:
				c.log.Info(ctx, "convergence threshold crossed",
					"score", result.Convergence,
					"threshold", c.cfg.ConvergenceThreshold,
					"turn", turn)
			default: // stop
				endReason = models.EndReasonHighConvergence
				status = models.ConversationCompleted
			}
			if endReason == models.EndReasonHighConvergence {
				break
			}
		}
	}

	now := time.Now().UTC()
	conv.Status = status
	conv.ConvergenceReason = endReason
	conv.FinalConvergence = lastScore
	conv.EndedAt = &now

	endErr := c.emit(ctx, &models.ConversationEndPayload{
		Reason:           endReason,
		Status:           status,
		FinalConvergence: lastScore,
		TotalTurns:       turnsRun,
		DurationMs:       now.Sub(conv.StartedAt).Milliseconds(),
		Error:            conv.Error,
	})
	closeErr := c.cfg.Bus.CloseConversationLog(conv.ID)

	c.log.Info(ctx, "conversation ended",
		"reason", endReason,
		"status", string(status),
		"turns", turnsRun,
		"final_convergence", lastScore)

	if runErr != nil {
		return runErr
	}
	if endErr != nil {
		return fmt.Errorf("conductor: conversation end: %w", endErr)
	}
	return closeErr
}

// provider builds the event-aware pipeline for one agent, around the
// injected provider when one was supplied.
func (c *Conductor) provider(ctx context.Context, id models.AgentID, override providers.Provider) (providers.Provider, error) {
	agent := c.conv.AgentByID(id)
	inner := override
	if inner == nil {
		var err error
		inner, err = providers.ForModel(agent.Model)
		if err != nil {
			return nil, fmt.Errorf("conductor: %s: %w", id, err)
		}
	}
	agent.Provider = inner.Name()

	emitCtx := ctx
	return providers.NewEventAware(inner, providers.EventAwareConfig{
		Limiter: c.limiters.For(inner.Name()),
		Emit: func(p models.Payload) {
			if err := c.cfg.Bus.Emit(emitCtx, c.conv.ID, c.conv.ExperimentID, p); err != nil {
				c.log.Error(emitCtx, "event emit failed", "error", err, "type", string(p.EventType()))
			}
		},
		AllowTruncation: c.cfg.AllowTruncation,
		Timeout:         c.cfg.CallTimeout,
		Metrics:         c.cfg.Metrics,
		Log:             c.log,
	}), nil
}

// seed prepares the opening history and returns the starting turn.
// Branched conversations arrive with their history pre-populated and
// resume counting at the branch point.
func (c *Conductor) seed() int {
	conv := c.conv
	if conv.BranchedFrom != "" {
		return conv.BranchedAtTurn
	}

	now := time.Now().UTC()
	if c.cfg.ChooseNames {
		conv.Messages = append(conv.Messages, models.Message{
			Role:      models.RoleSystem,
			AgentID:   models.AgentSystem,
			Content:   router.ChooseNamesPrompt,
			Timestamp: now,
		})
	}
	if conv.InitialPrompt != "" {
		conv.Messages = append(conv.Messages, models.Message{
			Role:      models.RoleUser,
			AgentID:   models.AgentHuman,
			Content:   conv.InitialPrompt,
			Timestamp: now,
		})
	}
	return 0
}

// extractNames checks each agent's first message for a self-chosen name.
// One attempt per agent; a SystemPrompt event informs the partner.
func (c *Conductor) extractNames(ctx context.Context, pending map[models.AgentID]bool, result *TurnResult) {
	for _, msg := range []models.Message{result.First, result.Second} {
		if !pending[msg.AgentID] {
			continue
		}
		pending[msg.AgentID] = false

		name, ok := names.Extract(msg.Content)
		if !ok {
			continue
		}
		agent := c.conv.AgentByID(msg.AgentID)
		agent.ChosenName = name
		c.log.Debug(ctx, "agent chose a name", "agent", string(msg.AgentID), "name", name)

		if err := c.emit(ctx, &models.SystemPromptPayload{
			AgentID:     msg.AgentID.Partner(),
			Content:     fmt.Sprintf("Your conversation partner goes by %s.", name),
			DisplayName: name,
		}); err != nil {
			c.log.Error(ctx, "event emit failed", "error", err, "type", "system_prompt")
		}
	}
}

func (c *Conductor) emit(ctx context.Context, p models.Payload) error {
	return c.cfg.Bus.Emit(ctx, c.conv.ID, c.conv.ExperimentID, p)
}

// classifyFailure maps a turn error to the conversation's terminal state.
func (c *Conductor) classifyFailure(ctx context.Context, err error) (reason string, status models.ConversationStatus) {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return models.EndReasonInterrupted, models.ConversationInterrupted
	}
	if providers.ReasonOf(err) == providers.ReasonContextLength && !c.cfg.AllowTruncation {
		// A non-error terminal state: the exchange outgrew the window.
		return models.EndReasonContextLimit, models.ConversationContextLimit
	}
	return models.EndReasonError, models.ConversationFailed
}

// isInfrastructure reports whether the error came from the bus or the
// filesystem rather than a provider. Provider failures are recorded on
// the conversation; infrastructure failures also surface to the caller.
func isInfrastructure(err error) bool {
	if _, ok := providers.AsError(err); ok {
		return false
	}
	return !errors.Is(err, context.Canceled) && providers.ReasonOf(err) == providers.ReasonUnknown
}
