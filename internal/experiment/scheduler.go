package experiment

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/pidgin/internal/bus"
	"github.com/haasonsaas/pidgin/internal/conductor"
	"github.com/haasonsaas/pidgin/internal/observability"
	"github.com/haasonsaas/pidgin/internal/providers"
	"github.com/haasonsaas/pidgin/internal/ratelimit"
	"github.com/haasonsaas/pidgin/pkg/models"
)

// Importer loads an experiment's event files into the relational store
// after the run finishes.
type Importer interface {
	ImportExperiment(ctx context.Context, experimentDir string) error
}

// TranscriptWriter renders a finished conversation for humans.
type TranscriptWriter interface {
	Write(experimentDir string, conv *models.Conversation) error
}

// SchedulerConfig wires a scheduler. BaseDir is required.
type SchedulerConfig struct {
	// BaseDir is the output root; experiments land under
	// <BaseDir>/experiments/<experiment_id>/.
	BaseDir string

	// Bus carries all events for the experiment. Created if nil.
	Bus *bus.Bus

	// Limiters is shared across every conversation in the experiment so
	// parallel conversations on one provider pace each other.
	Limiters *ratelimit.Registry

	// ProviderFor overrides provider construction per model, used by
	// tests and offline runs. Nil means infer from the model name.
	ProviderFor func(model string) (providers.Provider, error)

	// Importer and Transcripts run after the experiment completes.
	// Either may be nil.
	Importer    Importer
	Transcripts TranscriptWriter

	// ExperimentID pins the experiment ID instead of generating one. The
	// daemon pre-allocates the ID so the directory and logs exist before
	// the detached child starts.
	ExperimentID string

	// CallTimeout bounds each provider call including streaming.
	CallTimeout time.Duration

	Metrics *observability.Metrics
	Log     *observability.Logger
	Tracer  *observability.Tracer
}

// Scheduler runs an experiment's conversations with bounded parallelism
// and maintains the manifest as they finish.
type Scheduler struct {
	cfg      SchedulerConfig
	bus      *bus.Bus
	limiters *ratelimit.Registry
	log      *observability.Logger
	tracer   *observability.Tracer

	mu  sync.Mutex
	exp *models.Experiment
	dir string
}

// NewScheduler creates a scheduler.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.BaseDir == "" {
		return nil, fmt.Errorf("experiment: base dir is required")
	}
	b := cfg.Bus
	if b == nil {
		b = bus.New(cfg.Log, cfg.Metrics)
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
	return &Scheduler{cfg: cfg, bus: b, limiters: limiters, log: log, tracer: tracer}, nil
}

// Dir returns the experiment directory once Run has created it.
func (s *Scheduler) Dir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dir
}

// Experiment returns the current experiment record.
func (s *Scheduler) Experiment() *models.Experiment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exp
}

// Run executes the full experiment: directory setup, N conversations
// bounded by max_parallel, manifest updates as each finishes, and the
// post-run import. Cancellation stops new launches and interrupts
// running conversations cooperatively.
func (s *Scheduler) Run(ctx context.Context, config models.ExperimentConfig) (*models.Experiment, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	// Fail fast on a bad convergence profile before touching the disk.
	if _, err := CalculatorFor(&config); err != nil {
		return nil, err
	}

	id := s.cfg.ExperimentID
	if id == "" {
		id = fmt.Sprintf("exp_%s", uuid.NewString()[:8])
	}
	exp := &models.Experiment{
		ID:                 id,
		Name:               config.Name,
		Config:             config,
		Status:             models.ExperimentCreated,
		CreatedAt:          time.Now().UTC(),
		TotalConversations: config.Repetitions,
	}
	dir := filepath.Join(s.cfg.BaseDir, "experiments", exp.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("experiment: create dir: %w", err)
	}

	s.mu.Lock()
	s.exp = exp
	s.dir = dir
	s.mu.Unlock()

	s.bus.SetDirectory(dir)
	if err := s.writeManifest(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	exp.Status = models.ExperimentRunning
	exp.StartedAt = &now
	if err := s.writeManifest(); err != nil {
		return nil, err
	}

	ctx = observability.WithExperimentID(ctx, exp.ID)
	s.log.Info(ctx, "experiment started",
		"experiment_id", exp.ID,
		"name", config.Name,
		"conversations", config.Repetitions,
		"max_parallel", maxParallel(&config))

	sem := make(chan struct{}, maxParallel(&config))
	var wg sync.WaitGroup

	for rep := 0; rep < config.Repetitions; rep++ {
		// A stop request halts new launches; in-flight conversations
		// observe the same cancellation at their next suspension point.
		if ctx.Err() != nil {
			break
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}

		conv := Resolve(&config, exp.ID, rep)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			s.runConversation(ctx, conv, &config)
		}()
	}

	// A cancelled run records why it is stopping before the in-flight
	// conversations wind down. The event carries no conversation ID, so
	// it lands only in the experiment-level log.
	if ctx.Err() != nil {
		source := observability.StopSource(ctx)
		if source == "" {
			source = "signal"
		}
		if err := s.bus.Emit(context.WithoutCancel(ctx), "", exp.ID,
			&models.InterruptRequestPayload{Source: source}); err != nil {
			s.log.Error(ctx, "interrupt event emit failed", "error", err)
		}
	}
	wg.Wait()

	done := time.Now().UTC()
	s.mu.Lock()
	if ctx.Err() != nil {
		exp.Status = models.ExperimentInterrupted
	} else if exp.FailedConversations == exp.TotalConversations && exp.TotalConversations > 0 {
		exp.Status = models.ExperimentFailed
	} else {
		exp.Status = models.ExperimentCompleted
	}
	exp.CompletedAt = &done
	s.mu.Unlock()

	if err := s.writeManifest(); err != nil {
		return exp, err
	}
	if err := s.bus.Close(); err != nil {
		s.log.Error(ctx, "closing event logs", "error", err)
	}

	if s.cfg.Importer != nil && ctx.Err() == nil {
		if err := s.cfg.Importer.ImportExperiment(context.WithoutCancel(ctx), dir); err != nil {
			s.log.Error(ctx, "post-run import failed", "error", err)
		}
	}

	s.log.Info(ctx, "experiment finished",
		"status", string(exp.Status),
		"completed", exp.CompletedConversations,
		"failed", exp.FailedConversations)
	return exp, nil
}

// runConversation drives one conductor and folds its outcome into the
// manifest counts. A panic or failure here never takes down siblings.
func (s *Scheduler) runConversation(ctx context.Context, conv *models.Conversation, config *models.ExperimentConfig) {
	// Each conversation gets its own calculator; score history and the
	// trend it feeds are per-conversation state.
	calc, err := CalculatorFor(config)
	if err != nil {
		s.recordOutcome(ctx, conv, err)
		return
	}

	cfg := conductor.Config{
		Bus:                  s.bus,
		Limiters:             s.limiters,
		Calculator:           calc,
		ConvergenceThreshold: config.ConvergenceThreshold,
		ConvergenceAction:    config.ConvergenceAction,
		ChooseNames:          config.ChooseNames,
		AllowTruncation:      config.AllowTruncation,
		CallTimeout:          s.cfg.CallTimeout,
		Metrics:              s.cfg.Metrics,
		Log:                  s.log,
		Tracer:               s.tracer,
	}
	if s.cfg.ProviderFor != nil {
		if cfg.ProviderA, err = s.cfg.ProviderFor(conv.AgentA.Model); err != nil {
			s.recordOutcome(ctx, conv, err)
			return
		}
		if cfg.ProviderB, err = s.cfg.ProviderFor(conv.AgentB.Model); err != nil {
			s.recordOutcome(ctx, conv, err)
			return
		}
	}

	c, err := conductor.New(conv, cfg)
	if err != nil {
		s.recordOutcome(ctx, conv, err)
		return
	}
	s.recordOutcome(ctx, conv, c.Run(ctx))
}

func (s *Scheduler) recordOutcome(ctx context.Context, conv *models.Conversation, err error) {
	if err != nil && conv.Status != models.ConversationFailed {
		conv.Status = models.ConversationFailed
		if conv.Error == "" {
			conv.Error = err.Error()
		}
	}

	s.mu.Lock()
	switch conv.Status {
	case models.ConversationCompleted, models.ConversationContextLimit:
		s.exp.CompletedConversations++
	case models.ConversationFailed:
		s.exp.FailedConversations++
	}
	s.mu.Unlock()

	if err := s.writeManifest(); err != nil {
		s.log.Error(ctx, "manifest update failed", "error", err)
	}
	if s.cfg.Transcripts != nil && conv.Status.Terminal() {
		if err := s.cfg.Transcripts.Write(s.Dir(), conv); err != nil {
			s.log.Error(ctx, "transcript write failed", "error", err, "conversation_id", conv.ID)
		}
	}
}

// writeManifest rewrites manifest.json atomically so observers never
// read a torn document.
func (s *Scheduler) writeManifest() error {
	s.mu.Lock()
	m := models.Manifest{
		ExperimentID:           s.exp.ID,
		Name:                   s.exp.Name,
		Status:                 s.exp.Status,
		TotalConversations:     s.exp.TotalConversations,
		CompletedConversations: s.exp.CompletedConversations,
		FailedConversations:    s.exp.FailedConversations,
		CreatedAt:              s.exp.CreatedAt,
		StartedAt:              s.exp.StartedAt,
		CompletedAt:            s.exp.CompletedAt,
		Config:                 s.exp.Config,
	}
	dir := s.dir
	s.mu.Unlock()

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("experiment: encode manifest: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".manifest-*.json")
	if err != nil {
		return fmt.Errorf("experiment: manifest temp file: %w", err)
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("experiment: write manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("experiment: close manifest: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, "manifest.json")); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("experiment: publish manifest: %w", err)
	}
	return nil
}

func maxParallel(config *models.ExperimentConfig) int {
	if config.MaxParallel > 0 {
		return config.MaxParallel
	}
	return 1
}

// ReadManifest loads the manifest from an experiment directory.
func ReadManifest(experimentDir string) (*models.Manifest, error) {
	data, err := os.ReadFile(filepath.Join(experimentDir, "manifest.json"))
	if err != nil {
		return nil, err
	}
	var m models.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("experiment: decode manifest: %w", err)
	}
	return &m, nil
}
