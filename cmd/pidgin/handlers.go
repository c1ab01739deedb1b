package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/pidgin/internal/bus"
	"github.com/haasonsaas/pidgin/internal/config"
	"github.com/haasonsaas/pidgin/internal/daemon"
	"github.com/haasonsaas/pidgin/internal/experiment"
	"github.com/haasonsaas/pidgin/internal/observability"
	"github.com/haasonsaas/pidgin/internal/ratelimit"
	"github.com/haasonsaas/pidgin/internal/replay"
	"github.com/haasonsaas/pidgin/internal/store"
	"github.com/haasonsaas/pidgin/internal/transcript"
	"github.com/haasonsaas/pidgin/pkg/models"
)

// runRun starts an experiment. Detached mode re-executes the binary
// with a pre-allocated experiment ID so the parent can report the
// directory and exit; the child publishes the PID file and owns the
// run.
func runRun(cmd *cobra.Command, specPath string, detach bool, experimentID string) error {
	settings, err := config.LoadSettings(configPath)
	if err != nil {
		return err
	}
	spec, err := config.LoadExperimentSpec(specPath, settings)
	if err != nil {
		return err
	}
	// Missing keys are fatal before any conversation starts.
	if err := config.ValidateAPIKeys(spec); err != nil {
		return err
	}

	if detach && !daemon.IsChild() {
		expID := newExperimentID()
		expDir := filepath.Join(settings.OutputDir, "experiments", expID)
		if err := os.MkdirAll(expDir, 0o755); err != nil {
			return err
		}
		args := []string{"run", specPath, "--experiment-id", expID}
		if configPath != "" {
			args = append(args, "--config", configPath)
		}
		pid, err := daemon.Spawn(expDir, args)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Started experiment %s (pid %d)\n", expID, pid)
		fmt.Fprintf(cmd.OutOrStdout(), "  dir:    %s\n", expDir)
		fmt.Fprintf(cmd.OutOrStdout(), "  follow: pidgin monitor %s\n", expID)
		return nil
	}

	if experimentID == "" {
		experimentID = newExperimentID()
	}
	return runExperiment(cmd, settings, spec, experimentID)
}

// runExperiment wires the full runtime and drives one experiment under
// daemon supervision (PID file, signals, STOP sentinel).
func runExperiment(cmd *cobra.Command, settings *config.Settings, spec *models.ExperimentConfig, expID string) error {
	expDir := filepath.Join(settings.OutputDir, "experiments", expID)
	if err := os.MkdirAll(expDir, 0o755); err != nil {
		return err
	}

	logOut := io.Writer(os.Stderr)
	if daemon.IsChild() {
		f, err := os.OpenFile(filepath.Join(expDir, "experiment.log"),
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		defer f.Close()
		logOut = f
	}
	log := observability.NewLogger(observability.LogConfig{
		Level:  settings.LogLevel,
		Output: logOut,
	})

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		Endpoint:       settings.Tracing.Endpoint,
		SamplingRate:   settings.Tracing.SamplingRate,
		EnableInsecure: settings.Tracing.Insecure,
	})
	defer shutdownTracer(context.Background())

	limits := ratelimit.DefaultConfigs()
	if !settings.RateLimiting.Enabled {
		for provider, c := range limits {
			c.Enabled = false
			limits[provider] = c
		}
	}

	metrics := observability.NewMetrics()
	sched, err := experiment.NewScheduler(experiment.SchedulerConfig{
		BaseDir:      settings.OutputDir,
		Bus:          bus.New(log, metrics),
		Limiters:     ratelimit.NewRegistry(limits),
		Importer:     store.NewImporter(log),
		Transcripts:  transcript.New(),
		ExperimentID: expID,
		CallTimeout:  settings.Providers.CallTimeout,
		Metrics:      metrics,
		Log:          log,
		Tracer:       tracer,
	})
	if err != nil {
		return err
	}

	return daemon.Run(cmd.Context(), settings.OutputDir, expDir, expID, log, func(ctx context.Context) error {
		exp, err := sched.Run(ctx, *spec)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Experiment %s %s: %d completed, %d failed of %d\n",
			exp.ID, exp.Status, exp.CompletedConversations, exp.FailedConversations, exp.TotalConversations)
		return nil
	})
}

func runStop(cmd *cobra.Command, ref string) error {
	settings, err := config.LoadSettings(configPath)
	if err != nil {
		return err
	}
	dir, m, err := experiment.Find(settings.OutputDir, ref)
	if err != nil {
		return err
	}
	if err := daemon.RequestStop(settings.OutputDir, dir, m.ExperimentID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Stop requested for %s (%s)\n", m.ExperimentID, m.Name)
	return nil
}

func runStatus(cmd *cobra.Command, ref string) error {
	settings, err := config.LoadSettings(configPath)
	if err != nil {
		return err
	}

	if ref == "" {
		manifests, err := experiment.List(settings.OutputDir)
		if err != nil {
			return err
		}
		if len(manifests) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No experiments found.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATUS\tDONE\tFAILED\tCREATED")
		for _, m := range manifests {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%d\t%s\n",
				m.ExperimentID, m.Name, m.Status,
				m.CompletedConversations, m.TotalConversations,
				m.FailedConversations,
				m.CreatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	}

	dir, m, err := experiment.Find(settings.OutputDir, ref)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Experiment:  %s (%s)\n", m.ExperimentID, m.Name)
	fmt.Fprintf(out, "Status:      %s\n", m.Status)
	fmt.Fprintf(out, "Progress:    %d completed, %d failed of %d\n",
		m.CompletedConversations, m.FailedConversations, m.TotalConversations)
	fmt.Fprintf(out, "Directory:   %s\n", dir)
	if pf, err := daemon.ReadPIDFile(daemon.PIDPath(settings.OutputDir, m.ExperimentID)); err == nil {
		alive := "stale"
		if daemon.IsAlive(pf.PID) {
			alive = "running"
		}
		fmt.Fprintf(out, "Daemon:      pid %d (%s)\n", pf.PID, alive)
	}

	states, err := replay.LoadExperiment(dir)
	if err != nil {
		return err
	}
	if len(states) == 0 {
		return nil
	}
	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CONVERSATION\tSTATUS\tTURNS\tCONVERGENCE\tTOKENS")
	for _, st := range states {
		fmt.Fprintf(w, "%s\t%s\t%d\t%.3f\t%d/%d\n",
			st.Conversation.ID, st.Conversation.Status,
			st.CompletedTurns, lastScore(st.Convergence),
			st.InputTokens, st.OutputTokens)
	}
	return w.Flush()
}

// runMonitor polls the event logs, never the relational store, so it
// works while the experiment is still running.
func runMonitor(cmd *cobra.Command, ref string, interval time.Duration) error {
	settings, err := config.LoadSettings(configPath)
	if err != nil {
		return err
	}
	dir, m, err := experiment.Find(settings.OutputDir, ref)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for {
		m, err = experiment.ReadManifest(dir)
		if err != nil {
			return err
		}
		line := fmt.Sprintf("[%s] %s: %d completed, %d failed of %d",
			time.Now().Format("15:04:05"), m.Status,
			m.CompletedConversations, m.FailedConversations, m.TotalConversations)
		if states, err := replay.LoadExperiment(dir); err == nil {
			running := 0
			var score float64
			for _, st := range states {
				if !st.Conversation.Status.Terminal() {
					running++
				}
				if s := lastScore(st.Convergence); s > score {
					score = s
				}
			}
			line += fmt.Sprintf(", %d running, peak convergence %.3f", running, score)
		}
		fmt.Fprintln(out, line)

		if experimentDone(m.Status) {
			return nil
		}
		select {
		case <-cmd.Context().Done():
			return nil
		case <-time.After(interval):
		}
	}
}

// branchOptions are the branch command's flags.
type branchOptions struct {
	Turn        int
	Repetitions int
	Name        string
	AgentAModel string
	AgentBModel string
}

// branchConfig derives the branched experiment's config from the
// source manifest, carrying the replayed message prefix and applying
// any per-agent model swaps.
func branchConfig(source models.ExperimentConfig, sourceName, conversationID string, messages []models.Message, opts branchOptions) models.ExperimentConfig {
	spec := source
	spec.Name = opts.Name
	if spec.Name == "" {
		spec.Name = sourceName + "-branch"
	}
	spec.Repetitions = opts.Repetitions
	spec.BranchFrom = conversationID
	spec.BranchTurns = opts.Turn
	spec.BranchMessages = messages
	if opts.AgentAModel != "" {
		spec.AgentAModel = opts.AgentAModel
	}
	if opts.AgentBModel != "" {
		spec.AgentBModel = opts.AgentBModel
	}
	return spec
}

// runBranch replays the source conversation up to the branch turn and
// starts a fresh experiment seeded with that prefix.
func runBranch(cmd *cobra.Command, ref, conversationID string, opts branchOptions) error {
	settings, err := config.LoadSettings(configPath)
	if err != nil {
		return err
	}
	dir, m, err := experiment.Find(settings.OutputDir, ref)
	if err != nil {
		return err
	}

	logPath := filepath.Join(dir, conversationID+"_events.jsonl")
	state, err := replay.LoadConversationAtTurn(logPath, opts.Turn)
	if err != nil {
		return err
	}

	spec := branchConfig(m.Config, m.Name, conversationID, state.Conversation.Messages, opts)
	config.ApplyDefaults(&spec, settings)
	if err := spec.Validate(); err != nil {
		return err
	}
	if err := config.ValidateAPIKeys(&spec); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Branching %s at turn %d (%d messages carried over)\n",
		conversationID, opts.Turn, len(spec.BranchMessages))
	return runExperiment(cmd, settings, &spec, newExperimentID())
}

func runImport(cmd *cobra.Command, ref string) error {
	settings, err := config.LoadSettings(configPath)
	if err != nil {
		return err
	}
	dir, m, err := experiment.Find(settings.OutputDir, ref)
	if err != nil {
		return err
	}

	log := observability.NewLogger(observability.LogConfig{Level: settings.LogLevel})
	if err := store.NewImporter(log).ImportExperiment(cmd.Context(), dir); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Imported %s into %s\n",
		m.ExperimentID, filepath.Join(dir, store.DatabaseFile))
	return nil
}

func newExperimentID() string {
	return fmt.Sprintf("exp_%s", uuid.NewString()[:8])
}

func lastScore(scores []float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	return scores[len(scores)-1]
}

func experimentDone(status models.ExperimentStatus) bool {
	switch status {
	case models.ExperimentCompleted, models.ExperimentFailed, models.ExperimentInterrupted:
		return true
	}
	return false
}
