package main

import (
	"time"

	"github.com/spf13/cobra"
)

func buildRunCmd() *cobra.Command {
	var (
		detach       bool
		experimentID string
	)
	cmd := &cobra.Command{
		Use:   "run <experiment.yaml>",
		Short: "Run an experiment from a spec file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args[0], detach, experimentID)
		},
	}
	cmd.Flags().BoolVarP(&detach, "detach", "d", false, "Run detached from the terminal")
	cmd.Flags().StringVar(&experimentID, "experiment-id", "", "")
	// The daemon child passes its pre-allocated ID back through this flag.
	_ = cmd.Flags().MarkHidden("experiment-id")
	return cmd
}

func buildStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <experiment>",
		Short: "Stop a running experiment by id or name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStop(cmd, args[0])
		},
	}
}

func buildStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [experiment]",
		Short: "Show experiment status, or list all experiments",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := ""
			if len(args) > 0 {
				ref = args[0]
			}
			return runStatus(cmd, ref)
		},
	}
}

func buildMonitorCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "monitor <experiment>",
		Short: "Follow a running experiment's progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMonitor(cmd, args[0], interval)
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "Refresh interval")
	return cmd
}

func buildBranchCmd() *cobra.Command {
	var opts branchOptions
	cmd := &cobra.Command{
		Use:   "branch <experiment> <conversation-id>",
		Short: "Start a new experiment from a conversation's turn K",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBranch(cmd, args[0], args[1], opts)
		},
	}
	cmd.Flags().IntVar(&opts.Turn, "turn", 0, "Branch point: resume after this many completed turns (required)")
	cmd.Flags().IntVar(&opts.Repetitions, "repetitions", 1, "Number of branched conversations to run")
	cmd.Flags().StringVar(&opts.Name, "name", "", "Name for the branched experiment (default: <source>-branch)")
	cmd.Flags().StringVar(&opts.AgentAModel, "agent-a-model", "", "Swap agent A's model in the branch")
	cmd.Flags().StringVar(&opts.AgentBModel, "agent-b-model", "", "Swap agent B's model in the branch")
	_ = cmd.MarkFlagRequired("turn")
	return cmd
}

func buildImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <experiment>",
		Short: "Import an experiment's event logs into its SQLite store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd, args[0])
		},
	}
}
