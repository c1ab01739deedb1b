// Package main provides the CLI entry point for pidgin, a runtime for
// recorded conversations between two LLM agents.
//
// # Basic Usage
//
// Run an experiment in the foreground:
//
//	pidgin run experiment.yaml
//
// Run it detached:
//
//	pidgin run experiment.yaml --detach
//
// Inspect experiments:
//
//	pidgin status
//	pidgin status <experiment-id-or-name>
//	pidgin monitor <experiment-id-or-name>
//
// Stop a running experiment, branch a conversation, re-import events:
//
//	pidgin stop <experiment-id-or-name>
//	pidgin branch <experiment> <conversation-id> --turn 12
//	pidgin import <experiment-id-or-name>
//
// # Environment Variables
//
// Configuration can be provided via environment variables:
//
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
//   - GEMINI_API_KEY: Google API key for Gemini models
//   - XAI_API_KEY: xAI API key for Grok models
//   - OUTPUT_DIR: overrides the output directory
//   - LOG_LEVEL: debug, info, warn, error
//   - DEBUG: any value forces debug logging
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// configPath is the persistent --config flag shared by every command.
var configPath string

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pidgin",
		Short: "pidgin - AI-to-AI conversation experiments",
		Long: `pidgin runs recorded conversations between two LLM agents, measuring
how their language converges turn by turn.

Supported providers: Anthropic (Claude), OpenAI (GPT), Google (Gemini),
xAI (Grok), Ollama (local), plus offline test providers.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to pidgin settings YAML (default: built-in defaults)")

	rootCmd.AddCommand(
		buildRunCmd(),
		buildStopCmd(),
		buildStatusCmd(),
		buildMonitorCmd(),
		buildBranchCmd(),
		buildImportCmd(),
	)
	return rootCmd
}
