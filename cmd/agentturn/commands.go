// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
// Cobra subcommand structure grounded on cmd/aleutian/commands.go's package-
// scope *cobra.Command var block, wired in init() below with the same
// AddCommand/Flags()-chain convention.
var (
	configPath  string
	listenAddr  string
	debugMode   bool
	replayFrom  int
	replayTo    int
	replayRate  float64
	replayBurst int

	rootCmd = &cobra.Command{
		Use:   "agentturn",
		Short: "Agent Turn Engine CLI and session server",
		Long: `agentturn drives the Turn Engine: a provider-agnostic core that
takes one user message through context assembly, planning, LLM
invocation, and tool dispatch to a completed or failed turn.`,
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Start the session server (HTTP health/metrics + WebSocket turns)",
		Run:   runServe, // defined in run.go
	}

	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate configuration",
	}

	configValidateCmd = &cobra.Command{
		Use:   "validate",
		Short: "Load the configured YAML file and report whether it is valid",
		Run:   runConfigValidate, // defined in config_io.go
	}

	replayCmd = &cobra.Command{
		Use:   "replay [turn-log-dir]",
		Short: "Replay a recorded turn log's user messages through a fresh engine",
		Long: `replay opens the Badger-backed turn log at the given directory,
reads the user messages recorded for turns in [--from, --to], and feeds
them one at a time through a new Engine instance backed by the rate-
limited reference LLM client, so local runs never hammer a real
provider. It prints each resulting agent message to stdout.`,
		Args: cobra.ExactArgs(1),
		Run:  runReplay, // defined in replay.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable verbose logging and Gin debug mode")

	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&listenAddr, "listen", ":8080", "HTTP/WebSocket listen address")

	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configValidateCmd)

	rootCmd.AddCommand(replayCmd)
	replayCmd.Flags().IntVar(&replayFrom, "from", 0, "First turn number to replay (inclusive)")
	replayCmd.Flags().IntVar(&replayTo, "to", 0, "Last turn number to replay (inclusive); 0 means the same as --from")
	replayCmd.Flags().Float64Var(&replayRate, "rate", 1, "Requests per second against the reference LLM client")
	replayCmd.Flags().IntVar(&replayBurst, "burst", 2, "Burst size for the reference LLM client's rate limiter")
}
