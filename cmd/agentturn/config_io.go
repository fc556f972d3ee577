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
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/aleutian-ai/turnengine/internal/config"
)

// providerCredentialEnvVar names the environment variable the `run` and
// `replay` subcommands read the LLM provider API key from, sealed
// immediately into the Config's memguard enclave and never logged.
const providerCredentialEnvVar = "AGENTTURN_PROVIDER_API_KEY"

// loadConfig reads path as YAML over config.DefaultConfig(), the same
// defaults-then-override shape cmd/aleutian/main.go uses for its plain
// Config var, then validates the result.
func loadConfig(path string) (config.Config, error) {
	cfg := config.DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return config.Config{}, fmt.Errorf("parsing %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}

	if key := os.Getenv(providerCredentialEnvVar); key != "" {
		cfg.SetProviderCredential([]byte(key))
	}

	return cfg, nil
}

func runConfigValidate(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		log.Fatalf("config invalid: %v", err)
	}
	fmt.Printf("%s is valid: model=%s planning_enabled=%v tool_call_cap=%d workspace_root=%s\n",
		configPath, cfg.Model, cfg.PlanningEnabled, cfg.ToolCallCap, cfg.WorkspaceRoot)
}
