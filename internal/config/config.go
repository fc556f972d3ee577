// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config defines the turn engine's single typed configuration
// object (§6), loaded once at startup by the CLI entrypoint and threaded
// explicitly through the Turn Engine rather than read from a singleton.
package config

import (
	"fmt"
	"time"

	"github.com/awnumar/memguard"
	validator "github.com/go-playground/validator/v10"
)

// LoggingMode controls how the CLI front end surfaces turn events.
type LoggingMode string

const (
	LoggingInteractive    LoggingMode = "interactive"
	LoggingNonInteractive LoggingMode = "non_interactive"
	LoggingQuiet          LoggingMode = "quiet"
)

// ContextTargets bounds how much material the Context Manager may include
// in one assembly (§4.1, §4.9).
type ContextTargets struct {
	RecentTurns      int  `yaml:"recent_turns" validate:"gte=0"`
	Snippets         int  `yaml:"snippets" validate:"gte=0"`
	ToolResults      int  `yaml:"tool_results" validate:"gte=0"`
	IncludeProactive bool `yaml:"include_proactive"`

	// SummarizeRemaining asks the Context Manager to halve the length of
	// whatever recent-turn, tool-result, and system-message content survives
	// the caps above, instead of including it at full length. The Retry
	// Controller sets this on the third and later LLM attempts, when the
	// counts alone no longer shrink the payload enough to be worth a retry.
	SummarizeRemaining bool `yaml:"-"`
}

// DefaultContextTargets returns the §4.1 assembly defaults.
func DefaultContextTargets() ContextTargets {
	return ContextTargets{
		RecentTurns:      20,
		Snippets:         25,
		ToolResults:      30,
		IncludeProactive: true,
	}
}

// Config is the single typed configuration object described in §6.
type Config struct {
	Model               string        `yaml:"model" validate:"required"`
	ThinkingEnabled     bool          `yaml:"thinking_enabled"`
	ThinkingBudget      int           `yaml:"thinking_budget" validate:"gte=0"`
	PlanningEnabled     bool          `yaml:"planning_enabled"`
	ToolCallCap         int           `yaml:"tool_call_cap" validate:"gt=0"`
	ToolDefaultTimeout  time.Duration `yaml:"tool_default_timeout" validate:"gt=0"`
	LLMTotalTimeout     time.Duration `yaml:"llm_total_timeout" validate:"gt=0"`
	RetryBase           time.Duration `yaml:"retry_base" validate:"gt=0"`
	RetryCap            time.Duration `yaml:"retry_cap" validate:"gtfield=RetryBase"`
	RetryJitter         float64       `yaml:"retry_jitter" validate:"gte=0,lte=1"`
	ContextTargets      ContextTargets `yaml:"context_targets"`
	ProactiveGather     bool          `yaml:"proactive_gather"`
	WorkspaceRoot       string        `yaml:"workspace_root" validate:"required"`
	SafetyMarginTokens  int           `yaml:"safety_margin_tokens" validate:"gte=0"`
	OutputReserveTokens int           `yaml:"output_reserve_tokens" validate:"gte=0"`
	LoggingMode         LoggingMode   `yaml:"logging_mode" validate:"oneof=interactive non_interactive quiet"`

	// ProviderCredential holds the LLM provider API key. It is never
	// serialized with the rest of Config and is wiped from process memory
	// by memguard when the enclave is destroyed.
	ProviderCredential *memguard.Enclave `yaml:"-"`
}

// DefaultConfig returns a conservative, fully valid configuration.
func DefaultConfig() Config {
	return Config{
		Model:               "default",
		ThinkingEnabled:     false,
		ThinkingBudget:      0,
		PlanningEnabled:     false,
		ToolCallCap:         25,
		ToolDefaultTimeout:  120 * time.Second,
		LLMTotalTimeout:     300 * time.Second,
		RetryBase:           1 * time.Second,
		RetryCap:            15 * time.Second,
		RetryJitter:         0.2,
		ContextTargets:      DefaultContextTargets(),
		ProactiveGather:     true,
		WorkspaceRoot:       ".",
		SafetyMarginTokens:  512,
		OutputReserveTokens: 2048,
		LoggingMode:         LoggingInteractive,
	}
}

var validate = validator.New()

// Validate checks the configuration against the constraints above,
// mirroring the teacher's SessionConfig.Validate() one-method-per-struct
// pattern: a single call returning a wrapped error that names every field
// failing its validate tag.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.ContextTargets.RecentTurns < 0 || c.ContextTargets.Snippets < 0 || c.ContextTargets.ToolResults < 0 {
		return fmt.Errorf("%w: context targets must be non-negative", ErrInvalidConfig)
	}
	return nil
}

// SetProviderCredential locks the given secret in a memguard enclave.
// The plaintext passed in is wiped by memguard after sealing.
func (c *Config) SetProviderCredential(secret []byte) {
	c.ProviderCredential = memguard.NewEnclave(secret)
}

// ErrInvalidConfig is the sentinel wrapped by Validate.
var ErrInvalidConfig = fmt.Errorf("invalid configuration")
