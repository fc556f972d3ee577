// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package toolrt defines the Tool runtime contract (§6):
// invoke(name, args) -> {response, is_error}. The core treats a tool's
// response as opaque structured data and never inspects it beyond what the
// Context Manager's summarizer does at consumption time (§4.4). It is
// grounded on services/code_buddy/agent/tools/executor.go's Executor
// (validation, timeout, requirement-gating) and
// services/code_buddy/agent/types.go's ToolInvocation/ToolResult shape,
// narrowed to the single invoke boundary the Turn Engine calls through.
package toolrt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aleutian-ai/turnengine/pkg/logging"
)

// Sentinel errors for the runtime.
var (
	ErrToolNotFound      = errors.New("toolrt: tool not found")
	ErrValidationFailed  = errors.New("toolrt: parameter validation failed")
	ErrRequirementNotMet = errors.New("toolrt: tool requirement not met")
)

// ParamType enumerates the JSON-schema-like parameter kinds a Tool
// declares, mirroring the teacher's ParamDef.Type vocabulary.
type ParamType string

const (
	ParamString ParamType = "string"
	ParamInt    ParamType = "integer"
	ParamFloat  ParamType = "number"
	ParamBool   ParamType = "boolean"
	ParamArray  ParamType = "array"
	ParamObject ParamType = "object"
)

// ParamDef describes one declared parameter.
type ParamDef struct {
	Type      ParamType
	Required  bool
	MinLength int
	MaxLength int
	Minimum   *float64
	Maximum   *float64
	Enum      []any
}

// Definition describes one registered tool.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]ParamDef
	Requires    []string      // requirement names that must be satisfied before this tool may run
	ReadOnly    bool          // eligible for parallel dispatch within a batch (§5)
	Timeout     time.Duration // zero means use the runtime default
}

// Tool is one executable capability exposed to the model.
type Tool interface {
	Definition() Definition
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// Invocation is one requested call into the runtime.
type Invocation struct {
	ID          string
	ToolName    string
	Args        map[string]any
	StartedAt   time.Time
	CompletedAt time.Time
}

// Result is the outcome of one invocation, matching §6's
// {response, is_error} shape plus bookkeeping the Context Manager needs.
type Result struct {
	Response string
	IsError  bool
	Duration time.Duration
}

// ValidationError names which parameter failed and why.
type ValidationError struct {
	Parameter string
	Message   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("parameter %q: %s", e.Parameter, e.Message)
}

// Registry is a read-only lookup from tool name to Tool.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry builds a Registry from the given tools, keyed by their own
// declared name.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		r.tools[t.Definition().Name] = t
	}
	return r
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns every registered tool's name, in no particular order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// IsReadOnly reports whether name is registered and read-only, used by the
// Turn Engine to decide parallel-dispatch eligibility (§5).
func (r *Registry) IsReadOnly(name string) bool {
	t, ok := r.tools[name]
	return ok && t.Definition().ReadOnly
}

// RuntimeOptions configures a Runtime.
type RuntimeOptions struct {
	DefaultTimeout time.Duration
}

// DefaultRuntimeOptions mirrors the Turn Engine's default per-tool
// timeout (§5).
func DefaultRuntimeOptions() RuntimeOptions {
	return RuntimeOptions{DefaultTimeout: 120 * time.Second}
}

// Runtime validates, gates, times out, and executes tool invocations.
//
// Thread Safety: safe for concurrent use; multiple invocations may run
// simultaneously, including via the Turn Engine's parallel dispatch of
// read-only tools (§5).
type Runtime struct {
	registry *Registry
	options  RuntimeOptions
	log      *logging.Logger

	satisfied map[string]bool
}

// NewRuntime builds a Runtime over the given registry.
func NewRuntime(registry *Registry, opts RuntimeOptions) *Runtime {
	if opts.DefaultTimeout <= 0 {
		opts = DefaultRuntimeOptions()
	}
	return &Runtime{registry: registry, options: opts, log: logging.Default(), satisfied: make(map[string]bool)}
}

// SatisfyRequirement marks a requirement (e.g. "workspace_indexed") as met.
func (r *Runtime) SatisfyRequirement(requirement string) { r.satisfied[requirement] = true }

// Invoke runs one tool call per §6's invoke(name, args) contract. A tool
// error is always captured into Result{IsError: true} — per §7's
// propagation policy, errors inside a tool never escape the loop as a Go
// error except for ErrToolNotFound/ErrValidationFailed/ErrRequirementNotMet,
// which are programming/configuration errors the Turn Engine should fail
// the turn on rather than show to the model as a recoverable tool error.
func (r *Runtime) Invoke(ctx context.Context, inv Invocation) (Result, error) {
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	logger := r.log.With("tool", inv.ToolName, "invocation_id", inv.ID)

	tool, ok := r.registry.Get(inv.ToolName)
	if !ok {
		logger.Warn("tool not found")
		return Result{}, fmt.Errorf("%w: %s", ErrToolNotFound, inv.ToolName)
	}

	def := tool.Definition()
	if err := validateParams(def, inv.Args); err != nil {
		logger.Warn("parameter validation failed", "error", err)
		return Result{}, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}
	for _, req := range def.Requires {
		if !r.satisfied[req] {
			logger.Warn("requirement not met", "requirement", req)
			return Result{}, fmt.Errorf("%w: %s requires %s", ErrRequirementNotMet, def.Name, req)
		}
	}

	timeout := r.options.DefaultTimeout
	if def.Timeout > 0 {
		timeout = def.Timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	inv.StartedAt = time.Now()
	response, err := tool.Execute(callCtx, inv.Args)
	inv.CompletedAt = time.Now()
	duration := inv.CompletedAt.Sub(inv.StartedAt)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			logger.Error("tool execution timed out", "timeout", timeout)
			return Result{Response: fmt.Sprintf("tool %q timed out after %s", def.Name, timeout), IsError: true, Duration: duration}, nil
		}
		logger.Warn("tool execution failed", "error", err)
		return Result{Response: err.Error(), IsError: true, Duration: duration}, nil
	}

	return Result{Response: response, Duration: duration}, nil
}

func validateParams(def Definition, args map[string]any) error {
	for name, paramDef := range def.Parameters {
		if paramDef.Required {
			if _, ok := args[name]; !ok {
				return &ValidationError{Parameter: name, Message: "required parameter missing"}
			}
		}
	}
	for name, value := range args {
		paramDef, ok := def.Parameters[name]
		if !ok {
			continue
		}
		if err := validateOne(name, value, paramDef); err != nil {
			return err
		}
	}
	return nil
}

func validateOne(name string, value any, def ParamDef) error {
	if value == nil {
		if def.Required {
			return &ValidationError{Parameter: name, Message: "required parameter is nil"}
		}
		return nil
	}

	switch def.Type {
	case ParamString:
		s, ok := value.(string)
		if !ok {
			return &ValidationError{Parameter: name, Message: "expected string"}
		}
		if def.MinLength > 0 && len(s) < def.MinLength {
			return &ValidationError{Parameter: name, Message: fmt.Sprintf("string length must be at least %d", def.MinLength)}
		}
		if def.MaxLength > 0 && len(s) > def.MaxLength {
			return &ValidationError{Parameter: name, Message: fmt.Sprintf("string length must be at most %d", def.MaxLength)}
		}
	case ParamInt, ParamFloat:
		num, ok := toFloat(value)
		if !ok {
			return &ValidationError{Parameter: name, Message: "expected a number"}
		}
		if def.Minimum != nil && num < *def.Minimum {
			return &ValidationError{Parameter: name, Message: fmt.Sprintf("value must be at least %v", *def.Minimum)}
		}
		if def.Maximum != nil && num > *def.Maximum {
			return &ValidationError{Parameter: name, Message: fmt.Sprintf("value must be at most %v", *def.Maximum)}
		}
	case ParamBool:
		if _, ok := value.(bool); !ok {
			return &ValidationError{Parameter: name, Message: "expected boolean"}
		}
	case ParamObject:
		if _, ok := value.(map[string]any); !ok {
			return &ValidationError{Parameter: name, Message: "expected object"}
		}
	}

	if len(def.Enum) > 0 {
		found := false
		for _, allowed := range def.Enum {
			if value == allowed {
				found = true
				break
			}
		}
		if !found {
			return &ValidationError{Parameter: name, Message: fmt.Sprintf("value not in allowed enum %v", def.Enum)}
		}
	}
	return nil
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}
