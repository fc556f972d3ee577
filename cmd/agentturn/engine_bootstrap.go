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
	"errors"

	"github.com/aleutian-ai/turnengine/internal/config"
	"github.com/aleutian-ai/turnengine/internal/contextmgr"
	"github.com/aleutian-ai/turnengine/internal/engine"
	"github.com/aleutian-ai/turnengine/internal/llmapi"
	"github.com/aleutian-ai/turnengine/internal/modelregistry"
	"github.com/aleutian-ai/turnengine/internal/planning"
	"github.com/aleutian-ai/turnengine/internal/proactive"
	"github.com/aleutian-ai/turnengine/internal/retry"
	"github.com/aleutian-ai/turnengine/internal/statemgr"
	"github.com/aleutian-ai/turnengine/internal/tokencount"
	"github.com/aleutian-ai/turnengine/internal/toolrt"
	"github.com/aleutian-ai/turnengine/internal/toolrt/builtin"
	"github.com/aleutian-ai/turnengine/internal/turnlog"
)

// errNoProviderCredential is returned by newLLMClient when no API key was
// sealed into the configuration (via AGENTTURN_PROVIDER_API_KEY).
var errNoProviderCredential = errors.New("no LLM provider credential configured")

// sharedDeps holds the collaborators one process-wide, reused across every
// session: the LLM client, the tool registry/runtime, the model registry,
// and the turn log. Everything session-scoped (State Manager, Context
// Manager, Planning Manager) is built fresh per connection by
// newSessionEngine, the same "one durable store, many short-lived
// in-memory sessions" split services/orchestrator draws between its
// Weaviate client and per-request conversation state.
type sharedDeps struct {
	cfg      config.Config
	llm      llmapi.Client
	toolReg  *toolrt.Registry
	toolRt   *toolrt.Runtime
	modelReg modelregistry.Registry
	counter  tokencount.Counter
	tlog     *turnlog.Log
	breaker  *retry.CircuitBreaker
}

// newSharedDeps wires the process-wide collaborators from cfg. tlog may be
// nil (offline-inspection persistence disabled, the same optionality
// engine.Deps documents for its own TurnLog field).
func newSharedDeps(cfg config.Config, llm llmapi.Client, tlog *turnlog.Log) *sharedDeps {
	toolReg := toolrt.NewRegistry(builtin.New(cfg.WorkspaceRoot)...)
	toolRt := toolrt.NewRuntime(toolReg, toolrt.RuntimeOptions{DefaultTimeout: cfg.ToolDefaultTimeout})

	return &sharedDeps{
		cfg:      cfg,
		llm:      llm,
		toolReg:  toolReg,
		toolRt:   toolRt,
		modelReg: modelregistry.NewStaticRegistry(modelregistry.DefaultEntries(), nil),
		counter:  tokencount.ForModel(""),
		tlog:     tlog,
		breaker:  retry.NewCircuitBreaker(retry.DefaultCircuitBreakerConfig()),
	}
}

// newSessionEngine builds one Engine over fresh, session-scoped State and
// Context Managers, matching the engine's single-flight-per-session model.
func (d *sharedDeps) newSessionEngine() (*engine.Engine, *statemgr.Manager) {
	sm := statemgr.New(d.cfg.ContextTargets.Snippets, d.cfg.ContextTargets.ToolResults)
	gatherer := proactive.New(d.cfg.WorkspaceRoot)
	cm := contextmgr.New(sm.State(), d.modelReg, d.counter, gatherer, d.cfg)

	e := engine.New(engine.Deps{
		Config:       d.cfg,
		State:        sm,
		Context:      cm,
		Planning:     planning.New(d.cfg.PlanningEnabled),
		LLM:          d.llm,
		Tools:        d.toolRt,
		ToolRegistry: d.toolReg,
		TurnLog:      d.tlog,
		Breaker:      d.breaker,
	})
	return e, sm
}

// newLLMClient builds the reference HTTP client against the credential
// sealed in cfg.ProviderCredential. Opening the enclave, copying the
// plaintext key into the client, and destroying the buffer immediately
// mirrors the one-shot-unseal convention memguard's own docs recommend for
// short-lived secret use.
func newLLMClient(cfg config.Config, rateLimit float64, burst int) (llmapi.Client, error) {
	if cfg.ProviderCredential == nil {
		return nil, errNoProviderCredential
	}
	buf, err := cfg.ProviderCredential.Open()
	if err != nil {
		return nil, err
	}
	defer buf.Destroy()

	opts := []llmapi.HTTPClientOption{}
	if rateLimit > 0 {
		opts = append(opts, llmapi.WithRateLimit(rateLimit, burst))
	}
	return llmapi.NewHTTPClient(string(buf.Bytes()), cfg.Model, opts...), nil
}
