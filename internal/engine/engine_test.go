// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aleutian-ai/turnengine/internal/config"
	"github.com/aleutian-ai/turnengine/internal/contextmgr"
	"github.com/aleutian-ai/turnengine/internal/engineerr"
	"github.com/aleutian-ai/turnengine/internal/llmapi"
	"github.com/aleutian-ai/turnengine/internal/modelregistry"
	"github.com/aleutian-ai/turnengine/internal/phase"
	"github.com/aleutian-ai/turnengine/internal/planning"
	"github.com/aleutian-ai/turnengine/internal/proactive"
	"github.com/aleutian-ai/turnengine/internal/statemgr"
	"github.com/aleutian-ai/turnengine/internal/tokencount"
	"github.com/aleutian-ai/turnengine/internal/toolrt"
)

// scriptStep is one scripted LLM call outcome.
type scriptStep struct {
	resp llmapi.Response
	err  error
}

// scriptedLLM returns its steps in order, one per Call, and records every
// request it was handed for assertions on what the Turn Engine assembled.
type scriptedLLM struct {
	mu    sync.Mutex
	steps []scriptStep
	calls []llmapi.Request
}

func (f *scriptedLLM) Call(ctx context.Context, req llmapi.Request) (llmapi.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := len(f.calls)
	f.calls = append(f.calls, req)
	if i >= len(f.steps) {
		return llmapi.Response{}, fmt.Errorf("scriptedLLM: call %d not scripted", i)
	}
	return f.steps[i].resp, f.steps[i].err
}

func (f *scriptedLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *scriptedLLM) request(i int) llmapi.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

// alwaysToolCallLLM asks for the same tool call on every invocation, used
// to drive the per-turn tool-call cap.
type alwaysToolCallLLM struct {
	toolName string
}

func (f alwaysToolCallLLM) Call(ctx context.Context, req llmapi.Request) (llmapi.Response, error) {
	return llmapi.Response{
		ToolCalls:    []llmapi.ToolCallRequest{{Name: f.toolName, Args: map[string]any{"message": "hi"}}},
		FinishReason: llmapi.FinishToolCalls,
	}, nil
}

// stubTool is a minimal toolrt.Tool whose behavior is supplied by the test.
type stubTool struct {
	def     toolrt.Definition
	execute func(ctx context.Context, args map[string]any) (string, error)
}

func (s stubTool) Definition() toolrt.Definition { return s.def }
func (s stubTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	return s.execute(ctx, args)
}

func readOnlyEchoTool(name string) stubTool {
	return stubTool{
		def: toolrt.Definition{
			Name:     name,
			ReadOnly: true,
			Parameters: map[string]toolrt.ParamDef{
				"message": {Type: toolrt.ParamString, Required: true},
			},
		},
		execute: func(ctx context.Context, args map[string]any) (string, error) {
			return "echo: " + args["message"].(string), nil
		},
	}
}

// collectingSink records every emitted event, in order, for assertions.
type collectingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *collectingSink) Emit(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *collectingSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// newTestEngine wires a real State Manager, Context Manager, and tool
// runtime around a scripted llmapi.Client, the way a caller builds an
// Engine in production, minus the provider SDK.
func newTestEngine(t *testing.T, llm llmapi.Client, tools []toolrt.Tool, configure func(*config.Config)) (*Engine, *statemgr.Manager) {
	t.Helper()

	cfg := config.DefaultConfig()
	if configure != nil {
		configure(&cfg)
	}

	sm := statemgr.New(50, 50)
	reg := modelregistry.NewStaticRegistry(modelregistry.DefaultEntries(), nil)
	counter := tokencount.ForModel("")
	gatherer := proactive.New(t.TempDir())
	cm := contextmgr.New(sm.State(), reg, counter, gatherer, cfg)

	toolReg := toolrt.NewRegistry(tools...)
	rt := toolrt.NewRuntime(toolReg, toolrt.DefaultRuntimeOptions())

	e := New(Deps{
		Config:       cfg,
		State:        sm,
		Context:      cm,
		Planning:     planning.New(cfg.PlanningEnabled),
		LLM:          llm,
		Tools:        rt,
		ToolRegistry: toolReg,
	})
	return e, sm
}

func TestProcessMessageSimpleExplorationCompletesWithOrderedToolResults(t *testing.T) {
	llm := &scriptedLLM{steps: []scriptStep{
		{resp: llmapi.Response{
			ToolCalls: []llmapi.ToolCallRequest{
				{Name: "first", Args: map[string]any{"message": "a"}},
				{Name: "second", Args: map[string]any{"message": "b"}},
			},
			FinishReason: llmapi.FinishToolCalls,
		}},
		{resp: llmapi.Response{ContentParts: []string{"done"}, FinishReason: llmapi.FinishStop}},
	}}

	e, sm := newTestEngine(t, llm, []toolrt.Tool{readOnlyEchoTool("first"), readOnlyEchoTool("second")}, func(c *config.Config) {
		c.PlanningEnabled = true // still bypassed: the user text reads as simple exploration
	})

	sink := &collectingSink{}
	err := e.ProcessMessage(context.Background(), "read the config file", sink)
	require.NoError(t, err)
	require.Equal(t, 2, llm.callCount())

	done := sm.State().CompletedTurns[len(sm.State().CompletedTurns)-1]
	assert.Equal(t, phase.Completed, done.Phase)
	assert.Equal(t, "done", done.AgentMessage)
	require.Len(t, done.ToolResults, 2)
	// §8 invariant 3: tool-result order matches the model's tool-call
	// order, not whichever read-only tool finished executing first.
	assert.Equal(t, "first", done.ToolResults[0].Name)
	assert.Equal(t, "second", done.ToolResults[1].Name)

	events := sink.snapshot()
	var sawToolCalls, sawToolResults int
	for _, ev := range events {
		switch ev.Kind {
		case EventToolCall:
			sawToolCalls++
		case EventToolResult:
			sawToolResults++
		}
	}
	assert.Equal(t, 2, sawToolCalls)
	assert.Equal(t, 2, sawToolResults)
	last := events[len(events)-1]
	assert.Equal(t, EventAgentMessage, last.Kind)
	assert.Equal(t, "done", last.AgentMessage)
}

func TestProcessMessageApprovedPlanInjectsPlanVerbatimIntoNextAssembly(t *testing.T) {
	llm := &scriptedLLM{steps: []scriptStep{
		{resp: llmapi.Response{ContentParts: []string{"executing the plan"}, FinishReason: llmapi.FinishStop}},
	}}

	planMgr := planning.New(true)
	const planText = "1. inspect the schema\n2. write the migration\n3. run it"
	planMgr.ProposePlan(planText, false)

	cfg := config.DefaultConfig()
	cfg.PlanningEnabled = true
	sm := statemgr.New(50, 50)
	reg := modelregistry.NewStaticRegistry(modelregistry.DefaultEntries(), nil)
	cm := contextmgr.New(sm.State(), reg, tokencount.ForModel(""), proactive.New(t.TempDir()), cfg)
	toolReg := toolrt.NewRegistry()
	rt := toolrt.NewRuntime(toolReg, toolrt.DefaultRuntimeOptions())

	e := New(Deps{
		Config:       cfg,
		State:        sm,
		Context:      cm,
		Planning:     planMgr,
		LLM:          llm,
		Tools:        rt,
		ToolRegistry: toolReg,
	})

	err := e.ProcessMessage(context.Background(), "approve", DiscardSink)
	require.NoError(t, err)
	require.Equal(t, 1, llm.callCount())
	assert.Equal(t, planning.ExecutingPlan, planMgr.State())

	req := llm.request(0)
	var sawPlan bool
	for _, m := range req.Messages {
		if m.Role == "system" && m.Content == planText {
			sawPlan = true
		}
	}
	assert.True(t, sawPlan, "approved plan must appear verbatim as a system message in the next assembly")

	done := sm.State().CompletedTurns[len(sm.State().CompletedTurns)-1]
	assert.Equal(t, phase.Completed, done.Phase)
	assert.Equal(t, "executing the plan", done.AgentMessage)
}

// TestProcessMessageThreeAmbiguousRevisionsEscalateToNewRequest drives the
// real ProcessMessage call path (not planning.Manager in isolation) through
// an initial plan proposal followed by three consecutive ambiguous
// follow-ups, asserting the third escalates to a fresh request instead of
// looping in AWAITING_APPROVAL forever.
func TestProcessMessageThreeAmbiguousRevisionsEscalateToNewRequest(t *testing.T) {
	llm := &scriptedLLM{steps: []scriptStep{
		{resp: llmapi.Response{ContentParts: []string{"here is a plan"}, FinishReason: llmapi.FinishStop}},
		{resp: llmapi.Response{ContentParts: []string{"here is revised plan 1"}, FinishReason: llmapi.FinishStop}},
		{resp: llmapi.Response{ContentParts: []string{"here is revised plan 2"}, FinishReason: llmapi.FinishStop}},
		{resp: llmapi.Response{ContentParts: []string{"treated as a brand new request"}, FinishReason: llmapi.FinishStop}},
	}}

	cfg := config.DefaultConfig()
	cfg.PlanningEnabled = true
	sm := statemgr.New(50, 50)
	reg := modelregistry.NewStaticRegistry(modelregistry.DefaultEntries(), nil)
	cm := contextmgr.New(sm.State(), reg, tokencount.ForModel(""), proactive.New(t.TempDir()), cfg)
	toolReg := toolrt.NewRegistry()
	rt := toolrt.NewRuntime(toolReg, toolrt.DefaultRuntimeOptions())
	planMgr := planning.New(true)

	e := New(Deps{
		Config:       cfg,
		State:        sm,
		Context:      cm,
		Planning:     planMgr,
		LLM:          llm,
		Tools:        rt,
		ToolRegistry: toolReg,
	})

	require.NoError(t, e.ProcessMessage(context.Background(), "implement and test the entire migration", DiscardSink))
	assert.Equal(t, planning.AwaitingApproval, planMgr.State())

	require.NoError(t, e.ProcessMessage(context.Background(), "hmm what about edge cases", DiscardSink))
	assert.Equal(t, planning.AwaitingApproval, planMgr.State())

	require.NoError(t, e.ProcessMessage(context.Background(), "actually I'm not sure about this", DiscardSink))
	assert.Equal(t, planning.AwaitingApproval, planMgr.State())

	require.NoError(t, e.ProcessMessage(context.Background(), "something else ambiguous", DiscardSink))
	assert.Equal(t, planning.Idle, planMgr.State(), "the third ambiguous follow-up must escalate to a new request, not loop in AWAITING_APPROVAL")

	require.Equal(t, 4, llm.callCount())
	last := sm.State().CompletedTurns[len(sm.State().CompletedTurns)-1]
	assert.Equal(t, "treated as a brand new request", last.AgentMessage)
}

func TestProcessMessageRetriesRateLimitThenSucceeds(t *testing.T) {
	rateLimited := engineerr.New(engineerr.CodeLLMRateLimit, "rate limited", nil)
	llm := &scriptedLLM{steps: []scriptStep{
		{err: rateLimited},
		{err: rateLimited},
		{resp: llmapi.Response{ContentParts: []string{"finally"}, FinishReason: llmapi.FinishStop}},
	}}

	e, sm := newTestEngine(t, llm, nil, func(c *config.Config) {
		c.PlanningEnabled = false
		c.RetryBase = time.Millisecond
		c.RetryCap = 5 * time.Millisecond
		c.RetryJitter = 0
	})

	err := e.ProcessMessage(context.Background(), "list the files here", DiscardSink)
	require.NoError(t, err)
	assert.Equal(t, 3, llm.callCount())

	done := sm.State().CompletedTurns[len(sm.State().CompletedTurns)-1]
	assert.Equal(t, phase.Completed, done.Phase)
	assert.Equal(t, "finally", done.AgentMessage)
}

func TestProcessMessageFailsWhenToolCallCapExceeded(t *testing.T) {
	e, sm := newTestEngine(t, alwaysToolCallLLM{toolName: "echo"}, []toolrt.Tool{readOnlyEchoTool("echo")}, func(c *config.Config) {
		c.PlanningEnabled = false
		c.ToolCallCap = 3
	})

	err := e.ProcessMessage(context.Background(), "check status of the build", DiscardSink)
	require.Error(t, err)
	assert.ErrorIs(t, err, engineerr.ErrToolLoopCapExceeded)

	done := sm.State().CompletedTurns[len(sm.State().CompletedTurns)-1]
	assert.Equal(t, phase.Failed, done.Phase)
	require.NotNil(t, done.Error)
	assert.Equal(t, string(engineerr.CodeToolLoopCapExceed), done.Error.Code)
	// Partial tool results recorded before the cap was reached are kept,
	// not discarded (S4).
	assert.Len(t, done.ToolResults, 3)
}

func TestProcessMessageFailsFastOnConcurrentTurn(t *testing.T) {
	e, sm := newTestEngine(t, &scriptedLLM{}, nil, func(c *config.Config) {
		c.PlanningEnabled = false
	})

	_, err := sm.StartTurn("already running")
	require.NoError(t, err)

	err = e.ProcessMessage(context.Background(), "a second message", DiscardSink)
	require.Error(t, err)
	assert.ErrorIs(t, err, engineerr.ErrTurnInProgress)
}
