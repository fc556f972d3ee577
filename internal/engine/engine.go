// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine implements the Turn Engine (§4.10): the top-level loop
// that drives one user message from start_turn through a terminal phase,
// binding the Context Manager, Planning Manager, State Manager, Retry
// Controller, LLM provider, and tool runtime. Its control flow is grounded
// on the teacher's services/code_buddy/agent/loop.go runLoop (a
// context-cancellation check, a terminal-state check, one phase executed
// per iteration, then a transition), narrowed from that file's
// session/slot-acquisition machinery to this spec's single-flight model,
// which the State Manager itself already enforces.
package engine

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/aleutian-ai/turnengine/internal/config"
	"github.com/aleutian-ai/turnengine/internal/contextmgr"
	"github.com/aleutian-ai/turnengine/internal/engineerr"
	"github.com/aleutian-ai/turnengine/internal/llmapi"
	"github.com/aleutian-ai/turnengine/internal/metrics"
	"github.com/aleutian-ai/turnengine/internal/phase"
	"github.com/aleutian-ai/turnengine/internal/planning"
	"github.com/aleutian-ai/turnengine/internal/retry"
	"github.com/aleutian-ai/turnengine/internal/statemgr"
	"github.com/aleutian-ai/turnengine/internal/toolrt"
	"github.com/aleutian-ai/turnengine/internal/turn"
	"github.com/aleutian-ai/turnengine/internal/turnlog"
	"github.com/aleutian-ai/turnengine/pkg/logging"
)

var tracer = otel.Tracer("engine")

// Deps collects the Turn Engine's collaborators. TurnLog and Breaker are
// optional: a nil TurnLog disables offline-inspection persistence; a nil
// Breaker disables circuit-breaking (the Retry Controller still backs off
// and degrades context).
type Deps struct {
	Config       config.Config
	State        *statemgr.Manager
	Context      *contextmgr.Manager
	Planning     *planning.Manager
	LLM          llmapi.Client
	Tools        *toolrt.Runtime
	ToolRegistry *toolrt.Registry
	TurnLog      *turnlog.Log
	Breaker      *retry.CircuitBreaker
}

// Engine drives turns to completion per §4.10.
type Engine struct {
	cfg      config.Config
	state    *statemgr.Manager
	ctx      *contextmgr.Manager
	planning *planning.Manager
	llm      llmapi.Client
	tools    *toolrt.Runtime
	toolReg  *toolrt.Registry
	tlog     *turnlog.Log
	retryCfg retry.Config
	breaker  *retry.CircuitBreaker
	log      *logging.Logger
}

// New builds an Engine over deps. A nil deps.Planning disables the
// Planning Manager regardless of deps.Config.PlanningEnabled.
func New(deps Deps) *Engine {
	p := deps.Planning
	if p == nil {
		p = planning.New(deps.Config.PlanningEnabled)
	}
	return &Engine{
		cfg:      deps.Config,
		state:    deps.State,
		ctx:      deps.Context,
		planning: p,
		llm:      deps.LLM,
		tools:    deps.Tools,
		toolReg:  deps.ToolRegistry,
		tlog:     deps.TurnLog,
		retryCfg: retry.FromConfig(deps.Config),
		breaker:  deps.Breaker,
		log:      logging.Default().With("component", "engine"),
	}
}

// toolSchemas converts the tool registry's definitions into the schema
// shape the Context Manager advertises to the model.
func (e *Engine) toolSchemas() []turn.ToolSchema {
	if e.toolReg == nil {
		return nil
	}
	names := e.toolReg.Names()
	schemas := make([]turn.ToolSchema, 0, len(names))
	for _, name := range names {
		tool, ok := e.toolReg.Get(name)
		if !ok {
			continue
		}
		def := tool.Definition()
		params := make(map[string]any, len(def.Parameters))
		for pname, pdef := range def.Parameters {
			params[pname] = map[string]any{
				"type":     string(pdef.Type),
				"required": pdef.Required,
			}
		}
		schemas = append(schemas, turn.ToolSchema{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  params,
		})
	}
	return schemas
}

// ProcessMessage drives one user message through the Turn Engine, emitting
// Session I/O events to sink as it progresses. It returns once the turn
// reaches a terminal phase (COMPLETED or FAILED); a non-nil error means the
// turn failed, and a corresponding Error event has already been emitted.
func (e *Engine) ProcessMessage(ctx context.Context, userText string, sink Sink) error {
	if sink == nil {
		sink = DiscardSink
	}
	startedAt := time.Now()

	ctx, span := tracer.Start(ctx, "engine.ProcessMessage")
	defer span.End()

	t, err := e.state.StartTurn(userText)
	if err != nil {
		e.emitError(sink, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	turnNumber := t.Number
	span.SetAttributes(attribute.Int("engine.turn_number", turnNumber))

	if err := e.state.Advance(phase.ProcessingUserInput); err != nil {
		return e.failTurn(ctx, turnNumber, startedAt, userText, err, sink)
	}
	e.emitStatus(sink, phase.ProcessingUserInput)

	if e.planning.Enabled {
		handled, err := e.runPlanningStep(ctx, turnNumber, startedAt, userText, sink)
		if err != nil {
			return err
		}
		if handled {
			return nil
		}
	}

	return e.runMainLoop(ctx, turnNumber, startedAt, userText, sink)
}

// runPlanningStep evaluates the Planning Manager's disposition for
// userText (§4.7). It returns handled=true when the turn has already been
// completed or failed by this step; handled=false means the caller should
// continue into the ordinary Turn Engine loop (passthrough, new-request
// reset, or an approved plan now sitting as a pending system message).
func (e *Engine) runPlanningStep(ctx context.Context, turnNumber int, startedAt time.Time, userText string, sink Sink) (handled bool, err error) {
	disposition := e.planning.Evaluate(userText)

	switch disposition {
	case planning.DispositionPassthrough:
		return false, nil

	case planning.DispositionNewRequest:
		e.planning.Reset()
		return false, nil

	case planning.DispositionApprovedPlan:
		planText := e.planning.Approve()
		if err := e.state.AddSystemMessage(planText); err != nil {
			return true, e.failTurn(ctx, turnNumber, startedAt, userText, err, sink)
		}
		return false, nil

	case planning.DispositionProposePlan:
		planText, callErr := e.planningOnlyCall(ctx, userText, sink)
		if callErr != nil {
			return true, e.failTurn(ctx, turnNumber, startedAt, userText, callErr, sink)
		}
		e.planning.ProposePlan(planText, false)
		return true, e.completeWithAgentMessage(ctx, turnNumber, startedAt, planText, sink)

	case planning.DispositionRevision:
		e.planning.RecordRevision()
		planText, callErr := e.planningOnlyCall(ctx, userText, sink)
		if callErr != nil {
			return true, e.failTurn(ctx, turnNumber, startedAt, userText, callErr, sink)
		}
		// Preserve the round count RecordRevision just bumped: re-proposing
		// here is part of the same ambiguous-follow-up chain, not a fresh
		// plan, so revisionRounds must keep accumulating toward Evaluate's
		// revise-twice-then-escalate check.
		e.planning.ProposePlan(planText, true)
		return true, e.completeWithAgentMessage(ctx, turnNumber, startedAt, planText, sink)

	default:
		return false, nil
	}
}

// planningOnlyCall assembles context with tool schemas disabled and makes
// one Retry-Controller-wrapped LLM call, per §4.7's "called once with a
// planning-only prompt (tools disabled)".
func (e *Engine) planningOnlyCall(ctx context.Context, userText string, sink Sink) (string, error) {
	if err := e.state.Advance(phase.AssemblingContext); err != nil {
		return "", err
	}
	e.emitStatus(sink, phase.AssemblingContext)

	e.ctx.SetToolSchemas(nil)
	payload, err := e.ctx.Assemble(ctx, e.cfg.Model, e.cfg.ContextTargets, userText)
	if err != nil {
		return "", err
	}

	if err := e.state.Advance(phase.CallingLLM); err != nil {
		return "", err
	}
	e.emitStatus(sink, phase.CallingLLM)

	resp, _, err := e.callLLMWithRetry(ctx, payload, userText)
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}

// completeWithAgentMessage advances a turn already in ASSEMBLING_CONTEXT or
// later straight to GENERATING_RESPONSE/COMPLETED with a canned agent
// message (used by the planning sub-loop, which never calls tools).
func (e *Engine) completeWithAgentMessage(ctx context.Context, turnNumber int, startedAt time.Time, text string, sink Sink) error {
	if err := e.state.Advance(phase.GeneratingResponse); err != nil {
		return e.failTurn(ctx, turnNumber, startedAt, "", err, sink)
	}
	e.emitStatus(sink, phase.GeneratingResponse)

	if err := e.state.SetAgentMessage(text); err != nil {
		return e.failTurn(ctx, turnNumber, startedAt, "", err, sink)
	}

	return e.completeTurn(ctx, turnNumber, startedAt, text, llmapi.Usage{}, 0, 0, sink)
}

// runMainLoop is the ordinary (non-planning) Turn Engine loop: assemble,
// call, dispatch tool calls if requested, repeat until the model returns a
// final answer or a boundary condition (cap, cancellation, fatal error)
// ends the turn (§4.10).
func (e *Engine) runMainLoop(ctx context.Context, turnNumber int, startedAt time.Time, userText string, sink Sink) error {
	toolCallCount := 0
	var totalUsage llmapi.Usage
	var retryAttempts int

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return e.cancelTurn(ctx, turnNumber, startedAt, sink)
		}

		if err := e.state.Advance(phase.AssemblingContext); err != nil {
			return e.failTurn(ctx, turnNumber, startedAt, userText, err, sink)
		}
		e.emitStatus(sink, phase.AssemblingContext)

		e.ctx.SetToolSchemas(e.toolSchemas())
		payload, err := e.ctx.Assemble(ctx, e.cfg.Model, e.cfg.ContextTargets, userText)
		if err != nil {
			return e.failTurn(ctx, turnNumber, startedAt, userText, err, sink)
		}

		if err := e.state.Advance(phase.CallingLLM); err != nil {
			return e.failTurn(ctx, turnNumber, startedAt, userText, err, sink)
		}
		e.emitStatus(sink, phase.CallingLLM)

		resp, attempts, err := e.callLLMWithRetry(ctx, payload, userText)
		retryAttempts += attempts - 1
		if err != nil {
			return e.failTurn(ctx, turnNumber, startedAt, userText, err, sink)
		}
		totalUsage.PromptTokens += resp.Usage.PromptTokens
		totalUsage.ThinkingTokens += resp.Usage.ThinkingTokens
		totalUsage.OutputTokens += resp.Usage.OutputTokens

		if len(resp.ToolCalls) == 0 {
			if err := e.state.Advance(phase.GeneratingResponse); err != nil {
				return e.failTurn(ctx, turnNumber, startedAt, userText, err, sink)
			}
			e.emitStatus(sink, phase.GeneratingResponse)

			text := resp.Text()
			if err := e.state.SetAgentMessage(text); err != nil {
				return e.failTurn(ctx, turnNumber, startedAt, userText, err, sink)
			}
			metrics.RecordToolCallsIssued(toolCallCount)
			return e.completeTurn(ctx, turnNumber, startedAt, text, totalUsage, toolCallCount, retryAttempts, sink)
		}

		if err := e.state.Advance(phase.CallingTools); err != nil {
			return e.failTurn(ctx, turnNumber, startedAt, userText, err, sink)
		}
		e.emitStatus(sink, phase.CallingTools)

		capExceeded, err := e.dispatchToolCalls(ctx, resp.ToolCalls, &toolCallCount, sink)
		if err != nil {
			return e.failTurn(ctx, turnNumber, startedAt, userText, err, sink)
		}
		if capExceeded {
			metrics.RecordToolCallCapExceeded()
			return e.failTurn(ctx, turnNumber, startedAt, userText, engineerr.ErrToolLoopCapExceeded, sink)
		}

		if err := e.state.Advance(phase.ProcessingToolResults); err != nil {
			return e.failTurn(ctx, turnNumber, startedAt, userText, err, sink)
		}
		e.emitStatus(sink, phase.ProcessingToolResults)
		// Loop back to ASSEMBLING_CONTEXT; the next assembly observes the
		// tool results just recorded.
	}
}

// dispatchToolCalls records each requested call via the State Manager,
// invokes them through the tool runtime (which parallelizes read-only
// tools within the batch per §5), and records each result in call order
// (§8 invariant 3) — preserved automatically because toolrt.Dispatch
// returns results ordered by the index assigned here regardless of
// execution order. Recording stops, with capExceeded=true, immediately
// after the per-turn tool-call cap is reached.
func (e *Engine) dispatchToolCalls(ctx context.Context, calls []llmapi.ToolCallRequest, toolCallCount *int, sink Sink) (capExceeded bool, err error) {
	invocationIDs := make([]string, len(calls))
	batch := make([]toolrt.BatchItem, len(calls))
	for i, c := range calls {
		id, aerr := e.state.AddToolCall(c.Name, c.Args)
		if aerr != nil {
			return false, aerr
		}
		invocationIDs[i] = id
		sink.Emit(Event{Kind: EventToolCall, ToolName: c.Name, ToolArgs: c.Args})
		batch[i] = toolrt.BatchItem{Index: i, Invocation: toolrt.Invocation{ID: id, ToolName: c.Name, Args: c.Args}}
	}

	results := e.tools.Dispatch(ctx, batch)
	for i, res := range results {
		call := calls[i]
		if res.Err != nil {
			// ErrToolNotFound/ErrValidationFailed/ErrRequirementNotMet: a
			// programming or configuration error the turn should fail on
			// rather than show the model as a recoverable tool error (§7).
			return false, res.Err
		}
		if err := e.state.AddToolResult(invocationIDs[i], call.Name, call.Args, res.Result.Response, "", res.Result.IsError); err != nil {
			return false, err
		}
		sink.Emit(Event{Kind: EventToolResult, ToolName: call.Name, ToolSummary: res.Result.Response, ToolIsError: res.Result.IsError})

		*toolCallCount++
		if *toolCallCount >= e.cfg.ToolCallCap {
			return true, nil
		}
	}
	return false, nil
}

// callLLMWithRetry wraps one LLM invocation in the Retry Controller
// (§4.9). The first attempt reuses the already-assembled payload; later
// attempts re-assemble with the Retry Controller's progressively degraded
// targets, since those targets changed. It returns the number of attempts
// actually made, for usage-log accounting (S3).
func (e *Engine) callLLMWithRetry(ctx context.Context, initialPayload *turn.PromptPayload, currentUserText string) (llmapi.Response, int, error) {
	llmCtx, cancel := context.WithTimeout(ctx, e.cfg.LLMTotalTimeout)
	defer cancel()

	var resp llmapi.Response
	fn := func(attemptCtx context.Context, attempt int, targets config.ContextTargets) error {
		payload := initialPayload
		if attempt > 1 {
			p, err := e.ctx.Assemble(attemptCtx, e.cfg.Model, targets, currentUserText)
			if err != nil {
				return engineerr.New(engineerr.CodeLLMContextOver, "context re-assembly failed on retry", err)
			}
			payload = p
		}
		r, err := e.llm.Call(attemptCtx, llmapi.Request{
			Messages:         payload.Messages,
			ToolSchemas:      payload.ToolSchemas,
			GenerationConfig: payload.GenerationConfig,
		})
		if err != nil {
			return err
		}
		resp = r
		return nil
	}

	result := retry.Run(llmCtx, e.retryCfg, e.breaker, e.cfg.ContextTargets, fn)
	for i := 1; i < len(result.Attempts); i++ {
		if prev := result.Attempts[i-1]; prev.Err != nil {
			metrics.RecordRetry(engineerr.Classify(prev.Err).String())
		}
	}
	if !result.Succeeded {
		if errors.Is(result.LastErr, retry.ErrCircuitOpen) {
			metrics.RecordCircuitBreakerOpen()
		}
		return llmapi.Response{}, len(result.Attempts), result.LastErr
	}
	return resp, len(result.Attempts), nil
}

// completeTurn finalizes a successful turn: advance is already at
// GENERATING_RESPONSE (or terminal), so only complete_turn remains.
func (e *Engine) completeTurn(ctx context.Context, turnNumber int, startedAt time.Time, agentMessage string, usage llmapi.Usage, toolCallCount, retriesPerformed int, sink Sink) error {
	done, err := e.state.CompleteTurn()
	if err != nil {
		return e.failTurn(ctx, turnNumber, startedAt, "", err, sink)
	}

	duration := time.Since(startedAt)
	metrics.RecordTurnCompleted("completed", duration)
	sink.Emit(Event{Kind: EventStatusUpdate, Phase: phase.Completed})
	sink.Emit(Event{Kind: EventAgentMessage, AgentMessage: agentMessage})

	e.appendTurnLog(ctx, done, usage, toolCallCount, retriesPerformed, duration, nil)
	return nil
}

// failTurn finalizes a failed turn via the State Manager's fail_turn,
// emits an Error event, records metrics, and returns the original error
// for the caller.
func (e *Engine) failTurn(ctx context.Context, turnNumber int, startedAt time.Time, userText string, cause error, sink Sink) error {
	info := errorInfoFromErr(cause)
	done, ferr := e.state.FailTurn(info)
	duration := time.Since(startedAt)
	metrics.RecordTurnCompleted("failed", duration)
	e.emitError(sink, cause)

	if ferr == nil {
		e.appendTurnLog(ctx, done, llmapi.Usage{}, 0, 0, duration, &info)
	} else {
		e.log.ErrorContext(ctx, "fail_turn itself failed", "turn", turnNumber, "cause", cause, "fail_turn_error", ferr)
	}
	return cause
}

// cancelTurn fails the in-flight turn with the CANCELLED reason per §5's
// cancellation contract: abort immediately, no retries, FAILED/CANCELLED.
func (e *Engine) cancelTurn(ctx context.Context, turnNumber int, startedAt time.Time, sink Sink) error {
	info := turn.ErrorInfo{Code: string(engineerr.CodeCoreCancelled), Message: "turn cancelled", Reason: "CANCELLED"}
	done, err := e.state.FailTurn(info)
	duration := time.Since(startedAt)
	metrics.RecordTurnCompleted("failed", duration)
	sink.Emit(Event{Kind: EventError, ErrorCode: engineerr.CodeCoreCancelled, ErrorMessage: "turn cancelled"})
	if err == nil {
		e.appendTurnLog(ctx, done, llmapi.Usage{}, 0, 0, duration, &info)
	}
	return engineerr.ErrCancelled
}

func (e *Engine) emitStatus(sink Sink, p phase.Phase) {
	sink.Emit(Event{Kind: EventStatusUpdate, Phase: p})
}

func (e *Engine) emitError(sink Sink, err error) {
	info := errorInfoFromErr(err)
	sink.Emit(Event{Kind: EventError, ErrorCode: engineerr.Code(info.Code), ErrorMessage: info.Message})
}

// appendTurnLog writes one offline-inspection record for the just-finished
// turn (§6, §11). Failures to append are logged, never surfaced: the turn
// log is a diagnostic side channel, not part of the turn's success path.
func (e *Engine) appendTurnLog(ctx context.Context, done *turn.ConversationTurn, usage llmapi.Usage, toolCallCount, retriesPerformed int, duration time.Duration, errInfo *turn.ErrorInfo) {
	if e.tlog == nil || done == nil {
		return
	}
	rec := turnlog.Record{
		TurnNumber:   done.Number,
		Phase:        string(done.Phase),
		UserMessage:  done.UserMessage,
		AgentMessage: done.AgentMessage,
		ToolResults:  done.ToolResults,
		Error:        errInfo,
		Metrics: turnlog.TurnMetrics{
			PromptTokens:     usage.PromptTokens,
			ThinkingTokens:   usage.ThinkingTokens,
			OutputTokens:     usage.OutputTokens,
			ToolCallsIssued:  toolCallCount,
			RetriesPerformed: retriesPerformed,
			WallClock:        duration,
		},
		StartedAt:   done.CreatedAt,
		CompletedAt: done.CompletedAt,
	}
	if err := e.tlog.Append(ctx, rec); err != nil {
		e.log.WarnContext(ctx, "turn log append failed", "turn", done.Number, "error", err)
	}
}

func errorInfoFromErr(err error) turn.ErrorInfo {
	if err == nil {
		return turn.ErrorInfo{}
	}
	var ee *engineerr.Error
	if errors.As(err, &ee) {
		return turn.ErrorInfo{Code: string(ee.Code), Message: ee.Message}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return turn.ErrorInfo{Code: string(engineerr.CodeCoreCancelled), Message: "turn cancelled", Reason: "CANCELLED"}
	}
	return turn.ErrorInfo{Code: string(engineerr.CodeCoreFatal), Message: err.Error()}
}
