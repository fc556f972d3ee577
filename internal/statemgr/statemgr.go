// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package statemgr implements the State Manager (§4.8): the sole owner of
// mutation to a turn.ConversationState. Its single-flight, fail-fast
// concurrency model is grounded on the teacher's agent/loop.go
// acquireSlot/TryAcquire pattern, narrowed here to "at most one in-flight
// turn" instead of a semaphore over many concurrent sessions.
package statemgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/aleutian-ai/turnengine/internal/engineerr"
	"github.com/aleutian-ai/turnengine/internal/phase"
	"github.com/aleutian-ai/turnengine/internal/turn"
)

var tracer = otel.Tracer("statemgr")

// Manager owns one turn.ConversationState and serializes all mutation to
// it. At most one turn may be in flight at a time (§4.8, §5).
type Manager struct {
	mu      sync.Mutex
	state   *turn.ConversationState
	current *turn.ConversationTurn // nil when no turn is in flight
}

// New builds a Manager over a fresh ConversationState with the given
// bounded-store capacities.
func New(snippetCap, toolResultCap int) *Manager {
	return &Manager{state: turn.NewConversationState(snippetCap, toolResultCap)}
}

// State returns the owned ConversationState. Callers outside this package
// must treat it as read-only; all writes go through Manager's methods.
func (m *Manager) State() *turn.ConversationState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// StartTurn allocates a new ConversationTurn in phase INIT. It fails fast
// (ErrTurnInProgress) if a turn is already in flight, per §4.8: "Concurrent
// start_turn calls must fail fast, not queue silently."
func (m *Manager) StartTurn(userText string) (*turn.ConversationTurn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		return nil, engineerr.ErrTurnInProgress
	}

	t := &turn.ConversationTurn{
		Number:      m.state.NextTurnNumber(),
		Phase:       phase.Init,
		UserMessage: userText,
		CreatedAt:   time.Now(),
	}
	m.current = t
	m.state.Current = t
	return t, nil
}

// Advance validates and performs a phase transition on the in-flight turn.
func (m *Manager) Advance(to phase.Phase) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return fmt.Errorf("%w: no turn in progress", engineerr.ErrInvalidTransition)
	}
	from := m.current.Phase
	if !phase.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s is not a legal edge", engineerr.ErrInvalidTransition, from, to)
	}

	_, span := tracer.Start(context.Background(), "statemgr.Advance", trace.WithAttributes(
		attribute.String("turn.from_phase", string(from)),
		attribute.String("turn.to_phase", string(to)),
		attribute.Int("turn.number", m.current.Number),
	))
	defer span.End()

	m.current.Phase = to
	return nil
}

// AddToolCall records a tool-call request. Allowed only while CALLING_TOOLS
// or PROCESSING_TOOL_RESULTS is the active phase (the engine advances to
// CALLING_TOOLS before issuing calls); returns an invocation ID for later
// correlation with AddToolResult.
func (m *Manager) AddToolCall(name string, args map[string]any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return "", fmt.Errorf("%w: no turn in progress", engineerr.ErrInvalidTransition)
	}
	if m.current.Phase != phase.CallingTools && m.current.Phase != phase.ProcessingToolResults {
		return "", fmt.Errorf("%w: add_tool_call not allowed in phase %s", engineerr.ErrInvalidTransition, m.current.Phase)
	}

	id := uuid.NewString()
	m.current.ToolCalls = append(m.current.ToolCalls, turn.ToolCallRecord{
		InvocationID: id,
		Name:         name,
		Args:         args,
		Seq:          len(m.current.ToolCalls),
		CalledAt:     time.Now(),
	})
	return id, nil
}

// AddToolResult records a completed tool invocation, preserving the
// call-order invariant from §5 ("Tool-result records for a single LLM
// response preserve the order of the LLM's tool-call list").
func (m *Manager) AddToolResult(invocationID, name string, args map[string]any, raw, summary string, isError bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return fmt.Errorf("%w: no turn in progress", engineerr.ErrInvalidTransition)
	}
	if m.current.Phase != phase.CallingTools && m.current.Phase != phase.ProcessingToolResults {
		return fmt.Errorf("%w: add_tool_result not allowed in phase %s", engineerr.ErrInvalidTransition, m.current.Phase)
	}

	r := turn.ToolResult{
		InvocationID: invocationID,
		Name:         name,
		Args:         args,
		Raw:          raw,
		Summary:      summary,
		IsError:      isError,
		TurnNumber:   m.current.Number,
		Seq:          len(m.current.ToolResults),
		CompletedAt:  time.Now(),
	}
	m.current.ToolResults = append(m.current.ToolResults, r)
	m.state.ToolResults.Append(r)
	return nil
}

// SetAgentMessage records the final agent response. Allowed only in
// GENERATING_RESPONSE or a later (terminal) phase.
func (m *Manager) SetAgentMessage(text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return fmt.Errorf("%w: no turn in progress", engineerr.ErrInvalidTransition)
	}
	allowed := m.current.Phase == phase.GeneratingResponse || m.current.Phase.IsTerminal()
	if !allowed {
		return fmt.Errorf("%w: set_agent_message not allowed in phase %s", engineerr.ErrInvalidTransition, m.current.Phase)
	}
	m.current.AgentMessage = text
	return nil
}

// AddSystemMessage appends a system message (e.g. an approved plan) to the
// in-flight turn.
func (m *Manager) AddSystemMessage(text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return fmt.Errorf("%w: no turn in progress", engineerr.ErrInvalidTransition)
	}
	m.current.SystemMessages = append(m.current.SystemMessages, text)
	return nil
}

// CompleteTurn moves the in-flight turn to COMPLETED, stamps its
// completion time, appends it to the turn log, and clears the handle.
func (m *Manager) CompleteTurn() (*turn.ConversationTurn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return nil, fmt.Errorf("%w: no turn in progress", engineerr.ErrInvalidTransition)
	}
	if !phase.CanTransition(m.current.Phase, phase.Completed) {
		return nil, fmt.Errorf("%w: %s -> COMPLETED is not a legal edge", engineerr.ErrInvalidTransition, m.current.Phase)
	}

	m.current.Phase = phase.Completed
	m.current.CompletedAt = time.Now()
	done := m.current
	m.state.CompletedTurns = append(m.state.CompletedTurns, *done)
	m.current = nil
	m.state.Current = nil
	return done, nil
}

// FailTurn moves the in-flight turn to FAILED, records the error, appends
// it to the turn log, and clears the handle.
func (m *Manager) FailTurn(info turn.ErrorInfo) (*turn.ConversationTurn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return nil, fmt.Errorf("%w: no turn in progress", engineerr.ErrInvalidTransition)
	}
	m.current.Phase = phase.Failed
	m.current.CompletedAt = time.Now()
	m.current.Error = &info
	done := m.current
	m.state.CompletedTurns = append(m.state.CompletedTurns, *done)
	m.current = nil
	m.state.Current = nil
	return done, nil
}

// CurrentPhase returns the in-flight turn's phase, or "" if none is in
// flight.
func (m *Manager) CurrentPhase() phase.Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return ""
	}
	return m.current.Phase
}

// CurrentTurn returns a copy of the in-flight turn's current recorded
// state, or nil if none is in flight.
func (m *Manager) CurrentTurn() *turn.ConversationTurn {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	cp := *m.current
	return &cp
}
