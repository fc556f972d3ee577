// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"github.com/aleutian-ai/turnengine/internal/engineerr"
	"github.com/aleutian-ai/turnengine/internal/phase"
)

// EventKind names one of the Session I/O event shapes named in §6:
// AgentMessage, ToolCall, ToolResult, StatusUpdate, Error.
type EventKind string

const (
	EventAgentMessage EventKind = "agent_message"
	EventToolCall     EventKind = "tool_call"
	EventToolResult   EventKind = "tool_result"
	EventStatusUpdate EventKind = "status_update"
	EventError        EventKind = "error"
)

// Event is one item in the agent event stream a caller (CLI or HTTP front
// end) consumes while a turn runs. Only the fields relevant to Kind are
// populated.
type Event struct {
	Kind EventKind

	AgentMessage string

	ToolName    string
	ToolArgs    map[string]any
	ToolSummary string
	ToolIsError bool

	Phase phase.Phase

	ErrorCode    engineerr.Code
	ErrorMessage string
}

// Sink receives the agent event stream for one ProcessMessage call.
// Implementations must be safe to call from the goroutine ProcessMessage
// runs on; Emit is always called synchronously, never concurrently, by a
// single Engine invocation.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a plain function to a Sink.
type SinkFunc func(Event)

// Emit implements Sink.
func (f SinkFunc) Emit(e Event) { f(e) }

type discardSink struct{}

func (discardSink) Emit(Event) {}

// DiscardSink is a Sink that drops every event, for callers that only care
// about ProcessMessage's returned error.
var DiscardSink Sink = discardSink{}
