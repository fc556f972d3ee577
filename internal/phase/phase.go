// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package phase implements the turn lifecycle's directed phase graph
// (§4.8) as a map-of-maps transition table, the same structure the
// teacher's agent/state_machine.go uses for its (simpler) agent-state
// graph.
package phase

import "fmt"

// Phase is one state in a ConversationTurn's lifecycle.
type Phase string

const (
	Init                  Phase = "INIT"
	ProcessingUserInput   Phase = "PROCESSING_USER_INPUT"
	AssemblingContext     Phase = "ASSEMBLING_CONTEXT"
	CallingLLM            Phase = "CALLING_LLM"
	GeneratingResponse    Phase = "GENERATING_RESPONSE"
	CallingTools          Phase = "CALLING_TOOLS"
	ProcessingToolResults Phase = "PROCESSING_TOOL_RESULTS"
	Completed             Phase = "COMPLETED"
	Failed                Phase = "FAILED"
)

// AllPhases returns every declared phase, in a stable declaration order.
func AllPhases() []Phase {
	return []Phase{
		Init, ProcessingUserInput, AssemblingContext, CallingLLM,
		GeneratingResponse, CallingTools, ProcessingToolResults,
		Completed, Failed,
	}
}

// IsTerminal reports whether p is a terminal phase (§4.8: COMPLETED, FAILED).
func (p Phase) IsTerminal() bool {
	return p == Completed || p == Failed
}

// graph is the directed transition table from §4.8:
//
//	INIT -> PROCESSING_USER_INPUT -> ASSEMBLING_CONTEXT -> CALLING_LLM
//	  -> {GENERATING_RESPONSE, CALLING_TOOLS}
//	CALLING_TOOLS -> PROCESSING_TOOL_RESULTS -> ASSEMBLING_CONTEXT (loop)
//	GENERATING_RESPONSE -> COMPLETED
//	any -> FAILED
var graph = buildGraph()

func buildGraph() map[Phase]map[Phase]bool {
	g := make(map[Phase]map[Phase]bool, len(AllPhases()))
	add := func(from Phase, to ...Phase) {
		if g[from] == nil {
			g[from] = make(map[Phase]bool, len(to))
		}
		for _, t := range to {
			g[from][t] = true
		}
	}

	add(Init, ProcessingUserInput)
	add(ProcessingUserInput, AssemblingContext)
	add(AssemblingContext, CallingLLM)
	add(CallingLLM, GeneratingResponse, CallingTools)
	add(CallingTools, ProcessingToolResults)
	add(ProcessingToolResults, AssemblingContext)
	add(GeneratingResponse, Completed)

	// Any phase may transition to FAILED on error.
	for _, p := range AllPhases() {
		if p.IsTerminal() {
			continue
		}
		if g[p] == nil {
			g[p] = make(map[Phase]bool)
		}
		g[p][Failed] = true
	}
	return g
}

// CanTransition reports whether moving from `from` to `to` is a legal edge.
func CanTransition(from, to Phase) bool {
	edges, ok := graph[from]
	if !ok {
		return false
	}
	return edges[to]
}

// ValidTransitionsFrom returns every phase reachable from `from` in one hop.
func ValidTransitionsFrom(from Phase) []Phase {
	edges := graph[from]
	out := make([]Phase, 0, len(edges))
	for p := range edges {
		out = append(out, p)
	}
	return out
}

// TransitionReason returns a short human-readable description of a
// transition, keyed the same way the teacher's TransitionReason does
// ("FROM->TO" lookup with a sensible fallback).
func TransitionReason(from, to Phase) string {
	if r, ok := reasons[fmt.Sprintf("%s->%s", from, to)]; ok {
		return r
	}
	return fmt.Sprintf("%s to %s", from, to)
}

var reasons = map[string]string{
	"INIT->PROCESSING_USER_INPUT":                     "turn opened, user message recorded",
	"PROCESSING_USER_INPUT->ASSEMBLING_CONTEXT":        "beginning prompt assembly",
	"ASSEMBLING_CONTEXT->CALLING_LLM":                  "prompt payload ready, invoking the model",
	"CALLING_LLM->GENERATING_RESPONSE":                 "model returned a final answer",
	"CALLING_LLM->CALLING_TOOLS":                       "model requested tool calls",
	"CALLING_TOOLS->PROCESSING_TOOL_RESULTS":           "tool invocations completed",
	"PROCESSING_TOOL_RESULTS->ASSEMBLING_CONTEXT":      "tool results recorded, re-assembling context",
	"GENERATING_RESPONSE->COMPLETED":                   "agent message set, turn complete",
}
