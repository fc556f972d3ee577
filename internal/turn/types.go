// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package turn defines the core data model (§3): ConversationTurn,
// CodeSnippet, ToolResult, ConversationState, and PromptPayload. Field
// names and shapes are grounded on the teacher's agent/types.go
// (HistoryEntry, ToolResult, SessionState), renamed to this domain's
// vocabulary and split across dedicated structs per the spec.
package turn

import (
	"time"

	"github.com/aleutian-ai/turnengine/internal/phase"
)

// ToolCallRecord is one recorded tool invocation request within a turn.
type ToolCallRecord struct {
	InvocationID string
	Name         string
	Args         map[string]any
	Seq          int
	CalledAt     time.Time
}

// ToolResult is the record of one completed tool invocation (§3).
type ToolResult struct {
	InvocationID string
	Name         string
	Args         map[string]any
	Raw          string // possibly large raw response
	Summary      string // bounded, possibly empty
	IsError      bool
	TurnNumber   int
	Seq          int // sequence index within the turn
	CompletedAt  time.Time
}

// HasSummary reports whether a bounded summary is available. Per the §3
// invariant, if Summary is empty the Raw field must still be retained.
func (r ToolResult) HasSummary() bool { return r.Summary != "" }

// PromptText returns the text the Context Manager should consider placing
// in a prompt: the summary when present, else the raw response.
func (r ToolResult) PromptText() string {
	if r.HasSummary() {
		return r.Summary
	}
	return r.Raw
}

// ErrorInfo captures a turn-ending failure.
type ErrorInfo struct {
	Code    string
	Message string
	Reason  string // e.g. "CANCELLED"
}

// ConversationTurn represents one user<->agent exchange (§3).
type ConversationTurn struct {
	Number         int
	Phase          phase.Phase
	UserMessage    string
	AgentMessage   string
	ToolCalls      []ToolCallRecord
	ToolResults    []ToolResult
	SystemMessages []string
	CreatedAt      time.Time
	CompletedAt    time.Time
	Error          *ErrorInfo
}

// IsTerminal reports whether the turn has reached a terminal phase.
func (t *ConversationTurn) IsTerminal() bool { return t.Phase.IsTerminal() }

// CodeSnippet is a retrievable chunk of source (§3). Ownership lives in
// the Context Manager's snippet store; turns reference snippets by
// (Path, StartLine, EndLine) identity, never by pointer.
type CodeSnippet struct {
	Path           string
	StartLine      int
	EndLine        int
	Content        string
	LastAccessTurn int
	AccessCount    int
	Relevance      float64 // transient, recomputed per assembly
}

// Key returns the (path, range) identity used to reference this snippet.
func (s CodeSnippet) Key() string {
	return s.Path + ":" + itoa(s.StartLine) + "-" + itoa(s.EndLine)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Message is one entry in a PromptPayload's ordered message list.
type Message struct {
	Role    string // "system" | "user" | "assistant" | "tool"
	Content string
}

// ToolSchema describes one tool available to the model.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// GenerationConfig configures one LLM call.
type GenerationConfig struct {
	Model          string
	ThinkingBudget int
	Temperature    float64
}

// PromptPayload is the assembled per-call input (§3).
type PromptPayload struct {
	SystemInstruction  string
	Messages           []Message
	ToolSchemas        []ToolSchema
	GenerationConfig   GenerationConfig
	EstimatedTokens    int
	IncludedSnippets   []CodeSnippet
	IncludedToolResults []ToolResult
	// Decisions records INCLUDED/SKIPPED/EXCLUDED status per candidate,
	// per §4.1's "decisions are logged with status ... and a reason".
	Decisions []AssemblyDecision
}

// DecisionStatus is the outcome of considering one candidate item during
// assembly.
type DecisionStatus string

const (
	DecisionIncluded DecisionStatus = "INCLUDED"
	DecisionSkipped  DecisionStatus = "SKIPPED"
	DecisionExcluded DecisionStatus = "EXCLUDED"
)

// AssemblyDecision records why one candidate item was or wasn't included.
type AssemblyDecision struct {
	Kind   string // "recent_turn" | "snippet" | "tool_result" | "proactive" | ...
	ID     string
	Status DecisionStatus
	Reason string
}

// KeyDecision is a compact bullet recorded by the agent during a turn.
type KeyDecision struct {
	TurnNumber int
	Text       string
	At         time.Time
}

// FileModification is a compact record of a file the agent changed.
type FileModification struct {
	TurnNumber int
	Path       string
	Summary    string
	At         time.Time
}

// ProactiveContext is the cached result of one Proactive Gatherer scan
// (§4.5), immutable after first write within a session.
type ProactiveContext struct {
	ProjectFiles []ProjectFile
	VCSCommits   []VCSCommit
	Docs         []DocFile
	GatheredAt   time.Time
}

// ProjectFile is a discovered project descriptor (README, manifest, etc.).
type ProjectFile struct {
	Path    string
	Content string
}

// VCSCommit is one read-only commit record.
type VCSCommit struct {
	Subject string
	Author  string
	Date    time.Time
}

// DocFile is a discovered documentation file.
type DocFile struct {
	Path    string
	Content string
}
