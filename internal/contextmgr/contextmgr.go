// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package contextmgr implements the Context Manager (§4.1): it orchestrates
// the Token Counter, Smart Prioritizer, Cross-Turn Correlator, Intelligent
// Summarizer, and Proactive Gatherer into a single token-bounded
// PromptPayload per LLM call. The budget-packing loop — consume a step's
// tokens then proceed with the remainder, skip rather than truncate an
// atomic candidate that doesn't fit — is grounded on the teacher's
// context/assembler.go assembly pass; ManagerConfig's shape is grounded on
// agent/manager.go's ManagerConfig.
package contextmgr

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/aleutian-ai/turnengine/internal/config"
	"github.com/aleutian-ai/turnengine/internal/correlator"
	"github.com/aleutian-ai/turnengine/internal/engineerr"
	"github.com/aleutian-ai/turnengine/internal/modelregistry"
	"github.com/aleutian-ai/turnengine/internal/prioritizer"
	"github.com/aleutian-ai/turnengine/internal/proactive"
	"github.com/aleutian-ai/turnengine/internal/summarizer"
	"github.com/aleutian-ai/turnengine/internal/tokencount"
	"github.com/aleutian-ai/turnengine/internal/turn"
)

var tracer = otel.Tracer("contextmgr")

const proactiveInclusionThresholdTokens = 200
const correlationMinScore = 0.4

// Manager orchestrates assembly of PromptPayloads from a ConversationState.
type Manager struct {
	state             *turn.ConversationState
	registry          modelregistry.Registry
	counter           tokencount.Counter
	gatherer          *proactive.Gatherer
	systemInstruction string
	toolSchemas       []turn.ToolSchema
	safetyMargin      int
	outputReserve     int // 0 means "use the model registry's DefaultOutputReserve"
}

// New builds a Context Manager over state, using registry for model limits
// and counter for token accounting.
func New(state *turn.ConversationState, registry modelregistry.Registry, counter tokencount.Counter, gatherer *proactive.Gatherer, cfg config.Config) *Manager {
	return &Manager{
		state:         state,
		registry:      registry,
		counter:       counter,
		gatherer:      gatherer,
		safetyMargin:  cfg.SafetyMarginTokens,
		outputReserve: cfg.OutputReserveTokens,
	}
}

// SetSystemInstruction fixes the system prompt used for every subsequent
// assembly until changed.
func (m *Manager) SetSystemInstruction(text string) { m.systemInstruction = text }

// SetToolSchemas fixes the tool schema list advertised to the model.
func (m *Manager) SetToolSchemas(schemas []turn.ToolSchema) { m.toolSchemas = schemas }

// BeginTurn marks the start of a turn for the Context Manager. It keeps no
// state of its own: the State Manager owns the turn lifecycle and the
// current turn number, so this call changes nothing.
func (m *Manager) BeginTurn(userText string) {
	// No scratch state is kept between assemblies beyond what
	// ConversationState already owns (snippets, tool results); nothing to
	// reset here beyond documenting the operation per §4.1.
	_ = userText
}

// RecordCodeSnippet stores or updates a snippet and stamps its recency.
func (m *Manager) RecordCodeSnippet(path string, startLine, endLine int, content string, currentTurn int) {
	m.state.Snippets.Put(turn.CodeSnippet{
		Path:           path,
		StartLine:      startLine,
		EndLine:        endLine,
		Content:        content,
		LastAccessTurn: currentTurn,
		AccessCount:    1,
	})
}

// RecordToolResult appends a tool result to the bounded ring store. Tool
// calls themselves are recorded by the State Manager onto the in-flight
// turn; this mirrors that result into the store the Prioritizer reads.
func (m *Manager) RecordToolResult(r turn.ToolResult) {
	m.state.ToolResults.Append(r)
}

// Targets are the per-assembly inclusion caps (§4.1's target_recent_turns
// etc.), overridable by the Retry Controller's degraded modes (§4.9).
type Targets = config.ContextTargets

// Assemble produces a PromptPayload for model within budget, honoring
// targets exactly (§4.1's "assembly must honor them exactly" for degraded
// modes).
func (m *Manager) Assemble(ctx context.Context, model string, targets Targets, currentUserText string) (*turn.PromptPayload, error) {
	_, span := tracer.Start(ctx, "contextmgr.Assemble", trace.WithAttributes(
		attribute.String("model", model),
		attribute.Int("targets.recent_turns", targets.RecentTurns),
		attribute.Int("targets.snippets", targets.Snippets),
		attribute.Int("targets.tool_results", targets.ToolResults),
	))
	defer span.End()

	info := m.registry.Lookup(model)
	outputReserve := m.outputReserve
	if outputReserve == 0 {
		outputReserve = info.DefaultOutputReserve
	}

	baseTokens := m.counter.Count(m.systemInstruction) + m.toolSchemaTokens()
	available := info.InputTokenLimit - baseTokens - outputReserve - m.safetyMargin
	if available <= 0 {
		return nil, fmt.Errorf("%w: model %s has no room after base prompt, reserve, and margin", engineerr.ErrContextOverflow, model)
	}

	payload := &turn.PromptPayload{
		SystemInstruction: m.systemInstruction,
		ToolSchemas:       append([]turn.ToolSchema(nil), m.toolSchemas...),
		GenerationConfig:  turn.GenerationConfig{Model: model},
	}

	remaining := available
	var decisions []turn.AssemblyDecision

	// Step 1: core goal / current user message. Must fit, else fail.
	userCost := m.counter.Count(currentUserText)
	if userCost > remaining {
		return nil, fmt.Errorf("%w: current user message alone (%d tokens) exceeds budget (%d)", engineerr.ErrContextOverflow, userCost, remaining)
	}
	remaining -= userCost
	decisions = append(decisions, turn.AssemblyDecision{Kind: "user_message", ID: "current", Status: turn.DecisionIncluded, Reason: "core goal, always included"})

	currentTurnNumber := m.currentTurnNumber()
	keywordSources := []string{currentUserText}
	if m.state.Current != nil {
		for _, tc := range m.state.Current.ToolCalls {
			keywordSources = append(keywordSources, tc.Name)
		}
	}
	keywords := prioritizer.KeywordSet(keywordSources...)

	// Step 2: recent conversation turns, newest first.
	recentMessages, recentCost, recentDecisions := m.includeRecentTurns(targets.RecentTurns, remaining)
	remaining -= recentCost
	decisions = append(decisions, recentDecisions...)

	// Step 3: prioritized code snippets.
	includedSnippets, snippetCost, snippetDecisions := m.includeSnippets(targets.Snippets, remaining, currentTurnNumber, keywords)
	remaining -= snippetCost
	decisions = append(decisions, snippetDecisions...)

	// Step 4: prioritized tool-result summaries.
	includedResults, resultCost, resultDecisions := m.includeToolResults(targets.ToolResults, remaining, currentTurnNumber, keywords)
	remaining -= resultCost
	decisions = append(decisions, resultDecisions...)

	// Step 4.5: pending system messages on the in-flight turn (e.g. an
	// approved plan injected by the Planning Manager, §4.7), included
	// verbatim and ahead of the key-decision bullets.
	systemMessages, systemCost, systemDecisions := m.includeSystemMessages(remaining)
	remaining -= systemCost
	decisions = append(decisions, systemDecisions...)

	// On the Retry Controller's third-and-later attempt, shrink whatever
	// recent-turn, tool-result, and system-message content the caps above
	// still let through, rather than spending the retry on the same
	// full-length payload that just failed.
	if targets.SummarizeRemaining {
		recentMessages = halveMessageContents(recentMessages)
		systemMessages = halveMessageContents(systemMessages)
		includedResults = halveToolResults(includedResults)
	}

	// Step 5: key decisions / file modifications.
	bulletMessages, bulletCost, bulletDecisions := m.includeBullets(remaining)
	remaining -= bulletCost
	decisions = append(decisions, bulletDecisions...)

	// Step 6: proactive context, only above the inclusion threshold.
	var proactiveMessages []turn.Message
	if targets.IncludeProactive && remaining >= proactiveInclusionThresholdTokens && m.state.Proactive != nil {
		var proactiveCost int
		var proactiveDecisions []turn.AssemblyDecision
		proactiveMessages, proactiveCost, proactiveDecisions = m.includeProactive(remaining)
		remaining -= proactiveCost
		decisions = append(decisions, proactiveDecisions...)
	}

	// Step 7: correlation-driven reordering of (3)-(4); never adds tokens.
	includedSnippets, includedResults = reorderByCorrelation(includedSnippets, includedResults, currentTurnNumber)

	var messages []turn.Message
	messages = append(messages, systemMessages...)
	messages = append(messages, bulletMessages...)
	messages = append(messages, snippetMessages(includedSnippets)...)
	messages = append(messages, toolResultMessages(includedResults)...)
	messages = append(messages, proactiveMessages...)
	messages = append(messages, recentMessages...)
	messages = append(messages, turn.Message{Role: "user", Content: currentUserText})

	payload.Messages = messages
	payload.IncludedSnippets = includedSnippets
	payload.IncludedToolResults = includedResults
	payload.Decisions = decisions
	payload.EstimatedTokens = available - remaining + baseTokens

	if payload.EstimatedTokens > info.InputTokenLimit-outputReserve-m.safetyMargin {
		return nil, fmt.Errorf("%w: assembled payload exceeds model budget", engineerr.ErrContextOverflow)
	}
	return payload, nil
}

func (m *Manager) currentTurnNumber() int {
	if m.state.Current != nil {
		return m.state.Current.Number
	}
	return m.state.NextTurnNumber()
}

func (m *Manager) toolSchemaTokens() int {
	total := 0
	for _, s := range m.toolSchemas {
		total += m.counter.Count(s.Name) + m.counter.Count(s.Description)
	}
	return total
}

func (m *Manager) includeRecentTurns(limit, budget int) ([]turn.Message, int, []turn.AssemblyDecision) {
	completed := m.state.CompletedTurns
	var chosen []turn.ConversationTurn
	var decisions []turn.AssemblyDecision
	spent := 0
	count := 0
	for i := len(completed) - 1; i >= 0 && count < limit; i-- {
		t := completed[i]
		text := turnRenderText(t)
		cost := m.counter.Count(text)
		id := fmt.Sprintf("turn-%d", t.Number)
		if cost > budget-spent {
			decisions = append(decisions, turn.AssemblyDecision{Kind: "recent_turn", ID: id, Status: turn.DecisionSkipped, Reason: "budget-exceeded"})
			continue
		}
		chosen = append(chosen, t)
		spent += cost
		count++
		decisions = append(decisions, turn.AssemblyDecision{Kind: "recent_turn", ID: id, Status: turn.DecisionIncluded, Reason: "recent turn, within target"})
	}
	// chosen is newest-first; render chronologically.
	sort.SliceStable(chosen, func(i, j int) bool { return chosen[i].Number < chosen[j].Number })
	var messages []turn.Message
	for _, t := range chosen {
		if t.UserMessage != "" {
			messages = append(messages, turn.Message{Role: "user", Content: t.UserMessage})
		}
		if t.AgentMessage != "" {
			messages = append(messages, turn.Message{Role: "assistant", Content: t.AgentMessage})
		}
	}
	return messages, spent, decisions
}

func turnRenderText(t turn.ConversationTurn) string {
	var b strings.Builder
	b.WriteString(t.UserMessage)
	b.WriteByte('\n')
	b.WriteString(t.AgentMessage)
	return b.String()
}

func (m *Manager) includeSnippets(limit, budget, currentTurn int, keywords map[string]struct{}) ([]turn.CodeSnippet, int, []turn.AssemblyDecision) {
	ranked := prioritizer.PrioritizeSnippets(m.state.Snippets.All(), currentTurn, keywords)
	var chosen []turn.CodeSnippet
	var decisions []turn.AssemblyDecision
	spent := 0
	count := 0
	for _, rs := range ranked {
		if count >= limit {
			decisions = append(decisions, turn.AssemblyDecision{Kind: "snippet", ID: rs.Snippet.Key(), Status: turn.DecisionExcluded, Reason: "target count reached"})
			continue
		}
		cost := m.counter.Count(rs.Snippet.Content)
		if cost > budget-spent {
			decisions = append(decisions, turn.AssemblyDecision{Kind: "snippet", ID: rs.Snippet.Key(), Status: turn.DecisionSkipped, Reason: "budget-exceeded"})
			continue
		}
		chosen = append(chosen, rs.Snippet)
		spent += cost
		count++
		decisions = append(decisions, turn.AssemblyDecision{Kind: "snippet", ID: rs.Snippet.Key(), Status: turn.DecisionIncluded, Reason: "prioritized, within target"})
	}
	return chosen, spent, decisions
}

func (m *Manager) includeToolResults(limit, budget, currentTurn int, keywords map[string]struct{}) ([]turn.ToolResult, int, []turn.AssemblyDecision) {
	ranked := prioritizer.PrioritizeToolResults(m.state.ToolResults.All(), currentTurn, keywords)
	var chosen []turn.ToolResult
	var decisions []turn.AssemblyDecision
	spent := 0
	count := 0
	for _, rr := range ranked {
		if count >= limit {
			decisions = append(decisions, turn.AssemblyDecision{Kind: "tool_result", ID: rr.Result.InvocationID, Status: turn.DecisionExcluded, Reason: "target count reached"})
			continue
		}
		text := rr.Result.PromptText()
		cost := m.counter.Count(text)
		if cost > budget-spent {
			shorter := summarizer.Summarize(text, len(text)/2)
			shorterCost := m.counter.Count(shorter)
			if shorterCost <= budget-spent {
				rr.Result.Summary = shorter
				chosen = append(chosen, rr.Result)
				spent += shorterCost
				count++
				decisions = append(decisions, turn.AssemblyDecision{Kind: "tool_result", ID: rr.Result.InvocationID, Status: turn.DecisionIncluded, Reason: "included with shortened summary"})
				continue
			}
			decisions = append(decisions, turn.AssemblyDecision{Kind: "tool_result", ID: rr.Result.InvocationID, Status: turn.DecisionSkipped, Reason: "budget-exceeded"})
			continue
		}
		chosen = append(chosen, rr.Result)
		spent += cost
		count++
		decisions = append(decisions, turn.AssemblyDecision{Kind: "tool_result", ID: rr.Result.InvocationID, Status: turn.DecisionIncluded, Reason: "prioritized, within target"})
	}
	return chosen, spent, decisions
}

// includeSystemMessages renders any system messages recorded on the
// in-flight turn verbatim, one per message (§4.7: "subsequent assembly's
// system-message section contains the plan verbatim"). They are budgeted
// from what remains after recent turns, snippets, and tool results, and
// Assemble places them first in the message list.
func (m *Manager) includeSystemMessages(budget int) ([]turn.Message, int, []turn.AssemblyDecision) {
	if m.state.Current == nil || len(m.state.Current.SystemMessages) == 0 {
		return nil, 0, nil
	}
	var messages []turn.Message
	var decisions []turn.AssemblyDecision
	spent := 0
	for i, text := range m.state.Current.SystemMessages {
		id := fmt.Sprintf("system-message-%d", i)
		cost := m.counter.Count(text)
		if cost > budget-spent {
			decisions = append(decisions, turn.AssemblyDecision{Kind: "system_message", ID: id, Status: turn.DecisionSkipped, Reason: "budget-exceeded"})
			continue
		}
		messages = append(messages, turn.Message{Role: "system", Content: text})
		spent += cost
		decisions = append(decisions, turn.AssemblyDecision{Kind: "system_message", ID: id, Status: turn.DecisionIncluded, Reason: "pending system message, included verbatim"})
	}
	return messages, spent, decisions
}

func (m *Manager) includeBullets(budget int) ([]turn.Message, int, []turn.AssemblyDecision) {
	var lines []string
	var decisions []turn.AssemblyDecision
	spent := 0
	for _, d := range m.state.KeyDecisions {
		line := fmt.Sprintf("- decision (turn %d): %s", d.TurnNumber, d.Text)
		cost := m.counter.Count(line)
		id := fmt.Sprintf("decision-%d-%s", d.TurnNumber, d.Text)
		if cost > budget-spent {
			decisions = append(decisions, turn.AssemblyDecision{Kind: "key_decision", ID: id, Status: turn.DecisionSkipped, Reason: "budget-exceeded"})
			continue
		}
		lines = append(lines, line)
		spent += cost
		decisions = append(decisions, turn.AssemblyDecision{Kind: "key_decision", ID: id, Status: turn.DecisionIncluded, Reason: "compact bullet"})
	}
	for _, f := range m.state.FileModifications {
		line := fmt.Sprintf("- modified (turn %d) %s: %s", f.TurnNumber, f.Path, f.Summary)
		cost := m.counter.Count(line)
		id := fmt.Sprintf("filemod-%d-%s", f.TurnNumber, f.Path)
		if cost > budget-spent {
			decisions = append(decisions, turn.AssemblyDecision{Kind: "file_modification", ID: id, Status: turn.DecisionSkipped, Reason: "budget-exceeded"})
			continue
		}
		lines = append(lines, line)
		spent += cost
		decisions = append(decisions, turn.AssemblyDecision{Kind: "file_modification", ID: id, Status: turn.DecisionIncluded, Reason: "compact bullet"})
	}
	if len(lines) == 0 {
		return nil, 0, decisions
	}
	return []turn.Message{{Role: "system", Content: strings.Join(lines, "\n")}}, spent, decisions
}

func (m *Manager) includeProactive(budget int) ([]turn.Message, int, []turn.AssemblyDecision) {
	pc := m.state.Proactive
	var lines []string
	var decisions []turn.AssemblyDecision
	spent := 0

	addLine := func(kind, id, line string) {
		cost := m.counter.Count(line)
		if cost > budget-spent {
			decisions = append(decisions, turn.AssemblyDecision{Kind: kind, ID: id, Status: turn.DecisionSkipped, Reason: "budget-exceeded"})
			return
		}
		lines = append(lines, line)
		spent += cost
		decisions = append(decisions, turn.AssemblyDecision{Kind: kind, ID: id, Status: turn.DecisionIncluded, Reason: "proactive context"})
	}

	for _, f := range pc.ProjectFiles {
		addLine("proactive_project_file", f.Path, fmt.Sprintf("[project file] %s:\n%s", f.Path, f.Content))
	}
	for _, d := range pc.Docs {
		addLine("proactive_doc", d.Path, fmt.Sprintf("[doc] %s:\n%s", d.Path, d.Content))
	}
	for _, c := range pc.VCSCommits {
		addLine("proactive_commit", c.Subject, fmt.Sprintf("[commit] %s by %s", c.Subject, c.Author))
	}

	if len(lines) == 0 {
		return nil, 0, decisions
	}
	return []turn.Message{{Role: "system", Content: strings.Join(lines, "\n\n")}}, spent, decisions
}

func reorderByCorrelation(snippets []turn.CodeSnippet, results []turn.ToolResult, currentTurn int) ([]turn.CodeSnippet, []turn.ToolResult) {
	items := make([]correlator.Item, 0, len(snippets)+len(results))
	for _, s := range snippets {
		items = append(items, correlator.Item{ID: "s:" + s.Key(), Path: s.Path, Text: s.Content, Turn: s.LastAccessTurn})
	}
	for _, r := range results {
		items = append(items, correlator.Item{ID: "r:" + r.InvocationID, Path: r.Name, Text: r.PromptText(), Turn: r.TurnNumber, IsError: r.IsError})
	}
	if len(items) == 0 {
		return snippets, results
	}
	order := correlator.Cluster(items, correlationMinScore)

	newSnippets := make([]turn.CodeSnippet, 0, len(snippets))
	newResults := make([]turn.ToolResult, 0, len(results))
	for _, idx := range order {
		if idx < len(snippets) {
			newSnippets = append(newSnippets, snippets[idx])
		} else {
			newResults = append(newResults, results[idx-len(snippets)])
		}
	}
	return newSnippets, newResults
}

func snippetMessages(snippets []turn.CodeSnippet) []turn.Message {
	if len(snippets) == 0 {
		return nil
	}
	var b strings.Builder
	for _, s := range snippets {
		fmt.Fprintf(&b, "[snippet %s:%d-%d]\n%s\n\n", s.Path, s.StartLine, s.EndLine, s.Content)
	}
	return []turn.Message{{Role: "system", Content: strings.TrimSpace(b.String())}}
}

// halveMessageContents rewrites each message's content to roughly half its
// original length via the Intelligent Summarizer.
func halveMessageContents(messages []turn.Message) []turn.Message {
	if len(messages) == 0 {
		return messages
	}
	out := make([]turn.Message, len(messages))
	for i, msg := range messages {
		out[i] = turn.Message{Role: msg.Role, Content: summarizer.Summarize(msg.Content, len(msg.Content)/2)}
	}
	return out
}

// halveToolResults shortens each result's prompt text to roughly half its
// current length, overwriting Summary so toolResultMessages renders the
// shortened form.
func halveToolResults(results []turn.ToolResult) []turn.ToolResult {
	if len(results) == 0 {
		return results
	}
	out := make([]turn.ToolResult, len(results))
	for i, r := range results {
		text := r.PromptText()
		r.Summary = summarizer.Summarize(text, len(text)/2)
		out[i] = r
	}
	return out
}

func toolResultMessages(results []turn.ToolResult) []turn.Message {
	var messages []turn.Message
	for _, r := range results {
		messages = append(messages, turn.Message{Role: "tool", Content: r.PromptText()})
	}
	return messages
}
