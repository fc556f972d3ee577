// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package prioritizer implements the Smart Prioritizer (§4.2): a weighted
// sum of five bounded [0,1] factors over candidate context items. The
// weighted-sum shape is grounded on the teacher's context/assembler.go
// scoring pass, which combines several normalized signals the same way
// before ranking candidates for inclusion.
package prioritizer

import (
	"regexp"
	"sort"
	"strings"

	"github.com/aleutian-ai/turnengine/internal/turn"
)

// Weights are the per-factor coefficients from §4.2. They sum to 1.0 for
// both item kinds, which is what makes invariant 7 ("all factors one
// implies score one") hold.
type Weights struct {
	Content       float64
	Recency       float64
	Frequency     float64
	ErrorPriority float64
	Coherence     float64
}

// SnippetWeights are the §4.2 weights for code snippets.
var SnippetWeights = Weights{Content: 0.35, Recency: 0.25, Frequency: 0.15, ErrorPriority: 0.15, Coherence: 0.10}

// ToolResultWeights are the §4.2 weights for tool-result summaries.
// Frequency has no weight here: ToolResult carries no access-count field.
var ToolResultWeights = Weights{Content: 0.40, Recency: 0.30, ErrorPriority: 0.20, Coherence: 0.10}

// Factors is the five normalized [0,1] signals that feed WeightedScore.
type Factors struct {
	Content       float64
	Recency       float64
	Frequency     float64
	ErrorPriority float64
	Coherence     float64
}

// WeightedScore computes the final score from factors and weights. Kept as
// a standalone pure function so invariant 7 (§8) is directly testable
// against synthetic factor vectors, independent of the heuristics below.
func WeightedScore(f Factors, w Weights) float64 {
	return f.Content*w.Content +
		f.Recency*w.Recency +
		f.Frequency*w.Frequency +
		f.ErrorPriority*w.ErrorPriority +
		f.Coherence*w.Coherence
}

const recencyWindow = 10

// Recency implements `max(0, 1 - (current_turn - last_accessed_turn)/window)`.
func Recency(currentTurn, lastAccessTurn int) float64 {
	delta := float64(currentTurn - lastAccessTurn)
	v := 1 - delta/recencyWindow
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Frequency implements `min(1, access_count/10)`.
func Frequency(accessCount int) float64 {
	v := float64(accessCount) / 10
	if v > 1 {
		return 1
	}
	if v < 0 {
		return 0
	}
	return v
}

var errorMarkers = []string{"error", "exception", "traceback", "failed"}

var nonZeroExitCode = regexp.MustCompile(`(?i)exit\s+(?:code|status)[:\s]+([1-9]\d*)`)

// ErrorPriority is 1.0 if text contains an error marker or a non-zero exit
// code reference, else 0.
func ErrorPriority(text string) float64 {
	lower := strings.ToLower(text)
	for _, m := range errorMarkers {
		if strings.Contains(lower, m) {
			return 1
		}
	}
	if nonZeroExitCode.MatchString(text) {
		return 1
	}
	return 0
}

var valuablePathPatterns = regexp.MustCompile(`(?i)(^|/)(readme[^/]*|main\.(go|py|rs|ts|js)|makefile|dockerfile|go\.mod|package\.json|cargo\.toml|pyproject\.toml|\.?config[^/]*)$`)

var generatedDirPatterns = regexp.MustCompile(`(?i)(^|/)(node_modules|vendor|dist|build|target|\.git|__pycache__)(/|$)`)

var binaryExtPattern = regexp.MustCompile(`(?i)\.(png|jpg|jpeg|gif|ico|pdf|zip|tar|gz|exe|bin|so|o|a|class|pyc|wasm)$`)

// Coherence gives a bonus for known-valuable file types (config files, main
// entry points) and a penalty for binary or large-generated paths, bounded
// to [0,1] around a neutral baseline of 0.5.
func Coherence(path string) float64 {
	v := 0.5
	if valuablePathPatterns.MatchString(path) {
		v += 0.5
	}
	if generatedDirPatterns.MatchString(path) || binaryExtPattern.MatchString(path) {
		v -= 0.5
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

var tokenPattern = regexp.MustCompile(`[A-Za-z0-9_]+`)

// Tokenize splits text into lowercase alphanumeric/underscore tokens.
func Tokenize(text string) []string {
	return tokenPattern.FindAllString(strings.ToLower(text), -1)
}

// KeywordSet builds the deduplicated token set from the current user
// message and the last N tool calls, per §4.2's content-relevance
// definition.
func KeywordSet(texts ...string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, t := range texts {
		for _, tok := range Tokenize(t) {
			set[tok] = struct{}{}
		}
	}
	return set
}

// ContentRelevance is the normalized keyword overlap between an item's
// text and the keyword set: the fraction of the keyword set that also
// appears in the item, capped at 1. An empty keyword set yields 0.
func ContentRelevance(text string, keywords map[string]struct{}) float64 {
	if len(keywords) == 0 {
		return 0
	}
	seen := make(map[string]struct{})
	overlap := 0
	for _, tok := range Tokenize(text) {
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		if _, ok := keywords[tok]; ok {
			overlap++
		}
	}
	v := float64(overlap) / float64(len(keywords))
	if v > 1 {
		return 1
	}
	return v
}

// ScoredSnippet pairs a CodeSnippet with its computed score and factors.
type ScoredSnippet struct {
	Snippet turn.CodeSnippet
	Score   float64
	Factors Factors
}

// SnippetFactors computes the five §4.2 factors for a code snippet.
func SnippetFactors(s turn.CodeSnippet, currentTurn int, keywords map[string]struct{}) Factors {
	return Factors{
		Content:       ContentRelevance(s.Content, keywords),
		Recency:       Recency(currentTurn, s.LastAccessTurn),
		Frequency:     Frequency(s.AccessCount),
		ErrorPriority: ErrorPriority(s.Content),
		Coherence:     Coherence(s.Path),
	}
}

// PrioritizeSnippets scores and ranks snippets highest-first, breaking
// ties by recency then path lexicographic order (§4.2). Complexity is
// O(n*tokens) per item against a precomputed keyword set, i.e. O(n*m).
func PrioritizeSnippets(snippets []turn.CodeSnippet, currentTurn int, keywords map[string]struct{}) []ScoredSnippet {
	out := make([]ScoredSnippet, len(snippets))
	for i, s := range snippets {
		f := SnippetFactors(s, currentTurn, keywords)
		out[i] = ScoredSnippet{Snippet: s, Score: WeightedScore(f, SnippetWeights), Factors: f}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].Snippet.LastAccessTurn != out[j].Snippet.LastAccessTurn {
			return out[i].Snippet.LastAccessTurn > out[j].Snippet.LastAccessTurn
		}
		return out[i].Snippet.Path < out[j].Snippet.Path
	})
	return out
}

// ScoredToolResult pairs a ToolResult with its computed score and factors.
type ScoredToolResult struct {
	Result  turn.ToolResult
	Score   float64
	Factors Factors
}

// ToolResultFactors computes the §4.2 factors for a tool result. Recency
// uses the result's own turn number as its "last accessed" stamp, since
// tool results are not re-accessed after recording.
func ToolResultFactors(r turn.ToolResult, currentTurn int, keywords map[string]struct{}) Factors {
	return Factors{
		Content:       ContentRelevance(r.PromptText(), keywords),
		Recency:       Recency(currentTurn, r.TurnNumber),
		ErrorPriority: ErrorPriority(r.PromptText()),
		Coherence:     Coherence(r.Name),
	}
}

// PrioritizeToolResults scores and ranks tool results highest-first,
// breaking ties by recency then tool name lexicographic order (playing
// the role §4.2 assigns to "path" for this item kind).
func PrioritizeToolResults(results []turn.ToolResult, currentTurn int, keywords map[string]struct{}) []ScoredToolResult {
	out := make([]ScoredToolResult, len(results))
	for i, r := range results {
		f := ToolResultFactors(r, currentTurn, keywords)
		out[i] = ScoredToolResult{Result: r, Score: WeightedScore(f, ToolResultWeights), Factors: f}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].Result.TurnNumber != out[j].Result.TurnNumber {
			return out[i].Result.TurnNumber > out[j].Result.TurnNumber
		}
		return out[i].Result.Name < out[j].Result.Name
	})
	return out
}
