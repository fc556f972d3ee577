// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package correlator implements the Cross-Turn Correlator (§4.3): a
// per-assembly, discardable weighted graph over recent context items. Per
// the pinned Open Question in §9, its scores only reorder prioritized
// items into contiguous clusters; they never add tokens or influence the
// budget. The arena-of-indices shape is grounded on the teacher's
// context/assembler.go correlation pass, simplified per §9's Design Notes
// guidance to keep the graph strictly per-assembly.
package correlator

import (
	"strings"

	"github.com/aleutian-ai/turnengine/internal/prioritizer"
)

// Item is the minimal shape the correlator needs from a context
// candidate, independent of whether it backs a CodeSnippet or a
// ToolResult.
type Item struct {
	ID        string
	Path      string
	Text      string
	Turn      int
	ToolVerb  string // "read" | "search" | "edit" | "error" | "fix" | ""
	IsError   bool
}

const temporalWindow = 5

// tool-sequence affinity pairs that score 0.8 per §4.3.
var affinityPairs = map[[2]string]bool{
	{"read", "edit"}:   true,
	{"search", "read"}: true,
	{"error", "fix"}:   true,
}

// Score computes the [0,1] correlation between two items per §4.3's five
// combined signals, averaged into a single score.
func Score(a, b Item) float64 {
	identity := fileIdentity(a.Path, b.Path)
	temporal := temporalProximity(a.Turn, b.Turn)
	affinity := toolSequenceAffinity(a.ToolVerb, b.ToolVerb)
	jaccard := keywordJaccard(a.Text, b.Text)
	continuation := errorContinuation(a, b)

	signals := []float64{identity, temporal, affinity, jaccard, continuation}
	sum := 0.0
	for _, s := range signals {
		sum += s
	}
	return sum / float64(len(signals))
}

func fileIdentity(pathA, pathB string) float64 {
	if pathA == "" || pathB == "" {
		return 0
	}
	if pathA == pathB {
		return 1
	}
	if ext(pathA) != "" && ext(pathA) == ext(pathB) {
		return 0.5
	}
	return 0
}

func ext(path string) string {
	i := strings.LastIndexByte(path, '.')
	if i < 0 {
		return ""
	}
	return path[i:]
}

func temporalProximity(turnA, turnB int) float64 {
	delta := turnA - turnB
	if delta < 0 {
		delta = -delta
	}
	v := 1 - float64(delta)/temporalWindow
	if v < 0 {
		return 0
	}
	return v
}

func toolSequenceAffinity(verbA, verbB string) float64 {
	if affinityPairs[[2]string{verbA, verbB}] || affinityPairs[[2]string{verbB, verbA}] {
		return 0.8
	}
	return 0
}

func keywordJaccard(textA, textB string) float64 {
	setA := toSet(prioritizer.Tokenize(textA))
	setB := toSet(prioritizer.Tokenize(textB))
	if len(setA) == 0 && len(setB) == 0 {
		return 0
	}
	intersection := 0
	for tok := range setA {
		if _, ok := setB[tok]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func toSet(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}

// errorContinuation scores 0.8 when an error item is followed within two
// turns by a non-error item referencing the same path, in either
// direction across the pair.
func errorContinuation(a, b Item) float64 {
	if a.IsError && !b.IsError && a.Path != "" && a.Path == b.Path && within(a.Turn, b.Turn, 2) && b.Turn >= a.Turn {
		return 0.8
	}
	if b.IsError && !a.IsError && a.Path != "" && a.Path == b.Path && within(a.Turn, b.Turn, 2) && a.Turn >= b.Turn {
		return 0.8
	}
	return 0
}

func within(a, b, window int) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= window
}

// Edge is one scored pairwise relation, arena-indexed into the input
// slice rather than holding pointers, so the graph is trivially
// discardable after one assembly (§9 Design Notes).
type Edge struct {
	I, J  int
	Score float64
}

// BuildGraph computes all pairwise edges among items above minScore. It is
// O(n^2) in len(items), acceptable for the bounded recent-item windows
// this operates over (tens of items, not thousands).
func BuildGraph(items []Item, minScore float64) []Edge {
	var edges []Edge
	for i := 0; i < len(items); i++ {
		for j := i + 1; j < len(items); j++ {
			s := Score(items[i], items[j])
			if s >= minScore {
				edges = append(edges, Edge{I: i, J: j, Score: s})
			}
		}
	}
	return edges
}

// Cluster groups item indices into contiguous runs via union-find over
// edges scoring at or above minScore, then orders clusters by their best
// internal score descending and flattens them back into a single index
// order. This is the "fold correlation into reordering, never into token
// budget" mechanism from §4.1 step 7 / §4.3.
func Cluster(items []Item, minScore float64) []int {
	n := len(items)
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(x int) int {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[ra] = rb
		}
	}

	edges := BuildGraph(items, minScore)
	bestScore := make([]float64, n)
	for _, e := range edges {
		union(e.I, e.J)
		if e.Score > bestScore[e.I] {
			bestScore[e.I] = e.Score
		}
		if e.Score > bestScore[e.J] {
			bestScore[e.J] = e.Score
		}
	}

	groups := make(map[int][]int)
	groupBest := make(map[int]float64)
	order := make([]int, 0, n)
	for i := 0; i < n; i++ {
		r := find(i)
		if _, seen := groups[r]; !seen {
			order = append(order, r)
		}
		groups[r] = append(groups[r], i)
		if bestScore[i] > groupBest[r] {
			groupBest[r] = bestScore[i]
		}
	}

	sortByScoreDesc(order, groupBest)

	out := make([]int, 0, n)
	for _, r := range order {
		out = append(out, groups[r]...)
	}
	return out
}

func sortByScoreDesc(order []int, score map[int]float64) {
	for i := 1; i < len(order); i++ {
		for j := i; j > 0 && score[order[j]] > score[order[j-1]]; j-- {
			order[j], order[j-1] = order[j-1], order[j]
		}
	}
}
