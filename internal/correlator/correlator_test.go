// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package correlator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFileIdentitySameVsExtensionVsNone(t *testing.T) {
	assert.Equal(t, 1.0, fileIdentity("a/b.go", "a/b.go"))
	assert.Equal(t, 0.5, fileIdentity("a/b.go", "c/d.go"))
	assert.Equal(t, 0.0, fileIdentity("a/b.go", "c/d.py"))
}

func TestTemporalProximityWindow(t *testing.T) {
	assert.Equal(t, 1.0, temporalProximity(5, 5))
	assert.Equal(t, 0.0, temporalProximity(10, 5))
	assert.InDelta(t, 0.6, temporalProximity(7, 5), 1e-9)
}

func TestToolSequenceAffinityKnownPairs(t *testing.T) {
	assert.Equal(t, 0.8, toolSequenceAffinity("read", "edit"))
	assert.Equal(t, 0.8, toolSequenceAffinity("edit", "read"))
	assert.Equal(t, 0.8, toolSequenceAffinity("search", "read"))
	assert.Equal(t, 0.8, toolSequenceAffinity("error", "fix"))
	assert.Equal(t, 0.0, toolSequenceAffinity("read", "read"))
}

func TestErrorContinuationScoresWithinWindow(t *testing.T) {
	err := Item{Path: "a.go", Turn: 3, IsError: true}
	fix := Item{Path: "a.go", Turn: 5, IsError: false}
	assert.Equal(t, 0.8, errorContinuation(err, fix))

	tooLate := Item{Path: "a.go", Turn: 9, IsError: false}
	assert.Equal(t, 0.0, errorContinuation(err, tooLate))

	diffPath := Item{Path: "b.go", Turn: 4, IsError: false}
	assert.Equal(t, 0.0, errorContinuation(err, diffPath))
}

func TestScoreIsBoundedZeroToOne(t *testing.T) {
	a := Item{ID: "a", Path: "x.go", Text: "fix the bug", Turn: 1, ToolVerb: "error", IsError: true}
	b := Item{ID: "b", Path: "x.go", Text: "fix the bug in x", Turn: 2, ToolVerb: "fix", IsError: false}
	s := Score(a, b)
	assert.GreaterOrEqual(t, s, 0.0)
	assert.LessOrEqual(t, s, 1.0)
}

func TestClusterGroupsCorrelatedItemsContiguously(t *testing.T) {
	items := []Item{
		{ID: "unrelated-1", Path: "z.go", Text: "totally unrelated", Turn: 1},
		{ID: "a-error", Path: "a.go", Text: "panic: nil pointer", Turn: 2, IsError: true},
		{ID: "unrelated-2", Path: "y.go", Text: "something else entirely", Turn: 1},
		{ID: "a-fix", Path: "a.go", Text: "fixed the nil pointer panic", Turn: 3, ToolVerb: "fix"},
	}
	order := Cluster(items, 0.3)
	assert.Len(t, order, len(items))

	posErr, posFix := -1, -1
	for i, idx := range order {
		if items[idx].ID == "a-error" {
			posErr = i
		}
		if items[idx].ID == "a-fix" {
			posFix = i
		}
	}
	require := posErr >= 0 && posFix >= 0
	assert.True(t, require)
	diff := posErr - posFix
	if diff < 0 {
		diff = -diff
	}
	assert.Equal(t, 1, diff, "correlated a-error/a-fix items should be adjacent after clustering")
}

func TestClusterNeverChangesItemCount(t *testing.T) {
	items := []Item{
		{ID: "1", Path: "a.go", Text: "alpha"},
		{ID: "2", Path: "b.go", Text: "beta"},
		{ID: "3", Path: "c.go", Text: "gamma"},
	}
	order := Cluster(items, 0.9)
	assert.Len(t, order, 3)
	seen := map[int]bool{}
	for _, idx := range order {
		seen[idx] = true
	}
	assert.Len(t, seen, 3)
}
