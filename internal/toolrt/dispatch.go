// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package toolrt

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// BatchItem pairs one Invocation with the index it occupied in the
// model's tool_calls list, since results must be reassembled in call
// order (§8 invariant 3) even though execution order may not match.
type BatchItem struct {
	Index      int
	Invocation Invocation
}

// BatchResult pairs one Invocation's outcome with its original index.
type BatchResult struct {
	Index  int
	Result Result
	Err    error
}

// Dispatch runs a batch of tool calls. Read-only tools within the batch
// run concurrently via errgroup (grounded on
// services/trace/analysis/enhanced_analyzer.go's runPriorityGroup, which
// runs same-priority enrichers in parallel and never lets one enricher's
// failure cancel its siblings); any tool not marked read-only, and any
// tool whose name the registry doesn't recognize, runs sequentially after
// the read-only group completes, preserving the spec's "parallel dispatch
// of read-only tools only" rule (§5).
//
// The returned slice is ordered by Index regardless of execution order.
func (r *Runtime) Dispatch(ctx context.Context, batch []BatchItem) []BatchResult {
	results := make([]BatchResult, len(batch))

	var readOnly, sequential []BatchItem
	for _, item := range batch {
		if r.registry.IsReadOnly(item.Invocation.ToolName) {
			readOnly = append(readOnly, item)
		} else {
			sequential = append(sequential, item)
		}
	}

	if len(readOnly) > 0 {
		g, gCtx := errgroup.WithContext(ctx)
		for _, item := range readOnly {
			item := item
			g.Go(func() error {
				res, err := r.Invoke(gCtx, item.Invocation)
				results[item.Index] = BatchResult{Index: item.Index, Result: res, Err: err}
				return nil // a tool failure never cancels its siblings
			})
		}
		_ = g.Wait()
	}

	for _, item := range sequential {
		res, err := r.Invoke(ctx, item.Invocation)
		results[item.Index] = BatchResult{Index: item.Index, Result: res, Err: err}
	}

	return results
}
