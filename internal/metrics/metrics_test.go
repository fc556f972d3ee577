// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordTurnCompletedIncrementsCounterAndHistogram(t *testing.T) {
	before := testutil.ToFloat64(turnsTotal.WithLabelValues("completed"))
	RecordTurnCompleted("completed", 2*time.Second)
	after := testutil.ToFloat64(turnsTotal.WithLabelValues("completed"))
	assert.Equal(t, before+1, after)
}

func TestRecordRetryIncrementsByClass(t *testing.T) {
	before := testutil.ToFloat64(retriesTotal.WithLabelValues("retryable_transient"))
	RecordRetry("retryable_transient")
	after := testutil.ToFloat64(retriesTotal.WithLabelValues("retryable_transient"))
	assert.Equal(t, before+1, after)
}

func TestRecordToolCallCapExceededIncrements(t *testing.T) {
	before := testutil.ToFloat64(toolCallCapExceededTotal)
	RecordToolCallCapExceeded()
	after := testutil.ToFloat64(toolCallCapExceededTotal)
	assert.Equal(t, before+1, after)
}

func TestRecordAssemblyExclusionIncrementsByKind(t *testing.T) {
	before := testutil.ToFloat64(assemblyExclusionsTotal.WithLabelValues("snippet"))
	RecordAssemblyExclusion("snippet")
	after := testutil.ToFloat64(assemblyExclusionsTotal.WithLabelValues("snippet"))
	assert.Equal(t, before+1, after)
}

func TestRecordCircuitBreakerOpenIncrements(t *testing.T) {
	before := testutil.ToFloat64(circuitBreakerOpenTotal)
	RecordCircuitBreakerOpen()
	after := testutil.ToFloat64(circuitBreakerOpenTotal)
	assert.Equal(t, before+1, after)
}
