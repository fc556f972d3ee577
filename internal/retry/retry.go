// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package retry implements the Retry Controller (§4.9): the LLM invocation
// loop that classifies errors, backs off with jitter between attempts, and
// degrades the Context Manager's assembly targets on every retry, whatever
// the error class. It is grounded directly on
// services/trace/context/retry.go (RetryConfig, calculateBackoff,
// nextBackoff, RetryWithCircuitBreaker) and
// services/trace/context/circuit_breaker.go (CircuitBreaker), adapted to
// drive context-target degradation between attempts instead of retrying a
// bare function with a fixed backoff schedule.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aleutian-ai/turnengine/internal/config"
	"github.com/aleutian-ai/turnengine/internal/engineerr"
)

var tracer = otel.Tracer("retry")

// Config bounds the Retry Controller's behavior (§4.9). It is built from
// the session's config.Config rather than duplicating those fields.
type Config struct {
	MaxAttempts int // total attempts including the first, default 3
	Base        time.Duration
	Cap         time.Duration
	Jitter      float64 // fraction in [0,1]
}

// FromConfig derives a retry Config from the session configuration.
func FromConfig(cfg config.Config) Config {
	return Config{
		MaxAttempts: 3,
		Base:        cfg.RetryBase,
		Cap:         cfg.RetryCap,
		Jitter:      cfg.RetryJitter,
	}
}

// Backoff computes the delay before the given attempt (1-indexed: the delay
// awaited before attempt 2, attempt 3, ...), per §4.9's formula:
//
//	base * 2^(attempt-2) * (1 +/- jitter), capped at Cap.
//
// attempt is the attempt number that is ABOUT to run (i.e. Backoff(2)
// returns the wait before the second attempt, about base; Backoff(3)
// about 2*base). In terms of the retry number n = attempt-1 this is
// base * 2^(n-1).
func Backoff(cfg Config, attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	exp := math.Pow(2, float64(attempt-2))
	raw := float64(cfg.Base) * exp
	jitter := (rand.Float64()*2 - 1) * cfg.Jitter
	d := time.Duration(raw * (1 + jitter))
	if d < 0 {
		d = 0
	}
	if cfg.Cap > 0 && d > cfg.Cap {
		d = cfg.Cap
	}
	return d
}

// DegradeTargets returns the context targets the Context Manager should use
// on a given attempt (1-indexed), per §4.9's progressive reduction table.
// Attempt 1 uses the caller's full targets unchanged. Each later attempt's
// targets are element-wise <= the previous attempt's (§8 invariant 6).
// Attempt 3 and beyond additionally sets SummarizeRemaining, so whatever
// recent-turn, tool-result, and system-message content survives the counts
// below is also shrunk to about half its length.
func DegradeTargets(full config.ContextTargets, attempt int) config.ContextTargets {
	switch attempt {
	case 1:
		return full
	case 2:
		recent := full.RecentTurns
		if recent > 2 {
			recent = 2
		}
		snippets := full.Snippets
		if snippets > 3 {
			snippets = 3
		}
		toolResults := full.ToolResults
		if toolResults > 5 {
			toolResults = 5
		}
		return config.ContextTargets{
			RecentTurns:      recent,
			Snippets:         snippets,
			ToolResults:      toolResults,
			IncludeProactive: false,
		}
	default:
		recent := full.RecentTurns
		if recent > 1 {
			recent = 1
		}
		toolResults := full.ToolResults
		if toolResults > 2 {
			toolResults = 2
		}
		return config.ContextTargets{
			RecentTurns:        recent,
			Snippets:           0,
			ToolResults:        toolResults,
			IncludeProactive:   false,
			SummarizeRemaining: true,
		}
	}
}

// Attempt records the outcome of one invocation within a Run, for caller
// observability (usage logs, metrics).
type Attempt struct {
	Number  int
	Targets config.ContextTargets
	Waited  time.Duration
	Err     error
}

// Result is the outcome of a full Run.
type Result struct {
	Attempts    []Attempt
	LastErr     error
	Succeeded   bool
	TotalWaited time.Duration
}

// InvokeFunc is one attempt at calling the LLM with the given (possibly
// degraded) context targets. It returns a classification-eligible error;
// non-nil errors not produced by engineerr are treated as non-retryable.
type InvokeFunc func(ctx context.Context, attempt int, targets config.ContextTargets) error

// Run drives the LLM invocation loop: it calls fn with progressively
// degraded context targets, classifying each failure and deciding whether
// to retry, backoff, or give up (§4.9).
//
// A context.Canceled/DeadlineExceeded condition on ctx aborts immediately
// with no further retries, per the spec's cancellation handling.
func Run(ctx context.Context, cfg Config, cb *CircuitBreaker, fullTargets config.ContextTargets, fn InvokeFunc) Result {
	ctx, span := tracer.Start(ctx, "retry.Run")
	defer span.End()

	var result Result
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			result.LastErr = engineerr.ErrCancelled
			result.Attempts = append(result.Attempts, Attempt{Number: attempt, Err: result.LastErr})
			span.SetStatus(codes.Error, "cancelled")
			return result
		}

		if cb != nil && !cb.Allow() {
			result.LastErr = ErrCircuitOpen
			result.Attempts = append(result.Attempts, Attempt{Number: attempt, Err: ErrCircuitOpen})
			span.SetStatus(codes.Error, "circuit open")
			return result
		}

		wait := Backoff(cfg, attempt)
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				result.LastErr = engineerr.ErrCancelled
				result.Attempts = append(result.Attempts, Attempt{Number: attempt, Err: result.LastErr})
				return result
			case <-timer.C:
			}
			result.TotalWaited += wait
		}

		targets := DegradeTargets(fullTargets, attempt)
		attemptCtx, attemptSpan := tracer.Start(ctx, "retry.attempt", trace.WithAttributes(
			attribute.Int("retry.attempt", attempt),
			attribute.Int("retry.targets.recent_turns", targets.RecentTurns),
			attribute.Int("retry.targets.snippets", targets.Snippets),
			attribute.Int("retry.targets.tool_results", targets.ToolResults),
			attribute.Bool("retry.targets.include_proactive", targets.IncludeProactive),
		))
		err := fn(attemptCtx, attempt, targets)
		if err != nil {
			attemptSpan.SetStatus(codes.Error, err.Error())
		}
		attemptSpan.End()

		rec := Attempt{Number: attempt, Targets: targets, Waited: wait, Err: err}
		result.Attempts = append(result.Attempts, rec)

		if err == nil {
			if cb != nil {
				cb.RecordSuccess()
			}
			result.Succeeded = true
			return result
		}

		result.LastErr = err
		if cb != nil {
			cb.RecordFailure()
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			span.SetStatus(codes.Error, "cancelled mid-call")
			return result
		}

		if engineerr.Classify(err) == engineerr.ClassNonRetryable {
			span.SetStatus(codes.Error, "non-retryable")
			return result
		}
	}

	span.SetStatus(codes.Error, "attempts exhausted")
	return result
}
