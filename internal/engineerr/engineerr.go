// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package engineerr defines the turn engine's stable error-kind catalog.
//
// Every error the core surfaces to a caller carries one of the Code values
// below plus a user-visible Message and, where applicable, a wrapped Cause.
// Callers classify errors with errors.Is/errors.As against the sentinels,
// never by string-matching a message.
package engineerr

import (
	"errors"
	"fmt"
)

// Code is a stable, user-facing error identifier.
type Code string

const (
	CodeLLMRateLimit     Code = "LLM.RateLimit"
	CodeLLMServerError   Code = "LLM.ServerError"
	CodeLLMTimeout       Code = "LLM.Timeout"
	CodeLLMContextOver   Code = "LLM.ContextOverflow"
	CodeLLMContentPolicy Code = "LLM.ContentPolicy"
	CodeLLMAuthError     Code = "LLM.AuthError"
	CodeLLMBadRequest    Code = "LLM.BadRequest"

	CodeToolTimeout       Code = "Tool.Timeout"
	CodeToolExecutionErr  Code = "Tool.ExecutionError"
	CodeToolLoopCapExceed Code = "Tool.LoopCapExceeded"

	CodeStateInvalidTransition Code = "State.InvalidTransition"

	CodeCoreCancelled Code = "Core.Cancelled"
	CodeCoreFatal     Code = "Core.Fatal"
)

// Class is the retry classification for an error kind (§4.9).
type Class int

const (
	// ClassNonRetryable errors must never be retried.
	ClassNonRetryable Class = iota
	// ClassRetryableTransient errors may be retried with backoff.
	ClassRetryableTransient
	// ClassRetryableContext errors may be retried with a reduced context budget.
	ClassRetryableContext
)

// String returns the metric-label form of c (used by the retries-by-class
// counter: §11's domain stack).
func (c Class) String() string {
	switch c {
	case ClassRetryableTransient:
		return "retryable_transient"
	case ClassRetryableContext:
		return "retryable_context"
	default:
		return "non_retryable"
	}
}

// classByCode is the single source of truth for retry classification.
var classByCode = map[Code]Class{
	CodeLLMRateLimit:     ClassRetryableTransient,
	CodeLLMServerError:   ClassRetryableTransient,
	CodeLLMTimeout:       ClassRetryableTransient,
	CodeLLMContextOver:   ClassRetryableContext,
	CodeLLMContentPolicy: ClassNonRetryable,
	CodeLLMAuthError:     ClassNonRetryable,
	CodeLLMBadRequest:    ClassNonRetryable,
	CodeCoreCancelled:    ClassNonRetryable,
	CodeCoreFatal:        ClassNonRetryable,
}

// Error is the typed error value returned across package boundaries in the
// turn engine core. It mirrors the teacher's AgentError shape
// (Code/Message/Details/Recoverable) renamed to this domain's vocabulary.
type Error struct {
	Code      Code
	Message   string
	Cause     error
	Retryable bool
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error, deriving Retryable from the code's classification.
func New(code Code, message string, cause error) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: ClassOf(code) != ClassNonRetryable,
	}
}

// ClassOf returns the retry classification for a code. Unknown codes are
// treated as non-retryable, the conservative default.
func ClassOf(code Code) Class {
	if c, ok := classByCode[code]; ok {
		return c
	}
	return ClassNonRetryable
}

// Classify inspects an error chain and returns its retry class. It walks the
// chain looking for an *Error; a bare error not produced by this package is
// treated as non-retryable, since only the core's own classification is
// trusted to gate retries.
func Classify(err error) Class {
	var e *Error
	if errors.As(err, &e) {
		return ClassOf(e.Code)
	}
	return ClassNonRetryable
}

// IsRetryable reports whether err should be retried at all (either class of
// retryable).
func IsRetryable(err error) bool {
	c := Classify(err)
	return c == ClassRetryableTransient || c == ClassRetryableContext
}

// Sentinels for direct errors.Is comparison where no message/cause is needed.
var (
	ErrContextOverflow     = New(CodeLLMContextOver, "assembled context exceeds the model's input budget", nil)
	ErrInvalidTransition   = New(CodeStateInvalidTransition, "illegal phase transition", nil)
	ErrTurnInProgress      = errors.New("a turn is already in progress for this session")
	ErrToolLoopCapExceeded = New(CodeToolLoopCapExceed, "the agent exceeded its per-turn tool-call budget", nil)
	ErrCancelled           = New(CodeCoreCancelled, "turn cancelled", nil)
)
