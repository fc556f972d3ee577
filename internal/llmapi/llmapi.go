// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llmapi defines the LLM provider contract (§6): the core depends
// only on this shape, never on a specific provider SDK. It is grounded on
// the teacher's services/llm/client.go LLMClient interface
// (Generate/Chat/ChatStream over datatypes.Message), narrowed to the
// request/response shape the turn engine core actually needs: a single
// blocking call over (messages, tool schemas, generation config) returning
// content parts, tool calls, usage, and a finish reason.
package llmapi

import (
	"context"

	"github.com/aleutian-ai/turnengine/internal/turn"
)

// FinishReason is why the provider stopped generating.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishToolCalls FinishReason = "tool_calls"
	FinishMaxTokens FinishReason = "max_tokens"
	FinishError     FinishReason = "error"
)

// ToolCallRequest is one tool invocation the model is asking the Turn
// Engine to perform.
type ToolCallRequest struct {
	Name string
	Args map[string]any
}

// Usage reports token accounting for one call. Thinking tokens, when
// reported, are counted toward total usage but are never re-submitted in a
// follow-up prompt (§6).
type Usage struct {
	PromptTokens   int
	ThinkingTokens int
	OutputTokens   int
}

// Total returns prompt + thinking + output tokens.
func (u Usage) Total() int { return u.PromptTokens + u.ThinkingTokens + u.OutputTokens }

// Response is one provider call's result.
type Response struct {
	ContentParts []string
	ToolCalls    []ToolCallRequest
	Usage        Usage
	FinishReason FinishReason
}

// Text joins ContentParts into the full assistant message text.
func (r Response) Text() string {
	out := ""
	for _, p := range r.ContentParts {
		out += p
	}
	return out
}

// Request is one call into a provider.
type Request struct {
	Messages         []turn.Message
	ToolSchemas      []turn.ToolSchema
	GenerationConfig turn.GenerationConfig
}

// Client is the LLM provider contract (§6). Implementations adapt a
// specific provider SDK to this shape; the core never imports a provider
// SDK directly. Implementations must be safe for concurrent use and must
// respect ctx cancellation.
type Client interface {
	// Call sends req to the provider and returns its response. Non-nil
	// errors are *engineerr.Error values classified per §4.9/§7 so the
	// Retry Controller can decide whether to retry.
	Call(ctx context.Context, req Request) (Response, error)
}
