// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llmapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/aleutian-ai/turnengine/internal/engineerr"
	"github.com/aleutian-ai/turnengine/pkg/logging"
)

const anthropicAPIVersion = "2023-06-01"

// wireMessage and wireRequest/wireResponse mirror the teacher's
// anthropicRequest/anthropicResponse JSON shapes, grounded directly on
// services/llm/anthropic_llm.go.
type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireSystemBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type wireToolDefinition struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InputSchema any    `json:"input_schema"`
}

type wireRequest struct {
	Model       string               `json:"model"`
	Messages    []wireMessage        `json:"messages"`
	System      []wireSystemBlock    `json:"system,omitempty"`
	MaxTokens   int                  `json:"max_tokens"`
	Tools       []wireToolDefinition `json:"tools,omitempty"`
	Temperature *float64             `json:"temperature,omitempty"`
}

type wireContentBlock struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Name  string `json:"name"`
	Input any    `json:"input"`
}

type wireUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type wireError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type wireResponse struct {
	Content    []wireContentBlock `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      wireUsage          `json:"usage"`
	Error      *wireError         `json:"error,omitempty"`
}

// HTTPClient is the reference llmapi.Client adapter that the `run` and
// `replay` CLI subcommands build. It sends real requests to the provider
// endpoint with the configured API key. It is grounded on
// services/llm/anthropic_llm.go's request/response wire shapes and
// client-side rate limiting is layered on with golang.org/x/time/rate,
// since the teacher has no client-side limiter of its own.
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	limiter    *rate.Limiter
	log        *logging.Logger
}

// HTTPClientOption configures an HTTPClient.
type HTTPClientOption func(*HTTPClient)

// WithBaseURL overrides the provider endpoint, chiefly for tests.
func WithBaseURL(url string) HTTPClientOption {
	return func(c *HTTPClient) { c.baseURL = url }
}

// WithRateLimit bounds outbound calls per second with a burst of burst.
func WithRateLimit(perSecond float64, burst int) HTTPClientOption {
	return func(c *HTTPClient) { c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// WithLogger attaches a structured logger.
func WithLogger(l *logging.Logger) HTTPClientOption {
	return func(c *HTTPClient) { c.log = l }
}

// NewHTTPClient builds a reference Client adapter for the given model and
// API key.
func NewHTTPClient(apiKey, model string, opts ...HTTPClientOption) *HTTPClient {
	c := &HTTPClient{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    "https://api.anthropic.com/v1/messages",
		apiKey:     apiKey,
		model:      model,
		limiter:    rate.NewLimiter(rate.Limit(2), 4),
		log:        logging.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call implements Client.
func (c *HTTPClient) Call(ctx context.Context, req Request) (Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Response{}, engineerr.New(engineerr.CodeCoreCancelled, "rate limiter wait cancelled", err)
	}

	payload, systemBlocks := toWireRequest(c.model, req)
	payload.System = systemBlocks

	body, err := json.Marshal(payload)
	if err != nil {
		return Response{}, engineerr.New(engineerr.CodeLLMBadRequest, "failed to marshal request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return Response{}, engineerr.New(engineerr.CodeLLMBadRequest, "failed to build request", err)
	}
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)
	httpReq.Header.Set("content-type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, classifyTransportError(err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	c.log.Debug("llm provider response", "status", resp.StatusCode, "bytes", len(raw))

	if resp.StatusCode != http.StatusOK {
		return Response{}, classifyStatusError(resp.StatusCode, raw)
	}

	var wireResp wireResponse
	if err := json.Unmarshal(raw, &wireResp); err != nil {
		return Response{}, engineerr.New(engineerr.CodeLLMServerError, "failed to parse provider response", err)
	}
	if wireResp.Error != nil {
		return Response{}, classifyProviderError(wireResp.Error)
	}

	return fromWireResponse(wireResp), nil
}

func toWireRequest(model string, req Request) (wireRequest, []wireSystemBlock) {
	var messages []wireMessage
	var systemBlocks []wireSystemBlock
	for _, m := range req.Messages {
		if m.Role == "system" {
			systemBlocks = append(systemBlocks, wireSystemBlock{Type: "text", Text: m.Content})
			continue
		}
		messages = append(messages, wireMessage{Role: m.Role, Content: m.Content})
	}

	var tools []wireToolDefinition
	for _, s := range req.ToolSchemas {
		tools = append(tools, wireToolDefinition{Name: s.Name, Description: s.Description, InputSchema: s.Parameters})
	}

	maxTokens := 4096
	if req.GenerationConfig.ThinkingBudget > 0 {
		needed := req.GenerationConfig.ThinkingBudget + 2048
		if maxTokens < needed {
			maxTokens = needed
		}
	}

	payload := wireRequest{
		Model:     model,
		Messages:  messages,
		MaxTokens: maxTokens,
		Tools:     tools,
	}
	if req.GenerationConfig.Temperature > 0 {
		t := req.GenerationConfig.Temperature
		payload.Temperature = &t
	}
	return payload, systemBlocks
}

func fromWireResponse(w wireResponse) Response {
	var parts []string
	var calls []ToolCallRequest
	for _, block := range w.Content {
		switch block.Type {
		case "text":
			parts = append(parts, block.Text)
		case "tool_use":
			args, _ := block.Input.(map[string]any)
			calls = append(calls, ToolCallRequest{Name: block.Name, Args: args})
		}
	}

	finish := FinishStop
	switch w.StopReason {
	case "tool_use":
		finish = FinishToolCalls
	case "max_tokens":
		finish = FinishMaxTokens
	}

	return Response{
		ContentParts: parts,
		ToolCalls:    calls,
		FinishReason: finish,
		Usage: Usage{
			PromptTokens: w.Usage.InputTokens,
			OutputTokens: w.Usage.OutputTokens,
		},
	}
}

func classifyTransportError(err error) error {
	return engineerr.New(engineerr.CodeLLMTimeout, "provider request failed", err)
}

func classifyStatusError(status int, raw []byte) error {
	msg := fmt.Sprintf("provider returned status %d: %s", status, string(raw))
	switch status {
	case http.StatusTooManyRequests:
		return engineerr.New(engineerr.CodeLLMRateLimit, msg, nil)
	case http.StatusUnauthorized, http.StatusForbidden:
		return engineerr.New(engineerr.CodeLLMAuthError, msg, nil)
	case http.StatusBadRequest:
		return engineerr.New(engineerr.CodeLLMBadRequest, msg, nil)
	case http.StatusRequestEntityTooLarge:
		return engineerr.New(engineerr.CodeLLMContextOver, msg, nil)
	default:
		if status >= 500 {
			return engineerr.New(engineerr.CodeLLMServerError, msg, nil)
		}
		return engineerr.New(engineerr.CodeLLMBadRequest, msg, nil)
	}
}

func classifyProviderError(e *wireError) error {
	switch e.Type {
	case "rate_limit_error", "overloaded_error":
		return engineerr.New(engineerr.CodeLLMRateLimit, e.Message, nil)
	case "authentication_error", "permission_error":
		return engineerr.New(engineerr.CodeLLMAuthError, e.Message, nil)
	case "invalid_request_error":
		return engineerr.New(engineerr.CodeLLMBadRequest, e.Message, nil)
	default:
		return engineerr.New(engineerr.CodeLLMServerError, e.Message, nil)
	}
}

var _ Client = (*HTTPClient)(nil)
