// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package tokencount provides provider-aware token estimation for strings
// and structured messages (§2 item 1). Per §4.1, production code paths
// must never fall back to a bare len(text)/4 estimate; this package uses
// a real BPE tokenizer and only degrades to a calibrated heuristic when
// the requested encoding cannot be loaded.
package tokencount

import (
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// Message is the minimal structured-message shape the counter needs; it
// mirrors the role/content pair used throughout the prompt assembly.
type Message struct {
	Role    string
	Content string
}

// Counter estimates token counts for text and structured messages.
type Counter interface {
	Count(text string) int
	CountMessages(messages []Message) int
}

// heuristicCharsPerToken is the calibrated ratio used only when no BPE
// encoding is available. It is deliberately not len(text)/4: 3.6 reflects
// the teacher's CharsPerToken constant for English-and-code mixed content,
// which consistently estimated closer to observed usage than a flat /4.
const heuristicCharsPerToken = 3.6

// perMessageOverheadTokens approximates the fixed per-message framing
// tokens (role marker, separators) that most chat-formatted providers add.
const perMessageOverheadTokens = 4

// tiktokenCounter wraps a cached BPE encoding.
type tiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

// heuristicCounter is the fallback used when no encoding loads.
type heuristicCounter struct{}

var (
	cacheMu sync.Mutex
	cache   = map[string]Counter{}
)

// ForModel returns a Counter calibrated for the given model family. The
// same encoding is reused across calls for the same model name.
//
// encodingName follows tiktoken-go's naming (e.g. "cl100k_base",
// "o200k_base"); callers that don't know the provider's exact encoding
// should pass "" to get the heuristic counter directly.
func ForModel(encodingName string) Counter {
	if encodingName == "" {
		return heuristicCounter{}
	}

	cacheMu.Lock()
	defer cacheMu.Unlock()
	if c, ok := cache[encodingName]; ok {
		return c
	}

	enc, err := tiktoken.GetEncoding(encodingName)
	var c Counter
	if err != nil {
		c = heuristicCounter{}
	} else {
		c = &tiktokenCounter{enc: enc}
	}
	cache[encodingName] = c
	return c
}

func (c *tiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(c.enc.Encode(text, nil, nil))
}

func (c *tiktokenCounter) CountMessages(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += perMessageOverheadTokens + c.Count(m.Role) + c.Count(m.Content)
	}
	return total
}

func (heuristicCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	n := float64(len(text)) / heuristicCharsPerToken
	if n < 1 {
		return 1
	}
	return int(n + 0.999999) // ceil without importing math for one call
}

func (h heuristicCounter) CountMessages(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += perMessageOverheadTokens + h.Count(m.Role) + h.Count(m.Content)
	}
	return total
}
