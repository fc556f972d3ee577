// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package modelregistry provides the read-only model-name to limits
// mapping described in §6. It is an external collaborator surface in
// spirit (the real table is operational data) but ships a conservative
// built-in default so the core never depends on a remote lookup.
package modelregistry

import "log/slog"

// ModelInfo describes the limits and capabilities of one named model.
type ModelInfo struct {
	InputTokenLimit     int
	SupportsThinking    bool
	DefaultOutputReserve int
}

// conservativeDefault is used whenever a configured model has no entry,
// per §6 ("use conservative defaults (32k input, no thinking, 2k output
// reserve) and log a warning").
var conservativeDefault = ModelInfo{
	InputTokenLimit:      32_000,
	SupportsThinking:     false,
	DefaultOutputReserve: 2_000,
}

// Registry is a read-only model registry.
type Registry interface {
	Lookup(model string) ModelInfo
}

// StaticRegistry is a Registry backed by an in-memory map, populated once
// at startup from configuration or a literal table.
type StaticRegistry struct {
	models map[string]ModelInfo
	logger *slog.Logger
}

// NewStaticRegistry builds a registry from the given entries. A nil logger
// is replaced with slog.Default().
func NewStaticRegistry(entries map[string]ModelInfo, logger *slog.Logger) *StaticRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	cp := make(map[string]ModelInfo, len(entries))
	for k, v := range entries {
		cp[k] = v
	}
	return &StaticRegistry{models: cp, logger: logger}
}

// Lookup returns the ModelInfo for model, or the conservative default with
// a logged warning if model is unknown.
func (r *StaticRegistry) Lookup(model string) ModelInfo {
	if info, ok := r.models[model]; ok {
		return info
	}
	r.logger.Warn("model not in registry, using conservative defaults", "model", model)
	return conservativeDefault
}

// DefaultEntries returns a small built-in table covering common model
// families, used when no explicit registry configuration is supplied.
func DefaultEntries() map[string]ModelInfo {
	return map[string]ModelInfo{
		"default": conservativeDefault,
		"large-context": {
			InputTokenLimit:      200_000,
			SupportsThinking:     true,
			DefaultOutputReserve: 8_000,
		},
		"standard-context": {
			InputTokenLimit:      128_000,
			SupportsThinking:     true,
			DefaultOutputReserve: 4_000,
		},
		"small-context": {
			InputTokenLimit:      16_000,
			SupportsThinking:     false,
			DefaultOutputReserve: 1_000,
		},
	}
}
