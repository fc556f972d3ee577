// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/aleutian-ai/turnengine/internal/engine"
	"github.com/aleutian-ai/turnengine/internal/turnlog"
	"github.com/aleutian-ai/turnengine/internal/turnlog/kv"
)

// replaySink prints each emitted event to stdout, letting an operator watch
// a replayed turn unfold the same way it streamed to the original caller.
type replaySink struct {
	turnNumber int
}

func (s replaySink) Emit(e engine.Event) {
	switch e.Kind {
	case engine.EventAgentMessage:
		fmt.Printf("[turn %d] agent: %s\n", s.turnNumber, e.AgentMessage)
	case engine.EventToolCall:
		fmt.Printf("[turn %d] tool_call: %s(%v)\n", s.turnNumber, e.ToolName, e.ToolArgs)
	case engine.EventToolResult:
		fmt.Printf("[turn %d] tool_result: %s is_error=%v: %s\n", s.turnNumber, e.ToolName, e.ToolIsError, e.ToolSummary)
	case engine.EventStatusUpdate:
		fmt.Printf("[turn %d] status: %s\n", s.turnNumber, e.Phase)
	case engine.EventError:
		fmt.Printf("[turn %d] error: %s: %s\n", s.turnNumber, e.ErrorCode, e.ErrorMessage)
	}
}

// runReplay implements `agentturn replay <turn-log-dir>`: re-run the user
// messages recorded in a Badger turn log at --from..--to through a fresh
// Engine, against the reference HTTP LLM client rate-limited per --rate/
// --burst so a replay run never exceeds what the provider allows.
func runReplay(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		log.Fatalf("agentturn replay: %v", err)
	}

	replayCfg := kv.DefaultConfig()
	replayCfg.Path = args[0]
	tlog, err := turnlog.Open(replayCfg)
	if err != nil {
		log.Fatalf("agentturn replay: opening turn log at %s: %v", args[0], err)
	}
	defer tlog.Close()

	toVal := replayTo
	if toVal == 0 {
		toVal = replayFrom
	}

	ctx := context.Background()
	records, err := tlog.Range(ctx, replayFrom, toVal)
	if err != nil {
		log.Fatalf("agentturn replay: reading turns %d..%d: %v", replayFrom, toVal, err)
	}
	if len(records) == 0 {
		log.Fatalf("agentturn replay: no turns recorded in [%d, %d]", replayFrom, toVal)
	}

	llm, err := newLLMClient(cfg, replayRate, replayBurst)
	if err != nil {
		log.Fatalf("agentturn replay: %v", err)
	}

	deps := newSharedDeps(cfg, llm, nil)
	e, _ := deps.newSessionEngine()

	for _, rec := range records {
		sink := replaySink{turnNumber: rec.TurnNumber}
		if err := e.ProcessMessage(ctx, rec.UserMessage, sink); err != nil {
			fmt.Printf("[turn %d] replay failed: %v\n", rec.TurnNumber, err)
		}
	}
}
