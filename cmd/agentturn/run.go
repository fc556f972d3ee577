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
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aleutian-ai/turnengine/internal/turnlog"
)

// runServe implements `agentturn run`: load config, bring up the turn log,
// wire the shared collaborators, and serve the HTTP/WebSocket API until
// SIGINT/SIGTERM, the same flag-parse-then-router.Run flow
// cmd/codebuddy/main.go uses, generalized to this command's cobra tree and
// to this package's graceful-shutdown-via-signal.Notify convention.
func runServe(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		log.Fatalf("agentturn run: %v", err)
	}

	logger := buildLogger(cfg, debugMode)
	defer logger.Close()

	ctx := context.Background()
	shutdownTracing := bootstrapTracing(ctx, "agentturn")
	defer shutdownTracing(ctx)

	tlog, err := turnlog.Open(turnlog.DefaultConfig())
	if err != nil {
		log.Fatalf("agentturn run: opening turn log: %v", err)
	}
	defer tlog.Close()

	llm, err := newLLMClient(cfg, 0, 0)
	if err != nil {
		log.Fatalf("agentturn run: %v", err)
	}

	deps := newSharedDeps(cfg, llm, tlog)
	router := newRouter(deps, logger, debugMode)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		logger.Info("shutting down")
		os.Exit(0)
	}()

	logger.Info("starting agentturn server", "addr", listenAddr)
	if err := router.Run(listenAddr); err != nil {
		log.Fatalf("agentturn run: %v", err)
	}
}
