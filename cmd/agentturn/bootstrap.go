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
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"

	"github.com/aleutian-ai/turnengine/internal/config"
	"github.com/aleutian-ai/turnengine/pkg/logging"
)

// buildLogger configures the ambient logger per config.LoggingMode, the
// same Level/Quiet/Service knobs services/orchestrator/main.go sets on its
// slog.JSONHandler, generalized to this repository's pkg/logging wrapper.
func buildLogger(cfg config.Config, debug bool) *logging.Logger {
	level := logging.LevelInfo
	if debug {
		level = logging.LevelDebug
	}
	quiet := cfg.LoggingMode == config.LoggingQuiet
	return logging.New(logging.Config{
		Level:   level,
		Service: "agentturn",
		JSON:    cfg.LoggingMode == config.LoggingNonInteractive,
		Quiet:   quiet,
	})
}

// bootstrapTracing installs a global TracerProvider, grounded on
// services/orchestrator/main.go's OTEL_EXPORTER_OTLP_ENDPOINT env var.
// When no collector endpoint is
// configured it falls back to a stdout exporter so `agentturn run` still
// produces trace output for local inspection, and the returned shutdown
// func is always safe to defer.
func bootstrapTracing(ctx context.Context, serviceName string) (shutdown func(context.Context) error) {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")

	var exporter sdktrace.SpanExporter
	var err error
	if endpoint != "" {
		exporter, err = otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithInsecure())
	}
	if endpoint == "" || err != nil {
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
	}
	if err != nil {
		// Tracing is ambient, not load-bearing: fall back to a no-op
		// provider rather than failing startup.
		return func(context.Context) error { return nil }
	}

	res := resource.NewSchemaless(attribute.String("service.name", serviceName))
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(2*time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}
