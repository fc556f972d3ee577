// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command agentturn is the Turn Engine's CLI and HTTP/WebSocket entrypoint.
// It exposes three subcommands:
//
//	agentturn run              # starts the session server
//	agentturn config validate  # checks a config file without starting anything
//	agentturn replay           # replays a recorded turn log against the
//	                           # rate-limited reference LLM client
//
// Usage:
//
//	agentturn run --config config.yaml
package main

import (
	"log"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("agentturn: %v", err)
	}
}
