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
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/aleutian-ai/turnengine/internal/engine"
	"github.com/aleutian-ai/turnengine/internal/engineerr"
	"github.com/aleutian-ai/turnengine/pkg/logging"
)

// upgrader accepts any origin, matching
// services/orchestrator/handlers/websocket.go's permissive CheckOrigin
// (the server sits behind the caller's own reverse proxy/auth layer, not
// directly on the open internet).
var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1 << 20,
	WriteBufferSize: 1 << 20,
}

// wsIncoming is one inbound frame: a single user message in the session's
// input stream.
type wsIncoming struct {
	Message string `json:"message"`
}

// wsOutgoing mirrors engine.Event for the wire, omitting fields the
// current Kind doesn't use.
type wsOutgoing struct {
	Kind         string         `json:"kind"`
	AgentMessage string         `json:"agent_message,omitempty"`
	ToolName     string         `json:"tool_name,omitempty"`
	ToolArgs     map[string]any `json:"tool_args,omitempty"`
	ToolSummary  string         `json:"tool_summary,omitempty"`
	ToolIsError  bool           `json:"tool_is_error,omitempty"`
	Phase        string         `json:"phase,omitempty"`
	ErrorCode    string         `json:"error_code,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

func toWireEvent(e engine.Event) wsOutgoing {
	return wsOutgoing{
		Kind:         string(e.Kind),
		AgentMessage: e.AgentMessage,
		ToolName:     e.ToolName,
		ToolArgs:     e.ToolArgs,
		ToolSummary:  e.ToolSummary,
		ToolIsError:  e.ToolIsError,
		Phase:        string(e.Phase),
		ErrorCode:    string(e.ErrorCode),
		ErrorMessage: e.ErrorMessage,
	}
}

// wsSink adapts one WebSocket connection to engine.Sink. The Engine
// documents Emit as always called synchronously within one ProcessMessage
// call, so the single session goroutine below is the only writer.
type wsSink struct {
	conn *websocket.Conn
	log  *logging.Logger
}

func (s wsSink) Emit(e engine.Event) {
	if err := s.conn.WriteJSON(toWireEvent(e)); err != nil {
		s.log.Warn("failed to write session event", "error", err)
	}
}

// handleSessionWebSocket upgrades one HTTP connection to a WebSocket
// session backed by its own Engine instance (fresh State/Context/Planning
// Managers, shared LLM client/tool runtime/turn log), reading one user
// message per frame and streaming back the resulting agent events, the
// same upgrade-then-ReadJSON-loop shape as
// services/orchestrator/handlers/websocket.go's HandleChatWebSocket.
func handleSessionWebSocket(deps *sharedDeps, log *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn("websocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		sessionID := uuid.New().String()
		sessLog := log.With("session_id", sessionID)
		sessLog.Info("session connected")

		e, _ := deps.newSessionEngine()
		sink := wsSink{conn: conn, log: sessLog}

		for {
			var in wsIncoming
			if err := conn.ReadJSON(&in); err != nil {
				sessLog.Info("session disconnected", "error", err)
				return
			}

			ctx := c.Request.Context()
			if err := e.ProcessMessage(ctx, in.Message, sink); err != nil {
				sessLog.WarnContext(ctx, "turn failed", "error", err)
				sink.Emit(engine.Event{
					Kind:         engine.EventError,
					ErrorCode:    engineerr.CodeCoreFatal,
					ErrorMessage: err.Error(),
				})
			}
		}
	}
}
