// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package builtin provides a small, workspace-scoped set of concrete
// toolrt.Tool implementations — plain filesystem tools an agent session
// can register to read, list, search, and write files under a configured
// workspace root. Each tool is grounded on the adapter shape of
// services/code_buddy/agent/tools/adapters.go (a Definition-returning,
// context-taking Execute method per tool), narrowed from that package's
// code-graph-backed tools to plain os/filepath calls.
package builtin

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aleutian-ai/turnengine/internal/toolrt"
)

// workspaceRoot anchors every path argument; requests that escape it are
// rejected, the same boundary cmd/aleutian/internal/infra enforces around
// its podman machine's mounted volumes.
type workspaceRoot string

func (w workspaceRoot) resolve(rel string) (string, error) {
	clean := filepath.Clean(rel)
	full := filepath.Join(string(w), clean)
	root, err := filepath.Abs(string(w))
	if err != nil {
		return "", err
	}
	absFull, err := filepath.Abs(full)
	if err != nil {
		return "", err
	}
	if absFull != root && !strings.HasPrefix(absFull, root+string(os.PathSeparator)) {
		return "", fmt.Errorf("path %q escapes the workspace root", rel)
	}
	return absFull, nil
}

func stringArg(args map[string]any, name string) (string, error) {
	v, ok := args[name]
	if !ok {
		return "", fmt.Errorf("missing required parameter %q", name)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("parameter %q must be a string", name)
	}
	return s, nil
}

func intArg(args map[string]any, name string, def int) int {
	v, ok := args[name]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return def
	}
}

// New returns the builtin tool set rooted at workspaceRoot, ready to hand
// to toolrt.NewRegistry.
func New(workspaceDir string) []toolrt.Tool {
	root := workspaceRoot(workspaceDir)
	return []toolrt.Tool{
		readFileTool{root: root},
		listDirTool{root: root},
		grepTool{root: root},
		writeFileTool{root: root},
	}
}

// readFileTool returns the contents of one workspace-relative file.
type readFileTool struct{ root workspaceRoot }

func (t readFileTool) Definition() toolrt.Definition {
	return toolrt.Definition{
		Name:        "read_file",
		Description: "Read the full contents of a file relative to the workspace root.",
		ReadOnly:    true,
		Parameters: map[string]toolrt.ParamDef{
			"path": {Type: toolrt.ParamString, Required: true},
		},
	}
}

func (t readFileTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	rel, err := stringArg(args, "path")
	if err != nil {
		return "", err
	}
	full, err := t.root.resolve(rel)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", fmt.Errorf("read %q: %w", rel, err)
	}
	return string(data), nil
}

// listDirTool lists one workspace-relative directory, non-recursively.
type listDirTool struct{ root workspaceRoot }

func (t listDirTool) Definition() toolrt.Definition {
	return toolrt.Definition{
		Name:        "list_dir",
		Description: "List the entries of a directory relative to the workspace root.",
		ReadOnly:    true,
		Parameters: map[string]toolrt.ParamDef{
			"path": {Type: toolrt.ParamString, Required: false},
		},
	}
}

func (t listDirTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	rel, _ := args["path"].(string)
	if rel == "" {
		rel = "."
	}
	full, err := t.root.resolve(rel)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return "", fmt.Errorf("list %q: %w", rel, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, "\n"), nil
}

// grepTool does a plain substring search across one file, line by line,
// the minimal read-only counterpart to find_config_usage's scan in
// services/code_buddy without that package's code-graph dependency.
type grepTool struct{ root workspaceRoot }

func (t grepTool) Definition() toolrt.Definition {
	return toolrt.Definition{
		Name:        "grep",
		Description: "Search a file for lines containing a literal substring.",
		ReadOnly:    true,
		Parameters: map[string]toolrt.ParamDef{
			"path":    {Type: toolrt.ParamString, Required: true},
			"pattern": {Type: toolrt.ParamString, Required: true},
			"limit":   {Type: toolrt.ParamInt, Required: false},
		},
	}
}

func (t grepTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	rel, err := stringArg(args, "path")
	if err != nil {
		return "", err
	}
	pattern, err := stringArg(args, "pattern")
	if err != nil {
		return "", err
	}
	limit := intArg(args, "limit", 200)

	full, err := t.root.resolve(rel)
	if err != nil {
		return "", err
	}
	f, err := os.Open(full)
	if err != nil {
		return "", fmt.Errorf("grep %q: %w", rel, err)
	}
	defer f.Close()

	var matches []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if strings.Contains(line, pattern) {
			matches = append(matches, fmt.Sprintf("%d:%s", lineNum, line))
			if len(matches) >= limit {
				break
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("grep %q: %w", rel, err)
	}
	if len(matches) == 0 {
		return "no matches", nil
	}
	return strings.Join(matches, "\n"), nil
}

// writeFileTool overwrites a workspace-relative file. Not read-only: the
// Turn Engine's batch dispatcher (§5) runs it sequentially after any
// read-only calls in the same batch, never concurrently with them.
type writeFileTool struct{ root workspaceRoot }

func (t writeFileTool) Definition() toolrt.Definition {
	return toolrt.Definition{
		Name:        "write_file",
		Description: "Overwrite a file relative to the workspace root with the given content.",
		ReadOnly:    false,
		Parameters: map[string]toolrt.ParamDef{
			"path":    {Type: toolrt.ParamString, Required: true},
			"content": {Type: toolrt.ParamString, Required: true},
		},
	}
}

func (t writeFileTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	rel, err := stringArg(args, "path")
	if err != nil {
		return "", err
	}
	content, err := stringArg(args, "content")
	if err != nil {
		return "", err
	}
	full, err := t.root.resolve(rel)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("write %q: %w", rel, err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write %q: %w", rel, err)
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), rel), nil
}
