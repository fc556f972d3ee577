// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package proactive implements the Proactive Gatherer (§4.5): a one-shot,
// session-cached workspace scan for project descriptors, VCS history, and
// docs. The read-only `git log` shelling is grounded on the teacher's
// git.GitAwareExecutor (services/trace/git/executor.go), which drives git
// via exec.CommandContext the same way; this gatherer narrows that to a
// single read-only `git log` invocation with no cache-invalidation
// side effects.
package proactive

import (
	"bufio"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/aleutian-ai/turnengine/internal/turn"
)

const defaultTimeout = 10 * time.Second

const (
	maxProjectFiles = 20
	maxDocFiles     = 20
	maxFileBytes    = 64 * 1024
	maxCommits      = 10
)

var projectDescriptorPatterns = []string{
	"README*", "readme*",
	"package.json", "go.mod", "Cargo.toml", "pyproject.toml", "requirements.txt",
	"Gemfile", "pom.xml", "build.gradle",
	"Dockerfile", "docker-compose.yml", "docker-compose.yaml",
	".github/workflows/*.yml", ".github/workflows/*.yaml",
	".gitlab-ci.yml", ".circleci/config.yml",
}

var ignoreDirPattern = regexp.MustCompile(`(?i)(^|/)(\.git|node_modules|vendor|dist|build|target|__pycache__|\.venv)(/|$)`)

var binaryExtPattern = regexp.MustCompile(`(?i)\.(png|jpg|jpeg|gif|ico|pdf|zip|tar|gz|exe|bin|so|o|a|class|pyc|wasm|woff2?|ttf)$`)

// Gatherer scans a workspace once per session and caches the result.
type Gatherer struct {
	WorkspaceRoot string
	Timeout       time.Duration
}

// New builds a Gatherer rooted at workspaceRoot with the §4.5 default
// 10-second timeout.
func New(workspaceRoot string) *Gatherer {
	return &Gatherer{WorkspaceRoot: workspaceRoot, Timeout: defaultTimeout}
}

// Gather performs the one-shot scan. On timeout or cancellation it
// returns a nil context and ctx.Err(), discarding anything collected so
// far, so a caller that caches only successful results leaves the cache
// empty (§5).
func (g *Gatherer) Gather(ctx context.Context) (*turn.ProactiveContext, error) {
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pc := &turn.ProactiveContext{GatheredAt: time.Now()}

	pc.ProjectFiles = g.projectFiles(ctx)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	pc.Docs = g.docs(ctx)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	pc.VCSCommits = g.vcsCommits(ctx)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return pc, nil
}

func (g *Gatherer) projectFiles(ctx context.Context) []turn.ProjectFile {
	var out []turn.ProjectFile
	for _, pattern := range projectDescriptorPatterns {
		if ctx.Err() != nil {
			return out
		}
		matches, _ := filepath.Glob(filepath.Join(g.WorkspaceRoot, pattern))
		for _, m := range matches {
			if len(out) >= maxProjectFiles {
				return out
			}
			if shouldIgnore(m) {
				continue
			}
			content, ok := readBounded(m)
			if !ok {
				continue
			}
			rel, _ := filepath.Rel(g.WorkspaceRoot, m)
			out = append(out, turn.ProjectFile{Path: rel, Content: content})
		}
	}
	return out
}

func (g *Gatherer) docs(ctx context.Context) []turn.DocFile {
	var out []turn.DocFile
	docsDir := filepath.Join(g.WorkspaceRoot, "docs")
	_ = filepath.WalkDir(docsDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || ctx.Err() != nil {
			return filepath.SkipAll
		}
		if len(out) >= maxDocFiles {
			return filepath.SkipAll
		}
		if d.IsDir() {
			if shouldIgnore(path) {
				return filepath.SkipDir
			}
			return nil
		}
		if shouldIgnore(path) || !looksLikeDoc(path) {
			return nil
		}
		content, ok := readBounded(path)
		if !ok {
			return nil
		}
		rel, _ := filepath.Rel(g.WorkspaceRoot, path)
		out = append(out, turn.DocFile{Path: rel, Content: content})
		return nil
	})

	for _, pattern := range []string{"*.md", "*.rst", "*.txt"} {
		if len(out) >= maxDocFiles || ctx.Err() != nil {
			break
		}
		matches, _ := filepath.Glob(filepath.Join(g.WorkspaceRoot, pattern))
		for _, m := range matches {
			if len(out) >= maxDocFiles {
				break
			}
			if shouldIgnore(m) {
				continue
			}
			content, ok := readBounded(m)
			if !ok {
				continue
			}
			rel, _ := filepath.Rel(g.WorkspaceRoot, m)
			out = append(out, turn.DocFile{Path: rel, Content: content})
		}
	}
	return out
}

func looksLikeDoc(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".md") || strings.HasSuffix(lower, ".rst") || strings.HasSuffix(lower, ".txt")
}

func shouldIgnore(path string) bool {
	return ignoreDirPattern.MatchString(path) || binaryExtPattern.MatchString(path)
}

func readBounded(path string) (string, bool) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", false
	}
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()

	buf := make([]byte, maxFileBytes)
	n, _ := f.Read(buf)
	return string(buf[:n]), true
}

// gitLogFormat emits one line per commit: subject<US>author<US>unix-seconds,
// using ASCII unit separator to avoid colliding with commit-subject text.
const gitLogFormat = `--pretty=format:%s%x1f%an%x1f%at`

func (g *Gatherer) vcsCommits(ctx context.Context) []turn.VCSCommit {
	cmd := exec.CommandContext(ctx, "git", "log", "-n", strconv.Itoa(maxCommits), gitLogFormat)
	cmd.Dir = g.WorkspaceRoot
	out, err := cmd.Output()
	if err != nil {
		return nil
	}

	var commits []turn.VCSCommit
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		parts := strings.SplitN(scanner.Text(), "\x1f", 3)
		if len(parts) != 3 {
			continue
		}
		var at time.Time
		if secs, err := strconv.ParseInt(parts[2], 10, 64); err == nil {
			at = time.Unix(secs, 0).UTC()
		}
		commits = append(commits, turn.VCSCommit{Subject: parts[0], Author: parts[1], Date: at})
	}
	return commits
}
