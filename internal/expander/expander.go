// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package expander implements the Dynamic Expander (§4.6): on-demand
// discovery of files implicated by an error or an explicit path mention,
// inserted as snippets with provenance. The regex-table idiom for pulling
// structured references out of free text is grounded on the teacher's
// agent/phases/execute_retry.go pattern table (toolCallPatternRegex,
// callingToolPatternRegex, xmlToolPatternRegex); diff previews for
// candidate files reuse sourcegraph/go-diff the way
// services/trace/diff/parse.go does for unified-diff parsing.
package expander

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	godiff "github.com/sourcegraph/go-diff/diff"

	"github.com/aleutian-ai/turnengine/internal/turn"
)

const maxSnippetBytes = 16 * 1024

// FileReader abstracts workspace file access so tests can substitute an
// in-memory filesystem without touching disk.
type FileReader interface {
	ReadFile(path string) (string, error)
	ListDir(path string) ([]string, error)
}

// OSFileReader reads from the real filesystem rooted at Root.
type OSFileReader struct {
	Root string
}

func (r OSFileReader) ReadFile(path string) (string, error) {
	b, err := os.ReadFile(filepath.Join(r.Root, path))
	if err != nil {
		return "", err
	}
	if len(b) > maxSnippetBytes {
		b = b[:maxSnippetBytes]
	}
	return string(b), nil
}

func (r OSFileReader) ListDir(path string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(r.Root, path))
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// Candidate is one file discovered by a strategy, with provenance.
type Candidate struct {
	Path       string
	Strategy   string // "error_driven" | "dependency" | "directory" | "keyword"
	Provenance string
}

var (
	// pathInErrorText matches file paths embedded in compiler/interpreter
	// error output, e.g. "File \"./app/main.py\", line 3" or
	// "foo/bar.go:12:5: undefined: Baz". A path must end in one of the
	// listed source extensions to match.
	pathInErrorText = regexp.MustCompile(`(?:^|[\s"'(])((?:\.{0,2}/)?[\w./-]+\.(?:go|py|ts|tsx|js|jsx|rs|java|rb|c|h|cpp|hpp))\b`)

	goImportLine    = regexp.MustCompile(`(?m)^\s*"([\w./-]+)"\s*$`)
	pyImportLine    = regexp.MustCompile(`(?m)^\s*(?:import|from)\s+([\w.]+)`)
	jsImportLine    = regexp.MustCompile(`(?m)(?:import .* from|require\()\s*['"]([^'"]+)['"]`)
)

var likelyRoots = []string{"src", "lib", "app", "config"}

// ErrorDriven parses file paths referenced in error text, reads each
// (bounded size) via reader, and returns them as candidates.
func ErrorDriven(reader FileReader, errorText string) []Candidate {
	matches := pathInErrorText.FindAllStringSubmatch(errorText, -1)
	seen := make(map[string]bool)
	var out []Candidate
	for _, m := range matches {
		path := m[1]
		if seen[path] {
			continue
		}
		seen[path] = true
		if _, err := reader.ReadFile(path); err != nil {
			continue
		}
		out = append(out, Candidate{Path: path, Strategy: "error_driven", Provenance: "referenced in error text"})
	}
	return out
}

// Dependency follows imports/requires referenced from sourceContent up to
// depth 1 (i.e. it does not recurse into the imported files' own
// imports).
func Dependency(reader FileReader, sourcePath, sourceContent string) []Candidate {
	var refs []string
	for _, m := range goImportLine.FindAllStringSubmatch(sourceContent, -1) {
		refs = append(refs, m[1])
	}
	for _, m := range pyImportLine.FindAllStringSubmatch(sourceContent, -1) {
		refs = append(refs, strings.ReplaceAll(m[1], ".", "/"))
	}
	for _, m := range jsImportLine.FindAllStringSubmatch(sourceContent, -1) {
		refs = append(refs, m[1])
	}

	dir := filepath.Dir(sourcePath)
	var out []Candidate
	seen := make(map[string]bool)
	for _, ref := range refs {
		for _, candidatePath := range dependencyCandidatePaths(dir, ref) {
			if seen[candidatePath] {
				continue
			}
			if _, err := reader.ReadFile(candidatePath); err != nil {
				continue
			}
			seen[candidatePath] = true
			out = append(out, Candidate{Path: candidatePath, Strategy: "dependency", Provenance: "imported by " + sourcePath})
		}
	}
	return out
}

func dependencyCandidatePaths(dir, ref string) []string {
	if strings.HasPrefix(ref, ".") {
		joined := filepath.Join(dir, ref)
		return []string{joined + ".go", joined + ".py", joined + ".ts", joined + ".js", joined}
	}
	return []string{ref + ".go", ref + ".py", ref + ".ts", ref + ".js"}
}

// Directory enumerates sibling files under the conventional roots
// (src/, lib/, app/, config/) plus the directory containing
// referencePath, as a fallback discovery mode.
func Directory(reader FileReader, referencePath string) []Candidate {
	var out []Candidate
	roots := append([]string{filepath.Dir(referencePath)}, likelyRoots...)
	seen := make(map[string]bool)
	for _, root := range roots {
		if root == "" || root == "." {
			continue
		}
		names, err := reader.ListDir(root)
		if err != nil {
			continue
		}
		for _, name := range names {
			path := filepath.Join(root, name)
			if seen[path] {
				continue
			}
			seen[path] = true
			out = append(out, Candidate{Path: path, Strategy: "directory", Provenance: "sibling of " + root})
		}
	}
	return out
}

// Keyword greps workspace files for a failing symbol as a last-resort
// strategy. searchRoots bounds the scan; it is intentionally not a full
// workspace walk.
func Keyword(reader FileReader, searchRoots []string, symbol string) []Candidate {
	if symbol == "" {
		return nil
	}
	var out []Candidate
	for _, root := range searchRoots {
		names, err := reader.ListDir(root)
		if err != nil {
			continue
		}
		for _, name := range names {
			path := filepath.Join(root, name)
			content, err := reader.ReadFile(path)
			if err != nil {
				continue
			}
			if strings.Contains(content, symbol) {
				out = append(out, Candidate{Path: path, Strategy: "keyword", Provenance: "contains symbol " + symbol})
			}
		}
	}
	return out
}

// Expand runs all four strategies in the §4.6 order (error-driven,
// dependency, directory, keyword) and converts surviving candidates into
// CodeSnippet values, returning the candidates too so a caller can fold
// their Strategy/Provenance fields into an AssemblyDecision.
func Expand(ctx context.Context, reader FileReader, errorText, triggerPath string, symbol string, currentTurn int) ([]turn.CodeSnippet, []Candidate) {
	var candidates []Candidate
	if errorText != "" {
		candidates = append(candidates, ErrorDriven(reader, errorText)...)
	}
	if triggerPath != "" {
		if content, err := reader.ReadFile(triggerPath); err == nil {
			candidates = append(candidates, Dependency(reader, triggerPath, content)...)
		}
		candidates = append(candidates, Directory(reader, triggerPath)...)
	}
	if symbol != "" {
		candidates = append(candidates, Keyword(reader, likelyRoots, symbol)...)
	}

	seen := make(map[string]bool)
	var snippets []turn.CodeSnippet
	for _, c := range candidates {
		if ctx.Err() != nil {
			break
		}
		if seen[c.Path] {
			continue
		}
		seen[c.Path] = true
		content, err := reader.ReadFile(c.Path)
		if err != nil {
			continue
		}
		lines := strings.Count(content, "\n") + 1
		snippets = append(snippets, turn.CodeSnippet{
			Path:           c.Path,
			StartLine:      1,
			EndLine:        lines,
			Content:        content,
			LastAccessTurn: currentTurn,
			AccessCount:    1,
		})
	}
	return snippets, candidates
}

// DiffPreview renders a compact, parsed preview of a unified diff for one
// expanded snippet's pending edit, using sourcegraph/go-diff the way the
// teacher's diff package parses unified diffs into hunks.
func DiffPreview(unifiedDiff string) (string, error) {
	fileDiffs, err := godiff.ParseMultiFileDiff([]byte(unifiedDiff))
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for _, fd := range fileDiffs {
		b.WriteString(fd.NewName)
		b.WriteByte('\n')
		for _, h := range fd.Hunks {
			scanner := bufio.NewScanner(strings.NewReader(string(h.Body)))
			added, removed := 0, 0
			for scanner.Scan() {
				line := scanner.Text()
				if strings.HasPrefix(line, "+") {
					added++
				} else if strings.HasPrefix(line, "-") {
					removed++
				}
			}
			b.WriteString("  @@ +" + itoa(added) + " -" + itoa(removed) + " @@\n")
		}
	}
	return b.String(), nil
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
