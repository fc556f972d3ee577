// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package summarizer implements the Intelligent Summarizer (§4.4): content
// type detection into one of eight types, followed by one of five
// idempotent compression strategies (TOOL_OUTPUT and LOG_OUTPUT share one,
// and DOCUMENTATION, CONVERSATION, and GENERIC share the extractive one). The truncate-don't-reanalyze idempotence
// mechanism is grounded on a fixed bug the teacher's context/manager.go
// documents ("double-truncation" from re-summarizing already-bounded
// text) — this package avoids it by checking an elision/truncation marker
// before doing any further work, per §9's "enforce via a sentinel marker
// or shape check" guidance.
package summarizer

import (
	"bufio"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ContentType is one of the eight detected content categories (§4.4).
type ContentType string

const (
	TypeCode          ContentType = "CODE"
	TypeDocumentation ContentType = "DOCUMENTATION"
	TypeToolOutput    ContentType = "TOOL_OUTPUT"
	TypeErrorMessage  ContentType = "ERROR_MESSAGE"
	TypeLogOutput     ContentType = "LOG_OUTPUT"
	TypeConfiguration ContentType = "CONFIGURATION"
	TypeConversation  ContentType = "CONVERSATION"
	TypeGeneric       ContentType = "GENERIC"
)

const defaultTargetLength = 2000

// elidedMarker tags text this package has already summarized, so a
// re-summarize call can detect and pass it through unchanged rather than
// re-running heuristics on already-bounded output (§8 invariant 5,
// §9 idempotence guidance).
const elidedMarker = "…[summarized]"

var (
	codeSignature   = regexp.MustCompile(`(?m)^\s*(func|def|class|import|package|#include|using |public |private |protected )\b`)
	tracebackLine   = regexp.MustCompile(`(?im)^(traceback \(most recent call last\)|.*\.go:\d+.*panic|exception in thread|.*error:.*)`)
	logSeverity     = regexp.MustCompile(`(?i)\b(ERROR|WARN|WARNING|INFO|DEBUG)\b`)
	jsonLikeOpen    = regexp.MustCompile(`^\s*[\{\[]`)
	yamlKeyLine     = regexp.MustCompile(`(?m)^[A-Za-z0-9_.-]+:\s`)
	funcSignature   = regexp.MustCompile(`(?m)^\s*(func\s+\S.*\([^)]*\).*|def\s+\w+\(.*\):|class\s+\w+.*:?)\s*$`)
	importLine      = regexp.MustCompile(`(?m)^\s*(import|from|#include|package)\s.*$`)
	shellPromptLine = regexp.MustCompile(`(?m)^\$\s`)
)

// Summarize detects text's content type and applies the matching
// strategy, producing a bounded-length summary no longer than roughly
// targetLength runes. If targetLength <= 0, defaultTargetLength is used.
func Summarize(text string, targetLength int) string {
	if targetLength <= 0 {
		targetLength = defaultTargetLength
	}
	// boundAndMark may append the marker to text already at targetLength, so
	// a marked output can run up to targetLength plus the marker's length.
	if strings.Contains(text, elidedMarker) && len([]rune(text)) <= targetLength+len([]rune(elidedMarker)) {
		return text
	}

	ct := Detect(text)
	var out string
	switch ct {
	case TypeCode:
		out = summarizeCode(text, targetLength)
	case TypeErrorMessage:
		out = summarizeError(text, targetLength)
	case TypeToolOutput, TypeLogOutput:
		out = summarizeLogLike(text, targetLength, ct)
	case TypeConfiguration:
		out = summarizeConfig(text, targetLength)
	default:
		out = summarizeExtractive(text, targetLength)
	}
	return out
}

// Detect classifies text using first-line pragmas, extension-free content
// shape heuristics, and keyword density, per §4.4.
func Detect(text string) ContentType {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return TypeGeneric
	}
	firstLine := trimmed
	if i := strings.IndexByte(trimmed, '\n'); i >= 0 {
		firstLine = trimmed[:i]
	}

	if tracebackLine.MatchString(firstLine) || (strings.Contains(strings.ToLower(firstLine), "error") && countMatches(tracebackLine, text) > 0) {
		return TypeErrorMessage
	}
	if looksLikeTraceback(text) {
		return TypeErrorMessage
	}
	if jsonLikeOpen.MatchString(trimmed) || looksLikeYAMLConfig(text) {
		return TypeConfiguration
	}
	if codeSignature.MatchString(text) {
		return TypeCode
	}
	if looksLikeLogLines(text) {
		return TypeLogOutput
	}
	if shellPromptLine.MatchString(text) {
		return TypeToolOutput
	}
	if strings.HasPrefix(firstLine, "#") || strings.Count(text, "\n#") > 2 {
		return TypeDocumentation
	}
	if looksConversational(text) {
		return TypeConversation
	}
	return TypeGeneric
}

func countMatches(re *regexp.Regexp, text string) int {
	return len(re.FindAllString(text, -1))
}

func looksLikeTraceback(text string) bool {
	lower := strings.ToLower(text)
	return strings.Contains(lower, "traceback (most recent call last)") ||
		strings.Contains(lower, "panic:") ||
		strings.Contains(lower, "unhandled exception")
}

// looksLikeYAMLConfig needs three top-level "key: " lines; transcript role
// prefixes ("user:", "assistant:") are not counted as keys.
func looksLikeYAMLConfig(text string) bool {
	keys := 0
	for _, m := range yamlKeyLine.FindAllString(text, -1) {
		key := strings.ToLower(strings.TrimSuffix(strings.TrimSpace(m), ":"))
		if key == "user" || key == "assistant" {
			continue
		}
		keys++
	}
	return keys >= 3
}

func looksLikeLogLines(text string) bool {
	lines := strings.Split(text, "\n")
	if len(lines) < 3 {
		return false
	}
	hits := 0
	for _, l := range lines {
		if logSeverity.MatchString(l) {
			hits++
		}
	}
	return hits >= 2
}

func looksConversational(text string) bool {
	lower := strings.ToLower(text)
	return strings.Contains(lower, "user:") || strings.Contains(lower, "assistant:") || strings.Contains(lower, "you said")
}

// summarizeCode keeps imports, declaration signatures, and short
// docstrings/comments, eliding bodies with a line-count annotation, per
// §4.4.
func summarizeCode(text string, targetLength int) string {
	lines := strings.Split(text, "\n")
	var kept []string
	elidedRun := 0

	flushElision := func() {
		if elidedRun > 0 {
			kept = append(kept, elisionLine(elidedRun))
			elidedRun = 0
		}
	}

	for _, line := range lines {
		if importLine.MatchString(line) || funcSignature.MatchString(line) {
			flushElision()
			kept = append(kept, line)
			continue
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "//") || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "\"\"\"") {
			if len(trimmed) <= 120 {
				flushElision()
				kept = append(kept, line)
				continue
			}
		}
		elidedRun++
	}
	flushElision()

	out := strings.Join(kept, "\n")
	return boundAndMark(out, targetLength)
}

func elisionLine(n int) string {
	return "[body elided: " + itoa(n) + " lines]"
}

// summarizeError keeps type, message, and top/bottom traceback frames
// (<=5 each), with file references kept verbatim, per §4.4.
func summarizeError(text string, targetLength int) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	if len(lines) <= 11 {
		return boundAndMark(text, targetLength)
	}

	head := lines[:1]
	frames := lines[1:]
	const cap5 = 5
	var top, bottom []string
	if len(frames) <= 2*cap5 {
		top = frames
	} else {
		top = frames[:cap5]
		bottom = frames[len(frames)-cap5:]
	}

	var b strings.Builder
	for _, l := range head {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	for _, l := range top {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	if len(bottom) > 0 {
		b.WriteString("... [" + itoa(len(frames)-2*cap5) + " frames elided] ...\n")
		for _, l := range bottom {
			b.WriteString(l)
			b.WriteByte('\n')
		}
	}
	return boundAndMark(b.String(), targetLength)
}

// summarizeLogLike groups TOOL_OUTPUT/LOG_OUTPUT lines by severity,
// keeping all ERROR/WARN lines up to a cap and sampling INFO lines, with
// a one-line header, per §4.4.
func summarizeLogLike(text string, targetLength int, ct ContentType) string {
	const errorWarnCap = 200
	const infoSampleEvery = 5

	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var errWarn, infoSampled []string
	total := 0
	kept := 0
	i := 0
	for scanner.Scan() {
		line := scanner.Text()
		total++
		upper := strings.ToUpper(line)
		switch {
		case strings.Contains(upper, "ERROR") || strings.Contains(upper, "WARN"):
			if len(errWarn) < errorWarnCap {
				errWarn = append(errWarn, line)
				kept++
			}
		default:
			if i%infoSampleEvery == 0 {
				infoSampled = append(infoSampled, line)
				kept++
			}
		}
		i++
	}

	header := "[" + string(ct) + " summary: " + itoa(total) + " lines, " + itoa(kept) + " kept]"
	var b strings.Builder
	b.WriteString(header)
	b.WriteByte('\n')
	for _, l := range errWarn {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	for _, l := range infoSampled {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	return boundAndMark(b.String(), targetLength)
}

// summarizeConfig keeps top-level keys with leaf-value previews, eliding
// nested blobs over 200 bytes, per §4.4. Supports YAML/JSON-ish input via
// yaml.v3 (a superset of JSON).
func summarizeConfig(text string, targetLength int) string {
	var doc map[string]any
	if err := yaml.Unmarshal([]byte(text), &doc); err != nil || doc == nil {
		return summarizeExtractive(text, targetLength)
	}

	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(previewValue(doc[k]))
		b.WriteByte('\n')
	}
	return boundAndMark(b.String(), targetLength)
}

const nestedBlobCap = 200

func previewValue(v any) string {
	switch vv := v.(type) {
	case map[string]any, []any:
		encoded, err := yaml.Marshal(vv)
		if err != nil {
			return "<nested>"
		}
		if len(encoded) > nestedBlobCap {
			return "<nested blob, " + itoa(len(encoded)) + " bytes elided>"
		}
		return strings.TrimSpace(string(encoded))
	default:
		s := strings.TrimSpace(toString(vv))
		if len(s) > 80 {
			s = s[:80] + "..."
		}
		return s
	}
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return "null"
	default:
		encoded, err := yaml.Marshal(t)
		if err != nil {
			return ""
		}
		return strings.TrimSpace(string(encoded))
	}
}

// summarizeExtractive handles DOCUMENTATION/CONVERSATION/GENERIC with
// extractive sentence scoring plus a keyword bonus, respecting the target
// length, per §4.4.
func summarizeExtractive(text string, targetLength int) string {
	if len([]rune(text)) <= targetLength {
		return boundAndMark(text, targetLength)
	}

	sentences := splitSentences(text)
	freq := wordFrequency(text)

	type scored struct {
		idx  int
		text string
		score float64
	}
	ranked := make([]scored, 0, len(sentences))
	for i, s := range sentences {
		ranked = append(ranked, scored{idx: i, text: s, score: scoreSentence(s, freq)})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	var chosen []scored
	runeBudget := targetLength
	for _, r := range ranked {
		cost := len([]rune(r.text))
		if cost > runeBudget && len(chosen) > 0 {
			continue
		}
		chosen = append(chosen, r)
		runeBudget -= cost
		if runeBudget <= 0 {
			break
		}
	}
	sort.SliceStable(chosen, func(i, j int) bool { return chosen[i].idx < chosen[j].idx })

	var b strings.Builder
	for _, c := range chosen {
		b.WriteString(c.text)
		b.WriteByte(' ')
	}
	return boundAndMark(strings.TrimSpace(b.String()), targetLength)
}

var sentenceSplit = regexp.MustCompile(`(?s)[^.!?]+[.!?]+`)

func splitSentences(text string) []string {
	matches := sentenceSplit.FindAllString(text, -1)
	if len(matches) == 0 {
		return []string{text}
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		m = strings.TrimSpace(m)
		if m != "" {
			out = append(out, m)
		}
	}
	return out
}

var wordPattern = regexp.MustCompile(`[A-Za-z0-9']+`)

func wordFrequency(text string) map[string]int {
	freq := make(map[string]int)
	for _, w := range wordPattern.FindAllString(strings.ToLower(text), -1) {
		freq[w]++
	}
	return freq
}

func scoreSentence(s string, freq map[string]int) float64 {
	words := wordPattern.FindAllString(strings.ToLower(s), -1)
	if len(words) == 0 {
		return 0
	}
	sum := 0.0
	for _, w := range words {
		sum += float64(freq[w])
	}
	return sum / float64(len(words))
}

// boundAndMark truncates out to targetLength runes if needed and appends
// the idempotence marker.
func boundAndMark(out string, targetLength int) string {
	if strings.Contains(out, elidedMarker) {
		return boundRunes(out, targetLength)
	}
	r := []rune(out)
	if len(r) > targetLength {
		cut := targetLength - len([]rune(elidedMarker))
		if cut < 0 {
			cut = 0
		}
		out = string(r[:cut])
	}
	return out + elidedMarker
}

func boundRunes(s string, targetLength int) string {
	r := []rune(s)
	if len(r) <= targetLength {
		return s
	}
	return string(r[:targetLength])
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
