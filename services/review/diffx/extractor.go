// Copyright (C) 2026 Quill Review (oss@quillreview.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package diffx

import (
	"log/slog"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

// ExtractorConfig configures hunk extraction limits.
type ExtractorConfig struct {
	// ContextWindow is the number of unchanged lines kept before and
	// after each hunk's changes. Default: 3.
	ContextWindow int

	// MaxHunkLines caps the number of body lines considered per hunk.
	// Pathological hunks are truncated, not rejected. Default: 400.
	MaxHunkLines int
}

// DefaultExtractorConfig returns sensible extraction defaults.
func DefaultExtractorConfig() ExtractorConfig {
	return ExtractorConfig{
		ContextWindow: DefaultContextWindow,
		MaxHunkLines:  DefaultMaxHunkLines,
	}
}

// Extractor turns unified-diff text into bounded-context ChangedHunks.
//
// Parsing is deterministic and side-effect-free beyond logging.
//
// Thread Safety: Safe for concurrent use. The extractor holds no
// per-call state.
type Extractor struct {
	config ExtractorConfig
	logger *slog.Logger
}

// NewExtractor creates an Extractor with the given configuration.
//
// Inputs:
//   - config: Extraction limits. Non-positive fields fall back to the
//     package defaults.
//   - logger: Logger for degradation events. Must not be nil.
//
// Outputs:
//   - *Extractor: Ready-to-use extractor.
func NewExtractor(config ExtractorConfig, logger *slog.Logger) *Extractor {
	if config.ContextWindow <= 0 {
		config.ContextWindow = DefaultContextWindow
	}
	if config.MaxHunkLines <= 0 {
		config.MaxHunkLines = DefaultMaxHunkLines
	}
	return &Extractor{config: config, logger: logger}
}

// Parse extracts ChangedHunks from unified diff text.
//
// The primary grammar parser is authoritative. When it rejects the
// input the lenient fallback scanner takes over; both paths apply the
// identical bounded-context policy. Parse never returns an error:
// unusable input yields an empty slice.
//
// Inputs:
//   - diffText: Unified diff text, one or more files.
//
// Outputs:
//   - []ChangedHunk: Hunks containing at least one changed line.
func (e *Extractor) Parse(diffText string) []ChangedHunk {
	if strings.TrimSpace(diffText) == "" {
		return nil
	}

	hunks, err := e.parsePrimary(diffText)
	if err != nil {
		e.logger.Warn("primary diff grammar rejected input, using fallback scanner",
			"error", err,
		)
		return e.parseFallback(diffText)
	}
	return hunks
}

// EstimateCost returns a line-count-based cost estimate for a set of
// hunks. Each hunk's contribution is clamped to MaxItemCost. The
// estimate drives dispatch strategy selection only, never correctness.
func (e *Extractor) EstimateCost(hunks []ChangedHunk) int {
	total := 0
	for _, h := range hunks {
		cost := h.TotalLines()
		if cost > MaxItemCost {
			cost = MaxItemCost
		}
		total += cost
	}
	return total
}

// parsePrimary parses via the go-diff unified-diff grammar.
func (e *Extractor) parsePrimary(diffText string) ([]ChangedHunk, error) {
	fileDiffs, err := diff.NewMultiFileDiffReader(strings.NewReader(diffText)).ReadAllFiles()
	if err != nil {
		return nil, err
	}

	var out []ChangedHunk
	for _, fd := range fileDiffs {
		path := fd.NewName
		if path == "" || path == "/dev/null" {
			path = fd.OrigName
		}
		path = stripGitPrefix(path)

		for _, hunk := range fd.Hunks {
			lines := splitHunkBody(string(hunk.Body))
			classified := e.classify(path, lines)
			out = append(out, e.bucket(path, int(hunk.OrigStartLine), int(hunk.NewStartLine), classified)...)
		}
	}
	return out, nil
}

// lineKind classifies a single hunk body line.
type lineKind int

const (
	lineContext lineKind = iota
	lineAdded
	lineRemoved
)

// bodyLine is one classified hunk body line, prefix stripped.
type bodyLine struct {
	kind lineKind
	text string
}

// splitHunkBody splits a hunk body into raw lines, dropping a single
// trailing newline so the last line is not an empty phantom.
func splitHunkBody(body string) []string {
	body = strings.TrimSuffix(body, "\n")
	if body == "" {
		return nil
	}
	return strings.Split(body, "\n")
}

// classify maps raw hunk body lines to classified lines, applying the
// per-hunk truncation cap. "\ No newline at end of file" markers are
// skipped.
func (e *Extractor) classify(path string, raw []string) []bodyLine {
	if len(raw) > e.config.MaxHunkLines {
		e.logger.Warn("hunk exceeds line cap, truncating",
			"file", path,
			"lines", len(raw),
			"cap", e.config.MaxHunkLines,
		)
		raw = raw[:e.config.MaxHunkLines]
	}

	classified := make([]bodyLine, 0, len(raw))
	for _, line := range raw {
		switch {
		case strings.HasPrefix(line, "\\"):
			continue
		case strings.HasPrefix(line, "+"):
			classified = append(classified, bodyLine{lineAdded, line[1:]})
		case strings.HasPrefix(line, "-"):
			classified = append(classified, bodyLine{lineRemoved, line[1:]})
		case strings.HasPrefix(line, " "):
			classified = append(classified, bodyLine{lineContext, line[1:]})
		default:
			// Context line missing its leading space. Some generators
			// emit these; treat as context.
			classified = append(classified, bodyLine{lineContext, line})
		}
	}
	return classified
}

// bucket applies the bounded-context policy to classified lines,
// producing one ChangedHunk per contiguous change run. Both the
// primary and fallback paths call this so they cannot diverge on
// context handling.
//
// Runs separated by more than twice the window stay separate, each
// with its own surrounding context; closer runs merge so their windows
// never overlap. Context beyond a run's window is dropped and start
// lines advance past it.
func (e *Extractor) bucket(path string, oldStart, newStart int, lines []bodyLine) []ChangedHunk {
	window := e.config.ContextWindow

	type span struct{ first, last int }
	var runs []span
	for i, l := range lines {
		if l.kind == lineContext {
			continue
		}
		if len(runs) > 0 && i-runs[len(runs)-1].last-1 <= 2*window {
			runs[len(runs)-1].last = i
		} else {
			runs = append(runs, span{first: i, last: i})
		}
	}
	if len(runs) == 0 {
		// Fully-unchanged hunk: dropped.
		return nil
	}

	// Prefix counts of old-side and new-side lines, so each run's
	// start lines can be derived from the hunk header. Added lines do
	// not advance the old side, removed lines not the new side.
	oldBefore := make([]int, len(lines)+1)
	newBefore := make([]int, len(lines)+1)
	for i, l := range lines {
		oldBefore[i+1] = oldBefore[i]
		newBefore[i+1] = newBefore[i]
		if l.kind != lineAdded {
			oldBefore[i+1]++
		}
		if l.kind != lineRemoved {
			newBefore[i+1]++
		}
	}

	out := make([]ChangedHunk, 0, len(runs))
	for _, run := range runs {
		beforeStart := run.first - window
		if beforeStart < 0 {
			beforeStart = 0
		}

		ch := ChangedHunk{
			FilePath:     path,
			OldStartLine: oldStart + oldBefore[beforeStart],
			NewStartLine: newStart + newBefore[beforeStart],
		}
		for _, l := range lines[beforeStart:run.first] {
			ch.ContextBefore = append(ch.ContextBefore, l.text)
		}
		for _, l := range lines[run.first : run.last+1] {
			switch l.kind {
			case lineAdded:
				ch.Added = append(ch.Added, l.text)
			case lineRemoved:
				ch.Removed = append(ch.Removed, l.text)
			}
		}
		for _, l := range lines[run.last+1:] {
			if len(ch.ContextAfter) >= window {
				break
			}
			if l.kind == lineContext {
				ch.ContextAfter = append(ch.ContextAfter, l.text)
			}
		}
		out = append(out, ch)
	}
	return out
}
