// Copyright (C) 2026 Quill Review (oss@quillreview.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package diffx extracts bounded-context changed hunks from unified
// diff text.
//
// Two parsing paths produce the same ChangedHunk shape so downstream
// code is parser-agnostic:
//
//   - Primary: the unified-diff grammar via sourcegraph/go-diff.
//   - Fallback: a lenient line-oriented scanner for inputs the grammar
//     rejects (inconsistent hunk counts from synthetically generated
//     diffs and similar).
//
// The extractor never fails on malformed input. It degrades to the
// fallback scanner or returns an empty hunk set.
package diffx

import "strings"

const (
	// DefaultContextWindow is the number of unchanged lines retained
	// immediately before and after each hunk's changed lines.
	DefaultContextWindow = 3

	// DefaultMaxHunkLines is the per-hunk line cap. Hunks beyond this
	// are truncated rather than rejected.
	DefaultMaxHunkLines = 400

	// MaxItemCost is the ceiling for a single hunk's cost estimate.
	MaxItemCost = 500
)

// ChangedHunk is one contiguous block of changed lines with a bounded
// window of surrounding context.
//
// A ChangedHunk is only emitted when it contains at least one added or
// removed line. Fully-unchanged hunks are dropped during extraction.
type ChangedHunk struct {
	// FilePath is the repository-relative path, with any a/ or b/
	// git prefix stripped.
	FilePath string `json:"file_path"`

	// OldStartLine is the 1-based line number of the first retained
	// line in the original file.
	OldStartLine int `json:"old_start_line"`

	// NewStartLine is the 1-based line number of the first retained
	// line in the new file.
	NewStartLine int `json:"new_start_line"`

	// ContextBefore holds up to the context window of unchanged lines
	// preceding the first change.
	ContextBefore []string `json:"context_before,omitempty"`

	// Removed holds lines deleted by this hunk, without the '-' prefix.
	Removed []string `json:"removed,omitempty"`

	// Added holds lines introduced by this hunk, without the '+' prefix.
	Added []string `json:"added,omitempty"`

	// ContextAfter holds up to the context window of unchanged lines
	// following the last change.
	ContextAfter []string `json:"context_after,omitempty"`
}

// HasChanges reports whether the hunk contains at least one added or
// removed line.
func (h ChangedHunk) HasChanges() bool {
	return len(h.Added) > 0 || len(h.Removed) > 0
}

// TotalLines returns the number of retained lines across all buckets.
func (h ChangedHunk) TotalLines() int {
	return len(h.ContextBefore) + len(h.Removed) + len(h.Added) + len(h.ContextAfter)
}

// stripGitPrefix removes the a/ or b/ prefix git places on diff paths.
func stripGitPrefix(path string) string {
	path = strings.TrimPrefix(path, "a/")
	path = strings.TrimPrefix(path, "b/")
	return path
}
