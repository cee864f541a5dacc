// Copyright (C) 2026 Quill Review (oss@quillreview.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package diffx

import (
	"bufio"
	"strconv"
	"strings"
)

// parseFallback is the lenient degrade path for input the primary
// grammar rejects. It reconstructs file boundaries from diff --git,
// +++ and @@ markers and buckets lines with the same bounded-context
// policy as the primary path.
//
// The fallback is best-effort only. It tolerates hunk headers whose
// declared counts disagree with the body, which is the common failure
// mode of synthetically generated diffs.
func (e *Extractor) parseFallback(diffText string) []ChangedHunk {
	var out []ChangedHunk

	var (
		currentFile string
		oldStart    int
		newStart    int
		body        []string
		inHunk      bool
	)

	flush := func() {
		if !inHunk || currentFile == "" {
			body = nil
			inHunk = false
			return
		}
		classified := e.classify(currentFile, body)
		out = append(out, e.bucket(currentFile, oldStart, newStart, classified)...)
		body = nil
		inHunk = false
	}

	scanner := bufio.NewScanner(strings.NewReader(diffText))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case strings.HasPrefix(line, "diff --git "):
			flush()
			currentFile = parseGitHeaderPath(line)

		case strings.HasPrefix(line, "+++ "):
			flush()
			path := strings.TrimSpace(strings.TrimPrefix(line, "+++ "))
			if path != "/dev/null" {
				currentFile = stripGitPrefix(path)
			}

		case strings.HasPrefix(line, "--- "):
			flush()
			if currentFile == "" {
				path := strings.TrimSpace(strings.TrimPrefix(line, "--- "))
				if path != "/dev/null" {
					currentFile = stripGitPrefix(path)
				}
			}

		case strings.HasPrefix(line, "@@"):
			flush()
			oldStart, newStart = parseHunkHeader(line)
			inHunk = true

		case strings.HasPrefix(line, "index ") ||
			strings.HasPrefix(line, "new file mode") ||
			strings.HasPrefix(line, "deleted file mode") ||
			strings.HasPrefix(line, "old mode") ||
			strings.HasPrefix(line, "new mode") ||
			strings.HasPrefix(line, "similarity index") ||
			strings.HasPrefix(line, "rename from") ||
			strings.HasPrefix(line, "rename to") ||
			strings.HasPrefix(line, "Binary files"):
			// Git metadata lines between file header and hunks.

		default:
			if inHunk {
				body = append(body, line)
			}
		}
	}
	flush()

	if err := scanner.Err(); err != nil {
		e.logger.Error("fallback diff scan aborted", "error", err)
	}
	return out
}

// parseGitHeaderPath extracts the new-side path from a
// "diff --git a/x b/y" line.
func parseGitHeaderPath(line string) string {
	fields := strings.Fields(line)
	if len(fields) < 4 {
		return ""
	}
	return stripGitPrefix(fields[3])
}

// parseHunkHeader parses "@@ -a,b +c,d @@" leniently, returning the
// old and new start lines. Unparseable headers yield 1,1 so the hunk
// is still captured.
func parseHunkHeader(line string) (oldStart, newStart int) {
	oldStart, newStart = 1, 1
	fields := strings.Fields(line)
	for _, f := range fields {
		switch {
		case strings.HasPrefix(f, "-"):
			if n, ok := parseRangeStart(f[1:]); ok {
				oldStart = n
			}
		case strings.HasPrefix(f, "+"):
			if n, ok := parseRangeStart(f[1:]); ok {
				newStart = n
			}
		}
	}
	return oldStart, newStart
}

// parseRangeStart parses the "a" of an "a,b" or bare "a" range.
func parseRangeStart(s string) (int, bool) {
	if i := strings.IndexByte(s, ','); i >= 0 {
		s = s[:i]
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
