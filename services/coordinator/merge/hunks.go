// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package merge

import (
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

// unifiedDiff renders the change from oldText to newText as a unified
// diff with the given context.
func unifiedDiff(name string, oldText, newText string, context int) (string, error) {
	a, b := splitLines(oldText), splitLines(newText)
	hunks := buildHunks(a, b, diffLines(a, b), context)
	if len(hunks) == 0 {
		return "", nil
	}
	out, err := diff.PrintFileDiff(&diff.FileDiff{
		OrigName: "main/" + name,
		NewName:  "session/" + name,
		Hunks:    hunks,
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// buildHunks groups an edit script into hunks, merging changes separated
// by at most 2*context equal lines.
func buildHunks(a, b []string, edits []edit, context int) []*diff.Hunk {
	var hunks []*diff.Hunk
	i := 0
	for i < len(edits) {
		for i < len(edits) && edits[i].kind == opEqual {
			i++
		}
		if i >= len(edits) {
			break
		}
		start := i - context
		if start < 0 {
			start = 0
		}
		end := i
		for end < len(edits) {
			if edits[end].kind != opEqual {
				end++
				continue
			}
			run := end
			for run < len(edits) && edits[run].kind == opEqual {
				run++
			}
			if run == len(edits) || run-end > 2*context {
				end = minInt(end+context, len(edits))
				break
			}
			end = run
		}
		hunks = append(hunks, makeHunk(a, b, edits[start:end]))
		i = end
	}
	return hunks
}

func makeHunk(a, b []string, edits []edit) *diff.Hunk {
	var body strings.Builder
	h := &diff.Hunk{}
	first := edits[0]
	h.OrigStartLine = int32(first.a) + 1
	h.NewStartLine = int32(first.b) + 1
	for _, e := range edits {
		var prefix byte
		var line string
		switch e.kind {
		case opEqual:
			prefix, line = ' ', a[e.a]
			h.OrigLines++
			h.NewLines++
		case opDelete:
			prefix, line = '-', a[e.a]
			h.OrigLines++
		case opInsert:
			prefix, line = '+', b[e.b]
			h.NewLines++
		}
		body.WriteByte(prefix)
		body.WriteString(line)
		if !strings.HasSuffix(line, "\n") {
			body.WriteString("\n")
		}
	}
	if h.OrigLines == 0 {
		h.OrigStartLine--
	}
	if h.NewLines == 0 {
		h.NewStartLine--
	}
	h.Body = []byte(body.String())
	return h
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
