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

	"github.com/sergi/go-diff/diffmatchpatch"
)

type opKind uint8

const (
	opEqual opKind = iota
	opDelete
	opInsert
)

// edit is one step of a line edit script. a indexes the old lines and b
// the new lines; for a delete b is the insertion point and vice versa.
type edit struct {
	kind opKind
	a, b int
}

// lineDiffer has no deadline so scripts are minimal and merges are
// deterministic. It holds only settings and is shared.
var lineDiffer = func() *diffmatchpatch.DiffMatchPatch {
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0
	return dmp
}()

// splitLines splits s after every newline, keeping terminators so that
// joining the pieces reproduces s exactly.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// diffLines computes a shortest line edit script from a to b. Each line is
// reduced to one character and the character diff runs in linear space.
func diffLines(a, b []string) []edit {
	if len(a)+len(b) == 0 {
		return nil
	}
	ca, cb, table := lineDiffer.DiffLinesToChars(strings.Join(a, ""), strings.Join(b, ""))
	diffs := lineDiffer.DiffCharsToLines(lineDiffer.DiffMain(ca, cb, false), table)

	out := make([]edit, 0, len(a)+len(b))
	x, y := 0, 0
	for _, d := range diffs {
		n := len(splitLines(d.Text))
		for i := 0; i < n; i++ {
			switch d.Type {
			case diffmatchpatch.DiffEqual:
				out = append(out, edit{kind: opEqual, a: x, b: y})
				x++
				y++
			case diffmatchpatch.DiffDelete:
				out = append(out, edit{kind: opDelete, a: x, b: y})
				x++
			case diffmatchpatch.DiffInsert:
				out = append(out, edit{kind: opInsert, a: x, b: y})
				y++
			}
		}
	}
	return out
}

// change replaces base[start:end] with lines.
type change struct {
	start, end int
	lines      []string
}

// changesAgainst returns the changes that turn base into side, in base
// order.
func changesAgainst(base, side []string) []change {
	var out []change
	var cur *change
	flush := func() {
		if cur != nil {
			out = append(out, *cur)
			cur = nil
		}
	}
	for _, e := range diffLines(base, side) {
		switch e.kind {
		case opEqual:
			flush()
		case opDelete:
			if cur == nil {
				cur = &change{start: e.a, end: e.a}
			}
			cur.end = e.a + 1
		case opInsert:
			if cur == nil {
				cur = &change{start: e.a, end: e.a}
			}
			cur.lines = append(cur.lines, side[e.b])
		}
	}
	flush()
	return out
}
