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
	"fmt"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// applyEdits rebuilds b from a and an edit script.
func applyEdits(a, b []string, edits []edit) []string {
	var out []string
	for _, e := range edits {
		switch e.kind {
		case opEqual:
			out = append(out, a[e.a])
		case opInsert:
			out = append(out, b[e.b])
		}
	}
	return out
}

func TestDiffLines(t *testing.T) {
	tests := []struct {
		name string
		a, b string
	}{
		{"both empty", "", ""},
		{"insert into empty", "", "x\ny\n"},
		{"delete all", "x\ny\n", ""},
		{"identical", "a\nb\nc\n", "a\nb\nc\n"},
		{"replace middle", "a\nb\nc\n", "a\nB\nc\n"},
		{"prepend and append", "b\n", "a\nb\nc\n"},
		{"no trailing newline", "a\nb", "a\nc"},
		{"interleaved", "a\nb\nc\nd\ne\n", "b\nx\nc\ne\ny\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, b := splitLines(tt.a), splitLines(tt.b)
			edits := diffLines(a, b)
			assert.Equal(t, strings.Join(b, ""), strings.Join(applyEdits(a, b, edits), ""))

			equal := 0
			for _, e := range edits {
				if e.kind == opEqual {
					equal++
				}
			}
			// The script is a shortest one: every non-equal edit touches
			// exactly one line.
			assert.Equal(t, len(a)+len(b)-2*equal, len(edits)-equal)
		})
	}
}

func TestSplitLines_KeepsTerminators(t *testing.T) {
	assert.Nil(t, splitLines(""))
	assert.Equal(t, []string{"a\n", "b"}, splitLines("a\nb"))
	assert.Equal(t, []string{"a\n", "b\n"}, splitLines("a\nb\n"))
}

func TestChangesAgainst(t *testing.T) {
	base := splitLines("a\nb\nc\nd\n")

	t.Run("replace", func(t *testing.T) {
		cs := changesAgainst(base, splitLines("a\nB\nc\nd\n"))
		require.Len(t, cs, 1)
		assert.Equal(t, 1, cs[0].start)
		assert.Equal(t, 2, cs[0].end)
		assert.Equal(t, []string{"B\n"}, cs[0].lines)
	})

	t.Run("pure insert", func(t *testing.T) {
		cs := changesAgainst(base, splitLines("a\nb\nx\nc\nd\n"))
		require.Len(t, cs, 1)
		assert.Equal(t, 2, cs[0].start)
		assert.Equal(t, 2, cs[0].end)
	})

	t.Run("two separate changes", func(t *testing.T) {
		cs := changesAgainst(base, splitLines("b\nc\nD\n"))
		require.Len(t, cs, 2)
		assert.Equal(t, change{start: 0, end: 1}, cs[0])
		assert.Equal(t, 3, cs[1].start)
	})
}

// bigFile returns n numbered lines; lines listed in edit are replaced.
func bigFile(n int, edit map[int]string) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		if line, ok := edit[i]; ok {
			b.WriteString(line)
		} else {
			fmt.Fprintf(&b, "\tvalue_%05d := compute(%d)\n", i, i)
		}
	}
	return b.String()
}

func TestDiff3_LargeInputStaysWithinMemoryBudget(t *testing.T) {
	const lines = 4000
	sessionEdits := map[int]string{}
	mainEdits := map[int]string{}
	for i := 0; i < lines; i += 7 {
		sessionEdits[i] = fmt.Sprintf("\tsession_%05d()\n", i)
	}
	for i := 3; i < lines; i += 7 {
		mainEdits[i] = fmt.Sprintf("\tmain_%05d()\n", i)
	}
	base := bigFile(lines, nil)
	session := bigFile(lines, sessionEdits)
	main := bigFile(lines, mainEdits)
	both := map[int]string{}
	for k, v := range sessionEdits {
		both[k] = v
	}
	for k, v := range mainEdits {
		both[k] = v
	}

	var before, after runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)
	merged, conflicts := diff3(base, session, main, nil)
	runtime.ReadMemStats(&after)

	assert.Empty(t, conflicts)
	assert.Equal(t, bigFile(lines, both), merged)
	allocated := after.TotalAlloc - before.TotalAlloc
	assert.Less(t, allocated, uint64(32<<20), "allocated %d MiB", allocated>>20)
}

func TestDiffLines_DisjointInputs(t *testing.T) {
	a := splitLines(bigFile(2000, nil))
	var b []string
	for i := 0; i < 2000; i++ {
		b = append(b, fmt.Sprintf("other_%05d\n", i))
	}
	edits := diffLines(a, b)
	assert.Equal(t, strings.Join(b, ""), strings.Join(applyEdits(a, b, edits), ""))
	assert.Len(t, edits, 4000)
}
