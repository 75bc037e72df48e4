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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiff3(t *testing.T) {
	const base = "a\nb\nc\nd\ne\n"

	t.Run("non-overlapping edits merge", func(t *testing.T) {
		merged, conflicts := diff3(base, "A\nb\nc\nd\ne\n", "a\nb\nc\nd\nE\n", nil)
		assert.Empty(t, conflicts)
		assert.Equal(t, "A\nb\nc\nd\nE\n", merged)
	})

	t.Run("identical edits agree", func(t *testing.T) {
		merged, conflicts := diff3(base, "a\nB\nc\nd\ne\n", "a\nB\nc\nd\ne\n", nil)
		assert.Empty(t, conflicts)
		assert.Equal(t, "a\nB\nc\nd\ne\n", merged)
	})

	t.Run("one side deletes", func(t *testing.T) {
		merged, conflicts := diff3(base, "a\nc\nd\ne\n", "a\nb\nc\nd\nE\n", nil)
		assert.Empty(t, conflicts)
		assert.Equal(t, "a\nc\nd\nE\n", merged)
	})

	t.Run("overlapping edits conflict and keep main", func(t *testing.T) {
		merged, conflicts := diff3(base, "a\nS\nc\nd\ne\n", "a\nM\nc\nd\ne\n", nil)
		require.Len(t, conflicts, 1)
		assert.Equal(t, "b\n", conflicts[0].base)
		assert.Equal(t, "S\n", conflicts[0].session)
		assert.Equal(t, "M\n", conflicts[0].main)
		assert.Equal(t, "a\nM\nc\nd\ne\n", merged)
	})

	t.Run("prefer session fills conflicts", func(t *testing.T) {
		prefer := "session"
		merged, conflicts := diff3(base, "a\nS\nc\nd\ne\n", "a\nM\nc\nd\nE\n", &prefer)
		require.Len(t, conflicts, 1)
		assert.Equal(t, "a\nS\nc\nd\nE\n", merged)
	})

	t.Run("insertions at the same point conflict", func(t *testing.T) {
		_, conflicts := diff3("a\n", "a\nx\n", "a\ny\n", nil)
		require.Len(t, conflicts, 1)
		assert.Equal(t, "", conflicts[0].base)
	})

	t.Run("adjacent edits stay separate", func(t *testing.T) {
		merged, conflicts := diff3(base, "a\nB\nc\nd\ne\n", "a\nb\nC\nd\ne\n", nil)
		assert.Empty(t, conflicts)
		assert.Equal(t, "a\nB\nC\nd\ne\n", merged)
	})
}

func TestMerge3(t *testing.T) {
	tests := []struct {
		name                string
		base, session, main string
		want                string
		ok                  bool
	}{
		{"unchanged", "x", "x", "x", "x", true},
		{"session only", "x", "s", "x", "s", true},
		{"main only", "x", "x", "m", "m", true},
		{"same change", "x", "y", "y", "y", true},
		{"divergent", "x", "s", "m", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := merge3(tt.base, tt.session, tt.main)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUnifiedDiff(t *testing.T) {
	out, err := unifiedDiff("notes.txt", "a\nb\nc\n", "a\nB\nc\n", 3)
	require.NoError(t, err)
	assert.Contains(t, out, "--- main/notes.txt")
	assert.Contains(t, out, "+++ session/notes.txt")
	assert.Contains(t, out, "@@ -1,3 +1,3 @@")
	assert.Contains(t, out, "-b\n")
	assert.Contains(t, out, "+B\n")

	same, err := unifiedDiff("notes.txt", "a\n", "a\n", 3)
	require.NoError(t, err)
	assert.Empty(t, same)
}

func TestBuildHunks_SplitsDistantChanges(t *testing.T) {
	var a, b []string
	for i := 0; i < 20; i++ {
		a = append(a, "line\n")
		b = append(b, "line\n")
	}
	b[1] = "first\n"
	b[18] = "second\n"
	hunks := buildHunks(a, b, diffLines(a, b), 2)
	require.Len(t, hunks, 2)
	assert.Equal(t, int32(1), hunks[0].OrigStartLine)
}
