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
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(DefaultConfig())
	require.NoError(t, err)
	return e
}

func v(content string, version uint64) *Version {
	return &Version{Content: []byte(content), Version: version}
}

const parserBase = `package parser

import "strings"

func parse(input string) []string {
	return strings.Fields(input)
}

func count(input string) int {
	return len(parse(input))
}
`

func TestMerge_RenameAndDocComment(t *testing.T) {
	session := strings.Replace(parserBase,
		"func parse(input string) []string {", "func parse_v2(input string) []string {", 1)
	session = strings.Replace(session, "len(parse(input))", "len(parse_v2(input))", 1)

	main := strings.Replace(parserBase,
		"func parse(input string)", "// parse splits input on white space.\nfunc parse(input string)", 1)

	result, err := newTestEngine(t).Merge(context.Background(), Request{
		Strategy: AutoMerge,
		Entities: []Input{{
			EntityID: "f1.go",
			Base:     v(parserBase, 1),
			Session:  v(session, 2),
			Main:     v(main, 2),
		}},
	})
	require.NoError(t, err)
	require.Empty(t, result.Conflicts)
	require.NoError(t, result.Err())
	require.Len(t, result.Entities, 1)

	got := string(result.Entities[0].Content)
	assert.Contains(t, got, "// parse splits input on white space.\nfunc parse_v2(input string) []string {")
	assert.Contains(t, got, "len(parse_v2(input))")
	assert.NotContains(t, got, "func parse(")
	assert.Equal(t, SourceMerged, result.Entities[0].Source)
	assert.Equal(t, uint64(2), result.Entities[0].MainVersion)
}

func TestMerge_SameBodyEditedTwice(t *testing.T) {
	session := strings.Replace(parserBase, "return strings.Fields(input)", "return strings.Split(input, \",\")", 1)
	main := strings.Replace(parserBase, "return strings.Fields(input)", "return strings.Split(input, \";\")", 1)

	result, err := newTestEngine(t).Merge(context.Background(), Request{
		Strategy: AutoMerge,
		Entities: []Input{{
			EntityID: "f1.go",
			Base:     v(parserBase, 1),
			Session:  v(session, 2),
			Main:     v(main, 3),
		}},
	})
	require.NoError(t, err)
	require.Len(t, result.Conflicts, 1)

	c := result.Conflicts[0]
	assert.Equal(t, ModifyModify, c.Kind)
	assert.Equal(t, "function_declaration:parse", c.Region.Unit)
	assert.Contains(t, c.Region.Session, `","`)
	assert.Contains(t, c.Region.Main, `";"`)
	assert.Equal(t, session, string(c.Session))
	assert.Equal(t, main, string(c.Main))
	assert.Equal(t, uint64(1), c.BaseVersion)
	assert.Equal(t, uint64(2), c.SessionVersion)
	assert.Equal(t, uint64(3), c.MainVersion)
	assert.NotEmpty(t, c.Hint)
	assert.Contains(t, c.Diff, "+++ session/f1.go")

	assert.Empty(t, result.Entities)
	assert.Equal(t, 1, result.Rejected)

	err = result.Err()
	require.ErrorIs(t, err, ErrMergeConflict)
	var ce *ConflictError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, []ConflictKind{ModifyModify}, ce.Kinds())
}

func TestMerge_DifferentUnitsMergeCleanly(t *testing.T) {
	session := strings.Replace(parserBase, "return strings.Fields(input)", "return strings.Fields(strings.TrimSpace(input))", 1)
	main := strings.Replace(parserBase, "return len(parse(input))", "return len(parse(input)) + 0", 1)
	main += "\nfunc extra() {}\n"

	result, err := newTestEngine(t).Merge(context.Background(), Request{
		Entities: []Input{{EntityID: "f1.go", Base: v(parserBase, 1), Session: v(session, 2), Main: v(main, 2)}},
	})
	require.NoError(t, err)
	assert.Empty(t, result.Conflicts)
	require.Len(t, result.Entities, 1)

	got := string(result.Entities[0].Content)
	assert.Contains(t, got, "strings.TrimSpace(input)")
	assert.Contains(t, got, "len(parse(input)) + 0")
	assert.Contains(t, got, "func extra() {}")
}

func TestMerge_ImportBlocksMergeByLine(t *testing.T) {
	base := "package p\n\nimport (\n\t\"fmt\"\n\t\"os\"\n)\n"
	session := "package p\n\nimport (\n\t\"bytes\"\n\t\"fmt\"\n\t\"os\"\n)\n"
	main := "package p\n\nimport (\n\t\"fmt\"\n\t\"os\"\n\t\"strings\"\n)\n"

	result, err := newTestEngine(t).Merge(context.Background(), Request{
		Entities: []Input{{EntityID: "p.go", Base: v(base, 1), Session: v(session, 2), Main: v(main, 2)}},
	})
	require.NoError(t, err)
	assert.Empty(t, result.Conflicts)
	require.Len(t, result.Entities, 1)
	assert.Equal(t, "package p\n\nimport (\n\t\"bytes\"\n\t\"fmt\"\n\t\"os\"\n\t\"strings\"\n)\n",
		string(result.Entities[0].Content))
}

func TestMerge_SignatureVersusBodyIsSemantic(t *testing.T) {
	session := strings.Replace(parserBase, "func parse(input string) []string {", "func parse(input, sep string) []string {", 1)
	main := strings.Replace(parserBase, "return strings.Fields(input)", "return strings.Fields(strings.ToLower(input))", 1)

	result, err := newTestEngine(t).Merge(context.Background(), Request{
		Entities: []Input{{EntityID: "f1.go", Base: v(parserBase, 1), Session: v(session, 2), Main: v(main, 2)}},
	})
	require.NoError(t, err)
	require.Len(t, result.Conflicts, 1)
	assert.Equal(t, Semantic, result.Conflicts[0].Kind)
}

func TestMerge_EntityLevelOutcomes(t *testing.T) {
	tests := []struct {
		name      string
		in        Input
		wantKind  ConflictKind
		applied   int
		unchanged int
		content   string
		deleted   bool
	}{
		{
			name:      "session unchanged",
			in:        Input{EntityID: "k", Base: v("a", 1), Session: v("a", 1), Main: v("b", 2)},
			unchanged: 1,
		},
		{
			name:    "only session changed",
			in:      Input{EntityID: "k", Base: v("a", 1), Session: v("s", 2), Main: v("a", 1)},
			applied: 1,
			content: "s",
		},
		{
			name:    "session deleted, main untouched",
			in:      Input{EntityID: "k", Base: v("a", 1), Main: v("a", 1)},
			applied: 1,
			deleted: true,
		},
		{
			name:      "identical changes",
			in:        Input{EntityID: "k", Base: v("a", 1), Session: v("z", 2), Main: v("z", 2)},
			unchanged: 1,
		},
		{
			name:    "session created",
			in:      Input{EntityID: "k", Session: v("new", 1)},
			applied: 1,
			content: "new",
		},
		{
			name:     "add add",
			in:       Input{EntityID: "k", Session: v("one", 1), Main: v("two", 1)},
			wantKind: AddAdd,
		},
		{
			name:     "session deleted, main modified",
			in:       Input{EntityID: "k", Base: v("a", 1), Main: v("b", 2)},
			wantKind: DeleteModify,
		},
		{
			name:     "session modified, main deleted",
			in:       Input{EntityID: "k", Base: v("a", 1), Session: v("s", 2)},
			wantKind: DeleteModify,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := newTestEngine(t).Merge(context.Background(), Request{Entities: []Input{tt.in}})
			require.NoError(t, err)
			if tt.wantKind != 0 {
				require.Len(t, result.Conflicts, 1)
				assert.Equal(t, tt.wantKind, result.Conflicts[0].Kind)
				assert.Equal(t, tt.wantKind.hint(), result.Conflicts[0].Hint)
				assert.Equal(t, 1, result.Rejected)
				assert.Empty(t, result.Entities)
				return
			}
			assert.Empty(t, result.Conflicts)
			assert.Equal(t, tt.applied, result.Applied)
			assert.Equal(t, tt.unchanged, result.Unchanged)
			if tt.applied > 0 {
				assert.Equal(t, tt.content, string(result.Entities[0].Content))
				assert.Equal(t, tt.deleted, result.Entities[0].Deleted)
			}
		})
	}
}

func TestMerge_EmptyChangeSet(t *testing.T) {
	result, err := newTestEngine(t).Merge(context.Background(), Request{Strategy: AutoMerge})
	require.NoError(t, err)
	assert.Empty(t, result.Entities)
	assert.Empty(t, result.Conflicts)
	assert.Zero(t, result.Applied)
	assert.NoError(t, result.Err())
}

func TestMerge_Strategies(t *testing.T) {
	base := "title\nbody\nfooter\n"
	in := Input{EntityID: "notes/today.txt", Base: v(base, 1), Session: v("title\nsession body\nfooter\n", 2), Main: v("title\nmain body\nfooter\n", 2)}

	t.Run("prefer session", func(t *testing.T) {
		result, err := newTestEngine(t).Merge(context.Background(), Request{Strategy: PreferSession, Entities: []Input{in}})
		require.NoError(t, err)
		require.Len(t, result.Conflicts, 1)
		assert.Equal(t, "prefer_session", result.Conflicts[0].ResolvedBy)
		assert.NoError(t, result.Err())
		require.Len(t, result.Entities, 1)
		assert.Equal(t, "title\nsession body\nfooter\n", string(result.Entities[0].Content))
	})

	t.Run("prefer main", func(t *testing.T) {
		result, err := newTestEngine(t).Merge(context.Background(), Request{Strategy: PreferMain, Entities: []Input{in}})
		require.NoError(t, err)
		require.Len(t, result.Conflicts, 1)
		assert.True(t, result.Conflicts[0].Resolved())
		assert.Empty(t, result.Entities, "main already holds the preferred content")
		assert.Equal(t, 1, result.Unchanged)
	})

	t.Run("manual holds clean merges", func(t *testing.T) {
		clean := Input{EntityID: "notes/today.txt", Base: v(base, 1), Session: v("TITLE\nbody\nfooter\n", 2), Main: v("title\nbody\nFOOTER\n", 2)}
		result, err := newTestEngine(t).Merge(context.Background(), Request{Strategy: Manual, Entities: []Input{clean}})
		require.NoError(t, err)
		require.Len(t, result.Conflicts, 1)
		assert.Equal(t, "TITLE\nbody\nFOOTER\n", string(result.Conflicts[0].Proposed))
		assert.Empty(t, result.Entities)
		assert.ErrorIs(t, result.Err(), ErrMergeConflict)
	})

	t.Run("prefer session deletes", func(t *testing.T) {
		del := Input{EntityID: "k", Base: v("a", 1), Main: v("b", 2)}
		result, err := newTestEngine(t).Merge(context.Background(), Request{Strategy: PreferSession, Entities: []Input{del}})
		require.NoError(t, err)
		require.Len(t, result.Entities, 1)
		assert.True(t, result.Entities[0].Deleted)
	})

	t.Run("unknown strategy", func(t *testing.T) {
		_, err := newTestEngine(t).Merge(context.Background(), Request{Strategy: Strategy(42)})
		assert.ErrorIs(t, err, ErrUnknownStrategy)
	})
}

func TestMerge_UnparsableSourceFallsBackToLines(t *testing.T) {
	base := "package p\n\nfunc a() {\n"
	session := "package q\n\nfunc a() {\n"
	main := "package p\n\nfunc a() {\n// note\n"

	result, err := newTestEngine(t).Merge(context.Background(), Request{
		Entities: []Input{{EntityID: "broken.go", Base: v(base, 1), Session: v(session, 2), Main: v(main, 2)}},
	})
	require.NoError(t, err)
	assert.Empty(t, result.Conflicts)
	require.Len(t, result.Entities, 1)
	assert.Equal(t, "package q\n\nfunc a() {\n// note\n", string(result.Entities[0].Content))
}

func TestMerge_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestEngine(t).Merge(ctx, Request{Entities: []Input{{EntityID: "k", Session: v("x", 1)}}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestResolve(t *testing.T) {
	e := newTestEngine(t)
	result, err := e.Merge(context.Background(), Request{
		Strategy: Manual,
		Entities: []Input{
			{EntityID: "a", Session: v("one", 1), Main: v("two", 1)},
			{EntityID: "b", Base: v("x", 1), Main: v("y", 2)},
			{EntityID: "c", Base: v("x", 1), Session: v("s", 2), Main: v("m", 2)},
		},
	})
	require.NoError(t, err)
	require.Len(t, result.Conflicts, 3)

	t.Run("missing resolution", func(t *testing.T) {
		_, err := e.Resolve(context.Background(), result.Conflicts, []Resolution{{EntityID: "a", Choice: TakeSession}})
		assert.ErrorIs(t, err, ErrUnresolved)
	})

	t.Run("all resolved", func(t *testing.T) {
		entities, err := e.Resolve(context.Background(), result.Conflicts, []Resolution{
			{EntityID: "a", Choice: TakeSession},
			{EntityID: "b", Choice: TakeSession},
			{EntityID: "c", Choice: Custom, Content: []byte("custom")},
		})
		require.NoError(t, err)
		require.Len(t, entities, 3)
		assert.Equal(t, "one", string(entities[0].Content))
		assert.True(t, entities[1].Deleted, "b was deleted in the session")
		assert.Equal(t, "custom", string(entities[2].Content))
		for _, ent := range entities {
			assert.Equal(t, SourceResolution, ent.Source)
		}
	})

	t.Run("take main", func(t *testing.T) {
		entities, err := e.Resolve(context.Background(), result.Conflicts, []Resolution{
			{EntityID: "a", Choice: TakeMain},
			{EntityID: "b", Choice: TakeMain},
			{EntityID: "c", Choice: TakeMain},
		})
		require.NoError(t, err)
		assert.Equal(t, "two", string(entities[0].Content))
		assert.Equal(t, "y", string(entities[1].Content))
		assert.False(t, entities[1].Deleted)
	})

	t.Run("resolution without conflict", func(t *testing.T) {
		_, err := e.Resolve(context.Background(), result.Conflicts, []Resolution{
			{EntityID: "a", Choice: TakeMain},
			{EntityID: "b", Choice: TakeMain},
			{EntityID: "c", Choice: TakeMain},
			{EntityID: "zzz", Choice: TakeMain},
		})
		assert.Error(t, err)
	})
}
