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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const goSource = `package demo

import "fmt"

// Greeter says hello.
type Greeter struct {
	// Name is who to greet.
	Name  string
	Count int // times
}

// Greet prints a greeting.
func (g *Greeter) Greet() {
	fmt.Println("hello", g.Name)
}

// standalone note

func helper() int { return 1 }
`

func keysOf(units []*unit) []string {
	out := make([]string, 0, len(units))
	for _, u := range units {
		out = append(out, u.key)
	}
	return out
}

func TestParseUnits_Go(t *testing.T) {
	lang, name := languageFor("pkg/demo.go", "")
	require.NotNil(t, lang)
	assert.Equal(t, "go", name)

	root, err := parseUnits(context.Background(), lang, []byte(goSource))
	require.NoError(t, err)

	assert.Equal(t, goSource, root.render(), "rendering must reproduce the source")

	keys := keysOf(root.children)
	require.Len(t, keys, 6)
	assert.Equal(t, "package_clause#0", keys[0])
	assert.Equal(t, "import_declaration#0", keys[1])
	assert.Equal(t, "type_declaration:Greeter", keys[2])
	assert.Equal(t, "method_declaration:(Greeter).Greet", keys[3])
	assert.True(t, strings.HasPrefix(keys[4], "comment#"))
	assert.Equal(t, "function_declaration:helper", keys[5])

	t.Run("doc comments attach", func(t *testing.T) {
		assert.Equal(t, "// Greeter says hello.\n", root.children[2].doc)
		assert.Equal(t, "// Greet prints a greeting.\n", root.children[3].doc)
		assert.Empty(t, root.children[5].doc, "a blank line detaches the comment")
	})

	t.Run("struct fields are members", func(t *testing.T) {
		greeter := root.children[2]
		require.True(t, greeter.container)
		assert.Equal(t, []string{"field_declaration:Name", "field_declaration:Count"}, keysOf(greeter.children))
		assert.Equal(t, "// Name is who to greet.\n\t", greeter.children[0].doc)
		assert.Equal(t, "\n\t", greeter.children[0].lead)
		assert.Contains(t, greeter.children[1].code, "// times", "trailing comment stays on its line")
	})

	t.Run("signature and body split", func(t *testing.T) {
		greet := root.children[3]
		assert.Equal(t, "func (g *Greeter) Greet() ", greet.sig)
		assert.True(t, strings.HasPrefix(greet.bodyText(), "{"))
	})
}

func TestParseUnits_RejectsSyntaxErrors(t *testing.T) {
	lang, _ := languageFor("broken.go", "")
	_, err := parseUnits(context.Background(), lang, []byte("package p\n\nfunc broken( {\n"))
	assert.ErrorIs(t, err, errUnparsable)
}

func TestParseUnits_Python(t *testing.T) {
	src := `import os


def load(path):
    return open(path).read()


class Store:
    def get(self, key):
        return key

    def put(self, key, value):
        pass
`
	lang, name := languageFor("store.py", "")
	require.NotNil(t, lang)
	assert.Equal(t, "python", name)

	root, err := parseUnits(context.Background(), lang, []byte(src))
	require.NoError(t, err)
	assert.Equal(t, src, root.render())
	assert.Equal(t, []string{
		"import_statement:import os",
		"function_definition:load",
		"class_definition:Store",
	}, keysOf(root.children))

	store := root.children[2]
	require.True(t, store.container)
	assert.Equal(t, []string{"function_definition:get", "function_definition:put"}, keysOf(store.children))
}

func TestParseUnits_TypeScript(t *testing.T) {
	src := `export function add(a: number, b: number): number {
  return a + b;
}

class Counter {
  count = 0;
  inc(): void {
    this.count++;
  }
}
`
	lang, _ := languageFor("math.ts", "")
	require.NotNil(t, lang)
	root, err := parseUnits(context.Background(), lang, []byte(src))
	require.NoError(t, err)
	assert.Equal(t, src, root.render())
	require.Len(t, root.children, 2)
	assert.Equal(t, "export_statement:add", root.children[0].key)
	assert.Equal(t, "class_declaration:Counter", root.children[1].key)
	assert.True(t, root.children[1].container)
}

func TestLanguageFor(t *testing.T) {
	tests := []struct {
		id, override, want string
	}{
		{"a/b.go", "", "go"},
		{"a/b.py", "", "python"},
		{"a/b.mjs", "", "javascript"},
		{"a/b.ts", "", "typescript"},
		{"a/b.tsx", "", "tsx"},
		{"notes.md", "", ""},
		{"notes.md", "golang", "go"},
		{"kb/fact-17", "", ""},
	}
	for _, tt := range tests {
		_, got := languageFor(tt.id, tt.override)
		assert.Equal(t, tt.want, got, "%s override=%q", tt.id, tt.override)
	}
}

func TestFingerprint_IgnoresIdentifier(t *testing.T) {
	a := fingerprint("function_declaration", "func parse(s string) { parse(s) }", "parse")
	b := fingerprint("function_declaration", "func parse_v2(s string) { parse_v2(s) }", "parse_v2")
	c := fingerprint("function_declaration", "func parse(s string) { other(s) }", "parse")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestMergeOrder(t *testing.T) {
	got := mergeOrder(
		[]string{"b:pkg", "b:a", "b:c"},
		[]string{"b:pkg", "n:x", "b:a", "n:y", "b:c"},
	)
	assert.Equal(t, []string{"b:pkg", "n:x", "b:a", "n:y", "b:c"}, got)

	got = mergeOrder([]string{"b:a"}, []string{"n:first", "b:a"})
	assert.Equal(t, []string{"n:first", "b:a"}, got)
}
