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
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"
	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// errUnparsable marks content the structural merge cannot segment.
var errUnparsable = errors.New("content has syntax errors")

// languageFor resolves the grammar for an entity. The override wins over
// the id extension. Nil means the entity is plain content.
func languageFor(entityID, override string) (*sitter.Language, string) {
	name := strings.ToLower(override)
	if name == "" {
		switch strings.ToLower(path.Ext(entityID)) {
		case ".go":
			name = "go"
		case ".py":
			name = "python"
		case ".js", ".jsx", ".mjs", ".cjs":
			name = "javascript"
		case ".ts", ".mts", ".cts":
			name = "typescript"
		case ".tsx":
			name = "tsx"
		}
	}
	switch name {
	case "go", "golang":
		return golang.GetLanguage(), "go"
	case "python", "py":
		return python.GetLanguage(), "python"
	case "javascript", "js":
		return javascript.GetLanguage(), "javascript"
	case "typescript", "ts":
		return typescript.GetLanguage(), "typescript"
	case "tsx":
		return tsx.GetLanguage(), "tsx"
	default:
		return nil, ""
	}
}

// -----------------------------------------------------------------------------
// Unit tree
// -----------------------------------------------------------------------------

// unit is one syntactic unit of a source file: a declaration with the
// comment block directly above it, or a free-standing comment run.
//
// Rendering a unit's lead, doc and code (or header, children and footer
// for containers) in order reproduces the original bytes exactly.
type unit struct {
	key   string
	kind  string
	ident string

	// qual qualifies ident in the key, e.g. a method's receiver type.
	qual string

	// lead is the separator text between the previous unit and this one.
	lead string

	// doc is the attached comment run including the trailing separator.
	doc string

	// code is the declaration text. For containers it is the text at
	// parse time; rendering uses header, children and footer instead.
	code string

	// sig is the prefix of code before the body, empty when the unit has
	// no body.
	sig string

	container bool
	header    string
	children  []*unit
	footer    string

	// fp fingerprints kind and code with the identifier blanked out.
	fp uint64
}

func (u *unit) bodyText() string {
	if u.sig == "" {
		return ""
	}
	return u.code[len(u.sig):]
}

func (u *unit) codeText() string {
	if !u.container {
		return u.code
	}
	var b strings.Builder
	b.WriteString(u.header)
	for _, c := range u.children {
		c.writeTo(&b)
	}
	b.WriteString(u.footer)
	return b.String()
}

// text is the unit's content without its lead.
func (u *unit) text() string {
	return u.doc + u.codeText()
}

func (u *unit) writeTo(b *strings.Builder) {
	b.WriteString(u.lead)
	b.WriteString(u.doc)
	if !u.container {
		b.WriteString(u.code)
		return
	}
	b.WriteString(u.header)
	for _, c := range u.children {
		c.writeTo(b)
	}
	b.WriteString(u.footer)
}

func (u *unit) render() string {
	var b strings.Builder
	u.writeTo(&b)
	return b.String()
}

// -----------------------------------------------------------------------------
// Parsing
// -----------------------------------------------------------------------------

// positionalKinds are identified by their ordinal rather than a name.
var positionalKinds = map[string]bool{
	"package_clause":     true,
	"import_declaration": true,
}

// lineImportKinds are identified by their normalized text.
var lineImportKinds = map[string]bool{
	"import_statement":        true,
	"import_from_statement":   true,
	"future_import_statement": true,
}

func isImport(kind string) bool {
	return kind == "import_declaration" || lineImportKinds[kind]
}

type unitParser struct {
	src []byte
}

// parseUnits segments src into a unit tree rooted at a file container.
//
// Description:
//
//	Parses src with tree-sitter and splits the top level into units. A
//	comment run directly above a declaration, with no blank line between,
//	becomes that declaration's doc. Class and struct bodies are split one
//	level further so members merge independently.
//
// Inputs:
//
//	ctx - Cancels the parse.
//	lang - The grammar.
//	src - File content.
//
// Outputs:
//
//	*unit - The root container.
//	error - errUnparsable when the tree has syntax errors.
//
// Thread Safety:
//
//	Creates a new parser for each call.
func parseUnits(ctx context.Context, lang *sitter.Language, src []byte) (*unit, error) {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(lang)

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root == nil || root.HasError() {
		return nil, errUnparsable
	}

	p := &unitParser{src: src}
	children, tail := p.segment(root, 0)
	return &unit{
		key:       "file",
		kind:      root.Type(),
		container: true,
		children:  children,
		footer:    string(src[tail:]),
		code:      string(src),
	}, nil
}

// segment splits the named children of n starting at byte from. It
// returns the units and the offset where the unassigned tail starts.
func (p *unitParser) segment(n *sitter.Node, from uint32) ([]*unit, uint32) {
	var units []*unit
	var run []*sitter.Node
	prevEnd := from

	cursor := func() uint32 {
		if len(run) > 0 {
			return run[len(run)-1].EndByte()
		}
		return prevEnd
	}
	flush := func() {
		if len(run) == 0 {
			return
		}
		start, end := run[0].StartByte(), run[len(run)-1].EndByte()
		units = append(units, &unit{
			kind: "comment",
			lead: string(p.src[prevEnd:start]),
			code: string(p.src[start:end]),
		})
		prevEnd = end
		run = nil
	}

	count := int(n.NamedChildCount())
	for i := 0; i < count; i++ {
		c := n.NamedChild(i)
		if c == nil || c.StartByte() < cursor() {
			continue
		}

		if c.Type() == "comment" {
			// Trailing comment on the same line as the previous unit.
			if len(run) == 0 && len(units) > 0 && !strings.Contains(string(p.src[prevEnd:c.StartByte()]), "\n") {
				last := units[len(units)-1]
				tail := string(p.src[prevEnd:c.EndByte()])
				if last.container {
					last.footer += tail
				} else {
					last.code += tail
				}
				prevEnd = c.EndByte()
				continue
			}
			if len(run) > 0 && p.blankLineBetween(cursor(), c.StartByte()) {
				flush()
			}
			run = append(run, c)
			continue
		}

		docStart := c.StartByte()
		if len(run) > 0 {
			if p.blankLineBetween(cursor(), c.StartByte()) {
				flush()
			} else {
				docStart = run[0].StartByte()
				run = nil
			}
		}

		u := p.build(c)
		u.lead = string(p.src[prevEnd:docStart])
		u.doc = string(p.src[docStart:c.StartByte()])
		units = append(units, u)
		prevEnd = c.EndByte()
	}
	flush()

	assignKeys(units)
	return units, prevEnd
}

func (p *unitParser) blankLineBetween(a, b uint32) bool {
	if b <= a {
		return false
	}
	return strings.Count(string(p.src[a:b]), "\n") >= 2
}

func (p *unitParser) build(n *sitter.Node) *unit {
	u := &unit{
		kind: n.Type(),
		code: n.Content(p.src),
	}
	u.ident = p.identify(n)
	if recv := p.receiver(n); recv != "" {
		u.qual = "(" + recv + ")."
	}

	if body := bodyOf(n); body != nil && body.StartByte() >= n.StartByte() {
		u.sig = string(p.src[n.StartByte():body.StartByte()])
	}

	if members := membersOf(n); members != nil && members.NamedChildCount() > 0 {
		from := members.StartByte()
		for i := 0; i < int(members.ChildCount()); i++ {
			if c := members.Child(i); c.Type() == "{" {
				from = c.EndByte()
				break
			}
		}
		if from >= n.StartByte() && members.EndByte() <= n.EndByte() {
			children, tail := p.segment(members, from)
			if len(children) > 0 {
				u.container = true
				u.header = string(p.src[n.StartByte():from])
				u.children = children
				u.footer = string(p.src[tail:n.EndByte()])
			}
		}
	}

	u.fp = fingerprint(u.kind, u.code, u.ident)
	return u
}

// identify returns the declared name of n, or "".
func (p *unitParser) identify(n *sitter.Node) string {
	switch n.Type() {
	case "export_statement":
		if inner := n.ChildByFieldName("declaration"); inner != nil {
			return p.identify(inner)
		}
		return ""
	case "decorated_definition":
		if inner := n.ChildByFieldName("definition"); inner != nil {
			return p.identify(inner)
		}
		return ""
	case "type_declaration", "const_declaration", "var_declaration",
		"lexical_declaration", "variable_declaration":
		for i := 0; i < int(n.NamedChildCount()); i++ {
			spec := n.NamedChild(i)
			if name := spec.ChildByFieldName("name"); name != nil {
				return name.Content(p.src)
			}
		}
		return ""
	case "expression_statement":
		if n.NamedChildCount() == 1 {
			if assign := n.NamedChild(0); assign.Type() == "assignment" {
				if left := assign.ChildByFieldName("left"); left != nil && left.Type() == "identifier" {
					return left.Content(p.src)
				}
			}
		}
		return ""
	}
	if name := n.ChildByFieldName("name"); name != nil {
		return name.Content(p.src)
	}
	return ""
}

// receiver returns the receiver type name of a Go method.
func (p *unitParser) receiver(n *sitter.Node) string {
	if n.Type() != "method_declaration" {
		return ""
	}
	params := n.ChildByFieldName("receiver")
	if params == nil || params.NamedChildCount() == 0 {
		return ""
	}
	typ := params.NamedChild(0).ChildByFieldName("type")
	if typ == nil {
		return ""
	}
	t := strings.TrimLeft(typ.Content(p.src), "*")
	if i := strings.IndexByte(t, '['); i >= 0 {
		t = t[:i]
	}
	return strings.TrimSpace(t)
}

// bodyOf returns the body node splitting a unit into signature and body.
func bodyOf(n *sitter.Node) *sitter.Node {
	switch n.Type() {
	case "export_statement":
		if inner := n.ChildByFieldName("declaration"); inner != nil {
			return bodyOf(inner)
		}
		return nil
	case "decorated_definition":
		if inner := n.ChildByFieldName("definition"); inner != nil {
			return bodyOf(inner)
		}
		return nil
	}
	return n.ChildByFieldName("body")
}

// membersOf returns the node whose named children are the members of a
// class, struct or interface declaration.
func membersOf(n *sitter.Node) *sitter.Node {
	switch n.Type() {
	case "export_statement":
		if inner := n.ChildByFieldName("declaration"); inner != nil {
			return membersOf(inner)
		}
	case "decorated_definition":
		if inner := n.ChildByFieldName("definition"); inner != nil {
			return membersOf(inner)
		}
	case "type_declaration":
		if n.NamedChildCount() != 1 {
			return nil
		}
		typ := n.NamedChild(0).ChildByFieldName("type")
		if typ == nil {
			return nil
		}
		switch typ.Type() {
		case "struct_type":
			for i := 0; i < int(typ.NamedChildCount()); i++ {
				if c := typ.NamedChild(i); c.Type() == "field_declaration_list" {
					return c
				}
			}
		case "interface_type":
			return typ
		}
	case "class_definition", "class_declaration", "abstract_class_declaration",
		"interface_declaration", "class":
		return n.ChildByFieldName("body")
	}
	return nil
}

// assignKeys gives every unit a key unique among its siblings.
func assignKeys(units []*unit) {
	ordinals := make(map[string]int)
	seen := make(map[string]int)
	for _, u := range units {
		var key string
		switch {
		case positionalKinds[u.kind]:
			key = fmt.Sprintf("%s#%d", u.kind, ordinals[u.kind])
			ordinals[u.kind]++
		case lineImportKinds[u.kind]:
			key = u.kind + ":" + strings.Join(strings.Fields(u.code), " ")
		case u.ident != "":
			key = u.kind + ":" + u.qual + u.ident
		default:
			key = fmt.Sprintf("%s#%x", u.kind, xxhash.Sum64String(strings.TrimSpace(u.doc+u.code)))
		}
		if n := seen[key]; n > 0 {
			seen[key]++
			key = fmt.Sprintf("%s#%d", key, n)
		} else {
			seen[key] = 1
		}
		u.key = key
	}
}

// fingerprint hashes code with every whole-word occurrence of ident
// blanked, so a renamed unit matches its original.
func fingerprint(kind, code, ident string) uint64 {
	normalized := code
	if ident != "" {
		re := regexp.MustCompile(`\b` + regexp.QuoteMeta(ident) + `\b`)
		normalized = re.ReplaceAllString(code, "\x00")
	}
	h := xxhash.New()
	_, _ = h.WriteString(kind)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(normalized)
	return h.Sum64()
}
