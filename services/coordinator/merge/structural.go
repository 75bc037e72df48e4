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
)

// unitConflict is a conflict localized to one unit.
type unitConflict struct {
	kind    ConflictKind
	unit    string
	base    string
	session string
	main    string
}

// structMerger merges unit trees. prefer is "", "session" or "main"; it
// fills conflicting units from that side ("" leaves main in place).
type structMerger struct {
	prefer    string
	conflicts []unitConflict
}

// slot holds the three versions of one unit identity.
type slot struct {
	b, s, m *unit
}

// mergeFiles merges three parsed files and returns the merged text.
func (sm *structMerger) mergeFiles(base, session, main *unit) string {
	out := &unit{
		kind:      main.kind,
		container: true,
		children:  sm.mergeChildren("", base.children, session.children, main.children),
	}
	if footer, ok := merge3(base.footer, session.footer, main.footer); ok {
		out.footer = footer
	} else {
		out.footer = sm.resolveText("file", ModifyModify, base.footer, session.footer, main.footer, true)
	}
	return out.render()
}

// mergeChildren merges sibling lists.
//
// Description:
//
//	Side units are matched to base units by key, then unmatched named
//	units are matched by fingerprint so renames keep their identity. The
//	output follows main's order; units only session has are placed after
//	their session predecessor.
func (sm *structMerger) mergeChildren(parent string, base, session, main []*unit) []*unit {
	sessMatch := matchUnits(base, session)
	mainMatch := matchUnits(base, main)

	slots := make(map[string]*slot, len(base))
	for _, b := range base {
		slots["b:"+b.key] = &slot{b: b}
	}
	place := func(u *unit, matched map[*unit]*unit) string {
		id := "n:" + u.key
		if b := matched[u]; b != nil {
			id = "b:" + b.key
		}
		if slots[id] == nil {
			slots[id] = &slot{}
		}
		return id
	}

	sessOrder := make([]string, 0, len(session))
	for _, u := range session {
		id := place(u, sessMatch)
		slots[id].s = u
		sessOrder = append(sessOrder, id)
	}
	mainOrder := make([]string, 0, len(main))
	for _, u := range main {
		id := place(u, mainMatch)
		slots[id].m = u
		mainOrder = append(mainOrder, id)
	}

	var out []*unit
	for _, id := range mergeOrder(mainOrder, sessOrder) {
		if u := sm.mergeSlot(parent, slots[id]); u != nil {
			out = append(out, u)
		}
	}
	return out
}

func (sm *structMerger) mergeSlot(parent string, sl *slot) *unit {
	b, s, m := sl.b, sl.s, sl.m
	switch {
	case b == nil:
		switch {
		case s == nil:
			return m
		case m == nil:
			return s
		case s.text() == m.text():
			return m
		}
		sm.record(AddAdd, label(parent, m), "", s.render(), m.render())
		return sm.pick(s, m)

	case s == nil && m == nil:
		return nil

	case s == nil:
		if m.text() == b.text() {
			return nil
		}
		sm.record(DeleteModify, label(parent, m), b.render(), "", m.render())
		if sm.prefer == "session" {
			return nil
		}
		return m

	case m == nil:
		if s.text() == b.text() {
			return nil
		}
		sm.record(DeleteModify, label(parent, s), b.render(), s.render(), "")
		if sm.prefer == "session" {
			return s
		}
		return nil
	}
	return sm.mergeUnit(parent, b, s, m)
}

// mergeUnit merges one unit changed relative to base on both sides.
func (sm *structMerger) mergeUnit(parent string, b, s, m *unit) *unit {
	bt, st, mt := b.text(), s.text(), m.text()
	switch {
	case st == bt || st == mt:
		return m
	case mt == bt:
		out := *s
		out.lead = mergeLead(b.lead, s.lead, m.lead)
		return &out
	}

	name := label(parent, m)
	out := &unit{
		key:   m.key,
		kind:  m.kind,
		ident: m.ident,
		lead:  mergeLead(b.lead, s.lead, m.lead),
	}

	if doc, ok := merge3(b.doc, s.doc, m.doc); ok {
		out.doc = doc
	} else {
		out.doc = sm.mergeLines(name+" (doc)", b.doc, s.doc, m.doc)
	}

	if b.container && s.container && m.container {
		out.container = true
		if header, ok := merge3(b.header, s.header, m.header); ok {
			out.header = header
		} else {
			sm.record(ModifyModify, name, b.render(), s.render(), m.render())
			out.header = sm.pickString(s.header, m.header)
		}
		out.children = sm.mergeChildren(name, b.children, s.children, m.children)
		if footer, ok := merge3(b.footer, s.footer, m.footer); ok {
			out.footer = footer
		} else {
			out.footer = sm.resolveText(name+" (footer)", ModifyModify, b.footer, s.footer, m.footer, true)
		}
		return out
	}

	bc, sc, mc := b.codeText(), s.codeText(), m.codeText()
	if code, ok := merge3(bc, sc, mc); ok {
		out.code = code
		return out
	}
	if isImport(m.kind) {
		out.code = sm.mergeLines(name, bc, sc, mc)
		return out
	}

	kind := ModifyModify
	if signatureVersusBody(b, s, m) {
		kind = Semantic
	}
	sm.record(kind, name, b.render(), s.render(), m.render())
	out.code = sm.pickString(sc, mc)
	return out
}

// mergeLines merges text line by line and records one conflict when any
// hunk conflicts.
func (sm *structMerger) mergeLines(name, base, session, main string) string {
	var prefer *string
	if sm.prefer != "" {
		prefer = &sm.prefer
	}
	merged, hunks := diff3(base, session, main, prefer)
	if len(hunks) > 0 {
		sm.record(ModifyModify, name, base, session, main)
	}
	return merged
}

// resolveText records a conflict on a text fragment and returns the
// preferred side. Whitespace-only disagreement is settled silently when
// quiet is set.
func (sm *structMerger) resolveText(name string, kind ConflictKind, base, session, main string, quiet bool) string {
	if quiet && strings.TrimSpace(session) == strings.TrimSpace(main) {
		return main
	}
	sm.record(kind, name, base, session, main)
	return sm.pickString(session, main)
}

func (sm *structMerger) record(kind ConflictKind, name, base, session, main string) {
	sm.conflicts = append(sm.conflicts, unitConflict{
		kind:    kind,
		unit:    name,
		base:    base,
		session: session,
		main:    main,
	})
}

func (sm *structMerger) pick(s, m *unit) *unit {
	if sm.prefer == "session" {
		return s
	}
	return m
}

func (sm *structMerger) pickString(s, m string) string {
	if sm.prefer == "session" {
		return s
	}
	return m
}

// signatureVersusBody reports whether one side changed only the signature
// and the other only the body.
func signatureVersusBody(b, s, m *unit) bool {
	if b.sig == "" || s.sig == "" || m.sig == "" {
		return false
	}
	sigOnly := func(u *unit) bool { return u.sig != b.sig && u.bodyText() == b.bodyText() }
	bodyOnly := func(u *unit) bool { return u.sig == b.sig && u.bodyText() != b.bodyText() }
	return sigOnly(s) && bodyOnly(m) || bodyOnly(s) && sigOnly(m)
}

func mergeLead(base, session, main string) string {
	if lead, ok := merge3(base, session, main); ok {
		return lead
	}
	return main
}

func label(parent string, u *unit) string {
	if parent == "" {
		return u.key
	}
	return parent + "/" + u.key
}

// matchUnits maps side units to the base unit they descend from.
func matchUnits(base, side []*unit) map[*unit]*unit {
	byKey := make(map[string]*unit, len(base))
	for _, b := range base {
		byKey[b.key] = b
	}
	used := make(map[*unit]bool, len(base))
	matched := make(map[*unit]*unit, len(side))

	for _, u := range side {
		if b, ok := byKey[u.key]; ok {
			matched[u] = b
			used[b] = true
		}
	}
	for _, u := range side {
		if matched[u] != nil || u.ident == "" {
			continue
		}
		for _, b := range base {
			if used[b] || b.ident == "" || b.kind != u.kind || b.fp != u.fp {
				continue
			}
			if _, stillThere := keyIn(side, b.key); stillThere {
				continue
			}
			matched[u] = b
			used[b] = true
			break
		}
	}
	return matched
}

func keyIn(units []*unit, key string) (*unit, bool) {
	for _, u := range units {
		if u.key == key {
			return u, true
		}
	}
	return nil, false
}

// mergeOrder returns main's identities in order with session-only
// identities inserted after their session predecessor.
func mergeOrder(main, session []string) []string {
	out := append([]string(nil), main...)
	present := make(map[string]bool, len(main)+len(session))
	for _, id := range main {
		present[id] = true
	}
	prev := ""
	for _, id := range session {
		if present[id] {
			prev = id
			continue
		}
		at := 0
		if prev != "" {
			for i, o := range out {
				if o == prev {
					at = i + 1
					break
				}
			}
		}
		out = append(out, "")
		copy(out[at+1:], out[at:])
		out[at] = id
		present[id] = true
		prev = id
	}
	return out
}
