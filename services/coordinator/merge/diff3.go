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

import "strings"

// hunkConflict is one region both sides changed differently.
type hunkConflict struct {
	base, session, main string
}

// diff3 merges two line-level edits of base.
//
// Description:
//
//	Changes of each side are computed against base and walked in base
//	order. Changes that overlap, or insert at the same point, form one
//	group. A group touched by one side takes that side; a group both sides
//	changed identically is taken once; any other group is a conflict and
//	is filled from prefer (nil leaves main in place).
//
// Outputs:
//
//	string - The merged text.
//	[]hunkConflict - Conflicting groups. Empty means a clean merge.
func diff3(base, session, main string, prefer *string) (string, []hunkConflict) {
	bl := splitLines(base)
	sc := changesAgainst(bl, splitLines(session))
	mc := changesAgainst(bl, splitLines(main))

	var out strings.Builder
	var conflicts []hunkConflict
	pos, i, j := 0, 0, 0

	for i < len(sc) || j < len(mc) {
		var groupS, groupM []change
		var gs, ge int
		if j >= len(mc) || (i < len(sc) && sc[i].start <= mc[j].start) {
			gs, ge = sc[i].start, sc[i].end
			groupS = append(groupS, sc[i])
			i++
		} else {
			gs, ge = mc[j].start, mc[j].end
			groupM = append(groupM, mc[j])
			j++
		}
		for {
			if i < len(sc) && overlaps(sc[i], gs, ge) {
				groupS = append(groupS, sc[i])
				ge = maxInt(ge, sc[i].end)
				i++
				continue
			}
			if j < len(mc) && overlaps(mc[j], gs, ge) {
				groupM = append(groupM, mc[j])
				ge = maxInt(ge, mc[j].end)
				j++
				continue
			}
			break
		}

		for _, l := range bl[pos:gs] {
			out.WriteString(l)
		}
		pos = ge

		switch {
		case len(groupM) == 0:
			out.WriteString(applyChanges(bl, groupS, gs, ge))
		case len(groupS) == 0:
			out.WriteString(applyChanges(bl, groupM, gs, ge))
		default:
			s := applyChanges(bl, groupS, gs, ge)
			m := applyChanges(bl, groupM, gs, ge)
			if s == m {
				out.WriteString(s)
				continue
			}
			conflicts = append(conflicts, hunkConflict{
				base:    strings.Join(bl[gs:ge], ""),
				session: s,
				main:    m,
			})
			switch {
			case prefer == nil:
				out.WriteString(m)
			case *prefer == "session":
				out.WriteString(s)
			default:
				out.WriteString(m)
			}
		}
	}
	for _, l := range bl[pos:] {
		out.WriteString(l)
	}
	return out.String(), conflicts
}

// overlaps reports whether c falls into the group spanning base[gs:ge].
// Two insertions at the same point overlap.
func overlaps(c change, gs, ge int) bool {
	return c.start < ge || c.start == gs
}

// applyChanges renders base[gs:ge] with the given changes applied.
func applyChanges(base []string, changes []change, gs, ge int) string {
	var b strings.Builder
	p := gs
	for _, c := range changes {
		for _, l := range base[p:c.start] {
			b.WriteString(l)
		}
		for _, l := range c.lines {
			b.WriteString(l)
		}
		p = c.end
	}
	for _, l := range base[p:ge] {
		b.WriteString(l)
	}
	return b.String()
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// merge3 is the scalar three-way merge: the changed side wins, identical
// changes agree, divergent changes fail.
func merge3(base, session, main string) (string, bool) {
	switch {
	case session == main:
		return session, true
	case session == base:
		return main, true
	case main == base:
		return session, true
	default:
		return "", false
	}
}
