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
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrMergeConflict is the sentinel matched by every *ConflictError.
	ErrMergeConflict = errors.New("merge conflict")

	// ErrUnknownStrategy is returned for a strategy outside the closed set.
	ErrUnknownStrategy = errors.New("unknown merge strategy")

	// ErrUnresolved is returned by Resolve when a conflict has no resolution.
	ErrUnresolved = errors.New("conflict has no resolution")
)

// Strategy selects how conflicts are handled. The set is closed.
type Strategy int

const (
	// AutoMerge applies every clean merge and reports the rest.
	AutoMerge Strategy = iota
	// PreferSession resolves every conflict toward the session.
	PreferSession
	// PreferMain resolves every conflict toward main.
	PreferMain
	// Manual applies only one-sided changes; everything both sides touched
	// is returned for the caller to resolve.
	Manual
)

func (s Strategy) String() string {
	switch s {
	case AutoMerge:
		return "auto_merge"
	case PreferSession:
		return "prefer_session"
	case PreferMain:
		return "prefer_main"
	case Manual:
		return "manual"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseStrategy parses the String form.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto", "auto_merge":
		return AutoMerge, nil
	case "prefer_session", "session":
		return PreferSession, nil
	case "prefer_main", "main":
		return PreferMain, nil
	case "manual":
		return Manual, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Strategy) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Strategy) UnmarshalText(text []byte) error {
	parsed, err := ParseStrategy(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ConflictKind classifies a conflict.
type ConflictKind int

const (
	// ModifyModify: both sides changed the same region differently.
	ModifyModify ConflictKind = iota + 1
	// DeleteModify: one side deleted what the other changed.
	DeleteModify
	// AddAdd: both sides created the same identity with different content.
	AddAdd
	// Semantic: the edits do not overlap textually but one side changed a
	// signature while the other edited the body it describes.
	Semantic
)

func (k ConflictKind) String() string {
	switch k {
	case ModifyModify:
		return "modify_modify"
	case DeleteModify:
		return "delete_modify"
	case AddAdd:
		return "add_add"
	case Semantic:
		return "semantic"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k ConflictKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *ConflictKind) UnmarshalText(text []byte) error {
	for _, kind := range []ConflictKind{ModifyModify, DeleteModify, AddAdd, Semantic} {
		if kind.String() == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown conflict kind %q", text)
}

func (k ConflictKind) hint() string {
	switch k {
	case ModifyModify:
		return "both sides edited this region; pick one side or supply merged content"
	case DeleteModify:
		return "one side deleted what the other edited; keep the edit or confirm the delete"
	case AddAdd:
		return "both sides created this identity independently; rename one or supply merged content"
	case Semantic:
		return "a signature changed on one side while the other edited its body; review the body against the new signature"
	default:
		return ""
	}
}

// Version is one side of a three-way merge. A nil *Version means the
// entity does not exist on that side.
type Version struct {
	Content []byte `json:"content"`
	Version uint64 `json:"version"`
}

func (v *Version) version() uint64 {
	if v == nil {
		return 0
	}
	return v.Version
}

func (v *Version) content() []byte {
	if v == nil {
		return nil
	}
	return v.Content
}

func sameContent(a, b *Version) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return string(a.Content) == string(b.Content)
}

// Input is one changed entity.
type Input struct {
	EntityID string `json:"entity_id"`

	// Language overrides detection from the entity id extension.
	Language string `json:"language,omitempty"`

	Base    *Version `json:"base,omitempty"`
	Session *Version `json:"session,omitempty"`
	Main    *Version `json:"main,omitempty"`
}

// Request is a merge of a session's change set into main.
type Request struct {
	Strategy Strategy `json:"strategy"`
	Entities []Input  `json:"entities"`
}

// Region is the localized text of a conflict: a unit or a line hunk.
type Region struct {
	Unit    string `json:"unit,omitempty"`
	Base    string `json:"base"`
	Session string `json:"session"`
	Main    string `json:"main"`
}

// Conflict is one difference that could not be merged automatically.
type Conflict struct {
	EntityID       string       `json:"entity_id"`
	Kind           ConflictKind `json:"kind"`
	BaseVersion    uint64       `json:"base_version"`
	SessionVersion uint64       `json:"session_version"`
	MainVersion    uint64       `json:"main_version"`

	Base    []byte `json:"base,omitempty"`
	Session []byte `json:"session,omitempty"`
	Main    []byte `json:"main,omitempty"`

	// SessionDeleted and MainDeleted mark a side on which the entity does
	// not exist.
	SessionDeleted bool `json:"session_deleted,omitempty"`
	MainDeleted    bool `json:"main_deleted,omitempty"`

	Region Region `json:"region"`
	Hint   string `json:"hint"`

	// Diff is the unified diff from main to session.
	Diff string `json:"diff,omitempty"`

	// Proposed holds an automatic merge the Manual strategy declined to
	// apply.
	Proposed []byte `json:"proposed,omitempty"`

	// ResolvedBy is set when a Prefer strategy settled the conflict.
	ResolvedBy string `json:"resolved_by,omitempty"`
}

// Resolved reports whether a strategy settled the conflict.
func (c Conflict) Resolved() bool {
	return c.ResolvedBy != ""
}

// Source tells where an entity's merged content came from.
type Source string

const (
	SourceSession    Source = "session"
	SourceMain       Source = "main"
	SourceMerged     Source = "merged"
	SourceResolution Source = "resolution"
)

// Entity is the outcome for one entity that must be written to main.
type Entity struct {
	EntityID string `json:"entity_id"`
	Content  []byte `json:"content,omitempty"`
	Deleted  bool   `json:"deleted,omitempty"`
	Source   Source `json:"source"`

	// MainVersion is the main version the outcome was computed against.
	MainVersion uint64 `json:"main_version"`
}

// Result is the outcome of a merge.
type Result struct {
	Strategy  Strategy      `json:"strategy"`
	Entities  []Entity      `json:"entities"`
	Conflicts []Conflict    `json:"conflicts"`
	Applied   int           `json:"applied"`
	Rejected  int           `json:"rejected"`
	Unchanged int           `json:"unchanged"`
	Duration  time.Duration `json:"duration"`
}

// Unresolved returns the conflicts no strategy settled.
func (r *Result) Unresolved() []Conflict {
	var out []Conflict
	for _, c := range r.Conflicts {
		if !c.Resolved() {
			out = append(out, c)
		}
	}
	return out
}

// Err returns a *ConflictError when unresolved conflicts remain.
func (r *Result) Err() error {
	if open := r.Unresolved(); len(open) > 0 {
		return &ConflictError{Conflicts: open}
	}
	return nil
}

// ConflictError carries unresolved conflicts.
type ConflictError struct {
	Conflicts []Conflict
}

func (e *ConflictError) Error() string {
	if len(e.Conflicts) == 1 {
		c := e.Conflicts[0]
		return fmt.Sprintf("merge conflict (%s) on %s", c.Kind, c.EntityID)
	}
	return fmt.Sprintf("%d merge conflicts", len(e.Conflicts))
}

// Unwrap returns ErrMergeConflict.
func (e *ConflictError) Unwrap() error {
	return ErrMergeConflict
}

// Kinds returns the distinct kinds in e.
func (e *ConflictError) Kinds() []ConflictKind {
	seen := make(map[ConflictKind]bool)
	var out []ConflictKind
	for _, c := range e.Conflicts {
		if !seen[c.Kind] {
			seen[c.Kind] = true
			out = append(out, c.Kind)
		}
	}
	return out
}

// Choice picks a resolution.
type Choice int

const (
	TakeSession Choice = iota + 1
	TakeMain
	Custom
)

// Resolution settles every conflict of one entity.
type Resolution struct {
	EntityID string `json:"entity_id"`
	Choice   Choice `json:"choice"`
	// Content is used with Custom. Nil with Custom deletes the entity.
	Content []byte `json:"content,omitempty"`
}
