// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package merge reconciles a session's changes with main.
//
// Each changed entity is merged three ways from its base (the version the
// session started from), the session version and the current main
// version. Source files in a supported language are merged per syntactic
// unit: functions, methods, types, classes and their members. Everything
// else is merged line by line. Differences that cannot be merged
// automatically are always reported as a Conflict; a strategy may settle
// them but never drops them from the result.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianCortex/services/coordinator/telemetry"
	sitter "github.com/smacker/go-tree-sitter"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "cortex.merge"

// Config configures the Merge Engine.
type Config struct {
	// DefaultStrategy is used by callers that do not choose one.
	DefaultStrategy Strategy `yaml:"default_strategy"`

	// MaxStructuralBytes caps the size of content merged per unit; larger
	// content is merged line by line. Default: 1 MiB.
	MaxStructuralBytes int `yaml:"max_structural_bytes" validate:"gte=0"`

	// ContextLines is the context of conflict diffs. Default: 3.
	ContextLines int `yaml:"context_lines" validate:"gte=0"`

	Logger *slog.Logger `yaml:"-"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		DefaultStrategy:    AutoMerge,
		MaxStructuralBytes: 1 << 20,
		ContextLines:       3,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MaxStructuralBytes <= 0 {
		c.MaxStructuralBytes = d.MaxStructuralBytes
	}
	if c.ContextLines <= 0 {
		c.ContextLines = d.ContextLines
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := c.DefaultStrategy.validate(); err != nil {
		return err
	}
	if c.MaxStructuralBytes < 0 {
		return fmt.Errorf("max_structural_bytes must be >= 0, got %d", c.MaxStructuralBytes)
	}
	if c.ContextLines < 0 {
		return fmt.Errorf("context_lines must be >= 0, got %d", c.ContextLines)
	}
	return nil
}

func (s Strategy) validate() error {
	switch s {
	case AutoMerge, PreferSession, PreferMain, Manual:
		return nil
	default:
		return fmt.Errorf("%w: %d", ErrUnknownStrategy, int(s))
	}
}

// Engine performs three-way merges. It holds no per-request state and is
// safe for concurrent use.
type Engine struct {
	cfg    Config
	logger *slog.Logger
}

// New creates an Engine.
func New(cfg Config) (*Engine, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("component", "merge")),
	}, nil
}

// DefaultStrategy returns the configured default strategy.
func (e *Engine) DefaultStrategy() Strategy {
	return e.cfg.DefaultStrategy
}

// outcome is the merge of one entity.
type outcome struct {
	entity    *Entity
	conflicts []Conflict
	unchanged bool
	rejected  bool
}

// Merge reconciles a change set with main.
//
// Description:
//
//	For every input, a change on one side only is taken as is and
//	identical changes agree. Divergent changes are merged per unit (or
//	per line) and whatever remains is reported as conflicts. The strategy
//	then decides: AutoMerge leaves entities with conflicts out of the
//	result, PreferSession and PreferMain settle them toward one side, and
//	Manual also holds back clean merges of entities both sides changed.
//
// Inputs:
//
//	ctx - Cancels the merge between entities.
//	req - Strategy and changed entities.
//
// Outputs:
//
//	*Result - Entities to write to main and every conflict found.
//	error - ErrUnknownStrategy or a context error. Conflicts are not
//	        errors here; use Result.Err.
//
// Thread Safety:
//
//	Safe for concurrent use.
func (e *Engine) Merge(ctx context.Context, req Request) (result *Result, err error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "merge.Engine.Merge",
		trace.WithAttributes(
			attribute.String("merge.strategy", req.Strategy.String()),
			attribute.Int("merge.entities", len(req.Entities)),
		))
	defer func() { telemetry.End(span, err) }()

	if err := req.Strategy.validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	result = &Result{Strategy: req.Strategy}
	for _, in := range req.Entities {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out := e.mergeEntity(ctx, req.Strategy, in)
		result.Conflicts = append(result.Conflicts, out.conflicts...)
		switch {
		case out.rejected:
			result.Rejected++
			entitiesTotal.WithLabelValues("rejected").Inc()
		case out.entity != nil:
			result.Entities = append(result.Entities, *out.entity)
			entitiesTotal.WithLabelValues(string(out.entity.Source)).Inc()
		default:
			result.Unchanged++
			entitiesTotal.WithLabelValues("unchanged").Inc()
		}
	}
	result.Applied = len(result.Entities)
	result.Duration = time.Since(start)

	mergesTotal.WithLabelValues(req.Strategy.String()).Inc()
	mergeDuration.Observe(result.Duration.Seconds())
	for _, c := range result.Conflicts {
		conflictsTotal.WithLabelValues(c.Kind.String()).Inc()
	}
	span.SetAttributes(
		attribute.Int("merge.applied", result.Applied),
		attribute.Int("merge.conflicts", len(result.Conflicts)),
	)

	e.logger.Info("merge finished",
		slog.String("strategy", req.Strategy.String()),
		slog.Int("entities", len(req.Entities)),
		slog.Int("applied", result.Applied),
		slog.Int("rejected", result.Rejected),
		slog.Int("conflicts", len(result.Conflicts)),
		slog.Duration("duration", result.Duration),
	)
	return result, nil
}

// MergeEntity merges a single entity with the given strategy.
func (e *Engine) MergeEntity(ctx context.Context, strategy Strategy, in Input) (*Result, error) {
	return e.Merge(ctx, Request{Strategy: strategy, Entities: []Input{in}})
}

func (e *Engine) mergeEntity(ctx context.Context, strategy Strategy, in Input) outcome {
	b, s, m := in.Base, in.Session, in.Main
	sessionChanged := !sameContent(b, s)
	mainChanged := !sameContent(b, m)

	switch {
	case !sessionChanged, sameContent(s, m):
		return outcome{unchanged: true}
	case !mainChanged:
		return outcome{entity: e.take(in, s, SourceSession)}
	case b == nil:
		c := e.conflict(in, AddAdd, Region{Session: string(s.content()), Main: string(m.content())})
		return e.settle(strategy, in, []Conflict{c}, s, nil)
	case s == nil || m == nil:
		c := e.conflict(in, DeleteModify, Region{
			Base:    string(b.content()),
			Session: string(s.content()),
			Main:    string(m.content()),
		})
		return e.settle(strategy, in, []Conflict{c}, s, nil)
	}

	merged, conflicts := e.mergeContent(ctx, strategy, in)
	if strategy == Manual && len(conflicts) == 0 {
		c := e.conflict(in, ModifyModify, Region{
			Base:    string(b.content()),
			Session: string(s.content()),
			Main:    string(m.content()),
		})
		c.Hint = "both sides changed this entity; the proposed merge is held for review"
		c.Proposed = []byte(merged)
		return outcome{conflicts: []Conflict{c}, rejected: true}
	}
	if len(conflicts) == 0 {
		e.logger.Debug("entity merged",
			slog.String("entity_id", in.EntityID))
		return outcome{entity: &Entity{
			EntityID:    in.EntityID,
			Content:     []byte(merged),
			Source:      SourceMerged,
			MainVersion: m.version(),
		}}
	}
	return e.settle(strategy, in, conflicts, nil, []byte(merged))
}

// settle applies the strategy to an entity with conflicts. sessionSide is
// the session version that wins whole-entity conflicts; merged is the
// preferred-side fill of a partial merge.
func (e *Engine) settle(strategy Strategy, in Input, conflicts []Conflict, sessionSide *Version, merged []byte) outcome {
	switch strategy {
	case PreferSession, PreferMain:
		for i := range conflicts {
			conflicts[i].ResolvedBy = strategy.String()
		}
		if merged != nil {
			if string(merged) == string(in.Main.content()) {
				return outcome{conflicts: conflicts}
			}
			return outcome{conflicts: conflicts, entity: &Entity{
				EntityID:    in.EntityID,
				Content:     merged,
				Source:      SourceMerged,
				MainVersion: in.Main.version(),
			}}
		}
		if strategy == PreferMain {
			return outcome{conflicts: conflicts}
		}
		return outcome{conflicts: conflicts, entity: e.take(in, sessionSide, SourceSession)}
	default:
		e.logger.Debug("entity has conflicts",
			slog.String("entity_id", in.EntityID),
			slog.String("strategy", strategy.String()),
			slog.Int("conflicts", len(conflicts)))
		return outcome{conflicts: conflicts, rejected: true}
	}
}

func (e *Engine) take(in Input, v *Version, src Source) *Entity {
	if v == nil {
		return &Entity{EntityID: in.EntityID, Deleted: true, Source: src, MainVersion: in.Main.version()}
	}
	return &Entity{
		EntityID:    in.EntityID,
		Content:     append([]byte(nil), v.Content...),
		Source:      src,
		MainVersion: in.Main.version(),
	}
}

// mergeContent merges two divergent modifications. Conflicting regions
// are filled from the preferred side, or main when there is none.
func (e *Engine) mergeContent(ctx context.Context, strategy Strategy, in Input) (string, []Conflict) {
	prefer := ""
	switch strategy {
	case PreferSession:
		prefer = "session"
	case PreferMain:
		prefer = "main"
	}
	base, session, main := in.Base.content(), in.Session.content(), in.Main.content()

	if lang, name := languageFor(in.EntityID, in.Language); lang != nil {
		if len(base) <= e.cfg.MaxStructuralBytes && len(session) <= e.cfg.MaxStructuralBytes &&
			len(main) <= e.cfg.MaxStructuralBytes {
			text, ucs, err := e.mergeStructural(ctx, lang, prefer, base, session, main)
			if err == nil {
				conflicts := make([]Conflict, 0, len(ucs))
				for _, uc := range ucs {
					conflicts = append(conflicts, e.conflict(in, uc.kind, Region{
						Unit:    uc.unit,
						Base:    uc.base,
						Session: uc.session,
						Main:    uc.main,
					}))
				}
				return text, conflicts
			}
			reason := "parse_error"
			if errors.Is(err, errUnparsable) {
				reason = "syntax_error"
			}
			fallbacksTotal.WithLabelValues(reason).Inc()
			e.logger.Debug("structural merge unavailable, merging lines",
				slog.String("entity_id", in.EntityID),
				slog.String("language", name),
				slog.String("error", err.Error()))
		} else {
			fallbacksTotal.WithLabelValues("too_large").Inc()
		}
	}

	var preferPtr *string
	if prefer != "" {
		preferPtr = &prefer
	}
	text, hunks := diff3(string(base), string(session), string(main), preferPtr)
	conflicts := make([]Conflict, 0, len(hunks))
	for _, h := range hunks {
		conflicts = append(conflicts, e.conflict(in, ModifyModify, Region{
			Base:    h.base,
			Session: h.session,
			Main:    h.main,
		}))
	}
	return text, conflicts
}

func (e *Engine) mergeStructural(ctx context.Context, lang *sitter.Language, prefer string, base, session, main []byte) (string, []unitConflict, error) {
	bu, err := parseUnits(ctx, lang, base)
	if err != nil {
		return "", nil, err
	}
	su, err := parseUnits(ctx, lang, session)
	if err != nil {
		return "", nil, err
	}
	mu, err := parseUnits(ctx, lang, main)
	if err != nil {
		return "", nil, err
	}
	sm := &structMerger{prefer: prefer}
	text := sm.mergeFiles(bu, su, mu)
	return text, sm.conflicts, nil
}

// conflict builds a Conflict for in with the full side contents.
func (e *Engine) conflict(in Input, kind ConflictKind, region Region) Conflict {
	c := Conflict{
		EntityID:       in.EntityID,
		Kind:           kind,
		BaseVersion:    in.Base.version(),
		SessionVersion: in.Session.version(),
		MainVersion:    in.Main.version(),
		Base:           in.Base.content(),
		Session:        in.Session.content(),
		Main:           in.Main.content(),
		SessionDeleted: in.Session == nil,
		MainDeleted:    in.Main == nil,
		Region:         region,
		Hint:           kind.hint(),
	}
	diffText, err := unifiedDiff(in.EntityID, string(c.Main), string(c.Session), e.cfg.ContextLines)
	if err != nil {
		e.logger.Warn("render conflict diff",
			slog.String("entity_id", in.EntityID),
			slog.String("error", err.Error()))
	}
	c.Diff = diffText
	return c
}

// Resolve turns caller resolutions into entities to write to main.
//
// Description:
//
//	Every entity that has an unsettled conflict needs exactly one
//	Resolution. TakeSession and TakeMain pick that side (including its
//	deletion); Custom writes the supplied content, or deletes the entity
//	when Content is nil.
//
// Outputs:
//
//	[]Entity - One entity per resolved entity id, in conflict order.
//	error - ErrUnresolved when a conflicting entity has no resolution.
func (e *Engine) Resolve(ctx context.Context, conflicts []Conflict, resolutions []Resolution) (entities []Entity, err error) {
	_, span := telemetry.StartSpan(ctx, tracerName, "merge.Engine.Resolve",
		trace.WithAttributes(attribute.Int("merge.resolutions", len(resolutions))))
	defer func() { telemetry.End(span, err) }()

	byID := make(map[string]Resolution, len(resolutions))
	for _, r := range resolutions {
		byID[r.EntityID] = r
	}
	done := make(map[string]bool)
	for _, c := range conflicts {
		if c.Resolved() || done[c.EntityID] {
			continue
		}
		r, ok := byID[c.EntityID]
		if !ok {
			return nil, fmt.Errorf("%w: %s (%s)", ErrUnresolved, c.EntityID, c.Kind)
		}
		ent := Entity{EntityID: c.EntityID, Source: SourceResolution, MainVersion: c.MainVersion}
		switch r.Choice {
		case TakeSession:
			ent.Content, ent.Deleted = c.Session, c.SessionDeleted
		case TakeMain:
			ent.Content, ent.Deleted = c.Main, c.MainDeleted
		case Custom:
			ent.Content, ent.Deleted = r.Content, r.Content == nil
		default:
			return nil, fmt.Errorf("resolution for %s: unknown choice %d", c.EntityID, int(r.Choice))
		}
		if ent.Content != nil {
			ent.Content = append([]byte(nil), ent.Content...)
		}
		done[c.EntityID] = true
		entities = append(entities, ent)
	}
	for id := range byID {
		if !done[id] {
			return nil, fmt.Errorf("resolution for %s: entity has no open conflict", id)
		}
	}
	e.logger.Info("conflicts resolved", slog.Int("entities", len(entities)))
	return entities, nil
}
