// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package migration

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/AleutianAI/AleutianCortex/services/coordinator/store"
)

// Phase is the routing mode of a DualWriter.
type Phase string

const (
	// PhaseDual writes to both indexes and reads from the old one.
	PhaseDual Phase = "dual"

	// PhaseCutOver reads and writes the new index only.
	PhaseCutOver Phase = "cut_over"

	// PhaseRolledBack reads and writes the old index only.
	PhaseRolledBack Phase = "rolled_back"
)

// DualWriter is a store.VectorStore that keeps a new index current while a
// migration copies the old one into it. The old index stays authoritative
// until CutOver. Failed writes to the new index are logged and counted;
// verification catches the records they leave behind.
//
// Thread Safety: Safe for concurrent use.
type DualWriter struct {
	mu     sync.RWMutex
	phase  Phase
	old    store.VectorStore
	new    store.VectorStore
	logger *slog.Logger
}

// NewDualWriter starts in PhaseDual.
func NewDualWriter(old, new store.VectorStore, logger *slog.Logger) *DualWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &DualWriter{
		phase:  PhaseDual,
		old:    old,
		new:    new,
		logger: logger.With(slog.String("component", "dual_writer")),
	}
}

// Phase returns the current routing mode.
func (d *DualWriter) Phase() Phase {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.phase
}

// CutOver moves reads and writes to the new index.
func (d *DualWriter) CutOver() {
	d.setPhase(PhaseCutOver)
}

// RollBack moves reads and writes back to the old index.
func (d *DualWriter) RollBack() {
	d.setPhase(PhaseRolledBack)
}

func (d *DualWriter) setPhase(p Phase) {
	d.mu.Lock()
	prev := d.phase
	d.phase = p
	d.mu.Unlock()
	d.logger.Info("dual writer phase changed",
		slog.String("from", string(prev)),
		slog.String("to", string(p)))
}

// reader returns the index that serves reads.
func (d *DualWriter) reader() store.VectorStore {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.phase == PhaseCutOver {
		return d.new
	}
	return d.old
}

// write applies fn to the primary index and, while dual, to the secondary.
// The read lock is held across both writes so a phase change never splits
// one write.
func (d *DualWriter) write(op string, fn func(store.VectorStore) error) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	switch d.phase {
	case PhaseCutOver:
		return fn(d.new)
	case PhaseRolledBack:
		return fn(d.old)
	}
	if err := fn(d.old); err != nil {
		return err
	}
	if err := fn(d.new); err != nil {
		dualWriteErrors.WithLabelValues(op).Inc()
		d.logger.Warn("dual write to new index failed",
			slog.String("op", op),
			slog.String("error", err.Error()))
	}
	return nil
}

// Upsert implements store.VectorStore.
func (d *DualWriter) Upsert(ctx context.Context, records []store.VectorRecord) error {
	return d.write("upsert", func(s store.VectorStore) error { return s.Upsert(ctx, records) })
}

// Delete implements store.VectorStore.
func (d *DualWriter) Delete(ctx context.Context, ns string, ids []string) error {
	return d.write("delete", func(s store.VectorStore) error { return s.Delete(ctx, ns, ids) })
}

// Get implements store.VectorStore.
func (d *DualWriter) Get(ctx context.Context, ns string, ids []string) ([]store.VectorRecord, error) {
	return d.reader().Get(ctx, ns, ids)
}

// Scan implements store.VectorStore.
func (d *DualWriter) Scan(ctx context.Context, ns, cursor string, limit int) ([]store.VectorRecord, string, error) {
	return d.reader().Scan(ctx, ns, cursor, limit)
}

// Search implements store.VectorStore.
func (d *DualWriter) Search(ctx context.Context, ns string, vector []float32, k int, filter map[string]string) ([]store.SearchHit, error) {
	return d.reader().Search(ctx, ns, vector, k, filter)
}

// Count implements store.VectorStore.
func (d *DualWriter) Count(ctx context.Context, ns string) (int, error) {
	return d.reader().Count(ctx, ns)
}

// Close closes both indexes.
func (d *DualWriter) Close() error {
	return errors.Join(d.old.Close(), d.new.Close())
}
