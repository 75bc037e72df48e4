// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package migration copies a vector index into a new one without stopping
// writes.
//
// Records stream from the old index in batches sized by observed write
// latency and are written to the new index by a bounded set of workers.
// Progress is checkpointed in badger at a cursor below which every batch
// is done, so an interrupted run resumes instead of restarting. While the
// copy runs, a DualWriter sends live writes to both indexes and serves
// reads from the old one. The new index takes over only after every
// migrated record has been verified against the source; until then
// Rollback returns everything to the old index.
package migration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	badgerstore "github.com/AleutianAI/AleutianCortex/services/coordinator/storage/badger"
	"github.com/AleutianAI/AleutianCortex/services/coordinator/store"
	"github.com/AleutianAI/AleutianCortex/services/coordinator/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	tracerName    = "cortex.migration"
	keyPrefix     = "migration:"
	sampleLimit   = 20
	verifyPageMax = 500
)

// Manager runs one named migration.
//
// Thread Safety: Safe for concurrent use. One run at a time.
type Manager struct {
	cfg     Config
	logger  *slog.Logger
	source  store.VectorStore
	target  store.VectorStore
	db      *badgerstore.DB
	dual    *DualWriter
	limiter *rate.Limiter
	now     func() time.Time

	mu       sync.Mutex
	progress Progress
	sizer    *batchSizer
	tracker  *progressTracker

	cpMu      sync.Mutex
	savedUpTo uint64

	running atomic.Bool
	pausing atomic.Bool
}

// New creates a migration from source to target.
//
// Inputs:
//
//	cfg - Configuration. Zero fields take defaults.
//	source, target - The old and the new index.
//	db - Holds checkpoints. Nil disables checkpointing and resume.
//	dual - The writer serving live traffic during the copy. It is cut over
//	       after verification and rolled back by Rollback. May be nil.
func New(cfg Config, source, target store.VectorStore, db *badgerstore.DB, dual *DualWriter) (*Manager, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if source == nil || target == nil {
		return nil, errors.New("migration requires a source and a target index")
	}
	if cfg.Namespace == "" {
		cfg.Namespace = store.MainNamespace
	}
	m := &Manager{
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("component", "migration"), slog.String("migration", cfg.Name)),
		source: source,
		target: target,
		db:     db,
		dual:   dual,
		now:    time.Now,
	}
	if cfg.RateLimit > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.MaxBatchSize)
	}
	m.progress = Progress{Name: cfg.Name, Namespace: cfg.Namespace, DryRun: cfg.DryRun}
	return m, nil
}

// Run copies the index, resuming from the checkpoint when Config.Resume is
// set.
//
// Description:
//
//	PREPARING loads the checkpoint and counts the source. IN_PROGRESS
//	copies batches until the source is exhausted, Pause is called or ctx
//	ends. VERIFYING compares every migrated record with the source. A
//	verified run is COMPLETED and the DualWriter is cut over.
//
// Outputs:
//
//	*Report - Always set once the run started, failures included.
//	error - ErrMigrationRunning, a *VerificationError, ctx.Err() for a
//	        cancelled run, or the store failure that stopped the copy.
//	        A paused run returns a PAUSED report and nil.
func (m *Manager) Run(ctx context.Context) (*Report, error) {
	return m.run(ctx, m.cfg.Resume)
}

// Resume continues from the checkpoint regardless of Config.Resume.
func (m *Manager) Resume(ctx context.Context) (*Report, error) {
	return m.run(ctx, true)
}

func (m *Manager) run(ctx context.Context, resume bool) (report *Report, err error) {
	if !m.running.CompareAndSwap(false, true) {
		return nil, ErrMigrationRunning
	}
	defer m.running.Store(false)
	m.pausing.Store(false)

	ctx, span := telemetry.StartSpan(ctx, tracerName, "migration.Manager.Run",
		trace.WithAttributes(
			attribute.String("migration", m.cfg.Name),
			attribute.Bool("resume", resume),
			attribute.Bool("dry_run", m.cfg.DryRun),
		))
	defer func() { telemetry.End(span, err) }()

	start := m.now()
	report = &Report{Name: m.cfg.Name, StartedAt: start, DryRun: m.cfg.DryRun}
	m.setStatus(StatusPreparing)

	cp := Checkpoint{Name: m.cfg.Name, Namespace: m.cfg.Namespace}
	if resume {
		saved, err := m.Checkpoint(ctx)
		switch {
		case err == nil && saved.Namespace == m.cfg.Namespace:
			cp = *saved
		case err != nil && !errors.Is(err, badgerstore.ErrNotFound):
			return m.finish(report, StatusFailed), fmt.Errorf("load checkpoint: %w", err)
		}
	}
	if cp.Status == StatusCompleted {
		report.Migrated = cp.Migrated
		report.Resumed = cp.Migrated
		m.logger.Info("migration already completed")
		return m.finish(report, StatusCompleted), nil
	}

	total, err := m.source.Count(ctx, m.cfg.Namespace)
	if err != nil {
		return m.finish(report, StatusFailed), fmt.Errorf("count source: %w", err)
	}
	report.Total = total
	report.Resumed = cp.Migrated

	sizer := newBatchSizer(m.cfg)
	tracker := newProgressTracker(cp.BatchNumber, cp.Cursor, cp.Migrated)
	m.mu.Lock()
	m.sizer, m.tracker = sizer, tracker
	m.progress = Progress{
		Name:        m.cfg.Name,
		Namespace:   m.cfg.Namespace,
		Total:       total,
		Migrated:    cp.Migrated,
		Cursor:      cp.Cursor,
		BatchNumber: cp.BatchNumber,
		StartedAt:   start,
		DryRun:      m.cfg.DryRun,
	}
	m.mu.Unlock()
	m.cpMu.Lock()
	m.savedUpTo = cp.BatchNumber
	m.cpMu.Unlock()

	m.logger.Info("migration started",
		slog.Int("total", total),
		slog.String("cursor", cp.Cursor),
		slog.Int64("resumed", cp.Migrated))
	m.setStatus(StatusInProgress)

	copyErr := m.copyAll(ctx, cp, sizer, tracker)

	cursor, migrated, next := tracker.snapshot()
	report.Migrated = migrated
	report.Batches = next - cp.BatchNumber
	cp.Cursor, cp.Migrated, cp.BatchNumber = cursor, migrated, next

	switch {
	case copyErr != nil && ctx.Err() != nil:
		m.save(context.WithoutCancel(ctx), cp, StatusCancelled)
		return m.finish(report, StatusCancelled), copyErr
	case copyErr != nil:
		m.save(ctx, cp, StatusFailed)
		m.logger.Error("migration failed", slog.String("error", copyErr.Error()))
		return m.finish(report, StatusFailed), copyErr
	case m.pausing.Load():
		m.save(ctx, cp, StatusPaused)
		m.logger.Info("migration paused", slog.String("cursor", cursor))
		return m.finish(report, StatusPaused), nil
	}

	if m.cfg.Verify && !m.cfg.DryRun {
		m.setStatus(StatusVerifying)
		v, err := m.Verify(ctx)
		report.Verification = v
		if err != nil {
			m.save(context.WithoutCancel(ctx), cp, StatusFailed)
			return m.finish(report, StatusFailed), fmt.Errorf("verify: %w", err)
		}
		if v.Failed() {
			m.save(ctx, cp, StatusFailed)
			m.logger.Error("migration verification failed",
				slog.Int64("missing", v.Missing),
				slog.Int64("mismatched", v.Mismatched),
				slog.Any("samples", v.Samples))
			return m.finish(report, StatusFailed), &VerificationError{Verification: v}
		}
		cp.Verified = v.Verified
	}

	m.save(ctx, cp, StatusCompleted)
	if m.dual != nil && !m.cfg.DryRun {
		m.dual.CutOver()
	}
	report = m.finish(report, StatusCompleted)
	m.logger.Info("migration completed",
		slog.Int64("migrated", report.Migrated),
		slog.Uint64("batches", report.Batches),
		slog.Duration("duration", report.Duration),
		slog.Float64("throughput", report.Throughput))
	return report, nil
}

func (m *Manager) finish(report *Report, status Status) *Report {
	m.setStatus(status)
	report.Status = status
	report.FinishedAt = m.now()
	report.Duration = report.FinishedAt.Sub(report.StartedAt)
	if secs := report.Duration.Seconds(); secs > 0 {
		report.Throughput = float64(report.Migrated-report.Resumed) / secs
	}
	return report
}

// copyAll streams pages from the source and hands them to workers. The
// producer stops at the end of the source, on Pause, or when a worker
// fails.
func (m *Manager) copyAll(ctx context.Context, cp Checkpoint, sizer *batchSizer, tracker *progressTracker) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Workers)

	cursor := cp.Cursor
	num := cp.BatchNumber
	var scanErr error
	for !m.pausing.Load() && gctx.Err() == nil {
		page, next, err := m.source.Scan(gctx, m.cfg.Namespace, cursor, sizer.current())
		if err != nil {
			scanErr = fmt.Errorf("scan source after %q: %w", cursor, err)
			break
		}
		if len(page) == 0 {
			break
		}
		batch, id := page, num
		tracker.start(id, page[len(page)-1].ID, len(page))
		num++
		g.Go(func() error {
			return m.copyBatch(gctx, id, batch, sizer, tracker)
		})
		if next == "" {
			break
		}
		cursor = next
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return scanErr
}

func (m *Manager) copyBatch(ctx context.Context, num uint64, batch []store.VectorRecord, sizer *batchSizer, tracker *progressTracker) error {
	if m.limiter != nil {
		if err := m.limiter.WaitN(ctx, len(batch)); err != nil {
			return err
		}
	}
	start := time.Now()
	if !m.cfg.DryRun {
		if err := m.target.Upsert(ctx, batch); err != nil {
			recordsTotal.WithLabelValues("failed").Add(float64(len(batch)))
			return fmt.Errorf("write batch %d: %w", num, err)
		}
	}
	latency := time.Since(start)
	batchLatency.Observe(latency.Seconds())
	size := sizer.observe(latency)
	batchSizeGauge.Set(float64(size))
	recordsTotal.WithLabelValues("ok").Add(float64(len(batch)))

	cursor, migrated, next, due := tracker.finish(num, m.cfg.CheckpointEvery)
	m.mu.Lock()
	m.progress.Cursor = cursor
	m.progress.Migrated = migrated
	m.progress.BatchNumber = next
	m.mu.Unlock()

	m.logger.Debug("batch migrated",
		slog.Uint64("batch", num),
		slog.Int("records", len(batch)),
		slog.Duration("latency", latency),
		slog.Int("next_size", size))

	if due {
		m.save(ctx, Checkpoint{
			Name:        m.cfg.Name,
			Namespace:   m.cfg.Namespace,
			Cursor:      cursor,
			BatchNumber: next,
			Migrated:    migrated,
		}, StatusInProgress)
	}
	return nil
}

// Pause asks the running copy to stop after the batches in flight. Run
// then returns a PAUSED report; Resume continues.
func (m *Manager) Pause() error {
	if !m.running.Load() {
		return ErrNotRunning
	}
	m.pausing.Store(true)
	return nil
}

// Status returns a snapshot of the current or last run.
func (m *Manager) Status() Progress {
	m.mu.Lock()
	p := m.progress
	sizer := m.sizer
	m.mu.Unlock()
	if sizer != nil {
		p.BatchSize = sizer.current()
		p.AvgBatchLatency = sizer.average()
	}
	if !p.StartedAt.IsZero() {
		if secs := m.now().Sub(p.StartedAt).Seconds(); secs > 0 {
			p.Throughput = float64(p.Migrated) / secs
		}
	}
	return p
}

func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	prev := m.progress.Status
	m.progress.Status = s
	m.mu.Unlock()
	if prev != s {
		statusTotal.WithLabelValues(string(s)).Inc()
		m.logger.Debug("migration status", slog.String("from", string(prev)), slog.String("to", string(s)))
	}
}

// -----------------------------------------------------------------------------
// Verification
// -----------------------------------------------------------------------------

// Verify compares every source record with the target by content digest.
func (m *Manager) Verify(ctx context.Context) (v *Verification, err error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "migration.Manager.Verify")
	defer func() { telemetry.End(span, err) }()

	start := m.now()
	v = &Verification{}
	page := m.cfg.MaxBatchSize
	if page > verifyPageMax {
		page = verifyPageMax
	}
	cursor := ""
	for {
		recs, next, err := m.source.Scan(ctx, m.cfg.Namespace, cursor, page)
		if err != nil {
			return v, fmt.Errorf("scan source: %w", err)
		}
		if len(recs) > 0 {
			ids := make([]string, len(recs))
			for i, r := range recs {
				ids[i] = r.ID
			}
			got, err := m.target.Get(ctx, m.cfg.Namespace, ids)
			if err != nil {
				return v, fmt.Errorf("read target: %w", err)
			}
			byID := make(map[string]store.VectorRecord, len(got))
			for _, r := range got {
				byID[r.ID] = r
			}
			for _, r := range recs {
				v.Verified++
				t, ok := byID[r.ID]
				switch {
				case !ok:
					v.Missing++
					v.sample(r.ID)
				case t.Digest != r.Digest:
					v.Mismatched++
					v.sample(r.ID)
				default:
					v.Correct++
				}
			}
		}
		if next == "" {
			break
		}
		cursor = next
	}
	v.Duration = m.now().Sub(start)
	span.SetAttributes(
		attribute.Int64("verified", v.Verified),
		attribute.Int64("missing", v.Missing),
		attribute.Int64("mismatched", v.Mismatched))
	return v, nil
}

func (v *Verification) sample(id string) {
	if len(v.Samples) < sampleLimit {
		v.Samples = append(v.Samples, id)
	}
}

// -----------------------------------------------------------------------------
// Rollback
// -----------------------------------------------------------------------------

// Rollback returns reads and writes to the old index, removes the copied
// records from the new one and forgets the checkpoint. It is refused once
// the migration has cut over.
func (m *Manager) Rollback(ctx context.Context) (err error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "migration.Manager.Rollback")
	defer func() { telemetry.End(span, err) }()

	if m.dual != nil && m.dual.Phase() == PhaseCutOver {
		return ErrCutOverDone
	}
	if !m.running.CompareAndSwap(false, true) {
		return ErrMigrationRunning
	}
	defer m.running.Store(false)

	m.setStatus(StatusRollingBack)
	if m.dual != nil {
		m.dual.RollBack()
	}

	removed := 0
	cursor := ""
	for {
		recs, next, err := m.target.Scan(ctx, m.cfg.Namespace, cursor, m.cfg.MaxBatchSize)
		if err != nil {
			m.setStatus(StatusFailed)
			return fmt.Errorf("scan target: %w", err)
		}
		if len(recs) > 0 {
			ids := make([]string, len(recs))
			for i, r := range recs {
				ids[i] = r.ID
			}
			if err := m.target.Delete(ctx, m.cfg.Namespace, ids); err != nil {
				m.setStatus(StatusFailed)
				return fmt.Errorf("delete from target: %w", err)
			}
			removed += len(ids)
		}
		if next == "" {
			break
		}
		cursor = next
	}

	if m.db != nil {
		if err := m.db.Delete(ctx, []byte(keyPrefix+m.cfg.Name)); err != nil {
			return fmt.Errorf("delete checkpoint: %w", err)
		}
	}
	m.mu.Lock()
	m.progress.Migrated = 0
	m.progress.Cursor = ""
	m.progress.BatchNumber = 0
	m.mu.Unlock()
	m.setStatus(StatusCancelled)
	m.logger.Info("migration rolled back", slog.Int("removed", removed))
	return nil
}

// -----------------------------------------------------------------------------
// Checkpoints
// -----------------------------------------------------------------------------

// Checkpoint returns the saved checkpoint, or badgerstore.ErrNotFound.
func (m *Manager) Checkpoint(ctx context.Context) (*Checkpoint, error) {
	if m.db == nil {
		return nil, badgerstore.ErrNotFound
	}
	data, err := m.db.Get(ctx, []byte(keyPrefix+m.cfg.Name))
	if err != nil {
		return nil, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &cp, nil
}

// save writes cp with status. In-progress checkpoints never move the
// cursor backwards; concurrent workers may finish out of order.
func (m *Manager) save(ctx context.Context, cp Checkpoint, status Status) {
	if m.db == nil || m.cfg.DryRun {
		return
	}
	m.cpMu.Lock()
	defer m.cpMu.Unlock()
	if status == StatusInProgress && cp.BatchNumber < m.savedUpTo {
		return
	}
	m.savedUpTo = cp.BatchNumber
	cp.Name = m.cfg.Name
	cp.Namespace = m.cfg.Namespace
	cp.Status = status
	cp.UpdatedAt = m.now()
	data, err := json.Marshal(cp)
	if err == nil {
		err = m.db.Put(ctx, []byte(keyPrefix+m.cfg.Name), data)
	}
	if err != nil {
		m.logger.Warn("save migration checkpoint failed", slog.String("error", err.Error()))
		return
	}
	m.logger.Debug("migration checkpoint saved",
		slog.String("cursor", cp.Cursor),
		slog.Uint64("batch", cp.BatchNumber),
		slog.String("status", string(status)))
}
