// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package consistency verifies that the vector store mirrors the structured
// store and repairs the vector side when it does not.
//
// A check builds one digest tree per store over the same hash buckets,
// compares the roots and descends only into differing subtrees, so a clean
// namespace costs one comparison and a drifted one is localized to a few
// buckets. A bloom filter of known vector ids rules out missing vectors
// before the trees are built. The structured store is authoritative:
// repairs re-derive vectors from it.
package consistency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianCortex/services/coordinator/store"
	"github.com/AleutianAI/AleutianCortex/services/coordinator/syncmgr"
	"github.com/AleutianAI/AleutianCortex/services/coordinator/telemetry"
	"github.com/bits-and-blooms/bloom/v3"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const tracerName = "cortex.consistency"

// Events is the slice of the Sync Manager the checker uses. A nil Events
// disables the filter feed and event publishing.
type Events interface {
	Subscribe(buffer int) *syncmgr.Subscription
	Publish(ev syncmgr.Event)
}

// recordRetrier is implemented by the Sync Manager. After repairing an
// entity whose WAL record was abandoned, the checker asks it to settle
// the record so compaction can move past it.
type recordRetrier interface {
	Retry(ctx context.Context, seq uint64) error
}

// Checker compares and repairs the two stores.
//
// Thread Safety: Safe for concurrent use. Concurrent checks of the same
// scope share one run.
type Checker struct {
	cfg      Config
	logger   *slog.Logger
	exec     store.Executor
	vectors  store.VectorStore
	embedder store.Embedder
	events   Events
	now      func() time.Time

	group singleflight.Group

	bloomMu sync.Mutex
	blooms  map[string]*bloom.BloomFilter

	lastMu sync.RWMutex
	last   *Report

	threshold atomic.Int64

	// healed holds the sequences of abandoned records already handled, so
	// a record that keeps failing is not retried in a tight loop.
	healed sync.Map

	cron    *cron.Cron
	sub     *syncmgr.Subscription
	wg      sync.WaitGroup
	started atomic.Bool
	stopped atomic.Bool
}

// New creates a checker.
//
// Inputs:
//
//	cfg - Configuration. Zero fields take defaults.
//	exec - Lends structured store handles.
//	vectors - The vector store to verify.
//	embedder - Re-derives vectors for repairs.
//	events - Optional event source and sink, normally the Sync Manager.
//
// Outputs:
//
//	*Checker - Call Start to enable the schedule and the filter feed.
//	error - Non-nil for an invalid schedule or a missing dependency.
func New(cfg Config, exec store.Executor, vectors store.VectorStore, embedder store.Embedder, events Events) (*Checker, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if exec == nil || vectors == nil || embedder == nil {
		return nil, errors.New("consistency checker requires an executor, a vector store and an embedder")
	}
	c := &Checker{
		cfg:      cfg,
		logger:   cfg.Logger.With(slog.String("component", "consistency")),
		exec:     exec,
		vectors:  vectors,
		embedder: embedder,
		events:   events,
		now:      time.Now,
		blooms:   make(map[string]*bloom.BloomFilter),
	}
	c.threshold.Store(int64(cfg.RepairThreshold))
	return c, nil
}

// SetRepairThreshold changes the drift count above which checks escalate
// instead of repairing. It applies from the next check on.
func (c *Checker) SetRepairThreshold(n int) {
	if n < 0 {
		n = 0
	}
	c.threshold.Store(int64(n))
	c.logger.Info("repair threshold changed", slog.Int("threshold", n))
}

// RepairThreshold returns the current threshold.
func (c *Checker) RepairThreshold() int {
	return int(c.threshold.Load())
}

// -----------------------------------------------------------------------------
// Check
// -----------------------------------------------------------------------------

// Check compares the stores over scope and repairs drift.
//
// Description:
//
//	Drift at or below the repair threshold is repaired when AutoRepair is
//	on. Above it nothing is repaired and the report comes back with a
//	*DriftError. Concurrent calls for the same scope wait for one run and
//	share its report.
//
// Outputs:
//
//	*Report - The report; set with a *DriftError too.
//	error - A *DriftError, or the store failure that stopped the check.
func (c *Checker) Check(ctx context.Context, scope Scope) (*Report, error) {
	if c.stopped.Load() {
		return nil, ErrCheckerStopped
	}
	if scope.Namespace == "" {
		scope.Namespace = store.MainNamespace
	}
	v, err, _ := c.group.Do(scope.String(), func() (any, error) {
		return c.check(ctx, scope)
	})
	report, _ := v.(*Report)
	return report, err
}

type snapshot struct {
	structured map[string]store.Digest
	vectors    map[string]store.VectorRecord
}

func (c *Checker) check(ctx context.Context, scope Scope) (report *Report, err error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "consistency.Checker.Check",
		trace.WithAttributes(attribute.String("scope", scope.String())))
	defer func() { telemetry.End(span, err) }()

	start := c.now()
	report = &Report{ID: uuid.NewString(), Scope: scope, StartedAt: start}
	defer func() {
		report.Duration = c.now().Sub(start)
		checkDuration.Observe(report.Duration.Seconds())
		switch {
		case err == nil:
			checksTotal.WithLabelValues("ok").Inc()
		case errors.Is(err, ErrConsistencyDrift):
			checksTotal.WithLabelValues("escalated").Inc()
		default:
			checksTotal.WithLabelValues("error").Inc()
		}
		if err == nil || errors.Is(err, ErrConsistencyDrift) {
			c.lastMu.Lock()
			c.last = report
			c.lastMu.Unlock()
		}
	}()

	snap, err := c.load(ctx, scope)
	if err != nil {
		return nil, err
	}
	report.Checked = len(snap.structured)

	excluded := c.bloomPass(scope, snap, report)

	st := newDigestTree(c.cfg.BucketCount)
	vt := newDigestTree(c.cfg.BucketCount)
	for id, d := range snap.structured {
		if !excluded[id] {
			st.add(id, d)
		}
	}
	for id, r := range snap.vectors {
		vt.add(id, r.Digest)
	}
	st.seal()
	vt.seal()

	buckets, compared := diff(st, vt)
	report.NodesCompared = compared
	report.BucketsDiffering = len(buckets)
	nodesCompared.Observe(float64(compared))
	report.VectorRoot = vt.root()
	if len(excluded) > 0 {
		// Entities the filter ruled out are part of the structured root.
		for id := range excluded {
			st.add(id, snap.structured[id])
		}
		st.seal()
	}
	report.DigestRoot = st.root()

	for _, b := range buckets {
		for id, d := range st.buckets[b] {
			r, ok := vt.buckets[b][id]
			switch {
			case !ok:
				report.add(id, StatusMissingVector)
			case r != d:
				report.add(id, StatusMismatch)
			}
		}
		for id := range vt.buckets[b] {
			if _, ok := snap.structured[id]; !ok {
				report.add(id, StatusOrphanVector)
			}
		}
	}
	report.Checked += report.OrphanVectors
	report.Consistent = report.Checked - len(report.Drift)
	sort.Slice(report.Drift, func(i, j int) bool { return report.Drift[i].EntityID < report.Drift[j].EntityID })

	for _, d := range report.Drift {
		driftTotal.WithLabelValues(string(d.Status)).Inc()
		c.publish(syncmgr.Event{
			Type:      syncmgr.EventInconsistent,
			Namespace: scope.Namespace,
			EntityID:  d.EntityID,
			Error:     string(d.Status),
		})
	}
	span.SetAttributes(
		attribute.Int("checked", report.Checked),
		attribute.Int("drift", len(report.Drift)),
		attribute.Int("nodes_compared", compared))

	threshold := c.RepairThreshold()
	if len(report.Drift) > threshold {
		report.Escalated = true
		c.logger.Error("consistency drift escalated",
			slog.String("scope", scope.String()),
			slog.Int("drift", len(report.Drift)),
			slog.Int("threshold", threshold))
		return report, &DriftError{Report: report, Threshold: threshold}
	}
	if len(report.Drift) > 0 && c.cfg.AutoRepair {
		c.repair(ctx, scope.Namespace, snap, report)
		root := applyRepairs(vt, snap, report)
		report.RepairedRoot = &root
		if root != report.DigestRoot {
			c.logger.Warn("vector root still differs after repair",
				slog.String("scope", scope.String()),
				slog.String("digest_root", report.DigestRoot.Short()),
				slog.String("repaired_root", root.Short()))
		}
	}

	level := slog.LevelInfo
	if len(report.Drift) > 0 {
		level = slog.LevelWarn
	}
	c.logger.Log(ctx, level, "consistency check finished",
		slog.String("scope", scope.String()),
		slog.Int("checked", report.Checked),
		slog.Int("missing", report.MissingVectors),
		slog.Int("orphans", report.OrphanVectors),
		slog.Int("mismatches", report.Mismatches),
		slog.Int("repaired", report.Repaired),
		slog.Int("repair_failed", report.RepairFailed),
		slog.Int("bloom_misses", report.BloomMisses))
	return report, nil
}

// load pages through both stores. Tombstones count as absent.
func (c *Checker) load(ctx context.Context, scope Scope) (*snapshot, error) {
	snap := &snapshot{
		structured: make(map[string]store.Digest),
		vectors:    make(map[string]store.VectorRecord),
	}
	err := c.exec.Execute(ctx, func(ctx context.Context, conn store.StructuredConn) error {
		after := ""
		for {
			page, err := conn.List(ctx, scope.Namespace, after, c.cfg.BatchSize)
			if err != nil {
				return err
			}
			for _, e := range page {
				if !e.Deleted && scope.contains(e.ID) {
					snap.structured[e.ID] = e.Digest
				}
			}
			if len(page) < c.cfg.BatchSize {
				return nil
			}
			after = page[len(page)-1].ID
		}
	})
	if err != nil {
		return nil, fmt.Errorf("scan structured store: %w", err)
	}

	cursor := ""
	for {
		page, next, err := c.vectors.Scan(ctx, scope.Namespace, cursor, c.cfg.BatchSize)
		if err != nil {
			return nil, fmt.Errorf("scan vector store: %w", err)
		}
		for _, r := range page {
			if scope.contains(r.ID) {
				r.Vector = nil
				snap.vectors[r.ID] = r
			}
		}
		if next == "" {
			return snap, nil
		}
		cursor = next
	}
}

// bloomPass refreshes the namespace filter with the scanned vector ids
// and returns the structured ids the filter proves have no vector. Those
// are reported as missing and kept out of the trees.
func (c *Checker) bloomPass(scope Scope, snap *snapshot, report *Report) map[string]bool {
	if !c.cfg.EnableBloom {
		return nil
	}
	c.bloomMu.Lock()
	filter := c.blooms[scope.Namespace]
	if filter == nil || scope.Prefix == "" {
		filter = bloom.NewWithEstimates(c.cfg.BloomCapacity, c.cfg.BloomFalsePositiveRate)
		c.blooms[scope.Namespace] = filter
	}
	for id := range snap.vectors {
		filter.AddString(id)
	}
	excluded := make(map[string]bool)
	for id := range snap.structured {
		if !filter.TestString(id) {
			excluded[id] = true
		}
	}
	c.bloomMu.Unlock()

	for id := range excluded {
		report.add(id, StatusMissingVector)
	}
	report.BloomMisses = len(excluded)
	return excluded
}

// ObserveVector records that ns/id now has a vector record.
func (c *Checker) ObserveVector(ns, id string) {
	if !c.cfg.EnableBloom {
		return
	}
	c.bloomMu.Lock()
	defer c.bloomMu.Unlock()
	filter := c.blooms[ns]
	if filter == nil {
		filter = bloom.NewWithEstimates(c.cfg.BloomCapacity, c.cfg.BloomFalsePositiveRate)
		c.blooms[ns] = filter
	}
	filter.AddString(id)
}

// mayHaveVector reports whether the filter admits ns/id. Without a filter
// every id is admitted.
func (c *Checker) mayHaveVector(ns, id string) bool {
	c.bloomMu.Lock()
	defer c.bloomMu.Unlock()
	filter := c.blooms[ns]
	return filter == nil || filter.TestString(id)
}

// VerifyEntity checks one entity. It returns store.ErrNotFound when
// neither store has it.
func (c *Checker) VerifyEntity(ctx context.Context, ns, id string) (Status, error) {
	if ns == "" {
		ns = store.MainNamespace
	}
	var ent *store.Entity
	err := c.exec.Execute(ctx, func(ctx context.Context, conn store.StructuredConn) error {
		e, err := conn.Get(ctx, ns, id)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if e != nil && !e.Deleted {
			ent = e
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if ent != nil && c.cfg.EnableBloom && !c.mayHaveVector(ns, id) {
		return StatusMissingVector, nil
	}

	recs, err := c.vectors.Get(ctx, ns, []string{id})
	if err != nil {
		return "", err
	}
	switch {
	case ent == nil && len(recs) == 0:
		return "", fmt.Errorf("%s/%s: %w", ns, id, store.ErrNotFound)
	case ent == nil:
		return StatusOrphanVector, nil
	case len(recs) == 0:
		return StatusMissingVector, nil
	case recs[0].Digest != ent.Digest:
		return StatusMismatch, nil
	}
	return StatusConsistent, nil
}

// -----------------------------------------------------------------------------
// Repair
// -----------------------------------------------------------------------------

func (c *Checker) repair(ctx context.Context, ns string, snap *snapshot, report *Report) {
	for _, d := range report.Drift {
		action := actionFor(d.Status)
		err := c.repairOne(ctx, ns, d.EntityID, snap.vectors[d.EntityID].Payload)
		rep := Repair{EntityID: d.EntityID, Action: action}
		if err != nil {
			rep.Error = err.Error()
			report.RepairFailed++
			repairsTotal.WithLabelValues(string(action), "failed").Inc()
			c.logger.Warn("vector repair failed",
				slog.String("entity_id", d.EntityID),
				slog.String("action", string(action)),
				slog.String("error", err.Error()))
		} else {
			report.Repaired++
			repairsTotal.WithLabelValues(string(action), "ok").Inc()
			c.publish(syncmgr.Event{
				Type:      syncmgr.EventRepaired,
				Namespace: ns,
				EntityID:  d.EntityID,
				Op:        string(action),
			})
		}
		report.Repairs = append(report.Repairs, rep)
	}
}

// applyRepairs replays the successful repairs of report onto the vector
// tree and returns its new root.
func applyRepairs(vt *digestTree, snap *snapshot, report *Report) store.Digest {
	for _, r := range report.Repairs {
		if r.Error != "" {
			continue
		}
		if r.Action == ActionDeleteOrphanVector {
			vt.remove(r.EntityID)
			continue
		}
		vt.add(r.EntityID, snap.structured[r.EntityID])
	}
	vt.seal()
	return vt.root()
}

// repairOne makes the vector side of ns/id match the structured store as
// it is now, which may differ from what the check saw.
func (c *Checker) repairOne(ctx context.Context, ns, id string, payload map[string]string) error {
	var ent *store.Entity
	err := c.exec.Execute(ctx, func(ctx context.Context, conn store.StructuredConn) error {
		e, err := conn.Get(ctx, ns, id)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if e != nil && !e.Deleted {
			ent = e
		}
		return nil
	})
	if err != nil {
		return err
	}
	if ent == nil {
		return c.vectors.Delete(ctx, ns, []string{id})
	}

	recs, err := c.vectors.Get(ctx, ns, []string{id})
	if err != nil {
		return err
	}
	if len(recs) > 0 {
		if recs[0].Digest == ent.Digest {
			return nil
		}
		if recs[0].Payload != nil {
			payload = recs[0].Payload
		}
		// A stale record at an equal or later sequence would shadow the
		// rewrite.
		if recs[0].Sequence >= ent.Sequence {
			if err := c.vectors.Delete(ctx, ns, []string{id}); err != nil {
				return err
			}
		}
	}

	vec, err := c.embedder.Embed(ctx, ent.Content)
	if err != nil {
		return fmt.Errorf("embed %s: %w", id, err)
	}
	if err := c.vectors.Upsert(ctx, []store.VectorRecord{{
		Namespace: ns,
		ID:        id,
		Vector:    vec,
		Digest:    ent.Digest,
		Sequence:  ent.Sequence,
		Payload:   payload,
	}}); err != nil {
		return err
	}
	c.ObserveVector(ns, id)
	return nil
}

func (c *Checker) publish(ev syncmgr.Event) {
	if c.events != nil {
		c.events.Publish(ev)
	}
}

// LastReport returns the most recent completed report, or nil.
func (c *Checker) LastReport() *Report {
	c.lastMu.RLock()
	defer c.lastMu.RUnlock()
	return c.last
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Start feeds the filter from synced events, heals abandoned WAL records
// when AutoRepair is set and runs scheduled checks of
// the main namespace until Stop or ctx is done.
func (c *Checker) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return nil
	}
	if c.events != nil && (c.cfg.EnableBloom || c.cfg.AutoRepair) {
		c.sub = c.events.Subscribe(0)
		c.wg.Add(1)
		go c.feed(ctx, c.sub)
	}
	if c.cfg.Schedule == "" {
		return nil
	}
	c.cron = cron.New(cron.WithParser(scheduleParser))
	_, err := c.cron.AddFunc(c.cfg.Schedule, func() {
		if ctx.Err() != nil {
			return
		}
		_, err := c.Check(ctx, Scope{Namespace: store.MainNamespace})
		if err != nil && !errors.Is(err, ErrConsistencyDrift) && !errors.Is(err, ErrCheckerStopped) {
			c.logger.Error("scheduled consistency check failed", slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule consistency check: %w", err)
	}
	c.cron.Start()
	c.logger.Info("consistency schedule started", slog.String("schedule", c.cfg.Schedule))
	return nil
}

func (c *Checker) feed(ctx context.Context, sub *syncmgr.Subscription) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			switch {
			case ev.Type == syncmgr.EventSynced && ev.Op == syncmgr.OpUpsert.String():
				if c.cfg.EnableBloom {
					c.ObserveVector(ev.Namespace, ev.EntityID)
				}
			case ev.Type == syncmgr.EventAbandoned && c.cfg.AutoRepair:
				c.healAbandoned(ctx, ev)
			}
		}
	}
}

// healAbandoned repairs the vector side of an entity whose WAL record ran
// out of attempts and then retries the record, which settles it once the
// stores agree. Each sequence is handled once per process; a record that
// still fails stays in the log for a manual replay.
func (c *Checker) healAbandoned(ctx context.Context, ev syncmgr.Event) {
	if _, seen := c.healed.LoadOrStore(ev.Seq, struct{}{}); seen {
		return
	}
	logger := c.logger.With(
		slog.Uint64("seq", ev.Seq),
		slog.String("entity_id", ev.EntityID))

	if ev.Namespace == store.MainNamespace {
		if err := c.repairOne(ctx, ev.Namespace, ev.EntityID, nil); err != nil {
			repairsTotal.WithLabelValues("heal", "failed").Inc()
			logger.Warn("abandoned record repair failed, left for replay", slog.String("error", err.Error()))
			return
		}
		repairsTotal.WithLabelValues("heal", "ok").Inc()
		c.publish(syncmgr.Event{
			Type:      syncmgr.EventRepaired,
			Seq:       ev.Seq,
			Namespace: ev.Namespace,
			EntityID:  ev.EntityID,
			Op:        "heal",
		})
	}

	retrier, ok := c.events.(recordRetrier)
	if !ok {
		return
	}
	if err := retrier.Retry(ctx, ev.Seq); err != nil {
		logger.Warn("abandoned record still failing, left for replay", slog.String("error", err.Error()))
		return
	}
	logger.Info("abandoned record healed")
}

// Stop ends the schedule and the filter feed. A running scheduled check
// is waited for.
func (c *Checker) Stop() {
	if !c.stopped.CompareAndSwap(false, true) {
		return
	}
	if c.cron != nil {
		<-c.cron.Stop().Done()
	}
	if c.sub != nil {
		c.sub.Close()
	}
	c.wg.Wait()
}
