// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package syncmgr is the only writer of the committed main namespace. It
// logs every change to a badger write-ahead log, applies it to the
// structured store and then to the vector store, and broadcasts an event
// per change.
package syncmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	badgerstore "github.com/AleutianAI/AleutianCortex/services/coordinator/storage/badger"
	"github.com/AleutianAI/AleutianCortex/services/coordinator/store"
	"github.com/AleutianAI/AleutianCortex/services/coordinator/telemetry"
	"github.com/cenkalti/backoff/v4"
	"github.com/cespare/xxhash/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "cortex.syncmgr"

// ErrInvalidChange is returned for a change without entity id or with an
// unknown operation.
var ErrInvalidChange = errors.New("invalid change")

// Config configures the Sync Manager.
type Config struct {
	// Stripes is the number of per-entity apply stripes. Default: 64.
	Stripes int `yaml:"stripes" validate:"gte=0"`

	// EventBuffer is the default subscriber buffer. Default: 256.
	EventBuffer int `yaml:"event_buffer" validate:"gte=0"`

	// RetryInterval is how often incomplete records are replayed while
	// running. Default: 15s.
	RetryInterval time.Duration `yaml:"retry_interval"`

	// CompactInterval is how often complete records are purged. Default: 1m.
	CompactInterval time.Duration `yaml:"compact_interval"`

	// MaxAttempts bounds how often the retry loop applies one record before
	// it is abandoned. Abandoned records stay in the log. Default: 10.
	MaxAttempts int `yaml:"max_attempts" validate:"gte=0"`

	// VectorRetries is the number of in-line retries of a vector write.
	// Default: 3.
	VectorRetries int `yaml:"vector_retries" validate:"gte=0"`

	// VectorBackoff is the first in-line retry delay. Default: 50ms.
	VectorBackoff time.Duration `yaml:"vector_backoff"`

	Logger *slog.Logger `yaml:"-"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Stripes:         64,
		EventBuffer:     256,
		RetryInterval:   15 * time.Second,
		CompactInterval: time.Minute,
		MaxAttempts:     10,
		VectorRetries:   3,
		VectorBackoff:   50 * time.Millisecond,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Stripes <= 0 {
		c.Stripes = d.Stripes
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = d.RetryInterval
	}
	if c.CompactInterval <= 0 {
		c.CompactInterval = d.CompactInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.VectorBackoff <= 0 {
		c.VectorBackoff = d.VectorBackoff
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Change is a write to be committed.
type Change struct {
	Namespace string
	EntityID  string
	Op        Op
	Content   []byte
	Payload   map[string]string
	SessionID string
}

// RecoveryReport summarizes one replay pass.
type RecoveryReport struct {
	Scanned   int `json:"scanned"`
	Replayed  int `json:"replayed"`
	Failed    int `json:"failed"`
	Abandoned int `json:"abandoned"`
	// Revived counts abandoned records given a fresh attempt budget.
	Revived int `json:"revived"`
}

// Stats is a snapshot of Sync Manager activity.
type Stats struct {
	LastSequence  uint64 `json:"last_sequence"`
	Floor         uint64 `json:"floor"`
	Watermark     uint64 `json:"watermark"`
	Incomplete    int64  `json:"incomplete"`
	Committed     int64  `json:"committed"`
	Failed        int64  `json:"failed"`
	Replayed      int64  `json:"replayed"`
	Abandoned     int64  `json:"abandoned"`
	Stranded      int64  `json:"stranded"`
	Compacted     int64  `json:"compacted"`
	Subscribers   int    `json:"subscribers"`
	EventsDropped int64  `json:"events_dropped"`
}

// Manager sequences dual writes.
//
// Thread Safety: Safe for concurrent use. Changes to the same entity are
// applied in sequence order; unrelated entities proceed in parallel.
type Manager struct {
	cfg      Config
	logger   *slog.Logger
	wal      *WAL
	exec     store.Executor
	vectors  store.VectorStore
	embedder store.Embedder
	bus      *Broadcaster
	stripes  []sync.Mutex

	// pending holds sequences appended but not yet applied to the
	// structured store. The watermark stays below the smallest of them.
	pendingMu sync.Mutex
	pending   map[uint64]struct{}

	incomplete atomic.Int64
	committed  atomic.Int64
	failed     atomic.Int64
	replayed   atomic.Int64
	abandoned  atomic.Int64
	stranded   atomic.Int64 // abandoned records still in the log
	compacted  atomic.Int64

	closed atomic.Bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Sync Manager over the WAL kept in db.
//
// Inputs:
//
//	cfg - Configuration. Zero fields take defaults.
//	db - Badger database holding the WAL. Required.
//	exec - Lends structured store handles, normally the connection pool.
//	vectors - The vector store mirroring main.
//	embedder - Derives vectors from content.
//
// Outputs:
//
//	*Manager - Call Recover before serving writes, then Start.
//	error - Non-nil if the WAL meta state cannot be read.
func New(cfg Config, db *badgerstore.DB, exec store.Executor, vectors store.VectorStore, embedder store.Embedder) (*Manager, error) {
	cfg.applyDefaults()
	if exec == nil || vectors == nil || embedder == nil {
		return nil, errors.New("sync manager requires an executor, a vector store and an embedder")
	}
	logger := cfg.Logger.With(slog.String("component", "sync_manager"))
	wal, err := OpenWAL(context.Background(), db, cfg.Logger)
	if err != nil {
		return nil, err
	}
	return &Manager{
		cfg:      cfg,
		logger:   logger,
		wal:      wal,
		exec:     exec,
		vectors:  vectors,
		embedder: embedder,
		bus:      NewBroadcaster(logger),
		stripes:  make([]sync.Mutex, cfg.Stripes),
		pending:  make(map[uint64]struct{}),
	}, nil
}

func (m *Manager) stripeOf(ns, id string) int {
	return int(xxhash.Sum64String(ns+"\x00"+id) % uint64(len(m.stripes)))
}

// -----------------------------------------------------------------------------
// Commit
// -----------------------------------------------------------------------------

// Commit logs change, applies it to both stores and publishes the outcome.
//
// Description:
//
//	The record is durable once Commit gets past the WAL append. A failure
//	after that point leaves the record incomplete; it is replayed by the
//	retry loop or on the next start, and Commit still returns the record
//	together with the error.
//
// Outputs:
//
//	*Record - The logged record with its sequence number and flags.
//	error - Non-nil if the append failed or a store rejected the write.
func (m *Manager) Commit(ctx context.Context, change Change) (*Record, error) {
	recs, err := m.CommitBatch(ctx, []Change{change})
	if len(recs) == 0 {
		return nil, err
	}
	return recs[0], err
}

// CommitBatch logs changes in one WAL transaction and applies them in
// order. Apply errors of individual records are joined.
func (m *Manager) CommitBatch(ctx context.Context, changes []Change) (recs []*Record, err error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "syncmgr.Manager.CommitBatch",
		trace.WithAttributes(attribute.Int("changes", len(changes))))
	defer func() { telemetry.End(span, err) }()

	if m.closed.Load() {
		return nil, ErrWalClosed
	}
	if len(changes) == 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	recs = make([]*Record, 0, len(changes))
	stripeSet := make(map[int]struct{})
	for _, ch := range changes {
		rec, err := newRecord(ch, now)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
		stripeSet[m.stripeOf(rec.Namespace, rec.EntityID)] = struct{}{}
	}

	// Ascending stripe order keeps concurrent batches deadlock free.
	order := make([]int, 0, len(stripeSet))
	for i := range stripeSet {
		order = append(order, i)
	}
	sort.Ints(order)
	for _, i := range order {
		m.stripes[i].Lock()
	}
	defer func() {
		for _, i := range order {
			m.stripes[i].Unlock()
		}
	}()

	m.pendingMu.Lock()
	err = m.wal.Append(ctx, recs...)
	if err == nil {
		for _, r := range recs {
			m.pending[r.Seq] = struct{}{}
		}
	}
	m.pendingMu.Unlock()
	if err != nil {
		commitTotal.WithLabelValues("append_failed").Inc()
		return nil, err
	}
	m.incomplete.Add(int64(len(recs)))
	walIncomplete.Add(float64(len(recs)))
	span.SetAttributes(attribute.Int64("first_seq", int64(recs[0].Seq)))

	var errs []error
	for _, rec := range recs {
		start := time.Now()
		if err := m.apply(ctx, rec, false); err != nil {
			errs = append(errs, err)
			continue
		}
		commitDuration.Observe(time.Since(start).Seconds())
	}
	return recs, errors.Join(errs...)
}

func newRecord(ch Change, now time.Time) (*Record, error) {
	if ch.EntityID == "" {
		return nil, fmt.Errorf("%w: empty entity id", ErrInvalidChange)
	}
	if ch.Op != OpUpsert && ch.Op != OpDelete {
		return nil, fmt.Errorf("%w: %s", ErrInvalidChange, ch.Op)
	}
	ns := ch.Namespace
	if ns == "" {
		ns = store.MainNamespace
	}
	rec := &Record{
		Op:        ch.Op,
		Namespace: ns,
		EntityID:  ch.EntityID,
		Payload:   ch.Payload,
		SessionID: ch.SessionID,
		CreatedAt: now,
	}
	if ch.Op == OpUpsert {
		rec.Content = append([]byte(nil), ch.Content...)
		rec.Digest = store.DigestOf(ch.Content)
	}
	return rec, nil
}

// apply drives rec to completion. Called with rec's stripe held.
func (m *Manager) apply(ctx context.Context, rec *Record, replay bool) error {
	if !rec.CommittedStructured {
		if err := m.applyStructured(ctx, rec); err != nil {
			return m.fail(ctx, rec, fmt.Errorf("structured apply seq %d: %w", rec.Seq, err))
		}
		rec.CommittedStructured = true
		m.settle(rec.Seq)
		if err := m.wal.Save(ctx, rec); err != nil {
			return m.fail(ctx, rec, fmt.Errorf("save wal seq %d: %w", rec.Seq, err))
		}
	}

	if !rec.CommittedVector {
		if err := m.applyVector(ctx, rec, replay); err != nil {
			return m.fail(ctx, rec, fmt.Errorf("vector apply seq %d: %w", rec.Seq, err))
		}
		rec.CommittedVector = true
		rec.LastError = ""
		if err := m.wal.Save(ctx, rec); err != nil {
			return m.fail(ctx, rec, fmt.Errorf("save wal seq %d: %w", rec.Seq, err))
		}
	}

	m.incomplete.Add(-1)
	walIncomplete.Dec()
	m.committed.Add(1)
	commitTotal.WithLabelValues("synced").Inc()
	m.bus.Publish(Event{
		Type:      EventSynced,
		Seq:       rec.Seq,
		Namespace: rec.Namespace,
		EntityID:  rec.EntityID,
		Op:        rec.Op.String(),
		SessionID: rec.SessionID,
		Digest:    digestString(rec),
	})
	return nil
}

// fail records the attempt, abandons the record once the attempt budget is
// spent and publishes a failure event. It returns cause.
func (m *Manager) fail(ctx context.Context, rec *Record, cause error) error {
	rec.Attempts++
	rec.LastError = cause.Error()
	m.failed.Add(1)
	commitTotal.WithLabelValues("failed").Inc()

	if rec.Attempts >= m.cfg.MaxAttempts {
		rec.Abandoned = true
		m.settle(rec.Seq)
		m.abandoned.Add(1)
		m.stranded.Add(1)
		walAbandoned.Inc()
		m.incomplete.Add(-1)
		walIncomplete.Dec()
		m.logger.Error("abandoning wal record, kept for replay",
			slog.Uint64("seq", rec.Seq),
			slog.String("entity", rec.EntityID),
			slog.Int("attempts", rec.Attempts),
			slog.String("error", cause.Error()))
	} else {
		m.logger.Warn("sync apply failed, will retry",
			slog.Uint64("seq", rec.Seq),
			slog.String("entity", rec.EntityID),
			slog.Int("attempts", rec.Attempts),
			slog.String("error", cause.Error()))
	}
	if err := m.wal.Save(ctx, rec); err != nil {
		m.logger.Error("save failed wal record", slog.Uint64("seq", rec.Seq), slog.String("error", err.Error()))
	}

	ev := Event{
		Type:      EventFailed,
		Seq:       rec.Seq,
		Namespace: rec.Namespace,
		EntityID:  rec.EntityID,
		Op:        rec.Op.String(),
		SessionID: rec.SessionID,
		Error:     cause.Error(),
	}
	m.bus.Publish(ev)
	if rec.Abandoned {
		ev.Type = EventAbandoned
		m.bus.Publish(ev)
	}
	return cause
}

// revive gives an abandoned record a fresh attempt budget. Called with the
// record's stripe held. The watermark is not pulled back: it already moved
// past the record when it was abandoned.
func (m *Manager) revive(rec *Record) {
	rec.Abandoned = false
	rec.Attempts = 0
	m.stranded.Add(-1)
	walAbandoned.Dec()
	m.incomplete.Add(1)
	walIncomplete.Inc()
	m.logger.Info("reviving abandoned wal record",
		slog.Uint64("seq", rec.Seq),
		slog.String("entity", rec.EntityID))
}

func digestString(rec *Record) string {
	if rec.Digest.IsZero() {
		return ""
	}
	return rec.Digest.String()
}

// applyStructured writes rec to the structured store unless a write with
// the same or a later sequence is already there.
func (m *Manager) applyStructured(ctx context.Context, rec *Record) error {
	return m.exec.Execute(ctx, func(ctx context.Context, conn store.StructuredConn) error {
		cur, err := conn.Get(ctx, rec.Namespace, rec.EntityID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if cur != nil && cur.Sequence >= rec.Seq {
			return nil
		}
		version := uint64(1)
		if cur != nil {
			version = cur.Version + 1
		}
		_, err = conn.Put(ctx, &store.Entity{
			Namespace: rec.Namespace,
			ID:        rec.EntityID,
			Content:   rec.Content,
			Digest:    rec.Digest,
			Sequence:  rec.Seq,
			Version:   version,
			Deleted:   rec.Op == OpDelete,
			UpdatedAt: rec.CreatedAt,
		})
		return err
	})
}

// applyVector mirrors rec into the vector store. Only main is mirrored.
// During replay a record superseded by a later structured write is skipped;
// the later record carries the current state.
func (m *Manager) applyVector(ctx context.Context, rec *Record, replay bool) error {
	if rec.Namespace != store.MainNamespace {
		return nil
	}
	if replay {
		superseded := false
		err := m.exec.Execute(ctx, func(ctx context.Context, conn store.StructuredConn) error {
			cur, err := conn.Get(ctx, rec.Namespace, rec.EntityID)
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			superseded = cur.Sequence > rec.Seq
			return nil
		})
		if err != nil {
			return err
		}
		if superseded {
			return nil
		}
	}

	var op func() error
	switch rec.Op {
	case OpDelete:
		op = func() error {
			return m.vectors.Delete(ctx, rec.Namespace, []string{rec.EntityID})
		}
	default:
		vec, err := m.embedder.Embed(ctx, rec.Content)
		if err != nil {
			return fmt.Errorf("embed: %w", err)
		}
		record := store.VectorRecord{
			Namespace: rec.Namespace,
			ID:        rec.EntityID,
			Vector:    vec,
			Digest:    rec.Digest,
			Sequence:  rec.Seq,
			Payload:   rec.Payload,
		}
		op = func() error {
			return m.vectors.Upsert(ctx, []store.VectorRecord{record})
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.VectorBackoff
	b.MaxInterval = 20 * m.cfg.VectorBackoff
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(m.cfg.VectorRetries)), ctx))
}

func (m *Manager) markPending(seq uint64) {
	m.pendingMu.Lock()
	m.pending[seq] = struct{}{}
	m.pendingMu.Unlock()
}

func (m *Manager) settle(seq uint64) {
	m.pendingMu.Lock()
	delete(m.pending, seq)
	m.pendingMu.Unlock()
}

// Watermark returns the highest sequence s such that every record up to s
// has been applied to the structured store. Snapshot reads use it.
func (m *Manager) Watermark() uint64 {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	w := m.wal.LastSeq()
	for seq := range m.pending {
		if seq <= w {
			w = seq - 1
		}
	}
	return w
}

// -----------------------------------------------------------------------------
// Recovery
// -----------------------------------------------------------------------------

// Recover replays every incomplete record, abandoned ones included. Call it
// once at start-up before serving writes.
//
// Description:
//
//	A log that cannot be reconstructed fails with ErrWalReplayFailure and
//	start-up must halt. Records whose replay fails stay in the log and
//	are counted in the report.
func (m *Manager) Recover(ctx context.Context) (RecoveryReport, error) {
	report, err := m.Replay(ctx)
	if err != nil {
		return report, err
	}
	m.logger.Info("wal recovery complete",
		slog.Int("scanned", report.Scanned),
		slog.Int("replayed", report.Replayed),
		slog.Int("failed", report.Failed),
		slog.Int("revived", report.Revived),
		slog.Uint64("last_seq", m.wal.LastSeq()))
	return report, nil
}

// Replay applies incomplete records in sequence order. Abandoned records
// are revived with a fresh attempt budget, so an operator can drain the
// log once the failing store is back.
//
// Applying is idempotent: the structured write is conditional on the
// sequence and the vector upsert ignores records that are not newer than
// the stored one.
func (m *Manager) Replay(ctx context.Context) (RecoveryReport, error) {
	return m.replay(ctx, true)
}

// replay is Replay for the retry loop when revive is false: abandoned
// records are left where they are.
func (m *Manager) replay(ctx context.Context, revive bool) (report RecoveryReport, err error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "syncmgr.Manager.Replay",
		trace.WithAttributes(attribute.Bool("revive", revive)))
	defer func() { telemetry.End(span, err) }()

	var todo []uint64
	var incomplete, stranded int64
	err = m.wal.Scan(ctx, func(r *Record) error {
		report.Scanned++
		if r.Complete() {
			return nil
		}
		if r.Abandoned {
			stranded++
			if revive {
				todo = append(todo, r.Seq)
			}
			return nil
		}
		incomplete++
		if !r.CommittedStructured {
			m.markPending(r.Seq)
		}
		todo = append(todo, r.Seq)
		return nil
	})
	if err != nil {
		return report, err
	}
	m.incomplete.Store(incomplete)
	walIncomplete.Set(float64(incomplete))
	m.stranded.Store(stranded)
	walAbandoned.Set(float64(stranded))

	for _, seq := range todo {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		outcome, revived, err := m.replayOne(ctx, seq, revive)
		if err != nil {
			return report, err
		}
		switch outcome {
		case "replayed":
			report.Replayed++
		case "failed":
			report.Failed++
		case "abandoned":
			report.Abandoned++
		}
		if revived {
			report.Revived++
		}
		replayTotal.WithLabelValues(outcome).Inc()
	}
	span.SetAttributes(
		attribute.Int("replayed", report.Replayed),
		attribute.Int("failed", report.Failed),
		attribute.Int("revived", report.Revived))
	return report, nil
}

// replayOne reloads seq under its stripe, since a concurrent commit may
// have completed it after the scan.
func (m *Manager) replayOne(ctx context.Context, seq uint64, revive bool) (outcome string, revived bool, err error) {
	rec, unlock, err := m.lockRecord(ctx, seq)
	if err != nil || rec == nil {
		return "skipped", false, err
	}
	defer unlock()

	if rec.Complete() {
		return "skipped", false, nil
	}
	if rec.Abandoned {
		if !revive {
			return "skipped", false, nil
		}
		m.revive(rec)
		revived = true
	}
	if err := m.apply(ctx, rec, true); err != nil {
		if rec.Abandoned {
			return "abandoned", revived, nil
		}
		return "failed", revived, nil
	}
	m.replayed.Add(1)
	return "replayed", revived, nil
}

// lockRecord loads seq and locks its stripe. The record is read again
// under the lock. A nil record means seq is no longer in the log.
func (m *Manager) lockRecord(ctx context.Context, seq uint64) (*Record, func(), error) {
	rec, err := m.wal.Get(ctx, seq)
	if errors.Is(err, badgerstore.ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	i := m.stripeOf(rec.Namespace, rec.EntityID)
	m.stripes[i].Lock()
	unlock := m.stripes[i].Unlock

	if rec, err = m.wal.Get(ctx, seq); err != nil {
		unlock()
		if errors.Is(err, badgerstore.ErrNotFound) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	return rec, unlock, nil
}

// Retry applies one incomplete record now, reviving it if it was
// abandoned. A record that is complete or already compacted is a no-op.
// The consistency checker calls it after repairing an entity whose record
// ran out of attempts.
func (m *Manager) Retry(ctx context.Context, seq uint64) (err error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "syncmgr.Manager.Retry",
		trace.WithAttributes(attribute.Int64("seq", int64(seq))))
	defer func() { telemetry.End(span, err) }()

	rec, unlock, err := m.lockRecord(ctx, seq)
	if err != nil || rec == nil {
		return err
	}
	defer unlock()

	if rec.Complete() {
		return nil
	}
	if rec.Abandoned {
		m.revive(rec)
	}
	if err := m.apply(ctx, rec, true); err != nil {
		return err
	}
	m.replayed.Add(1)
	replayTotal.WithLabelValues("retried").Inc()
	return nil
}

// Compact purges complete records from the head of the log. It stops at
// the first record that has not reached both stores, abandoned or not.
func (m *Manager) Compact(ctx context.Context) (int, error) {
	n, err := m.wal.Compact(ctx)
	if n > 0 {
		m.compacted.Add(int64(n))
		compactedTotal.Add(float64(n))
	}
	return n, err
}

// -----------------------------------------------------------------------------
// Background loops
// -----------------------------------------------------------------------------

// Start runs the retry and compaction loops until Close or ctx is done.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go m.run(ctx)
}

func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()
	retry := time.NewTicker(m.cfg.RetryInterval)
	defer retry.Stop()
	compact := time.NewTicker(m.cfg.CompactInterval)
	defer compact.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-retry.C:
			if m.incomplete.Load() == 0 {
				continue
			}
			if _, err := m.replay(ctx, false); err != nil && ctx.Err() == nil {
				m.logger.Error("wal replay failed", slog.String("error", err.Error()))
			}
		case <-compact.C:
			if _, err := m.Compact(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warn("wal compaction failed", slog.String("error", err.Error()))
			}
		}
	}
}

// -----------------------------------------------------------------------------
// Events and stats
// -----------------------------------------------------------------------------

// Subscribe returns a new event subscription. buffer <= 0 uses the
// configured default.
func (m *Manager) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = m.cfg.EventBuffer
	}
	return m.bus.Subscribe(buffer)
}

// Publish broadcasts an event produced outside the manager.
func (m *Manager) Publish(ev Event) {
	m.bus.Publish(ev)
}

// Stats returns a snapshot.
func (m *Manager) Stats() Stats {
	return Stats{
		LastSequence:  m.wal.LastSeq(),
		Floor:         m.wal.Floor(),
		Watermark:     m.Watermark(),
		Incomplete:    m.incomplete.Load(),
		Committed:     m.committed.Load(),
		Failed:        m.failed.Load(),
		Replayed:      m.replayed.Load(),
		Abandoned:     m.abandoned.Load(),
		Stranded:      m.stranded.Load(),
		Compacted:     m.compacted.Load(),
		Subscribers:   m.bus.Subscribers(),
		EventsDropped: m.bus.Dropped(),
	}
}

// Records returns the retained WAL records, for inspection tools.
func (m *Manager) Records(ctx context.Context) ([]*Record, error) {
	var out []*Record
	err := m.wal.Scan(ctx, func(r *Record) error {
		out = append(out, r)
		return nil
	})
	return out, err
}

// Close stops the background loops and closes every subscription.
func (m *Manager) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.bus.Close()
	return m.wal.Close()
}
