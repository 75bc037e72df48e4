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
	"fmt"
	"sync"
	"testing"
	"time"

	badgerstore "github.com/AleutianAI/AleutianCortex/services/coordinator/storage/badger"
	"github.com/AleutianAI/AleutianCortex/services/coordinator/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyIndex wraps a memory index with failure, blocking and corruption
// hooks on Upsert.
type flakyIndex struct {
	*store.MemoryVector

	mu      sync.Mutex
	upserts int
	failAt  int
	corrupt string
	block   chan struct{}
	entered chan struct{}
}

func newFlakyIndex() *flakyIndex {
	return &flakyIndex{MemoryVector: store.NewMemoryVector()}
}

func (f *flakyIndex) Upsert(ctx context.Context, records []store.VectorRecord) error {
	f.mu.Lock()
	f.upserts++
	n, failAt, corrupt, block := f.upserts, f.failAt, f.corrupt, f.block
	f.mu.Unlock()

	if f.entered != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if failAt > 0 && n >= failAt {
		return errors.New("index unavailable")
	}
	if corrupt != "" {
		out := make([]store.VectorRecord, len(records))
		copy(out, records)
		for i := range out {
			if out[i].ID == corrupt {
				out[i].Digest = store.DigestOf([]byte("corrupted"))
			}
		}
		records = out
	}
	return f.MemoryVector.Upsert(ctx, records)
}

func (f *flakyIndex) set(fn func(f *flakyIndex)) {
	f.mu.Lock()
	fn(f)
	f.mu.Unlock()
}

// countingIndex counts the records handed out by Scan.
type countingIndex struct {
	*store.MemoryVector
	mu      sync.Mutex
	scanned int
}

func (c *countingIndex) Scan(ctx context.Context, ns, cursor string, limit int) ([]store.VectorRecord, string, error) {
	recs, next, err := c.MemoryVector.Scan(ctx, ns, cursor, limit)
	c.mu.Lock()
	c.scanned += len(recs)
	c.mu.Unlock()
	return recs, next, err
}

func seedIndex(t *testing.T, v store.VectorStore, n int) {
	t.Helper()
	recs := make([]store.VectorRecord, n)
	for i := range recs {
		content := fmt.Sprintf("content %d", i)
		recs[i] = store.VectorRecord{
			Namespace: store.MainNamespace,
			ID:        fmt.Sprintf("doc-%03d", i),
			Vector:    []float32{float32(i), 1},
			Digest:    store.DigestOf([]byte(content)),
			Sequence:  uint64(i + 1),
			Payload:   map[string]string{"n": fmt.Sprint(i)},
		}
	}
	require.NoError(t, v.Upsert(context.Background(), recs))
}

func newDB(t *testing.T) *badgerstore.DB {
	t.Helper()
	db, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testConfig(mutate func(*Config)) Config {
	cfg := DefaultConfig()
	cfg.BatchSize = 10
	cfg.Workers = 1
	cfg.Adaptive = false
	cfg.CheckpointEvery = 1
	if mutate != nil {
		mutate(&cfg)
	}
	return cfg
}

func count(t *testing.T, v store.VectorStore) int {
	t.Helper()
	n, err := v.Count(context.Background(), store.MainNamespace)
	require.NoError(t, err)
	return n
}

func TestRun_CopiesVerifiesAndCutsOver(t *testing.T) {
	source := store.NewMemoryVector()
	seedIndex(t, source, 55)
	target := store.NewMemoryVector()
	dual := NewDualWriter(source, target, nil)
	db := newDB(t)

	m, err := New(testConfig(func(c *Config) { c.Workers = 4 }), source, target, db, dual)
	require.NoError(t, err)

	report, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, report.Status)
	assert.Equal(t, 55, report.Total)
	assert.Equal(t, int64(55), report.Migrated)
	assert.Equal(t, uint64(6), report.Batches)
	require.NotNil(t, report.Verification)
	assert.Equal(t, int64(55), report.Verification.Correct)
	assert.False(t, report.Verification.Failed())

	assert.Equal(t, 55, count(t, target))
	assert.Equal(t, PhaseCutOver, dual.Phase())

	cp, err := m.Checkpoint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, cp.Status)
	assert.Equal(t, "doc-054", cp.Cursor)
	assert.Equal(t, int64(55), cp.Verified)

	assert.Equal(t, StatusCompleted, m.Status().Status)
	assert.ErrorIs(t, m.Rollback(context.Background()), ErrCutOverDone)

	again, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, again.Status)
	assert.Equal(t, int64(55), again.Resumed)
	assert.Zero(t, again.Batches)
}

func TestRun_ResumesFromCheckpoint(t *testing.T) {
	source := &countingIndex{MemoryVector: store.NewMemoryVector()}
	seedIndex(t, source, 50)
	target := newFlakyIndex()
	target.failAt = 3
	db := newDB(t)

	m, err := New(testConfig(nil), source, target, db, nil)
	require.NoError(t, err)
	report, err := m.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, StatusFailed, report.Status)
	assert.Equal(t, int64(20), report.Migrated)

	cp, err := m.Checkpoint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "doc-019", cp.Cursor)
	assert.Equal(t, uint64(2), cp.BatchNumber)
	assert.Equal(t, StatusFailed, cp.Status)

	target.set(func(f *flakyIndex) { f.failAt = 0 })
	source.mu.Lock()
	source.scanned = 0
	source.mu.Unlock()

	resumed, err := New(testConfig(nil), source, target, db, nil)
	require.NoError(t, err)
	report, err = resumed.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, report.Status)
	assert.Equal(t, int64(20), report.Resumed)
	assert.Equal(t, int64(50), report.Migrated)
	assert.Equal(t, uint64(3), report.Batches)
	assert.Equal(t, 50, count(t, target))

	source.mu.Lock()
	scanned := source.scanned
	source.mu.Unlock()
	assert.Equal(t, 30+50, scanned, "the copy starts at the cursor; verification reads everything")
}

func TestRun_WithoutResumeStartsOver(t *testing.T) {
	source := store.NewMemoryVector()
	seedIndex(t, source, 20)
	target := newFlakyIndex()
	target.failAt = 2
	db := newDB(t)

	m, err := New(testConfig(func(c *Config) { c.Resume = false }), source, target, db, nil)
	require.NoError(t, err)
	_, err = m.Run(context.Background())
	require.Error(t, err)

	target.set(func(f *flakyIndex) { f.failAt = 0 })
	report, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Resumed)
	assert.Equal(t, uint64(2), report.Batches)

	report, err = m.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(20), report.Resumed, "Resume reads the checkpoint regardless of the config")
}

func TestRun_VerificationFailureThenRollback(t *testing.T) {
	source := store.NewMemoryVector()
	seedIndex(t, source, 25)
	target := newFlakyIndex()
	target.corrupt = "doc-007"
	dual := NewDualWriter(source, target, nil)
	db := newDB(t)

	m, err := New(testConfig(nil), source, target, db, dual)
	require.NoError(t, err)
	report, err := m.Run(context.Background())
	require.ErrorIs(t, err, ErrMigrationVerificationFailed)
	var verr *VerificationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, int64(1), verr.Verification.Mismatched)
	assert.Equal(t, []string{"doc-007"}, verr.Verification.Samples)
	assert.Equal(t, StatusFailed, report.Status)
	assert.Equal(t, PhaseDual, dual.Phase(), "an unverified migration does not cut over")

	require.NoError(t, m.Rollback(context.Background()))
	assert.Equal(t, PhaseRolledBack, dual.Phase())
	assert.Zero(t, count(t, target))
	assert.Equal(t, 25, count(t, source))
	_, err = m.Checkpoint(context.Background())
	assert.ErrorIs(t, err, badgerstore.ErrNotFound)
	assert.Equal(t, StatusCancelled, m.Status().Status)
}

func TestRun_PauseAndResume(t *testing.T) {
	source := store.NewMemoryVector()
	seedIndex(t, source, 40)
	target := newFlakyIndex()
	target.block = make(chan struct{})
	target.entered = make(chan struct{}, 1)
	db := newDB(t)

	m, err := New(testConfig(nil), source, target, db, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, m.Pause(), ErrNotRunning)

	type outcome struct {
		report *Report
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := m.Run(context.Background())
		done <- outcome{r, err}
	}()

	select {
	case <-target.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first batch never started")
	}
	require.NoError(t, m.Pause())
	close(target.block)

	var out outcome
	select {
	case out = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("paused run did not return")
	}
	require.NoError(t, out.err)
	assert.Equal(t, StatusPaused, out.report.Status)
	assert.Less(t, out.report.Migrated, int64(40))
	assert.Positive(t, out.report.Migrated)

	cp, err := m.Checkpoint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, cp.Status)

	report, err := m.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, report.Status)
	assert.Equal(t, int64(40), report.Migrated)
	assert.Equal(t, out.report.Migrated, report.Resumed)
}

func TestRun_Cancelled(t *testing.T) {
	source := store.NewMemoryVector()
	seedIndex(t, source, 30)
	target := newFlakyIndex()
	target.block = make(chan struct{})
	target.entered = make(chan struct{}, 1)

	m, err := New(testConfig(nil), source, target, newDB(t), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-target.entered
		cancel()
	}()
	report, err := m.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusCancelled, report.Status)

	cp, err := m.Checkpoint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cp.Status)
}

func TestRun_DryRun(t *testing.T) {
	source := store.NewMemoryVector()
	seedIndex(t, source, 15)
	target := store.NewMemoryVector()

	m, err := New(testConfig(func(c *Config) { c.DryRun = true }), source, target, newDB(t), nil)
	require.NoError(t, err)
	report, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.Equal(t, int64(15), report.Migrated)
	assert.Nil(t, report.Verification)
	assert.Zero(t, count(t, target))

	_, err = m.Checkpoint(context.Background())
	assert.ErrorIs(t, err, badgerstore.ErrNotFound)
}

func TestRun_RateLimited(t *testing.T) {
	source := store.NewMemoryVector()
	seedIndex(t, source, 30)
	target := store.NewMemoryVector()

	m, err := New(testConfig(func(c *Config) {
		c.RateLimit = 200
		c.MaxBatchSize = 10
	}), source, target, nil, nil)
	require.NoError(t, err)

	start := time.Now()
	report, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(30), report.Migrated)
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond,
		"20 records beyond the burst at 200/s take at least 100ms")
}

func TestRun_Concurrent(t *testing.T) {
	source := store.NewMemoryVector()
	seedIndex(t, source, 10)
	target := newFlakyIndex()
	target.block = make(chan struct{})
	target.entered = make(chan struct{}, 1)

	m, err := New(testConfig(nil), source, target, nil, nil)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() {
		_, err := m.Run(context.Background())
		done <- err
	}()
	<-target.entered

	_, err = m.Run(context.Background())
	assert.ErrorIs(t, err, ErrMigrationRunning)
	assert.ErrorIs(t, m.Rollback(context.Background()), ErrMigrationRunning)
	assert.Equal(t, StatusInProgress, m.Status().Status)

	close(target.block)
	require.NoError(t, <-done)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(testConfig(func(c *Config) {
		c.MinBatchSize = 500
		c.MaxBatchSize = 100
	}), store.NewMemoryVector(), store.NewMemoryVector(), nil, nil)
	assert.Error(t, err)

	_, err = New(testConfig(nil), nil, store.NewMemoryVector(), nil, nil)
	assert.Error(t, err)
}
