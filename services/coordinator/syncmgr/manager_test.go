// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package syncmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	badgerstore "github.com/AleutianAI/AleutianCortex/services/coordinator/storage/badger"
	"github.com/AleutianAI/AleutianCortex/services/coordinator/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyVector fails upserts and deletes while fail is set.
type flakyVector struct {
	*store.MemoryVector
	fail  atomic.Bool
	calls atomic.Int64
}

func (f *flakyVector) Upsert(ctx context.Context, records []store.VectorRecord) error {
	f.calls.Add(1)
	if f.fail.Load() {
		return errors.New("vector store unavailable")
	}
	return f.MemoryVector.Upsert(ctx, records)
}

func (f *flakyVector) Delete(ctx context.Context, ns string, ids []string) error {
	f.calls.Add(1)
	if f.fail.Load() {
		return errors.New("vector store unavailable")
	}
	return f.MemoryVector.Delete(ctx, ns, ids)
}

type fixture struct {
	db         *badgerstore.DB
	structured *store.MemoryStructured
	vectors    *flakyVector
	embedder   *store.HashEmbedder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &fixture{
		db:         db,
		structured: store.NewMemoryStructured(),
		vectors:    &flakyVector{MemoryVector: store.NewMemoryVector()},
		embedder:   store.NewHashEmbedder(16),
	}
}

func (f *fixture) manager(t *testing.T) *Manager {
	t.Helper()
	cfg := DefaultConfig()
	cfg.VectorRetries = 0
	cfg.VectorBackoff = time.Millisecond
	cfg.RetryInterval = time.Hour
	cfg.CompactInterval = time.Hour
	m, err := New(cfg, f.db, store.ConnExecutor{Conn: f.structured.Conn()}, f.vectors, f.embedder)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestManager_CommitReachesBothStores(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)
	ctx := context.Background()
	sub := m.Subscribe(8)

	rec, err := m.Commit(ctx, Change{
		EntityID:  "docs/a",
		Op:        OpUpsert,
		Content:   []byte("alpha beta"),
		Payload:   map[string]string{"kind": "doc"},
		SessionID: "s1",
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Seq)
	assert.True(t, rec.Complete())

	e, err := f.structured.Conn().Get(ctx, store.MainNamespace, "docs/a")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e.Sequence)
	assert.Equal(t, uint64(1), e.Version)
	assert.Equal(t, store.DigestOf([]byte("alpha beta")), e.Digest)

	vecs, err := f.vectors.Get(ctx, store.MainNamespace, []string{"docs/a"})
	require.NoError(t, err)
	require.Len(t, vecs, 1)
	assert.Equal(t, e.Digest, vecs[0].Digest)
	assert.Equal(t, "doc", vecs[0].Payload["kind"])

	ev := <-sub.Events()
	assert.Equal(t, EventSynced, ev.Type)
	assert.Equal(t, uint64(1), ev.Seq)
	assert.Equal(t, "s1", ev.SessionID)
	assert.Equal(t, e.Digest.String(), ev.Digest)

	stats := m.Stats()
	assert.Equal(t, uint64(1), stats.Watermark)
	assert.Equal(t, int64(0), stats.Incomplete)
	assert.Equal(t, int64(1), stats.Committed)
}

func TestManager_DeleteWritesTombstone(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)
	ctx := context.Background()

	_, err := m.Commit(ctx, Change{EntityID: "a", Op: OpUpsert, Content: []byte("x")})
	require.NoError(t, err)
	_, err = m.Commit(ctx, Change{EntityID: "a", Op: OpDelete})
	require.NoError(t, err)

	e, err := f.structured.Conn().Get(ctx, store.MainNamespace, "a")
	require.NoError(t, err)
	assert.True(t, e.Deleted)
	assert.Equal(t, uint64(2), e.Version)

	n, err := f.vectors.Count(ctx, store.MainNamespace)
	require.NoError(t, err)
	assert.Zero(t, n)

	old, err := f.structured.Conn().GetAsOf(ctx, store.MainNamespace, "a", 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), old.Content)
}

func TestManager_InvalidChange(t *testing.T) {
	m := newFixture(t).manager(t)
	_, err := m.Commit(context.Background(), Change{Op: OpUpsert})
	assert.ErrorIs(t, err, ErrInvalidChange)
	_, err = m.Commit(context.Background(), Change{EntityID: "a", Op: Op(9)})
	assert.ErrorIs(t, err, ErrInvalidChange)
	assert.Equal(t, uint64(0), m.Stats().LastSequence)
}

func TestManager_SessionNamespaceNotMirrored(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)
	rec, err := m.Commit(context.Background(), Change{Namespace: "session_x", EntityID: "a", Op: OpUpsert, Content: []byte("x")})
	require.NoError(t, err)
	assert.True(t, rec.Complete())
	assert.Zero(t, f.vectors.calls.Load())
}

func TestManager_RecoveryAfterVectorFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// First process: the structured write lands, the vector write fails,
	// then the process goes away.
	first := f.manager(t)
	sub := first.Subscribe(8)
	f.vectors.fail.Store(true)
	rec, err := first.Commit(ctx, Change{EntityID: "a", Op: OpUpsert, Content: []byte("hello")})
	require.Error(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.CommittedStructured)
	assert.False(t, rec.CommittedVector)
	assert.Equal(t, EventFailed, (<-sub.Events()).Type)
	assert.Equal(t, uint64(1), first.Watermark(), "structured side is applied")
	require.NoError(t, first.Close())

	// Second process over the same WAL.
	f.vectors.fail.Store(false)
	second := f.manager(t)
	report, err := second.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 1, report.Replayed)

	assert.Equal(t, int64(1), f.structured.Writes(), "structured write is not duplicated")
	assert.Equal(t, int64(1), f.vectors.Upserts(), "vector write lands exactly once")

	again, err := second.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.Replayed)
	assert.Equal(t, int64(1), f.vectors.Upserts())

	n, err := second.Compact(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestManager_ReplaySkipsSupersededDelete(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)
	ctx := context.Background()

	f.vectors.fail.Store(true)
	_, err := m.Commit(ctx, Change{EntityID: "a", Op: OpDelete})
	require.Error(t, err)
	f.vectors.fail.Store(false)
	_, err = m.Commit(ctx, Change{EntityID: "a", Op: OpUpsert, Content: []byte("back")})
	require.NoError(t, err)

	report, err := m.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Replayed)

	vecs, err := f.vectors.Get(ctx, store.MainNamespace, []string{"a"})
	require.NoError(t, err)
	require.Len(t, vecs, 1, "stale delete must not remove the newer vector")
	assert.Equal(t, uint64(2), vecs[0].Sequence)
}

func TestManager_AbandonedRecordSurvivesCompaction(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)
	m.cfg.MaxAttempts = 2
	ctx := context.Background()
	sub := m.Subscribe(8)

	f.vectors.fail.Store(true)
	_, err := m.Commit(ctx, Change{EntityID: "a", Op: OpUpsert, Content: []byte("x")})
	require.Error(t, err)

	// The retry loop spends the second attempt and gives up.
	report, err := m.replay(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Abandoned)

	var types []EventType
	for len(sub.Events()) > 0 {
		types = append(types, (<-sub.Events()).Type)
	}
	assert.Equal(t, []EventType{EventFailed, EventFailed, EventAbandoned}, types)

	stats := m.Stats()
	assert.Equal(t, int64(1), stats.Abandoned)
	assert.Equal(t, int64(1), stats.Stranded)
	assert.Zero(t, stats.Incomplete)

	// Further loop passes leave it alone.
	report, err = m.replay(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Scanned)
	assert.Zero(t, report.Replayed+report.Failed+report.Abandoned)

	n, err := m.Compact(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "a record without its vector write is never purged")
	recs, err := m.Records(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].CommittedStructured)
	assert.False(t, recs[0].CommittedVector)
	assert.True(t, recs[0].Abandoned)

	// A manual replay once the store is back heals it.
	f.vectors.fail.Store(false)
	report, err = m.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Revived)
	assert.Equal(t, 1, report.Replayed)
	assert.Zero(t, m.Stats().Stranded)

	vecs, err := f.vectors.Get(ctx, store.MainNamespace, []string{"a"})
	require.NoError(t, err)
	require.Len(t, vecs, 1)
	assert.Equal(t, uint64(1), vecs[0].Sequence)

	n, err = m.Compact(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestManager_RetryRevivesAbandonedRecord(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)
	m.cfg.MaxAttempts = 1
	ctx := context.Background()

	f.vectors.fail.Store(true)
	rec, err := m.Commit(ctx, Change{EntityID: "a", Op: OpUpsert, Content: []byte("x")})
	require.Error(t, err)
	require.True(t, rec.Abandoned)

	require.Error(t, m.Retry(ctx, rec.Seq), "store still down")
	assert.Equal(t, int64(1), m.Stats().Stranded, "failed retry abandons it again")

	f.vectors.fail.Store(false)
	require.NoError(t, m.Retry(ctx, rec.Seq))
	assert.Zero(t, m.Stats().Stranded)
	count, err := f.vectors.Count(ctx, store.MainNamespace)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, m.Retry(ctx, rec.Seq), "complete record is a no-op")
	n, err := m.Compact(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, m.Retry(ctx, rec.Seq), "compacted record is a no-op")
}

func TestManager_WatermarkWaitsForStructuredApply(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)

	m.markPending(5)
	m.wal.seq.Store(7)
	assert.Equal(t, uint64(4), m.Watermark())
	m.settle(5)
	assert.Equal(t, uint64(7), m.Watermark())
}

func TestManager_ConcurrentCommitsKeepPerEntityOrder(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				id := fmt.Sprintf("e%d", i%5)
				_, err := m.Commit(ctx, Change{EntityID: id, Op: OpUpsert, Content: []byte(fmt.Sprintf("w%d-%d", w, i))})
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, uint64(100), m.Watermark())
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("e%d", i)
		e, err := f.structured.Conn().Get(ctx, store.MainNamespace, id)
		require.NoError(t, err)
		vecs, err := f.vectors.Get(ctx, store.MainNamespace, []string{id})
		require.NoError(t, err)
		require.Len(t, vecs, 1)
		assert.Equal(t, e.Sequence, vecs[0].Sequence, "vector mirrors the latest structured write")
		assert.Equal(t, e.Digest, vecs[0].Digest)
	}
}

func TestManager_CommitBatch(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)
	recs, err := m.CommitBatch(context.Background(), []Change{
		{EntityID: "a", Op: OpUpsert, Content: []byte("1")},
		{EntityID: "b", Op: OpUpsert, Content: []byte("2")},
	})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, uint64(1), recs[0].Seq)
	assert.Equal(t, uint64(2), recs[1].Seq)

	all, err := m.Records(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
