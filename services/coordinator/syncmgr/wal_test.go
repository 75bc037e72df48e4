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
	"testing"

	badgerstore "github.com/AleutianAI/AleutianCortex/services/coordinator/storage/badger"
	"github.com/AleutianAI/AleutianCortex/services/coordinator/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestWAL(t *testing.T) (*WAL, *badgerstore.DB) {
	t.Helper()
	db, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	w, err := OpenWAL(context.Background(), db, nil)
	require.NoError(t, err)
	return w, db
}

func upsert(id, content string) *Record {
	return &Record{
		Op:        OpUpsert,
		Namespace: store.MainNamespace,
		EntityID:  id,
		Content:   []byte(content),
		Digest:    store.DigestOf([]byte(content)),
	}
}

func collect(t *testing.T, w *WAL) []*Record {
	t.Helper()
	var out []*Record
	require.NoError(t, w.Scan(context.Background(), func(r *Record) error {
		out = append(out, r)
		return nil
	}))
	return out
}

func TestWAL_AppendAndScan(t *testing.T) {
	w, db := openTestWAL(t)
	ctx := context.Background()

	a, b, c := upsert("a", "1"), upsert("b", "2"), upsert("c", "3")
	require.NoError(t, w.Append(ctx, a))
	require.NoError(t, w.Append(ctx, b, c))
	assert.Equal(t, []uint64{1, 2, 3}, []uint64{a.Seq, b.Seq, c.Seq})
	assert.Equal(t, uint64(3), w.LastSeq())

	recs := collect(t, w)
	require.Len(t, recs, 3)
	assert.Equal(t, "b", recs[1].EntityID)
	assert.Equal(t, store.DigestOf([]byte("2")), recs[1].Digest)

	reopened, err := OpenWAL(ctx, db, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), reopened.LastSeq())
	d := upsert("d", "4")
	require.NoError(t, reopened.Append(ctx, d))
	assert.Equal(t, uint64(4), d.Seq)
}

func TestWAL_SaveAndGet(t *testing.T) {
	w, _ := openTestWAL(t)
	ctx := context.Background()

	r := upsert("a", "1")
	require.NoError(t, w.Append(ctx, r))
	r.CommittedStructured = true
	require.NoError(t, w.Save(ctx, r))

	got, err := w.Get(ctx, r.Seq)
	require.NoError(t, err)
	assert.True(t, got.CommittedStructured)
	assert.False(t, got.Complete())
}

func TestWAL_CorruptionHalts(t *testing.T) {
	t.Run("crc mismatch", func(t *testing.T) {
		w, db := openTestWAL(t)
		ctx := context.Background()
		require.NoError(t, w.Append(ctx, upsert("a", "1"), upsert("b", "2")))

		raw, err := db.Get(ctx, walKey(2))
		require.NoError(t, err)
		raw[len(raw)-1] ^= 0xFF
		require.NoError(t, db.Put(ctx, walKey(2), raw))

		err = w.Scan(ctx, func(*Record) error { return nil })
		assert.ErrorIs(t, err, ErrWalReplayFailure)
		assert.ErrorIs(t, err, ErrWalCorrupted)
	})

	t.Run("sequence gap", func(t *testing.T) {
		w, db := openTestWAL(t)
		ctx := context.Background()
		require.NoError(t, w.Append(ctx, upsert("a", "1"), upsert("b", "2"), upsert("c", "3")))
		require.NoError(t, db.Delete(ctx, walKey(2)))

		err := w.Scan(ctx, func(*Record) error { return nil })
		assert.ErrorIs(t, err, ErrWalReplayFailure)
		assert.Contains(t, err.Error(), "gap")
	})

	t.Run("truncated tail", func(t *testing.T) {
		w, db := openTestWAL(t)
		ctx := context.Background()
		require.NoError(t, w.Append(ctx, upsert("a", "1"), upsert("b", "2")))
		require.NoError(t, db.Delete(ctx, walKey(2)))

		err := w.Scan(ctx, func(*Record) error { return nil })
		assert.ErrorIs(t, err, ErrWalReplayFailure)
	})
}

func TestWAL_CompactStopsAtIncomplete(t *testing.T) {
	w, db := openTestWAL(t)
	ctx := context.Background()

	recs := []*Record{upsert("a", "1"), upsert("b", "2"), upsert("c", "3"), upsert("d", "4")}
	require.NoError(t, w.Append(ctx, recs...))
	for _, i := range []int{0, 1, 3} {
		recs[i].CommittedStructured = true
		recs[i].CommittedVector = true
		require.NoError(t, w.Save(ctx, recs[i]))
	}

	n, err := w.Compact(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, uint64(2), w.Floor())

	left := collect(t, w)
	require.Len(t, left, 2)
	assert.Equal(t, uint64(3), left[0].Seq)

	recs[2].Abandoned = true
	require.NoError(t, w.Save(ctx, recs[2]))
	n, err = w.Compact(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "an abandoned record still blocks compaction")
	assert.Len(t, collect(t, w), 2)

	recs[2].CommittedStructured = true
	recs[2].CommittedVector = true
	require.NoError(t, w.Save(ctx, recs[2]))
	n, err = w.Compact(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, collect(t, w))

	reopened, err := OpenWAL(ctx, db, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), reopened.Floor())
	assert.Equal(t, uint64(4), reopened.LastSeq())
}

func TestDecodeRecord_TooShort(t *testing.T) {
	_, err := decodeRecord([]byte{1, 2})
	assert.ErrorIs(t, err, ErrWalCorrupted)
}
