// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vecstore

import (
	"context"
	"testing"

	"github.com/AleutianAI/AleutianCortex/services/coordinator/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func record(id string, seq uint64, vec ...float32) store.VectorRecord {
	return store.VectorRecord{
		Namespace: store.MainNamespace,
		ID:        id,
		Vector:    vec,
		Digest:    store.DigestOf([]byte(id)),
		Sequence:  seq,
	}
}

func TestStore_UpsertIsSequenceConditional(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	require.NoError(t, s.Upsert(ctx, []store.VectorRecord{record("a", 5, 1, 0)}))
	require.NoError(t, s.Upsert(ctx, []store.VectorRecord{record("a", 4, 0, 1)}))

	got, err := s.Get(ctx, store.MainNamespace, []string{"a", "missing"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(5), got[0].Sequence)
	assert.Equal(t, []float32{1, 0}, got[0].Vector)
}

func TestStore_SearchScanDelete(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	a := record("a", 1, 1, 0)
	a.Payload = map[string]string{"lang": "go"}
	b := record("b", 2, 0, 1)
	c := record("c", 3, 0.9, 0.1)
	c.Payload = map[string]string{"lang": "go"}
	require.NoError(t, s.Upsert(ctx, []store.VectorRecord{a, b, c}))

	hits, err := s.Search(ctx, store.MainNamespace, []float32{1, 0}, 2, map[string]string{"lang": "go"})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].Record.ID)
	assert.Equal(t, "c", hits[1].Record.ID)

	page, next, err := s.Scan(ctx, store.MainNamespace, "", 2)
	require.NoError(t, err)
	assert.Len(t, page, 2)
	assert.Equal(t, "b", next)

	require.NoError(t, s.Delete(ctx, store.MainNamespace, []string{"a", "b"}))
	n, err := s.Count(ctx, store.MainNamespace)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
