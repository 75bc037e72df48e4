// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	t.Run("persistent without path", func(t *testing.T) {
		err := DefaultConfig().Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "path")
	})

	t.Run("in memory", func(t *testing.T) {
		assert.NoError(t, InMemoryConfig().Validate())
	})

	t.Run("bad discard ratio", func(t *testing.T) {
		cfg := InMemoryConfig()
		cfg.GCDiscardRatio = 2
		assert.Error(t, cfg.Validate())
	})
}

func TestDB_KeyHelpers(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	_, err = db.Get(ctx, []byte("missing"))
	assert.ErrorIs(t, err, ErrNotFound)

	for i := 0; i < 3; i++ {
		require.NoError(t, db.Put(ctx, []byte(fmt.Sprintf("p:%d", i)), []byte{byte(i)}))
	}
	require.NoError(t, db.Put(ctx, []byte("q:0"), []byte("other")))

	got, err := db.Get(ctx, []byte("p:1"))
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, got)

	var keys []string
	require.NoError(t, db.Scan(ctx, []byte("p:"), func(k, _ []byte) error {
		keys = append(keys, string(k))
		return nil
	}))
	assert.Equal(t, []string{"p:0", "p:1", "p:2"}, keys)

	require.NoError(t, db.Delete(ctx, []byte("p:1")))
	_, err = db.Get(ctx, []byte("p:1"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDB_ScanStopsOnError(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	require.NoError(t, db.Put(ctx, []byte("k:1"), []byte("a")))
	require.NoError(t, db.Put(ctx, []byte("k:2"), []byte("b")))

	stop := errors.New("stop")
	calls := 0
	err = db.Scan(ctx, []byte("k:"), func(_, _ []byte) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestDB_Persistent(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Path = dir
	cfg.GCInterval = 0

	db, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, db.Put(context.Background(), []byte("durable"), []byte("yes")))
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())

	db, err = Open(cfg)
	require.NoError(t, err)
	defer db.Close()
	got, err := db.Get(context.Background(), []byte("durable"))
	require.NoError(t, err)
	assert.Equal(t, "yes", string(got))
}

func TestDB_CancelledContext(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, db.Put(ctx, []byte("k"), []byte("v")), context.Canceled)
}
