// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianCortex/services/coordinator/lock"
	"github.com/AleutianAI/AleutianCortex/services/coordinator/merge"
	badgerstore "github.com/AleutianAI/AleutianCortex/services/coordinator/storage/badger"
	"github.com/AleutianAI/AleutianCortex/services/coordinator/store"
	"github.com/AleutianAI/AleutianCortex/services/coordinator/syncmgr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	db         *badgerstore.DB
	structured *store.MemoryStructured
	vectors    *store.MemoryVector
	locks      *lock.Manager
	sync       *syncmgr.Manager
	merger     *merge.Engine
	deps       Deps
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{
		db:         db,
		structured: store.NewMemoryStructured(),
		vectors:    store.NewMemoryVector(),
	}
	exec := store.ConnExecutor{Conn: f.structured.Conn()}

	lockCfg := lock.DefaultConfig()
	lockCfg.SweepInterval = time.Hour
	f.locks, err = lock.New(lockCfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.locks.Close() })

	syncCfg := syncmgr.DefaultConfig()
	syncCfg.RetryInterval = time.Hour
	syncCfg.CompactInterval = time.Hour
	f.sync, err = syncmgr.New(syncCfg, db, exec, f.vectors, store.NewHashEmbedder(8))
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.sync.Close() })

	f.merger, err = merge.New(merge.DefaultConfig())
	require.NoError(t, err)

	f.deps = Deps{Store: exec, Locks: f.locks, Sync: f.sync, Merger: f.merger, DB: db}
	return f
}

func (f *fixture) manager(t *testing.T) *Manager {
	t.Helper()
	cfg := DefaultConfig()
	cfg.LockTimeout = 150 * time.Millisecond
	cfg.SweepInterval = time.Hour
	m, err := New(cfg, f.deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown() })
	return m
}

func (f *fixture) commitMain(t *testing.T, id, content string) {
	t.Helper()
	_, err := f.sync.Commit(context.Background(), syncmgr.Change{
		EntityID: id,
		Op:       syncmgr.OpUpsert,
		Content:  []byte(content),
	})
	require.NoError(t, err)
}

func (f *fixture) mainContent(t *testing.T, id string) (string, bool) {
	t.Helper()
	ent, err := f.structured.Conn().Get(context.Background(), store.MainNamespace, id)
	if errors.Is(err, store.ErrNotFound) {
		return "", false
	}
	require.NoError(t, err)
	if ent.Deleted {
		return "", false
	}
	return string(ent.Content), true
}

func TestManager_OpenWriteReadClose(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)
	ctx := context.Background()

	s, err := m.Open(ctx, "agent-1", OpenOptions{})
	require.NoError(t, err)
	assert.Equal(t, StateActive, s.State)
	assert.Equal(t, Snapshot, s.Isolation)
	assert.True(t, f.structured.HasNamespace(s.Namespace))

	s, err = m.Write(ctx, s.ID, s.Version, "notes/a", []byte("hello"))
	require.NoError(t, err)

	ent, err := m.Read(ctx, s.ID, "notes/a")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(ent.Content))

	_, inMain := f.mainContent(t, "notes/a")
	assert.False(t, inMain, "session writes stay private until close")

	changes, err := m.Changes(s.ID)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, OpAdd, changes[0].Op)
	assert.Equal(t, store.DigestOf([]byte("hello")), changes[0].After)

	res, err := m.Close(ctx, s.ID, s.Version, merge.AutoMerge)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.Session.State)
	assert.Equal(t, 1, res.Committed)

	got, ok := f.mainContent(t, "notes/a")
	require.True(t, ok)
	assert.Equal(t, "hello", got)
	n, err := f.vectors.Count(ctx, store.MainNamespace)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.False(t, f.structured.HasNamespace(s.Namespace))
	assert.Empty(t, f.locks.Locks(s.ID))
}

func TestManager_FailedCloseReturnsCurrentVersion(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)
	ctx := context.Background()

	s, err := m.Open(ctx, "agent-retry", OpenOptions{})
	require.NoError(t, err)
	s, err = m.Write(ctx, s.ID, s.Version, "notes/a", []byte("hello"))
	require.NoError(t, err)

	res, err := m.Close(ctx, s.ID, s.Version, merge.Strategy(99))
	require.Error(t, err)
	require.NotNil(t, res)
	require.NotNil(t, res.Session)
	assert.Equal(t, StateMerging, res.Session.State)
	assert.Greater(t, res.Session.Version, s.Version)

	_, err = m.Close(ctx, s.ID, s.Version, merge.AutoMerge)
	assert.ErrorIs(t, err, ErrStaleSessionVersion, "the old version is stale")

	res, err = m.Close(ctx, s.ID, res.Session.Version, merge.AutoMerge)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.Session.State)
	got, ok := f.mainContent(t, "notes/a")
	require.True(t, ok)
	assert.Equal(t, "hello", got)
}

func TestManager_SnapshotVisibility(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)
	ctx := context.Background()

	f.commitMain(t, "doc", "before open")

	snap, err := m.Open(ctx, "agent-snap", OpenOptions{})
	require.NoError(t, err)
	rc := ReadCommitted
	latest, err := m.Open(ctx, "agent-rc", OpenOptions{Isolation: &rc})
	require.NoError(t, err)

	f.commitMain(t, "doc", "after open")
	f.commitMain(t, "other", "created after open")

	ent, err := m.Read(ctx, snap.ID, "doc")
	require.NoError(t, err)
	assert.Equal(t, "before open", string(ent.Content), "writes committed before open are visible")

	_, err = m.Read(ctx, snap.ID, "other")
	assert.ErrorIs(t, err, store.ErrNotFound, "writes committed after open are not")

	ent, err = m.Read(ctx, latest.ID, "doc")
	require.NoError(t, err)
	assert.Equal(t, "after open", string(ent.Content))
}

func TestManager_SessionsDoNotSeeEachOther(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)
	ctx := context.Background()

	s1, err := m.Open(ctx, "a1", OpenOptions{})
	require.NoError(t, err)
	s2, err := m.Open(ctx, "a2", OpenOptions{})
	require.NoError(t, err)

	_, err = m.Write(ctx, s1.ID, s1.Version, "shared/x", []byte("s1 draft"))
	require.NoError(t, err)

	_, err = m.Read(ctx, s2.ID, "shared/x")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestManager_StaleVersion(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)
	ctx := context.Background()

	s, err := m.Open(ctx, "agent", OpenOptions{})
	require.NoError(t, err)
	_, err = m.Write(ctx, s.ID, s.Version, "k", []byte("1"))
	require.NoError(t, err)

	_, err = m.Write(ctx, s.ID, s.Version, "k", []byte("2"))
	require.ErrorIs(t, err, ErrStaleSessionVersion)
	var stale *StaleVersionError
	require.True(t, errors.As(err, &stale))
	assert.Equal(t, s.Version, stale.Expected)
	assert.Equal(t, s.Version+1, stale.Actual)

	_, err = m.Close(ctx, s.ID, s.Version, merge.AutoMerge)
	assert.ErrorIs(t, err, ErrStaleSessionVersion)
	assert.Equal(t, int64(2), m.Stats().Stale)
}

func TestManager_Scope(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)
	ctx := context.Background()
	f.commitMain(t, "docs/readme", "r")
	f.commitMain(t, "src/main.go", "package main\n")

	scope := &Scope{
		Paths:         []string{"src"},
		ReadOnlyPaths: []string{"docs"},
		AllowCreate:   false,
		AllowDelete:   false,
	}
	s, err := m.Open(ctx, "agent", OpenOptions{Scope: scope})
	require.NoError(t, err)

	tests := []struct {
		name string
		call func() error
	}{
		{"write read-only path", func() error {
			_, err := m.Write(ctx, s.ID, s.Version, "docs/readme", []byte("x"))
			return err
		}},
		{"write outside paths", func() error {
			_, err := m.Write(ctx, s.ID, s.Version, "etc/passwd", []byte("x"))
			return err
		}},
		{"read outside paths", func() error {
			_, err := m.Read(ctx, s.ID, "etc/passwd")
			return err
		}},
		{"create without permission", func() error {
			_, err := m.Write(ctx, s.ID, s.Version, "src/new.go", []byte("x"))
			return err
		}},
		{"delete without permission", func() error {
			_, err := m.Delete(ctx, s.ID, s.Version, "src/main.go")
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.call(), ErrScopeViolation)
		})
	}

	ent, err := m.Read(ctx, s.ID, "docs/readme")
	require.NoError(t, err)
	assert.Equal(t, "r", string(ent.Content))

	_, err = m.Write(ctx, s.ID, s.Version, "src/main.go", []byte("package main\n\nfunc main() {}\n"))
	assert.NoError(t, err)
}

func TestManager_ConflictThenResolve(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)
	ctx := context.Background()
	f.commitMain(t, "f.txt", "a\nb\nc\n")

	s1, err := m.Open(ctx, "a1", OpenOptions{})
	require.NoError(t, err)
	s2, err := m.Open(ctx, "a2", OpenOptions{})
	require.NoError(t, err)

	s1, err = m.Write(ctx, s1.ID, s1.Version, "f.txt", []byte("a\nfrom s1\nc\n"))
	require.NoError(t, err)
	_, err = m.Close(ctx, s1.ID, s1.Version, merge.AutoMerge)
	require.NoError(t, err)

	s2, err = m.Write(ctx, s2.ID, s2.Version, "f.txt", []byte("a\nfrom s2\nc\n"))
	require.NoError(t, err)

	res, err := m.Close(ctx, s2.ID, s2.Version, merge.AutoMerge)
	require.ErrorIs(t, err, merge.ErrMergeConflict)
	require.NotNil(t, res)
	require.Len(t, res.Merge.Conflicts, 1)
	c := res.Merge.Conflicts[0]
	assert.Equal(t, merge.ModifyModify, c.Kind)
	assert.Equal(t, "a\nfrom s2\nc\n", string(c.Session))
	assert.Equal(t, "a\nfrom s1\nc\n", string(c.Main))
	assert.Equal(t, StateMerging, res.Session.State)

	got, _ := f.mainContent(t, "f.txt")
	assert.Equal(t, "a\nfrom s1\nc\n", got, "nothing is written while conflicts are open")

	_, err = m.Resolve(ctx, s2.ID, res.Session.Version, nil)
	assert.ErrorIs(t, err, merge.ErrUnresolved)

	done, err := m.Resolve(ctx, s2.ID, res.Session.Version, []merge.Resolution{
		{EntityID: "f.txt", Choice: merge.TakeSession},
	})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, done.Session.State)
	got, _ = f.mainContent(t, "f.txt")
	assert.Equal(t, "a\nfrom s2\nc\n", got)
}

func TestManager_NonOverlappingSessionsMerge(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)
	ctx := context.Background()
	f.commitMain(t, "f.txt", "a\nb\nc\n")

	s1, err := m.Open(ctx, "a1", OpenOptions{})
	require.NoError(t, err)
	s2, err := m.Open(ctx, "a2", OpenOptions{})
	require.NoError(t, err)

	s1, err = m.Write(ctx, s1.ID, s1.Version, "f.txt", []byte("A\nb\nc\n"))
	require.NoError(t, err)
	_, err = m.Close(ctx, s1.ID, s1.Version, merge.AutoMerge)
	require.NoError(t, err)

	s2, err = m.Write(ctx, s2.ID, s2.Version, "f.txt", []byte("a\nb\nC\n"))
	require.NoError(t, err)
	res, err := m.Close(ctx, s2.ID, s2.Version, merge.AutoMerge)
	require.NoError(t, err)
	assert.Empty(t, res.Merge.Conflicts)

	got, _ := f.mainContent(t, "f.txt")
	assert.Equal(t, "A\nb\nC\n", got)
}

func TestManager_AddAddConflict(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)
	ctx := context.Background()

	s1, err := m.Open(ctx, "a1", OpenOptions{})
	require.NoError(t, err)
	s2, err := m.Open(ctx, "a2", OpenOptions{})
	require.NoError(t, err)

	s1, err = m.Write(ctx, s1.ID, s1.Version, "fresh", []byte("one"))
	require.NoError(t, err)
	_, err = m.Close(ctx, s1.ID, s1.Version, merge.AutoMerge)
	require.NoError(t, err)

	s2, err = m.Write(ctx, s2.ID, s2.Version, "fresh", []byte("two"))
	require.NoError(t, err)
	res, err := m.Close(ctx, s2.ID, s2.Version, merge.AutoMerge)
	require.ErrorIs(t, err, merge.ErrMergeConflict)
	require.Len(t, res.Merge.Conflicts, 1)
	assert.Equal(t, merge.AddAdd, res.Merge.Conflicts[0].Kind)

	got, _ := f.mainContent(t, "fresh")
	assert.Equal(t, "one", got)
}

func TestManager_DeleteAndEmptyClose(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)
	ctx := context.Background()
	f.commitMain(t, "gone", "x")

	s, err := m.Open(ctx, "agent", OpenOptions{})
	require.NoError(t, err)
	s, err = m.Delete(ctx, s.ID, s.Version, "gone")
	require.NoError(t, err)

	_, err = m.Read(ctx, s.ID, "gone")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = m.Delete(ctx, s.ID, s.Version, "gone")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = m.Close(ctx, s.ID, s.Version, merge.AutoMerge)
	require.NoError(t, err)
	_, ok := f.mainContent(t, "gone")
	assert.False(t, ok)

	empty, err := m.Open(ctx, "agent", OpenOptions{})
	require.NoError(t, err)
	res, err := m.Close(ctx, empty.ID, empty.Version, merge.AutoMerge)
	require.NoError(t, err)
	assert.Zero(t, res.Committed)
	assert.Equal(t, StateCompleted, res.Session.State)
}

func TestManager_AbortDiscardsCopies(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)
	ctx := context.Background()

	s, err := m.Open(ctx, "agent", OpenOptions{})
	require.NoError(t, err)
	s, err = m.Write(ctx, s.ID, s.Version, "draft", []byte("wip"))
	require.NoError(t, err)
	require.Len(t, f.locks.Locks(s.ID), 1)

	aborted, err := m.Abort(ctx, s.ID, s.Version)
	require.NoError(t, err)
	assert.Equal(t, StateAborted, aborted.State)
	assert.False(t, f.structured.HasNamespace(s.Namespace))
	assert.Empty(t, f.locks.Locks(s.ID))
	_, ok := f.mainContent(t, "draft")
	assert.False(t, ok)

	_, err = m.Write(ctx, s.ID, aborted.Version, "draft", []byte("again"))
	assert.ErrorIs(t, err, ErrSessionNotActive)
	_, err = m.Abort(ctx, s.ID, aborted.Version)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = m.Get("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestManager_LockTimeoutAbortsSession(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)
	ctx := context.Background()

	holder, err := m.Open(ctx, "holder", OpenOptions{})
	require.NoError(t, err)
	_, err = m.Write(ctx, holder.ID, holder.Version, "hot", []byte("mine"))
	require.NoError(t, err)

	waiter, err := m.Open(ctx, "waiter", OpenOptions{})
	require.NoError(t, err)
	_, err = m.Write(ctx, waiter.ID, waiter.Version, "hot", []byte("theirs"))
	require.ErrorIs(t, err, lock.ErrLockTimeout)

	got, err := m.Get(waiter.ID)
	require.NoError(t, err)
	assert.Equal(t, StateAborted, got.State)

	got, err = m.Get(holder.ID)
	require.NoError(t, err)
	assert.Equal(t, StateActive, got.State, "only the offending session is aborted")
}

func TestManager_DeadlockAbortsYoungest(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)
	m.cfg.LockTimeout = 5 * time.Second
	ctx := context.Background()

	older, err := m.Open(ctx, "older", OpenOptions{})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	younger, err := m.Open(ctx, "younger", OpenOptions{})
	require.NoError(t, err)

	older, err = m.Write(ctx, older.ID, older.Version, "x", []byte("o"))
	require.NoError(t, err)
	younger, err = m.Write(ctx, younger.ID, younger.Version, "y", []byte("y"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var olderErr, youngerErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, olderErr = m.Write(ctx, older.ID, older.Version, "y", []byte("o"))
	}()
	go func() {
		defer wg.Done()
		time.Sleep(20 * time.Millisecond)
		_, youngerErr = m.Write(ctx, younger.ID, younger.Version, "x", []byte("y"))
	}()
	wg.Wait()

	require.NoError(t, olderErr)
	require.ErrorIs(t, youngerErr, lock.ErrDeadlockDetected)

	got, err := m.Get(younger.ID)
	require.NoError(t, err)
	assert.Equal(t, StateAborted, got.State)
	assert.Len(t, f.locks.Locks(older.ID), 2)
}

func TestManager_SerializableReadsTakeLeases(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)
	ctx := context.Background()
	f.commitMain(t, "kb/fact", "42")

	iso := Serializable
	s, err := m.Open(ctx, "agent", OpenOptions{Isolation: &iso})
	require.NoError(t, err)
	_, err = m.Read(ctx, s.ID, "kb/fact")
	require.NoError(t, err)

	held := f.locks.Locks(s.ID)
	require.Len(t, held, 1)
	assert.Equal(t, lock.ModeRead, held[0].Mode)
}

func TestManager_Expiry(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)
	ctx := context.Background()

	now := time.Now()
	var mu sync.Mutex
	m.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	idle, err := m.Open(ctx, "idle", OpenOptions{TTL: time.Minute})
	require.NoError(t, err)
	busy, err := m.Open(ctx, "busy", OpenOptions{TTL: time.Minute})
	require.NoError(t, err)

	advance(45 * time.Second)
	_, err = m.Write(ctx, busy.ID, busy.Version, "k", []byte("v"))
	require.NoError(t, err)

	advance(30 * time.Second)
	assert.Equal(t, 1, m.Sweep(ctx))

	got, err := m.Get(idle.ID)
	require.NoError(t, err)
	assert.Equal(t, StateAborted, got.State)
	assert.Equal(t, "expired", got.Reason)

	got, err = m.Get(busy.ID)
	require.NoError(t, err)
	assert.Equal(t, StateActive, got.State)

	advance(2 * time.Minute)
	_, err = m.Write(ctx, busy.ID, got.Version, "k", []byte("late"))
	assert.ErrorIs(t, err, ErrSessionExpired)

	advance(2 * time.Hour)
	m.Sweep(ctx)
	_, err = m.Get(idle.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound, "terminal sessions are forgotten after the retention")
}

func TestManager_RestoresSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.manager(t)
	s, err := first.Open(ctx, "agent", OpenOptions{})
	require.NoError(t, err)
	s, err = first.Write(ctx, s.ID, s.Version, "kept", []byte("draft"))
	require.NoError(t, err)
	require.NoError(t, first.Shutdown())

	second := f.manager(t)
	got, err := second.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, StateActive, got.State)
	assert.Equal(t, s.Version, got.Version)
	require.Len(t, got.Changes, 1)
	assert.Contains(t, got.Bases, "kept")

	res, err := second.Close(ctx, s.ID, got.Version, merge.AutoMerge)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Committed)
	content, _ := f.mainContent(t, "kept")
	assert.Equal(t, "draft", content)
}

func TestScope(t *testing.T) {
	s := Scope{Paths: []string{"src/"}, ReadOnlyPaths: []string{"src/vendor"}}
	assert.True(t, s.CanWrite("src/a.go"))
	assert.False(t, s.CanWrite("srcx/a.go"))
	assert.False(t, s.CanWrite("src/vendor/lib.go"))
	assert.True(t, s.CanRead("src/vendor/lib.go"))
	assert.False(t, s.CanRead("docs/x"))
	assert.True(t, DefaultScope().CanWrite("anything/at/all"))
}

func TestTransitions(t *testing.T) {
	assert.True(t, canTransition(StateCreated, StateActive))
	assert.True(t, canTransition(StateActive, StateMerging))
	assert.True(t, canTransition(StateMerging, StateCompleted))
	assert.True(t, canTransition(StateMerging, StateAborted))
	assert.False(t, canTransition(StateActive, StateCompleted))
	assert.False(t, canTransition(StateCompleted, StateAborted))
	assert.False(t, canTransition(StateAborted, StateActive))
}
