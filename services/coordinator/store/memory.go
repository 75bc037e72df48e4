// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// -----------------------------------------------------------------------------
// In-memory structured store
// -----------------------------------------------------------------------------

// MemoryStructured is a process-local structured store. It backs the
// InMemory deployment mode and tests.
//
// Thread Safety: Safe for concurrent use.
type MemoryStructured struct {
	mu         sync.RWMutex
	namespaces map[string]time.Time
	rows       map[string]map[string]*Entity
	history    map[string]map[string][]*Entity
	writes     atomic.Int64
}

// NewMemoryStructured returns an empty store with the main namespace.
func NewMemoryStructured() *MemoryStructured {
	return &MemoryStructured{
		namespaces: map[string]time.Time{MainNamespace: time.Now()},
		rows:       make(map[string]map[string]*Entity),
		history:    make(map[string]map[string][]*Entity),
	}
}

// Writes returns the number of applied Put calls. Tests use it to assert
// exactly-once application.
func (m *MemoryStructured) Writes() int64 {
	return m.writes.Load()
}

// Dialer returns a Dialer whose handles all share m.
func (m *MemoryStructured) Dialer() Dialer {
	return DialerFunc(func(ctx context.Context, _ Endpoint, _ Auth) (StructuredConn, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return &memConn{store: m}, nil
	})
}

// Conn returns a standalone handle, for callers that bypass the pool.
func (m *MemoryStructured) Conn() StructuredConn {
	return &memConn{store: m}
}

type memConn struct {
	store  *MemoryStructured
	closed atomic.Bool
}

func (c *memConn) check(ctx context.Context) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	return ctx.Err()
}

func (c *memConn) Get(ctx context.Context, ns, id string) (*Entity, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	m := c.store
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.rows[ns][id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

func (c *memConn) GetAsOf(ctx context.Context, ns, id string, seq uint64) (*Entity, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	m := c.store
	m.mu.RLock()
	defer m.mu.RUnlock()
	versions := m.history[ns][id]
	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i].Sequence <= seq {
			return versions[i].Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (c *memConn) Put(ctx context.Context, e *Entity) (bool, error) {
	if err := c.check(ctx); err != nil {
		return false, err
	}
	m := c.store
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := m.rows[e.Namespace]
	if rows == nil {
		rows = make(map[string]*Entity)
		m.rows[e.Namespace] = rows
	}
	if _, ok := m.namespaces[e.Namespace]; !ok {
		m.namespaces[e.Namespace] = time.Now()
	}
	if cur, ok := rows[e.ID]; ok && e.Sequence > 0 && cur.Sequence >= e.Sequence {
		return false, nil
	}

	stored := e.Clone()
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = time.Now()
	}
	rows[e.ID] = stored

	if e.Sequence > 0 {
		hist := m.history[e.Namespace]
		if hist == nil {
			hist = make(map[string][]*Entity)
			m.history[e.Namespace] = hist
		}
		hist[e.ID] = append(hist[e.ID], stored.Clone())
	}
	m.writes.Add(1)
	return true, nil
}

func (c *memConn) Delete(ctx context.Context, ns, id string) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	m := c.store
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows[ns], id)
	return nil
}

func (c *memConn) List(ctx context.Context, ns, afterID string, limit int) ([]*Entity, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	m := c.store
	m.mu.RLock()
	ids := make([]string, 0, len(m.rows[ns]))
	for id := range m.rows[ns] {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]*Entity, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.rows[ns][id].Clone())
	}
	m.mu.RUnlock()
	return out, nil
}

func (c *memConn) CreateNamespace(ctx context.Context, ns string) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	m := c.store
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.namespaces[ns]; !ok {
		m.namespaces[ns] = time.Now()
	}
	return nil
}

func (c *memConn) DropNamespace(ctx context.Context, ns string) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	m := c.store
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.namespaces, ns)
	delete(m.rows, ns)
	delete(m.history, ns)
	return nil
}

func (c *memConn) Ping(ctx context.Context) error {
	return c.check(ctx)
}

func (c *memConn) Close() error {
	c.closed.Store(true)
	return nil
}

// HasNamespace reports whether ns exists.
func (m *MemoryStructured) HasNamespace(ns string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.namespaces[ns]
	return ok
}

// -----------------------------------------------------------------------------
// In-memory vector store
// -----------------------------------------------------------------------------

// MemoryVector is a brute-force in-process vector store.
//
// Thread Safety: Safe for concurrent use.
type MemoryVector struct {
	mu      sync.RWMutex
	records map[string]map[string]VectorRecord
	upserts atomic.Int64
}

// NewMemoryVector returns an empty vector store.
func NewMemoryVector() *MemoryVector {
	return &MemoryVector{records: make(map[string]map[string]VectorRecord)}
}

// Upserts returns the number of records actually written.
func (v *MemoryVector) Upserts() int64 {
	return v.upserts.Load()
}

// Upsert implements VectorStore.
func (v *MemoryVector) Upsert(ctx context.Context, records []VectorRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, r := range records {
		ns := v.records[r.Namespace]
		if ns == nil {
			ns = make(map[string]VectorRecord)
			v.records[r.Namespace] = ns
		}
		if cur, ok := ns[r.ID]; ok && r.Sequence > 0 && cur.Sequence >= r.Sequence {
			continue
		}
		ns[r.ID] = cloneRecord(r)
		v.upserts.Add(1)
	}
	return nil
}

// Delete implements VectorStore.
func (v *MemoryVector) Delete(ctx context.Context, ns string, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, id := range ids {
		delete(v.records[ns], id)
	}
	return nil
}

// Get implements VectorStore.
func (v *MemoryVector) Get(ctx context.Context, ns string, ids []string) ([]VectorRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]VectorRecord, 0, len(ids))
	for _, id := range ids {
		if r, ok := v.records[ns][id]; ok {
			out = append(out, cloneRecord(r))
		}
	}
	return out, nil
}

// Scan implements VectorStore. The cursor is the last id returned.
func (v *MemoryVector) Scan(ctx context.Context, ns, cursor string, limit int) ([]VectorRecord, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	ids := make([]string, 0, len(v.records[ns]))
	for id := range v.records[ns] {
		if id > cursor {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	done := true
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
		done = false
	}
	out := make([]VectorRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneRecord(v.records[ns][id]))
	}
	if done || len(ids) == 0 {
		return out, "", nil
	}
	return out, ids[len(ids)-1], nil
}

// Search implements VectorStore with exhaustive cosine similarity.
func (v *MemoryVector) Search(ctx context.Context, ns string, vector []float32, k int, filter map[string]string) ([]SearchHit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	var hits []SearchHit
	for _, r := range v.records[ns] {
		if !MatchPayload(r.Payload, filter) {
			continue
		}
		hits = append(hits, SearchHit{Record: cloneRecord(r), Score: Cosine(vector, r.Vector)})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score == hits[j].Score {
			return hits[i].Record.ID < hits[j].Record.ID
		}
		return hits[i].Score > hits[j].Score
	})
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Count implements VectorStore.
func (v *MemoryVector) Count(ctx context.Context, ns string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.records[ns]), nil
}

// Close implements VectorStore.
func (v *MemoryVector) Close() error {
	return nil
}

func cloneRecord(r VectorRecord) VectorRecord {
	c := r
	c.Vector = append([]float32(nil), r.Vector...)
	if r.Payload != nil {
		c.Payload = make(map[string]string, len(r.Payload))
		for k, val := range r.Payload {
			c.Payload[k] = val
		}
	}
	return c
}

// MatchPayload reports whether payload carries every key/value in filter.
func MatchPayload(payload, filter map[string]string) bool {
	for k, want := range filter {
		if payload[k] != want {
			return false
		}
	}
	return true
}

// Cosine returns the cosine similarity of a and b, or 0 when either is
// empty or their lengths differ.
func Cosine(a, b []float32) float32 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// SplitPath splits a "/"-separated entity id into segments, ignoring
// empty segments.
func SplitPath(id string) []string {
	parts := strings.Split(id, "/")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
