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
	"sync"
	"time"
)

// batchSizer adapts the batch size to observed write latency: slower than
// twice the target shrinks it by a quarter, faster than half the target
// grows it by a quarter, always within [min, max].
type batchSizer struct {
	mu       sync.Mutex
	size     int
	min, max int
	target   time.Duration
	adaptive bool

	batches int64
	total   time.Duration
}

func newBatchSizer(cfg Config) *batchSizer {
	return &batchSizer{
		size:     clamp(cfg.BatchSize, cfg.MinBatchSize, cfg.MaxBatchSize),
		min:      cfg.MinBatchSize,
		max:      cfg.MaxBatchSize,
		target:   cfg.TargetLatency,
		adaptive: cfg.Adaptive,
	}
}

func (b *batchSizer) current() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// observe records one batch latency and returns the next size.
func (b *batchSizer) observe(latency time.Duration) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batches++
	b.total += latency
	if !b.adaptive {
		return b.size
	}
	switch {
	case latency > 2*b.target:
		b.size = clamp(b.size*3/4, b.min, b.max)
	case latency < b.target/2:
		b.size = clamp(b.size*5/4, b.min, b.max)
	}
	return b.size
}

func (b *batchSizer) average() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.batches == 0 {
		return 0
	}
	return b.total / time.Duration(b.batches)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// progressTracker turns out-of-order batch completions into a cursor
// below which every batch is done.
type progressTracker struct {
	mu       sync.Mutex
	next     uint64
	ends     map[uint64]string
	sizes    map[uint64]int
	finished map[uint64]bool
	cursor   string
	migrated int64
	advanced int
}

func newProgressTracker(first uint64, cursor string, migrated int64) *progressTracker {
	return &progressTracker{
		next:     first,
		ends:     make(map[uint64]string),
		sizes:    make(map[uint64]int),
		finished: make(map[uint64]bool),
		cursor:   cursor,
		migrated: migrated,
	}
}

func (t *progressTracker) start(num uint64, end string, size int) {
	t.mu.Lock()
	t.ends[num] = end
	t.sizes[num] = size
	t.mu.Unlock()
}

// finish marks num done. It returns the contiguous cursor, the records
// below it and how many batches the cursor has moved over since the last
// call that returned due=true.
func (t *progressTracker) finish(num uint64, every int) (cursor string, migrated int64, last uint64, due bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finished[num] = true
	for t.finished[t.next] {
		t.cursor = t.ends[t.next]
		t.migrated += int64(t.sizes[t.next])
		delete(t.finished, t.next)
		delete(t.ends, t.next)
		delete(t.sizes, t.next)
		t.next++
		t.advanced++
	}
	if t.advanced >= every {
		t.advanced = 0
		due = true
	}
	return t.cursor, t.migrated, t.next, due
}

func (t *progressTracker) snapshot() (cursor string, migrated int64, next uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cursor, t.migrated, t.next
}
