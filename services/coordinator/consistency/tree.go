// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package consistency

import (
	"sort"

	"github.com/AleutianAI/AleutianCortex/services/coordinator/store"
	"github.com/cespare/xxhash/v2"
)

// digestTree is a binary hash tree over a fixed number of buckets. Ids
// are assigned to buckets by hash, so both stores place an id in the same
// leaf and equal subtrees prove equal contents without looking inside.
type digestTree struct {
	width   int
	buckets []map[string]store.Digest
	nodes   []store.Digest
}

func newDigestTree(buckets int) *digestTree {
	width := 1
	for width < buckets {
		width <<= 1
	}
	t := &digestTree{
		width:   width,
		buckets: make([]map[string]store.Digest, width),
		nodes:   make([]store.Digest, 2*width),
	}
	for i := range t.buckets {
		t.buckets[i] = make(map[string]store.Digest)
	}
	return t
}

func (t *digestTree) bucketOf(id string) int {
	return int(xxhash.Sum64String(id) % uint64(t.width))
}

func (t *digestTree) add(id string, d store.Digest) {
	t.buckets[t.bucketOf(id)][id] = d
}

func (t *digestTree) remove(id string) {
	delete(t.buckets[t.bucketOf(id)], id)
}

// seal computes every node. Leaves hash the sorted (id, digest) pairs of
// their bucket; an empty bucket is the zero digest.
func (t *digestTree) seal() {
	for i, b := range t.buckets {
		t.nodes[t.width+i] = leafDigest(b)
	}
	for i := t.width - 1; i >= 1; i-- {
		l, r := t.nodes[2*i], t.nodes[2*i+1]
		if l.IsZero() && r.IsZero() {
			t.nodes[i] = store.Digest{}
			continue
		}
		t.nodes[i] = store.Combine(l, r)
	}
}

func leafDigest(b map[string]store.Digest) store.Digest {
	if len(b) == 0 {
		return store.Digest{}
	}
	ids := make([]string, 0, len(b))
	for id := range b {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	parts := make([]store.Digest, 0, 2*len(ids))
	for _, id := range ids {
		parts = append(parts, store.DigestOf([]byte(id)), b[id])
	}
	return store.Combine(parts...)
}

func (t *digestTree) root() store.Digest {
	return t.nodes[1]
}

// diff descends from the root into subtrees whose digests differ and
// returns the differing buckets with the number of nodes compared. Both
// trees must have the same width.
func diff(a, b *digestTree) (buckets []int, compared int) {
	var walk func(i int)
	walk = func(i int) {
		compared++
		if a.nodes[i] == b.nodes[i] {
			return
		}
		if i >= a.width {
			buckets = append(buckets, i-a.width)
			return
		}
		walk(2 * i)
		walk(2*i + 1)
	}
	walk(1)
	return buckets, compared
}
