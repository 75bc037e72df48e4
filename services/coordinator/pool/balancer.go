// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pool

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianCortex/services/coordinator/store"
)

// endpointState is the pool's live view of one endpoint.
type endpointState struct {
	ep       store.Endpoint
	active   atomic.Int64 // open handles
	failures atomic.Int64 // consecutive dial or ping failures
	latency  atomic.Int64 // EWMA of ping latency, nanoseconds
	healthy  atomic.Bool
}

func newEndpointState(ep store.Endpoint) *endpointState {
	s := &endpointState{ep: ep}
	s.healthy.Store(true)
	return s
}

// observe folds one ping result into the endpoint's health.
func (s *endpointState) observe(d time.Duration, err error) {
	if err != nil {
		s.failures.Add(1)
		s.healthy.Store(false)
		return
	}
	s.failures.Store(0)
	s.healthy.Store(true)
	prev := s.latency.Load()
	if prev == 0 {
		s.latency.Store(int64(d))
		return
	}
	// alpha = 0.2
	s.latency.Store(prev + (int64(d)-prev)/5)
}

// balancer picks the endpoint for a new handle. eps is never empty.
type balancer interface {
	pick(eps []*endpointState) *endpointState
}

func newBalancer(s BalanceStrategy) balancer {
	switch s {
	case BalanceLeastConnections:
		return leastConnections{}
	case BalanceRandom:
		return &weightedRandom{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
	case BalanceHealthBased:
		return healthBased{}
	default:
		return &roundRobin{}
	}
}

type roundRobin struct {
	next atomic.Uint64
}

func (r *roundRobin) pick(eps []*endpointState) *endpointState {
	n := r.next.Add(1) - 1
	return eps[n%uint64(len(eps))]
}

type leastConnections struct{}

func (leastConnections) pick(eps []*endpointState) *endpointState {
	best := eps[0]
	for _, e := range eps[1:] {
		if e.active.Load() < best.active.Load() {
			best = e
		}
	}
	return best
}

type weightedRandom struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func (w *weightedRandom) pick(eps []*endpointState) *endpointState {
	total := 0
	for _, e := range eps {
		total += weight(e.ep)
	}
	w.mu.Lock()
	n := w.rng.Intn(total)
	w.mu.Unlock()
	for _, e := range eps {
		n -= weight(e.ep)
		if n < 0 {
			return e
		}
	}
	return eps[len(eps)-1]
}

func weight(ep store.Endpoint) int {
	if ep.Weight <= 0 {
		return 1
	}
	return ep.Weight
}

// healthBased prefers healthy endpoints and, among them, the lowest
// latency. Unmeasured endpoints count as fastest so they get measured.
type healthBased struct{}

func (healthBased) pick(eps []*endpointState) *endpointState {
	var best *endpointState
	for _, e := range eps {
		if best == nil {
			best = e
			continue
		}
		eh, bh := e.healthy.Load(), best.healthy.Load()
		switch {
		case eh && !bh:
			best = e
		case eh == bh && e.latency.Load() < best.latency.Load():
			best = e
		}
	}
	return best
}
