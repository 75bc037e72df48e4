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
	"errors"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianCortex/services/coordinator/store"
	"github.com/stretchr/testify/assert"
)

func states(names ...string) []*endpointState {
	out := make([]*endpointState, len(names))
	for i, n := range names {
		out[i] = newEndpointState(store.Endpoint{Name: n, Driver: "memory"})
	}
	return out
}

func TestRoundRobin(t *testing.T) {
	eps := states("a", "b", "c")
	b := newBalancer(BalanceRoundRobin)
	var got []string
	for i := 0; i < 4; i++ {
		got = append(got, b.pick(eps).ep.Name)
	}
	assert.Equal(t, []string{"a", "b", "c", "a"}, got)
}

func TestLeastConnections(t *testing.T) {
	eps := states("a", "b", "c")
	eps[0].active.Store(3)
	eps[1].active.Store(1)
	eps[2].active.Store(2)
	assert.Equal(t, "b", newBalancer(BalanceLeastConnections).pick(eps).ep.Name)
}

func TestWeightedRandom(t *testing.T) {
	eps := states("light", "heavy")
	eps[1].ep.Weight = 1000
	b := newBalancer(BalanceRandom)
	heavy := 0
	for i := 0; i < 200; i++ {
		if b.pick(eps).ep.Name == "heavy" {
			heavy++
		}
	}
	assert.Greater(t, heavy, 150)
}

func TestHealthBased(t *testing.T) {
	eps := states("slow", "fast", "down")
	eps[0].observe(40*time.Millisecond, nil)
	eps[1].observe(5*time.Millisecond, nil)
	eps[2].observe(0, errors.New("refused"))

	b := newBalancer(BalanceHealthBased)
	assert.Equal(t, "fast", b.pick(eps).ep.Name)

	eps[1].observe(0, errors.New("refused"))
	assert.Equal(t, "slow", b.pick(eps).ep.Name)
}

func TestEndpointState_LatencyEWMA(t *testing.T) {
	s := newEndpointState(store.Endpoint{Name: "a"})
	s.observe(10*time.Millisecond, nil)
	s.observe(20*time.Millisecond, nil)
	assert.Equal(t, int64(12*time.Millisecond), s.latency.Load())
}
