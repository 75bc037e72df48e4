// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lock

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Request states. A request leaves reqWaiting exactly once.
const (
	reqWaiting int32 = iota
	reqGranted
	reqAborted
	reqCancelled
)

type result struct {
	lock *Lock
	err  error
}

// request is a parked acquisition. It is owned by its stripe's waiter list
// and by the wait-for graph until it leaves reqWaiting.
type request struct {
	entity   string
	mode     Mode
	session  string
	parkedAt time.Time
	state    atomic.Int32
	done     chan result // buffered, receives exactly one result
	cycle    []string    // set when aborted as deadlock victim
}

func newRequest(entity string, mode Mode, session string, now time.Time) *request {
	return &request{
		entity:   entity,
		mode:     mode,
		session:  session,
		parkedAt: now,
		done:     make(chan result, 1),
	}
}

// waitForGraph is the adjacency map of sessions waiting on sessions.
// Edges are reference counted per request because one session may have
// several parked requests.
//
// Invariant: the graph is acyclic outside of set; set breaks any cycle it
// would create before returning.
//
// Thread Safety: Safe for concurrent use.
type waitForGraph struct {
	mu      sync.Mutex
	edges   map[string]map[string]int
	byReq   map[*request][]string
	pending map[string]map[*request]struct{}
}

func newWaitForGraph() *waitForGraph {
	return &waitForGraph{
		edges:   make(map[string]map[string]int),
		byReq:   make(map[*request][]string),
		pending: make(map[string]map[*request]struct{}),
	}
}

// set replaces req's out-edges with edges to blockers and returns the cycle
// through req.session if the new edges close one. The caller breaks the
// cycle through abortVictim.
func (g *waitForGraph) set(req *request, blockers []string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.removeLocked(req)
	g.byReq[req] = blockers
	for _, b := range blockers {
		out := g.edges[req.session]
		if out == nil {
			out = make(map[string]int)
			g.edges[req.session] = out
		}
		out[b]++
	}
	if g.pending[req.session] == nil {
		g.pending[req.session] = make(map[*request]struct{})
	}
	g.pending[req.session][req] = struct{}{}

	return g.findCycleLocked(req.session)
}

// remove drops req's edges.
func (g *waitForGraph) remove(req *request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removeLocked(req)
}

func (g *waitForGraph) removeLocked(req *request) {
	blockers, ok := g.byReq[req]
	if !ok {
		return
	}
	delete(g.byReq, req)
	out := g.edges[req.session]
	for _, b := range blockers {
		if out[b]--; out[b] <= 0 {
			delete(out, b)
		}
	}
	if len(out) == 0 {
		delete(g.edges, req.session)
	}
	if p := g.pending[req.session]; p != nil {
		delete(p, req)
		if len(p) == 0 {
			delete(g.pending, req.session)
		}
	}
}

// findCycleLocked looks for a path from start back to start with a DFS.
// Since the graph was acyclic before the last insertion, any new cycle
// passes through start.
func (g *waitForGraph) findCycleLocked(start string) []string {
	visited := make(map[string]bool)
	path := []string{start}

	var dfs func(node string) []string
	dfs = func(node string) []string {
		visited[node] = true
		for _, next := range sortedKeys(g.edges[node]) {
			if next == start {
				return append(append([]string(nil), path...), start)
			}
			if visited[next] {
				continue
			}
			path = append(path, next)
			if c := dfs(next); c != nil {
				return c
			}
			path = path[:len(path)-1]
		}
		return nil
	}
	return dfs(start)
}

// abortVictim aborts every parked request of victim and removes its
// edges, returning the requests that were actually aborted.
func (g *waitForGraph) abortVictim(victim string, cycle []string) []*request {
	g.mu.Lock()
	defer g.mu.Unlock()

	var aborted []*request
	for req := range g.pending[victim] {
		if !req.state.CompareAndSwap(reqWaiting, reqAborted) {
			continue
		}
		req.cycle = cycle
		aborted = append(aborted, req)
	}
	for _, req := range aborted {
		g.removeLocked(req)
	}
	return aborted
}

// waiting returns the sessions with parked requests.
func (g *waitForGraph) waiting() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return sortedKeys(g.pending)
}

// edgeCount returns the number of distinct edges.
func (g *waitForGraph) edgeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, out := range g.edges {
		n += len(out)
	}
	return n
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// chooseVictim returns the youngest session of cycle: latest start time,
// ties broken by the larger id.
func chooseVictim(cycle []string, started func(string) time.Time) string {
	var victim string
	var victimStart time.Time
	seen := make(map[string]bool, len(cycle))
	for _, s := range cycle {
		if seen[s] {
			continue
		}
		seen[s] = true
		st := started(s)
		if victim == "" || st.After(victimStart) || (st.Equal(victimStart) && s > victim) {
			victim, victimStart = s, st
		}
	}
	return victim
}
