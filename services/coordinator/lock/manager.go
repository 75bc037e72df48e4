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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	badgerstore "github.com/AleutianAI/AleutianCortex/services/coordinator/storage/badger"
	"github.com/AleutianAI/AleutianCortex/services/coordinator/telemetry"
	"github.com/cespare/xxhash/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "cortex.lock"
	keyPrefix  = "lock:"
)

// stripe owns the locks of every entity whose first path segment hashes
// to it, plus the requests parked on those entities.
type stripe struct {
	mu      sync.Mutex
	holders map[string]map[string]*Lock    // entity -> session -> lock
	below   map[string]map[string]struct{} // ancestor -> locked entities under it
	waiters []*request                     // FIFO
}

// Manager grants entity leases.
//
// Thread Safety: Safe for concurrent use. Lock order is stripe, then the
// wait-for graph, then the session index.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	db     *badgerstore.DB
	now    func() time.Time

	stripes []*stripe
	graph   *waitForGraph

	sessMu  sync.RWMutex
	started map[string]time.Time
	held    map[string]map[string]struct{} // session -> entities

	nextID    atomic.Uint64
	grants    atomic.Int64
	upgrades  atomic.Int64
	timeouts  atomic.Int64
	deadlocks atomic.Int64
	expired   atomic.Int64

	closed      atomic.Bool
	sweepCancel context.CancelFunc
	sweepWg     sync.WaitGroup
}

// New creates a lock manager and starts its expiry sweep.
//
// Description:
//
//	When cfg.Persist is set and db is non-nil, every grant and release is
//	written to badger and unexpired locks are restored before New returns.
//
// Inputs:
//
//	cfg - Manager configuration. Zero fields take defaults.
//	db - Optional badger store for the persisted lock table.
//
// Outputs:
//
//	*Manager - Ready-to-use manager. Call Close to stop the sweep.
//	error - Non-nil if configuration is invalid or restore fails.
func New(cfg Config, db *badgerstore.DB) (*Manager, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid lock config: %w", err)
	}
	m := &Manager{
		cfg:     cfg,
		logger:  cfg.Logger.With(slog.String("component", "lock_manager")),
		now:     time.Now,
		stripes: make([]*stripe, cfg.Stripes),
		graph:   newWaitForGraph(),
		started: make(map[string]time.Time),
		held:    make(map[string]map[string]struct{}),
	}
	if cfg.Persist {
		m.db = db
	}
	for i := range m.stripes {
		m.stripes[i] = &stripe{
			holders: make(map[string]map[string]*Lock),
			below:   make(map[string]map[string]struct{}),
		}
	}

	if m.db != nil {
		restored, err := m.restore(context.Background())
		if err != nil {
			return nil, fmt.Errorf("restore lock table: %w", err)
		}
		if restored > 0 {
			m.logger.Info("Restored persisted locks", slog.Int("count", restored))
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.sweepCancel = cancel
	m.sweepWg.Add(1)
	go m.runSweep(ctx)
	return m, nil
}

func (m *Manager) stripeFor(entity string) *stripe {
	return m.stripes[xxhash.Sum64String(root(entity))%uint64(len(m.stripes))]
}

// RegisterSession records when a session started. The start time decides
// the deadlock victim; sessions never registered count from their first
// lock request.
func (m *Manager) RegisterSession(sessionID string, startedAt time.Time) {
	m.sessMu.Lock()
	defer m.sessMu.Unlock()
	m.started[sessionID] = startedAt
}

func (m *Manager) touchSession(sessionID string) {
	m.sessMu.Lock()
	defer m.sessMu.Unlock()
	if _, ok := m.started[sessionID]; !ok {
		m.started[sessionID] = m.now()
	}
}

func (m *Manager) startedAt(sessionID string) time.Time {
	m.sessMu.RLock()
	defer m.sessMu.RUnlock()
	return m.started[sessionID]
}

// -----------------------------------------------------------------------------
// Acquire
// -----------------------------------------------------------------------------

// Acquire grants mode on entity to session.
//
// Description:
//
//	Re-acquiring a held lock renews it; asking for a stronger mode than
//	the one held upgrades in place once compatible. A conflicting request
//	parks until granted, until timeout (Config.DefaultTimeout when zero,
//	no waiting when negative) or until ctx is done. A parked request that
//	closes a wait-for cycle aborts the youngest session in the cycle.
//
// Outputs:
//
//	*Lock - A copy of the granted lease.
//	error - *LockError wrapping ErrLockTimeout, ErrDeadlockDetected or
//	        ErrSessionReleased; ctx.Err() on cancellation.
//
// Thread Safety: Safe for concurrent use.
func (m *Manager) Acquire(ctx context.Context, entity string, mode Mode, sessionID string, timeout time.Duration) (l *Lock, err error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "lock.Manager.Acquire",
		trace.WithAttributes(
			attribute.String("entity", entity),
			attribute.String("mode", mode.String()),
			attribute.String("session", sessionID),
		))
	defer func() { telemetry.End(span, err) }()

	if m.closed.Load() {
		return nil, ErrManagerClosed
	}
	if entity, err = normalize(entity); err != nil {
		return nil, err
	}
	if !mode.valid() {
		return nil, fmt.Errorf("invalid lock mode %d", mode)
	}
	if timeout == 0 {
		timeout = m.cfg.DefaultTimeout
	}
	m.touchSession(sessionID)

	st := m.stripeFor(entity)
	start := m.now()

	st.mu.Lock()
	blockers := m.blockersLocked(st, entity, mode, sessionID)
	if len(blockers) == 0 {
		l = m.grantLocked(st, entity, mode, sessionID)
		st.mu.Unlock()
		acquireTotal.WithLabelValues(mode.String(), "granted").Inc()
		return l, nil
	}
	if timeout < 0 {
		st.mu.Unlock()
		m.timeouts.Add(1)
		acquireTotal.WithLabelValues(mode.String(), "timeout").Inc()
		return nil, &LockError{EntityID: entity, SessionID: sessionID, Mode: mode, Err: ErrLockTimeout}
	}

	req := newRequest(entity, mode, sessionID, start)
	st.waiters = append(st.waiters, req)
	if cycle := m.graph.set(req, blockers); cycle != nil {
		m.breakCycle(cycle)
	}
	st.mu.Unlock()

	span.AddEvent("parked", trace.WithAttributes(attribute.StringSlice("blockers", blockers)))
	m.logger.Debug("lock request parked",
		slog.String("entity", entity),
		slog.String("mode", mode.String()),
		slog.String("session", sessionID),
		slog.Any("blockers", blockers))

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-req.done:
		return m.finish(st, req, res, start)
	case <-timer.C:
		return m.cancelWait(st, req, ErrLockTimeout, start)
	case <-ctx.Done():
		return m.cancelWait(st, req, ctx.Err(), start)
	}
}

// finish turns the result delivered to a parked request into Acquire's
// return values.
func (m *Manager) finish(st *stripe, req *request, res result, start time.Time) (*Lock, error) {
	waitDuration.WithLabelValues(req.mode.String()).Observe(m.now().Sub(start).Seconds())
	if res.err == nil {
		acquireTotal.WithLabelValues(req.mode.String(), "granted").Inc()
		return res.lock, nil
	}

	st.mu.Lock()
	st.removeWaiter(req)
	st.mu.Unlock()

	outcome := "released"
	if errors.Is(res.err, ErrDeadlockDetected) {
		outcome = "deadlock"
	}
	acquireTotal.WithLabelValues(req.mode.String(), outcome).Inc()
	return nil, res.err
}

// cancelWait withdraws a parked request. If the request was resolved
// concurrently, that resolution wins and a granted lock is returned.
func (m *Manager) cancelWait(st *stripe, req *request, cause error, start time.Time) (*Lock, error) {
	if !req.state.CompareAndSwap(reqWaiting, reqCancelled) {
		return m.finish(st, req, <-req.done, start)
	}

	st.mu.Lock()
	st.removeWaiter(req)
	m.graph.remove(req)
	st.mu.Unlock()

	waitDuration.WithLabelValues(req.mode.String()).Observe(m.now().Sub(start).Seconds())
	if errors.Is(cause, ErrLockTimeout) {
		m.timeouts.Add(1)
		acquireTotal.WithLabelValues(req.mode.String(), "timeout").Inc()
		return nil, &LockError{EntityID: req.entity, SessionID: req.session, Mode: req.mode, Err: ErrLockTimeout}
	}
	acquireTotal.WithLabelValues(req.mode.String(), "cancelled").Inc()
	return nil, cause
}

// breakCycle aborts the youngest session of cycle. Called with a stripe
// lock held; the victim removes itself from its stripe when it wakes.
func (m *Manager) breakCycle(cycle []string) {
	victim := chooseVictim(cycle, m.startedAt)
	aborted := m.graph.abortVictim(victim, cycle)
	if len(aborted) == 0 {
		return
	}
	m.deadlocks.Add(1)
	deadlocksTotal.Inc()
	m.logger.Warn("deadlock detected, aborting youngest session",
		slog.String("victim", victim),
		slog.Any("cycle", cycle))
	for _, req := range aborted {
		req.done <- result{err: &LockError{
			EntityID:  req.entity,
			SessionID: req.session,
			Mode:      req.mode,
			Cycle:     cycle,
			Err:       ErrDeadlockDetected,
		}}
	}
}

// blockersLocked returns the sessions whose locks prevent granting mode on
// entity to session. Expired leases met on the way are reclaimed.
func (m *Manager) blockersLocked(st *stripe, entity string, mode Mode, session string) []string {
	now := m.now()
	if own := st.holders[entity][session]; own != nil {
		if own.IsExpired(now) {
			m.expireLocked(st, own)
		} else if own.Mode >= mode {
			return nil
		}
	}

	blocking := make(map[string]struct{})
	scan := func(holders map[string]*Lock, blocks func(held Mode) bool) {
		for sid, l := range holders {
			if sid == session {
				continue
			}
			if l.IsExpired(now) {
				m.expireLocked(st, l)
				continue
			}
			if blocks(l.Mode) {
				blocking[sid] = struct{}{}
			}
		}
	}

	scan(st.holders[entity], func(held Mode) bool { return !sameEntityCompatible(held, mode) })
	for _, a := range ancestors(entity) {
		scan(st.holders[a], func(held Mode) bool { return ancestorBlocks(held, mode) })
	}
	if mode != ModeIntent {
		for d := range st.below[entity] {
			scan(st.holders[d], func(held Mode) bool { return descendantBlocks(held, mode) })
		}
	}
	return sortedKeys(blocking)
}

// grantLocked installs, renews or upgrades session's lock on entity.
func (m *Manager) grantLocked(st *stripe, entity string, mode Mode, session string) *Lock {
	now := m.now()
	if l := st.holders[entity][session]; l != nil {
		if mode > l.Mode {
			l.Mode = mode
			m.upgrades.Add(1)
		}
		l.ExpiresAt = now.Add(m.cfg.Lease)
		m.persist(l)
		cp := *l
		return &cp
	}

	l := &Lock{
		ID:         fmt.Sprintf("lock_%d", m.nextID.Add(1)),
		EntityID:   entity,
		SessionID:  session,
		Mode:       mode,
		AcquiredAt: now,
		ExpiresAt:  now.Add(m.cfg.Lease),
	}
	m.installLocked(st, l)
	m.persist(l)
	m.grants.Add(1)
	cp := *l
	return &cp
}

func (m *Manager) installLocked(st *stripe, l *Lock) {
	hs := st.holders[l.EntityID]
	if hs == nil {
		hs = make(map[string]*Lock)
		st.holders[l.EntityID] = hs
		for _, a := range ancestors(l.EntityID) {
			if st.below[a] == nil {
				st.below[a] = make(map[string]struct{})
			}
			st.below[a][l.EntityID] = struct{}{}
		}
	}
	hs[l.SessionID] = l

	m.sessMu.Lock()
	if m.held[l.SessionID] == nil {
		m.held[l.SessionID] = make(map[string]struct{})
	}
	m.held[l.SessionID][l.EntityID] = struct{}{}
	m.sessMu.Unlock()
	heldLocks.Inc()
}

func (m *Manager) dropLocked(st *stripe, l *Lock) {
	hs := st.holders[l.EntityID]
	if hs[l.SessionID] != l {
		return
	}
	delete(hs, l.SessionID)
	if len(hs) == 0 {
		delete(st.holders, l.EntityID)
		for _, a := range ancestors(l.EntityID) {
			delete(st.below[a], l.EntityID)
			if len(st.below[a]) == 0 {
				delete(st.below, a)
			}
		}
	}

	m.sessMu.Lock()
	if ents := m.held[l.SessionID]; ents != nil {
		delete(ents, l.EntityID)
		if len(ents) == 0 {
			delete(m.held, l.SessionID)
		}
	}
	m.sessMu.Unlock()
	m.unpersist(l)
	heldLocks.Dec()
}

func (m *Manager) expireLocked(st *stripe, l *Lock) {
	m.dropLocked(st, l)
	m.expired.Add(1)
	expiredTotal.Inc()
	m.logger.Info("reclaimed expired lock",
		slog.String("entity", l.EntityID),
		slog.String("session", l.SessionID),
		slog.String("mode", l.Mode.String()))
}

// wakeLocked re-evaluates the stripe's parked requests in arrival order,
// granting what has become compatible and refreshing wait-for edges of
// the rest.
func (m *Manager) wakeLocked(st *stripe) {
	remaining := st.waiters[:0]
	for _, req := range st.waiters {
		if req.state.Load() != reqWaiting {
			continue
		}
		blockers := m.blockersLocked(st, req.entity, req.mode, req.session)
		if len(blockers) == 0 {
			if req.state.CompareAndSwap(reqWaiting, reqGranted) {
				l := m.grantLocked(st, req.entity, req.mode, req.session)
				m.graph.remove(req)
				req.done <- result{lock: l}
			}
			continue
		}
		if cycle := m.graph.set(req, blockers); cycle != nil {
			m.breakCycle(cycle)
		}
		if req.state.Load() == reqWaiting {
			remaining = append(remaining, req)
		}
	}
	for i := len(remaining); i < len(st.waiters); i++ {
		st.waiters[i] = nil
	}
	st.waiters = remaining
}

func (st *stripe) removeWaiter(req *request) {
	for i, w := range st.waiters {
		if w == req {
			st.waiters = append(st.waiters[:i], st.waiters[i+1:]...)
			return
		}
	}
}

// -----------------------------------------------------------------------------
// Release
// -----------------------------------------------------------------------------

// Release drops session's lock on entity and wakes compatible waiters.
//
// Thread Safety: Safe for concurrent use.
func (m *Manager) Release(ctx context.Context, entity, sessionID string) error {
	entity, err := normalize(entity)
	if err != nil {
		return err
	}
	st := m.stripeFor(entity)
	st.mu.Lock()
	defer st.mu.Unlock()

	l := st.holders[entity][sessionID]
	if l == nil {
		return ErrLockNotHeld
	}
	m.dropLocked(st, l)
	m.wakeLocked(st)
	return nil
}

// ReleaseAll drops every lock of session, fails its parked requests with
// ErrSessionReleased and forgets its start time. It returns the number of
// locks released.
//
// Thread Safety: Safe for concurrent use.
func (m *Manager) ReleaseAll(ctx context.Context, sessionID string) int {
	_, span := telemetry.StartSpan(ctx, tracerName, "lock.Manager.ReleaseAll",
		trace.WithAttributes(attribute.String("session", sessionID)))
	defer span.End()

	for _, req := range m.graph.abortVictim(sessionID, nil) {
		req.done <- result{err: &LockError{
			EntityID:  req.entity,
			SessionID: req.session,
			Mode:      req.mode,
			Err:       ErrSessionReleased,
		}}
	}

	m.sessMu.Lock()
	byStripe := make(map[*stripe][]string)
	for e := range m.held[sessionID] {
		st := m.stripeFor(e)
		byStripe[st] = append(byStripe[st], e)
	}
	delete(m.started, sessionID)
	m.sessMu.Unlock()

	released := 0
	for st, entities := range byStripe {
		st.mu.Lock()
		for _, e := range entities {
			if l := st.holders[e][sessionID]; l != nil {
				m.dropLocked(st, l)
				released++
			}
		}
		m.wakeLocked(st)
		st.mu.Unlock()
	}

	span.SetAttributes(attribute.Int("released", released))
	if released > 0 {
		m.logger.Debug("released session locks",
			slog.String("session", sessionID),
			slog.Int("count", released))
	}
	return released
}

// Renew extends every lease held by session by one lease period and
// returns the number renewed.
func (m *Manager) Renew(ctx context.Context, sessionID string) int {
	entities := m.entitiesOf(sessionID)
	renewed := 0
	for _, e := range entities {
		st := m.stripeFor(e)
		st.mu.Lock()
		if l := st.holders[e][sessionID]; l != nil && !l.IsExpired(m.now()) {
			l.ExpiresAt = m.now().Add(m.cfg.Lease)
			m.persist(l)
			renewed++
		}
		st.mu.Unlock()
	}
	return renewed
}

// Locks returns copies of the locks held by session.
func (m *Manager) Locks(sessionID string) []Lock {
	var out []Lock
	for _, e := range m.entitiesOf(sessionID) {
		st := m.stripeFor(e)
		st.mu.Lock()
		if l := st.holders[e][sessionID]; l != nil {
			out = append(out, *l)
		}
		st.mu.Unlock()
	}
	return out
}

// Holders returns copies of the locks held on entity.
func (m *Manager) Holders(entity string) []Lock {
	entity, err := normalize(entity)
	if err != nil {
		return nil
	}
	st := m.stripeFor(entity)
	st.mu.Lock()
	defer st.mu.Unlock()
	var out []Lock
	for _, sid := range sortedKeys(st.holders[entity]) {
		out = append(out, *st.holders[entity][sid])
	}
	return out
}

func (m *Manager) entitiesOf(sessionID string) []string {
	m.sessMu.RLock()
	defer m.sessMu.RUnlock()
	return sortedKeys(m.held[sessionID])
}

// Stats returns a snapshot of lock activity.
func (m *Manager) Stats() Stats {
	s := Stats{
		Grants:    m.grants.Load(),
		Upgrades:  m.upgrades.Load(),
		Timeouts:  m.timeouts.Load(),
		Deadlocks: m.deadlocks.Load(),
		Expired:   m.expired.Load(),
	}
	for _, st := range m.stripes {
		st.mu.Lock()
		for _, hs := range st.holders {
			s.Held += len(hs)
		}
		s.Waiting += len(st.waiters)
		st.mu.Unlock()
	}
	m.sessMu.RLock()
	s.Sessions = len(m.held)
	m.sessMu.RUnlock()
	return s
}

// -----------------------------------------------------------------------------
// Expiry
// -----------------------------------------------------------------------------

func (m *Manager) runSweep(ctx context.Context) {
	defer m.sweepWg.Done()
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep reclaims every expired lease and returns how many it reclaimed.
func (m *Manager) Sweep() int {
	now := m.now()
	reclaimed := 0
	for _, st := range m.stripes {
		st.mu.Lock()
		var stale []*Lock
		for _, hs := range st.holders {
			for _, l := range hs {
				if l.IsExpired(now) {
					stale = append(stale, l)
				}
			}
		}
		for _, l := range stale {
			m.expireLocked(st, l)
		}
		if len(stale) > 0 {
			m.wakeLocked(st)
		}
		st.mu.Unlock()
		reclaimed += len(stale)
	}
	return reclaimed
}

// Close stops the sweep. Held locks stay in the persisted table.
func (m *Manager) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	m.sweepCancel()
	m.sweepWg.Wait()
	return nil
}

// -----------------------------------------------------------------------------
// Persistence
// -----------------------------------------------------------------------------

func lockKey(entity, session string) []byte {
	return []byte(keyPrefix + entity + "\x00" + session)
}

func (m *Manager) persist(l *Lock) {
	if m.db == nil {
		return
	}
	data, err := json.Marshal(l)
	if err == nil {
		err = m.db.Put(context.Background(), lockKey(l.EntityID, l.SessionID), data)
	}
	if err != nil {
		m.logger.Warn("persist lock failed",
			slog.String("entity", l.EntityID),
			slog.String("error", err.Error()))
	}
}

func (m *Manager) unpersist(l *Lock) {
	if m.db == nil {
		return
	}
	if err := m.db.Delete(context.Background(), lockKey(l.EntityID, l.SessionID)); err != nil {
		m.logger.Warn("delete persisted lock failed",
			slog.String("entity", l.EntityID),
			slog.String("error", err.Error()))
	}
}

// restore loads unexpired locks from badger and deletes expired ones.
func (m *Manager) restore(ctx context.Context) (int, error) {
	now := m.now()
	var live []*Lock
	var stale [][]byte
	err := m.db.Scan(ctx, []byte(keyPrefix), func(key, value []byte) error {
		var l Lock
		if err := json.Unmarshal(value, &l); err != nil {
			return fmt.Errorf("decode %q: %w", key, err)
		}
		if l.IsExpired(now) {
			stale = append(stale, append([]byte(nil), key...))
			return nil
		}
		live = append(live, &l)
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, key := range stale {
		if err := m.db.Delete(ctx, key); err != nil {
			return 0, err
		}
	}

	var maxID uint64
	for _, l := range live {
		st := m.stripeFor(l.EntityID)
		st.mu.Lock()
		m.installLocked(st, l)
		st.mu.Unlock()
		m.touchSession(l.SessionID)
		var n uint64
		if _, err := fmt.Sscanf(l.ID, "lock_%d", &n); err == nil && n > maxID {
			maxID = n
		}
	}
	m.nextID.Store(maxID)
	return len(live), nil
}
