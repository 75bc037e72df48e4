// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session gives every agent an isolated, copy-on-write working
// copy of the knowledge store.
//
// Writes land in a private namespace and take Write leases; reads see the
// private copy first and main otherwise, as of the session's snapshot.
// Closing a session merges its changes into main through the Merge Engine
// and commits the outcome through the Sync Manager. Every transition is
// guarded by the session version the caller last observed.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianCortex/services/coordinator/lock"
	"github.com/AleutianAI/AleutianCortex/services/coordinator/merge"
	badgerstore "github.com/AleutianAI/AleutianCortex/services/coordinator/storage/badger"
	"github.com/AleutianAI/AleutianCortex/services/coordinator/store"
	"github.com/AleutianAI/AleutianCortex/services/coordinator/syncmgr"
	"github.com/AleutianAI/AleutianCortex/services/coordinator/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "cortex.session"
	keyPrefix  = "session:"
)

// Locker is the part of the lock manager sessions use.
type Locker interface {
	RegisterSession(sessionID string, startedAt time.Time)
	Acquire(ctx context.Context, entity string, mode lock.Mode, sessionID string, timeout time.Duration) (*lock.Lock, error)
	ReleaseAll(ctx context.Context, sessionID string) int
	Renew(ctx context.Context, sessionID string) int
}

// Committer is the part of the Sync Manager sessions use.
type Committer interface {
	CommitBatch(ctx context.Context, changes []syncmgr.Change) ([]*syncmgr.Record, error)
	Watermark() uint64
}

// Merger is the part of the Merge Engine sessions use.
type Merger interface {
	Merge(ctx context.Context, req merge.Request) (*merge.Result, error)
	Resolve(ctx context.Context, conflicts []merge.Conflict, resolutions []merge.Resolution) ([]merge.Entity, error)
}

// Deps are the collaborators of a Manager.
type Deps struct {
	Store  store.Executor
	Locks  Locker
	Sync   Committer
	Merger Merger

	// DB persists the session table. Nil keeps sessions in memory only.
	DB *badgerstore.DB
}

type entry struct {
	mu sync.Mutex
	s  *Session
}

// Manager owns every session.
//
// Thread Safety:
//
//	Safe for concurrent use. Calls on one session are serialized; calls
//	on different sessions only share the session map.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	deps   Deps
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*entry

	opened    atomic.Int64
	completed atomic.Int64
	aborted   atomic.Int64
	expired   atomic.Int64
	conflicts atomic.Int64
	stale     atomic.Int64

	closed      atomic.Bool
	sweepCancel context.CancelFunc
	sweepWg     sync.WaitGroup
}

// New creates a Manager, restores persisted sessions and starts the
// expiry sweep.
func New(cfg Config, deps Deps) (*Manager, error) {
	cfg.applyDefaults()
	if deps.Store == nil || deps.Locks == nil || deps.Sync == nil || deps.Merger == nil {
		return nil, errors.New("session manager needs store, locks, sync and merger")
	}
	m := &Manager{
		cfg:      cfg,
		logger:   cfg.Logger.With(slog.String("component", "session")),
		deps:     deps,
		now:      time.Now,
		sessions: make(map[string]*entry),
	}
	if deps.DB != nil {
		n, err := m.restore(context.Background())
		if err != nil {
			return nil, fmt.Errorf("restore sessions: %w", err)
		}
		if n > 0 {
			m.logger.Info("restored sessions", slog.Int("count", n))
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.sweepCancel = cancel
	m.sweepWg.Add(1)
	go m.runSweep(ctx)
	return m, nil
}

// -----------------------------------------------------------------------------
// Open
// -----------------------------------------------------------------------------

// Open creates a session for agentID.
//
// Description:
//
//	Records the session as CREATED, creates its private namespace and
//	moves it to ACTIVE. The snapshot is the Sync Manager watermark, so
//	every main write applied before Open is visible and nothing applied
//	later is.
//
// Outputs:
//
//	*Session - The ACTIVE session; pass its Version to the next call.
//	error - Non-nil if the namespace could not be created.
func (m *Manager) Open(ctx context.Context, agentID string, opts OpenOptions) (s *Session, err error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "session.Manager.Open",
		trace.WithAttributes(attribute.String("agent_id", agentID)))
	defer func() { telemetry.End(span, err) }()

	if m.closed.Load() {
		return nil, ErrManagerClosed
	}
	scope := DefaultScope()
	if opts.Scope != nil {
		scope = *opts.Scope
	}
	isolation := m.cfg.DefaultIsolation
	if opts.Isolation != nil {
		isolation = *opts.Isolation
	}
	ttl := m.cfg.TTL
	if opts.TTL > 0 {
		ttl = opts.TTL
	}

	now := m.now()
	id := uuid.NewString()
	s = &Session{
		ID:          id,
		AgentID:     agentID,
		Scope:       scope,
		Isolation:   isolation,
		State:       StateCreated,
		Version:     1,
		Namespace:   NamespaceFor(id),
		SnapshotSeq: m.deps.Sync.Watermark(),
		TTL:         ttl,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(ttl),
		Bases:       make(map[string]Base),
	}
	span.SetAttributes(attribute.String("session_id", id))

	e := &entry{s: s}
	e.mu.Lock()
	defer e.mu.Unlock()

	m.mu.Lock()
	m.sessions[id] = e
	m.mu.Unlock()
	m.persist(ctx, s)
	sessionsGauge.WithLabelValues(string(StateCreated)).Inc()

	err = m.deps.Store.Execute(ctx, func(ctx context.Context, conn store.StructuredConn) error {
		return conn.CreateNamespace(ctx, s.Namespace)
	})
	if err != nil {
		m.abortLocked(ctx, e, "namespace creation failed: "+err.Error())
		return nil, fmt.Errorf("create namespace %s: %w", s.Namespace, err)
	}
	m.deps.Locks.RegisterSession(id, now)

	if err := m.transitionLocked(ctx, e, StateActive); err != nil {
		return nil, err
	}
	m.opened.Add(1)

	m.logger.Info("session opened",
		slog.String("session_id", id),
		slog.String("agent_id", agentID),
		slog.String("isolation", isolation.String()),
		slog.Uint64("snapshot_seq", s.SnapshotSeq))
	return s.Clone(), nil
}

// -----------------------------------------------------------------------------
// Lookup and transitions
// -----------------------------------------------------------------------------

func (m *Manager) lookup(id string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return e, nil
}

// begin locks the session and checks the caller's version and the TTL.
// On success the caller owns e.mu.
func (m *Manager) begin(ctx context.Context, id string, version uint64) (*entry, error) {
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	if e.s.Version != version {
		actual := e.s.Version
		e.mu.Unlock()
		m.stale.Add(1)
		staleTotal.Inc()
		return nil, &StaleVersionError{SessionID: id, Expected: version, Actual: actual}
	}
	if err := m.checkExpiryLocked(ctx, e); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	return e, nil
}

func (m *Manager) checkExpiryLocked(ctx context.Context, e *entry) error {
	if e.s.State.IsTerminal() || m.now().Before(e.s.ExpiresAt) {
		return nil
	}
	m.expired.Add(1)
	m.abortLocked(ctx, e, "expired")
	return fmt.Errorf("%w: %s", ErrSessionExpired, e.s.ID)
}

// transitionLocked moves the session to `to`, bumps its version and
// persists it.
func (m *Manager) transitionLocked(ctx context.Context, e *entry, to State) error {
	from := e.s.State
	if !canTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	e.s.State = to
	e.s.Version++
	e.s.UpdatedAt = m.now()
	m.persist(ctx, e.s)

	if from != to {
		sessionsGauge.WithLabelValues(string(from)).Dec()
		if !to.IsTerminal() {
			sessionsGauge.WithLabelValues(string(to)).Inc()
		}
	}
	transitionsTotal.WithLabelValues(string(to)).Inc()
	m.logger.Debug("session transition",
		slog.String("session_id", e.s.ID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.Uint64("version", e.s.Version))
	return nil
}

// touchLocked extends the idle deadline and the session's leases.
func (m *Manager) touchLocked(ctx context.Context, e *entry) {
	now := m.now()
	e.s.UpdatedAt = now
	e.s.ExpiresAt = now.Add(e.s.TTL)
	m.deps.Locks.Renew(ctx, e.s.ID)
}

// lockLocked acquires a lease. A timeout or deadlock aborts the session so
// the other sessions in the cycle can proceed.
func (m *Manager) lockLocked(ctx context.Context, e *entry, entity string, mode lock.Mode) error {
	_, err := m.deps.Locks.Acquire(ctx, entity, mode, e.s.ID, m.cfg.LockTimeout)
	if err == nil {
		return nil
	}
	if errors.Is(err, lock.ErrDeadlockDetected) || errors.Is(err, lock.ErrLockTimeout) {
		m.logger.Warn("lock failure aborts session",
			slog.String("session_id", e.s.ID),
			slog.String("entity", entity),
			slog.String("error", err.Error()))
		m.abortLocked(ctx, e, err.Error())
	}
	return err
}

// -----------------------------------------------------------------------------
// Reads
// -----------------------------------------------------------------------------

// Get returns a copy of the session.
func (m *Manager) Get(id string) (*Session, error) {
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s.Clone(), nil
}

// ListFilter selects sessions. Zero fields match everything.
type ListFilter struct {
	AgentID string
	State   State
}

// List returns matching sessions ordered by creation time.
func (m *Manager) List(filter ListFilter) []*Session {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	var out []*Session
	for _, e := range entries {
		e.mu.Lock()
		s := e.s
		if (filter.AgentID == "" || s.AgentID == filter.AgentID) && (filter.State == "" || s.State == filter.State) {
			out = append(out, s.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Changes returns the session's ordered change log.
func (m *Manager) Changes(id string) ([]Change, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	return s.Changes, nil
}

// Read returns the entity as the session sees it.
//
// Description:
//
//	The session's private copy wins. Otherwise main is read as of the
//	snapshot (Snapshot, Serializable) or at its latest (ReadCommitted).
//	Serializable sessions take a Read lease first. Deleted entities
//	return store.ErrNotFound.
//
// Thread Safety:
//
//	Reads never observe another session's uncommitted writes; those only
//	exist in the other session's namespace.
func (m *Manager) Read(ctx context.Context, id, entityID string) (ent *store.Entity, err error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "session.Manager.Read",
		trace.WithAttributes(
			attribute.String("session_id", id),
			attribute.String("entity_id", entityID),
		))
	defer func() { telemetry.End(span, err) }()

	if m.closed.Load() {
		return nil, ErrManagerClosed
	}
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := m.checkExpiryLocked(ctx, e); err != nil {
		return nil, err
	}
	if e.s.State != StateActive {
		return nil, fmt.Errorf("%w: %s is %s", ErrSessionNotActive, id, e.s.State)
	}
	entityID = strings.Trim(entityID, "/")
	if !e.s.Scope.CanRead(entityID) {
		return nil, fmt.Errorf("%w: read %s", ErrScopeViolation, entityID)
	}
	if e.s.Isolation == Serializable {
		if err := m.lockLocked(ctx, e, entityID, lock.ModeRead); err != nil {
			return nil, err
		}
	}
	m.touchLocked(ctx, e)

	err = m.deps.Store.Execute(ctx, func(ctx context.Context, conn store.StructuredConn) error {
		own, err := conn.Get(ctx, e.s.Namespace, entityID)
		switch {
		case err == nil:
			ent = own
			return nil
		case !errors.Is(err, store.ErrNotFound):
			return err
		}
		ent, err = m.readMain(ctx, conn, e.s, entityID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if ent == nil || ent.Deleted {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, entityID)
	}
	return ent, nil
}

// readMain reads main under the session's isolation. A missing entity
// returns (nil, nil).
func (m *Manager) readMain(ctx context.Context, conn store.StructuredConn, s *Session, entityID string) (*store.Entity, error) {
	var ent *store.Entity
	var err error
	if s.Isolation == ReadCommitted {
		ent, err = conn.Get(ctx, store.MainNamespace, entityID)
	} else {
		ent, err = conn.GetAsOf(ctx, store.MainNamespace, entityID, s.SnapshotSeq)
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return ent, err
}

// -----------------------------------------------------------------------------
// Writes
// -----------------------------------------------------------------------------

// Write stores content as the session's private copy of entityID.
//
// Description:
//
//	Takes a Write lease, records the base version on the first write of
//	the entity and writes the copy into the session namespace. Creating
//	an entity needs Scope.AllowCreate.
//
// Inputs:
//
//	version - The session version the caller last observed.
//
// Outputs:
//
//	*Session - The session after the write, with its new version.
//	error - ErrStaleSessionVersion, ErrScopeViolation, lock errors (which
//	        abort the session) or store errors.
func (m *Manager) Write(ctx context.Context, id string, version uint64, entityID string, content []byte) (*Session, error) {
	return m.write(ctx, id, version, entityID, content, false)
}

// Delete records the deletion of entityID in the session. It needs
// Scope.AllowDelete and an entity that exists in the session's view.
func (m *Manager) Delete(ctx context.Context, id string, version uint64, entityID string) (*Session, error) {
	return m.write(ctx, id, version, entityID, nil, true)
}

func (m *Manager) write(ctx context.Context, id string, version uint64, entityID string, content []byte, del bool) (s *Session, err error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "session.Manager.Write",
		trace.WithAttributes(
			attribute.String("session_id", id),
			attribute.String("entity_id", entityID),
			attribute.Bool("delete", del),
		))
	defer func() { telemetry.End(span, err) }()

	e, err := m.begin(ctx, id, version)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	if e.s.State != StateActive {
		return nil, fmt.Errorf("%w: %s is %s", ErrSessionNotActive, id, e.s.State)
	}
	entityID = strings.Trim(entityID, "/")
	if entityID == "" || !e.s.Scope.CanWrite(entityID) {
		return nil, fmt.Errorf("%w: write %q", ErrScopeViolation, entityID)
	}
	if del && !e.s.Scope.AllowDelete {
		return nil, fmt.Errorf("%w: delete %s", ErrScopeViolation, entityID)
	}
	if err := m.lockLocked(ctx, e, entityID, lock.ModeWrite); err != nil {
		return nil, err
	}

	base, hadBase := e.s.Bases[entityID]
	var op Operation
	var before store.Digest
	err = m.deps.Store.Execute(ctx, func(ctx context.Context, conn store.StructuredConn) error {
		if !hadBase {
			main, err := m.readMain(ctx, conn, e.s, entityID)
			if err != nil {
				return err
			}
			if main != nil {
				base = Base{Exists: !main.Deleted, Sequence: main.Sequence, Version: main.Version, Digest: main.Digest}
			}
		}

		exists := base.Exists
		if base.Exists {
			before = base.Digest
		}
		own, err := conn.Get(ctx, e.s.Namespace, entityID)
		switch {
		case err == nil:
			exists = !own.Deleted
			before = store.Digest{}
			if exists {
				before = own.Digest
			}
		case !errors.Is(err, store.ErrNotFound):
			return err
		}

		switch {
		case del && !exists:
			return fmt.Errorf("delete %s: %w", entityID, store.ErrNotFound)
		case del:
			op = OpDelete
		case !exists && !e.s.Scope.AllowCreate:
			return fmt.Errorf("%w: create %s", ErrScopeViolation, entityID)
		case !exists:
			op = OpAdd
		default:
			op = OpModify
		}

		copyRow := &store.Entity{
			Namespace: e.s.Namespace,
			ID:        entityID,
			Deleted:   del,
			Version:   base.Version + 1,
			UpdatedAt: m.now(),
		}
		if !del {
			copyRow.Content = content
			copyRow.Digest = store.DigestOf(content)
		}
		_, err = conn.Put(ctx, copyRow)
		return err
	})
	if err != nil {
		return nil, err
	}

	if !hadBase {
		e.s.Bases[entityID] = base
	}
	change := Change{EntityID: entityID, Op: op, Before: before, At: m.now()}
	if !del {
		change.After = store.DigestOf(content)
	}
	e.s.Changes = append(e.s.Changes, change)
	e.s.Version++
	m.touchLocked(ctx, e)
	m.persist(ctx, e.s)
	writesTotal.WithLabelValues(string(op)).Inc()

	m.logger.Debug("session write",
		slog.String("session_id", id),
		slog.String("entity_id", entityID),
		slog.String("op", string(op)),
		slog.Uint64("version", e.s.Version))
	return e.s.Clone(), nil
}

// -----------------------------------------------------------------------------
// Close, Resolve, Abort
// -----------------------------------------------------------------------------

// Close merges the session into main.
//
// Description:
//
//	Moves the session to MERGING and merges every changed entity three
//	ways: base (main when the session first wrote it), the session copy
//	and current main. A clean result is committed to main through the
//	Sync Manager and the session completes. If conflicts remain the
//	session stays MERGING with the result pending: call Resolve with
//	resolutions, Close again to re-merge, or Abort.
//
// Outputs:
//
//	*CloseResult - The merge result and session. Set on conflicts and on
//	               any failure after the move to MERGING, so the caller
//	               holds the current version.
//	error - A *merge.ConflictError for unresolved conflicts, or the
//	        failure that stopped the close.
func (m *Manager) Close(ctx context.Context, id string, version uint64, strategy merge.Strategy) (res *CloseResult, err error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "session.Manager.Close",
		trace.WithAttributes(
			attribute.String("session_id", id),
			attribute.String("strategy", strategy.String()),
		))
	defer func() { telemetry.End(span, err) }()

	start := m.now()
	e, err := m.begin(ctx, id, version)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	if err := m.transitionLocked(ctx, e, StateMerging); err != nil {
		return nil, err
	}
	m.touchLocked(ctx, e)

	// From here on the session is MERGING at a new version; failures
	// return it so the caller can retry or abort.
	inputs, err := m.mergeInputs(ctx, e.s)
	if err != nil {
		return &CloseResult{Session: e.s.Clone()}, fmt.Errorf("load merge inputs: %w", err)
	}
	result, err := m.deps.Merger.Merge(ctx, merge.Request{Strategy: strategy, Entities: inputs})
	if err != nil {
		return &CloseResult{Session: e.s.Clone()}, err
	}

	res = &CloseResult{Merge: result}
	if cerr := result.Err(); cerr != nil {
		e.s.Pending = result
		m.persist(ctx, e.s)
		m.conflicts.Add(int64(len(result.Unresolved())))
		res.Session = e.s.Clone()
		m.logger.Info("session merge has conflicts",
			slog.String("session_id", id),
			slog.Int("conflicts", len(result.Unresolved())))
		return res, cerr
	}

	if err := m.commitLocked(ctx, e, result.Entities); err != nil {
		e.s.Pending = result
		m.persist(ctx, e.s)
		res.Session = e.s.Clone()
		return res, err
	}
	res.Committed = len(result.Entities)
	m.finishLocked(ctx, e, StateCompleted, "")
	res.Session = e.s.Clone()
	closeDuration.Observe(m.now().Sub(start).Seconds())

	m.logger.Info("session closed",
		slog.String("session_id", id),
		slog.Int("committed", res.Committed),
		slog.Int("unchanged", result.Unchanged),
		slog.Int("settled_conflicts", len(result.Conflicts)))
	return res, nil
}

func (m *Manager) mergeInputs(ctx context.Context, s *Session) ([]merge.Input, error) {
	ids := s.ChangedEntities()
	inputs := make([]merge.Input, 0, len(ids))
	err := m.deps.Store.Execute(ctx, func(ctx context.Context, conn store.StructuredConn) error {
		for _, id := range ids {
			in := merge.Input{EntityID: id}

			if base := s.Bases[id]; base.Exists {
				ent, err := conn.GetAsOf(ctx, store.MainNamespace, id, base.Sequence)
				if err != nil && !errors.Is(err, store.ErrNotFound) {
					return err
				}
				in.Base = versionOf(ent)
			}

			own, err := conn.Get(ctx, s.Namespace, id)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			in.Session = versionOf(own)

			main, err := conn.Get(ctx, store.MainNamespace, id)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			in.Main = versionOf(main)

			inputs = append(inputs, in)
		}
		return nil
	})
	return inputs, err
}

func mainVersion(ent *store.Entity) uint64 {
	if ent == nil || ent.Deleted {
		return 0
	}
	return ent.Version
}

func versionOf(ent *store.Entity) *merge.Version {
	if ent == nil || ent.Deleted {
		return nil
	}
	return &merge.Version{Content: ent.Content, Version: ent.Version}
}

// commitLocked writes merged entities to main in one WAL batch.
func (m *Manager) commitLocked(ctx context.Context, e *entry, entities []merge.Entity) error {
	if len(entities) == 0 {
		return nil
	}
	changes := make([]syncmgr.Change, 0, len(entities))
	for _, ent := range entities {
		ch := syncmgr.Change{
			Namespace: store.MainNamespace,
			EntityID:  ent.EntityID,
			Op:        syncmgr.OpUpsert,
			Content:   ent.Content,
			SessionID: e.s.ID,
			Payload:   map[string]string{"agent_id": e.s.AgentID},
		}
		if ent.Deleted {
			ch.Op = syncmgr.OpDelete
			ch.Content = nil
		}
		changes = append(changes, ch)
	}
	if _, err := m.deps.Sync.CommitBatch(ctx, changes); err != nil {
		return fmt.Errorf("commit session %s: %w", e.s.ID, err)
	}
	return nil
}

// Resolve applies caller resolutions to a session whose merge left
// conflicts, commits the result and completes the session.
//
// Outputs:
//
//	error - ErrNoPendingMerge, merge.ErrUnresolved for a missing
//	        resolution, ErrMainMoved when main changed under the pending
//	        result, or a commit failure.
func (m *Manager) Resolve(ctx context.Context, id string, version uint64, resolutions []merge.Resolution) (res *CloseResult, err error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "session.Manager.Resolve",
		trace.WithAttributes(
			attribute.String("session_id", id),
			attribute.Int("resolutions", len(resolutions)),
		))
	defer func() { telemetry.End(span, err) }()

	e, err := m.begin(ctx, id, version)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	pending := e.s.Pending
	if e.s.State != StateMerging || pending == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoPendingMerge, id)
	}
	resolved, err := m.deps.Merger.Resolve(ctx, pending.Conflicts, resolutions)
	if err != nil {
		return nil, err
	}
	entities := append(append([]merge.Entity(nil), pending.Entities...), resolved...)

	err = m.deps.Store.Execute(ctx, func(ctx context.Context, conn store.StructuredConn) error {
		for _, ent := range entities {
			cur, err := conn.Get(ctx, store.MainNamespace, ent.EntityID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			if mainVersion(cur) != ent.MainVersion {
				return fmt.Errorf("%w: %s", ErrMainMoved, ent.EntityID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := m.commitLocked(ctx, e, entities); err != nil {
		return nil, err
	}
	m.finishLocked(ctx, e, StateCompleted, "")
	m.logger.Info("session resolved",
		slog.String("session_id", id),
		slog.Int("committed", len(entities)))
	return &CloseResult{Session: e.s.Clone(), Merge: pending, Committed: len(entities)}, nil
}

// Abort discards the session's private copies and releases its leases.
func (m *Manager) Abort(ctx context.Context, id string, version uint64) (s *Session, err error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "session.Manager.Abort",
		trace.WithAttributes(attribute.String("session_id", id)))
	defer func() { telemetry.End(span, err) }()

	e, err := m.begin(ctx, id, version)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()
	if e.s.State.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, e.s.State)
	}
	m.abortLocked(ctx, e, "aborted by caller")
	return e.s.Clone(), nil
}

func (m *Manager) abortLocked(ctx context.Context, e *entry, reason string) {
	if e.s.State.IsTerminal() {
		return
	}
	m.finishLocked(ctx, e, StateAborted, reason)
}

// finishLocked releases leases, drops the namespace and moves the session
// to a terminal state.
func (m *Manager) finishLocked(ctx context.Context, e *entry, to State, reason string) {
	released := m.deps.Locks.ReleaseAll(ctx, e.s.ID)
	err := m.deps.Store.Execute(ctx, func(ctx context.Context, conn store.StructuredConn) error {
		return conn.DropNamespace(ctx, e.s.Namespace)
	})
	if err != nil {
		m.logger.Warn("drop session namespace failed",
			slog.String("session_id", e.s.ID),
			slog.String("namespace", e.s.Namespace),
			slog.String("error", err.Error()))
	}

	e.s.Pending = nil
	e.s.Reason = reason
	if err := m.transitionLocked(ctx, e, to); err != nil {
		m.logger.Error("terminal transition rejected",
			slog.String("session_id", e.s.ID),
			slog.String("error", err.Error()))
		return
	}
	switch to {
	case StateCompleted:
		m.completed.Add(1)
	case StateAborted:
		m.aborted.Add(1)
		m.logger.Info("session aborted",
			slog.String("session_id", e.s.ID),
			slog.String("reason", reason),
			slog.Int("released_locks", released))
	}
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
			m.Sweep(ctx)
		}
	}
}

// Sweep aborts sessions idle past their TTL and forgets terminal sessions
// older than the retention. Sessions busy in another call are skipped. It
// returns the number of sessions aborted.
func (m *Manager) Sweep(ctx context.Context) int {
	now := m.now()
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	aborted := 0
	var forget []string
	for _, e := range entries {
		if !e.mu.TryLock() {
			continue
		}
		switch {
		case e.s.State.IsTerminal():
			if now.Sub(e.s.UpdatedAt) > m.cfg.Retention {
				forget = append(forget, e.s.ID)
			}
		case !now.Before(e.s.ExpiresAt):
			m.expired.Add(1)
			m.abortLocked(ctx, e, "expired")
			aborted++
		}
		e.mu.Unlock()
	}

	if len(forget) > 0 {
		m.mu.Lock()
		for _, id := range forget {
			delete(m.sessions, id)
		}
		m.mu.Unlock()
		for _, id := range forget {
			m.unpersist(ctx, id)
		}
	}
	if aborted > 0 {
		m.logger.Info("expired sessions aborted", slog.Int("count", aborted))
	}
	return aborted
}

// Stats returns a snapshot of session activity.
func (m *Manager) Stats() Stats {
	st := Stats{
		Opened:    m.opened.Load(),
		Completed: m.completed.Load(),
		Aborted:   m.aborted.Load(),
		Expired:   m.expired.Load(),
		Conflicts: m.conflicts.Load(),
		Stale:     m.stale.Load(),
	}
	for _, s := range m.List(ListFilter{}) {
		switch s.State {
		case StateActive:
			st.Active++
		case StateMerging:
			st.Merging++
		}
	}
	return st
}

// Shutdown stops the sweep. Sessions stay persisted and are restored by
// the next Manager.
func (m *Manager) Shutdown() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.sweepCancel()
	m.sweepWg.Wait()
	return nil
}

// -----------------------------------------------------------------------------
// Persistence
// -----------------------------------------------------------------------------

func (m *Manager) persist(ctx context.Context, s *Session) {
	if m.deps.DB == nil {
		return
	}
	data, err := json.Marshal(s)
	if err == nil {
		err = m.deps.DB.Put(context.WithoutCancel(ctx), []byte(keyPrefix+s.ID), data)
	}
	if err != nil {
		m.logger.Warn("persist session failed",
			slog.String("session_id", s.ID),
			slog.String("error", err.Error()))
	}
}

func (m *Manager) unpersist(ctx context.Context, id string) {
	if m.deps.DB == nil {
		return
	}
	if err := m.deps.DB.Delete(ctx, []byte(keyPrefix+id)); err != nil {
		m.logger.Warn("delete persisted session failed",
			slog.String("session_id", id),
			slog.String("error", err.Error()))
	}
}

// restore loads the session table. Sessions that crashed while CREATED
// never got a usable namespace and are aborted.
func (m *Manager) restore(ctx context.Context) (int, error) {
	var loaded []*Session
	err := m.deps.DB.Scan(ctx, []byte(keyPrefix), func(key, value []byte) error {
		var s Session
		if err := json.Unmarshal(value, &s); err != nil {
			return fmt.Errorf("decode %q: %w", key, err)
		}
		loaded = append(loaded, &s)
		return nil
	})
	if err != nil {
		return 0, err
	}

	live := 0
	for _, s := range loaded {
		if s.Bases == nil {
			s.Bases = make(map[string]Base)
		}
		e := &entry{s: s}
		m.sessions[s.ID] = e
		if s.State.IsTerminal() {
			continue
		}
		sessionsGauge.WithLabelValues(string(s.State)).Inc()
		m.deps.Locks.RegisterSession(s.ID, s.CreatedAt)
		if s.State == StateCreated {
			e.mu.Lock()
			m.abortLocked(ctx, e, "interrupted while opening")
			e.mu.Unlock()
			continue
		}
		live++
	}
	return live, nil
}
