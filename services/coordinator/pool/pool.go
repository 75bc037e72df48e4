// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pool is the coordinator's connection manager: a bounded pool of
// live handles to the structured store.
//
// Features:
//   - Bounded capacity with per-call acquisition timeouts
//   - Lazy eviction on lifetime, idle time, use count or failed validation
//   - Endpoint load balancing across deployment modes
//   - Retry with exponential backoff and a pool-wide circuit breaker
//   - Background health loop that keeps MinConnections warm
//
// The pool is constructed once at start-up and passed explicitly to every
// component that needs store access.
package pool

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianCortex/services/coordinator/store"
	"github.com/AleutianAI/AleutianCortex/services/coordinator/telemetry"
	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

const tracerName = "cortex.pool"

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrConnectionExhausted is returned when no handle frees up before the
	// acquisition timeout.
	ErrConnectionExhausted = errors.New("connection pool exhausted")

	// ErrConnectionUnhealthy is returned while the circuit breaker is open.
	ErrConnectionUnhealthy = errors.New("structured store unhealthy, circuit open")

	// ErrPoolClosed is returned by operations on a closed pool.
	ErrPoolClosed = errors.New("connection pool is closed")
)

// TransientError marks an error as safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err so that Execute retries it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// isRetryable determines if an error is retryable.
func isRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ErrConnectionExhausted) ||
		errors.Is(err, store.ErrConnClosed) ||
		errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// connectionBroken reports whether err means the handle itself is unusable.
func connectionBroken(err error) bool {
	var opErr *net.OpError
	return errors.Is(err, store.ErrConnClosed) || errors.Is(err, driver.ErrBadConn) || errors.As(err, &opErr)
}

// -----------------------------------------------------------------------------
// Handle
// -----------------------------------------------------------------------------

// Health is the health of a single handle.
type Health int32

const (
	// HealthHealthy handles are lent out normally.
	HealthHealthy Health = iota
	// HealthDegraded handles are still usable but recently failed.
	HealthDegraded
	// HealthDead handles are closed on release.
	HealthDead
)

// String returns the string representation of Health.
func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Handle is one live structured store connection. It is owned by the pool
// while idle and lent to exactly one caller while in use.
type Handle struct {
	id        uint64
	conn      store.StructuredConn
	endpoint  *endpointState
	createdAt time.Time

	// Guarded by the pool mutex while idle; owned by the borrower otherwise.
	lastUsed time.Time
	uses     int

	health   atomic.Int32
	returned atomic.Bool
}

// Conn returns the underlying connection.
func (h *Handle) Conn() store.StructuredConn { return h.conn }

// ID returns the pool-unique handle id.
func (h *Handle) ID() uint64 { return h.id }

// Endpoint returns the name of the endpoint the handle is connected to.
func (h *Handle) Endpoint() string { return h.endpoint.ep.Name }

// Health returns the handle's health.
func (h *Handle) Health() Health { return Health(h.health.Load()) }

// MarkDead flags the handle for closing when it is released.
func (h *Handle) MarkDead() { h.health.Store(int32(HealthDead)) }

// -----------------------------------------------------------------------------
// Pool
// -----------------------------------------------------------------------------

// Stats is a point-in-time snapshot of pool activity.
type Stats struct {
	State        string          `json:"state"`
	Mode         string          `json:"mode"`
	Open         int             `json:"open"`
	Idle         int             `json:"idle"`
	InUse        int             `json:"in_use"`
	Max          int             `json:"max"`
	Acquired     int64           `json:"acquired"`
	Exhausted    int64           `json:"exhausted"`
	Dialed       int64           `json:"dialed"`
	DialFailures int64           `json:"dial_failures"`
	Evicted      int64           `json:"evicted"`
	Retries      int64           `json:"retries"`
	Endpoints    []EndpointStats `json:"endpoints"`
}

// EndpointStats describes one endpoint.
type EndpointStats struct {
	Name      string  `json:"name"`
	Driver    string  `json:"driver"`
	Active    int64   `json:"active"`
	Healthy   bool    `json:"healthy"`
	LatencyMS float64 `json:"latency_ms"`
	Failures  int64   `json:"failures"`
}

// Pool is a bounded pool of structured store handles.
//
// Thread Safety: Safe for concurrent use.
type Pool struct {
	cfg      Config
	dialer   store.Dialer
	logger   *slog.Logger
	sem      *semaphore.Weighted
	balancer balancer
	breaker  *breaker
	eps      []*endpointState
	now      func() time.Time

	mu    sync.Mutex
	idle  []*Handle // LIFO
	inUse map[uint64]*Handle
	open  int

	nextID       atomic.Uint64
	acquired     atomic.Int64
	exhausted    atomic.Int64
	dialed       atomic.Int64
	dialFailures atomic.Int64
	evicted      atomic.Int64
	retries      atomic.Int64

	closed       atomic.Bool
	healthCancel context.CancelFunc
	healthWg     sync.WaitGroup
}

// New creates a pool, dials the warm connections and starts the health
// loop.
//
// Description:
//
//	Warm-up failures do not fail construction: the pool starts degraded
//	and the health loop keeps trying to reach MinConnections.
//
// Inputs:
//
//	ctx - Bounds the warm-up dials.
//	cfg - Pool configuration. Endpoints are required unless Mode is in_memory.
//	dialer - Opens new handles.
//
// Outputs:
//
//	*Pool - Ready-to-use pool.
//	error - Non-nil if configuration is invalid.
//
// Thread Safety: Safe for concurrent use.
func New(ctx context.Context, cfg Config, dialer store.Dialer) (*Pool, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool config: %w", err)
	}
	if dialer == nil {
		return nil, errors.New("dialer must not be nil")
	}

	logger := cfg.Logger.With(slog.String("component", "pool"))
	p := &Pool{
		cfg:      cfg,
		dialer:   dialer,
		logger:   logger,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConnections)),
		balancer: newBalancer(cfg.Balance),
		breaker:  newBreaker(cfg.CircuitThreshold, cfg.CircuitCooldown, logger),
		inUse:    make(map[uint64]*Handle),
		now:      time.Now,
	}
	for _, ep := range cfg.Endpoints {
		p.eps = append(p.eps, newEndpointState(ep))
	}

	warmed := 0
	for i := 0; i < cfg.WarmConnections; i++ {
		if err := p.topUpOne(ctx); err != nil {
			p.logger.Warn("warm connection failed", slog.String("error", err.Error()))
			continue
		}
		warmed++
	}

	healthCtx, cancel := context.WithCancel(context.Background())
	p.healthCancel = cancel
	p.healthWg.Add(1)
	go p.runHealthLoop(healthCtx)

	p.logger.Info("connection pool started",
		slog.String("mode", string(cfg.Mode)),
		slog.Int("endpoints", len(p.eps)),
		slog.Int("warm", warmed),
		slog.Int("max", cfg.MaxConnections))
	return p, nil
}

// Acquire lends a handle to the caller.
//
// Description:
//
//	Waits for capacity at most timeout (Config.AcquireTimeout when zero),
//	then reuses the most recently idled handle or dials a new one. Expired
//	or failed idle handles are evicted on the way.
//
// Outputs:
//
//	*Handle - Must be returned with Release.
//	error - ErrConnectionExhausted on timeout, ErrConnectionUnhealthy while
//	        the circuit is open, ErrPoolClosed after Close.
//
// Thread Safety: Safe for concurrent use.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*Handle, error) {
	probe, err := p.breaker.allow()
	if err != nil {
		acquireTotal.WithLabelValues("unhealthy").Inc()
		return nil, err
	}
	h, err := p.acquire(ctx, timeout, probe)
	if probe {
		if err != nil && !errors.Is(err, ErrConnectionExhausted) {
			p.breaker.failure(true)
		} else if err == nil {
			p.breaker.success(true)
		} else {
			p.breaker.release(true)
		}
	}
	return h, err
}

func (p *Pool) acquire(ctx context.Context, timeout time.Duration, validate bool) (*Handle, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	if timeout <= 0 {
		timeout = p.cfg.AcquireTimeout
	}
	start := p.now()
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := p.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			acquireTotal.WithLabelValues("cancelled").Inc()
			return nil, ctx.Err()
		}
		p.exhausted.Add(1)
		acquireTotal.WithLabelValues("exhausted").Inc()
		return nil, fmt.Errorf("%w: waited %v", ErrConnectionExhausted, timeout)
	}

	h, err := p.checkout(waitCtx, validate || p.cfg.ValidateOnCheckout)
	if err != nil {
		p.sem.Release(1)
		acquireTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	p.mu.Lock()
	if p.closed.Load() {
		p.mu.Unlock()
		p.destroy(h, "closed")
		p.sem.Release(1)
		return nil, ErrPoolClosed
	}
	p.inUse[h.id] = h
	p.mu.Unlock()

	h.returned.Store(false)
	p.acquired.Add(1)
	acquireTotal.WithLabelValues("ok").Inc()
	acquireDuration.Observe(p.now().Sub(start).Seconds())
	return h, nil
}

// checkout pops a usable idle handle or dials a new one. The caller holds
// one unit of the semaphore.
func (p *Pool) checkout(ctx context.Context, validate bool) (*Handle, error) {
	for {
		h := p.popIdle()
		if h == nil {
			break
		}
		if reason, ok := p.expired(h); ok {
			p.destroy(h, reason)
			continue
		}
		if validate {
			start := p.now()
			err := h.conn.Ping(ctx)
			h.endpoint.observe(p.now().Sub(start), err)
			if err != nil {
				p.destroy(h, "validation")
				continue
			}
		}
		return h, nil
	}
	return p.dial(ctx)
}

func (p *Pool) popIdle() *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.idle)
	if n == 0 {
		return nil
	}
	h := p.idle[n-1]
	p.idle[n-1] = nil
	p.idle = p.idle[:n-1]
	return h
}

// expired reports whether h must be evicted and why.
func (p *Pool) expired(h *Handle) (string, bool) {
	now := p.now()
	switch {
	case h.Health() == HealthDead:
		return "dead", true
	case p.cfg.MaxLifetime > 0 && now.Sub(h.createdAt) >= p.cfg.MaxLifetime:
		return "lifetime", true
	case p.cfg.IdleTimeout > 0 && now.Sub(h.lastUsed) >= p.cfg.IdleTimeout:
		return "idle", true
	case p.cfg.RecycleAfterUses > 0 && h.uses >= p.cfg.RecycleAfterUses:
		return "recycled", true
	}
	return "", false
}

func (p *Pool) dial(ctx context.Context) (*Handle, error) {
	ep := p.balancer.pick(p.eps)

	auth, wipe, err := p.cfg.Credentials.open()
	if err != nil {
		return nil, err
	}
	conn, err := p.dialer.Dial(ctx, ep.ep, auth)
	wipe()
	if err != nil {
		p.dialFailures.Add(1)
		ep.observe(0, err)
		return nil, fmt.Errorf("dial %s: %w", ep.ep.Name, Transient(err))
	}

	now := p.now()
	h := &Handle{
		id:        p.nextID.Add(1),
		conn:      conn,
		endpoint:  ep,
		createdAt: now,
		lastUsed:  now,
	}
	ep.active.Add(1)
	p.mu.Lock()
	p.open++
	openConnections.Set(float64(p.open))
	p.mu.Unlock()
	p.dialed.Add(1)
	p.logger.Debug("dialed connection",
		slog.Uint64("handle", h.id),
		slog.String("endpoint", ep.ep.Name))
	return h, nil
}

// destroy closes h. h must not be in the idle list or the in-use map.
func (p *Pool) destroy(h *Handle, reason string) {
	if err := h.conn.Close(); err != nil {
		p.logger.Debug("close connection failed",
			slog.Uint64("handle", h.id),
			slog.String("error", err.Error()))
	}
	h.endpoint.active.Add(-1)
	p.mu.Lock()
	p.open--
	openConnections.Set(float64(p.open))
	p.mu.Unlock()
	p.evicted.Add(1)
	evictionsTotal.WithLabelValues(reason).Inc()
}

// Release returns h to the pool. Releasing a handle twice is a no-op.
//
// Thread Safety: Safe for concurrent use.
func (p *Pool) Release(h *Handle) {
	if h == nil || h.returned.Swap(true) {
		return
	}
	h.uses++
	h.lastUsed = p.now()

	p.mu.Lock()
	delete(p.inUse, h.id)
	reason, evict := p.expired(h)
	if !evict && p.closed.Load() {
		reason, evict = "closed", true
	}
	if !evict {
		p.idle = append(p.idle, h)
	}
	p.mu.Unlock()

	if evict {
		p.destroy(h, reason)
	}
	p.sem.Release(1)
}

// Execute runs fn with a pooled connection under retry and circuit
// breaker protection.
//
// Description:
//
//	Transient failures (see Transient) are retried with exponential
//	backoff; other errors return immediately. A connection-level failure
//	marks the handle dead so it is not lent again. The handle is always
//	released before Execute returns.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	fn - Operation to run. Must not retain conn after returning.
//
// Outputs:
//
//	error - The last error from fn, or an acquisition error.
//
// Thread Safety: Safe for concurrent use.
func (p *Pool) Execute(ctx context.Context, fn func(ctx context.Context, conn store.StructuredConn) error) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	ctx, span := telemetry.StartSpan(ctx, tracerName, "pool.Pool.Execute",
		trace.WithAttributes(attribute.String("state", p.breaker.State().String())))

	probe, err := p.breaker.allow()
	if err != nil {
		telemetry.End(span, err)
		return err
	}

	attempts := 0
	op := func() error {
		attempts++
		if attempts > 1 {
			p.retries.Add(1)
			retriesTotal.Inc()
			span.AddEvent("retry", trace.WithAttributes(attribute.Int("attempt", attempts)))
		}
		h, err := p.acquire(ctx, 0, probe && attempts == 1)
		if err != nil {
			if isRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		err = fn(ctx, h.conn)
		if err != nil && connectionBroken(err) {
			h.MarkDead()
		}
		p.Release(h)
		if err != nil && !isRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	err = backoff.Retry(op, backoff.WithContext(p.newBackOff(), ctx))
	switch {
	case err == nil:
		p.breaker.success(probe)
	case isRetryable(err) || connectionBroken(err):
		p.breaker.failure(probe)
	default:
		// Application errors say nothing about store health.
		p.breaker.success(probe)
	}
	span.SetAttributes(attribute.Int("attempts", attempts))
	telemetry.End(span, err)
	return err
}

func (p *Pool) newBackOff() backoff.BackOff {
	r := p.cfg.Retry
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.InitialBackoff
	bo.MaxInterval = r.MaxBackoff
	bo.Multiplier = r.Multiplier
	bo.RandomizationFactor = r.Jitter
	bo.MaxElapsedTime = 0
	bo.Reset()
	return backoff.WithMaxRetries(bo, uint64(r.MaxAttempts-1))
}

// State returns the circuit breaker state.
func (p *Pool) State() ConnectionState {
	return p.breaker.State()
}

// RegisterHandler registers a degradation handler. A handler registered
// while the pool is degraded is notified immediately.
func (p *Pool) RegisterHandler(h DegradationHandler) {
	p.breaker.register(h)
}

// Stats returns a snapshot of pool activity.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	s := Stats{
		State: p.breaker.State().String(),
		Mode:  string(p.cfg.Mode),
		Open:  p.open,
		Idle:  len(p.idle),
		InUse: len(p.inUse),
		Max:   p.cfg.MaxConnections,
	}
	p.mu.Unlock()

	s.Acquired = p.acquired.Load()
	s.Exhausted = p.exhausted.Load()
	s.Dialed = p.dialed.Load()
	s.DialFailures = p.dialFailures.Load()
	s.Evicted = p.evicted.Load()
	s.Retries = p.retries.Load()
	for _, e := range p.eps {
		s.Endpoints = append(s.Endpoints, EndpointStats{
			Name:      e.ep.Name,
			Driver:    e.ep.Driver,
			Active:    e.active.Load(),
			Healthy:   e.healthy.Load(),
			LatencyMS: float64(e.latency.Load()) / float64(time.Millisecond),
			Failures:  e.failures.Load(),
		})
	}
	return s
}

// Close stops the health loop, waits for borrowed handles to come back
// until ctx is done, and closes every idle handle. Handles released after
// Close are closed on release.
//
// Thread Safety: Safe for concurrent use.
func (p *Pool) Close(ctx context.Context) error {
	if p.closed.Swap(true) {
		return nil
	}
	p.logger.Info("closing connection pool")
	p.healthCancel()
	p.healthWg.Wait()

	drained := true
	if err := p.sem.Acquire(ctx, int64(p.cfg.MaxConnections)); err != nil {
		drained = false
		p.mu.Lock()
		inUse := len(p.inUse)
		p.mu.Unlock()
		p.logger.Warn("pool closed with borrowed handles", slog.Int("in_use", inUse))
	}

	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()
	for _, h := range idle {
		p.destroy(h, "closed")
	}
	if drained {
		p.sem.Release(int64(p.cfg.MaxConnections))
	}
	return nil
}

// -----------------------------------------------------------------------------
// Health Loop
// -----------------------------------------------------------------------------

func (p *Pool) runHealthLoop(ctx context.Context) {
	defer p.healthWg.Done()

	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.checkHealth(ctx)
		}
	}
}

// checkHealth pings idle handles, evicts expired or failing ones and tops
// the pool up to MinConnections. Each handle is checked while holding a
// unit of capacity so the pool never exceeds MaxConnections.
func (p *Pool) checkHealth(ctx context.Context) {
	p.mu.Lock()
	n := len(p.idle)
	p.mu.Unlock()

	var checked []*Handle
	for i := 0; i < n; i++ {
		if !p.sem.TryAcquire(1) {
			break
		}
		h := p.popIdle()
		if h == nil {
			p.sem.Release(1)
			break
		}
		if reason, ok := p.expired(h); ok {
			p.destroy(h, reason)
			p.sem.Release(1)
			continue
		}
		pingCtx, cancel := context.WithTimeout(ctx, p.cfg.HealthCheckTimeout)
		start := p.now()
		err := h.conn.Ping(pingCtx)
		cancel()
		h.endpoint.observe(p.now().Sub(start), err)
		if err != nil {
			p.logger.Warn("idle connection failed health check",
				slog.Uint64("handle", h.id),
				slog.String("endpoint", h.endpoint.ep.Name),
				slog.String("error", err.Error()))
			p.destroy(h, "health")
			p.breaker.failure(false)
			p.sem.Release(1)
			continue
		}
		checked = append(checked, h)
	}

	// Push back in reverse pop order to keep the LIFO order intact.
	p.mu.Lock()
	for i := len(checked) - 1; i >= 0; i-- {
		p.idle = append(p.idle, checked[i])
	}
	p.mu.Unlock()
	p.sem.Release(int64(len(checked)))
	if len(checked) > 0 {
		p.breaker.success(false)
	}

	for {
		p.mu.Lock()
		need := p.open < p.cfg.MinConnections
		p.mu.Unlock()
		if !need || ctx.Err() != nil {
			return
		}
		if err := p.topUpOne(ctx); err != nil {
			p.logger.Warn("top-up connection failed", slog.String("error", err.Error()))
			return
		}
	}
}

// topUpOne dials one handle straight into the idle list.
func (p *Pool) topUpOne(ctx context.Context) error {
	if !p.sem.TryAcquire(1) {
		return ErrConnectionExhausted
	}
	defer p.sem.Release(1)

	h, err := p.dial(ctx)
	if err != nil {
		p.breaker.failure(false)
		return err
	}
	p.mu.Lock()
	p.idle = append(p.idle, h)
	p.mu.Unlock()
	return nil
}
