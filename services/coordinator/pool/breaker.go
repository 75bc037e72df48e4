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
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// -----------------------------------------------------------------------------
// Connection State
// -----------------------------------------------------------------------------

// ConnectionState is the pool-wide circuit breaker state.
type ConnectionState int32

const (
	// StateConnected indicates normal operation.
	StateConnected ConnectionState = iota
	// StateDegraded indicates recent failures below the circuit threshold.
	StateDegraded
	// StateCircuitOpen indicates requests are rejected until the cooldown ends.
	StateCircuitOpen
	// StateHalfOpen indicates a single probe request is allowed through.
	StateHalfOpen
)

// String returns the string representation of ConnectionState.
func (s ConnectionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateCircuitOpen:
		return "circuit_open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

func (s ConnectionState) degraded() bool {
	return s == StateDegraded || s == StateCircuitOpen
}

// -----------------------------------------------------------------------------
// Breaker
// -----------------------------------------------------------------------------

// breaker counts consecutive failures across the whole pool.
//
// Thread Safety: Safe for concurrent use.
type breaker struct {
	threshold int
	cooldown  time.Duration
	logger    *slog.Logger
	now       func() time.Time

	state       atomic.Int32
	openedAt    atomic.Int64 // unix nanos
	consecutive atomic.Int64
	probing     atomic.Bool

	handlersMu sync.RWMutex
	handlers   []DegradationHandler
}

func newBreaker(threshold int, cooldown time.Duration, logger *slog.Logger) *breaker {
	return &breaker{
		threshold: threshold,
		cooldown:  cooldown,
		logger:    logger,
		now:       time.Now,
	}
}

func (b *breaker) State() ConnectionState {
	return ConnectionState(b.state.Load())
}

// allow reports whether a request may proceed. probe is true when the
// caller is the single request admitted while half-open; it must report
// the outcome through success or failure.
func (b *breaker) allow() (probe bool, err error) {
	switch b.State() {
	case StateCircuitOpen:
		if b.now().Sub(time.Unix(0, b.openedAt.Load())) < b.cooldown {
			return false, ErrConnectionUnhealthy
		}
		b.transition(StateHalfOpen)
		fallthrough
	case StateHalfOpen:
		if !b.probing.CompareAndSwap(false, true) {
			return false, ErrConnectionUnhealthy
		}
		return true, nil
	default:
		return false, nil
	}
}

func (b *breaker) success(probe bool) {
	b.consecutive.Store(0)
	if probe {
		b.probing.Store(false)
	}
	switch b.State() {
	case StateHalfOpen, StateDegraded:
		b.transition(StateConnected)
	}
}

func (b *breaker) failure(probe bool) {
	n := b.consecutive.Add(1)
	if probe {
		b.probing.Store(false)
		b.open(n)
		return
	}
	if int(n) >= b.threshold {
		if b.State() != StateCircuitOpen {
			b.open(n)
		}
		return
	}
	if b.State() == StateConnected {
		b.transition(StateDegraded)
	}
}

func (b *breaker) open(failures int64) {
	b.openedAt.Store(b.now().UnixNano())
	b.transition(StateCircuitOpen)
	b.logger.Warn("circuit breaker opened",
		slog.Int64("consecutive_failures", failures),
		slog.Duration("cooldown", b.cooldown))
}

// release returns an unused probe slot without judging the backend.
func (b *breaker) release(probe bool) {
	if probe {
		b.probing.Store(false)
	}
}

// transition changes state and notifies handlers.
func (b *breaker) transition(to ConnectionState) {
	from := ConnectionState(b.state.Swap(int32(to)))
	if from == to {
		return
	}
	breakerState.Set(float64(to))
	breakerTransitions.WithLabelValues(to.String()).Inc()
	b.logger.Info("pool state transition",
		slog.String("from", from.String()),
		slog.String("to", to.String()))

	b.handlersMu.RLock()
	handlers := b.handlers
	b.handlersMu.RUnlock()

	switch {
	case !from.degraded() && to.degraded():
		for _, h := range handlers {
			h.OnDegraded(fmt.Sprintf("state changed to %s", to))
		}
	case from.degraded() && !to.degraded():
		for _, h := range handlers {
			h.OnRecovered()
		}
	}
}

func (b *breaker) register(h DegradationHandler) {
	b.handlersMu.Lock()
	b.handlers = append(b.handlers, h)
	b.handlersMu.Unlock()
	if b.State().degraded() {
		h.OnDegraded("initial state: structured store unavailable")
	}
}
