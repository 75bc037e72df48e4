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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	acquireTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cortex",
		Subsystem: "pool",
		Name:      "acquire_total",
		Help:      "Connection acquisitions by result",
	}, []string{"result"})

	acquireDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cortex",
		Subsystem: "pool",
		Name:      "acquire_duration_seconds",
		Help:      "Time spent waiting for a connection",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14), // 0.1ms to ~1.6s
	})

	openConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cortex",
		Subsystem: "pool",
		Name:      "open_connections",
		Help:      "Open structured store handles",
	})

	evictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cortex",
		Subsystem: "pool",
		Name:      "evictions_total",
		Help:      "Evicted handles by reason",
	}, []string{"reason"})

	retriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cortex",
		Subsystem: "pool",
		Name:      "retries_total",
		Help:      "Retried Execute attempts",
	})

	breakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cortex",
		Subsystem: "pool",
		Name:      "breaker_state",
		Help:      "Circuit breaker state (0=connected 1=degraded 2=open 3=half_open)",
	})

	breakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cortex",
		Subsystem: "pool",
		Name:      "breaker_transitions_total",
		Help:      "Circuit breaker transitions by target state",
	}, []string{"to"})
)
