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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	acquireTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cortex",
		Subsystem: "lock",
		Name:      "acquire_total",
		Help:      "Lock acquisitions by mode and result",
	}, []string{"mode", "result"})

	waitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cortex",
		Subsystem: "lock",
		Name:      "wait_seconds",
		Help:      "Time parked before a lock was granted or refused",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"mode"})

	heldLocks = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cortex",
		Subsystem: "lock",
		Name:      "held",
		Help:      "Locks currently held",
	})

	deadlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cortex",
		Subsystem: "lock",
		Name:      "deadlocks_total",
		Help:      "Deadlocks broken by aborting a victim session",
	})

	expiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cortex",
		Subsystem: "lock",
		Name:      "expired_total",
		Help:      "Leases reclaimed after expiry",
	})
)
