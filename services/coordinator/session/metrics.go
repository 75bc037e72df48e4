// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cortex",
		Subsystem: "session",
		Name:      "sessions",
		Help:      "Live sessions by state",
	}, []string{"state"})

	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cortex",
		Subsystem: "session",
		Name:      "transitions_total",
		Help:      "Session state transitions by target state",
	}, []string{"to"})

	writesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cortex",
		Subsystem: "session",
		Name:      "writes_total",
		Help:      "Session copy-on-write operations by kind",
	}, []string{"op"})

	staleTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cortex",
		Subsystem: "session",
		Name:      "stale_version_total",
		Help:      "Calls rejected for a stale session version",
	})

	closeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cortex",
		Subsystem: "session",
		Name:      "close_duration_seconds",
		Help:      "Time to merge and commit a session",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	})
)
