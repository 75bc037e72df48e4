// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package migration

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	recordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cortex",
		Subsystem: "migration",
		Name:      "records_total",
		Help:      "Migrated records by outcome",
	}, []string{"result"})

	batchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cortex",
		Subsystem: "migration",
		Name:      "batch_latency_seconds",
		Help:      "Write latency of one migration batch",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
	})

	batchSizeGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cortex",
		Subsystem: "migration",
		Name:      "batch_size",
		Help:      "Current adaptive batch size",
	})

	statusTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cortex",
		Subsystem: "migration",
		Name:      "status_transitions_total",
		Help:      "Migration status transitions by target status",
	}, []string{"status"})

	dualWriteErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cortex",
		Subsystem: "migration",
		Name:      "dual_write_errors_total",
		Help:      "Failed writes to the secondary index during dual write",
	}, []string{"op"})
)
