// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package consistency

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	checksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cortex",
		Subsystem: "consistency",
		Name:      "checks_total",
		Help:      "Consistency checks by outcome",
	}, []string{"result"})

	checkDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cortex",
		Subsystem: "consistency",
		Name:      "check_duration_seconds",
		Help:      "Duration of consistency checks",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
	})

	driftTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cortex",
		Subsystem: "consistency",
		Name:      "drift_total",
		Help:      "Drifted entities found by status",
	}, []string{"status"})

	repairsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cortex",
		Subsystem: "consistency",
		Name:      "repairs_total",
		Help:      "Repairs by action and outcome",
	}, []string{"action", "result"})

	nodesCompared = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cortex",
		Subsystem: "consistency",
		Name:      "tree_nodes_compared",
		Help:      "Digest tree nodes compared per check",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})
)
