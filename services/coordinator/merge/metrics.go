// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package merge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	mergesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cortex",
		Subsystem: "merge",
		Name:      "merges_total",
		Help:      "Merge requests by strategy",
	}, []string{"strategy"})

	mergeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cortex",
		Subsystem: "merge",
		Name:      "duration_seconds",
		Help:      "Time to merge one request",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	})

	entitiesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cortex",
		Subsystem: "merge",
		Name:      "entities_total",
		Help:      "Merged entities by outcome",
	}, []string{"outcome"})

	conflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cortex",
		Subsystem: "merge",
		Name:      "conflicts_total",
		Help:      "Reported conflicts by kind",
	}, []string{"kind"})

	fallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cortex",
		Subsystem: "merge",
		Name:      "line_fallbacks_total",
		Help:      "Both-sided merges done line by line, by reason",
	}, []string{"reason"})
)
