// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package syncmgr

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	commitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cortex",
		Subsystem: "sync",
		Name:      "commits_total",
		Help:      "Committed changes by outcome",
	}, []string{"result"})

	commitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cortex",
		Subsystem: "sync",
		Name:      "commit_duration_seconds",
		Help:      "Time from WAL append to both stores applied",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	})

	walIncomplete = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cortex",
		Subsystem: "sync",
		Name:      "wal_incomplete",
		Help:      "WAL records not yet applied to both stores",
	})

	walAbandoned = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cortex",
		Subsystem: "sync",
		Name:      "wal_abandoned",
		Help:      "Abandoned WAL records waiting for replay or repair",
	})

	replayTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cortex",
		Subsystem: "sync",
		Name:      "replay_total",
		Help:      "Replayed WAL records by outcome",
	}, []string{"result"})

	compactedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cortex",
		Subsystem: "sync",
		Name:      "wal_compacted_total",
		Help:      "WAL records removed by compaction",
	})

	eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cortex",
		Subsystem: "sync",
		Name:      "events_published_total",
		Help:      "Broadcast events by type",
	}, []string{"type"})

	eventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cortex",
		Subsystem: "sync",
		Name:      "events_dropped_total",
		Help:      "Events dropped because a subscriber buffer was full",
	})

	subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cortex",
		Subsystem: "sync",
		Name:      "subscribers",
		Help:      "Active event stream subscribers",
	})
)
