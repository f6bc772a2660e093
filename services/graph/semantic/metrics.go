// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package semantic

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics for Semantic Matching
// =============================================================================

var (
	// apiCallsTotal counts Messages API calls by task and outcome.
	// Labels: task (overlap, constraint, trajectory), outcome (ok, error)
	apiCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "convergent",
		Subsystem: "semantic",
		Name:      "api_calls_total",
		Help:      "Total Messages API calls by task and outcome",
	}, []string{"task", "outcome"})

	// cacheHitsTotal counts verdicts served from the LRU caches.
	// Labels: task (overlap, constraint, trajectory)
	cacheHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "convergent",
		Subsystem: "semantic",
		Name:      "cache_hits_total",
		Help:      "Total verdicts served from cache by task",
	}, []string{"task"})
)

// recordCall records one API attempt's outcome for a task.
func recordCall(task string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	apiCallsTotal.WithLabelValues(task, outcome).Inc()
}
