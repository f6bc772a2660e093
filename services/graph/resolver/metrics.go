// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resolver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics for Intent Resolution
// =============================================================================

var (
	// publishesTotal counts published intents by agent.
	// Labels: agent
	publishesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "convergent",
		Subsystem: "resolver",
		Name:      "publishes_total",
		Help:      "Total intents published by agent",
	}, []string{"agent"})

	// resolvesTotal counts resolutions by outcome.
	// Labels: outcome (clean, conflicted)
	resolvesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "convergent",
		Subsystem: "resolver",
		Name:      "resolves_total",
		Help:      "Total resolutions by outcome",
	}, []string{"outcome"})

	// adjustmentsTotal counts emitted adjustments by kind.
	// Labels: kind (ConsumeInstead, AdaptSignature, AdoptConstraint)
	adjustmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "convergent",
		Subsystem: "resolver",
		Name:      "adjustments_total",
		Help:      "Total adjustments emitted by kind",
	}, []string{"kind"})

	// conflictsTotal counts emitted conflicts by kind.
	// Labels: kind (provision, constraint)
	conflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "convergent",
		Subsystem: "resolver",
		Name:      "conflicts_total",
		Help:      "Total conflicts emitted by kind",
	}, []string{"kind"})

	// resolveLatencySeconds measures end-to-end resolution latency.
	resolveLatencySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "convergent",
		Subsystem: "resolver",
		Name:      "resolve_latency_seconds",
		Help:      "End-to-end resolution latency including semantic passes",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	})

	// semanticChecksTotal counts semantic matcher invocations by task.
	// Labels: task (overlap, constraint)
	semanticChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "convergent",
		Subsystem: "resolver",
		Name:      "semantic_checks_total",
		Help:      "Total semantic matcher checks by task",
	}, []string{"task"})
)

// recordResolution records a completed resolution's outcome and latency.
func recordResolution(conflictCount int, durationSec float64) {
	outcome := "clean"
	if conflictCount > 0 {
		outcome = "conflicted"
	}
	resolvesTotal.WithLabelValues(outcome).Inc()
	resolveLatencySeconds.Observe(durationSec)
}
