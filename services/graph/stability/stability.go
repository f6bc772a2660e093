// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stability computes the deterministic [0,1] trust score of an
// intent from its evidence list.
//
// The score is a pure function of the evidence: no caching, no hidden
// state, no ordering dependence. Callers recompute on every use; a cached
// score that survives evidence growth is a stale-state bug.
package stability

import (
	"sync"

	"github.com/AleutianAI/convergent/services/graph/intent"
)

// Weights parameterize the stability computation.
//
// The score is computed as:
//
//	score  = Base
//	score += min(testPassCount * TestPass, TestPassCap)
//	score += CodeCommitted          (if any code_committed evidence)
//	score += min(consumedCount * ConsumedByOther, ConsumedCap)
//	score -= conflictCount * ConflictPenalty
//	score -= testFailCount * TestFailPenalty
//	score += ManualApproval         (if any manual_approval evidence)
//	score  = clamp(score, 0.0, 1.0)
type Weights struct {
	Base            float64
	TestPass        float64
	TestPassCap     float64
	CodeCommitted   float64
	ConsumedByOther float64
	ConsumedCap     float64
	ConflictPenalty float64
	TestFailPenalty float64
	ManualApproval  float64
}

// defaultWeights is the contract's standard weight table, built once.
var defaultWeights = Weights{
	Base:            0.3,
	TestPass:        0.05,
	TestPassCap:     0.3,
	CodeCommitted:   0.2,
	ConsumedByOther: 0.1,
	ConsumedCap:     0.2,
	ConflictPenalty: 0.15,
	TestFailPenalty: 0.15,
	ManualApproval:  0.3,
}

// DefaultWeights returns the contract's standard weight table.
func DefaultWeights() Weights {
	return defaultWeights
}

// current is the process-wide weight table used by Score. It is the
// standard table unless Configure installed an override at startup.
var (
	current       = defaultWeights
	configureOnce sync.Once
)

// Configure installs the process-wide weight table.
//
// Description:
//
//	Must be called before any scoring, during startup. Only the first call
//	takes effect; later calls are ignored so the table stays constant for
//	the life of the process. Mid-flight weight changes would make stored
//	scores incomparable to fresh ones.
func Configure(w Weights) {
	configureOnce.Do(func() { current = w })
}

// Score computes the stability of an evidence list under the weights.
//
// Deterministic: same evidence multiset in any order yields the same score.
func (w Weights) Score(evidence []intent.Evidence) float64 {
	score := w.Base

	var testPasses, testFails, dependents, conflicts int
	var committed, approved bool

	for _, ev := range evidence {
		switch ev.Kind {
		case intent.EvidenceTestPass:
			testPasses++
		case intent.EvidenceTestFail:
			testFails++
		case intent.EvidenceCodeCommitted:
			committed = true
		case intent.EvidenceConsumedByOther:
			dependents++
		case intent.EvidenceConflict:
			conflicts++
		case intent.EvidenceManualApproval:
			approved = true
		}
	}

	score += min(float64(testPasses)*w.TestPass, w.TestPassCap)
	if committed {
		score += w.CodeCommitted
	}
	score += min(float64(dependents)*w.ConsumedByOther, w.ConsumedCap)
	score -= float64(conflicts) * w.ConflictPenalty
	score -= float64(testFails) * w.TestFailPenalty
	if approved {
		score += w.ManualApproval
	}

	return max(0.0, min(1.0, score))
}

// Score computes stability under the process-wide weight table.
func Score(evidence []intent.Evidence) float64 {
	return current.Score(evidence)
}
