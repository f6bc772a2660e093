// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package semantic provides LLM-powered matching for intent overlap
// detection: catches overlaps like "AccountManager" vs "UserHandler" that
// name normalization misses.
//
// This is an optional enhancement layer. When no Matcher is configured, the
// resolver runs pure structural matching, and that structural-only behavior
// is guarded by a regression test. Matcher methods return no errors: a
// failed call degrades to "no overlap, zero confidence" so an LLM outage can
// never change structural results.
package semantic

import (
	"context"

	"github.com/AleutianAI/convergent/services/graph/intent"
)

// Match is the verdict on whether two specs semantically overlap.
type Match struct {
	Overlap    bool    `json:"overlap"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
	Source     string  `json:"source"`
}

// ConstraintApplicability is the verdict on whether a constraint applies to
// an intent beyond tag matching.
type ConstraintApplicability struct {
	Applies    bool    `json:"applies"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// TrajectoryPrediction is a forecast of an agent's next moves based on its
// published history.
type TrajectoryPrediction struct {
	AgentID               string   `json:"agent_id"`
	PredictedProvisions   []string `json:"predicted_provisions"`
	PredictedRequirements []string `json:"predicted_requirements"`
	PredictedConstraints  []string `json:"predicted_constraints"`
	Confidence            float64  `json:"confidence"`
	Reasoning             string   `json:"reasoning"`
}

// SpecPair is one overlap question for a batched check.
type SpecPair struct {
	A intent.InterfaceSpec `json:"spec_a"`
	B intent.InterfaceSpec `json:"spec_b"`
}

// Matcher is the pluggable semantic matching interface.
//
// Implementations must degrade, not fail: any backend error yields a
// zero-confidence negative verdict.
type Matcher interface {
	// CheckOverlap checks whether two specs refer to the same concept.
	CheckOverlap(ctx context.Context, a, b intent.InterfaceSpec) Match

	// CheckOverlapBatch checks many pairs at once. The result slice always
	// has the same length and order as the input.
	CheckOverlapBatch(ctx context.Context, pairs []SpecPair) []Match

	// CheckConstraintApplies checks whether a constraint applies to an
	// intent on semantic grounds rather than tag intersection.
	CheckConstraintApplies(ctx context.Context, c intent.Constraint, it *intent.Intent) ConstraintApplicability

	// PredictTrajectory forecasts an agent's next provisions, requirements,
	// and constraints from its intent history.
	PredictTrajectory(ctx context.Context, history []*intent.Intent) TrajectoryPrediction
}
