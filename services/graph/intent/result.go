// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package intent

// AdjustmentKind identifies what kind of change the resolver recommends.
type AdjustmentKind string

// The closed set of adjustment kinds.
const (
	// AdjustConsumeInstead: drop my provision, consume theirs.
	AdjustConsumeInstead AdjustmentKind = "ConsumeInstead"

	// AdjustAdaptSignature: reshape my requirement to match their provision.
	AdjustAdaptSignature AdjustmentKind = "AdaptSignature"

	// AdjustAdoptConstraint: adopt another intent's applicable constraint.
	AdjustAdoptConstraint AdjustmentKind = "AdoptConstraint"
)

// Valid reports whether k is a known adjustment kind.
func (k AdjustmentKind) Valid() bool {
	switch k {
	case AdjustConsumeInstead, AdjustAdaptSignature, AdjustAdoptConstraint:
		return true
	}
	return false
}

// ConflictKind distinguishes the two shapes of conflict the resolver emits.
// The contract classifies them differently: constraint conflicts carry a
// severity, provision conflicts are classified purely by stability gap.
type ConflictKind string

// The closed set of conflict kinds.
const (
	ConflictProvision  ConflictKind = "provision"
	ConflictConstraint ConflictKind = "constraint"
)

// Adjustment is a recommended change to restore compatibility.
type Adjustment struct {
	// Kind identifies the recommended change.
	Kind AdjustmentKind `json:"kind"`

	// Description explains the change in human terms.
	Description string `json:"description"`

	// SourceIntentID is the intent that motivated the adjustment.
	SourceIntentID string `json:"source_intent_id"`

	// Confidence is 1.0 for structural findings; semantic findings carry
	// the matcher-reported confidence.
	Confidence float64 `json:"confidence"`
}

// ConflictReport is a disagreement between two valid intents that the
// resolver could not settle on its own.
type ConflictReport struct {
	// MyIntentID is the intent being resolved.
	MyIntentID string `json:"my_intent_id"`

	// TheirIntentID is the other party.
	TheirIntentID string `json:"their_intent_id"`

	// Description explains the disagreement.
	Description string `json:"description"`

	// TheirStability is the other intent's stability at detection time.
	TheirStability float64 `json:"their_stability"`

	// ResolutionSuggestion is advisory text for the caller.
	ResolutionSuggestion string `json:"resolution_suggestion"`

	// Confidence is 1.0 for structural findings; semantic findings carry
	// the matcher-reported confidence.
	Confidence float64 `json:"confidence"`

	// Kind records whether this is a provision or constraint conflict, so
	// the contract can classify it without re-deriving the comparison.
	Kind ConflictKind `json:"conflict_kind"`

	// Severity is set for constraint conflicts only (the severity of the
	// conflicting constraint).
	Severity ConstraintSeverity `json:"severity,omitempty"`
}

// ResolutionResult is what Resolve returns: the advice and disagreements
// produced by comparing one intent against the current graph.
type ResolutionResult struct {
	// OriginalIntentID is the intent that was resolved.
	OriginalIntentID string `json:"original_intent_id"`

	// Adjustments are recommended compatibility changes.
	Adjustments []Adjustment `json:"adjustments"`

	// Conflicts are disagreements automatic resolution could not settle.
	Conflicts []ConflictReport `json:"conflicts"`

	// AdoptedConstraints are other agents' constraints the resolving
	// intent should honor.
	AdoptedConstraints []Constraint `json:"adopted_constraints"`
}

// IsClean reports whether the resolution found no conflicts.
func (r *ResolutionResult) IsClean() bool {
	return len(r.Conflicts) == 0
}

// HasAdjustments reports whether any adjustments were recommended.
func (r *ResolutionResult) HasAdjustments() bool {
	return len(r.Adjustments) > 0
}

// MinConfidence returns the lowest confidence across all adjustments and
// conflicts, or 1.0 when there are none.
func (r *ResolutionResult) MinConfidence() float64 {
	min := 1.0
	for _, a := range r.Adjustments {
		if a.Confidence < min {
			min = a.Confidence
		}
	}
	for _, c := range r.Conflicts {
		if c.Confidence < min {
			min = c.Confidence
		}
	}
	return min
}

// AdjustmentsAbove returns only adjustments with confidence >= threshold.
func (r *ResolutionResult) AdjustmentsAbove(threshold float64) []Adjustment {
	var out []Adjustment
	for _, a := range r.Adjustments {
		if a.Confidence >= threshold {
			out = append(out, a)
		}
	}
	return out
}

// Clone returns a deep copy of the result. Used by the replay log so the
// recorded original cannot be mutated by the caller afterwards.
func (r *ResolutionResult) Clone() *ResolutionResult {
	if r == nil {
		return nil
	}
	out := &ResolutionResult{
		OriginalIntentID:   r.OriginalIntentID,
		Adjustments:        append([]Adjustment(nil), r.Adjustments...),
		Conflicts:          append([]ConflictReport(nil), r.Conflicts...),
		AdoptedConstraints: make([]Constraint, len(r.AdoptedConstraints)),
	}
	for i, c := range r.AdoptedConstraints {
		out.AdoptedConstraints[i] = c.Clone()
	}
	return out
}
