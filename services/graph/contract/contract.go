// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package contract is the formal coordination contract for the intent
// graph: the invariants every mutation must respect, the deterministic
// conflict-classification policy, and canonical content hashing.
//
// A second client could be implemented solely from this package's rules
// without reading the rest of the engine.
package contract

import (
	"fmt"
	"math"

	"github.com/AleutianAI/convergent/services/graph/intent"
)

// Invariant names a graph invariant that must hold at all times.
type Invariant string

// The graph invariants.
const (
	// InvariantAppendOnly: published intents are never deleted or modified
	// in place; new versions supersede via ParentID.
	InvariantAppendOnly Invariant = "append_only"

	// InvariantUniqueIDs: every intent has a globally unique ID.
	InvariantUniqueIDs Invariant = "unique_ids"

	// InvariantDeterministicStability: the same evidence always scores the
	// same. No randomness, no caching.
	InvariantDeterministicStability Invariant = "deterministic_stability"

	// InvariantStableAttractors: higher-stability intents dominate
	// lower-stability ones in resolution.
	InvariantStableAttractors Invariant = "stable_attractors"

	// InvariantCausalOrdering: a superseding intent can only be published
	// after its parent exists.
	InvariantCausalOrdering Invariant = "causal_ordering"

	// InvariantSelfExclusion: an agent's intents never conflict with each
	// other during resolution. Self-overlap is evolution, not conflict.
	InvariantSelfExclusion Invariant = "self_exclusion"
)

// Violation reports that an operation would break a graph invariant.
type Violation struct {
	Invariant Invariant `json:"invariant"`
	Message   string    `json:"message"`
}

// Error implements the error interface.
func (v Violation) Error() string {
	return fmt.Sprintf("contract violation [%s]: %s", v.Invariant, v.Message)
}

// ValidatePublish checks whether publishing the intent would violate the
// contract. It returns the full list of violations rather than stopping at
// the first, so callers can surface everything wrong with a publish at once.
func ValidatePublish(it *intent.Intent, existingIDs map[string]bool) []Violation {
	var violations []Violation

	if it == nil {
		return []Violation{{
			Invariant: InvariantAppendOnly,
			Message:   "cannot publish a nil intent",
		}}
	}

	if existingIDs[it.ID] {
		violations = append(violations, Violation{
			Invariant: InvariantUniqueIDs,
			Message:   fmt.Sprintf("intent ID %q already exists in graph", it.ID),
		})
	}

	if it.ParentID != "" && !existingIDs[it.ParentID] {
		violations = append(violations, Violation{
			Invariant: InvariantCausalOrdering,
			Message:   fmt.Sprintf("parent ID %q does not exist in graph", it.ParentID),
		})
	}

	if len(it.Provides) == 0 && len(it.Requires) == 0 && len(it.Constraints) == 0 {
		violations = append(violations, Violation{
			Invariant: InvariantAppendOnly,
			Message:   "intent must have at least one provides, requires, or constraints entry",
		})
	}

	if it.AgentID == "" {
		violations = append(violations, Violation{
			Invariant: InvariantAppendOnly,
			Message:   "intent must have a non-empty agent_id",
		})
	}

	return violations
}

// ConflictClass is the resolution strategy a conflict demands.
type ConflictClass string

// The closed set of conflict classes.
const (
	// ClassHardFail: a critical invariant is violated. Processing must stop.
	ClassHardFail ConflictClass = "hard_fail"

	// ClassAutoResolve: resolvable by deterministic policy (stability
	// ordering, or advisory severity).
	ClassAutoResolve ConflictClass = "auto_resolve"

	// ClassHumanEscalation: too close to call. A human decides.
	ClassHumanEscalation ConflictClass = "human_escalation"
)

// Policy governs how conflicts are classified.
//
// Classification is a pure function of severity and the stability gap:
//
//  1. Critical constraint conflicts are always hard_fail.
//  2. Preferred constraint conflicts are always auto_resolve (advisory).
//  3. Required constraint conflicts and provision conflicts compare the
//     absolute stability gap to TieEpsilon: within the epsilon the conflict
//     escalates to a human, beyond it the higher-stability side wins.
type Policy struct {
	// TieEpsilon is the stability gap at or below which a conflict cannot
	// be auto-resolved.
	TieEpsilon float64
}

// defaultPolicy is the process-wide classification table, built once.
var defaultPolicy = Policy{TieEpsilon: 0.01}

// DefaultPolicy returns the standard classification policy.
func DefaultPolicy() Policy {
	return defaultPolicy
}

// ClassifyConstraintConflict classifies a conflict between two constraints
// with the given severity, comparing the stabilities of the two source
// intents.
func (p Policy) ClassifyConstraintConflict(severity intent.ConstraintSeverity, myStability, theirStability float64) ConflictClass {
	switch severity {
	case intent.SeverityCritical:
		return ClassHardFail
	case intent.SeverityPreferred:
		return ClassAutoResolve
	}

	if math.Abs(theirStability-myStability) <= p.TieEpsilon {
		return ClassHumanEscalation
	}
	return ClassAutoResolve
}

// ClassifyProvisionConflict classifies a duplicate-provision conflict:
// auto_resolve when there is a clear stability winner, human_escalation when
// too close to call.
func (p Policy) ClassifyProvisionConflict(myStability, theirStability float64) ConflictClass {
	if math.Abs(theirStability-myStability) <= p.TieEpsilon {
		return ClassHumanEscalation
	}
	return ClassAutoResolve
}

// Classify classifies a resolver-emitted conflict report using the report's
// recorded kind and severity, given the resolving intent's stability.
func (p Policy) Classify(report intent.ConflictReport, myStability float64) ConflictClass {
	if report.Kind == intent.ConflictConstraint {
		return p.ClassifyConstraintConflict(report.Severity, myStability, report.TheirStability)
	}
	return p.ClassifyProvisionConflict(myStability, report.TheirStability)
}
