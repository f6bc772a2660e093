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
	"context"
	"reflect"
	"testing"

	"github.com/AleutianAI/convergent/services/graph/backend"
	"github.com/AleutianAI/convergent/services/graph/intent"
	"github.com/AleutianAI/convergent/services/graph/semantic"
)

func newTestResolver(t *testing.T, opts ...Option) *Resolver {
	t.Helper()
	return New(backend.NewMemoryBackend(), opts...)
}

func mustPublish(t *testing.T, r *Resolver, it *intent.Intent) {
	t.Helper()
	if _, err := r.Publish(context.Background(), it); err != nil {
		t.Fatalf("Publish(%s): %v", it.ID, err)
	}
}

func mustResolve(t *testing.T, r *Resolver, it *intent.Intent) *intent.ResolutionResult {
	t.Helper()
	result, err := r.Resolve(context.Background(), it)
	if err != nil {
		t.Fatalf("Resolve(%s): %v", it.ID, err)
	}
	return result
}

// =============================================================================
// Duplicate-provision pass
// =============================================================================

func TestResolve_ConsumeInstead_HigherStabilityWins(t *testing.T) {
	r := newTestResolver(t)

	// Agent A provides User with code_committed + test_pass => 0.55.
	established := intent.New("agent-a", "build user model",
		intent.WithProvides(intent.InterfaceSpec{Name: "User", Kind: intent.KindModel}),
		intent.WithEvidence(intent.CodeCommitted("merged"), intent.TestPass("green")))
	mustPublish(t, r, established)

	// Agent B (no evidence, 0.3) tries to provide User too.
	newcomer := intent.New("agent-b", "also build user model",
		intent.WithProvides(intent.InterfaceSpec{Name: "User", Kind: intent.KindModel}))

	result := mustResolve(t, r, newcomer)
	if len(result.Adjustments) != 1 {
		t.Fatalf("expected 1 adjustment, got %d", len(result.Adjustments))
	}
	adj := result.Adjustments[0]
	if adj.Kind != intent.AdjustConsumeInstead {
		t.Errorf("Kind = %s, want ConsumeInstead", adj.Kind)
	}
	if adj.SourceIntentID != established.ID {
		t.Errorf("SourceIntentID = %s, want %s", adj.SourceIntentID, established.ID)
	}
	if adj.Confidence != 1.0 {
		t.Errorf("structural confidence = %v, want 1.0", adj.Confidence)
	}
	if !result.IsClean() {
		t.Errorf("expected no conflicts, got %v", result.Conflicts)
	}
}

func TestResolve_EqualStability_Conflict(t *testing.T) {
	r := newTestResolver(t)

	first := intent.New("agent-a", "provide config",
		intent.WithProvides(intent.InterfaceSpec{Name: "Config", Kind: intent.KindConfig}))
	mustPublish(t, r, first)

	second := intent.New("agent-b", "provide config too",
		intent.WithProvides(intent.InterfaceSpec{Name: "Config", Kind: intent.KindConfig}))

	result := mustResolve(t, r, second)
	if len(result.Conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(result.Conflicts))
	}
	c := result.Conflicts[0]
	if c.Kind != intent.ConflictProvision {
		t.Errorf("conflict kind = %s, want provision", c.Kind)
	}
	if c.TheirIntentID != first.ID {
		t.Errorf("TheirIntentID = %s, want %s", c.TheirIntentID, first.ID)
	}
	if len(result.Adjustments) != 0 {
		t.Errorf("equal-stability tie must not emit adjustments: %v", result.Adjustments)
	}
}

func TestResolve_LowerStabilityCandidate_EmitsNothing(t *testing.T) {
	r := newTestResolver(t)

	// The existing intent is weaker than the resolving one. The resolving
	// side is out-competing, not out-competed, so it records nothing.
	weaker := intent.New("agent-a", "sketch user model",
		intent.WithProvides(intent.InterfaceSpec{Name: "User", Kind: intent.KindModel}))
	mustPublish(t, r, weaker)

	stronger := intent.New("agent-b", "committed user model",
		intent.WithProvides(intent.InterfaceSpec{Name: "User", Kind: intent.KindModel}),
		intent.WithEvidence(intent.CodeCommitted("merged")))

	result := mustResolve(t, r, stronger)
	if !result.IsClean() || result.HasAdjustments() {
		t.Errorf("out-competing side should see a clean result, got %+v", result)
	}
}

func TestResolve_SelfExclusion(t *testing.T) {
	r := newTestResolver(t)

	mine := intent.New("agent-a", "my first user intent",
		intent.WithProvides(intent.InterfaceSpec{Name: "User", Kind: intent.KindModel}),
		intent.WithConstraints(intent.Constraint{
			Target: "User", Requirement: "email unique",
			Severity: intent.SeverityRequired, AffectsTags: []string{"user"},
		}))
	mustPublish(t, r, mine)

	evolution := intent.New("agent-a", "my second user intent",
		intent.WithProvides(intent.InterfaceSpec{Name: "User", Kind: intent.KindModel, Tags: []string{"user"}}),
		intent.WithConstraints(intent.Constraint{
			Target: "User", Requirement: "email optional",
			Severity: intent.SeverityRequired, AffectsTags: []string{"user"},
		}))

	result := mustResolve(t, r, evolution)
	if !result.IsClean() || result.HasAdjustments() || len(result.AdoptedConstraints) != 0 {
		t.Errorf("same-agent intents must never interact, got %+v", result)
	}
}

// =============================================================================
// Signature-mismatch pass
// =============================================================================

func TestResolve_AdaptSignature(t *testing.T) {
	r := newTestResolver(t)

	provider := intent.New("agent-a", "provide user model",
		intent.WithProvides(intent.InterfaceSpec{
			Name:      "UserModel",
			Kind:      intent.KindModel,
			Signature: "id: uuid, email: str, created: str",
		}),
		intent.WithEvidence(intent.CodeCommitted("merged")))
	mustPublish(t, r, provider)

	consumer := intent.New("agent-b", "need user model",
		intent.WithRequires(intent.InterfaceSpec{
			Name:      "UserModel",
			Kind:      intent.KindModel,
			Signature: "id: uuid, username: str",
		}))

	result := mustResolve(t, r, consumer)
	var found bool
	for _, adj := range result.Adjustments {
		if adj.Kind == intent.AdjustAdaptSignature && adj.SourceIntentID == provider.ID {
			found = true
		}
	}
	if !found {
		t.Errorf("expected an AdaptSignature adjustment, got %v", result.Adjustments)
	}
}

func TestResolve_CompatibleSignature_NoAdjustment(t *testing.T) {
	r := newTestResolver(t)

	// Provider's fields are a superset with alias-equivalent types.
	provider := intent.New("agent-a", "provide user model",
		intent.WithProvides(intent.InterfaceSpec{
			Name:      "UserModel",
			Signature: "id: UUID, email: String, created: str",
		}),
		intent.WithEvidence(intent.CodeCommitted("merged")))
	mustPublish(t, r, provider)

	consumer := intent.New("agent-b", "need user model",
		intent.WithRequires(intent.InterfaceSpec{
			Name:      "UserModel",
			Signature: "id: uuid, email: str",
		}))

	result := mustResolve(t, r, consumer)
	for _, adj := range result.Adjustments {
		if adj.Kind == intent.AdjustAdaptSignature {
			t.Errorf("compatible signatures should not need adaptation: %+v", adj)
		}
	}
}

// =============================================================================
// Constraint propagation pass
// =============================================================================

func TestResolve_AdoptConstraint(t *testing.T) {
	r := newTestResolver(t)

	imposer := intent.New("agent-a", "own the user model",
		intent.WithProvides(intent.InterfaceSpec{Name: "UserModel", Tags: []string{"user"}}),
		intent.WithConstraints(intent.Constraint{
			Target: "User Model", Requirement: "email must be unique",
			Severity: intent.SeverityRequired, AffectsTags: []string{"user"},
		}))
	mustPublish(t, r, imposer)

	affected := intent.New("agent-b", "build profile page",
		intent.WithProvides(intent.InterfaceSpec{Name: "ProfilePage", Tags: []string{"user", "frontend"}}))

	result := mustResolve(t, r, affected)
	if len(result.AdoptedConstraints) != 1 {
		t.Fatalf("expected 1 adopted constraint, got %d", len(result.AdoptedConstraints))
	}
	if result.AdoptedConstraints[0].Requirement != "email must be unique" {
		t.Errorf("adopted wrong constraint: %+v", result.AdoptedConstraints[0])
	}
	var adopted bool
	for _, adj := range result.Adjustments {
		if adj.Kind == intent.AdjustAdoptConstraint && adj.SourceIntentID == imposer.ID {
			adopted = true
		}
	}
	if !adopted {
		t.Errorf("expected an AdoptConstraint adjustment, got %v", result.Adjustments)
	}
}

func TestResolve_ConstraintConflict(t *testing.T) {
	r := newTestResolver(t)

	imposer := intent.New("agent-a", "own the user model",
		intent.WithProvides(intent.InterfaceSpec{Name: "UserModel", Tags: []string{"user"}}),
		intent.WithConstraints(intent.Constraint{
			Target: "User Model", Requirement: "email must be unique",
			Severity: intent.SeverityCritical, AffectsTags: []string{"user"},
		}))
	mustPublish(t, r, imposer)

	contrarian := intent.New("agent-b", "different email policy",
		intent.WithProvides(intent.InterfaceSpec{Name: "Signup", Tags: []string{"user"}}),
		intent.WithConstraints(intent.Constraint{
			Target: "user_model", Requirement: "email is optional",
			Severity: intent.SeverityRequired, AffectsTags: []string{"user"},
		}))

	result := mustResolve(t, r, contrarian)
	if len(result.Conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(result.Conflicts))
	}
	c := result.Conflicts[0]
	if c.Kind != intent.ConflictConstraint {
		t.Errorf("conflict kind = %s, want constraint", c.Kind)
	}
	if c.Severity != intent.SeverityCritical {
		t.Errorf("conflict severity = %s, want critical (the imposed constraint's)", c.Severity)
	}
	if len(result.AdoptedConstraints) != 0 {
		t.Errorf("conflicting constraint must not be adopted")
	}
}

// =============================================================================
// Semantic pass
// =============================================================================

// stubMatcher answers overlap checks from a fixed verdict table keyed by
// spec-name pair.
type stubMatcher struct {
	overlaps    map[[2]string]semantic.Match
	constraints map[string]semantic.ConstraintApplicability
}

func (s *stubMatcher) CheckOverlap(ctx context.Context, a, b intent.InterfaceSpec) semantic.Match {
	return s.CheckOverlapBatch(ctx, []semantic.SpecPair{{A: a, B: b}})[0]
}

func (s *stubMatcher) CheckOverlapBatch(_ context.Context, pairs []semantic.SpecPair) []semantic.Match {
	out := make([]semantic.Match, len(pairs))
	for i, p := range pairs {
		out[i] = s.overlaps[[2]string{p.A.Name, p.B.Name}]
	}
	return out
}

func (s *stubMatcher) CheckConstraintApplies(_ context.Context, c intent.Constraint, _ *intent.Intent) semantic.ConstraintApplicability {
	return s.constraints[c.Target]
}

func (s *stubMatcher) PredictTrajectory(context.Context, []*intent.Intent) semantic.TrajectoryPrediction {
	return semantic.TrajectoryPrediction{}
}

func TestResolve_SemanticOverlap(t *testing.T) {
	matcher := &stubMatcher{
		overlaps: map[[2]string]semantic.Match{
			{"AccountManager", "UserHandler"}: {Overlap: true, Confidence: 0.9, Reasoning: "both manage users"},
		},
	}
	r := newTestResolver(t, WithSemanticMatcher(matcher))

	established := intent.New("agent-a", "user handling",
		intent.WithProvides(intent.InterfaceSpec{Name: "UserHandler", Kind: intent.KindClass}),
		intent.WithEvidence(intent.CodeCommitted("merged")))
	mustPublish(t, r, established)

	// "AccountManager" does not structurally overlap "UserHandler"; only the
	// semantic matcher connects them.
	newcomer := intent.New("agent-b", "account handling",
		intent.WithProvides(intent.InterfaceSpec{Name: "AccountManager", Kind: intent.KindClass}))

	result := mustResolve(t, r, newcomer)
	if len(result.Adjustments) != 1 {
		t.Fatalf("expected 1 semantic adjustment, got %d: %v", len(result.Adjustments), result.Adjustments)
	}
	adj := result.Adjustments[0]
	if adj.Kind != intent.AdjustConsumeInstead || adj.Confidence != 0.9 {
		t.Errorf("got %+v, want ConsumeInstead at matcher confidence", adj)
	}
}

func TestResolve_SemanticBelowThreshold_Ignored(t *testing.T) {
	matcher := &stubMatcher{
		overlaps: map[[2]string]semantic.Match{
			{"AccountManager", "UserHandler"}: {Overlap: true, Confidence: 0.4, Reasoning: "weak hunch"},
		},
	}
	r := newTestResolver(t, WithSemanticMatcher(matcher))

	mustPublish(t, r, intent.New("agent-a", "user handling",
		intent.WithProvides(intent.InterfaceSpec{Name: "UserHandler"}),
		intent.WithEvidence(intent.CodeCommitted("merged"))))

	result := mustResolve(t, r, intent.New("agent-b", "account handling",
		intent.WithProvides(intent.InterfaceSpec{Name: "AccountManager"})))
	if result.HasAdjustments() || !result.IsClean() {
		t.Errorf("sub-threshold semantic verdicts must be ignored: %+v", result)
	}
}

func TestResolve_NoMatcher_IdenticalToStructural(t *testing.T) {
	// The regression invariant: a matcher that finds nothing must produce
	// byte-identical results to having no matcher at all.
	build := func(r *Resolver) *intent.ResolutionResult {
		mustPublish(t, r, intent.New("agent-a", "user model",
			intent.WithID("provider-id"),
			intent.WithProvides(intent.InterfaceSpec{Name: "UserModel", Tags: []string{"user", "db"}}),
			intent.WithEvidence(intent.CodeCommitted("merged"))))
		mustPublish(t, r, intent.New("agent-c", "constraint holder",
			intent.WithID("imposer-id"),
			intent.WithProvides(intent.InterfaceSpec{Name: "Schema", Tags: []string{"db", "migration"}}),
			intent.WithConstraints(intent.Constraint{
				Target: "User Model", Requirement: "soft deletes only",
				Severity: intent.SeverityRequired, AffectsTags: []string{"user"},
			})))
		return mustResolve(t, r, intent.New("agent-b", "user service",
			intent.WithID("resolving-id"),
			intent.WithProvides(intent.InterfaceSpec{Name: "UserService", Tags: []string{"user"}})))
	}

	structural := build(newTestResolver(t))
	withEmptyMatcher := build(newTestResolver(t, WithSemanticMatcher(&stubMatcher{})))

	if !reflect.DeepEqual(structural, withEmptyMatcher) {
		t.Errorf("matcher absence changed structural behavior:\n structural: %+v\n with matcher: %+v",
			structural, withEmptyMatcher)
	}
}

func TestResolve_SemanticConstraint(t *testing.T) {
	matcher := &stubMatcher{
		constraints: map[string]semantic.ConstraintApplicability{
			"User Model": {Applies: true, Confidence: 0.8, Reasoning: "profiles store user emails"},
		},
	}
	r := newTestResolver(t, WithSemanticMatcher(matcher))

	imposer := intent.New("agent-a", "own the user model",
		intent.WithProvides(intent.InterfaceSpec{Name: "UserModel", Tags: []string{"user"}}),
		intent.WithConstraints(intent.Constraint{
			Target: "User Model", Requirement: "email must be unique",
			Severity: intent.SeverityRequired, AffectsTags: []string{"user"},
		}))
	mustPublish(t, r, imposer)

	// No shared tags, so only the semantic pass can connect the constraint.
	unrelatedTags := intent.New("agent-b", "profile storage",
		intent.WithProvides(intent.InterfaceSpec{Name: "ProfileStore", Tags: []string{"storage"}}))

	result := mustResolve(t, r, unrelatedTags)
	if len(result.AdoptedConstraints) != 1 {
		t.Fatalf("expected semantic constraint adoption, got %+v", result)
	}
	if result.Adjustments[0].Confidence != 0.8 {
		t.Errorf("semantic adoption should carry matcher confidence, got %v", result.Adjustments[0].Confidence)
	}
}

// =============================================================================
// Stability floor and listeners
// =============================================================================

func TestResolve_BelowFloorCandidatesInvisible(t *testing.T) {
	r := newTestResolver(t, WithMinStability(0.5))

	// 0.3 < floor: invisible to resolution.
	weak := intent.New("agent-a", "weak provision",
		intent.WithProvides(intent.InterfaceSpec{Name: "User"}))
	mustPublish(t, r, weak)

	result := mustResolve(t, r, intent.New("agent-b", "my provision",
		intent.WithProvides(intent.InterfaceSpec{Name: "User"})))
	if !result.IsClean() || result.HasAdjustments() {
		t.Errorf("sub-floor candidates must be invisible: %+v", result)
	}
}

type recordingListener struct {
	publishes int
	resolves  int
	conflicts int
}

func (l *recordingListener) OnPublish(*intent.Intent, float64) { l.publishes++ }
func (l *recordingListener) OnResolve(*intent.Intent, *intent.ResolutionResult) {
	l.resolves++
}
func (l *recordingListener) OnConflict(*intent.Intent, intent.ConflictReport) { l.conflicts++ }

type panickingListener struct{}

func (panickingListener) OnPublish(*intent.Intent, float64)                     { panic("publish boom") }
func (panickingListener) OnResolve(*intent.Intent, *intent.ResolutionResult)    { panic("resolve boom") }
func (panickingListener) OnConflict(*intent.Intent, intent.ConflictReport)      { panic("conflict boom") }

func TestListeners_FireAndSurvivePanics(t *testing.T) {
	rec := &recordingListener{}
	r := newTestResolver(t, WithListeners(panickingListener{}, rec))

	first := intent.New("agent-a", "provide config",
		intent.WithProvides(intent.InterfaceSpec{Name: "Config"}))
	mustPublish(t, r, first)

	second := intent.New("agent-b", "provide config too",
		intent.WithProvides(intent.InterfaceSpec{Name: "Config"}))
	result := mustResolve(t, r, second)

	if result.IsClean() {
		t.Fatal("expected a conflict to exercise OnConflict")
	}
	if rec.publishes != 1 || rec.resolves != 1 || rec.conflicts != 1 {
		t.Errorf("listener counts = %+v, want 1/1/1 despite the panicking sibling", rec)
	}
}
