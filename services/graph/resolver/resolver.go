// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resolver reads the shared intent graph and advises a local plan
// on compatibility. Not a coordinator, a lens.
//
// The resolver holds no canonical state of its own. Publish delegates to
// the backend; Resolve compares one intent against the backend's current
// view and emits adjustments, conflicts, and adopted constraints. Its only
// side effects are observable events to registered listeners.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/convergent/services/graph/backend"
	"github.com/AleutianAI/convergent/services/graph/intent"
	"github.com/AleutianAI/convergent/services/graph/semantic"
	"github.com/AleutianAI/convergent/services/graph/stability"
)

const (
	// DefaultMinStability is the floor below which other intents are
	// invisible to resolution.
	DefaultMinStability = 0.3

	// DefaultSemanticConfidenceThreshold filters low-confidence semantic
	// verdicts out of the result.
	DefaultSemanticConfidenceThreshold = 0.7
)

// Resolver checks an intent against the shared graph for duplicate
// provisions, interface mismatches, applicable constraints, and conflicts.
//
// Thread Safety: safe for concurrent use when the backend is; the resolver
// itself is immutable after construction.
type Resolver struct {
	backend           backend.GraphBackend
	minStability      float64
	matcher           semantic.Matcher
	semanticThreshold float64
	logger            *slog.Logger
	listeners         []Listener
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithMinStability sets the stability floor for candidate intents.
func WithMinStability(floor float64) Option {
	return func(r *Resolver) { r.minStability = floor }
}

// WithSemanticMatcher plugs in an optional semantic matcher. With no
// matcher, resolution is purely structural.
func WithSemanticMatcher(m semantic.Matcher) Option {
	return func(r *Resolver) { r.matcher = m }
}

// WithSemanticConfidenceThreshold sets the minimum confidence for semantic
// findings to be included in results.
func WithSemanticConfidenceThreshold(threshold float64) Option {
	return func(r *Resolver) { r.semanticThreshold = threshold }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) { r.logger = logger }
}

// WithListeners registers event listeners.
func WithListeners(listeners ...Listener) Option {
	return func(r *Resolver) { r.listeners = append(r.listeners, listeners...) }
}

// New creates a Resolver over the given backend.
func New(b backend.GraphBackend, opts ...Option) *Resolver {
	r := &Resolver{
		backend:           b,
		minStability:      DefaultMinStability,
		semanticThreshold: DefaultSemanticConfidenceThreshold,
		logger:            slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// MinStability returns the configured stability floor.
func (r *Resolver) MinStability() float64 {
	return r.minStability
}

// Publish publishes an intent to the shared graph and returns its computed
// stability. Pure delegation: contract validation is the versioned graph's
// job, not the resolver's.
func (r *Resolver) Publish(ctx context.Context, it *intent.Intent) (float64, error) {
	ctx, span := otel.Tracer("convergent/resolver").Start(ctx, "resolver.Publish",
		trace.WithAttributes(attribute.String("intent.id", it.ID)))
	defer span.End()

	score, err := r.backend.Publish(ctx, it)
	if err != nil {
		return 0, fmt.Errorf("resolver: publishing intent %s: %w", it.ID, err)
	}

	publishesTotal.WithLabelValues(it.AgentID).Inc()
	r.logger.Debug("Published intent",
		slog.String("intent_id", it.ID),
		slog.String("agent", it.AgentID),
		slog.Float64("stability", score),
	)

	for _, l := range r.listeners {
		l := l
		fire(r.logger, "publish", func() { l.OnPublish(it, score) })
	}
	return score, nil
}

// Count returns the number of intents in the backing graph.
func (r *Resolver) Count(ctx context.Context) (int, error) {
	return r.backend.Count(ctx)
}

// Resolve resolves an intent against the current graph state.
//
// Description:
//
//	Runs five passes: structural duplicate-provision, structural
//	signature-mismatch, optional semantic overlap (only over pairs the
//	structural passes did not classify), constraint propagation, and
//	optional semantic constraint applicability. Same-agent intents are
//	excluded from every comparison: self-overlap is evolution, not
//	conflict.
//
// Inputs:
//   - ctx: Context for cancellation.
//   - it: The intent to resolve. Not mutated.
//
// Outputs:
//   - *intent.ResolutionResult: Adjustments, conflicts, and adopted
//     constraints.
//   - error: Non-nil only on backend failure.
func (r *Resolver) Resolve(ctx context.Context, it *intent.Intent) (*intent.ResolutionResult, error) {
	tracer := otel.Tracer("convergent/resolver")
	ctx, span := tracer.Start(ctx, "resolver.Resolve", trace.WithAttributes(
		attribute.String("intent.id", it.ID),
		attribute.String("intent.agent", it.AgentID),
	))
	defer span.End()

	start := time.Now()
	result := &intent.ResolutionResult{OriginalIntentID: it.ID}
	myStability := stability.Score(it.Evidence)

	overlapping, err := r.backend.FindOverlapping(ctx, it.Specs(), it.AgentID, r.minStability)
	if err != nil {
		return nil, fmt.Errorf("resolver: finding overlapping intents: %w", err)
	}

	// Passes 1 and 2: structural duplicate-provision and signature-mismatch.
	classified := make(map[pairKey]bool)
	for _, other := range overlapping {
		otherStability := stability.Score(other.Evidence)
		r.resolveProvisions(result, it, other, myStability, otherStability, classified)
		r.resolveSignatures(result, it, other, myStability, otherStability)
	}

	// Pass 3: semantic overlap over structurally-unclassified pairs.
	if r.matcher != nil {
		if err := r.resolveSemanticOverlap(ctx, result, it, myStability, classified); err != nil {
			return nil, err
		}
	}

	// Passes 4 and 5: constraint propagation, structural then semantic.
	others, err := r.backend.QueryAll(ctx, r.minStability)
	if err != nil {
		return nil, fmt.Errorf("resolver: querying graph for constraints: %w", err)
	}
	for _, other := range others {
		if other.AgentID == it.AgentID {
			continue
		}
		otherStability := stability.Score(other.Evidence)
		for _, c := range other.Constraints {
			switch {
			case c.AppliesTo(it):
				r.propagateConstraint(result, it, other, c, 1.0, otherStability)
			case r.matcher != nil:
				semanticChecksTotal.WithLabelValues("constraint").Inc()
				verdict := r.matcher.CheckConstraintApplies(ctx, c, it)
				if verdict.Applies && verdict.Confidence >= r.semanticThreshold {
					r.propagateConstraint(result, it, other, c, verdict.Confidence, otherStability)
				}
			}
		}
	}

	span.SetAttributes(
		attribute.Int("result.adjustments", len(result.Adjustments)),
		attribute.Int("result.conflicts", len(result.Conflicts)),
	)
	recordResolution(len(result.Conflicts), time.Since(start).Seconds())
	r.logger.Info("Resolved intent",
		slog.String("intent_id", it.ID),
		slog.String("agent", it.AgentID),
		slog.Int("adjustments", len(result.Adjustments)),
		slog.Int("conflicts", len(result.Conflicts)),
	)

	for _, l := range r.listeners {
		l := l
		for _, c := range result.Conflicts {
			c := c
			fire(r.logger, "conflict", func() { l.OnConflict(it, c) })
		}
		fire(r.logger, "resolve", func() { l.OnResolve(it, result) })
	}

	return result, nil
}

// pairKey identifies one provision-vs-provision comparison, so the semantic
// pass can skip pairs the structural pass already classified.
type pairKey struct {
	otherIntentID string
	myName        string
	theirName     string
}

// resolveProvisions handles duplicate provisions between it and other.
//
// Higher candidate stability yields a ConsumeInstead adjustment; an exact
// stability tie yields a Conflict (ties are never silently broken); a
// strictly lower candidate emits nothing on this side, since the lower side
// is simply out-competed.
func (r *Resolver) resolveProvisions(result *intent.ResolutionResult, it, other *intent.Intent, myStability, otherStability float64, classified map[pairKey]bool) {
	for _, mine := range it.Provides {
		for _, theirs := range other.Provides {
			if !mine.StructurallyOverlaps(theirs) {
				continue
			}
			classified[pairKey{other.ID, mine.Name, theirs.Name}] = true

			switch {
			case otherStability > myStability:
				r.addAdjustment(result, intent.Adjustment{
					Kind: intent.AdjustConsumeInstead,
					Description: fmt.Sprintf(
						"Drop '%s', consume '%s' from agent %s (stability %.2f)",
						mine.Name, theirs.Name, other.AgentID, otherStability),
					SourceIntentID: other.ID,
					Confidence:     1.0,
				})
			case otherStability == myStability:
				r.addConflict(result, intent.ConflictReport{
					MyIntentID:    it.ID,
					TheirIntentID: other.ID,
					Description: fmt.Sprintf(
						"Both provide '%s': my stability %.2f vs their %.2f",
						mine.Name, myStability, otherStability),
					TheirStability:       otherStability,
					ResolutionSuggestion: "Higher stability should provide; other should consume",
					Confidence:           1.0,
					Kind:                 intent.ConflictProvision,
				})
			}
		}
	}
}

// resolveSignatures handles requirement-vs-provision signature mismatches.
func (r *Resolver) resolveSignatures(result *intent.ResolutionResult, it, other *intent.Intent, myStability, otherStability float64) {
	if otherStability <= myStability {
		return
	}
	for _, req := range it.Requires {
		for _, prov := range other.Provides {
			if req.StructurallyOverlaps(prov) && !req.SignatureCompatible(prov) {
				r.addAdjustment(result, intent.Adjustment{
					Kind: intent.AdjustAdaptSignature,
					Description: fmt.Sprintf(
						"Adapt '%s' signature to match '%s' from agent %s: expected '%s', they provide '%s'",
						req.Name, prov.Name, other.AgentID, req.Signature, prov.Signature),
					SourceIntentID: other.ID,
					Confidence:     1.0,
				})
			}
		}
	}
}

// resolveSemanticOverlap runs the batched semantic overlap pass over
// provision pairs the structural passes did not classify.
func (r *Resolver) resolveSemanticOverlap(ctx context.Context, result *intent.ResolutionResult, it *intent.Intent, myStability float64, classified map[pairKey]bool) error {
	if len(it.Provides) == 0 {
		return nil
	}

	others, err := r.backend.QueryAll(ctx, r.minStability)
	if err != nil {
		return fmt.Errorf("resolver: querying graph for semantic pass: %w", err)
	}

	type candidate struct {
		other     *intent.Intent
		stability float64
		mine      intent.InterfaceSpec
		theirs    intent.InterfaceSpec
	}
	var pairs []semantic.SpecPair
	var candidates []candidate

	for _, other := range others {
		if other.AgentID == it.AgentID {
			continue
		}
		otherStability := stability.Score(other.Evidence)
		for _, mine := range it.Provides {
			for _, theirs := range other.Provides {
				if classified[pairKey{other.ID, mine.Name, theirs.Name}] {
					continue
				}
				if mine.StructurallyOverlaps(theirs) {
					continue
				}
				pairs = append(pairs, semantic.SpecPair{A: mine, B: theirs})
				candidates = append(candidates, candidate{other, otherStability, mine, theirs})
			}
		}
	}
	if len(pairs) == 0 {
		return nil
	}

	semanticChecksTotal.WithLabelValues("overlap").Add(float64(len(pairs)))
	matches := r.matcher.CheckOverlapBatch(ctx, pairs)
	for i, match := range matches {
		if !match.Overlap || match.Confidence < r.semanticThreshold {
			continue
		}
		c := candidates[i]
		switch {
		case c.stability > myStability:
			r.addAdjustment(result, intent.Adjustment{
				Kind: intent.AdjustConsumeInstead,
				Description: fmt.Sprintf(
					"Drop '%s', consume semantically equivalent '%s' from agent %s (stability %.2f): %s",
					c.mine.Name, c.theirs.Name, c.other.AgentID, c.stability, match.Reasoning),
				SourceIntentID: c.other.ID,
				Confidence:     match.Confidence,
			})
		case c.stability == myStability:
			r.addConflict(result, intent.ConflictReport{
				MyIntentID:    it.ID,
				TheirIntentID: c.other.ID,
				Description: fmt.Sprintf(
					"'%s' and '%s' are semantically equivalent: my stability %.2f vs their %.2f",
					c.mine.Name, c.theirs.Name, myStability, c.stability),
				TheirStability:       c.stability,
				ResolutionSuggestion: "Higher stability should provide; other should consume",
				Confidence:           match.Confidence,
				Kind:                 intent.ConflictProvision,
			})
		}
	}
	return nil
}

// propagateConstraint adopts an applicable constraint or reports a conflict
// when the resolving intent holds a contradictory one.
func (r *Resolver) propagateConstraint(result *intent.ResolutionResult, it, other *intent.Intent, c intent.Constraint, confidence, otherStability float64) {
	for _, mine := range it.Constraints {
		if mine.ConflictsWith(c) {
			r.addConflict(result, intent.ConflictReport{
				MyIntentID:           it.ID,
				TheirIntentID:        other.ID,
				Description:          fmt.Sprintf("Constraint conflict on '%s'", c.Target),
				TheirStability:       otherStability,
				ResolutionSuggestion: "Higher stability constraint should win",
				Confidence:           confidence,
				Kind:                 intent.ConflictConstraint,
				Severity:             c.Severity,
			})
			return
		}
	}

	result.AdoptedConstraints = append(result.AdoptedConstraints, c.Clone())
	r.addAdjustment(result, intent.Adjustment{
		Kind:           intent.AdjustAdoptConstraint,
		Description:    fmt.Sprintf("Adopt constraint: %s (%s)", c.Target, c.Requirement),
		SourceIntentID: other.ID,
		Confidence:     confidence,
	})
}

func (r *Resolver) addAdjustment(result *intent.ResolutionResult, adj intent.Adjustment) {
	result.Adjustments = append(result.Adjustments, adj)
	adjustmentsTotal.WithLabelValues(string(adj.Kind)).Inc()
}

func (r *Resolver) addConflict(result *intent.ResolutionResult, c intent.ConflictReport) {
	result.Conflicts = append(result.Conflicts, c)
	conflictsTotal.WithLabelValues(string(c.Kind)).Inc()
}
