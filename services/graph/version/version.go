// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package version adds snapshot, branch, and merge semantics on top of the
// resolver.
//
// Versioning rules, part of the formal contract:
//   - Snapshots are immutable captures of the full graph state.
//   - Branches are independent copies that evolve separately.
//   - Merging replays the branch's new intents into the target in timestamp
//     order, resolving each to detect conflicts.
//   - Content hashes verify that two graphs hold semantically identical
//     intent sets, independent of publish order.
package version

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/convergent/services/graph/backend"
	"github.com/AleutianAI/convergent/services/graph/contract"
	"github.com/AleutianAI/convergent/services/graph/intent"
	"github.com/AleutianAI/convergent/services/graph/resolver"
	"github.com/AleutianAI/convergent/services/graph/stability"
)

// BackendFactory creates a fresh, empty backend. Branching uses it to give
// every branch its own isolated store.
type BackendFactory func() backend.GraphBackend

// Snapshot is an immutable point-in-time capture of the graph.
//
// Two snapshots with the same content hash contain semantically identical
// intent sets, regardless of publish order.
type Snapshot struct {
	ID           string           `json:"snapshot_id"`
	Timestamp    time.Time        `json:"timestamp"`
	Intents      []*intent.Intent `json:"intents"`
	Version      int              `json:"version"`
	SourceBranch string           `json:"source_branch"`
}

// ContentHash returns the deterministic content hash of the snapshot.
func (s *Snapshot) ContentHash() string {
	return contract.HashIntents(s.Intents)
}

// Count returns the number of intents captured.
func (s *Snapshot) Count() int {
	return len(s.Intents)
}

// IntentIDs returns the set of captured intent IDs.
func (s *Snapshot) IntentIDs() map[string]bool {
	ids := make(map[string]bool, len(s.Intents))
	for _, it := range s.Intents {
		ids[it.ID] = true
	}
	return ids
}

// Rejection records an intent a merge refused to apply and why.
type Rejection struct {
	Intent *intent.Intent         `json:"intent"`
	Class  contract.ConflictClass `json:"class"`
	Reason string                 `json:"reason"`
}

// MergeResult reports what a merge applied and what it refused.
//
// Success is true exactly when nothing was rejected: hard failures and
// human escalations both fail the merge.
type MergeResult struct {
	Merged    []*intent.Intent           `json:"merged"`
	Conflicts []*intent.ResolutionResult `json:"conflicts"`
	Rejected  []Rejection                `json:"rejected"`
	Success   bool                       `json:"success"`
	Snapshot  *Snapshot                  `json:"snapshot,omitempty"`
}

// VersionedGraph wraps a resolver with snapshot/branch/merge capability.
// Each graph tracks its branch name and version history.
//
// Thread Safety: safe for concurrent use; version bookkeeping is guarded by
// a mutex, graph access inherits the backend's guarantees.
type VersionedGraph struct {
	branchName   string
	factory      BackendFactory
	backend      backend.GraphBackend
	resolver     *resolver.Resolver
	resolverOpts []resolver.Option
	policy       contract.Policy
	logger       *slog.Logger

	mu        sync.Mutex
	version   int
	snapshots []*Snapshot
}

// Option configures a VersionedGraph.
type Option func(*VersionedGraph)

// WithPolicy overrides the conflict classification policy.
func WithPolicy(p contract.Policy) Option {
	return func(g *VersionedGraph) { g.policy = p }
}

// WithResolverOptions forwards options to the underlying resolver, and to
// the resolvers of any branches created later.
func WithResolverOptions(opts ...resolver.Option) Option {
	return func(g *VersionedGraph) { g.resolverOpts = append(g.resolverOpts, opts...) }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *VersionedGraph) { g.logger = logger }
}

// New creates a versioned graph on a fresh backend from the factory.
//
// The resolver's stability floor defaults to zero here: versioning must see
// the whole graph, not just the stable part. Callers can still raise it via
// WithResolverOptions.
func New(branchName string, factory BackendFactory, opts ...Option) *VersionedGraph {
	g := &VersionedGraph{
		branchName: branchName,
		factory:    factory,
		policy:     contract.DefaultPolicy(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	resolverOpts := append([]resolver.Option{resolver.WithMinStability(0.0)}, g.resolverOpts...)
	g.backend = factory()
	g.resolver = resolver.New(g.backend, resolverOpts...)
	return g
}

// BranchName returns the branch this graph tracks.
func (g *VersionedGraph) BranchName() string {
	return g.branchName
}

// Version returns the current version counter.
func (g *VersionedGraph) Version() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.version
}

// Snapshots returns all snapshots taken on this branch.
func (g *VersionedGraph) Snapshots() []*Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*Snapshot(nil), g.snapshots...)
}

// Resolver exposes the underlying resolver for read-and-advise use.
func (g *VersionedGraph) Resolver() *resolver.Resolver {
	return g.resolver
}

// Publish validates the intent against the contract, then publishes it.
//
// All violations are returned together (joined), not just the first, so a
// caller sees everything wrong with a publish at once.
func (g *VersionedGraph) Publish(ctx context.Context, it *intent.Intent) (float64, error) {
	existing, err := g.allIntents(ctx)
	if err != nil {
		return 0, err
	}
	ids := make(map[string]bool, len(existing))
	for _, e := range existing {
		ids[e.ID] = true
	}

	if violations := contract.ValidatePublish(it, ids); len(violations) > 0 {
		errs := make([]error, len(violations))
		for i, v := range violations {
			errs[i] = v
		}
		return 0, fmt.Errorf("version: publish rejected: %w", errors.Join(errs...))
	}

	return g.resolver.Publish(ctx, it)
}

// Resolve resolves an intent against the current graph state.
func (g *VersionedGraph) Resolve(ctx context.Context, it *intent.Intent) (*intent.ResolutionResult, error) {
	return g.resolver.Resolve(ctx, it)
}

// SnapshotNow captures the current state as an immutable snapshot and
// advances the version counter.
func (g *VersionedGraph) SnapshotNow(ctx context.Context) (*Snapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.version++
	snap, err := g.capture(ctx, g.version)
	if err != nil {
		g.version--
		return nil, err
	}
	g.snapshots = append(g.snapshots, snap)
	return snap, nil
}

// capture builds a snapshot of the current backend state. Intents are
// cloned so later evidence growth cannot mutate the capture.
func (g *VersionedGraph) capture(ctx context.Context, version int) (*Snapshot, error) {
	intents, err := g.allIntents(ctx)
	if err != nil {
		return nil, err
	}
	cloned := make([]*intent.Intent, len(intents))
	for i, it := range intents {
		cloned[i] = it.Clone()
	}
	return &Snapshot{
		ID:           uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Intents:      cloned,
		Version:      version,
		SourceBranch: g.branchName,
	}, nil
}

// Intents returns the graph's intents at or above the stability floor.
func (g *VersionedGraph) Intents(ctx context.Context, minStability float64) ([]*intent.Intent, error) {
	all, err := g.backend.QueryAll(ctx, minStability)
	if err != nil {
		return nil, fmt.Errorf("version: querying graph: %w", err)
	}
	return all, nil
}

// ContentHash returns the deterministic hash of the current graph state.
func (g *VersionedGraph) ContentHash(ctx context.Context) (string, error) {
	intents, err := g.allIntents(ctx)
	if err != nil {
		return "", err
	}
	return contract.HashIntents(intents), nil
}

// Branch creates an independent copy of the current state under a new name.
// Changes on the branch do not affect this graph until merged back.
func (g *VersionedGraph) Branch(ctx context.Context, name string) (*VersionedGraph, error) {
	intents, err := g.allIntents(ctx)
	if err != nil {
		return nil, err
	}

	branch := New(name, g.factory,
		WithPolicy(g.policy),
		WithResolverOptions(g.resolverOpts...),
		WithLogger(g.logger),
	)
	for _, it := range intents {
		if _, err := branch.resolver.Publish(ctx, it.Clone()); err != nil {
			return nil, fmt.Errorf("version: copying intent %s to branch %q: %w", it.ID, name, err)
		}
	}

	g.mu.Lock()
	branch.version = g.version
	g.mu.Unlock()

	g.logger.Info("Created branch",
		slog.String("from", g.branchName),
		slog.String("branch", name),
		slog.Int("intents", len(intents)),
	)
	return branch, nil
}

// Merge replays another branch's new intents into this graph.
//
// Description:
//
//	Intents present in other but not here are replayed in timestamp order,
//	each resolved against this graph's evolving state. Every conflict is
//	classified under the policy: hard failures and human escalations reject
//	the intent (it is not applied) and fail the merge. Auto-resolvable
//	conflicts merge anyway; the resolution result records the advice.
//	On success the merged state is snapshotted.
//
// Outputs:
//   - *MergeResult: what merged, what was rejected, and why.
//   - error: Non-nil only on backend failure; merge conflicts are reported
//     in the result, not as errors.
func (g *VersionedGraph) Merge(ctx context.Context, other *VersionedGraph) (*MergeResult, error) {
	ctx, span := otel.Tracer("convergent/version").Start(ctx, "version.Merge",
		trace.WithAttributes(
			attribute.String("merge.from", other.branchName),
			attribute.String("merge.into", g.branchName),
		))
	defer span.End()

	mine, err := g.allIntents(ctx)
	if err != nil {
		return nil, err
	}
	myIDs := make(map[string]bool, len(mine))
	for _, it := range mine {
		myIDs[it.ID] = true
	}

	theirs, err := other.allIntents(ctx)
	if err != nil {
		return nil, err
	}

	var incoming []*intent.Intent
	for _, it := range theirs {
		if !myIDs[it.ID] {
			incoming = append(incoming, it)
		}
	}
	// Causal replay order.
	sort.Slice(incoming, func(i, j int) bool {
		return incoming[i].Timestamp.Before(incoming[j].Timestamp)
	})

	result := &MergeResult{Success: true}

	for _, it := range incoming {
		resolution, err := g.resolver.Resolve(ctx, it)
		if err != nil {
			return nil, fmt.Errorf("version: resolving %s during merge: %w", it.ID, err)
		}

		blocked := false
		if !resolution.IsClean() {
			result.Conflicts = append(result.Conflicts, resolution)
			myStability := stability.Score(it.Evidence)
			for _, c := range resolution.Conflicts {
				class := g.policy.Classify(c, myStability)
				if class == contract.ClassHardFail || class == contract.ClassHumanEscalation {
					blocked = true
					result.Success = false
					result.Rejected = append(result.Rejected, Rejection{
						Intent: it,
						Class:  class,
						Reason: c.Description,
					})
				}
			}
		}
		if blocked {
			continue
		}

		if _, err := g.resolver.Publish(ctx, it.Clone()); err != nil {
			return nil, fmt.Errorf("version: applying %s during merge: %w", it.ID, err)
		}
		result.Merged = append(result.Merged, it)
	}

	if result.Success {
		g.mu.Lock()
		g.version++
		snap, err := g.capture(ctx, g.version)
		if err != nil {
			g.version--
			g.mu.Unlock()
			return nil, err
		}
		g.snapshots = append(g.snapshots, snap)
		g.mu.Unlock()
		result.Snapshot = snap
	}

	span.SetAttributes(
		attribute.Int("merge.merged", len(result.Merged)),
		attribute.Int("merge.rejected", len(result.Rejected)),
		attribute.Bool("merge.success", result.Success),
	)
	g.logger.Info("Merged branch",
		slog.String("from", other.branchName),
		slog.String("into", g.branchName),
		slog.Int("merged", len(result.Merged)),
		slog.Int("rejected", len(result.Rejected)),
		slog.Bool("success", result.Success),
	)
	return result, nil
}

// allIntents returns every intent in the graph, stability floor zero.
func (g *VersionedGraph) allIntents(ctx context.Context) ([]*intent.Intent, error) {
	all, err := g.backend.QueryAll(ctx, 0.0)
	if err != nil {
		return nil, fmt.Errorf("version: querying graph: %w", err)
	}
	return all, nil
}
