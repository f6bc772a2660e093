// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph is the HTTP service surface of the coordination engine.
//
// It wires the versioned intent graph, the conflict resolver, the audit
// trail, and the replay log behind a Gin API, so agent processes coordinate
// over HTTP instead of linking the engine directly.
package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/convergent/services/graph/backend"
	"github.com/AleutianAI/convergent/services/graph/config"
	"github.com/AleutianAI/convergent/services/graph/contract"
	"github.com/AleutianAI/convergent/services/graph/cycles"
	"github.com/AleutianAI/convergent/services/graph/events"
	"github.com/AleutianAI/convergent/services/graph/intent"
	"github.com/AleutianAI/convergent/services/graph/replay"
	"github.com/AleutianAI/convergent/services/graph/resolver"
	"github.com/AleutianAI/convergent/services/graph/semantic"
	"github.com/AleutianAI/convergent/services/graph/stability"
	badgerstore "github.com/AleutianAI/convergent/services/graph/storage/badger"
	"github.com/AleutianAI/convergent/services/graph/version"
)

// ErrUnknownBranch is returned when a request names a branch the service
// does not track.
var ErrUnknownBranch = errors.New("unknown branch")

// ErrNoMatcher is returned by operations that need a semantic matcher when
// none is configured.
var ErrNoMatcher = errors.New("semantic matcher not configured")

// Service owns the branches of the intent graph and the supporting
// infrastructure around them.
//
// The primary branch lives on the configured storage (BadgerDB when a path
// is set, memory otherwise). Branches created at runtime are always
// in-memory: they are working copies whose outcome is either merged back or
// discarded.
//
// Thread Safety: safe for concurrent use.
type Service struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *badger.DB

	events    *events.Log
	snapshots *badgerstore.SnapshotStore
	replayLog *replay.Log
	matcher   semantic.Matcher

	mu       sync.RWMutex
	branches map[string]*version.VersionedGraph
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// WithDB attaches an opened BadgerDB. The primary branch, the audit trail,
// and snapshot persistence all use it. The caller owns the DB lifecycle.
func WithDB(db *badger.DB) ServiceOption {
	return func(s *Service) { s.db = db }
}

// WithMatcher attaches a semantic matcher to every branch's resolver.
func WithMatcher(m semantic.Matcher) ServiceOption {
	return func(s *Service) { s.matcher = m }
}

// NewService builds the service from configuration.
func NewService(cfg *config.Config, opts ...ServiceOption) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	s := &Service{
		cfg:       cfg,
		logger:    slog.Default(),
		replayLog: replay.NewLog(),
		branches:  make(map[string]*version.VersionedGraph),
	}
	for _, opt := range opts {
		opt(s)
	}

	stability.Configure(cfg.Stability.Weights())

	resolverOpts := []resolver.Option{
		resolver.WithMinStability(cfg.Resolver.MinStability),
		resolver.WithSemanticConfidenceThreshold(cfg.Resolver.SemanticConfidenceThreshold),
		resolver.WithLogger(s.logger),
	}
	if s.matcher != nil {
		resolverOpts = append(resolverOpts, resolver.WithSemanticMatcher(s.matcher))
	}

	factory := version.BackendFactory(func() backend.GraphBackend {
		return backend.NewMemoryBackend()
	})

	if s.db != nil {
		store, err := badgerstore.NewStore(s.db, s.logger)
		if err != nil {
			return nil, fmt.Errorf("creating intent store: %w", err)
		}
		// The first backend the factory hands out is the persistent store;
		// that one goes to the primary branch built just below. Branches
		// created later get memory backends.
		var once sync.Once
		persistent := backend.GraphBackend(store)
		factory = func() backend.GraphBackend {
			var b backend.GraphBackend
			once.Do(func() { b = persistent })
			if b != nil {
				return b
			}
			return backend.NewMemoryBackend()
		}

		log, err := events.NewLog(s.db, s.logger)
		if err != nil {
			return nil, fmt.Errorf("creating event log: %w", err)
		}
		s.events = log
		resolverOpts = append(resolverOpts, resolver.WithListeners(events.NewRecorder(log, s.logger)))

		snaps, err := badgerstore.NewSnapshotStore(s.db, s.logger)
		if err != nil {
			return nil, fmt.Errorf("creating snapshot store: %w", err)
		}
		s.snapshots = snaps
	}

	main := version.New(cfg.Graph.Branch, factory,
		version.WithPolicy(contract.Policy{TieEpsilon: cfg.Contract.TieEpsilon}),
		version.WithResolverOptions(resolverOpts...),
		version.WithLogger(s.logger),
	)
	s.branches[cfg.Graph.Branch] = main

	return s, nil
}

// MainBranch returns the primary branch name.
func (s *Service) MainBranch() string {
	return s.cfg.Graph.Branch
}

// Graph returns the named branch. An empty name means the primary branch.
func (s *Service) Graph(branch string) (*version.VersionedGraph, error) {
	if branch == "" {
		branch = s.cfg.Graph.Branch
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.branches[branch]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownBranch, branch)
	}
	return g, nil
}

// BranchNames returns all branch names, sorted.
func (s *Service) BranchNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.branches))
	for name := range s.branches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Publish validates and publishes an intent on a branch. Operations on the
// primary branch are recorded for replay.
func (s *Service) Publish(ctx context.Context, branch string, it *intent.Intent) (float64, error) {
	g, err := s.Graph(branch)
	if err != nil {
		return 0, err
	}
	score, err := g.Publish(ctx, it)
	if err != nil {
		return 0, err
	}
	if g.BranchName() == s.cfg.Graph.Branch {
		s.replayLog.RecordPublish(it)
	}
	return score, nil
}

// Resolve resolves an intent against a branch without publishing it.
func (s *Service) Resolve(ctx context.Context, branch string, it *intent.Intent) (*intent.ResolutionResult, error) {
	g, err := s.Graph(branch)
	if err != nil {
		return nil, err
	}
	result, err := g.Resolve(ctx, it)
	if err != nil {
		return nil, err
	}
	if g.BranchName() == s.cfg.Graph.Branch {
		s.replayLog.RecordResolve(it, result)
	}
	return result, nil
}

// Query returns a branch's intents at or above the stability floor,
// optionally filtered to one agent.
func (s *Service) Query(ctx context.Context, branch, agentID string, minStability float64) ([]*intent.Intent, error) {
	g, err := s.Graph(branch)
	if err != nil {
		return nil, err
	}
	intents, err := g.Intents(ctx, minStability)
	if err != nil {
		return nil, err
	}
	if agentID == "" {
		return intents, nil
	}
	var out []*intent.Intent
	for _, it := range intents {
		if it.AgentID == agentID {
			out = append(out, it)
		}
	}
	return out, nil
}

// AddEvidence appends evidence to a published intent and returns the new
// stability. On a persistent backend the intent is republished so the
// evidence reaches disk.
func (s *Service) AddEvidence(ctx context.Context, branch, intentID string, ev intent.Evidence) (float64, error) {
	g, err := s.Graph(branch)
	if err != nil {
		return 0, err
	}
	intents, err := g.Intents(ctx, 0.0)
	if err != nil {
		return 0, err
	}
	for _, it := range intents {
		if it.ID == intentID {
			it.AddEvidence(ev)
			score, err := g.Resolver().Publish(ctx, it)
			if err != nil {
				return 0, err
			}
			// Republishing with the grown evidence list keeps the replay
			// log's final state equal to the live graph's.
			if g.BranchName() == s.cfg.Graph.Branch {
				s.replayLog.RecordPublish(it)
			}
			return score, nil
		}
	}
	return 0, fmt.Errorf("intent %s not found on branch %q", intentID, g.BranchName())
}

// Cycles returns the circular requirement chains on a branch.
func (s *Service) Cycles(ctx context.Context, branch string) ([]cycles.Cycle, error) {
	intents, err := s.Query(ctx, branch, "", 0.0)
	if err != nil {
		return nil, err
	}
	return cycles.FindCycles(intents), nil
}

// Order returns a dependency-first intent ordering for a branch. Returns
// cycles.ErrCyclic when the graph has circular requirements.
func (s *Service) Order(ctx context.Context, branch string) ([]string, error) {
	intents, err := s.Query(ctx, branch, "", 0.0)
	if err != nil {
		return nil, err
	}
	return cycles.TopologicalOrder(intents)
}

// Hash returns a branch's order-invariant content hash.
func (s *Service) Hash(ctx context.Context, branch string) (string, error) {
	g, err := s.Graph(branch)
	if err != nil {
		return "", err
	}
	return g.ContentHash(ctx)
}

// Snapshot captures a branch's state. With persistence configured, the
// snapshot is also written to BadgerDB.
func (s *Service) Snapshot(ctx context.Context, branch string) (*version.Snapshot, error) {
	g, err := s.Graph(branch)
	if err != nil {
		return nil, err
	}
	snap, err := g.SnapshotNow(ctx)
	if err != nil {
		return nil, err
	}
	s.persistSnapshot(ctx, snap)
	return snap, nil
}

// persistSnapshot writes a snapshot to the snapshot store when one is
// configured. Persistence failures are logged, not propagated: the
// in-memory snapshot already succeeded.
func (s *Service) persistSnapshot(ctx context.Context, snap *version.Snapshot) {
	if s.snapshots == nil || snap == nil {
		return
	}
	if _, err := s.snapshots.Save(ctx, snap); err != nil {
		s.logger.Error("Failed to persist snapshot",
			slog.String("snapshot_id", snap.ID),
			slog.Any("error", err),
		)
	}
}

// CreateBranch forks the primary branch under a new name.
func (s *Service) CreateBranch(ctx context.Context, name string) (*version.VersionedGraph, error) {
	if name == "" {
		return nil, fmt.Errorf("branch name must not be empty")
	}
	main, err := s.Graph("")
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.branches[name]; exists {
		return nil, fmt.Errorf("branch %q already exists", name)
	}
	branch, err := main.Branch(ctx, name)
	if err != nil {
		return nil, err
	}
	s.branches[name] = branch
	return branch, nil
}

// MergeBranch merges a branch back into the primary branch. On success the
// branch is removed and the merge snapshot persisted.
func (s *Service) MergeBranch(ctx context.Context, name string) (*version.MergeResult, error) {
	if name == s.cfg.Graph.Branch {
		return nil, fmt.Errorf("cannot merge branch %q into itself", name)
	}
	main, err := s.Graph("")
	if err != nil {
		return nil, err
	}
	branch, err := s.Graph(name)
	if err != nil {
		return nil, err
	}

	result, err := main.Merge(ctx, branch)
	if err != nil {
		return nil, err
	}
	s.recordEscalations(ctx, result)
	if result.Success {
		s.persistSnapshot(ctx, result.Snapshot)
		s.mu.Lock()
		delete(s.branches, name)
		s.mu.Unlock()
	}
	return result, nil
}

// Trajectory predicts an agent's likely next intents from its published
// history on a branch. Requires a semantic matcher.
func (s *Service) Trajectory(ctx context.Context, branch, agentID string) (semantic.TrajectoryPrediction, error) {
	history, err := s.Query(ctx, branch, agentID, 0.0)
	if err != nil {
		return semantic.TrajectoryPrediction{}, err
	}
	if s.matcher == nil {
		return semantic.TrajectoryPrediction{}, ErrNoMatcher
	}
	return s.matcher.PredictTrajectory(ctx, history), nil
}

// recordEscalations appends an escalation event for every merge rejection
// that needs a human decision. Trail failures are logged, not propagated:
// the merge outcome already stands.
func (s *Service) recordEscalations(ctx context.Context, result *version.MergeResult) {
	if s.events == nil {
		return
	}
	for _, rej := range result.Rejected {
		if rej.Class != contract.ClassHumanEscalation {
			continue
		}
		ev := &events.Event{
			Type:     events.EventEscalationTriggered,
			AgentID:  rej.Intent.AgentID,
			IntentID: rej.Intent.ID,
		}
		if err := s.events.Append(ctx, ev); err != nil {
			s.logger.Error("Failed to record escalation event",
				slog.String("intent_id", rej.Intent.ID),
				slog.Any("error", err),
			)
		}
	}
}

// Replay re-executes the primary branch's recorded operations on a fresh
// in-memory graph and reports whether they reproduce.
func (s *Service) Replay(ctx context.Context) (*replay.Result, error) {
	opts := []resolver.Option{
		resolver.WithMinStability(s.cfg.Resolver.MinStability),
		resolver.WithSemanticConfidenceThreshold(s.cfg.Resolver.SemanticConfidenceThreshold),
	}
	if s.matcher != nil {
		opts = append(opts, resolver.WithSemanticMatcher(s.matcher))
	}
	return s.replayLog.Replay(ctx, nil, opts...)
}

// Events queries the audit trail. Requires persistence to be configured.
func (s *Service) Events(ctx context.Context, f events.Filter) ([]*events.Event, error) {
	if s.events == nil {
		return nil, fmt.Errorf("audit trail requires persistent storage")
	}
	return s.events.Query(ctx, f)
}

// SnapshotHistory lists persisted snapshot metadata for a branch. Requires
// persistence to be configured.
func (s *Service) SnapshotHistory(ctx context.Context, branch string, limit int) ([]*badgerstore.SnapshotMetadata, error) {
	if s.snapshots == nil {
		return nil, fmt.Errorf("snapshot history requires persistent storage")
	}
	return s.snapshots.List(ctx, branch, limit)
}
