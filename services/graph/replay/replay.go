// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package replay proves the contract's core guarantee: same intents plus
// same policy yields the same resolved state.
//
// A Log records publish and resolve operations in order. Replay re-executes
// them against a fresh graph and verifies that the final content hash and
// every resolution outcome match the original run. Any divergence is
// reported field by field, so a nondeterminism bug points at the exact
// operation and aspect that drifted.
package replay

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/convergent/services/graph/backend"
	"github.com/AleutianAI/convergent/services/graph/contract"
	"github.com/AleutianAI/convergent/services/graph/intent"
	"github.com/AleutianAI/convergent/services/graph/resolver"
)

// OperationType identifies a recorded operation.
type OperationType string

// The recorded operation types.
const (
	OpPublish OperationType = "publish"
	OpResolve OperationType = "resolve"
)

// Entry is a single recorded operation. Intents and results are deep
// copies taken at record time, so later evidence growth on the originals
// cannot alter the log.
type Entry struct {
	Operation OperationType            `json:"operation"`
	Intent    *intent.Intent           `json:"intent"`
	Timestamp time.Time                `json:"timestamp"`
	Result    *intent.ResolutionResult `json:"result,omitempty"`
}

// Log is an ordered record of graph operations for deterministic replay.
//
// Thread Safety: safe for concurrent recording.
type Log struct {
	mu      sync.Mutex
	entries []Entry
}

// NewLog creates an empty replay log.
func NewLog() *Log {
	return &Log{}
}

// RecordPublish records a publish operation.
func (l *Log) RecordPublish(it *intent.Intent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, Entry{
		Operation: OpPublish,
		Intent:    it.Clone(),
		Timestamp: time.Now().UTC(),
	})
}

// RecordResolve records a resolve operation and its original result.
func (l *Log) RecordResolve(it *intent.Intent, result *intent.ResolutionResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, Entry{
		Operation: OpResolve,
		Intent:    it.Clone(),
		Timestamp: time.Now().UTC(),
		Result:    result.Clone(),
	})
}

// Entries returns a copy of the recorded operations, in order.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

// Len returns the number of recorded operations.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Mismatch pinpoints one divergence between an original resolution and its
// replay.
type Mismatch struct {
	// ResolveIndex is the position of the resolve operation among the
	// log's resolve entries (zero-based).
	ResolveIndex int `json:"resolve_index"`

	// Field names the diverging aspect: adjustments, conflicts, or
	// adopted_constraints.
	Field string `json:"field"`

	// Original and Replayed describe the two sides of the divergence.
	Original string `json:"original"`
	Replayed string `json:"replayed"`
}

// Result is the outcome of replaying a log against a fresh graph.
//
// Deterministic is the key property: true when every replayed resolution
// matched its original.
type Result struct {
	FinalContentHash        string           `json:"final_content_hash"`
	ReplayedIntentCount     int              `json:"replayed_intent_count"`
	ReplayedResolutionCount int              `json:"replayed_resolution_count"`
	Mismatches              []Mismatch       `json:"mismatches,omitempty"`
	Deterministic           bool             `json:"deterministic"`
	FinalIntents            []*intent.Intent `json:"final_intents"`
}

// Replay re-executes all recorded operations against a fresh graph.
//
// Description:
//
//	Builds an empty backend from the factory (in-memory when nil) and a
//	resolver with a zero stability floor, then replays the log in order.
//	Each replayed resolution is compared against the recorded original:
//	the adjustment multiset (kind plus source intent), the conflict count,
//	and the adopted-constraint count must all match.
//
// Inputs:
//   - ctx: Context for cancellation.
//   - factory: Creates the fresh backend. Nil means in-memory.
//   - opts: Resolver options; pass the original session's options to
//     replay under the same configuration.
//
// Outputs:
//   - *Result: The final hash, per-resolution verdicts, and any
//     mismatches.
//   - error: Non-nil only on backend failure.
func (l *Log) Replay(ctx context.Context, factory func() backend.GraphBackend, opts ...resolver.Option) (*Result, error) {
	ctx, span := otel.Tracer("convergent/replay").Start(ctx, "replay.Replay",
		trace.WithAttributes(attribute.Int("replay.entries", l.Len())))
	defer span.End()

	if factory == nil {
		factory = func() backend.GraphBackend { return backend.NewMemoryBackend() }
	}
	b := factory()
	resolverOpts := append([]resolver.Option{resolver.WithMinStability(0.0)}, opts...)
	r := resolver.New(b, resolverOpts...)

	result := &Result{Deterministic: true}
	resolveIndex := 0

	for _, entry := range l.Entries() {
		switch entry.Operation {
		case OpPublish:
			if _, err := r.Publish(ctx, entry.Intent.Clone()); err != nil {
				return nil, fmt.Errorf("replay: publishing %s: %w", entry.Intent.ID, err)
			}
			result.ReplayedIntentCount++

		case OpResolve:
			replayed, err := r.Resolve(ctx, entry.Intent.Clone())
			if err != nil {
				return nil, fmt.Errorf("replay: resolving %s: %w", entry.Intent.ID, err)
			}
			result.ReplayedResolutionCount++
			result.Mismatches = append(result.Mismatches,
				compareResolutions(resolveIndex, entry.Result, replayed)...)
			resolveIndex++
		}
	}

	final, err := b.QueryAll(ctx, 0.0)
	if err != nil {
		return nil, fmt.Errorf("replay: reading final state: %w", err)
	}
	result.FinalIntents = final
	result.FinalContentHash = contract.HashIntents(final)
	result.Deterministic = len(result.Mismatches) == 0
	span.SetAttributes(attribute.Bool("replay.deterministic", result.Deterministic))
	return result, nil
}

// compareResolutions reports every field where a replayed resolution
// diverges from the recorded original. A nil original (publish-only log)
// matches anything.
func compareResolutions(index int, original, replayed *intent.ResolutionResult) []Mismatch {
	if original == nil {
		return nil
	}

	var mismatches []Mismatch

	origKeys := adjustmentKeys(original.Adjustments)
	replKeys := adjustmentKeys(replayed.Adjustments)
	if !equalStrings(origKeys, replKeys) {
		mismatches = append(mismatches, Mismatch{
			ResolveIndex: index,
			Field:        "adjustments",
			Original:     fmt.Sprintf("%v", origKeys),
			Replayed:     fmt.Sprintf("%v", replKeys),
		})
	}

	if len(original.Conflicts) != len(replayed.Conflicts) {
		mismatches = append(mismatches, Mismatch{
			ResolveIndex: index,
			Field:        "conflicts",
			Original:     fmt.Sprintf("%d conflicts", len(original.Conflicts)),
			Replayed:     fmt.Sprintf("%d conflicts", len(replayed.Conflicts)),
		})
	}

	if len(original.AdoptedConstraints) != len(replayed.AdoptedConstraints) {
		mismatches = append(mismatches, Mismatch{
			ResolveIndex: index,
			Field:        "adopted_constraints",
			Original:     fmt.Sprintf("%d adopted", len(original.AdoptedConstraints)),
			Replayed:     fmt.Sprintf("%d adopted", len(replayed.AdoptedConstraints)),
		})
	}

	return mismatches
}

// adjustmentKeys reduces adjustments to a sorted multiset of
// kind-plus-source keys. Descriptions carry formatted stability values and
// are deliberately excluded from the comparison.
func adjustmentKeys(adjustments []intent.Adjustment) []string {
	keys := make([]string, len(adjustments))
	for i, adj := range adjustments {
		keys[i] = string(adj.Kind) + "|" + adj.SourceIntentID
	}
	sort.Strings(keys)
	return keys
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
