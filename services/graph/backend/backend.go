// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package backend defines the storage contract the coordination engine
// depends on, plus the in-memory reference implementation.
//
// The Resolver and VersionedGraph depend only on the GraphBackend
// interface, never a concrete store, so test doubles and production stores
// are interchangeable without code changes.
package backend

import (
	"context"

	"github.com/AleutianAI/convergent/services/graph/intent"
)

// GraphBackend is the storage contract for the shared intent graph.
//
// The backend exclusively owns the canonical intent collection. All
// stability values it reports are recomputed from evidence at call time.
//
// Concurrency: implementations must serialize writes (one commit per
// Publish). Reads under concurrent mutation reflect whatever consistent
// view the store exposes at call time.
type GraphBackend interface {
	// Publish appends an intent to the graph and returns its computed
	// stability. Publish does not validate contract invariants; that is
	// the VersionedGraph's job.
	Publish(ctx context.Context, it *intent.Intent) (float64, error)

	// QueryAll returns every intent whose stability is >= minStability.
	QueryAll(ctx context.Context, minStability float64) ([]*intent.Intent, error)

	// QueryByAgent returns every intent published by the given agent.
	QueryByAgent(ctx context.Context, agentID string) ([]*intent.Intent, error)

	// FindOverlapping returns intents owned by a different agent, at or
	// above the stability floor, where at least one of their specs
	// structurally overlaps one of the given specs.
	FindOverlapping(ctx context.Context, specs []intent.InterfaceSpec, excludeAgent string, minStability float64) ([]*intent.Intent, error)

	// Count returns the total number of intents in the graph.
	Count(ctx context.Context) (int, error)
}
