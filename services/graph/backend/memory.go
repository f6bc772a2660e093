// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package backend

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/AleutianAI/convergent/services/graph/intent"
	"github.com/AleutianAI/convergent/services/graph/stability"
)

// MemoryBackend is an in-memory GraphBackend guarded by a read-write mutex.
//
// Thread Safety: all methods are safe for concurrent use. Writes take the
// write lock; reads take the read lock.
//
// Overlap queries do a full scan. Name overlap is prefix- and
// containment-based, which an exact-match index cannot answer; at the scale
// of a coordination session (hundreds of intents) the scan is cheaper than
// maintaining a token index.
type MemoryBackend struct {
	mu      sync.RWMutex
	byID    map[string]*intent.Intent
	byAgent map[string][]string
	order   []string
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		byID:    make(map[string]*intent.Intent),
		byAgent: make(map[string][]string),
	}
}

// Publish appends the intent and returns its computed stability.
//
// The intent is stored by reference: evidence appended by the caller after
// publish is visible to later queries, which is what keeps stability fresh.
func (m *MemoryBackend) Publish(ctx context.Context, it *intent.Intent) (float64, error) {
	if it == nil {
		return 0, fmt.Errorf("publish: nil intent")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byID[it.ID]; !exists {
		m.order = append(m.order, it.ID)
		m.byAgent[it.AgentID] = append(m.byAgent[it.AgentID], it.ID)
	}
	m.byID[it.ID] = it

	return stability.Score(it.Evidence), nil
}

// QueryAll returns intents at or above the stability floor, in publish order.
func (m *MemoryBackend) QueryAll(ctx context.Context, minStability float64) ([]*intent.Intent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*intent.Intent
	for _, id := range m.order {
		it := m.byID[id]
		if stability.Score(it.Evidence) >= minStability {
			out = append(out, it)
		}
	}
	return out, nil
}

// QueryByAgent returns the agent's intents in publish order.
func (m *MemoryBackend) QueryByAgent(ctx context.Context, agentID string) ([]*intent.Intent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.byAgent[agentID]
	out := make([]*intent.Intent, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.byID[id])
	}
	return out, nil
}

// FindOverlapping scans for other agents' intents whose specs structurally
// overlap any of the given specs, filtered by the stability floor. Results
// are sorted by intent ID so resolution passes see a deterministic order.
func (m *MemoryBackend) FindOverlapping(ctx context.Context, specs []intent.InterfaceSpec, excludeAgent string, minStability float64) ([]*intent.Intent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*intent.Intent
	for _, id := range m.order {
		it := m.byID[id]
		if it.AgentID == excludeAgent {
			continue
		}
		if stability.Score(it.Evidence) < minStability {
			continue
		}
		if specsOverlap(specs, it.Specs()) {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Count returns the number of stored intents.
func (m *MemoryBackend) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID), nil
}

// specsOverlap reports whether any spec in a structurally overlaps any in b.
func specsOverlap(a, b []intent.InterfaceSpec) bool {
	for _, sa := range a {
		for _, sb := range b {
			if sa.StructurallyOverlaps(sb) {
				return true
			}
		}
	}
	return false
}
