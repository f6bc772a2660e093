// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package contract

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"

	"github.com/AleutianAI/convergent/services/graph/intent"
	"github.com/AleutianAI/convergent/services/graph/stability"
)

// Canonical hash forms. Fields are emitted through maps so encoding/json
// sorts keys, giving a stable byte form regardless of struct declaration
// order. Timestamps are excluded everywhere: they vary between replays and
// must not affect the hash.

func canonicalSpec(s intent.InterfaceSpec) map[string]any {
	tags := append([]string(nil), s.Tags...)
	sort.Strings(tags)
	return map[string]any{
		"name":        s.Name,
		"kind":        string(s.Kind),
		"signature":   s.Signature,
		"module_path": s.ModulePath,
		"tags":        tags,
	}
}

func canonicalConstraint(c intent.Constraint) map[string]any {
	tags := append([]string(nil), c.AffectsTags...)
	sort.Strings(tags)
	return map[string]any{
		"target":       c.Target,
		"requirement":  c.Requirement,
		"severity":     string(c.Severity),
		"affects_tags": tags,
	}
}

func canonicalEvidence(e intent.Evidence) map[string]any {
	return map[string]any{
		"kind":        string(e.Kind),
		"description": e.Description,
	}
}

// HashIntent computes the deterministic content hash of an intent.
//
// The hash covers every semantically meaningful field (id, agent,
// description, provides/requires with sorted tags, constraints, the
// recomputed stability, and evidence kinds and descriptions) and excludes
// all timestamps.
func HashIntent(it *intent.Intent) string {
	provides := make([]map[string]any, len(it.Provides))
	for i, s := range it.Provides {
		provides[i] = canonicalSpec(s)
	}
	requires := make([]map[string]any, len(it.Requires))
	for i, s := range it.Requires {
		requires[i] = canonicalSpec(s)
	}
	constraints := make([]map[string]any, len(it.Constraints))
	for i, c := range it.Constraints {
		constraints[i] = canonicalConstraint(c)
	}
	evidence := make([]map[string]any, len(it.Evidence))
	for i, e := range it.Evidence {
		evidence[i] = canonicalEvidence(e)
	}

	canonical := map[string]any{
		"id":          it.ID,
		"agent_id":    it.AgentID,
		"intent":      it.Description,
		"provides":    provides,
		"requires":    requires,
		"constraints": constraints,
		"stability":   stability.Score(it.Evidence),
		"evidence":    evidence,
		"parent_id":   it.ParentID,
	}

	raw, err := json.Marshal(canonical)
	if err != nil {
		// Maps of strings, floats, and string slices cannot fail to
		// marshal; treat it as unreachable rather than plumbing an error
		// through every hash call site.
		panic("contract: canonical intent form failed to marshal: " + err.Error())
	}

	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// HashIntents computes a deterministic hash over a set of intents.
//
// Per-intent hashes are sorted before combining, so the result is invariant
// under permutation of the input list. This is the equality check behind
// replay verification and merge round-trip tests.
func HashIntents(intents []*intent.Intent) string {
	hashes := make([]string, len(intents))
	for i, it := range intents {
		hashes[i] = HashIntent(it)
	}
	sort.Strings(hashes)

	sum := sha256.Sum256([]byte(strings.Join(hashes, "|")))
	return hex.EncodeToString(sum[:])
}
