// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"fmt"
	"time"

	"github.com/AleutianAI/convergent/services/graph/intent"
)

// ErrorResponse is the uniform error body for all endpoints.
type ErrorResponse struct {
	// Error is the human-readable message.
	Error string `json:"error"`

	// Code is a stable machine-readable error code.
	Code string `json:"code"`
}

// InterfaceSpecPayload is the wire form of an InterfaceSpec.
type InterfaceSpecPayload struct {
	Name       string   `json:"name"`
	Kind       string   `json:"kind"`
	Signature  string   `json:"signature,omitempty"`
	ModulePath string   `json:"module_path,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

// ConstraintPayload is the wire form of a Constraint.
type ConstraintPayload struct {
	Target      string   `json:"target"`
	Requirement string   `json:"requirement"`
	Severity    string   `json:"severity"`
	AffectsTags []string `json:"affects_tags,omitempty"`
}

// EvidencePayload is the wire form of a piece of Evidence.
type EvidencePayload struct {
	Kind        string `json:"kind"`
	Description string `json:"description"`
}

// IntentPayload is the wire form of an intent, used by both publish and
// resolve requests.
type IntentPayload struct {
	// ID is optional; when empty a UUID is generated.
	ID string `json:"id,omitempty"`

	AgentID     string                 `json:"agent_id"`
	Intent      string                 `json:"intent"`
	Provides    []InterfaceSpecPayload `json:"provides,omitempty"`
	Requires    []InterfaceSpecPayload `json:"requires,omitempty"`
	Constraints []ConstraintPayload    `json:"constraints,omitempty"`
	Evidence    []EvidencePayload      `json:"evidence,omitempty"`
	ParentID    string                 `json:"parent_id,omitempty"`
}

// ToIntent converts the payload into a domain intent, validating the closed
// enum fields.
func (p *IntentPayload) ToIntent() (*intent.Intent, error) {
	var provides, requires []intent.InterfaceSpec
	for i, spec := range p.Provides {
		converted, err := spec.toSpec()
		if err != nil {
			return nil, fmt.Errorf("provides[%d]: %w", i, err)
		}
		provides = append(provides, converted)
	}
	for i, spec := range p.Requires {
		converted, err := spec.toSpec()
		if err != nil {
			return nil, fmt.Errorf("requires[%d]: %w", i, err)
		}
		requires = append(requires, converted)
	}

	var constraints []intent.Constraint
	for i, c := range p.Constraints {
		severity := intent.ConstraintSeverity(c.Severity)
		if !severity.Valid() {
			return nil, fmt.Errorf("constraints[%d]: unknown severity %q", i, c.Severity)
		}
		constraints = append(constraints, intent.Constraint{
			Target:      c.Target,
			Requirement: c.Requirement,
			Severity:    severity,
			AffectsTags: c.AffectsTags,
		})
	}

	var evidence []intent.Evidence
	for i, ev := range p.Evidence {
		kind := intent.EvidenceKind(ev.Kind)
		if !kind.Valid() {
			return nil, fmt.Errorf("evidence[%d]: unknown kind %q", i, ev.Kind)
		}
		evidence = append(evidence, intent.Evidence{
			Kind:        kind,
			Description: ev.Description,
			Timestamp:   time.Now().UTC(),
		})
	}

	opts := []intent.Option{
		intent.WithProvides(provides...),
		intent.WithRequires(requires...),
		intent.WithConstraints(constraints...),
		intent.WithEvidence(evidence...),
	}
	if p.ID != "" {
		opts = append(opts, intent.WithID(p.ID))
	}
	if p.ParentID != "" {
		opts = append(opts, intent.WithParent(p.ParentID))
	}
	return intent.New(p.AgentID, p.Intent, opts...), nil
}

func (p InterfaceSpecPayload) toSpec() (intent.InterfaceSpec, error) {
	kind := intent.InterfaceKind(p.Kind)
	if p.Kind != "" && !kind.Valid() {
		return intent.InterfaceSpec{}, fmt.Errorf("unknown interface kind %q", p.Kind)
	}
	return intent.InterfaceSpec{
		Name:       p.Name,
		Kind:       kind,
		Signature:  p.Signature,
		ModulePath: p.ModulePath,
		Tags:       p.Tags,
	}, nil
}

// PublishResponse reports a successful publish.
type PublishResponse struct {
	IntentID  string  `json:"intent_id"`
	Stability float64 `json:"stability"`
	Branch    string  `json:"branch"`
}

// EvidenceRequest appends evidence to a published intent.
type EvidenceRequest struct {
	Kind        string `json:"kind"`
	Description string `json:"description"`
}

// EvidenceResponse reports the intent's stability after evidence growth.
type EvidenceResponse struct {
	IntentID  string  `json:"intent_id"`
	Stability float64 `json:"stability"`
}

// QueryResponse lists intents with their current stability.
type QueryResponse struct {
	Intents []IntentSummary `json:"intents"`
	Count   int             `json:"count"`
}

// IntentSummary is the wire form of a stored intent plus its computed
// stability.
type IntentSummary struct {
	*intent.Intent
	Stability float64 `json:"stability"`
}

// CyclesResponse lists circular requirement chains.
type CyclesResponse struct {
	Cycles []CycleInfo `json:"cycles"`
	Count  int         `json:"count"`
}

// CycleInfo is one cycle in wire form.
type CycleInfo struct {
	IntentIDs []string `json:"intent_ids"`
	AgentIDs  []string `json:"agent_ids"`
	Display   string   `json:"display"`
}

// OrderResponse is a dependency-first intent ordering.
type OrderResponse struct {
	Order []string `json:"order"`
}

// HashResponse is a branch's content hash.
type HashResponse struct {
	Branch      string `json:"branch"`
	ContentHash string `json:"content_hash"`
}

// SnapshotResponse describes a taken snapshot.
type SnapshotResponse struct {
	SnapshotID  string    `json:"snapshot_id"`
	Branch      string    `json:"branch"`
	Version     int       `json:"version"`
	IntentCount int       `json:"intent_count"`
	ContentHash string    `json:"content_hash"`
	Timestamp   time.Time `json:"timestamp"`
}

// BranchRequest creates a branch.
type BranchRequest struct {
	Name string `json:"name"`
}

// BranchResponse describes a branch.
type BranchResponse struct {
	Name        string `json:"name"`
	IntentCount int    `json:"intent_count"`
	ContentHash string `json:"content_hash"`
}

// BranchListResponse lists branches.
type BranchListResponse struct {
	Branches []string `json:"branches"`
	Main     string   `json:"main"`
}

// HealthResponse reports service health.
type HealthResponse struct {
	Status      string `json:"status"`
	Branch      string `json:"branch"`
	IntentCount int    `json:"intent_count"`
	Persistent  bool   `json:"persistent"`
}
