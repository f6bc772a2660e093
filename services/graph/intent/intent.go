// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package intent defines the data model of the shared intent graph: the
// Intent record an agent publishes, the InterfaceSpecs it provides and
// requires, the Constraints it imposes, and the Evidence that drives its
// stability score.
//
// Published intents are append-only. Everything except the evidence list is
// immutable after publish; superseding an intent means publishing a new one
// whose ParentID references the old.
package intent

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/convergent/services/graph/matching"
)

// InterfaceKind identifies what kind of capability an InterfaceSpec names.
type InterfaceKind string

// The closed set of interface kinds.
const (
	KindFunction  InterfaceKind = "function"
	KindClass     InterfaceKind = "class"
	KindModel     InterfaceKind = "model"
	KindEndpoint  InterfaceKind = "endpoint"
	KindMigration InterfaceKind = "migration"
	KindConfig    InterfaceKind = "config"
)

// Valid reports whether k is a known interface kind.
func (k InterfaceKind) Valid() bool {
	switch k {
	case KindFunction, KindClass, KindModel, KindEndpoint, KindMigration, KindConfig:
		return true
	}
	return false
}

// ConstraintSeverity orders how binding a constraint is:
// preferred < required < critical.
type ConstraintSeverity string

// The closed set of constraint severities.
const (
	SeverityPreferred ConstraintSeverity = "preferred"
	SeverityRequired  ConstraintSeverity = "required"
	SeverityCritical  ConstraintSeverity = "critical"
)

// Valid reports whether s is a known severity.
func (s ConstraintSeverity) Valid() bool {
	switch s {
	case SeverityPreferred, SeverityRequired, SeverityCritical:
		return true
	}
	return false
}

// Rank returns the ordering position of the severity (preferred=0,
// required=1, critical=2). Unknown severities rank below preferred.
func (s ConstraintSeverity) Rank() int {
	switch s {
	case SeverityPreferred:
		return 0
	case SeverityRequired:
		return 1
	case SeverityCritical:
		return 2
	}
	return -1
}

// EvidenceKind identifies what kind of observation a piece of evidence is.
type EvidenceKind string

// The closed set of evidence kinds.
const (
	EvidenceTestPass        EvidenceKind = "test_pass"
	EvidenceTestFail        EvidenceKind = "test_fail"
	EvidenceCodeCommitted   EvidenceKind = "code_committed"
	EvidenceConsumedByOther EvidenceKind = "consumed_by"
	EvidenceConflict        EvidenceKind = "conflict"
	EvidenceManualApproval  EvidenceKind = "manual_approval"
)

// Valid reports whether k is a known evidence kind.
func (k EvidenceKind) Valid() bool {
	switch k {
	case EvidenceTestPass, EvidenceTestFail, EvidenceCodeCommitted,
		EvidenceConsumedByOther, EvidenceConflict, EvidenceManualApproval:
		return true
	}
	return false
}

// InterfaceSpec is a typed capability an agent provides or requires.
type InterfaceSpec struct {
	// Name is the interface name (e.g. "UserModel", "AuthService").
	Name string `json:"name"`

	// Kind classifies the capability.
	Kind InterfaceKind `json:"kind"`

	// Signature is a textual "field: type, field: type" description.
	Signature string `json:"signature"`

	// ModulePath locates the capability in the codebase. May be empty.
	ModulePath string `json:"module_path"`

	// Tags are free-form labels used for tag-overlap matching and
	// constraint applicability. Order is preserved as published.
	Tags []string `json:"tags"`
}

// StructurallyOverlaps reports whether two specs likely refer to the same
// concept: overlapping names, or at least two shared tags.
func (s InterfaceSpec) StructurallyOverlaps(other InterfaceSpec) bool {
	if matching.NamesOverlap(s.Name, other.Name) {
		return true
	}
	shared := 0
	mine := make(map[string]bool, len(s.Tags))
	for _, t := range s.Tags {
		mine[t] = true
	}
	for _, t := range other.Tags {
		if mine[t] {
			shared++
		}
	}
	return shared >= 2
}

// SignatureCompatible reports whether other's signature is compatible with
// this spec's signature (superset of fields with normalized types).
func (s InterfaceSpec) SignatureCompatible(other InterfaceSpec) bool {
	return matching.SignaturesCompatible(s.Signature, other.Signature)
}

// Clone returns a deep copy of the spec.
func (s InterfaceSpec) Clone() InterfaceSpec {
	out := s
	out.Tags = append([]string(nil), s.Tags...)
	return out
}

// Constraint is a rule one intent imposes on other intents sharing its tags.
type Constraint struct {
	// Target names what the constraint applies to (e.g. "User Model").
	Target string `json:"target"`

	// Requirement is the free-text rule (e.g. "email must be unique").
	Requirement string `json:"requirement"`

	// Severity determines how the contract classifies conflicts on this
	// constraint.
	Severity ConstraintSeverity `json:"severity"`

	// AffectsTags selects which intents the constraint applies to: any
	// intent whose specs carry at least one of these tags.
	AffectsTags []string `json:"affects_tags"`
}

// AppliesTo reports whether the constraint applies to the given intent:
// true when any of the intent's interface tags intersect AffectsTags.
func (c Constraint) AppliesTo(it *Intent) bool {
	if it == nil {
		return false
	}
	affected := make(map[string]bool, len(c.AffectsTags))
	for _, t := range c.AffectsTags {
		affected[t] = true
	}
	for _, spec := range it.Specs() {
		for _, t := range spec.Tags {
			if affected[t] {
				return true
			}
		}
	}
	return false
}

// ConflictsWith reports whether two constraints conflict: equal normalized
// targets but different requirements.
func (c Constraint) ConflictsWith(other Constraint) bool {
	return matching.NormalizeConstraintTarget(c.Target) == matching.NormalizeConstraintTarget(other.Target) &&
		c.Requirement != other.Requirement
}

// Clone returns a deep copy of the constraint.
func (c Constraint) Clone() Constraint {
	out := c
	out.AffectsTags = append([]string(nil), c.AffectsTags...)
	return out
}

// Evidence is an immutable observation supporting or undermining an
// intent's stability. Evidence is only ever appended, never modified.
type Evidence struct {
	// Kind classifies the observation.
	Kind EvidenceKind `json:"kind"`

	// Description is a human-readable account of the observation.
	Description string `json:"description"`

	// Timestamp is when the observation was made (UTC).
	Timestamp time.Time `json:"timestamp"`
}

// TestPass returns test_pass evidence with the given description.
func TestPass(description string) Evidence {
	return Evidence{Kind: EvidenceTestPass, Description: description, Timestamp: time.Now().UTC()}
}

// TestFail returns test_fail evidence with the given description.
func TestFail(description string) Evidence {
	return Evidence{Kind: EvidenceTestFail, Description: description, Timestamp: time.Now().UTC()}
}

// CodeCommitted returns code_committed evidence with the given description.
func CodeCommitted(description string) Evidence {
	return Evidence{Kind: EvidenceCodeCommitted, Description: description, Timestamp: time.Now().UTC()}
}

// ConsumedBy returns consumed_by evidence naming the consuming agent.
func ConsumedBy(agentID string) Evidence {
	return Evidence{
		Kind:        EvidenceConsumedByOther,
		Description: fmt.Sprintf("Consumed by agent %s", agentID),
		Timestamp:   time.Now().UTC(),
	}
}

// ConflictEvidence returns conflict evidence with the given description.
func ConflictEvidence(description string) Evidence {
	return Evidence{Kind: EvidenceConflict, Description: description, Timestamp: time.Now().UTC()}
}

// ManualApproval returns manual_approval evidence with the given description.
func ManualApproval(description string) Evidence {
	return Evidence{Kind: EvidenceManualApproval, Description: description, Timestamp: time.Now().UTC()}
}

// Intent is a single unit of declared work in the shared graph.
//
// Ownership: once published, ID, AgentID, Description, Timestamp, Provides,
// Requires, Constraints, and ParentID are immutable. Only Evidence may grow.
type Intent struct {
	// ID is the globally unique identifier (UUID v4).
	ID string `json:"id"`

	// AgentID identifies the publishing agent.
	AgentID string `json:"agent_id"`

	// Description is the agent's free-text statement of intent.
	Description string `json:"intent"`

	// Timestamp is when the intent was created (UTC).
	Timestamp time.Time `json:"timestamp"`

	// Provides lists capabilities this intent offers to others.
	Provides []InterfaceSpec `json:"provides"`

	// Requires lists capabilities this intent depends on.
	Requires []InterfaceSpec `json:"requires"`

	// Constraints lists rules this intent imposes on tag-matching intents.
	Constraints []Constraint `json:"constraints"`

	// Evidence is the append-only observation list driving stability.
	Evidence []Evidence `json:"evidence"`

	// ParentID references a superseded intent. Empty when none.
	ParentID string `json:"parent_id,omitempty"`
}

// Option configures a new Intent.
type Option func(*Intent)

// WithProvides sets the provided interface specs.
func WithProvides(specs ...InterfaceSpec) Option {
	return func(it *Intent) { it.Provides = specs }
}

// WithRequires sets the required interface specs.
func WithRequires(specs ...InterfaceSpec) Option {
	return func(it *Intent) { it.Requires = specs }
}

// WithConstraints sets the imposed constraints.
func WithConstraints(constraints ...Constraint) Option {
	return func(it *Intent) { it.Constraints = constraints }
}

// WithEvidence sets the initial evidence list.
func WithEvidence(evidence ...Evidence) Option {
	return func(it *Intent) { it.Evidence = evidence }
}

// WithParent sets the superseded intent's ID.
func WithParent(parentID string) Option {
	return func(it *Intent) { it.ParentID = parentID }
}

// WithID overrides the generated ID. Intended for tests and replay.
func WithID(id string) Option {
	return func(it *Intent) { it.ID = id }
}

// WithTimestamp overrides the creation timestamp. Intended for tests and
// deterministic fixtures.
func WithTimestamp(ts time.Time) Option {
	return func(it *Intent) { it.Timestamp = ts }
}

// New creates an Intent with a generated UUID and the current UTC time.
func New(agentID, description string, opts ...Option) *Intent {
	it := &Intent{
		ID:          uuid.NewString(),
		AgentID:     agentID,
		Description: description,
		Timestamp:   time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(it)
	}
	return it
}

// AddEvidence appends evidence to the intent. This is the only permitted
// in-place mutation of a published intent.
func (it *Intent) AddEvidence(ev Evidence) {
	it.Evidence = append(it.Evidence, ev)
}

// Specs returns the concatenation of Provides and Requires.
func (it *Intent) Specs() []InterfaceSpec {
	specs := make([]InterfaceSpec, 0, len(it.Provides)+len(it.Requires))
	specs = append(specs, it.Provides...)
	specs = append(specs, it.Requires...)
	return specs
}

// Clone returns a deep copy of the intent. Used for branch isolation and
// replay recording, where later evidence growth on the original must not
// leak into the copy.
func (it *Intent) Clone() *Intent {
	if it == nil {
		return nil
	}
	out := *it
	out.Provides = make([]InterfaceSpec, len(it.Provides))
	for i, s := range it.Provides {
		out.Provides[i] = s.Clone()
	}
	out.Requires = make([]InterfaceSpec, len(it.Requires))
	for i, s := range it.Requires {
		out.Requires[i] = s.Clone()
	}
	out.Constraints = make([]Constraint, len(it.Constraints))
	for i, c := range it.Constraints {
		out.Constraints[i] = c.Clone()
	}
	out.Evidence = append([]Evidence(nil), it.Evidence...)
	return &out
}
