// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"strings"
	"testing"

	"github.com/AleutianAI/convergent/services/graph/semantic"
	"github.com/AleutianAI/convergent/services/graph/stability"
)

func TestDefault_MatchesContract(t *testing.T) {
	cfg, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}

	if cfg.Resolver.MinStability != 0.3 {
		t.Errorf("MinStability = %v, want 0.3", cfg.Resolver.MinStability)
	}
	if cfg.Resolver.SemanticConfidenceThreshold != 0.7 {
		t.Errorf("SemanticConfidenceThreshold = %v, want 0.7", cfg.Resolver.SemanticConfidenceThreshold)
	}
	if cfg.Contract.TieEpsilon != 0.01 {
		t.Errorf("TieEpsilon = %v, want 0.01", cfg.Contract.TieEpsilon)
	}
	if cfg.Semantic.Enabled {
		t.Error("semantic matching must default to off")
	}
	if cfg.Graph.Branch != "main" {
		t.Errorf("Branch = %q, want main", cfg.Graph.Branch)
	}

	// The embedded weight table must agree with the stability package, or
	// configured and default scores would silently diverge.
	if cfg.Stability.Weights() != stability.DefaultWeights() {
		t.Errorf("embedded weights %+v != contract weights %+v",
			cfg.Stability.Weights(), stability.DefaultWeights())
	}

	// The shipped base URL must be the full endpoint the matcher POSTs to,
	// not just the API host, or every semantic call would 404 and fail
	// closed.
	if cfg.Semantic.BaseURL != semantic.DefaultBaseURL {
		t.Errorf("Semantic.BaseURL = %q, want %q", cfg.Semantic.BaseURL, semantic.DefaultBaseURL)
	}
}

func TestLoad_PartialOverride(t *testing.T) {
	cfg, err := Load([]byte("resolver:\n  min_stability: 0.5\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Resolver.MinStability != 0.5 {
		t.Errorf("override ignored: MinStability = %v", cfg.Resolver.MinStability)
	}
	// Untouched sections keep their defaults.
	if cfg.Contract.TieEpsilon != 0.01 {
		t.Errorf("default lost: TieEpsilon = %v", cfg.Contract.TieEpsilon)
	}
	if cfg.Server.Addr == "" {
		t.Error("default lost: server.addr empty")
	}
}

func TestLoad_Validation(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"floor above one", "resolver:\n  min_stability: 1.5\n", "min_stability"},
		{"negative epsilon", "contract:\n  tie_epsilon: -0.01\n", "tie_epsilon"},
		{"threshold above one", "resolver:\n  semantic_confidence_threshold: 2.0\n", "semantic_confidence_threshold"},
		{"empty branch", "graph:\n  branch: \"\"\n", "branch"},
		{"semantic without model", "semantic:\n  enabled: true\n  fast_model: \"\"\n", "fast_model"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load([]byte(tc.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q should mention %q", err, tc.want)
			}
		})
	}
}

func TestLoad_RejectsEmptyAndGarbage(t *testing.T) {
	if _, err := Load(nil); err == nil {
		t.Error("expected error for empty data")
	}
	if _, err := Load([]byte("{{not yaml")); err == nil {
		t.Error("expected error for malformed YAML")
	}
}
