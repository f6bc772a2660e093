// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the coordination engine's configuration from YAML,
// with embedded defaults and validation.
package config

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/convergent/services/graph/stability"
)

// =============================================================================
// Embedded Defaults
// =============================================================================

//go:embed defaults.yaml
var defaultConfigYAML []byte

// MaxYAMLFileSize caps config file size to guard against accidental loads
// of the wrong file.
const MaxYAMLFileSize = 1 << 20 // 1 MiB

// =============================================================================
// Configuration Types
// =============================================================================

// Config is the full engine configuration.
//
// Thread Safety: Immutable after loading; safe for concurrent use.
type Config struct {
	Resolver  ResolverConfig  `yaml:"resolver"`
	Contract  ContractConfig  `yaml:"contract"`
	Stability StabilityConfig `yaml:"stability"`
	Semantic  SemanticConfig  `yaml:"semantic"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Graph     GraphConfig     `yaml:"graph"`
}

// ResolverConfig configures resolution behavior.
type ResolverConfig struct {
	// MinStability is the stability floor for resolution queries.
	MinStability float64 `yaml:"min_stability"`

	// SemanticConfidenceThreshold filters low-confidence semantic findings.
	SemanticConfidenceThreshold float64 `yaml:"semantic_confidence_threshold"`
}

// ContractConfig configures conflict classification.
type ContractConfig struct {
	// TieEpsilon is the stability gap at or below which a provision
	// conflict counts as a tie and escalates.
	TieEpsilon float64 `yaml:"tie_epsilon"`
}

// StabilityConfig mirrors stability.Weights in YAML form.
type StabilityConfig struct {
	Base            float64 `yaml:"base"`
	TestPass        float64 `yaml:"test_pass"`
	TestPassCap     float64 `yaml:"test_pass_cap"`
	CodeCommitted   float64 `yaml:"code_committed"`
	ConsumedByOther float64 `yaml:"consumed_by_other"`
	ConsumedCap     float64 `yaml:"consumed_cap"`
	ConflictPenalty float64 `yaml:"conflict_penalty"`
	TestFailPenalty float64 `yaml:"test_fail_penalty"`
	ManualApproval  float64 `yaml:"manual_approval"`
}

// Weights converts the config section to stability.Weights.
func (s StabilityConfig) Weights() stability.Weights {
	return stability.Weights{
		Base:            s.Base,
		TestPass:        s.TestPass,
		TestPassCap:     s.TestPassCap,
		CodeCommitted:   s.CodeCommitted,
		ConsumedByOther: s.ConsumedByOther,
		ConsumedCap:     s.ConsumedCap,
		ConflictPenalty: s.ConflictPenalty,
		TestFailPenalty: s.TestFailPenalty,
		ManualApproval:  s.ManualApproval,
	}
}

// SemanticConfig configures the LLM-backed semantic matcher.
type SemanticConfig struct {
	// Enabled turns semantic matching on. Requires an API key in the
	// ANTHROPIC_API_KEY environment variable.
	Enabled bool `yaml:"enabled"`

	// FastModel handles overlap and constraint checks.
	FastModel string `yaml:"fast_model"`

	// ReasoningModel handles trajectory prediction.
	ReasoningModel string `yaml:"reasoning_model"`

	// BaseURL is the API endpoint.
	BaseURL string `yaml:"base_url"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Addr                   string `yaml:"addr"`
	ReadTimeoutSeconds     int    `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds    int    `yaml:"write_timeout_seconds"`
	ShutdownTimeoutSeconds int    `yaml:"shutdown_timeout_seconds"`
}

// StorageConfig configures persistence.
type StorageConfig struct {
	// Path is the BadgerDB directory. Empty means in-memory only.
	Path string `yaml:"path"`
}

// GraphConfig configures the versioned graph.
type GraphConfig struct {
	// Branch is the name of the primary branch.
	Branch string `yaml:"branch"`
}

// =============================================================================
// Loading
// =============================================================================

// Default returns the embedded default configuration.
func Default() (*Config, error) {
	return Load(defaultConfigYAML)
}

// LoadFile loads configuration from a YAML file, layered over the embedded
// defaults: fields absent from the file keep their default values.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return Load(data)
}

// Load parses and validates configuration from YAML bytes, layered over the
// embedded defaults.
func Load(data []byte) (*Config, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("config: empty YAML data")
	}
	if len(data) > MaxYAMLFileSize {
		return nil, fmt.Errorf("config: YAML data exceeds maximum size (%d > %d)", len(data), MaxYAMLFileSize)
	}

	// Start from the embedded defaults so partial files stay valid.
	var cfg Config
	if err := yaml.Unmarshal(defaultConfigYAML, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing embedded defaults: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing YAML: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	slog.Info("config loaded",
		slog.Float64("min_stability", cfg.Resolver.MinStability),
		slog.Float64("tie_epsilon", cfg.Contract.TieEpsilon),
		slog.Bool("semantic_enabled", cfg.Semantic.Enabled),
		slog.String("storage_path", cfg.Storage.Path),
		slog.String("branch", cfg.Graph.Branch),
	)
	return &cfg, nil
}

// validate checks ranges and required fields.
func validate(cfg *Config) error {
	if cfg.Resolver.MinStability < 0 || cfg.Resolver.MinStability > 1 {
		return fmt.Errorf("resolver.min_stability must be in [0,1], got %v", cfg.Resolver.MinStability)
	}
	if cfg.Resolver.SemanticConfidenceThreshold < 0 || cfg.Resolver.SemanticConfidenceThreshold > 1 {
		return fmt.Errorf("resolver.semantic_confidence_threshold must be in [0,1], got %v", cfg.Resolver.SemanticConfidenceThreshold)
	}
	if cfg.Contract.TieEpsilon < 0 {
		return fmt.Errorf("contract.tie_epsilon must be >= 0, got %v", cfg.Contract.TieEpsilon)
	}
	if cfg.Stability.Base < 0 || cfg.Stability.Base > 1 {
		return fmt.Errorf("stability.base must be in [0,1], got %v", cfg.Stability.Base)
	}
	if cfg.Semantic.Enabled {
		if cfg.Semantic.FastModel == "" {
			return fmt.Errorf("semantic.fast_model must not be empty when semantic matching is enabled")
		}
		if cfg.Semantic.ReasoningModel == "" {
			return fmt.Errorf("semantic.reasoning_model must not be empty when semantic matching is enabled")
		}
	}
	if cfg.Server.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}
	if cfg.Server.ReadTimeoutSeconds <= 0 || cfg.Server.WriteTimeoutSeconds <= 0 {
		return fmt.Errorf("server timeouts must be positive")
	}
	if cfg.Graph.Branch == "" {
		return fmt.Errorf("graph.branch must not be empty")
	}
	return nil
}
