// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package semantic

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/AleutianAI/convergent/services/graph/intent"
)

// DefaultBaseURL is the full Messages API endpoint requests are POSTed to.
const DefaultBaseURL = "https://api.anthropic.com/v1/messages"

const (
	anthropicAPIVersion = "2023-06-01"

	defaultFastModel      = "claude-haiku-4-5-20251001"
	defaultReasoningModel = "claude-sonnet-4-5-20250929"

	// batchSize is how many spec pairs go into one overlap prompt.
	batchSize = 10

	// cacheSize bounds each verdict cache.
	cacheSize = 1000
)

const overlapSystem = "You are a semantic code analysis assistant. You determine whether two " +
	"interface specifications refer to the same concept, even if they use " +
	"different names or conventions. Respond ONLY with valid JSON."

const overlapBatchTemplate = "For each pair of interface specs below, determine if they semantically " +
	"overlap (refer to the same concept). Consider name synonyms, functional " +
	"equivalence, and domain context.\n\n" +
	"Pairs:\n%s\n\n" +
	"Respond with a JSON array of objects, one per pair, each with:\n" +
	"  \"overlap\": boolean,\n" +
	"  \"confidence\": float 0.0-1.0,\n" +
	"  \"reasoning\": string (brief explanation)\n"

const constraintSystem = "You are a semantic code analysis assistant. You determine whether a " +
	"constraint applies to a given intent based on semantic understanding, " +
	"not just tag matching. Respond ONLY with valid JSON."

const constraintTemplate = "Does this constraint apply to this intent?\n\n" +
	"Constraint:\n%s\n\n" +
	"Intent:\n%s\n\n" +
	"Respond with JSON: {\"applies\": boolean, \"confidence\": float 0.0-1.0, " +
	"\"reasoning\": string}"

const trajectorySystem = "You are a predictive code analysis assistant. Given an agent's history " +
	"of intents, predict what the agent will likely build next. Respond ONLY " +
	"with valid JSON."

const trajectoryTemplate = "Based on this agent's intent history, predict their next moves:\n\n" +
	"History:\n%s\n\n" +
	"Respond with JSON:\n" +
	"{\"predicted_provisions\": [string], \"predicted_requirements\": [string], " +
	"\"predicted_constraints\": [string], \"confidence\": float 0.0-1.0, " +
	"\"reasoning\": string}"

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []anthropicContent `json:"content"`
	Error   *anthropicError    `json:"error,omitempty"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// AnthropicMatcher implements Matcher against Anthropic's Messages API.
//
// Fast classification tasks (overlap, constraint checks) use the fast
// model; trajectory prediction uses the reasoning model. Verdicts are
// cached in bounded LRU caches keyed by content hash, so identical
// questions never hit the API twice.
//
// Thread Safety: safe for concurrent use.
type AnthropicMatcher struct {
	httpClient     *http.Client
	apiKey         string
	baseURL        string
	fastModel      string
	reasoningModel string

	overlapCache    *lru.Cache[string, Match]
	constraintCache *lru.Cache[string, ConstraintApplicability]
	trajectoryCache *lru.Cache[string, TrajectoryPrediction]
}

// MatcherOption configures an AnthropicMatcher.
type MatcherOption func(*AnthropicMatcher)

// WithBaseURL overrides the API endpoint. Intended for tests.
func WithBaseURL(url string) MatcherOption {
	return func(m *AnthropicMatcher) { m.baseURL = url }
}

// WithFastModel overrides the classification model.
func WithFastModel(model string) MatcherOption {
	return func(m *AnthropicMatcher) { m.fastModel = model }
}

// WithReasoningModel overrides the trajectory-prediction model.
func WithReasoningModel(model string) MatcherOption {
	return func(m *AnthropicMatcher) { m.reasoningModel = model }
}

// WithHTTPClient overrides the HTTP client. Intended for tests.
func WithHTTPClient(c *http.Client) MatcherOption {
	return func(m *AnthropicMatcher) { m.httpClient = c }
}

// NewAnthropicMatcher creates a matcher using the given API key, falling
// back to ANTHROPIC_API_KEY when empty.
func NewAnthropicMatcher(apiKey string, opts ...MatcherOption) (*AnthropicMatcher, error) {
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("semantic: API key is missing (ANTHROPIC_API_KEY)")
	}

	overlapCache, err := lru.New[string, Match](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("semantic: creating overlap cache: %w", err)
	}
	constraintCache, err := lru.New[string, ConstraintApplicability](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("semantic: creating constraint cache: %w", err)
	}
	trajectoryCache, err := lru.New[string, TrajectoryPrediction](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("semantic: creating trajectory cache: %w", err)
	}

	m := &AnthropicMatcher{
		httpClient:      &http.Client{Timeout: 60 * time.Second},
		apiKey:          apiKey,
		baseURL:         DefaultBaseURL,
		fastModel:       defaultFastModel,
		reasoningModel:  defaultReasoningModel,
		overlapCache:    overlapCache,
		constraintCache: constraintCache,
		trajectoryCache: trajectoryCache,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// CheckOverlap checks a single pair. Delegates to the batch path.
func (m *AnthropicMatcher) CheckOverlap(ctx context.Context, a, b intent.InterfaceSpec) Match {
	return m.CheckOverlapBatch(ctx, []SpecPair{{A: a, B: b}})[0]
}

// CheckOverlapBatch checks pairs for semantic overlap in chunks of ten.
//
// Cached verdicts are served without an API call. A failed chunk degrades
// every uncached pair in it to a zero-confidence negative.
func (m *AnthropicMatcher) CheckOverlapBatch(ctx context.Context, pairs []SpecPair) []Match {
	results := make([]Match, len(pairs))

	for start := 0; start < len(pairs); start += batchSize {
		end := min(start+batchSize, len(pairs))
		chunk := pairs[start:end]

		var uncachedIdx []int
		var uncached []SpecPair
		for i, pair := range chunk {
			key := cacheKey("overlap", pair)
			if cached, ok := m.overlapCache.Get(key); ok {
				cacheHitsTotal.WithLabelValues("overlap").Inc()
				results[start+i] = cached
				continue
			}
			uncachedIdx = append(uncachedIdx, start+i)
			uncached = append(uncached, pair)
		}
		if len(uncached) == 0 {
			continue
		}

		matches, err := m.overlapChunk(ctx, uncached)
		recordCall("overlap", err)
		if err != nil {
			slog.Warn("Semantic overlap batch failed, degrading to no-overlap", "error", err, "pairs", len(uncached))
			for _, idx := range uncachedIdx {
				results[idx] = Match{Reasoning: "LLM call failed", Source: "llm"}
			}
			continue
		}
		for j, match := range matches {
			idx := uncachedIdx[j]
			results[idx] = match
			m.overlapCache.Add(cacheKey("overlap", uncached[j]), match)
		}
	}

	return results
}

// overlapChunk makes one API call for up to batchSize pairs.
func (m *AnthropicMatcher) overlapChunk(ctx context.Context, pairs []SpecPair) ([]Match, error) {
	pairsJSON, err := json.MarshalIndent(pairs, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling pairs: %w", err)
	}

	text, err := m.call(ctx, m.fastModel, overlapSystem, fmt.Sprintf(overlapBatchTemplate, pairsJSON))
	if err != nil {
		return nil, err
	}

	var parsed []Match
	if err := json.Unmarshal(stripCodeFence(text), &parsed); err != nil {
		return nil, fmt.Errorf("parsing overlap verdicts: %w", err)
	}
	if len(parsed) != len(pairs) {
		return nil, fmt.Errorf("expected %d verdicts, got %d", len(pairs), len(parsed))
	}
	for i := range parsed {
		parsed[i].Source = "llm"
	}
	return parsed, nil
}

// CheckConstraintApplies checks semantic constraint applicability. Failures
// degrade to a zero-confidence negative.
func (m *AnthropicMatcher) CheckConstraintApplies(ctx context.Context, c intent.Constraint, it *intent.Intent) ConstraintApplicability {
	key := cacheKey("constraint", map[string]any{"constraint": c, "intent_id": it.ID, "specs": it.Specs()})
	if cached, ok := m.constraintCache.Get(key); ok {
		cacheHitsTotal.WithLabelValues("constraint").Inc()
		return cached
	}

	result, err := m.constraintCheck(ctx, c, it)
	recordCall("constraint", err)
	if err != nil {
		slog.Warn("Semantic constraint check failed, degrading to not-applicable", "error", err)
		result = ConstraintApplicability{Reasoning: "LLM call failed"}
	}
	m.constraintCache.Add(key, result)
	return result
}

func (m *AnthropicMatcher) constraintCheck(ctx context.Context, c intent.Constraint, it *intent.Intent) (ConstraintApplicability, error) {
	constraintJSON, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return ConstraintApplicability{}, fmt.Errorf("marshaling constraint: %w", err)
	}
	intentJSON, err := json.MarshalIndent(it, "", "  ")
	if err != nil {
		return ConstraintApplicability{}, fmt.Errorf("marshaling intent: %w", err)
	}

	text, err := m.call(ctx, m.fastModel, constraintSystem,
		fmt.Sprintf(constraintTemplate, constraintJSON, intentJSON))
	if err != nil {
		return ConstraintApplicability{}, err
	}

	var result ConstraintApplicability
	if err := json.Unmarshal(stripCodeFence(text), &result); err != nil {
		return ConstraintApplicability{}, fmt.Errorf("parsing constraint verdict: %w", err)
	}
	return result, nil
}

// PredictTrajectory forecasts an agent's next moves from its history.
// An empty history or a failed call yields a zero-confidence prediction.
func (m *AnthropicMatcher) PredictTrajectory(ctx context.Context, history []*intent.Intent) TrajectoryPrediction {
	if len(history) == 0 {
		return TrajectoryPrediction{}
	}
	agentID := history[0].AgentID

	ids := make([]string, len(history))
	for i, it := range history {
		ids[i] = it.ID
	}
	key := cacheKey("trajectory", ids)
	if cached, ok := m.trajectoryCache.Get(key); ok {
		cacheHitsTotal.WithLabelValues("trajectory").Inc()
		return cached
	}

	result, err := m.trajectoryCall(ctx, agentID, history)
	recordCall("trajectory", err)
	if err != nil {
		slog.Warn("Trajectory prediction failed, degrading to empty prediction", "error", err, "agent", agentID)
		result = TrajectoryPrediction{AgentID: agentID}
	}
	m.trajectoryCache.Add(key, result)
	return result
}

func (m *AnthropicMatcher) trajectoryCall(ctx context.Context, agentID string, history []*intent.Intent) (TrajectoryPrediction, error) {
	historyJSON, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return TrajectoryPrediction{}, fmt.Errorf("marshaling history: %w", err)
	}

	text, err := m.call(ctx, m.reasoningModel, trajectorySystem,
		fmt.Sprintf(trajectoryTemplate, historyJSON))
	if err != nil {
		return TrajectoryPrediction{}, err
	}

	var result TrajectoryPrediction
	if err := json.Unmarshal(stripCodeFence(text), &result); err != nil {
		return TrajectoryPrediction{}, fmt.Errorf("parsing trajectory: %w", err)
	}
	result.AgentID = agentID
	return result, nil
}

// call makes a single Messages API request and returns the text response.
func (m *AnthropicMatcher) call(ctx context.Context, model, system, prompt string) (string, error) {
	payload := anthropicRequest{
		Model:     model,
		Messages:  []anthropicMessage{{Role: "user", Content: prompt}},
		System:    system,
		MaxTokens: 1024,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("semantic: marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", m.baseURL, bytes.NewBuffer(body))
	if err != nil {
		return "", fmt.Errorf("semantic: creating HTTP request: %w", err)
	}
	req.Header.Set("x-api-key", m.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)
	req.Header.Set("content-type", "application/json")

	slog.Debug("Sending semantic matching request", "model", model)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("semantic: HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("semantic: reading response body (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("semantic: API returned status %d: %s", resp.StatusCode, respBody)
	}

	var apiResp anthropicResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return "", fmt.Errorf("semantic: parsing response JSON: %w", err)
	}
	if apiResp.Error != nil {
		return "", fmt.Errorf("semantic: API error: %s - %s", apiResp.Error.Type, apiResp.Error.Message)
	}

	var text strings.Builder
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return "", fmt.Errorf("semantic: received content but no text block")
	}
	return text.String(), nil
}

// stripCodeFence removes a surrounding markdown code block, if present, so
// fenced JSON responses still parse.
func stripCodeFence(text string) []byte {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return []byte(text)
	}
	lines := strings.Split(text, "\n")
	lines = lines[1:]
	if len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}
	return []byte(strings.Join(lines, "\n"))
}

// cacheKey hashes arbitrary key material into a stable cache key.
func cacheKey(kind string, data any) string {
	raw, err := json.Marshal(data)
	if err != nil {
		raw = []byte(fmt.Sprintf("%v", data))
	}
	sum := sha256.Sum256(append([]byte(kind+":"), raw...))
	return hex.EncodeToString(sum[:])
}
