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
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/convergent/services/graph/config"
	"github.com/AleutianAI/convergent/services/graph/intent"
	"github.com/AleutianAI/convergent/services/graph/replay"
	"github.com/AleutianAI/convergent/services/graph/semantic"
	"github.com/AleutianAI/convergent/services/graph/version"
)

// setupTestRouter builds a service on the default config (in-memory) and a
// router with the full route table.
func setupTestRouter(t *testing.T) (*gin.Engine, *Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg, err := config.Default()
	if err != nil {
		t.Fatalf("config.Default: %v", err)
	}
	svc, err := NewService(cfg)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	router := gin.New()
	v1 := router.Group("/v1")
	RegisterRoutes(v1, NewHandlers(svc))
	return router, svc
}

// doJSON performs a request with an optional JSON body and decodes the
// response into out (when non-nil).
func doJSON(t *testing.T, router *gin.Engine, method, path string, body, out any) int {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding request: %v", err)
		}
	}
	req, _ := http.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if out != nil && w.Code < 300 {
		if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
			t.Fatalf("decoding response %q: %v", w.Body.String(), err)
		}
	}
	return w.Code
}

func publishPayload(agent, id, name string) IntentPayload {
	return IntentPayload{
		ID:      id,
		AgentID: agent,
		Intent:  "provide " + name,
		Provides: []InterfaceSpecPayload{
			{Name: name, Kind: "class"},
		},
	}
}

func TestHandlePublish_RoundTrip(t *testing.T) {
	router, _ := setupTestRouter(t)

	var resp PublishResponse
	code := doJSON(t, router, "POST", "/v1/graph/intents", publishPayload("agent-a", "id-1", "Auth"), &resp)
	if code != http.StatusCreated {
		t.Fatalf("publish status = %d", code)
	}
	if resp.IntentID != "id-1" || resp.Stability != 0.3 || resp.Branch != "main" {
		t.Errorf("response = %+v", resp)
	}

	var query QueryResponse
	if code := doJSON(t, router, "GET", "/v1/graph/intents", nil, &query); code != http.StatusOK {
		t.Fatalf("query status = %d", code)
	}
	if query.Count != 1 || query.Intents[0].ID != "id-1" || query.Intents[0].Stability != 0.3 {
		t.Errorf("query = %+v", query)
	}
}

func TestHandlePublish_RejectsContractViolations(t *testing.T) {
	router, _ := setupTestRouter(t)

	if code := doJSON(t, router, "POST", "/v1/graph/intents", publishPayload("agent-a", "id-1", "Auth"), nil); code != http.StatusCreated {
		t.Fatalf("first publish status = %d", code)
	}
	// Duplicate ID violates unique_ids.
	if code := doJSON(t, router, "POST", "/v1/graph/intents", publishPayload("agent-b", "id-1", "Other"), nil); code != http.StatusBadRequest {
		t.Errorf("duplicate publish status = %d, want 400", code)
	}
	// Contentless intent.
	empty := IntentPayload{AgentID: "agent-a", Intent: "nothing"}
	if code := doJSON(t, router, "POST", "/v1/graph/intents", empty, nil); code != http.StatusBadRequest {
		t.Errorf("contentless publish status = %d, want 400", code)
	}
	// Unknown enum value.
	bad := publishPayload("agent-a", "id-2", "X")
	bad.Provides[0].Kind = "widget"
	if code := doJSON(t, router, "POST", "/v1/graph/intents", bad, nil); code != http.StatusBadRequest {
		t.Errorf("bad kind status = %d, want 400", code)
	}
}

func TestHandleResolve_DuplicateProvision(t *testing.T) {
	router, _ := setupTestRouter(t)

	established := publishPayload("agent-a", "established-id", "UserModel")
	established.Evidence = []EvidencePayload{
		{Kind: "code_committed", Description: "merged"},
		{Kind: "test_pass", Description: "green"},
	}
	if code := doJSON(t, router, "POST", "/v1/graph/intents", established, nil); code != http.StatusCreated {
		t.Fatalf("publish status = %d", code)
	}

	var result intent.ResolutionResult
	newcomer := publishPayload("agent-b", "newcomer-id", "UserModel")
	if code := doJSON(t, router, "POST", "/v1/graph/resolve", newcomer, &result); code != http.StatusOK {
		t.Fatalf("resolve status = %d", code)
	}
	if len(result.Adjustments) != 1 || result.Adjustments[0].Kind != intent.AdjustConsumeInstead {
		t.Errorf("adjustments = %+v", result.Adjustments)
	}
	if result.Adjustments[0].SourceIntentID != "established-id" {
		t.Errorf("source = %q", result.Adjustments[0].SourceIntentID)
	}
}

func TestHandleAddEvidence(t *testing.T) {
	router, _ := setupTestRouter(t)

	if code := doJSON(t, router, "POST", "/v1/graph/intents", publishPayload("agent-a", "id-1", "Auth"), nil); code != http.StatusCreated {
		t.Fatalf("publish status = %d", code)
	}

	var resp EvidenceResponse
	body := EvidenceRequest{Kind: "code_committed", Description: "merged"}
	if code := doJSON(t, router, "POST", "/v1/graph/intents/id-1/evidence", body, &resp); code != http.StatusOK {
		t.Fatalf("evidence status = %d", code)
	}
	if resp.Stability != 0.5 {
		t.Errorf("stability = %v, want 0.5", resp.Stability)
	}

	// Unknown kind is rejected.
	bad := EvidenceRequest{Kind: "vibes", Description: "feels right"}
	if code := doJSON(t, router, "POST", "/v1/graph/intents/id-1/evidence", bad, nil); code != http.StatusBadRequest {
		t.Errorf("bad kind status = %d, want 400", code)
	}
	// Unknown intent 404s.
	if code := doJSON(t, router, "POST", "/v1/graph/intents/ghost/evidence", body, nil); code != http.StatusNotFound {
		t.Errorf("ghost intent status = %d, want 404", code)
	}
}

func TestHandleCyclesAndOrder(t *testing.T) {
	router, _ := setupTestRouter(t)

	a := IntentPayload{
		ID: "a", AgentID: "agent-a", Intent: "a",
		Provides: []InterfaceSpecPayload{{Name: "Auth", Kind: "function"}},
		Requires: []InterfaceSpecPayload{{Name: "Storage", Kind: "function"}},
	}
	b := IntentPayload{
		ID: "b", AgentID: "agent-b", Intent: "b",
		Provides: []InterfaceSpecPayload{{Name: "Storage", Kind: "function"}},
		Requires: []InterfaceSpecPayload{{Name: "Auth", Kind: "function"}},
	}
	for _, p := range []IntentPayload{a, b} {
		if code := doJSON(t, router, "POST", "/v1/graph/intents", p, nil); code != http.StatusCreated {
			t.Fatalf("publish status = %d", code)
		}
	}

	var cyclesResp CyclesResponse
	if code := doJSON(t, router, "GET", "/v1/graph/cycles", nil, &cyclesResp); code != http.StatusOK {
		t.Fatalf("cycles status = %d", code)
	}
	if cyclesResp.Count != 1 || len(cyclesResp.Cycles[0].IntentIDs) != 2 {
		t.Errorf("cycles = %+v", cyclesResp)
	}

	// A cyclic graph has no valid ordering.
	if code := doJSON(t, router, "GET", "/v1/graph/order", nil, nil); code != http.StatusConflict {
		t.Errorf("order status = %d, want 409", code)
	}
}

func TestHandleBranchAndMerge(t *testing.T) {
	router, _ := setupTestRouter(t)

	if code := doJSON(t, router, "POST", "/v1/graph/intents", publishPayload("agent-a", "id-1", "Auth"), nil); code != http.StatusCreated {
		t.Fatalf("publish status = %d", code)
	}

	var branch BranchResponse
	if code := doJSON(t, router, "POST", "/v1/graph/branches", BranchRequest{Name: "feature-x"}, &branch); code != http.StatusCreated {
		t.Fatalf("branch status = %d", code)
	}
	if branch.IntentCount != 1 {
		t.Errorf("branch = %+v", branch)
	}

	// Work lands on the branch, not on main.
	if code := doJSON(t, router, "POST", "/v1/graph/intents?branch=feature-x", publishPayload("agent-b", "id-2", "Search"), nil); code != http.StatusCreated {
		t.Fatalf("branch publish status = %d", code)
	}
	var mainQuery QueryResponse
	doJSON(t, router, "GET", "/v1/graph/intents", nil, &mainQuery)
	if mainQuery.Count != 1 {
		t.Errorf("branch publish leaked into main: %+v", mainQuery)
	}

	var merge version.MergeResult
	if code := doJSON(t, router, "POST", "/v1/graph/branches/feature-x/merge", nil, &merge); code != http.StatusOK {
		t.Fatalf("merge status = %d", code)
	}
	if !merge.Success || len(merge.Merged) != 1 {
		t.Errorf("merge = %+v", merge)
	}

	// The merged branch is gone.
	var branches BranchListResponse
	doJSON(t, router, "GET", "/v1/graph/branches", nil, &branches)
	if len(branches.Branches) != 1 || branches.Branches[0] != "main" {
		t.Errorf("branches after merge = %+v", branches)
	}
}

func TestHandleMerge_ConflictReturns409(t *testing.T) {
	router, _ := setupTestRouter(t)

	if code := doJSON(t, router, "POST", "/v1/graph/intents", publishPayload("agent-a", "id-1", "Config"), nil); code != http.StatusCreated {
		t.Fatalf("publish status = %d", code)
	}
	if code := doJSON(t, router, "POST", "/v1/graph/branches", BranchRequest{Name: "rival"}, nil); code != http.StatusCreated {
		t.Fatalf("branch status = %d", code)
	}
	// Equal-stability duplicate provision: a tie the policy escalates.
	if code := doJSON(t, router, "POST", "/v1/graph/intents?branch=rival", publishPayload("agent-b", "id-2", "Config"), nil); code != http.StatusCreated {
		t.Fatalf("branch publish status = %d", code)
	}

	if code := doJSON(t, router, "POST", "/v1/graph/branches/rival/merge", nil, nil); code != http.StatusConflict {
		t.Errorf("conflicted merge status = %d, want 409", code)
	}

	// A failed merge keeps the branch for rework.
	var branches BranchListResponse
	doJSON(t, router, "GET", "/v1/graph/branches", nil, &branches)
	if len(branches.Branches) != 2 {
		t.Errorf("branches after failed merge = %+v", branches)
	}
}

func TestHandleHashAndSnapshot(t *testing.T) {
	router, _ := setupTestRouter(t)

	if code := doJSON(t, router, "POST", "/v1/graph/intents", publishPayload("agent-a", "id-1", "Auth"), nil); code != http.StatusCreated {
		t.Fatalf("publish status = %d", code)
	}

	var hash HashResponse
	if code := doJSON(t, router, "GET", "/v1/graph/hash", nil, &hash); code != http.StatusOK {
		t.Fatalf("hash status = %d", code)
	}
	if hash.ContentHash == "" || hash.Branch != "main" {
		t.Errorf("hash = %+v", hash)
	}

	var snap SnapshotResponse
	if code := doJSON(t, router, "POST", "/v1/graph/snapshot", nil, &snap); code != http.StatusCreated {
		t.Fatalf("snapshot status = %d", code)
	}
	if snap.Version != 1 || snap.IntentCount != 1 || snap.ContentHash != hash.ContentHash {
		t.Errorf("snapshot = %+v", snap)
	}

	// Without persistence, snapshot history is unavailable.
	if code := doJSON(t, router, "GET", "/v1/graph/snapshots", nil, nil); code != http.StatusServiceUnavailable {
		t.Errorf("snapshots status = %d, want 503", code)
	}
}

func TestHandleReplay_Deterministic(t *testing.T) {
	router, _ := setupTestRouter(t)

	if code := doJSON(t, router, "POST", "/v1/graph/intents", publishPayload("agent-a", "id-1", "Auth"), nil); code != http.StatusCreated {
		t.Fatalf("publish status = %d", code)
	}
	if code := doJSON(t, router, "POST", "/v1/graph/resolve", publishPayload("agent-b", "id-2", "Auth"), nil); code != http.StatusOK {
		t.Fatalf("resolve status = %d", code)
	}
	body := EvidenceRequest{Kind: "test_pass", Description: "green"}
	if code := doJSON(t, router, "POST", "/v1/graph/intents/id-1/evidence", body, nil); code != http.StatusOK {
		t.Fatalf("evidence status = %d", code)
	}

	var result replay.Result
	if code := doJSON(t, router, "POST", "/v1/graph/replay", nil, &result); code != http.StatusOK {
		t.Fatalf("replay status = %d", code)
	}
	if !result.Deterministic {
		t.Errorf("replay diverged: %+v", result.Mismatches)
	}
	if result.ReplayedResolutionCount != 1 {
		t.Errorf("resolution count = %d", result.ReplayedResolutionCount)
	}

	// The replayed end state must match the live graph.
	var hash HashResponse
	doJSON(t, router, "GET", "/v1/graph/hash", nil, &hash)
	if result.FinalContentHash != hash.ContentHash {
		t.Errorf("replay hash %s != live hash %s", result.FinalContentHash, hash.ContentHash)
	}
}

func TestHandleUnknownBranch(t *testing.T) {
	router, _ := setupTestRouter(t)

	if code := doJSON(t, router, "GET", "/v1/graph/intents?branch=ghost", nil, nil); code != http.StatusNotFound {
		t.Errorf("query status = %d, want 404", code)
	}
	if code := doJSON(t, router, "POST", "/v1/graph/intents?branch=ghost", publishPayload("agent-a", "id-1", "Auth"), nil); code != http.StatusNotFound {
		t.Errorf("publish status = %d, want 404", code)
	}
}

func TestHandleHealth(t *testing.T) {
	router, _ := setupTestRouter(t)

	var health HealthResponse
	if code := doJSON(t, router, "GET", "/v1/graph/health", nil, &health); code != http.StatusOK {
		t.Fatalf("health status = %d", code)
	}
	if health.Status != "ok" || health.Branch != "main" || health.Persistent {
		t.Errorf("health = %+v", health)
	}
}

func TestHandleEvents_RequiresPersistence(t *testing.T) {
	router, _ := setupTestRouter(t)
	if code := doJSON(t, router, "GET", "/v1/graph/events", nil, nil); code != http.StatusServiceUnavailable {
		t.Errorf("events status = %d, want 503", code)
	}
}

// cannedMatcher returns fixed results so handler wiring can be exercised
// without an API key.
type cannedMatcher struct {
	prediction  semantic.TrajectoryPrediction
	historySeen int
}

func (m *cannedMatcher) CheckOverlap(ctx context.Context, a, b intent.InterfaceSpec) semantic.Match {
	return semantic.Match{}
}

func (m *cannedMatcher) CheckOverlapBatch(ctx context.Context, pairs []semantic.SpecPair) []semantic.Match {
	return make([]semantic.Match, len(pairs))
}

func (m *cannedMatcher) CheckConstraintApplies(ctx context.Context, c intent.Constraint, it *intent.Intent) semantic.ConstraintApplicability {
	return semantic.ConstraintApplicability{}
}

func (m *cannedMatcher) PredictTrajectory(ctx context.Context, history []*intent.Intent) semantic.TrajectoryPrediction {
	m.historySeen = len(history)
	return m.prediction
}

func TestHandleTrajectory_RequiresMatcher(t *testing.T) {
	router, _ := setupTestRouter(t)

	if code := doJSON(t, router, "GET", "/v1/graph/agents/agent-a/trajectory", nil, nil); code != http.StatusServiceUnavailable {
		t.Errorf("trajectory status = %d, want 503", code)
	}
}

func TestHandleTrajectory(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg, err := config.Default()
	if err != nil {
		t.Fatalf("config.Default: %v", err)
	}
	matcher := &cannedMatcher{
		prediction: semantic.TrajectoryPrediction{
			AgentID:             "agent-a",
			PredictedProvisions: []string{"AuthMiddleware"},
			Confidence:          0.8,
			Reasoning:           "auth work tends to continue",
		},
	}
	svc, err := NewService(cfg, WithMatcher(matcher))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	router := gin.New()
	v1 := router.Group("/v1")
	RegisterRoutes(v1, NewHandlers(svc))

	for _, name := range []string{"Auth", "Sessions"} {
		if code := doJSON(t, router, "POST", "/v1/graph/intents", publishPayload("agent-a", "id-"+name, name), nil); code != http.StatusCreated {
			t.Fatalf("publish %s status = %d", name, code)
		}
	}

	var pred semantic.TrajectoryPrediction
	if code := doJSON(t, router, "GET", "/v1/graph/agents/agent-a/trajectory", nil, &pred); code != http.StatusOK {
		t.Fatalf("trajectory status = %d", code)
	}
	if pred.AgentID != "agent-a" || pred.Confidence != 0.8 {
		t.Errorf("prediction = %+v", pred)
	}
	if len(pred.PredictedProvisions) != 1 || pred.PredictedProvisions[0] != "AuthMiddleware" {
		t.Errorf("provisions = %v", pred.PredictedProvisions)
	}
	// The matcher must see the agent's full history, not a stability-filtered
	// slice of it.
	if matcher.historySeen != 2 {
		t.Errorf("matcher saw %d intents, want 2", matcher.historySeen)
	}

	// Unknown branches stay 404 even with a matcher configured.
	if code := doJSON(t, router, "GET", "/v1/graph/agents/agent-a/trajectory?branch=ghost", nil, nil); code != http.StatusNotFound {
		t.Errorf("unknown branch status = %d, want 404", code)
	}
}
