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
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/convergent/services/graph/cycles"
	"github.com/AleutianAI/convergent/services/graph/events"
	"github.com/AleutianAI/convergent/services/graph/intent"
	"github.com/AleutianAI/convergent/services/graph/stability"
)

// Handlers holds the HTTP handlers for the coordination engine.
type Handlers struct {
	svc *Service
}

// NewHandlers creates the handler set for a service.
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc}
}

// getOrCreateRequestID returns the request's X-Request-ID header, creating
// one when absent.
func getOrCreateRequestID(c *gin.Context) string {
	if id := c.GetHeader("X-Request-ID"); id != "" {
		return id
	}
	return uuid.NewString()
}

// branchParam returns the ?branch= query parameter (empty means the primary
// branch).
func branchParam(c *gin.Context) string {
	return c.Query("branch")
}

// HandlePublish handles POST /v1/graph/intents.
//
// Description:
//
//	Validates the intent against the contract invariants and publishes it
//	to the requested branch.
//
// Response:
//
//	201 Created: PublishResponse
//	400 Bad Request: Malformed payload or contract violation
//	404 Not Found: Unknown branch
func (h *Handlers) HandlePublish(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandlePublish")

	var payload IntentPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_JSON"})
		return
	}
	it, err := payload.ToIntent()
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_INTENT"})
		return
	}

	branch := branchParam(c)
	score, err := h.svc.Publish(c.Request.Context(), branch, it)
	if err != nil {
		status, code := http.StatusBadRequest, "CONTRACT_VIOLATION"
		if isUnknownBranch(err) {
			status, code = http.StatusNotFound, "UNKNOWN_BRANCH"
		}
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}

	logger.Info("intent published",
		slog.String("intent_id", it.ID),
		slog.String("agent_id", it.AgentID),
		slog.Float64("stability", score),
	)
	c.JSON(http.StatusCreated, PublishResponse{
		IntentID:  it.ID,
		Stability: score,
		Branch:    branchOrMain(h.svc, branch),
	})
}

// HandleResolve handles POST /v1/graph/resolve.
//
// Description:
//
//	Resolves an intent against the branch without publishing it, returning
//	the adjustments, conflicts, and adopted constraints the agent should
//	act on before starting work.
//
// Response:
//
//	200 OK: intent.ResolutionResult
//	400 Bad Request: Malformed payload
//	404 Not Found: Unknown branch
func (h *Handlers) HandleResolve(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleResolve")

	var payload IntentPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_JSON"})
		return
	}
	it, err := payload.ToIntent()
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_INTENT"})
		return
	}

	result, err := h.svc.Resolve(c.Request.Context(), branchParam(c), it)
	if err != nil {
		status, code := http.StatusInternalServerError, "RESOLVE_FAILED"
		if isUnknownBranch(err) {
			status, code = http.StatusNotFound, "UNKNOWN_BRANCH"
		}
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}

	logger.Info("intent resolved",
		slog.String("intent_id", it.ID),
		slog.Int("adjustments", len(result.Adjustments)),
		slog.Int("conflicts", len(result.Conflicts)),
	)
	c.JSON(http.StatusOK, result)
}

// HandleQuery handles GET /v1/graph/intents.
//
// Query Parameters:
//
//	branch: Branch to query (optional, defaults to the primary branch)
//	agent_id: Restrict to one agent's intents (optional)
//	min_stability: Stability floor, default 0 (optional)
//
// Response:
//
//	200 OK: QueryResponse
//	400 Bad Request: Malformed min_stability
//	404 Not Found: Unknown branch
func (h *Handlers) HandleQuery(c *gin.Context) {
	minStability := 0.0
	if raw := c.Query("min_stability"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil || parsed < 0 || parsed > 1 {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: "min_stability must be a number in [0,1]",
				Code:  "INVALID_PARAMETER",
			})
			return
		}
		minStability = parsed
	}

	intents, err := h.svc.Query(c.Request.Context(), branchParam(c), c.Query("agent_id"), minStability)
	if err != nil {
		status, code := http.StatusInternalServerError, "QUERY_FAILED"
		if isUnknownBranch(err) {
			status, code = http.StatusNotFound, "UNKNOWN_BRANCH"
		}
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}

	response := QueryResponse{Intents: make([]IntentSummary, 0, len(intents)), Count: len(intents)}
	for _, it := range intents {
		response.Intents = append(response.Intents, IntentSummary{
			Intent:    it,
			Stability: stability.Score(it.Evidence),
		})
	}
	c.JSON(http.StatusOK, response)
}

// HandleAddEvidence handles POST /v1/graph/intents/:id/evidence.
//
// Description:
//
//	Appends evidence to a published intent. This is the only mutation the
//	graph permits after publish; the response carries the recomputed
//	stability.
//
// Response:
//
//	200 OK: EvidenceResponse
//	400 Bad Request: Unknown evidence kind
//	404 Not Found: Unknown branch or intent
func (h *Handlers) HandleAddEvidence(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleAddEvidence")

	var req EvidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_JSON"})
		return
	}
	kind := intent.EvidenceKind(req.Kind)
	if !kind.Valid() {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "unknown evidence kind " + strconv.Quote(req.Kind),
			Code:  "INVALID_EVIDENCE_KIND",
		})
		return
	}

	intentID := c.Param("id")
	ev := intent.Evidence{Kind: kind, Description: req.Description, Timestamp: time.Now().UTC()}
	score, err := h.svc.AddEvidence(c.Request.Context(), branchParam(c), intentID, ev)
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "NOT_FOUND"})
		return
	}

	logger.Info("evidence added",
		slog.String("intent_id", intentID),
		slog.String("kind", string(kind)),
		slog.Float64("stability", score),
	)
	c.JSON(http.StatusOK, EvidenceResponse{IntentID: intentID, Stability: score})
}

// HandleCycles handles GET /v1/graph/cycles.
//
// Response:
//
//	200 OK: CyclesResponse
//	404 Not Found: Unknown branch
func (h *Handlers) HandleCycles(c *gin.Context) {
	found, err := h.svc.Cycles(c.Request.Context(), branchParam(c))
	if err != nil {
		status, code := http.StatusInternalServerError, "CYCLES_FAILED"
		if isUnknownBranch(err) {
			status, code = http.StatusNotFound, "UNKNOWN_BRANCH"
		}
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}

	response := CyclesResponse{Cycles: make([]CycleInfo, 0, len(found)), Count: len(found)}
	for _, cy := range found {
		response.Cycles = append(response.Cycles, CycleInfo{
			IntentIDs: cy.IntentIDs,
			AgentIDs:  cy.AgentIDs,
			Display:   cy.String(),
		})
	}
	c.JSON(http.StatusOK, response)
}

// HandleOrder handles GET /v1/graph/order.
//
// Response:
//
//	200 OK: OrderResponse (dependency-first intent IDs)
//	404 Not Found: Unknown branch
//	409 Conflict: The graph has circular requirements
func (h *Handlers) HandleOrder(c *gin.Context) {
	order, err := h.svc.Order(c.Request.Context(), branchParam(c))
	if err != nil {
		if errors.Is(err, cycles.ErrCyclic) {
			c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "CYCLIC_GRAPH"})
			return
		}
		status, code := http.StatusInternalServerError, "ORDER_FAILED"
		if isUnknownBranch(err) {
			status, code = http.StatusNotFound, "UNKNOWN_BRANCH"
		}
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}
	c.JSON(http.StatusOK, OrderResponse{Order: order})
}

// HandleHash handles GET /v1/graph/hash.
//
// Response:
//
//	200 OK: HashResponse
//	404 Not Found: Unknown branch
func (h *Handlers) HandleHash(c *gin.Context) {
	branch := branchParam(c)
	hash, err := h.svc.Hash(c.Request.Context(), branch)
	if err != nil {
		status, code := http.StatusInternalServerError, "HASH_FAILED"
		if isUnknownBranch(err) {
			status, code = http.StatusNotFound, "UNKNOWN_BRANCH"
		}
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}
	c.JSON(http.StatusOK, HashResponse{
		Branch:      branchOrMain(h.svc, branch),
		ContentHash: hash,
	})
}

// HandleSnapshot handles POST /v1/graph/snapshot.
//
// Response:
//
//	201 Created: SnapshotResponse
//	404 Not Found: Unknown branch
func (h *Handlers) HandleSnapshot(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleSnapshot")

	snap, err := h.svc.Snapshot(c.Request.Context(), branchParam(c))
	if err != nil {
		status, code := http.StatusInternalServerError, "SNAPSHOT_FAILED"
		if isUnknownBranch(err) {
			status, code = http.StatusNotFound, "UNKNOWN_BRANCH"
		}
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}

	logger.Info("snapshot taken",
		slog.String("snapshot_id", snap.ID),
		slog.Int("version", snap.Version),
	)
	c.JSON(http.StatusCreated, SnapshotResponse{
		SnapshotID:  snap.ID,
		Branch:      snap.SourceBranch,
		Version:     snap.Version,
		IntentCount: snap.Count(),
		ContentHash: snap.ContentHash(),
		Timestamp:   snap.Timestamp,
	})
}

// HandleListSnapshots handles GET /v1/graph/snapshots.
//
// Query Parameters:
//
//	branch: Filter to one branch (optional)
//	limit: Maximum results, default 100 (optional)
//
// Response:
//
//	200 OK: []SnapshotMetadata
//	503 Service Unavailable: Persistence not configured
func (h *Handlers) HandleListSnapshots(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	metas, err := h.svc.SnapshotHistory(c.Request.Context(), c.Query("branch"), limit)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error(), Code: "NO_PERSISTENCE"})
		return
	}
	c.JSON(http.StatusOK, metas)
}

// HandleCreateBranch handles POST /v1/graph/branches.
//
// Response:
//
//	201 Created: BranchResponse
//	400 Bad Request: Missing or duplicate branch name
func (h *Handlers) HandleCreateBranch(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleCreateBranch")

	var req BranchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_JSON"})
		return
	}

	branch, err := h.svc.CreateBranch(c.Request.Context(), req.Name)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "BRANCH_FAILED"})
		return
	}

	count, _ := branch.Resolver().Count(c.Request.Context())
	hash, _ := branch.ContentHash(c.Request.Context())
	logger.Info("branch created", slog.String("branch", req.Name), slog.Int("intents", count))
	c.JSON(http.StatusCreated, BranchResponse{
		Name:        req.Name,
		IntentCount: count,
		ContentHash: hash,
	})
}

// HandleListBranches handles GET /v1/graph/branches.
func (h *Handlers) HandleListBranches(c *gin.Context) {
	c.JSON(http.StatusOK, BranchListResponse{
		Branches: h.svc.BranchNames(),
		Main:     h.svc.MainBranch(),
	})
}

// HandleMergeBranch handles POST /v1/graph/branches/:name/merge.
//
// Description:
//
//	Merges the named branch into the primary branch. A merge blocked by
//	hard failures or escalations returns 409 with the full MergeResult so
//	the caller can see exactly which intents were rejected and why.
//
// Response:
//
//	200 OK: version.MergeResult (successful merge; branch removed)
//	404 Not Found: Unknown branch
//	409 Conflict: version.MergeResult (merge rejected)
func (h *Handlers) HandleMergeBranch(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleMergeBranch")

	name := c.Param("name")
	result, err := h.svc.MergeBranch(c.Request.Context(), name)
	if err != nil {
		status, code := http.StatusBadRequest, "MERGE_FAILED"
		if isUnknownBranch(err) {
			status, code = http.StatusNotFound, "UNKNOWN_BRANCH"
		}
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}

	logger.Info("merge finished",
		slog.String("branch", name),
		slog.Bool("success", result.Success),
		slog.Int("merged", len(result.Merged)),
		slog.Int("rejected", len(result.Rejected)),
	)
	if !result.Success {
		c.JSON(http.StatusConflict, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

// HandleReplay handles POST /v1/graph/replay.
//
// Description:
//
//	Re-executes the primary branch's recorded operations on a fresh graph
//	and reports whether they reproduce the original outcomes.
//
// Response:
//
//	200 OK: replay.Result
func (h *Handlers) HandleReplay(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleReplay")

	result, err := h.svc.Replay(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "REPLAY_FAILED"})
		return
	}

	logger.Info("replay finished",
		slog.Bool("deterministic", result.Deterministic),
		slog.Int("intents", result.ReplayedIntentCount),
		slog.Int("mismatches", len(result.Mismatches)),
	)
	c.JSON(http.StatusOK, result)
}

// HandleEvents handles GET /v1/graph/events.
//
// Query Parameters:
//
//	agent_id: Filter to one agent (optional)
//	type: Filter to one event type (optional)
//	limit: Maximum results (optional)
//
// Response:
//
//	200 OK: []events.Event
//	503 Service Unavailable: Persistence not configured
func (h *Handlers) HandleEvents(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	filter := events.Filter{
		AgentID:  c.Query("agent_id"),
		IntentID: c.Query("intent_id"),
		Type:     events.EventType(c.Query("type")),
		Limit:    limit,
	}

	evs, err := h.svc.Events(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error(), Code: "NO_PERSISTENCE"})
		return
	}
	c.JSON(http.StatusOK, evs)
}

// HandleTrajectory handles GET /v1/graph/agents/:id/trajectory.
//
// Description:
//
//	Predicts the agent's likely next intents from its published history on
//	the branch. Requires a configured semantic matcher; without one the
//	endpoint reports 503 rather than guessing structurally.
//
// Response:
//
//	200 OK: semantic.TrajectoryPrediction
//	404 Not Found: Unknown branch
//	503 Service Unavailable: No semantic matcher configured
func (h *Handlers) HandleTrajectory(c *gin.Context) {
	prediction, err := h.svc.Trajectory(c.Request.Context(), branchParam(c), c.Param("id"))
	if err != nil {
		status, code := http.StatusInternalServerError, "TRAJECTORY_FAILED"
		switch {
		case isUnknownBranch(err):
			status, code = http.StatusNotFound, "UNKNOWN_BRANCH"
		case errors.Is(err, ErrNoMatcher):
			status, code = http.StatusServiceUnavailable, "NO_SEMANTIC_MATCHER"
		}
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}
	c.JSON(http.StatusOK, prediction)
}

// HandleHealth handles GET /v1/graph/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	main, err := h.svc.Graph("")
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "UNHEALTHY"})
		return
	}
	count, err := main.Resolver().Count(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "UNHEALTHY"})
		return
	}
	c.JSON(http.StatusOK, HealthResponse{
		Status:      "ok",
		Branch:      h.svc.MainBranch(),
		IntentCount: count,
		Persistent:  h.svc.db != nil,
	})
}

// isUnknownBranch reports whether the error is a branch lookup failure.
func isUnknownBranch(err error) bool {
	return errors.Is(err, ErrUnknownBranch)
}

// branchOrMain resolves the branch name a request addressed.
func branchOrMain(svc *Service, branch string) string {
	if branch == "" {
		return svc.MainBranch()
	}
	return branch
}
