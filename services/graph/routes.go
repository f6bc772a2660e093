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
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers all coordination engine routes with the router.
//
// Description:
//
//	Registers all /v1/graph/* endpoints with the given Gin router group.
//	The router group should already have any required middleware applied.
//	Intent-level endpoints accept an optional ?branch= query parameter;
//	omitting it addresses the primary branch.
//
// Inputs:
//
//	rg - Gin router group (typically /v1)
//	handlers - The handlers instance
//
// Intent Endpoints:
//
//	POST /v1/graph/intents - Publish an intent
//	GET  /v1/graph/intents - Query intents (agent_id, min_stability filters)
//	POST /v1/graph/intents/:id/evidence - Append evidence to an intent
//	POST /v1/graph/resolve - Resolve an intent without publishing
//
// Analysis Endpoints:
//
//	GET  /v1/graph/cycles - Circular requirement chains
//	GET  /v1/graph/order - Dependency-first intent ordering
//	GET  /v1/graph/hash - Order-invariant content hash
//	GET  /v1/graph/agents/:id/trajectory - Predict an agent's next intents
//
// Versioning Endpoints:
//
//	POST /v1/graph/snapshot - Capture an immutable snapshot
//	GET  /v1/graph/snapshots - List persisted snapshot metadata
//	POST /v1/graph/branches - Fork the primary branch
//	GET  /v1/graph/branches - List branches
//	POST /v1/graph/branches/:name/merge - Merge a branch back
//
// Audit Endpoints:
//
//	POST /v1/graph/replay - Verify deterministic replay
//	GET  /v1/graph/events - Query the audit trail
//
// Health Endpoints:
//
//	GET  /v1/graph/health - Health check
//
// Example:
//
//	svc, _ := graph.NewService(cfg)
//	handlers := graph.NewHandlers(svc)
//
//	v1 := router.Group("/v1")
//	graph.RegisterRoutes(v1, handlers)
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	g := rg.Group("/graph")
	{
		// Intent lifecycle
		g.POST("/intents", handlers.HandlePublish)
		g.GET("/intents", handlers.HandleQuery)
		g.POST("/intents/:id/evidence", handlers.HandleAddEvidence)
		g.POST("/resolve", handlers.HandleResolve)

		// Graph analysis
		g.GET("/cycles", handlers.HandleCycles)
		g.GET("/order", handlers.HandleOrder)
		g.GET("/hash", handlers.HandleHash)
		g.GET("/agents/:id/trajectory", handlers.HandleTrajectory)

		// Versioning
		g.POST("/snapshot", handlers.HandleSnapshot)
		g.GET("/snapshots", handlers.HandleListSnapshots)
		g.POST("/branches", handlers.HandleCreateBranch)
		g.GET("/branches", handlers.HandleListBranches)
		g.POST("/branches/:name/merge", handlers.HandleMergeBranch)

		// Audit
		g.POST("/replay", handlers.HandleReplay)
		g.GET("/events", handlers.HandleEvents)

		// Health checks
		g.GET("/health", handlers.HandleHealth)
	}
}
