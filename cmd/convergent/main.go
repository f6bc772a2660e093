// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command convergent starts the intent graph coordination server.
//
// Convergent lets multiple coding agents coordinate through a shared intent
// graph instead of talking to each other:
//   - Agents publish intents (provides, requires, constraints, evidence)
//   - The resolver detects overlap and conflicts before work starts
//   - Stability scores make proven work win over fresh declarations
//   - Snapshots, branches, and merges version the whole graph
//   - The replay log proves resolution is deterministic
//
// Usage:
//
//	go run ./cmd/convergent
//	go run ./cmd/convergent -config ./convergent.yaml
//	go run ./cmd/convergent -debug
//
// With persistence:
//
//	# storage.path in the config file enables BadgerDB persistence,
//	# the audit trail, and snapshot history.
//
// With semantic matching:
//
//	ANTHROPIC_API_KEY=sk-... go run ./cmd/convergent -config semantic.yaml
//
// Example requests:
//
//	# Health check
//	curl http://localhost:8086/v1/graph/health
//
//	# Publish an intent
//	curl -X POST http://localhost:8086/v1/graph/intents \
//	  -H "Content-Type: application/json" \
//	  -d '{"agent_id": "agent-a", "intent": "build user auth",
//	       "provides": [{"name": "AuthService", "kind": "class"}]}'
//
//	# Resolve before starting work
//	curl -X POST http://localhost:8086/v1/graph/resolve \
//	  -H "Content-Type: application/json" \
//	  -d '{"agent_id": "agent-b", "intent": "also build auth",
//	       "provides": [{"name": "AuthService", "kind": "class"}]}'
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/AleutianAI/convergent/services/graph"
	"github.com/AleutianAI/convergent/services/graph/config"
	"github.com/AleutianAI/convergent/services/graph/semantic"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file (defaults to embedded config)")
	debug := flag.Bool("debug", false, "Enable debug mode (gin logger, debug logging, trace export)")
	flag.Parse()

	setupLogging(*debug)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	if *debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// W3C TraceContext propagation so agent requests correlate across the
	// fleet.
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	shutdownTracing := setupTracing(*debug)

	// Persistence is optional: without a storage path the graph lives in
	// memory and the audit trail and snapshot history are unavailable.
	var db *badger.DB
	svcOpts := []graph.ServiceOption{graph.WithLogger(slog.Default())}
	if cfg.Storage.Path != "" {
		db, err = badger.Open(badger.DefaultOptions(cfg.Storage.Path).WithLogger(nil))
		if err != nil {
			slog.Error("Failed to open BadgerDB",
				slog.String("path", cfg.Storage.Path),
				slog.Any("error", err))
			os.Exit(1)
		}
		svcOpts = append(svcOpts, graph.WithDB(db))
		slog.Info("Persistence enabled", slog.String("path", cfg.Storage.Path))
	}

	if matcher := buildMatcher(cfg); matcher != nil {
		svcOpts = append(svcOpts, graph.WithMatcher(matcher))
	}

	svc, err := graph.NewService(cfg, svcOpts...)
	if err != nil {
		slog.Error("Failed to build service", slog.Any("error", err))
		os.Exit(1)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("convergent"))
	if *debug {
		router.Use(gin.Logger())
	}

	v1 := router.Group("/v1")
	graph.RegisterRoutes(v1, graph.NewHandlers(svc))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
	}

	go func() {
		slog.Info("Starting convergent server",
			slog.String("address", cfg.Server.Addr),
			slog.String("branch", cfg.Graph.Branch),
			slog.Bool("persistent", db != nil),
			slog.Bool("semantic", cfg.Semantic.Enabled),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down convergent server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Server shutdown incomplete", slog.Any("error", err))
	}
	if db != nil {
		if err := db.Close(); err != nil {
			slog.Warn("Failed to close BadgerDB", slog.Any("error", err))
		}
	}
	shutdownTracing()
}

// loadConfig loads the file config, or the embedded defaults when no path
// is given.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default()
	}
	return config.LoadFile(path)
}

// setupLogging installs a JSON slog handler at the requested level.
func setupLogging(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

// setupTracing installs a trace provider. Spans export to stdout in debug
// mode; otherwise sampling stays on but spans go nowhere, which keeps span
// attributes cheap to record and easy to turn on.
func setupTracing(debug bool) func() {
	var opts []sdktrace.TracerProviderOption
	if debug {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			slog.Warn("Failed to create trace exporter", slog.Any("error", err))
		} else {
			opts = append(opts, sdktrace.WithBatcher(exporter))
		}
	}
	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			slog.Warn("Trace provider shutdown incomplete", slog.Any("error", err))
		}
	}
}

// buildMatcher creates the semantic matcher when enabled and an API key is
// present. Missing keys degrade to structural matching with a warning
// instead of failing startup.
func buildMatcher(cfg *config.Config) semantic.Matcher {
	if !cfg.Semantic.Enabled {
		return nil
	}
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		slog.Warn("Semantic matching enabled but ANTHROPIC_API_KEY is unset; using structural matching only")
		return nil
	}
	opts := []semantic.MatcherOption{
		semantic.WithFastModel(cfg.Semantic.FastModel),
		semantic.WithReasoningModel(cfg.Semantic.ReasoningModel),
	}
	if cfg.Semantic.BaseURL != "" {
		opts = append(opts, semantic.WithBaseURL(cfg.Semantic.BaseURL))
	}
	matcher, err := semantic.NewAnthropicMatcher(apiKey, opts...)
	if err != nil {
		slog.Warn("Failed to create semantic matcher; using structural matching only",
			slog.Any("error", err))
		return nil
	}
	slog.Info("Semantic matching enabled",
		slog.String("fast_model", cfg.Semantic.FastModel),
		slog.String("reasoning_model", cfg.Semantic.ReasoningModel),
	)
	return matcher
}
