// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"context"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/convergent/services/graph/backend"
	"github.com/AleutianAI/convergent/services/graph/intent"
	"github.com/AleutianAI/convergent/services/graph/resolver"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		t.Fatalf("opening badger: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	log, err := NewLog(db, nil)
	if err != nil {
		t.Fatalf("NewLog: %v", err)
	}
	return log
}

func TestLog_AppendAssignsSequence(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ev := &Event{Type: EventIntentPublished, AgentID: "agent-a", IntentID: "id-1"}
		if err := log.Append(ctx, ev); err != nil {
			t.Fatalf("Append: %v", err)
		}
		if ev.Seq != uint64(i+1) {
			t.Errorf("Seq = %d, want %d", ev.Seq, i+1)
		}
		if ev.Timestamp.IsZero() {
			t.Error("Append should assign a timestamp")
		}
	}

	n, err := log.Len(ctx)
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n != 3 {
		t.Errorf("Len = %d, want 3", n)
	}
}

func TestLog_QueryFilters(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seed := []*Event{
		{Type: EventIntentPublished, AgentID: "agent-a", IntentID: "id-1", Timestamp: base},
		{Type: EventConflictDetected, AgentID: "agent-a", IntentID: "id-1", Timestamp: base.Add(time.Minute)},
		{Type: EventIntentPublished, AgentID: "agent-b", IntentID: "id-2", Timestamp: base.Add(2 * time.Minute)},
	}
	for _, ev := range seed {
		if err := log.Append(ctx, ev); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	byAgent, err := log.Query(ctx, Filter{AgentID: "agent-a"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(byAgent) != 2 {
		t.Errorf("agent filter = %d events, want 2", len(byAgent))
	}

	byType, err := log.Query(ctx, Filter{Type: EventConflictDetected})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(byType) != 1 || byType[0].IntentID != "id-1" {
		t.Errorf("type filter = %v", byType)
	}

	byIntent, err := log.Query(ctx, Filter{IntentID: "id-1"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(byIntent) != 2 {
		t.Errorf("intent filter = %d events, want 2", len(byIntent))
	}

	since, err := log.Query(ctx, Filter{Since: base.Add(time.Minute)})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(since) != 2 {
		t.Errorf("since filter = %d events, want 2", len(since))
	}

	limited, err := log.Query(ctx, Filter{Limit: 1})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(limited) != 1 || limited[0].Seq != 1 {
		t.Errorf("limit filter = %v, want just the first event", limited)
	}
}

func TestLog_ChronologicalOrder(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		if err := log.Append(ctx, &Event{Type: EventIntentPublished, AgentID: "agent-a"}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	all, err := log.Query(ctx, Filter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(all) != 15 {
		t.Fatalf("Query = %d events, want 15", len(all))
	}
	for i, ev := range all {
		if ev.Seq != uint64(i+1) {
			t.Fatalf("event %d has Seq %d; order broken", i, ev.Seq)
		}
	}
}

func TestRecorder_CapturesResolverEvents(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()

	r := resolver.New(backend.NewMemoryBackend(),
		resolver.WithListeners(NewRecorder(log, nil)))

	established := intent.New("agent-a", "own config",
		intent.WithID("established-id"),
		intent.WithProvides(intent.InterfaceSpec{Name: "Config", Kind: intent.KindConfig}),
		intent.WithEvidence(intent.CodeCommitted("merged")))
	if _, err := r.Publish(ctx, established); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	// A duplicate provision at equal footing is a conflict; the recorder
	// must capture the publish, the conflict, and the resolution.
	rival := intent.New("agent-b", "also own config",
		intent.WithID("rival-id"),
		intent.WithProvides(intent.InterfaceSpec{Name: "Config", Kind: intent.KindConfig}),
		intent.WithEvidence(intent.CodeCommitted("merged too")))
	if _, err := r.Resolve(ctx, rival); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	published, err := log.Query(ctx, Filter{Type: EventIntentPublished})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(published) != 1 || published[0].Stability != 0.5 {
		t.Errorf("published events = %+v", published)
	}

	conflicts, err := log.Query(ctx, Filter{Type: EventConflictDetected})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("conflict events = %+v", conflicts)
	}
	if conflicts[0].Conflict == nil || conflicts[0].Conflict.TheirIntentID != "established-id" {
		t.Errorf("conflict payload = %+v", conflicts[0].Conflict)
	}

	resolved, err := log.Query(ctx, Filter{Type: EventIntentResolved})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(resolved) != 1 || resolved[0].Result == nil {
		t.Fatalf("resolved events = %+v", resolved)
	}
	if resolved[0].Result.OriginalIntentID != "rival-id" {
		t.Errorf("result payload = %+v", resolved[0].Result)
	}
}
