// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package backend

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/AleutianAI/convergent/services/graph/intent"
)

func publishOrFail(t *testing.T, b *MemoryBackend, it *intent.Intent) float64 {
	t.Helper()
	score, err := b.Publish(context.Background(), it)
	if err != nil {
		t.Fatalf("Publish(%s): %v", it.ID, err)
	}
	return score
}

func TestMemoryBackend_PublishAndCount(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()

	score := publishOrFail(t, b, intent.New("agent-a", "build auth"))
	if score != 0.3 {
		t.Errorf("fresh intent stability = %v, want 0.3", score)
	}

	publishOrFail(t, b, intent.New("agent-b", "build payments"))

	n, err := b.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 2 {
		t.Errorf("Count = %d, want 2", n)
	}
}

func TestMemoryBackend_PublishNil(t *testing.T) {
	b := NewMemoryBackend()
	if _, err := b.Publish(context.Background(), nil); err == nil {
		t.Error("expected error for nil intent")
	}
}

func TestMemoryBackend_QueryAll_StabilityFloor(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()

	weak := intent.New("agent-a", "sketchy idea",
		intent.WithEvidence(intent.TestFail("integration red")))
	strong := intent.New("agent-b", "committed work",
		intent.WithEvidence(intent.CodeCommitted("merged")))
	publishOrFail(t, b, weak)
	publishOrFail(t, b, strong)

	got, err := b.QueryAll(ctx, 0.3)
	if err != nil {
		t.Fatalf("QueryAll: %v", err)
	}
	if len(got) != 1 || got[0].ID != strong.ID {
		t.Errorf("QueryAll(0.3) returned %d intents, want only the strong one", len(got))
	}

	all, err := b.QueryAll(ctx, 0.0)
	if err != nil {
		t.Fatalf("QueryAll: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("QueryAll(0.0) returned %d intents, want 2", len(all))
	}
}

func TestMemoryBackend_QueryAll_SeesEvidenceGrowth(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()

	it := intent.New("agent-a", "work in progress")
	publishOrFail(t, b, it)

	got, err := b.QueryAll(ctx, 0.5)
	if err != nil {
		t.Fatalf("QueryAll: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected fresh intent below 0.5 floor")
	}

	// Stability is recomputed on read, so appended evidence lifts the
	// intent over the floor without republishing.
	it.AddEvidence(intent.CodeCommitted("merged to main"))
	got, err = b.QueryAll(ctx, 0.5)
	if err != nil {
		t.Fatalf("QueryAll: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("expected intent above floor after code_committed evidence")
	}
}

func TestMemoryBackend_QueryByAgent(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()

	a1 := intent.New("agent-a", "first")
	a2 := intent.New("agent-a", "second")
	publishOrFail(t, b, a1)
	publishOrFail(t, b, intent.New("agent-b", "other"))
	publishOrFail(t, b, a2)

	got, err := b.QueryByAgent(ctx, "agent-a")
	if err != nil {
		t.Fatalf("QueryByAgent: %v", err)
	}
	if len(got) != 2 || got[0].ID != a1.ID || got[1].ID != a2.ID {
		t.Errorf("QueryByAgent returned wrong set or order: %v", got)
	}

	none, err := b.QueryByAgent(ctx, "agent-z")
	if err != nil {
		t.Fatalf("QueryByAgent: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("expected no intents for unknown agent")
	}
}

func TestMemoryBackend_FindOverlapping(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()

	mine := []intent.InterfaceSpec{{Name: "UserModel", Kind: intent.KindModel}}

	overlapping := intent.New("agent-b", "user service",
		intent.WithProvides(intent.InterfaceSpec{Name: "UserService", Kind: intent.KindClass}))
	unrelated := intent.New("agent-c", "billing",
		intent.WithProvides(intent.InterfaceSpec{Name: "PaymentModel", Kind: intent.KindModel}))
	selfOwned := intent.New("agent-a", "my own user work",
		intent.WithProvides(intent.InterfaceSpec{Name: "UserModel", Kind: intent.KindModel}))

	publishOrFail(t, b, overlapping)
	publishOrFail(t, b, unrelated)
	publishOrFail(t, b, selfOwned)

	got, err := b.FindOverlapping(ctx, mine, "agent-a", 0.0)
	if err != nil {
		t.Fatalf("FindOverlapping: %v", err)
	}
	if len(got) != 1 || got[0].ID != overlapping.ID {
		t.Errorf("FindOverlapping = %v, want only the overlapping intent", got)
	}
}

func TestMemoryBackend_FindOverlapping_TagOverlap(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()

	other := intent.New("agent-b", "related by tags",
		intent.WithProvides(intent.InterfaceSpec{
			Name: "CompletelyDifferent",
			Tags: []string{"auth", "session"},
		}))
	publishOrFail(t, b, other)

	mine := []intent.InterfaceSpec{{Name: "Unrelated", Tags: []string{"auth", "session", "jwt"}}}
	got, err := b.FindOverlapping(ctx, mine, "agent-a", 0.0)
	if err != nil {
		t.Fatalf("FindOverlapping: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("expected tag-based overlap match, got %d", len(got))
	}
}

func TestMemoryBackend_FindOverlapping_SortedByID(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()

	// Publish in reverse ID order to prove the sort.
	for _, id := range []string{"id-c", "id-a", "id-b"} {
		publishOrFail(t, b, intent.New("agent-b", "user work",
			intent.WithID(id),
			intent.WithProvides(intent.InterfaceSpec{Name: "UserModel"})))
	}

	got, err := b.FindOverlapping(ctx, []intent.InterfaceSpec{{Name: "User"}}, "agent-a", 0.0)
	if err != nil {
		t.Fatalf("FindOverlapping: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 matches, got %d", len(got))
	}
	for i, want := range []string{"id-a", "id-b", "id-c"} {
		if got[i].ID != want {
			t.Errorf("position %d: got %s, want %s", i, got[i].ID, want)
		}
	}
}

func TestMemoryBackend_ContextCancellation(t *testing.T) {
	b := NewMemoryBackend()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := b.Publish(ctx, intent.New("agent-a", "x")); err == nil {
		t.Error("Publish should fail on cancelled context")
	}
	if _, err := b.QueryAll(ctx, 0.0); err == nil {
		t.Error("QueryAll should fail on cancelled context")
	}
}

func TestMemoryBackend_ConcurrentAccess(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			agent := fmt.Sprintf("agent-%d", n%3)
			_, _ = b.Publish(ctx, intent.New(agent, "concurrent publish"))
		}(i)
		go func() {
			defer wg.Done()
			_, _ = b.QueryAll(ctx, 0.0)
			_, _ = b.FindOverlapping(ctx, []intent.InterfaceSpec{{Name: "X"}}, "agent-0", 0.0)
		}()
	}
	wg.Wait()

	n, err := b.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 10 {
		t.Errorf("Count = %d, want 10", n)
	}
}
