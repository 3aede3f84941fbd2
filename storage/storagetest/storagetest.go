// Package storagetest provides a conformance suite for chat.Store implementations.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/ggoodman/chat-server-go/chat"
)

// Factory creates an empty store for a single test.
type Factory func(t *testing.T) chat.Store

// Run runs the complete conformance suite against the provided factory.
func Run(t *testing.T, factory Factory) {
	t.Run("FindAllEmpty", func(t *testing.T) { testFindAllEmpty(t, factory) })
	t.Run("CreateAssignsIdentity", func(t *testing.T) { testCreateAssignsIdentity(t, factory) })
	t.Run("FindAllInCreationOrder", func(t *testing.T) { testFindAllInCreationOrder(t, factory) })
	t.Run("ConcurrentCreate", func(t *testing.T) { testConcurrentCreate(t, factory) })
}

func testFindAllEmpty(t *testing.T, factory Factory) {
	s := factory(t)
	msgs, err := s.FindAll(context.Background())
	if err != nil {
		t.Fatalf("FindAll failed: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("FindAll returned %d messages, want 0", len(msgs))
	}
}

func testCreateAssignsIdentity(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()

	m, err := s.Create(ctx, chat.NewMessage{From: "alice", Text: "hello"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if m.ID == "" {
		t.Error("ID should be assigned")
	}
	if m.CreatedAt.IsZero() {
		t.Error("CreatedAt should be assigned")
	}
	if m.From != "alice" || m.Text != "hello" {
		t.Errorf("Create returned %+v", m)
	}

	msgs, err := s.FindAll(ctx)
	if err != nil {
		t.Fatalf("FindAll failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("FindAll returned %d messages, want 1", len(msgs))
	}
	if msgs[0].ID != m.ID || msgs[0].From != m.From || msgs[0].Text != m.Text {
		t.Errorf("FindAll()[0] = %+v, want %+v", msgs[0], m)
	}
	if !msgs[0].CreatedAt.Equal(m.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", msgs[0].CreatedAt, m.CreatedAt)
	}
}

func testFindAllInCreationOrder(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		m, err := s.Create(ctx, chat.NewMessage{From: "alice", Text: fmt.Sprintf("m%d", i)})
		if err != nil {
			t.Fatalf("Create %d failed: %v", i, err)
		}
		ids = append(ids, m.ID)
	}

	msgs, err := s.FindAll(ctx)
	if err != nil {
		t.Fatalf("FindAll failed: %v", err)
	}
	if len(msgs) != len(ids) {
		t.Fatalf("FindAll returned %d messages, want %d", len(msgs), len(ids))
	}
	for i, m := range msgs {
		if m.ID != ids[i] {
			t.Errorf("FindAll()[%d].ID = %q, want %q", i, m.ID, ids[i])
		}
		if m.Text != fmt.Sprintf("m%d", i) {
			t.Errorf("FindAll()[%d].Text = %q", i, m.Text)
		}
	}

	// Mutating the result must not affect the store.
	msgs[0].Text = "tampered"
	again, err := s.FindAll(ctx)
	if err != nil {
		t.Fatalf("FindAll failed: %v", err)
	}
	if again[0].Text != "m0" {
		t.Errorf("store was mutated through FindAll result: %q", again[0].Text)
	}
}

func testConcurrentCreate(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()

	const writers = 8
	const perWriter = 25

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if _, err := s.Create(ctx, chat.NewMessage{From: fmt.Sprintf("u%d", w), Text: "x"}); err != nil {
					t.Errorf("Create failed: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	msgs, err := s.FindAll(ctx)
	if err != nil {
		t.Fatalf("FindAll failed: %v", err)
	}
	if len(msgs) != writers*perWriter {
		t.Fatalf("FindAll returned %d messages, want %d", len(msgs), writers*perWriter)
	}
	seen := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		if seen[m.ID] {
			t.Fatalf("duplicate id %q", m.ID)
		}
		seen[m.ID] = true
	}
}
