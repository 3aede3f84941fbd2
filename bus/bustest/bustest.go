// Package bustest provides a conformance suite for bus.Bus implementations.
package bustest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/chat-server-go/bus"
)

// Factory creates a fresh bus for a single test.
type Factory func(t *testing.T) bus.Bus

// Run runs the complete conformance suite against the provided factory.
func Run(t *testing.T, factory Factory) {
	t.Run("PublishWithoutSubscribers", func(t *testing.T) { testPublishWithoutSubscribers(t, factory) })
	t.Run("SubscribeThenPublish", func(t *testing.T) { testSubscribeThenPublish(t, factory) })
	t.Run("NoReplay", func(t *testing.T) { testNoReplay(t, factory) })
	t.Run("MultipleSubscribers", func(t *testing.T) { testMultipleSubscribers(t, factory) })
	t.Run("TopicIsolation", func(t *testing.T) { testTopicIsolation(t, factory) })
	t.Run("CloseStopsDelivery", func(t *testing.T) { testCloseStopsDelivery(t, factory) })
	t.Run("ContextCancellationDeregisters", func(t *testing.T) { testContextCancellation(t, factory) })
	t.Run("ConcurrentPublishAndSubscribe", func(t *testing.T) { testConcurrentPublishAndSubscribe(t, factory) })
}

func testPublishWithoutSubscribers(t *testing.T, factory Factory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := b.Publish(ctx, "empty", []byte("nobody listens"))
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Publish to empty topic failed: %v", err)
		}
	case <-ctx.Done():
		t.Fatal("Publish to empty topic blocked")
	}
}

func testSubscribeThenPublish(t *testing.T, factory Factory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := b.Subscribe(ctx, "t")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	for i := 0; i < 3; i++ {
		payload := fmt.Sprintf("event-%d", i)
		id, err := b.Publish(ctx, "t", []byte(payload))
		if err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		ev, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if ev.ID != id {
			t.Errorf("event id = %q, want %q", ev.ID, id)
		}
		if ev.Topic != "t" {
			t.Errorf("event topic = %q, want %q", ev.Topic, "t")
		}
		if string(ev.Data) != payload {
			t.Errorf("event data = %q, want %q", ev.Data, payload)
		}
	}

	ExpectNoEvent(t, sub)
}

func testNoReplay(t *testing.T, factory Factory) {
	b := factory(t)
	ctx := context.Background()

	if _, err := b.Publish(ctx, "t", []byte("before")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	sub, err := b.Subscribe(ctx, "t")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	ExpectNoEvent(t, sub)
}

func testMultipleSubscribers(t *testing.T, factory Factory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const subscribers = 5
	const events = 10

	subs := make([]bus.Subscription, subscribers)
	for i := range subs {
		sub, err := b.Subscribe(ctx, "fanout")
		if err != nil {
			t.Fatalf("Subscribe %d failed: %v", i, err)
		}
		defer sub.Close()
		subs[i] = sub
	}

	for i := 0; i < events; i++ {
		if _, err := b.Publish(ctx, "fanout", []byte(fmt.Sprintf("%d", i))); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	for i, sub := range subs {
		for j := 0; j < events; j++ {
			ev, err := sub.Next(ctx)
			if err != nil {
				t.Fatalf("subscriber %d: Next %d failed: %v", i, j, err)
			}
			if string(ev.Data) != fmt.Sprintf("%d", j) {
				t.Errorf("subscriber %d: event %d data = %q", i, j, ev.Data)
			}
		}
		ExpectNoEvent(t, sub)
	}
}

func testTopicIsolation(t *testing.T, factory Factory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a, err := b.Subscribe(ctx, "a")
	if err != nil {
		t.Fatalf("Subscribe a failed: %v", err)
	}
	defer a.Close()

	if _, err := b.Publish(ctx, "b", []byte("for b")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	ExpectNoEvent(t, a)
}

func testCloseStopsDelivery(t *testing.T, factory Factory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	keep, err := b.Subscribe(ctx, "t")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer keep.Close()

	gone, err := b.Subscribe(ctx, "t")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := gone.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := gone.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	if _, err := b.Publish(ctx, "t", []byte("after close")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if _, err := gone.Next(ctx); err == nil {
		t.Fatal("Next on closed subscription returned an event")
	}

	ev, err := keep.Next(ctx)
	if err != nil {
		t.Fatalf("Next on live subscription failed: %v", err)
	}
	if string(ev.Data) != "after close" {
		t.Errorf("event data = %q, want %q", ev.Data, "after close")
	}
}

func testContextCancellation(t *testing.T, factory Factory) {
	b := factory(t)

	subCtx, cancelSub := context.WithCancel(context.Background())
	sub, err := b.Subscribe(subCtx, "t")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	cancelSub()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Wait for the cancellation to be observed.
	for {
		_, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				t.Fatal("subscription not closed after its context was canceled")
			}
			break
		}
	}

	if _, err := b.Publish(ctx, "t", []byte("late")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
}

func testConcurrentPublishAndSubscribe(t *testing.T, factory Factory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if _, err := b.Publish(ctx, "busy", []byte("x")); err != nil {
					t.Errorf("Publish failed: %v", err)
					return
				}
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				sub, err := b.Subscribe(ctx, "busy")
				if err != nil {
					t.Errorf("Subscribe failed: %v", err)
					return
				}
				_ = sub.Close()
			}
		}()
	}
	wg.Wait()
}

// ExpectNoEvent fails the test if sub yields an event within a short window.
func ExpectNoEvent(t *testing.T, sub bus.Subscription) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	ev, err := sub.Next(ctx)
	if err == nil {
		t.Fatalf("unexpected event %q on topic %q", ev.Data, ev.Topic)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Next returned %v, want deadline exceeded", err)
	}
}
