package memory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/ggoodman/chat-server-go/bus"
	"github.com/ggoodman/chat-server-go/bus/bustest"
)

func TestBus_Conformance(t *testing.T) {
	bustest.Run(t, func(t *testing.T) bus.Bus {
		b := New()
		t.Cleanup(func() { _ = b.Close() })
		return b
	})
}

func TestBus_SlowSubscriberIsIsolated(t *testing.T) {
	const buffer = 4
	const events = 20

	b := New(WithBufferSize(buffer))
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slow, err := b.Subscribe(ctx, "t")
	if err != nil {
		t.Fatalf("Subscribe slow failed: %v", err)
	}
	defer slow.Close()

	fast, err := b.Subscribe(ctx, "t")
	if err != nil {
		t.Fatalf("Subscribe fast failed: %v", err)
	}
	defer fast.Close()

	for i := 0; i < events; i++ {
		if _, err := b.Publish(ctx, "t", []byte(fmt.Sprintf("%d", i))); err != nil {
			t.Fatalf("Publish %d failed: %v", i, err)
		}
		ev, err := fast.Next(ctx)
		if err != nil {
			t.Fatalf("fast Next %d failed: %v", i, err)
		}
		if string(ev.Data) != fmt.Sprintf("%d", i) {
			t.Fatalf("fast event %d data = %q", i, ev.Data)
		}
	}

	for i := 0; i < buffer; i++ {
		ev, err := slow.Next(ctx)
		if err != nil {
			t.Fatalf("slow Next %d failed: %v", i, err)
		}
		if string(ev.Data) != fmt.Sprintf("%d", i) {
			t.Errorf("slow event %d data = %q", i, ev.Data)
		}
	}
	bustest.ExpectNoEvent(t, slow)

	if got := slow.(*subscription).Dropped(); got != events-buffer {
		t.Errorf("slow Dropped() = %d, want %d", got, events-buffer)
	}
	if got := b.Stats().Dropped; got != events-buffer {
		t.Errorf("Stats().Dropped = %d, want %d", got, events-buffer)
	}
}

func TestBus_EmptyTopicsAreCollected(t *testing.T) {
	b := New()
	defer b.Close()
	ctx := context.Background()

	sub1, _ := b.Subscribe(ctx, "a")
	sub2, _ := b.Subscribe(ctx, "a")
	sub3, _ := b.Subscribe(ctx, "b")

	if st := b.Stats(); st.Topics != 2 || st.Subscribers != 3 {
		t.Fatalf("Stats() = %+v, want 2 topics and 3 subscribers", st)
	}

	_ = sub1.Close()
	_ = sub3.Close()
	if st := b.Stats(); st.Topics != 1 || st.Subscribers != 1 {
		t.Fatalf("Stats() = %+v, want 1 topic and 1 subscriber", st)
	}

	_ = sub2.Close()
	if st := b.Stats(); st.Topics != 0 || st.Subscribers != 0 {
		t.Fatalf("Stats() = %+v, want empty bus", st)
	}

	if _, err := b.Publish(ctx, "a", []byte("x")); err != nil {
		t.Fatalf("Publish to collected topic failed: %v", err)
	}
}

func TestBus_Close(t *testing.T) {
	b := New()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "t")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, err := sub.Next(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("Next after bus close = %v, want io.EOF", err)
	}
	if _, err := b.Publish(ctx, "t", nil); !errors.Is(err, bus.ErrClosed) {
		t.Errorf("Publish after close = %v, want ErrClosed", err)
	}
	if _, err := b.Subscribe(ctx, "t"); !errors.Is(err, bus.ErrClosed) {
		t.Errorf("Subscribe after close = %v, want ErrClosed", err)
	}
}

func TestBus_PublishCopiesPayload(t *testing.T) {
	b := New()
	defer b.Close()
	ctx := context.Background()

	sub, _ := b.Subscribe(ctx, "t")
	defer sub.Close()

	payload := []byte("original")
	if _, err := b.Publish(ctx, "t", payload); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	copy(payload, "mutated!")

	ev, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if string(ev.Data) != "original" {
		t.Errorf("event data = %q, want %q", ev.Data, "original")
	}
}
