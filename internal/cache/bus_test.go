package cache

import (
	"context"
	"testing"
	"time"
)

func TestReloadBusPublishesToSubscriber(t *testing.T) {
	bus := NewReloadBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := bus.Subscribe(ctx, "article")
	defer cleanup()

	bus.Publish(ReloadEvent{
		TypeName:       "article",
		ExcludeViewIDs: []string{"feed-1"},
	})

	select {
	case received := <-stream:
		if received.TypeName != "article" {
			t.Fatalf("expected type article, got %s", received.TypeName)
		}
		if len(received.ExcludeViewIDs) != 1 || received.ExcludeViewIDs[0] != "feed-1" {
			t.Fatalf("unexpected exclusions %#v", received.ExcludeViewIDs)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected reload event within deadline")
	}
}

func TestReloadBusIsolatedByTypeName(t *testing.T) {
	bus := NewReloadBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	articleStream, articleCleanup := bus.Subscribe(ctx, "article")
	defer articleCleanup()
	commentStream, commentCleanup := bus.Subscribe(ctx, "comment")
	defer commentCleanup()

	bus.Publish(ReloadEvent{TypeName: "comment"})

	select {
	case <-commentStream:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected comment subscriber to receive event")
	}
	select {
	case event := <-articleStream:
		t.Fatalf("article subscriber received foreign event %#v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReloadBusCleanupStopsDelivery(t *testing.T) {
	bus := NewReloadBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := bus.Subscribe(ctx, "article")
	cleanup()

	bus.Publish(ReloadEvent{TypeName: "article"})

	select {
	case event, ok := <-stream:
		if ok {
			t.Fatalf("unsubscribed stream received event %#v", event)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReloadBusContextCancellationUnsubscribes(t *testing.T) {
	bus := NewReloadBus()
	ctx, cancel := context.WithCancel(context.Background())

	stream, cleanup := bus.Subscribe(ctx, "article")
	defer cleanup()
	cancel()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		bus.mu.RLock()
		remaining := len(bus.subscribers["article"])
		bus.mu.RUnlock()
		if remaining == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	_ = stream
	t.Fatal("expected context cancellation to unsubscribe")
}
