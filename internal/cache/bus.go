package cache

import (
	"context"
	"sync"
)

// ReloadEvent asks live sessions of one entity type to refresh from the
// store. When ViewID is set, only the session bound to that view reloads;
// views listed in ExcludeViewIDs ignore the event regardless.
type ReloadEvent struct {
	TypeName       string
	ViewID         string
	ExcludeViewIDs []string
}

// ReloadBus is the process-wide publish/subscribe channel for cache reload
// notifications. Subscriptions are keyed by entity type name and live until
// the returned cancel function runs or the subscription context ends.
type ReloadBus struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*reloadSubscriber
	nextID      int64
	bufferSize  int
}

type reloadSubscriber struct {
	id     int64
	stream chan ReloadEvent
}

// NewReloadBus constructs an empty bus.
func NewReloadBus() *ReloadBus {
	return &ReloadBus{
		subscribers: make(map[string]map[int64]*reloadSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a listener for reload events of one entity type. The
// returned cleanup function releases the subscription; it also runs when the
// supplied context is done, so destroyed sessions stop receiving events.
func (b *ReloadBus) Subscribe(ctx context.Context, typeName string) (<-chan ReloadEvent, func()) {
	if typeName == "" {
		stream := make(chan ReloadEvent)
		close(stream)
		return stream, func() {}
	}
	subscriber := &reloadSubscriber{
		id:     b.nextSequence(),
		stream: make(chan ReloadEvent, b.bufferSize),
	}
	b.registerSubscriber(typeName, subscriber)
	cleanup := func() {
		b.unregisterSubscriber(typeName, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish fans the event out to every live subscriber of its type name. Slow
// subscribers with a full buffer are skipped rather than blocked on.
func (b *ReloadBus) Publish(event ReloadEvent) {
	if event.TypeName == "" {
		return
	}
	b.mu.RLock()
	subscribers := b.subscribers[event.TypeName]
	if len(subscribers) == 0 {
		b.mu.RUnlock()
		return
	}
	copies := make([]*reloadSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	b.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

func (b *ReloadBus) nextSequence() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	return b.nextID
}

func (b *ReloadBus) registerSubscriber(typeName string, subscriber *reloadSubscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[typeName]; !ok {
		b.subscribers[typeName] = make(map[int64]*reloadSubscriber)
	}
	b.subscribers[typeName][subscriber.id] = subscriber
}

func (b *ReloadBus) unregisterSubscriber(typeName string, subscriberID int64) {
	b.mu.Lock()
	subscribers := b.subscribers[typeName]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(b.subscribers, typeName)
		}
	}
	b.mu.Unlock()
}
