// Package events provides in-memory fan-out of fleet events.
//
// Registry, scheduler, and coordinator state transitions are published here
// unconditionally; the admin event stream is a pure consumer. Whether anyone
// is subscribed never affects the publisher.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fieldsignal/rf-range/pkg/types"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Broadcaster provides in-memory pub/sub for fleet events.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]chan types.FleetEvent
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]chan types.FleetEvent),
		logger:      logger.With("component", "events"),
	}
}

// Subscribe registers a subscriber for all fleet events. Returns a receive
// channel and a subscription ID. The subscription is cleaned up
// automatically when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context) (<-chan types.FleetEvent, string) {
	subID := uuid.New().String()
	ch := make(chan types.FleetEvent, subscriberBufferSize)

	b.mu.Lock()
	b.subscribers[subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return ch, subID
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(subID string) {
	b.mu.Lock()
	ch, ok := b.subscribers[subID]
	if ok {
		delete(b.subscribers, subID)
		close(ch)
	}
	b.mu.Unlock()

	if ok {
		b.logger.Debug("subscriber removed", "sub_id", subID)
	}
}

// Publish sends an event to every subscriber. Non-blocking: the event is
// dropped for subscribers whose channels are full.
func (b *Broadcaster) Publish(event types.FleetEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	targets := make([]chan types.FleetEvent, 0, len(b.subscribers))
	for _, ch := range b.subscribers {
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- event:
		default:
			b.logger.Debug("dropped event for slow subscriber", "type", event.Type)
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
