package events

import (
	"context"
	"testing"
	"time"

	"github.com/fieldsignal/rf-range/pkg/types"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := NewBroadcaster(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch1, _ := b.Subscribe(ctx)
	ch2, _ := b.Subscribe(ctx)

	b.Publish(types.FleetEvent{Type: types.EventAgentOnline, AgentID: "a1"})

	for i, ch := range []<-chan types.FleetEvent{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Type != types.EventAgentOnline || ev.AgentID != "a1" {
				t.Errorf("subscriber %d: unexpected event %+v", i, ev)
			}
			if ev.Timestamp.IsZero() {
				t.Errorf("subscriber %d: timestamp not stamped", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: no event received", i)
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroadcaster(nil)
	ch, subID := b.Subscribe(context.Background())

	b.Unsubscribe(subID)

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected closed channel, got event")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}

	if n := b.SubscriberCount(); n != 0 {
		t.Errorf("subscriber count: got %d, want 0", n)
	}

	// Double-unsubscribe must be a no-op.
	b.Unsubscribe(subID)
}

func TestContextCancellationCleansUp(t *testing.T) {
	b := NewBroadcaster(nil)
	ctx, cancel := context.WithCancel(context.Background())
	b.Subscribe(ctx)

	cancel()

	deadline := time.Now().Add(time.Second)
	for b.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber not cleaned up after context cancellation")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := NewBroadcaster(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b.Subscribe(ctx) // never drained

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBufferSize*2; i++ {
			b.Publish(types.FleetEvent{Type: types.EventTransmissionStarted})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}
