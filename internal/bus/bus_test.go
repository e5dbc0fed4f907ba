package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribePrefix(t *testing.T) {
	b := New()

	msgCh, unsubMsg := b.Subscribe("message.", 10)
	defer unsubMsg()
	netCh, unsubNet := b.Subscribe("net.", 10)
	defer unsubNet()

	b.Publish(Event{Kind: KindMessageDelivered, Timestamp: time.Now()})
	b.Publish(Event{Kind: KindNetOnline, Timestamp: time.Now()})

	select {
	case evt := <-msgCh:
		if evt.Kind != KindMessageDelivered {
			t.Errorf("kind = %q, want %q", evt.Kind, KindMessageDelivered)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message event")
	}

	select {
	case evt := <-netCh:
		if evt.Kind != KindNetOnline {
			t.Errorf("kind = %q, want %q", evt.Kind, KindNetOnline)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for net event")
	}

	// The message subscriber must not see net events.
	select {
	case evt := <-msgCh:
		t.Errorf("unexpected event on message subscriber: %q", evt.Kind)
	default:
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()

	ch, unsub := b.Subscribe("outbox.", 10)
	unsub()

	b.Publish(Event{Kind: KindOutboxDropped, Timestamp: time.Now()})

	select {
	case evt := <-ch:
		t.Errorf("received event %q after unsubscribe", evt.Kind)
	default:
	}
}

// TestPublishDoesNotBlockOnFullSubscriber guards the non-blocking
// publish contract: a stalled subscriber must never wedge a publisher.
func TestPublishDoesNotBlockOnFullSubscriber(t *testing.T) {
	b := New()

	_, unsub := b.Subscribe("message.", 1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Event{Kind: KindMessageQueued, Timestamp: time.Now()})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}
