package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindMessageNew, Timestamp: time.Now(), Payload: MessageRef{MessageID: "m1@x"}})

	select {
	case evt := <-ch:
		if evt.Kind != KindMessageNew {
			t.Errorf("got kind %q, want %q", evt.Kind, KindMessageNew)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("sync.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindPeerTrustChanged})
	b.Publish(Event{Kind: KindSyncError})

	select {
	case evt := <-ch:
		if evt.Kind != KindSyncError {
			t.Errorf("got kind %q, want %q", evt.Kind, KindSyncError)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// Ensure the trust event was not delivered.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected: no more events.
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("job.", 10)
	unsub()

	b.Publish(Event{Kind: KindJobFailed})

	select {
	case evt := <-ch:
		t.Errorf("unexpected event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFullSubscriberDoesNotBlockPublish(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe("", 1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Event{Kind: KindSyncStateChanged})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}
