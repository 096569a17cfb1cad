package events

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch := b.Subscribe(4)
	defer b.Unsubscribe(ch)

	b.Publish(Event{Source: SourceLane, Kind: KindTurnStart, Data: map[string]any{"lane": "user:alice"}})

	select {
	case e := <-ch:
		if e.Source != SourceLane || e.Kind != KindTurnStart {
			t.Errorf("got %s/%s, want lane/turn_start", e.Source, e.Kind)
		}
		if e.Timestamp.IsZero() {
			t.Error("expected Publish to stamp a timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("event not received")
	}
}

func TestPublishNilBus(t *testing.T) {
	var b *Bus
	// Must not panic.
	b.Publish(Event{Source: SourceHeartbeat, Kind: KindTickDropped})
	if b.SubscriberCount() != 0 {
		t.Error("nil bus should report zero subscribers")
	}
}

func TestSlowSubscriberDropsNotBlocks(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Event{Source: SourceCron, Kind: KindJobFired})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	b.Unsubscribe(ch)

	if _, open := <-ch; open {
		t.Error("channel should be closed after Unsubscribe")
	}
	// Double-unsubscribe is a no-op.
	b.Unsubscribe(ch)
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount = %d, want 0", got)
	}
}
