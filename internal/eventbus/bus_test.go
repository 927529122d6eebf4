package eventbus

import (
	"testing"
	"time"
)

func TestPublishReachesSubscriber(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(4)
	defer unsub()

	b.Publish(Event{Type: TypeJobEnqueued, Data: "x"})

	select {
	case ev := <-ch:
		if ev.Type != TypeJobEnqueued || ev.Data != "x" {
			t.Fatalf("got %+v", ev)
		}
		if ev.Time.IsZero() {
			t.Fatal("publish must stamp a time")
		}
	case <-time.After(time.Second):
		t.Fatal("event never delivered")
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: TypeJobFinished})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if n := len(ch); n != 1 {
		t.Fatalf("buffered = %d, want 1 (rest dropped)", n)
	}
}

func TestPublishAfterUnsubscribeIsSafe(t *testing.T) {
	t.Parallel()

	b := New()
	_, unsub := b.Subscribe(1)
	unsub()
	unsub() // idempotent

	// Must neither panic nor deliver anywhere.
	b.Publish(Event{Type: TypeNotifySent})
}
