package event

import (
	"testing"
	"time"

	"runbox/internal/store"
)

func TestBroadcastDeliversToSubscribers(t *testing.T) {
	b := NewBroadcaster()
	ch, cancel := b.Subscribe(4)
	defer cancel()

	b.StatusChanged(&store.Submission{ID: "sub-1", Token: "tok-1", Status: store.StatusRunning})
	b.StatusChanged(&store.Submission{ID: "sub-1", Token: "tok-1", Status: store.StatusAccepted})

	first := <-ch
	if first.Status != store.StatusRunning || first.Terminal {
		t.Fatalf("unexpected first event: %+v", first)
	}
	second := <-ch
	if second.Status != store.StatusAccepted || !second.Terminal {
		t.Fatalf("unexpected second event: %+v", second)
	}
}

func TestBroadcastDropsForSlowSubscribers(t *testing.T) {
	b := NewBroadcaster()
	_, cancel := b.Subscribe(1)
	defer cancel()

	// The buffer holds one event; the rest must be dropped, not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.StatusChanged(&store.Submission{ID: "sub-1", Status: store.StatusRunning})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("broadcast blocked on a slow subscriber")
	}
}

func TestCancelledSubscriberStopsReceiving(t *testing.T) {
	b := NewBroadcaster()
	ch, cancel := b.Subscribe(4)
	cancel()

	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel after cancel")
	}
	// Double cancel is safe; publishing after cancel reaches nobody.
	cancel()
	b.StatusChanged(&store.Submission{ID: "sub-1", Status: store.StatusAccepted})
}
