// Package event fans submission status transitions out to in-process
// observers. The transport layer subscribes here for push updates instead of
// polling the store.
package event

import (
	"sync"

	"runbox/internal/store"
)

// StatusEvent is one observed transition.
type StatusEvent struct {
	SubmissionID string       `json:"submission_id"`
	Token        string       `json:"token"`
	Status       store.Status `json:"status"`
	Terminal     bool         `json:"terminal"`
}

// Broadcaster delivers status events to subscribers. Slow subscribers drop
// events rather than stall a worker: the store stays authoritative and a
// dropped interim event is recovered on the next poll.
type Broadcaster struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan StatusEvent
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan StatusEvent)}
}

// Subscribe registers an observer. The returned cancel function must be
// called to release the channel.
func (b *Broadcaster) Subscribe(buffer int) (<-chan StatusEvent, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan StatusEvent, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// StatusChanged implements executor.StatusListener.
func (b *Broadcaster) StatusChanged(sub *store.Submission) {
	if sub == nil {
		return
	}
	ev := StatusEvent{
		SubmissionID: sub.ID,
		Token:        sub.Token,
		Status:       sub.Status,
		Terminal:     sub.Status.IsTerminal(),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
