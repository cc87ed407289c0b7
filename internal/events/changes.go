package events

import (
	"sync"

	"github.com/vadiminshakov/coinwatch/internal/domain"
)

// ChangeBroadcaster fans out journaled change events to all subscribers via buffered channels.
type ChangeBroadcaster struct {
	mu     sync.RWMutex
	subs   map[chan domain.ChangeEventRecord]struct{}
	buffer int
}

// NewChangeBroadcaster creates a broadcaster with the given per-subscriber buffer.
func NewChangeBroadcaster(buffer int) *ChangeBroadcaster {
	if buffer < 1 {
		buffer = 64
	}
	return &ChangeBroadcaster{
		subs:   make(map[chan domain.ChangeEventRecord]struct{}),
		buffer: buffer,
	}
}

// Publish sends the record to all subscribers, dropping it for a reader that is behind.
// Subscribers catch up from the journal, so a drop only delays delivery.
func (b *ChangeBroadcaster) Publish(r domain.ChangeEventRecord) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- r:
		default:
		}
	}
}

// Subscribe returns a channel that receives records until Unsubscribe is called.
func (b *ChangeBroadcaster) Subscribe() chan domain.ChangeEventRecord {
	ch := make(chan domain.ChangeEventRecord, b.buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes the channel and closes it.
func (b *ChangeBroadcaster) Unsubscribe(ch chan domain.ChangeEventRecord) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Subscribers reports the number of live subscriptions.
func (b *ChangeBroadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
