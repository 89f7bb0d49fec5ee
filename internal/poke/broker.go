// Package poke tells connected clients that a space has new data so they
// pull promptly instead of waiting for their poll interval.
package poke

import (
	"context"
	"sync"
)

// Broker fans space-changed notifications out to subscribers.
type Broker interface {
	Poke(ctx context.Context, spaceID string) error
	// Subscribe returns a channel that receives a signal whenever the space
	// is poked, plus a cancel func that releases the subscription.
	Subscribe(ctx context.Context, spaceID string) (<-chan struct{}, func(), error)
	Close() error
}

// MemoryBroker is the single-node fallback used when Redis is not configured.
type MemoryBroker struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]chan struct{}
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string]map[int]chan struct{})}
}

func (b *MemoryBroker) Poke(_ context.Context, spaceID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[spaceID] {
		// Coalesce: a subscriber that already has a pending signal needs no more.
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(_ context.Context, spaceID string) (<-chan struct{}, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[spaceID] == nil {
		b.subs[spaceID] = make(map[int]chan struct{})
	}
	id := b.nextID
	b.nextID++
	ch := make(chan struct{}, 1)
	b.subs[spaceID][id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if subs, ok := b.subs[spaceID]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.subs, spaceID)
			}
		}
	}
	return ch, cancel, nil
}

func (b *MemoryBroker) Close() error {
	return nil
}
