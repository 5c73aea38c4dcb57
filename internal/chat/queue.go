package chat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// Queue carries chat events to export consumers (audit, archival). Delivery
// is decoupled from the live fan-out path: a slow or absent consumer never
// delays a broadcast.
type Queue interface {
	Publish(ctx context.Context, event Event) error
	Subscribe() Subscription
}

// Subscription represents an active event stream.
type Subscription interface {
	Events() <-chan Event
	Close()
}

// NewMemoryQueue initialises an in-process fan-out queue for single-node
// deployments and tests.
func NewMemoryQueue(buffer int) Queue {
	if buffer <= 0 {
		buffer = 32
	}
	return &memoryQueue{
		subs:   make(map[*memorySubscription]struct{}),
		buffer: buffer,
	}
}

type memoryQueue struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	buffer int
}

func (q *memoryQueue) Publish(ctx context.Context, event Event) error {
	if event.Type == "" {
		return errors.New("event type is required")
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	for sub := range q.subs {
		select {
		case sub.ch <- event:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// Drop instead of blocking; export consumers are expected to
			// drain promptly. The counter lets operators spot a lagging one.
			sub.dropped.Add(1)
		}
	}
	return nil
}

func (q *memoryQueue) Subscribe() Subscription {
	sub := &memorySubscription{
		queue: q,
		ch:    make(chan Event, q.buffer),
	}
	q.mu.Lock()
	q.subs[sub] = struct{}{}
	q.mu.Unlock()
	return sub
}

type memorySubscription struct {
	once    sync.Once
	queue   *memoryQueue
	ch      chan Event
	dropped atomic.Uint64
}

func (s *memorySubscription) Events() <-chan Event {
	return s.ch
}

// Dropped reports how many events this subscription missed because its
// buffer was full at publish time.
func (s *memorySubscription) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *memorySubscription) Close() {
	s.once.Do(func() {
		s.queue.mu.Lock()
		delete(s.queue.subs, s)
		s.queue.mu.Unlock()
		close(s.ch)
	})
}
