package streaming

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBuffer is the per-subscription channel capacity.
const DefaultBuffer = 64

type subscription struct {
	filter EventFilter
	ch     chan StreamEvent
	once   sync.Once
}

func (s *subscription) close() { s.once.Do(func() { close(s.ch) }) }

// MemoryHub fans run events out to in-process subscribers. Publishing never
// waits on a subscriber: when a subscription's buffer is full the event is
// dropped for that subscription and counted.
type MemoryHub struct {
	buffer int

	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]*subscription

	dropped atomic.Int64
}

// NewMemoryHub creates a hub with DefaultBuffer-sized subscriptions.
func NewMemoryHub() *MemoryHub {
	return NewMemoryHubWithBuffer(DefaultBuffer)
}

// NewMemoryHubWithBuffer creates a hub whose subscriptions hold up to
// buffer undelivered events.
func NewMemoryHubWithBuffer(buffer int) *MemoryHub {
	if buffer < 1 {
		buffer = 1
	}
	return &MemoryHub{buffer: buffer, subs: make(map[uint64]*subscription)}
}

// Publish stamps the event if it has no timestamp and hands it to every
// matching subscription.
func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if !sub.filter.Matches(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe registers a filtered subscription. The returned func removes it
// and closes the channel; calling it more than once is harmless.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	sub := &subscription{filter: filter, ch: make(chan StreamEvent, h.buffer)}

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs[id] = sub
	h.mu.Unlock()

	return sub.ch, func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
		sub.close()
	}, nil
}

// Subscribers returns the number of live subscriptions.
func (h *MemoryHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped because a subscription
// was full.
func (h *MemoryHub) Dropped() int64 {
	return h.dropped.Load()
}

var _ EventHub = (*MemoryHub)(nil)
