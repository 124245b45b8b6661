package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"tagtrace.org/internal/station"
)

const subscriberBuffer = 16

// LockEvent announces a committed lock or unlock of a station's fields.
type LockEvent struct {
	Scope        station.Scope `json:"scope"`
	Locked       bool          `json:"is_locked"`
	SupplierPart string        `json:"supplier_part,omitempty"`
	Actor        string        `json:"actor,omitempty"`
	Version      int64         `json:"version"`
	At           time.Time     `json:"at"`
}

// Stream fan-outs lock events to all active subscribers (SSE clients).
type Stream struct {
	mu      sync.RWMutex
	subs    map[int]subscriber
	next    int
	dropped atomic.Uint64
}

type subscriber struct {
	ch     chan LockEvent
	filter *station.Scope
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]subscriber)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. A non-nil scope limits delivery to that scope. The channel is closed
// when ctx ends.
func (s *Stream) Subscribe(ctx context.Context, scope *station.Scope) <-chan LockEvent {
	sub := subscriber{ch: make(chan LockEvent, subscriberBuffer)}
	if scope != nil {
		sc := *scope
		sub.filter = &sc
	}

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = sub
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(sub.ch)
		s.mu.Unlock()
	}()

	return sub.ch
}

// Publish fan-outs the event to all matching subscribers.
func (s *Stream) Publish(evt LockEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if sub.filter != nil && *sub.filter != evt.Scope {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Slow subscriber; the terminal re-reads lock-state on reconnect.
			s.dropped.Add(1)
		}
	}
}

// Subscribers reports the number of live subscriptions.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Dropped reports how many deliveries were skipped for full subscriber buffers.
func (s *Stream) Dropped() uint64 { return s.dropped.Load() }
