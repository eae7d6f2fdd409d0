// Package hub fans state updates out to an arbitrary number of
// observers without letting any one of them slow ingestion down.
package hub

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Lexorius/ontime-ha/internal/ontime"
)

// Update is one published state change: the new snapshot plus whatever
// transitions were detected against its predecessor.
type Update struct {
	Snapshot    ontime.Snapshot
	Transitions []ontime.Transition
}

// DefaultQueueDepth bounds how far behind a subscriber may fall before
// its oldest unread updates start being replaced by newer ones.
const DefaultQueueDepth = 16

// Hub distributes updates to subscribers. Every subscriber sees the same
// total order; a slow subscriber loses its oldest unread updates rather
// than blocking delivery to the rest or growing memory without bound.
type Hub struct {
	mu     sync.Mutex
	subs   map[uuid.UUID]*Subscription
	depth  int
	closed bool
}

// Subscription is one observer's handle on the update stream.
type Subscription struct {
	id  uuid.UUID
	ch  chan Update
	hub *Hub

	dropped uint64
}

// New creates a hub whose subscribers each buffer up to depth unread
// updates. depth <= 0 selects DefaultQueueDepth.
func New(depth int) *Hub {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &Hub{
		subs:  make(map[uuid.UUID]*Subscription),
		depth: depth,
	}
}

// Subscribe registers a new observer. No update published before
// Subscribe returns is delivered to it.
func (h *Hub) Subscribe() *Subscription {
	sub := &Subscription{
		id:  uuid.New(),
		ch:  make(chan Update, h.depth),
		hub: h,
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.ch)
		return sub
	}
	h.subs[sub.id] = sub
	return sub
}

// Publish delivers an update to every current subscriber. When a
// subscriber's queue is full its oldest unread update is discarded to
// make room: staleness is acceptable, unbounded lag is not.
func (h *Hub) Publish(u Update) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for _, sub := range h.subs {
		for {
			select {
			case sub.ch <- u:
			default:
				select {
				case <-sub.ch:
					sub.dropped++
					if sub.dropped%100 == 1 {
						log.Warn().
							Str("subscription_id", sub.id.String()).
							Uint64("dropped", sub.dropped).
							Msg("slow subscriber, dropping oldest update")
					}
				default:
				}
				continue
			}
			break
		}
	}
}

// Close shuts the hub down and ends every subscriber's stream.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		close(sub.ch)
		delete(h.subs, id)
	}
}

// Updates is the subscriber's stream. It is closed by Close on either
// the subscription or the hub.
func (s *Subscription) Updates() <-chan Update {
	return s.ch
}

// Close unsubscribes and ends the stream. Unread updates are discarded.
func (s *Subscription) Close() {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s.id]; !ok {
		return
	}
	delete(h.subs, s.id)
	close(s.ch)
}
