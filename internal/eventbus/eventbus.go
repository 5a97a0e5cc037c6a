// Package eventbus implements the process-wide in-memory broadcast that
// every mutation publishes to and that the gateway fans out from: a
// ring buffer of recent events, non-blocking publish, and subscribers
// that fall behind are "lagged" off and told how many events they
// missed rather than blocking the publisher or growing without bound.
package eventbus

import (
	"sync"

	"github.com/nexus-chat/nexus/internal/models"
)

// Capacity is the number of recent events retained for lagged-subscriber
// resync.
const Capacity = 10_000

// subscriberChanSize bounds how far a subscriber may lag in its own
// delivery channel before further events are dropped for it and it is
// notified via Lagged.
const subscriberChanSize = 256

// Bus is a process-wide broadcast of GatewayEvent values.
type Bus struct {
	mu          sync.Mutex
	ring        []entry
	nextSeq     uint64
	subscribers map[uint64]*Subscription
	nextSubID   uint64
}

type entry struct {
	seq   uint64
	event models.GatewayEvent
}

// Subscription is a live subscriber's delivery channel and lag notifier.
type Subscription struct {
	bus     *Bus
	id      uint64
	Events  chan models.GatewayEvent
	Lagged  chan uint64 // count of events skipped, delivered before resuming Events
	lastSeq uint64
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		ring:        make([]entry, 0, Capacity),
		subscribers: make(map[uint64]*Subscription),
	}
}

// Publish broadcasts event to all current subscribers. Publishing never
// blocks and never fails because there are no subscribers: with zero
// subscribers the event is simply appended to the ring and discarded by
// nobody.
func (b *Bus) Publish(event models.GatewayEvent) {
	b.mu.Lock()
	b.nextSeq++
	seq := b.nextSeq
	b.ring = append(b.ring, entry{seq: seq, event: event})
	if len(b.ring) > Capacity {
		b.ring = b.ring[len(b.ring)-Capacity:]
	}
	subs := make([]*Subscription, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case s.Events <- event:
		default:
			// Subscriber channel full: it has lagged. Add this drop to
			// any count it has not read yet, so Lagged reports how many
			// events it missed, rather than blocking this publisher.
			b.mu.Lock()
			missed := uint64(1)
			select {
			case prev := <-s.Lagged:
				missed += prev
			default:
			}
			select {
			case s.Lagged <- missed:
			default:
			}
			b.mu.Unlock()
		}
	}
}

// Subscribe registers a new subscriber and returns its Subscription. The
// caller must eventually call Unsubscribe to release it.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSubID++
	sub := &Subscription{
		bus:     b,
		id:      b.nextSubID,
		Events:  make(chan models.GatewayEvent, subscriberChanSize),
		Lagged:  make(chan uint64, 1),
		lastSeq: b.nextSeq,
	}
	b.subscribers[sub.id] = sub
	return sub
}

// Unsubscribe removes sub from the bus. The bus never holds a strong
// reference back to anything owned by the subscriber beyond this map
// entry, so dropping a session's Subscription is enough to let it be
// garbage collected.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	delete(b.subscribers, sub.id)
	b.mu.Unlock()
}

// Resync returns events published after afterSeq, for a session resuming
// from a known sequence number, bounded by what's still in the ring.
func (b *Bus) Resync(afterSeq uint64) []models.GatewayEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []models.GatewayEvent
	for _, e := range b.ring {
		if e.seq > afterSeq {
			out = append(out, e.event)
		}
	}
	return out
}
