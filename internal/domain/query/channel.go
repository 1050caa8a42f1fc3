package query

import "sync"

// channel is the per-query-id event buffer connecting the publisher to zero
// or more subscription streams. All mutation happens under mu; a single
// channel is linearizable while distinct channels operate fully in parallel.
type channel struct {
	id       string
	capacity int

	mu      sync.Mutex
	backlog []StatusEvent // events published while no subscriber was attached
	subs    map[*Subscription]struct{}
	latest  *StatusEvent
	closing bool // terminal event published; streams end after delivery
	removed bool // reaped from the broker; stale holders must re-fetch
}

func newChannel(id string, capacity int) *channel {
	return &channel{
		id:       id,
		capacity: capacity,
		subs:     make(map[*Subscription]struct{}),
	}
}

// publish fans ev out to every attached subscriber, or parks it in the
// bounded backlog when nobody is listening. Returns ok=false when the channel
// has been reaped (the caller re-fetches from the broker) and the number of
// events evicted to make room for ev.
func (c *channel) publish(ev StatusEvent) (evicted int, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.removed {
		return 0, false
	}

	evCopy := ev
	c.latest = &evCopy

	if len(c.subs) == 0 {
		if len(c.backlog) >= c.capacity {
			drop := len(c.backlog) - c.capacity + 1
			c.backlog = append(c.backlog[:0], c.backlog[drop:]...)
			evicted += drop
		}
		c.backlog = append(c.backlog, ev)
	} else {
		for sub := range c.subs {
			evicted += c.send(sub, ev)
		}
	}

	if ev.Status.Terminal() {
		c.closing = true
		// Events already queued on each stream stay receivable after close;
		// every attached stream ends once it drains the terminal event.
		for sub := range c.subs {
			c.closeSubLocked(sub)
		}
	}
	return evicted, true
}

// send places ev on the subscriber's stream, dropping the subscriber's oldest
// undelivered event when its buffer is full. Subscribers are guaranteed the
// latest status, not every intermediate one.
func (c *channel) send(sub *Subscription, ev StatusEvent) (evicted int) {
	for {
		select {
		case sub.events <- ev:
			return evicted
		default:
			select {
			case <-sub.events:
				evicted++
			default:
			}
		}
	}
}

// attach connects a subscriber. Any undelivered backlog is flushed to it;
// otherwise the most recent event is replayed so a late subscriber learns the
// current status immediately. If the channel is closing the stream is
// completed right away instead of being attached. Returns false when the
// channel has been reaped.
func (c *channel) attach(sub *Subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.removed {
		return false
	}

	if len(c.backlog) > 0 {
		for _, ev := range c.backlog {
			c.send(sub, ev)
		}
		c.backlog = c.backlog[:0]
	} else if c.latest != nil {
		c.send(sub, *c.latest)
	}

	if c.closing {
		c.closeSubLocked(sub)
		return true
	}

	c.subs[sub] = struct{}{}
	return true
}

// detach disconnects a subscriber and completes its stream. Safe to call for
// a subscriber that was already completed by a terminal publish.
func (c *channel) detach(sub *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, sub)
	c.closeSubLocked(sub)
}

// closeSubLocked ends a subscriber's stream exactly once. Caller holds c.mu,
// which also serializes against send, so close never races a publish.
func (c *channel) closeSubLocked(sub *Subscription) {
	if sub.completed {
		return
	}
	sub.completed = true
	delete(c.subs, sub)
	close(sub.events)
}

// removable reports whether the channel holds no undelivered events and has
// no attached subscribers. Caller holds c.mu.
func (c *channel) removableLocked() bool {
	return len(c.backlog) == 0 && len(c.subs) == 0
}

func (c *channel) subscriberCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Subscription is one consumer's live, cancellable view of a query's status
// events. It is not restartable; subscribing again creates a new stream.
type Subscription struct {
	queryID string
	events  chan StatusEvent

	// completed is guarded by the owning channel's mutex.
	completed bool

	cancelOnce sync.Once
	done       chan struct{}
	cancel     func()
}

// QueryID returns the tracking id this subscription follows.
func (s *Subscription) QueryID() string { return s.queryID }

// Events returns the stream of status events in publish order. The channel
// is closed when the stream ends, normally after a terminal status or on
// cancellation.
func (s *Subscription) Events() <-chan StatusEvent { return s.events }

// Cancel detaches the subscription. It is idempotent, returns promptly, and
// never blocks the publisher. Undelivered events are discarded.
func (s *Subscription) Cancel() {
	s.cancelOnce.Do(func() {
		close(s.done)
		s.cancel()
	})
}
