package query

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
)

// DefaultBacklogCapacity bounds each channel's undelivered event backlog and
// each subscriber's stream buffer.
const DefaultBacklogCapacity = 16

// Broker owns the status channel registry and is the sole publisher of
// status events. Channels are created lazily on first accepted publish or
// first subscribe, and removed only when drained and subscriber-less.
type Broker struct {
	registry *Registry
	logger   zerolog.Logger
	capacity int

	mu       sync.RWMutex
	channels map[string]*channel
}

// NewBroker creates a Broker over the given registry. capacity bounds each
// channel backlog; values < 1 fall back to DefaultBacklogCapacity.
func NewBroker(registry *Registry, logger zerolog.Logger, capacity int) *Broker {
	if capacity < 1 {
		capacity = DefaultBacklogCapacity
	}
	return &Broker{
		registry: registry,
		logger:   logger,
		capacity: capacity,
		channels: make(map[string]*channel),
	}
}

// Publish applies a status transition and routes the resulting event to the
// query's channel. Unknown ids return ErrNotFound without creating a channel;
// rejected transitions return ErrInvalidTransition and produce no event.
// Upstream workers must not call Publish concurrently for the same id.
func (b *Broker) Publish(ctx context.Context, id string, status Status, payload json.RawMessage) (StatusEvent, error) {
	ev, err := b.registry.SetStatus(id, status)
	if err != nil {
		return StatusEvent{}, err
	}
	ev.Payload = payload

	for {
		ch := b.getOrCreate(id)
		evicted, ok := ch.publish(ev)
		if !ok {
			// Channel reaped between lookup and publish; the removal won,
			// so route through a fresh channel.
			continue
		}
		if evicted > 0 {
			b.logger.Warn().
				Str("query_id", id).
				Int("evicted", evicted).
				Msg("channel backlog full, dropped oldest events")
		}
		return ev, nil
	}
}

// Subscribe attaches a new subscription stream for the given tracking id.
// Unknown ids return ErrNotFound immediately rather than a stream that
// hangs. The stream is cancelled when ctx is done or Cancel is called.
func (b *Broker) Subscribe(ctx context.Context, id string) (*Subscription, error) {
	if _, err := b.registry.Get(id); err != nil {
		return nil, err
	}

	sub := &Subscription{
		queryID: id,
		events:  make(chan StatusEvent, b.capacity),
		done:    make(chan struct{}),
	}

	for {
		ch := b.getOrCreate(id)
		sub.cancel = func() {
			ch.detach(sub)
			b.TryReap(id)
		}

		ch.mu.Lock()
		if ch.removed {
			ch.mu.Unlock()
			continue
		}
		// Snapshot taken under the channel lock so a terminal transition
		// whose channel was already drained and reaped cannot slip between
		// lookup and attach.
		q, err := b.registry.Get(id)
		if err != nil {
			ch.mu.Unlock()
			return nil, err
		}
		// Replay so a subscriber arriving after the query progressed learns
		// current state: flush the undelivered backlog, else the most recent
		// event, else synthesize one from the registry snapshot.
		if len(ch.backlog) > 0 {
			for _, ev := range ch.backlog {
				ch.send(sub, ev)
			}
			ch.backlog = ch.backlog[:0]
		} else if ch.latest != nil {
			ch.send(sub, *ch.latest)
		} else if q.Status != StatusQueued {
			ch.send(sub, StatusEvent{QueryID: id, Status: q.Status, Timestamp: q.UpdatedAt})
		}

		if ch.closing || (ch.latest == nil && q.Status.Terminal()) {
			// Terminal already published (or reached before this channel
			// existed): deliver the final status once, then end the stream.
			ch.closeSubLocked(sub)
		} else {
			ch.subs[sub] = struct{}{}
		}
		ch.mu.Unlock()

		go func() {
			select {
			case <-ctx.Done():
				sub.Cancel()
			case <-sub.done:
			}
		}()
		return sub, nil
	}
}

// getOrCreate returns the channel for id, creating it if absent.
func (b *Broker) getOrCreate(id string) *channel {
	b.mu.RLock()
	ch, ok := b.channels[id]
	b.mu.RUnlock()
	if ok {
		return ch
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.channels[id]; ok {
		return ch
	}
	ch = newChannel(id, b.capacity)
	b.channels[id] = ch
	return ch
}

// TryReap atomically removes the channel for id if its backlog is empty and
// no subscribers remain. Removal and attachment are mutually exclusive: a
// removal that loses the race simply aborts, leaving the channel intact.
func (b *Broker) TryReap(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.channels[id]
	if !ok {
		return false
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if !ch.removableLocked() {
		return false
	}
	ch.removed = true
	delete(b.channels, id)
	return true
}

// Sweep removes every currently removable channel and returns how many were
// reaped. Keys are snapshotted first; each removal is re-checked against
// current state, so a publish racing the sweep always wins.
func (b *Broker) Sweep() int {
	b.mu.RLock()
	ids := make([]string, 0, len(b.channels))
	for id := range b.channels {
		ids = append(ids, id)
	}
	b.mu.RUnlock()

	reaped := 0
	for _, id := range ids {
		if b.TryReap(id) {
			reaped++
		}
	}
	return reaped
}

// ChannelCount returns the number of live channels.
func (b *Broker) ChannelCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.channels)
}

// SubscriberCount returns the total number of attached subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	channels := make([]*channel, 0, len(b.channels))
	for _, ch := range b.channels {
		channels = append(channels, ch)
	}
	b.mu.RUnlock()

	total := 0
	for _, ch := range channels {
		total += ch.subscriberCount()
	}
	return total
}
