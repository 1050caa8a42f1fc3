// Package worker runs the in-process dispatch pool that moves enqueued
// queries through their lifecycle. The actual diagnosis and geolocation
// pipelines live behind the Processor interface; this package only owns
// scheduling and status publication.
package worker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/medq/medq/internal/domain/query"
)

// Processor performs the actual work for one query kind and returns the
// result payload attached to the terminal status event.
type Processor interface {
	Process(ctx context.Context, q query.Query) (json.RawMessage, error)
}

// Publisher is the slice of the query service the dispatcher needs.
type Publisher interface {
	Publish(ctx context.Context, id string, status query.Status, payload json.RawMessage) (query.StatusEvent, error)
}

// Dispatcher consumes enqueued queries and drives each one through
// in_progress to a terminal status. A single worker owns a query end to end,
// so Publish is never called concurrently for the same id.
type Dispatcher struct {
	publisher   Publisher
	logger      zerolog.Logger
	concurrency int
	queue       chan query.Query

	mu         sync.RWMutex
	processors map[query.Kind]Processor
}

// NewDispatcher creates a Dispatcher with the given worker count.
func NewDispatcher(publisher Publisher, logger zerolog.Logger, concurrency int) *Dispatcher {
	if concurrency < 1 {
		concurrency = 4
	}
	return &Dispatcher{
		publisher:   publisher,
		logger:      logger,
		concurrency: concurrency,
		queue:       make(chan query.Query, 1024),
		processors:  make(map[query.Kind]Processor),
	}
}

// Register binds a processor to a query kind, replacing any previous one.
func (d *Dispatcher) Register(kind query.Kind, p Processor) {
	d.mu.Lock()
	d.processors[kind] = p
	d.mu.Unlock()
}

// Enqueue hands a query to the dispatch pool. It satisfies
// query.EnqueueListener and never blocks the enqueueing request; when the
// dispatch queue is saturated the query stays queued for a later retry by
// an external worker.
func (d *Dispatcher) Enqueue(q query.Query) {
	select {
	case d.queue <- q:
	default:
		d.logger.Warn().
			Str("query_id", q.ID).
			Msg("dispatch queue full, query left in queued state")
	}
}

// Start runs the worker pool. It blocks until ctx is cancelled and all
// workers have drained.
func (d *Dispatcher) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case q := <-d.queue:
					d.process(ctx, q)
				}
			}
		}()
	}
	wg.Wait()
}

func (d *Dispatcher) process(ctx context.Context, q query.Query) {
	d.mu.RLock()
	p, ok := d.processors[q.Kind]
	d.mu.RUnlock()

	if !ok {
		d.fail(ctx, q, "no processor registered for kind "+string(q.Kind))
		return
	}

	if _, err := d.publisher.Publish(ctx, q.ID, query.StatusInProgress, nil); err != nil {
		// Another worker already advanced this query; leave it alone.
		d.logger.Debug().Err(err).Str("query_id", q.ID).Msg("skipping query")
		return
	}

	result, err := p.Process(ctx, q)
	if err != nil {
		d.fail(ctx, q, err.Error())
		return
	}

	if _, err := d.publisher.Publish(ctx, q.ID, query.StatusCompleted, result); err != nil {
		d.logger.Error().Err(err).Str("query_id", q.ID).Msg("failed to publish completion")
	}
}

func (d *Dispatcher) fail(ctx context.Context, q query.Query, reason string) {
	payload, _ := json.Marshal(map[string]string{"error": reason})
	if _, err := d.publisher.Publish(ctx, q.ID, query.StatusFailed, payload); err != nil {
		d.logger.Error().Err(err).Str("query_id", q.ID).Msg("failed to publish failure")
	}
	d.logger.Info().
		Str("query_id", q.ID).
		Str("kind", string(q.Kind)).
		Str("reason", reason).
		Msg("query failed")
}

// StaticProcessor returns a fixed payload after an optional delay. It stands
// in for the external diagnosis and geolocation pipelines.
type StaticProcessor struct {
	Result json.RawMessage
	Delay  time.Duration
}

// Process implements Processor.
func (p StaticProcessor) Process(ctx context.Context, _ query.Query) (json.RawMessage, error) {
	if p.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.Delay):
		}
	}
	return p.Result, nil
}
