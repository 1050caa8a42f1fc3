package query

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
)

// EnqueueListener is notified after a query has been recorded. The worker
// dispatcher registers one to pick up new work.
type EnqueueListener func(q Query)

// Service is the entry point for the query lifecycle core: it owns the
// registry and broker, records audit history, and notifies enqueue listeners.
type Service struct {
	registry *Registry
	broker   *Broker
	audit    AuditRepository
	logger   zerolog.Logger

	mu        sync.RWMutex
	listeners []EnqueueListener
}

// NewService wires the registry, broker, and audit repository together.
func NewService(registry *Registry, broker *Broker, audit AuditRepository, logger zerolog.Logger) *Service {
	if audit == nil {
		audit = NewNoopAuditRepo()
	}
	return &Service{
		registry: registry,
		broker:   broker,
		audit:    audit,
		logger:   logger,
	}
}

// AddEnqueueListener registers a callback invoked after each Enqueue.
func (s *Service) AddEnqueueListener(fn EnqueueListener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Enqueue creates a new query in the queued state and returns its snapshot
// carrying the freshly issued tracking id.
func (s *Service) Enqueue(ctx context.Context, kind Kind, originID string) (Query, error) {
	q, err := s.registry.Create(kind, originID)
	if err != nil {
		return Query{}, err
	}

	if err := s.audit.RecordCreated(ctx, q); err != nil {
		s.logger.Error().Err(err).Str("query_id", q.ID).Msg("failed to audit query creation")
	}

	s.mu.RLock()
	listeners := s.listeners
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(q)
	}

	s.logger.Info().
		Str("query_id", q.ID).
		Str("kind", string(q.Kind)).
		Str("origin_id", q.OriginID).
		Msg("query enqueued")
	return q, nil
}

// Get returns a snapshot of the query with the given tracking id.
func (s *Service) Get(ctx context.Context, id string) (Query, error) {
	return s.registry.Get(id)
}

// Publish routes a status transition through the broker and records it in
// the audit trail. Audit failures never affect the published event.
func (s *Service) Publish(ctx context.Context, id string, status Status, payload json.RawMessage) (StatusEvent, error) {
	ev, err := s.broker.Publish(ctx, id, status, payload)
	if err != nil {
		return StatusEvent{}, err
	}

	if err := s.audit.RecordTransition(ctx, ev); err != nil {
		s.logger.Error().Err(err).Str("query_id", id).Msg("failed to audit status transition")
	}
	return ev, nil
}

// Subscribe opens a status event stream for the given tracking id.
func (s *Service) Subscribe(ctx context.Context, id string) (*Subscription, error) {
	return s.broker.Subscribe(ctx, id)
}

// Stats summarizes registry and broker state.
type Stats struct {
	Queries         int            `json:"queries"`
	QueriesByStatus map[Status]int `json:"queries_by_status"`
	ActiveChannels  int            `json:"active_channels"`
	Subscribers     int            `json:"subscribers"`
}

// Stats returns current gauges for the registry and channel broker.
func (s *Service) Stats() Stats {
	return Stats{
		Queries:         s.registry.Len(),
		QueriesByStatus: s.registry.CountByStatus(),
		ActiveChannels:  s.broker.ChannelCount(),
		Subscribers:     s.broker.SubscriberCount(),
	}
}
