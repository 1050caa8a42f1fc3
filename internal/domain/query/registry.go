package query

import (
	"sync"
	"time"
)

// Registry is the authoritative owner of query state. The map itself is
// guarded by an RWMutex; each query is mutated under its own entry mutex so
// concurrent SetStatus calls for different ids never contend.
type Registry struct {
	issuer    Issuer
	retention int // max retained queries; 0 means unlimited

	mu      sync.RWMutex
	queries map[string]*registryEntry
	order   []string // creation order, used for retention eviction
}

type registryEntry struct {
	mu sync.Mutex
	q  Query
}

// NewRegistry creates a Registry using the given issuer. retention caps how
// many queries are kept in memory; only terminal queries are ever evicted.
func NewRegistry(issuer Issuer, retention int) *Registry {
	return &Registry{
		issuer:    issuer,
		retention: retention,
		queries:   make(map[string]*registryEntry),
	}
}

// Create allocates a tracking id and records a new query in the queued state.
// Every call produces a new, independent query; ids are never reused.
func (r *Registry) Create(kind Kind, originID string) (Query, error) {
	if !kind.Valid() {
		return Query{}, ErrInvalidKind
	}

	now := time.Now().UTC()
	q := Query{
		ID:        r.issuer.Issue(),
		Kind:      kind,
		Status:    StatusQueued,
		OriginID:  originID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	r.mu.Lock()
	r.queries[q.ID] = &registryEntry{q: q}
	r.order = append(r.order, q.ID)
	r.evictLocked()
	r.mu.Unlock()

	return q, nil
}

// evictLocked drops the oldest terminal queries once the retention cap is
// exceeded. Non-terminal queries are never evicted. Caller holds r.mu.
func (r *Registry) evictLocked() {
	if r.retention <= 0 || len(r.queries) <= r.retention {
		return
	}
	kept := r.order[:0]
	for _, id := range r.order {
		e, ok := r.queries[id]
		if !ok {
			continue
		}
		e.mu.Lock()
		terminal := e.q.Status.Terminal()
		e.mu.Unlock()
		if len(r.queries) > r.retention && terminal {
			delete(r.queries, id)
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept
}

// Get returns a snapshot of the query with the given tracking id.
func (r *Registry) Get(id string) (Query, error) {
	r.mu.RLock()
	e, ok := r.queries[id]
	r.mu.RUnlock()
	if !ok {
		return Query{}, ErrNotFound
	}

	e.mu.Lock()
	q := e.q
	e.mu.Unlock()
	return q, nil
}

// SetStatus applies a status transition and returns the resulting event.
// Validity is checked before mutation, so a rejected call has no observable
// effect. Mutation of a single query is serialized on its entry mutex.
func (r *Registry) SetStatus(id string, to Status) (StatusEvent, error) {
	if !to.Valid() {
		return StatusEvent{}, ErrInvalidTransition
	}

	r.mu.RLock()
	e, ok := r.queries[id]
	r.mu.RUnlock()
	if !ok {
		return StatusEvent{}, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := ValidateTransition(e.q.Status, to); err != nil {
		return StatusEvent{}, err
	}

	now := time.Now().UTC()
	e.q.Status = to
	e.q.UpdatedAt = now

	return StatusEvent{QueryID: id, Status: to, Timestamp: now}, nil
}

// Len returns the number of tracked queries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.queries)
}

// CountByStatus returns the number of tracked queries per status.
func (r *Registry) CountByStatus() map[Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[Status]int)
	for _, e := range r.queries {
		e.mu.Lock()
		counts[e.q.Status]++
		e.mu.Unlock()
	}
	return counts
}
