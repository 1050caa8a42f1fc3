// Package query implements the query lifecycle and status fan-out core:
// tracking-id issuance, the query registry, the per-query status channel
// broker, subscription streams, and the idle channel reaper.
package query

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned for operations against an unknown tracking id.
	ErrNotFound = errors.New("query not found")
	// ErrInvalidTransition is returned when a status change would regress a
	// terminal status or re-enter the queued state.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrInvalidKind is returned when a query is created with an unknown kind.
	ErrInvalidKind = errors.New("invalid query kind")
)

// Kind identifies the type of processing a query requests.
type Kind string

const (
	KindDiagnosis   Kind = "diagnosis"
	KindGeolocation Kind = "geolocation"
)

// Valid reports whether k is a known query kind.
func (k Kind) Valid() bool {
	return k == KindDiagnosis || k == KindGeolocation
}

// Status is a point in the query processing lifecycle.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// statusTransitions defines the valid lifecycle edges. Terminal statuses have
// no outgoing edges and queued is never a target, so stale upstream
// notifications cannot rewind a query.
var statusTransitions = map[Status][]Status{
	StatusQueued:     {StatusInProgress, StatusCompleted, StatusFailed},
	StatusInProgress: {StatusCompleted, StatusFailed},
	StatusCompleted:  {},
	StatusFailed:     {},
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	_, ok := statusTransitions[s]
	return ok
}

// Terminal reports whether no further transition out of s is permitted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ValidateTransition checks whether from -> to is a permitted lifecycle edge.
func ValidateTransition(from, to Status) error {
	allowed, ok := statusTransitions[from]
	if !ok {
		return ErrInvalidTransition
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return ErrInvalidTransition
}

// Query is a tracked diagnosis or geolocation request. The registry owns all
// mutation; callers only ever see snapshots.
type Query struct {
	ID        string    `json:"tracking_id"`
	Kind      Kind      `json:"kind"`
	Status    Status    `json:"status"`
	OriginID  string    `json:"origin_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StatusEvent is an immutable record of a single status transition.
type StatusEvent struct {
	QueryID   string          `json:"query_id"`
	Status    Status          `json:"status"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}
