package query

import "context"

// AuditRepository records query lifecycle history for durable audit logging.
// The core never depends on it for correctness; failures are logged and
// isolated to the failing write.
type AuditRepository interface {
	RecordCreated(ctx context.Context, q Query) error
	RecordTransition(ctx context.Context, ev StatusEvent) error
}

type noopAuditRepo struct{}

// NewNoopAuditRepo returns an AuditRepository that discards everything. Used
// when no database is configured.
func NewNoopAuditRepo() AuditRepository {
	return noopAuditRepo{}
}

func (noopAuditRepo) RecordCreated(context.Context, Query) error { return nil }

func (noopAuditRepo) RecordTransition(context.Context, StatusEvent) error { return nil }
