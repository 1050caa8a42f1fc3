package query

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

type auditRepoPG struct{ pool *pgxpool.Pool }

// NewAuditRepoPG creates a PostgreSQL-backed AuditRepository writing to the
// query_audit tables.
func NewAuditRepoPG(pool *pgxpool.Pool) AuditRepository {
	return &auditRepoPG{pool: pool}
}

func (r *auditRepoPG) RecordCreated(ctx context.Context, q Query) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO query_audit (tracking_id, kind, status, origin_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		q.ID, string(q.Kind), string(q.Status), q.OriginID, q.CreatedAt, q.UpdatedAt)
	return err
}

func (r *auditRepoPG) RecordTransition(ctx context.Context, ev StatusEvent) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO query_status_audit (tracking_id, status, payload, recorded_at)
		VALUES ($1, $2, $3, $4)`,
		ev.QueryID, string(ev.Status), ev.Payload, ev.Timestamp)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		UPDATE query_audit SET status = $2, updated_at = $3 WHERE tracking_id = $1`,
		ev.QueryID, string(ev.Status), ev.Timestamp)
	return err
}
