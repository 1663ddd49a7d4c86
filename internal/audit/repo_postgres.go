package audit

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresRepo stores events in audit_events. It only ever inserts.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO audit_events (id, type, actor_user_id, actor_role, campaign_id, call_id, message, created_at)
VALUES ($1, $2, NULLIF($3,''), NULLIF($4,''), NULLIF($5,''), NULLIF($6,''), $7, $8)
`
	if _, err := r.db.ExecContext(ctx, q,
		e.ID, string(e.Type), e.ActorUserID, e.ActorRole, e.CampaignID, e.CallID, e.Message, e.CreatedAt,
	); err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

func (r *PostgresRepo) ListByCampaign(ctx context.Context, campaignID string) ([]Event, error) {
	const q = `
SELECT id, type, COALESCE(actor_user_id,''), COALESCE(actor_role,''), COALESCE(campaign_id,''),
       COALESCE(call_id,''), message, created_at
FROM audit_events
WHERE campaign_id = $1
ORDER BY created_at, id
`
	rows, err := r.db.QueryContext(ctx, q, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	out := make([]Event, 0)
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Type, &e.ActorUserID, &e.ActorRole, &e.CampaignID, &e.CallID, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
