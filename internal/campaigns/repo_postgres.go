package campaigns

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"outbound-dialer/pkg/utils"
)

// NOTE: PostgresRepo assumes the tables in db/schema.sql:
// - campaigns (results kept as three integer columns)
// - campaign_contacts (campaign_id, position, contact_id), position = dial order
// - contacts, follow_ups

// PostgresRepo implements Repository on database/sql (pgx stdlib driver).
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func (r *PostgresRepo) CreateCampaign(ctx context.Context, c Campaign) error {
	return utils.WithTx(ctx, r.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		const ins = `
INSERT INTO campaigns (id, name, type, status, contacted, converted, unreachable, created_at, updated_at)
VALUES ($1, $2, $3, $4, 0, 0, 0, $5, $6)
`
		if _, err := tx.ExecContext(ctx, ins, c.ID, c.Name, string(c.Type), string(c.Status), c.CreatedAt, c.UpdatedAt); err != nil {
			return fmt.Errorf("insert campaign: %w", err)
		}
		for i, contactID := range c.ContactIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO campaign_contacts (campaign_id, position, contact_id) VALUES ($1, $2, $3)`,
				c.ID, i, contactID,
			); err != nil {
				return fmt.Errorf("insert campaign contact: %w", err)
			}
		}
		return nil
	})
}

const campaignColumns = `id, name, type, status, contacted, converted, unreachable,
       COALESCE(degraded_reason,''), started_at, completed_at, created_at, updated_at`

func scanCampaign(row interface{ Scan(...any) error }) (Campaign, error) {
	var c Campaign
	var started, completed sql.NullTime
	if err := row.Scan(
		&c.ID, &c.Name, &c.Type, &c.Status,
		&c.Results.Contacted, &c.Results.Converted, &c.Results.Unreachable,
		&c.DegradedReason, &started, &completed, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return Campaign{}, err
	}
	c.StartedAt = timePtr(started)
	c.CompletedAt = timePtr(completed)
	return c, nil
}

func (r *PostgresRepo) GetCampaign(ctx context.Context, id string) (Campaign, error) {
	c, err := scanCampaign(r.db.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Campaign{}, ErrNotFound
	}
	if err != nil {
		return Campaign{}, fmt.Errorf("get campaign: %w", err)
	}
	if c.ContactIDs, err = r.queue(ctx, id); err != nil {
		return Campaign{}, err
	}
	return c, nil
}

func (r *PostgresRepo) queue(ctx context.Context, campaignID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT contact_id FROM campaign_contacts WHERE campaign_id = $1 ORDER BY position`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list campaign contacts: %w", err)
	}
	defer rows.Close()
	out := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) ListCampaigns(ctx context.Context, status Status) ([]Campaign, error) {
	q := `SELECT ` + campaignColumns + ` FROM campaigns WHERE ($1 = '' OR status = $1) ORDER BY id`
	rows, err := r.db.QueryContext(ctx, q, string(status))
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	out := make([]Campaign, 0)
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range out {
		if out[i].ContactIDs, err = r.queue(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *PostgresRepo) SaveCampaignState(ctx context.Context, c Campaign) error {
	const q = `
UPDATE campaigns
SET status = $2, degraded_reason = NULLIF($3,''), started_at = $4, completed_at = $5, updated_at = $6
WHERE id = $1
`
	res, err := r.db.ExecContext(ctx, q, c.ID, string(c.Status), c.DegradedReason, nullTime(c.StartedAt), nullTime(c.CompletedAt), c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save campaign state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AdjustResults is a single UPDATE so concurrent terminal calls never lose an increment.
func (r *PostgresRepo) AdjustResults(ctx context.Context, campaignID string, d Results) (Results, error) {
	const q = `
UPDATE campaigns
SET contacted = contacted + $2, converted = converted + $3, unreachable = unreachable + $4, updated_at = now()
WHERE id = $1
RETURNING contacted, converted, unreachable
`
	var out Results
	err := r.db.QueryRowContext(ctx, q, campaignID, d.Contacted, d.Converted, d.Unreachable).
		Scan(&out.Contacted, &out.Converted, &out.Unreachable)
	if errors.Is(err, sql.ErrNoRows) {
		return Results{}, ErrNotFound
	}
	if err != nil {
		return Results{}, fmt.Errorf("adjust results: %w", err)
	}
	return out, nil
}

func (r *PostgresRepo) SetResults(ctx context.Context, campaignID string, res Results) error {
	const q = `UPDATE campaigns SET contacted = $2, converted = $3, unreachable = $4, updated_at = now() WHERE id = $1`
	out, err := r.db.ExecContext(ctx, q, campaignID, res.Contacted, res.Converted, res.Unreachable)
	if err != nil {
		return fmt.Errorf("set results: %w", err)
	}
	if n, _ := out.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepo) UpsertContact(ctx context.Context, c Contact) error {
	const q = `
INSERT INTO contacts (id, name, phone, email, lead_score, status, assigned_to, last_contacted_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO UPDATE SET
  name = EXCLUDED.name,
  phone = EXCLUDED.phone,
  email = EXCLUDED.email,
  lead_score = EXCLUDED.lead_score,
  status = EXCLUDED.status,
  assigned_to = EXCLUDED.assigned_to,
  last_contacted_at = EXCLUDED.last_contacted_at,
  updated_at = EXCLUDED.updated_at
`
	if _, err := r.db.ExecContext(ctx, q,
		c.ID, c.Name, c.Phone, c.Email, c.LeadScore, string(c.Status), string(c.AssignedTo), nullTime(c.LastContactedAt), c.UpdatedAt,
	); err != nil {
		return fmt.Errorf("upsert contact: %w", err)
	}
	return nil
}

func (r *PostgresRepo) GetContact(ctx context.Context, id string) (Contact, error) {
	const q = `
SELECT id, name, phone, email, lead_score, status, assigned_to, last_contacted_at, updated_at
FROM contacts WHERE id = $1
`
	var c Contact
	var last sql.NullTime
	err := r.db.QueryRowContext(ctx, q, id).Scan(
		&c.ID, &c.Name, &c.Phone, &c.Email, &c.LeadScore, &c.Status, &c.AssignedTo, &last, &c.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Contact{}, ErrNotFound
	}
	if err != nil {
		return Contact{}, fmt.Errorf("get contact: %w", err)
	}
	c.LastContactedAt = timePtr(last)
	return c, nil
}

func (r *PostgresRepo) AddFollowUp(ctx context.Context, f FollowUp) error {
	const q = `
INSERT INTO follow_ups (id, campaign_id, contact_id, call_id, due_at, created_at)
VALUES ($1, NULLIF($2,''), $3, $4, $5, $6)
`
	if _, err := r.db.ExecContext(ctx, q, f.ID, f.CampaignID, f.ContactID, f.CallID, f.DueAt, f.CreatedAt); err != nil {
		return fmt.Errorf("add follow-up: %w", err)
	}
	return nil
}

func (r *PostgresRepo) ListFollowUps(ctx context.Context, campaignID string) ([]FollowUp, error) {
	const q = `
SELECT id, COALESCE(campaign_id,''), contact_id, call_id, due_at, created_at
FROM follow_ups
WHERE COALESCE(campaign_id,'') = $1
ORDER BY due_at, id
`
	rows, err := r.db.QueryContext(ctx, q, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list follow-ups: %w", err)
	}
	defer rows.Close()
	out := make([]FollowUp, 0)
	for rows.Next() {
		var f FollowUp
		if err := rows.Scan(&f.ID, &f.CampaignID, &f.ContactID, &f.CallID, &f.DueAt, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan follow-up: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) DeleteFollowUp(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM follow_ups WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete follow-up: %w", err)
	}
	return nil
}
