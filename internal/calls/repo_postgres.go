package calls

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"outbound-dialer/pkg/utils"
)

// NOTE: PostgresStore assumes the tables in db/schema.sql:
// - calls (call_id primary key, provider_ref unique when not null)
// - call_dispositions (append-only, UNIQUE (call_id, sequence))

// PostgresStore implements Store on database/sql (pgx stdlib driver).
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

const callColumns = `call_id, COALESCE(provider_ref,''), contact_id, agent_id, COALESCE(campaign_id,''),
       direction, to_number, status, started_at, answered_at, ended_at, duration_seconds,
       COALESCE(disposition_id,''), updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (Call, error) {
	var c Call
	var answered, ended sql.NullTime
	if err := row.Scan(
		&c.CallID,
		&c.ProviderRef,
		&c.ContactID,
		&c.AgentID,
		&c.CampaignID,
		&c.Direction,
		&c.To,
		&c.Status,
		&c.StartedAt,
		&answered,
		&ended,
		&c.DurationSeconds,
		&c.DispositionID,
		&c.UpdatedAt,
	); err != nil {
		return Call{}, err
	}
	if answered.Valid {
		t := answered.Time
		c.AnsweredAt = &t
	}
	if ended.Valid {
		t := ended.Time
		c.EndedAt = &t
	}
	return c, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// UpsertCall inserts the call or updates its mutable columns. Identity columns are
// never rewritten by the update branch.
func (s *PostgresStore) UpsertCall(ctx context.Context, c Call) error {
	const q = `
INSERT INTO calls (
  call_id, provider_ref, contact_id, agent_id, campaign_id, direction, to_number,
  status, started_at, answered_at, ended_at, duration_seconds, updated_at
) VALUES (
  $1, NULLIF($2,''), $3, $4, NULLIF($5,''), $6, $7, $8, $9, $10, $11, $12, $13
)
ON CONFLICT (call_id) DO UPDATE SET
  provider_ref     = COALESCE(EXCLUDED.provider_ref, calls.provider_ref),
  status           = EXCLUDED.status,
  answered_at      = EXCLUDED.answered_at,
  ended_at         = EXCLUDED.ended_at,
  duration_seconds = EXCLUDED.duration_seconds,
  updated_at       = EXCLUDED.updated_at
`
	_, err := s.db.ExecContext(ctx, q,
		c.CallID,
		c.ProviderRef,
		c.ContactID,
		c.AgentID,
		c.CampaignID,
		string(c.Direction),
		c.To,
		string(c.Status),
		c.StartedAt,
		nullTime(c.AnsweredAt),
		nullTime(c.EndedAt),
		c.DurationSeconds,
		c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert call %s: %w", c.CallID, err)
	}
	return nil
}

func (s *PostgresStore) GetCall(ctx context.Context, callID string) (Call, error) {
	q := `SELECT ` + callColumns + ` FROM calls WHERE call_id = $1`
	c, err := scanCall(s.db.QueryRowContext(ctx, q, callID))
	if errors.Is(err, sql.ErrNoRows) {
		return Call{}, ErrNotFound
	}
	if err != nil {
		return Call{}, fmt.Errorf("get call: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) GetCallByProviderRef(ctx context.Context, providerRef string) (Call, error) {
	q := `SELECT ` + callColumns + ` FROM calls WHERE provider_ref = $1`
	c, err := scanCall(s.db.QueryRowContext(ctx, q, providerRef))
	if errors.Is(err, sql.ErrNoRows) {
		return Call{}, ErrNotFound
	}
	if err != nil {
		return Call{}, fmt.Errorf("get call by provider ref: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) ListCallsByCampaign(ctx context.Context, campaignID string) ([]Call, error) {
	q := `SELECT ` + callColumns + ` FROM calls WHERE campaign_id = $1 ORDER BY started_at, call_id`
	return s.list(ctx, q, campaignID)
}

func (s *PostgresStore) ListNonTerminalCalls(ctx context.Context) ([]Call, error) {
	q := `SELECT ` + callColumns + ` FROM calls WHERE status IN ($1, $2, $3) ORDER BY started_at, call_id`
	return s.list(ctx, q, string(StatusPlacing), string(StatusRinging), string(StatusAnswered))
}

func (s *PostgresStore) list(ctx context.Context, q string, args ...any) ([]Call, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	defer rows.Close()

	out := make([]Call, 0)
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("scan call: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AppendDisposition locks the call row so concurrent corrections get distinct sequences.
func (s *PostgresStore) AppendDisposition(ctx context.Context, d Disposition) (Disposition, error) {
	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		var id string
		err := tx.QueryRowContext(ctx, `SELECT call_id FROM calls WHERE call_id = $1 FOR UPDATE`, d.CallID).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(sequence), 0) + 1 FROM call_dispositions WHERE call_id = $1`,
			d.CallID,
		).Scan(&d.Sequence); err != nil {
			return err
		}

		const ins = `
INSERT INTO call_dispositions (id, call_id, sequence, category, notes, follow_up_at, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
`
		if _, err := tx.ExecContext(ctx, ins,
			d.ID,
			d.CallID,
			d.Sequence,
			d.Category,
			d.Notes,
			nullTime(d.FollowUpAt),
			d.CreatedAt,
		); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE calls SET disposition_id = $2, updated_at = $3 WHERE call_id = $1`,
			d.CallID, d.ID, d.CreatedAt,
		)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Disposition{}, err
		}
		return Disposition{}, fmt.Errorf("append disposition: %w", err)
	}
	return d, nil
}

func (s *PostgresStore) ListDispositions(ctx context.Context, callID string) ([]Disposition, error) {
	const q = `
SELECT id, call_id, sequence, category, COALESCE(notes,''), follow_up_at, created_at
FROM call_dispositions
WHERE call_id = $1
ORDER BY sequence
`
	rows, err := s.db.QueryContext(ctx, q, callID)
	if err != nil {
		return nil, fmt.Errorf("list dispositions: %w", err)
	}
	defer rows.Close()

	out := make([]Disposition, 0)
	for rows.Next() {
		var d Disposition
		var followUp sql.NullTime
		if err := rows.Scan(&d.ID, &d.CallID, &d.Sequence, &d.Category, &d.Notes, &followUp, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan disposition: %w", err)
		}
		if followUp.Valid {
			t := followUp.Time
			d.FollowUpAt = &t
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
