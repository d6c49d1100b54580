package audit

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO audit_events (
  id, account_id, type, actor_user_id, actor_role, ip_address, action, campaign_id, lead_id, message, metadata, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
)
`
	_, err := r.db.ExecContext(ctx, q,
		e.ID,
		e.AccountID,
		e.Type,
		nullIfEmpty(e.ActorUserID),
		nullIfEmpty(e.ActorRole),
		nullIfEmpty(e.IPAddress),
		nullIfEmpty(e.Action),
		nullIfEmpty(e.CampaignID),
		nullIfEmpty(e.LeadID),
		nullIfEmpty(e.Message),
		nullIfEmpty(e.Metadata),
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

func (r *PostgresRepo) List(ctx context.Context, accountID string, types []EventType, limit int) ([]Event, error) {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	const q = `
SELECT id, account_id, type, COALESCE(actor_user_id, ''), COALESCE(actor_role, ''), COALESCE(ip_address, ''),
  COALESCE(action, ''), COALESCE(campaign_id, ''), COALESCE(lead_id, ''), COALESCE(message, ''),
  COALESCE(metadata, ''), created_at
FROM audit_events
WHERE account_id = $1 AND (cardinality($2::text[]) = 0 OR type = ANY($2))
ORDER BY created_at DESC
LIMIT $3
`
	rows, err := r.db.QueryContext(ctx, q, accountID, pq.Array(names), limit)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Type, &e.ActorUserID, &e.ActorRole, &e.IPAddress,
			&e.Action, &e.CampaignID, &e.LeadID, &e.Message, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
