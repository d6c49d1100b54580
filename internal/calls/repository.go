package calls

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Repository is the call log.
type Repository interface {
	Insert(ctx context.Context, c Call) error
	Get(ctx context.Context, id string) (Call, error)
	FindByProviderID(ctx context.Context, providerCallID string) (Call, error)

	// UpdateStatus applies a provider update to an active call. Calls that
	// already ended return ErrAlreadyEnded so duplicate callbacks are no-ops.
	UpdateStatus(ctx context.Context, id string, u Update, now time.Time) (Call, error)

	CountActive(ctx context.Context, accountID string, since time.Time) (int, error)
	// AccountsWithCallsSince lists accounts that started a call at or after since.
	AccountsWithCallsSince(ctx context.Context, since time.Time) ([]string, error)
	ListEnded(ctx context.Context, accountID string, from, to time.Time) ([]Call, error)

	// MarkStale fails every active call started before olderThan.
	MarkStale(ctx context.Context, olderThan, now time.Time) ([]Call, error)
	CancelActiveForLead(ctx context.Context, campaignID, leadID string, now time.Time) ([]Call, error)

	// HasCallForEntry reports whether any call row references the queue entry.
	HasCallForEntry(ctx context.Context, entryID string) (bool, error)
}

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const callColumns = `id, account_id, COALESCE(campaign_id, ''), COALESCE(lead_id, ''), COALESCE(queue_entry_id, ''),
  COALESCE(provider_call_id, ''), from_number, to_number, status, COALESCE(outcome, ''), duration,
  started_at, ended_at, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanCall(row scanner) (Call, error) {
	var (
		c     Call
		ended sql.NullTime
	)
	err := row.Scan(
		&c.ID,
		&c.AccountID,
		&c.CampaignID,
		&c.LeadID,
		&c.QueueEntryID,
		&c.ProviderCallID,
		&c.From,
		&c.To,
		&c.Status,
		&c.Outcome,
		&c.DurationSeconds,
		&c.StartedAt,
		&ended,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return Call{}, err
	}
	if ended.Valid {
		t := ended.Time
		c.EndedAt = &t
	}
	return c, nil
}

func scanCalls(rows *sql.Rows) ([]Call, error) {
	defer rows.Close()
	var out []Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (r *PostgresRepository) Insert(ctx context.Context, c Call) error {
	const q = `
INSERT INTO calls (
  id, account_id, campaign_id, lead_id, queue_entry_id, provider_call_id,
  from_number, to_number, status, outcome, duration, started_at, created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
)
`
	_, err := r.db.ExecContext(ctx, q,
		c.ID,
		c.AccountID,
		nullIfEmpty(c.CampaignID),
		nullIfEmpty(c.LeadID),
		nullIfEmpty(c.QueueEntryID),
		nullIfEmpty(c.ProviderCallID),
		c.From,
		c.To,
		c.Status,
		nullIfEmpty(string(c.Outcome)),
		c.DurationSeconds,
		c.StartedAt,
		c.CreatedAt,
		c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert call: %w", err)
	}
	return nil
}

func (r *PostgresRepository) HasCallForEntry(ctx context.Context, entryID string) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM calls WHERE queue_entry_id = $1)`
	var ok bool
	if err := r.db.QueryRowContext(ctx, q, entryID).Scan(&ok); err != nil {
		return false, fmt.Errorf("call for entry: %w", err)
	}
	return ok, nil
}

func (r *PostgresRepository) getBy(ctx context.Context, column, value string) (Call, error) {
	q := `SELECT ` + callColumns + ` FROM calls WHERE ` + column + ` = $1`
	c, err := scanCall(r.db.QueryRowContext(ctx, q, value))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Call{}, ErrNotFound
		}
		return Call{}, err
	}
	return c, nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (Call, error) {
	return r.getBy(ctx, "id", id)
}

func (r *PostgresRepository) FindByProviderID(ctx context.Context, providerCallID string) (Call, error) {
	return r.getBy(ctx, "provider_call_id", providerCallID)
}

func (r *PostgresRepository) UpdateStatus(ctx context.Context, id string, u Update, now time.Time) (Call, error) {
	q := `
UPDATE calls
SET status = $2,
    outcome = NULLIF($3, ''),
    duration = GREATEST(duration, $4),
    ended_at = CASE WHEN $2 = ANY($5) THEN ended_at ELSE $6 END,
    updated_at = $6
WHERE id = $1 AND status = ANY($5)
RETURNING ` + callColumns

	c, err := scanCall(r.db.QueryRowContext(ctx, q,
		id, u.Status, string(u.Outcome), u.DurationSeconds, pq.Array(activeStrings()), now))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, gerr := r.Get(ctx, id); gerr != nil {
				return Call{}, gerr
			}
			return Call{}, ErrAlreadyEnded
		}
		return Call{}, fmt.Errorf("update call status: %w", err)
	}
	return c, nil
}

func activeStrings() []string {
	out := make([]string, len(ActiveStatuses))
	for i, s := range ActiveStatuses {
		out[i] = string(s)
	}
	return out
}

func (r *PostgresRepository) CountActive(ctx context.Context, accountID string, since time.Time) (int, error) {
	const q = `
SELECT COUNT(*)
FROM calls
WHERE account_id = $1 AND status = ANY($2) AND started_at >= $3
`
	var n int
	if err := r.db.QueryRowContext(ctx, q, accountID, pq.Array(activeStrings()), since).Scan(&n); err != nil {
		return 0, fmt.Errorf("count active calls: %w", err)
	}
	return n, nil
}

func (r *PostgresRepository) AccountsWithCallsSince(ctx context.Context, since time.Time) ([]string, error) {
	const q = `SELECT DISTINCT account_id FROM calls WHERE started_at >= $1 ORDER BY account_id`
	rows, err := r.db.QueryContext(ctx, q, since)
	if err != nil {
		return nil, fmt.Errorf("accounts with calls: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var acct string
		if err := rows.Scan(&acct); err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) ListEnded(ctx context.Context, accountID string, from, to time.Time) ([]Call, error) {
	q := `SELECT ` + callColumns + `
FROM calls
WHERE account_id = $1 AND NOT (status = ANY($2)) AND started_at >= $3 AND started_at < $4
ORDER BY started_at ASC`
	rows, err := r.db.QueryContext(ctx, q, accountID, pq.Array(activeStrings()), from, to)
	if err != nil {
		return nil, fmt.Errorf("list ended calls: %w", err)
	}
	return scanCalls(rows)
}

func (r *PostgresRepository) MarkStale(ctx context.Context, olderThan, now time.Time) ([]Call, error) {
	q := `
UPDATE calls
SET status = 'failed', outcome = 'failed', ended_at = $3, updated_at = $3
WHERE status = ANY($1) AND started_at < $2
RETURNING ` + callColumns
	rows, err := r.db.QueryContext(ctx, q, pq.Array(activeStrings()), olderThan, now)
	if err != nil {
		return nil, fmt.Errorf("mark stale calls: %w", err)
	}
	return scanCalls(rows)
}

func (r *PostgresRepository) CancelActiveForLead(ctx context.Context, campaignID, leadID string, now time.Time) ([]Call, error) {
	q := `
UPDATE calls
SET status = 'canceled', outcome = 'canceled', ended_at = $4, updated_at = $4
WHERE campaign_id = $1 AND lead_id = $2 AND status = ANY($3)
RETURNING ` + callColumns
	rows, err := r.db.QueryContext(ctx, q, campaignID, leadID, pq.Array(activeStrings()), now)
	if err != nil {
		return nil, fmt.Errorf("cancel lead calls: %w", err)
	}
	return scanCalls(rows)
}
