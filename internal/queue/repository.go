package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"campaign-dialer/pkg/utils"

	"github.com/lib/pq"
)

// NOTE: PostgresStore assumes the dialing_queue table from migrations/ and
// its partial unique index:
//
//	CREATE UNIQUE INDEX dialing_queue_active_pair
//	  ON dialing_queue (campaign_id, lead_id)
//	  WHERE status IN ('pending','calling','paused');
//
// The index is what enforces the one-active-entry rule under concurrency;
// Insert maps its violation to ErrConflict.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var entryColumns = []string{
	"id", "account_id", "campaign_id", "lead_id", "phone_number",
	"priority", "status", "attempts", "max_attempts", "scheduled_at",
	"COALESCE(last_error, '')", "created_at", "updated_at",
}

func columns(alias string) string {
	if alias == "" {
		return strings.Join(entryColumns, ", ")
	}
	out := make([]string, len(entryColumns))
	for i, c := range entryColumns {
		if strings.HasPrefix(c, "COALESCE(") {
			out[i] = "COALESCE(" + alias + "." + strings.TrimPrefix(c, "COALESCE(")
			continue
		}
		out[i] = alias + "." + c
	}
	return strings.Join(out, ", ")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var e Entry
	err := row.Scan(
		&e.ID,
		&e.AccountID,
		&e.CampaignID,
		&e.LeadID,
		&e.PhoneNumber,
		&e.Priority,
		&e.Status,
		&e.Attempts,
		&e.MaxAttempts,
		&e.ScheduledAt,
		&e.LastError,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	return e, err
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *PostgresStore) Insert(ctx context.Context, e Entry) error {
	const q = `
INSERT INTO dialing_queue (
  id, account_id, campaign_id, lead_id, phone_number, priority, status,
  attempts, max_attempts, scheduled_at, created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
)
`
	_, err := r.db.ExecContext(ctx, q,
		e.ID,
		e.AccountID,
		e.CampaignID,
		e.LeadID,
		e.PhoneNumber,
		e.Priority,
		e.Status,
		e.Attempts,
		e.MaxAttempts,
		e.ScheduledAt,
		e.CreatedAt,
		e.UpdatedAt,
	)
	if err != nil {
		if utils.IsUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert queue entry: %w", err)
	}
	return nil
}

// ClaimEligible selects and marks in one statement. SKIP LOCKED lets
// concurrent dispatchers claim disjoint sets instead of blocking.
func (r *PostgresStore) ClaimEligible(ctx context.Context, accountID string, limit int, now time.Time) ([]Entry, error) {
	q := `
UPDATE dialing_queue q
SET status = 'calling', attempts = q.attempts + 1, updated_at = $3
FROM (
  SELECT id
  FROM dialing_queue
  WHERE account_id = $1 AND status = 'pending' AND scheduled_at <= $3
  ORDER BY priority DESC, scheduled_at ASC, id ASC
  LIMIT $2
  FOR UPDATE SKIP LOCKED
) picked
WHERE q.id = picked.id
RETURNING ` + columns("q")

	rows, err := r.db.QueryContext(ctx, q, accountID, limit, now)
	if err != nil {
		return nil, fmt.Errorf("claim eligible: %w", err)
	}
	out, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	// RETURNING order is unspecified.
	SortByDialOrder(out)
	return out, nil
}

func (r *PostgresStore) ClaimLead(ctx context.Context, campaignID, leadID string, now time.Time) (Entry, error) {
	q := `
UPDATE dialing_queue
SET attempts = CASE WHEN status = 'calling' THEN attempts ELSE attempts + 1 END,
    status = 'calling',
    updated_at = $3
WHERE id = (
  SELECT id FROM dialing_queue
  WHERE campaign_id = $1 AND lead_id = $2 AND status IN ('pending','calling','paused')
  LIMIT 1
  FOR UPDATE
)
RETURNING ` + columns("")

	e, err := scanEntry(r.db.QueryRowContext(ctx, q, campaignID, leadID, now))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("claim lead: %w", err)
	}
	return e, nil
}

// transitionMiss explains why a guarded UPDATE touched no row.
func (r *PostgresStore) transitionMiss(ctx context.Context, id string) error {
	const q = `SELECT status FROM dialing_queue WHERE id = $1`
	var st Status
	if err := r.db.QueryRowContext(ctx, q, id).Scan(&st); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	return fmt.Errorf("%w: entry is %s", ErrInvalidTransition, st)
}

func (r *PostgresStore) RevertClaim(ctx context.Context, id string, retryAt time.Time, reason string, now time.Time) error {
	const q = `
UPDATE dialing_queue
SET status = 'pending', attempts = GREATEST(attempts - 1, 0), scheduled_at = $2, last_error = $3, updated_at = $4
WHERE id = $1 AND status = 'calling'
`
	res, err := r.db.ExecContext(ctx, q, id, retryAt, reason, now)
	if err != nil {
		return fmt.Errorf("revert claim: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.transitionMiss(ctx, id)
	}
	return nil
}

func (r *PostgresStore) Complete(ctx context.Context, id string, to Status, detail string, now time.Time) (Entry, error) {
	q := `
UPDATE dialing_queue
SET status = $2, last_error = NULLIF($3, ''), updated_at = $4
WHERE id = $1 AND status = 'calling'
RETURNING ` + columns("")

	e, err := scanEntry(r.db.QueryRowContext(ctx, q, id, to, detail, now))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, r.transitionMiss(ctx, id)
		}
		return Entry{}, fmt.Errorf("complete entry: %w", err)
	}
	return e, nil
}

func (r *PostgresStore) exec(ctx context.Context, q string, args ...any) (int, error) {
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *PostgresStore) DeleteTerminal(ctx context.Context, campaignID string, leadIDs []string) (int, error) {
	if len(leadIDs) == 0 {
		const q = `
DELETE FROM dialing_queue
WHERE campaign_id = $1 AND status IN ('completed','failed','paused')
`
		return r.exec(ctx, q, campaignID)
	}
	const q = `
DELETE FROM dialing_queue
WHERE campaign_id = $1 AND lead_id = ANY($2) AND status IN ('completed','failed','paused')
`
	return r.exec(ctx, q, campaignID, pq.Array(leadIDs))
}

func (r *PostgresStore) DeleteCampaign(ctx context.Context, campaignID string) (int, error) {
	return r.exec(ctx, `DELETE FROM dialing_queue WHERE campaign_id = $1`, campaignID)
}

func (r *PostgresStore) DeletePending(ctx context.Context, campaignID, leadID string) (int, error) {
	const q = `DELETE FROM dialing_queue WHERE campaign_id = $1 AND lead_id = $2 AND status = 'pending'`
	return r.exec(ctx, q, campaignID, leadID)
}

func (r *PostgresStore) DeleteLead(ctx context.Context, campaignID, leadID string) (int, error) {
	const q = `DELETE FROM dialing_queue WHERE campaign_id = $1 AND lead_id = $2`
	return r.exec(ctx, q, campaignID, leadID)
}

func (r *PostgresStore) SetStatus(ctx context.Context, campaignID string, from, to Status, now time.Time) (int, error) {
	const q = `
UPDATE dialing_queue
SET status = $3, updated_at = $4
WHERE campaign_id = $1 AND status = $2
`
	return r.exec(ctx, q, campaignID, from, to, now)
}

func (r *PostgresStore) RescheduleFuture(ctx context.Context, accountID, campaignID string, now time.Time) (int, error) {
	const q = `
UPDATE dialing_queue
SET scheduled_at = $3, updated_at = $3
WHERE account_id = $1
  AND ($2::text = '' OR campaign_id = $2)
  AND status = 'pending'
  AND scheduled_at > $3
`
	return r.exec(ctx, q, accountID, campaignID, now)
}

func (r *PostgresStore) StaleClaims(ctx context.Context, olderThan time.Time) ([]Entry, error) {
	q := `SELECT ` + columns("") + `
FROM dialing_queue
WHERE status = 'calling' AND updated_at < $1
ORDER BY updated_at ASC`
	rows, err := r.db.QueryContext(ctx, q, olderThan)
	if err != nil {
		return nil, fmt.Errorf("list stale claims: %w", err)
	}
	return scanEntries(rows)
}

func (r *PostgresStore) ReleaseClaim(ctx context.Context, id string, olderThan, now time.Time) (Entry, error) {
	q := `
UPDATE dialing_queue q
SET status = 'pending',
    attempts = GREATEST(q.attempts - 1, 0),
    scheduled_at = $3,
    last_error = 'stale claim released',
    updated_at = $3
WHERE q.id = $1
  AND q.status = 'calling'
  AND q.updated_at < $2
  AND NOT EXISTS (SELECT 1 FROM calls c WHERE c.queue_entry_id = q.id)
RETURNING ` + columns("q")

	e, err := scanEntry(r.db.QueryRowContext(ctx, q, id, olderThan, now))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, ErrInvalidTransition
		}
		return Entry{}, fmt.Errorf("release claim: %w", err)
	}
	return e, nil
}

func (r *PostgresStore) Get(ctx context.Context, id string) (Entry, error) {
	q := `SELECT ` + columns("") + ` FROM dialing_queue WHERE id = $1`
	e, err := scanEntry(r.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, err
	}
	return e, nil
}

func (r *PostgresStore) LatestForLead(ctx context.Context, campaignID, leadID string) (Entry, bool, error) {
	q := `SELECT ` + columns("") + `
FROM dialing_queue
WHERE campaign_id = $1 AND lead_id = $2
ORDER BY created_at DESC, id DESC
LIMIT 1`
	e, err := scanEntry(r.db.QueryRowContext(ctx, q, campaignID, leadID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	return e, true, nil
}

func (r *PostgresStore) Stats(ctx context.Context, accountID, campaignID string, now time.Time) (Stats, error) {
	const q = `
SELECT
  COUNT(*) FILTER (WHERE status = 'pending'),
  COUNT(*) FILTER (WHERE status = 'pending' AND scheduled_at <= $3),
  COUNT(*) FILTER (WHERE status = 'pending' AND scheduled_at > $3),
  MIN(scheduled_at) FILTER (WHERE status = 'pending'),
  COUNT(*) FILTER (WHERE status = 'calling'),
  COUNT(*) FILTER (WHERE status = 'paused')
FROM dialing_queue
WHERE account_id = $1 AND ($2::text = '' OR campaign_id = $2)
`
	var (
		st       Stats
		earliest sql.NullTime
	)
	if err := r.db.QueryRowContext(ctx, q, accountID, campaignID, now).Scan(
		&st.PendingTotal,
		&st.PendingEligibleNow,
		&st.PendingScheduledFuture,
		&earliest,
		&st.Calling,
		&st.Paused,
	); err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	if earliest.Valid {
		t := earliest.Time.UTC()
		st.EarliestScheduledAt = &t
	}
	return st, nil
}

func (r *PostgresStore) AccountsWithPending(ctx context.Context) ([]string, error) {
	const q = `SELECT DISTINCT account_id FROM dialing_queue WHERE status = 'pending' ORDER BY account_id`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
