package capacity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Transfer is a live hand-off of a connected call to a voice-AI platform.
type Transfer struct {
	ID        string         `json:"id" db:"id"`
	AccountID string         `json:"account_id" db:"account_id"`
	CallID    string         `json:"call_id" db:"call_id"`
	Platform  Platform       `json:"platform" db:"platform"`
	Status    TransferStatus `json:"status" db:"status"`
	StartedAt time.Time      `json:"started_at" db:"started_at"`
	EndedAt   *time.Time     `json:"ended_at,omitempty" db:"ended_at"`
}

type TransferStatus string

const (
	TransferActive TransferStatus = "active"
	// TransferQueued waits for a platform slot; it holds none.
	TransferQueued    TransferStatus = "queued"
	TransferCompleted TransferStatus = "completed"
	TransferCanceled  TransferStatus = "canceled"
	// TransferTimedOut marks a transfer force-closed by stuck-transfer cleanup.
	TransferTimedOut TransferStatus = "timed_out"
)

type TransferStore interface {
	Insert(ctx context.Context, t Transfer) error
	// Close ends one of the account's active transfers.
	Close(ctx context.Context, accountID, id string, status TransferStatus, now time.Time) (Transfer, error)
	// CancelQueued ends one of the account's queued transfers.
	CancelQueued(ctx context.Context, accountID, id string, now time.Time) (Transfer, error)
	// PromoteQueued activates the oldest queued transfer for the platform.
	// It reports false when none is waiting.
	PromoteQueued(ctx context.Context, accountID string, platform Platform, now time.Time) (Transfer, bool, error)
	CountActive(ctx context.Context, accountID string, platform Platform) (int, error)
	CloseStale(ctx context.Context, olderThan, now time.Time) ([]Transfer, error)
	// ExpireQueued times out queued transfers that waited since before olderThan.
	ExpireQueued(ctx context.Context, olderThan, now time.Time) ([]Transfer, error)
}

// MemoryTransferStore is an in-memory TransferStore useful for tests.
type MemoryTransferStore struct {
	mu   sync.Mutex
	rows map[string]*Transfer
}

func NewMemoryTransferStore() *MemoryTransferStore {
	return &MemoryTransferStore{rows: map[string]*Transfer{}}
}

func (m *MemoryTransferStore) Insert(ctx context.Context, t Transfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := t
	m.rows[t.ID] = &cp
	return nil
}

func (m *MemoryTransferStore) Close(ctx context.Context, accountID, id string, status TransferStatus, now time.Time) (Transfer, error) {
	return m.end(accountID, id, TransferActive, status, now)
}

func (m *MemoryTransferStore) CancelQueued(ctx context.Context, accountID, id string, now time.Time) (Transfer, error) {
	return m.end(accountID, id, TransferQueued, TransferCanceled, now)
}

func (m *MemoryTransferStore) end(accountID, id string, from, to TransferStatus, now time.Time) (Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.rows[id]
	if !ok || t.AccountID != accountID || t.Status != from {
		return Transfer{}, ErrTransferNotFound
	}
	t.Status = to
	end := now
	t.EndedAt = &end
	return *t, nil
}

func (m *MemoryTransferStore) PromoteQueued(ctx context.Context, accountID string, platform Platform, now time.Time) (Transfer, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldest *Transfer
	for _, t := range m.rows {
		if t.AccountID != accountID || t.Platform != platform || t.Status != TransferQueued {
			continue
		}
		if oldest == nil || t.StartedAt.Before(oldest.StartedAt) ||
			(t.StartedAt.Equal(oldest.StartedAt) && t.ID < oldest.ID) {
			oldest = t
		}
	}
	if oldest == nil {
		return Transfer{}, false, nil
	}
	oldest.Status = TransferActive
	oldest.StartedAt = now
	return *oldest, true, nil
}

func (m *MemoryTransferStore) CountActive(ctx context.Context, accountID string, platform Platform) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.rows {
		if t.AccountID == accountID && t.Platform == platform && t.Status == TransferActive {
			n++
		}
	}
	return n, nil
}

func (m *MemoryTransferStore) CloseStale(ctx context.Context, olderThan, now time.Time) ([]Transfer, error) {
	return m.timeOut(TransferActive, olderThan, now), nil
}

func (m *MemoryTransferStore) ExpireQueued(ctx context.Context, olderThan, now time.Time) ([]Transfer, error) {
	return m.timeOut(TransferQueued, olderThan, now), nil
}

func (m *MemoryTransferStore) timeOut(from TransferStatus, olderThan, now time.Time) []Transfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Transfer
	for _, t := range m.rows {
		if t.Status == from && t.StartedAt.Before(olderThan) {
			t.Status = TransferTimedOut
			end := now
			t.EndedAt = &end
			out = append(out, *t)
		}
	}
	return out
}

// PostgresTransferStore persists transfers in active_transfers.
type PostgresTransferStore struct {
	db *sql.DB
}

func NewPostgresTransferStore(db *sql.DB) *PostgresTransferStore {
	return &PostgresTransferStore{db: db}
}

const transferColumns = `id, account_id, call_id, platform, status, started_at, ended_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanTransfer(row scanner) (Transfer, error) {
	var (
		t     Transfer
		ended sql.NullTime
	)
	if err := row.Scan(&t.ID, &t.AccountID, &t.CallID, &t.Platform, &t.Status, &t.StartedAt, &ended); err != nil {
		return Transfer{}, err
	}
	if ended.Valid {
		e := ended.Time
		t.EndedAt = &e
	}
	return t, nil
}

func (r *PostgresTransferStore) Insert(ctx context.Context, t Transfer) error {
	const q = `
INSERT INTO active_transfers (id, account_id, call_id, platform, status, started_at)
VALUES ($1,$2,$3,$4,$5,$6)
`
	if _, err := r.db.ExecContext(ctx, q, t.ID, t.AccountID, t.CallID, t.Platform, t.Status, t.StartedAt); err != nil {
		return fmt.Errorf("insert transfer: %w", err)
	}
	return nil
}

func (r *PostgresTransferStore) Close(ctx context.Context, accountID, id string, status TransferStatus, now time.Time) (Transfer, error) {
	return r.end(ctx, accountID, id, TransferActive, status, now)
}

func (r *PostgresTransferStore) CancelQueued(ctx context.Context, accountID, id string, now time.Time) (Transfer, error) {
	return r.end(ctx, accountID, id, TransferQueued, TransferCanceled, now)
}

func (r *PostgresTransferStore) end(ctx context.Context, accountID, id string, from, to TransferStatus, now time.Time) (Transfer, error) {
	const q = `
UPDATE active_transfers
SET status = $4, ended_at = $5
WHERE id = $1 AND account_id = $2 AND status = $3
RETURNING ` + transferColumns
	t, err := scanTransfer(r.db.QueryRowContext(ctx, q, id, accountID, from, to, now))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Transfer{}, ErrTransferNotFound
		}
		return Transfer{}, fmt.Errorf("end transfer: %w", err)
	}
	return t, nil
}

func (r *PostgresTransferStore) PromoteQueued(ctx context.Context, accountID string, platform Platform, now time.Time) (Transfer, bool, error) {
	const q = `
UPDATE active_transfers
SET status = 'active', started_at = $3
WHERE id = (
  SELECT id FROM active_transfers
  WHERE account_id = $1 AND platform = $2 AND status = 'queued'
  ORDER BY started_at ASC, id ASC
  LIMIT 1
  FOR UPDATE SKIP LOCKED
)
RETURNING ` + transferColumns
	t, err := scanTransfer(r.db.QueryRowContext(ctx, q, accountID, platform, now))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Transfer{}, false, nil
		}
		return Transfer{}, false, fmt.Errorf("promote transfer: %w", err)
	}
	return t, true, nil
}

func (r *PostgresTransferStore) CountActive(ctx context.Context, accountID string, platform Platform) (int, error) {
	const q = `
SELECT COUNT(*) FROM active_transfers
WHERE account_id = $1 AND platform = $2 AND status = 'active'
`
	var n int
	if err := r.db.QueryRowContext(ctx, q, accountID, platform).Scan(&n); err != nil {
		return 0, fmt.Errorf("count transfers: %w", err)
	}
	return n, nil
}

func (r *PostgresTransferStore) CloseStale(ctx context.Context, olderThan, now time.Time) ([]Transfer, error) {
	return r.timeOut(ctx, TransferActive, olderThan, now)
}

func (r *PostgresTransferStore) ExpireQueued(ctx context.Context, olderThan, now time.Time) ([]Transfer, error) {
	return r.timeOut(ctx, TransferQueued, olderThan, now)
}

func (r *PostgresTransferStore) timeOut(ctx context.Context, from TransferStatus, olderThan, now time.Time) ([]Transfer, error) {
	const q = `
UPDATE active_transfers
SET status = 'timed_out', ended_at = $3
WHERE status = $1 AND started_at < $2
RETURNING ` + transferColumns
	rows, err := r.db.QueryContext(ctx, q, from, olderThan, now)
	if err != nil {
		return nil, fmt.Errorf("time out %s transfers: %w", from, err)
	}
	defer rows.Close()
	var out []Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
