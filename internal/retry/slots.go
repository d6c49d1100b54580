package retry

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"campaign-dialer/pkg/utils"
)

// BestTimeSlot is the learned answer rate for one (weekday, hour) cell in
// the account's retry timezone.
type BestTimeSlot struct {
	AccountID  string       `json:"account_id"`
	DayOfWeek  time.Weekday `json:"day_of_week"`
	Hour       int          `json:"hour"`
	AnswerRate float64      `json:"answer_rate"`
	CallCount  int          `json:"call_count"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// SlotStore holds the learned table. Replace swaps the whole table for an
// account; there are no incremental updates.
type SlotStore interface {
	Replace(ctx context.Context, accountID string, slots []BestTimeSlot) error
	List(ctx context.Context, accountID string) ([]BestTimeSlot, error)
}

// NOTE: PostgresSlotStore assumes:
//
//	CREATE TABLE best_time_slots (
//	  account_id  text NOT NULL,
//	  day_of_week smallint NOT NULL,
//	  hour        smallint NOT NULL,
//	  answer_rate double precision NOT NULL,
//	  call_count  integer NOT NULL,
//	  updated_at  timestamptz NOT NULL,
//	  PRIMARY KEY (account_id, day_of_week, hour)
//	);
type PostgresSlotStore struct {
	db *sql.DB
}

func NewPostgresSlotStore(db *sql.DB) *PostgresSlotStore { return &PostgresSlotStore{db: db} }

func (s *PostgresSlotStore) Replace(ctx context.Context, accountID string, slots []BestTimeSlot) error {
	const del = `DELETE FROM best_time_slots WHERE account_id = $1`
	const ins = `
INSERT INTO best_time_slots (account_id, day_of_week, hour, answer_rate, call_count, updated_at)
VALUES ($1,$2,$3,$4,$5,$6)
`
	return utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, del, accountID); err != nil {
			return fmt.Errorf("clear slots: %w", err)
		}
		for _, sl := range slots {
			if _, err := tx.ExecContext(ctx, ins, accountID, int(sl.DayOfWeek), sl.Hour, sl.AnswerRate, sl.CallCount, sl.UpdatedAt); err != nil {
				return fmt.Errorf("insert slot: %w", err)
			}
		}
		return nil
	})
}

func (s *PostgresSlotStore) List(ctx context.Context, accountID string) ([]BestTimeSlot, error) {
	const q = `
SELECT day_of_week, hour, answer_rate, call_count, updated_at
FROM best_time_slots
WHERE account_id = $1
ORDER BY day_of_week, hour
`
	rows, err := s.db.QueryContext(ctx, q, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BestTimeSlot
	for rows.Next() {
		sl := BestTimeSlot{AccountID: accountID}
		var day int
		if err := rows.Scan(&day, &sl.Hour, &sl.AnswerRate, &sl.CallCount, &sl.UpdatedAt); err != nil {
			return nil, err
		}
		sl.DayOfWeek = time.Weekday(day)
		out = append(out, sl)
	}
	return out, rows.Err()
}

// MemorySlotStore is an in-memory SlotStore. Intended for tests.
type MemorySlotStore struct {
	mu    sync.Mutex
	slots map[string][]BestTimeSlot
}

func NewMemorySlotStore() *MemorySlotStore {
	return &MemorySlotStore{slots: map[string][]BestTimeSlot{}}
}

func (s *MemorySlotStore) Replace(_ context.Context, accountID string, slots []BestTimeSlot) error {
	cp := append([]BestTimeSlot(nil), slots...)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots[accountID] = cp
	return nil
}

func (s *MemorySlotStore) List(_ context.Context, accountID string) ([]BestTimeSlot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]BestTimeSlot(nil), s.slots[accountID]...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].DayOfWeek != out[j].DayOfWeek {
			return out[i].DayOfWeek < out[j].DayOfWeek
		}
		return out[i].Hour < out[j].Hour
	})
	return out, nil
}
