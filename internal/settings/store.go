package settings

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"
)

// NOTE: PostgresStore assumes:
//
//	CREATE TABLE account_settings (
//	  account_id text NOT NULL,
//	  kind       text NOT NULL,
//	  payload    jsonb NOT NULL,
//	  updated_at timestamptz NOT NULL,
//	  PRIMARY KEY (account_id, kind)
//	);
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func (s *PostgresStore) Load(ctx context.Context, accountID, kind string) ([]byte, bool, error) {
	const q = `
SELECT payload
FROM account_settings
WHERE account_id = $1 AND kind = $2
`
	var payload []byte
	if err := s.db.QueryRowContext(ctx, q, accountID, kind).Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return payload, true, nil
}

func (s *PostgresStore) Save(ctx context.Context, accountID, kind string, payload []byte, now time.Time) error {
	const q = `
INSERT INTO account_settings (account_id, kind, payload, updated_at)
VALUES ($1,$2,$3,$4)
ON CONFLICT (account_id, kind)
DO UPDATE SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at
`
	_, err := s.db.ExecContext(ctx, q, accountID, kind, payload, now)
	return err
}

// MemoryStore keeps settings documents in memory. Intended for tests.
type MemoryStore struct {
	mu    sync.Mutex
	docs  map[string][]byte
	Loads int
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{docs: map[string][]byte{}} }

func (s *MemoryStore) Load(ctx context.Context, accountID, kind string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Loads++
	b, ok := s.docs[accountID+"|"+kind]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, true, nil
}

func (s *MemoryStore) Save(ctx context.Context, accountID, kind string, payload []byte, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := make([]byte, len(payload))
	copy(b, payload)
	s.docs[accountID+"|"+kind] = b
	return nil
}
