// Package campaigns reads campaigns and leads owned by the campaign
// management service. The only write is resetting leads to new on re-queue.
package campaigns

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

type Store interface {
	GetCampaign(ctx context.Context, id string) (Campaign, error)
	GetLead(ctx context.Context, campaignID, leadID string) (Lead, error)
	// ListDialableLeads returns leads with a phone number whose status allows
	// dialing, ordered by id.
	ListDialableLeads(ctx context.Context, campaignID string) ([]Lead, error)
	// MarkLeadsNew resets leads to new. Empty leadIDs means every lead of the
	// campaign except do-not-call ones.
	MarkLeadsNew(ctx context.Context, campaignID string, leadIDs []string, now time.Time) (int, error)
}

// NOTE: PostgresStore assumes campaigns(id, account_id, name, status,
// from_number, priority, max_attempts, created_at, updated_at) and
// leads(id, account_id, campaign_id, name, phone_number, status, updated_at).
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func (s *PostgresStore) GetCampaign(ctx context.Context, id string) (Campaign, error) {
	const q = `
SELECT id, account_id, name, status, COALESCE(from_number, ''), priority, max_attempts, created_at, updated_at
FROM campaigns
WHERE id = $1
`
	var c Campaign
	err := s.db.QueryRowContext(ctx, q, id).Scan(
		&c.ID, &c.AccountID, &c.Name, &c.Status, &c.FromNumber, &c.Priority, &c.MaxAttempts, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Campaign{}, ErrNotFound
	}
	return c, err
}

const leadColumns = `id, account_id, campaign_id, COALESCE(name, ''), COALESCE(phone_number, ''), status, updated_at`

func scanLead(sc interface{ Scan(...any) error }) (Lead, error) {
	var l Lead
	err := sc.Scan(&l.ID, &l.AccountID, &l.CampaignID, &l.Name, &l.PhoneNumber, &l.Status, &l.UpdatedAt)
	return l, err
}

func (s *PostgresStore) GetLead(ctx context.Context, campaignID, leadID string) (Lead, error) {
	q := `SELECT ` + leadColumns + ` FROM leads WHERE campaign_id = $1 AND id = $2`
	l, err := scanLead(s.db.QueryRowContext(ctx, q, campaignID, leadID))
	if errors.Is(err, sql.ErrNoRows) {
		return Lead{}, ErrNotFound
	}
	return l, err
}

func (s *PostgresStore) ListDialableLeads(ctx context.Context, campaignID string) ([]Lead, error) {
	q := `SELECT ` + leadColumns + `
FROM leads
WHERE campaign_id = $1
  AND status IN ('new','queued','contacted')
  AND COALESCE(phone_number, '') <> ''
ORDER BY id`
	rows, err := s.db.QueryContext(ctx, q, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkLeadsNew(ctx context.Context, campaignID string, leadIDs []string, now time.Time) (int, error) {
	var (
		res sql.Result
		err error
	)
	if len(leadIDs) == 0 {
		const q = `
UPDATE leads SET status = 'new', updated_at = $2
WHERE campaign_id = $1 AND status <> 'do_not_call'
`
		res, err = s.db.ExecContext(ctx, q, campaignID, now)
	} else {
		const q = `
UPDATE leads SET status = 'new', updated_at = $3
WHERE campaign_id = $1 AND id = ANY($2) AND status <> 'do_not_call'
`
		res, err = s.db.ExecContext(ctx, q, campaignID, pq.Array(leadIDs), now)
	}
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// MemoryStore is an in-memory Store. Intended for tests and local runs.
type MemoryStore struct {
	mu        sync.Mutex
	campaigns map[string]Campaign
	leads     map[string]map[string]Lead
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{campaigns: map[string]Campaign{}, leads: map[string]map[string]Lead{}}
}

func (m *MemoryStore) PutCampaign(c Campaign) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.campaigns[c.ID] = c
}

func (m *MemoryStore) PutLead(l Lead) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.leads[l.CampaignID] == nil {
		m.leads[l.CampaignID] = map[string]Lead{}
	}
	m.leads[l.CampaignID][l.ID] = l
}

func (m *MemoryStore) GetCampaign(_ context.Context, id string) (Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return Campaign{}, ErrNotFound
	}
	return c, nil
}

func (m *MemoryStore) GetLead(_ context.Context, campaignID, leadID string) (Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leads[campaignID][leadID]
	if !ok {
		return Lead{}, ErrNotFound
	}
	return l, nil
}

func (m *MemoryStore) ListDialableLeads(_ context.Context, campaignID string) ([]Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Lead
	for _, l := range m.leads[campaignID] {
		if l.Status.Dialable() && strings.TrimSpace(l.PhoneNumber) != "" {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) MarkLeadsNew(_ context.Context, campaignID string, leadIDs []string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := map[string]bool{}
	for _, id := range leadIDs {
		want[id] = true
	}
	n := 0
	for id, l := range m.leads[campaignID] {
		if len(want) > 0 && !want[id] {
			continue
		}
		if l.Status == LeadDoNotCall {
			continue
		}
		l.Status = LeadNew
		l.UpdatedAt = now
		m.leads[campaignID][id] = l
		n++
	}
	return n, nil
}
