package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store useful for tests.
// Claims are atomic because every operation runs under one mutex.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
	seq     map[string]int64
	next    int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[string]*Entry{}, seq: map[string]int64{}}
}

func (m *MemoryStore) Insert(ctx context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.Status.Active() && m.activeLocked(e.CampaignID, e.LeadID) != nil {
		return ErrConflict
	}
	cp := e
	m.entries[e.ID] = &cp
	m.next++
	m.seq[e.ID] = m.next
	return nil
}

func (m *MemoryStore) activeLocked(campaignID, leadID string) *Entry {
	for _, e := range m.entries {
		if e.CampaignID == campaignID && e.LeadID == leadID && e.Status.Active() {
			return e
		}
	}
	return nil
}

func (m *MemoryStore) ClaimEligible(ctx context.Context, accountID string, limit int, now time.Time) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*Entry
	for _, e := range m.entries {
		if e.AccountID == accountID && e.Status == StatusPending && !e.ScheduledAt.After(now) {
			due = append(due, e)
		}
	}
	sortEntries(due)
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]Entry, 0, len(due))
	for _, e := range due {
		e.Status = StatusCalling
		e.Attempts++
		e.UpdatedAt = now
		out = append(out, *e)
	}
	return out, nil
}

func (m *MemoryStore) ClaimLead(ctx context.Context, campaignID, leadID string, now time.Time) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.activeLocked(campaignID, leadID)
	if e == nil {
		return Entry{}, ErrNotFound
	}
	if e.Status != StatusCalling {
		e.Attempts++
	}
	e.Status = StatusCalling
	e.UpdatedAt = now
	return *e, nil
}

func (m *MemoryStore) RevertClaim(ctx context.Context, id string, retryAt time.Time, reason string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return ErrNotFound
	}
	if e.Status != StatusCalling {
		return ErrInvalidTransition
	}
	e.Status = StatusPending
	if e.Attempts > 0 {
		e.Attempts--
	}
	e.ScheduledAt = retryAt
	e.LastError = reason
	e.UpdatedAt = now
	return nil
}

func (m *MemoryStore) Complete(ctx context.Context, id string, to Status, detail string, now time.Time) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	if e.Status != StatusCalling {
		return Entry{}, ErrInvalidTransition
	}
	e.Status = to
	e.LastError = detail
	e.UpdatedAt = now
	return *e, nil
}

func (m *MemoryStore) deleteWhere(keep func(*Entry) bool) int {
	n := 0
	for id, e := range m.entries {
		if !keep(e) {
			delete(m.entries, id)
			delete(m.seq, id)
			n++
		}
	}
	return n
}

func (m *MemoryStore) DeleteTerminal(ctx context.Context, campaignID string, leadIDs []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := map[string]bool{}
	for _, id := range leadIDs {
		want[id] = true
	}
	return m.deleteWhere(func(e *Entry) bool {
		if e.CampaignID != campaignID {
			return true
		}
		if len(want) > 0 && !want[e.LeadID] {
			return true
		}
		return !(e.Status.Terminal() || e.Status == StatusPaused)
	}), nil
}

func (m *MemoryStore) DeleteCampaign(ctx context.Context, campaignID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteWhere(func(e *Entry) bool { return e.CampaignID != campaignID }), nil
}

func (m *MemoryStore) DeletePending(ctx context.Context, campaignID, leadID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteWhere(func(e *Entry) bool {
		return !(e.CampaignID == campaignID && e.LeadID == leadID && e.Status == StatusPending)
	}), nil
}

func (m *MemoryStore) DeleteLead(ctx context.Context, campaignID, leadID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteWhere(func(e *Entry) bool {
		return !(e.CampaignID == campaignID && e.LeadID == leadID)
	}), nil
}

func (m *MemoryStore) SetStatus(ctx context.Context, campaignID string, from, to Status, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.CampaignID == campaignID && e.Status == from {
			e.Status = to
			e.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) RescheduleFuture(ctx context.Context, accountID, campaignID string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.AccountID != accountID || e.Status != StatusPending || !e.ScheduledAt.After(now) {
			continue
		}
		if campaignID != "" && e.CampaignID != campaignID {
			continue
		}
		e.ScheduledAt = now
		e.UpdatedAt = now
		n++
	}
	return n, nil
}

func (m *MemoryStore) StaleClaims(ctx context.Context, olderThan time.Time) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, e := range m.entries {
		if e.Status == StatusCalling && e.UpdatedAt.Before(olderThan) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

// ReleaseClaim cannot see the call log; Service checks for a placed call
// before calling it.
func (m *MemoryStore) ReleaseClaim(ctx context.Context, id string, olderThan, now time.Time) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	if e.Status != StatusCalling || !e.UpdatedAt.Before(olderThan) {
		return Entry{}, ErrInvalidTransition
	}
	e.Status = StatusPending
	if e.Attempts > 0 {
		e.Attempts--
	}
	e.ScheduledAt = now
	e.LastError = "stale claim released"
	e.UpdatedAt = now
	return *e, nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return *e, nil
}

func (m *MemoryStore) LatestForLead(ctx context.Context, campaignID, leadID string) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *Entry
	for id, e := range m.entries {
		if e.CampaignID != campaignID || e.LeadID != leadID {
			continue
		}
		if best == nil || m.seq[id] > m.seq[best.ID] {
			best = e
		}
	}
	if best == nil {
		return Entry{}, false, nil
	}
	return *best, true, nil
}

func (m *MemoryStore) Stats(ctx context.Context, accountID, campaignID string, now time.Time) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var st Stats
	for _, e := range m.entries {
		if e.AccountID != accountID {
			continue
		}
		if campaignID != "" && e.CampaignID != campaignID {
			continue
		}
		switch e.Status {
		case StatusPending:
			st.PendingTotal++
			if e.ScheduledAt.After(now) {
				st.PendingScheduledFuture++
			} else {
				st.PendingEligibleNow++
			}
			if st.EarliestScheduledAt == nil || e.ScheduledAt.Before(*st.EarliestScheduledAt) {
				t := e.ScheduledAt
				st.EarliestScheduledAt = &t
			}
		case StatusCalling:
			st.Calling++
		case StatusPaused:
			st.Paused++
		}
	}
	return st, nil
}

func (m *MemoryStore) AccountsWithPending(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, e := range m.entries {
		if e.Status == StatusPending && !seen[e.AccountID] {
			seen[e.AccountID] = true
			out = append(out, e.AccountID)
		}
	}
	sort.Strings(out)
	return out, nil
}

// All returns a snapshot of every entry. Intended for tests.
func (m *MemoryStore) All() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, *e)
	}
	SortByDialOrder(out)
	return out
}

// sortEntries orders by priority DESC, scheduled_at ASC, id ASC.
func sortEntries(es []*Entry) {
	sort.SliceStable(es, func(i, j int) bool { return less(es[i], es[j]) })
}

// SortByDialOrder sorts entries in claim order.
func SortByDialOrder(es []Entry) {
	sort.SliceStable(es, func(i, j int) bool { return less(&es[i], &es[j]) })
}

func less(a, b *Entry) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.ScheduledAt.Equal(b.ScheduledAt) {
		return a.ScheduledAt.Before(b.ScheduledAt)
	}
	return a.ID < b.ID
}
