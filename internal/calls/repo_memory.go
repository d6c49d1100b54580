package calls

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepository is an in-memory call log useful for tests.
type MemoryRepository struct {
	mu    sync.Mutex
	calls map[string]*Call
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{calls: map[string]*Call{}}
}

func (r *MemoryRepository) Insert(ctx context.Context, c Call) error {
	if c.ID == "" || c.AccountID == "" {
		return ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := c
	r.calls[c.ID] = &cp
	return nil
}

func (r *MemoryRepository) HasCallForEntry(ctx context.Context, entryID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.calls {
		if entryID != "" && c.QueueEntryID == entryID {
			return true, nil
		}
	}
	return false, nil
}

func (r *MemoryRepository) Get(ctx context.Context, id string) (Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[id]
	if !ok {
		return Call{}, ErrNotFound
	}
	return *c, nil
}

func (r *MemoryRepository) FindByProviderID(ctx context.Context, providerCallID string) (Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.calls {
		if providerCallID != "" && c.ProviderCallID == providerCallID {
			return *c, nil
		}
	}
	return Call{}, ErrNotFound
}

func (r *MemoryRepository) UpdateStatus(ctx context.Context, id string, u Update, now time.Time) (Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[id]
	if !ok {
		return Call{}, ErrNotFound
	}
	if !c.Status.Active() {
		return Call{}, ErrAlreadyEnded
	}
	c.Status = u.Status
	c.Outcome = u.Outcome
	if u.DurationSeconds > c.DurationSeconds {
		c.DurationSeconds = u.DurationSeconds
	}
	if !u.Status.Active() {
		t := now
		c.EndedAt = &t
	}
	c.UpdatedAt = now
	return *c, nil
}

func (r *MemoryRepository) CountActive(ctx context.Context, accountID string, since time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.AccountID == accountID && c.Status.Active() && !c.StartedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) AccountsWithCallsSince(ctx context.Context, since time.Time) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, c := range r.calls {
		if !c.StartedAt.Before(since) && !seen[c.AccountID] {
			seen[c.AccountID] = true
			out = append(out, c.AccountID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (r *MemoryRepository) ListEnded(ctx context.Context, accountID string, from, to time.Time) ([]Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Call
	for _, c := range r.calls {
		if c.AccountID != accountID || c.Status.Active() {
			continue
		}
		if c.StartedAt.Before(from) || !c.StartedAt.Before(to) {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (r *MemoryRepository) endWhere(match func(*Call) bool, status Status, outcome Outcome, now time.Time) []Call {
	var out []Call
	for _, c := range r.calls {
		if !c.Status.Active() || !match(c) {
			continue
		}
		c.Status = status
		c.Outcome = outcome
		t := now
		c.EndedAt = &t
		c.UpdatedAt = now
		out = append(out, *c)
	}
	return out
}

func (r *MemoryRepository) MarkStale(ctx context.Context, olderThan, now time.Time) ([]Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.endWhere(func(c *Call) bool { return c.StartedAt.Before(olderThan) }, StatusFailed, OutcomeFailed, now), nil
}

func (r *MemoryRepository) CancelActiveForLead(ctx context.Context, campaignID, leadID string, now time.Time) ([]Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.endWhere(func(c *Call) bool {
		return c.CampaignID == campaignID && c.LeadID == leadID
	}, StatusCanceled, OutcomeCanceled, now), nil
}
