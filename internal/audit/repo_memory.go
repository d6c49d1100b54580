package audit

import (
	"context"
	"slices"
	"sync"
)

// MemoryRepo keeps events in insertion order. Used by tests and by the
// dialer when no database is wired.
type MemoryRepo struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) Append(_ context.Context, e Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

// List returns the account's newest events first, filtered by type when
// types is non-empty.
func (r *MemoryRepo) List(_ context.Context, accountID string, types []EventType, limit int) ([]Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Event
	for i := len(r.events) - 1; i >= 0 && len(out) < limit; i-- {
		e := r.events[i]
		if e.AccountID != accountID || (len(types) > 0 && !slices.Contains(types, e.Type)) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Events returns a copy of every stored event, oldest first.
func (r *MemoryRepo) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}
