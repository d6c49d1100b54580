package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Service enforces queue invariants on top of a Store.
//
// Lifecycle:
//
//	pending -> calling -> completed | failed
//	pending <-> paused
//	calling -> pending (placement failure, attempt not counted)
type Service struct {
	store Store
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewService(store Store) *Service {
	return &Service{store: store, clock: time.Now}
}

// WithClock replaces the service clock. Intended for tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

func (s *Service) Now() time.Time { return s.clock().UTC() }

type EnqueueRequest struct {
	AccountID   string
	CampaignID  string
	LeadID      string
	PhoneNumber string
	Priority    int
	MaxAttempts int

	// Attempts carries the cumulative attempt count into a retry row.
	Attempts int

	// ScheduledAt zero means "now".
	ScheduledAt time.Time
}

// Enqueue inserts a fresh pending entry. It fails with ErrConflict when the
// pair already has an active entry; callers resolve that explicitly.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (Entry, error) {
	if req.AccountID == "" || req.CampaignID == "" || req.LeadID == "" {
		return Entry{}, ErrInvalidArgument
	}
	if strings.TrimSpace(req.PhoneNumber) == "" {
		return Entry{}, ErrInvalidArgument
	}
	if req.MaxAttempts < 0 || req.Attempts < 0 {
		return Entry{}, ErrInvalidArgument
	}

	now := s.Now()
	at := req.ScheduledAt
	if at.IsZero() {
		at = now
	}
	e := Entry{
		ID:          uuid.NewString(),
		AccountID:   req.AccountID,
		CampaignID:  req.CampaignID,
		LeadID:      req.LeadID,
		PhoneNumber: strings.TrimSpace(req.PhoneNumber),
		Priority:    req.Priority,
		Status:      StatusPending,
		Attempts:    req.Attempts,
		MaxAttempts: req.MaxAttempts,
		ScheduledAt: at.UTC(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Insert(ctx, e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// ClaimEligible claims up to limit pending entries due at or before now,
// ordered by priority DESC, scheduled_at ASC, marking each as calling.
func (s *Service) ClaimEligible(ctx context.Context, accountID string, limit int) ([]Entry, error) {
	if accountID == "" {
		return nil, ErrInvalidArgument
	}
	if limit <= 0 {
		return nil, nil
	}
	return s.store.ClaimEligible(ctx, accountID, limit, s.Now())
}

// ClaimLead claims the lead's active entry regardless of scheduled_at. An
// entry stuck in calling is re-claimed, which is how force dispatch clears it.
func (s *Service) ClaimLead(ctx context.Context, campaignID, leadID string) (Entry, error) {
	if campaignID == "" || leadID == "" {
		return Entry{}, ErrInvalidArgument
	}
	return s.store.ClaimLead(ctx, campaignID, leadID, s.Now())
}

// RevertClaim returns a calling entry to pending after a placement failure.
// The attempt taken at claim time is given back.
func (s *Service) RevertClaim(ctx context.Context, id string, backoff time.Duration, reason string) error {
	if id == "" || backoff < 0 {
		return ErrInvalidArgument
	}
	now := s.Now()
	return s.store.RevertClaim(ctx, id, now.Add(backoff), reason, now)
}

// RevertClaimUntil is RevertClaim with an absolute retry time.
func (s *Service) RevertClaimUntil(ctx context.Context, id string, retryAt time.Time, reason string) error {
	if id == "" {
		return ErrInvalidArgument
	}
	now := s.Now()
	if retryAt.Before(now) {
		retryAt = now
	}
	return s.store.RevertClaim(ctx, id, retryAt.UTC(), reason, now)
}

// RecordOutcome moves a calling entry to its terminal status.
func (s *Service) RecordOutcome(ctx context.Context, id string, outcome Outcome, detail string) (Entry, error) {
	if id == "" {
		return Entry{}, ErrInvalidArgument
	}
	var to Status
	switch outcome {
	case OutcomeCompleted:
		to = StatusCompleted
	case OutcomeFailed:
		to = StatusFailed
	default:
		return Entry{}, fmt.Errorf("%w: unknown outcome %q", ErrInvalidArgument, outcome)
	}
	return s.store.Complete(ctx, id, to, detail, s.Now())
}

// ResetForReenrollment deletes terminal rows (and paused rows) for the given
// leads so fresh pending rows can be inserted. Empty leadIDs means every lead
// of the campaign.
func (s *Service) ResetForReenrollment(ctx context.Context, campaignID string, leadIDs []string) (int, error) {
	if campaignID == "" {
		return 0, ErrInvalidArgument
	}
	return s.store.DeleteTerminal(ctx, campaignID, leadIDs)
}

// DeleteCampaign removes every entry of a campaign (force re-queue).
func (s *Service) DeleteCampaign(ctx context.Context, campaignID string) (int, error) {
	if campaignID == "" {
		return 0, ErrInvalidArgument
	}
	return s.store.DeleteCampaign(ctx, campaignID)
}

// DeletePending removes the pending entry for a pair (retry cancellation).
func (s *Service) DeletePending(ctx context.Context, campaignID, leadID string) (int, error) {
	if campaignID == "" || leadID == "" {
		return 0, ErrInvalidArgument
	}
	return s.store.DeletePending(ctx, campaignID, leadID)
}

// RemoveLead deletes every entry for a pair (removal or do-not-call).
func (s *Service) RemoveLead(ctx context.Context, campaignID, leadID string) (int, error) {
	if campaignID == "" || leadID == "" {
		return 0, ErrInvalidArgument
	}
	return s.store.DeleteLead(ctx, campaignID, leadID)
}

func (s *Service) Pause(ctx context.Context, campaignID string) (int, error) {
	if campaignID == "" {
		return 0, ErrInvalidArgument
	}
	return s.store.SetStatus(ctx, campaignID, StatusPending, StatusPaused, s.Now())
}

func (s *Service) Resume(ctx context.Context, campaignID string) (int, error) {
	if campaignID == "" {
		return 0, ErrInvalidArgument
	}
	return s.store.SetStatus(ctx, campaignID, StatusPaused, StatusPending, s.Now())
}

// RescheduleFuture pulls every future pending entry forward to now.
// campaignID may be empty to cover the whole account.
func (s *Service) RescheduleFuture(ctx context.Context, accountID, campaignID string) (int, error) {
	if accountID == "" {
		return 0, ErrInvalidArgument
	}
	return s.store.RescheduleFuture(ctx, accountID, campaignID, s.Now())
}

// PlacedFunc reports whether a call row references the entry.
type PlacedFunc func(ctx context.Context, entryID string) (bool, error)

// ReleaseStaleClaims returns entries stuck in calling for longer than
// staleAfter back to pending. Entries for which placed reports a call are
// left alone; their call's own staleness decides when they end.
func (s *Service) ReleaseStaleClaims(ctx context.Context, staleAfter time.Duration, placed PlacedFunc) ([]Entry, error) {
	if staleAfter <= 0 {
		return nil, ErrInvalidArgument
	}
	now := s.Now()
	olderThan := now.Add(-staleAfter)
	stale, err := s.store.StaleClaims(ctx, olderThan)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range stale {
		if placed != nil {
			ok, err := placed(ctx, e.ID)
			if err != nil {
				return out, fmt.Errorf("check call for entry %s: %w", e.ID, err)
			}
			if ok {
				continue
			}
		}
		released, err := s.store.ReleaseClaim(ctx, e.ID, olderThan, now)
		if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return out, err
		}
		out = append(out, released)
	}
	return out, nil
}

func (s *Service) Get(ctx context.Context, id string) (Entry, error) {
	if id == "" {
		return Entry{}, ErrInvalidArgument
	}
	return s.store.Get(ctx, id)
}

func (s *Service) LatestForLead(ctx context.Context, campaignID, leadID string) (Entry, bool, error) {
	if campaignID == "" || leadID == "" {
		return Entry{}, false, ErrInvalidArgument
	}
	return s.store.LatestForLead(ctx, campaignID, leadID)
}

func (s *Service) Stats(ctx context.Context, accountID, campaignID string) (Stats, error) {
	if accountID == "" {
		return Stats{}, ErrInvalidArgument
	}
	return s.store.Stats(ctx, accountID, campaignID, s.Now())
}

func (s *Service) AccountsWithPending(ctx context.Context) ([]string, error) {
	return s.store.AccountsWithPending(ctx)
}
