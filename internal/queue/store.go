package queue

import (
	"context"
	"time"
)

// Store is the persistence contract for the dialing queue.
//
// ClaimEligible and ClaimLead must be atomic claim-and-mark operations: two
// concurrent callers must never receive the same entry.
type Store interface {
	Insert(ctx context.Context, e Entry) error

	ClaimEligible(ctx context.Context, accountID string, limit int, now time.Time) ([]Entry, error)
	ClaimLead(ctx context.Context, campaignID, leadID string, now time.Time) (Entry, error)
	RevertClaim(ctx context.Context, id string, retryAt time.Time, reason string, now time.Time) error
	Complete(ctx context.Context, id string, to Status, detail string, now time.Time) (Entry, error)

	DeleteTerminal(ctx context.Context, campaignID string, leadIDs []string) (int, error)
	DeleteCampaign(ctx context.Context, campaignID string) (int, error)
	DeletePending(ctx context.Context, campaignID, leadID string) (int, error)
	DeleteLead(ctx context.Context, campaignID, leadID string) (int, error)

	SetStatus(ctx context.Context, campaignID string, from, to Status, now time.Time) (int, error)
	RescheduleFuture(ctx context.Context, accountID, campaignID string, now time.Time) (int, error)
	// StaleClaims lists entries in calling whose claim is older than olderThan.
	StaleClaims(ctx context.Context, olderThan time.Time) ([]Entry, error)
	// ReleaseClaim returns one stale claim to pending and un-counts its
	// attempt. It fails with ErrInvalidTransition when the entry is no longer
	// a stale claim or a call row references it.
	ReleaseClaim(ctx context.Context, id string, olderThan, now time.Time) (Entry, error)

	Get(ctx context.Context, id string) (Entry, error)
	LatestForLead(ctx context.Context, campaignID, leadID string) (Entry, bool, error)
	Stats(ctx context.Context, accountID, campaignID string, now time.Time) (Stats, error)
	AccountsWithPending(ctx context.Context) ([]string, error)
}
