package telephony

import (
	"context"
	"errors"
	"time"
)

// Placer starts outbound calls at the telephony provider.
//
// Rules:
// - No provider SDK or HTTP calls outside telephony adapters.
// - A nil error means the provider accepted the call; the outcome arrives
//   later through the status callback.
// - Placement failures are not call failures: callers revert the queue entry
//   instead of counting an attempt.
type Placer interface {
	Name() string
	PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error)
}

type PlaceCallRequest struct {
	AccountID    string `json:"account_id"`
	CampaignID   string `json:"campaign_id"`
	LeadID       string `json:"lead_id"`
	QueueEntryID string `json:"queue_entry_id"`

	// From and To are E.164 where possible. Empty From uses the placer default.
	From string `json:"from"`
	To   string `json:"to"`

	// Context is passed through to the provider and echoed on callbacks.
	Context map[string]string `json:"context,omitempty"`
}

type PlaceCallResult struct {
	ProviderCallID string    `json:"provider_call_id"`
	From           string    `json:"from"`
	AcceptedAt     time.Time `json:"accepted_at"`
}

var (
	// ErrUnreachable marks transient provider failures (network, 5xx, 429).
	ErrUnreachable = errors.New("telephony: provider unreachable")
	// ErrPlacementRejected marks a provider refusal of this specific call.
	ErrPlacementRejected = errors.New("telephony: placement rejected")
	ErrNotConfigured     = errors.New("telephony: placer not configured")
)

// IsTransient reports whether err should put the dispatcher into cooldown.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrUnreachable) || errors.Is(err, context.DeadlineExceeded)
}
