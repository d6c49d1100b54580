// Package events publishes dialer lifecycle events for downstream consumers.
// Publishing is best-effort: callers log failures and carry on.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeCallPlaced      Type = "call_placed"
	TypeCallOutcome     Type = "call_outcome"
	TypeRetryScheduled  Type = "retry_scheduled"
	TypeRetryExhausted  Type = "retry_exhausted"
	TypeComplianceAlert Type = "compliance_alert"
	TypeDispatchCooling Type = "dispatch_cooldown"
)

type Event struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	AccountID  string    `json:"account_id"`
	CampaignID string    `json:"campaign_id,omitempty"`
	LeadID     string    `json:"lead_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       any       `json:"data,omitempty"`
}

// New fills id and timestamp.
func New(t Type, accountID, campaignID, leadID string, data any) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		AccountID:  accountID,
		CampaignID: campaignID,
		LeadID:     leadID,
		OccurredAt: time.Now().UTC(),
		Data:       data,
	}
}

// RoutingKey is the topic key consumers bind to, e.g. "dialer.call_outcome".
func (e Event) RoutingKey() string { return "dialer." + string(e.Type) }

func (e Event) Marshal() ([]byte, error) { return json.Marshal(e) }

type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// NopPublisher drops every event. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, e Event) error { return nil }
func (NopPublisher) Close() error                               { return nil }

// MemoryPublisher keeps published events in memory. Intended for tests.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryPublisher() *MemoryPublisher { return &MemoryPublisher{} }

func (p *MemoryPublisher) Publish(ctx context.Context, e Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *MemoryPublisher) Close() error { return nil }

func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// OfType returns the published events of type t.
func (p *MemoryPublisher) OfType(t Type) []Event {
	var out []Event
	for _, e := range p.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
