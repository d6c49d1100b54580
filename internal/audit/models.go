package audit

import "time"

// Event is an immutable, append-only audit log record.
//
// Invariants:
// - Events are never updated or deleted.
// - account_id is required for account isolation.
// - actor and ip capture are best-effort; do not block dispatch on audit failures.
//
// Storage (Postgres): table audit_events with an INSERT-only policy.
type Event struct {
	ID        string `json:"id" db:"id"`
	AccountID string `json:"account_id" db:"account_id"`

	// Type indicates the business category of the audit record.
	Type EventType `json:"type" db:"type"`

	// ActorUserID is the authenticated operator causing the event, empty for
	// events raised by background loops.
	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	ActorRole   string `json:"actor_role,omitempty" db:"actor_role"`

	// IPAddress is the resolved client IP when available.
	IPAddress string `json:"ip_address,omitempty" db:"ip_address"`

	// Action names the operator control or system action, e.g. "force_dispatch".
	Action     string `json:"action,omitempty" db:"action"`
	CampaignID string `json:"campaign_id,omitempty" db:"campaign_id"`
	LeadID     string `json:"lead_id,omitempty" db:"lead_id"`

	// Message is a short human-readable description for operators.
	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeOperatorAction  EventType = "operator_action"
	EventTypeSettingsChange  EventType = "settings_change"
	EventTypeComplianceAlert EventType = "compliance_alert"
	EventTypeCleanup         EventType = "stuck_resource_cleanup"
)
