package queue

import (
	"errors"
	"time"
)

// Entry is one call-attempt request for a (campaign, lead) pair.
//
// Invariant: at most one entry per (campaign_id, lead_id) is active
// (pending, calling or paused) at any time. Retries are new rows; the row
// they follow must already be terminal.
type Entry struct {
	ID          string `json:"id" db:"id"`
	AccountID   string `json:"account_id" db:"account_id"`
	CampaignID  string `json:"campaign_id" db:"campaign_id"`
	LeadID      string `json:"lead_id" db:"lead_id"`
	PhoneNumber string `json:"phone_number" db:"phone_number"`

	// Priority: higher is dialed sooner.
	Priority int    `json:"priority" db:"priority"`
	Status   Status `json:"status" db:"status"`

	// Attempts is cumulative across retry rows for the same lead.
	Attempts    int `json:"attempts" db:"attempts"`
	MaxAttempts int `json:"max_attempts" db:"max_attempts"`

	ScheduledAt time.Time `json:"scheduled_at" db:"scheduled_at"`
	LastError   string    `json:"last_error,omitempty" db:"last_error"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusCalling   Status = "calling"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusPaused    Status = "paused"
)

// Active reports whether the status participates in the per-pair uniqueness rule.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusCalling || s == StatusPaused
}

// Terminal reports whether the entry is finished for this enrollment cycle.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Outcome is the terminal result recorded for a claimed entry.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)

// Stats is the diagnostics snapshot reported on every dispatch.
type Stats struct {
	PendingTotal           int        `json:"pending_total"`
	PendingEligibleNow     int        `json:"pending_eligible_now"`
	PendingScheduledFuture int        `json:"pending_scheduled_future"`
	EarliestScheduledAt    *time.Time `json:"earliest_scheduled_at,omitempty"`
	Calling                int        `json:"calling"`
	Paused                 int        `json:"paused"`
}

var (
	ErrConflict          = errors.New("queue: active entry already exists for campaign/lead")
	ErrNotFound          = errors.New("queue: entry not found")
	ErrInvalidArgument   = errors.New("queue: invalid argument")
	ErrInvalidTransition = errors.New("queue: invalid status transition")
)
