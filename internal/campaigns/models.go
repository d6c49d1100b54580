package campaigns

import (
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
)

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignActive    CampaignStatus = "active"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
)

// Campaign is owned by the campaign management service. The dialer only
// reads it.
type Campaign struct {
	ID          string         `json:"id" db:"id"`
	AccountID   string         `json:"account_id" db:"account_id"`
	Name        string         `json:"name" db:"name"`
	Status      CampaignStatus `json:"status" db:"status"`
	FromNumber  string         `json:"from_number,omitempty" db:"from_number"`
	Priority    int            `json:"priority" db:"priority"`
	MaxAttempts int            `json:"max_attempts" db:"max_attempts"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at" db:"updated_at"`
}

type LeadStatus string

const (
	LeadNew       LeadStatus = "new"
	LeadQueued    LeadStatus = "queued"
	LeadContacted LeadStatus = "contacted"
	LeadConverted LeadStatus = "converted"
	LeadDoNotCall LeadStatus = "do_not_call"
	LeadInvalid   LeadStatus = "invalid"
)

// Dialable reports whether a lead in this status may be enrolled.
func (s LeadStatus) Dialable() bool {
	switch s {
	case LeadNew, LeadQueued, LeadContacted:
		return true
	}
	return false
}

type Lead struct {
	ID          string     `json:"id" db:"id"`
	AccountID   string     `json:"account_id" db:"account_id"`
	CampaignID  string     `json:"campaign_id" db:"campaign_id"`
	Name        string     `json:"name,omitempty" db:"name"`
	PhoneNumber string     `json:"phone_number" db:"phone_number"`
	Status      LeadStatus `json:"status" db:"status"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}
