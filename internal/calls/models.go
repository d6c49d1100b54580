package calls

import (
	"errors"
	"time"
)

// Call is one placed outbound call, as reported by the telephony provider.
//
// Account invariant: AccountID is required on every row.
//
// Rows in an active status (initiated, ringing, in_progress) started within
// the active-call window are what the capacity manager counts as live calls.
// Provider-specific identifiers live in ProviderCallID, never in ID.
type Call struct {
	ID           string `json:"call_id" db:"id"`
	AccountID    string `json:"account_id" db:"account_id"`
	CampaignID   string `json:"campaign_id,omitempty" db:"campaign_id"`
	LeadID       string `json:"lead_id,omitempty" db:"lead_id"`
	QueueEntryID string `json:"queue_entry_id,omitempty" db:"queue_entry_id"`

	ProviderCallID string `json:"provider_call_id,omitempty" db:"provider_call_id"`

	From string `json:"from" db:"from_number"`
	To   string `json:"to" db:"to_number"`

	Status  Status  `json:"status" db:"status"`
	Outcome Outcome `json:"outcome,omitempty" db:"outcome"`

	// Duration is the call duration in seconds.
	DurationSeconds int `json:"duration" db:"duration"`

	StartedAt time.Time  `json:"started_at" db:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty" db:"ended_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type Status string

const (
	StatusInitiated  Status = "initiated"
	StatusRinging    Status = "ringing"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusNoAnswer   Status = "no_answer"
	StatusBusy       Status = "busy"
	StatusCanceled   Status = "canceled"
)

// ActiveStatuses are the statuses counted as a live call.
var ActiveStatuses = []Status{StatusInitiated, StatusRinging, StatusInProgress}

func (s Status) Active() bool {
	return s == StatusInitiated || s == StatusRinging || s == StatusInProgress
}

func (s Status) Valid() bool {
	switch s {
	case StatusInitiated, StatusRinging, StatusInProgress, StatusCompleted,
		StatusFailed, StatusNoAnswer, StatusBusy, StatusCanceled:
		return true
	}
	return false
}

// Outcome is the business result of an ended call.
type Outcome string

const (
	OutcomeAnswered  Outcome = "answered"
	OutcomeAbandoned Outcome = "abandoned"
	OutcomeNoAnswer  Outcome = "no_answer"
	OutcomeBusy      Outcome = "busy"
	OutcomeVoicemail Outcome = "voicemail"
	OutcomeFailed    Outcome = "failed"
	OutcomeCanceled  Outcome = "canceled"
)

// Connected reports whether a human was reached. Abandoned calls connected
// but no agent picked them up.
func (o Outcome) Connected() bool {
	return o == OutcomeAnswered || o == OutcomeAbandoned
}

func (o Outcome) Valid() bool {
	switch o {
	case OutcomeAnswered, OutcomeAbandoned, OutcomeNoAnswer, OutcomeBusy,
		OutcomeVoicemail, OutcomeFailed, OutcomeCanceled:
		return true
	}
	return false
}

// Update is a provider status change applied to a call.
type Update struct {
	Status          Status
	Outcome         Outcome
	DurationSeconds int
}

var (
	ErrNotFound        = errors.New("calls: not found")
	ErrAlreadyEnded    = errors.New("calls: call already ended")
	ErrInvalidArgument = errors.New("calls: invalid argument")
)
