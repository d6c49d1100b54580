package telephony

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"campaign-dialer/internal/calls"
)

// StatusEvent is a provider-agnostic call status change.
type StatusEvent struct {
	ProviderCallID  string        `json:"call_id"`
	Status          calls.Status  `json:"status"`
	Outcome         calls.Outcome `json:"outcome,omitempty"`
	DurationSeconds int           `json:"duration"`
	OccurredAt      time.Time     `json:"occurred_at"`
	RawPayload      string        `json:"raw_payload,omitempty"`
}

// Ended reports whether the event closes the call. Unknown statuses never do.
func (e StatusEvent) Ended() bool { return e.Status.Valid() && !e.Status.Active() }

var ErrInvalidStatus = errors.New("telephony: invalid status callback")

// TwilioStatusForm captures the subset of status callback fields we use.
// Twilio sends application/x-www-form-urlencoded by default.
//
// DialerOutcome is our own custom parameter: the voice agent sets it to
// "abandoned" when it connected a human but no agent took the call.
type TwilioStatusForm struct {
	CallSid       string
	AccountSid    string
	From          string
	To            string
	CallStatus    string
	CallDuration  string
	AnsweredBy    string
	DialerOutcome string
	Timestamp     string
}

func ParseTwilioStatusCallback(r *http.Request) (TwilioStatusForm, error) {
	if err := r.ParseForm(); err != nil {
		return TwilioStatusForm{}, err
	}
	f := TwilioStatusForm{
		CallSid:       strings.TrimSpace(r.PostFormValue("CallSid")),
		AccountSid:    r.PostFormValue("AccountSid"),
		From:          normalizePhone(r.PostFormValue("From")),
		To:            normalizePhone(r.PostFormValue("To")),
		CallStatus:    strings.ToLower(strings.TrimSpace(r.PostFormValue("CallStatus"))),
		CallDuration:  r.PostFormValue("CallDuration"),
		AnsweredBy:    strings.ToLower(r.PostFormValue("AnsweredBy")),
		DialerOutcome: strings.ToLower(strings.TrimSpace(r.PostFormValue("DialerOutcome"))),
		Timestamp:     r.PostFormValue("Timestamp"),
	}
	if f.CallSid == "" || f.CallStatus == "" {
		return TwilioStatusForm{}, ErrInvalidStatus
	}
	return f, nil
}

func normalizePhone(s string) string {
	// Twilio sometimes sends "anonymous" or empty; keep as-is.
	return strings.TrimSpace(s)
}

// ToStatusEvent maps Twilio call statuses onto the call log taxonomy.
func (f TwilioStatusForm) ToStatusEvent(occurredAt time.Time) (StatusEvent, error) {
	ev := StatusEvent{ProviderCallID: f.CallSid, OccurredAt: occurredAt}
	if d, err := strconv.Atoi(f.CallDuration); err == nil && d > 0 {
		ev.DurationSeconds = d
	}

	status, outcome, ok := providerStatus(f.CallStatus)
	if !ok {
		return StatusEvent{}, ErrInvalidStatus
	}
	ev.Status, ev.Outcome = status, outcome
	if status == calls.StatusCompleted && (strings.HasPrefix(f.AnsweredBy, "machine") || f.AnsweredBy == "fax") {
		ev.Outcome = calls.OutcomeVoicemail
	}

	if o := calls.Outcome(f.DialerOutcome); ev.Ended() && o.Valid() {
		ev.Outcome = o
	}

	raw, _ := json.Marshal(f)
	ev.RawPayload = string(raw)
	return ev, nil
}

// providerStatus maps a provider status string (Twilio spelling or ours) onto
// the call log taxonomy and the default outcome of that status.
func providerStatus(raw string) (calls.Status, calls.Outcome, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "queued", "initiated":
		return calls.StatusInitiated, "", true
	case "ringing":
		return calls.StatusRinging, "", true
	case "in-progress", "in_progress", "answered":
		return calls.StatusInProgress, "", true
	case "completed":
		return calls.StatusCompleted, calls.OutcomeAnswered, true
	case "busy":
		return calls.StatusBusy, calls.OutcomeBusy, true
	case "no-answer", "no_answer":
		return calls.StatusNoAnswer, calls.OutcomeNoAnswer, true
	case "failed":
		return calls.StatusFailed, calls.OutcomeFailed, true
	case "canceled", "cancelled":
		return calls.StatusCanceled, calls.OutcomeCanceled, true
	}
	return "", "", false
}
