package reporting

import "time"

// Common filtering inputs.

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// SummaryRequest requests aggregated call outcomes.
// Account isolation: AccountID is required.
type SummaryRequest struct {
	AccountID  string    `json:"account_id"`
	Range      TimeRange `json:"range"`
	CampaignID string    `json:"campaign_id,omitempty"`
}

// OutcomeSummary aggregates ended calls.
//
// AnswerRate is connected/total, where connected counts answered and
// abandoned calls. AbandonmentRate is abandoned/connected.
type OutcomeSummary struct {
	AccountID  string `json:"account_id"`
	CampaignID string `json:"campaign_id,omitempty"`

	TotalCalls int `json:"total_calls"`
	Connected  int `json:"connected"`
	Answered   int `json:"answered"`
	Abandoned  int `json:"abandoned"`
	NoAnswer   int `json:"no_answer"`
	Busy       int `json:"busy"`
	Voicemail  int `json:"voicemail"`
	Failed     int `json:"failed"`
	Canceled   int `json:"canceled"`

	AnswerRate      float64 `json:"answer_rate"`
	AbandonmentRate float64 `json:"abandonment_rate"`

	TotalDurationSeconds   int `json:"total_duration_seconds"`
	AverageDurationSeconds int `json:"average_duration_seconds"`
}

// HourlyOutcome is the answered/total tally for one (weekday, hour) cell.
type HourlyOutcome struct {
	DayOfWeek time.Weekday `json:"day_of_week"`
	Hour      int          `json:"hour"`
	Answered  int          `json:"answered"`
	Total     int          `json:"total"`
}
