package reporting

import (
	"context"
	"errors"
	"sort"
	"time"

	"campaign-dialer/internal/calls"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// CallSource is the read side of the call log.
//
// Implementations must enforce account filtering and return ended calls only.
type CallSource interface {
	ListEnded(ctx context.Context, accountID string, from, to time.Time) ([]calls.Call, error)
}

type Service struct {
	calls CallSource
}

func NewService(src CallSource) *Service { return &Service{calls: src} }

func (s *Service) OutcomeSummary(ctx context.Context, req SummaryRequest) (OutcomeSummary, error) {
	if req.AccountID == "" {
		return OutcomeSummary{}, ErrInvalidRequest
	}
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return OutcomeSummary{}, ErrInvalidRequest
	}
	if s.calls == nil {
		return OutcomeSummary{}, errors.New("reporting: call source not configured")
	}

	rows, err := s.calls.ListEnded(ctx, req.AccountID, req.Range.From, req.Range.To)
	if err != nil {
		return OutcomeSummary{}, err
	}
	if req.CampaignID != "" {
		filtered := rows[:0]
		for _, c := range rows {
			if c.CampaignID == req.CampaignID {
				filtered = append(filtered, c)
			}
		}
		rows = filtered
	}

	out := Summarize(rows)
	out.AccountID = req.AccountID
	out.CampaignID = req.CampaignID
	return out, nil
}

// RecentOutcomes summarizes the window ending at now.
func (s *Service) RecentOutcomes(ctx context.Context, accountID string, window time.Duration, now time.Time) (OutcomeSummary, error) {
	return s.OutcomeSummary(ctx, SummaryRequest{
		AccountID: accountID,
		Range:     TimeRange{From: now.Add(-window), To: now.Add(time.Nanosecond)},
	})
}

// Summarize tallies outcomes. Rows without an outcome are counted by status.
func Summarize(rows []calls.Call) OutcomeSummary {
	var out OutcomeSummary
	for _, c := range rows {
		out.TotalCalls++
		out.TotalDurationSeconds += c.DurationSeconds
		switch outcomeOf(c) {
		case calls.OutcomeAnswered:
			out.Answered++
		case calls.OutcomeAbandoned:
			out.Abandoned++
		case calls.OutcomeNoAnswer:
			out.NoAnswer++
		case calls.OutcomeBusy:
			out.Busy++
		case calls.OutcomeVoicemail:
			out.Voicemail++
		case calls.OutcomeCanceled:
			out.Canceled++
		default:
			out.Failed++
		}
	}
	out.Connected = out.Answered + out.Abandoned
	if out.TotalCalls > 0 {
		out.AnswerRate = float64(out.Connected) / float64(out.TotalCalls)
		out.AverageDurationSeconds = out.TotalDurationSeconds / out.TotalCalls
	}
	if out.Connected > 0 {
		out.AbandonmentRate = float64(out.Abandoned) / float64(out.Connected)
	}
	return out
}

func outcomeOf(c calls.Call) calls.Outcome {
	if c.Outcome != "" {
		return c.Outcome
	}
	switch c.Status {
	case calls.StatusCompleted:
		return calls.OutcomeAnswered
	case calls.StatusNoAnswer:
		return calls.OutcomeNoAnswer
	case calls.StatusBusy:
		return calls.OutcomeBusy
	case calls.StatusCanceled:
		return calls.OutcomeCanceled
	}
	return calls.OutcomeFailed
}

// HourlyOutcomes groups ended calls by (weekday, hour) of their start time in
// loc. Cells are sorted by weekday then hour.
func (s *Service) HourlyOutcomes(ctx context.Context, accountID string, from, to time.Time, loc *time.Location) ([]HourlyOutcome, error) {
	if accountID == "" || !to.After(from) {
		return nil, ErrInvalidRequest
	}
	if loc == nil {
		loc = time.UTC
	}
	rows, err := s.calls.ListEnded(ctx, accountID, from, to)
	if err != nil {
		return nil, err
	}

	type cell struct {
		day  time.Weekday
		hour int
	}
	tally := map[cell]*HourlyOutcome{}
	for _, c := range rows {
		local := c.StartedAt.In(loc)
		k := cell{local.Weekday(), local.Hour()}
		h, ok := tally[k]
		if !ok {
			h = &HourlyOutcome{DayOfWeek: k.day, Hour: k.hour}
			tally[k] = h
		}
		h.Total++
		if outcomeOf(c) == calls.OutcomeAnswered {
			h.Answered++
		}
	}

	out := make([]HourlyOutcome, 0, len(tally))
	for _, h := range tally {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DayOfWeek != out[j].DayOfWeek {
			return out[i].DayOfWeek < out[j].DayOfWeek
		}
		return out[i].Hour < out[j].Hour
	})
	return out, nil
}
