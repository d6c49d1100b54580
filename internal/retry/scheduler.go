// Package retry decides when a failed lead is dialed again, learning which
// hours answer best from the call log.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"campaign-dialer/internal/queue"
	"campaign-dialer/internal/reporting"
	"campaign-dialer/internal/settings"
)

// ErrPriorEntryActive means the lead still has a pending, calling or paused
// entry. A retry row may only follow a terminal one.
var ErrPriorEntryActive = errors.New("prior queue entry is still active")

// HistorySource tallies ended calls per (weekday, hour).
type HistorySource interface {
	HourlyOutcomes(ctx context.Context, accountID string, from, to time.Time, loc *time.Location) ([]reporting.HourlyOutcome, error)
}

const DefaultLearningWindow = 30 * 24 * time.Hour

type Scheduler struct {
	settings *settings.Cache[Settings]
	queue    *queue.Service
	slots    SlotStore
	history  HistorySource
	log      *slog.Logger

	learningWindow time.Duration
	clock          func() time.Time
}

func NewScheduler(cache *settings.Cache[Settings], q *queue.Service, slots SlotStore, history HistorySource, learningWindow time.Duration, log *slog.Logger) *Scheduler {
	if learningWindow <= 0 {
		learningWindow = DefaultLearningWindow
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		settings:       cache,
		queue:          q,
		slots:          slots,
		history:        history,
		log:            log,
		learningWindow: learningWindow,
		clock:          time.Now,
	}
}

// WithClock replaces the scheduler clock. Intended for tests.
func (s *Scheduler) WithClock(clock func() time.Time) *Scheduler {
	s.clock = clock
	return s
}

func (s *Scheduler) Settings(ctx context.Context, accountID string) (Settings, error) {
	return s.settings.Get(ctx, accountID)
}

func (s *Scheduler) UpdateSettings(ctx context.Context, accountID string, v Settings) (Settings, error) {
	return s.settings.Update(ctx, accountID, v)
}

func location(st Settings) *time.Location {
	loc, err := time.LoadLocation(st.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// LearnBestTimes recomputes the account's slot table from the learning
// window and replaces the stored one.
func (s *Scheduler) LearnBestTimes(ctx context.Context, accountID string) ([]BestTimeSlot, error) {
	st, err := s.settings.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	now := s.clock().UTC()
	cells, err := s.history.HourlyOutcomes(ctx, accountID, now.Add(-s.learningWindow), now, location(st))
	if err != nil {
		return nil, fmt.Errorf("retry: hourly outcomes: %w", err)
	}

	slots := make([]BestTimeSlot, 0, len(cells))
	for _, c := range cells {
		if c.Total == 0 {
			continue
		}
		slots = append(slots, BestTimeSlot{
			AccountID:  accountID,
			DayOfWeek:  c.DayOfWeek,
			Hour:       c.Hour,
			AnswerRate: float64(c.Answered) / float64(c.Total),
			CallCount:  c.Total,
			UpdatedAt:  now,
		})
	}
	if err := s.slots.Replace(ctx, accountID, slots); err != nil {
		return nil, fmt.Errorf("retry: replace slots: %w", err)
	}
	s.log.Info("best times learned", "account_id", accountID, "slots", len(slots))
	return slots, nil
}

func (s *Scheduler) BestTimes(ctx context.Context, accountID string) ([]BestTimeSlot, error) {
	return s.slots.List(ctx, accountID)
}

// CalculateRetryTime plans the retry for attemptCount from now.
func (s *Scheduler) CalculateRetryTime(ctx context.Context, accountID string, attemptCount int) (Schedule, error) {
	st, err := s.settings.Get(ctx, accountID)
	if err != nil {
		return Schedule{}, err
	}
	var idx SlotIndex
	if st.RespectBestTime {
		slots, err := s.slots.List(ctx, accountID)
		if err != nil {
			return Schedule{}, fmt.Errorf("retry: list slots: %w", err)
		}
		idx = NewSlotIndex(slots)
	}
	return Plan(st, location(st), idx, s.clock().UTC(), attemptCount), nil
}

// Result reports what ScheduleRetry did. Scheduled false with a nil error is
// a give-up, not a failure.
type Result struct {
	Scheduled bool        `json:"scheduled"`
	Entry     queue.Entry `json:"entry,omitempty"`
	Schedule  Schedule    `json:"schedule"`
	Reason    string      `json:"reason"`
}

// ScheduleRetry inserts a new pending entry for the lead after its latest
// entry failed. The latest entry must be terminal.
func (s *Scheduler) ScheduleRetry(ctx context.Context, campaignID, leadID, reason string) (Result, error) {
	prior, ok, err := s.queue.LatestForLead(ctx, campaignID, leadID)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, fmt.Errorf("retry: %w: no entry for lead %s", queue.ErrNotFound, leadID)
	}
	if prior.Status.Active() {
		return Result{}, fmt.Errorf("retry: %w: entry %s is %s", ErrPriorEntryActive, prior.ID, prior.Status)
	}

	st, err := s.settings.Get(ctx, prior.AccountID)
	if err != nil {
		return Result{}, err
	}
	attempts := prior.Attempts
	if attempts > st.MaxRetries || (prior.MaxAttempts > 0 && attempts >= prior.MaxAttempts) {
		s.log.Info("retry exhausted",
			"account_id", prior.AccountID,
			"campaign_id", campaignID,
			"lead_id", leadID,
			"attempts", attempts,
			"reason", reason,
		)
		return Result{Reason: "max retries reached"}, nil
	}

	plan, err := s.CalculateRetryTime(ctx, prior.AccountID, attempts)
	if err != nil {
		return Result{}, err
	}
	entry, err := s.queue.Enqueue(ctx, queue.EnqueueRequest{
		AccountID:   prior.AccountID,
		CampaignID:  campaignID,
		LeadID:      leadID,
		PhoneNumber: prior.PhoneNumber,
		Priority:    Priority(attempts),
		MaxAttempts: prior.MaxAttempts,
		Attempts:    attempts,
		ScheduledAt: plan.NextRetryAt,
	})
	if err != nil {
		return Result{}, fmt.Errorf("retry: enqueue: %w", err)
	}
	s.log.Info("retry scheduled",
		"account_id", prior.AccountID,
		"campaign_id", campaignID,
		"lead_id", leadID,
		"attempts", attempts,
		"next_retry_at", plan.NextRetryAt,
		"best_time", plan.UsedBestTime,
		"reason", reason,
	)
	return Result{Scheduled: true, Entry: entry, Schedule: plan, Reason: reason}, nil
}

// CancelRetry deletes the lead's pending retry, if any.
func (s *Scheduler) CancelRetry(ctx context.Context, campaignID, leadID string) (int, error) {
	return s.queue.DeletePending(ctx, campaignID, leadID)
}
