package retry

import (
	"time"

	"campaign-dialer/internal/calls"
)

// DefaultSlotScore is the score of an hour with no learned data. A best-time
// candidate must beat it to override the backoff time.
const DefaultSlotScore = 10.0

// Schedule is the computed retry time for one attempt count.
type Schedule struct {
	AttemptCount  int           `json:"attempt_count"`
	Delay         time.Duration `json:"delay"`
	NextRetryAt   time.Time     `json:"next_retry_at"`
	BestTimeScore float64       `json:"best_time_score"`
	UsedBestTime  bool          `json:"used_best_time"`
}

// Backoff is the retry delay for the attemptCount-th failure. It never
// decreases as attemptCount grows and never exceeds MaxDelayMinutes.
func Backoff(s Settings, attemptCount int) time.Duration {
	if attemptCount < 1 {
		attemptCount = 1
	}
	base := time.Duration(s.BaseDelayMinutes) * time.Minute
	ceiling := time.Duration(s.MaxDelayMinutes) * time.Minute
	d := base
	if s.ExponentialBackoff {
		for i := 1; i < attemptCount && d < ceiling; i++ {
			d *= 2
		}
	}
	if ceiling > 0 && d > ceiling {
		d = ceiling
	}
	return d
}

type slotKey struct {
	day  time.Weekday
	hour int
}

// SlotIndex scores (weekday, hour) cells from learned slots.
type SlotIndex map[slotKey]float64

func NewSlotIndex(slots []BestTimeSlot) SlotIndex {
	idx := make(SlotIndex, len(slots))
	for _, sl := range slots {
		idx[slotKey{sl.DayOfWeek, sl.Hour}] = sl.AnswerRate * 100
	}
	return idx
}

func (idx SlotIndex) score(t time.Time) float64 {
	if v, ok := idx[slotKey{t.Weekday(), t.Hour()}]; ok {
		return v
	}
	return DefaultSlotScore
}

// Plan computes the retry time for attemptCount at now.
//
// The backoff time is a floor. With best-time on and learned slots, the
// floor and every top of the hour in the following 24h that falls inside
// the local calling window are scored; the highest wins, earliest on ties.
// When no candidate beats DefaultSlotScore the floor is used.
func Plan(s Settings, loc *time.Location, idx SlotIndex, now time.Time, attemptCount int) Schedule {
	if loc == nil {
		loc = time.UTC
	}
	delay := Backoff(s, attemptCount)
	floor := now.Add(delay).UTC()
	out := Schedule{
		AttemptCount:  attemptCount,
		Delay:         delay,
		NextRetryAt:   floor,
		BestTimeScore: DefaultSlotScore,
	}
	if len(idx) == 0 {
		return out
	}
	out.BestTimeScore = idx.score(floor.In(loc))
	if !s.RespectBestTime {
		return out
	}

	bestAt := time.Time{}
	bestScore := DefaultSlotScore
	consider := func(t time.Time) {
		local := t.In(loc)
		if local.Hour() < s.WindowStartHour || local.Hour() >= s.WindowEndHour {
			return
		}
		if sc := idx.score(local); sc > bestScore {
			bestScore, bestAt = sc, t
		}
	}

	consider(floor)
	limit := floor.Add(24 * time.Hour)
	for t := floor.Truncate(time.Hour).Add(time.Hour); !t.After(limit); t = t.Add(time.Hour) {
		consider(t)
	}
	if bestAt.IsZero() {
		return out
	}
	out.NextRetryAt = bestAt
	out.BestTimeScore = bestScore
	out.UsedBestTime = !bestAt.Equal(floor)
	return out
}

// Priority sinks later attempts: max(1, 10 - attemptCount).
func Priority(attemptCount int) int {
	if p := 10 - attemptCount; p > 1 {
		return p
	}
	return 1
}

// IsRetryable reports whether a call outcome warrants another attempt.
func IsRetryable(o calls.Outcome) bool {
	switch o {
	case calls.OutcomeNoAnswer, calls.OutcomeBusy, calls.OutcomeVoicemail,
		calls.OutcomeFailed, calls.OutcomeAbandoned:
		return true
	}
	return false
}
