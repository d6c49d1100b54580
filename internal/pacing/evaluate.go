package pacing

import (
	"math"
	"time"
)

type Adjustment string

const (
	AdjustIncrease Adjustment = "increase"
	AdjustDecrease Adjustment = "decrease"
	AdjustMaintain Adjustment = "maintain"
)

// Input is the observed state for one evaluation.
type Input struct {
	CurrentDialRate float64
	AnswerRate      float64
	AbandonmentRate float64
	SampleSize      int
}

// Metrics is the result of one evaluation. It is derived, never stored as a
// record of truth.
type Metrics struct {
	CurrentDialRate       float64    `json:"current_dial_rate"`
	TargetDialRate        float64    `json:"target_dial_rate"`
	AnswerRate            float64    `json:"answer_rate"`
	AbandonmentRate       float64    `json:"abandonment_rate"`
	PacingScore           float64    `json:"pacing_score"`
	RecommendedAdjustment Adjustment `json:"recommended_adjustment"`
	ComplianceViolation   bool       `json:"compliance_violation"`
	SampleSize            int        `json:"sample_size"`
	Reason                string     `json:"reason"`
	Applied               bool       `json:"applied"`
	EvaluatedAt           time.Time  `json:"evaluated_at"`
}

// Evaluate runs one step of the damped control loop.
//
// Compliance is checked first: abandonment over the ceiling always
// decreases. The step is learningRate of the current rate, and the result
// is clamped to [MinDialRate, MaxDialRate].
func Evaluate(s Settings, in Input) Metrics {
	current := clamp(in.CurrentDialRate, s.MinDialRate, s.MaxDialRate)
	m := Metrics{
		CurrentDialRate: current,
		AnswerRate:      in.AnswerRate,
		AbandonmentRate: in.AbandonmentRate,
		SampleSize:      in.SampleSize,
		PacingScore:     Score(s, in.AnswerRate, in.AbandonmentRate),
	}

	switch {
	case in.AbandonmentRate > s.MaxAbandonmentRate:
		m.RecommendedAdjustment = AdjustDecrease
		m.ComplianceViolation = true
		m.Reason = "abandonment rate above compliance ceiling"
	// too few ended calls for the answer rate to mean anything
	case in.SampleSize < s.MinSampleSize:
		m.RecommendedAdjustment = AdjustMaintain
		m.Reason = "not enough ended calls to judge answer rate"
	case in.AnswerRate < s.TargetAnswerRate:
		m.RecommendedAdjustment = AdjustDecrease
		m.Reason = "answer rate below target"
	case in.AnswerRate >= s.TargetAnswerRate*1.1 && in.AbandonmentRate <= s.MaxAbandonmentRate*0.5:
		m.RecommendedAdjustment = AdjustIncrease
		m.Reason = "answer rate above target with abandonment headroom"
	default:
		m.RecommendedAdjustment = AdjustMaintain
		m.Reason = "within target band"
	}

	step := s.LearningRate * current
	target := current
	switch m.RecommendedAdjustment {
	case AdjustIncrease:
		target = current + step
	case AdjustDecrease:
		target = current - step
	}
	m.TargetDialRate = clamp(target, s.MinDialRate, s.MaxDialRate)
	return m
}

// Score is a 0-100 composite: 60 points for closeness of answer rate to
// target, 40 points for abandonment headroom under the ceiling.
func Score(s Settings, answerRate, abandonmentRate float64) float64 {
	var answer, headroom float64
	if s.TargetAnswerRate > 0 {
		answer = math.Min(answerRate/s.TargetAnswerRate, 1)
	}
	if s.MaxAbandonmentRate > 0 {
		headroom = math.Max(0, 1-abandonmentRate/s.MaxAbandonmentRate)
	}
	score := answer*60 + headroom*40
	return math.Round(score*10) / 10
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if hi > 0 && v > hi {
		return hi
	}
	return v
}

// Ceiling converts a per-minute rate into the most calls one tick of
// interval may start. A positive rate always allows at least one call.
func Ceiling(ratePerMinute float64, interval time.Duration) int {
	if ratePerMinute <= 0 || interval <= 0 {
		return 0
	}
	return int(math.Ceil(ratePerMinute * interval.Minutes()))
}
