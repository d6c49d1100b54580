package pacing

const SettingsKind = "pacing"

// Settings drives the pacing feedback loop. Rates are calls per minute;
// answer and abandonment rates are fractions in [0, 1].
type Settings struct {
	TargetAnswerRate   float64 `json:"target_answer_rate" validate:"gt=0,lte=1"`
	MaxAbandonmentRate float64 `json:"max_abandonment_rate" validate:"gt=0,lte=1"`
	// LearningRate bounds one adjustment as a fraction of the current rate.
	LearningRate float64 `json:"learning_rate" validate:"gte=0.01,lte=0.5"`

	MinDialRate     float64 `json:"min_dial_rate" validate:"gt=0"`
	MaxDialRate     float64 `json:"max_dial_rate" validate:"gtefield=MinDialRate"`
	InitialDialRate float64 `json:"initial_dial_rate" validate:"gt=0"`

	// AutoAdjust off keeps evaluating for display without applying.
	AutoAdjust bool `json:"auto_adjust"`
	// MinSampleSize is the ended-call count below which answer-rate based
	// decisions hold the rate. Compliance decisions ignore it.
	MinSampleSize int `json:"min_sample_size" validate:"gte=0"`
	// WindowMinutes is the outcome lookback for one evaluation.
	WindowMinutes int `json:"window_minutes" validate:"gte=5,lte=1440"`
}

func DefaultSettings() Settings {
	return Settings{
		TargetAnswerRate:   0.25,
		MaxAbandonmentRate: 0.03,
		LearningRate:       0.1,
		MinDialRate:        1,
		MaxDialRate:        60,
		InitialDialRate:    10,
		AutoAdjust:         true,
		MinSampleSize:      20,
		WindowMinutes:      60,
	}
}
