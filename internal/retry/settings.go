package retry

const SettingsKind = "retry"

type Settings struct {
	MaxRetries         int  `json:"max_retries" validate:"gte=0,lte=20"`
	BaseDelayMinutes   int  `json:"base_delay_minutes" validate:"gte=1"`
	MaxDelayMinutes    int  `json:"max_delay_minutes" validate:"gtefield=BaseDelayMinutes"`
	ExponentialBackoff bool `json:"exponential_backoff"`

	// RespectBestTime moves a retry onto a learned high-answer hour at or
	// after the backoff time.
	RespectBestTime bool `json:"respect_best_time"`
	// Timezone is the IANA zone the calling window and slots are expressed in.
	Timezone string `json:"timezone" validate:"required,timezone"`
	// Calling window, local hours [WindowStartHour, WindowEndHour).
	WindowStartHour int `json:"window_start_hour" validate:"gte=0,lte=23"`
	WindowEndHour   int `json:"window_end_hour" validate:"gtfield=WindowStartHour,lte=24"`
}

func DefaultSettings() Settings {
	return Settings{
		MaxRetries:         3,
		BaseDelayMinutes:   30,
		MaxDelayMinutes:    240,
		ExponentialBackoff: true,
		RespectBestTime:    true,
		Timezone:           "UTC",
		WindowStartHour:    8,
		WindowEndHour:      20,
	}
}
