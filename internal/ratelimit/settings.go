package ratelimit

const SettingsKind = "rate_limits"

// Settings is the per-account contact-frequency policy. A zero ceiling
// disables that particular window.
type Settings struct {
	EnableRateLimiting bool `json:"enable_rate_limiting"`
	// PauseOnLimitReached defers a lead that hit its own limit until it is
	// allowed again. When false the entry is failed instead.
	PauseOnLimitReached bool `json:"pause_on_limit_reached"`

	CallsPerMinute int `json:"calls_per_minute" validate:"gte=0,lte=100000"`
	CallsPerHour   int `json:"calls_per_hour" validate:"gte=0,lte=1000000"`
	SMSPerMinute   int `json:"sms_per_minute" validate:"gte=0,lte=100000"`
	SMSPerHour     int `json:"sms_per_hour" validate:"gte=0,lte=1000000"`

	CallsPerLeadPerDay int `json:"calls_per_lead_per_day" validate:"gte=0,lte=100"`
	SMSPerLeadPerDay   int `json:"sms_per_lead_per_day" validate:"gte=0,lte=100"`

	MinCallIntervalMinutes int `json:"min_call_interval_minutes" validate:"gte=0,lte=10080"`
	MinSMSIntervalMinutes  int `json:"min_sms_interval_minutes" validate:"gte=0,lte=10080"`
}

func DefaultSettings() Settings {
	return Settings{
		EnableRateLimiting:     true,
		PauseOnLimitReached:    true,
		CallsPerMinute:         60,
		CallsPerHour:           1000,
		SMSPerMinute:           30,
		SMSPerHour:             500,
		CallsPerLeadPerDay:     3,
		SMSPerLeadPerDay:       2,
		MinCallIntervalMinutes: 60,
		MinSMSIntervalMinutes:  240,
	}
}

type Channel string

const (
	ChannelCall Channel = "call"
	ChannelSMS  Channel = "sms"
)

type channelLimits struct {
	perMinute   int
	perHour     int
	perLeadDay  int
	minInterval int
}

func (s Settings) limits(ch Channel) channelLimits {
	if ch == ChannelSMS {
		return channelLimits{s.SMSPerMinute, s.SMSPerHour, s.SMSPerLeadPerDay, s.MinSMSIntervalMinutes}
	}
	return channelLimits{s.CallsPerMinute, s.CallsPerHour, s.CallsPerLeadPerDay, s.MinCallIntervalMinutes}
}
