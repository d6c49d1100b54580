package capacity

// SettingsKind is the settings document kind for concurrency settings.
const SettingsKind = "concurrency"

// Settings is the per-account concurrency configuration.
type Settings struct {
	MaxConcurrentCalls   int  `json:"max_concurrent_calls" validate:"gte=1,lte=1000"`
	CallsPerMinute       int  `json:"calls_per_minute" validate:"gte=1,lte=10000"`
	MaxCallsPerAgent     int  `json:"max_calls_per_agent" validate:"gte=1,lte=100"`
	EnableAdaptivePacing bool `json:"enable_adaptive_pacing"`

	VapiMaxConcurrent   int `json:"vapi_max_concurrent" validate:"gte=0,lte=1000"`
	RetellMaxConcurrent int `json:"retell_max_concurrent" validate:"gte=0,lte=1000"`

	TransferQueueEnabled bool `json:"transfer_queue_enabled"`
}

func DefaultSettings() Settings {
	return Settings{
		MaxConcurrentCalls:   10,
		CallsPerMinute:       30,
		MaxCallsPerAgent:     1,
		EnableAdaptivePacing: true,
		VapiMaxConcurrent:    10,
		RetellMaxConcurrent:  10,
		TransferQueueEnabled: false,
	}
}

// Platform is an external voice-AI platform that takes transferred calls.
type Platform string

const (
	PlatformVapi   Platform = "vapi"
	PlatformRetell Platform = "retell"
)

var Platforms = []Platform{PlatformVapi, PlatformRetell}

func (p Platform) Valid() bool { return p == PlatformVapi || p == PlatformRetell }

// PlatformMax returns the configured ceiling for p.
func (s Settings) PlatformMax(p Platform) int {
	switch p {
	case PlatformVapi:
		return s.VapiMaxConcurrent
	case PlatformRetell:
		return s.RetellMaxConcurrent
	}
	return 0
}
