package model

type CircuitBreakerConfig struct {
	Enabled          bool    `json:"enabled" yaml:"enabled"`
	FailureThreshold int     `json:"failure_threshold" yaml:"failure_threshold"`
	BaseCooldownMS   int     `json:"base_cooldown_ms" yaml:"base_cooldown_ms"`
	MaxCooldownMS    int     `json:"max_cooldown_ms" yaml:"max_cooldown_ms"`
	BackoffFactor    float64 `json:"backoff_factor" yaml:"backoff_factor"`
	JitterMin        float64 `json:"jitter_min" yaml:"jitter_min"`
	JitterMax        float64 `json:"jitter_max" yaml:"jitter_max"`
	DecayWindowMS    int     `json:"decay_window_ms" yaml:"decay_window_ms"`
}

type CircuitBreakerState string

const (
	CircuitBreakerStateClosed   CircuitBreakerState = "CLOSED"
	CircuitBreakerStateOpen     CircuitBreakerState = "OPEN"
	CircuitBreakerStateHalfOpen CircuitBreakerState = "HALF_OPEN"
)

// CircuitBreakerItemState is the wire form of a breaker snapshot served by
// the diagnostics API.
type CircuitBreakerItemState struct {
	Key                 string              `json:"key"`
	State               CircuitBreakerState `json:"state"`
	ConsecutiveFailures int                 `json:"consecutive_failures"`
	TripCount           int                 `json:"trip_count"`
	LastFailureAt       string              `json:"last_failure_at,omitempty"`
	LastFailureReason   string              `json:"last_failure_reason,omitempty"`
	LastTripAt          string              `json:"last_trip_at,omitempty"`
	OpenUntil           string              `json:"open_until,omitempty"`
	OpenRemainingSecond int                 `json:"open_remaining_second,omitempty"`
	ProbeInFlight       bool                `json:"probe_in_flight"`
}

type CircuitBreakerResetResponse struct {
	Key              string `json:"key,omitempty"`
	AffectedBreakers int    `json:"affected_breakers"`
}
