package core

import "time"

// ResourceLimits is the static per-resource configuration.
type ResourceLimits struct {
	CallsPerMinute int
	CallsPerHour   int
	MaxFailures    int
	Timeout        time.Duration
	Cooldown       time.Duration
}

// RateLimitState captures per-resource window counters and breaker bookkeeping.
type RateLimitState struct {
	CallsPerMinute      int        `json:"calls_per_minute"`
	CallsPerHour        int        `json:"calls_per_hour"`
	MinuteCount         int        `json:"current_minute_count"`
	HourCount           int        `json:"current_hour_count"`
	MinuteResetAt       time.Time  `json:"minute_window_reset_at"`
	HourResetAt         time.Time  `json:"hour_window_reset_at"`
	BackoffUntil        *time.Time `json:"backoff_until,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	MaxFailures         int        `json:"max_failures"`
}

// ResourceStatus is a point-in-time view of a resource for operators.
type ResourceStatus struct {
	Name     string         `json:"name"`
	Status   APIStatus      `json:"status"`
	OpenedAt *time.Time     `json:"opened_at,omitempty"`
	Limits   RateLimitState `json:"limits"`
}
