package domain

import "time"

type HealthState string

const (
	HealthStateHealthy        HealthState = "healthy"
	HealthStateDegraded       HealthState = "degraded"
	HealthStateFallbackActive HealthState = "fallback_active"
)

type HealthStatus struct {
	Healthy             bool      `json:"healthy"`
	LatencyMs           int64     `json:"latencyMs"`
	LastCheckedAt       time.Time `json:"lastCheckedAt"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	FallbackActive      bool      `json:"fallbackActive"`
	LastError           string    `json:"lastError,omitempty"`
}

func NewHealthStatus() HealthStatus {
	return HealthStatus{Healthy: true}
}

func (h HealthStatus) State() HealthState {
	switch {
	case h.FallbackActive:
		return HealthStateFallbackActive
	case h.ConsecutiveFailures > 0:
		return HealthStateDegraded
	default:
		return HealthStateHealthy
	}
}
