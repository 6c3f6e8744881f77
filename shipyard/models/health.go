package models

import "time"

// HealthyToken is the only raw probe status that counts as healthy.
const HealthyToken = "healthy"

type HealthStatus string

const (
	HealthStarting HealthStatus = "starting"
	HealthHealthy  HealthStatus = "healthy"
	HealthTimedOut HealthStatus = "timed_out"
)

type HealthCheck struct {
	Target      string        `json:"target"`
	Interval    time.Duration `json:"interval"`
	MaxAttempts int           `json:"max_attempts"`

	Status    HealthStatus  `json:"status"`
	Attempts  int           `json:"attempts"`
	LastRaw   string        `json:"last_raw"`
	Elapsed   time.Duration `json:"elapsed"`
	StartedAt time.Time     `json:"started_at"`
}
