package models

import "time"

type AlertKind string

const (
	AlertConfirmation AlertKind = "confirmation"
	AlertFailure      AlertKind = "failure"
)

type AlertEvent struct {
	ID        string       `json:"id"`
	RunID     int64        `json:"run_id"`
	Target    string       `json:"target"`
	Kind      AlertKind    `json:"kind"`
	Status    HealthStatus `json:"status"`
	Message   string       `json:"message"`
	Timestamp time.Time    `json:"timestamp"`
}

func (e AlertEvent) Failed() bool {
	return e.Kind == AlertFailure
}
