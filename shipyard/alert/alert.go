// Package alert turns the outcome of the health loop into exactly one
// alert event and fans it out to notifiers.
package alert

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tangled.sh/tangled.sh/shipyard/shipyard/models"
)

var ErrUnhealthy = errors.New("deployment unhealthy")

// Evaluate classifies a finished health check. Anything but Healthy is
// a failure; a check that is still Starting never finished and counts as
// one too.
func Evaluate(runID int64, hc models.HealthCheck) models.AlertEvent {
	ev := models.AlertEvent{
		ID:        uuid.NewString(),
		RunID:     runID,
		Target:    hc.Target,
		Status:    hc.Status,
		Timestamp: time.Now().UTC(),
	}

	if hc.Status == models.HealthHealthy {
		ev.Kind = models.AlertConfirmation
		ev.Message = fmt.Sprintf("%s healthy after %d attempt(s) in %s", hc.Target, hc.Attempts, hc.Elapsed)
		return ev
	}

	ev.Kind = models.AlertFailure
	last := hc.LastRaw
	if last == "" {
		last = "no status"
	}
	ev.Message = fmt.Sprintf("%s not healthy after %d attempt(s) in %s (last: %s)", hc.Target, hc.Attempts, hc.Elapsed, last)
	return ev
}

// Err is the stage outcome an event implies.
func Err(ev models.AlertEvent) error {
	if ev.Failed() {
		return fmt.Errorf("%w: %s", ErrUnhealthy, ev.Message)
	}
	return nil
}
