// Package health polls a deployed target until it reports healthy or the
// attempt budget runs out.
package health

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"tangled.sh/tangled.sh/shipyard/shipyard/models"
)

// Prober observes the target once and returns its raw status string.
type Prober interface {
	Probe(ctx context.Context) (string, error)
}

type ProberFunc func(ctx context.Context) (string, error)

func (f ProberFunc) Probe(ctx context.Context) (string, error) {
	return f(ctx)
}

// Clock is the loop's only source of time, so tests can run a 57 second
// timeout instantly.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type Loop struct {
	prober      Prober
	target      string
	interval    time.Duration
	maxAttempts int
	clock       Clock
	report      io.Writer
	l           *slog.Logger
}

type Option func(*Loop)

func WithClock(c Clock) Option {
	return func(l *Loop) { l.clock = c }
}

// WithReport appends one line per poll to w.
func WithReport(w io.Writer) Option {
	return func(l *Loop) { l.report = w }
}

func NewLoop(p Prober, target string, interval time.Duration, maxAttempts int, log *slog.Logger, opts ...Option) *Loop {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	l := &Loop{
		prober:      p,
		target:      target,
		interval:    interval,
		maxAttempts: maxAttempts,
		clock:       realClock{},
		l:           log,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run polls until the first healthy observation or maxAttempts polls.
// It sleeps only between polls, so a check that turns healthy on attempt
// k takes (k-1) intervals. Cancellation ends the loop as TimedOut.
func (l *Loop) Run(ctx context.Context) models.HealthCheck {
	hc := models.HealthCheck{
		Target:      l.target,
		Interval:    l.interval,
		MaxAttempts: l.maxAttempts,
		Status:      models.HealthStarting,
		StartedAt:   l.clock.Now(),
	}

	for attempt := 1; attempt <= l.maxAttempts; attempt++ {
		if attempt > 1 {
			if err := l.clock.Sleep(ctx, l.interval); err != nil {
				l.l.Warn("health check interrupted", "target", l.target, "attempts", hc.Attempts, "err", err)
				l.logf("interrupted after %d attempts: %v", hc.Attempts, err)
				hc.Status = models.HealthTimedOut
				hc.Elapsed = l.clock.Now().Sub(hc.StartedAt)
				return hc
			}
		}

		raw, err := l.prober.Probe(ctx)
		hc.Attempts = attempt
		hc.LastRaw = raw
		if err != nil {
			l.l.Debug("probe failed", "target", l.target, "attempt", attempt, "err", err)
			l.logf("attempt %d/%d: error: %v", attempt, l.maxAttempts, err)
		} else {
			l.logf("attempt %d/%d: %s", attempt, l.maxAttempts, printable(raw))
		}

		if err == nil && raw == models.HealthyToken {
			hc.Status = models.HealthHealthy
			hc.Elapsed = l.clock.Now().Sub(hc.StartedAt)
			l.l.Info("target healthy", "target", l.target, "attempts", attempt, "elapsed", hc.Elapsed)
			l.logf("healthy after %s", hc.Elapsed)
			return hc
		}
	}

	hc.Status = models.HealthTimedOut
	hc.Elapsed = l.clock.Now().Sub(hc.StartedAt)
	l.l.Warn("target never became healthy", "target", l.target, "attempts", hc.Attempts, "elapsed", hc.Elapsed)
	l.logf("timed out after %d attempts (%s)", hc.Attempts, hc.Elapsed)
	return hc
}

func (l *Loop) logf(format string, args ...any) {
	if l.report == nil {
		return
	}
	fmt.Fprintf(l.report, "%s %s: "+format+"\n", append([]any{l.clock.Now().UTC().Format(time.RFC3339), l.target}, args...)...)
}

func printable(raw string) string {
	if raw == "" {
		return "<empty>"
	}
	return raw
}
