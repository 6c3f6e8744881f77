package alert

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/posthog/posthog-go"
	"github.com/resend/resend-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tangled.sh/tangled.sh/shipyard/log"
	"tangled.sh/tangled.sh/shipyard/shipyard/models"
)

func check(status models.HealthStatus, attempts int) models.HealthCheck {
	return models.HealthCheck{
		Target:      "ml-app",
		Interval:    3 * time.Second,
		MaxAttempts: 20,
		Status:      status,
		Attempts:    attempts,
		LastRaw:     "starting",
		Elapsed:     time.Duration(attempts-1) * 3 * time.Second,
	}
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name   string
		status models.HealthStatus
		kind   models.AlertKind
		err    error
	}{
		{"healthy confirms", models.HealthHealthy, models.AlertConfirmation, nil},
		{"timed out fails", models.HealthTimedOut, models.AlertFailure, ErrUnhealthy},
		{"unfinished fails", models.HealthStarting, models.AlertFailure, ErrUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := Evaluate(12, check(tt.status, 4))

			assert.Equal(t, tt.kind, ev.Kind)
			assert.Equal(t, tt.status, ev.Status)
			assert.EqualValues(t, 12, ev.RunID)
			assert.Equal(t, "ml-app", ev.Target)
			_, err := uuid.Parse(ev.ID)
			assert.NoError(t, err)
			assert.False(t, ev.Timestamp.IsZero())

			if tt.err == nil {
				assert.NoError(t, Err(ev))
			} else {
				assert.ErrorIs(t, Err(ev), tt.err)
			}
		})
	}
}

func TestEvaluateUniqueIDs(t *testing.T) {
	a := Evaluate(1, check(models.HealthHealthy, 1))
	b := Evaluate(1, check(models.HealthHealthy, 1))
	assert.NotEqual(t, a.ID, b.ID)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []models.AlertEvent
	err    error
}

func (r *recordingNotifier) Notify(ctx context.Context, ev models.AlertEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func TestMergedNotifierSwallowsFailures(t *testing.T) {
	ok := &recordingNotifier{}
	broken := &recordingNotifier{err: errors.New("smtp down")}
	n := NewMergedNotifier([]Notifier{ok, broken, LogNotifier{}}, log.Discard())

	ev := Evaluate(3, check(models.HealthTimedOut, 20))
	require.NoError(t, n.Notify(context.Background(), ev))

	assert.Equal(t, []models.AlertEvent{ev}, ok.events)
	assert.Equal(t, []models.AlertEvent{ev}, broken.events)
}

func TestFileNotifier(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alert", "alert.json")
	ev := Evaluate(5, check(models.HealthHealthy, 2))

	require.NoError(t, FileNotifier{Path: path}.Notify(context.Background(), ev))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var got models.AlertEvent
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, models.AlertConfirmation, got.Kind)
}

func TestEmailNotifier(t *testing.T) {
	var sent *resend.SendEmailRequest
	e := &EmailNotifier{
		from: "shipyard@example.com",
		to:   []string{"oncall@example.com"},
		send: func(req *resend.SendEmailRequest) error {
			sent = req
			return nil
		},
	}

	ev := Evaluate(9, check(models.HealthTimedOut, 20))
	require.NoError(t, e.Notify(context.Background(), ev))
	require.NotNil(t, sent)
	assert.Equal(t, []string{"oncall@example.com"}, sent.To)
	assert.Contains(t, sent.Subject, "run 9")
	assert.Contains(t, sent.Text, ev.ID)

	e.send = func(*resend.SendEmailRequest) error { return errors.New("rate limited") }
	assert.Error(t, e.Notify(context.Background(), ev))
}

type fakePosthog struct {
	posthog.Client
	captured []posthog.Message
}

func (f *fakePosthog) Enqueue(m posthog.Message) error {
	f.captured = append(f.captured, m)
	return nil
}

func TestPosthogNotifier(t *testing.T) {
	client := &fakePosthog{}
	ev := Evaluate(2, check(models.HealthHealthy, 1))
	require.NoError(t, NewPosthogNotifier(client).Notify(context.Background(), ev))

	require.Len(t, client.captured, 1)
	capture, ok := client.captured[0].(posthog.Capture)
	require.True(t, ok)
	assert.Equal(t, "deployment_confirmation", capture.Event)
	assert.Equal(t, "ml-app", capture.DistinctId)
}
