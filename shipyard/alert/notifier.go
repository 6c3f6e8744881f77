package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/posthog/posthog-go"
	"github.com/resend/resend-go/v2"

	"tangled.sh/tangled.sh/shipyard/log"
	"tangled.sh/tangled.sh/shipyard/shipyard/models"
)

type Notifier interface {
	Notify(ctx context.Context, ev models.AlertEvent) error
}

type mergedNotifier struct {
	notifiers []Notifier
	logger    *slog.Logger
}

// NewMergedNotifier delivers to every notifier concurrently. Delivery
// failures are logged and never returned.
func NewMergedNotifier(notifiers []Notifier, logger *slog.Logger) Notifier {
	return &mergedNotifier{notifiers, logger}
}

func (m *mergedNotifier) Notify(ctx context.Context, ev models.AlertEvent) error {
	ctx = log.IntoContext(ctx, m.logger.With("alert", ev.ID))
	var wg sync.WaitGroup
	for _, n := range m.notifiers {
		wg.Add(1)
		go func(n Notifier) {
			defer wg.Done()
			if err := n.Notify(ctx, ev); err != nil {
				m.logger.Error("alert delivery failed", "notifier", fmt.Sprintf("%T", n), "err", err)
			}
		}(n)
	}
	wg.Wait()
	return nil
}

// LogNotifier writes the event to the structured log.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, ev models.AlertEvent) error {
	l := log.FromContext(ctx)
	attrs := []any{"run", ev.RunID, "target", ev.Target, "status", ev.Status, "message", ev.Message}
	if ev.Failed() {
		l.Error("deployment failed health verification", attrs...)
	} else {
		l.Info("deployment confirmed healthy", attrs...)
	}
	return nil
}

// FileNotifier writes the event as a JSON document to Path.
type FileNotifier struct {
	Path string
}

func (f FileNotifier) Notify(ctx context.Context, ev models.AlertEvent) error {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(ev, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.Path, append(b, '\n'), 0o644)
}

type EmailNotifier struct {
	from string
	to   []string
	send func(*resend.SendEmailRequest) error
}

func NewEmailNotifier(apiKey, from string, to []string) *EmailNotifier {
	client := resend.NewClient(apiKey)
	return &EmailNotifier{
		from: from,
		to:   to,
		send: func(req *resend.SendEmailRequest) error {
			_, err := client.Emails.Send(req)
			return err
		},
	}
}

func (e *EmailNotifier) Notify(ctx context.Context, ev models.AlertEvent) error {
	subject := fmt.Sprintf("[shipyard] run %d: %s is %s", ev.RunID, ev.Target, ev.Status)
	err := e.send(&resend.SendEmailRequest{
		From:    e.from,
		To:      e.to,
		Subject: subject,
		Text:    fmt.Sprintf("%s\n\nalert %s at %s\n", ev.Message, ev.ID, ev.Timestamp.Format("2006-01-02 15:04:05 MST")),
	})
	if err != nil {
		return fmt.Errorf("error sending email: %w", err)
	}
	return nil
}

type PosthogNotifier struct {
	client posthog.Client
}

func NewPosthogNotifier(client posthog.Client) *PosthogNotifier {
	return &PosthogNotifier{client: client}
}

func (p *PosthogNotifier) Notify(ctx context.Context, ev models.AlertEvent) error {
	return p.client.Enqueue(posthog.Capture{
		DistinctId: ev.Target,
		Event:      "deployment_" + string(ev.Kind),
		Properties: posthog.Properties{
			"run_id":   ev.RunID,
			"alert_id": ev.ID,
			"status":   string(ev.Status),
		},
	})
}
