package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"tangled.sh/tangled.sh/shipyard/shipyard/models"
	"tangled.sh/tangled.sh/shipyard/shipyard/process"
)

// LocalTarget runs the service as host processes (for example an API
// server and a UI) under a Supervisor. They are started fire-and-forget;
// readiness is left to the health loop.
type LocalTarget struct {
	sup      *process.Supervisor
	name     string
	services []process.Command
	hide     []string
	l        *slog.Logger
}

type LocalOption func(*LocalTarget)

// WithHiddenEnv keeps host variables starting with any of prefixes out of
// the services' environment.
func WithHiddenEnv(prefixes ...string) LocalOption {
	return func(t *LocalTarget) { t.hide = append(t.hide, prefixes...) }
}

func NewLocalTarget(sup *process.Supervisor, name string, services []process.Command, l *slog.Logger, opts ...LocalOption) *LocalTarget {
	t := &LocalTarget{sup: sup, name: name, services: services, l: l}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *LocalTarget) Name() string {
	return t.name
}

func (t *LocalTarget) serviceName(svc process.Command) string {
	return t.name + "/" + svc.Name
}

func (t *LocalTarget) Replace(ctx context.Context, art models.Artifact, env []string, out io.Writer) error {
	if len(t.services) == 0 {
		return fmt.Errorf("%s: no services configured", t.name)
	}

	base := slices.Concat(process.Environ(t.hide...), env, []string{"SHIPYARD_IMAGE=" + art.Ref.String()})

	for _, svc := range t.services {
		svc.Name = t.serviceName(svc)
		svc.Env = slices.Concat(base, svc.Env)

		// Start stops any previous process under the same name.
		h, err := t.sup.Start(ctx, svc, out, out)
		if err != nil {
			return err
		}
		if out != nil {
			fmt.Fprintf(out, "started %s (pid %d)\n", h.Name, h.Pid)
		}
	}
	return nil
}

// Status is "running" when every service is alive, "exited" when any has
// died, and an ErrNotDeployed error before the first Replace.
func (t *LocalTarget) Status(ctx context.Context) (string, error) {
	started := 0
	for _, svc := range t.services {
		h, ok := t.sup.Get(t.serviceName(svc))
		if !ok {
			continue
		}
		started++
		if h.Exited() {
			return "exited", nil
		}
	}
	if started == 0 {
		return "", ErrNotDeployed
	}
	if started < len(t.services) {
		return "exited", nil
	}
	return "running", nil
}

// Instances counts live deployments of the whole service group: 1 when
// all services run, 0 otherwise.
func (t *LocalTarget) Instances(ctx context.Context) (int, error) {
	status, err := t.Status(ctx)
	if err != nil || status != "running" {
		return 0, nil
	}
	return 1, nil
}

// Stop tears the services down. Nothing in a pipeline run calls it; the
// serve command does on shutdown.
func (t *LocalTarget) Stop(ctx context.Context) error {
	for _, svc := range t.services {
		if err := t.sup.Stop(ctx, t.serviceName(svc)); err != nil && !errors.Is(err, process.ErrNotRunning) {
			return err
		}
	}
	return nil
}
