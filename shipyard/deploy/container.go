package deploy

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"tangled.sh/tangled.sh/shipyard/shipyard/docker"
	"tangled.sh/tangled.sh/shipyard/shipyard/models"
)

// ContainerAPI is the docker surface a container deployment needs.
type ContainerAPI interface {
	RemoveContainer(ctx context.Context, nameOrID string) error
	RunContainer(ctx context.Context, spec docker.RunSpec) (docker.ContainerInfo, error)
	Containers(ctx context.Context, name string) ([]string, error)
	ContainerHealth(ctx context.Context, name string) (string, error)
}

type ContainerTarget struct {
	api   ContainerAPI
	name  string
	ports map[string]string
	l     *slog.Logger
}

func NewContainerTarget(api ContainerAPI, name string, ports map[string]string, l *slog.Logger) *ContainerTarget {
	return &ContainerTarget{api: api, name: name, ports: ports, l: l}
}

func (t *ContainerTarget) Name() string {
	return t.name
}

func (t *ContainerTarget) Replace(ctx context.Context, art models.Artifact, env []string, out io.Writer) error {
	if err := t.api.RemoveContainer(ctx, t.name); err != nil {
		return fmt.Errorf("removing previous %s: %w", t.name, err)
	}

	info, err := t.api.RunContainer(ctx, docker.RunSpec{
		Name:  t.name,
		Image: art.Ref.String(),
		Env:   env,
		Ports: t.ports,
	})
	if err != nil {
		return fmt.Errorf("running %s: %w", t.name, err)
	}

	t.l.Info("deployed container", "name", t.name, "image", art.Ref.String(), "id", info.ID)
	if out != nil {
		fmt.Fprintf(out, "deployed %s as %s (%s)\n", art.Ref, t.name, shortID(info.ID))
		for cport, hport := range info.Ports {
			fmt.Fprintf(out, "  %s -> %s\n", cport, hport)
		}
	}
	return nil
}

func (t *ContainerTarget) Status(ctx context.Context) (string, error) {
	return t.api.ContainerHealth(ctx, t.name)
}

func (t *ContainerTarget) Instances(ctx context.Context) (int, error) {
	ids, err := t.api.Containers(ctx, t.name)
	return len(ids), err
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
