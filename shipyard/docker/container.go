package docker

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/go-connections/nat"
)

// RunSpec describes a container to (re)create.
type RunSpec struct {
	Name  string
	Image string
	Env   []string
	// Ports maps container port ("8080/tcp" or "8080") to host port.
	Ports map[string]string
	// RestartPolicy defaults to unless-stopped.
	RestartPolicy container.RestartPolicyMode
}

// ContainerInfo is the subset of inspect output callers use.
type ContainerInfo struct {
	ID    string
	Name  string
	Ports map[string]string
}

// RunContainer creates and starts a container from spec.
func (c *Client) RunContainer(ctx context.Context, spec RunSpec) (ContainerInfo, error) {
	if strings.TrimSpace(spec.Image) == "" {
		return ContainerInfo{}, fmt.Errorf("image reference cannot be empty")
	}
	if strings.TrimSpace(spec.Name) == "" {
		return ContainerInfo{}, fmt.Errorf("container name cannot be empty")
	}

	exposed, bindings, err := portMaps(spec.Ports)
	if err != nil {
		return ContainerInfo{}, err
	}

	restart := spec.RestartPolicy
	if restart == "" {
		restart = container.RestartPolicyUnlessStopped
	}

	resp, err := c.inner.ContainerCreate(ctx, &container.Config{
		Image:        spec.Image,
		Env:          spec.Env,
		ExposedPorts: exposed,
		Labels:       map[string]string{managedLabel: spec.Name},
	}, &container.HostConfig{
		PortBindings:  bindings,
		RestartPolicy: container.RestartPolicy{Name: restart},
	}, nil, nil, spec.Name)
	if err != nil {
		return ContainerInfo{}, fmt.Errorf("create container: %w", err)
	}

	if err := c.inner.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = c.inner.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
		return ContainerInfo{}, fmt.Errorf("start container: %w", err)
	}

	info := ContainerInfo{ID: resp.ID, Name: spec.Name, Ports: map[string]string{}}
	inspect, err := c.inner.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return info, fmt.Errorf("inspect container: %w", err)
	}
	if inspect.NetworkSettings != nil {
		for port, binds := range inspect.NetworkSettings.Ports {
			for _, b := range binds {
				if b.HostPort != "" {
					info.Ports[port.Port()] = b.HostPort
					break
				}
			}
		}
	}
	return info, nil
}

const managedLabel = "sh.tangled.shipyard.slot"

func portMaps(ports map[string]string) (nat.PortSet, nat.PortMap, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for containerPort, hostPort := range ports {
		proto, port := nat.SplitProtoPort(containerPort)
		p, err := nat.NewPort(proto, port)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid container port %q: %w", containerPort, err)
		}
		exposed[p] = struct{}{}
		bindings[p] = []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: hostPort}}
	}
	return exposed, bindings, nil
}

// RemoveContainer force-removes a container by name or ID. A container
// that does not exist is not an error.
func (c *Client) RemoveContainer(ctx context.Context, nameOrID string) error {
	if strings.TrimSpace(nameOrID) == "" {
		return nil
	}
	err := c.inner.ContainerRemove(ctx, nameOrID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !isErrContainerNotFoundOrNotRunning(err) {
		return fmt.Errorf("remove container %s: %w", nameOrID, err)
	}
	return nil
}

// Containers lists IDs of all containers, running or not, whose name is
// exactly name.
func (c *Client) Containers(ctx context.Context, name string) ([]string, error) {
	list, err := c.inner.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", "^/"+name+"$")),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	ids := make([]string, 0, len(list))
	for _, ctr := range list {
		ids = append(ids, ctr.ID)
	}
	sort.Strings(ids)
	return ids, nil
}

// ContainerHealth returns the raw health string for a container: the
// HEALTHCHECK status when the image declares one, otherwise the
// container state ("running", "exited", ...).
func (c *Client) ContainerHealth(ctx context.Context, name string) (string, error) {
	inspect, err := c.inner.ContainerInspect(ctx, name)
	if err != nil {
		return "", fmt.Errorf("inspect %s: %w", name, wrapNotFound(err))
	}
	if inspect.State == nil {
		return "", nil
	}
	if inspect.State.Health != nil {
		return inspect.State.Health.Status, nil
	}
	return string(inspect.State.Status), nil
}
