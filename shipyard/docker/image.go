package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/pkg/archive"
)

// OutputCallback is invoked with incremental build or push messages.
type OutputCallback func(string)

// Auth is the username/password pair a registry login takes.
type Auth struct {
	Registry string
	Username string
	Password string
}

func (a Auth) config() registry.AuthConfig {
	return registry.AuthConfig{
		Username:      a.Username,
		Password:      a.Password,
		ServerAddress: a.Registry,
	}
}

// BuildImage builds dir with the given Dockerfile (relative to dir) and
// returns the image ID.
func (c *Client) BuildImage(ctx context.Context, dir, dockerfile string, tags []string, buildArgs map[string]*string, onOutput OutputCallback) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("build directory cannot be empty")
	}
	if len(tags) == 0 {
		return "", fmt.Errorf("image tag cannot be empty")
	}
	buildCtx, err := archive.TarWithOptions(dir, &archive.TarOptions{})
	if err != nil {
		return "", fmt.Errorf("create build context: %w", err)
	}
	defer buildCtx.Close()

	resp, err := c.inner.ImageBuild(ctx, buildCtx, build.ImageBuildOptions{
		Tags:        tags,
		Dockerfile:  dockerfile,
		Remove:      true,
		ForceRemove: true,
		BuildArgs:   buildArgs,
	})
	if err != nil {
		return "", fmt.Errorf("docker image build: %w", err)
	}
	defer resp.Body.Close()

	imageID, err := decodeStream(resp.Body, onOutput)
	if err != nil {
		return "", fmt.Errorf("docker image build: %w", err)
	}
	if imageID == "" {
		imageID, err = c.ImageID(ctx, tags[0])
		if err != nil {
			return "", err
		}
	}
	return imageID, nil
}

// ImageID resolves ref to the local image ID.
func (c *Client) ImageID(ctx context.Context, ref string) (string, error) {
	info, err := c.inner.ImageInspect(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("image inspect %s: %w", ref, wrapNotFound(err))
	}
	return info.ID, nil
}

// TagImage points target at the image source refers to. Tagging the same
// pair twice is a no-op on the daemon side.
func (c *Client) TagImage(ctx context.Context, source, target string) error {
	if err := c.inner.ImageTag(ctx, source, target); err != nil {
		return fmt.Errorf("image tag %s -> %s: %w", source, target, wrapNotFound(err))
	}
	return nil
}

// Login checks the credentials against the registry.
func (c *Client) Login(ctx context.Context, auth Auth) error {
	resp, err := c.inner.RegistryLogin(ctx, auth.config())
	if err != nil {
		return fmt.Errorf("registry login: %w", err)
	}
	if resp.Status != "" && !strings.Contains(strings.ToLower(resp.Status), "login succeeded") {
		return fmt.Errorf("registry login: %s", resp.Status)
	}
	return nil
}

func (c *Client) PushImage(ctx context.Context, ref string, auth Auth, onOutput OutputCallback) error {
	encoded, err := registry.EncodeAuthConfig(auth.config())
	if err != nil {
		return fmt.Errorf("encode registry auth: %w", err)
	}
	rc, err := c.inner.ImagePush(ctx, ref, image.PushOptions{RegistryAuth: encoded})
	if err != nil {
		return fmt.Errorf("image push %s: %w", ref, err)
	}
	defer rc.Close()

	if _, err := decodeStream(rc, onOutput); err != nil {
		return fmt.Errorf("image push %s: %w", ref, err)
	}
	return nil
}

type streamMessage struct {
	Stream         string                 `json:"stream"`
	Status         string                 `json:"status"`
	ID             string                 `json:"id"`
	Progress       string                 `json:"progress"`
	ProgressDetail progressDetail         `json:"progressDetail"`
	Error          string                 `json:"error"`
	ErrorDetail    streamErrorDetail      `json:"errorDetail"`
	Aux            map[string]interface{} `json:"aux"`
}

type progressDetail struct {
	Current int64 `json:"current"`
	Total   int64 `json:"total"`
}

type streamErrorDetail struct {
	Message string `json:"message"`
}

// decodeStream drains a build or push JSON stream, forwarding rendered
// lines and returning the image ID if the daemon reported one.
func decodeStream(r io.Reader, onOutput OutputCallback) (string, error) {
	var imageID string
	decoder := json.NewDecoder(r)
	for {
		var msg streamMessage
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				return imageID, nil
			}
			return imageID, fmt.Errorf("decode output: %w", err)
		}

		if errMsg := msg.errorMessage(); errMsg != "" {
			return imageID, fmt.Errorf("%s", errMsg)
		}
		if id, ok := msg.Aux["ID"].(string); ok {
			imageID = id
		}

		if line := msg.render(); line != "" && onOutput != nil {
			onOutput(line)
		}
	}
}

func (m streamMessage) errorMessage() string {
	if strings.TrimSpace(m.Error) != "" {
		return strings.TrimSpace(m.Error)
	}
	return strings.TrimSpace(m.ErrorDetail.Message)
}

func (m streamMessage) render() string {
	if m.Stream != "" {
		return m.Stream
	}
	if m.Status != "" {
		parts := make([]string, 0, 3)
		if id := strings.TrimSpace(m.ID); id != "" {
			parts = append(parts, id)
		}
		parts = append(parts, strings.TrimSpace(m.Status))
		progress := strings.TrimSpace(m.Progress)
		if progress == "" && m.ProgressDetail.Total > 0 {
			progress = fmt.Sprintf("%d/%d", m.ProgressDetail.Current, m.ProgressDetail.Total)
		}
		if progress != "" {
			parts = append(parts, progress)
		}
		return strings.Join(parts, " ")
	}
	if id, ok := m.Aux["ID"]; ok {
		return fmt.Sprintf("image id: %v", id)
	}
	if digest, ok := m.Aux["Digest"]; ok {
		return fmt.Sprintf("digest: %v", digest)
	}
	return ""
}
