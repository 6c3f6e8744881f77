// Package artifact builds the service image, tags it and publishes it
// to a registry from inside a credential scope.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"

	"tangled.sh/tangled.sh/shipyard/shipyard/docker"
	"tangled.sh/tangled.sh/shipyard/shipyard/models"
	"tangled.sh/tangled.sh/shipyard/shipyard/secrets"
)

var (
	ErrBuildFailed = errors.New("image build failed")
	ErrLogin       = errors.New("registry login failed")
	ErrPush        = errors.New("image push failed")
	ErrNotBuilt    = errors.New("artifact has not been built")
)

// ImageAPI is the part of the docker client the publisher drives.
type ImageAPI interface {
	BuildImage(ctx context.Context, dir, dockerfile string, tags []string, buildArgs map[string]*string, onOutput docker.OutputCallback) (string, error)
	TagImage(ctx context.Context, source, target string) error
	Login(ctx context.Context, auth docker.Auth) error
	PushImage(ctx context.Context, ref string, auth docker.Auth, onOutput docker.OutputCallback) error
}

const (
	DefaultUsernameKey  = "REGISTRY_USERNAME"
	DefaultPasswordKey  = "REGISTRY_PASSWORD"
	DefaultPushAttempts = 3
)

type Publisher struct {
	api          ImageAPI
	contextDir   string
	dockerfile   string
	buildArgs    map[string]*string
	usernameKey  string
	passwordKey  string
	pushAttempts uint
	retryDelay   time.Duration
	l            *slog.Logger
}

type Option func(*Publisher)

func WithContextDir(dir string) Option {
	return func(p *Publisher) { p.contextDir = dir }
}

func WithDockerfile(name string) Option {
	return func(p *Publisher) { p.dockerfile = name }
}

func WithBuildArg(key, value string) Option {
	return func(p *Publisher) {
		if p.buildArgs == nil {
			p.buildArgs = map[string]*string{}
		}
		p.buildArgs[key] = &value
	}
}

// WithCredentialKeys names the bindings holding the registry username and
// password.
func WithCredentialKeys(username, password string) Option {
	return func(p *Publisher) {
		p.usernameKey = username
		p.passwordKey = password
	}
}

// WithPushAttempts bounds push retries. 1 disables retrying; values below
// 1 are treated as 1.
func WithPushAttempts(n int) Option {
	return func(p *Publisher) {
		if n < 1 {
			n = 1
		}
		p.pushAttempts = uint(n)
	}
}

func WithRetryDelay(d time.Duration) Option {
	return func(p *Publisher) { p.retryDelay = d }
}

func NewPublisher(api ImageAPI, l *slog.Logger, opts ...Option) *Publisher {
	p := &Publisher{
		api:          api,
		contextDir:   ".",
		dockerfile:   "Dockerfile",
		usernameKey:  DefaultUsernameKey,
		passwordKey:  DefaultPasswordKey,
		pushAttempts: DefaultPushAttempts,
		retryDelay:   2 * time.Second,
		l:            l,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Build builds the configured Dockerfile context as imageName:tag,
// streaming daemon output to out.
func (p *Publisher) Build(ctx context.Context, imageName, tag string, out io.Writer) (models.Artifact, error) {
	ref := models.ImageRef{Repository: imageName, Tag: tag}
	art := models.Artifact{Ref: ref, Status: models.BuildPending}
	if imageName == "" || tag == "" {
		art.Status = models.BuildFailed
		return art, fmt.Errorf("%w: image name and tag are required", ErrBuildFailed)
	}

	p.l.Info("building image", "ref", ref.String(), "context", p.contextDir)
	id, err := p.api.BuildImage(ctx, p.contextDir, p.dockerfile, []string{ref.String()}, p.buildArgs, writeTo(out))
	if err != nil {
		art.Status = models.BuildFailed
		return art, fmt.Errorf("%w: %w", ErrBuildFailed, err)
	}

	art.ImageID = id
	art.Status = models.BuildSucceeded
	p.l.Info("built image", "ref", ref.String(), "id", id)
	return art, nil
}

// Tag points another tag of the same repository at the artifact's image
// and returns the artifact with that alias recorded. Re-tagging with an
// existing tag returns an equal value.
func (p *Publisher) Tag(ctx context.Context, art models.Artifact, tag string) (models.Artifact, error) {
	if art.Status != models.BuildSucceeded {
		return art, ErrNotBuilt
	}
	if tag == "" {
		return art, fmt.Errorf("tag cannot be empty")
	}
	if tag == art.Ref.Tag {
		return art.WithAlias(tag), nil
	}

	target := models.ImageRef{Repository: art.Ref.Repository, Tag: tag}
	if err := p.api.TagImage(ctx, art.Ref.String(), target.String()); err != nil {
		return art, err
	}
	return art.WithAlias(tag), nil
}

// Alias is Tag for the conventional latest alias.
func (p *Publisher) Alias(ctx context.Context, art models.Artifact) (models.Artifact, error) {
	return p.Tag(ctx, art, models.LatestTag)
}

// Push logs in with the scoped registry credentials and pushes every
// reference of the artifact. creds only exist inside a Binder scope, so
// Push can only be called from one.
func (p *Publisher) Push(ctx context.Context, art models.Artifact, registry string, creds secrets.Bindings, out io.Writer) error {
	if art.Status != models.BuildSucceeded {
		return ErrNotBuilt
	}
	user, ok := creds.Get(p.usernameKey)
	if !ok {
		return fmt.Errorf("%w: %s not bound", ErrLogin, p.usernameKey)
	}
	pass, ok := creds.Get(p.passwordKey)
	if !ok {
		return fmt.Errorf("%w: %s not bound", ErrLogin, p.passwordKey)
	}
	auth := docker.Auth{Registry: registry, Username: user, Password: pass}

	if err := p.api.Login(ctx, auth); err != nil {
		return fmt.Errorf("%w: %w", ErrLogin, err)
	}

	for _, ref := range art.Refs() {
		remote := qualify(registry, ref)
		if remote != ref.String() {
			if err := p.api.TagImage(ctx, ref.String(), remote); err != nil {
				return fmt.Errorf("%w: %w", ErrPush, err)
			}
		}

		err := retry.Do(func() error {
			return p.api.PushImage(ctx, remote, auth, writeTo(out))
		},
			retry.Attempts(p.pushAttempts),
			retry.Delay(p.retryDelay),
			retry.DelayType(retry.BackOffDelay),
			retry.LastErrorOnly(true),
			retry.Context(ctx),
			retry.OnRetry(func(n uint, err error) {
				p.l.Warn("retrying push", "ref", remote, "attempt", n+1, "err", err)
			}),
		)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrPush, remote, err)
		}
		p.l.Info("pushed image", "ref", remote)
	}
	return nil
}

// qualify prefixes ref with registry unless the repository already names
// that registry.
func qualify(registry string, ref models.ImageRef) string {
	if registry == "" {
		return ref.String()
	}
	if len(ref.Repository) > len(registry) && ref.Repository[:len(registry)+1] == registry+"/" {
		return ref.String()
	}
	return models.ImageRef{Repository: registry + "/" + ref.Repository, Tag: ref.Tag}.String()
}

func writeTo(out io.Writer) docker.OutputCallback {
	if out == nil {
		return nil
	}
	return func(line string) {
		if len(line) > 0 && line[len(line)-1] != '\n' {
			line += "\n"
		}
		io.WriteString(out, line)
	}
}
