package artifact

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tangled.sh/tangled.sh/shipyard/log"
	"tangled.sh/tangled.sh/shipyard/shipyard/docker"
	"tangled.sh/tangled.sh/shipyard/shipyard/models"
	"tangled.sh/tangled.sh/shipyard/shipyard/secrets"
)

type fakeImages struct {
	mu       sync.Mutex
	buildErr error
	loginErr error
	pushErrs []error
	tags     map[string]string
	args     map[string]*string
	logins   []docker.Auth
	pushes   []string
}

func newFakeImages() *fakeImages {
	return &fakeImages{tags: map[string]string{}}
}

func (f *fakeImages) BuildImage(ctx context.Context, dir, dockerfile string, tags []string, buildArgs map[string]*string, onOutput docker.OutputCallback) (string, error) {
	f.args = buildArgs
	if f.buildErr != nil {
		return "", f.buildErr
	}
	if onOutput != nil {
		onOutput("Step 1/1 : FROM scratch")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range tags {
		f.tags[t] = "sha256:1234"
	}
	return "sha256:1234", nil
}

func (f *fakeImages) TagImage(ctx context.Context, source, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.tags[source]
	if !ok {
		return docker.ErrNotFound
	}
	f.tags[target] = id
	return nil
}

func (f *fakeImages) Login(ctx context.Context, auth docker.Auth) error {
	f.logins = append(f.logins, auth)
	return f.loginErr
}

func (f *fakeImages) PushImage(ctx context.Context, ref string, auth docker.Auth, onOutput docker.OutputCallback) error {
	f.pushes = append(f.pushes, ref)
	if len(f.pushErrs) > 0 {
		err := f.pushErrs[0]
		f.pushErrs = f.pushErrs[1:]
		return err
	}
	return nil
}

func registryCreds() secrets.Bindings {
	return secrets.Bindings{
		{Key: DefaultUsernameKey, Value: "ci"},
		{Key: DefaultPasswordKey, Value: "hunter2"},
	}
}

func newTestPublisher(api ImageAPI, opts ...Option) *Publisher {
	opts = append([]Option{WithRetryDelay(time.Millisecond)}, opts...)
	return NewPublisher(api, log.Discard(), opts...)
}

func TestBuild(t *testing.T) {
	api := newFakeImages()
	p := newTestPublisher(api)

	var out bytes.Buffer
	art, err := p.Build(context.Background(), "ml-service", "42", &out)
	require.NoError(t, err)

	assert.Equal(t, models.ImageRef{Repository: "ml-service", Tag: "42"}, art.Ref)
	assert.Equal(t, "sha256:1234", art.ImageID)
	assert.Equal(t, models.BuildSucceeded, art.Status)
	assert.Equal(t, "Step 1/1 : FROM scratch\n", out.String())
}

func TestBuildArgs(t *testing.T) {
	api := newFakeImages()
	p := newTestPublisher(api, WithBuildArg("PYTHON_VERSION", "3.11"), WithBuildArg("EXTRAS", ""))

	_, err := p.Build(context.Background(), "ml-service", "1", nil)
	require.NoError(t, err)

	require.Len(t, api.args, 2)
	require.NotNil(t, api.args["PYTHON_VERSION"])
	assert.Equal(t, "3.11", *api.args["PYTHON_VERSION"])
	require.NotNil(t, api.args["EXTRAS"])
	assert.Empty(t, *api.args["EXTRAS"])
}

func TestBuildFailure(t *testing.T) {
	api := newFakeImages()
	api.buildErr = errors.New("no Dockerfile")
	p := newTestPublisher(api)

	art, err := p.Build(context.Background(), "ml-service", "42", nil)
	assert.ErrorIs(t, err, ErrBuildFailed)
	assert.Equal(t, models.BuildFailed, art.Status)

	_, err = p.Build(context.Background(), "", "42", nil)
	assert.ErrorIs(t, err, ErrBuildFailed)
}

func TestTagIsIdempotent(t *testing.T) {
	api := newFakeImages()
	p := newTestPublisher(api)
	ctx := context.Background()

	art, err := p.Build(ctx, "ml-service", "42", nil)
	require.NoError(t, err)

	latest, err := p.Alias(ctx, art)
	require.NoError(t, err)
	again, err := p.Alias(ctx, latest)
	require.NoError(t, err)

	assert.Equal(t, latest, again)
	assert.Equal(t, []string{"latest"}, again.Aliases)
	assert.True(t, again.SameBuild(art))
	assert.Empty(t, art.Aliases, "tagging must not mutate the original")
	assert.Equal(t, api.tags["ml-service:42"], api.tags["ml-service:latest"])

	self, err := p.Tag(ctx, art, "42")
	require.NoError(t, err)
	assert.Equal(t, art, self)
}

func TestTagUnbuilt(t *testing.T) {
	p := newTestPublisher(newFakeImages())
	_, err := p.Alias(context.Background(), models.Artifact{Ref: models.ImageRef{Repository: "x", Tag: "1"}})
	assert.ErrorIs(t, err, ErrNotBuilt)
}

func TestPush(t *testing.T) {
	api := newFakeImages()
	p := newTestPublisher(api)
	ctx := context.Background()

	art, err := p.Build(ctx, "ml-service", "42", nil)
	require.NoError(t, err)
	art, err = p.Alias(ctx, art)
	require.NoError(t, err)

	require.NoError(t, p.Push(ctx, art, "registry.example.com", registryCreds(), nil))

	require.Len(t, api.logins, 1)
	assert.Equal(t, "ci", api.logins[0].Username)
	assert.Equal(t, "registry.example.com", api.logins[0].Registry)
	assert.Equal(t, []string{
		"registry.example.com/ml-service:42",
		"registry.example.com/ml-service:latest",
	}, api.pushes)
}

func TestPushRetries(t *testing.T) {
	tests := []struct {
		name     string
		attempts int
		failures int
		wantErr  bool
		pushes   int
	}{
		{"succeeds after transient failure", 3, 2, false, 3},
		{"gives up after bounded attempts", 3, 5, true, 3},
		{"single attempt disables retrying", 1, 1, true, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newFakeImages()
			for range tt.failures {
				api.pushErrs = append(api.pushErrs, errors.New("connection reset"))
			}
			p := newTestPublisher(api, WithPushAttempts(tt.attempts))

			art, err := p.Build(context.Background(), "ml-service", "7", nil)
			require.NoError(t, err)

			err = p.Push(context.Background(), art, "", registryCreds(), nil)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrPush)
			} else {
				assert.NoError(t, err)
			}
			assert.Len(t, api.pushes, tt.pushes)
		})
	}
}

func TestPushLoginFailure(t *testing.T) {
	api := newFakeImages()
	api.loginErr = errors.New("unauthorized")
	p := newTestPublisher(api)

	art, err := p.Build(context.Background(), "ml-service", "7", nil)
	require.NoError(t, err)

	err = p.Push(context.Background(), art, "", registryCreds(), nil)
	assert.ErrorIs(t, err, ErrLogin)
	assert.Empty(t, api.pushes)
}

func TestPushMissingCredentials(t *testing.T) {
	api := newFakeImages()
	p := newTestPublisher(api)

	art, err := p.Build(context.Background(), "ml-service", "7", nil)
	require.NoError(t, err)

	err = p.Push(context.Background(), art, "", secrets.Bindings{{Key: DefaultUsernameKey, Value: "ci"}}, nil)
	assert.ErrorIs(t, err, ErrLogin)
	assert.Empty(t, api.logins)
}

func TestQualify(t *testing.T) {
	ref := models.ImageRef{Repository: "ml-service", Tag: "1"}
	assert.Equal(t, "ml-service:1", qualify("", ref))
	assert.Equal(t, "ghcr.io/org/ml-service:1", qualify("ghcr.io/org", ref))

	already := models.ImageRef{Repository: "ghcr.io/org/ml-service", Tag: "1"}
	assert.Equal(t, "ghcr.io/org/ml-service:1", qualify("ghcr.io/org", already))
}
