package stages

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"

	"tangled.sh/tangled.sh/shipyard/log"
	"tangled.sh/tangled.sh/shipyard/shipyard/alert"
	"tangled.sh/tangled.sh/shipyard/shipyard/artifact"
	"tangled.sh/tangled.sh/shipyard/shipyard/health"
	"tangled.sh/tangled.sh/shipyard/shipyard/models"
	"tangled.sh/tangled.sh/shipyard/shipyard/process"
	"tangled.sh/tangled.sh/shipyard/shipyard/secrets"
)

var ErrNoCommand = errors.New("no command configured")

func (b *Builder) commandFor(name models.StageName) string {
	if o := b.override(name); o.Command != "" {
		return o.Command
	}
	return b.Commands[name]
}

// command runs the stage's shell command in the workdir. The process sees
// the runner's environment (minus HideEnvPrefix), then the run's bindings,
// then the stage's own.
func (b *Builder) command(name models.StageName) models.Action {
	return func(ctx context.Context, run *models.Run) error {
		script := b.commandFor(name)
		if script == "" {
			return fmt.Errorf("%s: %w", name, ErrNoCommand)
		}

		invoke := func(ctx context.Context) error {
			c := process.Shell(string(name), script)
			c.Dir = b.Workdir
			c.Env = slices.Concat(process.Environ(b.HideEnvPrefix), run.Env.Slice(), envSlice(b.override(name).Environment))
			return b.Runner.Run(ctx, c, run.Stdout(), run.Stderr())
		}

		cred := b.credentialFor(name)
		if cred == "" {
			return invoke(ctx)
		}
		return b.Binder.WithScopedSecret(ctx, cred, run.Env, func(ctx context.Context, _ secrets.Bindings) error {
			return invoke(ctx)
		})
	}
}

func (b *Builder) credentialFor(name models.StageName) secrets.CredentialID {
	if o := b.override(name); o.Credential != "" {
		return secrets.CredentialID(o.Credential)
	}
	if name == models.StageSecurity {
		return b.AnalysisCredential
	}
	return ""
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// buildArtifact tags the image with the run id, plus latest when asked.
func (b *Builder) buildArtifact(ctx context.Context, run *models.Run) error {
	art, err := b.Images.Build(ctx, b.ImageName, strconv.FormatInt(run.ID, 10), run.Stdout())
	if err != nil {
		return err
	}
	if b.PushLatest {
		art, err = b.Images.Alias(ctx, art)
		if err != nil {
			return err
		}
	}
	run.Artifact = &art
	return nil
}

func (b *Builder) deploy(ctx context.Context, run *models.Run) error {
	if run.Artifact == nil {
		return artifact.ErrNotBuilt
	}
	return b.Target.Replace(ctx, *run.Artifact, run.Env.Slice(), run.Stdout())
}

// release pushes every tag of the artifact with registry credentials
// bound only for the push.
func (b *Builder) release(ctx context.Context, run *models.Run) error {
	if run.Artifact == nil {
		return artifact.ErrNotBuilt
	}
	art := *run.Artifact
	return b.Binder.WithScopedSecret(ctx, b.RegistryCredential, run.Env, func(ctx context.Context, creds secrets.Bindings) error {
		return b.Images.Push(ctx, art, b.Registry, creds, run.Stdout())
	})
}

// monitor records the health outcome. A timeout is not a stage failure;
// the alert stage decides what it means.
func (b *Builder) monitor(ctx context.Context, run *models.Run) error {
	path := filepath.Join(b.Workdir, HealthReport)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating health report: %w", err)
	}
	defer f.Close()
	run.AddReport(HealthReport, true)

	opts := []health.Option{health.WithReport(f)}
	if b.Clock != nil {
		opts = append(opts, health.WithClock(b.Clock))
	}
	loop := health.NewLoop(b.Prober, b.Target.Name(), b.HealthInterval, b.HealthAttempts,
		log.FromContext(ctx), opts...)

	hc := loop.Run(ctx)
	run.Health = &hc
	return ctx.Err()
}

func (b *Builder) alert(ctx context.Context, run *models.Run) error {
	if run.Health == nil {
		return fmt.Errorf("%w: no health check was recorded", alert.ErrUnhealthy)
	}

	ev := alert.Evaluate(run.ID, *run.Health)
	run.Alert = &ev

	report := alert.FileNotifier{Path: filepath.Join(b.Workdir, AlertReport)}
	if err := report.Notify(ctx, ev); err != nil {
		log.FromContext(ctx).Warn("failed to write alert report", "err", err)
	} else {
		run.AddReport(AlertReport, true)
	}

	if b.Notifier != nil {
		if err := b.Notifier.Notify(ctx, ev); err != nil {
			log.FromContext(ctx).Warn("failed to deliver alert", "err", err)
		}
	}
	return alert.Err(ev)
}

func (b *Builder) archive(ctx context.Context, run *models.Run) error {
	_, err := b.Archiver.Archive(ctx, run.ID, run.ReportSet(), run.Results())
	return err
}
