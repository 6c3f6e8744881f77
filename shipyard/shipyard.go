// Package shipyard wires configuration into a runnable pipeline: the
// stage actions, the executor and everything they report to.
package shipyard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/posthog/posthog-go"

	"tangled.sh/tangled.sh/shipyard/log"
	"tangled.sh/tangled.sh/shipyard/notifier"
	"tangled.sh/tangled.sh/shipyard/shipyard/alert"
	"tangled.sh/tangled.sh/shipyard/shipyard/artifact"
	"tangled.sh/tangled.sh/shipyard/shipyard/buildnum"
	"tangled.sh/tangled.sh/shipyard/shipyard/config"
	"tangled.sh/tangled.sh/shipyard/shipyard/db"
	"tangled.sh/tangled.sh/shipyard/shipyard/deploy"
	"tangled.sh/tangled.sh/shipyard/shipyard/docker"
	"tangled.sh/tangled.sh/shipyard/shipyard/engine"
	"tangled.sh/tangled.sh/shipyard/shipyard/health"
	"tangled.sh/tangled.sh/shipyard/shipyard/models"
	"tangled.sh/tangled.sh/shipyard/shipyard/process"
	"tangled.sh/tangled.sh/shipyard/shipyard/queue"
	"tangled.sh/tangled.sh/shipyard/shipyard/reports"
	"tangled.sh/tangled.sh/shipyard/shipyard/secrets"
	"tangled.sh/tangled.sh/shipyard/shipyard/stages"
	"tangled.sh/tangled.sh/shipyard/telemetry"
	"tangled.sh/tangled.sh/shipyard/workflow"
)

var ErrPipelineSkipped = errors.New("pipeline file does not apply to this ref")

const probeTimeout = 2 * time.Second

type Shipyard struct {
	cfg     *config.Config
	l       *slog.Logger
	db      *db.DB
	history *db.History
	n       *notifier.Notifier
	tel     *telemetry.Telemetry
	eng     *engine.Engine
	builder *stages.Builder
	alloc   buildnum.Allocator
	agg     *reports.Aggregator
	jq      *queue.Queue
	local   *deploy.LocalTarget
	skip    bool

	closers []func() error
}

func New(ctx context.Context, cfg *config.Config) (*Shipyard, error) {
	s := &Shipyard{cfg: cfg, l: log.FromContext(ctx)}
	if err := s.setup(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Shipyard) onClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

func (s *Shipyard) setup(ctx context.Context) error {
	cfg := s.cfg

	tel, err := NewTelemetry(ctx, cfg.Server.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	s.tel = tel
	s.onClose(func() error { return tel.Shutdown(context.Background()) })

	d, err := db.Make(cfg.Server.DBPath)
	if err != nil {
		return fmt.Errorf("failed to setup db: %w", err)
	}
	s.db = d
	s.onClose(d.Close)

	s.n = notifier.New()
	s.onClose(func() error { s.n.Close(); return nil })
	s.history = db.NewHistory(d, s.n)

	s.alloc, err = NewAllocator(cfg.BuildNumber, d)
	if err != nil {
		return fmt.Errorf("failed to setup build numbers: %w", err)
	}
	if c, ok := s.alloc.(interface{ Close() error }); ok {
		s.onClose(c.Close)
	}

	sm, err := NewSecretsManager(cfg.Secrets, log.SubLogger(s.l, "secrets"))
	if err != nil {
		return fmt.Errorf("failed to setup secrets provider: %w", err)
	}
	s.onClose(func() error { CloseManager(sm); return nil })

	dc, err := docker.New(cfg.Image.DockerHost)
	if err != nil {
		return fmt.Errorf("failed to setup docker client: %w", err)
	}
	s.onClose(dc.Close)

	sup := process.New(log.SubLogger(s.l, "process"))
	target := s.newTarget(dc, sup)

	prober, err := newProber(cfg.Health, target)
	if err != nil {
		return err
	}

	notify, err := s.newNotifier()
	if err != nil {
		return err
	}

	workdir := cfg.Pipeline.Workdir
	s.agg = reports.NewAggregator(cfg.Reports.ArchiveDir, workdir, log.SubLogger(s.l, "reports"))

	s.builder = &stages.Builder{
		Workdir: workdir,
		RepoURL: cfg.Pipeline.RepoURL,
		Ref:     cfg.Pipeline.Ref,
		Commands: map[models.StageName]string{
			models.StageBuild:       cfg.Pipeline.BuildCmd,
			models.StageTest:        cfg.Pipeline.TestCmd,
			models.StageCodeQuality: cfg.Pipeline.CodeQualityCmd,
			models.StageSecurity:    cfg.Pipeline.SecurityCmd,
		},
		ImageName:          cfg.Image.Name,
		Registry:           cfg.Image.Registry,
		PushLatest:         cfg.Image.PushLatest,
		RegistryCredential: secrets.CredentialID(cfg.Secrets.Registry),
		AnalysisCredential: secrets.CredentialID(cfg.Secrets.Analysis),
		HealthInterval:     cfg.Health.Interval,
		HealthAttempts:     cfg.Health.MaxAttempts,
		Runner:             sup,
		Images:             artifact.NewPublisher(dc, log.SubLogger(s.l, "artifact"), publisherOpts(cfg)...),
		Target:             target,
		Prober:             prober,
		Binder:             secrets.NewBinder(sm, log.SubLogger(s.l, "binder")),
		Archiver:           s.agg,
		Notifier:           notify,
		L:                  s.l,
	}
	if cfg.Secrets.Provider == "env" {
		s.builder.HideEnvPrefix = cfg.Secrets.EnvPrefix
	}

	env, err := s.applyPipelineFile()
	if err != nil {
		return err
	}

	s.eng, err = engine.New(ctx,
		engine.WithTelemetry(tel),
		engine.WithHistory(s.history),
		engine.WithLogDir(cfg.Reports.LogDir),
		engine.WithEnv(env),
		engine.WithCleanupTimeout(cfg.Pipeline.CleanupTimeout),
	)
	if err != nil {
		return fmt.Errorf("failed to setup engine: %w", err)
	}

	s.jq = queue.NewQueue(cfg.Server.QueueSize)
	return nil
}

// applyPipelineFile layers the optional YAML definition over the built-in
// stages and returns the environment it declares.
func (s *Shipyard) applyPipelineFile() (map[string]string, error) {
	path := s.cfg.Pipeline.File
	if path == "" {
		return nil, nil
	}

	compiler := workflow.Compiler{Ref: s.cfg.Pipeline.Ref}
	def, ok := compiler.ParseFile(path)
	var compiled workflow.Compiled
	if ok {
		compiled = compiler.Compile(def)
	}
	for _, w := range compiler.Diagnostics.Warnings {
		s.l.Warn(w.String())
	}
	if compiler.Diagnostics.IsErr() {
		return nil, fmt.Errorf("invalid pipeline file: %w", compiler.Diagnostics.Err())
	}

	s.skip = compiled.Skip
	s.builder.Apply(compiled)
	s.l.Info("loaded pipeline file", "path", path, "overrides", len(compiled.Stages))
	return compiled.Environment, nil
}

func (s *Shipyard) newTarget(dc *docker.Client, sup *process.Supervisor) deploy.Target {
	cfg := s.cfg.Deploy
	l := log.SubLogger(s.l, "deploy")
	if cfg.Runtime == "local" {
		api := process.Shell("api", cfg.APICmd)
		ui := process.Shell("ui", cfg.UICmd)
		api.Dir = s.cfg.Pipeline.Workdir
		ui.Dir = s.cfg.Pipeline.Workdir
		var opts []deploy.LocalOption
		if s.cfg.Secrets.Provider == "env" {
			opts = append(opts, deploy.WithHiddenEnv(s.cfg.Secrets.EnvPrefix))
		}
		s.local = deploy.NewLocalTarget(sup, cfg.Target, []process.Command{api, ui}, l, opts...)
		return s.local
	}
	return deploy.NewContainerTarget(dc, cfg.Target, cfg.Ports, l)
}

func publisherOpts(cfg *config.Config) []artifact.Option {
	opts := []artifact.Option{
		artifact.WithContextDir(cfg.Pipeline.Workdir),
		artifact.WithDockerfile(cfg.Image.Dockerfile),
		artifact.WithPushAttempts(cfg.Image.PushAttempts),
	}
	for k, v := range cfg.Image.BuildArgs {
		opts = append(opts, artifact.WithBuildArg(k, v))
	}
	return opts
}

func newProber(cfg config.Health, target deploy.Target) (health.Prober, error) {
	switch cfg.Probe {
	case "", "status":
		return health.StatusProber{Source: target}, nil
	case "tcp":
		return health.TCPProber{Addrs: cfg.Addrs, Timeout: probeTimeout}, nil
	case "http":
		if cfg.URL == "" {
			return nil, fmt.Errorf("http health probe needs a URL")
		}
		return health.NewHTTPProber(cfg.URL, probeTimeout), nil
	default:
		return nil, fmt.Errorf("unknown health probe %q", cfg.Probe)
	}
}

func (s *Shipyard) newNotifier() (alert.Notifier, error) {
	cfg := s.cfg.Alert
	notifiers := []alert.Notifier{alert.LogNotifier{}}

	if cfg.ResendAPIKey != "" && len(cfg.To) > 0 {
		notifiers = append(notifiers, alert.NewEmailNotifier(cfg.ResendAPIKey, cfg.From, cfg.To))
	}
	if cfg.PosthogKey != "" {
		ph, err := posthog.NewWithConfig(cfg.PosthogKey, posthog.Config{Endpoint: cfg.PosthogEndpoint})
		if err != nil {
			return nil, fmt.Errorf("failed to create posthog client: %w", err)
		}
		s.onClose(ph.Close)
		notifiers = append(notifiers, alert.NewPosthogNotifier(ph))
	}

	return alert.NewMergedNotifier(notifiers, log.SubLogger(s.l, "alert")), nil
}

func NewTelemetry(ctx context.Context, exporter string) (*telemetry.Telemetry, error) {
	if exporter == "" || telemetry.Exporter(exporter) == telemetry.ExporterNone {
		return telemetry.Noop(), nil
	}
	return telemetry.NewTelemetry(ctx, "shipyard", versioninfo.Short(), telemetry.Exporter(exporter))
}

func NewAllocator(cfg config.BuildNumber, d *db.DB) (buildnum.Allocator, error) {
	switch cfg.Provider {
	case "", "sqlite":
		return buildnum.NewSqliteAllocator(d, cfg.Name), nil
	case "redis":
		return buildnum.NewRedisAllocator(cfg.RedisURL, cfg.Name)
	case "memory":
		return buildnum.NewMemoryAllocator(0), nil
	default:
		return nil, fmt.Errorf("unknown build number provider %q", cfg.Provider)
	}
}

func NewSecretsManager(cfg config.Secrets, l *slog.Logger) (secrets.Manager, error) {
	switch cfg.Provider {
	case "", "env":
		return secrets.NewEnvManager(cfg.EnvPrefix), nil
	case "sqlite":
		return secrets.NewSQLiteManager(cfg.DBPath)
	case "vault":
		return secrets.NewVaultManager(cfg.Vault.Addr, cfg.Vault.RoleID, cfg.Vault.SecretID, l,
			secrets.WithMountPath(cfg.Vault.Mount))
	default:
		return nil, fmt.Errorf("unknown secrets provider %q", cfg.Provider)
	}
}

// CloseManager releases whatever a manager from NewSecretsManager holds.
func CloseManager(m secrets.Manager) {
	switch m := m.(type) {
	case secrets.Stopper:
		m.Stop()
	case interface{ Close() error }:
		m.Close()
	}
}

// Run allocates the next build number and runs the pipeline under it.
func (s *Shipyard) Run(ctx context.Context) (models.PipelineResult, error) {
	if s.skip {
		return models.PipelineResult{}, ErrPipelineSkipped
	}
	id, err := s.alloc.Next(ctx)
	if err != nil {
		return models.PipelineResult{}, fmt.Errorf("allocating build number: %w", err)
	}
	return s.RunID(ctx, id)
}

// RunID runs the pipeline under a build number the caller already holds.
func (s *Shipyard) RunID(ctx context.Context, id int64) (models.PipelineResult, error) {
	if s.skip {
		return models.PipelineResult{}, ErrPipelineSkipped
	}
	return s.eng.Run(ctx, s.builder.Pipeline(id))
}

func (s *Shipyard) History() *db.History {
	return s.history
}

// Close releases everything New acquired, newest first.
func (s *Shipyard) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	s.closers = nil
	return errors.Join(errs...)
}
