// Package stages binds the stage vocabulary to the components that do the
// work and assembles the default deployment pipeline.
package stages

import (
	"context"
	"io"
	"log/slog"
	"maps"
	"time"

	"tangled.sh/tangled.sh/shipyard/shipyard/alert"
	"tangled.sh/tangled.sh/shipyard/shipyard/deploy"
	"tangled.sh/tangled.sh/shipyard/shipyard/health"
	"tangled.sh/tangled.sh/shipyard/shipyard/models"
	"tangled.sh/tangled.sh/shipyard/shipyard/process"
	"tangled.sh/tangled.sh/shipyard/shipyard/reports"
	"tangled.sh/tangled.sh/shipyard/shipyard/secrets"
	"tangled.sh/tangled.sh/shipyard/workflow"
)

const (
	HealthReport = "health-report.txt"
	AlertReport  = "alert.json"
)

// Runner executes a tool to completion. *process.Supervisor is one.
type Runner interface {
	Run(ctx context.Context, c process.Command, stdout, stderr io.Writer) error
}

// Images is the artifact surface the image stages use. *artifact.Publisher
// is one.
type Images interface {
	Build(ctx context.Context, imageName, tag string, out io.Writer) (models.Artifact, error)
	Alias(ctx context.Context, art models.Artifact) (models.Artifact, error)
	Push(ctx context.Context, art models.Artifact, registry string, creds secrets.Bindings, out io.Writer) error
}

type Archiver interface {
	Archive(ctx context.Context, runID int64, set []models.Report, stages []models.StageResult) (reports.Manifest, error)
}

// Builder holds everything the stage actions need. Fields are set once
// before the first Pipeline call.
type Builder struct {
	Workdir string
	RepoURL string
	Ref     string
	Clone   workflow.CloneOpts

	// Commands holds the shell command of each command stage.
	Commands map[models.StageName]string

	ImageName  string
	Registry   string
	PushLatest bool

	RegistryCredential secrets.CredentialID
	// AnalysisCredential, when set, scopes the Security stage.
	AnalysisCredential secrets.CredentialID

	// HideEnvPrefix withholds matching runner variables from tools, so
	// credentials stored in the environment only reach them through a scope.
	HideEnvPrefix string

	HealthInterval time.Duration
	HealthAttempts int

	Runner   Runner
	Images   Images
	Target   deploy.Target
	Prober   health.Prober
	Clock    health.Clock
	Binder   *secrets.Binder
	Archiver Archiver
	Notifier alert.Notifier

	L *slog.Logger

	overrides map[models.StageName]workflow.Override
}

// DefaultPolicies: tests and everything from the artifact on are hard
// failures, analysis findings are not.
var DefaultPolicies = map[models.StageName]models.FailurePolicy{
	models.StageCheckout:      models.FailFast,
	models.StageBuild:         models.FailFast,
	models.StageTest:          models.FailFast,
	models.StageCodeQuality:   models.Continue,
	models.StageSecurity:      models.Continue,
	models.StageBuildArtifact: models.FailFast,
	models.StageDeploy:        models.FailFast,
	models.StageRelease:       models.FailFast,
	models.StageMonitor:       models.FailFast,
	models.StageAlert:         models.FailFast,
}

// mandatory stages run even when an override asks to skip them.
var mandatory = map[models.StageName]bool{
	models.StageAlert:          true,
	models.StageArchiveReports: true,
}

// DefaultReports are the files the default tool commands write.
var DefaultReports = map[models.StageName][]models.ReportSpec{
	models.StageTest:        {{Path: "test-results.xml"}},
	models.StageCodeQuality: {{Path: "pylint-report.txt"}},
	models.StageSecurity:    {{Path: "bandit-report.json"}},
}

// Apply layers a compiled pipeline file over the defaults.
func (b *Builder) Apply(c workflow.Compiled) {
	b.Clone = c.Clone
	b.overrides = maps.Clone(c.Stages)
}

func (b *Builder) override(name models.StageName) workflow.Override {
	return b.overrides[name]
}

// Pipeline assembles the run's stages in vocabulary order. Stages a
// pipeline file skips are left out; ArchiveReports is always last.
func (b *Builder) Pipeline(runID int64) *models.Pipeline {
	actions := map[models.StageName]models.Action{
		models.StageCheckout:       b.checkout,
		models.StageBuild:          b.command(models.StageBuild),
		models.StageTest:           b.command(models.StageTest),
		models.StageCodeQuality:    b.command(models.StageCodeQuality),
		models.StageSecurity:       b.command(models.StageSecurity),
		models.StageBuildArtifact:  b.buildArtifact,
		models.StageDeploy:         b.deploy,
		models.StageRelease:        b.release,
		models.StageMonitor:        b.monitor,
		models.StageAlert:          b.alert,
		models.StageArchiveReports: b.archive,
	}

	p := &models.Pipeline{RunID: runID}
	for _, name := range models.Vocabulary {
		o := b.override(name)
		if o.Skip && !mandatory[name] {
			continue
		}

		s := models.Stage{
			Name:   name,
			Action: actions[name],
			Policy: DefaultPolicies[name],
			Always: name == models.StageArchiveReports,
		}
		if o.Policy != nil && !workflow.FailFastStages[name] {
			s.Policy = *o.Policy
		}

		specs := DefaultReports[name]
		if o.Reports != nil {
			specs = o.Reports
		}
		for _, spec := range specs {
			s.Reports = append(s.Reports, spec.Report(name))
		}

		p.Stages = append(p.Stages, s)
	}
	return p
}
