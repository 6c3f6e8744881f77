// Package engine executes a pipeline's stages in order and classifies the
// run.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"tangled.sh/tangled.sh/shipyard/log"
	"tangled.sh/tangled.sh/shipyard/shipyard/models"
	"tangled.sh/tangled.sh/shipyard/shipyard/secrets"
	"tangled.sh/tangled.sh/shipyard/telemetry"
)

const DefaultCleanupTimeout = 2 * time.Minute

// History persists run progress. Failures to record are logged and never
// affect the run.
type History interface {
	StartRun(ctx context.Context, runID int64, startedAt time.Time) error
	RecordStage(ctx context.Context, runID int64, res models.StageResult) error
	FinishRun(ctx context.Context, res models.PipelineResult) error
}

type Engine struct {
	l              *slog.Logger
	tel            *telemetry.Telemetry
	metrics        *telemetry.PipelineMetrics
	history        History
	logDir         string
	baseEnv        map[string]string
	cleanupTimeout time.Duration
}

type Option func(*Engine)

func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(e *Engine) { e.tel = t }
}

func WithHistory(h History) Option {
	return func(e *Engine) { e.history = h }
}

// WithLogDir enables the per-run JSON log at <dir>/<run id>.log.
func WithLogDir(dir string) Option {
	return func(e *Engine) { e.logDir = dir }
}

// WithEnv seeds every run's Env.
func WithEnv(env map[string]string) Option {
	return func(e *Engine) { e.baseEnv = env }
}

// WithCleanupTimeout bounds Always stages once the run has been cancelled.
func WithCleanupTimeout(d time.Duration) Option {
	return func(e *Engine) { e.cleanupTimeout = d }
}

func New(ctx context.Context, opts ...Option) (*Engine, error) {
	e := &Engine{
		l:              log.FromContext(ctx).With("component", "engine"),
		tel:            telemetry.Noop(),
		cleanupTimeout: DefaultCleanupTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}

	m, err := e.tel.PipelineMetrics()
	if err != nil {
		return nil, err
	}
	e.metrics = m
	return e, nil
}

// Run executes p and returns its one result. The error is non-nil only
// when p is not runnable at all; stage failures live in the result.
func (e *Engine) Run(ctx context.Context, p *models.Pipeline) (models.PipelineResult, error) {
	if err := p.Validate(); err != nil {
		return models.PipelineResult{}, fmt.Errorf("invalid pipeline: %w", err)
	}

	l := e.l.With("run", p.RunID)
	ctx = log.IntoContext(ctx, l)

	rl, err := e.runLogger(p.RunID)
	if err != nil {
		l.Warn("run log unavailable, continuing without it", "err", err)
	}
	defer rl.Close()

	run := models.NewRun(p.RunID, secrets.NewEnv(e.baseEnv), rl, l)
	result := models.PipelineResult{RunID: p.RunID, Success: true, StartedAt: time.Now()}

	ctx, span := e.tel.TraceStart(ctx, "pipeline", attribute.Int64("run.id", p.RunID))
	defer span.End()

	e.record(l, "start run", func() error {
		if e.history == nil {
			return nil
		}
		return e.history.StartRun(ctx, p.RunID, result.StartedAt)
	})
	l.Info("pipeline started", "stages", len(p.Stages))

	var abortReason string
	for _, stage := range p.Stages {
		if !stage.Always {
			if abortReason == "" && ctx.Err() != nil {
				abortReason = fmt.Sprintf("%v: %v", ErrCancelled, ctx.Err())
				result.Success = false
				if result.FailedStage == "" {
					result.FailedStage = stage.Name
				}
			}
			if abortReason != "" {
				res := run.Skip(stage, fmt.Sprintf("%v: %s", ErrSkipped, abortReason))
				e.finishStage(ctx, l, run.ID, res)
				continue
			}
		}

		stageCtx, cancel := ctx, context.CancelFunc(func() {})
		if stage.Always && ctx.Err() != nil {
			stageCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), e.cleanupTimeout)
		}
		res, err := e.runStage(stageCtx, run, stage)
		cancel()

		switch {
		case err == nil:
		case stage.Always:
			l.Error("terminal stage failed", "stage", stage.Name, "err", err)
			if stage.Name == models.StageArchiveReports {
				result.ArchiveErr = err.Error()
			}
		case ctx.Err() != nil:
			abortReason = fmt.Sprintf("%v during %s", ErrCancelled, stage.Name)
			result.Success = false
			result.FailedStage = stage.Name
			l.Error("run cancelled", "stage", stage.Name, "err", err)
		case stage.Policy == models.Continue:
			l.Warn("stage failed, continuing", "stage", stage.Name, "err", err)
		default:
			abortReason = fmt.Sprintf("%s failed", stage.Name)
			result.Success = false
			result.FailedStage = stage.Name
			l.Error("stage failed, aborting", "stage", stage.Name, "err", err)
		}
		e.finishStage(ctx, l, run.ID, res)
	}

	result.Stages = run.Results()
	result.Artifact = run.Artifact
	result.Health = run.Health
	result.Alert = run.Alert
	result.FinishedAt = time.Now()

	if !result.Success {
		span.SetStatus(codes.Error, "failed at "+string(result.FailedStage))
	}
	e.metrics.RecordRun(ctx, result.Success)
	e.record(l, "finish run", func() error {
		if e.history == nil {
			return nil
		}
		return e.history.FinishRun(context.WithoutCancel(ctx), result)
	})

	l.Info("pipeline finished",
		"success", result.Success,
		"failed_stage", result.FailedStage,
		"duration", result.FinishedAt.Sub(result.StartedAt),
	)
	return result, nil
}

func (e *Engine) runLogger(runID int64) (*models.RunLogger, error) {
	if e.logDir == "" {
		return nil, nil
	}
	return models.NewRunLogger(e.logDir, runID)
}

func (e *Engine) runStage(ctx context.Context, run *models.Run, stage models.Stage) (models.StageResult, error) {
	ctx, span := e.tel.TraceStart(ctx, "stage "+string(stage.Name),
		attribute.String("stage.name", string(stage.Name)),
		attribute.String("stage.policy", stage.Policy.String()),
		attribute.Bool("stage.always", stage.Always),
	)
	defer span.End()

	l := log.FromContext(ctx).With("stage", stage.Name)
	ctx = log.IntoContext(ctx, l)

	run.BeginStage(stage)
	l.Info("stage started")

	err := invoke(ctx, run, stage)

	status := models.StageSuccess
	if err != nil {
		status = models.StageFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	res := run.EndStage(status, err)
	l.Info("stage finished", "status", status, "duration", res.Duration())
	return res, err
}

// invoke runs the action, turning a panic into an error.
func invoke(ctx context.Context, run *models.Run, stage models.Stage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.FromContext(ctx).Error("stage panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return stage.Action(ctx, run)
}

func (e *Engine) finishStage(ctx context.Context, l *slog.Logger, runID int64, res models.StageResult) {
	e.metrics.RecordStage(ctx, string(res.Stage), string(res.Status), res.Duration())
	e.record(l, "record stage", func() error {
		if e.history == nil {
			return nil
		}
		return e.history.RecordStage(context.WithoutCancel(ctx), runID, res)
	})
}

func (e *Engine) record(l *slog.Logger, what string, fn func() error) {
	if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
		l.Warn("failed to "+what, "err", err)
	}
}
