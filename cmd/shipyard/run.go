package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/urfave/cli/v3"

	"tangled.sh/tangled.sh/shipyard/log"
	"tangled.sh/tangled.sh/shipyard/shipyard"
	"tangled.sh/tangled.sh/shipyard/shipyard/config"
	"tangled.sh/tangled.sh/shipyard/shipyard/models"
)

const envHelp = `
Environment variables (all optional):
	SHIPYARD_PIPELINE_WORKDIR        (default: .)
	SHIPYARD_PIPELINE_REPO_URL       clone this before building
	SHIPYARD_PIPELINE_REF            branch or ref to build
	SHIPYARD_PIPELINE_FILE           YAML pipeline file
	SHIPYARD_IMAGE_NAME              (default: ml-service)
	SHIPYARD_IMAGE_REGISTRY          registry host to release to
	SHIPYARD_DEPLOY_TARGET           (default: ml-app)
	SHIPYARD_DEPLOY_RUNTIME          docker or local (default: docker)
	SHIPYARD_HEALTH_INTERVAL         (default: 3s)
	SHIPYARD_HEALTH_MAX_ATTEMPTS     (default: 20)
	SHIPYARD_SECRETS_PROVIDER        env, sqlite or vault (default: env)
	SHIPYARD_REPORTS_ARCHIVE_DIR     (default: reports)
	SHIPYARD_REPORTS_LOG_DIR         (default: logs)
	SHIPYARD_SERVER_DB_PATH          (default: shipyard.db)
`

func runCommand() *cli.Command {
	return &cli.Command{
		Name:        "run",
		Usage:       "run the pipeline once; exits nonzero when the deployment failed",
		Description: envHelp,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "build-number",
				Usage: "use this build number instead of allocating the next one",
			},
		},
		Action: runPipeline,
	}
}

func runPipeline(ctx context.Context, cmd *cli.Command) error {
	l := log.FromContext(ctx)

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	s, err := shipyard.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	var res models.PipelineResult
	if v := cmd.String("build-number"); v != "" {
		id, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil || id <= 0 {
			return fmt.Errorf("invalid build number %q", v)
		}
		res, err = s.RunID(ctx, id)
	} else {
		res, err = s.Run(ctx)
	}
	if errors.Is(err, shipyard.ErrPipelineSkipped) {
		l.Warn("nothing to do", "reason", err)
		return nil
	}
	if err != nil {
		return err
	}

	printSummary(cmd, res)
	if code := res.ExitCode(); code != 0 {
		return cli.Exit(fmt.Sprintf("run %d failed at %s", res.RunID, res.FailedStage), code)
	}
	return nil
}

func printSummary(cmd *cli.Command, res models.PipelineResult) {
	w := cmd.Root().Writer
	fmt.Fprintf(w, "run %d\n", res.RunID)
	for _, s := range res.Stages {
		line := fmt.Sprintf("  %-15s %-8s %s", s.Stage, s.Status, s.Duration().Round(1e6))
		if s.Error != "" {
			line += "  " + s.Error
		}
		fmt.Fprintln(w, line)
	}
	if res.Health != nil {
		fmt.Fprintf(w, "health: %s after %d attempts (%s)\n", res.Health.Status, res.Health.Attempts, res.Health.Elapsed)
	}
	if res.ArchiveErr != "" {
		fmt.Fprintf(w, "archive: %s\n", res.ArchiveErr)
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "serve the HTTP API and run queued pipelines one at a time",
		Description: envHelp + `	SHIPYARD_SERVER_LISTEN_ADDR      (default: 0.0.0.0:6556)
	SHIPYARD_SERVER_QUEUE_SIZE       (default: 16)
	SHIPYARD_SERVER_TELEMETRY        none, stdout or otlp (default: none)
`,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.Load(ctx)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return shipyard.Serve(ctx, cfg)
		},
	}
}
