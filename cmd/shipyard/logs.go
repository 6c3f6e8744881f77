package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/urfave/cli/v3"

	"tangled.sh/tangled.sh/shipyard/shipyard/config"
	"tangled.sh/tangled.sh/shipyard/shipyard/models"
	"tangled.sh/tangled.sh/shipyard/shipyard/runlog"
)

func logsCommand() *cli.Command {
	return &cli.Command{
		Name:      "logs",
		Usage:     "print a run's log",
		ArgsUsage: "<run>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "follow",
				Aliases: []string{"f"},
				Usage:   "keep printing until the run finishes",
			},
			&cli.BoolFlag{
				Name:  "data-only",
				Usage: "print only tool output",
			},
		},
		Action: printLogs,
	}
}

func printLogs(ctx context.Context, cmd *cli.Command) error {
	if cmd.NArg() != 1 {
		return errors.New("usage: shipyard logs [--follow] <run>")
	}
	id, err := strconv.ParseInt(cmd.Args().First(), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid run %q", cmd.Args().First())
	}

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	w := cmd.Root().Writer
	dataOnly := cmd.Bool("data-only")
	err = runlog.Read(ctx, models.LogFilePath(cfg.Reports.LogDir, id), cmd.Bool("follow"), func(line models.LogLine) error {
		switch {
		case line.Kind == models.LogKindData:
			_, err := fmt.Fprintf(w, "[%s] %s\n", line.Stage, line.Content)
			return err
		case dataOnly:
			return nil
		case line.StageStatus == "":
			_, err := fmt.Fprintf(w, "==> %s\n", line.Stage)
			return err
		default:
			msg := fmt.Sprintf("<== %s %s", line.Stage, line.StageStatus)
			if line.Content != "" {
				msg += ": " + line.Content
			}
			_, err := fmt.Fprintln(w, msg)
			return err
		}
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
