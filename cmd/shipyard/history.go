package main

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"tangled.sh/tangled.sh/shipyard/shipyard/config"
	"tangled.sh/tangled.sh/shipyard/shipyard/db"
)

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "list recent runs",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "number of runs to show",
				Value:   "20",
			},
		},
		Action: listHistory,
	}
}

func listHistory(ctx context.Context, cmd *cli.Command) error {
	limit, err := strconv.Atoi(cmd.String("limit"))
	if err != nil {
		return fmt.Errorf("invalid limit: %w", err)
	}

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	d, err := db.Make(cfg.Server.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open db: %w", err)
	}
	defer d.Close()

	runs, err := db.NewHistory(d, nil).ListRuns(ctx, limit)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(cmd.Root().Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTATUS\tSTARTED\tDURATION\tIMAGE\tFAILED AT")
	for _, r := range runs {
		duration := "-"
		if !r.FinishedAt.IsZero() {
			duration = r.FinishedAt.Sub(r.StartedAt).Round(1e9).String()
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Status, humanize.Time(r.StartedAt), duration, orDash(r.Image), orDash(r.FailedStage))
	}
	return tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
