package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	"github.com/urfave/cli/v3"

	"tangled.sh/tangled.sh/shipyard/log"
)

func main() {
	cmd := &cli.Command{
		Name:    "shipyard",
		Usage:   "deployment pipeline runner",
		Version: versioninfo.Short(),
		Commands: []*cli.Command{
			runCommand(),
			serveCommand(),
			historyCommand(),
			secretsCommand(),
			logsCommand(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.New("shipyard")
	ctx = log.IntoContext(ctx, logger.With("command", cmd.Name))

	if err := cmd.Run(ctx, os.Args); err != nil {
		logger.Error(err.Error())
		os.Exit(-1)
	}
}
