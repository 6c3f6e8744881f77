package main

import (
	"context"
	"errors"
	"fmt"
	"os/user"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"tangled.sh/tangled.sh/shipyard/log"
	"tangled.sh/tangled.sh/shipyard/shipyard"
	"tangled.sh/tangled.sh/shipyard/shipyard/config"
	"tangled.sh/tangled.sh/shipyard/shipyard/secrets"
)

func secretsCommand() *cli.Command {
	return &cli.Command{
		Name:  "secrets",
		Usage: "manage credentials in the configured secrets backend",
		Commands: []*cli.Command{
			{
				Name:      "add",
				Usage:     "add a binding to a credential",
				ArgsUsage: "<credential> <KEY> <value>",
				Action:    addSecret,
			},
			{
				Name:      "rm",
				Usage:     "remove a binding from a credential",
				ArgsUsage: "<credential> <KEY>",
				Action:    removeSecret,
			},
			{
				Name:      "ls",
				Usage:     "list credentials, or the keys of one",
				ArgsUsage: "[credential]",
				Action:    listSecrets,
			},
		},
	}
}

func withManager(ctx context.Context, fn func(secrets.Manager) error) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	m, err := shipyard.NewSecretsManager(cfg.Secrets, log.FromContext(ctx))
	if err != nil {
		return err
	}
	defer shipyard.CloseManager(m)
	return fn(m)
}

func addSecret(ctx context.Context, cmd *cli.Command) error {
	if cmd.NArg() != 3 {
		return errors.New("usage: shipyard secrets add <credential> <KEY> <value>")
	}
	key := cmd.Args().Get(1)
	if err := secrets.ValidateKey(key); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}

	createdBy := "shipyard"
	if u, err := user.Current(); err == nil {
		createdBy = u.Username
	}

	return withManager(ctx, func(m secrets.Manager) error {
		return m.AddSecret(ctx, secrets.UnlockedSecret{
			Key:        key,
			Value:      cmd.Args().Get(2),
			Credential: secrets.CredentialID(cmd.Args().Get(0)),
			CreatedAt:  time.Now(),
			CreatedBy:  createdBy,
		})
	})
}

func removeSecret(ctx context.Context, cmd *cli.Command) error {
	if cmd.NArg() != 2 {
		return errors.New("usage: shipyard secrets rm <credential> <KEY>")
	}
	return withManager(ctx, func(m secrets.Manager) error {
		return m.RemoveSecret(ctx, secrets.Secret[any]{
			Key:        cmd.Args().Get(1),
			Credential: secrets.CredentialID(cmd.Args().Get(0)),
		})
	})
}

func listSecrets(ctx context.Context, cmd *cli.Command) error {
	if cmd.NArg() > 1 {
		return errors.New("usage: shipyard secrets ls [credential]")
	}
	return withManager(ctx, func(m secrets.Manager) error {
		if cmd.NArg() == 0 {
			lister, ok := m.(secrets.Lister)
			if !ok {
				return errors.New("this secrets provider cannot list credentials; name one")
			}
			ids, err := lister.Credentials(ctx)
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.Root().Writer, id)
			}
			return nil
		}

		locked, err := m.GetSecretsLocked(ctx, secrets.CredentialID(cmd.Args().First()))
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.Root().Writer, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "KEY\tCREATED BY\tCREATED")
		for _, s := range locked {
			created := "-"
			if !s.CreatedAt.IsZero() {
				created = s.CreatedAt.Format(time.DateTime)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\n", s.Key, s.CreatedBy, created)
		}
		return tw.Flush()
	})
}
