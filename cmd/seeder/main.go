// cmd/seeder/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/unclebandit/outreach-orchestrator/internal/app"
	"github.com/unclebandit/outreach-orchestrator/internal/config"
	"github.com/unclebandit/outreach-orchestrator/internal/db"
	"github.com/unclebandit/outreach-orchestrator/internal/logging"
	"github.com/unclebandit/outreach-orchestrator/internal/repository"
)

func main() {
	cmd := &cobra.Command{
		Use:          "seeder [file.yaml]",
		Short:        "Loads contractors and bid cards into the registry",
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "seed/registry.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			return seed(cmd.Context(), path)
		},
	}
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		var se *app.StoreError
		if errors.As(err, &se) {
			os.Exit(1)
		}
		os.Exit(2)
	}
}

func seed(ctx context.Context, path string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.Store != config.StorePostgres {
		return fmt.Errorf("seeding needs STORE=postgres")
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	data, err := app.ParseSeed(file)
	if err != nil {
		return err
	}

	conn, err := db.Open(ctx, cfg.DatabaseURL, log)
	if err != nil {
		return &app.StoreError{Err: err}
	}
	defer conn.Close()
	if err := db.Migrate(conn); err != nil {
		return &app.StoreError{Err: err}
	}

	stats, err := app.Seed(ctx, repository.NewPostgresRepositories(conn), data)
	if err != nil {
		return &app.StoreError{Err: err}
	}
	fmt.Printf("Seeded %d contractors and %d bid cards from %s\n", stats.Contractors, stats.BidCards, path)
	return nil
}
