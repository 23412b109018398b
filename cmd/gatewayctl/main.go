// Command gatewayctl administers gateway callers directly in the store:
// issuing and disabling API keys, and inspecting usage and the inference
// log. It reads the same environment and config.yaml as the server.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nulpointcorp/inference-gateway/internal/config"
	"github.com/nulpointcorp/inference-gateway/internal/store"
)

var version = "dev"

// globalFlags override the database settings from the environment.
type globalFlags struct {
	driver string
	dsn    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var g globalFlags

	root := &cobra.Command{
		Use:           "gatewayctl",
		Short:         "Manage inference gateway callers",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.driver, "driver", "", "database driver (defaults to DATABASE_DRIVER)")
	root.PersistentFlags().StringVar(&g.dsn, "dsn", "", "database DSN (defaults to DATABASE_DSN)")

	root.AddCommand(
		newKeysCmd(&g),
		newUsageCmd(&g),
		newLogsCmd(&g),
	)
	return root
}

// open loads configuration and connects to the migrated store.
func (g *globalFlags) open(ctx context.Context) (*config.Config, *store.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if g.driver != "" {
		cfg.Database.Driver = g.driver
	}
	if g.dsn != "" {
		cfg.Database.DSN = g.dsn
	}

	db, err := store.Open(ctx, store.Config{Driver: cfg.Database.Driver, DSN: cfg.Database.DSN})
	if err != nil {
		return nil, nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return cfg, db, nil
}
