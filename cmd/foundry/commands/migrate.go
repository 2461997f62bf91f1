package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfoundry/foundry/pkg/config"
	"github.com/openfoundry/foundry/pkg/store"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		Long: `Apply the embedded schema migrations to the configured database.

The serve command migrates on startup as well; migrate exists for
pre-deployment schema rollout and for inspecting a fresh database.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			st, err := store.NewSQLiteStore(store.Config{
				Path:            cfg.Database.Path,
				MaxOpenConns:    cfg.Database.MaxOpenConns,
				MaxIdleConns:    cfg.Database.MaxIdleConns,
				ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			})
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if err := st.Init(ctx); err != nil {
				return err
			}
			defer st.Close()

			if err := st.Migrate(ctx); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			log.Info().Str("database", cfg.Database.Path).Msg("Migrations applied")
			return nil
		},
	}
}
