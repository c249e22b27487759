package main

import (
	"context"
	"fmt"
	"os"

	"securechat/internal/auth"
	"securechat/internal/config"
	"securechat/internal/database"
	"securechat/internal/database/migrations"
	"securechat/pkg/logger"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the environment and initializes the global logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	return cfg, nil
}

var rootCmd = &cobra.Command{
	Use:          "securechat",
	Short:        "Real-time core for end-to-end encrypted chat",
	SilenceUsage: true,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Database.Type != "postgres" {
			return fmt.Errorf("migrate requires DATABASE_TYPE=postgres (got %s)", cfg.Database.Type)
		}

		pg, err := database.NewPostgresDB(cmd.Context(), cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer pg.Close()

		// sqlDB borrows connections from the pool; pg.Close releases them.
		sqlDB := stdlib.OpenDBFromPool(pg.Pool())

		if err := migrations.MigrateUp(sqlDB); err != nil {
			return err
		}
		latest, err := migrations.LatestVersion()
		if err != nil {
			return err
		}
		fmt.Printf("Database is at schema version %d\n", latest)
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token <username>",
	Short: "Issue an identity token for development",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		token, err := auth.NewService(cfg.JWT).IssueToken(args[0])
		if err != nil {
			return fmt.Errorf("failed to issue token: %w", err)
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	serveCmd.Flags().Bool("auto-migrate", false, "apply pending migrations before serving (postgres only)")
	rootCmd.AddCommand(serveCmd, migrateCmd, tokenCmd)
	rootCmd.SetContext(context.Background())
}
