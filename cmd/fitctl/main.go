// Command fitctl inspects and repairs fitcoach device and account state.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/ashureev/fitcoach/internal/auth"
	"github.com/ashureev/fitcoach/internal/config"
	"github.com/ashureev/fitcoach/internal/store"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	dbPath  string
	timeout time.Duration
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "fitctl",
	Short: "Inspect and repair fitcoach state",
	Long: `fitctl works directly against the fitcoach database.

It resolves where a device would land, shows or resets onboarding chats,
confirms accounts and queries the gRPC health service of a running server.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		if dbPath == "" {
			dbPath = os.Getenv("DB_PATH")
		}
		if dbPath == "" {
			dbPath = "./data/fitcoach.db"
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path (default: $DB_PATH)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Operation timeout")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	rootCmd.AddCommand(resolveCmd, chatCmd, userCmd, deviceCmd, healthCmd, migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), timeout)
}

func openRepo() (*store.SQLiteStore, error) {
	repo, err := store.NewSQLite(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", dbPath, err)
	}
	return repo, nil
}

func closeRepo(repo *store.SQLiteStore) {
	if err := repo.Close(); err != nil {
		slog.Warn("Failed to close repository", "error", err)
	}
}

// authService builds the auth service from the environment, the same way
// the server does.
func authService(repo *store.SQLiteStore) (*auth.Service, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	return auth.NewService(repo, nil, nil, auth.Config{
		JWTSecret:                cfg.Auth.JWTSecret,
		AccessTTL:                cfg.Auth.AccessTTL,
		RefreshTTL:               cfg.Auth.RefreshTTL,
		BcryptCost:               cfg.Auth.BcryptCost,
		RequireEmailConfirmation: cfg.Auth.RequireEmailConfirmation,
	}), cfg, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
