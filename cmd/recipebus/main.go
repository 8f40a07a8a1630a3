package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/gyaneshwarpardhi/recipebus/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootFlags struct {
	configPath string
	envFile    string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:          "recipebus",
		Short:        "Event bus and recipe automation engine",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnv(flags.envFile)
		},
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to YAML config (defaults apply when empty)")
	root.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "Dotenv file loaded before the config is read")

	root.AddCommand(newServeCmd(flags), newMigrateCmd(flags))
	return root
}

// loadEnv loads the dotenv file if it exists. Variables already set in the
// environment win.
func loadEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// loadConfig reads the config file, or returns the defaults when no path
// was given. The loader is nil in the latter case.
func loadConfig(path string) (*config.Config, *config.Loader, error) {
	if path == "" {
		return config.Default(), nil, nil
	}
	loader, err := config.NewLoader(path, slog.Default())
	if err != nil {
		return nil, nil, err
	}
	return loader.Config(), loader, nil
}

func newLogger(cfg config.LogConf) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
