// ib-stream is the market data gateway daemon.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/lakowske/ib-stream/internal/app"
	"github.com/lakowske/ib-stream/internal/config"
	"github.com/lakowske/ib-stream/internal/version"
)

var (
	configPath string
	envFile    string
)

func main() {
	root := &cobra.Command{
		Use:          "ib-stream",
		Short:        "Market data streaming gateway for TWS / IB Gateway",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "path to .env file (ignored if missing)")

	root.AddCommand(serveCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Missing .env is fine; explicit flags point at real files.
			if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("load env file: %w", err)
			}

			cfg, err := config.LoadAndValidate(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			logger := newLogger(cfg.Log.Level)
			slog.SetDefault(logger)

			logger.Info("starting ib-stream",
				"version", version.Version,
				"commit", version.Commit,
				"config", configPath,
			)

			a, err := app.New(cfg, version.Version, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.Run(ctx)
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.String())
		},
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
