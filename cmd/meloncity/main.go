package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	clientcmd "github.com/izp1012/meloncity/internal/cmd/client"
	serverrun "github.com/izp1012/meloncity/internal/cmd/server"
	cfgpkg "github.com/izp1012/meloncity/internal/config"
	logpkg "github.com/izp1012/meloncity/pkg/log"
)

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	// Respect MELONCITY_LOG_LEVEL for CLI output before any config is read
	level := os.Getenv("MELONCITY_LOG_LEVEL")
	parsed, err := logpkg.ParseLevel(level)
	if err != nil || level == "" {
		parsed = logpkg.InfoLevel
	}
	logger := logpkg.NewLogger(
		logpkg.WithLevel(parsed),
		logpkg.WithFormatter(&logpkg.TextFormatter{}),
		logpkg.WithOutput(logpkg.NewConsoleOutput()),
	)

	rootCmd := clientcmd.NewRoot(clientcmd.BaseURLFromEnv)
	rootCmd.Short = "meloncity chat server and CLI"
	rootCmd.Long = "meloncity is a realtime chat node backed by a durable message stream. This CLI runs the server and talks to it."
	rootCmd.SilenceUsage = true

	rootCmd.AddCommand(newInitCommand(logger))

	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}
	serverCmd.AddCommand(newServerStartCommand())
	rootCmd.AddCommand(serverCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newInitCommand(logger logpkg.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the data directory and a default config file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			dataDir, _ := cmd.Flags().GetString("data-dir")
			path, _ := cmd.Flags().GetString("config")
			force, _ := cmd.Flags().GetBool("force")
			if dataDir == "" {
				dataDir = cfgpkg.DefaultDataDir()
			}
			if err := os.MkdirAll(dataDir, 0o755); err != nil {
				return fmt.Errorf("create data dir: %w", err)
			}
			if path == "" {
				path = filepath.Join(dataDir, "meloncity.yaml")
			}
			if _, err := os.Stat(path); err == nil && !force {
				logger.Info("init.config_exists", logpkg.Str("path", path))
				return nil
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			cfg := cfgpkg.Default()
			cfg.DataDir = dataDir
			b, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, b, 0o644); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			logger.Info("init.done", logpkg.Str("data_dir", dataDir), logpkg.Str("config", path))
			return nil
		},
	}
	cmd.Flags().String("data-dir", os.Getenv("MELONCITY_DATA_DIR"), "Data directory (if not specified, uses OS-specific application data directory)")
	cmd.Flags().String("config", "", "Config file to write (default <data-dir>/meloncity.yaml)")
	cmd.Flags().Bool("force", false, "Overwrite an existing config file")
	return cmd
}

func newServerStartCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "start",
		Short:   "Start the chat server (HTTP, websocket and gRPC health)",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := cfgpkg.Load(path)
			if err != nil {
				return err
			}
			cfgpkg.FromEnv(&cfg)

			// flags override file and environment
			if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
				cfg.DataDir = v
			}
			if v, _ := cmd.Flags().GetString("http"); v != "" {
				cfg.HTTP.Addr = v
			}
			if v, _ := cmd.Flags().GetString("grpc"); v != "" {
				cfg.GRPC.Addr = v
			}
			if v, _ := cmd.Flags().GetString("log-level"); v != "" {
				cfg.Log.Level = v
			}
			if v, _ := cmd.Flags().GetString("log-format"); v != "" {
				cfg.Log.Format = v
			}
			if v, _ := cmd.Flags().GetString("fsync"); v != "" {
				cfg.Fsync = v
			}

			if err := serverrun.Run(context.Background(), serverrun.Options{Config: cfg}); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			// brief delay to allow logs flush
			time.Sleep(100 * time.Millisecond)
			return nil
		},
	}
	cmd.Flags().String("config", os.Getenv("MELONCITY_CONFIG"), "Config file (.yaml, .yml or .json)")
	cmd.Flags().String("data-dir", "", "Data directory override")
	cmd.Flags().String("http", "", "HTTP listen address (API and websocket)")
	cmd.Flags().String("grpc", "", "gRPC health listen address")
	cmd.Flags().String("log-level", "", "Log level: debug|info|warn|error")
	cmd.Flags().String("log-format", "", "Log format: text|json")
	cmd.Flags().String("fsync", "", "Fsync mode for the pebble store: always|interval|never")
	return cmd
}
