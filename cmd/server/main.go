package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/resultrelay/internal/app"
	"github.com/vovakirdan/resultrelay/internal/config"
	"github.com/vovakirdan/resultrelay/internal/log"
)

type flags struct {
	configFile     string
	addr           string
	logLevel       string
	maxConnections int
	storeDriver    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &flags{}

	cmd := &cobra.Command{
		Use:           "resultrelay",
		Short:         "Room and mode scoped result relay over websockets",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServer(cmd, f)
		},
	}

	cmd.PersistentFlags().StringVar(&f.configFile, "config", "", "config file path")
	cmd.Flags().StringVar(&f.addr, "addr", "", "HTTP listen address")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	cmd.Flags().IntVar(&f.maxConnections, "max-connections", 0, "global cap on live connections")
	cmd.Flags().StringVar(&f.storeDriver, "store", "", "connection store driver (sqlite, redis)")

	cmd.AddCommand(newCheckConfigCmd(f))
	return cmd
}

func newCheckConfigCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Load and validate configuration without starting the server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := config.Load(nil, f.configFile)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config %s: %w", path, err)
			}
			cmd.Printf("config %s is valid (store=%s, max_connections=%d)\n", path, cfg.Store.Driver, cfg.MaxConnections)
			return nil
		},
	}
}

func runServer(cmd *cobra.Command, f *flags) error {
	bootLogger := log.New("info", "console")

	cfg, path, err := config.Load(bootLogger, f.configFile)
	if err != nil {
		return err
	}

	overrides := config.Config{}
	if cmd.Flags().Changed("addr") {
		overrides.Addr = f.addr
	}
	if cmd.Flags().Changed("log-level") {
		overrides.LogLevel = f.logLevel
	}
	if cmd.Flags().Changed("max-connections") {
		overrides.MaxConnections = f.maxConnections
	}
	if cmd.Flags().Changed("store") {
		overrides.Store.Driver = f.storeDriver
	}
	cfg.UpdateFrom(overrides)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", path, err)
	}

	logger := log.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, &cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialize application")
		return err
	}

	logger.Info().
		Str("addr", cfg.Addr).
		Str("config", path).
		Int("max_connections", cfg.MaxConnections).
		Msg("starting resultrelay server")
	if err := application.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("server exited with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
