package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tierstore/tierstore/internal/adapter"
	"github.com/tierstore/tierstore/internal/config"
	"github.com/tierstore/tierstore/pkg/api"
	"github.com/tierstore/tierstore/pkg/types"
	"github.com/tierstore/tierstore/pkg/utils"
)

type options struct {
	cfgFile  string
	logLevel string
	remote   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:           "tierstore",
		Short:         "Tiered key/value storage with encryption, chunking and remote sync",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.cfgFile, "config", "c", "", "Path to config file (TIERSTORE_* variables override it)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	rootCmd.PersistentFlags().StringVar(&opts.remote, "remote", "", "Remote tier URI: s3://bucket/prefix or memory://")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the storage manager behind the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	var bench types.BenchmarkOptions
	benchCmd := &cobra.Command{
		Use:   "bench",
		Short: "Run the benchmark suite once and print the result as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(cmd.Context(), cmd, opts, bench)
		},
	}
	benchCmd.Flags().IntVar(&bench.Iterations, "iterations", 0, "Iterations per category (default from config)")
	benchCmd.Flags().IntVar(&bench.DataSize, "data-size", 0, "Payload size in bytes (default from config)")
	benchCmd.Flags().IntVar(&bench.Concurrency, "concurrency", 0, "Concurrent workers (default from config)")

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or scaffold configuration",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "init <file>",
		Short: "Write the default configuration to a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.NewDefault().SaveToFile(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[0])
			return nil
		},
	})
	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load the configuration and report validation errors",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(opts); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	})

	rootCmd.AddCommand(serveCmd, benchCmd, configCmd)
	return rootCmd
}

func loadConfig(opts *options) (*config.Configuration, error) {
	cfg, err := config.Load(opts.cfgFile)
	if err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}
	if opts.logLevel != "" {
		cfg.Global.LogLevel = opts.logLevel
	}
	if opts.remote != "" {
		if err := adapter.ApplyRemoteURI(opts.remote, &cfg.Remote); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg config.GlobalConfig) (*utils.StructuredLogger, error) {
	level, err := utils.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	format := utils.FormatJSON
	if strings.EqualFold(cfg.LogFormat, "text") {
		format = utils.FormatText
	}
	return utils.NewStructuredLogger(&utils.StructuredLoggerConfig{
		Level:  level,
		Output: os.Stderr,
		Format: format,
	})
}

func runServe(ctx context.Context, opts *options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Global)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := adapter.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background())
		return err
	}

	server := api.NewServer(api.ServerConfig{
		Address:       cfg.API.Address,
		ReadTimeout:   cfg.API.ReadTimeout,
		WriteTimeout:  cfg.API.WriteTimeout,
		IdleTimeout:   api.DefaultServerConfig().IdleTimeout,
		EnableMetrics: cfg.API.EnableMetrics,
		MaxBodySize:   cfg.API.MaxBodySize,
	}, a.Manager(), logger)
	server.StartBackground()

	<-ctx.Done()
	logger.Info("shutdown requested")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API server shutdown failed", map[string]interface{}{"error": err.Error()})
	}
	return a.Stop(shutdownCtx)
}

func runBench(ctx context.Context, cmd *cobra.Command, opts *options, bench types.BenchmarkOptions) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	cfg.Benchmark.RunOnStartup = false
	if bench.Iterations == 0 {
		bench.Iterations = cfg.Benchmark.Iterations
	}
	if bench.DataSize == 0 {
		bench.DataSize = cfg.Benchmark.DataSize
	}
	if bench.Concurrency == 0 {
		bench.Concurrency = cfg.Benchmark.Concurrency
	}

	logger, err := newLogger(cfg.Global)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	a, err := adapter.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Stop(context.Background())
	if err := a.Start(ctx); err != nil {
		return err
	}

	res, err := a.Manager().RunBenchmark(ctx, bench)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
