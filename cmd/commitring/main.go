package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aradilov/commitring/pipeline"
)

const (
	version   = "0.1.0"
	envPrefix = "COMMITRING"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "commitring",
		Short: "Batch MPSC ring queue workload driver",
		Long: `commitring drives a lock-free batch MPSC queue: many producers reserve,
fill and commit batches of events out of order while one consumer processes them
in sequence order until it reads the stop sentinel.`,
		Version:      version,
		SilenceUsage: true,
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.AddCommand(newRunCmd())
	return rootCmd
}

func newRunCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run producers and the consumer until every producer passed the sequence limit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), v)
		},
	}
	bindRunFlags(cmd, v)

	return cmd
}

// bindRunFlags registers the run flags and binds them, and COMMITRING_* env vars, to v.
func bindRunFlags(cmd *cobra.Command, v *viper.Viper) {
	defaults := pipeline.DefaultConfig()
	flags := cmd.Flags()
	flags.String("config", "", "Path to configuration file")
	flags.Uint("capacity-exp", defaults.CapacityExp, "Queue capacity exponent, capacity is 1<<exp")
	flags.Int("producers", defaults.Producers, "Number of producer goroutines")
	flags.Int64("limit", defaults.SequenceLimit, "Producers stop after reserving a sequence number at or above it")
	flags.Int("max-batch", defaults.MaxBatch, "Producer i reserves i%max-batch+1 slots at a time")
	flags.Duration("process-timeout", defaults.ProcessTimeout, "Timeout for processing one event, 0 disables it")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")

	bindings := map[string]string{
		"config":          "config",
		"capacity_exp":    "capacity-exp",
		"producers":       "producers",
		"sequence_limit":  "limit",
		"max_batch":       "max-batch",
		"process_timeout": "process-timeout",
		"log_level":       "log-level",
		"metrics_addr":    "metrics-addr",
	}
	for key, flag := range bindings {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
}

// loadConfig merges the config file, COMMITRING_* env vars and flags into a pipeline config.
func loadConfig(v *viper.Viper) (pipeline.Config, error) {
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return pipeline.Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := pipeline.DefaultConfig()
	if err := v.Unmarshal(&cfg); err != nil {
		return pipeline.Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return pipeline.Config{}, err
	}
	return cfg, nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

func run(ctx context.Context, v *viper.Viper) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}

	logger, err := newLogger(v.GetString("log_level"))
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	if addr := v.GetString("metrics_addr"); addr != "" {
		srv := serveMetrics(addr, reg, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	p, err := pipeline.New(cfg, logger, reg)
	if err != nil {
		return err
	}

	start := time.Now()
	summary, err := p.RunDemo(ctx)
	if err != nil {
		return fmt.Errorf("run workload: %w", err)
	}

	elapsed := time.Since(start)
	logger.Info("Workload finished",
		zap.Int64("processed", summary.Processed),
		zap.Int64("failed", summary.Failed),
		zap.Duration("elapsed", elapsed),
		zap.Any("queue_stats", p.Queue().Stats()),
	)
	fmt.Printf("Total events processed: %d\n", summary.Processed)

	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("Serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	return srv
}
