package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/marketlens/dataplane/internal/app"
	"github.com/marketlens/dataplane/internal/config"
	"github.com/marketlens/dataplane/internal/model"
)

const (
	appName = "dataplane"
	version = "v1.2.0"
)

var (
	configPath string
	debug      bool
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	// .env is optional; deployment env vars win either way.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Market intelligence data plane",
		Version: version,
		Long: `dataplane keeps a catalog of market and macro series fresh: it fetches from
configured upstream sources with fallback chains, validates every payload,
stores observations in a two-tier store, and serves them over a read-only
HTTP gateway.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if debug {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			} else {
				zerolog.SetGlobalLevel(zerolog.InfoLevel)
			}
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the config document")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the full data plane",
		Long:  "Start the scheduler, health monitor, and HTTP gateway; runs until SIGINT/SIGTERM.",
		RunE:  runServe,
	}

	cycleCmd := &cobra.Command{
		Use:   "cycle",
		Short: "Run one refresh cycle and exit",
		Long:  "Fetch every due series once, print the cycle report, and exit non-zero when the cycle is unhealthy.",
		RunE:  runCycle,
	}
	cycleCmd.Flags().String("category", "", "restrict the cycle to one category")

	validateCmd := &cobra.Command{
		Use:   "validate-config",
		Short: "Parse and validate the config document",
		RunE:  runValidateConfig,
	}

	rootCmd.AddCommand(serveCmd, cycleCmd, validateCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	system, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}

	log.Info().
		Str("version", version).
		Int("sources", len(cfg.Sources)).
		Int("series", len(cfg.Series)).
		Int("port", cfg.Gateway.Port).
		Msg("Data plane starting")
	return system.Run(ctx)
}

func runCycle(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	category, _ := cmd.Flags().GetString("category")
	filter := model.Category(category)
	if filter != "" && !filter.Valid() {
		return fmt.Errorf("unknown category %q", category)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	system, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	system.Scheduler.Start(runCtx)
	report := system.Scheduler.RunCycle(runCtx, filter)
	cancel()
	system.Scheduler.Wait()

	fmt.Printf("cycle %s -> %s\n", report.Start.Format(time.RFC3339), report.End.Format(time.RFC3339))
	fmt.Printf("  success rate: %.2f  critical_ok: %v  bypass: %v\n", report.SuccessRate, report.CriticalOK, report.Bypass)
	for key, result := range report.Results {
		fmt.Printf("  %-12s %s\n", key, result)
	}
	for _, key := range report.Failed {
		fmt.Printf("  FAILED: %s\n", key)
	}
	for _, key := range report.Incomplete {
		fmt.Printf("  INCOMPLETE: %s\n", key)
	}

	if !report.Healthy(cfg.Refresh.SuccessThreshold) {
		return fmt.Errorf("cycle unhealthy: success rate %.2f, critical_ok %v", report.SuccessRate, report.CriticalOK)
	}
	return nil
}

func runValidateConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	fmt.Printf("config OK: %d sources, %d series (%d critical)\n",
		len(cfg.Sources), len(cfg.Series), len(cfg.CriticalSeries()))
	return nil
}
