package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/marketlens/dataplane/internal/adapters"
	"github.com/marketlens/dataplane/internal/analytics"
	"github.com/marketlens/dataplane/internal/config"
	"github.com/marketlens/dataplane/internal/gateway"
	"github.com/marketlens/dataplane/internal/metrics"
	"github.com/marketlens/dataplane/internal/monitor"
	"github.com/marketlens/dataplane/internal/ratelimit"
	"github.com/marketlens/dataplane/internal/scheduler"
	"github.com/marketlens/dataplane/internal/storage"
	"github.com/marketlens/dataplane/internal/validate"
)

// System is the fully wired data plane.
type System struct {
	Cfg       *config.Config
	Metrics   *metrics.Registry
	Store     *storage.Store
	Durable   *storage.DurableStore
	Scheduler *scheduler.Scheduler
	Monitor   *monitor.Monitor
	Analytics *analytics.Engine
	Gateway   *gateway.Server

	cron *cron.Cron
}

// Build constructs every component against the given config. The durable
// schema is created on the spot; a missing database is a hard startup error.
func Build(ctx context.Context, cfg *config.Config) (*System, error) {
	reg := metrics.NewRegistry()

	cache := storage.NewCache(cfg.Storage.RedisAddr)
	hot := storage.NewHotStore(cache, cfg.Storage.MinLatestTTL.Std())

	durable, err := storage.Open(cfg.Storage.DatabaseURL, cfg.Storage.PoolSize, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to open durable store: %w", err)
	}
	if err := durable.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to prepare schema: %w", err)
	}

	store := storage.NewStore(cfg, hot, durable)

	set, err := adapters.BuildAll(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build adapters: %w", err)
	}

	limits := ratelimit.New(cfg)
	validator := validate.New(cfg)
	sched := scheduler.New(cfg, set, limits, validator, store, reg)
	mon := monitor.New(cfg, store, reg)
	engine := analytics.NewEngine(cfg, store, hot)
	gw := gateway.NewServer(cfg, store, sched, engine, mon, reg)

	if validator.Bypass() {
		log.Warn().Msg("Validation bypass active, observations are only null-checked")
	}

	return &System{
		Cfg:       cfg,
		Metrics:   reg,
		Store:     store,
		Durable:   durable,
		Scheduler: sched,
		Monitor:   mon,
		Analytics: engine,
		Gateway:   gw,
	}, nil
}

// Run starts the workers, the periodic clocks, and the gateway, then blocks
// until ctx is canceled and everything has drained.
func (s *System) Run(ctx context.Context) error {
	s.Scheduler.Start(ctx)

	// Initial preload: one full cycle before the clocks take over. The
	// gateway serves 503 on data routes until this lands.
	go func() {
		report := s.Scheduler.RunCycle(ctx, "")
		log.Info().Float64("success_rate", report.SuccessRate).Msg("Initial preload finished")
	}()

	// A slow cycle must not stack tick invocations behind it; skipped ticks
	// are caught up by the next one since due times persist.
	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	// Cycle ticks run at the critical-retry granularity; per-series due
	// times keep idle ticks cheap.
	tick := s.Cfg.Scheduler.CriticalRetry.Std()
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", tick), func() {
		s.Scheduler.RunCycle(ctx, "")
	}); err != nil {
		return fmt.Errorf("failed to schedule refresh cycles: %w", err)
	}
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.Cfg.Monitor.Period.Std()), func() {
		s.Monitor.Tick(ctx)
	}); err != nil {
		return fmt.Errorf("failed to schedule monitor ticks: %w", err)
	}
	s.cron.Start()

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Gateway.Start()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("gateway failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Gateway.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Gateway shutdown was not clean")
	}
	<-s.cron.Stop().Done()
	s.Scheduler.Wait()
	if err := s.Durable.Close(); err != nil {
		log.Warn().Err(err).Msg("Durable store close failed")
	}
	log.Info().Msg("Data plane stopped")
	return nil
}
