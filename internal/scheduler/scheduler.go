package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/marketlens/dataplane/internal/adapters"
	"github.com/marketlens/dataplane/internal/config"
	"github.com/marketlens/dataplane/internal/metrics"
	"github.com/marketlens/dataplane/internal/model"
	"github.com/marketlens/dataplane/internal/ratelimit"
	"github.com/marketlens/dataplane/internal/storage"
	"github.com/marketlens/dataplane/internal/validate"
)

// ErrBusy is returned by FetchNow when the task queue is saturated.
var ErrBusy = errors.New("scheduler busy: task queue above high-water mark")

// ErrUnavailable is returned by FetchNow when no adapter produced an
// accepted observation before the deadline.
var ErrUnavailable = errors.New("no adapter produced an accepted observation")

// Scheduler drives the refresh cycles and on-demand fetches. A bounded
// worker pool pulls series tasks from a FIFO queue; per-source budgets,
// concurrency caps, and circuit breakers live in the ratelimit package.
type Scheduler struct {
	cfg       *config.Config
	adapters  map[string]adapters.Adapter
	limits    *ratelimit.SourceLimits
	validator *validate.Validator
	store     *storage.Store
	metrics   *metrics.Registry

	tasks chan *task
	wg    sync.WaitGroup

	// cycleMu serializes RunCycle invocations: a cycle's writes must be
	// fully visible before the next cycle computes its due set.
	cycleMu sync.Mutex

	mu           sync.Mutex
	nextDue      map[string]time.Time
	failStreak   map[string]int
	fastAttempts map[string]int

	preloaded atomic.Bool
}

type task struct {
	ctx    context.Context
	series *config.SeriesSpec
	hints  adapters.Hints
	cycle  *cycleRun        // set for cycle tasks
	reply  chan *taskResult // set for fetch_now tasks
}

type taskResult struct {
	result model.AttemptResult
	latest *model.Observation
}

// New wires the scheduler. Start must be called before any cycle runs.
func New(cfg *config.Config, set map[string]adapters.Adapter, limits *ratelimit.SourceLimits,
	validator *validate.Validator, store *storage.Store, reg *metrics.Registry) *Scheduler {
	return &Scheduler{
		cfg:          cfg,
		adapters:     set,
		limits:       limits,
		validator:    validator,
		store:        store,
		metrics:      reg,
		tasks:        make(chan *task, cfg.Scheduler.QueueHighWater),
		nextDue:      make(map[string]time.Time, len(cfg.Series)),
		failStreak:   make(map[string]int),
		fastAttempts: make(map[string]int),
	}
}

// Start launches the worker pool. Workers exit when ctx is canceled.
func (s *Scheduler) Start(ctx context.Context) {
	for i := 0; i < s.cfg.Scheduler.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	log.Info().Int("workers", s.cfg.Scheduler.Workers).Msg("Scheduler workers started")
}

// Wait blocks until every worker has exited.
func (s *Scheduler) Wait() { s.wg.Wait() }

// Preloaded reports whether the initial refresh cycle has completed.
func (s *Scheduler) Preloaded() bool { return s.preloaded.Load() }

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-s.tasks:
			s.process(t)
		}
	}
}

func (s *Scheduler) process(t *task) {
	if t.cycle != nil {
		defer t.cycle.wg.Done()
		if t.ctx.Err() != nil {
			t.cycle.markIncomplete(t.series.Key)
			return
		}
		result, latest := s.fetchSeries(t.ctx, t.series, t.hints, t.cycle.start, t.cycle)
		if result == model.AttemptFail && t.ctx.Err() != nil {
			// The budget expired mid-chain; the series did not get a fair run.
			t.cycle.markIncomplete(t.series.Key)
			return
		}
		t.cycle.record(t.series.Key, result, latest)
		s.noteOutcome(t.series, result)
		return
	}

	result, latest := s.fetchSeries(t.ctx, t.series, t.hints, time.Now().UTC(), nil)
	select {
	case t.reply <- &taskResult{result: result, latest: latest}:
	case <-t.ctx.Done():
	}
}

// FetchNow performs a synchronous fetch for one series under a tight
// deadline. Per-source limits still apply; a saturated queue is refused
// outright so cycle work keeps draining.
func (s *Scheduler) FetchNow(ctx context.Context, seriesKey string) (*model.Observation, error) {
	series, ok := s.cfg.SeriesByKey(seriesKey)
	if !ok {
		return nil, errors.New("unknown series " + seriesKey)
	}
	if len(s.tasks) >= s.cfg.Scheduler.QueueHighWater {
		return nil, ErrBusy
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Scheduler.FetchNowDeadline.Std())
	defer cancel()

	t := &task{
		ctx:    ctx,
		series: series,
		reply:  make(chan *taskResult, 1),
	}
	select {
	case s.tasks <- t:
	default:
		return nil, ErrBusy
	}

	select {
	case res := <-t.reply:
		if res.latest == nil {
			return nil, ErrUnavailable
		}
		return res.latest, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// noteOutcome updates the per-series due time and the critical fast-retry
// state after a cycle attempt. Two consecutive failures on a critical series
// shorten the next attempt to min(refresh_period, critical_retry) for a
// bounded number of attempts.
func (s *Scheduler) noteOutcome(series *config.SeriesSpec, result model.AttemptResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	period := series.RefreshPeriod.Std()

	if result != model.AttemptFail {
		s.failStreak[series.Key] = 0
		s.fastAttempts[series.Key] = 0
		s.nextDue[series.Key] = now.Add(period)
		return
	}

	s.failStreak[series.Key]++
	if series.Critical && s.failStreak[series.Key] >= 2 &&
		s.fastAttempts[series.Key] < s.cfg.Scheduler.CriticalAttempts {
		retry := s.cfg.Scheduler.CriticalRetry.Std()
		if period < retry {
			retry = period
		}
		s.fastAttempts[series.Key]++
		s.nextDue[series.Key] = now.Add(retry)
		log.Warn().Str("series", series.Key).Int("streak", s.failStreak[series.Key]).
			Dur("retry_in", retry).Msg("Critical series failing, fast retry scheduled")
		return
	}
	s.nextDue[series.Key] = now.Add(period)
}

// dueSeries returns the series matching the filter whose next-due time has
// passed. A series never attempted is always due.
func (s *Scheduler) dueSeries(filter model.Category, now time.Time) []*config.SeriesSpec {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*config.SeriesSpec
	for i := range s.cfg.Series {
		series := &s.cfg.Series[i]
		if filter != "" && series.Category != filter {
			continue
		}
		if next, ok := s.nextDue[series.Key]; ok && now.Before(next) {
			continue
		}
		due = append(due, series)
	}
	return due
}
