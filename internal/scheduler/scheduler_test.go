package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketlens/dataplane/internal/adapters"
	"github.com/marketlens/dataplane/internal/config"
	"github.com/marketlens/dataplane/internal/metrics"
	"github.com/marketlens/dataplane/internal/model"
	"github.com/marketlens/dataplane/internal/ratelimit"
	"github.com/marketlens/dataplane/internal/storage"
	"github.com/marketlens/dataplane/internal/validate"
)

type stubAdapter struct {
	id    string
	fetch func() ([]model.Observation, error)
}

func (s *stubAdapter) SourceID() string { return s.id }

func (s *stubAdapter) Fetch(context.Context, *config.SeriesSpec, adapters.Hints) ([]model.Observation, error) {
	return s.fetch()
}

func quoteObservation(value float64) model.Observation {
	return model.Observation{
		SeriesKey: "SPY",
		Timestamp: time.Now().UTC().Add(-time.Minute),
		Value:     value,
		ChangePct: model.Float(1.48),
		SourceID:  "retail_quote",
		FetchTime: time.Now().UTC(),
	}
}

type fixture struct {
	cfg   *config.Config
	sched *Scheduler
	hot   *storage.HotStore
	mock  sqlmock.Sqlmock
}

func newFixture(t *testing.T, set map[string]adapters.Adapter) *fixture {
	t.Helper()
	cfg, err := config.Parse([]byte(`
refresh:
  cycle_budget: 5s
scheduler:
  workers: 2
  fetch_now_deadline: 2s
sources:
  - id: retail_quote
  - id: intraday_bars
series:
  - key: SPY
    category: index
    adapters: [retail_quote, intraday_bars]
    sanity_lo: 1
    critical: true
`))
	require.NoError(t, err)

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	mock.MatchExpectationsInOrder(false)

	hot := storage.NewHotStore(storage.NewMemoryCache(), 15*time.Minute)
	durable := storage.NewDurableStore(sqlx.NewDb(db, "postgres"), 5*time.Second)
	store := storage.NewStore(cfg, hot, durable)

	sched := New(cfg, set, ratelimit.New(cfg), validate.New(cfg), store, metrics.NewRegistry())
	return &fixture{cfg: cfg, sched: sched, hot: hot, mock: mock}
}

func (f *fixture) run(t *testing.T) *model.CycleReport {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	f.sched.Start(ctx)
	report := f.sched.RunCycle(ctx, "")
	cancel()
	f.sched.Wait()
	return report
}

func TestCycleHappyPath(t *testing.T) {
	f := newFixture(t, map[string]adapters.Adapter{
		"retail_quote": &stubAdapter{id: "retail_quote", fetch: func() ([]model.Observation, error) {
			return []model.Observation{quoteObservation(668.81)}, nil
		}},
		"intraday_bars": &stubAdapter{id: "intraday_bars", fetch: func() ([]model.Observation, error) {
			t.Error("fallback must not run when the primary succeeds")
			return nil, adapters.NewError(adapters.KindUpstreamEmpty, "intraday_bars", "SPY", nil)
		}},
	})
	f.mock.ExpectExec(`INSERT INTO observations_index`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	report := f.run(t)

	assert.Equal(t, model.AttemptOK, report.Results["SPY"])
	assert.Empty(t, report.Failed)
	assert.Equal(t, 1.0, report.SuccessRate)
	assert.True(t, report.CriticalOK)
	assert.True(t, f.sched.Preloaded())

	latest, ok := f.hot.Latest(context.Background(), "SPY")
	require.True(t, ok)
	assert.Equal(t, 668.81, latest.Value)
	assert.Equal(t, "retail_quote", latest.SourceID)
}

func TestCycleFallbackOnUpstreamRateLimit(t *testing.T) {
	f := newFixture(t, map[string]adapters.Adapter{
		"retail_quote": &stubAdapter{id: "retail_quote", fetch: func() ([]model.Observation, error) {
			return nil, adapters.NewError(adapters.KindRateLimited, "retail_quote", "SPY", nil)
		}},
		"intraday_bars": &stubAdapter{id: "intraday_bars", fetch: func() ([]model.Observation, error) {
			obs := quoteObservation(668.81)
			obs.SourceID = "intraday_bars"
			return []model.Observation{obs}, nil
		}},
	})
	// The active upstream refusal leaves a fetch incident behind.
	f.mock.ExpectExec(`INSERT INTO incidents`).
		WithArgs(sqlmock.AnyArg(), "SPY", "retail_quote", "FETCH_FAIL",
			sqlmock.AnyArg(), nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(`INSERT INTO observations_index`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	report := f.run(t)

	assert.Equal(t, model.AttemptFallbackOK, report.Results["SPY"])
	latest, ok := f.hot.Latest(context.Background(), "SPY")
	require.True(t, ok)
	assert.Equal(t, "intraday_bars", latest.SourceID)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestCycleValidatorRejectFallsBack(t *testing.T) {
	f := newFixture(t, map[string]adapters.Adapter{
		"retail_quote": &stubAdapter{id: "retail_quote", fetch: func() ([]model.Observation, error) {
			// Zero on a floor-1 series is a placeholder, not a price.
			return []model.Observation{quoteObservation(0)}, nil
		}},
		"intraday_bars": &stubAdapter{id: "intraday_bars", fetch: func() ([]model.Observation, error) {
			obs := quoteObservation(668.81)
			obs.SourceID = "intraday_bars"
			return []model.Observation{obs}, nil
		}},
	})
	f.mock.ExpectExec(`INSERT INTO incidents`).
		WithArgs(sqlmock.AnyArg(), "SPY", "retail_quote", "VALIDATION_FAIL",
			sqlmock.AnyArg(), nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(`INSERT INTO observations_index`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	report := f.run(t)

	assert.Equal(t, model.AttemptFallbackOK, report.Results["SPY"])
	latest, ok := f.hot.Latest(context.Background(), "SPY")
	require.True(t, ok)
	assert.Equal(t, 668.81, latest.Value)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestCycleAllAdaptersFail(t *testing.T) {
	empty := func() ([]model.Observation, error) {
		return nil, adapters.NewError(adapters.KindUpstreamEmpty, "x", "SPY", nil)
	}
	f := newFixture(t, map[string]adapters.Adapter{
		"retail_quote":  &stubAdapter{id: "retail_quote", fetch: empty},
		"intraday_bars": &stubAdapter{id: "intraday_bars", fetch: empty},
	})

	report := f.run(t)

	assert.Equal(t, model.AttemptFail, report.Results["SPY"])
	assert.Equal(t, []string{"SPY"}, report.Failed)
	assert.Equal(t, 0.0, report.SuccessRate)
	assert.False(t, report.CriticalOK)

	_, ok := f.hot.Latest(context.Background(), "SPY")
	assert.False(t, ok)
}

func TestCriticalFastRetrySchedule(t *testing.T) {
	f := newFixture(t, map[string]adapters.Adapter{})
	series, _ := f.cfg.SeriesByKey("SPY")

	// First failure keeps the regular cadence.
	f.sched.noteOutcome(series, model.AttemptFail)
	due := f.sched.nextDue["SPY"]
	assert.WithinDuration(t, time.Now().Add(series.RefreshPeriod.Std()), due, 5*time.Second)

	// Second consecutive failure on a critical series pulls the attempt in.
	f.sched.noteOutcome(series, model.AttemptFail)
	due = f.sched.nextDue["SPY"]
	assert.WithinDuration(t, time.Now().Add(60*time.Second), due, 5*time.Second)

	// Bounded number of fast attempts, then back to the refresh period.
	f.sched.noteOutcome(series, model.AttemptFail)
	f.sched.noteOutcome(series, model.AttemptFail)
	f.sched.noteOutcome(series, model.AttemptFail)
	due = f.sched.nextDue["SPY"]
	assert.WithinDuration(t, time.Now().Add(series.RefreshPeriod.Std()), due, 5*time.Second)

	// Success resets the streak.
	f.sched.noteOutcome(series, model.AttemptOK)
	assert.Zero(t, f.sched.failStreak["SPY"])
	assert.Zero(t, f.sched.fastAttempts["SPY"])
}

func TestOverlappingCyclesDoNotDoubleFetch(t *testing.T) {
	var calls atomic.Int32
	f := newFixture(t, map[string]adapters.Adapter{
		"retail_quote": &stubAdapter{id: "retail_quote", fetch: func() ([]model.Observation, error) {
			calls.Add(1)
			time.Sleep(150 * time.Millisecond)
			return []model.Observation{quoteObservation(668.81)}, nil
		}},
		"intraday_bars": &stubAdapter{id: "intraday_bars", fetch: func() ([]model.Observation, error) {
			return nil, adapters.NewError(adapters.KindUpstreamEmpty, "intraday_bars", "SPY", nil)
		}},
	})
	f.mock.ExpectExec(`INSERT INTO observations_index`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ctx, cancel := context.WithCancel(context.Background())
	f.sched.Start(ctx)

	// Second cycle starts while the first one's fetch is still in flight.
	// It must wait for the first to drain, by which time the series has a
	// fresh due time and nothing is re-enqueued.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		f.sched.RunCycle(ctx, "")
	}()
	time.Sleep(30 * time.Millisecond)
	go func() {
		defer wg.Done()
		f.sched.RunCycle(ctx, "")
	}()
	wg.Wait()
	cancel()
	f.sched.Wait()

	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchNowAccepted(t *testing.T) {
	f := newFixture(t, map[string]adapters.Adapter{
		"retail_quote": &stubAdapter{id: "retail_quote", fetch: func() ([]model.Observation, error) {
			return []model.Observation{quoteObservation(668.81)}, nil
		}},
		"intraday_bars": &stubAdapter{id: "intraday_bars", fetch: func() ([]model.Observation, error) {
			return nil, adapters.NewError(adapters.KindUpstreamEmpty, "intraday_bars", "SPY", nil)
		}},
	})
	f.mock.ExpectExec(`INSERT INTO observations_index`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ctx, cancel := context.WithCancel(context.Background())
	f.sched.Start(ctx)
	defer func() {
		cancel()
		f.sched.Wait()
	}()

	obs, err := f.sched.FetchNow(context.Background(), "SPY")
	require.NoError(t, err)
	assert.Equal(t, 668.81, obs.Value)
}

func TestFetchNowUnknownSeries(t *testing.T) {
	f := newFixture(t, map[string]adapters.Adapter{})
	_, err := f.sched.FetchNow(context.Background(), "NOPE")
	assert.Error(t, err)
}

func TestFetchNowBackpressure(t *testing.T) {
	f := newFixture(t, map[string]adapters.Adapter{})
	// No workers running; saturate the queue to the high-water mark.
	for i := 0; i < f.cfg.Scheduler.QueueHighWater; i++ {
		f.sched.tasks <- &task{}
	}

	_, err := f.sched.FetchNow(context.Background(), "SPY")
	assert.ErrorIs(t, err, ErrBusy)
}
