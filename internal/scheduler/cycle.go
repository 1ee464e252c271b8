package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/marketlens/dataplane/internal/adapters"
	"github.com/marketlens/dataplane/internal/config"
	"github.com/marketlens/dataplane/internal/model"
)

// cycleRun accumulates per-series results for one RunCycle invocation.
type cycleRun struct {
	start time.Time
	wg    sync.WaitGroup

	mu         sync.Mutex
	results    map[string]model.AttemptResult
	incomplete []string
	duplicates int
}

func (c *cycleRun) record(key string, result model.AttemptResult, _ *model.Observation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[key] = result
}

func (c *cycleRun) markIncomplete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.incomplete = append(c.incomplete, key)
}

func (c *cycleRun) addDuplicate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.duplicates++
}

// RunCycle fetches every due series matching the filter (empty means all)
// under the configured cycle budget and returns the report. Adapter errors
// never escape; they become report entries and incidents.
func (s *Scheduler) RunCycle(ctx context.Context, filter model.Category) *model.CycleReport {
	// One cycle at a time. An overlapping caller blocks until the previous
	// cycle has drained, so its due-set never double-enqueues a series whose
	// attempt is still in flight.
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	start := time.Now().UTC()
	due := s.dueSeries(filter, start)

	cctx, cancel := context.WithTimeout(ctx, s.cfg.Refresh.CycleBudget.Std())
	defer cancel()

	run := &cycleRun{
		start:   start,
		results: make(map[string]model.AttemptResult, len(due)),
	}

	for _, series := range due {
		run.wg.Add(1)
		t := &task{ctx: cctx, series: series, cycle: run}
		select {
		case s.tasks <- t:
		case <-cctx.Done():
			run.markIncomplete(series.Key)
			run.wg.Done()
		}
	}
	run.wg.Wait()

	report := s.buildReport(run, due)
	s.store.SaveCycleReport(ctx, report)
	s.metrics.RecordCycle(report.End.Sub(report.Start), report.SuccessRate)
	s.preloaded.Store(true)

	log.Info().
		Int("due", len(due)).
		Int("failed", len(report.Failed)).
		Int("incomplete", len(report.Incomplete)).
		Float64("success_rate", report.SuccessRate).
		Bool("critical_ok", report.CriticalOK).
		Dur("elapsed", report.End.Sub(report.Start)).
		Msg("Refresh cycle finished")
	return report
}

func (s *Scheduler) buildReport(run *cycleRun, due []*config.SeriesSpec) *model.CycleReport {
	run.mu.Lock()
	defer run.mu.Unlock()

	report := &model.CycleReport{
		Start:      run.start,
		End:        time.Now().UTC(),
		Results:    run.results,
		Incomplete: run.incomplete,
		CriticalOK: true,
		Bypass:     s.validator.Bypass(),
		Duplicates: run.duplicates,
	}

	ok := 0
	for _, series := range due {
		result, done := run.results[series.Key]
		switch {
		case !done:
			if series.Critical {
				report.CriticalOK = false
			}
		case result == model.AttemptFail:
			report.Failed = append(report.Failed, series.Key)
			if series.Critical {
				report.CriticalOK = false
			}
		default:
			ok++
		}
	}
	sort.Strings(report.Failed)
	sort.Strings(report.Incomplete)
	if len(due) > 0 {
		report.SuccessRate = float64(ok) / float64(len(due))
	} else {
		report.SuccessRate = 1
	}
	return report
}

// fetchSeries walks the series' adapter chain in preference order and
// returns the cycle result plus the freshest accepted observation. The walk
// itself is the retry policy: skips and transient errors continue to the
// next source, nothing is attempted twice.
func (s *Scheduler) fetchSeries(ctx context.Context, series *config.SeriesSpec, hints adapters.Hints, cycleStart time.Time, run *cycleRun) (model.AttemptResult, *model.Observation) {
	fellBack := false
	for _, sourceID := range series.Adapters {
		if ctx.Err() != nil {
			break
		}
		adapter, ok := s.adapters[sourceID]
		if !ok {
			continue
		}
		source, _ := s.cfg.Source(sourceID)

		if !s.limits.Allow(sourceID) {
			log.Debug().Str("series", series.Key).Str("source", sourceID).
				Msg("Source budget exhausted, falling through")
			s.metrics.RecordFetchAttempt(sourceID, "skipped")
			fellBack = true
			continue
		}

		release, err := s.limits.Acquire(ctx, sourceID)
		if err != nil {
			break
		}

		attemptCtx, cancel := context.WithTimeout(ctx, source.Timeout.Std())
		observations, err := adapter.Fetch(attemptCtx, series, hints)
		cancel()
		release()
		s.limits.Observe(sourceID, err)

		if err != nil {
			kind := adapters.KindOf(err)
			s.metrics.RecordFetchAttempt(sourceID, string(kind))
			if !kind.Transient() {
				s.store.RecordIncident(ctx, model.NewIncident(
					model.IncidentFetchFail, series.Key, sourceID, err.Error()))
			}
			log.Debug().Err(err).Str("series", series.Key).Str("source", sourceID).
				Str("kind", string(kind)).Msg("Adapter attempt failed")
			fellBack = true
			continue
		}
		if len(observations) == 0 {
			s.metrics.RecordFetchAttempt(sourceID, string(adapters.KindUpstreamEmpty))
			fellBack = true
			continue
		}

		latest, accepted := s.acceptAndStore(ctx, series, observations, cycleStart, run)
		if accepted == 0 {
			fellBack = true
			continue
		}
		s.metrics.RecordFetchAttempt(sourceID, "ok")
		if fellBack {
			return model.AttemptFallbackOK, latest
		}
		return model.AttemptOK, latest
	}
	return model.AttemptFail, nil
}

// acceptAndStore validates each candidate and writes the survivors in
// timestamp order. Returns the freshest non-stale accepted observation.
func (s *Scheduler) acceptAndStore(ctx context.Context, series *config.SeriesSpec, observations []model.Observation, cycleStart time.Time, run *cycleRun) (*model.Observation, int) {
	sort.Slice(observations, func(i, j int) bool {
		return observations[i].Timestamp.Before(observations[j].Timestamp)
	})

	var latest *model.Observation
	accepted := 0
	for i := range observations {
		obs := &observations[i]
		if rej := s.validator.Check(obs, series, cycleStart); rej != nil {
			s.metrics.RecordValidationReject(string(rej.Reason))
			s.store.RecordIncident(ctx, model.NewIncident(
				model.IncidentValidationFail, series.Key, obs.SourceID,
				string(rej.Reason)+": "+rej.Detail))
			continue
		}
		duplicate, err := s.store.Write(ctx, series, obs)
		if err != nil {
			// Second storage failure for this row; the observation is
			// dropped rather than faked into the hot tier.
			s.store.RecordIncident(ctx, model.NewIncident(
				model.IncidentFetchFail, series.Key, obs.SourceID,
				"storage: "+err.Error()))
			continue
		}
		if duplicate && run != nil {
			run.addDuplicate()
		}
		accepted++
		if !obs.Flags.Has(model.FlagStale) {
			latest = obs
		}
	}
	return latest, accepted
}
