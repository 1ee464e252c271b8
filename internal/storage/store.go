package storage

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/marketlens/dataplane/internal/config"
	"github.com/marketlens/dataplane/internal/model"
)

// cycleHistory is how many cycle reports are kept in memory.
const cycleHistory = 24

// Store coordinates the hot cache and the durable time-series store behind
// one narrow interface. The scheduler is the only writer; the gateway and
// monitor read.
type Store struct {
	cfg     *config.Config
	hot     *HotStore
	durable *DurableStore

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	reportMu sync.RWMutex
	reports  []model.CycleReport
}

// NewStore wires the two tiers together and primes series metadata.
func NewStore(cfg *config.Config, hot *HotStore, durable *DurableStore) *Store {
	s := &Store{
		cfg:     cfg,
		hot:     hot,
		durable: durable,
		locks:   make(map[string]*sync.Mutex),
	}
	ctx := context.Background()
	for i := range cfg.Series {
		srs := &cfg.Series[i]
		hot.SetSeriesMeta(ctx, SeriesMeta{
			Key:      srs.Key,
			Name:     srs.Name,
			Unit:     srs.Unit,
			Category: string(srs.Category),
		})
	}
	return s
}

// Hot exposes the hot tier for components that cache derived artifacts.
func (s *Store) Hot() *HotStore { return s.hot }

func (s *Store) seriesLock(key string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	mu, ok := s.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[key] = mu
	}
	return mu
}

// Write persists one accepted observation: durable first, then the hot
// latest pointer iff the timestamp is strictly newer and the observation is
// not stale. Duplicate rows are kept as-is and reported softly. A failed
// durable write is retried once.
func (s *Store) Write(ctx context.Context, series *config.SeriesSpec, obs *model.Observation) (duplicate bool, err error) {
	mu := s.seriesLock(series.Key)
	mu.Lock()
	defer mu.Unlock()

	duplicate, err = s.durable.Insert(ctx, series.Category, obs)
	if err != nil {
		log.Warn().Err(err).Str("series", series.Key).Msg("Durable write failed, retrying once")
		duplicate, err = s.durable.Insert(ctx, series.Category, obs)
		if err != nil {
			return false, err
		}
	}
	if duplicate {
		obs.Flags |= model.FlagDuplicate
	}

	if !obs.Flags.Has(model.FlagStale) {
		s.hot.SetLatest(ctx, obs, series.RefreshPeriod.Std())
	}
	return duplicate, nil
}

// GetLatest serves the newest observation for a series, hot tier first. On
// a hot miss the durable tier's newest row backfills the hot key.
func (s *Store) GetLatest(ctx context.Context, series *config.SeriesSpec) (*model.Observation, error) {
	if obs, ok := s.hot.Latest(ctx, series.Key); ok {
		return obs, nil
	}

	obs, err := s.durable.LatestRow(ctx, series.Category, series.Key)
	if err != nil {
		return nil, err
	}
	if obs == nil {
		return nil, nil
	}
	s.hot.SetLatest(ctx, obs, series.RefreshPeriod.Std())
	return obs, nil
}

// GetRange returns observations within [from, to], oldest first.
func (s *Store) GetRange(ctx context.Context, series *config.SeriesSpec, from, to time.Time) ([]model.Observation, error) {
	return s.durable.Range(ctx, series.Category, series.Key, from, to)
}

// Recent returns the newest limit observations, newest first.
func (s *Store) Recent(ctx context.Context, series *config.SeriesSpec, limit int) ([]model.Observation, error) {
	return s.durable.Recent(ctx, series.Category, series.Key, limit)
}

// RecordIncident appends an incident row. Incident persistence is
// best-effort: a failure is logged, never propagated into the fetch path.
func (s *Store) RecordIncident(ctx context.Context, inc model.Incident) {
	if err := s.durable.InsertIncident(ctx, &inc); err != nil {
		log.Error().Err(err).Str("kind", string(inc.Kind)).Str("scope", inc.Scope()).
			Msg("Failed to persist incident")
		return
	}
	log.Debug().Str("kind", string(inc.Kind)).Str("scope", inc.Scope()).
		Str("detail", inc.Detail).Msg("Incident recorded")
}

// Incidents lists incidents detected at or after since.
func (s *Store) Incidents(ctx context.Context, since time.Time, limit int) ([]model.Incident, error) {
	return s.durable.IncidentsSince(ctx, since, limit)
}

// ResolveIncident stamps resolved_at on the given incident.
func (s *Store) ResolveIncident(ctx context.Context, incidentID string) error {
	return s.durable.ResolveIncident(ctx, incidentID, time.Now().UTC())
}

// OpenEscalation returns the open escalation incident, if any.
func (s *Store) OpenEscalation(ctx context.Context) (*model.Incident, error) {
	return s.durable.OpenEscalation(ctx)
}

// SaveCycleReport records a finished cycle in memory and at cycle:last.
func (s *Store) SaveCycleReport(ctx context.Context, report *model.CycleReport) {
	s.reportMu.Lock()
	s.reports = append(s.reports, *report)
	if len(s.reports) > cycleHistory {
		s.reports = s.reports[len(s.reports)-cycleHistory:]
	}
	s.reportMu.Unlock()

	s.hot.SetCycleReport(ctx, report)
}

// LastCycleReport returns the most recent cycle report, preferring the
// in-memory copy over the hot key.
func (s *Store) LastCycleReport(ctx context.Context) (*model.CycleReport, bool) {
	s.reportMu.RLock()
	if n := len(s.reports); n > 0 {
		report := s.reports[n-1]
		s.reportMu.RUnlock()
		return &report, true
	}
	s.reportMu.RUnlock()
	return s.hot.CycleReport(ctx)
}

// CycleReports returns the retained report history, oldest first.
func (s *Store) CycleReports() []model.CycleReport {
	s.reportMu.RLock()
	defer s.reportMu.RUnlock()
	out := make([]model.CycleReport, len(s.reports))
	copy(out, s.reports)
	return out
}
