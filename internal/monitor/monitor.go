package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/marketlens/dataplane/internal/config"
	"github.com/marketlens/dataplane/internal/metrics"
	"github.com/marketlens/dataplane/internal/model"
)

// Store is the slice of the storage layer the monitor inspects and records
// incidents through.
type Store interface {
	GetLatest(ctx context.Context, series *config.SeriesSpec) (*model.Observation, error)
	RecordIncident(ctx context.Context, inc model.Incident)
	ResolveIncident(ctx context.Context, incidentID string) error
	OpenEscalation(ctx context.Context) (*model.Incident, error)
	Incidents(ctx context.Context, since time.Time, limit int) ([]model.Incident, error)
}

// SeriesState classifies one series' freshness at a monitor tick.
type SeriesState string

const (
	StateOK   SeriesState = "OK"
	StateWarn SeriesState = "WARN"
	StateFail SeriesState = "FAIL"
)

// Snapshot is the monitor's view of the data plane after one tick.
type Snapshot struct {
	CheckedAt  time.Time              `json:"checked_at"`
	States     map[string]SeriesState `json:"states"`
	ByCategory map[string]float64     `json:"by_category"`
	Coverage   float64                `json:"coverage"`
}

// Monitor inspects freshness and coverage on a fixed period, records
// incidents, and owns the escalation artifacts.
type Monitor struct {
	cfg     *config.Config
	store   Store
	metrics *metrics.Registry

	mu        sync.Mutex
	failTicks map[string]int
	wasFail   map[string]bool
	wasBelow  bool
	lastSnap  Snapshot
}

// New builds the monitor over the storage layer.
func New(cfg *config.Config, store Store, reg *metrics.Registry) *Monitor {
	return &Monitor{
		cfg:       cfg,
		store:     store,
		metrics:   reg,
		failTicks: make(map[string]int),
		wasFail:   make(map[string]bool),
	}
}

// Snapshot returns the most recent tick's view.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSnap
}

// Tick runs one inspection pass: classify every series, aggregate coverage,
// and drive the escalation state machine.
func (m *Monitor) Tick(ctx context.Context) Snapshot {
	now := time.Now().UTC()
	snap := Snapshot{
		CheckedAt:  now,
		States:     make(map[string]SeriesState, len(m.cfg.Series)),
		ByCategory: make(map[string]float64),
	}

	catTotal := make(map[string]int)
	catOK := make(map[string]int)
	covered := 0

	for i := range m.cfg.Series {
		series := &m.cfg.Series[i]
		state := m.classify(ctx, series, now)
		snap.States[series.Key] = state

		cat := string(series.Category)
		catTotal[cat]++
		if state != StateFail {
			covered++
			catOK[cat]++
		}
	}
	for cat, total := range catTotal {
		snap.ByCategory[cat] = float64(catOK[cat]) / float64(total)
	}
	if len(m.cfg.Series) > 0 {
		snap.Coverage = float64(covered) / float64(len(m.cfg.Series))
	} else {
		snap.Coverage = 1
	}
	m.metrics.CoveragePct.Set(snap.Coverage)

	m.mu.Lock()
	m.lastSnap = snap
	failing := m.updateStreaks(ctx, snap)
	m.mu.Unlock()

	m.noteCoverage(ctx, snap.Coverage)
	m.escalateOrResolve(ctx, snap, failing)
	m.updateOpenIncidents(ctx)
	return snap
}

// updateOpenIncidents refreshes the unresolved-incident gauge from the last
// day of incident history.
func (m *Monitor) updateOpenIncidents(ctx context.Context) {
	recent, err := m.store.Incidents(ctx, time.Now().Add(-24*time.Hour), 500)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to count open incidents")
		return
	}
	open := 0
	for i := range recent {
		if recent[i].Open() {
			open++
		}
	}
	m.metrics.OpenIncidents.Set(float64(open))
}

// classify buckets one series by the age of its latest observation.
func (m *Monitor) classify(ctx context.Context, series *config.SeriesSpec, now time.Time) SeriesState {
	obs, err := m.store.GetLatest(ctx, series)
	if err != nil || obs == nil {
		return StateFail
	}
	age := now.Sub(obs.Timestamp)
	switch {
	case age <= series.MaxStaleness.Std():
		return StateOK
	case age <= 2*series.MaxStaleness.Std():
		return StateWarn
	default:
		return StateFail
	}
}

// updateStreaks tracks consecutive FAIL ticks per series and records a STALE
// incident on each series' first transition to FAIL. Returns critical series
// failing for two or more consecutive ticks. Caller holds m.mu.
func (m *Monitor) updateStreaks(ctx context.Context, snap Snapshot) []string {
	var failing []string
	for i := range m.cfg.Series {
		series := &m.cfg.Series[i]
		if snap.States[series.Key] != StateFail {
			m.failTicks[series.Key] = 0
			m.wasFail[series.Key] = false
			continue
		}
		m.failTicks[series.Key]++
		if !m.wasFail[series.Key] {
			m.wasFail[series.Key] = true
			m.store.RecordIncident(ctx, model.NewIncident(
				model.IncidentStale, series.Key, "",
				"latest observation missing or beyond twice max staleness"))
		}
		if series.Critical && m.failTicks[series.Key] >= 2 {
			failing = append(failing, series.Key)
		}
	}
	return failing
}

// noteCoverage records one COVERAGE_DEGRADED incident per dip below the
// threshold.
func (m *Monitor) noteCoverage(ctx context.Context, coverage float64) {
	below := coverage < m.cfg.Monitor.CoverageThreshold
	m.mu.Lock()
	transition := below && !m.wasBelow
	m.wasBelow = below
	m.mu.Unlock()

	if transition {
		m.store.RecordIncident(ctx, model.NewIncident(
			model.IncidentCoverageDegraded, "", "",
			fmt.Sprintf("coverage %.2f below threshold %.2f", coverage, m.cfg.Monitor.CoverageThreshold)))
		log.Warn().Float64("coverage", coverage).
			Float64("threshold", m.cfg.Monitor.CoverageThreshold).
			Msg("Coverage degraded")
	}
}
