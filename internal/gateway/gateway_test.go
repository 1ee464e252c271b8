package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketlens/dataplane/internal/analytics"
	"github.com/marketlens/dataplane/internal/config"
	"github.com/marketlens/dataplane/internal/metrics"
	"github.com/marketlens/dataplane/internal/model"
	"github.com/marketlens/dataplane/internal/monitor"
)

type fakeStore struct {
	latest    map[string]*model.Observation
	history   map[string][]model.Observation
	incidents []model.Incident
	report    *model.CycleReport
}

func (f *fakeStore) GetLatest(_ context.Context, s *config.SeriesSpec) (*model.Observation, error) {
	return f.latest[s.Key], nil
}

func (f *fakeStore) GetRange(_ context.Context, s *config.SeriesSpec, from, to time.Time) ([]model.Observation, error) {
	var out []model.Observation
	for _, o := range f.history[s.Key] {
		if !o.Timestamp.Before(from) && !o.Timestamp.After(to) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeStore) Recent(_ context.Context, s *config.SeriesSpec, limit int) ([]model.Observation, error) {
	all := f.history[s.Key]
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func (f *fakeStore) Incidents(context.Context, time.Time, int) ([]model.Incident, error) {
	return f.incidents, nil
}

func (f *fakeStore) LastCycleReport(context.Context) (*model.CycleReport, bool) {
	return f.report, f.report != nil
}

type fakeFetcher struct {
	preloaded bool
	fetched   []string
	result    *model.Observation
	err       error
}

func (f *fakeFetcher) FetchNow(_ context.Context, key string) (*model.Observation, error) {
	f.fetched = append(f.fetched, key)
	return f.result, f.err
}

func (f *fakeFetcher) Preloaded() bool { return f.preloaded }

type fakeAnalytics struct {
	snap      *analytics.CorrelationSnapshot
	narrative *analytics.Narrative
	estimate  *analytics.RecessionEstimate
	err       error
}

func (f *fakeAnalytics) Correlations(context.Context, string) (*analytics.CorrelationSnapshot, error) {
	return f.snap, f.err
}

func (f *fakeAnalytics) Narrative(context.Context) (*analytics.Narrative, error) {
	return f.narrative, f.err
}

func (f *fakeAnalytics) RecessionProbability(context.Context) (*analytics.RecessionEstimate, error) {
	return f.estimate, f.err
}

type fakeHealth struct{ snap monitor.Snapshot }

func (f *fakeHealth) Snapshot() monitor.Snapshot { return f.snap }

func gatewayConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(`
sources:
  - id: retail_quote
series:
  - key: SPY
    category: index
    adapters: [retail_quote]
    max_staleness: 30m
  - key: UNRATE
    category: economic
    adapters: [retail_quote]
`))
	require.NoError(t, err)
	return cfg
}

type testGateway struct {
	server    *Server
	store     *fakeStore
	fetcher   *fakeFetcher
	analytics *fakeAnalytics
	health    *fakeHealth
	metrics   *metrics.Registry
}

func newTestGateway(t *testing.T, cfg *config.Config) *testGateway {
	t.Helper()
	if cfg == nil {
		cfg = gatewayConfig(t)
	}
	g := &testGateway{
		store:     &fakeStore{latest: map[string]*model.Observation{}, history: map[string][]model.Observation{}},
		fetcher:   &fakeFetcher{preloaded: true},
		analytics: &fakeAnalytics{},
		health:    &fakeHealth{snap: monitor.Snapshot{Coverage: 1.0}},
		metrics:   metrics.NewRegistry(),
	}
	g.server = NewServer(cfg, g.store, g.fetcher, g.analytics, g.health, g.metrics)
	return g
}

func (g *testGateway) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	g.server.Router().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
}

func TestQuoteHappyPath(t *testing.T) {
	g := newTestGateway(t, nil)
	ts := time.Now().UTC().Add(-time.Minute)
	pct := 1.48
	g.store.latest["SPY"] = &model.Observation{
		SeriesKey: "SPY",
		Timestamp: ts,
		Value:     668.81,
		ChangePct: &pct,
		SourceID:  "retail_quote",
	}

	rec := g.get(t, "/api/market/quote/SPY")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var body quoteResponse
	decode(t, rec, &body)
	assert.Equal(t, "SPY", body.SeriesKey)
	require.NotNil(t, body.Value)
	assert.Equal(t, 668.81, *body.Value)
	require.NotNil(t, body.ChangePct)
	assert.Equal(t, 1.48, *body.ChangePct)
	assert.False(t, body.Stale)
	assert.False(t, body.Missing)
	assert.Empty(t, g.fetcher.fetched, "fresh data must not trigger an on-demand fetch")
}

func TestQuoteMissingIsStructured(t *testing.T) {
	g := newTestGateway(t, nil)

	rec := g.get(t, "/api/market/quote/SPY")
	require.Equal(t, http.StatusOK, rec.Code)

	var body quoteResponse
	decode(t, rec, &body)
	assert.True(t, body.Missing)
	assert.Equal(t, "UNAVAILABLE", body.Error)
	assert.Nil(t, body.Value)
	assert.Equal(t, []string{"SPY"}, g.fetcher.fetched)
	assert.Equal(t, 1.0, testutil.ToFloat64(g.metrics.MissingServes))
}

func TestQuoteStaleTriggersFetchNow(t *testing.T) {
	g := newTestGateway(t, nil)
	old := time.Now().UTC().Add(-2 * time.Hour)
	g.store.latest["SPY"] = &model.Observation{SeriesKey: "SPY", Timestamp: old, Value: 660.0}
	g.fetcher.result = &model.Observation{
		SeriesKey: "SPY",
		Timestamp: time.Now().UTC().Add(-time.Minute),
		Value:     668.81,
	}

	rec := g.get(t, "/api/market/quote/SPY")
	require.Equal(t, http.StatusOK, rec.Code)

	var body quoteResponse
	decode(t, rec, &body)
	require.NotNil(t, body.Value)
	assert.Equal(t, 668.81, *body.Value)
	assert.False(t, body.Stale)
	assert.Equal(t, []string{"SPY"}, g.fetcher.fetched)
}

func TestQuoteStaleServedWhenRefreshFails(t *testing.T) {
	g := newTestGateway(t, nil)
	old := time.Now().UTC().Add(-2 * time.Hour)
	g.store.latest["SPY"] = &model.Observation{SeriesKey: "SPY", Timestamp: old, Value: 660.0}
	g.fetcher.err = context.DeadlineExceeded

	rec := g.get(t, "/api/market/quote/SPY")
	require.Equal(t, http.StatusOK, rec.Code)

	var body quoteResponse
	decode(t, rec, &body)
	require.NotNil(t, body.Value)
	assert.Equal(t, 660.0, *body.Value)
	assert.True(t, body.Stale)
}

func TestQuoteUnknownSeries(t *testing.T) {
	g := newTestGateway(t, nil)
	rec := g.get(t, "/api/market/quote/NOPE")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPreloadGate(t *testing.T) {
	g := newTestGateway(t, nil)
	g.fetcher.preloaded = false

	rec := g.get(t, "/api/market/quote/SPY")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body map[string]string
	decode(t, rec, &body)
	assert.Equal(t, "initial preload in progress", body["error"])

	// Health stays reachable during preload.
	rec = g.get(t, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthBody(t *testing.T) {
	g := newTestGateway(t, nil)
	g.health.snap = monitor.Snapshot{Coverage: 0.95}
	g.store.report = &model.CycleReport{
		Start:       time.Now().Add(-time.Minute),
		End:         time.Now(),
		SuccessRate: 0.92,
		CriticalOK:  true,
	}

	rec := g.get(t, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	decode(t, rec, &body)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, 0.95, body["coverage_pct"])
	cycle, ok := body["cycle_last"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 0.92, cycle["success_rate"])
}

func TestHealthDegradedOnLowCoverage(t *testing.T) {
	g := newTestGateway(t, nil)
	g.health.snap = monitor.Snapshot{Coverage: 0.4}

	rec := g.get(t, "/health")
	var body map[string]interface{}
	decode(t, rec, &body)
	assert.Equal(t, "degraded", body["status"])
}

func TestEconomicSeriesLimits(t *testing.T) {
	g := newTestGateway(t, nil)
	g.store.history["UNRATE"] = []model.Observation{
		{SeriesKey: "UNRATE", Timestamp: time.Now().Add(-48 * time.Hour), Value: 4.1},
		{SeriesKey: "UNRATE", Timestamp: time.Now().Add(-24 * time.Hour), Value: 4.2},
	}

	rec := g.get(t, "/api/economic/series/UNRATE?limit=1")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Observations []model.Observation `json:"observations"`
	}
	decode(t, rec, &body)
	assert.Len(t, body.Observations, 1)

	for _, bad := range []string{"0", "-5", "1001", "abc"} {
		rec = g.get(t, "/api/economic/series/UNRATE?limit="+bad)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "limit=%s", bad)
	}
}

func TestSymbolRangeValidation(t *testing.T) {
	g := newTestGateway(t, nil)

	rec := g.get(t, "/api/market/symbol/SPY?range=5d")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = g.get(t, "/api/market/symbol/SPY?range=banana")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCorrelationsInsufficientData(t *testing.T) {
	g := newTestGateway(t, nil)
	g.analytics.err = &analytics.InsufficientDataError{Missing: []string{"BTC"}}

	rec := g.get(t, "/api/analytics/correlations")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Error   string   `json:"error"`
		Missing []string `json:"missing"`
	}
	decode(t, rec, &body)
	assert.Equal(t, "INSUFFICIENT_DATA", body.Error)
	assert.Equal(t, []string{"BTC"}, body.Missing)
}

func TestRecessionEndpoint(t *testing.T) {
	g := newTestGateway(t, nil)
	g.analytics.estimate = &analytics.RecessionEstimate{
		Spread10y3m: 0.31,
		Probability: 0.35,
		RiskLevel:   analytics.RiskElevated,
		ComputedAt:  time.Now().UTC(),
	}

	rec := g.get(t, "/api/recession-probability")
	require.Equal(t, http.StatusOK, rec.Code)

	var body analytics.RecessionEstimate
	decode(t, rec, &body)
	assert.Equal(t, 0.35, body.Probability)
	assert.Equal(t, analytics.RiskElevated, body.RiskLevel)
}

func TestIncidentsSinceValidation(t *testing.T) {
	g := newTestGateway(t, nil)
	g.store.incidents = []model.Incident{
		model.NewIncident(model.IncidentFetchFail, "SPY", "retail_quote", "HTTP 429"),
	}

	rec := g.get(t, "/api/system/incidents")
	require.Equal(t, http.StatusOK, rec.Code)
	var incidents []model.Incident
	decode(t, rec, &incidents)
	assert.Len(t, incidents, 1)

	rec = g.get(t, "/api/system/incidents?since=yesterday")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = g.get(t, "/api/system/incidents?since="+time.Now().UTC().Format(time.RFC3339))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBypassStampsEveryDataResponse(t *testing.T) {
	cfg := gatewayConfig(t)
	cfg.SkipValidation = true
	g := newTestGateway(t, cfg)

	// The latest observation predates the bypass, so its own flags are clean.
	g.store.latest["SPY"] = &model.Observation{
		SeriesKey: "SPY",
		Timestamp: time.Now().UTC().Add(-time.Minute),
		Value:     668.81,
	}
	g.store.history["UNRATE"] = []model.Observation{
		{SeriesKey: "UNRATE", Timestamp: time.Now().Add(-24 * time.Hour), Value: 4.2},
	}
	g.analytics.estimate = &analytics.RecessionEstimate{
		Spread10y3m: 0.31,
		Probability: 0.35,
		RiskLevel:   analytics.RiskElevated,
		ComputedAt:  time.Now().UTC(),
	}

	var quote quoteResponse
	rec := g.get(t, "/api/market/quote/SPY")
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &quote)
	assert.True(t, quote.Degraded)

	for _, path := range []string{
		"/api/economic/series/UNRATE",
		"/api/market/symbol/SPY?range=1d",
		"/api/recession-probability",
	} {
		rec = g.get(t, path)
		require.Equal(t, http.StatusOK, rec.Code, path)
		var body map[string]interface{}
		decode(t, rec, &body)
		assert.Equal(t, true, body["degraded"], path)
	}
}

func TestNoDegradedFieldWithoutBypass(t *testing.T) {
	g := newTestGateway(t, nil)
	g.store.history["UNRATE"] = []model.Observation{
		{SeriesKey: "UNRATE", Timestamp: time.Now().Add(-24 * time.Hour), Value: 4.2},
	}

	rec := g.get(t, "/api/economic/series/UNRATE")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	decode(t, rec, &body)
	_, present := body["degraded"]
	assert.False(t, present)
}

func TestRateLimitRefusesBurst(t *testing.T) {
	cfg := gatewayConfig(t)
	cfg.Gateway.RateLimitRPM = 60
	cfg.Gateway.RateBurst = 2
	g := newTestGateway(t, cfg)

	codes := map[int]int{}
	for i := 0; i < 5; i++ {
		rec := g.get(t, "/health")
		codes[rec.Code]++
	}
	assert.Equal(t, 2, codes[http.StatusOK])
	assert.Equal(t, 3, codes[http.StatusTooManyRequests])
}

func TestMetricsExemptFromRateLimit(t *testing.T) {
	cfg := gatewayConfig(t)
	cfg.Gateway.RateLimitRPM = 60
	cfg.Gateway.RateBurst = 1
	g := newTestGateway(t, cfg)

	for i := 0; i < 3; i++ {
		rec := g.get(t, "/metrics")
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestCORSAllowsLocalhost(t *testing.T) {
	g := newTestGateway(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	g.server.Router().ServeHTTP(rec, req)

	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestNotFoundIsJSON(t *testing.T) {
	g := newTestGateway(t, nil)
	rec := g.get(t, "/nope")
	require.Equal(t, http.StatusNotFound, rec.Code)
	var body map[string]string
	decode(t, rec, &body)
	assert.Equal(t, "not found", body["error"])
}
