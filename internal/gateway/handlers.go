package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/marketlens/dataplane/internal/analytics"
	"github.com/marketlens/dataplane/internal/config"
	"github.com/marketlens/dataplane/internal/model"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to encode response")
	}
}

// quoteResponse is the shape of /api/market/quote. Value is a pointer so a
// missing datum serializes as an explicit null, never a substituted number.
type quoteResponse struct {
	SeriesKey   string     `json:"series_key"`
	Timestamp   *time.Time `json:"timestamp,omitempty"`
	Value       *float64   `json:"value,omitempty"`
	ChangeAbs   *float64   `json:"change_abs,omitempty"`
	ChangePct   *float64   `json:"change_pct,omitempty"`
	ChangePct5d *float64   `json:"change_pct_5d,omitempty"`
	Unit        string     `json:"unit,omitempty"`
	SourceID    string     `json:"source_id,omitempty"`
	Stale       bool       `json:"stale"`
	Degraded    bool       `json:"degraded,omitempty"`
	Error       string     `json:"error,omitempty"`
	Missing     bool       `json:"missing,omitempty"`
}

// degradedNow reports whether the validation bypass is active. Every data
// response served in that state must disclose it, independent of any one
// observation's flags.
func (s *Server) degradedNow() bool { return s.cfg.SkipValidation }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.health.Snapshot()

	status := "ok"
	if !s.fetcher.Preloaded() {
		status = "preloading"
	} else if snap.Coverage < s.cfg.Monitor.CoverageThreshold {
		status = "degraded"
	}

	body := map[string]interface{}{
		"status":       status,
		"uptime_s":     int(time.Since(s.started).Seconds()),
		"coverage_pct": snap.Coverage,
	}
	if report, ok := s.store.LastCycleReport(r.Context()); ok {
		if !report.Healthy(s.cfg.Refresh.SuccessThreshold) && status == "ok" {
			body["status"] = "degraded"
		}
		body["cycle_last"] = map[string]interface{}{
			"start":        report.Start,
			"end":          report.End,
			"success_rate": report.SuccessRate,
			"critical_ok":  report.CriticalOK,
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["series_key"]
	series, ok := s.cfg.SeriesByKey(key)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown series", "series_key": key})
		return
	}

	obs, err := s.store.GetLatest(r.Context(), series)
	if err != nil {
		log.Error().Err(err).Str("series", key).Msg("Latest read failed")
	}

	stale := obs == nil || time.Since(obs.Timestamp) > series.MaxStaleness.Std()
	if stale {
		if fresh, ferr := s.fetcher.FetchNow(r.Context(), key); ferr == nil && fresh != nil {
			obs = fresh
			stale = time.Since(obs.Timestamp) > series.MaxStaleness.Std()
		}
	}

	if obs == nil {
		s.metrics.RecordCacheMiss("latest")
		s.metrics.MissingServes.Inc()
		writeJSON(w, http.StatusOK, quoteResponse{
			SeriesKey: key,
			Error:     "UNAVAILABLE",
			Missing:   true,
			Degraded:  s.degradedNow(),
		})
		return
	}
	s.metrics.RecordCacheHit("latest")

	resp := quoteResponse{
		SeriesKey:   key,
		Timestamp:   &obs.Timestamp,
		Value:       &obs.Value,
		ChangeAbs:   obs.ChangeAbs,
		ChangePct:   obs.ChangePct,
		ChangePct5d: s.changePct5d(r, series, obs),
		Unit:        obs.Unit,
		SourceID:    obs.SourceID,
		Stale:       stale,
		Degraded:    obs.Flags.Has(model.FlagBypass) || s.degradedNow(),
	}
	writeJSON(w, http.StatusOK, resp)
}

// changePct5d derives the five-day move from stored history. Best effort:
// nil when the anchor point does not exist.
func (s *Server) changePct5d(r *http.Request, series *config.SeriesSpec, latest *model.Observation) *float64 {
	from := latest.Timestamp.Add(-6 * 24 * time.Hour)
	to := latest.Timestamp.Add(-4 * 24 * time.Hour)
	window, err := s.store.GetRange(r.Context(), series, from, to)
	if err != nil || len(window) == 0 {
		return nil
	}
	anchor := window[len(window)-1].Value
	if anchor == 0 {
		return nil
	}
	pct := (latest.Value - anchor) / anchor * 100
	return &pct
}

func (s *Server) handleSymbol(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["series_key"]
	series, ok := s.cfg.SeriesByKey(key)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown series", "series_key": key})
		return
	}

	rangeParam := r.URL.Query().Get("range")
	if rangeParam == "" {
		rangeParam = "1d"
	}
	span, err := analytics.ParseWindow(rangeParam)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid range parameter"})
		return
	}

	now := time.Now().UTC()
	observations, err := s.store.GetRange(r.Context(), series, now.Add(-span), now)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "storage unavailable"})
		return
	}
	if observations == nil {
		observations = []model.Observation{}
	}
	body := map[string]interface{}{
		"series_key":   key,
		"range":        rangeParam,
		"interval":     r.URL.Query().Get("interval"),
		"observations": observations,
	}
	if s.degradedNow() {
		body["degraded"] = true
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleEconomicSeries(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["series_key"]
	series, ok := s.cfg.SeriesByKey(key)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown series", "series_key": key})
		return
	}

	limit := 12
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit parameter"})
			return
		}
		limit = n
	}

	observations, err := s.store.Recent(r.Context(), series, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "storage unavailable"})
		return
	}
	if observations == nil {
		observations = []model.Observation{}
	}
	body := map[string]interface{}{
		"series_key":   key,
		"observations": observations,
	}
	if s.degradedNow() {
		body["degraded"] = true
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleCorrelations(w http.ResponseWriter, r *http.Request) {
	window := r.URL.Query().Get("window")
	if window == "" {
		window = "60d"
	}
	snap, err := s.analytics.Correlations(r.Context(), window)
	if err != nil {
		s.writeAnalyticsError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		*analytics.CorrelationSnapshot
		Degraded bool `json:"degraded,omitempty"`
	}{snap, s.degradedNow()})
}

func (s *Server) handleNarrative(w http.ResponseWriter, r *http.Request) {
	narrative, err := s.analytics.Narrative(r.Context())
	if err != nil {
		s.writeAnalyticsError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		*analytics.Narrative
		Degraded bool `json:"degraded,omitempty"`
	}{narrative, s.degradedNow()})
}

func (s *Server) handleRecession(w http.ResponseWriter, r *http.Request) {
	estimate, err := s.analytics.RecessionProbability(r.Context())
	if err != nil {
		s.writeAnalyticsError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		*analytics.RecessionEstimate
		Degraded bool `json:"degraded,omitempty"`
	}{estimate, s.degradedNow()})
}

// writeAnalyticsError distinguishes a data gap (a structured 200) from a
// malformed request.
func (s *Server) writeAnalyticsError(w http.ResponseWriter, err error) {
	var insufficient *analytics.InsufficientDataError
	if errors.As(err, &insufficient) {
		body := map[string]interface{}{
			"error":   "INSUFFICIENT_DATA",
			"missing": insufficient.Missing,
		}
		if s.degradedNow() {
			body["degraded"] = true
		}
		writeJSON(w, http.StatusOK, body)
		return
	}
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
}

func (s *Server) handleIncidents(w http.ResponseWriter, r *http.Request) {
	since := time.Now().Add(-24 * time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid since parameter, want RFC3339"})
			return
		}
		since = parsed
	}

	incidents, err := s.store.Incidents(r.Context(), since, 500)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "storage unavailable"})
		return
	}
	if incidents == nil {
		incidents = []model.Incident{}
	}
	writeJSON(w, http.StatusOK, incidents)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found", "path": r.URL.Path})
}
