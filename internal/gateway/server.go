package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/marketlens/dataplane/internal/analytics"
	"github.com/marketlens/dataplane/internal/config"
	"github.com/marketlens/dataplane/internal/metrics"
	"github.com/marketlens/dataplane/internal/model"
	"github.com/marketlens/dataplane/internal/monitor"
)

// Store is the slice of the storage layer the gateway reads from.
type Store interface {
	GetLatest(ctx context.Context, series *config.SeriesSpec) (*model.Observation, error)
	GetRange(ctx context.Context, series *config.SeriesSpec, from, to time.Time) ([]model.Observation, error)
	Recent(ctx context.Context, series *config.SeriesSpec, limit int) ([]model.Observation, error)
	Incidents(ctx context.Context, since time.Time, limit int) ([]model.Incident, error)
	LastCycleReport(ctx context.Context) (*model.CycleReport, bool)
}

// Fetcher is the scheduler surface the gateway may call on a miss.
type Fetcher interface {
	FetchNow(ctx context.Context, seriesKey string) (*model.Observation, error)
	Preloaded() bool
}

// Analytics serves the derived read products.
type Analytics interface {
	Correlations(ctx context.Context, window string) (*analytics.CorrelationSnapshot, error)
	Narrative(ctx context.Context) (*analytics.Narrative, error)
	RecessionProbability(ctx context.Context) (*analytics.RecessionEstimate, error)
}

// Health exposes the monitor's last snapshot.
type Health interface {
	Snapshot() monitor.Snapshot
}

// Server is the read-only HTTP gateway. All writes happen in the scheduler;
// the gateway only triggers them indirectly through Fetcher.
type Server struct {
	cfg       *config.Config
	store     Store
	fetcher   Fetcher
	analytics Analytics
	health    Health
	metrics   *metrics.Registry

	router  *mux.Router
	server  *http.Server
	limiter *ipLimiter
	started time.Time
}

// NewServer wires the gateway routes and middleware.
func NewServer(cfg *config.Config, store Store, fetcher Fetcher, an Analytics, health Health, reg *metrics.Registry) *Server {
	s := &Server{
		cfg:       cfg,
		store:     store,
		fetcher:   fetcher,
		analytics: an,
		health:    health,
		metrics:   reg,
		router:    mux.NewRouter(),
		limiter:   newIPLimiter(cfg.Gateway.RateLimitRPM, cfg.Gateway.RateBurst),
		started:   time.Now(),
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port),
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Router exposes the handler tree, used by tests.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.rateLimitMiddleware)
	s.router.Use(s.corsMiddleware)

	s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")

	api := s.router.PathPrefix("/").Subrouter()
	api.Use(s.jsonContentTypeMiddleware)

	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	data := api.PathPrefix("/api").Subrouter()
	data.Use(s.preloadMiddleware)
	data.HandleFunc("/market/quote/{series_key}", s.handleQuote).Methods("GET")
	data.HandleFunc("/market/symbol/{series_key}", s.handleSymbol).Methods("GET")
	data.HandleFunc("/economic/series/{series_key}", s.handleEconomicSeries).Methods("GET")
	data.HandleFunc("/analytics/correlations", s.handleCorrelations).Methods("GET")
	data.HandleFunc("/market/narrative", s.handleNarrative).Methods("GET")
	data.HandleFunc("/recession-probability", s.handleRecession).Methods("GET")
	data.HandleFunc("/system/incidents", s.handleIncidents).Methods("GET")

	s.router.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
}

// Start blocks serving until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("Gateway listening")
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Gateway shutting down")
	return s.server.Shutdown(ctx)
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()[:8]
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)
		elapsed := time.Since(start)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.metrics.RecordRequest(route, fmt.Sprintf("%d", wrapper.statusCode), elapsed)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("elapsed", elapsed).
			Str("remote", r.RemoteAddr).
			Msg("Request served")
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/metrics" && !s.limiter.allow(r) {
			s.metrics.RateLimited.Inc()
			w.Header().Set("Content-Type", "application/json")
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if strings.Contains(origin, "localhost") || strings.Contains(origin, "127.0.0.1") {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// preloadMiddleware refuses data reads until the first refresh cycle has
// landed, so clients never see an empty plane as authoritative.
func (s *Server) preloadMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.fetcher.Preloaded() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"error": "initial preload in progress",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
