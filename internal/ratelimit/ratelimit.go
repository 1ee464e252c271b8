package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/marketlens/dataplane/internal/config"
)

// SourceLimits enforces each source's request budget, in-flight concurrency
// cap, and circuit breaker. The token bucket is checked under a small
// critical section and never held during I/O.
type SourceLimits struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	sems     map[string]chan struct{}
	breakers map[string]*gobreaker.CircuitBreaker
}

// New builds limits for every configured source.
func New(cfg *config.Config) *SourceLimits {
	sl := &SourceLimits{
		limiters: make(map[string]*rate.Limiter, len(cfg.Sources)),
		sems:     make(map[string]chan struct{}, len(cfg.Sources)),
		breakers: make(map[string]*gobreaker.CircuitBreaker, len(cfg.Sources)),
	}
	for i := range cfg.Sources {
		src := &cfg.Sources[i]
		perSecond := float64(src.RateLimit.Requests) / src.RateLimit.Window.Std().Seconds()
		sl.limiters[src.ID] = rate.NewLimiter(rate.Limit(perSecond), src.RateLimit.Requests)
		sl.sems[src.ID] = make(chan struct{}, src.Concurrency)
		sl.breakers[src.ID] = gobreaker.NewCircuitBreaker(breakerSettings(src.ID))
	}
	return sl
}

func breakerSettings(sourceID string) gobreaker.Settings {
	st := gobreaker.Settings{Name: sourceID}
	st.Interval = 60 * time.Second
	st.Timeout = 60 * time.Second
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		if counts.ConsecutiveFailures >= 3 {
			return true
		}
		if counts.Requests < 20 {
			return false
		}
		return float64(counts.TotalFailures)/float64(counts.Requests) > 0.25
	}
	return st
}

// Allow consumes a rate-limit token for the source if its budget and circuit
// permit. A false return is a skip, not an error.
func (sl *SourceLimits) Allow(sourceID string) bool {
	sl.mu.RLock()
	limiter, ok := sl.limiters[sourceID]
	breaker := sl.breakers[sourceID]
	sl.mu.RUnlock()
	if !ok {
		return false
	}
	if breaker != nil && breaker.State() == gobreaker.StateOpen {
		return false
	}
	return limiter.Allow()
}

// Acquire takes an in-flight slot for the source, blocking until one frees
// or ctx expires. The returned release must be called exactly once.
func (sl *SourceLimits) Acquire(ctx context.Context, sourceID string) (func(), error) {
	sl.mu.RLock()
	sem, ok := sl.sems[sourceID]
	sl.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown source %q", sourceID)
	}
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Observe feeds one attempt outcome into the source's circuit breaker.
func (sl *SourceLimits) Observe(sourceID string, err error) {
	sl.mu.RLock()
	breaker, ok := sl.breakers[sourceID]
	sl.mu.RUnlock()
	if !ok {
		return
	}
	// Execute only records the outcome; the call itself already happened.
	_, _ = breaker.Execute(func() (interface{}, error) { return nil, err })
}

// Status is a point-in-time view of one source's limits.
type Status struct {
	SourceID string  `json:"source_id"`
	Tokens   float64 `json:"tokens"`
	InFlight int     `json:"in_flight"`
	Breaker  string  `json:"breaker"`
}

// Stats snapshots every source's limiter state.
func (sl *SourceLimits) Stats() map[string]Status {
	sl.mu.RLock()
	defer sl.mu.RUnlock()

	out := make(map[string]Status, len(sl.limiters))
	for id, limiter := range sl.limiters {
		out[id] = Status{
			SourceID: id,
			Tokens:   limiter.Tokens(),
			InFlight: len(sl.sems[id]),
			Breaker:  sl.breakers[id].State().String(),
		}
	}
	return out
}
