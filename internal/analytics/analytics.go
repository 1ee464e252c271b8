package analytics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/marketlens/dataplane/internal/config"
	"github.com/marketlens/dataplane/internal/model"
	"github.com/marketlens/dataplane/internal/storage"
)

// Reader is the slice of the storage layer the analytics engine needs.
type Reader interface {
	GetLatest(ctx context.Context, series *config.SeriesSpec) (*model.Observation, error)
	GetRange(ctx context.Context, series *config.SeriesSpec, from, to time.Time) ([]model.Observation, error)
	Recent(ctx context.Context, series *config.SeriesSpec, limit int) ([]model.Observation, error)
}

// Engine computes the derived read products: correlation snapshots, the
// market narrative, and the recession probability. It never fabricates
// inputs; a missing series surfaces as InsufficientDataError.
type Engine struct {
	cfg    *config.Config
	reader Reader
	hot    *storage.HotStore
}

// NewEngine builds the analytics engine over the storage layer.
func NewEngine(cfg *config.Config, reader Reader, hot *storage.HotStore) *Engine {
	return &Engine{cfg: cfg, reader: reader, hot: hot}
}

// InsufficientDataError reports which required series had no usable data.
type InsufficientDataError struct {
	Missing []string
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data, missing: %s", strings.Join(e.Missing, ", "))
}

// latestFresh returns the latest observation for key if it exists and is
// within the series' staleness bound.
func (e *Engine) latestFresh(ctx context.Context, key string) (*model.Observation, *config.SeriesSpec, bool) {
	series, ok := e.cfg.SeriesByKey(key)
	if !ok {
		return nil, nil, false
	}
	obs, err := e.reader.GetLatest(ctx, series)
	if err != nil || obs == nil {
		return nil, series, false
	}
	if time.Since(obs.Timestamp) > series.MaxStaleness.Std() {
		return nil, series, false
	}
	return obs, series, true
}
