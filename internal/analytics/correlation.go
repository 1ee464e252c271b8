package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/stat"
)

// minOverlap is the minimum number of aligned daily points two series need
// before a coefficient is reported. Below this the cell stays null.
const minOverlap = 3

// CorrelationSnapshot is the cached pairwise Pearson matrix over the
// configured asset universe. Cells are nil when a pair had too little
// overlapping history, never a substituted zero.
type CorrelationSnapshot struct {
	Window     string       `json:"window"`
	Assets     []string     `json:"assets"`
	Matrix     [][]*float64 `json:"matrix"`
	ComputedAt time.Time    `json:"computed_at"`
}

// ParseWindow accepts values like "60d", "24h", or "90m". The day suffix is
// handled here because time.ParseDuration stops at hours.
func ParseWindow(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("empty window")
	}
	if strings.HasSuffix(s, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil || days <= 0 {
			return 0, fmt.Errorf("invalid window %q", s)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid window %q", s)
	}
	return d, nil
}

// Correlations returns the snapshot for the requested window, serving the
// cached copy when one is fresh.
func (e *Engine) Correlations(ctx context.Context, window string) (*CorrelationSnapshot, error) {
	span, err := ParseWindow(window)
	if err != nil {
		return nil, err
	}

	if raw, ok := e.hot.Correlations(ctx, window); ok {
		var snap CorrelationSnapshot
		if json.Unmarshal(raw, &snap) == nil {
			return &snap, nil
		}
	}

	snap, err := e.computeCorrelations(ctx, window, span)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(snap); err == nil {
		e.hot.SetCorrelations(ctx, window, raw)
	}
	return snap, nil
}

func (e *Engine) computeCorrelations(ctx context.Context, window string, span time.Duration) (*CorrelationSnapshot, error) {
	assets := e.cfg.Analytics.CorrelationUniverse
	if len(assets) == 0 {
		return nil, &InsufficientDataError{Missing: []string{"correlation_universe"}}
	}

	now := time.Now().UTC()
	from := now.Add(-span)

	// One daily closing value per asset, keyed by date.
	daily := make([]map[string]float64, len(assets))
	var missing []string
	for i, key := range assets {
		series, ok := e.cfg.SeriesByKey(key)
		if !ok {
			missing = append(missing, key)
			continue
		}
		obs, err := e.reader.GetRange(ctx, series, from, now)
		if err != nil {
			return nil, fmt.Errorf("failed to load history for %s: %w", key, err)
		}
		if len(obs) == 0 {
			missing = append(missing, key)
			continue
		}
		byDay := make(map[string]float64, len(obs))
		for _, o := range obs {
			byDay[o.Timestamp.UTC().Format("2006-01-02")] = o.Value
		}
		daily[i] = byDay
	}
	if len(missing) == len(assets) {
		return nil, &InsufficientDataError{Missing: missing}
	}
	if len(missing) > 0 {
		log.Debug().Strs("missing", missing).Str("window", window).
			Msg("Correlation matrix computed with gaps")
	}

	matrix := make([][]*float64, len(assets))
	for i := range matrix {
		matrix[i] = make([]*float64, len(assets))
	}
	for i := range assets {
		if daily[i] == nil {
			continue
		}
		one := 1.0
		matrix[i][i] = &one
		for j := i + 1; j < len(assets); j++ {
			if daily[j] == nil {
				continue
			}
			if r, ok := pearson(daily[i], daily[j]); ok {
				v := r
				matrix[i][j] = &v
				matrix[j][i] = &v
			}
		}
	}

	return &CorrelationSnapshot{
		Window:     window,
		Assets:     append([]string(nil), assets...),
		Matrix:     matrix,
		ComputedAt: now,
	}, nil
}

// pearson aligns two daily value maps on their shared dates and computes the
// sample correlation. Returns false when overlap is too thin or either side
// is constant.
func pearson(a, b map[string]float64) (float64, bool) {
	var xs, ys []float64
	for day, av := range a {
		if bv, ok := b[day]; ok {
			xs = append(xs, av)
			ys = append(ys, bv)
		}
	}
	if len(xs) < minOverlap {
		return 0, false
	}
	r := stat.Correlation(xs, ys, nil)
	if r != r { // NaN when a side has zero variance
		return 0, false
	}
	if r > 1 {
		r = 1
	} else if r < -1 {
		r = -1
	}
	return r, true
}
