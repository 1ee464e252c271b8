package analytics

import (
	"context"
	"math"
	"time"
)

// RiskLevel buckets the recession probability for dashboards.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskModerate RiskLevel = "MODERATE"
	RiskElevated RiskLevel = "ELEVATED"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// RecessionEstimate is the yield-curve recession signal: 10-year minus
// 3-month treasury spread mapped through a logistic curve.
type RecessionEstimate struct {
	Spread10y3m float64   `json:"spread_10y_3m"`
	Probability float64   `json:"probability"`
	RiskLevel   RiskLevel `json:"risk_level"`
	ComputedAt  time.Time `json:"computed_at"`
}

// spreadSlope steers how fast probability decays as the curve steepens. A
// flat curve (spread 0) maps to 0.5, inversion pushes toward 1.
const spreadSlope = 2.0

// RecessionProbability reads the configured treasury pair and derives the
// spread signal. Both inputs must be present and fresh.
func (e *Engine) RecessionProbability(ctx context.Context) (*RecessionEstimate, error) {
	tenKey := e.cfg.Analytics.TenYearKey
	threeKey := e.cfg.Analytics.ThreeMonthKey

	ten, _, tenOK := e.latestFresh(ctx, tenKey)
	three, _, threeOK := e.latestFresh(ctx, threeKey)

	var missing []string
	if !tenOK {
		missing = append(missing, tenKey)
	}
	if !threeOK {
		missing = append(missing, threeKey)
	}
	if len(missing) > 0 {
		return nil, &InsufficientDataError{Missing: missing}
	}

	spread := ten.Value - three.Value
	prob := 1 / (1 + math.Exp(spreadSlope*spread))

	return &RecessionEstimate{
		Spread10y3m: round2(spread),
		Probability: round2(prob),
		RiskLevel:   riskLevelFor(prob),
		ComputedAt:  time.Now().UTC(),
	}, nil
}

func riskLevelFor(p float64) RiskLevel {
	switch {
	case p < 0.2:
		return RiskLow
	case p < 0.3:
		return RiskModerate
	case p < 0.5:
		return RiskElevated
	case p < 0.7:
		return RiskHigh
	default:
		return RiskCritical
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
