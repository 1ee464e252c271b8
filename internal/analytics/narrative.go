package analytics

import (
	"context"
	"time"

	"github.com/marketlens/dataplane/internal/model"
)

// Regime labels the prevailing market narrative.
type Regime string

const (
	RegimeRiskOn         Regime = "RISK_ON"
	RegimeRiskOff        Regime = "RISK_OFF"
	RegimeFlightToSafety Regime = "FLIGHT_TO_SAFETY"
	RegimeConsolidation  Regime = "CONSOLIDATION"
	RegimeTransition     Regime = "TRANSITION"
)

// Narrative is the composed regime read: a label, how strongly the inputs
// agree, and which series were actually consulted.
type Narrative struct {
	Regime     Regime    `json:"regime"`
	Confidence float64   `json:"confidence"`
	Inputs     []string  `json:"inputs"`
	ComputedAt time.Time `json:"computed_at"`
}

// Volatility thresholds splitting calm, neutral, and fearful tape.
const (
	volCalm = 18.0
	volHigh = 25.0
)

// quietBand is the daily move (percent) below which an input casts no vote.
const quietBand = 0.3

// Narrative composes equity, volatility, gold, and crypto reads into one
// regime label. Equity and volatility are required; gold and crypto sharpen
// the call when available.
func (e *Engine) Narrative(ctx context.Context) (*Narrative, error) {
	var (
		inputs  []string
		missing []string
	)

	equity, _, equityOK := e.latestFresh(ctx, e.cfg.Analytics.EquityKey)
	if !equityOK {
		missing = append(missing, e.cfg.Analytics.EquityKey)
	}
	vol, _, volOK := e.latestFresh(ctx, e.cfg.Analytics.VolatilityKey)
	if !volOK {
		missing = append(missing, e.cfg.Analytics.VolatilityKey)
	}
	if len(missing) > 0 {
		return nil, &InsufficientDataError{Missing: missing}
	}
	inputs = append(inputs, e.cfg.Analytics.EquityKey, e.cfg.Analytics.VolatilityKey)

	// Votes: +1 risk-on, -1 risk-off, 0 abstain.
	var votes []int

	equityMove := e.changePct(ctx, equity.SeriesKey, equity)
	votes = append(votes, directionVote(equityMove))

	switch {
	case vol.Value < volCalm:
		votes = append(votes, 1)
	case vol.Value > volHigh:
		votes = append(votes, -1)
	default:
		votes = append(votes, 0)
	}

	goldMove := 0.0
	if gold, _, ok := e.latestFresh(ctx, e.cfg.Analytics.GoldKey); ok {
		inputs = append(inputs, e.cfg.Analytics.GoldKey)
		goldMove = e.changePct(ctx, gold.SeriesKey, gold)
		// Gold rallying is a risk-off tell.
		votes = append(votes, -directionVote(goldMove))
	}
	if crypto, _, ok := e.latestFresh(ctx, e.cfg.Analytics.CryptoKey); ok {
		inputs = append(inputs, e.cfg.Analytics.CryptoKey)
		votes = append(votes, directionVote(e.changePct(ctx, crypto.SeriesKey, crypto)))
	}

	regime, confidence := classify(votes, equityMove, goldMove, vol.Value)
	return &Narrative{
		Regime:     regime,
		Confidence: round2(confidence),
		Inputs:     inputs,
		ComputedAt: time.Now().UTC(),
	}, nil
}

func directionVote(movePct float64) int {
	switch {
	case movePct > quietBand:
		return 1
	case movePct < -quietBand:
		return -1
	default:
		return 0
	}
}

// classify turns the votes into a regime. Flight-to-safety overrides the
// tally when equities sell off while gold rallies under a fearful vol print.
func classify(votes []int, equityMove, goldMove, volLevel float64) (Regime, float64) {
	if equityMove < -quietBand && goldMove > quietBand && volLevel > volHigh {
		return RegimeFlightToSafety, agreement(votes, -1)
	}

	var on, off, quiet int
	for _, v := range votes {
		switch {
		case v > 0:
			on++
		case v < 0:
			off++
		default:
			quiet++
		}
	}
	total := len(votes)
	switch {
	case quiet == total:
		return RegimeConsolidation, 1.0
	case on > off && off == 0:
		return RegimeRiskOn, float64(on) / float64(total)
	case off > on && on == 0:
		return RegimeRiskOff, float64(off) / float64(total)
	case on > off:
		return RegimeRiskOn, float64(on) / float64(total)
	case off > on:
		return RegimeRiskOff, float64(off) / float64(total)
	default:
		return RegimeTransition, float64(quiet) / float64(total)
	}
}

func agreement(votes []int, direction int) float64 {
	if len(votes) == 0 {
		return 0
	}
	n := 0
	for _, v := range votes {
		if v == direction {
			n++
		}
	}
	return float64(n) / float64(len(votes))
}

// changePct prefers the upstream-reported daily change, falling back to the
// last two stored points.
func (e *Engine) changePct(ctx context.Context, key string, latest *model.Observation) float64 {
	if latest.ChangePct != nil {
		return *latest.ChangePct
	}
	series, ok := e.cfg.SeriesByKey(key)
	if !ok {
		return 0
	}
	recent, err := e.reader.Recent(ctx, series, 2)
	if err != nil || len(recent) < 2 || recent[1].Value == 0 {
		return 0
	}
	return (recent[0].Value - recent[1].Value) / recent[1].Value * 100
}
