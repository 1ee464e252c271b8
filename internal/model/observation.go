package model

import (
	"math"
	"time"
)

// Category classifies a series into one of the durable-store table families.
type Category string

const (
	CategoryIndex      Category = "index"
	CategoryCommodity  Category = "commodity"
	CategoryCrypto     Category = "crypto"
	CategoryForex      Category = "forex"
	CategoryTreasury   Category = "treasury"
	CategoryVolatility Category = "volatility"
	CategoryEconomic   Category = "economic"
	CategorySector     Category = "sector"
	CategoryCustom     Category = "custom"
)

// Categories lists every known category, in table order.
var Categories = []Category{
	CategoryIndex, CategoryCommodity, CategoryCrypto, CategoryForex,
	CategoryTreasury, CategoryVolatility, CategoryEconomic, CategorySector,
	CategoryCustom,
}

// Valid reports whether c is one of the declared categories.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// ValidationFlags is a bitset recording non-fatal validator findings that
// travel with an accepted observation.
type ValidationFlags uint32

const (
	// FlagStale marks an observation older than the series' max staleness.
	// It is stored as history but never promoted to latest.
	FlagStale ValidationFlags = 1 << iota
	// FlagBypass marks an observation accepted while skip_validation was on.
	FlagBypass
	// FlagDuplicate marks an observation whose (series_key, timestamp) row
	// already existed in the durable store.
	FlagDuplicate
)

// Has reports whether all bits in f are set.
func (v ValidationFlags) Has(f ValidationFlags) bool { return v&f == f }

// Observation is one measurement for one series at one instant. Adapters
// produce them, the validator annotates them, the storage layer owns them.
//
// A missing primary value is represented as NaN, never zero; the validator
// rejects it and nothing downstream may substitute a synthetic number.
type Observation struct {
	SeriesKey string    `json:"series_key" db:"series_key"`
	Timestamp time.Time `json:"timestamp" db:"ts"`
	Value     float64   `json:"value" db:"value"`

	// Secondary measures. Nil means upstream did not supply the field.
	Open      *float64 `json:"open,omitempty" db:"open"`
	High      *float64 `json:"high,omitempty" db:"high"`
	Low       *float64 `json:"low,omitempty" db:"low"`
	Volume    *float64 `json:"volume,omitempty" db:"volume"`
	ChangeAbs *float64 `json:"change_abs,omitempty" db:"change_abs"`
	ChangePct *float64 `json:"change_pct,omitempty" db:"change_pct"`
	Unit      string   `json:"unit,omitempty" db:"unit"`

	SourceID  string          `json:"source_id" db:"source_id"`
	FetchTime time.Time       `json:"fetch_time" db:"fetch_time"`
	Flags     ValidationFlags `json:"validation_flags" db:"validation_flags"`
}

// HasValue reports whether the primary value is a real finite number.
func (o *Observation) HasValue() bool {
	return !math.IsNaN(o.Value) && !math.IsInf(o.Value, 0)
}

// Float returns a pointer to v, for populating optional observation fields.
func Float(v float64) *float64 { return &v }

// AttemptResult is the per-series outcome of one scheduler cycle.
type AttemptResult string

const (
	AttemptOK         AttemptResult = "OK"
	AttemptFallbackOK AttemptResult = "FALLBACK_OK"
	AttemptFail       AttemptResult = "FAIL"
)

// CycleReport summarizes one scheduler pass over the due series.
type CycleReport struct {
	Start       time.Time                `json:"start"`
	End         time.Time                `json:"end"`
	Results     map[string]AttemptResult `json:"results"`
	Failed      []string                 `json:"failed"`
	Incomplete  []string                 `json:"incomplete,omitempty"`
	SuccessRate float64                  `json:"success_rate"`
	CriticalOK  bool                     `json:"critical_ok"`
	Bypass      bool                     `json:"bypass,omitempty"`
	Duplicates  int                      `json:"duplicates,omitempty"`
}

// Healthy reports whether the cycle met the configured success threshold.
func (r *CycleReport) Healthy(threshold float64) bool {
	return r.SuccessRate >= threshold && r.CriticalOK
}
