package validate

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/marketlens/dataplane/internal/config"
	"github.com/marketlens/dataplane/internal/model"
)

// Reason classifies why a candidate observation was rejected.
type Reason string

const (
	ReasonNullValue          Reason = "NULL_VALUE"
	ReasonUntrustedSource    Reason = "UNTRUSTED_SOURCE"
	ReasonOutOfRange         Reason = "OUT_OF_RANGE"
	ReasonPlaceholderSuspect Reason = "PLACEHOLDER_SUSPECT"
)

// Rejection explains a failed check. A nil *Rejection means accepted.
type Rejection struct {
	Reason Reason
	Detail string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Reason, r.Detail)
}

// clockTolerance absorbs small skew between upstream clocks and ours when
// checking that fetch_time falls inside the current cycle.
const clockTolerance = 5 * time.Second

// Validator enforces the no-fabricated-data policy on candidate
// observations. It is a pure check: callers record incidents and writes.
type Validator struct {
	cfg    *config.Config
	bypass bool
	runLen int
}

// New builds a validator from the boot config.
func New(cfg *config.Config) *Validator {
	return &Validator{
		cfg:    cfg,
		bypass: cfg.SkipValidation,
		runLen: cfg.Validation.PlaceholderRunLength,
	}
}

// Bypass reports whether lenient validation is active.
func (v *Validator) Bypass() bool { return v.bypass }

// Check applies the validation sequence to one candidate. On acceptance the
// observation's flags are populated in place; a non-nil Rejection means the
// observation must not be stored.
//
// Null values are rejected under every mode, bypass included.
func (v *Validator) Check(obs *model.Observation, series *config.SeriesSpec, cycleStart time.Time) *Rejection {
	// 1. Presence.
	if !obs.HasValue() {
		return &Rejection{ReasonNullValue, "primary value is null or non-finite"}
	}

	if v.bypass {
		obs.Flags |= model.FlagBypass
		v.flagStaleness(obs, series)
		log.Debug().Str("series", obs.SeriesKey).Msg("Validation bypassed")
		return nil
	}

	// 2. Authenticity.
	if _, ok := v.cfg.Source(obs.SourceID); !ok {
		return &Rejection{ReasonUntrustedSource, fmt.Sprintf("source %q not in catalog", obs.SourceID)}
	}
	now := time.Now()
	if obs.FetchTime.Before(cycleStart.Add(-clockTolerance)) || obs.FetchTime.After(now.Add(clockTolerance)) {
		return &Rejection{ReasonUntrustedSource,
			fmt.Sprintf("fetch_time %s outside current cycle starting %s",
				obs.FetchTime.Format(time.RFC3339), cycleStart.Format(time.RFC3339))}
	}

	// 3. Sanity range.
	if series.SanityLo != nil && obs.Value < *series.SanityLo {
		return &Rejection{ReasonOutOfRange, fmt.Sprintf("value %v below floor %v", obs.Value, *series.SanityLo)}
	}
	if series.SanityHi != nil && obs.Value > *series.SanityHi {
		return &Rejection{ReasonOutOfRange, fmt.Sprintf("value %v above ceiling %v", obs.Value, *series.SanityHi)}
	}

	// 4. Placeholder heuristic.
	if obs.Value == 0 && series.SanityLo != nil && *series.SanityLo > 0 {
		return &Rejection{ReasonPlaceholderSuspect, "exact zero on a series with a positive floor"}
	}
	if run := longestDecimalRun(obs.Value); run >= v.runLen {
		return &Rejection{ReasonPlaceholderSuspect,
			fmt.Sprintf("%d identical trailing decimals in %v", run, obs.Value)}
	}

	// 5. Freshness for latest.
	v.flagStaleness(obs, series)
	return nil
}

// flagStaleness marks observations too old to become the new latest. They
// are still storable as history.
func (v *Validator) flagStaleness(obs *model.Observation, series *config.SeriesSpec) {
	if time.Since(obs.Timestamp) > series.MaxStaleness.Std() {
		obs.Flags |= model.FlagStale
	}
}

// longestDecimalRun returns the longest run of one repeated digit in the
// fractional part of v. Placeholder feeds tend to pad with repeated digits.
func longestDecimalRun(v float64) int {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	idx := strings.IndexByte(s, '.')
	if idx < 0 {
		return 0
	}
	frac := s[idx+1:]
	best, run := 0, 0
	var prev byte
	for i := 0; i < len(frac); i++ {
		if i > 0 && frac[i] == prev {
			run++
		} else {
			run = 1
			prev = frac[i]
		}
		if run > best {
			best = run
		}
	}
	return best
}
