package adapters

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/marketlens/dataplane/internal/config"
	"github.com/marketlens/dataplane/internal/model"
)

// ForexRate speaks a latest-rates FX API. Series keys name currency pairs
// as BASE-QUOTE (e.g. "EUR-USD").
type ForexRate struct {
	source *config.SourceSpec
	client *client
}

// NewForexRate creates the forex rate adapter for the given source.
func NewForexRate(source *config.SourceSpec) *ForexRate {
	return &ForexRate{source: source, client: newClient(source)}
}

func (a *ForexRate) SourceID() string { return a.source.ID }

type forexResponse struct {
	Base           string             `json:"base"`
	Rates          map[string]float64 `json:"rates"`
	LastUpdateUnix int64              `json:"time_last_update_unix"`
}

// Fetch returns the latest rate for the pair named by the series key.
func (a *ForexRate) Fetch(ctx context.Context, series *config.SeriesSpec, _ Hints) ([]model.Observation, error) {
	base, quote, err := splitPair(series.Key)
	if err != nil {
		return nil, NewError(KindNotSupported, a.source.ID, series.Key, err)
	}

	var resp forexResponse
	if err := a.client.getJSON(ctx, series.Key, "/v6/latest/"+base, nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.Rates) == 0 {
		return nil, NewError(KindUpstreamEmpty, a.source.ID, series.Key, nil)
	}

	rate, ok := resp.Rates[quote]
	if !ok {
		return nil, NewError(KindNotSupported, a.source.ID, series.Key,
			fmt.Errorf("quote currency %s not in response", quote))
	}
	if resp.LastUpdateUnix == 0 {
		return nil, NewError(KindUpstreamMalformed, a.source.ID, series.Key, nil)
	}

	return []model.Observation{{
		SeriesKey: series.Key,
		Timestamp: time.Unix(resp.LastUpdateUnix, 0).UTC(),
		Value:     rate,
		Unit:      quote,
		SourceID:  a.source.ID,
		FetchTime: time.Now().UTC(),
	}}, nil
}

// splitPair parses a BASE-QUOTE series key into its two currency codes.
func splitPair(key string) (base, quote string, err error) {
	parts := strings.Split(key, "-")
	if len(parts) != 2 || len(parts[0]) != 3 || len(parts[1]) != 3 {
		return "", "", fmt.Errorf("series key %q is not a BASE-QUOTE currency pair", key)
	}
	return strings.ToUpper(parts[0]), strings.ToUpper(parts[1]), nil
}
