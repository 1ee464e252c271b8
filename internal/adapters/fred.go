package adapters

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/marketlens/dataplane/internal/config"
	"github.com/marketlens/dataplane/internal/model"
)

// FRED speaks the FRED-style economic series API. The key rides in the
// query string.
type FRED struct {
	source *config.SourceSpec
	client *client
}

// NewFRED creates the economic series adapter for the given source.
func NewFRED(source *config.SourceSpec) *FRED {
	return &FRED{source: source, client: newClient(source)}
}

func (a *FRED) SourceID() string { return a.source.ID }

type fredResponse struct {
	Observations []struct {
		Date  string `json:"date"`
		Value string `json:"value"`
	} `json:"observations"`
}

// Fetch returns up to the requested number of observations, newest first
// from upstream, emitted oldest first. Upstream encodes a missing reading
// as "." — those rows are dropped, never zero-filled.
func (a *FRED) Fetch(ctx context.Context, series *config.SeriesSpec, hints Hints) ([]model.Observation, error) {
	limit := hints.Bars
	if limit <= 0 {
		limit = 1
	}

	params := url.Values{}
	params.Set("series_id", series.Key)
	params.Set("file_type", "json")
	params.Set("sort_order", "desc")
	params.Set("limit", strconv.Itoa(limit))
	if !hints.From.IsZero() {
		params.Set("observation_start", hints.From.UTC().Format("2006-01-02"))
	}
	if !hints.To.IsZero() {
		params.Set("observation_end", hints.To.UTC().Format("2006-01-02"))
	}

	var resp fredResponse
	if err := a.client.getJSON(ctx, series.Key, "/fred/series/observations", params, &resp); err != nil {
		return nil, err
	}
	if len(resp.Observations) == 0 {
		return nil, NewError(KindUpstreamEmpty, a.source.ID, series.Key, nil)
	}

	fetchTime := time.Now().UTC()
	out := make([]model.Observation, 0, len(resp.Observations))
	for i := len(resp.Observations) - 1; i >= 0; i-- {
		row := resp.Observations[i]
		if row.Value == "." || row.Value == "" {
			continue
		}
		value, err := strconv.ParseFloat(row.Value, 64)
		if err != nil {
			return nil, NewError(KindUpstreamMalformed, a.source.ID, series.Key, err)
		}
		ts, err := time.Parse("2006-01-02", row.Date)
		if err != nil {
			return nil, NewError(KindUpstreamMalformed, a.source.ID, series.Key, err)
		}
		out = append(out, model.Observation{
			SeriesKey: series.Key,
			Timestamp: ts.UTC(),
			Value:     value,
			Unit:      series.Unit,
			SourceID:  a.source.ID,
			FetchTime: fetchTime,
		})
	}
	if len(out) == 0 {
		return nil, NewError(KindUpstreamEmpty, a.source.ID, series.Key, nil)
	}
	return out, nil
}
