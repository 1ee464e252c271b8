package adapters

import (
	"context"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/marketlens/dataplane/internal/config"
	"github.com/marketlens/dataplane/internal/model"
)

// IntradayBars speaks a generic OHLCV bars API keyed in the query string.
// It doubles as the fallback quote source: with no hints it returns the
// close of the newest bar.
type IntradayBars struct {
	source *config.SourceSpec
	client *client
}

// NewIntradayBars creates the intraday bars adapter for the given source.
func NewIntradayBars(source *config.SourceSpec) *IntradayBars {
	return &IntradayBars{source: source, client: newClient(source)}
}

func (a *IntradayBars) SourceID() string { return a.source.ID }

type barsResponse struct {
	Symbol string `json:"symbol"`
	Bars   []struct {
		Time   int64    `json:"t"`
		Open   *float64 `json:"o"`
		High   *float64 `json:"h"`
		Low    *float64 `json:"l"`
		Close  *float64 `json:"c"`
		Volume *float64 `json:"v"`
	} `json:"bars"`
}

// Fetch returns bar observations ordered by timestamp ascending.
func (a *IntradayBars) Fetch(ctx context.Context, series *config.SeriesSpec, hints Hints) ([]model.Observation, error) {
	interval := hints.Interval
	if interval == "" {
		interval = "5min"
	}
	limit := hints.Bars
	if limit <= 0 {
		limit = 1
	}

	params := url.Values{}
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))
	if !hints.From.IsZero() {
		params.Set("from", strconv.FormatInt(hints.From.Unix(), 10))
	}
	if !hints.To.IsZero() {
		params.Set("to", strconv.FormatInt(hints.To.Unix(), 10))
	}

	var resp barsResponse
	if err := a.client.getJSON(ctx, series.Key, "/v1/bars/"+url.PathEscape(series.Key), params, &resp); err != nil {
		return nil, err
	}
	if len(resp.Bars) == 0 {
		return nil, NewError(KindUpstreamEmpty, a.source.ID, series.Key, nil)
	}

	fetchTime := time.Now().UTC()
	out := make([]model.Observation, 0, len(resp.Bars))
	for _, bar := range resp.Bars {
		if bar.Close == nil || bar.Time == 0 {
			return nil, NewError(KindUpstreamMalformed, a.source.ID, series.Key, nil)
		}
		out = append(out, model.Observation{
			SeriesKey: series.Key,
			Timestamp: time.Unix(bar.Time, 0).UTC(),
			Value:     *bar.Close,
			Open:      bar.Open,
			High:      bar.High,
			Low:       bar.Low,
			Volume:    bar.Volume,
			Unit:      series.Unit,
			SourceID:  a.source.ID,
			FetchTime: fetchTime,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}
