package adapters

import (
	"context"
	"math"
	"net/url"
	"time"

	"github.com/marketlens/dataplane/internal/config"
	"github.com/marketlens/dataplane/internal/model"
)

// RetailQuote speaks the public retail quote endpoint used for equities,
// ETFs, and indices. No credentials required.
type RetailQuote struct {
	source *config.SourceSpec
	client *client
}

// NewRetailQuote creates the retail quote adapter for the given source.
func NewRetailQuote(source *config.SourceSpec) *RetailQuote {
	return &RetailQuote{source: source, client: newClient(source)}
}

func (a *RetailQuote) SourceID() string { return a.source.ID }

type retailQuoteResponse struct {
	QuoteResponse struct {
		Result []struct {
			Symbol        string   `json:"symbol"`
			MarketPrice   *float64 `json:"regularMarketPrice"`
			MarketTime    int64    `json:"regularMarketTime"`
			ChangeAbs     *float64 `json:"regularMarketChange"`
			ChangePct     *float64 `json:"regularMarketChangePercent"`
			Open          *float64 `json:"regularMarketOpen"`
			DayHigh       *float64 `json:"regularMarketDayHigh"`
			DayLow        *float64 `json:"regularMarketDayLow"`
			Volume        *float64 `json:"regularMarketVolume"`
			QuoteCurrency string   `json:"currency"`
		} `json:"result"`
		Error interface{} `json:"error"`
	} `json:"quoteResponse"`
}

// Fetch returns the latest quote for the series. The endpoint carries no
// history, so range hints yield the single current quote.
func (a *RetailQuote) Fetch(ctx context.Context, series *config.SeriesSpec, _ Hints) ([]model.Observation, error) {
	params := url.Values{}
	params.Set("symbols", series.Key)

	var resp retailQuoteResponse
	if err := a.client.getJSON(ctx, series.Key, "/v7/finance/quote", params, &resp); err != nil {
		return nil, err
	}

	if len(resp.QuoteResponse.Result) == 0 {
		return nil, NewError(KindUpstreamEmpty, a.source.ID, series.Key, nil)
	}

	quote := resp.QuoteResponse.Result[0]
	if quote.MarketPrice == nil || quote.MarketTime == 0 {
		return nil, NewError(KindUpstreamMalformed, a.source.ID, series.Key, nil)
	}

	obs := model.Observation{
		SeriesKey: series.Key,
		Timestamp: time.Unix(quote.MarketTime, 0).UTC(),
		Value:     *quote.MarketPrice,
		Open:      quote.Open,
		High:      quote.DayHigh,
		Low:       quote.DayLow,
		Volume:    quote.Volume,
		ChangeAbs: quote.ChangeAbs,
		ChangePct: quote.ChangePct,
		Unit:      quote.QuoteCurrency,
		SourceID:  a.source.ID,
		FetchTime: time.Now().UTC(),
	}
	if math.IsNaN(obs.Value) {
		return nil, NewError(KindUpstreamMalformed, a.source.ID, series.Key, nil)
	}
	return []model.Observation{obs}, nil
}
