package adapters

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/marketlens/dataplane/internal/config"
	"github.com/marketlens/dataplane/internal/model"
)

// CryptoMarket speaks a public crypto market-data API (no key). Series keys
// use the SYMBOL-FIAT convention ("BTC-USD").
type CryptoMarket struct {
	source *config.SourceSpec
	client *client
}

// NewCryptoMarket creates the crypto market adapter for the given source.
func NewCryptoMarket(source *config.SourceSpec) *CryptoMarket {
	return &CryptoMarket{source: source, client: newClient(source)}
}

func (a *CryptoMarket) SourceID() string { return a.source.ID }

// coinIDs maps ticker symbols to upstream coin identifiers. Unknown symbols
// are lowercased as-is, which covers coins named after their ticker.
var coinIDs = map[string]string{
	"BTC":  "bitcoin",
	"ETH":  "ethereum",
	"SOL":  "solana",
	"XRP":  "ripple",
	"ADA":  "cardano",
	"DOGE": "dogecoin",
	"DOT":  "polkadot",
	"LINK": "chainlink",
}

type cryptoQuote struct {
	USD           *float64 `json:"usd"`
	USD24hChange  *float64 `json:"usd_24h_change"`
	USD24hVol     *float64 `json:"usd_24h_vol"`
	LastUpdatedAt int64    `json:"last_updated_at"`
}

// Fetch returns the latest price for the coin named by the series key.
func (a *CryptoMarket) Fetch(ctx context.Context, series *config.SeriesSpec, _ Hints) ([]model.Observation, error) {
	symbol := series.Key
	if idx := strings.Index(symbol, "-"); idx > 0 {
		symbol = symbol[:idx]
	}
	coinID, ok := coinIDs[strings.ToUpper(symbol)]
	if !ok {
		coinID = strings.ToLower(symbol)
	}

	params := url.Values{}
	params.Set("ids", coinID)
	params.Set("vs_currencies", "usd")
	params.Set("include_24hr_change", "true")
	params.Set("include_24hr_vol", "true")
	params.Set("include_last_updated_at", "true")

	var resp map[string]cryptoQuote
	if err := a.client.getJSON(ctx, series.Key, "/api/v3/simple/price", params, &resp); err != nil {
		return nil, err
	}

	quote, ok := resp[coinID]
	if !ok {
		return nil, NewError(KindUpstreamEmpty, a.source.ID, series.Key, nil)
	}
	if quote.USD == nil || quote.LastUpdatedAt == 0 {
		return nil, NewError(KindUpstreamMalformed, a.source.ID, series.Key,
			fmt.Errorf("price or timestamp missing for %s", coinID))
	}

	return []model.Observation{{
		SeriesKey: series.Key,
		Timestamp: time.Unix(quote.LastUpdatedAt, 0).UTC(),
		Value:     *quote.USD,
		Volume:    quote.USD24hVol,
		ChangePct: quote.USD24hChange,
		Unit:      "USD",
		SourceID:  a.source.ID,
		FetchTime: time.Now().UTC(),
	}}, nil
}
