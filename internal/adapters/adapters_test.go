package adapters

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketlens/dataplane/internal/config"
	"github.com/marketlens/dataplane/internal/model"
)

func sourceFor(t *testing.T, id, family, baseURL string) *config.SourceSpec {
	t.Helper()
	return &config.SourceSpec{
		ID:      id,
		Adapter: family,
		BaseURL: baseURL,
		Timeout: config.Duration(5 * time.Second),
	}
}

func seriesFor(key string, cat model.Category) *config.SeriesSpec {
	return &config.SeriesSpec{Key: key, Category: cat}
}

func TestRetailQuoteFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v7/finance/quote", r.URL.Path)
		assert.Equal(t, "SPY", r.URL.Query().Get("symbols"))
		w.Write([]byte(`{"quoteResponse":{"result":[{
			"symbol":"SPY",
			"regularMarketPrice":668.81,
			"regularMarketTime":1764082800,
			"regularMarketChange":9.76,
			"regularMarketChangePercent":1.48,
			"regularMarketOpen":660.1,
			"regularMarketDayHigh":669.2,
			"regularMarketDayLow":659.0,
			"regularMarketVolume":51000000,
			"currency":"USD"
		}]}}`))
	}))
	defer srv.Close()

	adapter := NewRetailQuote(sourceFor(t, "retail_quote", "retail_quote", srv.URL))
	obs, err := adapter.Fetch(context.Background(), seriesFor("SPY", model.CategoryIndex), Hints{})
	require.NoError(t, err)
	require.Len(t, obs, 1)

	assert.Equal(t, "SPY", obs[0].SeriesKey)
	assert.Equal(t, 668.81, obs[0].Value)
	assert.Equal(t, "retail_quote", obs[0].SourceID)
	assert.Equal(t, time.Unix(1764082800, 0).UTC(), obs[0].Timestamp.UTC())
	require.NotNil(t, obs[0].ChangePct)
	assert.Equal(t, 1.48, *obs[0].ChangePct)
	assert.Equal(t, "USD", obs[0].Unit)
	assert.False(t, obs[0].FetchTime.IsZero())
}

func TestRetailQuoteEmptyResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"quoteResponse":{"result":[]}}`))
	}))
	defer srv.Close()

	adapter := NewRetailQuote(sourceFor(t, "retail_quote", "retail_quote", srv.URL))
	obs, err := adapter.Fetch(context.Background(), seriesFor("SPY", model.CategoryIndex), Hints{})
	assert.Empty(t, obs)
	assert.Equal(t, KindUpstreamEmpty, KindOf(err))
}

func TestFREDDropsMissingValues(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "DGS10", r.URL.Query().Get("series_id"))
		assert.Equal(t, "secret", r.URL.Query().Get("api_key"))
		w.Write([]byte(`{"observations":[
			{"date":"2025-11-25","value":"4.06"},
			{"date":"2025-11-24","value":"."},
			{"date":"2025-11-21","value":"4.01"}
		]}`))
	}))
	defer srv.Close()

	t.Setenv("FRED_KEY", "secret")
	source := sourceFor(t, "fred", "fred", srv.URL)
	source.Auth = config.AuthKeyQuery
	source.APIKeyEnv = "FRED_KEY"

	adapter := NewFRED(source)
	obs, err := adapter.Fetch(context.Background(), seriesFor("DGS10", model.CategoryTreasury), Hints{})
	require.NoError(t, err)

	// The "." row is upstream's null marker; it must vanish, not become 0.
	require.Len(t, obs, 2)
	assert.Equal(t, 4.01, obs[0].Value)
	assert.Equal(t, 4.06, obs[1].Value)
	assert.True(t, obs[0].Timestamp.Before(obs[1].Timestamp))
}

func TestClientClassifiesStatusCodes(t *testing.T) {
	cases := []struct {
		status int
		want   Kind
	}{
		{http.StatusTooManyRequests, KindRateLimited},
		{http.StatusUnauthorized, KindAuthFailed},
		{http.StatusForbidden, KindAuthFailed},
		{http.StatusNotFound, KindNotSupported},
		{http.StatusBadGateway, KindNetwork},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		adapter := NewRetailQuote(sourceFor(t, "retail_quote", "retail_quote", srv.URL))
		_, err := adapter.Fetch(context.Background(), seriesFor("SPY", model.CategoryIndex), Hints{})
		require.Error(t, err)
		assert.Equal(t, tc.want, KindOf(err), "status %d", tc.status)
		srv.Close()
	}
}

func TestClientClassifiesMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"quoteResponse":`))
	}))
	defer srv.Close()

	adapter := NewRetailQuote(sourceFor(t, "retail_quote", "retail_quote", srv.URL))
	_, err := adapter.Fetch(context.Background(), seriesFor("SPY", model.CategoryIndex), Hints{})
	assert.Equal(t, KindUpstreamMalformed, KindOf(err))
}

func TestHeaderAuthApplied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "newskey", r.Header.Get("X-Api-Key"))
		w.Write([]byte(`{"status":"ok","totalResults":1,"articles":[
			{"title":"Markets rally","publishedAt":"2025-11-25T15:00:00Z"}
		]}`))
	}))
	defer srv.Close()

	t.Setenv("NEWS_KEY", "newskey")
	source := sourceFor(t, "news_headlines", "news_headlines", srv.URL)
	source.Auth = config.AuthKeyHeader
	source.APIKeyEnv = "NEWS_KEY"

	adapter := NewNewsHeadlines(source)
	obs, err := adapter.Fetch(context.Background(), seriesFor("MARKET-NEWS", model.CategoryCustom), Hints{})
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, 1.0, obs[0].Value)
	assert.Equal(t, "articles", obs[0].Unit)
}

func TestMissingKeyFailsBeforeRequest(t *testing.T) {
	source := sourceFor(t, "fred", "fred", "https://fred.example.com")
	source.Auth = config.AuthKeyQuery
	source.APIKeyEnv = "DEFINITELY_UNSET_KEY_ENV"

	adapter := NewFRED(source)
	_, err := adapter.Fetch(context.Background(), seriesFor("DGS10", model.CategoryTreasury), Hints{})
	assert.Equal(t, KindAuthFailed, KindOf(err))
}

func TestIntradayBarsSortsAscending(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"bars":[
			{"t":1764082800,"o":660.0,"h":662.0,"l":659.5,"c":661.2,"v":1000},
			{"t":1764079200,"o":658.0,"h":660.5,"l":657.0,"c":660.0,"v":1200}
		]}`))
	}))
	defer srv.Close()

	adapter := NewIntradayBars(sourceFor(t, "intraday_bars", "intraday_bars", srv.URL))
	obs, err := adapter.Fetch(context.Background(), seriesFor("SPY", model.CategoryIndex), Hints{Bars: 2, Interval: "5min"})
	require.NoError(t, err)
	require.Len(t, obs, 2)
	assert.True(t, obs[0].Timestamp.Before(obs[1].Timestamp))
	assert.Equal(t, 660.0, obs[0].Value)
	assert.Equal(t, 661.2, obs[1].Value)
	require.NotNil(t, obs[1].High)
	assert.Equal(t, 662.0, *obs[1].High)
}

func TestBuildUnknownFamily(t *testing.T) {
	_, err := Build(&config.SourceSpec{ID: "x", Adapter: "mystery"})
	assert.Error(t, err)
}
