package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/marketlens/dataplane/internal/config"
	"github.com/marketlens/dataplane/internal/model"
)

// Hints narrows what an adapter should fetch. The zero value means
// "latest only".
type Hints struct {
	Bars     int       // last N bars when > 0
	From, To time.Time // explicit range when both set
	Interval string    // bar interval, adapter-specific (e.g. "5min")
}

// Latest reports whether only the newest observation is wanted.
func (h Hints) Latest() bool {
	return h.Bars == 0 && h.From.IsZero() && h.To.IsZero()
}

// Adapter normalizes one provider's payload into observations. Adapters hold
// no cross-cycle state and never touch storage; on any upstream problem they
// return no observations and a classified *Error.
type Adapter interface {
	SourceID() string
	Fetch(ctx context.Context, series *config.SeriesSpec, hints Hints) ([]model.Observation, error)
}

// client is the shared HTTP plumbing every adapter family uses. It applies
// the source's auth mode and classifies transport and status failures.
type client struct {
	source *config.SourceSpec
	http   *http.Client
}

func newClient(source *config.SourceSpec) *client {
	return &client{
		source: source,
		http: &http.Client{
			Timeout: source.Timeout.Std(),
		},
	}
}

// getJSON performs an authenticated GET against the source and decodes the
// JSON body into out.
func (c *client) getJSON(ctx context.Context, seriesKey, path string, params url.Values, out interface{}) error {
	if params == nil {
		params = url.Values{}
	}
	if c.source.Auth == config.AuthKeyQuery {
		key := c.source.APIKey()
		if key == "" {
			return NewError(KindAuthFailed, c.source.ID, seriesKey, fmt.Errorf("api key env %s is empty", c.source.APIKeyEnv))
		}
		param := c.source.KeyParam
		if param == "" {
			param = "api_key"
		}
		params.Set(param, key)
	}

	full := c.source.BaseURL + path
	if encoded := params.Encode(); encoded != "" {
		full += "?" + encoded
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
	if err != nil {
		return NewError(KindNetwork, c.source.ID, seriesKey, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.source.Auth == config.AuthKeyHeader {
		key := c.source.APIKey()
		if key == "" {
			return NewError(KindAuthFailed, c.source.ID, seriesKey, fmt.Errorf("api key env %s is empty", c.source.APIKeyEnv))
		}
		header := c.source.KeyHeader
		if header == "" {
			header = "X-Api-Key"
		}
		req.Header.Set(header, key)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return NewError(KindOf(err), c.source.ID, seriesKey, err)
	}
	defer resp.Body.Close()

	log.Debug().
		Str("source", c.source.ID).
		Str("series", seriesKey).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("Upstream request completed")

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return NewError(KindRateLimited, c.source.ID, seriesKey, fmt.Errorf("HTTP 429"))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return NewError(KindAuthFailed, c.source.ID, seriesKey, fmt.Errorf("HTTP %d", resp.StatusCode))
	case resp.StatusCode == http.StatusNotFound:
		return NewError(KindNotSupported, c.source.ID, seriesKey, fmt.Errorf("HTTP 404"))
	case resp.StatusCode != http.StatusOK:
		return NewError(KindNetwork, c.source.ID, seriesKey, fmt.Errorf("HTTP %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return NewError(KindOf(err), c.source.ID, seriesKey, err)
	}
	if len(body) == 0 {
		return NewError(KindUpstreamEmpty, c.source.ID, seriesKey, nil)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return NewError(KindUpstreamMalformed, c.source.ID, seriesKey, err)
	}
	return nil
}

// Build constructs the adapter for one configured source based on its
// declared family.
func Build(source *config.SourceSpec) (Adapter, error) {
	switch source.Adapter {
	case "retail_quote":
		return NewRetailQuote(source), nil
	case "fred":
		return NewFRED(source), nil
	case "intraday_bars":
		return NewIntradayBars(source), nil
	case "forex_rate":
		return NewForexRate(source), nil
	case "crypto_market":
		return NewCryptoMarket(source), nil
	case "news_headlines":
		return NewNewsHeadlines(source), nil
	default:
		return nil, fmt.Errorf("unknown adapter family %q for source %q", source.Adapter, source.ID)
	}
}

// BuildAll constructs every configured adapter, keyed by source id.
func BuildAll(cfg *config.Config) (map[string]Adapter, error) {
	set := make(map[string]Adapter, len(cfg.Sources))
	for i := range cfg.Sources {
		src := &cfg.Sources[i]
		adapter, err := Build(src)
		if err != nil {
			return nil, err
		}
		set[src.ID] = adapter
	}
	return set, nil
}
