package adapters

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/marketlens/dataplane/internal/config"
	"github.com/marketlens/dataplane/internal/model"
)

// NewsHeadlines speaks a public news API keyed via request header. It
// normalizes a headline page into a single observation whose value is the
// article count for the window, stamped with the newest publish time.
type NewsHeadlines struct {
	source *config.SourceSpec
	client *client
}

// NewNewsHeadlines creates the news headline adapter for the given source.
func NewNewsHeadlines(source *config.SourceSpec) *NewsHeadlines {
	return &NewsHeadlines{source: source, client: newClient(source)}
}

func (a *NewsHeadlines) SourceID() string { return a.source.ID }

type newsResponse struct {
	Status       string `json:"status"`
	TotalResults int    `json:"totalResults"`
	Articles     []struct {
		Title       string    `json:"title"`
		PublishedAt time.Time `json:"publishedAt"`
	} `json:"articles"`
}

// Fetch returns one observation counting the headlines matching the series'
// query. The series key doubles as the upstream topic query.
func (a *NewsHeadlines) Fetch(ctx context.Context, series *config.SeriesSpec, hints Hints) ([]model.Observation, error) {
	pageSize := hints.Bars
	if pageSize <= 0 {
		pageSize = 50
	}

	params := url.Values{}
	params.Set("q", series.Key)
	params.Set("category", "business")
	params.Set("pageSize", strconv.Itoa(pageSize))

	var resp newsResponse
	if err := a.client.getJSON(ctx, series.Key, "/v2/top-headlines", params, &resp); err != nil {
		return nil, err
	}
	if resp.Status != "ok" {
		return nil, NewError(KindUpstreamMalformed, a.source.ID, series.Key, nil)
	}
	if len(resp.Articles) == 0 {
		return nil, NewError(KindUpstreamEmpty, a.source.ID, series.Key, nil)
	}

	newest := resp.Articles[0].PublishedAt
	for _, article := range resp.Articles[1:] {
		if article.PublishedAt.After(newest) {
			newest = article.PublishedAt
		}
	}
	if newest.IsZero() {
		return nil, NewError(KindUpstreamMalformed, a.source.ID, series.Key, nil)
	}

	return []model.Observation{{
		SeriesKey: series.Key,
		Timestamp: newest.UTC(),
		Value:     float64(len(resp.Articles)),
		Unit:      "articles",
		SourceID:  a.source.ID,
		FetchTime: time.Now().UTC(),
	}}, nil
}
