package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// RawArticle is one normalized, pre-dedup news article. Tickers is the
// vendor's own per-article symbol tagging, used to filter out articles a
// broad keyword search pulled in that don't actually mention the ticker.
type RawArticle struct {
	Title       string
	URL         string
	Source      string
	PublishedAt string
	Tickers     []string
}

// NewsSource fetches recent articles mentioning ticker at or before
// asOfDate.
type NewsSource interface {
	RecentArticles(ctx context.Context, ticker string, asOfDate string, limit int) ([]RawArticle, error)
}

// NewsAdapter is the concrete NewsSource.
type NewsAdapter struct {
	baseURL string
	doer    HTTPDoer
	log     zerolog.Logger
}

// NewNewsAdapter constructs a NewsAdapter.
func NewNewsAdapter(baseURL string, doer HTTPDoer, log zerolog.Logger) *NewsAdapter {
	return &NewsAdapter{baseURL: baseURL, doer: doer, log: log.With().Str("client", "news").Logger()}
}

// RecentArticles implements NewsSource.
func (a *NewsAdapter) RecentArticles(ctx context.Context, ticker string, asOfDate string, limit int) ([]RawArticle, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	url := fmt.Sprintf("%s/news?ticker=%s&before=%s&limit=%d", a.baseURL, ticker, asOfDate, limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build news request: %w", err)
	}

	resp, err := a.doer.Do(req)
	if err != nil {
		return nil, newNetworkError("news", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, newHTTPStatusError("news", resp.StatusCode)
	}

	var body struct {
		Articles []struct {
			Title       string   `json:"title"`
			URL         string   `json:"url"`
			Source      string   `json:"source"`
			PublishedAt string   `json:"published_at"`
			Tickers     []string `json:"tickers"`
			Symbols     []string `json:"symbols"`
		} `json:"articles"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &UpstreamError{Vendor: "news", Err: fmt.Errorf("decode news response: %w", err)}
	}

	out := make([]RawArticle, 0, len(body.Articles))
	for _, a2 := range body.Articles {
		tickers := a2.Tickers
		if len(tickers) == 0 {
			tickers = a2.Symbols
		}
		out = append(out, RawArticle{Title: a2.Title, URL: a2.URL, Source: a2.Source, PublishedAt: a2.PublishedAt, Tickers: tickers})
	}

	a.log.Debug().Str("ticker", ticker).Int("count", len(out)).Msg("fetched recent articles")
	return out, nil
}
