package fragments

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/garen0616/us-equity-analyzer-pro/internal/domain"
	"github.com/garen0616/us-equity-analyzer-pro/internal/retry"
	"github.com/garen0616/us-equity-analyzer-pro/internal/upstream"
	"github.com/rs/zerolog"
)

// KeywordGenerator produces an LLM-ranked keyword list for news search.
// internal/llm implements this; news.go depends only on the interface.
type KeywordGenerator interface {
	GenerateKeywords(ctx context.Context, ticker string) ([]string, error)
}

// SentimentScorer produces the aggregate sentiment read over a set of
// articles. internal/llm implements this.
type SentimentScorer interface {
	ScoreSentiment(ctx context.Context, ticker string, articles []domain.NewsArticle) (label domain.NewsSentimentLabel, summary string, events []string, err error)
}

type weightedArticle struct {
	domain.NewsArticle
}

// NewsBuilder dedups articles across two vendor feeds, weights and sorts
// them, then runs an LLM sentiment pass over the trimmed article set.
type NewsBuilder struct {
	primary       upstream.NewsSource
	secondary     upstream.NewsSource
	keywords      KeywordGenerator
	sentiment     SentimentScorer
	retryAttempts int
	retryDelay    time.Duration
	log           zerolog.Logger
}

// NewNewsBuilder constructs a NewsBuilder. secondary may be nil to disable
// the second vendor feed.
func NewNewsBuilder(primary, secondary upstream.NewsSource, keywords KeywordGenerator, sentiment SentimentScorer, retryAttempts int, retryDelay time.Duration, log zerolog.Logger) *NewsBuilder {
	return &NewsBuilder{
		primary: primary, secondary: secondary, keywords: keywords, sentiment: sentiment,
		retryAttempts: retryAttempts, retryDelay: retryDelay, log: log.With().Str("builder", "news").Logger(),
	}
}

func fallbackKeywords(ticker string) []string {
	return []string{ticker, ticker + " earnings", ticker + " outlook", "guidance", "margin"}
}

// Build assembles the news + sentiment fragment.
func (b *NewsBuilder) Build(ctx context.Context, ticker string, baselineDate string, articleLimit int, llmEnabled bool) (domain.NewsFragment, error) {
	var keywords []string
	if llmEnabled && b.keywords != nil {
		generated, err := b.keywords.GenerateKeywords(ctx, ticker)
		if err != nil || len(generated) == 0 {
			keywords = fallbackKeywords(ticker)
		} else {
			keywords = generated
		}
	} else {
		keywords = fallbackKeywords(ticker)
	}

	var primaryArticles, secondaryArticles []upstream.RawArticle
	if err := retry.Do(ctx, b.retryAttempts, b.retryDelay, func(ctx context.Context) error {
		fetched, err := b.primary.RecentArticles(ctx, ticker, baselineDate, articleLimit*3)
		if err != nil {
			return err
		}
		primaryArticles = fetched
		return nil
	}); err != nil {
		return domain.NewsFragment{}, fmt.Errorf("fetch primary news: %w", err)
	}

	if b.secondary != nil {
		if err := retry.Do(ctx, b.retryAttempts, b.retryDelay, func(ctx context.Context) error {
			fetched, err := b.secondary.RecentArticles(ctx, ticker, baselineDate, articleLimit*3)
			if err != nil {
				return err
			}
			secondaryArticles = fetched
			return nil
		}); err != nil {
			b.log.Warn().Err(err).Str("ticker", ticker).Msg("secondary news feed failed, continuing with primary only")
		}
	}

	primaryArticles = filterByTicker(primaryArticles, ticker)
	secondaryArticles = filterByTicker(secondaryArticles, ticker)
	filtered := dedupeArticles(primaryArticles, 1.0, secondaryArticles, 0.7)

	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].Weight != filtered[j].Weight {
			return filtered[i].Weight > filtered[j].Weight
		}
		return filtered[i].PublishedAt > filtered[j].PublishedAt
	})
	if len(filtered) > articleLimit {
		filtered = filtered[:articleLimit]
	}

	fragment := domain.NewsFragment{
		Keywords:       keywords,
		Articles:       filtered,
		SentimentLabel: domain.SentimentNeutral,
	}

	if llmEnabled && b.sentiment != nil && len(filtered) > 0 {
		label, summary, events, err := b.sentiment.ScoreSentiment(ctx, ticker, filtered)
		if err == nil {
			fragment.SentimentLabel = label
			fragment.Summary = summary
			fragment.SupportingEvents = events
		} else {
			b.log.Warn().Err(err).Str("ticker", ticker).Msg("sentiment scoring failed, leaving neutral default")
		}
	}

	return fragment, nil
}

func dedupeArticles(primary []upstream.RawArticle, primaryWeight float64, secondary []upstream.RawArticle, secondaryWeight float64) []domain.NewsArticle {
	seen := make(map[string]domain.NewsArticle)
	add := func(items []upstream.RawArticle, weight float64) {
		for _, a := range items {
			key := strings.ToLower(a.URL)
			if key == "" {
				key = strings.ToLower(a.Title)
			}
			existing, ok := seen[key]
			if ok && existing.Weight >= weight {
				continue
			}
			seen[key] = domain.NewsArticle{Title: a.Title, URL: a.URL, Source: a.Source, PublishedAt: a.PublishedAt, Weight: weight}
		}
	}
	add(primary, primaryWeight)
	add(secondary, secondaryWeight)

	out := make([]domain.NewsArticle, 0, len(seen))
	for _, v := range seen {
		out = append(out, v)
	}
	return out
}

// filterByTicker keeps only articles the vendor itself tagged with the
// target ticker. A keyword-driven search can pull in articles that mention
// the company in passing without the piece being about it; the vendor's own
// per-article symbol list is the authoritative membership check. Articles
// with no tagging at all are kept, since some vendors omit it for wire
// pieces that still route correctly.
func filterByTicker(articles []upstream.RawArticle, ticker string) []upstream.RawArticle {
	target := strings.ToUpper(ticker)
	out := make([]upstream.RawArticle, 0, len(articles))
	for _, a := range articles {
		if len(a.Tickers) == 0 {
			out = append(out, a)
			continue
		}
		for _, sym := range a.Tickers {
			if strings.ToUpper(sym) == target {
				out = append(out, a)
				break
			}
		}
	}
	return out
}
