package fragments

import (
	"context"
	"fmt"
	"time"

	"github.com/garen0616/us-equity-analyzer-pro/internal/cacheproc"
	"github.com/garen0616/us-equity-analyzer-pro/internal/domain"
	"github.com/garen0616/us-equity-analyzer-pro/internal/retry"
	"github.com/garen0616/us-equity-analyzer-pro/internal/upstream"
	"github.com/rs/zerolog"
)

// PriceMetaBuilder resolves the as-of price that the orchestrator records
// on the bundle and uses as the guardrail reference. Historical requests
// walk back up to
// 7 trading days looking for a matching bar before falling back to a
// chart-derived close; real-time requests prefer the process-local hot
// quote over a fresh vendor round trip. Both legs carry a secondary-vendor
// fallback per spec.md §4.6.2's priority chain (primary FMP-style quote/bars
// vendor, then a secondary chart/quote vendor) before giving up and
// returning the real-time_fallback placeholder.
type PriceMetaBuilder struct {
	historical         upstream.HistoricalPriceSource
	historicalFallback upstream.HistoricalPriceSource
	quotes             upstream.QuoteSource
	quotesFallback     upstream.QuoteSource
	hotCache           *cacheproc.Cache
	retryAttempts      int
	retryDelay         time.Duration
	log                zerolog.Logger
}

// NewPriceMetaBuilder constructs a PriceMetaBuilder. historicalFallback and
// quotesFallback may be nil, in which case a primary-vendor failure falls
// straight through to the real-time_fallback placeholder as before.
func NewPriceMetaBuilder(historical upstream.HistoricalPriceSource, historicalFallback upstream.HistoricalPriceSource, quotes upstream.QuoteSource, quotesFallback upstream.QuoteSource, hotCache *cacheproc.Cache, retryAttempts int, retryDelay time.Duration, log zerolog.Logger) *PriceMetaBuilder {
	return &PriceMetaBuilder{
		historical:         historical,
		historicalFallback: historicalFallback,
		quotes:             quotes,
		quotesFallback:     quotesFallback,
		hotCache:           hotCache,
		retryAttempts:      retryAttempts,
		retryDelay:         retryDelay,
		log:                log.With().Str("builder", "price_meta").Logger(),
	}
}

const maxHistoricalBacktrackDays = 7

// BuildHistorical walks backward from baselineDate up to
// maxHistoricalBacktrackDays trading days looking for a matching bar,
// trying the primary vendor first and a secondary vendor on failure or an
// empty result before giving up. Weekends are skipped when counting;
// exchange holidays are counted as trading days.
func (b *PriceMetaBuilder) BuildHistorical(ctx context.Context, ticker string, baselineDate string) (domain.PriceMeta, error) {
	baseline, err := time.Parse("2006-01-02", baselineDate)
	if err != nil {
		return domain.PriceMeta{}, fmt.Errorf("parse baseline date: %w", err)
	}

	bars, source := b.fetchBarsWithFallback(ctx, ticker, baselineDate)
	if len(bars) == 0 {
		return domain.PriceMeta{
			Value:  0,
			AsOf:   baselineDate,
			Source: "real-time_fallback",
			Kind:   domain.PriceKindHistorical,
		}, nil
	}

	day := baseline
	for stepped := 0; stepped <= maxHistoricalBacktrackDays; {
		wantDate := day.Format("2006-01-02")
		for _, bar := range bars {
			if bar.Date == wantDate {
				return domain.PriceMeta{
					Value:  bar.Close,
					AsOf:   bar.Date,
					Source: source,
					Kind:   domain.PriceKindHistorical,
				}, nil
			}
		}
		day = day.AddDate(0, 0, -1)
		if wd := day.Weekday(); wd != time.Saturday && wd != time.Sunday {
			stepped++
		}
	}

	last := bars[len(bars)-1]
	return domain.PriceMeta{
		Value:  last.Close,
		AsOf:   last.Date,
		Source: source + "_nearest",
		Kind:   domain.PriceKindHistorical,
	}, nil
}

// fetchBarsWithFallback tries the primary historical vendor, then the
// secondary one, returning the bars and a source tag naming whichever
// vendor actually produced them.
func (b *PriceMetaBuilder) fetchBarsWithFallback(ctx context.Context, ticker string, baselineDate string) ([]upstream.Bar, string) {
	var bars []upstream.Bar
	err := retry.Do(ctx, b.retryAttempts, b.retryDelay, func(ctx context.Context) error {
		fetched, err := b.historical.DailyBars(ctx, ticker, baselineDate, 260)
		if err != nil {
			return err
		}
		bars = fetched
		return nil
	})
	if err == nil && len(bars) > 0 {
		return bars, "historical_bars"
	}

	if b.historicalFallback == nil {
		return nil, ""
	}

	b.log.Warn().Err(err).Str("ticker", ticker).Msg("primary historical vendor failed, trying secondary")
	err = retry.Do(ctx, b.retryAttempts, b.retryDelay, func(ctx context.Context) error {
		fetched, err := b.historicalFallback.DailyBars(ctx, ticker, baselineDate, 260)
		if err != nil {
			return err
		}
		bars = fetched
		return nil
	})
	if err != nil || len(bars) == 0 {
		return nil, ""
	}
	return bars, "yahoo_chart"
}

// BuildRealTime serves from the process-local hot cache when fresh, else
// tries the primary live-quote vendor and falls back to a secondary vendor
// before giving up, repopulating the hot cache on any success.
func (b *PriceMetaBuilder) BuildRealTime(ctx context.Context, ticker string, hotTTL time.Duration) (domain.PriceMeta, error) {
	cacheKey := "realtime_quote_" + ticker
	if cached, ok := b.hotCache.Get(cacheKey); ok {
		if meta, ok := cached.(domain.PriceMeta); ok {
			return meta, nil
		}
	}

	quote, source, ok := b.fetchQuoteWithFallback(ctx, ticker)
	if !ok {
		return domain.PriceMeta{
			Value:  0,
			AsOf:   time.Now().UTC().Format(time.RFC3339),
			Source: "real-time_fallback",
			Kind:   domain.PriceKindRealTime,
		}, nil
	}

	meta := domain.PriceMeta{
		Value:     quote.Value,
		AsOf:      quote.AsOf.Format(time.RFC3339),
		Source:    source,
		Kind:      domain.PriceKindRealTime,
		Extended:  quote.Extended,
		YearHigh:  quote.YearHigh,
		YearLow:   quote.YearLow,
		MarketCap: quote.MarketCap,
	}

	b.hotCache.Set(cacheKey, meta, hotTTL)
	return meta, nil
}

// fetchQuoteWithFallback tries the primary live-quote vendor, then the
// secondary one, reporting which vendor actually answered.
func (b *PriceMetaBuilder) fetchQuoteWithFallback(ctx context.Context, ticker string) (upstream.RawQuote, string, bool) {
	var quotes map[string]upstream.RawQuote
	err := retry.Do(ctx, b.retryAttempts, b.retryDelay, func(ctx context.Context) error {
		fetched, err := b.quotes.Quotes(ctx, []string{ticker})
		if err != nil {
			return err
		}
		quotes = fetched
		return nil
	})
	if err == nil {
		if quote, ok := quotes[ticker]; ok {
			return quote, "real-time_quote", true
		}
	}

	if b.quotesFallback == nil {
		return upstream.RawQuote{}, "", false
	}

	b.log.Warn().Err(err).Str("ticker", ticker).Msg("primary quote vendor failed, trying secondary")
	err = retry.Do(ctx, b.retryAttempts, b.retryDelay, func(ctx context.Context) error {
		fetched, err := b.quotesFallback.Quotes(ctx, []string{ticker})
		if err != nil {
			return err
		}
		quotes = fetched
		return nil
	})
	if err != nil {
		return upstream.RawQuote{}, "", false
	}
	quote, ok := quotes[ticker]
	if !ok {
		return upstream.RawQuote{}, "", false
	}
	return quote, "yahoo_quote", true
}
