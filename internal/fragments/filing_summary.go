// Package fragments implements the per-concern builders (C6) that turn raw
// upstream data into the normalized fragments internal/orchestrator
// assembles into an AnalysisBundle. Most builders follow the same
// pipeline: check a cache tier, fetch-with-retry on miss, normalize vendor
// shapes into domain types, then write back to cache — the same
// cache-then-fetch shape the teacher's exchangerate.Client uses for a
// single value, generalized here to richer fragment types. NewsBuilder,
// MacroBuilder and PriceMetaBuilder.BuildHistorical keep no cache of their
// own and fetch on every call.
package fragments

import (
	"context"
	"fmt"
	"time"

	"github.com/garen0616/us-equity-analyzer-pro/internal/cachekv"
	"github.com/garen0616/us-equity-analyzer-pro/internal/domain"
	"github.com/garen0616/us-equity-analyzer-pro/internal/retry"
	"github.com/garen0616/us-equity-analyzer-pro/internal/upstream"
	"github.com/rs/zerolog"
)

// FilingSummarizer narrates a filing's MD&A section. internal/llm implements
// it; fragments depends only on this interface so the two packages never
// import each other.
type FilingSummarizer interface {
	SummarizeFiling(ctx context.Context, ticker string, form string, mdaText string) (summary string, kind domain.SummaryKind, err error)
}

// FilingSummaryStore is the durable, never-expiring half of the filing
// summary lookup: a given (ticker, form, filing_date) tuple names a fixed,
// already-filed document, so once summarized it is reusable forever, ahead
// of the KV Cache's TTL-bounded entry.
type FilingSummaryStore interface {
	GetFilingSummary(ctx context.Context, ticker string, form string, filingDate string) (domain.FilingSummary, bool, error)
	PutFilingSummary(ctx context.Context, ticker string, form string, filingDate string, summary domain.FilingSummary) error
}

// FilingSummaryBuilder produces one MD&A summary per filing. It consults the
// Results Store for a prior summary of the same filing before falling back
// to the KV Cache, then to the summarizer.
type FilingSummaryBuilder struct {
	source        upstream.FilingsSource
	summarizer    FilingSummarizer
	store         FilingSummaryStore
	kv            cachekv.Store
	ttl           time.Duration
	retryAttempts int
	retryDelay    time.Duration
	log           zerolog.Logger
}

// NewFilingSummaryBuilder constructs a FilingSummaryBuilder. store may be
// nil, in which case the durable lookup is skipped and only the KV Cache
// tier applies.
func NewFilingSummaryBuilder(source upstream.FilingsSource, summarizer FilingSummarizer, store FilingSummaryStore, kv cachekv.Store, ttl time.Duration, retryAttempts int, retryDelay time.Duration, log zerolog.Logger) *FilingSummaryBuilder {
	return &FilingSummaryBuilder{
		source:        source,
		summarizer:    summarizer,
		store:         store,
		kv:            kv,
		ttl:           ttl,
		retryAttempts: retryAttempts,
		retryDelay:    retryDelay,
		log:           log.With().Str("builder", "filing_summary").Logger(),
	}
}

// cacheKeyForFiling mirrors the format spec.md names explicitly: filing_summary_<ticker>_<form>_<date>.
func cacheKeyForFiling(ticker, form, filingDate string) string {
	return fmt.Sprintf("filing_summary_%s_%s_%s", ticker, form, filingDate)
}

// BuildOne summarizes a single filing, consulting the KV cache before
// invoking the summarizer and LLM-enabled re-fetch of prior fallback
// summaries once the LLM becomes available.
func (b *FilingSummaryBuilder) BuildOne(ctx context.Context, ticker string, filing upstream.RawFiling, llmEnabled bool) (domain.FilingSummary, error) {
	if b.store != nil {
		stored, ok, err := b.store.GetFilingSummary(ctx, ticker, filing.Form, filing.FilingDate)
		if err != nil {
			b.log.Warn().Err(err).Str("ticker", ticker).Str("form", filing.Form).Msg("filing summary store read failed, falling through to KV cache")
		} else if ok && !(stored.SummaryKind == domain.SummaryKindFallback && llmEnabled) {
			return stored, nil
		}
	}

	key := cacheKeyForFiling(ticker, filing.Form, filing.FilingDate)

	var cached domain.FilingSummary
	hit, _, err := b.kv.Get(key, b.ttl, &cached)
	if err != nil {
		b.log.Warn().Err(err).Str("key", key).Msg("filing summary cache read failed, treating as miss")
	}
	if hit && !(cached.SummaryKind == domain.SummaryKindFallback && llmEnabled) {
		return cached, nil
	}

	mdaText := filing.MDAText
	if mdaText == "" {
		if err := retry.Do(ctx, b.retryAttempts, b.retryDelay, func(ctx context.Context) error {
			refetched, err := b.source.RecentFilings(ctx, ticker, filing.FilingDate, 1)
			if err != nil {
				return err
			}
			if len(refetched) > 0 {
				mdaText = refetched[0].MDAText
			}
			return nil
		}); err != nil {
			return domain.FilingSummary{}, fmt.Errorf("refetch filing text: %w", err)
		}
	}

	summaryText, kind, err := b.summarizer.SummarizeFiling(ctx, ticker, filing.Form, mdaText)
	if err != nil {
		return domain.FilingSummary{}, fmt.Errorf("summarize filing: %w", err)
	}

	result := domain.FilingSummary{
		Form:        filing.Form,
		FilingDate:  filing.FilingDate,
		ReportDate:  filing.ReportDate,
		MDASummary:  summaryText,
		SummaryKind: kind,
	}
	if kind == domain.SummaryKindFallback {
		excerpt := mdaText
		if len(excerpt) > 400 {
			excerpt = excerpt[:400]
		}
		result.MDAExcerpt = &excerpt
	}

	if err := b.kv.Set(key, result); err != nil {
		b.log.Warn().Err(err).Str("key", key).Msg("failed to persist filing summary")
	}
	if b.store != nil {
		if err := b.store.PutFilingSummary(ctx, ticker, filing.Form, filing.FilingDate, result); err != nil {
			b.log.Warn().Err(err).Str("ticker", ticker).Str("form", filing.Form).Msg("failed to persist filing summary to results store")
		}
	}

	return result, nil
}

// Build summarizes every filing in filings, in order, stopping at maxCount.
func (b *FilingSummaryBuilder) Build(ctx context.Context, ticker string, filings []upstream.RawFiling, maxCount int, llmEnabled bool) ([]domain.FilingSummary, error) {
	if maxCount > 0 && len(filings) > maxCount {
		filings = filings[:maxCount]
	}
	out := make([]domain.FilingSummary, 0, len(filings))
	for _, f := range filings {
		summary, err := b.BuildOne(ctx, ticker, f, llmEnabled)
		if err != nil {
			return nil, fmt.Errorf("filing %s/%s: %w", f.Form, f.FilingDate, err)
		}
		out = append(out, summary)
	}
	return out, nil
}
