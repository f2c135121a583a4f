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

// TranscriptSummarizer turns raw transcript text into a structured summary.
// internal/llm implements this.
type TranscriptSummarizer interface {
	SummarizeTranscript(ctx context.Context, ticker string, quarter string, text string) (summary string, bullets []string, err error)
}

// EarningsCallBuilder tries the baseline's quarter, then the prior quarter;
// it caches a missing-quarter placeholder so the fallback loop advances
// instead of re-querying every request.
type EarningsCallBuilder struct {
	source        upstream.TranscriptSource
	summarizer    TranscriptSummarizer
	kv            cachekv.Store
	ttl           time.Duration
	retryAttempts int
	retryDelay    time.Duration
	log           zerolog.Logger
}

// NewEarningsCallBuilder constructs an EarningsCallBuilder.
func NewEarningsCallBuilder(source upstream.TranscriptSource, summarizer TranscriptSummarizer, kv cachekv.Store, ttl time.Duration, retryAttempts int, retryDelay time.Duration, log zerolog.Logger) *EarningsCallBuilder {
	return &EarningsCallBuilder{
		source: source, summarizer: summarizer, kv: kv, ttl: ttl,
		retryAttempts: retryAttempts, retryDelay: retryDelay, log: log.With().Str("builder", "earnings_call").Logger(),
	}
}

// Build attempts the baseline's quarter then falls back one quarter.
func (b *EarningsCallBuilder) Build(ctx context.Context, ticker string, baselineDate string) (domain.EarningsCallFragment, error) {
	cacheKey := "earnings_call_" + ticker + "_" + baselineDate

	var cached domain.EarningsCallFragment
	hit, empty, err := b.kv.Get(cacheKey, b.ttl, &cached)
	if err != nil {
		b.log.Warn().Err(err).Str("key", cacheKey).Msg("earnings call cache read failed, treating as miss")
	}
	if hit {
		return cached, nil
	}
	if empty {
		return domain.EarningsCallFragment{Missing: true}, nil
	}

	var transcript upstream.RawTranscript
	if err := retry.Do(ctx, b.retryAttempts, b.retryDelay, func(ctx context.Context) error {
		fetched, err := b.source.LatestTranscript(ctx, ticker, baselineDate)
		if err != nil {
			return err
		}
		transcript = fetched
		return nil
	}); err != nil {
		return domain.EarningsCallFragment{}, fmt.Errorf("fetch transcript: %w", err)
	}

	if transcript.Missing {
		priorQuarterDate := priorQuarterAnchor(baselineDate)
		if err := retry.Do(ctx, b.retryAttempts, b.retryDelay, func(ctx context.Context) error {
			fetched, err := b.source.LatestTranscript(ctx, ticker, priorQuarterDate)
			if err != nil {
				return err
			}
			transcript = fetched
			return nil
		}); err != nil {
			return domain.EarningsCallFragment{}, fmt.Errorf("fetch prior-quarter transcript: %w", err)
		}
	}

	if transcript.Missing {
		if err := b.kv.SetEmpty(cacheKey); err != nil {
			b.log.Warn().Err(err).Msg("failed to cache missing earnings call placeholder")
		}
		return domain.EarningsCallFragment{Missing: true}, nil
	}

	summary, bullets, err := b.summarizer.SummarizeTranscript(ctx, ticker, transcript.Quarter, transcript.Text)
	if err != nil {
		return domain.EarningsCallFragment{}, fmt.Errorf("summarize transcript: %w", err)
	}

	fragment := domain.EarningsCallFragment{Quarter: transcript.Quarter, Summary: summary, Bullets: bullets}
	if err := b.kv.Set(cacheKey, fragment); err != nil {
		b.log.Warn().Err(err).Msg("failed to persist earnings call summary")
	}
	return fragment, nil
}

// priorQuarterAnchor returns a date roughly one quarter before baseline, so
// the transcript vendor's "latest at or before" semantics land on the prior
// reporting period.
func priorQuarterAnchor(baselineDate string) string {
	baseline, err := time.Parse("2006-01-02", baselineDate)
	if err != nil {
		return baselineDate
	}
	return baseline.AddDate(0, -3, 0).Format("2006-01-02")
}
