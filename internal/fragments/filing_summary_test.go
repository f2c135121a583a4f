package fragments

import (
	"context"
	"testing"
	"time"

	"github.com/garen0616/us-equity-analyzer-pro/internal/cachekv"
	"github.com/garen0616/us-equity-analyzer-pro/internal/domain"
	"github.com/garen0616/us-equity-analyzer-pro/internal/upstream"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFilingsSource struct {
	refetchText string
}

func (f *fakeFilingsSource) RecentFilings(ctx context.Context, ticker string, baselineDate string, limit int) ([]upstream.RawFiling, error) {
	return []upstream.RawFiling{{Form: "10-K", FilingDate: baselineDate, MDAText: f.refetchText}}, nil
}

type fakeSummarizer struct {
	kind domain.SummaryKind
}

func (f *fakeSummarizer) SummarizeFiling(ctx context.Context, ticker string, form string, mdaText string) (string, domain.SummaryKind, error) {
	if f.kind == domain.SummaryKindFallback {
		return "fallback summary", domain.SummaryKindFallback, nil
	}
	return "llm summary", domain.SummaryKindLLM, nil
}

func TestFilingSummaryBuilder_BuildOne_FetchesAndCaches(t *testing.T) {
	kv := cachekv.NewMemoryStore()
	builder := NewFilingSummaryBuilder(&fakeFilingsSource{}, &fakeSummarizer{kind: domain.SummaryKindLLM}, nil, kv, time.Hour, 1, time.Millisecond, zerolog.Nop())

	filing := upstream.RawFiling{Form: "10-K", FilingDate: "2024-01-02", MDAText: "strong results"}
	summary, err := builder.BuildOne(context.Background(), "AAPL", filing, true)
	require.NoError(t, err)
	assert.Equal(t, domain.SummaryKindLLM, summary.SummaryKind)
	assert.Nil(t, summary.MDAExcerpt)

	var cached domain.FilingSummary
	hit, _, err := kv.Get(cacheKeyForFiling("AAPL", "10-K", "2024-01-02"), time.Hour, &cached)
	require.NoError(t, err)
	assert.True(t, hit)
}

func TestFilingSummaryBuilder_BuildOne_FallbackAttachesExcerpt(t *testing.T) {
	kv := cachekv.NewMemoryStore()
	longText := make([]byte, 500)
	for i := range longText {
		longText[i] = 'x'
	}
	builder := NewFilingSummaryBuilder(&fakeFilingsSource{}, &fakeSummarizer{kind: domain.SummaryKindFallback}, nil, kv, time.Hour, 1, time.Millisecond, zerolog.Nop())

	filing := upstream.RawFiling{Form: "10-Q", FilingDate: "2024-04-01", MDAText: string(longText)}
	summary, err := builder.BuildOne(context.Background(), "AAPL", filing, false)
	require.NoError(t, err)
	require.NotNil(t, summary.MDAExcerpt)
	assert.Len(t, *summary.MDAExcerpt, 400)
}

func TestFilingSummaryBuilder_BuildOne_RefreshesStaleFallbackWhenLLMEnabled(t *testing.T) {
	kv := cachekv.NewMemoryStore()
	builder := NewFilingSummaryBuilder(&fakeFilingsSource{refetchText: "refetched"}, &fakeSummarizer{kind: domain.SummaryKindFallback}, nil, kv, time.Hour, 1, time.Millisecond, zerolog.Nop())
	filing := upstream.RawFiling{Form: "10-K", FilingDate: "2024-01-02", MDAText: "initial"}

	_, err := builder.BuildOne(context.Background(), "AAPL", filing, false)
	require.NoError(t, err)

	builder.summarizer = &fakeSummarizer{kind: domain.SummaryKindLLM}
	summary, err := builder.BuildOne(context.Background(), "AAPL", filing, true)
	require.NoError(t, err)
	assert.Equal(t, domain.SummaryKindLLM, summary.SummaryKind, "a cached fallback must be refreshed once the LLM is enabled")
}

func TestFilingSummaryBuilder_Build_RespectsMaxCount(t *testing.T) {
	kv := cachekv.NewMemoryStore()
	builder := NewFilingSummaryBuilder(&fakeFilingsSource{}, &fakeSummarizer{kind: domain.SummaryKindLLM}, nil, kv, time.Hour, 1, time.Millisecond, zerolog.Nop())

	filings := []upstream.RawFiling{
		{Form: "10-K", FilingDate: "2024-01-02"},
		{Form: "10-Q", FilingDate: "2024-04-01"},
		{Form: "10-Q", FilingDate: "2024-07-01"},
	}
	summaries, err := builder.Build(context.Background(), "AAPL", filings, 2, true)
	require.NoError(t, err)
	assert.Len(t, summaries, 2)
}
