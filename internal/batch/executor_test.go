package batch

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/garen0616/us-equity-analyzer-pro/internal/cacheproc"
	"github.com/garen0616/us-equity-analyzer-pro/internal/domain"
	"github.com/garen0616/us-equity-analyzer-pro/internal/orchestrator"
	"github.com/garen0616/us-equity-analyzer-pro/internal/upstream"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingAnalyzer struct {
	calls int32
}

func (a *countingAnalyzer) Analyze(ctx context.Context, req orchestrator.Request) (*domain.AnalysisBundle, error) {
	atomic.AddInt32(&a.calls, 1)
	if req.Ticker == "BAD" {
		return nil, fmt.Errorf("upstream exploded")
	}
	b := &domain.AnalysisBundle{}
	b.Fetched.FinnhubSummary.PriceMeta.Value = 100
	b.Analysis = &domain.LLMAnalysis{Action: domain.LLMAction{Rating: "BUY", TargetPrice: 120}}
	return b, nil
}

type stubQuoteSource struct{}

func (stubQuoteSource) Quotes(ctx context.Context, symbols []string) (map[string]upstream.RawQuote, error) {
	out := make(map[string]upstream.RawQuote, len(symbols))
	for _, s := range symbols {
		out[s] = upstream.RawQuote{Value: 42, AsOf: time.Now()}
	}
	return out, nil
}

func TestExecutor_OneRowPerInput(t *testing.T) {
	analyzer := &countingAnalyzer{}
	ex := New(analyzer, stubQuoteSource{}, cacheproc.New(), time.Minute, 3, zerolog.Nop())

	rows := []Row{
		{Ticker: "NVDA", Date: "2024-01-02"},
		{Ticker: "AAPL", Date: "2024-01-02"},
		{Ticker: "BAD", Date: "2024-01-02"},
	}
	results := ex.Run(context.Background(), rows, "gpt-4o-mini", domain.ModeFull)

	require.Len(t, results, 3)
	assert.Equal(t, "BUY", results[0].Recommendation)
	assert.Equal(t, "BUY", results[1].Recommendation)
	assert.Contains(t, results[2].Recommendation, "ERROR:")
}

func TestExecutor_MemoizesDuplicateRows(t *testing.T) {
	analyzer := &countingAnalyzer{}
	ex := New(analyzer, stubQuoteSource{}, cacheproc.New(), time.Minute, 3, zerolog.Nop())

	rows := []Row{
		{Ticker: "NVDA", Date: "2024-01-02"},
		{Ticker: "NVDA", Date: "2024-01-02"},
	}
	results := ex.Run(context.Background(), rows, "gpt-4o-mini", domain.ModeFull)

	require.Len(t, results, 2)
	assert.Equal(t, results[0], results[1])
	assert.Equal(t, int32(1), atomic.LoadInt32(&analyzer.calls), "duplicate tuple should only run once")
}

func TestResolveConcurrency(t *testing.T) {
	assert.Equal(t, 2, ResolveConcurrency(domain.ModeMetricsOnly, 5))
	assert.Equal(t, 1, ResolveConcurrency(domain.ModeMetricsOnly, 1))
	assert.Equal(t, 1, ResolveConcurrency(domain.ModeCachedOnly, 1))
	assert.Equal(t, 2, ResolveConcurrency(domain.ModeCachedOnly, 5))
	assert.Equal(t, 5, ResolveConcurrency(domain.ModeFull, 5))
	assert.Equal(t, 5, ResolveConcurrency(domain.ModeDeferred, 5))
}

func TestExecutor_PrefetchPopulatesHotCache(t *testing.T) {
	analyzer := &countingAnalyzer{}
	hot := cacheproc.New()
	ex := New(analyzer, stubQuoteSource{}, hot, time.Minute, 3, zerolog.Nop())

	today := time.Now().UTC().Format("2006-01-02")
	rows := []Row{{Ticker: "NVDA", Date: today}}
	ex.Run(context.Background(), rows, "gpt-4o-mini", domain.ModeFull)

	_, ok := hot.Get("realtime_quote_NVDA")
	assert.True(t, ok)
}
