package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/garen0616/us-equity-analyzer-pro/internal/cacheproc"
	"github.com/garen0616/us-equity-analyzer-pro/internal/cachekv"
	"github.com/garen0616/us-equity-analyzer-pro/internal/domain"
	"github.com/garen0616/us-equity-analyzer-pro/internal/fragments"
	"github.com/garen0616/us-equity-analyzer-pro/internal/payload"
	"github.com/garen0616/us-equity-analyzer-pro/internal/upstream"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQuoteAndBars struct {
	quote map[string]upstream.RawQuote
	bars  []upstream.Bar
}

func (f *fakeQuoteAndBars) Quotes(ctx context.Context, symbols []string) (map[string]upstream.RawQuote, error) {
	return f.quote, nil
}

func (f *fakeQuoteAndBars) DailyBars(ctx context.Context, symbol string, asOfDate string, lookbackDays int) ([]upstream.Bar, error) {
	return f.bars, nil
}

func syntheticBars(n int, start float64) []upstream.Bar {
	bars := make([]upstream.Bar, n)
	price := start
	base := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		price *= 1.001
		bars[i] = upstream.Bar{Date: base.AddDate(0, 0, i).Format("2006-01-02"), Open: price, High: price * 1.01, Low: price * 0.99, Close: price, Volume: 1_000_000}
	}
	return bars
}

type fakeAnalystSource struct{}

func (fakeAnalystSource) PriceTargets(ctx context.Context, ticker string) (upstream.RawPriceTarget, error) {
	mean := 150.0
	return upstream.RawPriceTarget{Mean: &mean, NumAnalysts: 10}, nil
}
func (fakeAnalystSource) Ratings(ctx context.Context, ticker string, asOfDate string) (upstream.RawRating, []upstream.RawRating, error) {
	return upstream.RawRating{Date: asOfDate, Score: 4, Buy: 10, Hold: 2, Sell: 1}, nil, nil
}
func (fakeAnalystSource) RecentGrades(ctx context.Context, ticker string, asOfDate string, windowDays int) ([]upstream.RawGradeAction, error) {
	return nil, nil
}

type fakeInstitutionalSource struct{}

func (fakeInstitutionalSource) ThirteenF(ctx context.Context, ticker string, quartersBack int) (upstream.RawInstitutionalQuarter, bool, error) {
	net := 1000.0
	return upstream.RawInstitutionalQuarter{AsOf: "2024-01-01", NetSharesSummary: &net}, true, nil
}
func (fakeInstitutionalSource) InsiderTrades(ctx context.Context, ticker string, from string, to string) ([]upstream.RawInsiderTrade, error) {
	return nil, nil
}
func (fakeInstitutionalSource) GradeCounts(ctx context.Context, ticker string, from string, to string) (int, int, error) {
	return 0, 0, nil
}

type fakeNewsSource struct{}

func (fakeNewsSource) RecentArticles(ctx context.Context, ticker string, asOfDate string, limit int) ([]upstream.RawArticle, error) {
	return []upstream.RawArticle{{Title: "steady quarter", Source: "wire", PublishedAt: asOfDate}}, nil
}

type fakeTranscriptSource struct{}

func (fakeTranscriptSource) LatestTranscript(ctx context.Context, ticker string, asOfDate string) (upstream.RawTranscript, error) {
	return upstream.RawTranscript{Missing: true}, nil
}

type fakeMacroSource struct{}

func (fakeMacroSource) Snapshot(ctx context.Context, asOfDate string, windowDays int) (upstream.RawMacroSnapshot, error) {
	y10, y2 := 4.2, 4.5
	return upstream.RawMacroSnapshot{Yield10Y: &y10, Yield2Y: &y2}, nil
}

type fakeFilingsSource struct{}

func (fakeFilingsSource) RecentFilings(ctx context.Context, ticker string, baselineDate string, limit int) ([]upstream.RawFiling, error) {
	return []upstream.RawFiling{{Form: "10-Q", FilingDate: baselineDate, ReportDate: baselineDate, MDAText: "revenue grew"}}, nil
}

type fakeFilingSummarizer struct{}

func (fakeFilingSummarizer) SummarizeFiling(ctx context.Context, ticker string, form string, mdaText string) (string, domain.SummaryKind, error) {
	return "summary: " + mdaText, domain.SummaryKindFallback, nil
}

type fakeTranscriptSummarizer struct{}

func (fakeTranscriptSummarizer) SummarizeTranscript(ctx context.Context, ticker string, quarter string, text string) (string, []string, error) {
	return "", nil, nil
}

type fakeLLM struct {
	rating string
	called int
}

func (f *fakeLLM) Analyze(ctx context.Context, payload map[string]interface{}, model string) (*domain.LLMAnalysis, *domain.LLMUsage, error) {
	f.called++
	return &domain.LLMAnalysis{Action: domain.LLMAction{Rating: f.rating, TargetPrice: 300, Confidence: "medium"}},
		&domain.LLMUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15, TotalCost: 0.01}, nil
}

type memoryResultsStore struct {
	bundles map[domain.RequestKey]*domain.AnalysisBundle
}

func newMemoryResultsStore() *memoryResultsStore {
	return &memoryResultsStore{bundles: make(map[domain.RequestKey]*domain.AnalysisBundle)}
}

func (m *memoryResultsStore) GetBundle(ctx context.Context, key domain.RequestKey) (*domain.AnalysisBundle, bool, error) {
	b, ok := m.bundles[key]
	return b, ok, nil
}

func (m *memoryResultsStore) PutBundle(ctx context.Context, key domain.RequestKey, bundle *domain.AnalysisBundle) error {
	m.bundles[key] = bundle
	return nil
}

func testService(t *testing.T, llm LLMAnalyzer) (*Service, *memoryResultsStore) {
	t.Helper()
	log := zerolog.Nop()
	quoteBars := &fakeQuoteAndBars{
		quote: map[string]upstream.RawQuote{"AAPL": {Value: 200, AsOf: time.Now()}},
		bars:  syntheticBars(260, 100),
	}
	store := newMemoryResultsStore()

	builders := Builders{
		PriceMeta:      fragments.NewPriceMetaBuilder(quoteBars, nil, quoteBars, nil, cacheproc.New(), 1, time.Millisecond, log),
		Momentum:       fragments.NewMomentumBuilder(quoteBars, cacheproc.New(), 1, time.Millisecond, log),
		AnalystSignals: fragments.NewAnalystSignalsBuilder(fakeAnalystSource{}, fakeAnalystSource{}, fakeAnalystSource{}, nil, cacheproc.New(), 1, time.Millisecond, 3, 14, 12*time.Hour, 12*time.Hour, 24*time.Hour, log),
		Institutional:  fragments.NewInstitutionalBuilder(fakeInstitutionalSource{}, cachekv.NewMemoryStore(), time.Hour, 1, time.Millisecond, log),
		News:           fragments.NewNewsBuilder(fakeNewsSource{}, nil, nil, nil, 1, time.Millisecond, log),
		EarningsCall:   fragments.NewEarningsCallBuilder(fakeTranscriptSource{}, fakeTranscriptSummarizer{}, cachekv.NewMemoryStore(), time.Hour, 1, time.Millisecond, log),
		Macro:          fragments.NewMacroBuilder(fakeMacroSource{}, 1, time.Millisecond, log),
		FilingSummary:  fragments.NewFilingSummaryBuilder(fakeFilingsSource{}, fakeFilingSummarizer{}, nil, cachekv.NewMemoryStore(), time.Hour, 1, time.Millisecond, log),
	}

	cfg := Config{
		RealtimeResultTTL:   time.Hour,
		HistoricalResultTTL: 24 * time.Hour,
		NewsCacheTTL:        6 * time.Hour,
		MomentumCacheTTL:    6 * time.Hour,
		HotQuoteTTL:         time.Minute,
		MaxFilingsForLLM:    2,
		NewsArticleLimit:    4,
		MacroEventLimit:     10,
		MacroWindowDays:     14,
		ExtendedWindowDays:  14,
		FilingFanout:        3,
		MomentumSevereThreshold: 20,
		Guardrails: payload.GuardrailConfig{
			WeakSignalTargetFloor: 0.8, WeakSignalTargetCap: 1.25,
			LLMTargetMinMultiplier: 0.6, LLMTargetMaxMultiplier: 1.8,
		},
		DefaultModel: "gpt-4o-mini",
	}

	svc := NewService(cfg, store, cachekv.NewMemoryStore(), fakeFilingsSource{}, builders, llm, nil, nil, log)
	return svc, store
}

func TestService_Analyze_FullModeProducesRatingAndPersists(t *testing.T) {
	llm := &fakeLLM{rating: "BUY"}
	svc, store := testService(t, llm)

	today := time.Now().UTC().Format("2006-01-02")
	bundle, err := svc.Analyze(context.Background(), Request{Ticker: "aapl", Date: today, Mode: domain.ModeFull})
	require.NoError(t, err)
	assert.Equal(t, "BUY", bundle.Analysis.Action.Rating)
	assert.Equal(t, "AAPL", bundle.Input.Ticker)
	assert.Equal(t, 1, llm.called)
	assert.Len(t, store.bundles, 1)
	assert.NotEmpty(t, bundle.Inputs)
}

func TestService_Analyze_CachedOnlyMissReturnsCacheMissError(t *testing.T) {
	llm := &fakeLLM{rating: "BUY"}
	svc, _ := testService(t, llm)

	today := time.Now().UTC().Format("2006-01-02")
	_, err := svc.Analyze(context.Background(), Request{Ticker: "AAPL", Date: today, Mode: domain.ModeCachedOnly})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCacheMiss)
	assert.Equal(t, 0, llm.called, "cached-only must never trigger fragment or LLM work")
}

func TestService_Analyze_CachedOnlyHitsAfterFullRun(t *testing.T) {
	llm := &fakeLLM{rating: "HOLD"}
	svc, _ := testService(t, llm)

	today := time.Now().UTC().Format("2006-01-02")
	_, err := svc.Analyze(context.Background(), Request{Ticker: "AAPL", Date: today, Mode: domain.ModeFull})
	require.NoError(t, err)

	bundle, err := svc.Analyze(context.Background(), Request{Ticker: "AAPL", Date: today, Mode: domain.ModeCachedOnly})
	require.NoError(t, err)
	assert.Equal(t, "HOLD", bundle.Analysis.Action.Rating)
}

func TestService_Analyze_MetricsOnlySkipsLLMCall(t *testing.T) {
	llm := &fakeLLM{rating: "BUY"}
	svc, _ := testService(t, llm)

	today := time.Now().UTC().Format("2006-01-02")
	bundle, err := svc.Analyze(context.Background(), Request{Ticker: "AAPL", Date: today, Mode: domain.ModeMetricsOnly})
	require.NoError(t, err)
	assert.Nil(t, bundle.Analysis)
	assert.Equal(t, 0, llm.called)
}

func TestService_Analyze_InvalidModeIsValidationError(t *testing.T) {
	llm := &fakeLLM{rating: "BUY"}
	svc, _ := testService(t, llm)

	_, err := svc.Analyze(context.Background(), Request{Ticker: "AAPL", Date: "2024-01-02", Mode: "bogus"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestService_Analyze_ConcurrentIdenticalRequestsCollapse(t *testing.T) {
	llm := &fakeLLM{rating: "BUY"}
	svc, _ := testService(t, llm)

	today := time.Now().UTC().Format("2006-01-02")
	results := make(chan error, 5)
	for i := 0; i < 5; i++ {
		go func() {
			_, err := svc.Analyze(context.Background(), Request{Ticker: "AAPL", Date: today, Mode: domain.ModeFull})
			results <- err
		}()
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, <-results)
	}
}
