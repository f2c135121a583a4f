// Package batch implements the Batch Executor (C10): bounded-concurrency
// worker pool over a parsed list of (ticker, date, model) rows, with
// multi-symbol quote prefetch into the process cache and de-duplicating
// memoization so two rows requesting the same tuple share one orchestration
// run. Grounded on internal/orchestrator's keyed in-flight registry
// (fragments.AnalystSignalsBuilder's collapse-concurrent-callers shape,
// generalized here to whole batch rows) and internal/upstream.QuoteSource's
// batched-quotes contract.
package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/garen0616/us-equity-analyzer-pro/internal/cacheproc"
	"github.com/garen0616/us-equity-analyzer-pro/internal/domain"
	"github.com/garen0616/us-equity-analyzer-pro/internal/orchestrator"
	"github.com/garen0616/us-equity-analyzer-pro/internal/upstream"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// prefetchBatchSize is the vendor-call chunk size for the quote prefetch
// step, per spec.md §4.10's "batches of 50".
const prefetchBatchSize = 50

// Row is one parsed input row: a ticker/date pair with an optional
// per-row model override.
type Row struct {
	Ticker string
	Date   string
	Model  string
}

// ResultRow is one output row, matching the fixed CSV column set of
// spec.md §6's /api/batch response. Recommendation carries an
// "ERROR:<message>" value instead of failing the whole batch when the
// underlying orchestration run fails for that row.
type ResultRow struct {
	Ticker               string
	Date                 string
	Model                string
	CurrentPrice         float64
	LLMTargetPrice       float64
	Recommendation       string
	Segment              string
	QualityScore         float64
	NewsSentiment        string
	MomentumScore        float64
	TrendFlag            string
	InstitutionalSignal  string
	AnalystConsensus     float64
	AnalystUpsidePct     float64
	PriceTargetMean      float64
	PriceTargetConfidence string
}

// Analyzer is the narrow slice of orchestrator.Service the batch executor
// drives. Declared here so this package doesn't need orchestrator's full
// construction surface, only its single entry point.
type Analyzer interface {
	Analyze(ctx context.Context, req orchestrator.Request) (*domain.AnalysisBundle, error)
}

// Executor runs batch rows with bounded concurrency, quote prefetch, and
// per-tuple memoization.
type Executor struct {
	analyzer Analyzer
	quotes   upstream.QuoteSource
	hotCache *cacheproc.Cache
	hotTTL   time.Duration
	log      zerolog.Logger

	defaultConcurrency int
}

// New constructs an Executor. defaultConcurrency is spec.md §6's
// BATCH_CONCURRENCY config value, scaled per-run by ResolveConcurrency.
func New(analyzer Analyzer, quotes upstream.QuoteSource, hotCache *cacheproc.Cache, hotTTL time.Duration, defaultConcurrency int, log zerolog.Logger) *Executor {
	if defaultConcurrency < 1 {
		defaultConcurrency = 1
	}
	return &Executor{
		analyzer:           analyzer,
		quotes:             quotes,
		hotCache:           hotCache,
		hotTTL:             hotTTL,
		defaultConcurrency: defaultConcurrency,
		log:                log.With().Str("component", "batch_executor").Logger(),
	}
}

// ResolveConcurrency implements spec.md §4.10 step 2's mode-scaled worker
// count: metrics-only is capped at min(2, default); cached-only
// is disk-bound so it gets max(1, default/2); full and deferred run at the
// configured default since they're the LLM-bound, most latency-sensitive
// path.
func ResolveConcurrency(mode domain.RequestMode, defaultConcurrency int) int {
	switch mode {
	case domain.ModeMetricsOnly:
		if defaultConcurrency < 2 {
			return defaultConcurrency
		}
		return 2
	case domain.ModeCachedOnly:
		half := defaultConcurrency / 2
		if half < 1 {
			return 1
		}
		return half
	default:
		return defaultConcurrency
	}
}

type future struct {
	done   chan struct{}
	result ResultRow
}

// Run executes rows against the orchestrator, returning exactly one
// ResultRow per input row in input order.
func (e *Executor) Run(ctx context.Context, rows []Row, defaultModel string, mode domain.RequestMode) []ResultRow {
	runID := uuid.NewString()
	log := e.log.With().Str("batch_run_id", runID).Logger()
	log.Info().Int("rows", len(rows)).Str("mode", string(mode)).Msg("batch run started")

	today := time.Now().UTC().Format("2006-01-02")
	e.prefetchRealtimeQuotes(ctx, rows, today)

	concurrency := ResolveConcurrency(mode, e.defaultConcurrency)
	results := make([]ResultRow, len(rows))

	var memoMu sync.Mutex
	memo := make(map[string]*future)

	indices := make(chan int, len(rows))
	for i := range rows {
		indices <- i
	}
	close(indices)

	var wg sync.WaitGroup
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range indices {
				results[i] = e.runOne(ctx, rows[i], defaultModel, mode, &memoMu, memo)
			}
		}()
	}
	wg.Wait()

	log.Info().Int("rows", len(rows)).Msg("batch run finished")
	return results
}

func (e *Executor) runOne(ctx context.Context, row Row, defaultModel string, mode domain.RequestMode, memoMu *sync.Mutex, memo map[string]*future) ResultRow {
	model := row.Model
	if model == "" {
		model = defaultModel
	}
	memoKey := fmt.Sprintf("%s|%s|%s|%s", row.Ticker, row.Date, model, mode)

	memoMu.Lock()
	if f, ok := memo[memoKey]; ok {
		memoMu.Unlock()
		<-f.done
		return f.result
	}
	f := &future{done: make(chan struct{})}
	memo[memoKey] = f
	memoMu.Unlock()

	f.result = e.analyzeRow(ctx, row, model, mode)
	close(f.done)
	return f.result
}

func (e *Executor) analyzeRow(ctx context.Context, row Row, model string, mode domain.RequestMode) ResultRow {
	out := ResultRow{Ticker: row.Ticker, Date: row.Date, Model: model}

	bundle, err := e.analyzer.Analyze(ctx, orchestrator.Request{
		Ticker: row.Ticker,
		Date:   row.Date,
		Model:  model,
		Mode:   mode,
	})
	if err != nil {
		out.Recommendation = "ERROR:" + err.Error()
		e.log.Warn().Err(err).Str("ticker", row.Ticker).Str("date", row.Date).Msg("batch row failed")
		return out
	}

	out.CurrentPrice = bundle.Fetched.FinnhubSummary.PriceMeta.Value
	if bundle.Analysis != nil {
		out.LLMTargetPrice = bundle.Analysis.Action.TargetPrice
		out.Recommendation = bundle.Analysis.Action.Rating
	}
	if bundle.Momentum != nil {
		out.MomentumScore = bundle.Momentum.Score
		out.TrendFlag = string(bundle.Momentum.Trend)
	}
	if bundle.Institutional != nil {
		out.InstitutionalSignal = string(bundle.Institutional.Signal.Label)
	}
	if bundle.News != nil {
		out.NewsSentiment = string(bundle.News.SentimentLabel)
	}
	if bundle.AnalystMetrics != nil {
		out.AnalystConsensus = bundle.AnalystMetrics.ConsensusScore
		out.QualityScore = bundle.AnalystMetrics.ConsensusScore
		if bundle.AnalystMetrics.UpsidePct != nil {
			out.AnalystUpsidePct = *bundle.AnalystMetrics.UpsidePct
		}
	}
	if bundle.AnalystSignals != nil {
		out.PriceTargetConfidence = bundle.AnalystSignals.PriceTargetSummary.Confidence
		if bundle.AnalystSignals.PriceTargetSummary.Mean != nil {
			out.PriceTargetMean = *bundle.AnalystSignals.PriceTargetSummary.Mean
		}
		if bundle.AnalystSignals.Grades != nil {
			out.Segment = bundle.AnalystSignals.Grades.Consensus
		}
	}
	return out
}

// prefetchRealtimeQuotes implements spec.md §4.10 step 1: for every row
// whose date is today (not historical), issue one multi-symbol quote
// request per 50-symbol chunk and populate the process cache the way
// fragments.PriceMetaBuilder.BuildRealTime reads it back
// ("realtime_quote_<TICKER>"), so those rows' fragment builds hit the hot
// cache instead of firing one quote request per row.
func (e *Executor) prefetchRealtimeQuotes(ctx context.Context, rows []Row, today string) {
	if e.quotes == nil {
		return
	}

	seen := make(map[string]bool)
	var symbols []string
	for _, r := range rows {
		if r.Date != today {
			continue
		}
		if seen[r.Ticker] {
			continue
		}
		seen[r.Ticker] = true
		symbols = append(symbols, r.Ticker)
	}
	if len(symbols) == 0 {
		return
	}

	for start := 0; start < len(symbols); start += prefetchBatchSize {
		end := start + prefetchBatchSize
		if end > len(symbols) {
			end = len(symbols)
		}
		chunk := symbols[start:end]

		quotes, err := e.quotes.Quotes(ctx, chunk)
		if err != nil {
			e.log.Warn().Err(err).Int("chunk_size", len(chunk)).Msg("batch quote prefetch failed, rows will fetch individually")
			continue
		}
		for symbol, q := range quotes {
			meta := domain.PriceMeta{
				Value:     q.Value,
				AsOf:      q.AsOf.Format(time.RFC3339),
				Source:    "real-time_quote",
				Kind:      domain.PriceKindRealTime,
				Extended:  q.Extended,
				YearHigh:  q.YearHigh,
				YearLow:   q.YearLow,
				MarketCap: q.MarketCap,
			}
			e.hotCache.Set("realtime_quote_"+symbol, meta, e.hotTTL)
		}
	}
}
