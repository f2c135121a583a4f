// Package orchestrator implements the Analysis Orchestrator (C7): the
// 9-step algorithm and 4-mode state machine that turn a (ticker, date)
// request into a persisted AnalysisBundle by fanning out to the fragment
// builders (C6), assembling the compact LLM payload (C8), calling the LLM
// client (C9), and applying guardrails before persisting through the
// Results Store (C3).
//
// Writes for a given RequestKey are serialized through a keyed in-flight
// registry, the same collapse-concurrent-callers-onto-one-future shape
// fragments.AnalystSignalsBuilder uses per sub-fragment, generalized here to
// the whole orchestration step.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/garen0616/us-equity-analyzer-pro/internal/cachekv"
	"github.com/garen0616/us-equity-analyzer-pro/internal/domain"
	"github.com/garen0616/us-equity-analyzer-pro/internal/fragments"
	"github.com/garen0616/us-equity-analyzer-pro/internal/payload"
	"github.com/garen0616/us-equity-analyzer-pro/internal/upstream"
	"github.com/rs/zerolog"
)

// LLMAnalyzer is the narrow slice of internal/llm.Client the orchestrator
// needs. Declaring it here, rather than importing *llm.Client directly,
// keeps internal/orchestrator decoupled from internal/llm's transport and
// cache wiring.
type LLMAnalyzer interface {
	Analyze(ctx context.Context, payload map[string]interface{}, model string) (*domain.LLMAnalysis, *domain.LLMUsage, error)
}

// ResultsStore is the narrow slice of internal/store.Store this package
// consumes.
type ResultsStore interface {
	GetBundle(ctx context.Context, key domain.RequestKey) (*domain.AnalysisBundle, bool, error)
	PutBundle(ctx context.Context, key domain.RequestKey, bundle *domain.AnalysisBundle) error
}

// UsageLimiter exposes the Adaptive Usage Monitor's (C13) shrink-under-load
// decision without the orchestrator importing internal/usage's window
// bookkeeping.
type UsageLimiter interface {
	AdaptiveLimits(defaultMaxFilings, defaultNewsLimit int) (maxFilings int, newsLimit int)
}

// DeferredEnqueuer schedules a background task on the Deferred Job Queue
// (C11). Enqueue never blocks; the task runs on the queue's single
// consumer goroutine.
type DeferredEnqueuer interface {
	Enqueue(task func(ctx context.Context))
}

// Config holds every orchestrator-level tunable not already baked into a
// fragment builder at construction time.
type Config struct {
	RealtimeResultTTL   time.Duration
	HistoricalResultTTL time.Duration
	NewsCacheTTL        time.Duration
	MomentumCacheTTL    time.Duration
	HotQuoteTTL         time.Duration

	MaxFilingsForLLM   int
	NewsArticleLimit   int
	MacroEventLimit    int
	MacroWindowDays    int
	ExtendedWindowDays int
	FilingFanout       int

	MomentumSevereThreshold float64
	Guardrails              payload.GuardrailConfig

	DefaultModel string
}

// Request is one (ticker, date, options) analysis request.
type Request struct {
	Ticker        string
	Date          string
	Model         string
	AnalysisModel string
	Mode          domain.RequestMode
}

type inflightCall struct {
	done   chan struct{}
	bundle *domain.AnalysisBundle
	err    error
}

// Service is the C7 orchestrator.
type Service struct {
	cfg Config

	store ResultsStore
	kv    cachekv.Store

	filingsSource upstream.FilingsSource

	priceMeta      *fragments.PriceMetaBuilder
	momentum       *fragments.MomentumBuilder
	analystSignals *fragments.AnalystSignalsBuilder
	institutional  *fragments.InstitutionalBuilder
	news           *fragments.NewsBuilder
	earningsCall   *fragments.EarningsCallBuilder
	macro          *fragments.MacroBuilder
	filingSummary  *fragments.FilingSummaryBuilder

	llm      LLMAnalyzer
	usage    UsageLimiter
	deferred DeferredEnqueuer

	inflightMu sync.Mutex
	inflight   map[string]*inflightCall

	log zerolog.Logger
}

// Builders groups the eight fragment builders the orchestrator fans out to.
type Builders struct {
	PriceMeta      *fragments.PriceMetaBuilder
	Momentum       *fragments.MomentumBuilder
	AnalystSignals *fragments.AnalystSignalsBuilder
	Institutional  *fragments.InstitutionalBuilder
	News           *fragments.NewsBuilder
	EarningsCall   *fragments.EarningsCallBuilder
	Macro          *fragments.MacroBuilder
	FilingSummary  *fragments.FilingSummaryBuilder
}

// NewService wires a Service. usage and deferred may be nil: a nil usage
// limiter means defaults are never shrunk, a nil deferred queue means
// deferred-mode requests run their background rerun inline instead of
// being enqueued (used by tests and any deployment without the queue
// started).
func NewService(cfg Config, store ResultsStore, kv cachekv.Store, filingsSource upstream.FilingsSource, builders Builders, llm LLMAnalyzer, usage UsageLimiter, deferred DeferredEnqueuer, log zerolog.Logger) *Service {
	return &Service{
		cfg:            cfg,
		store:          store,
		kv:             kv,
		filingsSource:  filingsSource,
		priceMeta:      builders.PriceMeta,
		momentum:       builders.Momentum,
		analystSignals: builders.AnalystSignals,
		institutional:  builders.Institutional,
		news:           builders.News,
		earningsCall:   builders.EarningsCall,
		macro:          builders.Macro,
		filingSummary:  builders.FilingSummary,
		llm:            llm,
		usage:          usage,
		deferred:       deferred,
		inflight:       make(map[string]*inflightCall),
		log:            log.With().Str("component", "orchestrator").Logger(),
	}
}

func (s *Service) adaptiveLimits() (maxFilings int, newsLimit int) {
	if s.usage == nil {
		return s.cfg.MaxFilingsForLLM, s.cfg.NewsArticleLimit
	}
	return s.usage.AdaptiveLimits(s.cfg.MaxFilingsForLLM, s.cfg.NewsArticleLimit)
}

func fresh(bundle *domain.AnalysisBundle, ttl time.Duration) bool {
	if bundle == nil {
		return false
	}
	return time.Since(bundle.UpdatedAt) < ttl
}

// Analyze runs the 9-step orchestration algorithm for req, serializing
// concurrent identical requests onto a single in-flight computation.
func (s *Service) Analyze(ctx context.Context, req Request) (*domain.AnalysisBundle, error) {
	model := req.Model
	if model == "" {
		model = s.cfg.DefaultModel
	}
	mode := req.Mode
	if mode == "" {
		mode = domain.ModeFull
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: invalid mode %q", ErrValidation, mode)
	}

	// Step 2: resolve model_variant ahead of key construction so the
	// in-flight registry and the Results Store key agree.
	llmRequiredNow := mode == domain.ModeFull
	variant := model + "__metrics"
	if llmRequiredNow {
		variant = model + "__full"
	}

	key, err := domain.NewRequestKey(req.Ticker, req.Date, variant)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	collapseKey := key.CacheKeyString() + "|" + string(mode)

	s.inflightMu.Lock()
	if existing, ok := s.inflight[collapseKey]; ok {
		s.inflightMu.Unlock()
		<-existing.done
		return existing.bundle, existing.err
	}
	call := &inflightCall{done: make(chan struct{})}
	s.inflight[collapseKey] = call
	s.inflightMu.Unlock()

	bundle, err := s.runAnalysis(ctx, req, model, mode, key, llmRequiredNow)

	call.bundle, call.err = bundle, err
	close(call.done)

	s.inflightMu.Lock()
	delete(s.inflight, collapseKey)
	s.inflightMu.Unlock()

	return bundle, err
}

func (s *Service) runAnalysis(ctx context.Context, req Request, model string, mode domain.RequestMode, key domain.RequestKey, llmRequiredNow bool) (*domain.AnalysisBundle, error) {
	now := time.Now()
	isHistorical := key.IsHistorical(now)
	analysisTTL := s.cfg.RealtimeResultTTL
	if isHistorical {
		analysisTTL = s.cfg.HistoricalResultTTL
	}

	// Step 3: look up the exact variant; on miss, for modes that will
	// produce an LLM result this request, fall back to the metrics-only
	// variant's fragments so they don't need to be recomputed.
	stored, hit, err := s.store.GetBundle(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamFatal, err)
	}
	if !hit && llmRequiredNow {
		metricsKey := key
		metricsKey.ModelVariant = model + "__metrics"
		if metricsBundle, metricsHit, err := s.store.GetBundle(ctx, metricsKey); err == nil && metricsHit {
			stored = metricsBundle
			hit = true
		}
	}
	// cached-only also accepts a stored full-analysis bundle when no
	// metrics-only bundle exists for this key.
	if !hit && mode == domain.ModeCachedOnly {
		fullKey := key
		fullKey.ModelVariant = model + "__full"
		if fullBundle, fullHit, err := s.store.GetBundle(ctx, fullKey); err == nil && fullHit {
			stored = fullBundle
			hit = true
		}
	}

	// Step 5: cached-only short-circuits entirely on bundle freshness.
	if mode == domain.ModeCachedOnly {
		if hit && fresh(stored, analysisTTL) {
			return stored, nil
		}
		return nil, ErrCacheMiss
	}

	bundle := &domain.AnalysisBundle{SchemaVersion: domain.SchemaVersion}
	bundle.Input.Ticker = key.Ticker
	bundle.Input.Date = key.BaselineDate
	bundle.Input.Model = model
	bundle.Input.Mode = mode

	maxFilings, newsLimit := s.adaptiveLimits()
	llmEnabledForFragments := llmRequiredNow

	// Step 6: launch all fragment builders concurrently.
	var wg sync.WaitGroup
	wg.Add(7)

	go func() {
		defer wg.Done()
		if isHistorical {
			pm, err := s.priceMeta.BuildHistorical(ctx, key.Ticker, key.BaselineDate)
			if err != nil {
				s.log.Warn().Err(err).Str("ticker", key.Ticker).Msg("price meta build failed, using empty fragment")
			}
			bundle.Fetched.FinnhubSummary.PriceMeta = pm
		} else {
			pm, err := s.priceMeta.BuildRealTime(ctx, key.Ticker, s.cfg.HotQuoteTTL)
			if err != nil {
				s.log.Warn().Err(err).Str("ticker", key.Ticker).Msg("price meta build failed, using empty fragment")
			}
			bundle.Fetched.FinnhubSummary.PriceMeta = pm
		}
	}()

	go func() {
		defer wg.Done()
		if hit && fresh(stored, s.cfg.MomentumCacheTTL) && stored.Momentum != nil {
			bundle.Momentum = stored.Momentum
			return
		}
		m, err := s.momentum.Build(ctx, key.Ticker, key.BaselineDate, s.cfg.MomentumCacheTTL)
		if err != nil {
			s.log.Warn().Err(err).Str("ticker", key.Ticker).Msg("momentum build failed, using empty fragment")
			return
		}
		bundle.Momentum = &m
	}()

	go func() {
		defer wg.Done()
		a, err := s.analystSignals.Build(ctx, key.Ticker, key.BaselineDate)
		if err != nil {
			s.log.Warn().Err(err).Str("ticker", key.Ticker).Msg("analyst signals build failed, using empty fragment")
			return
		}
		bundle.AnalystSignals = &a
	}()

	go func() {
		defer wg.Done()
		i, err := s.institutional.Build(ctx, key.Ticker, key.BaselineDate)
		if err != nil {
			s.log.Warn().Err(err).Str("ticker", key.Ticker).Msg("institutional build failed, using empty fragment")
			return
		}
		bundle.Institutional = &i
	}()

	go func() {
		defer wg.Done()
		if hit && fresh(stored, s.cfg.NewsCacheTTL) && stored.News != nil {
			bundle.News = stored.News
			return
		}
		n, err := s.news.Build(ctx, key.Ticker, key.BaselineDate, newsLimit, llmEnabledForFragments)
		if err != nil {
			s.log.Warn().Err(err).Str("ticker", key.Ticker).Msg("news build failed, using empty fragment")
			return
		}
		bundle.News = &n
	}()

	go func() {
		defer wg.Done()
		e, err := s.earningsCall.Build(ctx, key.Ticker, key.BaselineDate)
		if err != nil {
			s.log.Warn().Err(err).Str("ticker", key.Ticker).Msg("earnings call build failed, using empty fragment")
			return
		}
		bundle.EarningsCall = &e
	}()

	go func() {
		defer wg.Done()
		mc, err := s.macro.Build(ctx, key.BaselineDate, s.cfg.MacroWindowDays, s.cfg.MacroEventLimit)
		if err != nil {
			s.log.Warn().Err(err).Str("ticker", key.Ticker).Msg("macro build failed, using empty fragment")
			return
		}
		bundle.Macro = &mc
	}()

	wg.Wait()

	// Filings: fetched once, then fanned out to a bounded pool of
	// per-filing summarizations (step 6's "bounded per-filing pool of 3").
	if hit && fresh(stored, analysisTTL) && len(stored.PerFilingSummaries) > 0 {
		bundle.PerFilingSummaries = stored.PerFilingSummaries
	} else if s.filingsSource != nil && s.filingSummary != nil {
		filings, err := s.filingsSource.RecentFilings(ctx, key.Ticker, key.BaselineDate, maxFilings)
		if err != nil {
			s.log.Warn().Err(err).Str("ticker", key.Ticker).Msg("recent filings fetch failed, skipping filing summaries")
		} else {
			bundle.PerFilingSummaries = s.buildFilingSummaries(ctx, key.Ticker, filings, maxFilings, llmEnabledForFragments)
		}
	}

	// Step 7: assemble the compact payload and derive guardrail inputs.
	bundle.Guardrails = payload.DeriveGuardrails(bundle.Momentum, bundle.Institutional, s.cfg.MomentumSevereThreshold)
	bundle.AnalystMetrics = computeAnalystMetrics(bundle.AnalystSignals, bundle.Fetched.FinnhubSummary.PriceMeta.Value)
	bundle.Inputs = payload.Build(bundle)

	// Step 8: metrics-only/deferred reuse any stored analysis and return
	// without a new LLM call.
	if !llmRequiredNow {
		if hit {
			bundle.Analysis = stored.Analysis
			bundle.LLMUsage = stored.LLMUsage
			bundle.AnalysisModel = stored.AnalysisModel
		}
		bundle.UpdatedAt = now
		if err := s.store.PutBundle(ctx, key, bundle); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUpstreamFatal, err)
		}
		if mode == domain.ModeDeferred {
			s.enqueueDeferredRerun(req, model)
		}
		return bundle, nil
	}

	// Step 9: synchronous LLM call, guardrail clamp, persist.
	analysisModel := req.AnalysisModel
	if analysisModel == "" {
		analysisModel = model
	}
	analysis, usage, err := s.llm.Analyze(ctx, bundle.Inputs, analysisModel)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLLMInvalid, err)
	}

	payload.ApplyGuardrails(&analysis.Action, bundle.Fetched.FinnhubSummary.PriceMeta.Value, bundle.Guardrails, s.cfg.Guardrails)

	bundle.Analysis = analysis
	bundle.LLMUsage = usage
	bundle.AnalysisModel = analysisModel
	bundle.UpdatedAt = now

	if err := s.store.PutBundle(ctx, key, bundle); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamFatal, err)
	}
	return bundle, nil
}

func (s *Service) enqueueDeferredRerun(req Request, model string) {
	rerun := Request{Ticker: req.Ticker, Date: req.Date, Model: model, AnalysisModel: req.AnalysisModel, Mode: domain.ModeFull}
	task := func(ctx context.Context) {
		if _, err := s.Analyze(ctx, rerun); err != nil {
			s.log.Warn().Err(err).Str("ticker", req.Ticker).Msg("deferred full rerun failed")
		}
	}
	if s.deferred == nil {
		task(context.Background())
		return
	}
	s.deferred.Enqueue(task)
}

// buildFilingSummaries fans BuildOne out across filings with at most
// s.cfg.FilingFanout concurrent summarizations in flight.
func (s *Service) buildFilingSummaries(ctx context.Context, ticker string, filings []upstream.RawFiling, maxCount int, llmEnabled bool) []domain.FilingSummary {
	if maxCount > 0 && len(filings) > maxCount {
		filings = filings[:maxCount]
	}
	if len(filings) == 0 {
		return nil
	}

	fanout := s.cfg.FilingFanout
	if fanout < 1 {
		fanout = 1
	}

	results := make([]domain.FilingSummary, len(filings))
	sem := make(chan struct{}, fanout)
	var wg sync.WaitGroup
	for i, f := range filings {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, f upstream.RawFiling) {
			defer wg.Done()
			defer func() { <-sem }()
			summary, err := s.filingSummary.BuildOne(ctx, ticker, f, llmEnabled)
			if err != nil {
				s.log.Warn().Err(err).Str("ticker", ticker).Str("form", f.Form).Msg("filing summary failed, dropping filing")
				return
			}
			results[i] = summary
		}(i, f)
	}
	wg.Wait()

	out := make([]domain.FilingSummary, 0, len(results))
	for _, r := range results {
		if r.Form != "" {
			out = append(out, r)
		}
	}
	return out
}

func computeAnalystMetrics(signals *domain.AnalystSignals, currentPrice float64) *domain.AnalystMetrics {
	if signals == nil {
		return nil
	}
	metrics := &domain.AnalystMetrics{
		ConsensusScore: signals.Ratings.Snapshot.Score,
	}
	if signals.PriceTargetSummary.Mean != nil && currentPrice > 0 {
		upside := (*signals.PriceTargetSummary.Mean - currentPrice) / currentPrice * 100
		metrics.UpsidePct = &upside
	}
	return metrics
}
