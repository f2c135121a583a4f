// Command server wires every component (C1-C13) into a running HTTP edge:
// config load, logger, Results Store, KV Cache, process cache, upstream
// adapters, fragment builders, LLM client, usage monitor, deferred queue,
// batch executor, prewarmer, orchestrator, and finally the chi-based
// server. Grounded on the teacher's cmd/server/main.go wiring order:
// config -> logger -> databases -> modules -> server -> graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/garen0616/us-equity-analyzer-pro/internal/batch"
	"github.com/garen0616/us-equity-analyzer-pro/internal/cachekv"
	"github.com/garen0616/us-equity-analyzer-pro/internal/cacheproc"
	"github.com/garen0616/us-equity-analyzer-pro/internal/config"
	"github.com/garen0616/us-equity-analyzer-pro/internal/deferredqueue"
	"github.com/garen0616/us-equity-analyzer-pro/internal/domain"
	"github.com/garen0616/us-equity-analyzer-pro/internal/fragments"
	"github.com/garen0616/us-equity-analyzer-pro/internal/llm"
	"github.com/garen0616/us-equity-analyzer-pro/internal/orchestrator"
	"github.com/garen0616/us-equity-analyzer-pro/internal/payload"
	"github.com/garen0616/us-equity-analyzer-pro/internal/prewarm"
	"github.com/garen0616/us-equity-analyzer-pro/internal/server"
	"github.com/garen0616/us-equity-analyzer-pro/internal/store"
	"github.com/garen0616/us-equity-analyzer-pro/internal/upstream"
	"github.com/garen0616/us-equity-analyzer-pro/internal/usage"
	"github.com/garen0616/us-equity-analyzer-pro/pkg/logger"
	"github.com/robfig/cron/v3"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	log.Info().Str("data_dir", cfg.DataDir).Int("http_port", cfg.HTTPPort).Msg("starting equity research orchestration engine")

	resultsStore, err := store.Open(filepath.Join(cfg.DataDir, "results.db"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open results store")
	}
	defer resultsStore.Close()

	kv, err := cachekv.NewFileStore(filepath.Join(cfg.DataDir, "kv_cache"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open kv cache")
	}

	hotCache := cacheproc.New()
	doer := &http.Client{Timeout: 30 * time.Second}

	filingsAdapter := upstream.NewFilingsAdapter(cfg.FilingsBaseURL, doer, log)
	quotesAdapter := upstream.NewQuoteAdapter(cfg.QuotesBaseURL, cfg.RealtimeQuoteWSURL, doer, log)
	quotesFallbackAdapter := upstream.NewSecondaryQuoteAdapter(cfg.QuotesFallbackBaseURL, doer, log)
	analystsAdapter := upstream.NewAnalystsAdapter(cfg.AnalystsBaseURL, doer, log)
	institutionalAdapter := upstream.NewInstitutionalAdapter(cfg.InstitutionalBaseURL, doer, log)
	newsPrimaryAdapter := upstream.NewNewsAdapter(cfg.NewsPrimaryBaseURL, doer, log)
	newsSecondaryAdapter := upstream.NewNewsAdapter(cfg.NewsSecondaryBaseURL, doer, log)
	transcriptAdapter := upstream.NewTranscriptAdapter(cfg.TranscriptBaseURL, doer, log)
	macroAdapter := upstream.NewMacroAdapter(cfg.MacroBaseURL, doer, log)

	usageMonitor := usage.New(usage.Config{
		Window:            cfg.UsageWindow,
		CostRateThreshold: cfg.UsageCostRateThreshold,
		SnapshotPath:      filepath.Join(cfg.DataDir, "usage_window.msgpack"),
	}, log)

	llmClient := llm.NewClient(llm.Config{
		BaseURL:             cfg.LLMBaseURL,
		APIKey:              cfg.LLMAPIKey,
		PrimaryModel:        cfg.LLMPrimaryModel,
		FallbackModel:       cfg.LLMFallbackModel,
		SecondaryModel:      cfg.LLMSecondaryModel,
		RepairModel:         cfg.LLMRepairModel,
		MaxCompletionTokens: cfg.LLMMaxCompletionTok,
		RetryAttempts:       cfg.APIRetryAttempts,
		RetryDelay:          cfg.APIRetryDelay,
	}, doer, kv, resultsStore, usageMonitor, log)

	priceMetaBuilder := fragments.NewPriceMetaBuilder(quotesAdapter, quotesFallbackAdapter, quotesAdapter, quotesFallbackAdapter, hotCache, cfg.APIRetryAttempts, cfg.APIRetryDelay, log)
	momentumBuilder := fragments.NewMomentumBuilder(quotesAdapter, hotCache, cfg.APIRetryAttempts, cfg.APIRetryDelay, log)
	analystSignalsBuilder := fragments.NewAnalystSignalsBuilder(analystsAdapter, analystsAdapter, analystsAdapter, analystsAdapter, hotCache, cfg.APIRetryAttempts, cfg.APIRetryDelay, cfg.PriceTargetSampleThreshold, cfg.ExtendedWindowDays, cfg.AnalystPriceTargetTTL, cfg.AnalystAggregateTTL, cfg.AnalystEstimatesTTL, log)
	institutionalBuilder := fragments.NewInstitutionalBuilder(institutionalAdapter, kv, cfg.ThirteenFTTL, cfg.APIRetryAttempts, cfg.APIRetryDelay, log)
	newsBuilder := fragments.NewNewsBuilder(newsPrimaryAdapter, newsSecondaryAdapter, llmClient, llmClient, cfg.APIRetryAttempts, cfg.APIRetryDelay, log)
	earningsCallBuilder := fragments.NewEarningsCallBuilder(transcriptAdapter, llmClient, kv, cfg.EarningsCallTTL, cfg.APIRetryAttempts, cfg.APIRetryDelay, log)
	macroBuilder := fragments.NewMacroBuilder(macroAdapter, cfg.APIRetryAttempts, cfg.APIRetryDelay, log)
	filingSummaryBuilder := fragments.NewFilingSummaryBuilder(filingsAdapter, llmClient, resultsStore, kv, cfg.FilingSummaryTTL, cfg.APIRetryAttempts, cfg.APIRetryDelay, log)

	deferredQueue := deferredqueue.New(cfg.DeferredQueueCapacity, log)
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	deferredQueue.Start(rootCtx)
	defer deferredQueue.Stop()

	orchSvc := orchestrator.NewService(
		orchestrator.Config{
			RealtimeResultTTL:       cfg.RealtimeResultTTL,
			HistoricalResultTTL:     cfg.HistoricalResultTTL,
			NewsCacheTTL:            cfg.NewsCacheTTL,
			MomentumCacheTTL:        cfg.MomentumCacheTTL,
			HotQuoteTTL:             30 * time.Second,
			MaxFilingsForLLM:        cfg.MaxFilingsForLLM,
			NewsArticleLimit:        cfg.NewsArticleLimit,
			MacroEventLimit:         cfg.MacroEventLimit,
			MacroWindowDays:         30,
			ExtendedWindowDays:      cfg.ExtendedWindowDays,
			FilingFanout:            3,
			MomentumSevereThreshold: cfg.MomentumSevereThreshold,
			Guardrails: payload.GuardrailConfig{
				WeakSignalTargetFloor:   cfg.WeakSignalTargetFloor,
				WeakSignalTargetCap:     cfg.WeakSignalTargetCap,
				LLMTargetMinMultiplier:  cfg.LLMTargetMinMultiplier,
				LLMTargetMaxMultiplier:  cfg.LLMTargetMaxMultiplier,
				MomentumSevereThreshold: cfg.MomentumSevereThreshold,
			},
			DefaultModel: cfg.LLMPrimaryModel,
		},
		resultsStore,
		kv,
		filingsAdapter,
		orchestrator.Builders{
			PriceMeta:      priceMetaBuilder,
			Momentum:       momentumBuilder,
			AnalystSignals: analystSignalsBuilder,
			Institutional:  institutionalBuilder,
			News:           newsBuilder,
			EarningsCall:   earningsCallBuilder,
			Macro:          macroBuilder,
			FilingSummary:  filingSummaryBuilder,
		},
		llmClient,
		usageMonitor,
		deferredQueue,
		log,
	)

	batchExecutor := batch.New(orchSvc, quotesAdapter, hotCache, 30*time.Second, cfg.BatchConcurrency, log)

	prewarmer := prewarm.New(orchSvc, cfg.PrewarmTickers, cfg.PrewarmIntervalHours, cfg.PrewarmIncludeLLM, cfg.LLMPrimaryModel, log)
	if err := prewarmer.Start(rootCtx); err != nil {
		log.Warn().Err(err).Msg("prewarmer failed to start")
	}
	defer prewarmer.Stop()

	var quoteStream *upstream.QuoteStream
	if cfg.RealtimeQuoteWSURL != "" && len(cfg.PrewarmTickers) > 0 {
		quoteStream = upstream.NewQuoteStream(cfg.RealtimeQuoteWSURL, log)
		ticks, err := quoteStream.StreamQuotes(rootCtx, cfg.PrewarmTickers)
		if err != nil {
			log.Warn().Err(err).Msg("failed to start real-time quote stream")
		} else {
			go func() {
				for tick := range ticks {
					hotCache.Set("realtime_quote_"+tick.Symbol, domain.PriceMeta{
						Value:  tick.Price,
						AsOf:   tick.AsOf.Format(time.RFC3339),
						Source: "websocket_stream",
						Kind:   domain.PriceKindRealTime,
					}, 30*time.Second)
				}
			}()
		}
		defer quoteStream.Stop()
	}

	var backupCron *cron.Cron
	if cfg.S3BackupBucket != "" {
		backupClient, err := store.NewBackupClient(rootCtx, store.BackupConfig{
			Enabled: true,
			Region:  cfg.AWSRegion,
			Bucket:  cfg.S3BackupBucket,
		}, log)
		if err != nil {
			log.Warn().Err(err).Msg("failed to construct S3 backup client, nightly backup disabled")
		} else {
			backupCron = cron.New()
			dbPath := filepath.Join(cfg.DataDir, "results.db")
			_, err = backupCron.AddFunc("@daily", func() {
				key, err := backupClient.Upload(rootCtx, dbPath, store.NowSuffix(time.Now()))
				if err != nil {
					log.Error().Err(err).Msg("nightly results store backup failed")
					return
				}
				log.Info().Str("key", key).Msg("nightly results store backup uploaded")
			})
			if err != nil {
				log.Warn().Err(err).Msg("failed to schedule nightly backup")
			} else {
				backupCron.Start()
				defer backupCron.Stop()
			}
		}
	} else {
		log.Warn().Msg("S3_BACKUP_BUCKET not set, nightly results store backup disabled")
	}

	httpServer := server.New(server.Config{
		Port:         cfg.HTTPPort,
		Log:          log,
		Analyzer:     orchSvc,
		Batch:        batchExecutor,
		Store:        resultsStore,
		KV:           kv,
		RowParser:    nil, // CSV/XLSX parsing is out of scope (spec.md §1); inject a real implementation at the deployment layer.
		DefaultModel: cfg.LLMPrimaryModel,
		DevMode:      cfg.DevMode,
	})

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}
