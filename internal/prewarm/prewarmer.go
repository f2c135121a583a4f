// Package prewarm implements the Prewarmer (C12): on startup and on a
// configured interval, runs a metrics-only (or full) analysis for every
// configured ticker against today's date so the first real user request
// for a hot symbol hits a warm Results Store entry instead of paying the
// full fan-out cost cold. Grounded on the teacher's trader-go
// internal/scheduler, which wraps robfig/cron/v3 the same way — this is
// SPEC_FULL.md's one deliberate departure from the teacher's raw
// time.Ticker loops elsewhere, since cron expressions make the configured
// PREWARM_INTERVAL_HOURS auditable in logs as a schedule string rather
// than an opaque duration.
package prewarm

import (
	"context"
	"fmt"
	"time"

	"github.com/garen0616/us-equity-analyzer-pro/internal/domain"
	"github.com/garen0616/us-equity-analyzer-pro/internal/orchestrator"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Analyzer is the narrow slice of orchestrator.Service the prewarmer
// drives.
type Analyzer interface {
	Analyze(ctx context.Context, req orchestrator.Request) (*domain.AnalysisBundle, error)
}

// Prewarmer periodically re-runs analysis for a fixed ticker set.
type Prewarmer struct {
	analyzer     Analyzer
	tickers      []string
	includeLLM   bool
	model        string
	intervalHrs  int
	cronSched    *cron.Cron
	log          zerolog.Logger
}

// New constructs a Prewarmer. An empty tickers slice makes Start a no-op,
// so deployments without PREWARM_TICKERS configured never schedule a job.
func New(analyzer Analyzer, tickers []string, intervalHours int, includeLLM bool, defaultModel string, log zerolog.Logger) *Prewarmer {
	if intervalHours < 1 {
		intervalHours = 24
	}
	return &Prewarmer{
		analyzer:    analyzer,
		tickers:     tickers,
		includeLLM:  includeLLM,
		model:       defaultModel,
		intervalHrs: intervalHours,
		log:         log.With().Str("component", "prewarmer").Logger(),
	}
}

// Start runs one warm-up pass immediately, then schedules a repeating pass
// every configured interval. Stop must be called to release the cron
// goroutine.
func (p *Prewarmer) Start(ctx context.Context) error {
	if len(p.tickers) == 0 {
		p.log.Info().Msg("no prewarm tickers configured, prewarmer idle")
		return nil
	}

	p.runPass(ctx)

	p.cronSched = cron.New()
	schedule := fmt.Sprintf("@every %dh", p.intervalHrs)
	if _, err := p.cronSched.AddFunc(schedule, func() {
		p.runPass(context.Background())
	}); err != nil {
		return fmt.Errorf("schedule prewarm job: %w", err)
	}
	p.cronSched.Start()
	p.log.Info().Str("schedule", schedule).Int("tickers", len(p.tickers)).Msg("prewarmer scheduled")
	return nil
}

// Stop halts the cron scheduler and waits for any in-flight job to finish.
func (p *Prewarmer) Stop() {
	if p.cronSched == nil {
		return
	}
	stopCtx := p.cronSched.Stop()
	<-stopCtx.Done()
}

func (p *Prewarmer) runPass(ctx context.Context) {
	today := time.Now().UTC().Format("2006-01-02")
	mode := domain.ModeMetricsOnly
	if p.includeLLM {
		mode = domain.ModeFull
	}

	for _, ticker := range p.tickers {
		req := orchestrator.Request{Ticker: ticker, Date: today, Model: p.model, Mode: mode}
		if _, err := p.analyzer.Analyze(ctx, req); err != nil {
			p.log.Warn().Err(err).Str("ticker", ticker).Msg("prewarm analysis failed, continuing")
		}
	}
}
