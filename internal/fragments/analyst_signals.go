package fragments

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/garen0616/us-equity-analyzer-pro/internal/cacheproc"
	"github.com/garen0616/us-equity-analyzer-pro/internal/domain"
	"github.com/garen0616/us-equity-analyzer-pro/internal/retry"
	"github.com/garen0616/us-equity-analyzer-pro/internal/upstream"
	"github.com/rs/zerolog"
)

// AnalystSignalsBuilder computes the analyst consensus fragment. Each
// sub-fragment (price target, ratings, grades, estimates) is cached
// independently under its own key and TTL, since they refresh at different
// cadences (consensus price targets move slowly; grade actions and
// estimates revisions are bursty around earnings). Concurrent callers for
// the same ticker/baseline collapse onto a single in-flight computation,
// the same shape the orchestrator (C7) uses for per-key write
// serialization, scoped here to one fragment instead of a whole bundle.
type AnalystSignalsBuilder struct {
	priceTargets upstream.PriceTargetSource
	ratings      upstream.RatingsSource
	grades       upstream.GradesSource
	estimates    upstream.EstimatesSource
	cache        *cacheproc.Cache

	retryAttempts int
	retryDelay    time.Duration

	sampleThreshold int
	extendedWindow  int

	priceTargetTTL   time.Duration
	ratingsGradesTTL time.Duration
	estimatesTTL     time.Duration

	inflightMu sync.Mutex
	inflight   map[string]*inflightAnalystCall

	log zerolog.Logger
}

type inflightAnalystCall struct {
	done   chan struct{}
	result domain.AnalystSignals
	err    error
}

// NewAnalystSignalsBuilder constructs an AnalystSignalsBuilder.
func NewAnalystSignalsBuilder(priceTargets upstream.PriceTargetSource, ratings upstream.RatingsSource, grades upstream.GradesSource, estimates upstream.EstimatesSource, cache *cacheproc.Cache, retryAttempts int, retryDelay time.Duration, sampleThreshold int, extendedWindow int, priceTargetTTL time.Duration, ratingsGradesTTL time.Duration, estimatesTTL time.Duration, log zerolog.Logger) *AnalystSignalsBuilder {
	return &AnalystSignalsBuilder{
		priceTargets:     priceTargets,
		ratings:          ratings,
		grades:           grades,
		estimates:        estimates,
		cache:            cache,
		retryAttempts:    retryAttempts,
		retryDelay:       retryDelay,
		sampleThreshold:  sampleThreshold,
		extendedWindow:   extendedWindow,
		priceTargetTTL:   priceTargetTTL,
		ratingsGradesTTL: ratingsGradesTTL,
		estimatesTTL:     estimatesTTL,
		inflight:         make(map[string]*inflightAnalystCall),
		log:              log.With().Str("builder", "analyst_signals").Logger(),
	}
}

// Build returns the analyst-consensus fragment for ticker as of
// baselineDate, collapsing concurrent duplicate requests. Each sub-fragment
// underneath is served from or written to its own cache entry.
func (b *AnalystSignalsBuilder) Build(ctx context.Context, ticker string, baselineDate string) (domain.AnalystSignals, error) {
	inflightKey := ticker + "_" + baselineDate

	b.inflightMu.Lock()
	if call, ok := b.inflight[inflightKey]; ok {
		b.inflightMu.Unlock()
		<-call.done
		return call.result, call.err
	}

	call := &inflightAnalystCall{done: make(chan struct{})}
	b.inflight[inflightKey] = call
	b.inflightMu.Unlock()

	call.result, call.err = b.buildUncached(ctx, ticker, baselineDate)
	close(call.done)

	b.inflightMu.Lock()
	delete(b.inflight, inflightKey)
	b.inflightMu.Unlock()

	return call.result, call.err
}

func (b *AnalystSignalsBuilder) buildUncached(ctx context.Context, ticker string, baselineDate string) (domain.AnalystSignals, error) {
	var signals domain.AnalystSignals

	priceTargetKey := "analyst_price_target_" + ticker
	if cached, ok := b.cache.Get(priceTargetKey); ok {
		signals.PriceTargetSummary = cached.(domain.PriceTargetSummary)
	} else {
		var target upstream.RawPriceTarget
		if err := retry.Do(ctx, b.retryAttempts, b.retryDelay, func(ctx context.Context) error {
			fetched, err := b.priceTargets.PriceTargets(ctx, ticker)
			if err != nil {
				return err
			}
			target = fetched
			return nil
		}); err != nil {
			return signals, fmt.Errorf("fetch price targets: %w", err)
		}

		confidence := "low"
		if target.NumAnalysts >= b.sampleThreshold && target.Mean != nil {
			confidence = "high"
		}
		signals.PriceTargetSummary = domain.PriceTargetSummary{
			Mean: target.Mean, High: target.High, Low: target.Low,
			NumAnalysts: target.NumAnalysts, Confidence: confidence,
		}
		b.cache.Set(priceTargetKey, signals.PriceTargetSummary, b.priceTargetTTL)
	}

	ratingsKey := "analyst_ratings_" + ticker + "_" + baselineDate
	if cached, ok := b.cache.Get(ratingsKey); ok {
		signals.Ratings = cached.(domain.RatingsFragment)
	} else {
		var current upstream.RawRating
		var history []upstream.RawRating
		if err := retry.Do(ctx, b.retryAttempts, b.retryDelay, func(ctx context.Context) error {
			c, h, err := b.ratings.Ratings(ctx, ticker, baselineDate)
			if err != nil {
				return err
			}
			current, history = c, h
			return nil
		}); err != nil {
			return signals, fmt.Errorf("fetch ratings: %w", err)
		}

		sortedHistory := make([]domain.RatingSnapshot, len(history))
		for i, h := range history {
			sortedHistory[i] = domain.RatingSnapshot{Date: h.Date, Score: h.Score, Buy: h.Buy, Hold: h.Hold, Sell: h.Sell}
		}
		sort.Slice(sortedHistory, func(i, j int) bool { return sortedHistory[i].Date > sortedHistory[j].Date })

		trend, trendDelta, windowDays := ratingTrend(current, sortedHistory, baselineDate)

		signals.Ratings = domain.RatingsFragment{
			Snapshot:        domain.RatingSnapshot{Date: current.Date, Score: current.Score, Buy: current.Buy, Hold: current.Hold, Sell: current.Sell},
			Historical:      sortedHistory,
			Trend:           trend,
			TrendDelta:      trendDelta,
			TrendWindowDays: windowDays,
		}
		b.cache.Set(ratingsKey, signals.Ratings, b.ratingsGradesTTL)
	}

	if withinExtendedWindow(baselineDate, b.extendedWindow) {
		gradesKey := "analyst_grades_" + ticker + "_" + baselineDate
		if cached, ok := b.cache.Get(gradesKey); ok {
			signals.Grades = cached.(*domain.GradesFragment)
		} else {
			var grades []upstream.RawGradeAction
			if err := retry.Do(ctx, b.retryAttempts, b.retryDelay, func(ctx context.Context) error {
				fetched, err := b.grades.RecentGrades(ctx, ticker, baselineDate, b.extendedWindow)
				if err != nil {
					return err
				}
				grades = fetched
				return nil
			}); err != nil {
				b.log.Warn().Err(err).Str("ticker", ticker).Msg("extended grades fetch failed, continuing without it")
			} else {
				signals.Grades = buildGradesFragment(grades)
				b.cache.Set(gradesKey, signals.Grades, b.ratingsGradesTTL)
			}
		}

		estimatesKey := "analyst_estimates_" + ticker + "_" + baselineDate
		if cached, ok := b.cache.Get(estimatesKey); ok {
			signals.Estimates = cached.(*domain.EstimatesFragment)
		} else if b.estimates != nil {
			var quarterly, annual []upstream.RawEstimateRow
			if err := retry.Do(ctx, b.retryAttempts, b.retryDelay, func(ctx context.Context) error {
				q, a, err := b.estimates.Estimates(ctx, ticker, baselineDate)
				if err != nil {
					return err
				}
				quarterly, annual = q, a
				return nil
			}); err != nil {
				b.log.Warn().Err(err).Str("ticker", ticker).Msg("extended estimates fetch failed, continuing without it")
			} else {
				signals.Estimates = buildEstimatesFragment(quarterly, annual)
				b.cache.Set(estimatesKey, signals.Estimates, b.estimatesTTL)
			}
		}
	}

	return signals, nil
}

func buildEstimatesFragment(quarterly []upstream.RawEstimateRow, annual []upstream.RawEstimateRow) *domain.EstimatesFragment {
	toRows := func(rows []upstream.RawEstimateRow) []domain.EstimateRow {
		out := make([]domain.EstimateRow, len(rows))
		for i, r := range rows {
			out[i] = domain.EstimateRow{Period: r.Period, EPSEstimate: r.EPSEstimate, RevenueEst: r.RevenueEst, NumAnalysts: r.NumAnalysts}
		}
		return out
	}
	return &domain.EstimatesFragment{Quarterly: toRows(quarterly), Annual: toRows(annual)}
}

func withinExtendedWindow(baselineDate string, windowDays int) bool {
	baseline, err := time.Parse("2006-01-02", baselineDate)
	if err != nil {
		return false
	}
	diff := time.Since(baseline)
	if diff < 0 {
		diff = -diff
	}
	return diff <= time.Duration(windowDays)*24*time.Hour
}

// ratingTrend anchors at the first history entry at least 30 days older
// than the latest.
func ratingTrend(current upstream.RawRating, historyDesc []domain.RatingSnapshot, baselineDate string) (trend int, delta float64, windowDays int) {
	if len(historyDesc) == 0 {
		return 0, 0, 0
	}
	latestDate, err := time.Parse("2006-01-02", historyDesc[0].Date)
	if err != nil {
		return 0, 0, 0
	}

	for _, snap := range historyDesc {
		snapDate, err := time.Parse("2006-01-02", snap.Date)
		if err != nil {
			continue
		}
		if latestDate.Sub(snapDate) >= 30*24*time.Hour {
			delta = current.Score - snap.Score
			windowDays = int(latestDate.Sub(snapDate).Hours() / 24)
			switch {
			case delta > 0:
				return 1, delta, windowDays
			case delta < 0:
				return -1, delta, windowDays
			default:
				return 0, delta, windowDays
			}
		}
	}
	return 0, 0, 0
}

func buildGradesFragment(actions []upstream.RawGradeAction) *domain.GradesFragment {
	recent := make([]domain.GradeAction, 0, len(actions))
	counts := make(map[string]int)
	for _, a := range actions {
		recent = append(recent, domain.GradeAction{
			Date: a.Date, Firm: a.Firm, Action: a.Action, FromGrade: a.FromGrade, ToGrade: a.ToGrade,
		})
		counts[a.Action]++
	}

	consensus := "maintain"
	switch {
	case counts["upgrade"] > counts["downgrade"]:
		consensus = "upgrade"
	case counts["downgrade"] > counts["upgrade"]:
		consensus = "downgrade"
	}

	return &domain.GradesFragment{
		RecentActions:    recent,
		HistoricalCounts: counts,
		Consensus:        consensus,
	}
}
