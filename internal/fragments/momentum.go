package fragments

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/garen0616/us-equity-analyzer-pro/internal/cacheproc"
	"github.com/garen0616/us-equity-analyzer-pro/internal/domain"
	"github.com/garen0616/us-equity-analyzer-pro/internal/retry"
	"github.com/garen0616/us-equity-analyzer-pro/internal/upstream"
	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"
)

// sectorETFProxies maps a handful of representative tickers to a sector
// proxy ETF. A real deployment would key this off GICS sector codes fetched
// from security metadata; this static table mirrors the teacher's
// formulas package's preference for small lookup tables over an extra
// vendor round trip for slow-moving classification data.
var sectorETFProxies = map[string]string{
	"AAPL": "XLK", "MSFT": "XLK", "NVDA": "XLK", "GOOGL": "XLC", "META": "XLC",
	"AMZN": "XLY", "TSLA": "XLY", "JPM": "XLF", "BAC": "XLF", "XOM": "XLE",
	"CVX": "XLE", "JNJ": "XLV", "PFE": "XLV", "PG": "XLP", "KO": "XLP",
}

const defaultSectorProxy = "SPY"

// MomentumBuilder computes trailing returns, moving averages,
// RSI/ATR via go-talib, and a sector-proxy comparison scored with gonum.
type MomentumBuilder struct {
	bars          upstream.HistoricalPriceSource
	cache         *cacheproc.Cache
	retryAttempts int
	retryDelay    time.Duration
	log           zerolog.Logger
}

// NewMomentumBuilder constructs a MomentumBuilder.
func NewMomentumBuilder(bars upstream.HistoricalPriceSource, cache *cacheproc.Cache, retryAttempts int, retryDelay time.Duration, log zerolog.Logger) *MomentumBuilder {
	return &MomentumBuilder{bars: bars, cache: cache, retryAttempts: retryAttempts, retryDelay: retryDelay, log: log.With().Str("builder", "momentum").Logger()}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Build computes the full momentum fragment as of baselineDate.
func (b *MomentumBuilder) Build(ctx context.Context, ticker string, baselineDate string, cacheTTL time.Duration) (domain.MomentumMetrics, error) {
	cacheKey := "momentum_" + ticker + "_" + baselineDate
	if cached, ok := b.cache.Get(cacheKey); ok {
		if metrics, ok := cached.(domain.MomentumMetrics); ok {
			return metrics, nil
		}
	}

	var bars []upstream.Bar
	err := retry.Do(ctx, b.retryAttempts, b.retryDelay, func(ctx context.Context) error {
		fetched, err := b.bars.DailyBars(ctx, ticker, baselineDate, 260)
		if err != nil {
			return err
		}
		bars = fetched
		return nil
	})
	if err != nil {
		return domain.MomentumMetrics{}, fmt.Errorf("fetch bars for momentum: %w", err)
	}
	if len(bars) < 252 {
		return domain.MomentumMetrics{}, fmt.Errorf("insufficient bar history for momentum: need 252, got %d", len(bars))
	}

	closes := make([]float64, len(bars))
	highs := make([]float64, len(bars))
	lows := make([]float64, len(bars))
	volumes := make([]float64, len(bars))
	for i, bar := range bars {
		closes[i] = bar.Close
		highs[i] = bar.High
		lows[i] = bar.Low
		volumes[i] = bar.Volume
	}

	last := len(closes) - 1
	price := closes[last]

	returnOver := func(lookback int) float64 {
		idx := last - lookback
		if idx < 0 || closes[idx] == 0 {
			return 0
		}
		return (price - closes[idx]) / closes[idx]
	}
	return3m := returnOver(63)
	return6m := returnOver(126)
	return12m := returnOver(252)

	sma20 := lastValue(talib.Sma(closes, 20))
	sma50 := lastValue(talib.Sma(closes, 50))
	sma200 := lastValue(talib.Sma(closes, 200))
	rsi14 := lastValue(talib.Rsi(closes, 14))
	atr14 := lastValue(talib.Atr(highs, lows, closes, 14))

	volRatio := 1.0
	if len(volumes) >= 30 {
		vol5 := mean(volumes[len(volumes)-5:])
		vol30 := mean(volumes[len(volumes)-30:])
		if vol30 > 0 {
			volRatio = vol5 / vol30
		}
	}

	var trend domain.MomentumTrend
	switch {
	case price > sma50 && price > sma200 && return3m > 0.10:
		trend = domain.TrendStrong
	case price < sma50 && price < sma200 && return3m < -0.05:
		trend = domain.TrendWeak
	default:
		trend = domain.TrendNeutral
	}

	score := 50.0
	score += clamp(return3m*200, -20, 20)
	score += clamp(return6m*150, -15, 15)
	score += clamp(return12m*100, -10, 10)
	score += clamp((rsi14-50)/2, -10, 10)
	score += clamp((volRatio-1)*20, -10, 10)
	if price > sma50 {
		score += 5
	} else {
		score -= 5
	}
	if price > sma200 {
		score += 5
	} else {
		score -= 5
	}
	score = clamp(score, 0, 100)

	etf := b.selectSectorProxy(ctx, ticker, baselineDate)

	metrics := domain.MomentumMetrics{
		Score: score,
		Trend: trend,
		Returns: domain.MomentumReturns{
			M3:  return3m,
			M6:  return6m,
			M12: return12m,
		},
		MovingAverages: domain.MovingAverages{SMA20: sma20, SMA50: sma50, SMA200: sma200},
		RSI14:          rsi14,
		ATR14:          atr14,
		VolumeRatio:    volRatio,
		PriceVsMA: map[string]bool{
			"sma50":  price > sma50,
			"sma200": price > sma200,
		},
		ETF:           etf,
		ReferenceDate: baselineDate,
	}

	b.cache.Set(cacheKey, metrics, cacheTTL)
	return metrics, nil
}

// selectSectorProxy resolves ticker's sector ETF from the static table
// (SPY when the ticker is not listed) and computes its 3-month return.
// gonum/stat is used only to log a warning when that return is an outlier
// against the proxy's own trailing daily returns; the returned value is not
// adjusted.
func (b *MomentumBuilder) selectSectorProxy(ctx context.Context, ticker string, baselineDate string) *domain.ETFProxy {
	symbol, ok := sectorETFProxies[ticker]
	if !ok {
		symbol = defaultSectorProxy
	}

	var bars []upstream.Bar
	err := retry.Do(ctx, b.retryAttempts, b.retryDelay, func(ctx context.Context) error {
		fetched, err := b.bars.DailyBars(ctx, symbol, baselineDate, 70)
		if err != nil {
			return err
		}
		bars = fetched
		return nil
	})
	if err != nil || len(bars) < 64 {
		return nil
	}

	closes := make([]float64, len(bars))
	for i, bar := range bars {
		closes[i] = bar.Close
	}
	last := len(closes) - 1
	ret3m := 0.0
	if idx := last - 63; idx >= 0 && closes[idx] != 0 {
		ret3m = (closes[last] - closes[idx]) / closes[idx]
	}

	// Flag (but don't discard) a 3-month return that is an extreme outlier
	// against the proxy's own trailing daily-return distribution, since
	// that usually signals a stale or split-adjusted bar rather than a
	// genuine sector move.
	dailyReturns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] != 0 {
			dailyReturns = append(dailyReturns, (closes[i]-closes[i-1])/closes[i-1])
		}
	}
	if len(dailyReturns) > 0 {
		meanDaily, stdDaily := stat.MeanStdDev(dailyReturns, nil)
		if stdDaily > 0 && !math.IsNaN(meanDaily) {
			impliedZ := (ret3m/63 - meanDaily) / stdDaily
			if math.Abs(impliedZ) > 4 {
				b.log.Warn().Str("proxy", symbol).Float64("return_3m", ret3m).Float64("implied_z", impliedZ).
					Msg("sector proxy 3-month return is a statistical outlier against its own daily distribution")
			}
		}
	}

	return &domain.ETFProxy{Symbol: symbol, Return3Month: ret3m}
}

func lastValue(series []float64) float64 {
	for i := len(series) - 1; i >= 0; i-- {
		if !math.IsNaN(series[i]) {
			return series[i]
		}
	}
	return 0
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
