package fragments

import (
	"context"
	"testing"
	"time"

	"github.com/garen0616/us-equity-analyzer-pro/internal/cacheproc"
	"github.com/garen0616/us-equity-analyzer-pro/internal/upstream"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBarsSource struct {
	bars map[string][]upstream.Bar
	err  error
}

func (f *fakeBarsSource) DailyBars(ctx context.Context, symbol string, asOfDate string, lookbackDays int) ([]upstream.Bar, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.bars[symbol], nil
}

func syntheticRisingBars(n int, start float64, dailyGrowth float64) []upstream.Bar {
	bars := make([]upstream.Bar, n)
	price := start
	base := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		price *= 1 + dailyGrowth
		bars[i] = upstream.Bar{
			Date: base.AddDate(0, 0, i).Format("2006-01-02"), Open: price, High: price * 1.01, Low: price * 0.99,
			Close: price, Volume: 1_000_000,
		}
	}
	return bars
}

func TestMomentumBuilder_Build_StrongTrendOnSustainedRise(t *testing.T) {
	bars := syntheticRisingBars(260, 100, 0.003)
	source := &fakeBarsSource{bars: map[string][]upstream.Bar{"AAPL": bars, "XLK": bars}}
	builder := NewMomentumBuilder(source, cacheproc.New(), 1, time.Millisecond, zerolog.Nop())

	metrics, err := builder.Build(context.Background(), "AAPL", "2024-01-01", time.Minute)
	require.NoError(t, err)
	assert.Greater(t, metrics.Returns.M3, 0.0)
	assert.GreaterOrEqual(t, metrics.Score, 50.0)
	assert.LessOrEqual(t, metrics.Score, 100.0)
}

func TestMomentumBuilder_Build_InsufficientHistoryErrors(t *testing.T) {
	source := &fakeBarsSource{bars: map[string][]upstream.Bar{"AAPL": syntheticRisingBars(50, 100, 0.001)}}
	builder := NewMomentumBuilder(source, cacheproc.New(), 1, time.Millisecond, zerolog.Nop())

	_, err := builder.Build(context.Background(), "AAPL", "2024-01-01", time.Minute)
	assert.Error(t, err)
}

func TestMomentumBuilder_Build_CachesResult(t *testing.T) {
	bars := syntheticRisingBars(260, 100, 0.001)
	source := &fakeBarsSource{bars: map[string][]upstream.Bar{"AAPL": bars, "XLK": bars}}
	cache := cacheproc.New()
	builder := NewMomentumBuilder(source, cache, 1, time.Millisecond, zerolog.Nop())

	_, err := builder.Build(context.Background(), "AAPL", "2024-01-01", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, cache.Len())
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 0.0, clamp(-5, 0, 100))
	assert.Equal(t, 100.0, clamp(150, 0, 100))
	assert.Equal(t, 42.0, clamp(42, 0, 100))
}
