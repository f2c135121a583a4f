package fragments

import (
	"context"
	"testing"
	"time"

	"github.com/garen0616/us-equity-analyzer-pro/internal/cacheproc"
	"github.com/garen0616/us-equity-analyzer-pro/internal/domain"
	"github.com/garen0616/us-equity-analyzer-pro/internal/upstream"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHistoricalSource struct {
	bars []upstream.Bar
	err  error
}

func (f *fakeHistoricalSource) DailyBars(ctx context.Context, symbol string, asOfDate string, lookbackDays int) ([]upstream.Bar, error) {
	return f.bars, f.err
}

type fakeQuoteSource struct {
	quotes map[string]upstream.RawQuote
	err    error
}

func (f *fakeQuoteSource) Quotes(ctx context.Context, symbols []string) (map[string]upstream.RawQuote, error) {
	return f.quotes, f.err
}

func TestPriceMetaBuilder_BuildHistorical_FindsExactDate(t *testing.T) {
	bars := &fakeHistoricalSource{bars: []upstream.Bar{
		{Date: "2024-04-01", Close: 150},
		{Date: "2024-04-02", Close: 152},
	}}
	builder := NewPriceMetaBuilder(bars, nil, nil, nil, cacheproc.New(), 1, time.Millisecond, zerolog.Nop())

	meta, err := builder.BuildHistorical(context.Background(), "AAPL", "2024-04-02")
	require.NoError(t, err)
	assert.Equal(t, 152.0, meta.Value)
	assert.Equal(t, domain.PriceKindHistorical, meta.Kind)
}

func TestPriceMetaBuilder_BuildHistorical_BacktracksWhenExactDateMissing(t *testing.T) {
	bars := &fakeHistoricalSource{bars: []upstream.Bar{
		{Date: "2024-03-28", Close: 149}, // Thursday before the Good Friday holiday weekend
	}}
	builder := NewPriceMetaBuilder(bars, nil, nil, nil, cacheproc.New(), 1, time.Millisecond, zerolog.Nop())

	meta, err := builder.BuildHistorical(context.Background(), "AAPL", "2024-03-30")
	require.NoError(t, err)
	assert.Equal(t, 149.0, meta.Value)
	assert.Equal(t, "historical_bars", meta.Source)
}

func TestPriceMetaBuilder_BuildHistorical_FallsBackWhenSourceFails(t *testing.T) {
	bars := &fakeHistoricalSource{err: assertErr}
	builder := NewPriceMetaBuilder(bars, nil, nil, nil, cacheproc.New(), 1, time.Millisecond, zerolog.Nop())

	meta, err := builder.BuildHistorical(context.Background(), "AAPL", "2024-04-02")
	require.NoError(t, err)
	assert.Equal(t, "real-time_fallback", meta.Source)
}

func TestPriceMetaBuilder_BuildHistorical_UsesSecondaryVendorWhenPrimaryFails(t *testing.T) {
	primary := &fakeHistoricalSource{err: assertErr}
	secondary := &fakeHistoricalSource{bars: []upstream.Bar{{Date: "2024-04-02", Close: 175}}}
	builder := NewPriceMetaBuilder(primary, secondary, nil, nil, cacheproc.New(), 1, time.Millisecond, zerolog.Nop())

	meta, err := builder.BuildHistorical(context.Background(), "AAPL", "2024-04-02")
	require.NoError(t, err)
	assert.Equal(t, 175.0, meta.Value)
	assert.Equal(t, "yahoo_chart", meta.Source)
}

func TestPriceMetaBuilder_BuildRealTime_ServesFromHotCache(t *testing.T) {
	cache := cacheproc.New()
	cache.Set("realtime_quote_AAPL", domain.PriceMeta{Value: 199, Source: "real-time_quote"}, time.Hour)
	builder := NewPriceMetaBuilder(nil, nil, &fakeQuoteSource{}, nil, cache, 1, time.Millisecond, zerolog.Nop())

	meta, err := builder.BuildRealTime(context.Background(), "AAPL", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 199.0, meta.Value)
}

func TestPriceMetaBuilder_BuildRealTime_FetchesAndPopulatesCache(t *testing.T) {
	quotes := &fakeQuoteSource{quotes: map[string]upstream.RawQuote{"AAPL": {Value: 201, AsOf: time.Now()}}}
	cache := cacheproc.New()
	builder := NewPriceMetaBuilder(nil, nil, quotes, nil, cache, 1, time.Millisecond, zerolog.Nop())

	meta, err := builder.BuildRealTime(context.Background(), "AAPL", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 201.0, meta.Value)
	assert.Equal(t, 1, cache.Len())
}

func TestPriceMetaBuilder_BuildRealTime_UsesSecondaryVendorWhenPrimaryFails(t *testing.T) {
	primary := &fakeQuoteSource{err: assertErr}
	secondary := &fakeQuoteSource{quotes: map[string]upstream.RawQuote{"AAPL": {Value: 205, AsOf: time.Now()}}}
	cache := cacheproc.New()
	builder := NewPriceMetaBuilder(nil, nil, primary, secondary, cache, 1, time.Millisecond, zerolog.Nop())

	meta, err := builder.BuildRealTime(context.Background(), "AAPL", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 205.0, meta.Value)
	assert.Equal(t, "yahoo_quote", meta.Source)
}

var assertErr = &fakeErr{}

type fakeErr struct{}

func (f *fakeErr) Error() string { return "boom" }
