package fragments

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/garen0616/us-equity-analyzer-pro/internal/cacheproc"
	"github.com/garen0616/us-equity-analyzer-pro/internal/upstream"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// today/yesterday-ish anchors computed at test time so the extended-window
// check (|now - baseline| <= windowDays) passes regardless of when the
// suite runs.
func recentDate(daysAgo int) string {
	return time.Now().AddDate(0, 0, -daysAgo).Format("2006-01-02")
}

type fakePriceTargetSource struct{ calls int32 }

func (f *fakePriceTargetSource) PriceTargets(ctx context.Context, ticker string) (upstream.RawPriceTarget, error) {
	atomic.AddInt32(&f.calls, 1)
	time.Sleep(5 * time.Millisecond)
	mean := 200.0
	return upstream.RawPriceTarget{Mean: &mean, NumAnalysts: 10}, nil
}

type fakeRatingsSource struct{}

func (f *fakeRatingsSource) Ratings(ctx context.Context, ticker string, asOfDate string) (upstream.RawRating, []upstream.RawRating, error) {
	current := upstream.RawRating{Date: recentDate(0), Score: 4.5, Buy: 20, Hold: 5, Sell: 1}
	history := []upstream.RawRating{
		{Date: recentDate(0), Score: 4.5},
		{Date: recentDate(45), Score: 4.0},
	}
	return current, history, nil
}

type fakeGradesSource struct{}

func (f *fakeGradesSource) RecentGrades(ctx context.Context, ticker string, asOfDate string, windowDays int) ([]upstream.RawGradeAction, error) {
	return []upstream.RawGradeAction{{Date: recentDate(2), Firm: "X", Action: "upgrade"}}, nil
}

type fakeEstimatesSource struct{}

func (f *fakeEstimatesSource) Estimates(ctx context.Context, ticker string, asOfDate string) ([]upstream.RawEstimateRow, []upstream.RawEstimateRow, error) {
	eps := 1.23
	quarterly := []upstream.RawEstimateRow{{Period: "Q1", EPSEstimate: &eps, NumAnalysts: 12}}
	return quarterly, nil, nil
}

func TestAnalystSignalsBuilder_Build_ComputesTrendAndConfidence(t *testing.T) {
	builder := NewAnalystSignalsBuilder(&fakePriceTargetSource{}, &fakeRatingsSource{}, &fakeGradesSource{}, nil, cacheproc.New(), 1, time.Millisecond, 3, 14, time.Hour, time.Hour, time.Hour, zerolog.Nop())

	baselineDate := recentDate(0)
	signals, err := builder.Build(context.Background(), "AAPL", baselineDate)
	require.NoError(t, err)
	assert.Equal(t, "high", signals.PriceTargetSummary.Confidence)
	assert.Equal(t, 1, signals.Ratings.Trend, "score rose from 4.0 to 4.5")
	require.NotNil(t, signals.Grades)
	assert.Equal(t, "upgrade", signals.Grades.Consensus)
}

func TestAnalystSignalsBuilder_Build_FetchesEstimatesWithinExtendedWindow(t *testing.T) {
	builder := NewAnalystSignalsBuilder(&fakePriceTargetSource{}, &fakeRatingsSource{}, &fakeGradesSource{}, &fakeEstimatesSource{}, cacheproc.New(), 1, time.Millisecond, 3, 14, time.Hour, time.Hour, time.Hour, zerolog.Nop())

	baselineDate := recentDate(0)
	signals, err := builder.Build(context.Background(), "AAPL", baselineDate)
	require.NoError(t, err)
	require.NotNil(t, signals.Estimates)
	require.Len(t, signals.Estimates.Quarterly, 1)
	assert.Equal(t, "Q1", signals.Estimates.Quarterly[0].Period)
}

func TestAnalystSignalsBuilder_Build_CollapsesConcurrentCalls(t *testing.T) {
	source := &fakePriceTargetSource{}
	builder := NewAnalystSignalsBuilder(source, &fakeRatingsSource{}, &fakeGradesSource{}, nil, cacheproc.New(), 1, time.Millisecond, 3, 14, time.Hour, time.Hour, time.Hour, zerolog.Nop())

	baselineDate := recentDate(0)
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := builder.Build(context.Background(), "AAPL", baselineDate)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&source.calls), "concurrent identical requests must collapse into one fetch")
}

func TestAnalystSignalsBuilder_Build_ServesFromCacheOnSecondCall(t *testing.T) {
	source := &fakePriceTargetSource{}
	builder := NewAnalystSignalsBuilder(source, &fakeRatingsSource{}, &fakeGradesSource{}, nil, cacheproc.New(), 1, time.Millisecond, 3, 14, time.Hour, time.Hour, time.Hour, zerolog.Nop())

	baselineDate := recentDate(0)
	_, err := builder.Build(context.Background(), "AAPL", baselineDate)
	require.NoError(t, err)
	_, err = builder.Build(context.Background(), "AAPL", baselineDate)
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&source.calls))
}
