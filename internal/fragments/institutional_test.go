package fragments

import (
	"context"
	"testing"
	"time"

	"github.com/garen0616/us-equity-analyzer-pro/internal/cachekv"
	"github.com/garen0616/us-equity-analyzer-pro/internal/upstream"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInstitutionalSource struct {
	quarters map[int]upstream.RawInstitutionalQuarter
	trades   []upstream.RawInsiderTrade
	calls    int
}

func (f *fakeInstitutionalSource) ThirteenF(ctx context.Context, ticker string, quartersBack int) (upstream.RawInstitutionalQuarter, bool, error) {
	f.calls++
	q, ok := f.quarters[quartersBack]
	return q, ok, nil
}

func (f *fakeInstitutionalSource) InsiderTrades(ctx context.Context, ticker string, from string, to string) ([]upstream.RawInsiderTrade, error) {
	return f.trades, nil
}

func (f *fakeInstitutionalSource) GradeCounts(ctx context.Context, ticker string, from string, to string) (int, int, error) {
	return 2, 1, nil
}

func TestInstitutionalBuilder_Build_ComputesConcentrationAndLabel(t *testing.T) {
	netShares := 50000.0
	source := &fakeInstitutionalSource{
		quarters: map[int]upstream.RawInstitutionalQuarter{
			0: {
				AsOf: "2024-03-31",
				Holders: []upstream.RawHolderRow{
					{Name: "A", PositionValue: 500, Shares: 10},
					{Name: "B", PositionValue: 300, Shares: 8},
					{Name: "C", PositionValue: 100, Shares: 4},
				},
				NetSharesSummary: &netShares,
			},
		},
	}
	builder := NewInstitutionalBuilder(source, cachekv.NewMemoryStore(), time.Hour, 1, time.Millisecond, zerolog.Nop())

	snapshot, err := builder.Build(context.Background(), "AAPL", "2024-04-01")
	require.NoError(t, err)
	assert.Equal(t, "加碼", string(snapshot.Signal.Label))
	assert.Equal(t, "accumulate", snapshot.Signal.CanonicalTag)
	assert.Equal(t, 1.0, snapshot.ConcentrationRatio, "top-5 holders are the only holders here")
	assert.Len(t, snapshot.TopHolders, 3)
}

func TestInstitutionalBuilder_Build_FallsBackAcrossQuarters(t *testing.T) {
	net := -10.0
	source := &fakeInstitutionalSource{
		quarters: map[int]upstream.RawInstitutionalQuarter{
			2: {AsOf: "2023-09-30", Holders: []upstream.RawHolderRow{{Name: "A", PositionValue: 100}}, NetSharesSummary: &net},
		},
	}
	builder := NewInstitutionalBuilder(source, cachekv.NewMemoryStore(), time.Hour, 1, time.Millisecond, zerolog.Nop())

	snapshot, err := builder.Build(context.Background(), "AAPL", "2024-04-01")
	require.NoError(t, err)
	assert.Equal(t, "減碼", string(snapshot.Signal.Label))
}

func TestInstitutionalBuilder_Build_ServesFromCacheOnSecondCall(t *testing.T) {
	netShares := 50000.0
	source := &fakeInstitutionalSource{
		quarters: map[int]upstream.RawInstitutionalQuarter{
			0: {AsOf: "2024-03-31", Holders: []upstream.RawHolderRow{{Name: "A", PositionValue: 500}}, NetSharesSummary: &netShares},
		},
	}
	builder := NewInstitutionalBuilder(source, cachekv.NewMemoryStore(), time.Hour, 1, time.Millisecond, zerolog.Nop())

	_, err := builder.Build(context.Background(), "AAPL", "2024-04-01")
	require.NoError(t, err)
	_, err = builder.Build(context.Background(), "AAPL", "2024-04-15")
	require.NoError(t, err)

	assert.Equal(t, 1, source.calls, "same ticker/quarter must be served from the KV cache on the second call")
}

func TestInstitutionalBuilder_Build_NoDataWithinLookbackErrors(t *testing.T) {
	source := &fakeInstitutionalSource{quarters: map[int]upstream.RawInstitutionalQuarter{}}
	builder := NewInstitutionalBuilder(source, cachekv.NewMemoryStore(), time.Hour, 1, time.Millisecond, zerolog.Nop())

	_, err := builder.Build(context.Background(), "AAPL", "2024-04-01")
	assert.Error(t, err)
}
