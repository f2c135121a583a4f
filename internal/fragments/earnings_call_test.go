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

type fakeTranscriptSource struct {
	byDate map[string]upstream.RawTranscript
}

func (f *fakeTranscriptSource) LatestTranscript(ctx context.Context, ticker string, asOfDate string) (upstream.RawTranscript, error) {
	if t, ok := f.byDate[asOfDate]; ok {
		return t, nil
	}
	return upstream.RawTranscript{Missing: true}, nil
}

type fakeTranscriptSummarizer struct{}

func (f *fakeTranscriptSummarizer) SummarizeTranscript(ctx context.Context, ticker string, quarter string, text string) (string, []string, error) {
	return "strong quarter", []string{"revenue up", "margins stable"}, nil
}

func TestEarningsCallBuilder_Build_UsesCurrentQuarterWhenAvailable(t *testing.T) {
	source := &fakeTranscriptSource{byDate: map[string]upstream.RawTranscript{
		"2024-04-01": {Quarter: "Q1-2024", Text: "management discussed growth"},
	}}
	builder := NewEarningsCallBuilder(source, &fakeTranscriptSummarizer{}, cachekv.NewMemoryStore(), time.Hour, 1, time.Millisecond, zerolog.Nop())

	fragment, err := builder.Build(context.Background(), "AAPL", "2024-04-01")
	require.NoError(t, err)
	assert.Equal(t, "Q1-2024", fragment.Quarter)
	assert.False(t, fragment.Missing)
}

func TestEarningsCallBuilder_Build_FallsBackToPriorQuarter(t *testing.T) {
	source := &fakeTranscriptSource{byDate: map[string]upstream.RawTranscript{
		"2024-01-01": {Quarter: "Q4-2023", Text: "prior quarter call"},
	}}
	builder := NewEarningsCallBuilder(source, &fakeTranscriptSummarizer{}, cachekv.NewMemoryStore(), time.Hour, 1, time.Millisecond, zerolog.Nop())

	fragment, err := builder.Build(context.Background(), "AAPL", "2024-04-01")
	require.NoError(t, err)
	assert.Equal(t, "Q4-2023", fragment.Quarter)
}

func TestEarningsCallBuilder_Build_CachesMissingPlaceholder(t *testing.T) {
	source := &fakeTranscriptSource{byDate: map[string]upstream.RawTranscript{}}
	kv := cachekv.NewMemoryStore()
	builder := NewEarningsCallBuilder(source, &fakeTranscriptSummarizer{}, kv, time.Hour, 1, time.Millisecond, zerolog.Nop())

	fragment, err := builder.Build(context.Background(), "AAPL", "2024-04-01")
	require.NoError(t, err)
	assert.True(t, fragment.Missing)

	fragment2, err := builder.Build(context.Background(), "AAPL", "2024-04-01")
	require.NoError(t, err)
	assert.True(t, fragment2.Missing, "second call must be served from the cached missing placeholder")
}
