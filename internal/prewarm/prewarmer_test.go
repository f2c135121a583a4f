package prewarm

import (
	"context"
	"sync"
	"testing"

	"github.com/garen0616/us-equity-analyzer-pro/internal/domain"
	"github.com/garen0616/us-equity-analyzer-pro/internal/orchestrator"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type recordingAnalyzer struct {
	mu   sync.Mutex
	reqs []orchestrator.Request
}

func (r *recordingAnalyzer) Analyze(ctx context.Context, req orchestrator.Request) (*domain.AnalysisBundle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	return &domain.AnalysisBundle{}, nil
}

func TestPrewarmer_EmptyTickersIsNoop(t *testing.T) {
	a := &recordingAnalyzer{}
	p := New(a, nil, 24, false, "gpt-4o-mini", zerolog.Nop())
	require := assert.New(t)
	require.NoError(p.Start(context.Background()))
	p.Stop()
	require.Empty(a.reqs)
}

func TestPrewarmer_RunsImmediatePassForEachTicker(t *testing.T) {
	a := &recordingAnalyzer{}
	p := New(a, []string{"NVDA", "AAPL"}, 24, false, "gpt-4o-mini", zerolog.Nop())
	assert.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	a.mu.Lock()
	defer a.mu.Unlock()
	assert.Len(t, a.reqs, 2)
	for _, r := range a.reqs {
		assert.Equal(t, domain.ModeMetricsOnly, r.Mode)
	}
}

func TestPrewarmer_IncludeLLMUsesFullMode(t *testing.T) {
	a := &recordingAnalyzer{}
	p := New(a, []string{"NVDA"}, 24, true, "gpt-4o-mini", zerolog.Nop())
	assert.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	a.mu.Lock()
	defer a.mu.Unlock()
	assert.Equal(t, domain.ModeFull, a.reqs[0].Mode)
}
