package fragments

import (
	"context"
	"testing"
	"time"

	"github.com/garen0616/us-equity-analyzer-pro/internal/upstream"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMacroSource struct {
	snapshot upstream.RawMacroSnapshot
}

func (f *fakeMacroSource) Snapshot(ctx context.Context, asOfDate string, windowDays int) (upstream.RawMacroSnapshot, error) {
	return f.snapshot, nil
}

func TestMacroBuilder_Build_ComputesSpread(t *testing.T) {
	y10, y2 := 4.3, 4.8
	source := &fakeMacroSource{snapshot: upstream.RawMacroSnapshot{
		Events:   []upstream.RawMacroEvent{{Date: "2024-04-01", Name: "CPI"}},
		Yield10Y: &y10,
		Yield2Y:  &y2,
	}}
	builder := NewMacroBuilder(source, 1, time.Millisecond, zerolog.Nop())

	fragment, err := builder.Build(context.Background(), "2024-04-02", 30, 10)
	require.NoError(t, err)
	require.NotNil(t, fragment.Spread)
	assert.InDelta(t, -0.5, *fragment.Spread, 0.0001)
}

func TestMacroBuilder_Build_TrimsToEventLimit(t *testing.T) {
	events := make([]upstream.RawMacroEvent, 5)
	for i := range events {
		events[i] = upstream.RawMacroEvent{Date: "2024-04-01", Name: "event"}
	}
	source := &fakeMacroSource{snapshot: upstream.RawMacroSnapshot{Events: events}}
	builder := NewMacroBuilder(source, 1, time.Millisecond, zerolog.Nop())

	fragment, err := builder.Build(context.Background(), "2024-04-02", 30, 2)
	require.NoError(t, err)
	assert.Len(t, fragment.Events, 2)
}
