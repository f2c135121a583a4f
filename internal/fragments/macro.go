package fragments

import (
	"context"
	"fmt"
	"time"

	"github.com/garen0616/us-equity-analyzer-pro/internal/domain"
	"github.com/garen0616/us-equity-analyzer-pro/internal/retry"
	"github.com/garen0616/us-equity-analyzer-pro/internal/upstream"
	"github.com/rs/zerolog"
)

// MacroBuilder assembles the macro-backdrop fragment: economic-calendar
// events plus the 10-year and 2-year treasury yields and their spread. It is
// built on every request from the baseline date; RiskPremium is left unset.
type MacroBuilder struct {
	source        upstream.MacroSource
	retryAttempts int
	retryDelay    time.Duration
	log           zerolog.Logger
}

// NewMacroBuilder constructs a MacroBuilder.
func NewMacroBuilder(source upstream.MacroSource, retryAttempts int, retryDelay time.Duration, log zerolog.Logger) *MacroBuilder {
	return &MacroBuilder{source: source, retryAttempts: retryAttempts, retryDelay: retryDelay, log: log.With().Str("builder", "macro").Logger()}
}

// Build fetches the macro context window and computes the yield spread.
func (b *MacroBuilder) Build(ctx context.Context, baselineDate string, windowDays int, eventLimit int) (domain.MacroFragment, error) {
	var snap upstream.RawMacroSnapshot
	if err := retry.Do(ctx, b.retryAttempts, b.retryDelay, func(ctx context.Context) error {
		fetched, err := b.source.Snapshot(ctx, baselineDate, windowDays)
		if err != nil {
			return err
		}
		snap = fetched
		return nil
	}); err != nil {
		return domain.MacroFragment{}, fmt.Errorf("fetch macro snapshot: %w", err)
	}

	events := make([]domain.MacroEvent, 0, len(snap.Events))
	for _, e := range snap.Events {
		events = append(events, domain.MacroEvent{Date: e.Date, Name: e.Name, Actual: e.Actual, Forecast: e.Forecast})
	}
	if len(events) > eventLimit {
		events = events[:eventLimit]
	}

	fragment := domain.MacroFragment{Events: events, Yield10Y: snap.Yield10Y, Yield2Y: snap.Yield2Y}
	if snap.Yield10Y != nil && snap.Yield2Y != nil {
		spread := *snap.Yield10Y - *snap.Yield2Y
		fragment.Spread = &spread
	}
	return fragment, nil
}
