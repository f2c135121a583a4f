package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// RawMacroEvent is one normalized economic-calendar event.
type RawMacroEvent struct {
	Date     string
	Name     string
	Actual   string
	Forecast string
}

// RawMacroSnapshot bundles calendar events with treasury-curve context.
type RawMacroSnapshot struct {
	Events   []RawMacroEvent
	Yield10Y *float64
	Yield2Y  *float64
}

// MacroSource fetches the macroeconomic context window around asOfDate.
type MacroSource interface {
	Snapshot(ctx context.Context, asOfDate string, windowDays int) (RawMacroSnapshot, error)
}

// MacroAdapter is the concrete MacroSource.
type MacroAdapter struct {
	baseURL string
	doer    HTTPDoer
	log     zerolog.Logger
}

// NewMacroAdapter constructs a MacroAdapter.
func NewMacroAdapter(baseURL string, doer HTTPDoer, log zerolog.Logger) *MacroAdapter {
	return &MacroAdapter{baseURL: baseURL, doer: doer, log: log.With().Str("client", "macro").Logger()}
}

// Snapshot implements MacroSource.
func (a *MacroAdapter) Snapshot(ctx context.Context, asOfDate string, windowDays int) (RawMacroSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	url := fmt.Sprintf("%s/macro?before=%s&window_days=%d", a.baseURL, asOfDate, windowDays)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return RawMacroSnapshot{}, fmt.Errorf("build macro request: %w", err)
	}

	resp, err := a.doer.Do(req)
	if err != nil {
		return RawMacroSnapshot{}, newNetworkError("macro", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return RawMacroSnapshot{}, newHTTPStatusError("macro", resp.StatusCode)
	}

	var body struct {
		Events []struct {
			Date     string `json:"date"`
			Name     string `json:"name"`
			Actual   string `json:"actual"`
			Forecast string `json:"forecast"`
		} `json:"events"`
		Yield10Y *float64 `json:"yield_10y"`
		Yield2Y  *float64 `json:"yield_2y"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return RawMacroSnapshot{}, &UpstreamError{Vendor: "macro", Err: fmt.Errorf("decode macro response: %w", err)}
	}

	events := make([]RawMacroEvent, 0, len(body.Events))
	for _, e := range body.Events {
		events = append(events, RawMacroEvent{Date: e.Date, Name: e.Name, Actual: e.Actual, Forecast: e.Forecast})
	}
	return RawMacroSnapshot{Events: events, Yield10Y: body.Yield10Y, Yield2Y: body.Yield2Y}, nil
}
