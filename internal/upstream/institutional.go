package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// RawHolderRow is one 13F holder row, already aliased from the vendor's
// field names to the canonical shape at the adapter boundary.
type RawHolderRow struct {
	Name          string
	Shares        float64
	PositionValue float64
	ChangeShares  float64
}

// RawInsiderTrade is one normalized insider transaction.
type RawInsiderTrade struct {
	Date   string
	Name   string
	Action string
	Shares float64
	Value  float64
}

// RawInstitutionalQuarter is one quarter's 13F aggregate.
type RawInstitutionalQuarter struct {
	AsOf             string
	Holders          []RawHolderRow
	NetSharesSummary *float64 // preferred over summing row-level ChangeShares when present
}

// InstitutionalSource fetches 13F aggregates, insider activity, and
// analyst grade-change counts used to contextualize institutional flow.
type InstitutionalSource interface {
	ThirteenF(ctx context.Context, ticker string, quartersBack int) (RawInstitutionalQuarter, bool, error)
	InsiderTrades(ctx context.Context, ticker string, from string, to string) ([]RawInsiderTrade, error)
	GradeCounts(ctx context.Context, ticker string, from string, to string) (upgrades int, downgrades int, err error)
}

// InstitutionalAdapter is the concrete InstitutionalSource backed by the
// 13F/insider-activity vendor feed.
type InstitutionalAdapter struct {
	baseURL string
	doer    HTTPDoer
	log     zerolog.Logger
}

// NewInstitutionalAdapter constructs an InstitutionalAdapter.
func NewInstitutionalAdapter(baseURL string, doer HTTPDoer, log zerolog.Logger) *InstitutionalAdapter {
	return &InstitutionalAdapter{baseURL: baseURL, doer: doer, log: log.With().Str("client", "institutional").Logger()}
}

func (a *InstitutionalAdapter) get(ctx context.Context, path string, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build institutional request: %w", err)
	}

	resp, err := a.doer.Do(req)
	if err != nil {
		return newNetworkError("institutional", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return newHTTPStatusError("institutional", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &UpstreamError{Vendor: "institutional", Err: fmt.Errorf("decode institutional response: %w", err)}
	}
	return nil
}

// ThirteenF implements InstitutionalSource.
func (a *InstitutionalAdapter) ThirteenF(ctx context.Context, ticker string, quartersBack int) (RawInstitutionalQuarter, bool, error) {
	var resp struct {
		Found   bool     `json:"found"`
		AsOf    string   `json:"as_of"`
		Holders []struct {
			Name          string  `json:"name"`
			Shares        float64 `json:"shares"`
			PositionValue float64 `json:"position_value"`
			ChangeShares  float64 `json:"change_shares"`
		} `json:"holders"`
		NetSharesSummary *float64 `json:"net_shares_summary"`
	}
	path := fmt.Sprintf("/13f?ticker=%s&quarters_back=%d", ticker, quartersBack)
	if err := a.get(ctx, path, &resp); err != nil {
		return RawInstitutionalQuarter{}, false, err
	}
	if !resp.Found {
		return RawInstitutionalQuarter{}, false, nil
	}

	holders := make([]RawHolderRow, 0, len(resp.Holders))
	for _, h := range resp.Holders {
		holders = append(holders, RawHolderRow{Name: h.Name, Shares: h.Shares, PositionValue: h.PositionValue, ChangeShares: h.ChangeShares})
	}
	return RawInstitutionalQuarter{AsOf: resp.AsOf, Holders: holders, NetSharesSummary: resp.NetSharesSummary}, true, nil
}

// InsiderTrades implements InstitutionalSource.
func (a *InstitutionalAdapter) InsiderTrades(ctx context.Context, ticker string, from string, to string) ([]RawInsiderTrade, error) {
	var resp struct {
		Trades []struct {
			Date   string  `json:"date"`
			Name   string  `json:"name"`
			Action string  `json:"action"`
			Shares float64 `json:"shares"`
			Value  float64 `json:"value"`
		} `json:"trades"`
	}
	path := fmt.Sprintf("/insider-trades?ticker=%s&from=%s&to=%s", ticker, from, to)
	if err := a.get(ctx, path, &resp); err != nil {
		return nil, err
	}

	out := make([]RawInsiderTrade, 0, len(resp.Trades))
	for _, t := range resp.Trades {
		out = append(out, RawInsiderTrade{Date: t.Date, Name: t.Name, Action: t.Action, Shares: t.Shares, Value: t.Value})
	}
	return out, nil
}

// GradeCounts implements InstitutionalSource.
func (a *InstitutionalAdapter) GradeCounts(ctx context.Context, ticker string, from string, to string) (int, int, error) {
	var resp struct {
		Upgrades   int `json:"upgrades"`
		Downgrades int `json:"downgrades"`
	}
	path := fmt.Sprintf("/grade-counts?ticker=%s&from=%s&to=%s", ticker, from, to)
	if err := a.get(ctx, path, &resp); err != nil {
		return 0, 0, err
	}
	return resp.Upgrades, resp.Downgrades, nil
}
