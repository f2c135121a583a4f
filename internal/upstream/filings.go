package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// RawFiling is the normalized shape fragments/filing_summary.go consumes:
// enough to drive an LLM summarization prompt or a deterministic excerpt
// fallback when MDAText is empty.
type RawFiling struct {
	Form       string
	FilingDate string
	ReportDate string
	MDAText    string
}

// FilingsSource fetches the most recent filings of interest for ticker as
// of baselineDate (never filings dated after it, to keep historical
// requests reproducible).
type FilingsSource interface {
	RecentFilings(ctx context.Context, ticker string, baselineDate string, limit int) ([]RawFiling, error)
}

// FilingsAdapter is the concrete FilingsSource backed by a SEC-EDGAR-style
// JSON submissions feed, following the exchangerate.Client shape: a small
// struct over an HTTPDoer with a component-scoped logger and a fixed
// per-call timeout.
type FilingsAdapter struct {
	baseURL string
	doer    HTTPDoer
	log     zerolog.Logger
}

// NewFilingsAdapter constructs a FilingsAdapter. baseURL is injectable so
// tests can point it at an httptest.Server.
func NewFilingsAdapter(baseURL string, doer HTTPDoer, log zerolog.Logger) *FilingsAdapter {
	return &FilingsAdapter{
		baseURL: baseURL,
		doer:    doer,
		log:     log.With().Str("client", "filings").Logger(),
	}
}

type filingsFeedResponse struct {
	Filings []struct {
		FormType   string `json:"form_type"`
		FiledAt    string `json:"filed_at"`
		PeriodEnd  string `json:"period_end"`
		MDAText    string `json:"mda_text"`
	} `json:"filings"`
}

// RecentFilings implements FilingsSource.
func (a *FilingsAdapter) RecentFilings(ctx context.Context, ticker string, baselineDate string, limit int) ([]RawFiling, error) {
	ctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	url := fmt.Sprintf("%s/filings?ticker=%s&before=%s&limit=%d", a.baseURL, ticker, baselineDate, limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build filings request: %w", err)
	}

	resp, err := a.doer.Do(req)
	if err != nil {
		return nil, newNetworkError("filings", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, newHTTPStatusError("filings", resp.StatusCode)
	}

	var feed filingsFeedResponse
	if err := json.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return nil, &UpstreamError{Vendor: "filings", Err: fmt.Errorf("decode filings response: %w", err)}
	}

	out := make([]RawFiling, 0, len(feed.Filings))
	for _, f := range feed.Filings {
		out = append(out, RawFiling{
			Form:       f.FormType,
			FilingDate: f.FiledAt,
			ReportDate: f.PeriodEnd,
			MDAText:    f.MDAText,
		})
	}

	a.log.Debug().Str("ticker", ticker).Int("count", len(out)).Msg("fetched recent filings")
	return out, nil
}
