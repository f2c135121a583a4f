package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// RawPriceTarget is the consensus price-target summary across the covering
// analysts.
type RawPriceTarget struct {
	Mean        *float64
	High        *float64
	Low         *float64
	NumAnalysts int
}

// PriceTargetSource fetches consensus analyst price targets.
type PriceTargetSource interface {
	PriceTargets(ctx context.Context, ticker string) (RawPriceTarget, error)
}

// RawRating is one point-in-time analyst rating aggregate.
type RawRating struct {
	Date  string
	Score float64
	Buy   int
	Hold  int
	Sell  int
}

// RatingsSource fetches the current rating snapshot and its recent history.
type RatingsSource interface {
	Ratings(ctx context.Context, ticker string, asOfDate string) (current RawRating, history []RawRating, err error)
}

// RawGradeAction is one analyst rating-change event (upgrade/downgrade).
type RawGradeAction struct {
	Date      string
	Firm      string
	Action    string
	FromGrade string
	ToGrade   string
}

// GradesSource fetches recent analyst grade-change events.
type GradesSource interface {
	RecentGrades(ctx context.Context, ticker string, asOfDate string, windowDays int) ([]RawGradeAction, error)
}

// RawEstimateRow is one period's consensus EPS/revenue estimate.
type RawEstimateRow struct {
	Period      string
	EPSEstimate *float64
	RevenueEst  *float64
	NumAnalysts int
}

// EstimatesSource fetches quarterly and annual consensus estimates.
type EstimatesSource interface {
	Estimates(ctx context.Context, ticker string, asOfDate string) (quarterly []RawEstimateRow, annual []RawEstimateRow, err error)
}

// AnalystsAdapter is the concrete PriceTargetSource, RatingsSource, and
// GradesSource, all backed by the same analyst-consensus vendor feed.
type AnalystsAdapter struct {
	baseURL string
	doer    HTTPDoer
	log     zerolog.Logger
}

// NewAnalystsAdapter constructs an AnalystsAdapter.
func NewAnalystsAdapter(baseURL string, doer HTTPDoer, log zerolog.Logger) *AnalystsAdapter {
	return &AnalystsAdapter{
		baseURL: baseURL,
		doer:    doer,
		log:     log.With().Str("client", "analysts").Logger(),
	}
}

func (a *AnalystsAdapter) get(ctx context.Context, path string, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build analysts request: %w", err)
	}

	resp, err := a.doer.Do(req)
	if err != nil {
		return newNetworkError("analysts", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return newHTTPStatusError("analysts", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &UpstreamError{Vendor: "analysts", Err: fmt.Errorf("decode analysts response: %w", err)}
	}
	return nil
}

// PriceTargets implements PriceTargetSource.
func (a *AnalystsAdapter) PriceTargets(ctx context.Context, ticker string) (RawPriceTarget, error) {
	var resp struct {
		Mean        *float64 `json:"target_mean"`
		High        *float64 `json:"target_high"`
		Low         *float64 `json:"target_low"`
		NumAnalysts int      `json:"num_analysts"`
	}
	if err := a.get(ctx, fmt.Sprintf("/price-targets?ticker=%s", ticker), &resp); err != nil {
		return RawPriceTarget{}, err
	}
	return RawPriceTarget{Mean: resp.Mean, High: resp.High, Low: resp.Low, NumAnalysts: resp.NumAnalysts}, nil
}

// Ratings implements RatingsSource.
func (a *AnalystsAdapter) Ratings(ctx context.Context, ticker string, asOfDate string) (RawRating, []RawRating, error) {
	var resp struct {
		Current struct {
			Date  string  `json:"date"`
			Score float64 `json:"score"`
			Buy   int     `json:"buy"`
			Hold  int     `json:"hold"`
			Sell  int     `json:"sell"`
		} `json:"current"`
		History []struct {
			Date  string  `json:"date"`
			Score float64 `json:"score"`
			Buy   int     `json:"buy"`
			Hold  int     `json:"hold"`
			Sell  int     `json:"sell"`
		} `json:"history"`
	}
	if err := a.get(ctx, fmt.Sprintf("/ratings?ticker=%s&before=%s", ticker, asOfDate), &resp); err != nil {
		return RawRating{}, nil, err
	}

	current := RawRating{Date: resp.Current.Date, Score: resp.Current.Score, Buy: resp.Current.Buy, Hold: resp.Current.Hold, Sell: resp.Current.Sell}
	history := make([]RawRating, 0, len(resp.History))
	for _, h := range resp.History {
		history = append(history, RawRating{Date: h.Date, Score: h.Score, Buy: h.Buy, Hold: h.Hold, Sell: h.Sell})
	}
	return current, history, nil
}

// RecentGrades implements GradesSource.
func (a *AnalystsAdapter) RecentGrades(ctx context.Context, ticker string, asOfDate string, windowDays int) ([]RawGradeAction, error) {
	var resp struct {
		Actions []struct {
			Date      string `json:"date"`
			Firm      string `json:"firm"`
			Action    string `json:"action"`
			FromGrade string `json:"from_grade"`
			ToGrade   string `json:"to_grade"`
		} `json:"actions"`
	}
	path := fmt.Sprintf("/grades?ticker=%s&before=%s&window_days=%d", ticker, asOfDate, windowDays)
	if err := a.get(ctx, path, &resp); err != nil {
		return nil, err
	}

	out := make([]RawGradeAction, 0, len(resp.Actions))
	for _, act := range resp.Actions {
		out = append(out, RawGradeAction{Date: act.Date, Firm: act.Firm, Action: act.Action, FromGrade: act.FromGrade, ToGrade: act.ToGrade})
	}
	return out, nil
}

// Estimates implements EstimatesSource.
func (a *AnalystsAdapter) Estimates(ctx context.Context, ticker string, asOfDate string) ([]RawEstimateRow, []RawEstimateRow, error) {
	var resp struct {
		Quarterly []struct {
			Period      string   `json:"period"`
			EPSEstimate *float64 `json:"eps_estimate"`
			RevenueEst  *float64 `json:"revenue_estimate"`
			NumAnalysts int      `json:"num_analysts"`
		} `json:"quarterly"`
		Annual []struct {
			Period      string   `json:"period"`
			EPSEstimate *float64 `json:"eps_estimate"`
			RevenueEst  *float64 `json:"revenue_estimate"`
			NumAnalysts int      `json:"num_analysts"`
		} `json:"annual"`
	}
	path := fmt.Sprintf("/estimates?ticker=%s&before=%s", ticker, asOfDate)
	if err := a.get(ctx, path, &resp); err != nil {
		return nil, nil, err
	}

	quarterly := make([]RawEstimateRow, 0, len(resp.Quarterly))
	for _, q := range resp.Quarterly {
		quarterly = append(quarterly, RawEstimateRow{Period: q.Period, EPSEstimate: q.EPSEstimate, RevenueEst: q.RevenueEst, NumAnalysts: q.NumAnalysts})
	}
	annual := make([]RawEstimateRow, 0, len(resp.Annual))
	for _, an := range resp.Annual {
		annual = append(annual, RawEstimateRow{Period: an.Period, EPSEstimate: an.EPSEstimate, RevenueEst: an.RevenueEst, NumAnalysts: an.NumAnalysts})
	}
	return quarterly, annual, nil
}
