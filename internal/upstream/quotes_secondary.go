package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// SecondaryQuoteAdapter is the fallback QuoteSource/HistoricalPriceSource
// vendor. spec.md §4.6.2 names a fallback chain for both the historical and
// real-time price legs (FMP-style primary, Yahoo-style secondary); this
// adapter is that secondary leg, shaped after QuoteAdapter but against a
// chart/quote vendor with a different response envelope.
type SecondaryQuoteAdapter struct {
	baseURL string
	doer    HTTPDoer
	log     zerolog.Logger
}

// NewSecondaryQuoteAdapter constructs a SecondaryQuoteAdapter.
func NewSecondaryQuoteAdapter(baseURL string, doer HTTPDoer, log zerolog.Logger) *SecondaryQuoteAdapter {
	return &SecondaryQuoteAdapter{
		baseURL: baseURL,
		doer:    doer,
		log:     log.With().Str("client", "quotes_secondary").Logger(),
	}
}

type secondaryQuoteResponse struct {
	Result []struct {
		Symbol            string   `json:"symbol"`
		RegularMarketPrice float64 `json:"regularMarketPrice"`
		RegularMarketTime int64    `json:"regularMarketTime"`
		PostMarketPrice   *float64 `json:"postMarketPrice"`
		FiftyTwoWeekHigh  *float64 `json:"fiftyTwoWeekHigh"`
		FiftyTwoWeekLow   *float64 `json:"fiftyTwoWeekLow"`
		MarketCap         *float64 `json:"marketCap"`
	} `json:"result"`
}

// Quotes implements QuoteSource against the secondary vendor's per-symbol
// quote summary. Unlike QuoteAdapter's single batched call, this vendor's
// quote endpoint only accepts one symbol, so the fallback path issues one
// request per ticker; PriceMetaBuilder only reaches this adapter on a
// primary-vendor miss for a single ticker, never from the batch prefetcher.
func (a *SecondaryQuoteAdapter) Quotes(ctx context.Context, symbols []string) (map[string]RawQuote, error) {
	out := make(map[string]RawQuote, len(symbols))
	for _, symbol := range symbols {
		quote, err := a.quoteOne(ctx, symbol)
		if err != nil {
			return nil, err
		}
		out[symbol] = quote
	}
	return out, nil
}

func (a *SecondaryQuoteAdapter) quoteOne(ctx context.Context, symbol string) (RawQuote, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	url := fmt.Sprintf("%s/v7/finance/quote?symbols=%s", a.baseURL, symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return RawQuote{}, fmt.Errorf("build secondary quote request: %w", err)
	}

	resp, err := a.doer.Do(req)
	if err != nil {
		return RawQuote{}, newNetworkError("quotes_secondary", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return RawQuote{}, newHTTPStatusError("quotes_secondary", resp.StatusCode)
	}

	var parsed secondaryQuoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return RawQuote{}, &UpstreamError{Vendor: "quotes_secondary", Err: fmt.Errorf("decode secondary quote response: %w", err)}
	}
	if len(parsed.Result) == 0 {
		return RawQuote{}, &UpstreamError{Vendor: "quotes_secondary", Err: fmt.Errorf("symbol %s not found", symbol)}
	}

	r := parsed.Result[0]
	value := r.RegularMarketPrice
	if r.PostMarketPrice != nil {
		value = *r.PostMarketPrice
	}
	return RawQuote{
		Value:     value,
		AsOf:      time.Unix(r.RegularMarketTime, 0).UTC(),
		Extended:  r.PostMarketPrice != nil,
		YearHigh:  r.FiftyTwoWeekHigh,
		YearLow:   r.FiftyTwoWeekLow,
		MarketCap: r.MarketCap,
	}, nil
}

type secondaryChartResponse struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []float64 `json:"open"`
					High   []float64 `json:"high"`
					Low    []float64 `json:"low"`
					Close  []float64 `json:"close"`
					Volume []float64 `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
	} `json:"chart"`
}

// DailyBars implements HistoricalPriceSource against the secondary vendor's
// chart endpoint, which returns parallel OHLCV arrays keyed by index rather
// than one row per bar. It always requests the vendor's one-year daily range,
// so lookbackDays is not used; bars dated after asOfDate are dropped.
func (a *SecondaryQuoteAdapter) DailyBars(ctx context.Context, symbol string, asOfDate string, lookbackDays int) ([]Bar, error) {
	ctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	url := fmt.Sprintf("%s/v8/finance/chart/%s?range=1y&interval=1d", a.baseURL, symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build secondary chart request: %w", err)
	}

	resp, err := a.doer.Do(req)
	if err != nil {
		return nil, newNetworkError("chart_secondary", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, newHTTPStatusError("chart_secondary", resp.StatusCode)
	}

	var parsed secondaryChartResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &UpstreamError{Vendor: "chart_secondary", Err: fmt.Errorf("decode secondary chart response: %w", err)}
	}
	if len(parsed.Chart.Result) == 0 || len(parsed.Chart.Result[0].Indicators.Quote) == 0 {
		return nil, &UpstreamError{Vendor: "chart_secondary", Err: fmt.Errorf("symbol %s not found", symbol)}
	}

	result := parsed.Chart.Result[0]
	quote := result.Indicators.Quote[0]
	out := make([]Bar, 0, len(result.Timestamp))
	for i, ts := range result.Timestamp {
		if i >= len(quote.Close) {
			break
		}
		bar := Bar{Date: time.Unix(ts, 0).UTC().Format("2006-01-02")}
		if bar.Date > asOfDate {
			continue
		}
		if i < len(quote.Open) {
			bar.Open = quote.Open[i]
		}
		if i < len(quote.High) {
			bar.High = quote.High[i]
		}
		if i < len(quote.Low) {
			bar.Low = quote.Low[i]
		}
		bar.Close = quote.Close[i]
		if i < len(quote.Volume) {
			bar.Volume = quote.Volume[i]
		}
		out = append(out, bar)
	}
	return out, nil
}
