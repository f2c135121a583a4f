package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// RawQuote is the normalized real-time or historical price snapshot vended
// by QuoteSource, ahead of fragments/price_meta.go's PriceMeta assembly.
type RawQuote struct {
	Value     float64
	AsOf      time.Time
	Extended  bool
	YearHigh  *float64
	YearLow   *float64
	MarketCap *float64
}

// QuoteSource fetches current quotes, in batch, for up to many symbols in
// one call so the batch executor (C10) can prefetch efficiently.
type QuoteSource interface {
	Quotes(ctx context.Context, symbols []string) (map[string]RawQuote, error)
}

// HistoricalPriceSource fetches daily OHLCV bars ending at or before
// asOfDate, the input momentum and moving-average computations need.
type HistoricalPriceSource interface {
	DailyBars(ctx context.Context, symbol string, asOfDate string, lookbackDays int) ([]Bar, error)
}

// Bar is one daily OHLCV candle.
type Bar struct {
	Date   string
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// QuoteAdapter is the concrete QuoteSource/HistoricalPriceSource backed by
// a REST quote vendor. It keeps wsURL but opens no websocket itself; the
// real-time stream is the separate QuoteStream type in stream.go.
type QuoteAdapter struct {
	baseURL string
	wsURL   string
	doer    HTTPDoer
	log     zerolog.Logger
}

// NewQuoteAdapter constructs a QuoteAdapter.
func NewQuoteAdapter(baseURL, wsURL string, doer HTTPDoer, log zerolog.Logger) *QuoteAdapter {
	return &QuoteAdapter{
		baseURL: baseURL,
		wsURL:   wsURL,
		doer:    doer,
		log:     log.With().Str("client", "quotes").Logger(),
	}
}

type quotesResponse struct {
	Quotes map[string]struct {
		Price     float64  `json:"price"`
		Timestamp int64    `json:"timestamp"`
		Extended  bool     `json:"extended"`
		YearHigh  *float64 `json:"year_high"`
		YearLow   *float64 `json:"year_low"`
		MarketCap *float64 `json:"market_cap"`
	} `json:"quotes"`
}

// Quotes implements QuoteSource, batching all symbols into a single vendor
// call so the prefetch stage in internal/batch never issues one request per
// ticker.
func (a *QuoteAdapter) Quotes(ctx context.Context, symbols []string) (map[string]RawQuote, error) {
	if len(symbols) == 0 {
		return map[string]RawQuote{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	symbolList := symbols[0]
	for _, s := range symbols[1:] {
		symbolList += "," + s
	}

	url := fmt.Sprintf("%s/quotes?symbols=%s", a.baseURL, symbolList)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build quotes request: %w", err)
	}

	resp, err := a.doer.Do(req)
	if err != nil {
		return nil, newNetworkError("quotes", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, newHTTPStatusError("quotes", resp.StatusCode)
	}

	var parsed quotesResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &UpstreamError{Vendor: "quotes", Err: fmt.Errorf("decode quotes response: %w", err)}
	}

	out := make(map[string]RawQuote, len(parsed.Quotes))
	for symbol, q := range parsed.Quotes {
		out[symbol] = RawQuote{
			Value:     q.Price,
			AsOf:      time.Unix(q.Timestamp, 0).UTC(),
			Extended:  q.Extended,
			YearHigh:  q.YearHigh,
			YearLow:   q.YearLow,
			MarketCap: q.MarketCap,
		}
	}

	a.log.Debug().Int("requested", len(symbols)).Int("received", len(out)).Msg("fetched batch quotes")
	return out, nil
}

type barsResponse struct {
	Bars []struct {
		Date   string  `json:"date"`
		Open   float64 `json:"open"`
		High   float64 `json:"high"`
		Low    float64 `json:"low"`
		Close  float64 `json:"close"`
		Volume float64 `json:"volume"`
	} `json:"bars"`
}

// DailyBars implements HistoricalPriceSource.
func (a *QuoteAdapter) DailyBars(ctx context.Context, symbol string, asOfDate string, lookbackDays int) ([]Bar, error) {
	ctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	url := fmt.Sprintf("%s/bars?symbol=%s&before=%s&lookback=%d", a.baseURL, symbol, asOfDate, lookbackDays)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build bars request: %w", err)
	}

	resp, err := a.doer.Do(req)
	if err != nil {
		return nil, newNetworkError("bars", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, newHTTPStatusError("bars", resp.StatusCode)
	}

	var parsed barsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &UpstreamError{Vendor: "bars", Err: fmt.Errorf("decode bars response: %w", err)}
	}

	out := make([]Bar, 0, len(parsed.Bars))
	for _, b := range parsed.Bars {
		out = append(out, Bar{
			Date: b.Date, Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume,
		})
	}
	return out, nil
}
