package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// RawTranscript is the raw earnings-call transcript text for one quarter.
type RawTranscript struct {
	Quarter string
	Text    string
	Missing bool
}

// TranscriptSource fetches the most recent earnings-call transcript at or
// before asOfDate.
type TranscriptSource interface {
	LatestTranscript(ctx context.Context, ticker string, asOfDate string) (RawTranscript, error)
}

// TranscriptAdapter is the concrete TranscriptSource.
type TranscriptAdapter struct {
	baseURL string
	doer    HTTPDoer
	log     zerolog.Logger
}

// NewTranscriptAdapter constructs a TranscriptAdapter.
func NewTranscriptAdapter(baseURL string, doer HTTPDoer, log zerolog.Logger) *TranscriptAdapter {
	return &TranscriptAdapter{baseURL: baseURL, doer: doer, log: log.With().Str("client", "transcript").Logger()}
}

// LatestTranscript implements TranscriptSource. A 404 from the vendor means
// no transcript has been published yet for the window, which is a valid,
// non-error "missing" result rather than a failure.
func (a *TranscriptAdapter) LatestTranscript(ctx context.Context, ticker string, asOfDate string) (RawTranscript, error) {
	ctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	url := fmt.Sprintf("%s/transcripts/latest?ticker=%s&before=%s", a.baseURL, ticker, asOfDate)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return RawTranscript{}, fmt.Errorf("build transcript request: %w", err)
	}

	resp, err := a.doer.Do(req)
	if err != nil {
		return RawTranscript{}, newNetworkError("transcript", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return RawTranscript{Missing: true}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return RawTranscript{}, newHTTPStatusError("transcript", resp.StatusCode)
	}

	var body struct {
		Quarter string `json:"quarter"`
		Text    string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return RawTranscript{}, &UpstreamError{Vendor: "transcript", Err: fmt.Errorf("decode transcript response: %w", err)}
	}

	a.log.Debug().Str("ticker", ticker).Str("quarter", body.Quarter).Msg("fetched latest transcript")
	return RawTranscript{Quarter: body.Quarter, Text: body.Text}, nil
}
