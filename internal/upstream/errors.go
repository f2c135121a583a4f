// Package upstream defines one canonical interface per external data
// capability (filings, quotes, price targets, ratings, grades, transcripts,
// macro calendar, news, historical prices) plus a concrete adapter per
// capability. Adapters own vendor-field aliasing and per-call timeouts;
// vendor HTTP calls are modeled behind an injectable HTTPDoer so tests run
// offline. Grounded on the teacher's internal/clients/* packages (e.g.
// exchangerate.Client, tradernet.Client): a small struct wrapping an
// *http.Client with a component-scoped logger, decoding into a
// vendor-shaped response type before handing normalized data upward.
package upstream

import (
	"fmt"
	"net"
	"net/http"
)

// HTTPDoer is the minimal surface adapters need from an HTTP client,
// letting tests substitute a fake transport without starting a server.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// UpstreamError carries enough detail for internal/retry to classify a
// failed vendor call, and enough for the HTTP edge to report which vendor
// failed without leaking internal adapter structure.
type UpstreamError struct {
	Vendor     string
	Status     int
	Retryable  bool
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Vendor, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Vendor, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// StatusCode implements retry.HTTPStatusError so internal/retry.Classify
// can reach the same retryability decision without importing this package.
func (e *UpstreamError) StatusCode() int {
	return e.Status
}

// newHTTPStatusError builds an UpstreamError from a non-2xx HTTP response.
func newHTTPStatusError(vendor string, statusCode int) *UpstreamError {
	retryable := statusCode == http.StatusRequestTimeout ||
		statusCode == http.StatusTooManyRequests ||
		statusCode >= 500
	return &UpstreamError{
		Vendor:    vendor,
		Status:    statusCode,
		Retryable: retryable,
		Err:       fmt.Errorf("unexpected status %d", statusCode),
	}
}

// newNetworkError wraps a transport-level failure (DNS, connection reset,
// timeout) as a retryable UpstreamError.
func newNetworkError(vendor string, err error) *UpstreamError {
	retryable := true
	var netErr net.Error
	if ok := isNetError(err, &netErr); ok {
		retryable = netErr.Timeout() || retryable
	}
	return &UpstreamError{Vendor: vendor, Retryable: retryable, Err: err}
}

func isNetError(err error, target *net.Error) bool {
	ne, ok := err.(net.Error)
	if !ok {
		return false
	}
	*target = ne
	return true
}
