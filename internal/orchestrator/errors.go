package orchestrator

import "errors"

// Typed error kinds the HTTP edge (internal/server) maps to status codes.
// Nothing inside the orchestration fabric itself should map these to HTTP
// semantics; that mapping lives entirely at the A3 boundary.
var (
	ErrValidation        = errors.New("orchestrator: invalid request")
	ErrUpstreamRetryable = errors.New("orchestrator: upstream temporarily unavailable")
	ErrUpstreamFatal     = errors.New("orchestrator: upstream fetch failed")
	ErrCacheMiss         = errors.New("orchestrator: cache_miss")
	ErrLLMInvalid        = errors.New("orchestrator: llm analysis invalid")
)
