package server

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/garen0616/us-equity-analyzer-pro/internal/batch"
	"github.com/garen0616/us-equity-analyzer-pro/internal/diagnostics"
	"github.com/garen0616/us-equity-analyzer-pro/internal/domain"
	"github.com/garen0616/us-equity-analyzer-pro/internal/orchestrator"
)

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("failed to encode json response")
	}
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// statusForAnalyzeErr implements spec.md §7's error-kind-to-status mapping
// for the synchronous /api/analyze boundary: 400 on validation, 409 on
// cache miss under cached-only mode, 500 otherwise.
func statusForAnalyzeErr(err error) (int, string) {
	switch {
	case errors.Is(err, orchestrator.ErrValidation):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, orchestrator.ErrCacheMiss):
		return http.StatusConflict, "cached result unavailable"
	default:
		return http.StatusInternalServerError, err.Error()
	}
}

type analyzeRequest struct {
	Ticker        string `json:"ticker"`
	Date          string `json:"date"`
	Model         string `json:"model"`
	AnalysisModel string `json:"analysis_model"`
	Mode          string `json:"mode"`
}

// handleAnalyze implements POST /api/analyze.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var body analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Ticker == "" || body.Date == "" {
		s.writeError(w, http.StatusBadRequest, "ticker and date are required")
		return
	}

	mode := domain.RequestMode(body.Mode)
	if mode == "" {
		mode = domain.ModeFull
	}

	bundle, err := s.analyzer.Analyze(r.Context(), orchestrator.Request{
		Ticker:        body.Ticker,
		Date:          body.Date,
		Model:         body.Model,
		AnalysisModel: body.AnalysisModel,
		Mode:          mode,
	})
	if err != nil {
		status, msg := statusForAnalyzeErr(err)
		s.writeError(w, status, msg)
		return
	}
	s.writeJSON(w, http.StatusOK, bundle)
}

type resetCacheRequest struct {
	Ticker string `json:"ticker"`
	Date   string `json:"date"`
	Model  string `json:"model"`
}

// handleResetCache implements POST /api/reset-cache: clears Results Store
// entries for all three model variants and every KV cache entry whose
// decoded key contains the ticker (optionally constrained to the date).
func (s *Server) handleResetCache(w http.ResponseWriter, r *http.Request) {
	var body resetCacheRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Ticker == "" {
		s.writeError(w, http.StatusBadRequest, "ticker is required")
		return
	}

	// store.Store.ClearVariants deletes every row for (ticker[, date])
	// regardless of model_variant in one statement, so it already covers
	// all three variants (<m>, <m>__full, <m>__metrics) spec.md §6 names
	// without needing to iterate them individually.
	cleared, err := s.store.ClearVariants(r.Context(), body.Ticker, body.Date)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("clear bundles: %v", err))
		return
	}

	clearedFiles := 0
	if s.kv != nil {
		n, err := s.kv.ClearForTicker(body.Ticker, body.Date)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("clear kv cache: %v", err))
			return
		}
		clearedFiles = n
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":                  true,
		"cleared_bundles":     cleared,
		"cleared_cache_files": clearedFiles,
	})
}

var batchCSVHeader = []string{
	"ticker", "date", "model", "current_price", "llm_target_price", "recommendation",
	"segment", "quality_score", "news_sentiment", "momentum_score", "trend_flag",
	"institutional_signal", "analyst_consensus_score", "analyst_upside_pct",
	"price_target_mean", "price_target_confidence",
}

// handleBatch implements POST /api/batch: a multipart file upload (CSV or
// XLSX, parsed by the injected RowParser) run through the Batch Executor,
// returned as a CSV with the fixed column set of spec.md §6.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read uploaded file")
		return
	}

	rows, err := s.rowParser.ParseRows(header.Filename, data)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to parse batch file: %v", err))
		return
	}

	mode := domain.RequestMode(r.URL.Query().Get("mode"))
	if mode == "" {
		mode = domain.ModeFull
	}

	results := s.batchRunner.Run(r.Context(), rows, s.defaultModel, mode)

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=\"batch_results.csv\"")
	writer := csv.NewWriter(w)
	defer writer.Flush()

	if err := writer.Write(batchCSVHeader); err != nil {
		s.log.Error().Err(err).Msg("failed to write batch csv header")
		return
	}
	for _, row := range results {
		if err := writer.Write(resultRowToCSV(row)); err != nil {
			s.log.Error().Err(err).Msg("failed to write batch csv row")
			return
		}
	}
}

func resultRowToCSV(row batch.ResultRow) []string {
	return []string{
		row.Ticker,
		row.Date,
		row.Model,
		strconv.FormatFloat(row.CurrentPrice, 'f', 2, 64),
		strconv.FormatFloat(row.LLMTargetPrice, 'f', 2, 64),
		row.Recommendation,
		row.Segment,
		strconv.FormatFloat(row.QualityScore, 'f', 2, 64),
		row.NewsSentiment,
		strconv.FormatFloat(row.MomentumScore, 'f', 2, 64),
		row.TrendFlag,
		row.InstitutionalSignal,
		strconv.FormatFloat(row.AnalystConsensus, 'f', 2, 64),
		strconv.FormatFloat(row.AnalystUpsidePct, 'f', 2, 64),
		strconv.FormatFloat(row.PriceTargetMean, 'f', 2, 64),
		row.PriceTargetConfidence,
	}
}

// handleSelftest implements GET /selftest as an in-process call into the
// orchestrator rather than a self-HTTP-call, per spec.md §9's open
// question noting the two are functionally identical and the in-process
// form is testable without a bound listener.
func (s *Server) handleSelftest(w http.ResponseWriter, r *http.Request) {
	today := time.Now().UTC().Format("2006-01-02")
	bundle, err := s.analyzer.Analyze(r.Context(), orchestrator.Request{
		Ticker: s.selftestTicker,
		Date:   today,
		Model:  s.defaultModel,
		Mode:   domain.ModeFull,
	})
	if err != nil {
		status, msg := statusForAnalyzeErr(err)
		s.writeError(w, status, msg)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":          true,
		"ticker":      s.selftestTicker,
		"bundle":      bundle,
		"diagnostics": diagnostics.Collect(),
	})
}
