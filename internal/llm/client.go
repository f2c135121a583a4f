// Package llm implements the LLM Client (C9): the single boundary where a
// free-form model completion is turned into a validated, typed result. It
// implements the narrow interfaces internal/fragments declares
// (FilingSummarizer, KeywordGenerator, SentimentScorer, TranscriptSummarizer)
// so fragments never imports this package, mirroring the decoupling already
// used between internal/upstream and internal/fragments. Grounded on the
// teacher's HTTP-client shape (internal/clients/yahoo.Client): an injectable
// transport, a typed request/response pair, and retry.Do around the
// round trip.
package llm

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/garen0616/us-equity-analyzer-pro/internal/cachekv"
	"github.com/garen0616/us-equity-analyzer-pro/internal/domain"
	"github.com/garen0616/us-equity-analyzer-pro/internal/retry"
	"github.com/rs/zerolog"
)

// Transport is the injectable HTTP round-tripper, mirroring
// internal/upstream.HTTPDoer so tests can swap in httptest servers or fakes
// without a real API key.
type Transport interface {
	Do(req *http.Request) (*http.Response, error)
}

// ResultsCache is the durable half of the two-tier LLM output cache. A
// *store.Store satisfies this structurally without llm importing
// internal/store.
type ResultsCache interface {
	GetLLMOutput(ctx context.Context, payloadHash string, out interface{}) (bool, error)
	PutLLMOutput(ctx context.Context, payloadHash string, value interface{}) error
}

// UsageRecorder receives every completed call's usage so the adaptive usage
// monitor (C13) can track the sliding-window cost rate. Optional: a nil
// recorder simply skips the notification.
type UsageRecorder interface {
	Record(usage domain.LLMUsage)
}

// llmCacheTTL is effectively "forever": entries are content-addressed by
// payload hash, so a hit is valid for as long as the prompt contract (see
// promptVersion) hasn't changed.
const llmCacheTTL = 10 * 365 * 24 * time.Hour

// seedAllowlist and jsonModeAllowlist name the models known to honor a
// deterministic seed / structured-JSON response format. Anything absent is
// assumed not to support either, per the spec's "omitted for models that do
// not honor seeding" rule.
var seedAllowlist = map[string]bool{"gpt-4o-mini": true, "gpt-4o": true}
var jsonModeAllowlist = map[string]bool{"gpt-4o-mini": true, "gpt-4o": true}

// Config configures a Client.
type Config struct {
	BaseURL             string
	APIKey              string
	PrimaryModel        string
	FallbackModel       string
	SecondaryModel      string // used for summarization sub-tasks (MD&A, transcript, sentiment, keywords)
	RepairModel         string
	MaxCompletionTokens int
	RetryAttempts       int
	RetryDelay          time.Duration
	PriceTable          map[string]ModelPrice // nil uses defaultPriceTable
}

// Client is the concrete LLM boundary. It implements
// fragments.FilingSummarizer, fragments.KeywordGenerator,
// fragments.SentimentScorer, and fragments.TranscriptSummarizer.
type Client struct {
	cfg           Config
	transport     Transport
	kv            cachekv.Store
	resultsCache  ResultsCache
	usageRecorder UsageRecorder
	priceTable    map[string]ModelPrice
	log           zerolog.Logger
}

// NewClient constructs a Client. kv, resultsCache, and usageRecorder may all
// be nil; each missing tier is simply skipped.
func NewClient(cfg Config, transport Transport, kv cachekv.Store, resultsCache ResultsCache, usageRecorder UsageRecorder, log zerolog.Logger) *Client {
	priceTable := cfg.PriceTable
	if priceTable == nil {
		priceTable = defaultPriceTable
	}
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}
	if cfg.MaxCompletionTokens <= 0 {
		cfg.MaxCompletionTokens = 1024
	}
	return &Client{
		cfg:           cfg,
		transport:     transport,
		kv:            kv,
		resultsCache:  resultsCache,
		usageRecorder: usageRecorder,
		priceTable:    priceTable,
		log:           log.With().Str("component", "llm").Logger(),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	Seed           *int64          `json:"seed,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// apiError carries the vendor HTTP status so retry.Classify can decide
// retryability the same way internal/upstream.UpstreamError does.
type apiError struct {
	Status int
	Err    error
}

func (e *apiError) Error() string  { return fmt.Sprintf("llm api error (status %d): %v", e.Status, e.Err) }
func (e *apiError) Unwrap() error  { return e.Err }
func (e *apiError) StatusCode() int { return e.Status }

type usageCounts struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

func (c *Client) complete(ctx context.Context, req chatRequest) (string, usageCounts, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", usageCounts{}, fmt.Errorf("encode chat request: %w", err)
	}

	var text string
	var usage usageCounts
	err = retry.Do(ctx, c.cfg.RetryAttempts, c.cfg.RetryDelay, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build chat request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

		resp, err := c.transport.Do(httpReq)
		if err != nil {
			return &apiError{Status: 0, Err: err}
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return &apiError{Status: resp.StatusCode, Err: fmt.Errorf("non-200 from llm api")}
		}

		var decoded chatResponse
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return fmt.Errorf("decode chat completion response: %w", err)
		}
		if len(decoded.Choices) == 0 {
			return fmt.Errorf("chat completion returned no choices")
		}
		text = decoded.Choices[0].Message.Content
		usage = usageCounts{
			PromptTokens:     decoded.Usage.PromptTokens,
			CompletionTokens: decoded.Usage.CompletionTokens,
			TotalTokens:      decoded.Usage.TotalTokens,
		}
		return nil
	})
	return text, usage, err
}

func (c *Client) callJSON(ctx context.Context, model, systemPrompt, userPrompt string, out interface{}) error {
	req := chatRequest{
		Model:       model,
		Messages:    []chatMessage{{Role: "system", Content: systemPrompt}, {Role: "user", Content: userPrompt}},
		Temperature: 0,
	}
	if jsonModeAllowlist[model] {
		req.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	text, _, err := c.complete(ctx, req)
	if err != nil {
		return err
	}
	return unmarshalLenient(text, out)
}

func stripCodeFence(raw string) string {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	return strings.TrimSpace(cleaned)
}

// unmarshalLenient tries a direct parse, then a brace-substring parse,
// mirroring the first two fallbacks of the analysis parse chain for every
// other structured call the client makes.
func unmarshalLenient(raw string, out interface{}) error {
	cleaned := stripCodeFence(raw)
	if err := json.Unmarshal([]byte(cleaned), out); err == nil {
		return nil
	}
	start, end := strings.Index(cleaned, "{"), strings.LastIndex(cleaned, "}")
	if start >= 0 && end > start {
		if err := json.Unmarshal([]byte(cleaned[start:end+1]), out); err == nil {
			return nil
		}
	}
	return fmt.Errorf("could not parse structured response: %q", cleaned)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

// hashPayload computes SHA-256(JSON({payload, prompt_version, model})). Go's
// encoding/json sorts map keys, so this is deterministic across calls with
// the same logical payload.
func hashPayload(payload map[string]interface{}, model string) (string, error) {
	envelope := map[string]interface{}{
		"payload":        payload,
		"prompt_version": promptVersion,
		"model":          model,
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("encode cache envelope: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// deriveSeed takes the first 12 hex characters of hash as an integer modulo
// 1e9, giving a deterministic per-payload seed for models that honor one.
func deriveSeed(hash string) int64 {
	if len(hash) < 12 {
		return 0
	}
	n, err := strconv.ParseUint(hash[:12], 16, 64)
	if err != nil {
		return 0
	}
	return int64(n % 1_000_000_000)
}

type cachedAnalysisEnvelope struct {
	Analysis domain.LLMAnalysis `json:"analysis"`
	Usage    domain.LLMUsage    `json:"usage"`
	Model    string             `json:"model"`
}

func (c *Client) lookupCache(ctx context.Context, hash string) (cachedAnalysisEnvelope, bool) {
	var env cachedAnalysisEnvelope
	key := "llm_output_" + hash
	if c.kv != nil {
		if hit, _, err := c.kv.Get(key, llmCacheTTL, &env); err == nil && hit {
			return env, true
		}
	}
	if c.resultsCache != nil {
		if hit, err := c.resultsCache.GetLLMOutput(ctx, hash, &env); err == nil && hit {
			if c.kv != nil {
				_ = c.kv.Set(key, env)
			}
			return env, true
		}
	}
	return cachedAnalysisEnvelope{}, false
}

func (c *Client) storeCache(ctx context.Context, hash string, env cachedAnalysisEnvelope) {
	key := "llm_output_" + hash
	if c.kv != nil {
		if err := c.kv.Set(key, env); err != nil {
			c.log.Warn().Err(err).Msg("failed to persist llm output to kv cache")
		}
	}
	if c.resultsCache != nil {
		if err := c.resultsCache.PutLLMOutput(ctx, hash, env); err != nil {
			c.log.Warn().Err(err).Msg("failed to persist llm output to results store")
		}
	}
}

// Analyze is the C9 contract: analyze(payload, model, options) -> parsed_json.
// A cache hit short-circuits before any network call. On miss it calls model,
// validates the result, and retries once against the configured fallback
// model if anything fails along the way.
func (c *Client) Analyze(ctx context.Context, payload map[string]interface{}, model string) (*domain.LLMAnalysis, *domain.LLMUsage, error) {
	hash, err := hashPayload(payload, model)
	if err != nil {
		return nil, nil, err
	}

	if cached, ok := c.lookupCache(ctx, hash); ok {
		analysis, usage := cached.Analysis, cached.Usage
		return &analysis, &usage, nil
	}

	attempts := []string{model}
	if c.cfg.FallbackModel != "" && c.cfg.FallbackModel != model {
		attempts = append(attempts, c.cfg.FallbackModel)
	}

	var lastErr error
	for i, attemptModel := range attempts {
		analysis, usage, err := c.runAnalysis(ctx, payload, attemptModel, hash)
		if err == nil {
			if c.usageRecorder != nil {
				c.usageRecorder.Record(*usage)
			}
			c.storeCache(ctx, hash, cachedAnalysisEnvelope{Analysis: *analysis, Usage: *usage, Model: attemptModel})
			return analysis, usage, nil
		}
		lastErr = err
		c.log.Warn().Err(err).Str("model", attemptModel).Int("attempt", i+1).Msg("analysis attempt failed")
	}
	return nil, nil, fmt.Errorf("invalid-output: llm analysis failed after %d attempt(s): %w", len(attempts), lastErr)
}

func (c *Client) runAnalysis(ctx context.Context, payload map[string]interface{}, model, hash string) (*domain.LLMAnalysis, *domain.LLMUsage, error) {
	userContent, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("encode analysis payload: %w", err)
	}

	req := chatRequest{
		Model:       model,
		Messages:    []chatMessage{{Role: "system", Content: analysisSystemPrompt}, {Role: "user", Content: string(userContent)}},
		Temperature: 0,
		MaxTokens:   c.cfg.MaxCompletionTokens,
	}
	if seedAllowlist[model] {
		seed := deriveSeed(hash)
		req.Seed = &seed
	}
	if jsonModeAllowlist[model] {
		req.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	rawText, usage, err := c.complete(ctx, req)
	if err != nil {
		return nil, nil, fmt.Errorf("completion request: %w", err)
	}

	parsed, err := c.parseAnalysis(ctx, rawText)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid-output: %w", err)
	}
	if parsed.Action.Rating == "" || parsed.Action.Rating == "N/A" {
		return nil, nil, fmt.Errorf("invalid-output: missing or N/A rating")
	}

	inputCost, outputCost, totalCost := computeCost(c.priceTable, model, usage.PromptTokens, usage.CompletionTokens)
	domainUsage := &domain.LLMUsage{
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
		InputCost:        inputCost,
		OutputCost:       outputCost,
		TotalCost:        totalCost,
	}
	return &parsed, domainUsage, nil
}

// parseAnalysis runs the three-fallback parse chain: direct JSON.Unmarshal,
// a brace-substring extraction, then a delegated repair pass through the
// smaller repair model.
func (c *Client) parseAnalysis(ctx context.Context, raw string) (domain.LLMAnalysis, error) {
	cleaned := stripCodeFence(raw)

	var out domain.LLMAnalysis
	if err := json.Unmarshal([]byte(cleaned), &out); err == nil {
		return out, nil
	}

	if start, end := strings.Index(cleaned, "{"), strings.LastIndex(cleaned, "}"); start >= 0 && end > start {
		if err := json.Unmarshal([]byte(cleaned[start:end+1]), &out); err == nil {
			return out, nil
		}
	}

	repaired, err := c.repairJSON(ctx, cleaned)
	if err != nil {
		return domain.LLMAnalysis{}, fmt.Errorf("parse and repair both failed: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), &out); err != nil {
		return domain.LLMAnalysis{}, fmt.Errorf("repaired output still invalid: %w", err)
	}
	return out, nil
}

func (c *Client) repairJSON(ctx context.Context, broken string) (string, error) {
	model := c.cfg.RepairModel
	if model == "" {
		model = c.cfg.SecondaryModel
	}
	req := chatRequest{
		Model:          model,
		Messages:       []chatMessage{{Role: "system", Content: repairSystemPrompt}, {Role: "user", Content: broken}},
		Temperature:    0,
		ResponseFormat: &responseFormat{Type: "json_object"},
	}
	text, _, err := c.complete(ctx, req)
	if err != nil {
		return "", fmt.Errorf("repair completion: %w", err)
	}
	return stripCodeFence(text), nil
}
