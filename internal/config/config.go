// Package config loads and validates runtime configuration for the analysis
// engine from environment variables, following the same env-over-.env
// loading order used throughout the rest of the stack.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable the orchestration fabric consults.
type Config struct {
	DataDir  string
	HTTPPort int
	LogLevel string
	DevMode  bool

	// Results Store / KV Cache TTLs
	RealtimeResultTTL     time.Duration
	HistoricalResultTTL   time.Duration
	FilingSummaryTTL      time.Duration
	NewsCacheTTL          time.Duration
	MomentumCacheTTL      time.Duration
	ThirteenFTTL          time.Duration
	EarningsCallTTL       time.Duration
	AnalystAggregateTTL   time.Duration
	AnalystPriceTargetTTL time.Duration
	AnalystEstimatesTTL   time.Duration

	// Retry
	APIRetryAttempts int
	APIRetryDelay    time.Duration

	// Batch
	BatchConcurrency int

	// Fragment sizing
	MaxFilingsForLLM       int
	NewsArticleLimit       int
	MacroEventLimit        int
	ExtendedWindowDays     int
	PriceTargetSampleThreshold int

	// Momentum thresholds
	MomentumStrongThreshold float64
	MomentumSevereThreshold float64

	// Guardrails
	WeakSignalTargetCap    float64
	WeakSignalTargetFloor  float64
	LLMTargetMaxMultiplier float64
	LLMTargetMinMultiplier float64

	// Prewarm
	PrewarmTickers       []string
	PrewarmIntervalHours int
	PrewarmIncludeLLM    bool

	// Upstream adapter base URLs (C5). Each vendor is treated as a typed
	// capability interface per spec.md §1; the concrete endpoint is
	// injected here rather than hardcoded in internal/upstream.
	FilingsBaseURL        string
	QuotesBaseURL         string
	QuotesFallbackBaseURL string
	AnalystsBaseURL      string
	InstitutionalBaseURL string
	NewsPrimaryBaseURL   string
	NewsSecondaryBaseURL string
	TranscriptBaseURL    string
	MacroBaseURL         string

	// LLM provider
	LLMAPIKey           string
	LLMBaseURL          string
	LLMPrimaryModel     string
	LLMFallbackModel    string
	LLMSecondaryModel   string
	LLMRepairModel      string
	LLMMaxCompletionTok int

	// Adaptive usage monitor (C13)
	UsageWindow            time.Duration
	UsageCostRateThreshold float64

	// Deferred job queue (C11)
	DeferredQueueCapacity int

	// Optional S3 backup (A4)
	S3BackupBucket string
	S3BackupPrefix string
	AWSRegion      string

	// Optional real-time quote websocket feed (A6)
	RealtimeQuoteWSURL string
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// Load reads configuration from the environment, falling back to a .env
// file when present, then to sensible defaults for everything unset.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dataDir := getEnv("DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data dir: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		HTTPPort: getEnvInt("HTTP_PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		DevMode:  getEnvBool("DEV_MODE", false),

		RealtimeResultTTL:   time.Duration(getEnvInt("REALTIME_RESULT_TTL_HOURS", 12)) * time.Hour,
		HistoricalResultTTL: time.Duration(getEnvInt("HISTORICAL_RESULT_TTL_DAYS", 120)) * 24 * time.Hour,
		FilingSummaryTTL:    time.Duration(getEnvInt("FILING_SUMMARY_TTL_DAYS", 180)) * 24 * time.Hour,
		NewsCacheTTL:        time.Duration(getEnvInt("NEWS_CACHE_TTL_HOURS", 6)) * time.Hour,
		MomentumCacheTTL:    time.Duration(getEnvInt("MOMENTUM_CACHE_TTL_HOURS", 6)) * time.Hour,
		ThirteenFTTL:        time.Duration(getEnvInt("THIRTEENF_TTL_DAYS", 30)) * 24 * time.Hour,
		EarningsCallTTL:     time.Duration(getEnvInt("EARNINGS_CALL_TTL_DAYS", 30)) * 24 * time.Hour,

		AnalystAggregateTTL:   time.Duration(getEnvInt("ANALYST_AGGREGATE_TTL_HOURS", 12)) * time.Hour,
		AnalystPriceTargetTTL: time.Duration(getEnvInt("ANALYST_PRICE_TARGET_TTL_HOURS", 12)) * time.Hour,
		AnalystEstimatesTTL:   time.Duration(getEnvInt("ANALYST_ESTIMATES_TTL_HOURS", 24)) * time.Hour,

		APIRetryAttempts: getEnvInt("API_RETRY_ATTEMPTS", 3),
		APIRetryDelay:    time.Duration(getEnvInt("API_RETRY_DELAY_MS", 1500)) * time.Millisecond,

		BatchConcurrency: getEnvInt("BATCH_CONCURRENCY", 3),

		MaxFilingsForLLM:           getEnvInt("MAX_FILINGS_FOR_LLM", 2),
		NewsArticleLimit:           getEnvInt("NEWS_ARTICLE_LIMIT", 4),
		MacroEventLimit:            getEnvInt("MACRO_EVENT_LIMIT", 10),
		ExtendedWindowDays:         getEnvInt("EXTENDED_WINDOW_DAYS", 14),
		PriceTargetSampleThreshold: getEnvInt("PRICE_TARGET_SAMPLE_THRESHOLD", 3),

		MomentumStrongThreshold: getEnvFloat("MOMENTUM_STRONG_THRESHOLD", 70),
		MomentumSevereThreshold: getEnvFloat("MOMENTUM_SEVERE_THRESHOLD", 20),

		WeakSignalTargetCap:    getEnvFloat("WEAK_SIGNAL_TARGET_CAP", 1.25),
		WeakSignalTargetFloor:  getEnvFloat("WEAK_SIGNAL_TARGET_FLOOR", 0.8),
		LLMTargetMaxMultiplier: getEnvFloat("LLM_TARGET_MAX_MULTIPLIER", 1.8),
		LLMTargetMinMultiplier: getEnvFloat("LLM_TARGET_MIN_MULTIPLIER", 0.6),

		PrewarmIntervalHours: getEnvInt("PREWARM_INTERVAL_HOURS", 24),
		PrewarmIncludeLLM:    getEnvBool("PREWARM_INCLUDE_LLM", false),

		FilingsBaseURL:        getEnv("FILINGS_API_BASE_URL", "https://filings.internal.example"),
		QuotesBaseURL:         getEnv("QUOTES_API_BASE_URL", "https://quotes.internal.example"),
		QuotesFallbackBaseURL: getEnv("QUOTES_FALLBACK_API_BASE_URL", "https://quotes-fallback.internal.example"),
		AnalystsBaseURL:      getEnv("ANALYSTS_API_BASE_URL", "https://analysts.internal.example"),
		InstitutionalBaseURL: getEnv("INSTITUTIONAL_API_BASE_URL", "https://institutional.internal.example"),
		NewsPrimaryBaseURL:   getEnv("NEWS_PRIMARY_API_BASE_URL", "https://news-primary.internal.example"),
		NewsSecondaryBaseURL: getEnv("NEWS_SECONDARY_API_BASE_URL", "https://news-secondary.internal.example"),
		TranscriptBaseURL:    getEnv("TRANSCRIPT_API_BASE_URL", "https://transcripts.internal.example"),
		MacroBaseURL:         getEnv("MACRO_API_BASE_URL", "https://macro.internal.example"),

		LLMAPIKey:           getEnv("LLM_API_KEY", ""),
		LLMBaseURL:          getEnv("LLM_API_BASE_URL", "https://api.openai.com/v1"),
		LLMPrimaryModel:     getEnv("LLM_PRIMARY_MODEL", "gpt-4o-mini"),
		LLMFallbackModel:    getEnv("LLM_FALLBACK_MODEL", "gpt-4o"),
		LLMSecondaryModel:   getEnv("LLM_SECONDARY_MODEL", "gpt-4o-mini"),
		LLMRepairModel:      getEnv("LLM_REPAIR_MODEL", "gpt-4o-mini"),
		LLMMaxCompletionTok: getEnvInt("LLM_MAX_COMPLETION_TOKENS", 1500),

		UsageWindow:            time.Duration(getEnvInt("USAGE_WINDOW_MINUTES", 60)) * time.Minute,
		UsageCostRateThreshold: getEnvFloat("USAGE_COST_RATE_THRESHOLD_USD_PER_HOUR", 5.0),

		DeferredQueueCapacity: getEnvInt("DEFERRED_QUEUE_CAPACITY", 256),

		S3BackupBucket: getEnv("S3_BACKUP_BUCKET", ""),
		S3BackupPrefix: getEnv("S3_BACKUP_PREFIX", "equity-research-engine"),
		AWSRegion:      getEnv("AWS_REGION", "us-east-1"),

		RealtimeQuoteWSURL: getEnv("REALTIME_QUOTE_WS_URL", ""),
	}

	if tickers := getEnv("PREWARM_TICKERS", ""); tickers != "" {
		for _, t := range strings.Split(tickers, ",") {
			if t = strings.TrimSpace(t); t != "" {
				cfg.PrewarmTickers = append(cfg.PrewarmTickers, strings.ToUpper(t))
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects configurations that are internally contradictory.
func (c *Config) Validate() error {
	if c.WeakSignalTargetFloor >= c.WeakSignalTargetCap {
		return fmt.Errorf("WEAK_SIGNAL_TARGET_FLOOR (%v) must be < WEAK_SIGNAL_TARGET_CAP (%v)", c.WeakSignalTargetFloor, c.WeakSignalTargetCap)
	}
	if c.LLMTargetMinMultiplier >= c.LLMTargetMaxMultiplier {
		return fmt.Errorf("LLM_TARGET_MIN_MULTIPLIER (%v) must be < LLM_TARGET_MAX_MULTIPLIER (%v)", c.LLMTargetMinMultiplier, c.LLMTargetMaxMultiplier)
	}
	if c.APIRetryAttempts < 1 {
		return fmt.Errorf("API_RETRY_ATTEMPTS must be >= 1")
	}
	if c.BatchConcurrency < 1 {
		return fmt.Errorf("BATCH_CONCURRENCY must be >= 1")
	}
	return nil
}

