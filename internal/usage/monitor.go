// Package usage implements the Adaptive Usage Monitor (C13): a sliding
// window over LLM token-cost usage that feeds back into the orchestrator's
// fragment size limits when spend accelerates. Grounded on the teacher's
// internal/database snapshot-to-disk habit, but msgpack-encoded per
// SPEC_FULL.md A9 (vmihailenco/msgpack/v5) rather than sqlite, since the
// window is small, frequently mutated, and disposable.
package usage

import (
	"os"
	"sync"
	"time"

	"github.com/garen0616/us-equity-analyzer-pro/internal/domain"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// entry is one LLM call's cost sample, timestamped for window pruning.
type entry struct {
	At   time.Time `msgpack:"at"`
	Cost float64   `msgpack:"cost"`
}

// snapshot is the on-disk shape persisted after every mutation.
type snapshot struct {
	Entries []entry `msgpack:"entries"`
}

// Config tunes the window and the shrink threshold.
type Config struct {
	// Window is how far back entries count toward the cost rate.
	Window time.Duration
	// CostRateThreshold is the $/hour rate above which AdaptiveLimits
	// shrinks the caller's defaults.
	CostRateThreshold float64
	// SnapshotPath is where the window is persisted. Empty disables
	// persistence (used by tests).
	SnapshotPath string
}

// Monitor accumulates LLM usage cost over a sliding window and exposes a
// shrink decision for fragment size limits.
type Monitor struct {
	cfg Config
	log zerolog.Logger

	mu      sync.Mutex
	entries []entry
}

// New constructs a Monitor, loading any prior snapshot from cfg.SnapshotPath
// so adaptive limits survive a restart instead of resetting to "everything
// is cheap".
func New(cfg Config, log zerolog.Logger) *Monitor {
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	m := &Monitor{cfg: cfg, log: log.With().Str("component", "usage_monitor").Logger()}
	m.load()
	return m
}

func (m *Monitor) load() {
	if m.cfg.SnapshotPath == "" {
		return
	}
	raw, err := os.ReadFile(m.cfg.SnapshotPath)
	if err != nil {
		return
	}
	var snap snapshot
	if err := msgpack.Unmarshal(raw, &snap); err != nil {
		m.log.Warn().Err(err).Msg("discarding corrupt usage window snapshot")
		return
	}
	m.entries = snap.Entries
}

func (m *Monitor) persistLocked() {
	if m.cfg.SnapshotPath == "" {
		return
	}
	raw, err := msgpack.Marshal(snapshot{Entries: m.entries})
	if err != nil {
		m.log.Warn().Err(err).Msg("failed to encode usage window snapshot")
		return
	}
	if err := os.WriteFile(m.cfg.SnapshotPath, raw, 0o644); err != nil {
		m.log.Warn().Err(err).Msg("failed to write usage window snapshot")
	}
}

// Record implements llm.UsageRecorder: it appends one LLM call's total cost
// to the window and prunes entries older than cfg.Window.
func (m *Monitor) Record(usage domain.LLMUsage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.entries = append(m.entries, entry{At: now, Cost: usage.TotalCost})
	m.pruneLocked(now)
	m.persistLocked()
}

func (m *Monitor) pruneLocked(now time.Time) {
	cutoff := now.Add(-m.cfg.Window)
	kept := m.entries[:0]
	for _, e := range m.entries {
		if e.At.After(cutoff) {
			kept = append(kept, e)
		}
	}
	m.entries = kept
}

// costRatePerHour returns the window's total cost normalized to a per-hour
// rate, so CostRateThreshold is comparable regardless of cfg.Window's size.
func (m *Monitor) costRatePerHour() float64 {
	m.pruneLocked(time.Now())
	var total float64
	for _, e := range m.entries {
		total += e.Cost
	}
	hours := m.cfg.Window.Hours()
	if hours <= 0 {
		return total
	}
	return total / hours
}

// AdaptiveLimits implements the Orchestrator's (C7) fragment-sizing hook.
// When the window's cost rate exceeds CostRateThreshold, filings and news
// limits each shrink by one (never below 1 and 2 respectively) so a cost
// spike throttles payload size before it throttles the request itself.
func (m *Monitor) AdaptiveLimits(defaultMaxFilings, defaultNewsLimit int) (maxFilings int, newsLimit int) {
	m.mu.Lock()
	rate := m.costRatePerHour()
	m.mu.Unlock()

	if m.cfg.CostRateThreshold <= 0 || rate <= m.cfg.CostRateThreshold {
		return defaultMaxFilings, defaultNewsLimit
	}

	maxFilings = defaultMaxFilings - 1
	if maxFilings < 1 {
		maxFilings = 1
	}
	newsLimit = defaultNewsLimit - 1
	if newsLimit < 2 {
		newsLimit = 2
	}
	m.log.Warn().Float64("cost_rate_per_hour", rate).Float64("threshold", m.cfg.CostRateThreshold).
		Int("max_filings", maxFilings).Int("news_limit", newsLimit).Msg("shrinking llm payload limits under cost pressure")
	return maxFilings, newsLimit
}

// Snapshot returns the current window's total cost and sample count, for
// diagnostics and tests.
func (m *Monitor) Snapshot() (totalCost float64, samples int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(time.Now())
	for _, e := range m.entries {
		totalCost += e.Cost
	}
	return totalCost, len(m.entries)
}
