package usage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/garen0616/us-equity-analyzer-pro/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func cost(c float64) domain.LLMUsage { return domain.LLMUsage{TotalCost: c} }

func TestMonitor_AdaptiveLimits_UnderThreshold(t *testing.T) {
	m := New(Config{Window: time.Hour, CostRateThreshold: 10}, zerolog.Nop())
	m.Record(cost(0.01))

	maxFilings, newsLimit := m.AdaptiveLimits(2, 4)
	assert.Equal(t, 2, maxFilings)
	assert.Equal(t, 4, newsLimit)
}

func TestMonitor_AdaptiveLimits_ShrinksOverThreshold(t *testing.T) {
	m := New(Config{Window: time.Hour, CostRateThreshold: 1}, zerolog.Nop())
	for i := 0; i < 20; i++ {
		m.Record(cost(1.0))
	}

	maxFilings, newsLimit := m.AdaptiveLimits(2, 4)
	assert.Equal(t, 1, maxFilings)
	assert.Equal(t, 3, newsLimit)
}

func TestMonitor_AdaptiveLimits_NeverBelowFloor(t *testing.T) {
	m := New(Config{Window: time.Hour, CostRateThreshold: 1}, zerolog.Nop())
	m.Record(cost(100))

	maxFilings, newsLimit := m.AdaptiveLimits(1, 2)
	assert.Equal(t, 1, maxFilings)
	assert.Equal(t, 2, newsLimit)
}

func TestMonitor_PrunesOldEntries(t *testing.T) {
	m := New(Config{Window: time.Millisecond, CostRateThreshold: 1}, zerolog.Nop())
	m.Record(cost(50))
	time.Sleep(5 * time.Millisecond)

	total, samples := m.Snapshot()
	assert.Equal(t, 0, samples)
	assert.Equal(t, 0.0, total)
}

func TestMonitor_PersistsAndReloadsSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage_window.msgpack")
	m1 := New(Config{Window: time.Hour, CostRateThreshold: 1}, zerolog.Nop())
	m1.cfg.SnapshotPath = path
	m1.Record(cost(2.5))

	m2 := New(Config{Window: time.Hour, CostRateThreshold: 1, SnapshotPath: path}, zerolog.Nop())
	total, samples := m2.Snapshot()
	assert.Equal(t, 1, samples)
	assert.Equal(t, 2.5, total)
}
