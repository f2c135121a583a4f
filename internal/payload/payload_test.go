package payload

import (
	"math"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/garen0616/us-equity-analyzer-pro/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestCompact_TruncatesLongStrings(t *testing.T) {
	long := strings.Repeat("a", 500)
	out := Compact(map[string]interface{}{"note": long, "summary": long})
	assert.Len(t, out["note"], 300)
	assert.Len(t, out["summary"], 500) // under the 900 cap for summary-like fields
}

func TestCompact_TruncatesMultiByteStringsAtRuneBoundary(t *testing.T) {
	long := strings.Repeat("营收增长强劲", 100) // 600 runes, 1800 bytes
	out := Compact(map[string]interface{}{"note": long})
	truncated, ok := out["note"].(string)
	assert.True(t, ok)
	assert.Equal(t, 300, utf8.RuneCountInString(truncated), "must cut at the 300th rune, not the 300th byte")
	assert.True(t, utf8.ValidString(truncated), "truncation must not split a multi-byte rune")
}

func TestCompact_TruncatesSummaryFieldsAtWiderLimit(t *testing.T) {
	long := strings.Repeat("b", 1500)
	out := Compact(map[string]interface{}{"mda_summary": long})
	assert.Len(t, out["mda_summary"], 900)
}

func TestCompact_NonFiniteNumbersBecomeNull(t *testing.T) {
	out := Compact(map[string]interface{}{"ratio": math.NaN(), "ok": 1.5})
	_, present := out["ratio"]
	assert.False(t, present, "NaN should be dropped as null then as an empty value")
	assert.Equal(t, 1.5, out["ok"])
}

func TestCompact_DropsEmptyContainers(t *testing.T) {
	out := Compact(map[string]interface{}{
		"empty_map":   map[string]interface{}{},
		"empty_list":  []interface{}{},
		"all_null":    map[string]interface{}{"a": nil, "b": math.NaN()},
		"kept":        "value",
	})
	assert.NotContains(t, out, "empty_map")
	assert.NotContains(t, out, "empty_list")
	assert.NotContains(t, out, "all_null")
	assert.Equal(t, "value", out["kept"])
}

func TestApplyGuardrails_SkipsWhenConfidenceHigh(t *testing.T) {
	action := &domain.LLMAction{TargetPrice: 1000, Confidence: "high"}
	ApplyGuardrails(action, 100, domain.Guardrails{SevereMomentum: true}, GuardrailConfig{
		WeakSignalTargetFloor: 0.8, WeakSignalTargetCap: 1.25, LLMTargetMinMultiplier: 0.6, LLMTargetMaxMultiplier: 1.8,
	})
	assert.Equal(t, 1000.0, action.TargetPrice)
	assert.Empty(t, action.GuardrailNote)
}

func TestApplyGuardrails_ClampsToTightBoundOnRiskSignal(t *testing.T) {
	action := &domain.LLMAction{TargetPrice: 200, Confidence: "medium", Rationale: "強勁動能"}
	ApplyGuardrails(action, 100, domain.Guardrails{SevereMomentum: true, SellingPressure: true}, GuardrailConfig{
		WeakSignalTargetFloor: 0.8, WeakSignalTargetCap: 1.25, LLMTargetMinMultiplier: 0.6, LLMTargetMaxMultiplier: 1.8,
	})
	assert.Equal(t, 125.0, action.TargetPrice)
	assert.Equal(t, "price_target_clamped", action.GuardrailNote)
	assert.Contains(t, action.Rationale, "強勁動能")
}

func TestApplyGuardrails_ClampsToWideBoundWithoutRiskSignal(t *testing.T) {
	action := &domain.LLMAction{TargetPrice: 10, Confidence: "medium"}
	ApplyGuardrails(action, 100, domain.Guardrails{}, GuardrailConfig{
		WeakSignalTargetFloor: 0.8, WeakSignalTargetCap: 1.25, LLMTargetMinMultiplier: 0.6, LLMTargetMaxMultiplier: 1.8,
	})
	assert.Equal(t, 60.0, action.TargetPrice)
}

func TestApplyGuardrails_NoChangeWithinBounds(t *testing.T) {
	action := &domain.LLMAction{TargetPrice: 105, Confidence: "medium"}
	ApplyGuardrails(action, 100, domain.Guardrails{}, GuardrailConfig{
		WeakSignalTargetFloor: 0.8, WeakSignalTargetCap: 1.25, LLMTargetMinMultiplier: 0.6, LLMTargetMaxMultiplier: 1.8,
	})
	assert.Equal(t, 105.0, action.TargetPrice)
	assert.Empty(t, action.GuardrailNote)
}

func TestDeriveGuardrails_SellingPressureFromLabel(t *testing.T) {
	g := DeriveGuardrails(&domain.MomentumMetrics{Score: 50}, &domain.InstitutionalSnapshot{Signal: domain.InstitutionalSignal{Label: domain.SignalDistribute}}, 20)
	assert.False(t, g.SevereMomentum)
	assert.True(t, g.SellingPressure)
}

func TestDeriveGuardrails_SevereMomentumAtThreshold(t *testing.T) {
	g := DeriveGuardrails(&domain.MomentumMetrics{Score: 20}, nil, 20)
	assert.True(t, g.SevereMomentum)
}
