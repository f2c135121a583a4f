package payload

import (
	"math"
	"strings"

	"github.com/garen0616/us-equity-analyzer-pro/internal/domain"
)

// GuardrailConfig holds the four configurable clamp multipliers.
type GuardrailConfig struct {
	WeakSignalTargetFloor  float64
	WeakSignalTargetCap    float64
	LLMTargetMinMultiplier float64
	LLMTargetMaxMultiplier float64
	MomentumSevereThreshold float64
}

// DeriveGuardrails computes the two risk flags the clamp consults:
// severe_momentum from the momentum score, selling_pressure from the
// institutional signal label.
func DeriveGuardrails(momentum *domain.MomentumMetrics, institutional *domain.InstitutionalSnapshot, severeThreshold float64) domain.Guardrails {
	var g domain.Guardrails
	if momentum != nil && momentum.Score <= severeThreshold {
		g.SevereMomentum = true
	}
	if institutional != nil {
		label := string(institutional.Signal.Label)
		if strings.Contains(label, "減碼") || strings.Contains(label, "賣出") || strings.Contains(label, "弱勢") {
			g.SellingPressure = true
		}
	}
	return g
}

// ApplyGuardrails clamps action.TargetPrice against current price bounds
// derived from the risk flags, skipping the clamp entirely when confidence
// is "high". The bound is wider ([0.6x, 1.8x]) absent a risk flag and
// tighter ([0.8x, 1.25x]) when either flag is set.
func ApplyGuardrails(action *domain.LLMAction, currentPrice float64, guardrails domain.Guardrails, cfg GuardrailConfig) {
	if currentPrice <= 0 || action == nil {
		return
	}
	if strings.EqualFold(action.Confidence, "high") {
		return
	}

	var lower, upper float64
	if guardrails.SevereMomentum || guardrails.SellingPressure {
		lower, upper = currentPrice*cfg.WeakSignalTargetFloor, currentPrice*cfg.WeakSignalTargetCap
	} else {
		lower, upper = currentPrice*cfg.LLMTargetMinMultiplier, currentPrice*cfg.LLMTargetMaxMultiplier
	}

	clamped := action.TargetPrice
	changed := false
	switch {
	case clamped < lower:
		clamped, changed = lower, true
	case clamped > upper:
		clamped, changed = upper, true
	}
	if !changed {
		return
	}

	action.TargetPrice = math.Round(clamped*100) / 100
	action.GuardrailNote = "price_target_clamped"
	note := "（注意：目標價已依據動能與籌碼風險訊號調整至合理區間）"
	action.Rationale = strings.TrimSpace(action.Rationale + " " + note)
}
