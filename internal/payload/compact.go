// Package payload implements the Payload Compactor + Guardrails (C8): it
// slims the assembled AnalysisBundle into the compact numeric shape the LLM
// receives, and clamps the LLM's returned target price against
// market-sanity bounds afterward. Grounded on the teacher's response-shaping
// helpers in internal/server/handlers.go (writeJSON trims nil fields via
// `omitempty`) generalized here into an explicit, testable compaction pass
// since the LLM payload has no fixed Go struct shape.
package payload

import (
	"math"
	"regexp"

	"github.com/garen0616/us-equity-analyzer-pro/internal/domain"
)

var longFieldPattern = regexp.MustCompile(`(?i)summary|explanation|mda`)

func truncateLimit(key string) int {
	if longFieldPattern.MatchString(key) {
		return 900
	}
	return 300
}

func truncateString(s string, max int) string {
	if len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

func safeFloat(f float64) interface{} {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return f
}

func safeFloatPtr(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return safeFloat(*f)
}

// Compact recursively applies the three compaction rules to an
// already-decoded JSON-ish tree (maps, slices, strings, numbers, bools,
// nil): strings are truncated (300 chars, 900 for summary/explanation/mda
// fields), non-finite numbers become null, and empty containers or
// all-null objects are dropped.
func Compact(v interface{}) map[string]interface{} {
	compacted := compactAt(v, "")
	out, ok := compacted.(map[string]interface{})
	if !ok {
		return map[string]interface{}{}
	}
	return out
}

func compactAt(v interface{}, key string) interface{} {
	switch val := v.(type) {
	case string:
		return truncateString(val, truncateLimit(key))
	case float64:
		return safeFloat(val)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, sub := range val {
			compacted := compactAt(sub, k)
			if isEmptyValue(compacted) {
				continue
			}
			out[k] = compacted
		}
		if len(out) == 0 {
			return nil
		}
		return out
	case []interface{}:
		out := make([]interface{}, 0, len(val))
		for _, item := range val {
			out = append(out, compactAt(item, key))
		}
		if len(out) == 0 {
			return nil
		}
		return out
	default:
		return val
	}
}

func isEmptyValue(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return true
	case map[string]interface{}:
		return len(val) == 0
	case []interface{}:
		return len(val) == 0
	}
	return false
}

func priceMetaMap(m domain.PriceMeta) map[string]interface{} {
	return map[string]interface{}{
		"value":      safeFloat(m.Value),
		"as_of":      m.AsOf,
		"source":     m.Source,
		"kind":       string(m.Kind),
		"extended":   m.Extended,
		"year_high":  safeFloatPtr(m.YearHigh),
		"year_low":   safeFloatPtr(m.YearLow),
		"ma50":       safeFloatPtr(m.MA50),
		"ma200":      safeFloatPtr(m.MA200),
		"intraday":   safeFloatPtr(m.Intraday),
		"market_cap": safeFloatPtr(m.MarketCap),
	}
}

func momentumMap(m domain.MomentumMetrics) map[string]interface{} {
	priceVsMA := make(map[string]interface{}, len(m.PriceVsMA))
	for k, v := range m.PriceVsMA {
		priceVsMA[k] = v
	}
	out := map[string]interface{}{
		"score": safeFloat(m.Score),
		"trend": string(m.Trend),
		"returns": map[string]interface{}{
			"m3": safeFloat(m.Returns.M3), "m6": safeFloat(m.Returns.M6), "m12": safeFloat(m.Returns.M12),
		},
		"moving_averages": map[string]interface{}{
			"sma20": safeFloat(m.MovingAverages.SMA20), "sma50": safeFloat(m.MovingAverages.SMA50), "sma200": safeFloat(m.MovingAverages.SMA200),
		},
		"rsi14":         safeFloat(m.RSI14),
		"atr14":         safeFloat(m.ATR14),
		"volume_ratio":  safeFloat(m.VolumeRatio),
		"price_vs_ma":   priceVsMA,
		"reference_date": m.ReferenceDate,
	}
	if m.ETF != nil {
		out["etf"] = map[string]interface{}{"symbol": m.ETF.Symbol, "return_3m": safeFloat(m.ETF.Return3Month)}
	}
	return out
}

func analystSignalsMap(a domain.AnalystSignals) map[string]interface{} {
	out := map[string]interface{}{
		"price_target_summary": map[string]interface{}{
			"mean": safeFloatPtr(a.PriceTargetSummary.Mean), "high": safeFloatPtr(a.PriceTargetSummary.High),
			"low": safeFloatPtr(a.PriceTargetSummary.Low), "num_analysts": a.PriceTargetSummary.NumAnalysts,
			"confidence": a.PriceTargetSummary.Confidence,
		},
		"ratings": map[string]interface{}{
			"snapshot": map[string]interface{}{
				"date": a.Ratings.Snapshot.Date, "score": safeFloat(a.Ratings.Snapshot.Score),
				"buy": a.Ratings.Snapshot.Buy, "hold": a.Ratings.Snapshot.Hold, "sell": a.Ratings.Snapshot.Sell,
			},
			"trend":             a.Ratings.Trend,
			"trend_delta":       safeFloat(a.Ratings.TrendDelta),
			"trend_window_days": a.Ratings.TrendWindowDays,
		},
	}
	if a.Estimates != nil {
		out["estimates"] = estimatesMap(*a.Estimates)
	}
	if a.Grades != nil {
		out["grades"] = map[string]interface{}{
			"consensus":         a.Grades.Consensus,
			"historical_counts": toInterfaceMap(a.Grades.HistoricalCounts),
		}
	}
	return out
}

func estimatesMap(e domain.EstimatesFragment) map[string]interface{} {
	return map[string]interface{}{
		"quarterly": estimateRows(e.Quarterly),
		"annual":    estimateRows(e.Annual),
	}
}

func estimateRows(rows []domain.EstimateRow) []interface{} {
	out := make([]interface{}, 0, len(rows))
	for _, r := range rows {
		out = append(out, map[string]interface{}{
			"period": r.Period, "eps_estimate": safeFloatPtr(r.EPSEstimate),
			"revenue_estimate": safeFloatPtr(r.RevenueEst), "num_analysts": r.NumAnalysts,
		})
	}
	return out
}

func toInterfaceMap(m map[string]int) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func institutionalMap(i domain.InstitutionalSnapshot) map[string]interface{} {
	holders := make([]interface{}, 0, len(i.TopHolders))
	for _, h := range i.TopHolders {
		holders = append(holders, map[string]interface{}{
			"name": h.Name, "shares": safeFloat(h.Shares),
			"position_value": safeFloat(h.PositionValue), "change_shares": safeFloat(h.ChangeShares),
		})
	}
	out := map[string]interface{}{
		"as_of": i.AsOf,
		"signal": map[string]interface{}{
			"label": string(i.Signal.Label), "canonical_tag": i.Signal.CanonicalTag, "net_shares": safeFloat(i.Signal.NetShares),
		},
		"top_holders":         holders,
		"summary":             i.Summary,
		"concentration_ratio": safeFloat(i.ConcentrationRatio),
	}
	if i.InsiderActivity != nil {
		out["insider_activity"] = map[string]interface{}{
			"buy_count": i.InsiderActivity.BuyCount, "sell_count": i.InsiderActivity.SellCount,
			"buy_value": safeFloat(i.InsiderActivity.BuyValue), "sell_value": safeFloat(i.InsiderActivity.SellValue),
		}
	}
	if i.AnalystActions != nil {
		out["analyst_actions"] = map[string]interface{}{
			"upgrades_7d": i.AnalystActions.Upgrades7d, "downgrades_7d": i.AnalystActions.Downgrades7d,
			"upgrades_30d": i.AnalystActions.Upgrades30d, "downgrades_30d": i.AnalystActions.Downgrades30d,
		}
	}
	return out
}

func newsMap(n domain.NewsFragment) map[string]interface{} {
	articles := make([]interface{}, 0, len(n.Articles))
	for _, a := range n.Articles {
		articles = append(articles, map[string]interface{}{
			"title": a.Title, "source": a.Source, "published_at": a.PublishedAt,
		})
	}
	events := make([]interface{}, 0, len(n.SupportingEvents))
	for _, e := range n.SupportingEvents {
		events = append(events, e)
	}
	keywords := make([]interface{}, 0, len(n.Keywords))
	for _, k := range n.Keywords {
		keywords = append(keywords, k)
	}
	return map[string]interface{}{
		"keywords":          keywords,
		"articles":          articles,
		"sentiment_label":   string(n.SentimentLabel),
		"summary":           n.Summary,
		"supporting_events": events,
	}
}

func earningsCallMap(e domain.EarningsCallFragment) map[string]interface{} {
	if e.Missing {
		return map[string]interface{}{"missing": true}
	}
	bullets := make([]interface{}, 0, len(e.Bullets))
	for _, b := range e.Bullets {
		bullets = append(bullets, b)
	}
	return map[string]interface{}{"quarter": e.Quarter, "summary": e.Summary, "bullets": bullets}
}

func macroMap(m domain.MacroFragment) map[string]interface{} {
	events := make([]interface{}, 0, len(m.Events))
	for _, e := range m.Events {
		events = append(events, map[string]interface{}{
			"date": e.Date, "name": e.Name, "actual": e.Actual, "forecast": e.Forecast,
		})
	}
	return map[string]interface{}{
		"events":       events,
		"yield_10y":    safeFloatPtr(m.Yield10Y),
		"yield_2y":     safeFloatPtr(m.Yield2Y),
		"spread":       safeFloatPtr(m.Spread),
		"risk_premium": safeFloatPtr(m.RiskPremium),
	}
}

// Build assembles the compact LLM payload from a fully populated bundle.
func Build(bundle *domain.AnalysisBundle) map[string]interface{} {
	root := map[string]interface{}{
		"ticker":     bundle.Input.Ticker,
		"date":       bundle.Input.Date,
		"price_meta": priceMetaMap(bundle.Fetched.FinnhubSummary.PriceMeta),
	}
	if bundle.Momentum != nil {
		root["momentum"] = momentumMap(*bundle.Momentum)
	}
	if bundle.AnalystSignals != nil {
		root["analyst_signals"] = analystSignalsMap(*bundle.AnalystSignals)
	}
	if bundle.AnalystMetrics != nil {
		root["analyst_metrics"] = map[string]interface{}{
			"consensus_score": safeFloat(bundle.AnalystMetrics.ConsensusScore),
			"upside_pct":      safeFloatPtr(bundle.AnalystMetrics.UpsidePct),
		}
	}
	if bundle.Institutional != nil {
		root["institutional"] = institutionalMap(*bundle.Institutional)
	}
	if bundle.News != nil {
		root["news"] = newsMap(*bundle.News)
	}
	if bundle.EarningsCall != nil {
		root["earnings_call"] = earningsCallMap(*bundle.EarningsCall)
	}
	if bundle.Macro != nil {
		root["macro"] = macroMap(*bundle.Macro)
	}
	if len(bundle.PerFilingSummaries) > 0 {
		filings := make([]interface{}, 0, len(bundle.PerFilingSummaries))
		for _, f := range bundle.PerFilingSummaries {
			filings = append(filings, map[string]interface{}{
				"form": f.Form, "filing_date": f.FilingDate, "report_date": f.ReportDate,
				"mda_summary": f.MDASummary, "summary_kind": string(f.SummaryKind),
			})
		}
		root["filings"] = filings
	}
	return Compact(root)
}
