package fragments

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/garen0616/us-equity-analyzer-pro/internal/cachekv"
	"github.com/garen0616/us-equity-analyzer-pro/internal/domain"
	"github.com/garen0616/us-equity-analyzer-pro/internal/retry"
	"github.com/garen0616/us-equity-analyzer-pro/internal/upstream"
	"github.com/rs/zerolog"
)

// InstitutionalBuilder implements the 13F + insider-activity fragment,
// following the same cache-then-fetch-then-write shape every other
// fragment builder in this package uses.
type InstitutionalBuilder struct {
	source        upstream.InstitutionalSource
	kv            cachekv.Store
	ttl           time.Duration
	retryAttempts int
	retryDelay    time.Duration
	log           zerolog.Logger
}

// NewInstitutionalBuilder constructs an InstitutionalBuilder.
func NewInstitutionalBuilder(source upstream.InstitutionalSource, kv cachekv.Store, ttl time.Duration, retryAttempts int, retryDelay time.Duration, log zerolog.Logger) *InstitutionalBuilder {
	return &InstitutionalBuilder{source: source, kv: kv, ttl: ttl, retryAttempts: retryAttempts, retryDelay: retryDelay, log: log.With().Str("builder", "institutional").Logger()}
}

const maxThirteenFQuartersBack = 3

func institutionalCacheKey(ticker string, baselineDate string) string {
	quarter := baselineDate
	if len(quarter) >= 7 {
		quarter = quarter[:7]
	}
	return fmt.Sprintf("institutional_%s_%s", ticker, quarter)
}

// Build assembles the institutional snapshot, falling back up to three
// quarters if the current quarter's 13F aggregate is unavailable.
func (b *InstitutionalBuilder) Build(ctx context.Context, ticker string, baselineDate string) (domain.InstitutionalSnapshot, error) {
	key := institutionalCacheKey(ticker, baselineDate)
	var cached domain.InstitutionalSnapshot
	if hit, _, err := b.kv.Get(key, b.ttl, &cached); err != nil {
		b.log.Warn().Err(err).Str("key", key).Msg("institutional cache read failed, treating as miss")
	} else if hit {
		return cached, nil
	}

	snapshot, err := b.buildUncached(ctx, ticker, baselineDate)
	if err != nil {
		return snapshot, err
	}

	if err := b.kv.Set(key, snapshot); err != nil {
		b.log.Warn().Err(err).Str("key", key).Msg("failed to persist institutional snapshot")
	}
	return snapshot, nil
}

func (b *InstitutionalBuilder) buildUncached(ctx context.Context, ticker string, baselineDate string) (domain.InstitutionalSnapshot, error) {
	var quarter upstream.RawInstitutionalQuarter
	found := false
	for back := 0; back <= maxThirteenFQuartersBack; back++ {
		var q upstream.RawInstitutionalQuarter
		var ok bool
		err := retry.Do(ctx, b.retryAttempts, b.retryDelay, func(ctx context.Context) error {
			fetched, has, err := b.source.ThirteenF(ctx, ticker, back)
			if err != nil {
				return err
			}
			q, ok = fetched, has
			return nil
		})
		if err != nil {
			return domain.InstitutionalSnapshot{}, fmt.Errorf("fetch 13F quarter -%d: %w", back, err)
		}
		if ok {
			quarter, found = q, true
			break
		}
	}
	if !found {
		return domain.InstitutionalSnapshot{}, fmt.Errorf("no 13F aggregate available within %d quarters", maxThirteenFQuartersBack)
	}

	sort.Slice(quarter.Holders, func(i, j int) bool {
		return quarter.Holders[i].PositionValue > quarter.Holders[j].PositionValue
	})
	topN := quarter.Holders
	if len(topN) > 5 {
		topN = topN[:5]
	}

	var netShares float64
	if quarter.NetSharesSummary != nil {
		netShares = *quarter.NetSharesSummary
	} else {
		for _, h := range quarter.Holders {
			netShares += h.ChangeShares
		}
	}

	totalValue := 0.0
	for _, h := range quarter.Holders {
		totalValue += h.PositionValue
	}
	topFiveValue := 0.0
	for _, h := range topN {
		topFiveValue += h.PositionValue
	}
	concentrationRatio := 0.0
	if totalValue > 0 {
		concentrationRatio = topFiveValue / totalValue
	}

	holderRows := make([]domain.HolderRow, len(topN))
	for i, h := range topN {
		holderRows[i] = domain.HolderRow{Name: h.Name, Shares: h.Shares, PositionValue: h.PositionValue, ChangeShares: h.ChangeShares}
	}

	snapshot := domain.InstitutionalSnapshot{
		AsOf: quarter.AsOf,
		Signal: domain.InstitutionalSignal{
			Label:        domain.LabelForNetShares(netShares),
			CanonicalTag: canonicalSignalTag(netShares),
			NetShares:    netShares,
		},
		TopHolders:         holderRows,
		Summary:            summarizeInstitutionalFlow(netShares, len(quarter.Holders)),
		ConcentrationRatio: concentrationRatio,
	}

	baseline, err := time.Parse("2006-01-02", baselineDate)
	if err == nil {
		insiderLookback := baseline.AddDate(0, 0, -30).Format("2006-01-02")
		insiderLookahead := baseline.AddDate(0, 0, 7).Format("2006-01-02")
		var trades []upstream.RawInsiderTrade
		if err := retry.Do(ctx, b.retryAttempts, b.retryDelay, func(ctx context.Context) error {
			fetched, err := b.source.InsiderTrades(ctx, ticker, insiderLookback, insiderLookahead)
			if err != nil {
				return err
			}
			trades = fetched
			return nil
		}); err == nil {
			snapshot.InsiderActivity = summarizeInsiderActivity(trades)
		} else {
			b.log.Warn().Err(err).Str("ticker", ticker).Msg("insider activity fetch failed, continuing without it")
		}

		upgrades7, downgrades7, err7 := b.source.GradeCounts(ctx, ticker, baseline.AddDate(0, 0, -7).Format("2006-01-02"), baseline.AddDate(0, 0, 7).Format("2006-01-02"))
		upgrades30, downgrades30, err30 := b.source.GradeCounts(ctx, ticker, baseline.AddDate(0, 0, -30).Format("2006-01-02"), baseline.AddDate(0, 0, 30).Format("2006-01-02"))
		if err7 == nil && err30 == nil {
			snapshot.AnalystActions = &domain.AnalystActionCounts{
				Upgrades7d: upgrades7, Downgrades7d: downgrades7,
				Upgrades30d: upgrades30, Downgrades30d: downgrades30,
			}
		}
	}

	return snapshot, nil
}

func canonicalSignalTag(netShares float64) string {
	switch {
	case netShares > 0:
		return "accumulate"
	case netShares < 0:
		return "distribute"
	default:
		return "neutral"
	}
}

func summarizeInstitutionalFlow(netShares float64, holderCount int) string {
	direction := "flat"
	if netShares > 0 {
		direction = "net buying"
	} else if netShares < 0 {
		direction = "net selling"
	}
	return fmt.Sprintf("%d reporting institutions, %s of %.0f shares this quarter", holderCount, direction, netShares)
}

func summarizeInsiderActivity(trades []upstream.RawInsiderTrade) *domain.InsiderActivity {
	activity := &domain.InsiderActivity{}
	sort.Slice(trades, func(i, j int) bool { return trades[i].Date > trades[j].Date })

	for _, t := range trades {
		switch t.Action {
		case "buy":
			activity.BuyCount++
			activity.BuyValue += t.Value
		case "sell":
			activity.SellCount++
			activity.SellValue += t.Value
		}
	}

	limit := len(trades)
	if limit > 5 {
		limit = 5
	}
	last := make([]domain.InsiderTrade, limit)
	for i := 0; i < limit; i++ {
		last[i] = domain.InsiderTrade{Date: trades[i].Date, Name: trades[i].Name, Action: trades[i].Action, Shares: trades[i].Shares, Value: trades[i].Value}
	}
	activity.LastTrades = last
	return activity
}
