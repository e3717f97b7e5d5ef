package engine

import (
	"context"
	"fmt"

	"tradewatch/internal/model"
)

// fallbackMove is the percentage move that closes an alert which has no
// stored target or stop on that side
const fallbackMove = 0.05

// OutcomeStats summarizes one evaluation run
type OutcomeStats struct {
	Scanned int `json:"scanned"`
	Updated int `json:"updated"`
	Wins    int `json:"wins"`
	Losses  int `json:"losses"`
	Open    int `json:"open"`
	Errors  int `json:"errors"`
}

// RunOutcomeEvaluationCycle re-prices every open alert and classifies
// it win/loss/open. One live price is fetched per distinct symbol per
// run; failures fetching a symbol are counted, not fatal.
func (e *Engine) RunOutcomeEvaluationCycle(ctx context.Context) (*OutcomeStats, error) {
	alerts, err := e.store.OpenAlerts(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading open alerts: %w", err)
	}

	stats := &OutcomeStats{}
	prices := make(map[string]*float64)

	for _, alert := range alerts {
		if alert.Type == model.TypeStopLoss {
			// Standing capital-protection notice, never resolves
			continue
		}
		stats.Scanned++

		price, ok := prices[alert.Symbol]
		if !ok {
			quote, err := e.market.Quote(ctx, alert.Symbol)
			if err != nil {
				e.logger.Warn().Err(err).Str("symbol", alert.Symbol).Msg("Price fetch failed during outcome evaluation")
				prices[alert.Symbol] = nil
				stats.Errors++
				continue
			}
			price = &quote.Price
			prices[alert.Symbol] = price
		}
		if price == nil {
			stats.Errors++
			continue
		}

		outcome := classifyOutcome(&alert, *price)
		e.recorder.RecordOutcome(string(outcome))

		if outcome == model.OutcomeOpen {
			stats.Open++
			continue
		}

		if err := e.store.ResolveAlert(ctx, alert.ID, outcome, *price, e.now()); err != nil {
			e.logger.Warn().Err(err).Int64("alert_id", alert.ID).Msg("Resolving alert failed")
			stats.Errors++
			continue
		}
		stats.Updated++
		if outcome == model.OutcomeWin {
			stats.Wins++
		} else {
			stats.Losses++
		}
	}

	return stats, nil
}

// classifyOutcome applies the stored levels, falling back to a 5% move
// from entry on any side without a level. Bearish alerts use the
// mirrored rule set: win on downside, loss on upside.
func classifyOutcome(alert *model.Alert, price float64) model.Outcome {
	entry := alert.Price

	switch alert.Type {
	case model.TypeOpportunity:
		if alert.TakeProfit != nil {
			if price >= *alert.TakeProfit {
				return model.OutcomeWin
			}
		} else if price >= entry*(1+fallbackMove) {
			return model.OutcomeWin
		}
		if alert.StopLoss != nil {
			if price <= *alert.StopLoss {
				return model.OutcomeLoss
			}
		} else if price <= entry*(1-fallbackMove) {
			return model.OutcomeLoss
		}

	case model.TypeBearish:
		if alert.TakeProfit != nil {
			if price <= *alert.TakeProfit {
				return model.OutcomeWin
			}
		} else if price <= entry*(1-fallbackMove) {
			return model.OutcomeWin
		}
		if alert.StopLoss != nil {
			if price >= *alert.StopLoss {
				return model.OutcomeLoss
			}
		} else if price >= entry*(1+fallbackMove) {
			return model.OutcomeLoss
		}
	}

	return model.OutcomeOpen
}
