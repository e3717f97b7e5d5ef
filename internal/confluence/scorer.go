package confluence

import (
	"fmt"

	"tradewatch/internal/model"
)

// Score turns an indicator snapshot into a directional confluence
// verdict. Pure function of the snapshot and config: every point is
// explicit and explained in the returned signals so the verdict stays
// auditable. A snapshot missing MACD, Bollinger or price short-circuits
// to HOLD with net 0 rather than guessing.
func Score(snap *model.Snapshot, cfg model.ConfluenceConfig) model.ConfluenceResult {
	hold := model.ConfluenceResult{
		Recommendation: model.Hold,
		Confidence:     model.ConfidenceLow,
	}

	if snap == nil || snap.CurrentPrice == nil || snap.MACD == nil || snap.Bollinger == nil {
		return hold
	}

	price := *snap.CurrentPrice
	var bull, bear int
	var signals []model.Signal

	addBull := func(points int, indicator, reason string) {
		bull += points
		signals = append(signals, model.Signal{Indicator: indicator, Direction: model.DirectionBull, Reason: reason})
	}
	addBear := func(points int, indicator, reason string) {
		bear += points
		signals = append(signals, model.Signal{Indicator: indicator, Direction: model.DirectionBear, Reason: reason})
	}

	// RSI: strict threshold scores 2, the softer 40/60 band scores 1
	if snap.RSI != nil {
		rsi := *snap.RSI
		switch {
		case rsi < cfg.RSIOversold:
			addBull(2, "rsi", fmt.Sprintf("RSI %.1f below oversold threshold %.0f", rsi, cfg.RSIOversold))
		case rsi < 40:
			addBull(1, "rsi", fmt.Sprintf("RSI %.1f approaching oversold", rsi))
		case rsi > cfg.RSIOverbought:
			addBear(2, "rsi", fmt.Sprintf("RSI %.1f above overbought threshold %.0f", rsi, cfg.RSIOverbought))
		case rsi > 60:
			addBear(1, "rsi", fmt.Sprintf("RSI %.1f approaching overbought", rsi))
		}
	}

	// MACD line vs signal, plus histogram sign
	if snap.MACD.Line > snap.MACD.Signal {
		addBull(2, "macd", "MACD line above signal line")
	} else if snap.MACD.Line < snap.MACD.Signal {
		addBear(2, "macd", "MACD line below signal line")
	}
	if snap.MACD.Histogram > 0 {
		addBull(1, "macd_histogram", "MACD histogram positive")
	} else if snap.MACD.Histogram < 0 {
		addBear(1, "macd_histogram", "MACD histogram negative")
	}

	// Bollinger band touches
	if price <= snap.Bollinger.Lower {
		addBull(2, "bollinger", fmt.Sprintf("price %.2f at or below lower band %.2f", price, snap.Bollinger.Lower))
	} else if price >= snap.Bollinger.Upper {
		addBear(2, "bollinger", fmt.Sprintf("price %.2f at or above upper band %.2f", price, snap.Bollinger.Upper))
	}

	// Long-term trend alignment
	if snap.SMA50 != nil && snap.SMA200 != nil {
		if *snap.SMA50 > *snap.SMA200 && price > *snap.SMA50 && price > *snap.SMA200 {
			addBull(1, "trend", "price above rising SMA50/SMA200 stack")
		} else if *snap.SMA50 < *snap.SMA200 && price < *snap.SMA50 && price < *snap.SMA200 {
			addBear(1, "trend", "price below falling SMA50/SMA200 stack")
		}
	}

	// Volume confirmation follows the day's direction
	if snap.VolumeRatio != nil && *snap.VolumeRatio > cfg.VolumeThreshold {
		if snap.DayChange > 0 {
			addBull(1, "volume", fmt.Sprintf("volume %.1fx average on an up move", *snap.VolumeRatio))
		} else if snap.DayChange < 0 {
			addBear(1, "volume", fmt.Sprintf("volume %.1fx average on a down move", *snap.VolumeRatio))
		}
	}

	net := bull - bear
	result := model.ConfluenceResult{
		Net:     net,
		Bull:    bull,
		Bear:    bear,
		Signals: signals,
	}

	minConfluence := cfg.MinConfluence
	if minConfluence <= 0 {
		minConfluence = 2
	}

	switch {
	case net >= 4:
		result.Recommendation = model.StrongBuy
		result.Confidence = model.ConfidenceHigh
		result.Type = model.TypeOpportunity
	case net >= minConfluence:
		result.Recommendation = model.Buy
		result.Confidence = model.ConfidenceMedium
		result.Type = model.TypeOpportunity
	case net <= -4:
		result.Recommendation = model.StrongSell
		result.Confidence = model.ConfidenceHigh
		result.Type = model.TypeBearish
	case net <= -minConfluence:
		result.Recommendation = model.Sell
		result.Confidence = model.ConfidenceMedium
		result.Type = model.TypeBearish
	default:
		result.Recommendation = model.Hold
		result.Confidence = model.ConfidenceLow
	}

	return result
}

// Direction maps an actionable result to its scoring direction
func Direction(r model.ConfluenceResult) model.Direction {
	if r.Type == model.TypeBearish {
		return model.DirectionBear
	}
	return model.DirectionBull
}
