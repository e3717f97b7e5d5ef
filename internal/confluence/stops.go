package confluence

import "tradewatch/internal/model"

// Reward-to-risk ratio applied to the ATR stop distance
const rewardRatio = 2.5

// atrMultiplier picks the stop width for the RSI regime: tighter in a
// trending/overbought market, wider in a choppy/oversold one.
func atrMultiplier(rsi *float64) float64 {
	if rsi == nil {
		return 2.2
	}
	switch {
	case *rsi > 60:
		return 2.0
	case *rsi < 40:
		return 2.5
	default:
		return 2.2
	}
}

// Stops derives stop-loss and take-profit levels for a long signal
// from price, ATR and the RSI regime. Returns nils when price or ATR is
// unavailable; callers must not persist a signal without a usable stop.
func Stops(price, atr, rsi *float64) (stopLoss, takeProfit *float64) {
	if price == nil || atr == nil {
		return nil, nil
	}

	m := atrMultiplier(rsi)
	risk := *atr * m

	sl := *price - risk
	tp := *price + risk*rewardRatio
	return &sl, &tp
}

// StopsFor mirrors the stop geometry for bearish signals: the stop sits
// above entry and the target below, so the outcome evaluator's
// mirrored win/loss rules line up with the stored levels.
func StopsFor(direction model.Direction, price, atr, rsi *float64) (stopLoss, takeProfit *float64) {
	if direction != model.DirectionBear {
		return Stops(price, atr, rsi)
	}
	if price == nil || atr == nil {
		return nil, nil
	}

	m := atrMultiplier(rsi)
	risk := *atr * m

	sl := *price + risk
	tp := *price - risk*rewardRatio
	return &sl, &tp
}
