package market

import (
	"time"

	"tradewatch/internal/model"
)

// SyntheticCandles manufactures a near-flat candle series from the last
// known price, used when the provider denies the candle endpoint for
// the current plan. The series drifts linearly from 99.5% of the price
// up to the price itself so trailing averages stay close to the quote.
// Snapshots built from it must carry the Synthetic flag so consumers
// can tell interpolated data from live market data.
func SyntheticCandles(lastPrice float64, n int, interval time.Duration, end time.Time) []model.Candle {
	if lastPrice <= 0 || n <= 0 {
		return nil
	}

	start := lastPrice * 0.995
	step := (lastPrice - start) / float64(n)

	candles := make([]model.Candle, n)
	for i := 0; i < n; i++ {
		close := start + step*float64(i+1)
		open := start + step*float64(i)
		high := close
		if open > high {
			high = open
		}
		low := close
		if open < low {
			low = open
		}
		candles[i] = model.Candle{
			Time:   end.Add(-time.Duration(n-1-i) * interval),
			Open:   open,
			High:   high,
			Low:    low,
			Close:  close,
			Volume: 0,
		}
	}
	return candles
}
