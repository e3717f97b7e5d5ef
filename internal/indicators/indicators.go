package indicators

import (
	"math"

	"tradewatch/internal/model"
)

// MinBars is the minimum number of closes before a composite snapshot
// is considered valid. Individual indicators may still come back nil
// when their own window is larger.
const MinBars = 30

// Default periods
const (
	RSIPeriod        = 14
	MACDFastPeriod   = 12
	MACDSlowPeriod   = 26
	MACDSignalPeriod = 9
	BollingerPeriod  = 20
	BollingerStdDev  = 2.0
	ATRPeriod        = 14
	VolumePeriod     = 20
)

func ptr(v float64) *float64 { return &v }

// SMA returns the mean of the last period values, nil if insufficient
func SMA(values []float64, period int) *float64 {
	if period <= 0 || len(values) < period {
		return nil
	}

	var sum float64
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return ptr(sum / float64(period))
}

// emaSeries returns the EMA at every index from period-1 onward. The
// seed is a simple average of the first period values, then the
// standard 2/(period+1) smoothing rolls forward.
func emaSeries(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return nil
	}

	var seed float64
	for _, v := range values[:period] {
		seed += v
	}
	seed /= float64(period)

	k := 2.0 / float64(period+1)
	out := make([]float64, 0, len(values)-period+1)
	out = append(out, seed)

	ema := seed
	for _, v := range values[period:] {
		ema = (v-ema)*k + ema
		out = append(out, ema)
	}
	return out
}

// EMA returns the exponential moving average of the series, nil if
// insufficient length
func EMA(values []float64, period int) *float64 {
	series := emaSeries(values, period)
	if series == nil {
		return nil
	}
	return ptr(series[len(series)-1])
}

// RSI computes the relative strength index with Wilder smoothing.
// Returns exactly 100 when the average loss is zero.
func RSI(closes []float64, period int) *float64 {
	if period <= 0 || len(closes) < period+1 {
		return nil
	}

	var gains, losses float64
	for i := 1; i <= period; i++ {
		change := closes[i] - closes[i-1]
		if change > 0 {
			gains += change
		} else {
			losses -= change
		}
	}

	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)

	for i := period + 1; i < len(closes); i++ {
		change := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		return ptr(100.0)
	}

	rs := avgGain / avgLoss
	return ptr(100.0 - (100.0 / (1.0 + rs)))
}

// MACD computes the 12/26 line, its 9-period signal and the histogram
func MACD(closes []float64) *model.MACD {
	fast := emaSeries(closes, MACDFastPeriod)
	slow := emaSeries(closes, MACDSlowPeriod)
	if fast == nil || slow == nil {
		return nil
	}

	// Align the two series on their tails and difference them
	n := len(slow)
	line := make([]float64, n)
	for i := 0; i < n; i++ {
		line[i] = fast[len(fast)-n+i] - slow[i]
	}

	signal := emaSeries(line, MACDSignalPeriod)
	if signal == nil {
		return nil
	}

	macdLine := line[len(line)-1]
	signalLine := signal[len(signal)-1]
	return &model.MACD{
		Line:      macdLine,
		Signal:    signalLine,
		Histogram: macdLine - signalLine,
	}
}

// Bollinger computes mean +/- stdev*mult over the trailing window using
// population variance (denominator = period)
func Bollinger(closes []float64, period int, mult float64) *model.Bollinger {
	middle := SMA(closes, period)
	if middle == nil {
		return nil
	}

	var variance float64
	for _, c := range closes[len(closes)-period:] {
		d := c - *middle
		variance += d * d
	}
	sd := math.Sqrt(variance / float64(period))

	return &model.Bollinger{
		Upper:  *middle + sd*mult,
		Middle: *middle,
		Lower:  *middle - sd*mult,
	}
}

// ATR computes the Wilder-smoothed average true range
func ATR(candles []model.Candle, period int) *float64 {
	if period <= 0 || len(candles) < period+1 {
		return nil
	}

	trs := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		c := candles[i]
		prevClose := candles[i-1].Close
		tr := c.High - c.Low
		if d := math.Abs(c.High - prevClose); d > tr {
			tr = d
		}
		if d := math.Abs(c.Low - prevClose); d > tr {
			tr = d
		}
		trs = append(trs, tr)
	}

	var atr float64
	for _, tr := range trs[:period] {
		atr += tr
	}
	atr /= float64(period)

	for _, tr := range trs[period:] {
		atr = (atr*float64(period-1) + tr) / float64(period)
	}
	return ptr(atr)
}

// VolumeRatio divides the latest volume by the trailing average volume,
// nil when fewer than period points exist
func VolumeRatio(volumes []float64, period int) *float64 {
	if len(volumes) < period {
		return nil
	}

	avg := SMA(volumes, period)
	if avg == nil || *avg == 0 {
		return nil
	}
	return ptr(volumes[len(volumes)-1] / *avg)
}

// Compute builds the composite snapshot for a candle series. Returns
// nil when fewer than MinBars closes are available; individual fields
// stay nil when their own window requirement is not met.
func Compute(symbol string, candles []model.Candle, quotePrice *float64) *model.Snapshot {
	if len(candles) < MinBars {
		return nil
	}

	closes := make([]float64, len(candles))
	volumes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
		volumes[i] = c.Volume
	}

	price := closes[len(closes)-1]
	if quotePrice != nil {
		price = *quotePrice
	}

	snap := &model.Snapshot{
		Symbol:       symbol,
		CurrentPrice: ptr(price),
		RSI:          RSI(closes, RSIPeriod),
		MACD:         MACD(closes),
		Bollinger:    Bollinger(closes, BollingerPeriod, BollingerStdDev),
		SMA50:        SMA(closes, 50),
		SMA200:       SMA(closes, 200),
		ATR:          ATR(candles, ATRPeriod),
		VolumeRatio:  VolumeRatio(volumes, VolumePeriod),
		DayChange:    closes[len(closes)-1] - closes[len(closes)-2],
	}
	return snap
}
