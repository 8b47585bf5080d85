package indicators

// ATR approximates the average true range from close-to-close moves with
// Wilder smoothing. Without OHLC candles the absolute price change is the
// true range.
func ATR(values []float64, period int) float64 {
	if period <= 0 || len(values) < period+1 {
		return 0
	}

	start := len(values) - period
	atr := 0.0
	for i := start; i < len(values); i++ {
		tr := values[i] - values[i-1]
		if tr < 0 {
			tr = -tr
		}
		if i == start {
			atr = tr
			continue
		}
		atr = (atr*float64(period-1) + tr) / float64(period)
	}
	return atr
}
