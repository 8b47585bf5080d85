package indicators

// SMA is the simple moving average over the last period prices. It
// returns zero until the window holds enough samples, which the trend
// provider treats as "still warming up".
func SMA(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return 0
	}
	sum := 0.0
	for i := len(values) - period; i < len(values); i++ {
		sum += values[i]
	}
	return sum / float64(period)
}
