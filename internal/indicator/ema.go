// Package indicator computes the moving averages the strategy trades against.
package indicator

// EMA returns the exponential moving average of closes using smoothing factor
// 2/(period+1), seeded by the first close (no SMA warm-up). The result has the
// same length as closes; callers decide whether enough history exists.
func EMA(closes []float64, period int) []float64 {
	if period <= 0 || len(closes) == 0 {
		return nil
	}
	alpha := 2.0 / float64(period+1)
	out := make([]float64, len(closes))
	out[0] = closes[0]
	for i := 1; i < len(closes); i++ {
		out[i] = out[i-1]*(1-alpha) + closes[i]*alpha
	}
	return out
}

// Ready reports whether closes hold at least period values.
func Ready(closes []float64, period int) bool {
	return period > 0 && len(closes) >= period
}

// LastClosed returns the average of the last closed bar. The final element of
// an aligned series belongs to the in-progress bar, so this is series[len-2].
func LastClosed(series []float64) (float64, bool) {
	if len(series) < 2 {
		return 0, false
	}
	return series[len(series)-2], true
}

// PrevClosed returns the average one bar before LastClosed.
func PrevClosed(series []float64) (float64, bool) {
	if len(series) < 3 {
		return 0, false
	}
	return series[len(series)-3], true
}

// Slope is the relative change between two averages; zero when prev is zero.
func Slope(now, prev float64) float64 {
	if prev == 0 {
		return 0
	}
	return (now - prev) / prev
}
