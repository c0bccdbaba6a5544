package math

// MinInt returns the smaller of the two integers.
func MinInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// MaxInt returns the larger of the two integers.
func MaxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
