package util

import "math"

// RoundCents rounds x to two decimal places, half away from zero.
func RoundCents(x float64) float64 {
	return math.Round(x*100) / 100
}
