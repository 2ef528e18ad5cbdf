package hostinfo

import "math"

func clamp(value, min, max float64) float64 {
	return math.Max(min, math.Min(max, value))
}
