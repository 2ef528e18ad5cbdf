package telemetry

import (
	"fmt"
	"math"
)

const bytesPerGB = 1024 * 1024 * 1024

// FormatPercent renders an integer percentage, e.g. "45%".
func FormatPercent(pct int) string {
	return fmt.Sprintf("%d%%", pct)
}

// FormatMemory renders memory usage, e.g. "6.2 GB / 16.0 GB".
func FormatMemory(usedGB, totalGB float64) string {
	return fmt.Sprintf("%.1f GB / %.1f GB", usedGB, totalGB)
}

// FormatStorage renders free storage, e.g. "153.4 GB free of 500.0 GB".
func FormatStorage(freeGB, totalGB float64) string {
	return fmt.Sprintf("%.1f GB free of %.1f GB", freeGB, totalGB)
}

// BytesToGB converts bytes to GB (1024^3) with one fractional digit.
func BytesToGB(b uint64) float64 {
	return roundTenth(float64(b) / bytesPerGB)
}

func roundTenth(v float64) float64 {
	return math.Round(v*10) / 10
}

func roundPercent(v float64) int {
	return int(math.Round(math.Max(0, math.Min(100, v))))
}

func intPtr(v int) *int {
	return &v
}

func floatPtr(v float64) *float64 {
	return &v
}
