package telemetry

import "time"

// cache holds the slow-changing readings between full refreshes. The sampler
// replaces it with a single assignment per cycle, so readers never see a mix
// of two refreshes.
type cache struct {
	primed          bool
	lastFullRefresh time.Time

	totalMemoryGB float64

	storageState   State
	totalStorageGB float64
	freeStorageGB  float64

	gpu gpuReading
}

type gpuReading struct {
	state   State
	percent int
	name    string
}

func (g gpuReading) render() (string, *int) {
	switch g.state {
	case StateOK:
		return FormatPercent(g.percent), intPtr(g.percent)
	case StateUnavailable:
		return SentinelUnavailable, nil
	default:
		return SentinelError, nil
	}
}

func (c cache) renderStorage() (string, *float64, *float64) {
	switch c.storageState {
	case StateOK:
		return FormatStorage(c.freeStorageGB, c.totalStorageGB), floatPtr(c.freeStorageGB), floatPtr(c.totalStorageGB)
	case StateUnavailable:
		return SentinelUnavailable, nil, nil
	default:
		return SentinelError, nil, nil
	}
}
