package telemetry

import "time"

// Sentinel strings rendered in place of a measurement.
const (
	SentinelError       = "Error"
	SentinelUnavailable = "N/A"
)

// State classifies a single metric of a snapshot.
type State string

const (
	StateOK          State = "ok"
	StateUnavailable State = "unavailable"
	StateError       State = "error"
)

// RefreshTier records which refresh path produced a snapshot.
type RefreshTier string

const (
	RefreshFull    RefreshTier = "full"
	RefreshPartial RefreshTier = "partial"
	// RefreshFailed marks a snapshot degraded to sentinels by a sampling failure.
	RefreshFailed RefreshTier = "failed"
)

// Snapshot is the immutable result of one sampling cycle. The formatted
// strings are the display contract; Values carries the same readings as
// numbers and is nil wherever the string is a sentinel.
type Snapshot struct {
	Seq       uint64      `json:"seq"`
	Timestamp time.Time   `json:"ts"`
	Refresh   RefreshTier `json:"refresh"`

	CPU     string `json:"cpu"`
	Memory  string `json:"memory"`
	GPU     string `json:"gpu"`
	Storage string `json:"storage"`

	GPUName string `json:"gpu_name,omitempty"`

	Values Values `json:"values"`
	States States `json:"states"`
}

// Values holds numeric readings. GB values carry one fractional digit.
type Values struct {
	CPUPercent     *int     `json:"cpu_percent"`
	MemoryUsedGB   *float64 `json:"memory_used_gb"`
	MemoryTotalGB  *float64 `json:"memory_total_gb"`
	GPUPercent     *int     `json:"gpu_percent"`
	StorageFreeGB  *float64 `json:"storage_free_gb"`
	StorageTotalGB *float64 `json:"storage_total_gb"`
}

// States reports per-metric measurement state.
type States struct {
	CPU     State `json:"cpu"`
	Memory  State `json:"memory"`
	GPU     State `json:"gpu"`
	Storage State `json:"storage"`
}

// Degraded reports whether any metric is an error sentinel.
func (s Snapshot) Degraded() bool {
	return s.States.CPU == StateError ||
		s.States.Memory == StateError ||
		s.States.GPU == StateError ||
		s.States.Storage == StateError
}

func failedSnapshot(seq uint64, ts time.Time) Snapshot {
	return Snapshot{
		Seq:       seq,
		Timestamp: ts,
		Refresh:   RefreshFailed,
		CPU:       SentinelError,
		Memory:    SentinelError,
		GPU:       SentinelError,
		Storage:   SentinelError,
		States: States{
			CPU:     StateError,
			Memory:  StateError,
			GPU:     StateError,
			Storage: StateError,
		},
	}
}
