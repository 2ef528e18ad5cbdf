package hostinfo

// CPULoad is the instantaneous processor load across all cores.
type CPULoad struct {
	CurrentLoad float64 `json:"current_load"`
}

// Memory describes physical memory usage in bytes.
type Memory struct {
	TotalBytes     uint64 `json:"total_bytes"`
	UsedBytes      uint64 `json:"used_bytes"`
	AvailableBytes uint64 `json:"available_bytes"`
}

// GPUController describes a single display controller. UtilizationPct is nil
// when the driver does not expose a busy counter.
type GPUController struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	PCI            string   `json:"pci"`
	PCIID          string   `json:"pci_id"`
	UtilizationPct *float64 `json:"utilization_pct"`
}

// Volume is a mounted file system with its capacity in bytes.
type Volume struct {
	Device         string `json:"device"`
	MountPoint     string `json:"mount_point"`
	FSType         string `json:"fs_type"`
	SizeBytes      uint64 `json:"size_bytes"`
	AvailableBytes uint64 `json:"available_bytes"`
}
