// Package hostinfo queries host hardware metrics from procfs, sysfs and statfs.
package hostinfo

import (
	"io"
	"log/slog"
	"sync"
)

// Provider answers metric queries for the local Linux host. Every query is
// independent so a failure in one category never affects another.
type Provider struct {
	sysfsRoot string
	procRoot  string
	logger    *slog.Logger

	statfs statfsFunc
	names  *nameResolver

	cpuMu     sync.Mutex
	prevIdle  uint64
	prevTotal uint64
	cpuPrimed bool
}

// NewProvider constructs a Provider reading from the given sysfs and procfs roots.
func NewProvider(sysfsRoot, procRoot string, logger *slog.Logger) *Provider {
	if sysfsRoot == "" {
		sysfsRoot = "/sys"
	}
	if procRoot == "" {
		procRoot = "/proc"
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Provider{
		sysfsRoot: sysfsRoot,
		procRoot:  procRoot,
		logger:    logger,
		statfs:    statfsUnix,
		names:     newNameResolver(),
	}
}
