package hostinfo

import (
	"strings"
	"sync"

	"github.com/jaypipes/pcidb"
)

// nameResolver maps PCI identifiers to marketing names. The pci.ids database is
// loaded lazily on first use because parsing it costs tens of milliseconds.
type nameResolver struct {
	once sync.Once
	load func() (*pcidb.PCIDB, error)
	db   *pcidb.PCIDB
}

func newNameResolver() *nameResolver {
	return &nameResolver{
		load: func() (*pcidb.PCIDB, error) { return pcidb.New() },
	}
}

func (r *nameResolver) database() *pcidb.PCIDB {
	r.once.Do(func() {
		if r.load == nil {
			return
		}
		db, err := r.load()
		if err != nil {
			return
		}
		r.db = db
	})
	return r.db
}

func (r *nameResolver) lookup(vendorID, deviceID, subVendorID, subDeviceID string) string {
	vendorID = normalizePCIID(vendorID)
	deviceID = normalizePCIID(deviceID)
	if vendorID == "" || deviceID == "" {
		return ""
	}

	db := r.database()
	if db == nil {
		return ""
	}

	product, ok := db.Products[vendorID+deviceID]
	if !ok || product == nil {
		return ""
	}

	subVendorID = normalizePCIID(subVendorID)
	subDeviceID = normalizePCIID(subDeviceID)
	if subVendorID != "" && subDeviceID != "" {
		for _, subsystem := range product.Subsystems {
			if subsystem == nil || subsystem.Name == "" {
				continue
			}
			if strings.EqualFold(subsystem.VendorID, subVendorID) && strings.EqualFold(subsystem.ID, subDeviceID) {
				return subsystem.Name
			}
		}
	}

	return product.Name
}

func normalizePCIID(raw string) string {
	value := strings.TrimSpace(raw)
	value = strings.TrimPrefix(value, "0x")
	value = strings.TrimPrefix(value, "0X")
	if value == "" {
		return ""
	}
	value = strings.ToLower(value)
	if len(value) < 4 {
		value = strings.Repeat("0", 4-len(value)) + value
	}
	return value
}

// shouldUseResolvedName prefers the database name over driver names and
// placeholder strings the kernel reports for unknown devices.
func shouldUseResolvedName(current, resolved string) bool {
	if resolved == "" {
		return false
	}
	lower := strings.ToLower(strings.TrimSpace(current))
	switch {
	case lower == "":
		return true
	case lower == "amdgpu", lower == "radeon", lower == "i915", lower == "xe",
		lower == "nouveau", lower == "nvidia", lower == "unknown":
		return true
	case strings.HasPrefix(lower, "pci device"), strings.HasPrefix(lower, "0x"):
		return true
	}
	return false
}
