package hostinfo

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"unicode"
)

const (
	drmClassPath    = "class/drm"
	gpuBusyFilename = "gpu_busy_percent"
)

// Graphics enumerates DRM cards under the sysfs root in card index order. A
// host without a drm class directory has no controllers, which is not an error.
func (p *Provider) Graphics(ctx context.Context) ([]GPUController, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sysRoot, err := os.OpenRoot(p.sysfsRoot)
	if err != nil {
		return nil, fmt.Errorf("open sysfs root: %w", err)
	}
	defer sysRoot.Close()

	entries, err := fs.ReadDir(sysRoot.FS(), drmClassPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			p.logger.Debug("drm class path missing", "path", filepath.Join(p.sysfsRoot, drmClassPath))
			return nil, nil
		}
		return nil, fmt.Errorf("read drm class dir: %w", err)
	}

	var cards []string
	for _, entry := range entries {
		name := entry.Name()
		if !isCardName(name) {
			continue
		}
		if !entry.IsDir() && entry.Type()&os.ModeSymlink == 0 {
			continue
		}
		cards = append(cards, name)
	}
	sort.Slice(cards, func(i, j int) bool {
		return cardIndex(cards[i]) < cardIndex(cards[j])
	})

	controllers := make([]GPUController, 0, len(cards))
	for _, card := range cards {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		deviceRoot, err := sysRoot.OpenRoot(filepath.Join(drmClassPath, card, "device"))
		if err != nil {
			p.logger.Debug("failed to open card device", "card", card, "err", err)
			continue
		}
		controllers = append(controllers, p.loadController(card, deviceRoot))
		if err := deviceRoot.Close(); err != nil {
			p.logger.Debug("failed to close card device", "card", card, "err", err)
		}
	}

	return controllers, nil
}

func (p *Provider) loadController(cardID string, deviceRoot *os.Root) GPUController {
	var (
		pciSlot   string
		pciID     string
		name      string
		subVendor string
		subDevice string
	)

	if data, err := deviceRoot.ReadFile("uevent"); err == nil {
		text := string(data)
		pciSlot = parseKeyValue(text, "PCI_SLOT_NAME")
		pciID = parseKeyValue(text, "PCI_ID")
		if subsys := parseKeyValue(text, "PCI_SUBSYS_ID"); subsys != "" {
			subVendor, subDevice, _ = strings.Cut(subsys, ":")
		}
		name = parseKeyValue(text, "DRIVER")
	}

	if pciID == "" {
		if vendor, err := readTrim(deviceRoot, "vendor"); err == nil {
			if device, err := readTrim(deviceRoot, "device"); err == nil {
				pciID = strings.TrimPrefix(vendor, "0x") + ":" + strings.TrimPrefix(device, "0x")
			}
		}
	}
	if product, err := readTrim(deviceRoot, "product_name"); err == nil && product != "" {
		name = product
	}

	vendorID, deviceID, _ := strings.Cut(pciID, ":")
	if resolved := p.names.lookup(vendorID, deviceID, subVendor, subDevice); shouldUseResolvedName(name, resolved) {
		name = resolved
	}

	return GPUController{
		ID:             cardID,
		Name:           name,
		PCI:            pciSlot,
		PCIID:          pciID,
		UtilizationPct: p.readBusyPercent(deviceRoot, cardID),
	}
}

func (p *Provider) readBusyPercent(deviceRoot *os.Root, cardID string) *float64 {
	raw, err := readTrim(deviceRoot, gpuBusyFilename)
	if err != nil || raw == "" {
		return nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.logger.Debug("failed to parse gpu busy value", "card", cardID, "value", raw, "err", err)
		return nil
	}
	if value < 0 {
		return nil
	}
	if value > 100 {
		// Some kernels report busy % scaled by 100.
		value = clamp(value/100, 0, 100)
	}
	return &value
}

func isCardName(name string) bool {
	if !strings.HasPrefix(name, "card") || strings.ContainsRune(name, '-') {
		return false
	}
	digits := name[len("card"):]
	if digits == "" {
		return false
	}
	for _, r := range digits {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func cardIndex(name string) int {
	index, err := strconv.Atoi(strings.TrimPrefix(name, "card"))
	if err != nil {
		return -1
	}
	return index
}

func parseKeyValue(data, key string) string {
	prefix := key + "="
	scanner := bufio.NewScanner(strings.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, prefix))
		}
	}
	return ""
}

func readTrim(root *os.Root, name string) (string, error) {
	data, err := root.ReadFile(name)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
