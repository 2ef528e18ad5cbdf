package hostinfo

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Memory reads physical memory totals from /proc/meminfo. Used memory excludes
// reclaimable page cache, matching MemTotal - MemAvailable.
func (p *Provider) Memory(ctx context.Context) (Memory, error) {
	if err := ctx.Err(); err != nil {
		return Memory{}, err
	}

	path := filepath.Join(p.procRoot, "meminfo")
	values, err := readMeminfo(path)
	if err != nil {
		return Memory{}, err
	}

	totalKB, ok := values["MemTotal"]
	if !ok || totalKB == 0 {
		return Memory{}, fmt.Errorf("MemTotal missing in %s", path)
	}

	availableKB, ok := values["MemAvailable"]
	if !ok {
		// Kernels before 3.14 lack MemAvailable.
		availableKB = values["MemFree"] + values["Buffers"] + values["Cached"]
	}
	if availableKB > totalKB {
		availableKB = totalKB
	}

	return Memory{
		TotalBytes:     totalKB * 1024,
		UsedBytes:      (totalKB - availableKB) * 1024,
		AvailableBytes: availableKB * 1024,
	}, nil
}

func readMeminfo(path string) (map[string]uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	values := make(map[string]uint64, 8)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, rest, found := strings.Cut(scanner.Text(), ":")
		if !found {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}
		value, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			continue
		}
		values[strings.TrimSpace(key)] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}
	return values, nil
}
