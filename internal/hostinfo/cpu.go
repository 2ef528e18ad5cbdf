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

// CurrentLoad returns the CPU load since the previous call. The first call
// reports the ratio accumulated since boot.
func (p *Provider) CurrentLoad(ctx context.Context) (CPULoad, error) {
	if err := ctx.Err(); err != nil {
		return CPULoad{}, err
	}

	idle, total, err := readCPUTimes(filepath.Join(p.procRoot, "stat"))
	if err != nil {
		return CPULoad{}, err
	}

	p.cpuMu.Lock()
	defer p.cpuMu.Unlock()

	deltaIdle, deltaTotal := idle, total
	if p.cpuPrimed {
		if total < p.prevTotal || idle < p.prevIdle {
			// Counters went backwards (container migration, hotplug); restart the baseline.
			deltaIdle, deltaTotal = idle, total
		} else {
			deltaIdle = idle - p.prevIdle
			deltaTotal = total - p.prevTotal
		}
	}
	p.prevIdle, p.prevTotal, p.cpuPrimed = idle, total, true

	if deltaTotal == 0 {
		return CPULoad{CurrentLoad: 0}, nil
	}
	load := float64(deltaTotal-deltaIdle) / float64(deltaTotal) * 100
	return CPULoad{CurrentLoad: clamp(load, 0, 100)}, nil
}

// readCPUTimes parses the aggregate "cpu" line of /proc/stat. Guest time is
// already accounted in user/nice and is not summed again.
func readCPUTimes(path string) (idle, total uint64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || fields[0] != "cpu" {
			continue
		}
		if len(fields) < 5 {
			return 0, 0, fmt.Errorf("short cpu line in %s", path)
		}
		limit := len(fields)
		if limit > 9 {
			limit = 9
		}
		for i := 1; i < limit; i++ {
			value, err := strconv.ParseUint(fields[i], 10, 64)
			if err != nil {
				return 0, 0, fmt.Errorf("parse cpu field %d: %w", i, err)
			}
			total += value
			// idle and iowait
			if i == 4 || i == 5 {
				idle += value
			}
		}
		return idle, total, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, 0, fmt.Errorf("scan %s: %w", path, err)
	}
	return 0, 0, fmt.Errorf("no aggregate cpu line in %s", path)
}
