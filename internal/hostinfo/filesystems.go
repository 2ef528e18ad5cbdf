package hostinfo

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

type statfsResult struct {
	size      uint64
	available uint64
}

type statfsFunc func(path string) (statfsResult, error)

// pseudoFilesystems never contribute to storage capacity.
var pseudoFilesystems = map[string]struct{}{
	"autofs": {}, "binfmt_misc": {}, "bpf": {}, "cgroup": {}, "cgroup2": {},
	"configfs": {}, "debugfs": {}, "devpts": {}, "devtmpfs": {}, "efivarfs": {},
	"fusectl": {}, "hugetlbfs": {}, "mqueue": {}, "nsfs": {}, "overlay": {},
	"proc": {}, "pstore": {}, "ramfs": {}, "rpc_pipefs": {}, "securityfs": {},
	"squashfs": {}, "sysfs": {}, "tmpfs": {}, "tracefs": {},
}

// FileSystems lists mounted block-backed file systems with their capacity.
// Bind mounts of the same device are counted once.
func (p *Provider) FileSystems(ctx context.Context) ([]Volume, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mounts, err := readMounts(filepath.Join(p.procRoot, "self", "mounts"))
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(mounts))
	volumes := make([]Volume, 0, len(mounts))
	for _, mount := range mounts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, skip := pseudoFilesystems[mount.FSType]; skip {
			continue
		}
		if _, dup := seen[mount.Device]; dup {
			continue
		}

		stat, err := p.statfs(mount.MountPoint)
		if err != nil {
			p.logger.Debug("statfs failed", "mount", mount.MountPoint, "err", err)
			continue
		}
		if stat.size == 0 {
			continue
		}
		seen[mount.Device] = struct{}{}
		mount.SizeBytes = stat.size
		mount.AvailableBytes = stat.available
		volumes = append(volumes, mount)
	}

	return volumes, nil
}

func readMounts(path string) ([]Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var mounts []Volume
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		mounts = append(mounts, Volume{
			Device:     fields[0],
			MountPoint: unescapeMountField(fields[1]),
			FSType:     fields[2],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}
	return mounts, nil
}

// unescapeMountField decodes the octal escapes the kernel uses for spaces,
// tabs, newlines and backslashes in mount points.
func unescapeMountField(value string) string {
	if !strings.Contains(value, `\`) {
		return value
	}
	var b strings.Builder
	for i := 0; i < len(value); i++ {
		if value[i] == '\\' && i+3 < len(value) && isOctal(value[i+1]) && isOctal(value[i+2]) && isOctal(value[i+3]) {
			b.WriteByte((value[i+1]-'0')<<6 | (value[i+2]-'0')<<3 | (value[i+3] - '0'))
			i += 3
			continue
		}
		b.WriteByte(value[i])
	}
	return b.String()
}

func isOctal(c byte) bool {
	return c >= '0' && c <= '7'
}

func statfsUnix(path string) (statfsResult, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return statfsResult{}, fmt.Errorf("statfs %s: %w", path, err)
	}
	bsize := uint64(stat.Bsize)
	return statfsResult{
		size:      stat.Blocks * bsize,
		available: stat.Bavail * bsize,
	}, nil
}
