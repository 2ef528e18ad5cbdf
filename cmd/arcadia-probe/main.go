package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/skobkin/arcadia-telemetry/internal/hostinfo"
	"github.com/skobkin/arcadia-telemetry/internal/telemetry"
)

type options struct {
	sysfsRoot  string
	procRoot   string
	samples    int
	interval   time.Duration
	jsonOutput bool
}

func parseFlags() options {
	defaultSysfs := envOrDefault("APP_SYSFS_ROOT", "/sys")
	defaultProc := envOrDefault("APP_PROC_ROOT", "/proc")

	var opts options
	flag.StringVar(&opts.sysfsRoot, "sysfs", defaultSysfs, "Path to sysfs root")
	flag.StringVar(&opts.procRoot, "proc", defaultProc, "Path to procfs root")
	flag.IntVar(&opts.samples, "samples", 0, "Number of telemetry snapshots to take after discovery")
	flag.DurationVar(&opts.interval, "interval", time.Second, "Delay between snapshots")
	flag.BoolVar(&opts.jsonOutput, "json", false, "Emit output as JSON")
	flag.Parse()
	return opts
}

func main() {
	opts := parseFlags()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider := hostinfo.NewProvider(opts.sysfsRoot, opts.procRoot, logger.With("component", "hostinfo"))

	if err := printDiscovery(ctx, provider, opts.jsonOutput); err != nil {
		logger.Error("discovery output failed", "err", err)
		os.Exit(1)
	}

	if opts.samples <= 0 {
		return
	}

	sampler, err := telemetry.NewSampler(provider, telemetry.Options{}, logger)
	if err != nil {
		logger.Error("sampler init failed", "err", err)
		os.Exit(1)
	}

	if !opts.jsonOutput {
		fmt.Println()
		fmt.Printf("Collecting %d snapshot(s) every %s\n", opts.samples, opts.interval)
		fmt.Println(strings.Repeat("-", 60))
	}

	for i := range opts.samples {
		if i > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(opts.interval):
			}
		}

		snap := sampler.Sample(ctx)
		if opts.jsonOutput {
			if err := encodeJSON(snap); err != nil {
				logger.Error("encode snapshot", "seq", snap.Seq, "err", err)
				os.Exit(1)
			}
			continue
		}
		fmt.Printf("#%d [%s] CPU %s | Memory %s | GPU %s | Storage %s\n",
			snap.Seq, snap.Refresh, snap.CPU, snap.Memory, snap.GPU, snap.Storage)
	}
}

type discovery struct {
	GPUs      []hostinfo.GPUController `json:"gpus"`
	GPUError  string                   `json:"gpu_error,omitempty"`
	Volumes   []hostinfo.Volume        `json:"volumes"`
	FSError   string                   `json:"fs_error,omitempty"`
	Timestamp time.Time                `json:"ts"`
}

func printDiscovery(ctx context.Context, provider *hostinfo.Provider, asJSON bool) error {
	result := discovery{Timestamp: time.Now().UTC()}

	gpus, err := provider.Graphics(ctx)
	if err != nil {
		result.GPUError = err.Error()
	}
	result.GPUs = gpus

	volumes, err := provider.FileSystems(ctx)
	if err != nil {
		result.FSError = err.Error()
	}
	result.Volumes = volumes

	if asJSON {
		return encodeJSON(result)
	}

	switch {
	case result.GPUError != "":
		fmt.Printf("GPU discovery failed: %s\n", result.GPUError)
	case len(result.GPUs) == 0:
		fmt.Println("No GPUs detected")
	default:
		fmt.Println("Discovered GPUs:")
	}
	for _, gpu := range result.GPUs {
		busy := telemetry.SentinelUnavailable
		if gpu.UtilizationPct != nil {
			busy = fmt.Sprintf("%.0f%%", *gpu.UtilizationPct)
		}
		fmt.Printf("- %s (PCI: %s, PCIID: %s, Name: %s, Busy: %s)\n", gpu.ID, gpu.PCI, gpu.PCIID, gpu.Name, busy)
	}

	fmt.Println()
	if result.FSError != "" {
		fmt.Printf("File system enumeration failed: %s\n", result.FSError)
	} else {
		fmt.Println("Mounted volumes:")
	}
	for _, vol := range result.Volumes {
		fmt.Printf("- %s on %s (%s): %s\n", vol.Device, vol.MountPoint, vol.FSType,
			telemetry.FormatStorage(telemetry.BytesToGB(vol.AvailableBytes), telemetry.BytesToGB(vol.SizeBytes)))
	}
	return nil
}

func encodeJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
