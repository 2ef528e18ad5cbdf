// Package telemetry samples host metrics with a two-tier refresh cache.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/skobkin/arcadia-telemetry/internal/hostinfo"
)

const (
	DefaultFullRefreshInterval = 60 * time.Second
	DefaultGPURefreshEvery     = 3
	DefaultQueryTimeout        = 5 * time.Second
)

// Provider is the host metrics source queried by the Sampler.
type Provider interface {
	CurrentLoad(ctx context.Context) (hostinfo.CPULoad, error)
	Memory(ctx context.Context) (hostinfo.Memory, error)
	Graphics(ctx context.Context) ([]hostinfo.GPUController, error)
	FileSystems(ctx context.Context) ([]hostinfo.Volume, error)
}

// Clock allows deterministic testing of refresh tiers.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// Options tunes the refresh strategy. Zero values select the defaults.
type Options struct {
	// FullRefreshInterval is the age after which GPU and storage are re-enumerated.
	FullRefreshInterval time.Duration
	// GPURefreshEvery re-queries GPU utilization on partial refreshes whose
	// tick counter is a multiple of this value.
	GPURefreshEvery int
	// QueryTimeout bounds every individual metric query.
	QueryTimeout time.Duration
	Clock        Clock
}

// Stats exposes sampler counters.
type Stats struct {
	Samples              uint64
	FullRefreshes        uint64
	PartialRefreshes     uint64
	GPURequeries         uint64
	CPUFailures          uint64
	MemoryFailures       uint64
	GPUFailures          uint64
	StorageFailures      uint64
	CatastrophicFailures uint64
}

// Sampler produces snapshots and owns the refresh cache. Sample calls are
// serialized, one cycle completes before the next begins.
type Sampler struct {
	provider            Provider
	fullRefreshInterval time.Duration
	gpuRefreshEvery     uint64
	queryTimeout        time.Duration
	clock               Clock
	logger              *slog.Logger

	mu    sync.Mutex
	seq   uint64
	cache cache

	samples        atomic.Uint64
	fullRefreshes  atomic.Uint64
	partials       atomic.Uint64
	gpuRequeries   atomic.Uint64
	cpuFailures    atomic.Uint64
	memFailures    atomic.Uint64
	gpuFailures    atomic.Uint64
	storageFails   atomic.Uint64
	catastrophic   atomic.Uint64
	primed         atomic.Bool
}

// NewSampler builds a Sampler around the given metrics provider.
func NewSampler(provider Provider, opts Options, logger *slog.Logger) (*Sampler, error) {
	if provider == nil {
		return nil, fmt.Errorf("provider must not be nil")
	}
	if opts.FullRefreshInterval < 0 {
		return nil, fmt.Errorf("full refresh interval must be >= 0")
	}
	if opts.GPURefreshEvery < 0 {
		return nil, fmt.Errorf("gpu refresh cadence must be >= 0")
	}
	if opts.QueryTimeout < 0 {
		return nil, fmt.Errorf("query timeout must be >= 0")
	}
	if opts.FullRefreshInterval == 0 {
		opts.FullRefreshInterval = DefaultFullRefreshInterval
	}
	if opts.GPURefreshEvery == 0 {
		opts.GPURefreshEvery = DefaultGPURefreshEvery
	}
	if opts.QueryTimeout == 0 {
		opts.QueryTimeout = DefaultQueryTimeout
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Sampler{
		provider:            provider,
		fullRefreshInterval: opts.FullRefreshInterval,
		gpuRefreshEvery:     uint64(opts.GPURefreshEvery),
		queryTimeout:        opts.QueryTimeout,
		clock:               opts.Clock,
		logger:              logger.With("component", "telemetry_sampler"),
	}, nil
}

// Primed reports whether at least one full refresh has completed.
func (s *Sampler) Primed() bool {
	return s.primed.Load()
}

// Stats returns a copy of the sampler counters.
func (s *Sampler) Stats() Stats {
	return Stats{
		Samples:              s.samples.Load(),
		FullRefreshes:        s.fullRefreshes.Load(),
		PartialRefreshes:     s.partials.Load(),
		GPURequeries:         s.gpuRequeries.Load(),
		CPUFailures:          s.cpuFailures.Load(),
		MemoryFailures:       s.memFailures.Load(),
		GPUFailures:          s.gpuFailures.Load(),
		StorageFailures:      s.storageFails.Load(),
		CatastrophicFailures: s.catastrophic.Load(),
	}
}

// Sample runs one sampling cycle. It never panics and never returns an
// error: failures surface as sentinel fields in the snapshot.
func (s *Sampler) Sample(ctx context.Context) (snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.seq
	s.seq++
	s.samples.Add(1)

	var now time.Time
	defer func() {
		if r := recover(); r != nil {
			s.catastrophic.Add(1)
			s.logger.Error("sampling cycle failed", "seq", seq, "panic", r)
			snap = failedSnapshot(seq, now)
		}
	}()

	now = s.clock.Now()

	prev := s.cache
	full := !prev.primed || now.Sub(prev.lastFullRefresh) > s.fullRefreshInterval
	requeryGPU := !full && seq%s.gpuRefreshEvery == 0

	var (
		cpu    hostinfo.CPULoad
		cpuErr error
		mem    hostinfo.Memory
		memErr error
		gpus   []hostinfo.GPUController
		gpuErr error
		vols   []hostinfo.Volume
		volErr error
	)

	// Results land in the shared cache, so a caller giving up must not turn
	// into metric failures. QueryTimeout still bounds every query.
	qctx := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.Go(func() error {
		cpu, cpuErr = runQuery(qctx, s.queryTimeout, s.provider.CurrentLoad)
		return nil
	})
	g.Go(func() error {
		mem, memErr = runQuery(qctx, s.queryTimeout, s.provider.Memory)
		return nil
	})
	if full || requeryGPU {
		g.Go(func() error {
			gpus, gpuErr = runQuery(qctx, s.queryTimeout, s.provider.Graphics)
			return nil
		})
	}
	if full {
		g.Go(func() error {
			vols, volErr = runQuery(qctx, s.queryTimeout, s.provider.FileSystems)
			return nil
		})
	}
	_ = g.Wait()

	next := prev
	snap = Snapshot{Seq: seq, Timestamp: now, Refresh: RefreshPartial}

	if full {
		snap.Refresh = RefreshFull
		s.fullRefreshes.Add(1)

		if memErr == nil {
			next.totalMemoryGB = BytesToGB(mem.TotalBytes)
		}
		next.storageState, next.totalStorageGB, next.freeStorageGB = s.summarizeStorage(vols, volErr)
		next.gpu = s.readGPU(gpus, gpuErr)
		next.lastFullRefresh = now
		next.primed = true
	} else {
		s.partials.Add(1)
		if requeryGPU {
			s.gpuRequeries.Add(1)
			if gpuErr != nil {
				s.gpuFailures.Add(1)
				s.logger.Debug("gpu re-query failed, keeping cached value", "err", gpuErr)
			} else {
				next.gpu = s.readGPU(gpus, nil)
			}
		}
	}

	if cpuErr != nil {
		s.cpuFailures.Add(1)
		s.logger.Warn("cpu query failed", "err", cpuErr)
		snap.CPU = SentinelError
		snap.States.CPU = StateError
	} else {
		pct := roundPercent(cpu.CurrentLoad)
		snap.CPU = FormatPercent(pct)
		snap.Values.CPUPercent = intPtr(pct)
		snap.States.CPU = StateOK
	}

	if memErr != nil {
		s.memFailures.Add(1)
		s.logger.Warn("memory query failed", "err", memErr)
		snap.Memory = SentinelError
		snap.States.Memory = StateError
	} else {
		used := BytesToGB(mem.UsedBytes)
		total := next.totalMemoryGB
		if total == 0 {
			// The full refresh that should have recorded the total failed.
			total = BytesToGB(mem.TotalBytes)
		}
		snap.Memory = FormatMemory(used, total)
		snap.Values.MemoryUsedGB = floatPtr(used)
		snap.Values.MemoryTotalGB = floatPtr(total)
		snap.States.Memory = StateOK
	}

	snap.GPU, snap.Values.GPUPercent = next.gpu.render()
	snap.States.GPU = next.gpu.state
	snap.GPUName = next.gpu.name

	snap.Storage, snap.Values.StorageFreeGB, snap.Values.StorageTotalGB = next.renderStorage()
	snap.States.Storage = next.storageState

	s.cache = next

	if next.primed && s.primed.CompareAndSwap(false, true) {
		s.logger.Info("telemetry cache primed",
			"memory_total_gb", next.totalMemoryGB,
			"storage_total_gb", next.totalStorageGB,
			"gpu", next.gpu.name,
		)
	}

	return snap
}

func (s *Sampler) summarizeStorage(vols []hostinfo.Volume, err error) (State, float64, float64) {
	if err != nil {
		s.storageFails.Add(1)
		s.logger.Warn("filesystem query failed", "err", err)
		return StateError, 0, 0
	}
	if len(vols) == 0 {
		return StateUnavailable, 0, 0
	}
	var size, avail uint64
	for _, v := range vols {
		size += v.SizeBytes
		avail += v.AvailableBytes
	}
	return StateOK, BytesToGB(size), BytesToGB(avail)
}

// readGPU picks the first controller as representative.
func (s *Sampler) readGPU(gpus []hostinfo.GPUController, err error) gpuReading {
	if err != nil {
		s.gpuFailures.Add(1)
		s.logger.Warn("gpu query failed", "err", err)
		return gpuReading{state: StateError}
	}
	if len(gpus) == 0 {
		return gpuReading{state: StateUnavailable}
	}
	first := gpus[0]
	if first.UtilizationPct == nil {
		return gpuReading{state: StateUnavailable, name: first.Name}
	}
	return gpuReading{
		state:   StateOK,
		percent: roundPercent(*first.UtilizationPct),
		name:    first.Name,
	}
}
