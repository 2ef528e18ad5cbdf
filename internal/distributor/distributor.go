// Package distributor decouples the sampling cadence from display surfaces.
// A single sample per tick is fanned out to every active subscription.
package distributor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/skobkin/arcadia-telemetry/internal/telemetry"
)

// DefaultTickInterval is the push cadence of display surfaces.
const DefaultTickInterval = 5 * time.Second

// Sampler produces snapshots. *telemetry.Sampler satisfies it.
type Sampler interface {
	Sample(ctx context.Context) telemetry.Snapshot
}

// Callback receives every distributed snapshot. It runs on a goroutine owned
// by its subscription.
type Callback func(telemetry.Snapshot)

// Handle identifies a subscription. The zero Handle is never issued.
type Handle uint64

// Options tunes the tick loop.
type Options struct {
	TickInterval time.Duration
	// SkipWhenIdle skips sampling on ticks with no active subscription.
	SkipWhenIdle bool
}

// Stats exposes distributor counters.
type Stats struct {
	Ticks             uint64
	SkippedTicks      uint64
	Deliveries        uint64
	DroppedDeliveries uint64
	CallbackPanics    uint64
	Subscribers       int
}

// Distributor owns the subscription registry and the recurring tick.
type Distributor struct {
	sampler  Sampler
	interval time.Duration
	skipIdle bool
	logger   *slog.Logger

	fetch singleflight.Group

	mu         sync.RWMutex
	nextHandle Handle
	subs       map[Handle]*subscription
	latest     telemetry.Snapshot
	hasLatest  bool
	closed     bool

	ticks      atomic.Uint64
	skipped    atomic.Uint64
	deliveries atomic.Uint64
	dropped    atomic.Uint64
	panics     atomic.Uint64

	closeOnce sync.Once
}

// New builds a Distributor around the given sampler.
func New(sampler Sampler, opts Options, logger *slog.Logger) (*Distributor, error) {
	if sampler == nil {
		return nil, fmt.Errorf("sampler must not be nil")
	}
	if opts.TickInterval < 0 {
		return nil, fmt.Errorf("tick interval must be >= 0")
	}
	if opts.TickInterval == 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Distributor{
		sampler:  sampler,
		interval: opts.TickInterval,
		skipIdle: opts.SkipWhenIdle,
		logger:   logger.With("component", "telemetry_distributor"),
		subs:     make(map[Handle]*subscription),
	}, nil
}

// Interval returns the configured tick interval.
func (d *Distributor) Interval() time.Duration {
	return d.interval
}

// FetchNow samples immediately. Concurrent callers share one in-flight sample.
func (d *Distributor) FetchNow(ctx context.Context) telemetry.Snapshot {
	v, _, _ := d.fetch.Do("sample", func() (any, error) {
		// The in-flight sample is shared; one caller's cancellation must not
		// degrade the others.
		return d.sampler.Sample(context.WithoutCancel(ctx)), nil
	})
	return v.(telemetry.Snapshot)
}

// Run primes subscribers with an immediate tick, then ticks until the context
// is canceled.
func (d *Distributor) Run(ctx context.Context) error {
	d.logger.Info("distributor started", "interval", d.interval, "skip_when_idle", d.skipIdle)

	d.tick(ctx)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("distributor stopping", "reason", ctx.Err())
			d.Close()
			return nil
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *Distributor) tick(ctx context.Context) {
	if d.skipIdle && d.subscriberCount() == 0 {
		d.skipped.Add(1)
		return
	}
	d.ticks.Add(1)

	snap := d.FetchNow(ctx)
	if snap.Degraded() {
		d.logger.Debug("distributing degraded snapshot", "seq", snap.Seq, "refresh", snap.Refresh)
	}
	d.publish(snap)
}

func (d *Distributor) publish(snap telemetry.Snapshot) {
	d.mu.Lock()
	d.latest = snap
	d.hasLatest = true

	handles := make([]Handle, 0, len(d.subs))
	for h := range d.subs {
		handles = append(handles, h)
	}
	slices.Sort(handles)
	targets := make([]*subscription, 0, len(handles))
	for _, h := range handles {
		targets = append(targets, d.subs[h])
	}
	d.mu.Unlock()

	for _, sub := range targets {
		if sub.send(snap) {
			d.dropped.Add(1)
		}
		d.deliveries.Add(1)
	}
}

// Subscribe registers a callback for every subsequent tick. A nil callback or
// a closed distributor yields the zero Handle.
func (d *Distributor) Subscribe(cb Callback) Handle {
	if cb == nil {
		return 0
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0
	}

	d.nextHandle++
	h := d.nextHandle
	sub := newSubscription(h, cb, d)
	d.subs[h] = sub
	go sub.run()

	d.logger.Debug("subscriber added", "handle", uint64(h), "subscribers", len(d.subs))
	return h
}

// Unsubscribe removes a subscription. Unknown and repeated handles are ignored.
func (d *Distributor) Unsubscribe(h Handle) {
	d.mu.Lock()
	sub, ok := d.subs[h]
	if ok {
		delete(d.subs, h)
	}
	remaining := len(d.subs)
	d.mu.Unlock()

	if !ok {
		return
	}
	sub.stop()
	d.logger.Debug("subscriber removed", "handle", uint64(h), "subscribers", remaining)
}

// Latest returns the most recently distributed snapshot.
func (d *Distributor) Latest() (telemetry.Snapshot, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.latest, d.hasLatest
}

// Ready reports whether at least one tick has been distributed.
func (d *Distributor) Ready() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.hasLatest
}

// Stats returns a copy of the distributor counters.
func (d *Distributor) Stats() Stats {
	return Stats{
		Ticks:             d.ticks.Load(),
		SkippedTicks:      d.skipped.Load(),
		Deliveries:        d.deliveries.Load(),
		DroppedDeliveries: d.dropped.Load(),
		CallbackPanics:    d.panics.Load(),
		Subscribers:       d.subscriberCount(),
	}
}

func (d *Distributor) subscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs)
}

// Close stops every subscription goroutine. Safe for repeated use.
func (d *Distributor) Close() {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		subs := d.subs
		d.subs = make(map[Handle]*subscription)
		d.closed = true
		d.mu.Unlock()

		for _, sub := range subs {
			sub.stop()
		}
	})
}
