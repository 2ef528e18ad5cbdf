package httpserver

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skobkin/arcadia-telemetry/internal/distributor"
	"github.com/skobkin/arcadia-telemetry/internal/telemetry"
)

const metricsNamespace = "arcadia"

func (s *Server) registerPrometheus(mux *http.ServeMux) {
	registry := prometheus.NewRegistry()
	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "active_connections",
			Help:      "Current number of active WebSocket clients.",
		}, func() float64 {
			return float64(s.wsActive.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "connections_total",
			Help:      "Total WebSocket connections accepted since start.",
		}, func() float64 {
			return float64(s.wsTotal.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "rejected_total",
			Help:      "Total WebSocket connection attempts rejected due to capacity.",
		}, func() float64 {
			return float64(s.wsRejected.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "messages_sent_total",
			Help:      "Total WebSocket messages sent to clients.",
		}, func() float64 {
			return float64(s.wsSent.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "messages_dropped_total",
			Help:      "Total WebSocket messages dropped due to backpressure.",
		}, func() float64 {
			return float64(s.wsDropped.Load())
		}),
	}

	if s.distributor != nil {
		collectors = append(collectors,
			newSnapshotCollector(s.distributor),
			newDistributorCollector(s.distributor),
		)
	}
	if s.sampler != nil {
		collectors = append(collectors, newSamplerCollector(s.sampler))
	}

	for _, collector := range collectors {
		registry.MustRegister(collector)
	}

	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}

// snapshotCollector exports the numeric readings of the last distributed
// snapshot. Sentinel fields are omitted and reported through metric_state.
type snapshotCollector struct {
	dist    *distributor.Distributor
	metrics []snapshotMetric
	state   *prometheus.Desc
}

type snapshotMetric struct {
	desc    *prometheus.Desc
	extract func(snap telemetry.Snapshot) (float64, bool)
}

func newSnapshotCollector(dist *distributor.Distributor) prometheus.Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "telemetry", name),
			help,
			nil,
			nil,
		)
	}
	intValue := func(get func(telemetry.Values) *int) func(telemetry.Snapshot) (float64, bool) {
		return func(snap telemetry.Snapshot) (float64, bool) {
			v := get(snap.Values)
			if v == nil {
				return 0, false
			}
			return float64(*v), true
		}
	}
	floatValue := func(get func(telemetry.Values) *float64) func(telemetry.Snapshot) (float64, bool) {
		return func(snap telemetry.Snapshot) (float64, bool) {
			v := get(snap.Values)
			if v == nil {
				return 0, false
			}
			return *v, true
		}
	}

	return &snapshotCollector{
		dist: dist,
		state: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "telemetry", "metric_state"),
			"Measurement state of each metric in the last snapshot (1 for the current state).",
			[]string{"metric", "state"},
			nil,
		),
		metrics: []snapshotMetric{
			{
				desc:    desc("cpu_percent", "CPU load percentage."),
				extract: intValue(func(v telemetry.Values) *int { return v.CPUPercent }),
			},
			{
				desc:    desc("memory_used_gb", "Used memory in GB."),
				extract: floatValue(func(v telemetry.Values) *float64 { return v.MemoryUsedGB }),
			},
			{
				desc:    desc("memory_total_gb", "Total memory in GB."),
				extract: floatValue(func(v telemetry.Values) *float64 { return v.MemoryTotalGB }),
			},
			{
				desc:    desc("gpu_percent", "Utilization of the representative GPU."),
				extract: intValue(func(v telemetry.Values) *int { return v.GPUPercent }),
			},
			{
				desc:    desc("storage_free_gb", "Free storage across mounted volumes in GB."),
				extract: floatValue(func(v telemetry.Values) *float64 { return v.StorageFreeGB }),
			},
			{
				desc:    desc("storage_total_gb", "Total storage across mounted volumes in GB."),
				extract: floatValue(func(v telemetry.Values) *float64 { return v.StorageTotalGB }),
			},
			{
				desc: desc("snapshot_age_seconds", "Seconds elapsed since the last snapshot was taken."),
				extract: func(snap telemetry.Snapshot) (float64, bool) {
					if snap.Timestamp.IsZero() {
						return 0, false
					}
					return max(time.Since(snap.Timestamp).Seconds(), 0), true
				},
			},
		},
	}
}

func (c *snapshotCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, metric := range c.metrics {
		ch <- metric.desc
	}
	ch <- c.state
}

func (c *snapshotCollector) Collect(ch chan<- prometheus.Metric) {
	snap, ok := c.dist.Latest()
	if !ok {
		return
	}
	for _, metric := range c.metrics {
		value, ok := metric.extract(snap)
		if !ok {
			continue
		}
		ch <- prometheus.MustNewConstMetric(metric.desc, prometheus.GaugeValue, value)
	}

	states := map[string]telemetry.State{
		"cpu":     snap.States.CPU,
		"memory":  snap.States.Memory,
		"gpu":     snap.States.GPU,
		"storage": snap.States.Storage,
	}
	for metric, current := range states {
		for _, state := range []telemetry.State{telemetry.StateOK, telemetry.StateUnavailable, telemetry.StateError} {
			value := 0.0
			if current == state {
				value = 1
			}
			ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, value, metric, string(state))
		}
	}
}

type counterMetric[T any] struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	extract   func(T) float64
}

// statsCollector exports a Stats struct read once per scrape.
type statsCollector[T any] struct {
	read    func() T
	metrics []counterMetric[T]
}

func (c *statsCollector[T]) Describe(ch chan<- *prometheus.Desc) {
	for _, metric := range c.metrics {
		ch <- metric.desc
	}
}

func (c *statsCollector[T]) Collect(ch chan<- prometheus.Metric) {
	stats := c.read()
	for _, metric := range c.metrics {
		ch <- prometheus.MustNewConstMetric(metric.desc, metric.valueType, metric.extract(stats))
	}
}

func newDistributorCollector(dist *distributor.Distributor) prometheus.Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "distributor", name), help, nil, nil)
	}
	return &statsCollector[distributor.Stats]{
		read: dist.Stats,
		metrics: []counterMetric[distributor.Stats]{
			{desc("ticks_total", "Ticks that produced a snapshot."), prometheus.CounterValue,
				func(s distributor.Stats) float64 { return float64(s.Ticks) }},
			{desc("skipped_ticks_total", "Ticks skipped for lack of subscribers."), prometheus.CounterValue,
				func(s distributor.Stats) float64 { return float64(s.SkippedTicks) }},
			{desc("deliveries_total", "Snapshots handed to subscriber mailboxes."), prometheus.CounterValue,
				func(s distributor.Stats) float64 { return float64(s.Deliveries) }},
			{desc("dropped_deliveries_total", "Undelivered snapshots replaced by a newer one."), prometheus.CounterValue,
				func(s distributor.Stats) float64 { return float64(s.DroppedDeliveries) }},
			{desc("callback_panics_total", "Subscriber callbacks that panicked."), prometheus.CounterValue,
				func(s distributor.Stats) float64 { return float64(s.CallbackPanics) }},
			{desc("subscribers", "Active subscriptions."), prometheus.GaugeValue,
				func(s distributor.Stats) float64 { return float64(s.Subscribers) }},
		},
	}
}

func newSamplerCollector(sampler *telemetry.Sampler) prometheus.Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "sampler", name), help, nil, nil)
	}
	failures := prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "sampler", "query_failures_total"),
		"Failed metric queries by metric.",
		[]string{"metric"},
		nil,
	)
	return &samplerCollector{
		statsCollector: statsCollector[telemetry.Stats]{
			read: sampler.Stats,
			metrics: []counterMetric[telemetry.Stats]{
				{desc("samples_total", "Sampling cycles run."), prometheus.CounterValue,
					func(s telemetry.Stats) float64 { return float64(s.Samples) }},
				{desc("full_refreshes_total", "Cycles that re-enumerated GPU and storage."), prometheus.CounterValue,
					func(s telemetry.Stats) float64 { return float64(s.FullRefreshes) }},
				{desc("partial_refreshes_total", "Cycles served from the refresh cache."), prometheus.CounterValue,
					func(s telemetry.Stats) float64 { return float64(s.PartialRefreshes) }},
				{desc("gpu_requeries_total", "GPU re-queries during partial refreshes."), prometheus.CounterValue,
					func(s telemetry.Stats) float64 { return float64(s.GPURequeries) }},
				{desc("catastrophic_failures_total", "Cycles degraded to all-error snapshots."), prometheus.CounterValue,
					func(s telemetry.Stats) float64 { return float64(s.CatastrophicFailures) }},
			},
		},
		failures: failures,
	}
}

type samplerCollector struct {
	statsCollector[telemetry.Stats]
	failures *prometheus.Desc
}

func (c *samplerCollector) Describe(ch chan<- *prometheus.Desc) {
	c.statsCollector.Describe(ch)
	ch <- c.failures
}

func (c *samplerCollector) Collect(ch chan<- prometheus.Metric) {
	c.statsCollector.Collect(ch)
	stats := c.read()
	for metric, value := range map[string]uint64{
		"cpu":     stats.CPUFailures,
		"memory":  stats.MemoryFailures,
		"gpu":     stats.GPUFailures,
		"storage": stats.StorageFailures,
	} {
		ch <- prometheus.MustNewConstMetric(c.failures, prometheus.CounterValue, float64(value), metric)
	}
}
