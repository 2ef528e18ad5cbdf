package tui

import (
	"context"
	"io"
	"log/slog"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/skobkin/arcadia-telemetry/internal/distributor"
	"github.com/skobkin/arcadia-telemetry/internal/settings"
	"github.com/skobkin/arcadia-telemetry/internal/telemetry"
)

// LocalSource reads from an in-process distributor. The subscription follows
// systemMetricsEnabled when a settings store is given.
type LocalSource struct {
	dist   *distributor.Distributor
	store  *settings.Store
	logger *slog.Logger
}

// NewLocalSource wraps dist. The store may be nil.
func NewLocalSource(dist *distributor.Distributor, store *settings.Store, logger *slog.Logger) *LocalSource {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &LocalSource{
		dist:   dist,
		store:  store,
		logger: logger.With("component", "tui_local"),
	}
}

// Refresh implements Source.
func (l *LocalSource) Refresh(ctx context.Context) tea.Msg {
	return SnapshotMsg{Snapshot: l.dist.FetchNow(ctx)}
}

// Stream implements Source.
func (l *LocalSource) Stream(ctx context.Context, send func(tea.Msg)) error {
	enabled := true
	var settingsCh <-chan settings.AppSettings
	if l.store != nil {
		enabled = l.store.Get().SystemMetricsEnabled
		ch, unsubscribe := l.store.Subscribe()
		settingsCh = ch
		defer unsubscribe()
	}

	var handle distributor.Handle
	attach := func() {
		if handle != 0 {
			return
		}
		handle = l.dist.Subscribe(func(snap telemetry.Snapshot) {
			send(SnapshotMsg{Snapshot: snap})
		})
		l.logger.Debug("attached to telemetry", "handle", uint64(handle))
	}
	detach := func() {
		if handle == 0 {
			return
		}
		l.dist.Unsubscribe(handle)
		l.logger.Debug("detached from telemetry", "handle", uint64(handle))
		handle = 0
	}
	defer detach()

	send(ConnectedMsg{Interval: l.dist.Interval(), MetricsEnabled: enabled})
	if enabled {
		attach()
	}

	for {
		select {
		case doc, ok := <-settingsCh:
			if !ok {
				settingsCh = nil
				continue
			}
			if doc.SystemMetricsEnabled == enabled {
				continue
			}
			enabled = doc.SystemMetricsEnabled
			send(MetricsEnabledMsg{Enabled: enabled})
			if enabled {
				attach()
			} else {
				detach()
			}
		case <-ctx.Done():
			return nil
		}
	}
}
