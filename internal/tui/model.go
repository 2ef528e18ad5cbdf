// Package tui renders telemetry snapshots in the terminal.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/skobkin/arcadia-telemetry/internal/telemetry"
)

const (
	refreshTimeout = 10 * time.Second
	minBarWidth    = 10
	maxBarWidth    = 48
	// label, value text and padding
	reservedWidth = 44
)

// Source feeds the model with telemetry.
type Source interface {
	// Stream delivers messages through send until ctx is done.
	Stream(ctx context.Context, send func(tea.Msg)) error
	// Refresh asks for a snapshot right away. It returns the message to
	// apply, or nil when the answer arrives through Stream.
	Refresh(ctx context.Context) tea.Msg
}

// SnapshotMsg carries a fresh snapshot.
type SnapshotMsg struct {
	Snapshot telemetry.Snapshot
}

// ConnectedMsg is sent once a source is ready. Sequence numbers restart
// from here.
type ConnectedMsg struct {
	Interval       time.Duration
	MetricsEnabled bool
}

// MetricsEnabledMsg reports a change of the systemMetricsEnabled setting.
type MetricsEnabledMsg struct {
	Enabled bool
}

// ErrMsg reports a source failure.
type ErrMsg struct {
	Err error
}

// Model is the bubbletea model of arcadia-top.
type Model struct {
	ctx    context.Context
	src    Source
	source string

	connected      bool
	metricsEnabled bool
	interval       time.Duration

	snap     telemetry.Snapshot
	haveSnap bool
	seqValid bool

	err      error
	width    int
	barWidth int
	help     help.Model
}

// NewModel returns a model reading from src. The label names the source in
// the header.
func NewModel(ctx context.Context, src Source, label string) Model {
	return Model{
		ctx:      ctx,
		src:      src,
		source:   label,
		barWidth: 30,
		help:     help.New(),
	}
}

// Init implements tea.Model. The first fetch waits for ConnectedMsg.
func (m Model) Init() tea.Cmd {
	return tea.SetWindowTitle("arcadia-top")
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, keys.Refresh):
			if m.connected && m.metricsEnabled {
				return m, m.refreshCmd()
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.barWidth = min(max(msg.Width-reservedWidth, minBarWidth), maxBarWidth)
		m.help.Width = msg.Width

	case ConnectedMsg:
		m.connected = true
		m.seqValid = false
		m.interval = msg.Interval
		m.err = nil
		m.metricsEnabled = msg.MetricsEnabled
		if m.metricsEnabled {
			return m, m.refreshCmd()
		}

	case MetricsEnabledMsg:
		wasEnabled := m.metricsEnabled
		m.metricsEnabled = msg.Enabled
		if msg.Enabled && !wasEnabled && m.connected {
			return m, m.refreshCmd()
		}

	case SnapshotMsg:
		if !m.metricsEnabled {
			return m, nil
		}
		// A fetch and a tick may race; keep the newer one.
		if m.seqValid && msg.Snapshot.Seq < m.snap.Seq {
			return m, nil
		}
		m.snap = msg.Snapshot
		m.haveSnap = true
		m.seqValid = true
		m.err = nil

	case ErrMsg:
		m.err = msg.Err
	}

	return m, nil
}

func (m Model) refreshCmd() tea.Cmd {
	ctx, src := m.ctx, m.src
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
		defer cancel()
		return src.Refresh(ctx)
	}
}

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(styleTitle.Render("arcadia-top"))
	if m.source != "" {
		b.WriteString(styleMuted.Render("  " + m.source))
	}
	b.WriteString("\n\n")

	switch {
	case !m.connected:
		b.WriteString(styleMuted.Render("Connecting..."))
	case !m.metricsEnabled:
		b.WriteString(styleMuted.Render("System metrics are disabled in settings."))
	case !m.haveSnap:
		b.WriteString(styleMuted.Render("Waiting for telemetry..."))
	default:
		b.WriteString(m.renderSnapshot())
	}

	if m.err != nil {
		b.WriteString("\n\n")
		b.WriteString(styleError.Render("error: " + m.err.Error()))
	}

	b.WriteString("\n\n")
	b.WriteString(m.help.View(keys))

	return styleContent.Render(b.String())
}

func (m Model) renderSnapshot() string {
	snap := m.snap
	values := snap.Values

	gpuText := snap.GPU
	if snap.GPUName != "" && snap.States.GPU == telemetry.StateOK {
		gpuText += "  " + snap.GPUName
	}

	rows := []string{
		m.renderRow("CPU", snap.States.CPU, percentFraction(values.CPUPercent), snap.CPU),
		m.renderRow("Memory", snap.States.Memory, usedFraction(values.MemoryUsedGB, values.MemoryTotalGB), snap.Memory),
		m.renderRow("GPU", snap.States.GPU, percentFraction(values.GPUPercent), gpuText),
		m.renderRow("Storage", snap.States.Storage, freeFraction(values.StorageFreeGB, values.StorageTotalGB), snap.Storage),
	}

	status := fmt.Sprintf("updated %s  seq %d  %s refresh", snap.Timestamp.Local().Format("15:04:05"), snap.Seq, snap.Refresh)
	if m.interval > 0 {
		status += fmt.Sprintf("  every %s", m.interval)
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		strings.Join(rows, "\n"),
		"",
		styleMuted.Render(status),
	)
}

// renderRow draws a bar from the numeric reading. Sentinel states get an
// indicator instead.
func (m Model) renderRow(label string, state telemetry.State, fraction *float64, text string) string {
	var body string
	switch state {
	case telemetry.StateError:
		body = styleError.Render(telemetry.SentinelError)
	case telemetry.StateUnavailable:
		body = styleUnavailable.Render(telemetry.SentinelUnavailable)
	default:
		if fraction == nil {
			body = styleValue.Render(text)
			break
		}
		bar := progress.New(
			progress.WithWidth(m.barWidth),
			progress.WithoutPercentage(),
			progress.WithSolidFill(barColor(*fraction)),
		)
		body = bar.ViewAs(*fraction) + styleValue.Render(text)
	}
	return styleLabel.Render(label) + body
}

func percentFraction(v *int) *float64 {
	if v == nil {
		return nil
	}
	f := clampFraction(float64(*v) / 100)
	return &f
}

func usedFraction(used, total *float64) *float64 {
	if used == nil || total == nil || *total <= 0 {
		return nil
	}
	f := clampFraction(*used / *total)
	return &f
}

func freeFraction(free, total *float64) *float64 {
	if free == nil || total == nil || *total <= 0 {
		return nil
	}
	f := clampFraction((*total - *free) / *total)
	return &f
}

func clampFraction(f float64) float64 {
	return min(max(f, 0), 1)
}
