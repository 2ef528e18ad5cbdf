package tui

import "github.com/charmbracelet/lipgloss"

const (
	colorPrimary = lipgloss.Color("#7C3AED")
	colorSuccess = lipgloss.Color("#22C55E")
	colorWarning = lipgloss.Color("#EAB308")
	colorDanger  = lipgloss.Color("#EF4444")
	colorMuted   = lipgloss.Color("#6B7280")
)

var (
	styleTitle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(colorPrimary).
			Padding(0, 1)

	styleLabel = lipgloss.NewStyle().
			Bold(true).
			Width(9)

	styleValue = lipgloss.NewStyle().
			PaddingLeft(2)

	styleError = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorDanger)

	styleUnavailable = lipgloss.NewStyle().
				Italic(true).
				Foreground(colorMuted)

	styleMuted = lipgloss.NewStyle().
			Foreground(colorMuted)

	styleContent = lipgloss.NewStyle().
			Padding(1, 2)
)

// barColor picks a fill color by load.
func barColor(fraction float64) string {
	switch {
	case fraction >= 0.9:
		return string(colorDanger)
	case fraction >= 0.7:
		return string(colorWarning)
	default:
		return string(colorSuccess)
	}
}
