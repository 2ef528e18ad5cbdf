// Package settings persists the UI settings document of the Arcadia shell.
package settings

import (
	"errors"
	"fmt"
)

// Theme selects the UI colour scheme.
type Theme string

const (
	ThemeLight Theme = "light"
	ThemeDark  Theme = "dark"
	ThemeAuto  Theme = "auto"
)

// ErrInvalid reports a settings document that failed validation.
var ErrInvalid = errors.New("invalid settings")

// AppSettings is the whole settings document.
type AppSettings struct {
	Nickname             string `json:"nickname"`
	Theme                Theme  `json:"theme"`
	SystemMetricsEnabled bool   `json:"systemMetricsEnabled"`
	Language             string `json:"language"`
	StartWithWindows     bool   `json:"startWithWindows"`
	AutoUpdateGames      bool   `json:"autoUpdateGames"`
	PerformanceOverlay   bool   `json:"performanceOverlay"`
	HardwareAcceleration bool   `json:"hardwareAcceleration"`
	SharePlayStatistics  bool   `json:"sharePlayStatistics"`
	UsageDataCollection  bool   `json:"usageDataCollection"`
	DefaultInstallPath   string `json:"defaultInstallPath"`
}

// Defaults returns the settings used when no document exists.
func Defaults() AppSettings {
	return AppSettings{
		Nickname:             "Player",
		Theme:                ThemeLight,
		SystemMetricsEnabled: true,
		Language:             "english",
		AutoUpdateGames:      true,
		HardwareAcceleration: true,
		SharePlayStatistics:  true,
		DefaultInstallPath:   `C:\Games`,
	}
}

// Validate checks enumerated fields.
func (s AppSettings) Validate() error {
	switch s.Theme {
	case ThemeLight, ThemeDark, ThemeAuto:
	default:
		return fmt.Errorf("%w: unsupported theme %q", ErrInvalid, s.Theme)
	}
	if s.Language == "" {
		return fmt.Errorf("%w: language must not be empty", ErrInvalid)
	}
	return nil
}
