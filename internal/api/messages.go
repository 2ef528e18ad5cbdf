package api

import (
	"github.com/skobkin/arcadia-telemetry/internal/settings"
	"github.com/skobkin/arcadia-telemetry/internal/telemetry"
)

// Message types exchanged over the WebSocket channel.
const (
	TypeHello            = "hello"
	TypeSystemInfo       = "system-info"
	TypeSystemInfoUpdate = "system-info-update"
	TypeSettings         = "settings"
	TypeGetSystemInfo    = "get-system-info"
	TypePing             = "ping"
	TypePong             = "pong"
	TypeError            = "error"
)

// HelloMessage is the initial payload sent on WebSocket connection.
type HelloMessage struct {
	Type       string          `json:"type"`
	IntervalMS int             `json:"interval_ms"`
	Features   map[string]bool `json:"features"`
}

// NewHelloMessage constructs a hello payload.
func NewHelloMessage(intervalMS int, features map[string]bool) HelloMessage {
	return HelloMessage{
		Type:       TypeHello,
		IntervalMS: intervalMS,
		Features:   features,
	}
}

// SystemInfoMessage wraps a telemetry snapshot for transport. Pushed ticks use
// TypeSystemInfoUpdate, replies to get-system-info use TypeSystemInfo.
type SystemInfoMessage struct {
	Type string `json:"type"`
	telemetry.Snapshot
}

// NewSystemInfoUpdate constructs a pushed tick payload.
func NewSystemInfoUpdate(snap telemetry.Snapshot) SystemInfoMessage {
	return SystemInfoMessage{Type: TypeSystemInfoUpdate, Snapshot: snap}
}

// NewSystemInfoReply constructs the one-shot reply payload.
func NewSystemInfoReply(snap telemetry.Snapshot) SystemInfoMessage {
	return SystemInfoMessage{Type: TypeSystemInfo, Snapshot: snap}
}

// SettingsMessage notifies the client of a settings change.
type SettingsMessage struct {
	Type     string               `json:"type"`
	Settings settings.AppSettings `json:"settings"`
}

// NewSettingsMessage constructs a settings payload.
func NewSettingsMessage(doc settings.AppSettings) SettingsMessage {
	return SettingsMessage{Type: TypeSettings, Settings: doc}
}

// SettingsUpdateResponse is returned by PUT /api/settings.
type SettingsUpdateResponse struct {
	Settings        settings.AppSettings `json:"settings"`
	RestartRequired bool                 `json:"restart_required"`
}

// ErrorMessage communicates an error condition to the client.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewErrorMessage constructs an error payload.
func NewErrorMessage(msg string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Message: msg}
}

// ClientMessage is a generic envelope used for decoding inbound client messages.
type ClientMessage struct {
	Type string `json:"type"`
}

// PongMessage is the response to a ping.
type PongMessage struct {
	Type string `json:"type"`
}
