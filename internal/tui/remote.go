package tui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/coder/websocket"

	"github.com/skobkin/arcadia-telemetry/internal/api"
)

const (
	defaultPingInterval = 15 * time.Second
	remoteReadLimit     = 1 << 20
	remoteWriteTimeout  = 5 * time.Second
)

// RemoteSource reads from the /ws endpoint of a running server.
type RemoteSource struct {
	conn         *websocket.Conn
	endpoint     string
	pingInterval time.Duration
	logger       *slog.Logger
}

// DialRemote connects to endpoint, e.g. ws://localhost:8080/ws.
func DialRemote(ctx context.Context, endpoint string, logger *slog.Logger) (*RemoteSource, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	conn, _, err := websocket.Dial(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	conn.SetReadLimit(remoteReadLimit)
	return &RemoteSource{
		conn:         conn,
		endpoint:     endpoint,
		pingInterval: defaultPingInterval,
		logger:       logger.With("component", "tui_remote", "endpoint", endpoint),
	}, nil
}

// Endpoint returns the dialed URL.
func (r *RemoteSource) Endpoint() string {
	return r.endpoint
}

// Close closes the connection.
func (r *RemoteSource) Close() error {
	return r.conn.Close(websocket.StatusNormalClosure, "")
}

// Refresh implements Source. The reply arrives through Stream.
func (r *RemoteSource) Refresh(ctx context.Context) tea.Msg {
	if err := r.write(ctx, api.ClientMessage{Type: api.TypeGetSystemInfo}); err != nil {
		return ErrMsg{Err: fmt.Errorf("request system info: %w", err)}
	}
	return nil
}

// Stream implements Source. It returns when the connection fails or ctx is
// done.
func (r *RemoteSource) Stream(ctx context.Context, send func(tea.Msg)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go r.keepalive(ctx)

	for {
		_, data, err := r.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		msg, err := decodeServerMessage(data)
		if err != nil {
			r.logger.Debug("skipping server message", "err", err)
			continue
		}
		if msg != nil {
			send(msg)
		}
	}
}

func (r *RemoteSource) keepalive(ctx context.Context) {
	ticker := time.NewTicker(r.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.write(ctx, api.ClientMessage{Type: api.TypePing}); err != nil {
				r.logger.Warn("ping failed", "err", err)
				return
			}
		}
	}
}

func (r *RemoteSource) write(ctx context.Context, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, remoteWriteTimeout)
	defer cancel()
	return r.conn.Write(ctx, websocket.MessageText, data)
}

// decodeServerMessage maps a server message onto a model message. Messages
// the model has no use for decode to nil.
func decodeServerMessage(data []byte) (tea.Msg, error) {
	var envelope api.ClientMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	switch envelope.Type {
	case api.TypeHello:
		var hello api.HelloMessage
		if err := json.Unmarshal(data, &hello); err != nil {
			return nil, fmt.Errorf("decode hello: %w", err)
		}
		enabled, ok := hello.Features["system_metrics"]
		if !ok {
			enabled = true
		}
		return ConnectedMsg{
			Interval:       time.Duration(hello.IntervalMS) * time.Millisecond,
			MetricsEnabled: enabled,
		}, nil
	case api.TypeSystemInfo, api.TypeSystemInfoUpdate:
		var info api.SystemInfoMessage
		if err := json.Unmarshal(data, &info); err != nil {
			return nil, fmt.Errorf("decode %s: %w", envelope.Type, err)
		}
		return SnapshotMsg{Snapshot: info.Snapshot}, nil
	case api.TypeSettings:
		var msg api.SettingsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("decode settings: %w", err)
		}
		return MetricsEnabledMsg{Enabled: msg.Settings.SystemMetricsEnabled}, nil
	case api.TypeError:
		var msg api.ErrorMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("decode error: %w", err)
		}
		return ErrMsg{Err: errors.New(msg.Message)}, nil
	default:
		return nil, nil
	}
}
