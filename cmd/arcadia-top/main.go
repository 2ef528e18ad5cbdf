package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/x/term"

	"github.com/skobkin/arcadia-telemetry/internal/app"
	"github.com/skobkin/arcadia-telemetry/internal/config"
	"github.com/skobkin/arcadia-telemetry/internal/settings"
	"github.com/skobkin/arcadia-telemetry/internal/tui"
)

const dialTimeout = 10 * time.Second

type options struct {
	remote  string
	logPath string
}

func parseFlags() options {
	var opts options
	flag.StringVar(&opts.remote, "remote", "", "WebSocket endpoint of a running server, e.g. ws://localhost:8080/ws (default: sample locally)")
	flag.StringVar(&opts.logPath, "log", "", "Write logs to this file instead of discarding them")
	flag.Parse()
	return opts
}

func main() {
	opts := parseFlags()

	if !term.IsTerminal(os.Stdout.Fd()) {
		fmt.Fprintln(os.Stderr, "arcadia-top: stdout is not a terminal; use arcadia-probe for plain output")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "arcadia-top: load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, closeLog, err := newLogger(opts.logPath, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "arcadia-top: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts, logger); err != nil {
		logger.Error("arcadia-top failed", "err", err)
		fmt.Fprintf(os.Stderr, "arcadia-top: %v\n", err)
		closeLog()
		os.Exit(1)
	}
}

// newLogger keeps log output off the terminal the TUI draws on.
func newLogger(path string, level slog.Level) (*slog.Logger, func(), error) {
	if path == "" {
		return slog.New(slog.NewTextHandler(io.Discard, nil)), func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	handler := slog.NewTextHandler(f, &slog.HandlerOptions{Level: level})
	return slog.New(handler), func() { _ = f.Close() }, nil
}

func run(ctx context.Context, cfg config.Config, opts options, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		src   tui.Source
		label string
	)

	if opts.remote != "" {
		dialCtx, dialCancel := context.WithTimeout(ctx, dialTimeout)
		remote, err := tui.DialRemote(dialCtx, opts.remote, logger)
		dialCancel()
		if err != nil {
			return err
		}
		defer func() {
			if err := remote.Close(); err != nil {
				logger.Debug("websocket close failed", "err", err)
			}
		}()
		src = remote
		label = remote.Endpoint()
	} else {
		local, err := startLocal(ctx, cfg, logger)
		if err != nil {
			return err
		}
		src = local
		label = "local"
	}

	model := tui.NewModel(ctx, src, label)
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))

	go func() {
		if err := src.Stream(ctx, p.Send); err != nil {
			logger.Warn("telemetry stream stopped", "err", err)
			p.Send(tui.ErrMsg{Err: err})
		}
	}()

	if _, err := p.Run(); err != nil && !(errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil) {
		return fmt.Errorf("tui: %w", err)
	}
	return nil
}

// startLocal runs a sampler and distributor in-process for the lifetime of
// ctx. The settings file gates the subscription.
func startLocal(ctx context.Context, cfg config.Config, logger *slog.Logger) (*tui.LocalSource, error) {
	pipeline, err := app.NewTelemetry(cfg, logger)
	if err != nil {
		return nil, err
	}

	store, err := settings.NewStore(cfg.SettingsPath, logger)
	if err != nil {
		return nil, fmt.Errorf("init settings store: %w", err)
	}
	store.Load()

	go func() {
		if err := pipeline.Distributor.Run(ctx); err != nil {
			logger.Error("distributor stopped", "err", err)
		}
	}()
	go func() {
		if err := store.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("settings watcher stopped", "err", err)
		}
	}()

	return tui.NewLocalSource(pipeline.Distributor, store, logger), nil
}
