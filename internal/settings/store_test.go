package settings

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.json")
	store, err := NewStore(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewStore returned error: %v", err)
	}
	return store
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	got := store.Load()
	if got != Defaults() {
		t.Fatalf("expected defaults, got %+v", got)
	}
	if !got.SystemMetricsEnabled {
		t.Fatalf("system metrics should be enabled by default")
	}
	if got.DefaultInstallPath != `C:\Games` {
		t.Fatalf("unexpected install path %q", got.DefaultInstallPath)
	}
}

func TestLoadMergesOverDefaults(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	writeFile(t, store.Path(), `{"nickname":"Ada","systemMetricsEnabled":false,"theme":"dark"}`)

	got := store.Load()
	if got.Nickname != "Ada" || got.Theme != ThemeDark || got.SystemMetricsEnabled {
		t.Fatalf("file values not applied: %+v", got)
	}
	if got.Language != "english" || !got.HardwareAcceleration {
		t.Fatalf("defaults not retained for absent keys: %+v", got)
	}
}

func TestLoadCorruptFileFallsBackToDefaults(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"syntax": `{"nickname":`,
		"theme":  `{"theme":"neon"}`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			store := newTestStore(t)
			writeFile(t, store.Path(), content)
			if got := store.Load(); got != Defaults() {
				t.Fatalf("expected defaults, got %+v", got)
			}
		})
	}
}

func TestUpdateWritesWholeDocument(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	store.Load()

	result, err := store.Update([]byte(`{"nickname":"Grace","performanceOverlay":true}`))
	if err != nil {
		t.Fatalf("Update returned error: %v", err)
	}
	if result.RestartRequired {
		t.Fatalf("restart should not be required")
	}
	if result.Settings.Nickname != "Grace" || !result.Settings.PerformanceOverlay {
		t.Fatalf("patch not applied: %+v", result.Settings)
	}

	data, err := os.ReadFile(store.Path())
	if err != nil {
		t.Fatalf("read settings file: %v", err)
	}
	var onDisk AppSettings
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatalf("settings file is not valid JSON: %v", err)
	}
	if onDisk != result.Settings {
		t.Fatalf("file content %+v does not match %+v", onDisk, result.Settings)
	}

	entries, err := os.ReadDir(filepath.Dir(store.Path()))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("temporary files left behind: %d entries", len(entries))
	}
}

func TestUpdateReportsRestartRequired(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	store.Load()

	result, err := store.Update([]byte(`{"hardwareAcceleration":false}`))
	if err != nil {
		t.Fatalf("Update returned error: %v", err)
	}
	if !result.RestartRequired {
		t.Fatalf("toggling hardware acceleration should require a restart")
	}

	result, err = store.Update([]byte(`{"hardwareAcceleration":false}`))
	if err != nil {
		t.Fatalf("Update returned error: %v", err)
	}
	if result.RestartRequired {
		t.Fatalf("unchanged hardware acceleration should not require a restart")
	}
}

func TestUpdateRejectsInvalidPatch(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"not_object":    `["theme"]`,
		"unknown_field": `{"volume":11}`,
		"bad_type":      `{"nickname":42}`,
		"bad_theme":     `{"theme":"neon"}`,
		"trailing":      `{"nickname":"a"} {}`,
	}
	for name, patch := range cases {
		t.Run(name, func(t *testing.T) {
			store := newTestStore(t)
			store.Load()
			if _, err := store.Update([]byte(patch)); !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
			if got := store.Get(); got != Defaults() {
				t.Fatalf("rejected patch modified settings: %+v", got)
			}
		})
	}
}

func TestSubscribeReceivesChanges(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	store.Load()

	ch, unsubscribe := store.Subscribe()
	defer unsubscribe()

	if _, err := store.Update([]byte(`{"systemMetricsEnabled":false}`)); err != nil {
		t.Fatalf("Update returned error: %v", err)
	}
	if got := awaitSettings(t, ch); got.SystemMetricsEnabled {
		t.Fatalf("expected metrics disabled, got %+v", got)
	}

	// An identical patch is not a change.
	if _, err := store.Update([]byte(`{"systemMetricsEnabled":false}`)); err != nil {
		t.Fatalf("Update returned error: %v", err)
	}
	select {
	case got := <-ch:
		t.Fatalf("unexpected notification %+v", got)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestWatchReloadsExternalEdits(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	store.Load()

	ch, unsubscribe := store.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- store.Watch(ctx) }()

	// Give the watcher time to register the directory.
	deadline := time.Now().Add(2 * time.Second)
	for {
		writeFile(t, store.Path(), `{"systemMetricsEnabled":false,"nickname":"Linus"}`)
		select {
		case got := <-ch:
			if got.SystemMetricsEnabled || got.Nickname != "Linus" {
				t.Fatalf("unexpected reloaded settings %+v", got)
			}
			cancel()
			if err := <-errCh; err != nil {
				t.Fatalf("Watch returned error: %v", err)
			}
			return
		case <-time.After(50 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			t.Fatal("settings change was not observed")
		}
	}
}

func TestNewStoreRequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := NewStore("", nil); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func awaitSettings(t *testing.T, ch <-chan AppSettings) AppSettings {
	t.Helper()
	select {
	case got, ok := <-ch:
		if !ok {
			t.Fatal("settings channel closed unexpectedly")
		}
		return got
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timed out waiting for settings")
		return AppSettings{}
	}
}
