package settings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// UpdateResult describes the outcome of a patch.
type UpdateResult struct {
	Settings AppSettings
	// RestartRequired is set when hardware acceleration was toggled.
	RestartRequired bool
}

// Store loads, patches and watches a settings file.
type Store struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	current AppSettings

	writeMu sync.Mutex

	subMu sync.Mutex
	subs  map[*listener]struct{}
}

// NewStore builds a Store for path. Call Load before use.
func NewStore(path string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("settings path must not be empty")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{
		path:    filepath.Clean(path),
		logger:  logger.With("component", "settings_store"),
		current: Defaults(),
		subs:    make(map[*listener]struct{}),
	}, nil
}

// Path returns the settings file location.
func (s *Store) Path() string {
	return s.path
}

// Load merges the file over the defaults. A missing file yields the defaults;
// an unreadable or corrupt one yields the defaults and a warning.
func (s *Store) Load() AppSettings {
	loaded, err := s.read()
	switch {
	case errors.Is(err, fs.ErrNotExist):
		loaded = Defaults()
	case err != nil:
		s.logger.Warn("failed to load settings, using defaults", "path", s.path, "err", err)
		loaded = Defaults()
	}
	s.replace(loaded)
	return loaded
}

// Get returns the current settings.
func (s *Store) Get() AppSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Update applies a partial JSON object over the current settings and writes
// the whole document.
func (s *Store) Update(patch []byte) (UpdateResult, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	old := s.Get()
	next := old
	if err := decodeStrict(patch, &next); err != nil {
		return UpdateResult{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := next.Validate(); err != nil {
		return UpdateResult{}, err
	}

	if err := s.write(next); err != nil {
		return UpdateResult{}, err
	}
	s.replace(next)

	result := UpdateResult{
		Settings:        next,
		RestartRequired: old.HardwareAcceleration != next.HardwareAcceleration,
	}
	if result.RestartRequired {
		s.logger.Info("hardware acceleration changed, restart required", "enabled", next.HardwareAcceleration)
	}
	return result, nil
}

// Subscribe returns a channel receiving the settings after every change. Only
// the newest undelivered document is kept.
func (s *Store) Subscribe() (<-chan AppSettings, func()) {
	l := &listener{ch: make(chan AppSettings, 1)}

	s.subMu.Lock()
	s.subs[l] = struct{}{}
	s.subMu.Unlock()

	unsubscribe := func() {
		s.subMu.Lock()
		delete(s.subs, l)
		s.subMu.Unlock()
		l.close()
	}
	return l.ch, unsubscribe
}

// Watch reloads the file on external edits until the context is canceled.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create settings watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create settings directory: %w", err)
	}
	// The directory is watched so atomic renames of the file are seen.
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	s.logger.Info("watching settings", "path", s.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			s.reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("settings watcher error", "err", err)
		}
	}
}

func (s *Store) reload() {
	loaded, err := s.read()
	if err != nil {
		// Keep the current document while an editor is mid-write.
		s.logger.Debug("ignoring unreadable settings file", "err", err)
		return
	}
	if loaded == s.Get() {
		return
	}
	s.logger.Info("settings reloaded", "path", s.path)
	s.replace(loaded)
}

func (s *Store) read() (AppSettings, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return AppSettings{}, err
	}
	loaded := Defaults()
	if err := json.Unmarshal(data, &loaded); err != nil {
		return AppSettings{}, fmt.Errorf("decode %s: %w", s.path, err)
	}
	if err := loaded.Validate(); err != nil {
		return AppSettings{}, err
	}
	return loaded, nil
}

func (s *Store) write(doc AppSettings) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create settings directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".settings-*.json")
	if err != nil {
		return fmt.Errorf("create temp settings file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write settings: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close settings: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace settings: %w", err)
	}
	return nil
}

func (s *Store) replace(next AppSettings) {
	s.mu.Lock()
	changed := s.current != next
	s.current = next
	s.mu.Unlock()

	if !changed {
		return
	}

	s.subMu.Lock()
	defer s.subMu.Unlock()
	for l := range s.subs {
		l.send(next)
	}
}

func decodeStrict(patch []byte, dst *AppSettings) error {
	patch = bytes.TrimSpace(patch)
	if len(patch) == 0 || patch[0] != '{' {
		return fmt.Errorf("patch must be a JSON object")
	}
	dec := json.NewDecoder(bytes.NewReader(patch))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("unexpected data after patch object")
	}
	return nil
}

type listener struct {
	ch     chan AppSettings
	mu     sync.Mutex
	closed bool
}

func (l *listener) send(doc AppSettings) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.ch <- doc:
	default:
		select {
		case <-l.ch:
		default:
		}
		select {
		case l.ch <- doc:
		default:
		}
	}
}

func (l *listener) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	close(l.ch)
	l.closed = true
}
