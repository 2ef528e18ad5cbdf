package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents runtime configuration sourced from an optional YAML file
// and environment variables.
type Config struct {
	ListenAddr       string
	AllowedOrigins   []string
	EnablePrometheus bool
	EnablePprof      bool
	LogLevel         slog.Level
	SysfsRoot        string
	ProcRoot         string
	SettingsPath     string
	Telemetry        TelemetryConfig
	WS               WebsocketConfig
}

// TelemetryConfig tunes the sampler and the distributor tick.
type TelemetryConfig struct {
	TickInterval        time.Duration
	FullRefreshInterval time.Duration
	GPURefreshEvery     int
	QueryTimeout        time.Duration
	SkipIdleTicks       bool
}

// WebsocketConfig captures tunables for WebSocket handling.
type WebsocketConfig struct {
	MaxClients   int
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
}

// fileConfig mirrors Config in the YAML file. Absent keys keep the defaults.
type fileConfig struct {
	ListenAddr       *string  `yaml:"listen_addr"`
	AllowedOrigins   []string `yaml:"allowed_origins"`
	EnablePrometheus *bool    `yaml:"enable_prometheus"`
	EnablePprof      *bool    `yaml:"enable_pprof"`
	LogLevel         *string  `yaml:"log_level"`
	SysfsRoot        *string  `yaml:"sysfs_root"`
	ProcRoot         *string  `yaml:"proc_root"`
	SettingsPath     *string  `yaml:"settings_path"`
	Telemetry        struct {
		TickInterval        *string `yaml:"tick_interval"`
		FullRefreshInterval *string `yaml:"full_refresh_interval"`
		GPURefreshEvery     *int    `yaml:"gpu_refresh_every"`
		QueryTimeout        *string `yaml:"query_timeout"`
		SkipIdleTicks       *bool   `yaml:"skip_idle_ticks"`
	} `yaml:"telemetry"`
	WS struct {
		MaxClients   *int    `yaml:"max_clients"`
		WriteTimeout *string `yaml:"write_timeout"`
		ReadTimeout  *string `yaml:"read_timeout"`
	} `yaml:"websocket"`
}

// Defaults returns the configuration used when nothing is overridden.
func Defaults() Config {
	return Config{
		ListenAddr:       ":8080",
		AllowedOrigins:   []string{"*"},
		EnablePrometheus: false,
		EnablePprof:      false,
		LogLevel:         slog.LevelInfo,
		SysfsRoot:        "/sys",
		ProcRoot:         "/proc",
		SettingsPath:     "settings.json",
		Telemetry: TelemetryConfig{
			TickInterval:        5 * time.Second,
			FullRefreshInterval: 60 * time.Second,
			GPURefreshEvery:     3,
			QueryTimeout:        5 * time.Second,
			SkipIdleTicks:       false,
		},
		WS: WebsocketConfig{
			MaxClients:   1024,
			WriteTimeout: 3 * time.Second,
			ReadTimeout:  30 * time.Second,
		},
	}
}

// Load applies defaults, then the YAML file named by APP_CONFIG_FILE (if set),
// then APP_* environment overrides.
func Load() (Config, error) {
	cfg := Defaults()

	if path := strings.TrimSpace(os.Getenv("APP_CONFIG_FILE")); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges after all layers have been applied.
func (c Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen address must not be empty"))
	}
	if len(c.AllowedOrigins) == 0 {
		errs = append(errs, errors.New("allowed origins must not be empty"))
	}
	if c.SettingsPath == "" {
		errs = append(errs, errors.New("settings path must not be empty"))
	}
	if c.Telemetry.TickInterval <= 0 {
		errs = append(errs, errors.New("tick interval must be > 0"))
	}
	if c.Telemetry.FullRefreshInterval <= 0 {
		errs = append(errs, errors.New("full refresh interval must be > 0"))
	}
	if c.Telemetry.GPURefreshEvery <= 0 {
		errs = append(errs, errors.New("gpu refresh cadence must be > 0"))
	}
	if c.Telemetry.QueryTimeout <= 0 {
		errs = append(errs, errors.New("query timeout must be > 0"))
	}
	if c.WS.MaxClients <= 0 {
		errs = append(errs, errors.New("websocket max clients must be > 0"))
	}
	if c.WS.WriteTimeout <= 0 {
		errs = append(errs, errors.New("websocket write timeout must be > 0"))
	}
	if c.WS.ReadTimeout <= 0 {
		errs = append(errs, errors.New("websocket read timeout must be > 0"))
	}
	return errors.Join(errs...)
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&cfg.ListenAddr, fc.ListenAddr)
	setString(&cfg.SysfsRoot, fc.SysfsRoot)
	setString(&cfg.ProcRoot, fc.ProcRoot)
	setString(&cfg.SettingsPath, fc.SettingsPath)
	setBool(&cfg.EnablePrometheus, fc.EnablePrometheus)
	setBool(&cfg.EnablePprof, fc.EnablePprof)
	setBool(&cfg.Telemetry.SkipIdleTicks, fc.Telemetry.SkipIdleTicks)

	if fc.AllowedOrigins != nil {
		cfg.AllowedOrigins = trimAll(fc.AllowedOrigins)
	}
	if fc.LogLevel != nil {
		level, err := parseLogLevel(*fc.LogLevel)
		if err != nil {
			return fmt.Errorf("config file log_level: %w", err)
		}
		cfg.LogLevel = level
	}
	if fc.Telemetry.GPURefreshEvery != nil {
		cfg.Telemetry.GPURefreshEvery = *fc.Telemetry.GPURefreshEvery
	}
	if fc.WS.MaxClients != nil {
		cfg.WS.MaxClients = *fc.WS.MaxClients
	}

	durations := []struct {
		key   string
		value *string
		dst   *time.Duration
	}{
		{"telemetry.tick_interval", fc.Telemetry.TickInterval, &cfg.Telemetry.TickInterval},
		{"telemetry.full_refresh_interval", fc.Telemetry.FullRefreshInterval, &cfg.Telemetry.FullRefreshInterval},
		{"telemetry.query_timeout", fc.Telemetry.QueryTimeout, &cfg.Telemetry.QueryTimeout},
		{"websocket.write_timeout", fc.WS.WriteTimeout, &cfg.WS.WriteTimeout},
		{"websocket.read_timeout", fc.WS.ReadTimeout, &cfg.WS.ReadTimeout},
	}
	for _, d := range durations {
		if d.value == nil {
			continue
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(*d.value))
		if err != nil {
			return fmt.Errorf("config file %s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	return nil
}

func applyEnv(cfg *Config) error {
	if value := strings.TrimSpace(os.Getenv("APP_LISTEN_ADDR")); value != "" {
		cfg.ListenAddr = value
	}

	if err := envDuration("APP_TICK_INTERVAL", &cfg.Telemetry.TickInterval); err != nil {
		return err
	}
	if err := envDuration("APP_FULL_REFRESH_INTERVAL", &cfg.Telemetry.FullRefreshInterval); err != nil {
		return err
	}
	if err := envPositiveInt("APP_GPU_REFRESH_EVERY", &cfg.Telemetry.GPURefreshEvery); err != nil {
		return err
	}
	if err := envDuration("APP_QUERY_TIMEOUT", &cfg.Telemetry.QueryTimeout); err != nil {
		return err
	}
	if err := envBool("APP_SKIP_IDLE_TICKS", &cfg.Telemetry.SkipIdleTicks); err != nil {
		return err
	}

	if value := strings.TrimSpace(os.Getenv("APP_ALLOWED_ORIGINS")); value != "" {
		origins := splitAndTrim(value, ",")
		if len(origins) == 0 {
			return fmt.Errorf("APP_ALLOWED_ORIGINS must not be empty")
		}
		cfg.AllowedOrigins = origins
	}

	if err := envBool("APP_ENABLE_PROMETHEUS", &cfg.EnablePrometheus); err != nil {
		return err
	}
	if err := envBool("APP_ENABLE_PPROF", &cfg.EnablePprof); err != nil {
		return err
	}

	if value := strings.TrimSpace(os.Getenv("APP_LOG_LEVEL")); value != "" {
		level, err := parseLogLevel(value)
		if err != nil {
			return fmt.Errorf("parse APP_LOG_LEVEL: %w", err)
		}
		cfg.LogLevel = level
	}

	if value := strings.TrimSpace(os.Getenv("APP_SYSFS_ROOT")); value != "" {
		cfg.SysfsRoot = value
	}
	if value := strings.TrimSpace(os.Getenv("APP_PROC_ROOT")); value != "" {
		cfg.ProcRoot = value
	}
	if value := strings.TrimSpace(os.Getenv("APP_SETTINGS_PATH")); value != "" {
		cfg.SettingsPath = value
	}

	if err := envPositiveInt("APP_WS_MAX_CLIENTS", &cfg.WS.MaxClients); err != nil {
		return err
	}
	if err := envDuration("APP_WS_WRITE_TIMEOUT", &cfg.WS.WriteTimeout); err != nil {
		return err
	}
	if err := envDuration("APP_WS_READ_TIMEOUT", &cfg.WS.ReadTimeout); err != nil {
		return err
	}

	return nil
}

func envDuration(key string, dst *time.Duration) error {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	if duration <= 0 {
		return fmt.Errorf("%s must be > 0", key)
	}
	*dst = duration
	return nil
}

func envPositiveInt(key string, dst *int) error {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	if n <= 0 {
		return fmt.Errorf("%s must be > 0", key)
	}
	*dst = n
	return nil
}

func envBool(key string, dst *bool) error {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	enabled, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = enabled
	return nil
}

func setString(dst *string, value *string) {
	if value != nil {
		*dst = strings.TrimSpace(*value)
	}
}

func setBool(dst *bool, value *bool) {
	if value != nil {
		*dst = *value
	}
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, item := range values {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func splitAndTrim(value, sep string) []string {
	return trimAll(strings.Split(value, sep))
}

// ParseLogLevel converts a textual level such as "debug" or "warn".
func ParseLogLevel(input string) (slog.Level, error) {
	return parseLogLevel(input)
}

func parseLogLevel(input string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(input)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level %q", input)
	}
}
