package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/skobkin/arcadia-telemetry/internal/config"
	"github.com/skobkin/arcadia-telemetry/internal/distributor"
	"github.com/skobkin/arcadia-telemetry/internal/hostinfo"
	"github.com/skobkin/arcadia-telemetry/internal/settings"
	"github.com/skobkin/arcadia-telemetry/internal/telemetry"
	"github.com/skobkin/arcadia-telemetry/internal/version"
)

const gib = 1024 * 1024 * 1024

// gbBytes converts fractional GB at run time; constant float-to-uint64
// conversions must be exact.
func gbBytes(v float64) uint64 { return uint64(v * gib) }

type staticProvider struct{}

func (staticProvider) CurrentLoad(context.Context) (hostinfo.CPULoad, error) {
	return hostinfo.CPULoad{CurrentLoad: 44.7}, nil
}

func (staticProvider) Memory(context.Context) (hostinfo.Memory, error) {
	return hostinfo.Memory{TotalBytes: 16 * gib, UsedBytes: gbBytes(6.2)}, nil
}

func (staticProvider) Graphics(context.Context) ([]hostinfo.GPUController, error) {
	busy := 29.9
	return []hostinfo.GPUController{{ID: "card0", Name: "Test GPU", UtilizationPct: &busy}}, nil
}

func (staticProvider) FileSystems(context.Context) ([]hostinfo.Volume, error) {
	return []hostinfo.Volume{{Device: "/dev/sda1", MountPoint: "/", SizeBytes: 500 * gib, AvailableBytes: gbBytes(153.4)}}, nil
}

type testEnv struct {
	server   *Server
	ts       *httptest.Server
	dist     *distributor.Distributor
	sampler  *telemetry.Sampler
	settings *settings.Store
}

type envOptions struct {
	cfg            config.Config
	withoutDist    bool
	withoutStore   bool
	metricsEnabled bool
	run            bool
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()

	cfg := opts.cfg
	if cfg.ListenAddr == "" {
		cfg = defaultTestConfig()
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env := &testEnv{}

	if !opts.withoutDist {
		sampler, err := telemetry.NewSampler(staticProvider{}, telemetry.Options{}, logger)
		if err != nil {
			t.Fatalf("NewSampler error: %v", err)
		}
		dist, err := distributor.New(sampler, distributor.Options{TickInterval: cfg.Telemetry.TickInterval}, logger)
		if err != nil {
			t.Fatalf("distributor.New error: %v", err)
		}
		t.Cleanup(dist.Close)
		env.sampler = sampler
		env.dist = dist

		if opts.run {
			ctx, cancel := context.WithCancel(context.Background())
			t.Cleanup(cancel)
			go func() { _ = dist.Run(ctx) }()
			waitFor(t, 2*time.Second, dist.Ready)
		}
	}

	if !opts.withoutStore {
		store, err := settings.NewStore(filepath.Join(t.TempDir(), "settings.json"), logger)
		if err != nil {
			t.Fatalf("NewStore error: %v", err)
		}
		store.Load()
		if !opts.metricsEnabled {
			if _, err := store.Update([]byte(`{"systemMetricsEnabled":false}`)); err != nil {
				t.Fatalf("disable metrics: %v", err)
			}
		}
		env.settings = store
	}

	env.server = New(cfg, logger, env.dist, env.sampler, env.settings)
	env.ts = httptest.NewServer(env.server.Handler())
	t.Cleanup(env.ts.Close)
	return env
}

func TestHealthzOK(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, envOptions{metricsEnabled: true})

	resp, err := http.Get(env.ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if strings.TrimSpace(string(body)) != `{"status":"ok"}` {
		t.Fatalf("unexpected body %q", string(body))
	}

	respPost, err := http.Post(env.ts.URL+"/api/healthz", "text/plain", nil)
	if err != nil {
		t.Fatalf("POST /api/healthz failed: %v", err)
	}
	respPost.Body.Close()
	if respPost.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", respPost.StatusCode)
	}
}

func TestReadyzStates(t *testing.T) {
	t.Parallel()

	degraded := newTestEnv(t, envOptions{withoutDist: true})
	assertReadyz(t, degraded.ts.URL+"/readyz", http.StatusServiceUnavailable, "degraded", "distributor_not_configured")

	env := newTestEnv(t, envOptions{metricsEnabled: true})
	assertReadyz(t, env.ts.URL+"/readyz", http.StatusServiceUnavailable, "initializing", "waiting_for_first_tick")

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = env.dist.Run(ctx) }()

	waitFor(t, 2*time.Second, env.dist.Ready)
	assertReadyz(t, env.ts.URL+"/api/readyz", http.StatusOK, "ok", "")
}

func TestVersionEndpoint(t *testing.T) {
	t.Parallel()

	version.Set(version.Info{Version: "v0.0.1", Commit: "abc123", BuildTime: "now"})

	env := newTestEnv(t, envOptions{})

	resp, err := http.Get(env.ts.URL + "/api/version")
	if err != nil {
		t.Fatalf("GET /api/version failed: %v", err)
	}
	defer resp.Body.Close()

	var info version.Info
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.Version != "v0.0.1" || info.Commit != "abc123" || info.BuildTime != "now" {
		t.Fatalf("unexpected version payload %+v", info)
	}
}

func TestStaticAssetsServed(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, envOptions{})

	for path, marker := range map[string]string{
		"/":    "Arcadia system telemetry",
		"/api": "Arcadia telemetry API",
	} {
		resp, err := http.Get(env.ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s failed: %v", path, err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("read body: %v", err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s: expected 200, got %d", path, resp.StatusCode)
		}
		if !strings.Contains(string(body), marker) {
			t.Fatalf("GET %s: %q missing from response", path, marker)
		}
	}

	resp, err := http.Get(env.ts.URL + "/missing.js")
	if err != nil {
		t.Fatalf("GET missing asset failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestSystemInfoEndpoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, envOptions{})

	resp, err := http.Get(env.ts.URL + "/api/system-info")
	if err != nil {
		t.Fatalf("GET /api/system-info failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	var snap telemetry.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.CPU != "45%" || snap.Memory != "6.2 GB / 16.0 GB" || snap.GPU != "30%" || snap.Storage != "153.4 GB free of 500.0 GB" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap.Values.CPUPercent == nil || *snap.Values.CPUPercent != 45 {
		t.Fatalf("numeric cpu value missing: %+v", snap.Values)
	}

	unavailable := newTestEnv(t, envOptions{withoutDist: true})
	resp2, err := http.Get(unavailable.ts.URL + "/api/system-info")
	if err != nil {
		t.Fatalf("GET /api/system-info failed: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without distributor, got %d", resp2.StatusCode)
	}
}

func TestSettingsEndpoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, envOptions{metricsEnabled: true})

	resp, err := http.Get(env.ts.URL + "/api/settings")
	if err != nil {
		t.Fatalf("GET /api/settings failed: %v", err)
	}
	var doc settings.AppSettings
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("decode settings: %v", err)
	}
	resp.Body.Close()
	if doc != settings.Defaults() {
		t.Fatalf("expected default settings, got %+v", doc)
	}

	resp, err = doPut(env.ts.URL+"/api/settings", `{"hardwareAcceleration":false,"nickname":"Ada"}`)
	if err != nil {
		t.Fatalf("PUT /api/settings failed: %v", err)
	}
	var updated struct {
		Settings        settings.AppSettings `json:"settings"`
		RestartRequired bool                 `json:"restart_required"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&updated); err != nil {
		t.Fatalf("decode update: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !updated.RestartRequired || updated.Settings.Nickname != "Ada" {
		t.Fatalf("unexpected update response %+v", updated)
	}

	resp, err = doPut(env.ts.URL+"/api/settings", `{"theme":"neon"}`)
	if err != nil {
		t.Fatalf("PUT /api/settings failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid theme, got %d", resp.StatusCode)
	}
}

func TestPrometheusEndpoint(t *testing.T) {
	t.Parallel()

	cfg := defaultTestConfig()
	cfg.EnablePrometheus = true
	env := newTestEnv(t, envOptions{cfg: cfg, metricsEnabled: true, run: true})

	resp, err := http.Get(env.ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	for _, want := range []string{
		"arcadia_telemetry_cpu_percent 45",
		"arcadia_telemetry_memory_total_gb 16",
		`arcadia_telemetry_metric_state{metric="gpu",state="ok"} 1`,
		"arcadia_sampler_samples_total",
		`arcadia_sampler_query_failures_total{metric="storage"} 0`,
		"arcadia_distributor_ticks_total",
		"arcadia_ws_active_connections 0",
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestWebSocketHelloAndUpdates(t *testing.T) {
	t.Parallel()

	cfg := defaultTestConfig()
	cfg.Telemetry.TickInterval = 10 * time.Millisecond
	env := newTestEnv(t, envOptions{cfg: cfg, metricsEnabled: true, run: true})

	conn, ctx := dialWS(t, env.ts.URL)

	hello := readWSMessage(t, ctx, conn)
	if hello["type"] != "hello" {
		t.Fatalf("expected hello message, got %q", hello["type"])
	}
	if hello["interval_ms"] != float64(10) {
		t.Fatalf("unexpected interval %v", hello["interval_ms"])
	}
	features, ok := hello["features"].(map[string]any)
	if !ok || features["system_metrics"] != true {
		t.Fatalf("unexpected features %v", hello["features"])
	}

	update := readUntilType(t, ctx, conn, "system-info-update")
	if update["cpu"] != "45%" || update["storage"] != "153.4 GB free of 500.0 GB" {
		t.Fatalf("unexpected update payload %v", update)
	}

	writeWSMessage(t, ctx, conn, `{"type":"get-system-info"}`)
	reply := readUntilType(t, ctx, conn, "system-info")
	if reply["memory"] != "6.2 GB / 16.0 GB" {
		t.Fatalf("unexpected reply payload %v", reply)
	}

	writeWSMessage(t, ctx, conn, `{"type":"ping"}`)
	readUntilType(t, ctx, conn, "pong")
}

func TestWebSocketRespectsSystemMetricsSetting(t *testing.T) {
	t.Parallel()

	cfg := defaultTestConfig()
	cfg.Telemetry.TickInterval = 10 * time.Millisecond
	env := newTestEnv(t, envOptions{cfg: cfg, metricsEnabled: false, run: true})

	conn, ctx := dialWS(t, env.ts.URL)

	hello := readWSMessage(t, ctx, conn)
	features, _ := hello["features"].(map[string]any)
	if features["system_metrics"] != false {
		t.Fatalf("expected system_metrics disabled, got %v", hello["features"])
	}

	// A ping round trip proves no telemetry was queued ahead of it.
	time.Sleep(50 * time.Millisecond)
	writeWSMessage(t, ctx, conn, `{"type":"ping"}`)
	if msg := readWSMessage(t, ctx, conn); msg["type"] != "pong" {
		t.Fatalf("expected pong while metrics disabled, got %q", msg["type"])
	}

	if _, err := env.settings.Update([]byte(`{"systemMetricsEnabled":true}`)); err != nil {
		t.Fatalf("enable metrics: %v", err)
	}
	readUntilType(t, ctx, conn, "settings")
	readUntilType(t, ctx, conn, "system-info-update")

	waitFor(t, time.Second, func() bool { return env.dist.Stats().Subscribers == 1 })

	if _, err := env.settings.Update([]byte(`{"systemMetricsEnabled":false}`)); err != nil {
		t.Fatalf("disable metrics: %v", err)
	}
	waitFor(t, time.Second, func() bool { return env.dist.Stats().Subscribers == 0 })
}

func TestWebSocketCapacity(t *testing.T) {
	t.Parallel()

	cfg := defaultTestConfig()
	cfg.WS.MaxClients = 1
	env := newTestEnv(t, envOptions{cfg: cfg, metricsEnabled: true})

	conn, ctx := dialWS(t, env.ts.URL)
	readWSMessage(t, ctx, conn)

	_, resp, err := websocket.Dial(ctx, toWebsocketURL(env.ts.URL+"/ws"), nil)
	if err == nil {
		t.Fatalf("expected second connection to be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 response, got %+v", resp)
	}
}

func TestWSOutboundDropsOldest(t *testing.T) {
	t.Parallel()

	var drops atomic.Uint64
	outbound := newWSOutbound(2, &drops)

	for _, msg := range []string{"a", "b", "c"} {
		if !outbound.enqueue([]byte(msg)) {
			t.Fatalf("enqueue %q failed", msg)
		}
	}
	if got := drops.Load(); got != 1 {
		t.Fatalf("expected 1 drop, got %d", got)
	}
	if got := string(<-outbound.channel()); got != "b" {
		t.Fatalf("expected oldest surviving message b, got %q", got)
	}

	outbound.close()
	outbound.close()
	if outbound.enqueue([]byte("d")) {
		t.Fatalf("enqueue after close should fail")
	}
}

func dialWS(t *testing.T, baseURL string) (*websocket.Conn, context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)

	conn, _, err := websocket.Dial(ctx, toWebsocketURL(baseURL+"/ws"), nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn, ctx
}

func readWSMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) map[string]any {
	t.Helper()
	msgType, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("websocket read: %v", err)
	}
	if msgType != websocket.MessageText {
		t.Fatalf("unexpected message type %v", msgType)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	return msg
}

func readUntilType(t *testing.T, ctx context.Context, conn *websocket.Conn, want string) map[string]any {
	t.Helper()
	for {
		msg := readWSMessage(t, ctx, conn)
		if msg["type"] == want {
			return msg
		}
	}
}

func writeWSMessage(t *testing.T, ctx context.Context, conn *websocket.Conn, payload string) {
	t.Helper()
	if err := conn.Write(ctx, websocket.MessageText, []byte(payload)); err != nil {
		t.Fatalf("websocket write: %v", err)
	}
}

func doPut(target, body string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPut, target, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return http.DefaultClient.Do(req)
}

func assertReadyz(t *testing.T, url string, expectedStatus int, expected string, reason string) {
	t.Helper()

	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != expectedStatus {
		t.Fatalf("expected status %d for %s, got %d", expectedStatus, url, resp.StatusCode)
	}

	var payload readyResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode readyz response: %v", err)
	}

	if payload.Status != expected {
		t.Fatalf("expected status %q, got %q", expected, payload.Status)
	}
	if reason == "" {
		if payload.Reason != "" {
			t.Fatalf("expected empty reason, got %q", payload.Reason)
		}
	} else if payload.Reason != reason {
		t.Fatalf("expected reason %q, got %q", reason, payload.Reason)
	}
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not satisfied within %s", timeout)
}

func defaultTestConfig() config.Config {
	cfg := config.Defaults()
	cfg.ListenAddr = ":0"
	cfg.Telemetry.TickInterval = 250 * time.Millisecond
	return cfg
}

func toWebsocketURL(httpURL string) string {
	u, err := url.Parse(httpURL)
	if err != nil {
		return httpURL
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String()
}
