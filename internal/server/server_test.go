package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/zalando/go-keyring"

	"github.com/GalitskyKK/nekkus-vpn/internal/config"
	"github.com/GalitskyKK/nekkus-vpn/internal/credentials"
	"github.com/GalitskyKK/nekkus-vpn/internal/ipcheck"
	"github.com/GalitskyKK/nekkus-vpn/internal/metrics"
	"github.com/GalitskyKK/nekkus-vpn/internal/store"
	"github.com/GalitskyKK/nekkus-vpn/internal/vpn"
)

const testCatalog = `
- id: ny
  name: New York, USA
  location: New York, USA
  host: 127.0.0.1
  port: 1
  ping: 45
  mode: demo
- id: tokyo
  name: Tokyo, Japan
  location: Tokyo, Japan
  host: 127.0.0.1
  port: 1
  ping: 12
  mode: demo
- id: lab
  name: Lab
  host: 127.0.0.1
  mode: real
`

type stubConnector struct {
	mu    sync.Mutex
	err   error
	alive bool
}

func (c *stubConnector) fail(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

func (c *stubConnector) Connect(context.Context, store.ServerNode) (vpn.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return vpn.Result{}, c.err
	}
	c.alive = true
	return vpn.Result{Message: "Connected", OriginalIP: "203.0.113.7", VPNIP: "10.8.0.2"}, nil
}

func (c *stubConnector) Disconnect(context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alive = false
	return "Disconnected successfully", nil
}

func (c *stubConnector) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

type stubIP struct{}

func (stubIP) PublicIP(context.Context) string { return "203.0.113.7" }

func (stubIP) Locate(_ context.Context, ip string) ipcheck.Location {
	return ipcheck.Location{Country: "Testland", City: "Test " + ip, Region: "North"}
}

type stubStats struct{ s metrics.Sample }

func (s stubStats) Latest() (metrics.Sample, bool) { return s.s, true }

type env struct {
	srv     *Server
	ts      *httptest.Server
	real    *stubConnector
	demo    *stubConnector
	history *store.History
}

func newEnv(t *testing.T, mutate func(*config.Config)) *env {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "servers.yaml")
	if err := os.WriteFile(path, []byte(testCatalog), 0600); err != nil {
		t.Fatal(err)
	}
	st, err := store.New(dir, path)
	if err != nil {
		t.Fatal(err)
	}
	hist, err := store.OpenHistory(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { hist.Close() })

	keyring.MockInit()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	e := &env{real: &stubConnector{}, demo: &stubConnector{}, history: hist}
	engine := vpn.NewEngine(st, map[store.Mode]vpn.Connector{
		store.ModeReal: e.real,
		store.ModeDemo: e.demo,
	}, vpn.Options{History: hist})

	e.srv = New(Deps{
		Config:  cfg,
		Engine:  engine,
		History: hist,
		IP:      stubIP{},
		Stats: stubStats{s: metrics.Sample{
			CPUUsage: 12.5,
			Network:  metrics.NetworkStat{BytesSent: 100, BytesRecv: 200},
		}},
		Creds:   credentials.NewResolver("", ""),
		Version: "test",
	})
	e.ts = httptest.NewServer(e.srv.Handler())
	t.Cleanup(e.ts.Close)
	return e
}

func (e *env) do(t *testing.T, method, path string, body string, header map[string]string) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]any
	if len(data) > 0 && data[0] == '{' {
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, path, data, err)
		}
	}
	return resp.StatusCode, out
}

func TestHealth(t *testing.T) {
	e := newEnv(t, nil)
	for _, path := range []string{"/health", "/api/health"} {
		code, body := e.do(t, http.MethodGet, path, "", nil)
		if code != http.StatusOK || body["status"] != "healthy" || body["service"] != "nekkus-vpn" || body["version"] != "test" {
			t.Errorf("%s = %d %v", path, code, body)
		}
	}
}

func TestConnectDisconnectFlow(t *testing.T) {
	e := newEnv(t, nil)

	code, body := e.do(t, http.MethodPost, "/api/connect/ny", "", nil)
	if code != http.StatusOK || body["success"] != true || body["server"] != "New York, USA" || body["mode"] != "demo" {
		t.Fatalf("connect = %d %v", code, body)
	}
	if body["session_id"] == "" || body["vpn_ip"] != "10.8.0.2" {
		t.Errorf("connect body = %v", body)
	}

	code, body = e.do(t, http.MethodGet, "/api/status", "", map[string]string{"User-Agent": "curl/8.0"})
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body["connected"] != true || body["status"] != "connected" || body["ip_address"] != "10.8.0.2" || body["ip_changed"] != true {
		t.Errorf("status body = %v", body)
	}
	if body["uptime"] == nil || body["recommended_mode"] != "demo" {
		t.Errorf("uptime/recommended = %v / %v", body["uptime"], body["recommended_mode"])
	}
	loc, _ := body["location"].(map[string]any)
	if loc["country"] != "Testland" {
		t.Errorf("location = %v", body["location"])
	}
	bw, _ := body["bandwidth"].(map[string]any)
	if bw["bytes_recv"] != float64(200) {
		t.Errorf("bandwidth = %v", body["bandwidth"])
	}

	if code, body = e.do(t, http.MethodPost, "/api/connect/tokyo", "", nil); code != http.StatusBadRequest || body["success"] != false {
		t.Errorf("second connect = %d %v", code, body)
	}

	code, body = e.do(t, http.MethodGet, "/api/clients", "", nil)
	if code != http.StatusOK || body["count"] != float64(1) {
		t.Errorf("clients = %d %v", code, body)
	}

	code, body = e.do(t, http.MethodPost, "/api/disconnect", "", nil)
	if code != http.StatusOK || body["success"] != true || body["disconnection_time"] == "" {
		t.Fatalf("disconnect = %d %v", code, body)
	}
	code, body = e.do(t, http.MethodPost, "/api/disconnect", "", nil)
	if code != http.StatusBadRequest || body["message"] != vpn.ErrNotConnected.Error() {
		t.Errorf("second disconnect = %d %v", code, body)
	}

	code, body = e.do(t, http.MethodGet, "/api/connections", "", nil)
	if code != http.StatusOK || body["count"] != float64(2) {
		t.Errorf("connections = %d %v", code, body)
	}

	code, body = e.do(t, http.MethodGet, "/api/metrics", "", nil)
	if code != http.StatusOK {
		t.Fatalf("metrics = %d", code)
	}
	v, _ := body["vpn"].(map[string]any)
	if v["connections_today"] != float64(1) {
		t.Errorf("metrics vpn = %v", body["vpn"])
	}
}

func TestConnectErrors(t *testing.T) {
	e := newEnv(t, nil)

	if code, _ := e.do(t, http.MethodPost, "/api/connect/nowhere", "", nil); code != http.StatusNotFound {
		t.Errorf("unknown server = %d", code)
	}

	e.real.fail(errors.New("openvpn exited"))
	code, body := e.do(t, http.MethodPost, "/api/connect/lab", "", nil)
	if code != http.StatusInternalServerError || body["success"] != false {
		t.Errorf("failed connect = %d %v", code, body)
	}
	_, body = e.do(t, http.MethodGet, "/api/status?lookup=false", "", nil)
	if body["status"] != "error" || body["connected"] != false || body["ip_address"] != ipcheck.Unknown {
		t.Errorf("status after failure = %v", body)
	}
}

func TestQuickConnect(t *testing.T) {
	e := newEnv(t, nil)
	code, body := e.do(t, http.MethodPost, "/api/quick-connect?mode=demo", "", nil)
	if code != http.StatusOK || body["server_id"] != "tokyo" {
		t.Errorf("quick-connect = %d %v", code, body)
	}
	if code, _ := e.do(t, http.MethodPost, "/api/quick-connect?mode=warp", "", nil); code != http.StatusBadRequest {
		t.Errorf("bad mode = %d", code)
	}
}

func TestServers(t *testing.T) {
	e := newEnv(t, nil)

	tests := []struct {
		query string
		code  int
		total float64
	}{
		{"", http.StatusOK, 3},
		{"?mode=all", http.StatusOK, 3},
		{"?mode=demo", http.StatusOK, 2},
		{"?mode=real", http.StatusOK, 1},
		{"?mode=warp", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		code, body := e.do(t, http.MethodGet, "/api/servers"+tt.query, "", nil)
		if code != tt.code {
			t.Errorf("%q: code %d, want %d", tt.query, code, tt.code)
			continue
		}
		if code == http.StatusOK && body["total_servers"] != tt.total {
			t.Errorf("%q: total = %v, want %v", tt.query, body["total_servers"], tt.total)
		}
	}

	_, body := e.do(t, http.MethodGet, "/api/servers?mode=demo", "", nil)
	modes, _ := body["modes"].(map[string]any)
	if modes["demo"] != float64(2) || modes["mobile"] != float64(0) || body["recommended"] != "tokyo" {
		t.Errorf("servers body = %v", body)
	}

	code, best := e.do(t, http.MethodGet, "/api/servers/best?mode=demo", "", nil)
	if code != http.StatusOK || best["id"] != "tokyo" {
		t.Errorf("best = %d %v", code, best)
	}
	if code, _ := e.do(t, http.MethodGet, "/api/servers/best?mode=zero", "", nil); code != http.StatusNotFound {
		t.Errorf("best zero = %d", code)
	}
}

func TestAPIKey(t *testing.T) {
	e := newEnv(t, func(c *config.Config) { c.Server.APIKey = "secret" })

	code, body := e.do(t, http.MethodPost, "/api/disconnect", "", nil)
	if code != http.StatusUnauthorized || body["message"] != "Invalid API key" {
		t.Errorf("no key = %d %v", code, body)
	}
	if code, _ := e.do(t, http.MethodPost, "/api/disconnect", "", map[string]string{"X-API-Key": "wrong"}); code != http.StatusUnauthorized {
		t.Errorf("wrong key = %d", code)
	}
	if code, _ := e.do(t, http.MethodPost, "/api/disconnect", "", map[string]string{"X-API-Key": "secret"}); code != http.StatusBadRequest {
		t.Errorf("header key = %d", code)
	}
	if code, _ := e.do(t, http.MethodPost, "/api/disconnect?api_key=secret", "", nil); code != http.StatusBadRequest {
		t.Errorf("query key = %d", code)
	}
	// чтение без ключа
	if code, _ := e.do(t, http.MethodGet, "/api/servers", "", nil); code != http.StatusOK {
		t.Errorf("read = %d", code)
	}
}

func TestHistorical(t *testing.T) {
	e := newEnv(t, nil)
	if err := e.history.SaveStats(context.Background(), store.StatsRecord{Timestamp: time.Now(), CPUUsage: 5}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		hours string
		code  int
	}{
		{"abc", http.StatusNotFound},
		{"0", http.StatusBadRequest},
		{"721", http.StatusBadRequest},
		{"24", http.StatusOK},
	}
	for _, tt := range tests {
		code, body := e.do(t, http.MethodGet, "/api/historical/"+tt.hours, "", nil)
		if code != tt.code {
			t.Errorf("%s: code %d, want %d", tt.hours, code, tt.code)
		}
		if code == http.StatusOK && (body["count"] != float64(1) || body["hours"] != float64(24)) {
			t.Errorf("%s: body = %v", tt.hours, body)
		}
	}
}

func TestAlerts(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	err := e.history.SaveAlerts(ctx, []store.Alert{{Timestamp: time.Now(), Type: metrics.AlertCPUHigh, Severity: metrics.SeverityWarning, Message: "High CPU usage: 85.0%"}})
	if err != nil {
		t.Fatal(err)
	}

	code, body := e.do(t, http.MethodGet, "/api/alerts", "", nil)
	if code != http.StatusOK || body["count"] != float64(1) {
		t.Fatalf("alerts = %d %v", code, body)
	}
	list, _ := body["alerts"].([]any)
	first, _ := list[0].(map[string]any)
	id, _ := first["id"].(float64)

	if code, _ := e.do(t, http.MethodPost, "/api/alerts/999/resolve", "", nil); code != http.StatusNotFound {
		t.Errorf("resolve unknown = %d", code)
	}
	path := "/api/alerts/" + strconv.FormatInt(int64(id), 10) + "/resolve"
	if code, _ := e.do(t, http.MethodPost, path, "", nil); code != http.StatusOK {
		t.Errorf("resolve = %d", code)
	}
}

func TestSettingsAndSubscriptions(t *testing.T) {
	e := newEnv(t, nil)

	if code, body := e.do(t, http.MethodPost, "/api/settings", `{"default_mode":"warp"}`, nil); code != http.StatusBadRequest || body["message"] != "default_mode must be one of: real, mobile, zero, demo" {
		t.Errorf("bad mode = %d %v", code, body)
	}
	if code, _ := e.do(t, http.MethodPost, "/api/settings", `{"default_server":"nowhere"}`, nil); code != http.StatusBadRequest {
		t.Errorf("bad server = %d", code)
	}
	for _, path := range []string{"/bin/sh", "/tmp/openvpn-helper", "C:\\\\Windows\\\\calc.exe"} {
		body := `{"openvpn_path":"` + path + `"}`
		if code, _ := e.do(t, http.MethodPost, "/api/settings", body, nil); code != http.StatusBadRequest {
			t.Errorf("openvpn_path %q = %d", path, code)
		}
	}
	if code, body := e.do(t, http.MethodPost, "/api/settings", `{"openvpn_path":"/usr/sbin/openvpn"}`, nil); code != http.StatusOK || body["openvpn_path"] != "/usr/sbin/openvpn" {
		t.Errorf("openvpn_path = %d %v", code, body)
	}
	code, body := e.do(t, http.MethodPost, "/api/settings", `{"default_mode":"zero","default_server":"ny"}`, nil)
	if code != http.StatusOK || body["default_mode"] != "zero" || body["default_server"] != "ny" {
		t.Errorf("update = %d %v", code, body)
	}
	if _, body = e.do(t, http.MethodGet, "/api/settings", "", nil); body["default_mode"] != "zero" {
		t.Errorf("get = %v", body)
	}

	if code, body := e.do(t, http.MethodPost, "/api/subscriptions", `{"name":"x","url":"not a url"}`, nil); code != http.StatusBadRequest || body["message"] != "url must be a valid URL" {
		t.Errorf("bad url = %d %v", code, body)
	}
	if code, _ := e.do(t, http.MethodPost, "/api/subscriptions", `{"name":`, nil); code != http.StatusBadRequest {
		t.Errorf("bad json = %d", code)
	}
	code, body = e.do(t, http.MethodPost, "/api/subscriptions", `{"name":"home","url":"https://example.com/sub"}`, nil)
	if code != http.StatusCreated || body["name"] != "home" {
		t.Errorf("add = %d %v", code, body)
	}
}

func TestCredentialsValidation(t *testing.T) {
	e := newEnv(t, nil)
	if code, _ := e.do(t, http.MethodPut, "/api/credentials/nowhere", `{"username":"a","password":"b"}`, nil); code != http.StatusNotFound {
		t.Errorf("unknown server = %d", code)
	}
	if code, body := e.do(t, http.MethodPut, "/api/credentials/lab", `{"username":"a"}`, nil); code != http.StatusBadRequest || body["message"] != "password is required" {
		t.Errorf("missing password = %d %v", code, body)
	}
	if _, body := e.do(t, http.MethodPost, "/api/subscriptions", `{}`, nil); body["message"] != "name is required; url is required" {
		t.Errorf("empty subscription = %v", body)
	}
}

func TestCredentialsSetAndDelete(t *testing.T) {
	e := newEnv(t, nil)
	if code, _ := e.do(t, http.MethodPut, "/api/credentials/lab", `{"username":"alice","password":"pw"}`, nil); code != http.StatusNoContent {
		t.Fatalf("put = %d", code)
	}
	if c, src := e.srv.Creds.Get("lab", credentials.Credentials{}); src != credentials.SourceKeyring || c.Username != "alice" {
		t.Errorf("after put = %+v from %s", c, src)
	}

	if code, _ := e.do(t, http.MethodDelete, "/api/credentials/lab", "", nil); code != http.StatusNoContent {
		t.Fatalf("delete = %d", code)
	}
	if _, src := e.srv.Creds.Get("lab", credentials.Credentials{}); src == credentials.SourceKeyring {
		t.Error("credentials still in keyring after delete")
	}
	// повторное удаление не ошибка
	if code, _ := e.do(t, http.MethodDelete, "/api/credentials/lab", "", nil); code != http.StatusNoContent {
		t.Errorf("second delete = %d", code)
	}
	if code, _ := e.do(t, http.MethodDelete, "/api/credentials/nowhere", "", nil); code != http.StatusNotFound {
		t.Errorf("unknown server = %d", code)
	}
}

func TestCredentialsDeleteRequiresAPIKey(t *testing.T) {
	e := newEnv(t, func(c *config.Config) { c.Server.APIKey = "secret" })
	if code, _ := e.do(t, http.MethodDelete, "/api/credentials/lab", "", nil); code != http.StatusUnauthorized {
		t.Errorf("without key = %d", code)
	}
	if code, _ := e.do(t, http.MethodDelete, "/api/credentials/lab", "", map[string]string{"X-API-Key": "secret"}); code != http.StatusNoContent {
		t.Errorf("with key = %d", code)
	}
}

func TestRecommendedMode(t *testing.T) {
	tests := []struct {
		ua      string
		openvpn bool
		want    store.Mode
	}{
		{"Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X)", true, store.ModeMobile},
		{"Mozilla/5.0 (Linux; Android 14)", false, store.ModeMobile},
		{"Mozilla/5.0 (Windows NT 10.0; Win64; x64)", true, store.ModeReal},
		{"Mozilla/5.0 (X11; Linux x86_64)", false, store.ModeZero},
		{"curl/8.0", true, store.ModeDemo},
		{"", false, store.ModeDemo},
	}
	for _, tt := range tests {
		if got := recommendedMode(tt.ua, tt.openvpn); got != tt.want {
			t.Errorf("recommendedMode(%q, %v) = %s, want %s", tt.ua, tt.openvpn, got, tt.want)
		}
	}
}

func TestFormatUptime(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0:00:00"},
		{59 * time.Second, "0:00:59"},
		{time.Hour + 2*time.Minute + 3*time.Second, "1:02:03"},
		{26 * time.Hour, "26:00:00"},
		{-time.Second, "0:00:00"},
	}
	for _, tt := range tests {
		if got := formatUptime(tt.d); got != tt.want {
			t.Errorf("formatUptime(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
