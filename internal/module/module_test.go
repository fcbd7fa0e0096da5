package module

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	pb "github.com/GalitskyKK/nekkus-core/pkg/protocol"
	"github.com/goccy/go-json"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/GalitskyKK/nekkus-vpn/internal/metrics"
	"github.com/GalitskyKK/nekkus-vpn/internal/store"
	"github.com/GalitskyKK/nekkus-vpn/internal/vpn"
)

const testCatalog = `
- id: ny
  name: New York, USA
  host: 127.0.0.1
  port: 1
  ping: 45
  mode: demo
- id: tokyo
  name: Tokyo, Japan
  host: 127.0.0.1
  port: 1
  ping: 12
  mode: demo
`

type stubConnector struct {
	mu    sync.Mutex
	alive bool
}

func (c *stubConnector) Connect(_ context.Context, s store.ServerNode) (vpn.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alive = true
	return vpn.Result{Message: "Connected to " + s.Name, VPNIP: "10.8.0.2"}, nil
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

type stubHealth vpn.HealthLevel

func (h stubHealth) Report() vpn.HealthReport {
	return vpn.HealthReport{Level: vpn.HealthLevel(h)}
}

type stubStats struct{}

func (stubStats) Latest() (metrics.Sample, bool) {
	return metrics.Sample{CPUUsage: 42}, true
}

type stubAlerts []store.Alert

func (a stubAlerts) RecentAlerts(context.Context, int) ([]store.Alert, error) {
	return a, nil
}

func newTestModule(t *testing.T, opts Options) *VPNModule {
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
	engine := vpn.NewEngine(st, map[store.Mode]vpn.Connector{store.ModeDemo: &stubConnector{}}, vpn.Options{})
	return New(engine, opts)
}

// dial поднимает модуль на bufconn и возвращает клиента.
func dial(t *testing.T, m *VPNModule) pb.NekkusModuleClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	m.Register(srv)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return pb.NewNekkusModuleClient(conn)
}

func TestGetInfoOverGRPC(t *testing.T) {
	client := dial(t, newTestModule(t, Options{HTTPPort: 8080, GRPCPort: 19081, Version: "1.2.3"}))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	info, err := client.GetInfo(ctx, &pb.Empty{})
	if err != nil {
		t.Fatal(err)
	}
	if info.Id != "vpn" || info.HttpPort != 8080 || info.GrpcPort != 19081 || info.Version != "1.2.3" {
		t.Errorf("info = %+v", info)
	}
	if info.UiUrl != "http://127.0.0.1:8080" {
		t.Errorf("ui url = %q", info.UiUrl)
	}
}

func TestExecuteOverGRPC(t *testing.T) {
	client := dial(t, newTestModule(t, Options{}))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tests := []struct {
		name    string
		action  string
		params  map[string]string
		success bool
	}{
		{"disconnect when idle is a no-op", "disconnect", nil, true},
		{"vpn.disconnect when idle", "vpn.disconnect", nil, false},
		{"connect without id", "vpn.connect", nil, false},
		{"connect unknown", "vpn.connect", map[string]string{"server_id": "mars"}, false},
		{"connect", "vpn.connect", map[string]string{"server_id": "ny"}, true},
		{"connect twice", "vpn.connect", map[string]string{"server_id": "tokyo"}, false},
		{"hub disconnect", "disconnect", nil, true},
		{"quick connect bad mode", "vpn.quick_connect", map[string]string{"mode": "warp"}, false},
		{"quick connect", "vpn.quick_connect", map[string]string{"mode": "demo"}, true},
		{"vpn.disconnect", "vpn.disconnect", nil, true},
		{"unknown", "vpn.teleport", nil, false},
	}
	for _, tt := range tests {
		resp, err := client.Execute(ctx, &pb.ExecuteRequest{ActionId: tt.action, Params: tt.params})
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if resp.Success != tt.success {
			t.Errorf("%s: success = %v (%s), want %v", tt.name, resp.Success, resp.Error, tt.success)
		}
	}
}

func TestQuery(t *testing.T) {
	m := newTestModule(t, Options{
		Stats:  stubStats{},
		Alerts: stubAlerts{{ID: 1, Type: metrics.AlertCPUHigh, Severity: metrics.SeverityWarning}},
	})
	ctx := context.Background()

	resp, err := m.Query(ctx, &pb.QueryRequest{QueryType: "servers"})
	if err != nil || !resp.Success {
		t.Fatalf("servers = %+v, %v", resp, err)
	}
	var servers []store.ServerNode
	if err := json.Unmarshal(resp.Data, &servers); err != nil || len(servers) != 2 {
		t.Errorf("servers = %v, %v", servers, err)
	}

	resp, _ = m.Query(ctx, &pb.QueryRequest{QueryType: "status"})
	var st vpn.State
	if err := json.Unmarshal(resp.Data, &st); err != nil || st.Status != vpn.Disconnected {
		t.Errorf("status = %+v, %v", st, err)
	}

	resp, _ = m.Query(ctx, &pb.QueryRequest{QueryType: "metrics"})
	var sample metrics.Sample
	if err := json.Unmarshal(resp.Data, &sample); err != nil || sample.CPUUsage != 42 {
		t.Errorf("metrics = %+v, %v", sample, err)
	}

	resp, _ = m.Query(ctx, &pb.QueryRequest{QueryType: "alerts"})
	var alerts []store.Alert
	if err := json.Unmarshal(resp.Data, &alerts); err != nil || len(alerts) != 1 {
		t.Errorf("alerts = %+v, %v", alerts, err)
	}

	if resp, _ = m.Query(ctx, &pb.QueryRequest{QueryType: "weather"}); resp.Success {
		t.Error("unknown query succeeded")
	}
}

func TestQueryWithoutSources(t *testing.T) {
	m := newTestModule(t, Options{})
	for _, q := range []string{"metrics", "alerts"} {
		resp, err := m.Query(context.Background(), &pb.QueryRequest{QueryType: q})
		if err != nil || resp.Success {
			t.Errorf("%s = %+v, %v", q, resp, err)
		}
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		level   vpn.HealthLevel
		healthy bool
	}{
		{vpn.HealthHealthy, true},
		{vpn.HealthDegraded, true},
		{vpn.HealthUnhealthy, false},
	}
	for _, tt := range tests {
		m := newTestModule(t, Options{Health: stubHealth(tt.level)})
		h, err := m.Health(context.Background(), &pb.Empty{})
		if err != nil {
			t.Fatal(err)
		}
		if h.Healthy != tt.healthy || h.Details["health_level"] != string(tt.level) || h.Message != "disconnected" {
			t.Errorf("%s: health = %+v", tt.level, h)
		}
	}
}

func TestSnapshot(t *testing.T) {
	m := newTestModule(t, Options{})
	snap, err := m.GetSnapshot(context.Background(), &pb.Empty{})
	if err != nil {
		t.Fatal(err)
	}
	if snap.ModuleId != "vpn" || len(snap.State) == 0 {
		t.Errorf("snapshot = %+v", snap)
	}
	res, err := m.RestoreSnapshot(context.Background(), snap)
	if err != nil || !res.Success {
		t.Errorf("restore = %+v, %v", res, err)
	}
}

func TestActionsAndWidgets(t *testing.T) {
	m := newTestModule(t, Options{})
	actions, _ := m.GetActions(context.Background(), &pb.Empty{})
	want := map[string]bool{"vpn.connect": true, "vpn.disconnect": true, "vpn.quick_connect": true}
	for _, a := range actions.Actions {
		if !want[a.Id] || a.ModuleId != "vpn" {
			t.Errorf("unexpected action %+v", a)
		}
		delete(want, a.Id)
	}
	if len(want) != 0 {
		t.Errorf("missing actions %v", want)
	}
	widgets, _ := m.GetWidgets(context.Background(), &pb.Empty{})
	if len(widgets.Widgets) < 2 {
		t.Errorf("widgets = %d", len(widgets.Widgets))
	}
}
