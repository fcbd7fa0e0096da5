package vpn

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/net"

	"github.com/GalitskyKK/nekkus-vpn/internal/store"
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
- id: down
  name: Down
  status: offline
  ping: 1
  mode: demo
`

type fakeConnector struct {
	mu        sync.Mutex
	err       error
	discErr   error
	alive     bool
	block     chan struct{}
	connects  int
	lastSrv   string
	vpnIP     string
	startedCh chan struct{}
}

func (f *fakeConnector) Connect(ctx context.Context, s store.ServerNode) (Result, error) {
	if f.startedCh != nil {
		close(f.startedCh)
	}
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	f.lastSrv = s.ID
	if f.err != nil {
		return Result{}, f.err
	}
	f.alive = true
	ip := f.vpnIP
	if ip == "" {
		ip = "10.8.0.2"
	}
	return Result{Message: "Connected to " + s.Name, OriginalIP: "203.0.113.7", VPNIP: ip}, nil
}

func (f *fakeConnector) Disconnect(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.discErr != nil {
		return "", f.discErr
	}
	f.alive = false
	return "Disconnected successfully", nil
}

func (f *fakeConnector) Alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

func (f *fakeConnector) setAlive(v bool) {
	f.mu.Lock()
	f.alive = v
	f.mu.Unlock()
}

type fakePinger struct {
	ms float64
	ok bool
}

func (p fakePinger) Ping(context.Context, string, int) (float64, bool) {
	return p.ms, p.ok
}

type memoryLog struct {
	mu   sync.Mutex
	logs []store.ConnectionLog
}

func (m *memoryLog) LogConnection(_ context.Context, l store.ConnectionLog) error {
	m.mu.Lock()
	m.logs = append(m.logs, l)
	m.mu.Unlock()
	return nil
}

func (m *memoryLog) actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.logs))
	for i, l := range m.logs {
		out[i] = l.Action
	}
	return out
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "servers.yaml")
	if err := os.WriteFile(path, []byte(testCatalog), 0600); err != nil {
		t.Fatal(err)
	}
	st, err := store.New(dir, path)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	return st
}

func newTestEngine(t *testing.T, demo *fakeConnector) (*Engine, *memoryLog) {
	t.Helper()
	hist := &memoryLog{}
	e := NewEngine(newTestStore(t), map[store.Mode]Connector{store.ModeDemo: demo}, Options{
		History: hist,
		Pinger:  fakePinger{ms: 42.5, ok: true},
	})
	e.traffic.counters = noCounters
	return e, hist
}

func TestConnectDisconnect(t *testing.T) {
	demo := &fakeConnector{}
	e, hist := newTestEngine(t, demo)

	var (
		mu     sync.Mutex
		events []Status
	)
	e.Subscribe(func(ev Event) {
		mu.Lock()
		events = append(events, ev.Status)
		mu.Unlock()
	})

	res, err := e.Connect(context.Background(), "ny")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if res.Server.ID != "ny" || res.SessionID == "" || res.VPNIP != "10.8.0.2" {
		t.Errorf("result = %+v", res)
	}

	st := e.Snapshot()
	if !st.Connected || st.Connecting || st.Status != Connected {
		t.Errorf("state after connect = %+v", st)
	}
	if st.CurrentServer == nil || st.CurrentServer.ID != "ny" || st.CurrentMode != store.ModeDemo {
		t.Errorf("current server = %+v mode %q", st.CurrentServer, st.CurrentMode)
	}
	if st.LastPing == nil || *st.LastPing != 42.5 {
		t.Errorf("last ping = %v", st.LastPing)
	}
	if st.OriginalIP != "203.0.113.7" || st.ConnectionsToday != 1 || st.ActiveConnections != 1 {
		t.Errorf("state = %+v", st)
	}

	if _, err := e.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	st = e.Snapshot()
	if st.Connected || st.CurrentServer != nil || st.SessionID != "" || st.Status != Disconnected {
		t.Errorf("state after disconnect = %+v", st)
	}
	if st.ConnectionsToday != 1 || st.ActiveConnections != 0 {
		t.Errorf("counters = %d/%d", st.ConnectionsToday, st.ActiveConnections)
	}

	got := hist.actions()
	if len(got) != 2 || got[0] != store.ActionConnect || got[1] != store.ActionDisconnect {
		t.Errorf("history = %v", got)
	}
	mu.Lock()
	defer mu.Unlock()
	want := []Status{Connecting, Connected, Disconnected}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("events[%d] = %s, want %s", i, events[i], want[i])
		}
	}
}

func TestConnectErrors(t *testing.T) {
	demo := &fakeConnector{}
	e, _ := newTestEngine(t, demo)
	ctx := context.Background()

	if _, err := e.Connect(ctx, "atlantis"); !errors.Is(err, ErrServerNotAvailable) {
		t.Fatalf("unknown id: err = %v", err)
	} else if err.Error() != "Server atlantis not available" {
		t.Errorf("message = %q", err.Error())
	}
	// real mode has no connector in this engine
	if _, err := e.Connect(ctx, "lab"); !errors.Is(err, ErrServerNotAvailable) {
		t.Errorf("no connector: err = %v", err)
	}
	if _, err := e.Disconnect(ctx); !errors.Is(err, ErrNotConnected) {
		t.Errorf("disconnect idle: err = %v", err)
	}

	if _, err := e.Connect(ctx, "ny"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Connect(ctx, "tokyo"); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("second connect: err = %v", err)
	}
	// unknown id is checked before "already connected"
	if _, err := e.Connect(ctx, "atlantis"); !errors.Is(err, ErrServerNotAvailable) {
		t.Errorf("unknown while connected: err = %v", err)
	}
}

func TestConnectInProgress(t *testing.T) {
	demo := &fakeConnector{block: make(chan struct{}), startedCh: make(chan struct{})}
	e, _ := newTestEngine(t, demo)

	errc := make(chan error, 1)
	go func() {
		_, err := e.Connect(context.Background(), "ny")
		errc <- err
	}()
	<-demo.startedCh

	if st := e.Snapshot(); !st.Connecting || st.Status != Connecting {
		t.Errorf("state while connecting = %+v", st)
	}
	if _, err := e.Connect(context.Background(), "atlantis"); !errors.Is(err, ErrConnectInProgress) {
		t.Errorf("connect during connect: err = %v", err)
	}
	if _, err := e.Disconnect(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("disconnect during connect: err = %v", err)
	}

	close(demo.block)
	if err := <-errc; err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if st := e.Snapshot(); st.Connecting || !st.Connected {
		t.Errorf("state = %+v", st)
	}
}

func TestConnectFailure(t *testing.T) {
	demo := &fakeConnector{err: errors.New("No working proxy for New York, USA")}
	e, hist := newTestEngine(t, demo)

	_, err := e.Connect(context.Background(), "ny")
	if !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("err = %v, want ErrConnectFailed", err)
	}
	if err.Error() != "No working proxy for New York, USA" {
		t.Errorf("message = %q", err.Error())
	}
	st := e.Snapshot()
	if st.Connecting || st.Connected || st.Status != Error || st.LastError == "" {
		t.Errorf("state = %+v", st)
	}
	if got := hist.actions(); len(got) != 1 || got[0] != store.ActionConnectFailed {
		t.Errorf("history = %v", got)
	}

	// из error можно подключаться снова
	demo.mu.Lock()
	demo.err = nil
	demo.mu.Unlock()
	if _, err := e.Connect(context.Background(), "ny"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if st := e.Snapshot(); st.Status != Connected || st.LastError != "" {
		t.Errorf("state after retry = %+v", st)
	}
}

func TestDisconnectFailureKeepsConnection(t *testing.T) {
	demo := &fakeConnector{}
	e, _ := newTestEngine(t, demo)
	if _, err := e.Connect(context.Background(), "ny"); err != nil {
		t.Fatal(err)
	}
	demo.mu.Lock()
	demo.discErr = errors.New("kill openvpn: permission denied")
	demo.mu.Unlock()

	if _, err := e.Disconnect(context.Background()); !errors.Is(err, ErrDisconnectFailed) {
		t.Fatalf("err = %v, want ErrDisconnectFailed", err)
	}
	if !e.IsConnected() {
		t.Error("state cleared after failed disconnect")
	}
}

func TestQuickConnect(t *testing.T) {
	demo := &fakeConnector{}
	e, _ := newTestEngine(t, demo)

	res, err := e.QuickConnect(context.Background(), store.ModeDemo)
	if err != nil {
		t.Fatalf("QuickConnect: %v", err)
	}
	// down has the lowest ping but is offline
	if res.Server.ID != "tokyo" {
		t.Errorf("server = %s, want tokyo", res.Server.ID)
	}
	if _, err := e.QuickConnect(context.Background(), store.ModeZero); !errors.Is(err, ErrNoServers) {
		t.Errorf("zero mode: err = %v", err)
	}
}

func TestReconcileClearsDeadTunnel(t *testing.T) {
	demo := &fakeConnector{}
	e, hist := newTestEngine(t, demo)
	ctx := context.Background()

	if e.Reconcile(ctx) {
		t.Error("Reconcile while idle reported a loss")
	}
	if _, err := e.Connect(ctx, "ny"); err != nil {
		t.Fatal(err)
	}
	if e.Reconcile(ctx) {
		t.Error("Reconcile with live tunnel reported a loss")
	}

	demo.setAlive(false)
	if !e.Reconcile(ctx) {
		t.Fatal("Reconcile missed a dead tunnel")
	}
	st := e.Snapshot()
	if st.Connected || st.ActiveConnections != 0 || st.LastError != "connection lost" {
		t.Errorf("state = %+v", st)
	}
	got := hist.actions()
	if got[len(got)-1] != store.ActionLost {
		t.Errorf("history = %v", got)
	}
	demo.mu.Lock()
	defer demo.mu.Unlock()
	if demo.connects != 1 {
		t.Errorf("connects = %d, reconcile must not reconnect", demo.connects)
	}
}

func (m *memoryLog) last() store.ConnectionLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logs[len(m.logs)-1]
}

func TestDisconnectCountsSessionBytes(t *testing.T) {
	demo := &fakeConnector{}
	e, hist := newTestEngine(t, demo)
	nics := &nicCounters{}
	eth := net.IOCountersStat{Name: "eth0", BytesRecv: 50 * gib, BytesSent: 20 * gib}
	nics.set(net.IOCountersStat{Name: "tun0", BytesRecv: 1000, BytesSent: 500}, eth)
	e.traffic.counters = nics.read

	if _, err := e.Connect(context.Background(), "ny"); err != nil {
		t.Fatal(err)
	}
	nics.set(net.IOCountersStat{Name: "tun0", BytesRecv: 9000, BytesSent: 2500}, eth)

	res, err := e.Disconnect(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.BytesReceived != 8000 || res.BytesSent != 2000 {
		t.Errorf("result bytes = %d/%d", res.BytesReceived, res.BytesSent)
	}
	if got := e.Snapshot().TotalDataTransferred; got != 10000 {
		t.Errorf("total = %d, want 10000", got)
	}
	if l := hist.last(); l.Action != store.ActionDisconnect || l.BytesReceived != 8000 || l.BytesSent != 2000 {
		t.Errorf("log = %+v", l)
	}
}

func TestReconcileLostTunnelBytes(t *testing.T) {
	demo := &fakeConnector{}
	e, hist := newTestEngine(t, demo)
	nics := &nicCounters{}
	eth := net.IOCountersStat{Name: "eth0", BytesRecv: 50 * gib, BytesSent: 20 * gib}
	nics.set(net.IOCountersStat{Name: "tun0", BytesRecv: 1000, BytesSent: 500}, eth)
	e.traffic.counters = nics.read
	ctx := context.Background()

	if _, err := e.Connect(ctx, "ny"); err != nil {
		t.Fatal(err)
	}
	nics.set(net.IOCountersStat{Name: "tun0", BytesRecv: 4000, BytesSent: 1500}, eth)
	if got := e.GetTrafficStats(); got.Download != 3000 {
		t.Fatalf("traffic = %+v", got)
	}

	// openvpn умер: tun0 пропал раньше, чем health monitor это заметил
	nics.set(eth)
	demo.setAlive(false)
	if got := e.GetTrafficStats(); got.Download != 3000 || got.Upload != 1000 {
		t.Errorf("traffic before reconcile = %+v", got)
	}
	if !e.Reconcile(ctx) {
		t.Fatal("Reconcile missed a dead tunnel")
	}
	if got := e.Snapshot().TotalDataTransferred; got != 4000 {
		t.Errorf("total = %d, want 4000", got)
	}
	if l := hist.last(); l.Action != store.ActionLost || l.BytesReceived != 3000 || l.BytesSent != 1000 {
		t.Errorf("log = %+v", l)
	}
}

func TestConnectionsTodayResetsAtMidnight(t *testing.T) {
	demo := &fakeConnector{}
	e, _ := newTestEngine(t, demo)
	now := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	e.now = func() time.Time { return now }

	if _, err := e.Connect(context.Background(), "ny"); err != nil {
		t.Fatal(err)
	}
	if got := e.Snapshot().ConnectionsToday; got != 1 {
		t.Fatalf("connections today = %d", got)
	}
	now = now.Add(2 * time.Minute)
	if got := e.Snapshot().ConnectionsToday; got != 0 {
		t.Errorf("after midnight = %d, want 0", got)
	}
	if _, err := e.Disconnect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Connect(context.Background(), "tokyo"); err != nil {
		t.Fatal(err)
	}
	if got := e.Snapshot().ConnectionsToday; got != 1 {
		t.Errorf("next day = %d, want 1", got)
	}
}

func TestShutdownIdle(t *testing.T) {
	e, _ := newTestEngine(t, &fakeConnector{})
	if err := e.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestModes(t *testing.T) {
	e := NewEngine(newTestStore(t), map[store.Mode]Connector{
		store.ModeDemo: &fakeConnector{},
		store.ModeReal: &fakeConnector{},
	}, Options{})
	got := e.Modes()
	if len(got) != 2 || got[0] != store.ModeReal || got[1] != store.ModeDemo {
		t.Errorf("Modes = %v", got)
	}
}
