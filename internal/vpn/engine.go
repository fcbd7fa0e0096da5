package vpn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GalitskyKK/nekkus-vpn/internal/logging"
	"github.com/GalitskyKK/nekkus-vpn/internal/metrics"
	"github.com/GalitskyKK/nekkus-vpn/internal/store"
	"github.com/GalitskyKK/nekkus-vpn/internal/subscription"
)

type Status string

const (
	Disconnected Status = "disconnected"
	Connecting   Status = "connecting"
	Connected    Status = "connected"
	Error        Status = "error"
)

const EventStatusChanged = "status_changed"

type Event struct {
	Type    string     `json:"type"`
	Status  Status     `json:"status"`
	Server  string     `json:"server,omitempty"`
	Mode    store.Mode `json:"mode,omitempty"`
	Message string     `json:"message,omitempty"`
}

// State: снимок состояния подключения.
type State struct {
	Status               Status            `json:"status"`
	Connected            bool              `json:"connected"`
	Connecting           bool              `json:"connecting"`
	CurrentServer        *store.ServerNode `json:"current_server"`
	CurrentMode          store.Mode        `json:"current_mode,omitempty"`
	ConnectionStart      *time.Time        `json:"connection_start_time"`
	OriginalIP           string            `json:"original_ip,omitempty"`
	VPNIP                string            `json:"vpn_ip,omitempty"`
	LastPing             *float64          `json:"last_ping"`
	ProxyActive          bool              `json:"proxy_active"`
	SessionID            string            `json:"session_id,omitempty"`
	LastError            string            `json:"last_error,omitempty"`
	ConnectionsToday     int               `json:"connections_today"`
	ActiveConnections    int               `json:"active_connections"`
	TotalDataTransferred uint64            `json:"total_data_transferred"`
}

type ConnectResult struct {
	Message     string
	Server      store.ServerNode
	SessionID   string
	VPNIP       string
	ConnectedAt time.Time
}

type DisconnectResult struct {
	Message        string
	DisconnectedAt time.Time
	Duration       time.Duration
	BytesReceived  uint64
	BytesSent      uint64
}

// ConnectionLogger is the part of store.History the engine writes to.
type ConnectionLogger interface {
	LogConnection(ctx context.Context, l store.ConnectionLog) error
}

type Options struct {
	History ConnectionLogger
	Pinger  Pinger
	Now     func() time.Time
}

type Engine struct {
	store      *store.Store
	connectors map[store.Mode]Connector
	history    ConnectionLogger
	pinger     Pinger
	now        func() time.Time
	traffic    *trafficMeter

	// opMu сериализует Disconnect и Reconcile.
	opMu  sync.Mutex
	mu    sync.RWMutex
	state State
	day   string

	listenersMu sync.RWMutex
	listeners   []func(Event)
}

func NewEngine(st *store.Store, connectors map[store.Mode]Connector, opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		store:      st,
		connectors: connectors,
		history:    opts.History,
		pinger:     opts.Pinger,
		now:        opts.Now,
		traffic:    newTrafficMeter(),
		state:      State{Status: Disconnected},
	}
}

// Subscribe registers fn for status events. fn runs on the caller's goroutine
// of the state change and must not block.
func (e *Engine) Subscribe(fn func(Event)) {
	e.listenersMu.Lock()
	e.listeners = append(e.listeners, fn)
	e.listenersMu.Unlock()
}

func (e *Engine) emit(ev Event) {
	e.listenersMu.RLock()
	ls := append([]func(Event){}, e.listeners...)
	e.listenersMu.RUnlock()
	for _, fn := range ls {
		fn(ev)
	}
}

func (e *Engine) GetStatus() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.Status
}

func (e *Engine) IsConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.Connected
}

func (e *Engine) ActiveConnections() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.ActiveConnections
}

func (e *Engine) GetCurrentServer() *store.ServerNode {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state.CurrentServer == nil {
		return nil
	}
	s := *e.state.CurrentServer
	return &s
}

// Snapshot returns a copy of the connection state.
func (e *Engine) Snapshot() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st := e.state
	if st.CurrentServer != nil {
		s := *st.CurrentServer
		st.CurrentServer = &s
	}
	if st.ConnectionStart != nil {
		t := *st.ConnectionStart
		st.ConnectionStart = &t
	}
	if st.LastPing != nil {
		p := *st.LastPing
		st.LastPing = &p
	}
	if e.day != e.now().Format(time.DateOnly) {
		st.ConnectionsToday = 0
	}
	return st
}

// rollDay обнуляет connections_today после полуночи. Под e.mu.
func (e *Engine) rollDay(now time.Time) {
	d := now.Format(time.DateOnly)
	if d != e.day {
		e.day = d
		e.state.ConnectionsToday = 0
	}
}

func (e *Engine) Store() *store.Store {
	return e.store
}

// Modes lists the modes that have a connector.
func (e *Engine) Modes() []store.Mode {
	out := make([]store.Mode, 0, len(e.connectors))
	for _, m := range store.Modes {
		if _, ok := e.connectors[m]; ok {
			out = append(out, m)
		}
	}
	return out
}

func (e *Engine) OpenVPNStatus() OpenVPNStatus {
	if o, ok := e.connectors[store.ModeReal].(*OpenVPN); ok {
		return o.Status()
	}
	return (&OpenVPN{Store: e.store}).Status()
}

func (e *Engine) Connect(ctx context.Context, serverID string) (ConnectResult, error) {
	e.mu.Lock()
	if e.state.Connecting {
		e.mu.Unlock()
		return ConnectResult{}, ErrConnectInProgress
	}
	server, err := e.store.GetServer(serverID)
	conn, ok := e.connectors[server.Mode]
	if err != nil || !ok {
		e.mu.Unlock()
		return ConnectResult{}, &notAvailableError{id: serverID}
	}
	if e.state.Connected {
		e.mu.Unlock()
		return ConnectResult{}, ErrAlreadyConnected
	}
	e.state.Connecting = true
	e.state.Status = Connecting
	e.state.LastError = ""
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.state.Connecting = false
		if e.state.Status == Connecting {
			e.state.Status = Error
		}
		e.mu.Unlock()
	}()

	log := logging.With().Str("server", server.ID).Str("mode", string(server.Mode)).Logger()
	log.Info().Msg("connecting")
	e.emit(Event{Type: EventStatusChanged, Status: Connecting, Server: server.ID, Mode: server.Mode})

	res, err := conn.Connect(ctx, server)
	if err != nil {
		e.mu.Lock()
		e.state.Connecting = false
		e.state.Status = Error
		e.state.LastError = err.Error()
		e.mu.Unlock()

		log.Warn().Err(err).Msg("connect failed")
		metrics.RecordConnect(string(server.Mode), false)
		e.logConnection(ctx, store.ConnectionLog{
			ServerID:   server.ID,
			Mode:       string(server.Mode),
			OriginalIP: res.OriginalIP,
			Action:     store.ActionConnectFailed,
		})
		e.emit(Event{Type: EventStatusChanged, Status: Error, Server: server.ID, Mode: server.Mode, Message: err.Error()})
		return ConnectResult{}, &opError{kind: ErrConnectFailed, err: err}
	}

	var lastPing *float64
	if e.pinger != nil {
		if ms, ok := e.pinger.Ping(ctx, server.Host, server.Port); ok {
			lastPing = &ms
		}
	}
	now := e.now()
	e.traffic.start(now)
	sessionID := uuid.NewString()

	e.mu.Lock()
	e.rollDay(now)
	node := server
	e.state.Connecting = false
	e.state.Connected = true
	e.state.Status = Connected
	e.state.CurrentServer = &node
	e.state.CurrentMode = server.Mode
	e.state.ConnectionStart = &now
	e.state.OriginalIP = res.OriginalIP
	e.state.VPNIP = res.VPNIP
	e.state.LastPing = lastPing
	e.state.ProxyActive = res.ProxyActive
	e.state.SessionID = sessionID
	e.state.ConnectionsToday++
	e.state.ActiveConnections++
	e.mu.Unlock()

	log.Info().Str("session", sessionID).Str("vpn_ip", res.VPNIP).Msg(res.Message)
	metrics.RecordConnect(string(server.Mode), true)
	metrics.SetConnected(true)
	e.logConnection(ctx, store.ConnectionLog{
		Timestamp:  now,
		SessionID:  sessionID,
		ServerID:   server.ID,
		Mode:       string(server.Mode),
		OriginalIP: res.OriginalIP,
		VirtualIP:  res.VPNIP,
		Action:     store.ActionConnect,
	})
	e.emit(Event{Type: EventStatusChanged, Status: Connected, Server: server.ID, Mode: server.Mode, Message: res.Message})

	return ConnectResult{
		Message:     res.Message,
		Server:      server,
		SessionID:   sessionID,
		VPNIP:       res.VPNIP,
		ConnectedAt: now,
	}, nil
}

// QuickConnect connects to the online server with the lowest known ping.
// An empty mode searches every mode.
func (e *Engine) QuickConnect(ctx context.Context, mode store.Mode) (ConnectResult, error) {
	best, ok := e.store.Best(mode)
	if !ok {
		return ConnectResult{}, ErrNoServers
	}
	return e.Connect(ctx, best.ID)
}

func (e *Engine) Disconnect(ctx context.Context) (DisconnectResult, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.RLock()
	if !e.state.Connected {
		e.mu.RUnlock()
		return DisconnectResult{}, ErrNotConnected
	}
	mode := e.state.CurrentMode
	e.mu.RUnlock()

	recv, sent := e.traffic.session()
	msg, err := e.connectors[mode].Disconnect(ctx)
	if err != nil {
		logging.Err(err).Str("mode", string(mode)).Msg("disconnect failed")
		return DisconnectResult{}, &opError{kind: ErrDisconnectFailed, err: err}
	}

	now := e.now()
	prev := e.clearState(now, recv+sent, Disconnected, "")
	e.traffic.stop()
	metrics.SetConnected(false)

	var duration time.Duration
	if prev.ConnectionStart != nil {
		duration = now.Sub(*prev.ConnectionStart)
	}
	e.logConnection(ctx, store.ConnectionLog{
		Timestamp:     now,
		SessionID:     prev.SessionID,
		ServerID:      serverID(prev.CurrentServer),
		Mode:          string(mode),
		OriginalIP:    prev.OriginalIP,
		VirtualIP:     prev.VPNIP,
		Action:        store.ActionDisconnect,
		BytesReceived: recv,
		BytesSent:     sent,
		Duration:      duration.Seconds(),
	})
	logging.Info().Str("session", prev.SessionID).Dur("duration", duration).Msg(msg)
	e.emit(Event{Type: EventStatusChanged, Status: Disconnected, Server: serverID(prev.CurrentServer), Mode: mode, Message: msg})

	return DisconnectResult{
		Message:        msg,
		DisconnectedAt: now,
		Duration:       duration,
		BytesReceived:  recv,
		BytesSent:      sent,
	}, nil
}

// Reconcile сбрасывает состояние, если туннель умер сам (например, openvpn
// завершился). Переподключения нет. Returns true when the state was cleared.
func (e *Engine) Reconcile(ctx context.Context) bool {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.RLock()
	connected, mode := e.state.Connected, e.state.CurrentMode
	e.mu.RUnlock()
	if !connected || e.connectors[mode].Alive() {
		return false
	}

	recv, sent := e.traffic.session()
	now := e.now()
	prev := e.clearState(now, recv+sent, Disconnected, "connection lost")
	e.traffic.stop()
	metrics.SetConnected(false)

	var duration float64
	if prev.ConnectionStart != nil {
		duration = now.Sub(*prev.ConnectionStart).Seconds()
	}
	logging.Warn().Str("session", prev.SessionID).Str("mode", string(mode)).Msg("connection lost")
	e.logConnection(ctx, store.ConnectionLog{
		Timestamp:     now,
		SessionID:     prev.SessionID,
		ServerID:      serverID(prev.CurrentServer),
		Mode:          string(mode),
		OriginalIP:    prev.OriginalIP,
		VirtualIP:     prev.VPNIP,
		Action:        store.ActionLost,
		BytesReceived: recv,
		BytesSent:     sent,
		Duration:      duration,
	})
	e.emit(Event{Type: EventStatusChanged, Status: Disconnected, Server: serverID(prev.CurrentServer), Mode: mode, Message: "connection lost"})
	return true
}

// Shutdown disconnects an active connection, if any.
func (e *Engine) Shutdown(ctx context.Context) error {
	if _, err := e.Disconnect(ctx); err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	return nil
}

// clearState сбрасывает подключение, счётчики остаются. Возвращает прежнее состояние.
func (e *Engine) clearState(now time.Time, bytes uint64, status Status, lastErr string) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	prev := e.state
	e.rollDay(now)
	e.state.Status = status
	e.state.Connected = false
	e.state.CurrentServer = nil
	e.state.CurrentMode = ""
	e.state.ConnectionStart = nil
	e.state.OriginalIP = ""
	e.state.VPNIP = ""
	e.state.LastPing = nil
	e.state.ProxyActive = false
	e.state.SessionID = ""
	e.state.LastError = lastErr
	if e.state.ActiveConnections > 0 {
		e.state.ActiveConnections--
	}
	e.state.TotalDataTransferred += bytes
	return prev
}

func (e *Engine) logConnection(ctx context.Context, l store.ConnectionLog) {
	if e.history == nil {
		return
	}
	if err := e.history.LogConnection(context.WithoutCancel(ctx), l); err != nil {
		logging.Err(err).Str("action", l.Action).Msg("write connection log")
	}
}

func serverID(s *store.ServerNode) string {
	if s == nil {
		return ""
	}
	return s.ID
}

// GetTrafficStats: трафик текущей сессии (gopsutil, см. traffic.go).
func (e *Engine) GetTrafficStats() TrafficStats {
	return e.traffic.stats(e.IsConnected(), e.now())
}

func (e *Engine) GetSettings() (store.Settings, error) {
	return e.store.GetSettings()
}

func (e *Engine) UpdateSettings(patch store.Settings) (store.Settings, error) {
	return e.store.UpdateSettings(patch)
}

func (e *Engine) AddSubscription(name, url string) (*store.Subscription, error) {
	// Только сохранение; серверы подтягиваются при refresh.
	return e.store.AddSubscription(name, url)
}

func (e *Engine) GetSubscriptions() []store.Subscription {
	return e.store.GetSubscriptions()
}

// RefreshResult: результат обновления одной подписки.
type RefreshResult struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Servers int    `json:"servers"`
}

// RefreshSubscription загружает по URL подписки и обновляет список серверов.
func (e *Engine) RefreshSubscription(ctx context.Context, subID string) (int, error) {
	sub, err := e.store.GetSubscription(subID)
	if err != nil {
		return 0, err
	}
	body, err := subscription.Fetch(ctx, sub.URL)
	if err != nil {
		return 0, fmt.Errorf("fetch: %w", err)
	}
	servers, err := subscription.ParseContent(body)
	if err != nil {
		return 0, fmt.Errorf("parse: %w", err)
	}
	return len(servers), e.store.UpdateSubscriptionServers(subID, servers)
}

// RefreshAllSubscriptions обновляет серверы для всех подписок.
func (e *Engine) RefreshAllSubscriptions(ctx context.Context) []RefreshResult {
	subs := e.store.GetSubscriptions()
	results := make([]RefreshResult, 0, len(subs))
	for _, sub := range subs {
		n, err := e.RefreshSubscription(ctx, sub.ID)
		if err != nil {
			logging.Warn().Err(err).Str("subscription", sub.ID).Msg("refresh subscription")
			results = append(results, RefreshResult{ID: sub.ID, Status: err.Error()})
			continue
		}
		results = append(results, RefreshResult{ID: sub.ID, Status: "ok", Servers: n})
	}
	return results
}
