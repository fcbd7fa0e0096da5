package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/GalitskyKK/nekkus-vpn/internal/ipcheck"
	"github.com/GalitskyKK/nekkus-vpn/internal/logging"
	"github.com/GalitskyKK/nekkus-vpn/internal/metrics"
	"github.com/GalitskyKK/nekkus-vpn/internal/store"
	"github.com/GalitskyKK/nekkus-vpn/internal/vpn"
)

const serviceName = "nekkus-vpn"

type healthResponse struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Version   string `json:"version"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "healthy",
		Service:   serviceName,
		Version:   s.Version,
		Timestamp: timestamp(s.now()),
	})
}

type bandwidth struct {
	BytesSent   uint64 `json:"bytes_sent"`
	BytesRecv   uint64 `json:"bytes_recv"`
	PacketsSent uint64 `json:"packets_sent"`
	PacketsRecv uint64 `json:"packets_recv"`
}

type statusResponse struct {
	Status          vpn.Status        `json:"status"`
	Connected       bool              `json:"connected"`
	Connecting      bool              `json:"connecting"`
	CurrentServer   *store.ServerNode `json:"current_server"`
	CurrentMode     store.Mode        `json:"current_mode,omitempty"`
	IPAddress       string            `json:"ip_address"`
	OriginalIP      string            `json:"original_ip,omitempty"`
	VPNIP           string            `json:"vpn_ip,omitempty"`
	IPChanged       bool              `json:"ip_changed"`
	Location        ipcheck.Location  `json:"location"`
	Uptime          *string           `json:"uptime"`
	ConnectionTime  *string           `json:"connection_time"`
	LastPing        *float64          `json:"last_ping"`
	ProxyActive     bool              `json:"proxy_active"`
	LastError       string            `json:"last_error,omitempty"`
	Bandwidth       bandwidth         `json:"bandwidth"`
	Traffic         vpn.TrafficStats  `json:"traffic"`
	Health          *vpn.HealthReport `json:"health,omitempty"`
	AvailableModes  []store.Mode      `json:"available_modes"`
	RecommendedMode store.Mode        `json:"recommended_mode"`
	Timestamp       string            `json:"timestamp"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	st := s.Engine.Snapshot()

	resp := statusResponse{
		Status:          st.Status,
		Connected:       st.Connected,
		Connecting:      st.Connecting,
		CurrentServer:   st.CurrentServer,
		CurrentMode:     st.CurrentMode,
		OriginalIP:      st.OriginalIP,
		VPNIP:           st.VPNIP,
		Location:        ipcheck.UnknownLocation(),
		LastPing:        st.LastPing,
		ProxyActive:     st.ProxyActive,
		LastError:       st.LastError,
		Traffic:         s.Engine.GetTrafficStats(),
		AvailableModes:  s.Engine.Modes(),
		RecommendedMode: recommendedMode(r.UserAgent(), s.Engine.OpenVPNStatus().Installed),
		Timestamp:       timestamp(now),
	}

	if r.URL.Query().Get("lookup") != "false" && s.IP != nil {
		ip := s.IP.PublicIP(r.Context())
		// В demo реальный IP не меняется, показываем виртуальный.
		if st.Connected && st.CurrentMode == store.ModeDemo && st.VPNIP != "" {
			ip = st.VPNIP
		}
		resp.IPAddress = ip
		resp.Location = s.IP.Locate(r.Context(), ip)
	}
	if resp.IPAddress == "" {
		resp.IPAddress = ipcheck.Unknown
	}
	if st.Connected {
		resp.IPChanged = st.OriginalIP != "" && resp.IPAddress != ipcheck.Unknown && resp.IPAddress != st.OriginalIP
		if st.CurrentMode == store.ModeDemo && st.VPNIP != "" {
			resp.IPChanged = true
		}
	}
	if st.ConnectionStart != nil {
		up := formatUptime(now.Sub(*st.ConnectionStart))
		started := timestamp(*st.ConnectionStart)
		resp.Uptime = &up
		resp.ConnectionTime = &started
	}
	if s.Stats != nil {
		if sample, ok := s.Stats.Latest(); ok {
			resp.Bandwidth = bandwidth(sample.Network)
		}
	}
	if s.Health != nil {
		rep := s.Health.Report()
		resp.Health = &rep
	}
	writeJSON(w, http.StatusOK, resp)
}

// formatUptime renders d as H:MM:SS.
func formatUptime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	sec := int64(d / time.Second)
	return fmt.Sprintf("%d:%02d:%02d", sec/3600, sec/60%60, sec%60)
}

func recommendedMode(userAgent string, openvpnInstalled bool) store.Mode {
	ua := strings.ToLower(userAgent)
	for _, m := range []string{"mobile", "android", "iphone", "ipad"} {
		if strings.Contains(ua, m) {
			return store.ModeMobile
		}
	}
	for _, d := range []string{"windows", "mac", "linux"} {
		if strings.Contains(ua, d) {
			if openvpnInstalled {
				return store.ModeReal
			}
			return store.ModeZero
		}
	}
	return store.ModeDemo
}

// modeParam читает ?mode=; пусто и "all": без фильтра.
func modeParam(r *http.Request) (store.Mode, bool) {
	raw := r.URL.Query().Get("mode")
	if raw == "" || strings.EqualFold(raw, "all") {
		return "", true
	}
	return store.ParseMode(raw)
}

type serversResponse struct {
	Servers            map[string]store.ServerNode `json:"servers"`
	TotalServers       int                         `json:"total_servers"`
	Modes              map[store.Mode]int          `json:"modes"`
	Recommended        string                      `json:"recommended,omitempty"`
	FreeServersEnabled bool                        `json:"free_servers_enabled"`
	LastUpdated        string                      `json:"last_updated"`
}

func (s *Server) handleServers(w http.ResponseWriter, r *http.Request) {
	mode, ok := modeParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown mode: "+r.URL.Query().Get("mode"))
		return
	}
	st := s.Engine.Store()
	if r.URL.Query().Get("refresh") == "true" && s.Pinger != nil {
		n := vpn.RefreshPings(r.Context(), st, s.Pinger, mode)
		logging.Debug().Int("pinged", n).Str("mode", string(mode)).Msg("servers refreshed")
	}

	nodes := st.GetServersByMode(mode)
	resp := serversResponse{
		Servers:            make(map[string]store.ServerNode, len(nodes)),
		TotalServers:       len(nodes),
		Modes:              make(map[store.Mode]int, len(store.Modes)),
		FreeServersEnabled: s.Config.VPN.FreeServers,
		LastUpdated:        timestamp(s.now()),
	}
	for _, m := range store.Modes {
		resp.Modes[m] = 0
	}
	for _, n := range nodes {
		resp.Servers[n.ID] = n
		resp.Modes[n.Mode]++
	}
	if best, ok := st.Best(mode); ok {
		resp.Recommended = best.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBestServer(w http.ResponseWriter, r *http.Request) {
	mode, ok := modeParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown mode: "+r.URL.Query().Get("mode"))
		return
	}
	best, ok := s.Engine.Store().Best(mode)
	if !ok {
		writeEngineError(w, vpn.ErrNoServers)
		return
	}
	writeJSON(w, http.StatusOK, best)
}

type connectResponse struct {
	Success        bool       `json:"success"`
	Message        string     `json:"message"`
	Server         string     `json:"server"`
	ServerID       string     `json:"server_id"`
	Mode           store.Mode `json:"mode"`
	SessionID      string     `json:"session_id"`
	VPNIP          string     `json:"vpn_ip,omitempty"`
	ConnectionTime string     `json:"connection_time"`
}

func toConnectResponse(res vpn.ConnectResult) connectResponse {
	return connectResponse{
		Success:        true,
		Message:        res.Message,
		Server:         res.Server.Name,
		ServerID:       res.Server.ID,
		Mode:           res.Server.Mode,
		SessionID:      res.SessionID,
		VPNIP:          res.VPNIP,
		ConnectionTime: timestamp(res.ConnectedAt),
	}
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := s.Engine.Connect(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toConnectResponse(res))
}

func (s *Server) handleQuickConnect(w http.ResponseWriter, r *http.Request) {
	mode, ok := modeParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown mode: "+r.URL.Query().Get("mode"))
		return
	}
	res, err := s.Engine.QuickConnect(r.Context(), mode)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toConnectResponse(res))
}

type disconnectResponse struct {
	Success           bool    `json:"success"`
	Message           string  `json:"message"`
	DisconnectionTime string  `json:"disconnection_time"`
	Duration          float64 `json:"duration"`
	BytesReceived     uint64  `json:"bytes_received"`
	BytesSent         uint64  `json:"bytes_sent"`
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	res, err := s.Engine.Disconnect(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, disconnectResponse{
		Success:           true,
		Message:           res.Message,
		DisconnectionTime: timestamp(res.DisconnectedAt),
		Duration:          res.Duration.Seconds(),
		BytesReceived:     res.BytesReceived,
		BytesSent:         res.BytesSent,
	})
}

func (s *Server) handleTraffic(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Engine.GetTrafficStats())
}

type clientInfo struct {
	SessionID   string     `json:"session_id"`
	ServerID    string     `json:"server_id"`
	Mode        store.Mode `json:"mode"`
	VirtualIP   string     `json:"virtual_ip,omitempty"`
	OriginalIP  string     `json:"original_ip,omitempty"`
	ConnectedAt string     `json:"connected_at"`
}

// activeClients: 0 или 1 сессия: сервис держит одно подключение.
func (s *Server) activeClients() []clientInfo {
	st := s.Engine.Snapshot()
	clients := []clientInfo{}
	if !st.Connected || st.CurrentServer == nil {
		return clients
	}
	c := clientInfo{
		SessionID:  st.SessionID,
		ServerID:   st.CurrentServer.ID,
		Mode:       st.CurrentMode,
		VirtualIP:  st.VPNIP,
		OriginalIP: st.OriginalIP,
	}
	if st.ConnectionStart != nil {
		c.ConnectedAt = timestamp(*st.ConnectionStart)
	}
	return append(clients, c)
}

func (s *Server) handleClients(w http.ResponseWriter, _ *http.Request) {
	clients := s.activeClients()
	writeJSON(w, http.StatusOK, map[string]any{
		"clients": clients,
		"count":   len(clients),
	})
}

// latestSample отдаёт последний снимок коллектора или нулевой.
func (s *Server) latestSample() (metrics.Sample, bool) {
	if s.Stats == nil {
		return metrics.Sample{}, false
	}
	return s.Stats.Latest()
}
