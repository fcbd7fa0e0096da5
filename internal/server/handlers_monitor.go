package server

import (
	"errors"
	"net/http"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/GalitskyKK/nekkus-vpn/internal/metrics"
	"github.com/GalitskyKK/nekkus-vpn/internal/store"
	"github.com/GalitskyKK/nekkus-vpn/internal/vpn"
)

const defaultConnectionsLimit = 50

type systemMetrics struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_percent"`
	UptimeSeconds int64   `json:"uptime_seconds"`
}

type networkMetrics struct {
	Bandwidth         uint64  `json:"bandwidth"`
	AveragePing       float64 `json:"average_ping"`
	ActiveConnections int     `json:"active_connections"`
}

type vpnMetrics struct {
	ConnectionsToday     int      `json:"connections_today"`
	TotalDataTransferred uint64   `json:"total_data_transferred"`
	CurrentServerPing    *float64 `json:"current_server_ping"`
}

type serverStatus struct {
	Ping   float64 `json:"ping"`
	Load   int     `json:"load"`
	Status string  `json:"status"`
}

type metricsResponse struct {
	System        systemMetrics           `json:"system"`
	Network       networkMetrics          `json:"network"`
	VPN           vpnMetrics              `json:"vpn"`
	ServersStatus map[string]serverStatus `json:"servers_status"`
	Timestamp     string                  `json:"timestamp"`
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	now := s.now()
	st := s.Engine.Snapshot()
	resp := metricsResponse{
		System: systemMetrics{UptimeSeconds: int64(now.Sub(s.StartedAt).Seconds())},
		Network: networkMetrics{
			ActiveConnections: st.ActiveConnections,
		},
		VPN: vpnMetrics{
			ConnectionsToday:     st.ConnectionsToday,
			TotalDataTransferred: st.TotalDataTransferred,
			CurrentServerPing:    st.LastPing,
		},
		ServersStatus: map[string]serverStatus{},
		Timestamp:     timestamp(now),
	}
	if sample, ok := s.latestSample(); ok {
		resp.System.CPUPercent = sample.CPUUsage
		resp.System.MemoryPercent = sample.Memory.Percent
		resp.System.DiskPercent = sample.Disk.Percent
		resp.Network.Bandwidth = sample.Network.BytesSent + sample.Network.BytesRecv
	}

	var sum float64
	var pinged int
	for _, n := range s.Engine.Store().GetServers() {
		resp.ServersStatus[n.ID] = serverStatus{Ping: n.Ping, Load: n.Load, Status: n.Status}
		if n.Ping > 0 {
			sum += n.Ping
			pinged++
		}
	}
	if pinged > 0 {
		resp.Network.AveragePing = sum / float64(pinged)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	clients := s.activeClients()
	var server *metrics.Sample
	if sample, ok := s.latestSample(); ok {
		server = &sample
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"server":       server,
		"clients":      clients,
		"client_count": len(clients),
		"timestamp":    timestamp(s.now()),
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if s.History == nil {
		writeError(w, http.StatusServiceUnavailable, "History is not available")
		return
	}
	alerts, err := s.History.RecentAlerts(r.Context(), 20)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts":    alerts,
		"count":     len(alerts),
		"timestamp": timestamp(s.now()),
	})
}

func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	if s.History == nil {
		writeError(w, http.StatusServiceUnavailable, "History is not available")
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusNotFound, "Alert not found")
		return
	}
	if err := s.History.ResolveAlert(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrAlertNotFound) {
			writeError(w, http.StatusNotFound, "Alert not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "id": id})
}

func (s *Server) handleHistorical(w http.ResponseWriter, r *http.Request) {
	// /historical/abc: такого маршрута нет.
	hours, err := strconv.Atoi(chi.URLParam(r, "hours"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}
	if hours < 1 || hours > store.MaxHistoryHours {
		writeError(w, http.StatusBadRequest, store.ErrInvalidRange.Error())
		return
	}
	if s.History == nil {
		writeError(w, http.StatusServiceUnavailable, "History is not available")
		return
	}
	data, err := s.History.StatsSince(r.Context(), hours)
	if err != nil {
		if errors.Is(err, store.ErrInvalidRange) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":      data,
		"count":     len(data),
		"hours":     hours,
		"timestamp": timestamp(s.now()),
	})
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	if s.History == nil {
		writeError(w, http.StatusServiceUnavailable, "History is not available")
		return
	}
	limit := defaultConnectionsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	logs, err := s.History.RecentConnections(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"connections": logs,
		"count":       len(logs),
	})
}

type autoConfigRequest struct {
	WriteConfigs bool `json:"write_configs"`
}

type autoConfigResponse struct {
	OSDetection      string   `json:"os_detection"`
	OpenVPNInstalled bool     `json:"openvpn_installed"`
	OpenVPNPath      string   `json:"openvpn_path,omitempty"`
	ConfigsWritten   []string `json:"configs_written"`
	AutoConfigured   bool     `json:"auto_configured"`
	Errors           []string `json:"errors"`
}

// handleAutoConfig проверяет окружение и по запросу пишет .ovpn для real-серверов.
func (s *Server) handleAutoConfig(w http.ResponseWriter, r *http.Request) {
	var req autoConfigRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ov := s.Engine.OpenVPNStatus()
	resp := autoConfigResponse{
		OSDetection:      runtime.GOOS,
		OpenVPNInstalled: ov.Installed,
		OpenVPNPath:      ov.Path,
		ConfigsWritten:   []string{},
		Errors:           []string{},
	}
	if !ov.Installed {
		resp.Errors = append(resp.Errors, "OpenVPN is not installed")
	}
	if req.WriteConfigs {
		dir := filepath.Join(s.Engine.Store().DataDir(), "configs")
		servers := s.Engine.Store().GetServersByMode(store.ModeReal)
		written, err := vpn.WriteConfigs(dir, servers, runtime.GOOS == "windows")
		resp.ConfigsWritten = append(resp.ConfigsWritten, written...)
		if err != nil {
			resp.Errors = append(resp.Errors, err.Error())
		}
	}
	resp.AutoConfigured = ov.Installed && len(resp.Errors) == 0
	writeJSON(w, http.StatusOK, resp)
}
