package module

import (
	"context"
	"errors"
	"fmt"
	"time"

	pb "github.com/GalitskyKK/nekkus-core/pkg/protocol"
	"github.com/goccy/go-json"
	"google.golang.org/grpc"

	"github.com/GalitskyKK/nekkus-vpn/internal/metrics"
	"github.com/GalitskyKK/nekkus-vpn/internal/store"
	"github.com/GalitskyKK/nekkus-vpn/internal/vpn"
)

const ModuleID = "vpn"

// AlertReader is the part of store.History used by the alerts query.
type AlertReader interface {
	RecentAlerts(ctx context.Context, limit int) ([]store.Alert, error)
}

type HealthReporter interface {
	Report() vpn.HealthReport
}

type StatsSource interface {
	Latest() (metrics.Sample, bool)
}

type Options struct {
	HTTPPort int
	GRPCPort int
	Version  string
	Health   HealthReporter
	Stats    StatsSource
	Alerts   AlertReader
}

type VPNModule struct {
	pb.UnimplementedNekkusModuleServer
	engine *vpn.Engine
	opts   Options
}

func New(engine *vpn.Engine, opts Options) *VPNModule {
	if opts.HTTPPort <= 0 {
		opts.HTTPPort = 8080
	}
	if opts.GRPCPort <= 0 {
		opts.GRPCPort = 19081
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	return &VPNModule{engine: engine, opts: opts}
}

// Register attaches the module to a grpc server.
func (m *VPNModule) Register(s *grpc.Server) {
	pb.RegisterNekkusModuleServer(s, m)
}

func (m *VPNModule) GetInfo(ctx context.Context, _ *pb.Empty) (*pb.ModuleInfo, error) {
	return &pb.ModuleInfo{
		Id:           ModuleID,
		Name:         "Nekkus VPN",
		Version:      m.opts.Version,
		Description:  "VPN control: real, mobile proxy, zero-config relay and demo modes",
		Color:        "#3B82F6",
		HttpPort:     int32(m.opts.HTTPPort),
		GrpcPort:     int32(m.opts.GRPCPort),
		UiUrl:        fmt.Sprintf("http://127.0.0.1:%d", m.opts.HTTPPort),
		Capabilities: []string{"vpn.connect", "vpn.disconnect", "vpn.quick_connect", "vpn.status", "vpn.servers", "vpn.metrics"},
		Provides:     []string{"vpn.status", "vpn.traffic", "vpn.servers", "vpn.alerts"},
		Status:       pb.ModuleStatus_MODULE_RUNNING,
	}, nil
}

func (m *VPNModule) Health(ctx context.Context, _ *pb.Empty) (*pb.HealthStatus, error) {
	status := m.engine.GetStatus()
	details := map[string]string{
		"vpn_status": string(status),
	}
	healthy := status != vpn.Error
	if m.opts.Health != nil {
		rep := m.opts.Health.Report()
		details["health_level"] = string(rep.Level)
		details["consecutive_failures"] = fmt.Sprint(rep.ConsecutiveFailures)
		if rep.Level == vpn.HealthUnhealthy {
			healthy = false
		}
	}
	if srv := m.engine.GetCurrentServer(); srv != nil {
		details["server"] = srv.ID
	}
	return &pb.HealthStatus{
		Healthy: healthy,
		Message: string(status),
		Details: details,
	}, nil
}

func (m *VPNModule) GetWidgets(ctx context.Context, _ *pb.Empty) (*pb.WidgetList, error) {
	return &pb.WidgetList{
		Widgets: []*pb.Widget{
			{
				Id:                "vpn.status",
				Title:             "VPN Status",
				Size:              pb.WidgetSize_WIDGET_SMALL,
				DataEndpoint:      "/api/status?lookup=false",
				RefreshIntervalMs: 2000,
			},
			{
				Id:                "vpn.metrics",
				Title:             "Server Metrics",
				Size:              pb.WidgetSize_WIDGET_MEDIUM,
				DataEndpoint:      "/api/metrics",
				RefreshIntervalMs: 10000,
			},
			{
				Id:                "vpn.traffic",
				Title:             "Traffic",
				Size:              pb.WidgetSize_WIDGET_MEDIUM,
				DataEndpoint:      "/api/traffic",
				RefreshIntervalMs: 1000,
			},
		},
	}, nil
}

func (m *VPNModule) GetActions(ctx context.Context, _ *pb.Empty) (*pb.ActionList, error) {
	return &pb.ActionList{
		Actions: []*pb.Action{
			{
				Id:          "vpn.connect",
				Label:       "Connect VPN",
				Description: "Connect to VPN server",
				Icon:        "🔌",
				ModuleId:    ModuleID,
				Tags:        []string{"vpn", "connect", "network"},
				Params: []*pb.ActionParam{
					{Name: "server_id", Type: "string", Label: "Server"},
				},
			},
			{
				Id:          "vpn.disconnect",
				Label:       "Disconnect VPN",
				Description: "Disconnect from VPN",
				Icon:        "🔌",
				ModuleId:    ModuleID,
				Tags:        []string{"vpn", "disconnect"},
			},
			{
				Id:          "vpn.quick_connect",
				Label:       "Quick Connect",
				Description: "Connect to the best available server",
				Icon:        "⚡",
				ModuleId:    ModuleID,
				Tags:        []string{"vpn", "quick", "connect"},
				Params: []*pb.ActionParam{
					{Name: "mode", Type: "string", Label: "Mode"},
				},
			},
		},
	}, nil
}

// StreamData не используется: события идут через /ws.
func (m *VPNModule) StreamData(req *pb.StreamRequest, _ grpc.ServerStreamingServer[pb.DataEvent]) error {
	return nil
}

func failed(err error) *pb.ExecuteResponse {
	return &pb.ExecuteResponse{Success: false, Error: err.Error()}
}

func (m *VPNModule) Execute(ctx context.Context, req *pb.ExecuteRequest) (*pb.ExecuteResponse, error) {
	switch req.ActionId {
	case "disconnect":
		// Hub при остановке модуля шлёт action "disconnect"
		res, err := m.engine.Disconnect(ctx)
		if errors.Is(err, vpn.ErrNotConnected) {
			return &pb.ExecuteResponse{Success: true, Message: "Not connected"}, nil
		}
		if err != nil {
			return failed(err), nil
		}
		return &pb.ExecuteResponse{Success: true, Message: res.Message}, nil
	case "vpn.connect":
		serverID := req.Params["server_id"]
		if serverID == "" {
			return &pb.ExecuteResponse{Success: false, Error: "server_id is required"}, nil
		}
		res, err := m.engine.Connect(ctx, serverID)
		if err != nil {
			return failed(err), nil
		}
		return &pb.ExecuteResponse{Success: true, Message: res.Message}, nil
	case "vpn.disconnect":
		res, err := m.engine.Disconnect(ctx)
		if err != nil {
			return failed(err), nil
		}
		return &pb.ExecuteResponse{Success: true, Message: res.Message}, nil
	case "vpn.quick_connect":
		var mode store.Mode
		if raw := req.Params["mode"]; raw != "" && raw != "all" {
			parsed, ok := store.ParseMode(raw)
			if !ok {
				return &pb.ExecuteResponse{Success: false, Error: "unknown mode: " + raw}, nil
			}
			mode = parsed
		}
		res, err := m.engine.QuickConnect(ctx, mode)
		if err != nil {
			return failed(err), nil
		}
		return &pb.ExecuteResponse{Success: true, Message: res.Message}, nil
	}
	return &pb.ExecuteResponse{Success: false, Error: "unknown action"}, nil
}

func queryData(v any) (*pb.QueryResponse, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return &pb.QueryResponse{Success: false, Error: err.Error()}, nil
	}
	return &pb.QueryResponse{Success: true, Data: data}, nil
}

func (m *VPNModule) Query(ctx context.Context, req *pb.QueryRequest) (*pb.QueryResponse, error) {
	switch req.QueryType {
	case "servers":
		return queryData(m.engine.Store().GetServers())
	case "status":
		return queryData(m.engine.Snapshot())
	case "metrics":
		if m.opts.Stats == nil {
			return &pb.QueryResponse{Success: false, Error: "metrics not available"}, nil
		}
		sample, ok := m.opts.Stats.Latest()
		if !ok {
			return &pb.QueryResponse{Success: false, Error: "no samples yet"}, nil
		}
		return queryData(sample)
	case "alerts":
		if m.opts.Alerts == nil {
			return &pb.QueryResponse{Success: false, Error: "alerts not available"}, nil
		}
		alerts, err := m.opts.Alerts.RecentAlerts(ctx, 20)
		if err != nil {
			return &pb.QueryResponse{Success: false, Error: err.Error()}, nil
		}
		return queryData(alerts)
	}
	return &pb.QueryResponse{Success: false, Error: "unknown query"}, nil
}

func (m *VPNModule) GetSnapshot(ctx context.Context, _ *pb.Empty) (*pb.StateSnapshot, error) {
	st := m.engine.Snapshot()
	data, err := json.Marshal(map[string]any{
		"status":       st.Status,
		"current_node": st.CurrentServer,
		"mode":         st.CurrentMode,
		"session_id":   st.SessionID,
	})
	if err != nil {
		return nil, err
	}
	return &pb.StateSnapshot{
		ModuleId:  ModuleID,
		Timestamp: time.Now().Unix(),
		State:     data,
	}, nil
}

// RestoreSnapshot принимает снимок, но туннель заново не поднимает.
func (m *VPNModule) RestoreSnapshot(ctx context.Context, snap *pb.StateSnapshot) (*pb.RestoreResult, error) {
	return &pb.RestoreResult{Success: true, Message: "Restored"}, nil
}
