package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/GalitskyKK/nekkus-vpn/internal/logging"
)

type MemoryStat struct {
	Total     uint64  `json:"total"`
	Available uint64  `json:"available"`
	Used      uint64  `json:"used"`
	Percent   float64 `json:"percent"`
}

type DiskStat struct {
	Total   uint64  `json:"total"`
	Used    uint64  `json:"used"`
	Free    uint64  `json:"free"`
	Percent float64 `json:"percent"`
}

type NetworkStat struct {
	BytesSent   uint64 `json:"bytes_sent"`
	BytesRecv   uint64 `json:"bytes_recv"`
	PacketsSent uint64 `json:"packets_sent"`
	PacketsRecv uint64 `json:"packets_recv"`
}

type ProcessStat struct {
	PID    int32   `json:"pid"`
	Name   string  `json:"name"`
	CPU    float64 `json:"cpu_percent"`
	Memory float32 `json:"memory_percent"`
}

// Sample: один снимок состояния хоста.
type Sample struct {
	Timestamp         time.Time     `json:"timestamp"`
	CPUUsage          float64       `json:"cpu_usage"`
	Memory            MemoryStat    `json:"memory"`
	Disk              DiskStat      `json:"disk"`
	Network           NetworkStat   `json:"network"`
	ActiveConnections int           `json:"active_connections"`
	LoadAverage       string        `json:"load_average"`
	Uptime            uint64        `json:"uptime"`
	OpenVPNProcesses  []ProcessStat `json:"openvpn_processes"`
}

type Sampler interface {
	Sample(ctx context.Context) (Sample, error)
}

// SystemSampler reads host stats through gopsutil. Only a memory failure is
// fatal; other parts are left zero.
type SystemSampler struct {
	DiskPath    string
	CPUInterval time.Duration
}

func NewSystemSampler() *SystemSampler {
	return &SystemSampler{DiskPath: "/", CPUInterval: time.Second}
}

func (s *SystemSampler) Sample(ctx context.Context) (Sample, error) {
	out := Sample{Timestamp: time.Now(), LoadAverage: "N/A"}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("memory: %w", err)
	}
	out.Memory = MemoryStat{Total: vm.Total, Available: vm.Available, Used: vm.Used, Percent: vm.UsedPercent}

	if pct, err := cpu.PercentWithContext(ctx, s.CPUInterval, false); err == nil && len(pct) > 0 {
		out.CPUUsage = pct[0]
	} else if err != nil {
		logging.Debug().Err(err).Msg("cpu sample")
	}

	path := s.DiskPath
	if path == "" {
		path = "/"
	}
	if du, err := disk.UsageWithContext(ctx, path); err == nil {
		out.Disk = DiskStat{Total: du.Total, Used: du.Used, Free: du.Free, Percent: du.UsedPercent}
	} else {
		logging.Debug().Err(err).Str("path", path).Msg("disk sample")
	}

	if io, err := net.IOCountersWithContext(ctx, false); err == nil && len(io) > 0 {
		out.Network = NetworkStat{
			BytesSent:   io[0].BytesSent,
			BytesRecv:   io[0].BytesRecv,
			PacketsSent: io[0].PacketsSent,
			PacketsRecv: io[0].PacketsRecv,
		}
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		out.LoadAverage = FormatLoad(avg.Load1, avg.Load5, avg.Load15)
	}

	if up, err := host.UptimeWithContext(ctx); err == nil {
		out.Uptime = up
	}

	out.OpenVPNProcesses = openVPNProcesses(ctx)
	return out, nil
}

func FormatLoad(a, b, c float64) string {
	return fmt.Sprintf("%.2f, %.2f, %.2f", a, b, c)
}

func openVPNProcesses(ctx context.Context) []ProcessStat {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return []ProcessStat{}
	}
	out := []ProcessStat{}
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil || !strings.Contains(strings.ToLower(name), "openvpn") {
			continue
		}
		st := ProcessStat{PID: p.Pid, Name: name}
		st.CPU, _ = p.CPUPercentWithContext(ctx)
		st.Memory, _ = p.MemoryPercentWithContext(ctx)
		out = append(out, st)
	}
	return out
}
