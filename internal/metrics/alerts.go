package metrics

import (
	"fmt"
	"time"

	"github.com/GalitskyKK/nekkus-vpn/internal/config"
	"github.com/GalitskyKK/nekkus-vpn/internal/store"
)

const (
	AlertCPUHigh    = "cpu_high"
	AlertMemoryHigh = "memory_high"
	AlertDiskFull   = "disk_full"

	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

type Thresholds struct {
	CPUWarning     float64
	CPUCritical    float64
	MemoryWarning  float64
	MemoryCritical float64
	DiskCritical   float64
}

func ThresholdsFrom(m config.MonitorConfig) Thresholds {
	return Thresholds{
		CPUWarning:     m.CPUWarning,
		CPUCritical:    m.CPUCritical,
		MemoryWarning:  m.MemoryWarning,
		MemoryCritical: m.MemoryCritical,
		DiskCritical:   m.DiskCritical,
	}
}

// Evaluate returns the alerts a sample triggers.
func Evaluate(s Sample, th Thresholds, now time.Time) []store.Alert {
	var alerts []store.Alert
	if s.CPUUsage > th.CPUWarning {
		alerts = append(alerts, store.Alert{
			Timestamp: now,
			Type:      AlertCPUHigh,
			Severity:  severity(s.CPUUsage, th.CPUCritical),
			Message:   fmt.Sprintf("High CPU usage: %.1f%%", s.CPUUsage),
		})
	}
	if s.Memory.Percent > th.MemoryWarning {
		alerts = append(alerts, store.Alert{
			Timestamp: now,
			Type:      AlertMemoryHigh,
			Severity:  severity(s.Memory.Percent, th.MemoryCritical),
			Message:   fmt.Sprintf("High memory usage: %.1f%%", s.Memory.Percent),
		})
	}
	if s.Disk.Percent > th.DiskCritical {
		alerts = append(alerts, store.Alert{
			Timestamp: now,
			Type:      AlertDiskFull,
			Severity:  SeverityCritical,
			Message:   fmt.Sprintf("Disk space critical: %.1f%% used", s.Disk.Percent),
		})
	}
	return alerts
}

func severity(v, critical float64) string {
	if v >= critical {
		return SeverityCritical
	}
	return SeverityWarning
}
