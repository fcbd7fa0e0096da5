package vpn

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/GalitskyKK/nekkus-vpn/internal/config"
	"github.com/GalitskyKK/nekkus-vpn/internal/logging"
	"github.com/GalitskyKK/nekkus-vpn/internal/store"
)

type HealthLevel string

const (
	HealthHealthy   HealthLevel = "healthy"
	HealthDegraded  HealthLevel = "degraded"
	HealthUnhealthy HealthLevel = "unhealthy"
)

const EventHealthChanged = "health_changed"

type HealthReport struct {
	Level               HealthLevel `json:"level"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	LastCheck           *time.Time  `json:"last_check,omitempty"`
	LastSuccess         *time.Time  `json:"last_success,omitempty"`
	LatencyMS           float64     `json:"latency_ms"`
}

// EventLogger is the part of store.History the monitor writes to.
type EventLogger interface {
	LogEvent(ctx context.Context, ev store.SystemEvent) error
}

type probeFunc func(ctx context.Context, addr string) (time.Duration, error)

// HealthMonitor следит за живым туннелем. Не переподключает.
type HealthMonitor struct {
	engine    *Engine
	targets   []string
	threshold int
	interval  time.Duration
	events    EventLogger
	probe     probeFunc

	mu       sync.Mutex
	report   HealthReport
	onChange []func(HealthReport)
}

func NewHealthMonitor(e *Engine, cfg config.MonitorConfig, events EventLogger) *HealthMonitor {
	threshold := cfg.HealthThreshold
	if threshold <= 0 {
		threshold = 3
	}
	return &HealthMonitor{
		engine:    e,
		targets:   cfg.HealthTargets,
		threshold: threshold,
		interval:  cfg.HealthInterval,
		events:    events,
		probe:     tcpProbe,
		report:    HealthReport{Level: HealthHealthy},
	}
}

func tcpProbe(ctx context.Context, addr string) (time.Duration, error) {
	d := net.Dialer{Timeout: 5 * time.Second}
	start := time.Now()
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return 0, err
	}
	conn.Close()
	return time.Since(start), nil
}

func (h *HealthMonitor) String() string { return "health-monitor" }

// OnChange registers fn for level changes.
func (h *HealthMonitor) OnChange(fn func(HealthReport)) {
	h.mu.Lock()
	h.onChange = append(h.onChange, fn)
	h.mu.Unlock()
}

func (h *HealthMonitor) Report() HealthReport {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.report
}

// Serve implements suture.Service.
func (h *HealthMonitor) Serve(ctx context.Context) error {
	interval := h.interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.Check(ctx)
		}
	}
}

// Check runs one reconcile + probe cycle.
func (h *HealthMonitor) Check(ctx context.Context) HealthReport {
	h.engine.Reconcile(ctx)
	now := time.Now()

	if !h.engine.IsConnected() {
		return h.update(ctx, func(r *HealthReport) {
			r.ConsecutiveFailures = 0
			r.LatencyMS = 0
		}, now)
	}

	latency, ok := h.probeAny(ctx)
	return h.update(ctx, func(r *HealthReport) {
		r.LastCheck = &now
		if ok {
			r.ConsecutiveFailures = 0
			r.LastSuccess = &now
			r.LatencyMS = float64(latency.Microseconds()) / 1000
			return
		}
		r.ConsecutiveFailures++
	}, now)
}

func (h *HealthMonitor) probeAny(ctx context.Context) (time.Duration, bool) {
	for _, addr := range h.targets {
		d, err := h.probe(ctx, addr)
		if err == nil {
			return d, true
		}
		logging.Debug().Err(err).Str("target", addr).Msg("health probe failed")
	}
	return 0, false
}

func (h *HealthMonitor) levelFor(failures int) HealthLevel {
	switch {
	case failures >= h.threshold:
		return HealthUnhealthy
	case failures > 0:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}

func (h *HealthMonitor) update(ctx context.Context, mutate func(*HealthReport), now time.Time) HealthReport {
	h.mu.Lock()
	prev := h.report.Level
	mutate(&h.report)
	h.report.Level = h.levelFor(h.report.ConsecutiveFailures)
	report := h.report
	listeners := append([]func(HealthReport){}, h.onChange...)
	h.mu.Unlock()

	if report.Level == prev {
		return report
	}
	logging.Info().
		Str("from", string(prev)).
		Str("to", string(report.Level)).
		Int("failures", report.ConsecutiveFailures).
		Msg("connection health changed")
	if h.events != nil {
		err := h.events.LogEvent(ctx, store.SystemEvent{
			Timestamp:   now,
			Type:        EventHealthChanged,
			Description: fmt.Sprintf("Connection health %s -> %s", prev, report.Level),
			Details:     fmt.Sprintf("consecutive_failures=%d", report.ConsecutiveFailures),
		})
		if err != nil {
			logging.Err(err).Msg("log health event")
		}
	}
	for _, fn := range listeners {
		fn(report)
	}
	return report
}
