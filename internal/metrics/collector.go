package metrics

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/GalitskyKK/nekkus-vpn/internal/cache"
	"github.com/GalitskyKK/nekkus-vpn/internal/config"
	"github.com/GalitskyKK/nekkus-vpn/internal/logging"
	"github.com/GalitskyKK/nekkus-vpn/internal/store"
)

const (
	EventStatsUpdate = "stats_update"
	EventAlerts      = "alerts"

	pruneEvery = time.Hour
)

// HistoryWriter is the part of store.History the collector writes to.
type HistoryWriter interface {
	SaveStats(ctx context.Context, r store.StatsRecord) error
	SaveAlerts(ctx context.Context, alerts []store.Alert) error
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

// ConnectionCounter reports live sessions; implemented by the vpn engine.
type ConnectionCounter interface {
	ActiveConnections() int
}

type CollectorOptions struct {
	Sampler Sampler
	History HistoryWriter
	Cache   *cache.Cache
	Engine  ConnectionCounter
	Monitor config.MonitorConfig
	// RefreshPings пингует серверы и возвращает число ответивших.
	RefreshPings func(ctx context.Context) int
	Broadcast    func(typ string, data any)
}

// Collector периодически снимает метрики хоста, пишет историю и алерты.
type Collector struct {
	sampler      Sampler
	history      HistoryWriter
	cache        *cache.Cache
	engine       ConnectionCounter
	thresholds   Thresholds
	interval     time.Duration
	statsTTL     time.Duration
	pingInterval time.Duration
	retention    time.Duration
	refreshPings func(ctx context.Context) int
	broadcast    func(typ string, data any)
	now          func() time.Time

	mu        sync.RWMutex
	last      *Sample
	lastPing  time.Time
	lastPrune time.Time
}

func NewCollector(o CollectorOptions) *Collector {
	interval := o.Monitor.RefreshEvery()
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Collector{
		sampler:      o.Sampler,
		history:      o.History,
		cache:        o.Cache,
		engine:       o.Engine,
		thresholds:   ThresholdsFrom(o.Monitor),
		interval:     interval,
		statsTTL:     o.Monitor.StatsTTL,
		pingInterval: o.Monitor.PingInterval,
		retention:    o.Monitor.Retention,
		refreshPings: o.RefreshPings,
		broadcast:    o.Broadcast,
		now:          time.Now,
	}
}

func (c *Collector) String() string { return "metrics-collector" }

// Serve implements suture.Service. A failed run is logged and the loop goes on.
func (c *Collector) Serve(ctx context.Context) error {
	logging.Info().Dur("interval", c.interval).Msg("metrics collector started")
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		if err := c.RunOnce(ctx); err != nil && ctx.Err() == nil {
			logging.Err(err).Msg("collector run failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce samples, stores and broadcasts one round.
func (c *Collector) RunOnce(ctx context.Context) error {
	started := time.Now()
	defer func() { CollectorRunDuration.Observe(time.Since(started).Seconds()) }()

	s, err := c.sampler.Sample(ctx)
	if err != nil {
		return fmt.Errorf("sample: %w", err)
	}
	now := c.now()
	s.Timestamp = now
	if c.engine != nil {
		s.ActiveConnections = c.engine.ActiveConnections()
	}

	c.mu.Lock()
	c.last = &s
	c.mu.Unlock()

	SystemCPUPercent.Set(s.CPUUsage)
	SystemMemoryPercent.Set(s.Memory.Percent)
	SystemDiskPercent.Set(s.Disk.Percent)

	var errs []error
	if c.cache != nil {
		if err := c.cache.Set(cache.KeyServerStats, s, c.statsTTL); err != nil {
			errs = append(errs, fmt.Errorf("cache stats: %w", err))
		}
	}

	alerts := Evaluate(s, c.thresholds, now)
	if c.history != nil {
		err := c.history.SaveStats(ctx, store.StatsRecord{
			Timestamp:         now,
			CPUUsage:          s.CPUUsage,
			MemoryUsage:       s.Memory.Percent,
			DiskUsage:         s.Disk.Percent,
			NetworkIn:         s.Network.BytesRecv,
			NetworkOut:        s.Network.BytesSent,
			ActiveConnections: s.ActiveConnections,
			LoadAverage:       s.LoadAverage,
			Uptime:            s.Uptime,
		})
		if err != nil {
			errs = append(errs, err)
		}
		if len(alerts) > 0 {
			if err := c.history.SaveAlerts(ctx, alerts); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for _, a := range alerts {
		AlertsTotal.WithLabelValues(a.Type, a.Severity).Inc()
		logging.Warn().Str("type", a.Type).Str("severity", a.Severity).Msg(a.Message)
	}

	if c.broadcast != nil {
		c.broadcast(EventStatsUpdate, s)
		if len(alerts) > 0 {
			c.broadcast(EventAlerts, alerts)
		}
	}

	c.maybeRefreshPings(ctx, now)
	if err := c.maybePrune(ctx, now); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Collector) maybeRefreshPings(ctx context.Context, now time.Time) {
	if c.refreshPings == nil || c.pingInterval <= 0 {
		return
	}
	c.mu.Lock()
	due := c.lastPing.IsZero() || now.Sub(c.lastPing) >= c.pingInterval
	if due {
		c.lastPing = now
	}
	c.mu.Unlock()
	if !due {
		return
	}
	n := c.refreshPings(ctx)
	logging.Debug().Int("answered", n).Msg("server pings refreshed")
}

func (c *Collector) maybePrune(ctx context.Context, now time.Time) error {
	if c.history == nil || c.retention <= 0 {
		return nil
	}
	c.mu.Lock()
	due := c.lastPrune.IsZero() || now.Sub(c.lastPrune) >= pruneEvery
	if due {
		c.lastPrune = now
	}
	c.mu.Unlock()
	if !due {
		return nil
	}
	n, err := c.history.Prune(ctx, c.retention)
	if err != nil {
		return fmt.Errorf("prune history: %w", err)
	}
	if n > 0 {
		logging.Info().Int64("rows", n).Msg("history pruned")
	}
	return nil
}

// Latest returns the cached server_stats sample, falling back to the last
// one taken. Returns false before the first run.
func (c *Collector) Latest() (Sample, bool) {
	if c.cache != nil {
		var s Sample
		if err := c.cache.Get(cache.KeyServerStats, &s); err == nil {
			return s, true
		}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.last == nil {
		return Sample{}, false
	}
	return *c.last, true
}
