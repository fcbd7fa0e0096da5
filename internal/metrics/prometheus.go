package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nekkus_vpn_http_requests_total",
			Help: "HTTP requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nekkus_vpn_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30},
		},
		[]string{"method", "route"},
	)

	ConnectAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nekkus_vpn_connect_attempts_total",
			Help: "Connect attempts by mode and result",
		},
		[]string{"mode", "result"},
	)

	Connected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nekkus_vpn_connected",
		Help: "1 while a connection is active",
	})

	SystemCPUPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nekkus_vpn_system_cpu_percent",
		Help: "Host CPU usage percent at the last sample",
	})

	SystemMemoryPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nekkus_vpn_system_memory_percent",
		Help: "Host memory usage percent at the last sample",
	})

	SystemDiskPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nekkus_vpn_system_disk_percent",
		Help: "Root disk usage percent at the last sample",
	})

	AlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nekkus_vpn_alerts_total",
			Help: "Threshold alerts raised by type and severity",
		},
		[]string{"type", "severity"},
	)

	CollectorRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nekkus_vpn_collector_run_seconds",
		Help:    "Duration of one collector run",
		Buckets: prometheus.DefBuckets,
	})
)

func RecordConnect(mode string, ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	ConnectAttemptsTotal.WithLabelValues(mode, result).Inc()
}

func SetConnected(on bool) {
	if on {
		Connected.Set(1)
		return
	}
	Connected.Set(0)
}

func RecordHTTP(method, route, status string, d time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
