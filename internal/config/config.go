// Package config loads nekkus-vpn settings from defaults, an optional YAML
// file and the environment (see Load).
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	GRPC      GRPCConfig      `koanf:"grpc"`
	Logging   LoggingConfig   `koanf:"logging"`
	Data      DataConfig      `koanf:"data"`
	VPN       VPNConfig       `koanf:"vpn"`
	IPCheck   IPCheckConfig   `koanf:"ipcheck"`
	Monitor   MonitorConfig   `koanf:"monitor"`
	Discovery DiscoveryConfig `koanf:"discovery"`
}

type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `koanf:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `koanf:"write_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
	// APIKey protects mutating routes when set.
	APIKey            string        `koanf:"api_key"`
	CORSOrigins       []string      `koanf:"cors_origins"`
	RateLimitRequests int           `koanf:"rate_limit_requests" validate:"min=0"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
}

type GRPCConfig struct {
	Enabled bool `koanf:"enabled"`
	Port    int  `koanf:"port" validate:"min=1,max=65535"`
}

type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

type DataConfig struct {
	// Dir defaults to the nekkus data directory for the "vpn" module.
	Dir         string `koanf:"dir"`
	CatalogPath string `koanf:"catalog_path"`
}

type VPNConfig struct {
	OpenVPNPath       string        `koanf:"openvpn_path"`
	Username          string        `koanf:"username"`
	Password          string        `koanf:"password"`
	ConnectTimeout    time.Duration `koanf:"connect_timeout" validate:"gt=0"`
	DisconnectTimeout time.Duration `koanf:"disconnect_timeout" validate:"gt=0"`
	SettleDelay       time.Duration `koanf:"settle_delay" validate:"min=0"`
	PingTimeout       time.Duration `koanf:"ping_timeout" validate:"gt=0"`
	FreeServers       bool          `koanf:"free_servers_enabled"`
}

type IPCheckConfig struct {
	IPURLs          []string      `koanf:"ip_urls" validate:"min=1,dive,url"`
	GeoURL          string        `koanf:"geo_url" validate:"required"`
	GeoIPDB         string        `koanf:"geoip_db"`
	ProxyCheckURL   string        `koanf:"proxy_check_url" validate:"url"`
	Timeout         time.Duration `koanf:"timeout" validate:"gt=0"`
	CacheTTL        time.Duration `koanf:"cache_ttl" validate:"gt=0"`
	RatePerMinute   int           `koanf:"rate_per_minute" validate:"min=1"`
	BreakerFailures uint32        `koanf:"breaker_failures" validate:"min=1"`
	BreakerTimeout  time.Duration `koanf:"breaker_timeout" validate:"gt=0"`
}

type MonitorConfig struct {
	// RefreshInterval is in seconds, as REFRESH_INTERVAL always was.
	RefreshInterval int           `koanf:"refresh_interval" validate:"min=1"`
	StatsTTL        time.Duration `koanf:"stats_ttl" validate:"gt=0"`
	PingInterval    time.Duration `koanf:"ping_interval" validate:"gt=0"`
	Retention       time.Duration `koanf:"retention" validate:"gt=0"`
	HealthInterval  time.Duration `koanf:"health_interval" validate:"gt=0"`
	HealthThreshold int           `koanf:"health_threshold" validate:"min=1"`
	HealthTargets   []string      `koanf:"health_targets" validate:"min=1,dive,hostname_port"`

	CPUWarning     float64 `koanf:"cpu_warning" validate:"min=0,max=100"`
	CPUCritical    float64 `koanf:"cpu_critical" validate:"min=0,max=100"`
	MemoryWarning  float64 `koanf:"memory_warning" validate:"min=0,max=100"`
	MemoryCritical float64 `koanf:"memory_critical" validate:"min=0,max=100"`
	DiskCritical   float64 `koanf:"disk_critical" validate:"min=0,max=100"`
}

type DiscoveryConfig struct {
	Enabled bool `koanf:"enabled"`
}

// RefreshEvery converts the collector interval to a duration.
func (m MonitorConfig) RefreshEvery() time.Duration {
	return time.Duration(m.RefreshInterval) * time.Second
}

// Addr is the HTTP listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

var validate = validator.New()

// Validate runs struct tag checks and the cross-field threshold rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Monitor.CPUCritical < c.Monitor.CPUWarning {
		return fmt.Errorf("monitor.cpu_critical (%.0f) below cpu_warning (%.0f)", c.Monitor.CPUCritical, c.Monitor.CPUWarning)
	}
	if c.Monitor.MemoryCritical < c.Monitor.MemoryWarning {
		return fmt.Errorf("monitor.memory_critical (%.0f) below memory_warning (%.0f)", c.Monitor.MemoryCritical, c.Monitor.MemoryWarning)
	}
	if c.GRPC.Enabled && c.GRPC.Port == c.Server.Port {
		return fmt.Errorf("grpc.port and server.port are both %d", c.Server.Port)
	}
	return nil
}
