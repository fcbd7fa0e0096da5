package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const ConfigPathEnvVar = "CONFIG_PATH"

var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/nekkus-vpn/config.yaml",
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "127.0.0.1",
			Port:              8080,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      60 * time.Second,
			ShutdownTimeout:   10 * time.Second,
			CORSOrigins:       []string{"*"},
			RateLimitRequests: 120,
			RateLimitWindow:   time.Minute,
		},
		GRPC: GRPCConfig{
			Enabled: true,
			Port:    19081,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		VPN: VPNConfig{
			Username:          "proton_free",
			Password:          "proton_free",
			ConnectTimeout:    15 * time.Second,
			DisconnectTimeout: 10 * time.Second,
			SettleDelay:       3 * time.Second,
			PingTimeout:       3 * time.Second,
			FreeServers:       true,
		},
		IPCheck: IPCheckConfig{
			IPURLs:          []string{"https://api.ipify.org?format=json", "https://httpbin.org/ip"},
			GeoURL:          "https://ipapi.co/%s/json/",
			ProxyCheckURL:   "https://httpbin.org/ip",
			Timeout:         10 * time.Second,
			CacheTTL:        time.Minute,
			RatePerMinute:   45,
			BreakerFailures: 5,
			BreakerTimeout:  30 * time.Second,
		},
		Monitor: MonitorConfig{
			RefreshInterval: 10,
			StatsTTL:        30 * time.Second,
			PingInterval:    5 * time.Minute,
			Retention:       7 * 24 * time.Hour,
			HealthInterval:  30 * time.Second,
			HealthThreshold: 3,
			HealthTargets:   []string{"8.8.8.8:53", "1.1.1.1:53", "208.67.222.222:53"},
			CPUWarning:      80,
			CPUCritical:     90,
			MemoryWarning:   85,
			MemoryCritical:  95,
			DiskCritical:    90,
		},
	}
}

// Load layers defaults, the YAML file and the environment, then validates.
// An explicit path must exist; otherwise CONFIG_PATH and the default
// locations are tried.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path == "" {
		path = findConfigFile()
	} else if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}
	if err := splitSliceFields(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Variables the Flask servers read directly.
var envAliases = map[string]string{
	"vpn_username":     "vpn.username",
	"vpn_password":     "vpn.password",
	"refresh_interval": "monitor.refresh_interval",
	"openvpn_path":     "vpn.openvpn_path",
	"api_key":          "server.api_key",
	"log_level":        "logging.level",
}

const envPrefix = "nekkus_vpn_"

// envKey maps VPN_USERNAME style aliases and NEKKUS_VPN_SECTION_KEY names to
// koanf paths. Anything else is ignored.
func envKey(name string) string {
	key := strings.ToLower(name)
	if path, ok := envAliases[key]; ok {
		return path
	}
	if !strings.HasPrefix(key, envPrefix) {
		return ""
	}
	section, rest, ok := strings.Cut(strings.TrimPrefix(key, envPrefix), "_")
	if !ok || rest == "" {
		return ""
	}
	return section + "." + rest
}

var sliceFields = []string{
	"server.cors_origins",
	"ipcheck.ip_urls",
	"monitor.health_targets",
}

// splitSliceFields turns comma separated env values into lists.
func splitSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceFields {
		s, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		var parts []string
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if err := k.Set(path, parts); err != nil {
			return fmt.Errorf("set %s: %w", path, err)
		}
	}
	return nil
}
