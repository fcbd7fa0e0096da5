package vpn

import (
	"context"
	"path/filepath"
	"time"

	"github.com/GalitskyKK/nekkus-vpn/internal/config"
	"github.com/GalitskyKK/nekkus-vpn/internal/credentials"
	"github.com/GalitskyKK/nekkus-vpn/internal/store"
)

// Result of a successful connect.
type Result struct {
	Message     string
	OriginalIP  string
	VPNIP       string
	ProxyActive bool
}

// Connector drives one connection mode.
type Connector interface {
	Connect(ctx context.Context, server store.ServerNode) (Result, error)
	Disconnect(ctx context.Context) (string, error)
	// Alive reports whether the tunnel set up by the last Connect still runs.
	Alive() bool
}

// IPSource returns the current public IP, bypassing caches.
type IPSource interface {
	RefreshPublicIP(ctx context.Context) string
}

type Deps struct {
	VPN           config.VPNConfig
	ProxyCheckURL string
	ProxyTimeout  time.Duration
	Store         *store.Store
	IP            IPSource
	Creds         *credentials.Resolver
}

// DefaultConnectors wires one connector per mode.
func DefaultConnectors(d Deps) map[store.Mode]Connector {
	return map[store.Mode]Connector{
		store.ModeReal: &OpenVPN{
			Store:             d.Store,
			ConfigPath:        d.VPN.OpenVPNPath,
			RuntimeDir:        filepath.Join(d.Store.DataDir(), "runtime"),
			Creds:             d.Creds,
			IP:                d.IP,
			ConnectTimeout:    d.VPN.ConnectTimeout,
			DisconnectTimeout: d.VPN.DisconnectTimeout,
			SettleDelay:       d.VPN.SettleDelay,
		},
		store.ModeMobile: &MobileProxy{
			CheckURL: d.ProxyCheckURL,
			Timeout:  d.ProxyTimeout,
			IP:       d.IP,
		},
		store.ModeZero: &ZeroRelay{Timeout: d.ProxyTimeout},
		store.ModeDemo: &Simulated{IP: d.IP},
	}
}

// sleepCtx waits d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
