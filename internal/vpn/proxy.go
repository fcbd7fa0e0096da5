package vpn

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/proxy"

	"github.com/GalitskyKK/nekkus-vpn/internal/ipcheck"
	"github.com/GalitskyKK/nekkus-vpn/internal/logging"
	"github.com/GalitskyKK/nekkus-vpn/internal/store"
)

func proxyURL(p store.ProxyEndpoint) string {
	scheme := "http"
	if p.Type == "socks5" {
		scheme = "socks5"
	}
	return scheme + "://" + p.Addr()
}

// MobileProxy перебирает прокси сервера и включает первый рабочий.
type MobileProxy struct {
	CheckURL string
	Timeout  time.Duration
	IP       IPSource

	mu     sync.Mutex
	active *store.ProxyEndpoint
}

func (m *MobileProxy) Connect(ctx context.Context, server store.ServerNode) (Result, error) {
	originalIP := ""
	if m.IP != nil {
		originalIP = m.IP.RefreshPublicIP(ctx)
	}
	for _, p := range server.Proxies {
		ip, err := m.testProxy(ctx, p)
		if err != nil {
			logging.Debug().Err(err).Str("proxy", proxyURL(p)).Msg("proxy test failed")
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			continue
		}
		setSystemProxy(p)
		m.mu.Lock()
		m.active = &p
		m.mu.Unlock()
		return Result{
			Message:     fmt.Sprintf("Connected to %s via %s proxy! Your IP is now %s", server.Name, p.Type, ip),
			OriginalIP:  originalIP,
			VPNIP:       ip,
			ProxyActive: true,
		}, nil
	}
	return Result{}, fmt.Errorf("No working proxy for %s", server.Name)
}

func (m *MobileProxy) Disconnect(context.Context) (string, error) {
	clearSystemProxy()
	m.mu.Lock()
	m.active = nil
	m.mu.Unlock()
	return "Mobile proxy disconnected", nil
}

func (m *MobileProxy) Alive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil
}

// testProxy делает GET CheckURL через прокси и возвращает origin IP.
func (m *MobileProxy) testProxy(ctx context.Context, p store.ProxyEndpoint) (string, error) {
	transport := &http.Transport{DisableKeepAlives: true}
	switch p.Type {
	case "socks5":
		dialer, err := proxy.SOCKS5("tcp", p.Addr(), nil, proxy.Direct)
		if err != nil {
			return "", err
		}
		cd, ok := dialer.(proxy.ContextDialer)
		if !ok {
			return "", fmt.Errorf("socks5 dialer has no DialContext")
		}
		transport.DialContext = cd.DialContext
	default:
		transport.Proxy = http.ProxyURL(&url.URL{Scheme: "http", Host: p.Addr()})
	}
	defer transport.CloseIdleConnections()

	timeout := m.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := &http.Client{Transport: transport, Timeout: timeout}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.CheckURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", err
	}
	return ipcheck.ExtractIP(body)
}
