package vpn

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/GalitskyKK/nekkus-vpn/internal/store"
)

// ZeroRelay проверяет доступность веб-релея; сам трафик идёт через браузер.
type ZeroRelay struct {
	Timeout time.Duration

	mu     sync.Mutex
	active bool
}

func (z *ZeroRelay) Connect(ctx context.Context, server store.ServerNode) (Result, error) {
	endpoint := server.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s/", server.Host)
	}
	timeout := z.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := &http.Client{
		Timeout: timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Result{}, fmt.Errorf("Relay %s unreachable: %w", server.Name, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("Relay %s unreachable: %w", server.Name, err)
	}
	resp.Body.Close()

	z.mu.Lock()
	z.active = true
	z.mu.Unlock()
	return Result{
		Message:     fmt.Sprintf("Zero install proxy activated: %s", server.Name),
		ProxyActive: true,
	}, nil
}

func (z *ZeroRelay) Disconnect(context.Context) (string, error) {
	z.mu.Lock()
	z.active = false
	z.mu.Unlock()
	return "Zero install proxy deactivated", nil
}

func (z *ZeroRelay) Alive() bool {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.active
}
