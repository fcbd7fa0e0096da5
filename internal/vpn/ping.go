package vpn

import (
	"context"
	"math"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/GalitskyKK/nekkus-vpn/internal/store"
)

const maxPingsInFlight = 8

type Pinger interface {
	Ping(ctx context.Context, host string, port int) (ms float64, ok bool)
}

// TCPPinger меряет время TCP-рукопожатия.
type TCPPinger struct {
	Timeout time.Duration
}

func (p TCPPinger) Ping(ctx context.Context, host string, port int) (float64, bool) {
	if host == "" {
		return 0, false
	}
	if port == 0 {
		port = 443
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	d := net.Dialer{Timeout: timeout}
	start := time.Now()
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return 0, false
	}
	elapsed := time.Since(start)
	conn.Close()
	return math.Round(float64(elapsed.Microseconds())/100) / 10, true
}

// RefreshPings пингует серверы (не больше 8 одновременно) и сохраняет
// результат в store. Неудачный пинг не трогает старое значение.
// Returns the number of servers that answered.
func RefreshPings(ctx context.Context, st *store.Store, p Pinger, mode store.Mode) int {
	servers := st.GetServersByMode(mode)
	sem := make(chan struct{}, maxPingsInFlight)
	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for _, s := range servers {
		if s.Host == "" {
			continue
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return ok
		}
		wg.Add(1)
		go func(s store.ServerNode) {
			defer wg.Done()
			defer func() { <-sem }()
			if ms, alive := p.Ping(ctx, s.Host, s.Port); alive {
				st.SetPing(s.ID, ms)
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}(s)
	}
	wg.Wait()
	return ok
}
