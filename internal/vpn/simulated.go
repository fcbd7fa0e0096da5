package vpn

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/GalitskyKK/nekkus-vpn/internal/store"
)

// Префиксы /24 по городам для имитации туннеля.
var cityPrefixes = map[string][]string{
	"New York":  {"198.50.163", "104.248.90", "167.99.83"},
	"London":    {"185.162.231", "51.158.68", "194.5.207"},
	"Frankfurt": {"88.198.50", "167.86.95", "46.101.103"},
	"Amsterdam": {"185.162.231", "194.5.207", "46.101.95"},
	"Toronto":   {"192.99.38", "198.50.163", "167.99.83"},
	"Tokyo":     {"133.18.194", "160.16.226", "103.89.253"},
}

// SimulatedIP returns a plausible address for city: a known /24 with a
// random host part, or 192.168.x.y for unknown cities.
func SimulatedIP(city string, r *rand.Rand) string {
	octet := func() int { return 1 + r.IntN(254) }
	if prefixes, ok := cityPrefixes[city]; ok {
		return fmt.Sprintf("%s.%d", prefixes[r.IntN(len(prefixes))], octet())
	}
	return fmt.Sprintf("192.168.%d.%d", octet(), octet())
}

// Simulated: демо-режим без туннеля.
type Simulated struct {
	IP IPSource

	mu     sync.Mutex
	rng    *rand.Rand
	active bool
}

func (s *Simulated) Connect(ctx context.Context, server store.ServerNode) (Result, error) {
	originalIP := ""
	if s.IP != nil {
		originalIP = s.IP.RefreshPublicIP(ctx)
	}
	s.mu.Lock()
	if s.rng == nil {
		s.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	ip := SimulatedIP(server.City(), s.rng)
	s.active = true
	s.mu.Unlock()

	return Result{
		Message:    fmt.Sprintf("Connected to %s! Simulated IP: %s", server.Name, ip),
		OriginalIP: originalIP,
		VPNIP:      ip,
	}, nil
}

func (s *Simulated) Disconnect(context.Context) (string, error) {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
	return "Disconnected successfully", nil
}

func (s *Simulated) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}
