// Package ipcheck looks up the host's public IP and the location of an IP.
//
// Every upstream URL has its own circuit breaker, and all lookups share one
// outbound rate limiter. Successful answers are cached; failures degrade to
// "Unknown" instead of returning errors to handlers.
package ipcheck

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/oschwald/geoip2-golang"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/GalitskyKK/nekkus-vpn/internal/cache"
	"github.com/GalitskyKK/nekkus-vpn/internal/config"
	"github.com/GalitskyKK/nekkus-vpn/internal/logging"
)

const Unknown = "Unknown"

const geoTTL = time.Hour

var ErrNoAnswer = errors.New("no ip in response")

// errCallerGone: запрос оборвал ctx вызывающего, а не апстрим.
var errCallerGone = errors.New("request canceled by caller")

type Location struct {
	Country string `json:"country"`
	City    string `json:"city"`
	Region  string `json:"region"`
}

func UnknownLocation() Location {
	return Location{Country: Unknown, City: Unknown, Region: Unknown}
}

type Checker struct {
	cfg     config.IPCheckConfig
	client  *http.Client
	cache   *cache.Cache
	limiter *rate.Limiter
	geodb   *geoip2.Reader

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[[]byte]
}

// New builds a Checker. c may be nil (no caching). A configured GeoIP
// database that cannot be opened is an error.
func New(cfg config.IPCheckConfig, c *cache.Cache) (*Checker, error) {
	perMinute := cfg.RatePerMinute
	if perMinute <= 0 {
		perMinute = 45
	}
	ch := &Checker{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		cache:    c,
		limiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
		breakers: make(map[string]*gobreaker.CircuitBreaker[[]byte]),
	}
	if cfg.GeoIPDB != "" {
		db, err := geoip2.Open(cfg.GeoIPDB)
		if err != nil {
			return nil, fmt.Errorf("open geoip db: %w", err)
		}
		ch.geodb = db
	}
	return ch, nil
}

func (c *Checker) Close() error {
	if c.geodb != nil {
		return c.geodb.Close()
	}
	return nil
}

func (c *Checker) breaker(name string) *gobreaker.CircuitBreaker[[]byte] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[name]; ok {
		return cb
	}
	failures := c.cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     c.cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// ушедший клиент не отказ апстрима
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, errCallerGone)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("upstream", name).Str("from", from.String()).Str("to", to.String()).
				Msg("ipcheck circuit breaker state changed")
		},
	})
	c.breakers[name] = cb
	return cb
}

// get runs one GET through the limiter and the breaker for its host.
func (c *Checker) get(ctx context.Context, url string) ([]byte, error) {
	name := url
	if i := strings.Index(url, "://"); i >= 0 {
		rest := url[i+3:]
		if j := strings.IndexAny(rest, "/?"); j >= 0 {
			rest = rest[:j]
		}
		name = rest
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return c.breaker(name).Execute(func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", "nekkus-vpn/1.0")
		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %w", errCallerGone, ctx.Err())
			}
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("%s: status %d", name, resp.StatusCode)
		}
		return io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	})
}

// PublicIP returns the cached public IP or looks it up.
func (c *Checker) PublicIP(ctx context.Context) string {
	if c.cache != nil {
		var ip string
		if err := c.cache.Get(cache.KeyPublicIP, &ip); err == nil && ip != "" {
			return ip
		}
	}
	return c.RefreshPublicIP(ctx)
}

// RefreshPublicIP skips the cache. The tunnel changes the answer, so
// connectors call this around connect and disconnect.
func (c *Checker) RefreshPublicIP(ctx context.Context) string {
	for _, u := range c.cfg.IPURLs {
		body, err := c.get(ctx, u)
		if err != nil {
			logging.Debug().Err(err).Str("url", u).Msg("public ip lookup failed")
			continue
		}
		ip, err := ExtractIP(body)
		if err != nil {
			continue
		}
		if c.cache != nil {
			_ = c.cache.Set(cache.KeyPublicIP, ip, c.cfg.CacheTTL)
		}
		return ip
	}
	if c.cache != nil {
		_ = c.cache.Delete(cache.KeyPublicIP)
	}
	return Unknown
}

// ExtractIP reads {"ip": ...} (ipify) or {"origin": "a, b"} (httpbin).
func ExtractIP(body []byte) (string, error) {
	var v struct {
		IP     string `json:"ip"`
		Origin string `json:"origin"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return "", fmt.Errorf("decode ip response: %w", err)
	}
	ip := v.IP
	if ip == "" {
		ip, _, _ = strings.Cut(v.Origin, ",")
	}
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return "", ErrNoAnswer
	}
	return ip, nil
}

// Locate resolves country, city and region for ip.
func (c *Checker) Locate(ctx context.Context, ip string) Location {
	if ip == "" || ip == Unknown {
		return UnknownLocation()
	}
	load := func() (Location, error) { return c.lookup(ctx, ip) }
	var (
		loc Location
		err error
	)
	if c.cache != nil {
		loc, err = cache.Remember(c.cache, cache.GeoKey(ip), geoTTL, load)
	} else {
		loc, err = load()
	}
	if err != nil {
		logging.Debug().Err(err).Str("ip", ip).Msg("geo lookup failed")
		return UnknownLocation()
	}
	return loc
}

func (c *Checker) lookup(ctx context.Context, ip string) (Location, error) {
	if c.geodb != nil {
		parsed := net.ParseIP(ip)
		if parsed == nil {
			return Location{}, fmt.Errorf("invalid ip %q", ip)
		}
		rec, err := c.geodb.City(parsed)
		if err == nil {
			loc := Location{
				Country: orUnknown(rec.Country.Names["en"]),
				City:    orUnknown(rec.City.Names["en"]),
				Region:  Unknown,
			}
			if len(rec.Subdivisions) > 0 {
				loc.Region = orUnknown(rec.Subdivisions[0].Names["en"])
			}
			return loc, nil
		}
		logging.Debug().Err(err).Msg("geoip db lookup failed, using http")
	}

	body, err := c.get(ctx, fmt.Sprintf(c.cfg.GeoURL, ip))
	if err != nil {
		return Location{}, err
	}
	var v struct {
		Country string `json:"country_name"`
		City    string `json:"city"`
		Region  string `json:"region"`
		Error   bool   `json:"error"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return Location{}, fmt.Errorf("decode geo response: %w", err)
	}
	if v.Error {
		return Location{}, fmt.Errorf("geo api refused %s", ip)
	}
	return Location{Country: orUnknown(v.Country), City: orUnknown(v.City), Region: orUnknown(v.Region)}, nil
}

func orUnknown(s string) string {
	if s == "" {
		return Unknown
	}
	return s
}
