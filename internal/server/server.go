// Package server exposes the VPN engine, monitoring data and settings over
// REST (chi) and websocket.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GalitskyKK/nekkus-vpn/internal/config"
	"github.com/GalitskyKK/nekkus-vpn/internal/credentials"
	"github.com/GalitskyKK/nekkus-vpn/internal/ipcheck"
	"github.com/GalitskyKK/nekkus-vpn/internal/metrics"
	"github.com/GalitskyKK/nekkus-vpn/internal/store"
	"github.com/GalitskyKK/nekkus-vpn/internal/vpn"
)

// IPLookup: то, что статусу нужно от ipcheck.Checker.
type IPLookup interface {
	PublicIP(ctx context.Context) string
	Locate(ctx context.Context, ip string) ipcheck.Location
}

type StatsSource interface {
	Latest() (metrics.Sample, bool)
}

type HealthSource interface {
	Report() vpn.HealthReport
}

type Deps struct {
	Config    *config.Config
	Engine    *vpn.Engine
	History   *store.History
	IP        IPLookup
	Stats     StatsSource
	Health    HealthSource
	Creds     *credentials.Resolver
	Hub       *Hub
	Pinger    vpn.Pinger
	Version   string
	StartedAt time.Time
}

type Server struct {
	Deps
	now func() time.Time
}

func New(d Deps) *Server {
	if d.StartedAt.IsZero() {
		d.StartedAt = time.Now()
	}
	if d.Version == "" {
		d.Version = "dev"
	}
	if d.Hub == nil {
		d.Hub = NewHub()
	}
	return &Server{Deps: d, now: time.Now}
}

// Handler builds the chi router with the full middleware chain.
func (s *Server) Handler() http.Handler {
	cfg := s.Config.Server
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(accessLog)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "X-API-Key"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", s.Hub.ServeWS)

	r.Route("/api", func(r chi.Router) {
		if cfg.RateLimitRequests > 0 {
			window := cfg.RateLimitWindow
			if window <= 0 {
				window = time.Minute
			}
			r.Use(httprate.Limit(cfg.RateLimitRequests, window,
				httprate.WithKeyFuncs(httprate.KeyByIP),
				httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
					writeError(w, http.StatusTooManyRequests, "Too many requests")
				}),
			))
		}

		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)
		r.Get("/servers", s.handleServers)
		r.Get("/servers/best", s.handleBestServer)
		r.Get("/traffic", s.handleTraffic)
		r.Get("/metrics", s.handleMetrics)
		r.Get("/stats", s.handleStats)
		r.Get("/clients", s.handleClients)
		r.Get("/alerts", s.handleAlerts)
		r.Get("/historical/{hours}", s.handleHistorical)
		r.Get("/connections", s.handleConnections)
		r.Get("/settings", s.handleGetSettings)
		r.Get("/subscriptions", s.handleGetSubscriptions)

		r.Group(func(r chi.Router) {
			r.Use(requireAPIKey(cfg.APIKey))
			r.Post("/connect/{id}", s.handleConnect)
			r.Post("/quick-connect", s.handleQuickConnect)
			r.Post("/disconnect", s.handleDisconnect)
			r.Post("/alerts/{id}/resolve", s.handleResolveAlert)
			r.Post("/config", s.handleAutoConfig)
			r.Post("/settings", s.handleUpdateSettings)
			r.Post("/subscriptions", s.handleAddSubscription)
			r.Post("/subscriptions/refresh", s.handleRefreshSubscriptions)
			r.Put("/credentials/{id}", s.handleSetCredentials)
			r.Delete("/credentials/{id}", s.handleDeleteCredentials)
		})
	})

	return r
}

// HTTPServer returns an *http.Server for the configured address.
func (s *Server) HTTPServer() *http.Server {
	cfg := s.Config.Server
	return &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}
}

// Forward engine and health events to websocket clients.
func (s *Server) WireEvents(health *vpn.HealthMonitor) {
	s.Engine.Subscribe(func(ev vpn.Event) {
		s.Hub.Broadcast(ev.Type, ev)
	})
	if health != nil {
		health.OnChange(func(r vpn.HealthReport) {
			s.Hub.Broadcast(vpn.EventHealthChanged, r)
		})
	}
}
