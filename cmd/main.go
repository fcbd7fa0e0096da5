package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	coreconfig "github.com/GalitskyKK/nekkus-core/pkg/config"
	"github.com/GalitskyKK/nekkus-core/pkg/discovery"
	"google.golang.org/grpc"

	"github.com/GalitskyKK/nekkus-vpn/internal/cache"
	"github.com/GalitskyKK/nekkus-vpn/internal/config"
	"github.com/GalitskyKK/nekkus-vpn/internal/credentials"
	"github.com/GalitskyKK/nekkus-vpn/internal/ipcheck"
	"github.com/GalitskyKK/nekkus-vpn/internal/logging"
	"github.com/GalitskyKK/nekkus-vpn/internal/metrics"
	"github.com/GalitskyKK/nekkus-vpn/internal/module"
	"github.com/GalitskyKK/nekkus-vpn/internal/server"
	"github.com/GalitskyKK/nekkus-vpn/internal/store"
	"github.com/GalitskyKK/nekkus-vpn/internal/supervisor"
	"github.com/GalitskyKK/nekkus-vpn/internal/vpn"
)

var version = "dev"

var (
	httpPort   = flag.Int("port", 0, "HTTP port (overrides config)")
	grpcPort   = flag.Int("grpc-port", 0, "gRPC port (overrides config)")
	dataDirF   = flag.String("data-dir", "", "Data directory (overrides default)")
	configPath = flag.String("config", "", "Path to config.yaml")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		logging.Err(err).Msg("nekkus-vpn stopped with error")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		// логгер ещё не настроен
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *httpPort > 0 {
		cfg.Server.Port = *httpPort
	}
	if *grpcPort > 0 {
		cfg.GRPC.Port = *grpcPort
	}
	if *dataDirF != "" {
		cfg.Data.Dir = *dataDirF
	}
	if cfg.Data.Dir == "" {
		cfg.Data.Dir = coreconfig.GetDataDir("vpn")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	vpn.EnsureChildProcessesKillOnExit()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.Data.Dir, 0750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.New(cfg.Data.Dir, cfg.Data.CatalogPath)
	if err != nil {
		return err
	}

	hist, err := store.OpenHistory(ctx, cfg.Data.Dir)
	if err != nil {
		return err
	}
	defer hist.Close()

	kv, err := cache.New()
	if err != nil {
		return err
	}
	defer kv.Close()

	checker, err := ipcheck.New(cfg.IPCheck, kv)
	if err != nil {
		return err
	}
	defer checker.Close()

	creds := credentials.NewResolver(cfg.VPN.Username, cfg.VPN.Password)
	pinger := vpn.TCPPinger{Timeout: cfg.VPN.PingTimeout}

	engine := vpn.NewEngine(st, vpn.DefaultConnectors(vpn.Deps{
		VPN:           cfg.VPN,
		ProxyCheckURL: cfg.IPCheck.ProxyCheckURL,
		ProxyTimeout:  cfg.IPCheck.Timeout,
		Store:         st,
		IP:            checker,
		Creds:         creds,
	}), vpn.Options{History: hist, Pinger: pinger})

	health := vpn.NewHealthMonitor(engine, cfg.Monitor, hist)
	hub := server.NewHub()

	collector := metrics.NewCollector(metrics.CollectorOptions{
		Sampler: metrics.NewSystemSampler(),
		History: hist,
		Cache:   kv,
		Engine:  engine,
		Monitor: cfg.Monitor,
		RefreshPings: func(ctx context.Context) int {
			return vpn.RefreshPings(ctx, st, pinger, "")
		},
		Broadcast: hub.Broadcast,
	})

	api := server.New(server.Deps{
		Config:    cfg,
		Engine:    engine,
		History:   hist,
		IP:        checker,
		Stats:     collector,
		Health:    health,
		Creds:     creds,
		Hub:       hub,
		Pinger:    pinger,
		Version:   version,
		StartedAt: time.Now(),
	})
	api.WireEvents(health)

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	tree.AddDataService(collector)
	tree.AddDataService(health)
	tree.AddAPIService(hub)
	tree.AddAPIService(supervisor.NewHTTPService(api.HTTPServer(), cfg.Server.ShutdownTimeout))

	if cfg.GRPC.Enabled {
		gs := grpc.NewServer()
		module.New(engine, module.Options{
			HTTPPort: cfg.Server.Port,
			GRPCPort: cfg.GRPC.Port,
			Version:  version,
			Health:   health,
			Stats:    collector,
			Alerts:   hist,
		}).Register(gs)
		tree.AddAPIService(supervisor.NewGRPCService(gs, fmt.Sprintf("127.0.0.1:%d", cfg.GRPC.Port)))
	}

	if cfg.Discovery.Enabled {
		disc, err := discovery.Announce(discovery.ModuleAnnouncement{
			ID:       module.ModuleID,
			Name:     "Nekkus VPN",
			HTTPPort: cfg.Server.Port,
			GRPCPort: cfg.GRPC.Port,
		})
		if err != nil {
			logging.Warn().Err(err).Msg("discovery announce failed")
		} else {
			defer disc.Shutdown()
		}
	}

	logging.Info().
		Str("version", version).
		Str("addr", cfg.Server.Addr()).
		Str("data_dir", cfg.Data.Dir).
		Strs("modes", modeNames(engine.Modes())).
		Msg("nekkus-vpn started")

	err = tree.Serve(ctx)

	// Активный туннель закрываем уже после остановки API.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.VPN.DisconnectTimeout+5*time.Second)
	defer cancel()
	if derr := engine.Shutdown(shutdownCtx); derr != nil {
		logging.Err(derr).Msg("disconnect on shutdown")
	}
	if report, rerr := tree.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
		logging.Warn().Int("count", len(report)).Msg("services did not stop in time")
	}
	logging.Info().Msg("nekkus-vpn stopped")

	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func modeNames(modes []store.Mode) []string {
	out := make([]string, len(modes))
	for i, m := range modes {
		out[i] = string(m)
	}
	return out
}
