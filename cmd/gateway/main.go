package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"iiot-gateway/internal/alerting"
	"iiot-gateway/internal/anomaly"
	"iiot-gateway/internal/api"
	"iiot-gateway/internal/auth"
	"iiot-gateway/internal/bus"
	"iiot-gateway/internal/cache"
	"iiot-gateway/internal/config"
	"iiot-gateway/internal/ingest"
	"iiot-gateway/internal/metrics"
	"iiot-gateway/internal/oee"
	"iiot-gateway/internal/poller"
	"iiot-gateway/internal/registry"
	"iiot-gateway/internal/storage"
	"iiot-gateway/internal/websocket"
)

func main() {
	configDir := flag.String("config", ".", "directory containing config.yaml")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("could not load .env", "error", err)
	}

	cfg, err := config.Load(*configDir)
	if err != nil {
		slog.Error("loading configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("gateway stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("gateway stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	var regOpts []registry.Option
	if cfg.Redis.Enabled {
		rc, err := cache.NewRedisCache(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.TTL)
		if err != nil {
			logger.Warn("redis unavailable, machine cache disabled", "addr", cfg.Redis.Addr, "error", err)
		} else {
			defer rc.Close()
			regOpts = append(regOpts, registry.WithCache(rc))
			logger.Info("machine cache enabled", "addr", cfg.Redis.Addr)
		}
	}

	hub := websocket.NewHub(websocket.Config{AllowedOrigins: cfg.Server.AllowedOrigins, Logger: logger})
	machines := registry.New(store, hub, logger, regOpts...)
	alerter := alerting.NewAlerter(store, hub, logger)
	aggregator := oee.New(store, hub, logger,
		oee.WithAutoDowntime(cfg.OEE.AutoDowntime),
		oee.WithRefreshWindow(cfg.OEE.RefreshWindow))
	tracker := metrics.NewTracker()

	router := ingest.NewRouter(ingest.Config{
		Machines:    machines,
		Readings:    store,
		Detector:    anomaly.NewDetectorWithLimits(cfg.Anomaly),
		Alerts:      alerter,
		Transitions: aggregator,
		Sink:        hub,
		Tracker:     tracker,
		Logger:      logger,
	})

	registers := poller.New(poller.Config{
		Ingester:    router,
		Endpoints:   store,
		Interval:    cfg.Poller.Interval,
		ReadTimeout: cfg.Poller.ReadTimeout,
		Logger:      logger,
	})
	endpoints := poller.NewEndpoints(store, registers, endpointDefaults(cfg.Poller.Defaults), logger)

	handler := api.NewAPIHandler(api.Deps{
		Ingest:    router,
		Machines:  machines,
		Readings:  store,
		Alerts:    alerter,
		OEE:       aggregator,
		Endpoints: endpoints,
		Store:     store,
		Tracker:   tracker,
		Auth:      auth.NewManager(cfg.Auth, logger),
		Live:      hub,
		Logger:    logger,
	})
	if cfg.Auth.Disabled {
		logger.Warn("authentication is disabled")
	}

	dataServer := newServer(cfg.Server, cfg.Server.DataPort, api.SetupDataRouter(handler))
	apiServer := newServer(cfg.Server, cfg.Server.APIPort, api.SetupAPIRouter(handler))

	hubCtx, stopHub := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		hub.Run(hubCtx)
	}()

	g, gctx := errgroup.WithContext(ctx)
	for name, srv := range map[string]*http.Server{"data": dataServer, "api": apiServer} {
		g.Go(func() error {
			logger.Info("http server listening", "server", name, "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s server: %w", name, err)
			}
			return nil
		})
	}

	busCtx, stopBus := context.WithCancel(context.Background())
	busDone := make(chan struct{})
	if cfg.Bus.Enabled {
		sub := bus.NewSubscriber(bus.Config{
			URL:           cfg.Bus.URL,
			Subject:       cfg.Bus.Subject,
			ClientName:    cfg.Bus.ClientName,
			ReconnectWait: cfg.Bus.ReconnectWait,
		}, router, logger)
		g.Go(func() error {
			defer close(busDone)
			return sub.Run(busCtx)
		})
	} else {
		close(busDone)
		logger.Info("bus subscriber disabled")
	}

	if cfg.Poller.Enabled {
		registers.LoadEnabled(gctx)
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		for _, srv := range []*http.Server{dataServer, apiServer} {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("http shutdown", "addr", srv.Addr, "error", err)
			}
		}
		stopBus()
		<-busDone
		registers.StopAll()
		stopHub()
		<-hubDone
		return nil
	})

	return g.Wait()
}

func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (storage.Store, error) {
	if cfg.URL == "" {
		logger.Info("no database configured, keeping data in memory", "reading_capacity", cfg.ReadingCapacity)
		return storage.NewMemoryStore(cfg.ReadingCapacity), nil
	}
	store, err := storage.NewPostgresStore(ctx, storage.PostgresConfig{
		URL:            cfg.URL,
		MinConns:       cfg.MinConns,
		MaxConns:       cfg.MaxConns,
		ConnectTimeout: cfg.ConnectTimeout,
		Timescale:      cfg.Timescale,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return store, nil
}

func newServer(cfg config.ServerConfig, port int, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           h,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
	}
}

func endpointDefaults(d config.EndpointDefaults) poller.Defaults {
	return poller.Defaults{
		Port:         d.Port,
		BaudRate:     d.BaudRate,
		DataBits:     d.DataBits,
		StopBits:     d.StopBits,
		Parity:       d.Parity,
		UnitID:       d.UnitID,
		StartAddress: d.StartAddress,
		Quantity:     d.Quantity,
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
