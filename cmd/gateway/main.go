// cmd/gateway/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/pflag"

	"iot-telemetry-hub/internal/alerting"
	"iot-telemetry-hub/internal/analytics"
	"iot-telemetry-hub/internal/anomaly"
	"iot-telemetry-hub/internal/api"
	"iot-telemetry-hub/internal/auth"
	"iot-telemetry-hub/internal/calibration"
	"iot-telemetry-hub/internal/config"
	"iot-telemetry-hub/internal/ingest"
	"iot-telemetry-hub/internal/mqtt"
	"iot-telemetry-hub/internal/storage"
	"iot-telemetry-hub/internal/websocket"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// --- Configuration ---
	configPath := pflag.String("config", ".", "Path to the configuration file directory")
	pflag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg.Log.Level)
	if err := run(cfg, log); err != nil {
		log.Error("gateway stopped", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	log := slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: lvl, TimeFormat: time.DateTime}))
	slog.SetDefault(log)
	return log
}

func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (storage.Store, func(), error) {
	if cfg.Database.Driver == "memory" {
		log.Warn("using in-memory store; data is lost on restart")
		return storage.NewMemoryStore(), func() {}, nil
	}

	db, err := storage.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, nil, err
	}
	store := storage.NewGormStore(db)
	if cfg.Database.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			return nil, nil, err
		}
	}
	closeDB := func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	}
	return store, closeDB, nil
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize Components ---
	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeStore()

	rules, err := cfg.AnomalyRules()
	if err != nil {
		return err
	}

	broadcaster := websocket.NewBroadcaster(log)
	detector := anomaly.NewDetector(rules, log)
	alerter := alerting.NewAlerter(broadcaster, log)
	ingester := ingest.NewService(store, calibration.NewEvaluator(log), broadcaster, log,
		ingest.WithAlerts(detector, alerter))
	verifier := auth.NewDeviceVerifier(store, log)
	authManager := auth.NewAuthManager(auth.Config{
		JWTSecret:     cfg.Auth.JWTSecret,
		JWTExpiration: cfg.Auth.JWTExpiration,
	}, store)

	apiHandler := api.NewAPIHandler(ingester, verifier, authManager, broadcaster, analytics.NewAggregator(store), store, log,
		api.WithHistorySize(cfg.WebSocket.HistorySize),
		api.WithSendBuffer(cfg.WebSocket.SendBuffer),
		api.WithAllowedOrigins(cfg.Server.AllowedOrigins))

	// --- Setup HTTP Servers ---
	dataServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.DataPort),
		Handler:           api.SetupDataRouter(apiHandler),
		ReadHeaderTimeout: 10 * time.Second,
	}
	uiServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.UIPort),
		Handler:           api.SetupUIRouter(apiHandler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 3)
	serve := func(name string, srv *http.Server) {
		log.Info("starting server", "server", name, "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("%s server: %w", name, err)
		}
	}
	go serve("data", dataServer)
	go serve("ui", uiServer)

	if cfg.MQTT.Enabled {
		listener := mqtt.NewListener(mqtt.Config{
			BrokerURL: cfg.MQTT.BrokerURL,
			Topic:     cfg.MQTT.Topic,
			ClientID:  cfg.MQTT.ClientID,
		}, verifier, ingester, log)
		go func() {
			if err := listener.Run(ctx); err != nil {
				errs <- err
			}
		}()
	}

	// --- Graceful Shutdown ---
	select {
	case <-ctx.Done():
		log.Info("shutting down servers")
	case err = <-errs:
		log.Error("server failed, shutting down", "error", err)
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// Hijacked WebSocket connections are not tracked by Shutdown.
	broadcaster.CloseAll()
	for name, srv := range map[string]*http.Server{"data": dataServer, "ui": uiServer} {
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			log.Warn("server shutdown", "server", name, "error", serr)
		}
	}

	log.Info("servers gracefully stopped")
	return err
}
