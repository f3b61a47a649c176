package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/wilsonzlin/aero/proxy/voice-rooms/internal/config"
	"github.com/wilsonzlin/aero/proxy/voice-rooms/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/voice-rooms/internal/identity"
	"github.com/wilsonzlin/aero/proxy/voice-rooms/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/voice-rooms/internal/signaling"
)

// app is the assembled server: HTTP surface, identity gateway and the
// signaling hub.
type app struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	http      *httpserver.Server
	hub       *signaling.Hub
	signaling *signaling.Server
	users     *identity.Repository

	hubCancel context.CancelFunc
	hubDone   chan struct{}
	closeOnce sync.Once
}

func newApp(cfg config.Config, logger *slog.Logger, build httpserver.BuildInfo) (*app, error) {
	m := metrics.New()

	db, err := identity.OpenDB(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open user store %q: %w", cfg.DBPath, err)
	}
	users := identity.NewRepository(db)

	srv, err := httpserver.New(cfg, logger, build)
	if err != nil {
		_ = users.Close()
		return nil, err
	}

	svc := identity.NewService(users, identity.NewPasswordHasher(0), identity.NewTokenManager(cfg.JWTSecret, cfg.TokenTTL))
	idHandler := identity.NewHandler(svc, logger)
	idHandler.OnAuthFailure = func() { m.Inc(metrics.AuthFailure) }
	idHandler.RegisterRoutes(srv.Mux())
	srv.AddReadinessCheck("user_store", svc.Ping)

	hub := signaling.NewHub(logger, m)
	sig, err := signaling.NewServer(signaling.Config{
		Hub:                  hub,
		Logger:               logger,
		Metrics:              m,
		Verifier:             svc,
		RequireAuth:          cfg.RequireAuth,
		IdleTimeout:          cfg.SignalingWSIdleTimeout,
		PingInterval:         cfg.SignalingWSPingInterval,
		MaxMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		SendQueueBytes:       cfg.SignalingSendQueueBytes,
	})
	if err != nil {
		_ = users.Close()
		return nil, err
	}
	sig.RegisterRoutes(srv.Mux())
	srv.RegisterOnShutdown(sig.Close)

	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m, hubGauges(hub)...))

	ctx, cancel := context.WithCancel(context.Background())
	a := &app{
		log:       logger,
		metrics:   m,
		http:      srv,
		hub:       hub,
		signaling: sig,
		users:     users,
		hubCancel: cancel,
		hubDone:   make(chan struct{}),
	}
	go func() {
		defer close(a.hubDone)
		hub.Run(ctx)
	}()
	return a, nil
}

func hubGauges(hub *signaling.Hub) []metrics.Gauge {
	return []metrics.Gauge{
		{Name: "voice_rooms_connections", Help: "Open signaling connections.", Value: hub.Connections},
		{Name: "voice_rooms_rooms", Help: "Rooms with at least one member.", Value: hub.Rooms},
	}
}

func (a *app) serve(ln net.Listener) error {
	return a.http.Serve(ln)
}

// shutdown drains HTTP, closes every signaling connection, then stops the hub
// and the user store.
func (a *app) shutdown(ctx context.Context) error {
	err := a.http.Shutdown(ctx)
	a.close()
	return err
}

func (a *app) close() {
	a.closeOnce.Do(func() {
		a.signaling.Close()
		a.hubCancel()
		<-a.hubDone
		if err := a.users.Close(); err != nil {
			a.log.Warn("close user store", "err", err)
		}
	})
}
