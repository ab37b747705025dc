// Package hub is the composition root that wires storage, the core
// services, the relay, and the HTTP surface together.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/androidremote/fleethub/internal/api"
	"github.com/androidremote/fleethub/internal/auth"
	"github.com/androidremote/fleethub/internal/command"
	"github.com/androidremote/fleethub/internal/config"
	"github.com/androidremote/fleethub/internal/events"
	"github.com/androidremote/fleethub/internal/metrics"
	"github.com/androidremote/fleethub/internal/pairing"
	"github.com/androidremote/fleethub/internal/relay"
	"github.com/androidremote/fleethub/internal/signaling"
	"github.com/androidremote/fleethub/internal/store"
	"github.com/androidremote/fleethub/internal/telemetry"
)

// Hub is the assembled server process.
type Hub struct {
	cfg     *config.Config
	store   store.Store
	relay   *relay.Relay
	api     *api.Server
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New builds a hub from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Hub, error) {
	db, err := store.New(store.Config{Driver: cfg.Storage.Driver, DSN: cfg.Storage.DSN})
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	authSvc := auth.NewService(db, cfg.Auth)
	if err := authSvc.Bootstrap(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap auth: %w", err)
	}

	m := metrics.New()
	bus := events.NewBus(logger)
	eventSvc := events.NewService(db, bus, logger)
	commandSvc := command.NewService(db, eventSvc, logger)
	telemetrySvc := telemetry.NewService(db, eventSvc, logger)

	rly := relay.New(db, authSvc, commandSvc, telemetrySvc, eventSvc, m,
		cfg.Relay, cfg.Server.AllowedOrigins, logger)
	// Commands queued while an agent is connected are pushed over the
	// relay; HTTP polling stays the durable path.
	commandSvc.SetTransport(rly)

	pairingMgr := pairing.NewManager(db, eventSvc, cfg.Pairing.CodeTTL.Duration, logger)
	switchboard := signaling.New(m, logger)

	// Every published event increments the per-type counter.
	bus.Subscribe(eventCounter{m})

	apiSrv := api.NewServer(db, authSvc, pairingMgr, commandSvc, telemetrySvc,
		eventSvc, rly, switchboard, m, cfg, logger)

	h := &Hub{
		cfg:     cfg,
		store:   db,
		relay:   rly,
		api:     apiSrv,
		metrics: m,
		logger:  logger.With("component", "hub"),
	}

	if cfg.Auth.InitialAdmin != nil &&
		cfg.Auth.InitialAdmin.Username == "admin" && cfg.Auth.InitialAdmin.Password == "admin" {
		logger.Warn("default admin credentials detected (admin/admin), change immediately in production")
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}

	return h, nil
}

// eventCounter bridges the event bus to the metrics registry.
type eventCounter struct {
	m *metrics.Metrics
}

func (c eventCounter) Notify(e store.DeviceEvent) {
	c.m.EventPublished(e.EventType)
}

// Run starts the HTTP server and blocks until the context is canceled.
func (h *Hub) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    h.cfg.Server.Addr,
		Handler: h.api.Handler(),
	}

	// Background loops: stale-agent sweep, rate limiter janitors,
	// retention purge.
	go h.relay.Run(ctx)
	h.api.StartBackgroundTasks(ctx)
	go h.runRetentionPurger(ctx)

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("hub listening", "addr", h.cfg.Server.Addr)
		if h.cfg.Server.TLSCert != "" && h.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(h.cfg.Server.TLSCert, h.cfg.Server.TLSKey)
		} else {
			h.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		h.logger.Info("shutting down hub gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		}

		_ = h.store.Close()
		h.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		_ = h.store.Close()
		return err
	}
}

func (h *Hub) runRetentionPurger(ctx context.Context) {
	eventRetention := h.cfg.Storage.EventRetention.Duration
	telemetryRetention := h.cfg.Storage.TelemetryRetention.Duration
	if eventRetention <= 0 && telemetryRetention <= 0 {
		return
	}

	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if eventRetention > 0 {
				cutoff := time.Now().Add(-eventRetention)
				if n, err := h.store.PurgeOldEvents(ctx, cutoff); err != nil {
					h.logger.Warn("retention purge: events failed", "error", err)
				} else if n > 0 {
					h.logger.Info("retention purge: deleted old events", "count", n)
				}
			}
			if telemetryRetention > 0 {
				cutoff := time.Now().Add(-telemetryRetention)
				if n, err := h.store.PurgeOldTelemetrySamples(ctx, cutoff); err != nil {
					h.logger.Warn("retention purge: telemetry failed", "error", err)
				} else if n > 0 {
					h.logger.Info("retention purge: deleted old telemetry samples", "count", n)
				}
			}
		}
	}
}
