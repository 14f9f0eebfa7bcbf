package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devlease/fleet/internal/config"
	"github.com/devlease/fleet/internal/coordinator"
	"github.com/devlease/fleet/internal/feed"
	"github.com/devlease/fleet/internal/handler"
	"github.com/devlease/fleet/internal/provider"
	"github.com/devlease/fleet/internal/store"

	"go.uber.org/zap"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "config file path")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer logger.Sync()
	sugar := logger.Sugar()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	pgStore, err := store.NewPgStore(cfg.Postgres.DSN, sugar)
	if err != nil {
		log.Fatalf("failed to connect postgres: %v", err)
	}
	defer pgStore.Close()

	// Presence from a previous run is stale: every provider reconnects and
	// re-asserts its devices. Leases survive the restart.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := pgStore.ResetPresence(ctx); err != nil {
		cancel()
		log.Fatalf("failed to reset presence: %v", err)
	}
	cancel()

	registry := provider.NewRegistry()
	coord := coordinator.New(pgStore, registry, sugar,
		time.Duration(cfg.Lease.DefaultIdleTimeoutSecs)*time.Second,
		time.Duration(cfg.Lease.CooldownTimeoutSecs)*time.Second)
	defer coord.Close()

	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	if err := coord.Resume(ctx); err != nil {
		sugar.Warnf("resume idle watchers: %v", err)
	}
	cancel()

	deviceFeed := feed.New(pgStore)

	authHandler := handler.NewAuthHandler(pgStore, cfg.Auth.CookieSecret, sugar)
	deviceHandler := handler.NewDeviceHandler(pgStore, sugar)
	leaseHandler := handler.NewLeaseHandler(pgStore, coord, sugar)
	groupHandler := handler.NewGroupHandler(pgStore, sugar)
	adminHandler := handler.NewAdminHandler(pgStore, sugar)
	changesHandler := handler.NewChangesHandler(deviceFeed, sugar)
	providerHandler := provider.NewHandler(registry, pgStore, sugar)

	authMW := handler.Identity(pgStore, cfg.Auth.CookieSecret, sugar)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		handler.JSON(w, http.StatusOK, map[string]any{"status": "ok", "providers": registry.Len()})
	})

	mux.HandleFunc("POST /login", authHandler.Login)
	mux.HandleFunc("GET /logout", authHandler.Logout)
	mux.Handle("GET /api/v1/user", handler.WrapFunc(authHandler.Self, authMW, handler.RequireUser))

	mux.Handle("GET /api/v1/devices", handler.WrapFunc(deviceHandler.List, authMW, handler.RequireUser))
	mux.Handle("GET /api/v1/devices/{udid}", handler.WrapFunc(deviceHandler.Get, authMW, handler.RequireUser))
	mux.Handle("GET /api/v1/devices/{udid}/properties", handler.WrapFunc(deviceHandler.GetProperties, authMW, handler.RequireUser))
	mux.Handle("PUT /api/v1/devices/{udid}/properties", handler.WrapFunc(deviceHandler.PutProperties, authMW, handler.RequireAdmin))
	mux.Handle("PUT /api/v1/devices/{udid}/department", handler.WrapFunc(deviceHandler.PutDepartment, authMW, handler.RequireAdmin))

	mux.Handle("GET /api/v1/user/devices", handler.WrapFunc(leaseHandler.List, authMW, handler.RequireUser))
	mux.Handle("POST /api/v1/user/devices", handler.WrapFunc(leaseHandler.Acquire, authMW, handler.RequireUser))
	mux.Handle("GET /api/v1/user/devices/{udid}", handler.WrapFunc(leaseHandler.Get, authMW, handler.RequireUser))
	mux.Handle("DELETE /api/v1/user/devices/{udid}", handler.WrapFunc(leaseHandler.Release, authMW, handler.RequireUser))
	mux.Handle("GET /api/v1/user/devices/{udid}/active", handler.WrapFunc(leaseHandler.Activate, authMW, handler.RequireUser))

	mux.Handle("POST /api/v1/user/groups", handler.WrapFunc(groupHandler.Create, authMW, handler.RequireUser))
	mux.Handle("GET /api/v1/groups", handler.WrapFunc(groupHandler.List, authMW, handler.RequireUser))
	mux.Handle("GET /api/v1/groups/{id}/users", handler.WrapFunc(groupHandler.Members, authMW, handler.RequireUser))

	mux.Handle("GET /api/v1/users", handler.WrapFunc(adminHandler.ListUsers, authMW, handler.RequireAdmin))
	mux.Handle("GET /api/v1/admins", handler.WrapFunc(adminHandler.ListAdmins, authMW, handler.RequireAdmin))
	mux.Handle("POST /api/v1/admins", handler.WrapFunc(adminHandler.Promote, authMW, handler.RequireAdmin))
	mux.Handle("DELETE /api/v1/admins/{email}", handler.WrapFunc(adminHandler.Demote, authMW, handler.RequireAdmin))

	mux.Handle("GET /websocket/heartbeat", providerHandler)
	mux.Handle("GET /websocket/devicechanges", handler.Wrap(changesHandler, authMW))

	var h http.Handler = mux
	h = handler.CORS(h)
	h = handler.Recovery(sugar, h)

	srv := &http.Server{
		Addr:        cfg.Server.Listen,
		Handler:     h,
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: both websocket endpoints hold their
		// connections open indefinitely.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		sugar.Infof("fleet server starting on %s", cfg.Server.Listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})

	// Change rows only exist to wake feed watchers; day-old entries serve
	// nobody.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				if n, err := pgStore.PruneChanges(ctx, 24*time.Hour); err != nil {
					sugar.Warnf("prune device changes: %v", err)
				} else if n > 0 {
					sugar.Infof("pruned %d device change rows", n)
				}
				cancel()
			}
		}
	}()

	<-quit
	close(done)

	sugar.Info("shutting down...")
	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
}
