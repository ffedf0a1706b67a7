package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/splax/deployx/internal/config"
	httpx "github.com/splax/deployx/internal/http"
	"github.com/splax/deployx/internal/lease"
	"github.com/splax/deployx/internal/logbus"
	"github.com/splax/deployx/internal/logger"
	"github.com/splax/deployx/internal/scheduler"
	"github.com/splax/deployx/internal/service/deploy"
	"github.com/splax/deployx/internal/service/relay"
	"github.com/splax/deployx/internal/ws"
)

func main() {
	config.LoadDotEnv()
	cfg := config.LoadAPIConfig()
	log := logger.New("api", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus, err := logbus.Open(cfg.LogBus, log)
	if err != nil {
		log.Error("failed to open log bus", "error", err)
		os.Exit(1)
	}
	defer bus.Close()

	var leases lease.Manager = lease.Noop{}
	if cfg.LeaseEnabled {
		if rt, ok := bus.Transport().(*logbus.RedisTransport); ok {
			leases = lease.NewRedis(rt.Client())
		} else {
			leases = lease.NewMemory()
		}
	}

	sched, err := scheduler.Open(ctx, cfg)
	if err != nil {
		log.Error("failed to configure worker scheduler", "backend", cfg.WorkerBackend, "error", err)
		os.Exit(1)
	}

	deploySvc := deploy.New(sched, leases, bus, log, cfg)
	hub := ws.NewHub()
	gateway := ws.NewHandler(hub, cfg.WSAllowedOrigins, cfg.WSSendBuffer, log)

	relaySvc := relay.New(bus, hub, log, deploySvc.Observe)
	go func() {
		if err := relaySvc.Run(ctx); err != nil {
			log.Error("log relay stopped", "error", err)
		}
	}()

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter.Close()
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, deploySvc, gateway, limiter, bus.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr, "backend", sched.Name(), "log_bus", cfg.LogBus.Driver)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
