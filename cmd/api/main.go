package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/bryanwahyu/cardscan/internal/bootstrap"
	"github.com/bryanwahyu/cardscan/internal/config"
	"github.com/bryanwahyu/cardscan/internal/infra/httpserver"
	"github.com/bryanwahyu/cardscan/internal/middleware"
)

func main() {
	// path config.yaml
	path := bootstrap.ConfigPath()

	// load config
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatal("config load error", "path", path, "err", err)
	}
	logger := bootstrap.NewLogger(cfg, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("startup failed", "err", err)
	}
	defer app.Close()

	handler := httpserver.NewRouter(httpserver.Deps{
		Scans:     app.Scans,
		Inventory: app.Inventory,
		Vision:    app.Orchestrator,
		Lookup:    app.Lookup,
		Logger:    logger.With("component", "http"),
		Health: map[string]middleware.HealthChecker{
			"database": &middleware.DatabaseHealthChecker{DB: app.Stores.DB},
			"vision": &middleware.VisionHealthChecker{Current: func() string {
				return string(app.Orchestrator.Current())
			}},
		},
		CORSOrigins:    cfg.Server.CORSOrigins,
		APIKeys:        cfg.Server.APIKeys,
		RateLimit:      cfg.Server.RateLimit,
		RateBurst:      cfg.Server.RateBurst,
		MaxUploadBytes: int64(cfg.Server.MaxUploadMB) << 20,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     handler,
		ReadTimeout: 60 * time.Second,
		// processing runs inside the request, one vision call per image
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	// run server
	errc := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", addr, "db", cfg.Database.Driver, "storage", cfg.Storage.Driver, "vision", app.Orchestrator.Current())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	// graceful shutdown
	select {
	case <-ctx.Done():
	case err := <-errc:
		logger.Error("server error", "err", err)
	}
	logger.Info("shutting down server...")

	ctx2, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx2); err != nil {
		logger.Error("shutdown error", "err", err)
	}
}
