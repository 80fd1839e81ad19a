package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"NetSentry/internal/api"
	"NetSentry/internal/audit"
	"NetSentry/internal/config"
	"NetSentry/internal/identity"
	"NetSentry/internal/logger"
	"NetSentry/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
)

// ns-api serves the audit log of a sentry running elsewhere. It has no
// pipeline, so control actions and capture status answer 503.
func main() {
	configFile := flag.String("config", "configs/config.yaml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		logger.Log().Fatalf("Failed to load configuration: %v", err)
	}
	logger.Init(cfg.Log.Debug, os.Stdout)
	log := logger.WithComponent("ns-api")

	verifier, err := identity.NewJWTVerifier(cfg.Identity)
	if err != nil {
		log.Fatalf("Failed to create verifier: %v", err)
	}
	store, err := audit.Open(cfg.Audit)
	if err != nil {
		log.Fatalf("Failed to open audit store: %v", err)
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	metrics.Register(reg)

	server := &http.Server{
		Addr:              cfg.API.HTTPListenAddr,
		Handler:           api.NewServer(verifier, nil, store, nil, reg).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Infof("API server starting on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Could not listen on %s: %v", server.Addr, err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("API server shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	log.Info("API server exited.")
}
