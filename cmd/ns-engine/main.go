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
	"NetSentry/internal/config"
	"NetSentry/internal/factory"
	"NetSentry/internal/identity"
	"NetSentry/internal/logger"
	"NetSentry/internal/pipeline"
	"NetSentry/internal/probe"
)

func main() {
	configFile := flag.String("config", "configs/config.yaml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		logger.Log().Fatalf("Failed to load config: %v", err)
	}
	logCloser := logger.InitWithFile(cfg.Log.Debug, logger.FileConfig{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	defer logCloser.Close()
	log := logger.WithComponent("ns-engine")

	components, err := factory.Build(cfg)
	if err != nil {
		log.Fatalf("Failed to build components: %v", err)
	}
	defer components.Close()

	var src *probe.Source
	if cfg.Capture.PcapFile != "" {
		src, err = probe.NewOfflineSource(cfg.Capture.PcapFile, cfg.Capture.QueueSize)
	} else {
		src, err = probe.NewLiveSource(cfg.Capture)
	}
	if err != nil {
		log.Fatalf("Failed to open capture: %v", err)
	}

	p, err := components.NewPipeline(src)
	if err != nil {
		log.Fatalf("Failed to create pipeline: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := p.Start(ctx); err != nil {
		log.Fatalf("Failed to start pipeline: %v", err)
	}
	if components.Alerter != nil {
		if err := components.Alerter.Start(); err != nil {
			log.Fatalf("Failed to start alerter: %v", err)
		}
	}

	server := startAPI(cfg, components, p)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	finished := make(chan error, 1)
	go func() { finished <- p.Wait() }()

	select {
	case <-sigChan:
		log.Info("Shutdown signal received, stopping pipeline...")
	case err := <-finished:
		if err != nil {
			log.WithError(err).Error("Capture ended with an error")
		} else {
			log.Info("Capture input exhausted")
		}
	}

	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("API server forced to shutdown")
		}
		shutdownCancel()
	}
	p.Stop()
	if components.Alerter != nil {
		components.Alerter.Stop()
	}
	log.WithField("status", p.Status()).Info("Shutdown complete")
}

// startAPI serves the operator API when an identity secret is configured.
func startAPI(cfg *config.Config, c *factory.Components, p *pipeline.Pipeline) *http.Server {
	log := logger.WithComponent("ns-engine")
	if cfg.Identity.Secret == "" {
		log.Warn("identity.secret is empty, operator API disabled")
		return nil
	}
	verifier, err := identity.NewJWTVerifier(cfg.Identity)
	if err != nil {
		log.Fatalf("Failed to create verifier: %v", err)
	}

	server := &http.Server{
		Addr:              cfg.API.HTTPListenAddr,
		Handler:           api.NewServer(verifier, c.Engine, c.Audit, p, c.Registry).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Infof("API server starting on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Could not listen on %s: %v", server.Addr, err)
		}
	}()
	return server
}
