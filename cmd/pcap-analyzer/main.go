package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"NetSentry/internal/config"
	"NetSentry/internal/factory"
	"NetSentry/internal/logger"
	"NetSentry/internal/probe"
)

// offlineQueueSize keeps replay lossless for typical capture files; the source
// drops the oldest packet only when this many are waiting.
const offlineQueueSize = 1 << 16

func main() {
	configFile := flag.String("config", "configs/config.yaml", "Path to the configuration file")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: pcap-analyzer [-config path] <path_to_pcap_file>")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}
	pcapFilePath := flag.Arg(0)

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		logger.Log().Fatalf("Failed to load config: %v", err)
	}
	logger.Init(cfg.Log.Debug, os.Stderr)
	log := logger.WithComponent("pcap-analyzer")

	// Replays must not hit the firewall or publish to the fleet.
	cfg.Enforcement.Firewall = "dryrun"
	cfg.Enforcement.DeviceAgentURL = ""
	cfg.NATS.Enabled = false
	cfg.Alerter.Enabled = false

	components, err := factory.Build(cfg)
	if err != nil {
		log.Fatalf("Failed to build components: %v", err)
	}
	defer components.Close()

	src, err := probe.NewOfflineSource(pcapFilePath, offlineQueueSize)
	if err != nil {
		log.Fatalf("Failed to open pcap file: %v", err)
	}
	p, err := components.NewPipeline(src)
	if err != nil {
		log.Fatalf("Failed to create pipeline: %v", err)
	}

	started := time.Now()
	log.Infof("Reading packets from '%s'...", pcapFilePath)
	if err := p.Start(context.Background()); err != nil {
		log.Fatalf("Failed to start pipeline: %v", err)
	}
	if err := p.Wait(); err != nil {
		log.WithError(err).Error("Replay ended with an error")
	}
	p.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	summary, err := components.Audit.Summary(ctx, started.Add(-time.Second), time.Now().Add(time.Second))
	if err != nil {
		log.WithError(err).Warn("Could not summarize the audit log")
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(map[string]any{"status": p.Status(), "actions": summary})
}
