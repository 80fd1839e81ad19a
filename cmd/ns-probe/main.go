package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"NetSentry/internal/config"
	"NetSentry/internal/logger"
	"NetSentry/internal/model"
	"NetSentry/internal/probe"

	"github.com/sirupsen/logrus"
)

func main() {
	configFile := flag.String("config", "configs/config.yaml", "Path to the configuration file")
	mode := flag.String("mode", "flows", "What to tail: 'flows' for classified flows, 'actions' for action records.")
	natsURL := flag.String("nats", "", "NATS URL, overrides nats.url")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		logger.Log().Fatalf("Failed to load config: %v", err)
	}
	logger.Init(cfg.Log.Debug, os.Stdout)
	log := logger.WithComponent("ns-probe")
	if *natsURL != "" {
		cfg.NATS.URL = *natsURL
	}

	sub, err := probe.NewSubscriber(cfg.NATS)
	if err != nil {
		log.Fatalf("Failed to create subscriber: %v", err)
	}
	defer sub.Close()

	switch *mode {
	case "flows":
		err = sub.SubscribeFlows(func(rec model.ClassifiedRecord) {
			log.WithFields(logrus.Fields{
				"flow":       rec.Summary,
				"verdict":    rec.Label,
				"confidence": rec.Confidence,
			}).Info("Flow")
		})
	case "actions":
		err = sub.SubscribeActions(func(rec model.ActionRecord) {
			log.WithFields(logrus.Fields{
				"id":      rec.ID,
				"action":  rec.Request.Kind,
				"target":  rec.Request.Target.Value,
				"outcome": rec.Outcome,
			}).Info("Action")
		})
	default:
		fmt.Fprintf(os.Stderr, "Invalid mode: %s\n", *mode)
		flag.Usage()
		os.Exit(1)
	}
	if err != nil {
		log.Fatalf("Subscriber failed to start: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Info("Shutdown signal received, cleaning up...")
}
