package main

import (
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"

	"NetSentry/internal/ai"
	"NetSentry/internal/config"
	"NetSentry/internal/logger"
	"NetSentry/internal/model"
	"NetSentry/internal/rpc"

	"google.golang.org/grpc"
)

func main() {
	configFile := flag.String("config", "configs/config.yaml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		logger.Log().Fatalf("Failed to load config: %v", err)
	}
	logger.Init(cfg.Log.Debug, os.Stdout)
	log := logger.WithComponent("ns-ai")

	var analyzer model.Analyzer
	if cfg.Analysis.OpenAI.APIKey != "" {
		analyzer, err = ai.NewLLMAnalyzer(cfg.Analysis.OpenAI)
		if err != nil {
			log.Fatalf("Failed to create LLM analyzer: %v", err)
		}
		log.WithField("model", cfg.Analysis.OpenAI.Model).Info("Serving LLM analysis")
	} else {
		analyzer = ai.NewHeuristicAnalyzer()
		log.Warn("No OpenAI API key configured, serving heuristic analysis")
	}

	lis, err := net.Listen("tcp", cfg.Analysis.GRPCListenAddr)
	if err != nil {
		log.Fatalf("Failed to listen: %v", err)
	}

	s := grpc.NewServer(grpc.UnaryInterceptor(rpc.LoggingInterceptor))
	rpc.RegisterAnalysisServer(s, analyzer)

	go func() {
		log.Infof("Analysis gRPC server starting on %s", cfg.Analysis.GRPCListenAddr)
		if err := s.Serve(lis); err != nil {
			log.Fatalf("Failed to serve gRPC: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Server shutting down...")
	s.GracefulStop()
}
