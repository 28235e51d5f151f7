package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"oncorisk/config"
	ohttp "oncorisk/http"
	"oncorisk/inference"
	"oncorisk/logging"
	"oncorisk/ml"
)

func main() {
	configPath := flag.String("config", "config.yaml", "config file")
	flag.Parse()

	// 1. Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	// 2. Load the feature contract and the trained artifact
	features, err := ml.LoadFeatureNames(cfg.Model.FeaturesPath)
	if err != nil {
		logger.Fatal("failed to load feature list", zap.String("path", cfg.Model.FeaturesPath), zap.Error(err))
	}
	artifact, err := ml.LoadArtifact(cfg.Model.ArtifactPath)
	if err != nil {
		logger.Fatal("failed to load model artifact", zap.String("path", cfg.Model.ArtifactPath), zap.Error(err))
	}
	predictor, err := inference.NewPredictor(artifact, features, inference.Config{
		Explainer: cfg.ExplainerConfig(),
		CacheSize: cfg.Explainer.CacheSize,
	}, logger)
	if err != nil {
		logger.Fatal("failed to build predictor", zap.Error(err))
	}
	ohttp.SetModelProvider(predictor)
	logger.Info("model loaded",
		zap.String("artifact", cfg.Model.ArtifactPath),
		zap.Time("trained_at", artifact.TrainedAt),
		zap.Float64("learning_rate", artifact.LearningRate),
	)

	// 3. Start HTTP server
	server := ohttp.NewServer(ohttp.ServerConfig{
		Port:         cfg.HTTP.Port,
		Timeout:      cfg.HTTP.Timeout,
		MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
	}, logger)
	go func() {
		if err := server.Start(); err != nil {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// 4. Handle graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	if err := server.Stop(); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	logger.Info("exiting")
}
