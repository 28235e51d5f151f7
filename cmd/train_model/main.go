package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"oncorisk/config"
	"oncorisk/db"
	"oncorisk/logging"
	"oncorisk/monitoring"
	"oncorisk/training"
)

func main() {
	configPath := flag.String("config", "config.yaml", "config file")
	search := flag.Bool("search", false, "search the learning rate before the final fit")
	watch := flag.Bool("watch", false, "retrain whenever the dataset files change")
	progressAddr := flag.String("progress-addr", "", "serve live progress over websocket at this address, e.g. :8001")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *progressAddr != "" {
		cfg.Progress.Addr = *progressAddr
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps := training.Deps{Logger: logger, Search: *search}

	if cfg.Database.Path != "" {
		if err := db.InitDB(cfg.Database.Path); err != nil {
			logger.Fatal("failed to open training ledger", zap.String("path", cfg.Database.Path), zap.Error(err))
		}
		defer db.Close()
		deps.Ledger = training.DBLedger{}
	}

	if cfg.Progress.Addr != "" {
		hub := monitoring.NewHub(logger)
		go hub.Start()
		defer hub.Stop()
		deps.Hub = hub

		mux := http.NewServeMux()
		mux.HandleFunc("GET /ws/progress", hub.HandleWebSocket)
		srv := &http.Server{Addr: cfg.Progress.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("progress server failed", zap.Error(err))
			}
		}()
		defer srv.Close()
		logger.Info("serving training progress", zap.String("url", fmt.Sprintf("ws://localhost%s/ws/progress", cfg.Progress.Addr)))
	}

	run := func(ctx context.Context) error {
		result, err := training.Run(ctx, cfg, deps)
		if err != nil {
			return err
		}
		fmt.Printf("model saved to %s (lr=%.5f test_auc=%.3f type_accuracy=%.3f)\n",
			result.ArtifactPath, result.LearningRate, result.Test.AUC, result.Test.TypeAccuracy)
		return nil
	}

	if err := run(ctx); err != nil {
		if !*watch {
			logger.Fatal("training failed", zap.Error(err))
		}
		logger.Error("training failed", zap.Error(err))
	}
	if !*watch {
		return
	}

	logger.Info("watching dataset files", zap.String("train", cfg.Data.TrainPath), zap.String("test", cfg.Data.TestPath))
	watcher, err := training.NewWatcher([]string{cfg.Data.TrainPath, cfg.Data.TestPath}, 2*time.Second, logger)
	if err != nil {
		logger.Fatal("failed to watch dataset files", zap.Error(err))
	}
	if err := watcher.Run(ctx, run); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("watcher stopped", zap.Error(err))
	}
}
