package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"campusattend/internal/bootstrap"
	"campusattend/internal/config"
	"campusattend/internal/faceclient"
	"campusattend/internal/logger"
	"campusattend/internal/verify"
)

// Worker consumes mark.created messages and records the liveness outcome of
// each mark's selfie.
func main() {
	cfg, err := config.Load()
	if err != nil {
		_, _ = os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	log, err := logger.New(cfg)
	if err != nil {
		_, _ = os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if cfg.QueueBackend == bootstrap.BackendMemory {
		log.Fatal("worker needs a shared queue; set QUEUE_BACKEND to redis or nats")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := bootstrap.Open(ctx, cfg, log)
	if err != nil {
		log.Fatal("open backends", zap.Error(err))
	}
	defer deps.Close()

	face := faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip)
	if !cfg.FaceSkip {
		hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := face.Health(hctx); err != nil {
			log.Warn("face service not available, marks will fail verification until it is", zap.Error(err))
		} else {
			log.Info("face service connected", zap.String("url", cfg.FaceServiceURL))
		}
		cancel()
	}

	v := &verify.Verifier{
		Marks:    deps.Store,
		Face:     face,
		Resolver: deps.Resolver,
		Seen:     deps.KV,
		Log:      log,
		Timeout:  30 * time.Second,
	}

	log.Info("worker started", zap.String("queue", cfg.QueueBackend))
	if err := v.Run(ctx, deps.Queue); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("worker stopped", zap.Error(err))
		return
	}
	log.Info("worker stopped")
}
