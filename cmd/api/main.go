package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"campusattend/internal/attendance"
	"campusattend/internal/auth"
	"campusattend/internal/bootstrap"
	"campusattend/internal/config"
	"campusattend/internal/faceclient"
	"campusattend/internal/handler"
	"campusattend/internal/httpmiddleware"
	"campusattend/internal/logger"
	"campusattend/internal/queue"
	"campusattend/internal/verify"
)

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

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg, log); err != nil {
		log.Fatal("api stopped", zap.Error(err))
	}
}

func run(cfg config.App, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := bootstrap.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer deps.Close()

	face := faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip)

	svc := attendance.NewService(deps.Store, attendance.Config{
		Validity:          cfg.SessionValidity,
		EnforceEnrollment: cfg.EnforceEnrollment,
		EnforceOwnership:  cfg.EnforceOwnership,
	},
		attendance.WithPublisher(deps.Queue),
		attendance.WithProofStore(deps.Proofs),
		attendance.WithLogger(log),
	)

	// An in-memory queue only reaches consumers in this process.
	if _, ok := deps.Queue.(*queue.InMemory); ok {
		v := &verify.Verifier{
			Marks:    deps.Store,
			Face:     face,
			Resolver: deps.Resolver,
			Seen:     deps.KV,
			Log:      log.Named("verify"),
			Timeout:  30 * time.Second,
		}
		go func() {
			if err := v.Run(ctx, deps.Queue); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("in-process verifier stopped", zap.Error(err))
			}
		}()
	}

	checks := map[string]handler.Check{}
	for name, fn := range deps.HealthChecks() {
		checks[name] = fn
	}
	if !cfg.FaceSkip {
		checks["face"] = face.Health
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.GinMiddleware(log, "/healthz", "/metrics"))
	r.Use(corsMiddleware(cfg.AllowedOrigins))
	r.Use(httpmiddleware.SecureHeaders())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", handler.Health(checks))

	global := httpmiddleware.FixedWindow{
		Store:  deps.KV,
		Window: cfg.RateLimitWindow,
		Max:    int64(cfg.RateLimitMax),
		Prefix: "api",
		Log:    log,
	}
	scan := httpmiddleware.FixedWindow{
		Store:  deps.KV,
		Window: cfg.RateLimitWindow,
		Max:    int64(cfg.ScanRateLimitMax),
		Prefix: "scan",
		Log:    log,
	}

	v1 := r.Group("/v1", global.Middleware(), auth.Bearer(cfg.JWTSigningKey, cfg.JWTIssuer))
	handler.NewAttendanceHandler(svc).Register(v1, scan.Middleware())

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", srv.Addr), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down http server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("forced shutdown", zap.Error(err))
	}
	log.Info("server exited")
	return nil
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"},
		MaxAge:        24 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	}
	return cors.New(cfg)
}
