// Command server is the LAN real-time collaboration server: TCP control,
// TCP file-transfer, TCP screen-share, UDP video, and UDP audio, plus an
// HTTP monitoring gateway (liveness/readiness/metrics).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/sapora-lan/sapora/internal/v1/audio"
	"github.com/sapora-lan/sapora/internal/v1/bus"
	"github.com/sapora-lan/sapora/internal/v1/config"
	"github.com/sapora-lan/sapora/internal/v1/control"
	"github.com/sapora-lan/sapora/internal/v1/filetransfer"
	"github.com/sapora-lan/sapora/internal/v1/health"
	"github.com/sapora-lan/sapora/internal/v1/logging"
	"github.com/sapora-lan/sapora/internal/v1/middleware"
	"github.com/sapora-lan/sapora/internal/v1/ratelimit"
	"github.com/sapora-lan/sapora/internal/v1/registry"
	"github.com/sapora-lan/sapora/internal/v1/screenshare"
	"github.com/sapora-lan/sapora/internal/v1/tracing"
	"github.com/sapora-lan/sapora/internal/v1/video"
)

func main() {
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			envLoaded = true
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.GoEnv != "production", cfg.LogLevel); err != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize logging:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !envLoaded {
		logging.Warn(ctx, "no .env file found in any expected location, relying on environment variables")
	}

	if cfg.OtelCollectorAddr != "" {
		tp, err := tracing.InitTracer(ctx, "sapora-server", cfg.OtelCollectorAddr)
		if err != nil {
			logging.Warn(ctx, "tracer init failed, continuing without tracing", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
		}
	}

	var redisService *bus.Service
	if cfg.RedisEnabled {
		redisService, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logging.Warn(ctx, "redis bus init failed, continuing without cross-instance bus", zap.Error(err))
			redisService = nil
		} else {
			defer redisService.Close()
		}
	}

	limiter, err := ratelimit.NewRateLimiter(cfg, redisService.Client())
	if err != nil {
		logging.Error(ctx, "rate limiter init failed", zap.Error(err))
		os.Exit(1)
	}

	ctrl := control.NewServer(limiter, time.Duration(cfg.SocketTimeoutSec)*time.Second)
	if redisService != nil {
		ctrl.WithEvents(redisService)
	}
	reg := registry.New(
		time.Duration(cfg.HeartbeatIntervalSec)*time.Second,
		time.Duration(cfg.IdleTimeoutSec)*time.Second,
		ctrl.Broadcast,
	)
	ctrl.Attach(reg)
	ctrl.RunRelay(ctx)
	go reg.Run(ctx)

	videoRouter := video.NewRouter(reg, cfg.MaxVideoPayload)
	audioMixer := audio.NewMixer(reg, cfg.AudioSampleRate, cfg.AudioChannels, cfg.AudioSampleBits, cfg.AudioChunkSize, cfg.MaxVideoPayload)

	fileSrv, err := filetransfer.NewServer(
		cfg.StorageDir,
		cfg.MaxFileSize,
		cfg.ChunkSize,
		time.Duration(cfg.ConnectionTimeoutSec)*time.Second,
		limiter,
		ctrl,
	)
	if err != nil {
		logging.Error(ctx, "file transfer server init failed", zap.Error(err))
		os.Exit(1)
	}

	screenSrv := screenshare.NewServer(limiter)

	servers := []struct {
		name string
		run  func(context.Context) error
	}{
		{"control", func(c context.Context) error { return ctrl.ListenAndServe(c, ":"+cfg.ControlPort) }},
		{"video", func(c context.Context) error { return videoRouter.ListenAndServe(c, ":"+cfg.VideoPort) }},
		{"audio", func(c context.Context) error { return audioMixer.ListenAndServe(c, ":"+cfg.AudioPort) }},
		{"filetransfer", func(c context.Context) error { return fileSrv.ListenAndServe(c, ":"+cfg.FilePort) }},
		{"screenshare", func(c context.Context) error { return screenSrv.ListenAndServe(c, ":"+cfg.ScreenPort) }},
	}

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		srv := srv
		go func() {
			if err := srv.run(ctx); err != nil {
				logging.Error(ctx, "server exited with error", zap.String("server", srv.name), zap.Error(err))
				errCh <- fmt.Errorf("%s: %w", srv.name, err)
			}
		}()
	}

	httpSrv := newMonitoringGateway(cfg, reg, redisService)
	go func() {
		logging.Info(ctx, "monitoring gateway listening", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "monitoring gateway exited with error", zap.Error(err))
		}
	}()

	select {
	case <-ctx.Done():
		logging.Info(ctx, "shutdown signal received")
	case err := <-errCh:
		logging.Error(ctx, "shutting down after server failure", zap.Error(err))
		stop()
	}

	reg.Stop(2 * time.Second)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "monitoring gateway forced to shutdown", zap.Error(err))
	}

	logging.Info(ctx, "server exiting")
}

// newMonitoringGateway builds the monitoring HTTP surface: liveness,
// readiness (registry + optional Redis bus), and Prometheus exposition.
func newMonitoringGateway(cfg *config.Config, reg *registry.Registry, redisService *bus.Service) *http.Server {
	if cfg.GoEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	if cfg.OtelCollectorAddr != "" {
		router.Use(otelgin.Middleware("sapora-server"))
	}

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	router.Use(cors.New(corsConfig))

	h := health.NewHandler(redisService, reg)
	router.GET("/healthz", h.Liveness)
	router.GET("/readyz", h.Readiness)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return &http.Server{
		Addr:    ":" + cfg.MonitoringPort,
		Handler: router,
	}
}
