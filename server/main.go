package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/haasonsaas/warden/pkg/config"
	"github.com/haasonsaas/warden/pkg/logging"
	"github.com/haasonsaas/warden/pkg/telemetry"
)

var (
	configPath = flag.String("config", config.DefaultPath, "Config file path")
	version    = flag.Bool("version", false, "Print version and exit")
	Version    = "dev"
)

func main() {
	flag.Parse()
	if *version {
		fmt.Println(Version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warden: %v\n", err)
		os.Exit(1)
	}
	format := "console"
	if cfg.Logging.JSON {
		format = "json"
	}
	logger := logging.Setup(logging.Config{Level: cfg.Logging.Level, Format: format})
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Str("config", *configPath).Msg("invalid configuration")
	}
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:    "warden",
		ServiceVersion: Version,
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		SampleRatio:    cfg.Tracing.SampleRatio,
		LogSpans:       cfg.Tracing.LogSpans,
	}, logger)
	if err != nil {
		log.Fatal().Err(err).Msg("tracing setup failed")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("tracer shutdown failed")
		}
	}()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
	defer a.Close()
	a.start(ctx)

	ln, err := listen(cfg.Listen)
	if err != nil {
		log.Fatal().Err(err).Str("socket", cfg.Listen.Socket).Msg("listen failed")
	}

	srv := &http.Server{
		Handler:           newRouter(a.server),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("graceful shutdown failed")
		}
	}()

	log.Info().Str("version", Version).Str("device_id", cfg.DeviceID).Str("socket", cfg.Listen.Socket).Msg("warden listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("server stopped")
	}
	log.Info().Msg("warden stopped")
}
