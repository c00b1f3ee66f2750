package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gin-gonic/gin"

	"github.com/celerix-dev/celerix-beacon/internal/api"
	"github.com/celerix-dev/celerix-beacon/internal/app"
	"github.com/celerix-dev/celerix-beacon/internal/config"
	"github.com/celerix-dev/celerix-beacon/internal/telemetry"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to the YAML config file (defaults to $BEACON_CONFIG)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "beacond: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := newLogger(cfg.Log)
	slog.SetDefault(log)
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "beacond",
		Version:     version,
		Exporter:    cfg.Tracing.Exporter,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	engine, err := app.New(app.Options{Config: cfg, Logger: log})
	if err != nil {
		return err
	}
	if err := engine.Start(ctx); err != nil {
		engine.Close()
		return err
	}
	log.Info("engine started", "data_dir", cfg.DataDir, "database", cfg.DatabasePath())

	srv := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: api.NewRouter(engine, log),
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("http listening", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err = <-serveErr:
		log.Error("http server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout.Std())
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		log.Warn("http shutdown", "error", serr)
	}
	if cerr := engine.Close(); cerr != nil {
		log.Error("engine close", "error", cerr)
		err = errors.Join(err, cerr)
	}
	if terr := shutdownTracing(shutdownCtx); terr != nil {
		log.Warn("tracing shutdown", "error", terr)
	}
	log.Info("stopped")
	return err
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
