package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"

	"github.com/trunov/mediaopt/internal/app"
	"github.com/trunov/mediaopt/internal/config"
)

const version = "v1"

func initSentry(cfg *config.SentryConfig, version string) error {
	return sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.SentryDSN,
		Environment: cfg.Environment,
		Release:     version,
	})
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	if cfg.Development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func main() {
	file := flag.String("config", "config.json", "path to the JSON config file")
	flag.Parse()

	cfg := config.NewConfig()
	if err := cfg.Read(*file); err != nil {
		log.Fatal(err)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		log.Fatalf("logger: %s", err)
	}
	defer logger.Sync()

	if err := initSentry(&cfg.Sentry, version); err != nil {
		logger.Fatal("sentry.Init", zap.Error(err))
	}

	// Flush buffered events before the program terminates.
	defer sentry.Flush(2 * time.Second)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("init", zap.Error(err))
	}

	if err := a.Run(ctx); err != nil {
		logger.Error("server stopped", zap.Error(err))
		sentry.CaptureException(err)
		sentry.Flush(2 * time.Second)
		os.Exit(1)
	}
}
