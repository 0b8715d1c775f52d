package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/trunov/mediaopt/cmd/migrate"
	"github.com/trunov/mediaopt/internal/cache"
	"github.com/trunov/mediaopt/internal/config"
	"github.com/trunov/mediaopt/internal/joblock"
	"github.com/trunov/mediaopt/internal/kafka"
	"github.com/trunov/mediaopt/internal/optimizer"
	"github.com/trunov/mediaopt/internal/pathresolver"
	"github.com/trunov/mediaopt/internal/queue"
	"github.com/trunov/mediaopt/internal/r2"
	"github.com/trunov/mediaopt/internal/redisholder"
	"github.com/trunov/mediaopt/internal/repository/storage"
	"github.com/trunov/mediaopt/internal/scanner"
	"github.com/trunov/mediaopt/internal/steprecorder"
	"github.com/trunov/mediaopt/internal/transport/handler"
	"github.com/trunov/mediaopt/internal/transport/router"
	"github.com/trunov/mediaopt/internal/trigger"
	"github.com/trunov/mediaopt/internal/variants"
)

const dedupeNamespace = "mediaopt:finalized"

type App struct {
	HttpServer *http.Server

	cfg      *config.Config
	logger   *zap.Logger
	db       interface{ Close() }
	redis    *redisholder.Holder
	worker   *queue.Worker
	consumer *kafka.Consumer
	trigger  *trigger.Trigger
}

// New connects every backing service and wires the components. ctx bounds the
// background loops started here, such as the Redis health check.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if err := migrate.Migrate(cfg.Database.DSN, migrate.Migrations); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	repo, err := storage.New(ctx, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}

	objects, err := r2.NewStorage(ctx, &cfg.R2, logger)
	if err != nil {
		repo.Close()
		return nil, err
	}

	a := &App{cfg: cfg, logger: logger, db: repo}

	// Optional capabilities stay nil interfaces when their backend is not configured.
	var (
		enqueuer scanner.Enqueuer
		dedupe   trigger.Deduper
	)
	checks := []handler.HealthCheck{{Name: "database", Check: repo.Ping}}

	if cfg.Redis.Enabled() {
		holder, err := redisholder.Build(ctx, &cfg.Redis, logger)
		if err != nil {
			repo.Close()
			return nil, err
		}
		a.redis = holder
		rc := holder.Client()

		enqueuer = queue.NewProducer(rc, cfg.Queue.Stream, cfg.Queue.MaxLen)
		dedupe = cache.NewCache(dedupeNamespace, rc)
		a.worker = queue.NewWorker(rc, cfg.Queue, logger)
		checks = append(checks, handler.HealthCheck{Name: "redis", Check: func(context.Context) error {
			if !holder.Healthy() {
				return errors.New("unhealthy")
			}
			return nil
		}})
	} else {
		logger.Info("redis not configured: task queue and event dedupe disabled")
	}

	gen := variants.NewGenerator(objects, cfg.Optimizer.TempDir, logger)
	rec := steprecorder.New(repo, logger)
	opt := optimizer.New(repo, gen, pathresolver.New(cfg.R2.BucketName), rec, cfg.Optimizer.Collection, logger)

	sc := scanner.New(repo, repo, joblock.New(repo, logger), opt, enqueuer,
		cfg.Batch.Budget(), cfg.Batch.DefaultSubcat, logger)

	a.trigger = trigger.New(opt, dedupe, cfg.Optimizer.Collection, logger)

	if a.worker != nil {
		a.worker.Handle(scanner.ContinuationURL, continuation(sc))
	}

	if cfg.Kafka.Enabled() {
		consumer, err := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID, logger)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("kafka consumer: %w", err)
		}
		a.consumer = consumer
	}

	h := handler.New(opt, sc, a.trigger, logger, checks...)
	r := router.NewRouter(h, logger)

	a.HttpServer = &http.Server{
		Handler:      r,
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		ReadTimeout:  cfg.Server.ReadTimeout * time.Second,
		WriteTimeout: cfg.Server.WriteTimeout * time.Second,
	}

	return a, nil
}

// continuation resumes a paused bulk pass from a queued task. The pass is not
// tied to the worker context; its own time budget bounds it. Retries of the task
// resume from the job's saved cursor.
func continuation(sc *scanner.Scanner) queue.Handler {
	return func(ctx context.Context, payload json.RawMessage) error {
		var req scanner.Request
		if err := json.Unmarshal(payload, &req); err != nil {
			return fmt.Errorf("decode continuation: %w", err)
		}
		_, err := sc.Continue(context.WithoutCancel(ctx), req)
		return err
	}
}

// Run serves HTTP and the background consumers until ctx is done, then shuts
// everything down.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	if a.worker != nil {
		go func() {
			if err := a.worker.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("queue worker stopped", zap.Error(err))
			}
		}()
	}
	if a.consumer != nil {
		go func() {
			if err := a.consumer.Consume(ctx, a.cfg.Kafka.Topic, a.trigger.Handle); err != nil {
				a.logger.Error("kafka consumer stopped", zap.Error(err))
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("starting server", zap.String("addr", a.HttpServer.Addr))
		if err := a.HttpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout*time.Second)
	defer cancel()
	return a.HttpServer.Shutdown(shutdownCtx)
}

func (a *App) close() {
	if a.consumer != nil {
		if err := a.consumer.Close(); err != nil {
			a.logger.Warn("kafka consumer close failed", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis close failed", zap.Error(err))
		}
	}
	a.db.Close()
}
