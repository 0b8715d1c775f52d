package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/trunov/mediaopt/internal/config"
)

// Handler runs one task payload.
type Handler func(ctx context.Context, payload json.RawMessage) error

var errNoHandler = errors.New("no handler registered")

type Worker struct {
	rc       redis.UniversalClient
	cfg      config.QueueConfig
	handlers map[string]Handler
	logger   *zap.Logger
}

func NewWorker(rc redis.UniversalClient, cfg config.QueueConfig, logger *zap.Logger) *Worker {
	return &Worker{
		rc:       rc,
		cfg:      cfg,
		handlers: map[string]Handler{},
		logger:   logger.With(zap.String("component", "queue-worker")),
	}
}

// Handle registers h for tasks enqueued under url. Call before Start.
func (w *Worker) Handle(url string, h Handler) {
	w.handlers[url] = h
}

func (w *Worker) EnsureGroup(ctx context.Context) error {
	// MkStream lets the group exist before the first task is added.
	err := w.rc.XGroupCreateMkStream(ctx, w.cfg.Stream, w.cfg.Group, "0").Err()
	// Redis returns BUSYGROUP if the group already exists therefore we check for other errors
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func (w *Worker) Start(ctx context.Context) error {
	if err := w.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("failed to ensure Redis group: %w", err)
	}

	w.logger.Info("starting consumer",
		zap.String("group", w.cfg.Group),
		zap.String("stream", w.cfg.Stream),
		zap.Int("workers", w.cfg.Workers),
	)

	w.autoClaim(ctx)

	errCh := make(chan error, w.cfg.Workers)
	for i := 0; i < w.cfg.Workers; i++ {
		id := i
		go func() {
			err := w.loop(ctx)
			if err != nil {
				w.logger.Error("worker stopped with error", zap.Int("worker", id), zap.Error(err))
			}
			errCh <- err
		}()
	}

	select {
	case <-ctx.Done():
		w.logger.Info("context canceled, stopping workers")
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("worker loop exited with error: %w", err)
		}
		return nil
	}
}

// autoClaim takes over tasks delivered to consumers that died before XACK and
// runs them. A task must have been idle for a while so slow workers keep theirs.
func (w *Worker) autoClaim(ctx context.Context) {
	next := "0-0"

	minIdle := 30 * time.Second
	if t := w.cfg.BlockTimeout * time.Second * 6; t > minIdle {
		minIdle = t
	}

	for {
		msgs, start, err := w.rc.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   w.cfg.Stream,
			Group:    w.cfg.Group,
			Consumer: w.cfg.Consumer,
			MinIdle:  minIdle,
			Start:    next,
			Count:    100,
		}).Result()
		if err != nil || len(msgs) == 0 {
			return
		}
		w.logger.Info("claimed orphaned tasks", zap.Int("count", len(msgs)))
		for _, m := range msgs {
			w.handle(ctx, m)
		}
		if start == "0-0" {
			return
		}
		next = start
	}
}

func (w *Worker) loop(ctx context.Context) error {
	for {
		// Delivered messages stay pending for this consumer until handle acks them.
		streams, err := w.rc.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    w.cfg.Group,
			Consumer: w.cfg.Consumer,
			Streams:  []string{w.cfg.Stream, ">"},
			Count:    1,
			Block:    w.cfg.BlockTimeout * time.Second,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Warn("read failed", zap.Error(err))
			continue
		}
		for _, s := range streams {
			for _, m := range s.Messages {
				w.handle(ctx, m)
			}
		}
	}
}

func (w *Worker) handle(ctx context.Context, m redis.XMessage) {
	defer func() {
		if err := w.rc.XAck(ctx, w.cfg.Stream, w.cfg.Group, m.ID).Err(); err != nil {
			w.logger.Warn("ack failed", zap.String("id", m.ID), zap.Error(err))
		}
	}()

	raw, ok := m.Values["payload"].(string)
	if !ok {
		w.logger.Error("task without payload dropped", zap.String("id", m.ID))
		return
	}
	var task Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		w.logger.Error("malformed task dropped", zap.String("id", m.ID), zap.Error(err))
		sentry.CaptureException(err)
		return
	}
	attempt := toInt(m.Values["attempt"])

	err := w.process(ctx, task)
	if err == nil {
		return
	}

	if errors.Is(err, errNoHandler) || attempt+1 >= w.cfg.MaxAttempts {
		w.logger.Error("task dropped",
			zap.String("url", task.URL),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		sentry.CaptureException(fmt.Errorf("task %s dropped after %d attempts: %w", task.URL, attempt+1, err))
		return
	}

	backoff := w.cfg.BackoffBase * time.Millisecond << attempt
	w.logger.Warn("task failed, requeueing",
		zap.String("url", task.URL),
		zap.Int("attempt", attempt),
		zap.Duration("backoff", backoff),
		zap.Error(err),
	)
	time.AfterFunc(backoff, func() {
		err := w.rc.XAdd(context.Background(), &redis.XAddArgs{
			Stream: w.cfg.Stream,
			MaxLen: w.cfg.MaxLen,
			Approx: true,
			Values: map[string]any{
				"payload": raw,
				"attempt": attempt + 1,
			},
		}).Err()
		if err != nil {
			w.logger.Error("requeue failed", zap.String("url", task.URL), zap.Error(err))
		}
	})
}

func (w *Worker) process(ctx context.Context, task Task) error {
	h, ok := w.handlers[task.URL]
	if !ok {
		return fmt.Errorf("%w for %q", errNoHandler, task.URL)
	}
	return h(ctx, task.Payload)
}

func toInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case string:
		x, _ := strconv.Atoi(t)
		return x
	default:
		return 0
	}
}
