package redisholder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/trunov/mediaopt/internal/config"
)

// Build connects to the configured nodes, trying cluster mode first and falling
// back to the first reachable single node. The health loop stops with ctx.
func Build(ctx context.Context, cfg *config.RedisConfig, logger *zap.Logger) (*Holder, error) {
	logger = logger.With(zap.String("component", "redis"))

	var cl redis.UniversalClient
	cl, err := newClusterClient(ctx, cfg)
	if err != nil {
		clusterErr := err
		cl, err = newClient(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("create redis client: %w", err)
		}
		logger.Info("cluster client failed, using single-node client", zap.NamedError("cluster_error", clusterErr))
	}

	h := NewHolder(cl)

	go healthLoop(ctx, h, cfg.HealthCheckInterval*time.Second, logger)

	return h, nil
}

func healthLoop(ctx context.Context, h *Holder, interval time.Duration, logger *zap.Logger) {
	logger.Info("health loop started", zap.Duration("interval", interval))

	ping := func() {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := h.Client().Ping(pingCtx).Err()
		cancel()

		was := h.healthy.Swap(err == nil)
		switch {
		case err != nil && was:
			logger.Warn("ping failed", zap.Error(err))
		case err == nil && !was:
			logger.Info("connection recovered")
		}
	}

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("health loop stopped", zap.Error(ctx.Err()))
			return
		case <-t.C:
			ping()
		}
	}
}

func newClusterClient(ctx context.Context, cfg *config.RedisConfig) (*redis.ClusterClient, error) {
	if len(cfg.Nodes) < 1 {
		return nil, errors.New("no nodes defined")
	}

	nodeAddrs := make([]string, 0, len(cfg.Nodes))
	for _, node := range cfg.Nodes {
		nodeAddrs = append(nodeAddrs, node.Addr())
	}

	cl := redis.NewClusterClient(&redis.ClusterOptions{
		RouteByLatency: true,
		Password:       cfg.Password,
		Addrs:          nodeAddrs,
		DialTimeout:    cfg.DialTimeout * time.Second,
		ReadTimeout:    cfg.ReadTimeout * time.Second,
		WriteTimeout:   cfg.WriteTimeout * time.Second,
		PoolSize:       poolSize(cfg),
		PoolTimeout:    30 * time.Second,
		MaxRetries:     5,
	})

	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("error pinging redis cluster: %w", err)
	}

	return cl, nil
}

func newClient(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	var stickyErr = errors.New("no nodes defined")

	for _, node := range cfg.Nodes {
		cl := redis.NewClient(&redis.Options{
			Addr:         node.Addr(),
			Password:     cfg.Password,
			DB:           cfg.DatabaseID,
			DialTimeout:  cfg.DialTimeout * time.Second,
			ReadTimeout:  cfg.ReadTimeout * time.Second,
			WriteTimeout: cfg.WriteTimeout * time.Second,
			PoolSize:     poolSize(cfg),
		})

		if err := cl.Ping(ctx).Err(); err != nil {
			_ = cl.Close()
			stickyErr = fmt.Errorf("error pinging redis server: %w", err)
			continue
		}

		return cl, nil
	}

	return nil, stickyErr
}

func poolSize(cfg *config.RedisConfig) int {
	if cfg.PoolSize > 0 {
		return cfg.PoolSize
	}
	return 20
}
