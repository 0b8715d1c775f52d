package redisholder

import (
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// Holder owns the Redis client for the process lifetime and tracks its health.
type Holder struct {
	client  redis.UniversalClient
	healthy atomic.Bool
}

func NewHolder(client redis.UniversalClient) *Holder {
	h := &Holder{client: client}
	h.healthy.Store(true)
	return h
}

func (h *Holder) Client() redis.UniversalClient {
	return h.client
}

// Healthy reports the result of the last health check.
func (h *Holder) Healthy() bool {
	return h.healthy.Load()
}

func (h *Holder) Close() error {
	if h.client != nil {
		return h.client.Close()
	}
	return nil
}
