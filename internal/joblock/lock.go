package joblock

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/trunov/mediaopt/internal/apperr"
	"github.com/trunov/mediaopt/internal/entities"
)

// Lease is how long one acquire or renew keeps the lock.
const Lease = 60 * time.Second

// Store runs fn as an atomic read-modify-write of a job's lock.
type Store interface {
	UpdateLock(ctx context.Context, jobID string, fn func(cur entities.Lock) (entities.Lock, error)) error
}

type Locker struct {
	store  Store
	now    func() time.Time
	logger *zap.Logger
}

func New(store Store, logger *zap.Logger) *Locker {
	return &Locker{
		store:  store,
		now:    time.Now,
		logger: logger.With(zap.String("component", "joblock")),
	}
}

// Acquire takes the lock unless it is held and unexpired, in which case it fails
// with apperr.CodeLocked. An expired lease is reclaimed.
func (l *Locker) Acquire(ctx context.Context, jobID string) error {
	err := l.store.UpdateLock(ctx, jobID, func(cur entities.Lock) (entities.Lock, error) {
		now := l.now()
		if cur.HeldAt(now) {
			return cur, apperr.New(apperr.CodeLocked, "acquire", fmt.Errorf("job %s locked until %s", jobID, cur.Until.Format(time.RFC3339)))
		}
		if cur.Locked {
			l.logger.Info("reclaiming expired lease", zap.String("job_id", jobID), zap.Timep("until", cur.Until))
		}
		return leased(now), nil
	})
	return err
}

// Renew extends the lease from now regardless of the current state.
func (l *Locker) Renew(ctx context.Context, jobID string) error {
	return l.store.UpdateLock(ctx, jobID, func(entities.Lock) (entities.Lock, error) {
		return leased(l.now()), nil
	})
}

func (l *Locker) Release(ctx context.Context, jobID string) error {
	return l.store.UpdateLock(ctx, jobID, func(entities.Lock) (entities.Lock, error) {
		return entities.Lock{Locked: false, Until: nil, UpdatedAt: l.now()}, nil
	})
}

func leased(now time.Time) entities.Lock {
	until := now.Add(Lease)
	return entities.Lock{Locked: true, Until: &until, UpdatedAt: now}
}
