package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultMutexExpiry = 5 * time.Minute

// RedisMutex is a named non-blocking distributed lock.
type RedisMutex struct {
	rs     *redsync.Redsync
	name   string
	expiry time.Duration
	log    *zap.Logger
}

func NewRedisMutex(client redis.UniversalClient, name string, expiry time.Duration, log *zap.Logger) *RedisMutex {
	if expiry <= 0 {
		expiry = DefaultMutexExpiry
	}
	return &RedisMutex{
		rs:     redsync.New(goredis.NewPool(client)),
		name:   name,
		expiry: expiry,
		log:    log,
	}
}

// TryLock makes a single acquisition attempt. When ok is true the caller must
// call unlock once done. Contention is reported as ok == false with a nil error.
func (m *RedisMutex) TryLock(ctx context.Context) (unlock func(), ok bool, err error) {
	mutex := m.rs.NewMutex(m.name,
		redsync.WithExpiry(m.expiry),
		redsync.WithTries(1),
	)

	if err := mutex.LockContext(ctx); err != nil {
		msg := err.Error()
		if errors.Is(err, redsync.ErrFailed) ||
			strings.Contains(msg, "lock already taken") ||
			strings.Contains(msg, "failed to acquire lock") {
			m.log.Debug("lock held by another instance", zap.String("lock", m.name))
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("acquire %s: %w", m.name, err)
	}

	return func() {
		// the run's context may already be cancelled; release regardless
		if _, err := mutex.UnlockContext(context.Background()); err != nil {
			m.log.Warn("failed to release lock", zap.String("lock", m.name), zap.Error(err))
		}
	}, true, nil
}
