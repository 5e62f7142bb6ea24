package locker

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redsync/redsync/v4"
	goredis "github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"k8s.io/klog/v2"
)

// Lease parameters. The TTL only matters when the holding process dies
// mid-operation: a live holder extends the lease every leaseTTL/3, so
// the admin operation itself can take arbitrarily long.
const (
	leaseTTL   = 15 * time.Second
	retryDelay = 200 * time.Millisecond
	// acquireTries bounds how long WithLock waits for another admin to
	// finish before giving up with ErrLockBusy.
	acquireTries = 50
)

// RedisGuard serialises admin operations across processes through a
// redsync lease per key.
type RedisGuard struct {
	rs     *redsync.Redsync
	prefix string
	closed atomic.Bool
}

// NewRedisGuard builds a Guard over a shared redis client. The client's
// lifecycle stays with the caller.
func NewRedisGuard(client redis.UniversalClient, prefix string) (*RedisGuard, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	return &RedisGuard{
		rs:     redsync.New(goredis.NewPool(client)),
		prefix: prefix,
	}, nil
}

var _ Guard = (*RedisGuard)(nil)

func (g *RedisGuard) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if g.closed.Load() {
		return ErrGuardClosed
	}
	name := g.prefix + ":" + key
	mutex := g.rs.NewMutex(name,
		redsync.WithExpiry(leaseTTL),
		redsync.WithRetryDelay(retryDelay),
		redsync.WithTries(acquireTries),
	)
	if err := mutex.LockContext(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if strings.Contains(err.Error(), "lock already taken") {
			return ErrLockBusy
		}
		return fmt.Errorf("acquire admin lock %s: %w", name, err)
	}

	stop := g.keepAlive(ctx, mutex)
	err := fn(ctx)
	stop()

	// release even when ctx was cancelled mid-operation
	unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if ok, uerr := mutex.UnlockContext(unlockCtx); uerr != nil || !ok {
		klog.Warningf("release admin lock %s: ok=%v err=%v", name, ok, uerr)
	}
	return err
}

// keepAlive extends the lease until the returned stop function is
// called, so an operation outliving the TTL keeps its lock.
func (g *RedisGuard) keepAlive(ctx context.Context, mutex *redsync.Mutex) (stop func()) {
	extendCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(leaseTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-extendCtx.Done():
				return
			case <-ticker.C:
				if ok, err := mutex.ExtendContext(extendCtx); err != nil || !ok {
					if extendCtx.Err() == nil {
						klog.Warningf("extend admin lock %s: ok=%v err=%v", mutex.Name(), ok, err)
					}
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// Close stops the guard. Held leases are released by their WithLock
// calls; new ones are refused.
func (g *RedisGuard) Close() error {
	g.closed.Store(true)
	return nil
}
