// Package lock serialises critical sections within one process and, when Redis
// is configured, across replicas.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/and161185/ledgersync/internal/errs"
)

// Defaults for the distributed lock.
const (
	DefaultTTL  = 2 * time.Minute
	DefaultPoll = 200 * time.Millisecond
)

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Locker runs one function per key at a time.
type Locker struct {
	group  singleflight.Group
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
	poll   time.Duration
	log    *zap.Logger
}

// Option configures a Locker.
type Option func(*Locker)

// WithRedis enables the cross-replica lock backed by rdb.
func WithRedis(rdb redis.UniversalClient) Option { return func(l *Locker) { l.rdb = rdb } }

// WithTTL sets the expiry of the Redis lock key.
func WithTTL(ttl time.Duration) Option { return func(l *Locker) { l.ttl = ttl } }

// WithPoll sets how often a waiting replica retries the Redis lock.
func WithPoll(d time.Duration) Option { return func(l *Locker) { l.poll = d } }

// New constructs a Locker. Without WithRedis only in-process callers are serialised.
func New(log *zap.Logger, opts ...Option) *Locker {
	l := &Locker{prefix: "ledgersync:lock:", ttl: DefaultTTL, poll: DefaultPoll, log: log}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Distributed reports whether a Redis lock is configured.
func (l *Locker) Distributed() bool { return l.rdb != nil }

// Do runs fn under the lock named key. Concurrent callers in this process join
// the running call and receive its error; shared is true for them.
// fn runs detached from the leader's cancellation; each caller stops waiting on its own ctx.
func (l *Locker) Do(ctx context.Context, key string, fn func(ctx context.Context) error) (shared bool, err error) {
	ch := l.group.DoChan(key, func() (any, error) {
		runCtx := context.WithoutCancel(ctx)
		return nil, l.runLocked(runCtx, ctx, key, fn)
	})
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case res := <-ch:
		return res.Shared, res.Err
	}
}

func (l *Locker) runLocked(runCtx, waitCtx context.Context, key string, fn func(ctx context.Context) error) error {
	if l.rdb == nil {
		return fn(runCtx)
	}
	release, err := l.acquire(waitCtx, l.prefix+key)
	if err != nil {
		return err
	}
	defer release()
	return fn(runCtx)
}

// acquire blocks until the Redis key is ours or ctx ends.
func (l *Locker) acquire(ctx context.Context, key string) (func(), error) {
	token := uuid.Must(uuid.NewV4()).String()
	t := time.NewTicker(l.poll)
	defer t.Stop()
	for {
		ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			return func() {
				rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := releaseScript.Run(rctx, l.rdb, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
					l.log.Warn("lock release failed", zap.String("key", key), zap.Error(err))
				}
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire %s: %w", key, errs.ErrLockBusy)
		case <-t.C:
		}
	}
}
