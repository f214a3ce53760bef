package redisx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/oremus-labs/ol-bot-manager/internal/logutil"
	"github.com/redis/go-redis/v9"
)

// Only the holder's token may extend or delete the key.
const (
	refreshScript = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("pexpire", KEYS[1], ARGV[2]) else return 0 end`
	releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`
)

var errLockHeld = errors.New("lock held by another process")

type lockBackend interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// LockOptions configure a Lock.
type LockOptions struct {
	Key string
	// TTL bounds how long a crashed holder blocks others. Holders refresh
	// the key every TTL/3.
	TTL time.Duration
	// RetryInterval is the wait between acquisition attempts.
	RetryInterval time.Duration
}

// Lock is a mutex shared by every process talking to the same Redis.
type Lock struct {
	client lockBackend
	key    string
	ttl    time.Duration
	retry  time.Duration
}

// NewLock builds a lock on key.
func NewLock(client redis.UniversalClient, opts LockOptions) *Lock {
	return newLock(client, opts)
}

func newLock(client lockBackend, opts LockOptions) *Lock {
	if opts.Key == "" {
		opts.Key = "bot-manager:lifecycle"
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Minute
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 500 * time.Millisecond
	}
	return &Lock{client: client, key: opts.Key, ttl: opts.TTL, retry: opts.RetryInterval}
}

// Acquire blocks until the lock is held or ctx ends. The returned release
// func stops the refresher and deletes the key if it is still ours.
func (l *Lock) Acquire(ctx context.Context) (func(), error) {
	token := uuid.NewString()
	_, err := backoff.Retry(ctx, func() (bool, error) {
		ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
		if err != nil {
			return false, backoff.Permanent(err)
		}
		if !ok {
			return false, errLockHeld
		}
		return true, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(l.retry)),
		backoff.WithMaxElapsedTime(0),
	)
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", l.key, err)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.refresh(token, stop, done)

	return func() {
		close(stop)
		<-done
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := l.client.Eval(releaseCtx, releaseScript, []string{l.key}, token).Err(); err != nil {
			logutil.Warn("lock_release_failed", map[string]interface{}{"key": l.key, "error": err.Error()})
		}
	}, nil
}

func (l *Lock) refresh(token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			n, err := l.client.Eval(ctx, refreshScript, []string{l.key}, token, l.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil {
				logutil.Warn("lock_refresh_failed", map[string]interface{}{"key": l.key, "error": err.Error()})
				continue
			}
			if n == 0 {
				logutil.Warn("lock_lost", map[string]interface{}{"key": l.key})
				return
			}
		}
	}
}
