// Package lock provides a session lock shared between IntakePipe instances.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/BTreeMap/IntakePipe/internal/flow"
	"github.com/BTreeMap/IntakePipe/internal/models"
)

// DefaultTTL bounds how long a crashed holder can keep a session locked.
// A live holder renews the lease every ttl/3 until it unlocks.
const DefaultTTL = 30 * time.Second

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the key's expiry only while it still holds our token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker implements per-session try-locks with SET NX PX.
//
// Keys have the form:
//
//	<prefix>session:<id>
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisLocker creates a locker. prefix defaults to "intakepipe:" and ttl to DefaultTTL.
func NewRedisLocker(client *redis.Client, prefix string, ttl time.Duration) *RedisLocker {
	if prefix == "" {
		prefix = "intakepipe:"
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl}
}

// NewRedisLockerFromAddr dials addr and verifies the connection.
func NewRedisLockerFromAddr(ctx context.Context, addr string, ttl time.Duration) (*RedisLocker, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	slog.Info("RedisLocker: connected", "addr", addr)
	return NewRedisLocker(client, "", ttl), nil
}

var _ flow.SessionLocker = (*RedisLocker)(nil)

func (l *RedisLocker) key(sessionID string) string {
	return l.prefix + "session:" + sessionID
}

// TryLock acquires the session lock or returns models.ErrBusy without waiting.
func (l *RedisLocker) TryLock(ctx context.Context, sessionID string) (func(), error) {
	key := l.key(sessionID)
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		slog.Error("RedisLocker.TryLock: redis SETNX failed", "error", err, "sessionID", sessionID)
		return nil, fmt.Errorf("failed to acquire session lock: %w", err)
	}
	if !ok {
		slog.Debug("RedisLocker.TryLock: session busy", "sessionID", sessionID)
		return nil, models.ErrBusy
	}
	stop := make(chan struct{})
	renewed := make(chan struct{})
	go l.renew(key, token, sessionID, stop, renewed)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-renewed
			// The caller's context may already be cancelled.
			rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(rctx, l.client, []string{key}, token).Err(); err != nil {
				slog.Warn("RedisLocker: release failed, lock will expire", "error", err, "sessionID", sessionID, "ttl", l.ttl)
			}
		})
	}, nil
}

// renew extends the lease every ttl/3 until stop is closed or the lease is lost.
func (l *RedisLocker) renew(key, token, sessionID string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
		n, err := renewScript.Run(ctx, l.client, []string{key}, token, l.ttl.Milliseconds()).Int()
		cancel()
		if err != nil {
			slog.Warn("RedisLocker.renew: lease renewal failed", "error", err, "sessionID", sessionID)
			continue
		}
		if n == 0 {
			slog.Error("RedisLocker.renew: lease lost while held", "sessionID", sessionID)
			return
		}
	}
}

// Close closes the underlying client.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}
