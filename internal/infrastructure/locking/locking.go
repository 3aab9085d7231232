// Package locking serializes snapshot issuance per prescription across
// layout-api instances.
package locking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrNotObtained is returned when another holder owns the lock
var ErrNotObtained = errors.New("lock not obtained")

// Lock is a held lock
type Lock interface {
	Release(ctx context.Context) error
}

// Locker hands out exclusive, expiring locks by key
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

// Config holds redis connection settings
type Config struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Addr:   "localhost:6379",
		Prefix: "rxlayout:lock:",
		TTL:    30 * time.Second,
	}
}

// RedisLocker obtains locks with bsm/redislock
type RedisLocker struct {
	rdb    *redis.Client
	client *redislock.Client
	prefix string
	logger *zap.Logger
}

// NewRedisLocker connects to redis and verifies it answers
func NewRedisLocker(ctx context.Context, cfg Config, logger *zap.Logger) (*RedisLocker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return &RedisLocker{
		rdb:    rdb,
		client: redislock.New(rdb),
		prefix: cfg.Prefix,
		logger: logger,
	}, nil
}

// Obtain takes the lock for key without waiting
func (l *RedisLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	lock, err := l.client.Obtain(ctx, l.prefix+key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%w: %s", ErrNotObtained, key)
	}
	if err != nil {
		return nil, fmt.Errorf("obtain lock %s: %w", key, err)
	}
	return lock, nil
}

// Ping checks the redis connection
func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.rdb.Ping(ctx).Err()
}

// Close closes the redis connection
func (l *RedisLocker) Close() error {
	return l.rdb.Close()
}

// LocalLocker is an in-process Locker for single instance deployments and tests
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]time.Time
}

// NewLocalLocker creates an empty in-process locker
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]time.Time)}
}

// Obtain takes the lock for key unless an unexpired holder exists
func (l *LocalLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if until, ok := l.held[key]; ok && now.Before(until) {
		return nil, fmt.Errorf("%w: %s", ErrNotObtained, key)
	}
	until := now.Add(ttl)
	l.held[key] = until
	return &localLock{owner: l, key: key, until: until}, nil
}

type localLock struct {
	owner *LocalLocker
	key   string
	until time.Time
}

// Release frees the lock if it is still the current holder
func (k *localLock) Release(context.Context) error {
	k.owner.mu.Lock()
	defer k.owner.mu.Unlock()
	if k.owner.held[k.key] == k.until {
		delete(k.owner.held, k.key)
	}
	return nil
}
