package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// incrWindowScript atomically increments a window counter, starting the
// window lifetime on creation. It also repairs a key that lost its TTL.
// KEYS[1] = window key
// ARGV[1] = window lifetime in milliseconds
// Returns {count, remaining ttl in milliseconds}.
var incrWindowScript = redis.NewScript(`
	local count = redis.call('INCR', KEYS[1])
	local ttl = redis.call('PTTL', KEYS[1])
	if count == 1 or ttl < 0 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
		ttl = tonumber(ARGV[1])
	end
	return {count, ttl}
`)

// RedisOptions holds connection settings for the Redis-backed store.
type RedisOptions struct {
	Address  string
	Password string
	DB       int

	// KeyPrefix namespaces every window key.
	KeyPrefix string

	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	Logger *zap.Logger
}

// DefaultRedisOptions returns RedisOptions with default values.
func DefaultRedisOptions() *RedisOptions {
	return &RedisOptions{
		Address:      "localhost:6379",
		DB:           0,
		KeyPrefix:    "chainreactions:gateway:ratelimit",
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// RedisStore implements Store on Redis so every gateway replica counts
// against the same windows.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
	closed bool
	mu     sync.Mutex
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(opts *RedisOptions) (*RedisStore, error) {
	if opts == nil {
		opts = DefaultRedisOptions()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         opts.Address,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	})

	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Address, err)
	}

	return &RedisStore{
		client: client,
		prefix: normalizePrefix(opts.KeyPrefix),
		logger: logger,
	}, nil
}

// NewRedisStoreFromClient wraps an existing client. Used by tests and
// deployments that share one client between gateway concerns.
func NewRedisStoreFromClient(client *redis.Client, keyPrefix string, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client: client,
		prefix: normalizePrefix(keyPrefix),
		logger: logger,
	}
}

func normalizePrefix(prefix string) string {
	if prefix == "" {
		prefix = "chainreactions:gateway:ratelimit"
	}
	return prefix + ":"
}

func (s *RedisStore) windowKey(key string) string {
	return s.prefix + key
}

// Incr implements Store.
func (s *RedisStore) Incr(ctx context.Context, key string, windowSize time.Duration) (int64, time.Duration, error) {
	// Check for context cancellation before performing the operation
	// to fail fast and avoid unnecessary work.
	if err := ctx.Err(); err != nil {
		return 0, 0, fmt.Errorf("context error before redis incr: %w", err)
	}

	windowMs := windowSize.Milliseconds()
	if windowMs < 1 {
		windowMs = 1
	}

	result, err := incrWindowScript.Run(ctx, s.client, []string{s.windowKey(key)}, windowMs).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("redis incr error: %w", err)
	}

	// Safe type assertions to prevent panic
	values, ok := result.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("redis script returned unexpected type: %T", result)
	}
	count, ok := values[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("redis script returned unexpected count type: %T", values[0])
	}
	ttlMs, ok := values[1].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("redis script returned unexpected ttl type: %T", values[1])
	}

	return count, time.Duration(ttlMs) * time.Millisecond, nil
}

// Reset implements Store.
func (s *RedisStore) Reset(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error before redis del: %w", err)
	}

	if err := s.client.Del(ctx, s.windowKey(key)).Err(); err != nil {
		return fmt.Errorf("redis del error: %w", err)
	}
	return nil
}

// Close implements Store. Close is idempotent.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}
