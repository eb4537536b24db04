package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// deleteInstanceScript removes one instance field and drops the service
// from the index set when the hash becomes empty.
// KEYS[1] = service hash key
// KEYS[2] = service index set key
// ARGV[1] = instance key (host:port)
// ARGV[2] = service name
var deleteInstanceScript = redis.NewScript(`
	redis.call('HDEL', KEYS[1], ARGV[1])
	if redis.call('HLEN', KEYS[1]) == 0 then
		redis.call('SREM', KEYS[2], ARGV[2])
	end
	return 1
`)

// RedisOptions holds connection settings for the Redis-backed store.
type RedisOptions struct {
	Address  string
	Password string
	DB       int

	// KeyPrefix namespaces every key written by the store so several
	// gateways can share one Redis deployment.
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
		KeyPrefix:    "chainreactions:gateway",
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// RedisStore implements Store on a shared Redis deployment. Each service
// is one hash keyed by "<prefix>:services:<name>" whose fields are
// instance keys (host:port) and whose values are JSON instance
// documents. A set at "<prefix>:services" indexes the known service
// names so listing does not require SCAN.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
	closed bool
	mu     sync.Mutex
}

// NewRedisStore connects to Redis and verifies the connection with a
// single ping bounded by the dial timeout.
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

	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "chainreactions:gateway"
	}

	return &RedisStore{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// NewRedisStoreFromClient wraps an existing client. Used by tests.
func NewRedisStoreFromClient(client *redis.Client, keyPrefix string, logger *zap.Logger) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "chainreactions:gateway"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{client: client, prefix: keyPrefix, logger: logger}
}

func (s *RedisStore) serviceKey(service string) string {
	return s.prefix + ":services:" + service
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":services"
}

// PutInstance implements Store.
func (s *RedisStore) PutInstance(ctx context.Context, inst *ServiceInstance) error {
	// Check for context cancellation before performing the operation
	// to fail fast and avoid unnecessary work.
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error before redis put: %w", err)
	}

	doc, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to encode instance: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.serviceKey(inst.ServiceName), inst.Key(), doc)
	pipe.SAdd(ctx, s.indexKey(), inst.ServiceName)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis put error: %w", err)
	}
	return nil
}

// GetInstance implements Store.
func (s *RedisStore) GetInstance(ctx context.Context, service, key string) (*ServiceInstance, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context error before redis get: %w", err)
	}

	doc, err := s.client.HGet(ctx, s.serviceKey(service), key).Result()
	if err == redis.Nil {
		return nil, ErrInstanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get error: %w", err)
	}

	inst := &ServiceInstance{}
	if err := json.Unmarshal([]byte(doc), inst); err != nil {
		return nil, fmt.Errorf("failed to decode instance %s/%s: %w", service, key, err)
	}
	return inst, nil
}

// DeleteInstance implements Store.
func (s *RedisStore) DeleteInstance(ctx context.Context, service, key string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error before redis del: %w", err)
	}

	keys := []string{s.serviceKey(service), s.indexKey()}
	if err := deleteInstanceScript.Run(ctx, s.client, keys, key, service).Err(); err != nil {
		return fmt.Errorf("redis del error: %w", err)
	}
	return nil
}

// ListService implements Store.
func (s *RedisStore) ListService(ctx context.Context, service string) ([]*ServiceInstance, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context error before redis list: %w", err)
	}

	docs, err := s.client.HGetAll(ctx, s.serviceKey(service)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list error: %w", err)
	}

	keys := make([]string, 0, len(docs))
	for k := range docs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]*ServiceInstance, 0, len(docs))
	for _, k := range keys {
		inst := &ServiceInstance{}
		if err := json.Unmarshal([]byte(docs[k]), inst); err != nil {
			s.logger.Warn("skipping undecodable instance document",
				zap.String("service", service),
				zap.String("instance", k),
				zap.Error(err),
			)
			continue
		}
		out = append(out, inst)
	}
	return out, nil
}

// ListServices implements Store.
func (s *RedisStore) ListServices(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context error before redis list services: %w", err)
	}

	names, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list services error: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// Ping implements Store.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping error: %w", err)
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

// Client returns the underlying Redis client.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}
