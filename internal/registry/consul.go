package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	consulapi "github.com/hashicorp/consul/api"
	"go.uber.org/zap"
)

// ConsulOptions holds connection settings for the Consul-backed store.
type ConsulOptions struct {
	Address string
	Scheme  string
	Token   string

	// KeyPrefix namespaces every key written by the store.
	KeyPrefix string

	Logger *zap.Logger
}

// ConsulStore implements Store on the Consul KV tree. Each instance is
// one key at "<prefix>/services/<name>/<host:port>" holding a JSON
// instance document, so service membership is recovered by listing the
// service subtree.
type ConsulStore struct {
	kv     *consulapi.KV
	status *consulapi.Status
	prefix string
	logger *zap.Logger
}

// NewConsulStore creates a Consul client and verifies it can reach a
// cluster leader.
func NewConsulStore(opts *ConsulOptions) (*ConsulStore, error) {
	if opts == nil {
		opts = &ConsulOptions{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg := consulapi.DefaultConfig()
	if opts.Address != "" {
		cfg.Address = opts.Address
	}
	if opts.Scheme != "" {
		cfg.Scheme = opts.Scheme
	}
	if opts.Token != "" {
		cfg.Token = opts.Token
	}

	client, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consul client: %w", err)
	}

	store := &ConsulStore{
		kv:     client.KV(),
		status: client.Status(),
		prefix: normalizeConsulPrefix(opts.KeyPrefix),
		logger: logger,
	}

	if _, err := store.status.Leader(); err != nil {
		return nil, fmt.Errorf("failed to reach consul leader: %w", err)
	}
	return store, nil
}

// normalizeConsulPrefix maps the registry key prefix onto Consul's
// slash-separated key space.
func normalizeConsulPrefix(prefix string) string {
	if prefix == "" {
		prefix = "chainreactions/gateway"
	}
	prefix = strings.ReplaceAll(prefix, ":", "/")
	return strings.Trim(prefix, "/")
}

func (s *ConsulStore) serviceDir(service string) string {
	return s.prefix + "/services/" + service + "/"
}

func (s *ConsulStore) instanceKey(service, key string) string {
	return s.serviceDir(service) + key
}

// PutInstance implements Store.
func (s *ConsulStore) PutInstance(ctx context.Context, inst *ServiceInstance) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error before consul put: %w", err)
	}

	doc, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to encode instance: %w", err)
	}

	pair := &consulapi.KVPair{
		Key:   s.instanceKey(inst.ServiceName, inst.Key()),
		Value: doc,
	}
	if _, err := s.kv.Put(pair, (&consulapi.WriteOptions{}).WithContext(ctx)); err != nil {
		return fmt.Errorf("consul put error: %w", err)
	}
	return nil
}

// GetInstance implements Store.
func (s *ConsulStore) GetInstance(ctx context.Context, service, key string) (*ServiceInstance, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context error before consul get: %w", err)
	}

	pair, _, err := s.kv.Get(s.instanceKey(service, key), (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("consul get error: %w", err)
	}
	if pair == nil {
		return nil, ErrInstanceNotFound
	}

	inst := &ServiceInstance{}
	if err := json.Unmarshal(pair.Value, inst); err != nil {
		return nil, fmt.Errorf("failed to decode instance %s/%s: %w", service, key, err)
	}
	return inst, nil
}

// DeleteInstance implements Store.
func (s *ConsulStore) DeleteInstance(ctx context.Context, service, key string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error before consul del: %w", err)
	}

	if _, err := s.kv.Delete(s.instanceKey(service, key), (&consulapi.WriteOptions{}).WithContext(ctx)); err != nil {
		return fmt.Errorf("consul del error: %w", err)
	}
	return nil
}

// ListService implements Store.
func (s *ConsulStore) ListService(ctx context.Context, service string) ([]*ServiceInstance, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context error before consul list: %w", err)
	}

	pairs, _, err := s.kv.List(s.serviceDir(service), (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("consul list error: %w", err)
	}

	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Key < pairs[j].Key })

	out := make([]*ServiceInstance, 0, len(pairs))
	for _, pair := range pairs {
		inst := &ServiceInstance{}
		if err := json.Unmarshal(pair.Value, inst); err != nil {
			s.logger.Warn("skipping undecodable instance document",
				zap.String("service", service),
				zap.String("key", pair.Key),
				zap.Error(err),
			)
			continue
		}
		out = append(out, inst)
	}
	return out, nil
}

// ListServices implements Store.
func (s *ConsulStore) ListServices(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context error before consul list services: %w", err)
	}

	root := s.prefix + "/services/"
	keys, _, err := s.kv.Keys(root, "", (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("consul list services error: %w", err)
	}

	seen := make(map[string]struct{})
	for _, k := range keys {
		rest := strings.TrimPrefix(k, root)
		if name, _, ok := strings.Cut(rest, "/"); ok && name != "" {
			seen[name] = struct{}{}
		}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Ping implements Store.
func (s *ConsulStore) Ping(context.Context) error {
	if _, err := s.status.Leader(); err != nil {
		return fmt.Errorf("consul ping error: %w", err)
	}
	return nil
}

// Close implements Store. The Consul client has no connection pool to
// release.
func (s *ConsulStore) Close() error { return nil }
