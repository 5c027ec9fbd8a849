package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"

	"spotify-remote/internal/types"
)

// takeScript reads and deletes in one step so two receivers can never both
// claim the same key
var takeScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v then
  redis.call('DEL', KEYS[1])
end
return v
`)

// RedisOptions configures a RedisStore
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	// EncryptionKey seals bundles at rest
	EncryptionKey []byte
}

// RedisStore is a Store shared by several receivers. Entries have no expiry,
// matching MemoryStore.
type RedisStore struct {
	client *redis.Client
	sealer *Sealer
	prefix string
}

// NewRedisStore connects to redis and verifies the connection
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	sealer, err := NewSealer(opts.EncryptionKey)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{
		client: client,
		sealer: sealer,
		prefix: opts.Prefix,
	}, nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Health checks the Redis connection health
func (s *RedisStore) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Insert stores creds with SETNX so an existing key is never replaced
func (s *RedisStore) Insert(ctx context.Context, creds types.ForwardCreds) (bool, error) {
	data, err := json.Marshal(creds)
	if err != nil {
		return false, fmt.Errorf("failed to marshal creds: %w", err)
	}

	sealed, err := s.sealer.Seal(creds.Key, data)
	if err != nil {
		return false, err
	}

	ok, err := s.client.SetNX(ctx, s.prefix+creds.Key, sealed, 0).Result()
	if err != nil {
		return false, fmt.Errorf("failed to insert creds: %w", err)
	}
	return ok, nil
}

// Take atomically removes and returns the entry for key
func (s *RedisStore) Take(ctx context.Context, key string) (*types.ForwardCreds, error) {
	sealed, err := takeScript.Run(ctx, s.client, []string{s.prefix + key}).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to take creds: %w", err)
	}

	data, err := s.sealer.Open(key, sealed)
	if err != nil {
		return nil, err
	}

	var creds types.ForwardCreds
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("failed to unmarshal creds: %w", err)
	}
	return &creds, nil
}

// Len counts pending entries under the prefix
func (s *RedisStore) Len(ctx context.Context) (int, error) {
	count := 0
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("failed to count creds: %w", err)
	}
	return count, nil
}
