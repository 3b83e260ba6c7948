package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps all state fields in a single redis hash
type RedisStore struct {
	client redis.UniversalClient
	key    string
}

// NewRedisStore creates a store backed by the hash at key
func NewRedisStore(client redis.UniversalClient, key string) *RedisStore {
	return &RedisStore{client: client, key: key}
}

// Get reads the requested fields; missing fields are left out of the result
func (s *RedisStore) Get(ctx context.Context, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	values, err := s.client.HMGet(ctx, s.key, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hmget: %w", err)
	}

	for i, v := range values {
		if v == nil {
			continue
		}
		str, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("redis hmget: unexpected value type %T for %s", v, keys[i])
		}
		out[keys[i]] = str
	}
	return out, nil
}

// Update applies sets and deletes inside one MULTI/EXEC
func (s *RedisStore) Update(ctx context.Context, set map[string]string, del []string) error {
	if err := validateKeys(set, del); err != nil {
		return err
	}
	if len(set) == 0 && len(del) == 0 {
		return nil
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(del) > 0 {
			pipe.HDel(ctx, s.key, del...)
		}
		if len(set) > 0 {
			values := make([]interface{}, 0, len(set)*2)
			for k, v := range set {
				values = append(values, k, v)
			}
			pipe.HSet(ctx, s.key, values...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis update: %w", err)
	}
	return nil
}
