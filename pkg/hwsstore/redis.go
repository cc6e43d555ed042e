package hwsstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/rivet-dev/runner-go/pkg/protocol"
	"github.com/rivet-dev/runner-go/pkg/runner"
)

const redisKeyPrefix = "runner:hws:"

// RedisStore persists metadata in a redis hash per actor, for hosts that
// run multiple runner processes against shared storage.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to redis using a URL of the form
// redis://host:port/db and verifies connectivity.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Put(ctx context.Context, actorID string, meta runner.HibernatingWebSocketMetadata) error {
	payload, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	return s.client.HSet(ctx, redisKeyPrefix+actorID, fieldName(meta.Key()), payload).Err()
}

func (s *RedisStore) List(ctx context.Context, actorID string) ([]runner.HibernatingWebSocketMetadata, error) {
	fields, err := s.client.HGetAll(ctx, redisKeyPrefix+actorID).Result()
	if err != nil {
		return nil, err
	}

	out := make([]runner.HibernatingWebSocketMetadata, 0, len(fields))
	for field, payload := range fields {
		var meta runner.HibernatingWebSocketMetadata
		if err := json.Unmarshal([]byte(payload), &meta); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", field, err)
		}
		out = append(out, meta)
	}
	return out, nil
}

func (s *RedisStore) Delete(ctx context.Context, actorID string, key protocol.RequestKey) error {
	return s.client.HDel(ctx, redisKeyPrefix+actorID, fieldName(key)).Err()
}

func (s *RedisStore) DeleteActor(ctx context.Context, actorID string) error {
	return s.client.Del(ctx, redisKeyPrefix+actorID).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func fieldName(key protocol.RequestKey) string {
	return key.String()
}
