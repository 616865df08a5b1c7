package labqc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const DefaultRedisKeyPrefix = "labqc:assoc:"

type associationStoreRedis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewAssociationStoreRedis stores each association under prefix+recordID.
// A zero ttl keeps entries until they are cleared.
func NewAssociationStoreRedis(client *redis.Client, prefix string, ttl time.Duration) AssociationStore {
	if prefix == "" {
		prefix = DefaultRedisKeyPrefix
	}
	return &associationStoreRedis{client: client, prefix: prefix, ttl: ttl}
}

func (s *associationStoreRedis) key(recordID string) string { return s.prefix + recordID }

func (s *associationStoreRedis) Get(ctx context.Context, recordID string) ([]byte, bool, error) {
	raw, err := s.client.Get(ctx, s.key(recordID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", recordID, err)
	}
	return raw, true, nil
}

func (s *associationStoreRedis) Set(ctx context.Context, recordID string, raw []byte) error {
	if err := s.client.Set(ctx, s.key(recordID), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", recordID, err)
	}
	return nil
}

func (s *associationStoreRedis) Delete(ctx context.Context, recordID string) error {
	if err := s.client.Del(ctx, s.key(recordID)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", recordID, err)
	}
	return nil
}

// NewRedisClient parses a redis:// URL and verifies the server answers.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
