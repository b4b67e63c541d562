package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

type sentValue struct {
	MessageID string    `json:"messageId"`
	SentAt    time.Time `json:"sentAt"`
}

func providerKey(provider, providerMessageID string) string {
	return fmt.Sprintf("pmid:%s:%s", provider, providerMessageID)
}

func (c *RedisCache) StoreSent(ctx context.Context, provider, providerMessageID, messageID string, sentAt time.Time) error {
	val := sentValue{
		MessageID: messageID,
		SentAt:    sentAt.UTC(),
	}

	b, err := json.Marshal(val)
	if err != nil {
		return err
	}

	return c.rdb.Set(ctx, providerKey(provider, providerMessageID), b, c.ttl).Err()
}

func (c *RedisCache) Lookup(ctx context.Context, provider, providerMessageID string) (string, error) {
	raw, err := c.rdb.Get(ctx, providerKey(provider, providerMessageID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrMiss
		}
		return "", err
	}

	var val sentValue
	if err := json.Unmarshal(raw, &val); err != nil {
		return "", fmt.Errorf("decode provider index entry: %w", err)
	}
	return val.MessageID, nil
}
