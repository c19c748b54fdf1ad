package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisSessionStoreConfig configures the Redis-backed session store.
type RedisSessionStoreConfig struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	KeyPrefix    string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisSessionStore persists sessions in Redis so multiple coordinator
// replicas can share authentication state. Expiry is delegated to Redis key
// TTLs, which makes PurgeExpired a no-op.
type RedisSessionStore struct {
	client *redis.Client
	prefix string
}

// NewRedisSessionStore opens a Redis-backed session store.
func NewRedisSessionStore(cfg RedisSessionStoreConfig) (*RedisSessionStore, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = "couchsync:session:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	return &RedisSessionStore{client: client, prefix: prefix}, nil
}

type redisSessionPayload struct {
	Role      Role      `json:"role"`
	Name      string    `json:"name"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Save stores the session under its token with a TTL matching the expiry.
func (s *RedisSessionStore) Save(record SessionRecord) error {
	ttl := time.Until(record.ExpiresAt)
	if ttl <= 0 {
		return s.Delete(record.Token)
	}
	payload, err := json.Marshal(redisSessionPayload{Role: record.Role, Name: record.Name, ExpiresAt: record.ExpiresAt.UTC()})
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	return s.client.Set(context.Background(), s.prefix+record.Token, payload, ttl).Err()
}

// Get fetches the session details for the provided token.
func (s *RedisSessionStore) Get(token string) (SessionRecord, bool, error) {
	raw, err := s.client.Get(context.Background(), s.prefix+token).Bytes()
	if err == redis.Nil {
		return SessionRecord{}, false, nil
	}
	if err != nil {
		return SessionRecord{}, false, err
	}
	var payload redisSessionPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return SessionRecord{}, false, fmt.Errorf("decode session: %w", err)
	}
	return SessionRecord{Token: token, Role: payload.Role, Name: payload.Name, ExpiresAt: payload.ExpiresAt}, true, nil
}

// Delete removes the session token.
func (s *RedisSessionStore) Delete(token string) error {
	return s.client.Del(context.Background(), s.prefix+token).Err()
}

// PurgeExpired is a no-op; Redis evicts expired session keys itself.
func (s *RedisSessionStore) PurgeExpired(time.Time) error {
	return nil
}

// Ping verifies the Redis connection.
func (s *RedisSessionStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the Redis client resources.
func (s *RedisSessionStore) Close() error {
	return s.client.Close()
}
