// Package session stores authenticated SSO identities in Redis.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "pollbot:sso:"

var ErrNotFound = errors.New("sso session not found or expired")

// Identity is what the identity provider asserted about the signed-in user.
type Identity struct {
	NameID     string              `json:"nameId"`
	Attributes map[string][]string `json:"attributes"`
	CreatedAt  time.Time           `json:"createdAt"`
}

// RedisStore keeps identities keyed by the hash of the browser's session token.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to redisURL and verifies the connection.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: defaultPrefix,
	}
}

func (s *RedisStore) key(tokenHash string) string {
	return s.prefix + tokenHash
}

// Save stores identity under tokenHash for ttl.
func (s *RedisStore) Save(ctx context.Context, tokenHash string, identity Identity, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("save sso session: ttl must be positive")
	}
	if identity.CreatedAt.IsZero() {
		identity.CreatedAt = time.Now().UTC()
	}

	jsonData, err := json.Marshal(identity)
	if err != nil {
		return fmt.Errorf("marshal sso session: %w", err)
	}
	if err := s.client.Set(ctx, s.key(tokenHash), jsonData, ttl).Err(); err != nil {
		return fmt.Errorf("save sso session: %w", err)
	}
	return nil
}

// Lookup returns ErrNotFound for unknown, revoked or expired sessions.
func (s *RedisStore) Lookup(ctx context.Context, tokenHash string) (Identity, error) {
	jsonData, err := s.client.Get(ctx, s.key(tokenHash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Identity{}, ErrNotFound
	}
	if err != nil {
		return Identity{}, fmt.Errorf("lookup sso session: %w", err)
	}

	var identity Identity
	if err := json.Unmarshal(jsonData, &identity); err != nil {
		return Identity{}, fmt.Errorf("unmarshal sso session: %w", err)
	}
	if identity.Attributes == nil {
		identity.Attributes = map[string][]string{}
	}
	return identity, nil
}

// Revoke deletes a session. Unknown sessions are not an error.
func (s *RedisStore) Revoke(ctx context.Context, tokenHash string) error {
	if err := s.client.Del(ctx, s.key(tokenHash)).Err(); err != nil {
		return fmt.Errorf("revoke sso session: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
