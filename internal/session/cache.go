package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is a short-lived Redis read cache for session lookups. It is a pure
// optimization: entries carry the full row including ExpiresAt, the manager
// still checks expiry on every hit, and the entry TTL is capped at the time
// remaining until expiry so a cached session never outlives its validity.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache constructs the cache helper. A nil client disables caching.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

type cachedSession struct {
	Session
	Token string `json:"token"`
}

// Get returns the cached session for token, or nil on miss or backend error.
func (c *Cache) Get(ctx context.Context, token string) *Session {
	if c == nil || c.client == nil {
		return nil
	}
	payload, err := c.client.Get(ctx, cacheKey(token)).Bytes()
	if err != nil {
		return nil
	}
	var stored cachedSession
	if err := json.Unmarshal(payload, &stored); err != nil {
		return nil
	}
	sess := stored.Session
	sess.Token = stored.Token
	return &sess
}

// Set stores the session, best-effort. The TTL never exceeds the session's
// remaining lifetime.
func (c *Cache) Set(ctx context.Context, sess *Session) {
	if c == nil || c.client == nil || sess == nil {
		return
	}
	ttl := c.ttl
	if until := time.Until(sess.ExpiresAt); until < ttl {
		ttl = until
	}
	if ttl <= 0 {
		return
	}
	payload, err := json.Marshal(cachedSession{Session: *sess, Token: sess.Token})
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, cacheKey(sess.Token), payload, ttl).Err()
}

// Invalidate drops the cached entries for the given tokens.
func (c *Cache) Invalidate(ctx context.Context, tokens ...string) error {
	if c == nil || c.client == nil || len(tokens) == 0 {
		return nil
	}
	keys := make([]string, len(tokens))
	for i, token := range tokens {
		keys[i] = cacheKey(token)
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}

// Tokens are bearer secrets; only their hash is used as a cache key.
func cacheKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "session:" + hex.EncodeToString(sum[:])
}
