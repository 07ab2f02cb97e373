package stores

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRevocationBackend wraps Redis failures on the revocation fast path.
var ErrRevocationBackend = errors.New("revocation cache unavailable")

// RevocationCache keeps one "active" marker per issued jti with a TTL equal
// to the token lifetime. Expired markers disappear on their own.
type RevocationCache struct {
	redis  redis.UniversalClient
	prefix string
}

func NewRevocationCache(redisClient redis.UniversalClient, prefix string) *RevocationCache {
	if prefix == "" {
		prefix = "fjti"
	}
	return &RevocationCache{redis: redisClient, prefix: prefix}
}

func (c *RevocationCache) key(jti string) string {
	return c.prefix + ":" + jti
}

// MarkActive records jti as active for ttl.
func (c *RevocationCache) MarkActive(ctx context.Context, jti, accountID string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := c.redis.Set(ctx, c.key(jti), accountID, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRevocationBackend, err)
	}
	return nil
}

// IsActive reports whether an active marker exists for jti.
func (c *RevocationCache) IsActive(ctx context.Context, jti string) (bool, error) {
	n, err := c.redis.Exists(ctx, c.key(jti)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRevocationBackend, err)
	}
	return n == 1, nil
}

// Remove deletes the active marker. Removing a missing marker is not an error.
func (c *RevocationCache) Remove(ctx context.Context, jti string) error {
	if err := c.redis.Del(ctx, c.key(jti)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRevocationBackend, err)
	}
	return nil
}
