package stores

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrCodeNotFound = errors.New("one-time code not found")
	ErrCodeBackend  = errors.New("one-time code backend unavailable")
)

// The stored digest is compared and deleted in one step so that two
// concurrent submissions of the same code cannot both succeed.
var consumeIfMatch = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// CodeStore holds short-lived single-use secrets (SMS/email codes, email
// verification tokens) as SHA-256 digests. Plaintext never reaches Redis.
type CodeStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewCodeStore(redisClient redis.UniversalClient, prefix string) *CodeStore {
	if prefix == "" {
		prefix = "fotc"
	}
	return &CodeStore{redis: redisClient, prefix: prefix}
}

func (s *CodeStore) key(purpose, subject string) string {
	return s.prefix + ":" + purpose + ":" + subject
}

// Digest returns the hex SHA-256 of secret.
func Digest(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// Put stores code for (purpose, subject), replacing any earlier one.
func (s *CodeStore) Put(ctx context.Context, purpose, subject, code string, ttl time.Duration) error {
	if err := s.redis.Set(ctx, s.key(purpose, subject), Digest(code), ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCodeBackend, err)
	}
	return nil
}

// Consume deletes the stored code when it matches. It returns false for a
// wrong, expired or already used code; a wrong code leaves the stored one intact.
func (s *CodeStore) Consume(ctx context.Context, purpose, subject, code string) (bool, error) {
	n, err := consumeIfMatch.Run(ctx, s.redis, []string{s.key(purpose, subject)}, Digest(code)).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrCodeBackend, err)
	}
	return n == 1, nil
}

// PutToken stores value under the digest of an opaque token.
func (s *CodeStore) PutToken(ctx context.Context, purpose, token, value string, ttl time.Duration) error {
	if err := s.redis.Set(ctx, s.key(purpose, Digest(token)), value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCodeBackend, err)
	}
	return nil
}

// TakeToken atomically reads and deletes the value stored for token.
func (s *CodeStore) TakeToken(ctx context.Context, purpose, token string) (string, error) {
	value, err := s.redis.GetDel(ctx, s.key(purpose, Digest(token))).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrCodeNotFound
		}
		return "", fmt.Errorf("%w: %v", ErrCodeBackend, err)
	}
	return value, nil
}

// Claim sets a marker only if absent. It returns false when the marker
// already exists, which callers use to reject a replayed TOTP step.
func (s *CodeStore) Claim(ctx context.Context, purpose, subject string, ttl time.Duration) (bool, error) {
	ok, err := s.redis.SetNX(ctx, s.key(purpose, subject), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrCodeBackend, err)
	}
	return ok, nil
}
