package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrChallengeNotFound = errors.New("mfa challenge not found")
	ErrChallengeExpired  = errors.New("mfa challenge expired")
	ErrChallengeBackend  = errors.New("mfa challenge backend unavailable")
)

// Challenge is the pending second step of a login that requires MFA.
type Challenge struct {
	AccountID string `json:"aid"`
	// Fingerprint is the device payload presented at the password step.
	// Device trust is evaluated once the second factor is accepted.
	Fingerprint []byte `json:"fp,omitempty"`
	IP          string `json:"ip,omitempty"`
	ExpiresAt   int64  `json:"exp"`
	Attempts    int    `json:"att"`
}

// ChallengeStore persists MFA login challenges keyed by the digest of the
// challenge token handed to the client.
type ChallengeStore struct {
	redis  redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewChallengeStore(redisClient redis.UniversalClient, prefix string) *ChallengeStore {
	if prefix == "" {
		prefix = "fmfa"
	}
	return &ChallengeStore{redis: redisClient, prefix: prefix, now: time.Now}
}

func (s *ChallengeStore) key(token string) string {
	return s.prefix + ":" + Digest(token)
}

func (s *ChallengeStore) Save(ctx context.Context, token string, record *Challenge, ttl time.Duration) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.key(token), data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrChallengeBackend, err)
	}
	return nil
}

func (s *ChallengeStore) Get(ctx context.Context, token string) (*Challenge, error) {
	data, err := s.redis.Get(ctx, s.key(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrChallengeNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrChallengeBackend, err)
	}

	var record Challenge
	if err := json.Unmarshal(data, &record); err != nil {
		_ = s.redis.Del(ctx, s.key(token)).Err()
		return nil, ErrChallengeNotFound
	}
	if s.now().Unix() > record.ExpiresAt {
		_ = s.redis.Del(ctx, s.key(token)).Err()
		return nil, ErrChallengeExpired
	}
	return &record, nil
}

// Consume deletes the challenge. Only the caller that observes true may
// finish the login.
func (s *ChallengeStore) Consume(ctx context.Context, token string) (bool, error) {
	n, err := s.redis.Del(ctx, s.key(token)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrChallengeBackend, err)
	}
	return n > 0, nil
}

// RecordFailure increments the attempt counter under WATCH and deletes the
// challenge once maxAttempts is reached. It reports whether the cap was hit.
func (s *ChallengeStore) RecordFailure(ctx context.Context, token string, maxAttempts int) (bool, error) {
	const maxRetries = 4
	key := s.key(token)

	for i := 0; i < maxRetries; i++ {
		var exceeded bool
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			var record Challenge
			if err := json.Unmarshal(data, &record); err != nil {
				return err
			}

			record.Attempts++
			ttl := time.Until(time.Unix(record.ExpiresAt, 0))
			if record.Attempts >= maxAttempts || ttl <= 0 {
				exceeded = record.Attempts >= maxAttempts
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				if err == nil && !exceeded {
					return ErrChallengeExpired
				}
				return err
			}

			updated, err := json.Marshal(&record)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, ttl)
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return false, ErrChallengeNotFound
			}
			if errors.Is(err, ErrChallengeExpired) {
				return false, err
			}
			return false, fmt.Errorf("%w: %v", ErrChallengeBackend, err)
		}
		return exceeded, nil
	}

	return false, ErrChallengeBackend
}
