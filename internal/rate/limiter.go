package rate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// INCR and the first-hit PEXPIRE run as one script so a crash between the two
// can never leave a counter without a TTL.
var incrWithTTL = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// Policy is the attempt budget of one scope.
type Policy struct {
	Window      time.Duration
	MaxAttempts int
}

// Config holds rate limiter tuning parameters.
type Config struct {
	Prefix string
	// IncludeIP keys counters by identifier and client IP instead of identifier alone.
	IncludeIP bool
	Default   Policy
	// Scopes overrides Default per scope name.
	Scopes map[string]Policy
	// OnFallback is called when the limiter switches between Redis and the
	// local window. err is nil when Redis recovers.
	OnFallback func(err error)
}

// Limiter counts attempts per (scope, identifier[, ip]) in Redis and falls
// back to a process-local sliding window when Redis is unreachable.
type Limiter struct {
	redis    redis.UniversalClient
	config   Config
	local    *localWindow
	degraded atomic.Bool
	now      func() time.Time
}

// New creates a [Limiter]. redisClient may be nil, in which case only the
// local window is used.
func New(redisClient redis.UniversalClient, cfg Config) *Limiter {
	if cfg.Prefix == "" {
		cfg.Prefix = "frl"
	}
	return &Limiter{
		redis:  redisClient,
		config: cfg,
		local:  newLocalWindow(defaultLocalKeys),
		now:    time.Now,
	}
}

// Check records one attempt and reports whether the budget for the scope is
// exceeded. The recorded attempt is the only side effect.
func (l *Limiter) Check(ctx context.Context, scope, identifier, ip string) (bool, error) {
	policy := l.policy(scope)
	if policy.MaxAttempts <= 0 {
		return false, nil
	}
	key := l.key(scope, identifier, ip)

	count, err := l.incrementWithTTL(ctx, key, policy.Window)
	if err != nil {
		l.markDegraded(err)
		count = l.local.hit(key, l.now(), policy.Window)
	} else {
		l.markHealthy()
	}

	return count > int64(policy.MaxAttempts), nil
}

// Reset clears the counter, typically after a successful login.
func (l *Limiter) Reset(ctx context.Context, scope, identifier, ip string) error {
	key := l.key(scope, identifier, ip)
	l.local.reset(key)

	if l.redis == nil {
		return nil
	}
	if err := l.redis.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Attempts returns the current count without recording an attempt.
func (l *Limiter) Attempts(ctx context.Context, scope, identifier, ip string) (int, error) {
	key := l.key(scope, identifier, ip)
	if l.redis == nil || l.degraded.Load() {
		return int(l.local.count(key, l.now(), l.policy(scope).Window)), nil
	}

	count, err := l.redis.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return int(count), nil
}

// Degraded reports whether the last check used the local window.
func (l *Limiter) Degraded() bool {
	return l.degraded.Load()
}

func (l *Limiter) policy(scope string) Policy {
	if p, ok := l.config.Scopes[scope]; ok {
		return p
	}
	return l.config.Default
}

func (l *Limiter) key(scope, identifier, ip string) string {
	identifier = strings.ToLower(strings.TrimSpace(identifier))
	if l.config.IncludeIP && ip != "" {
		return l.config.Prefix + ":" + scope + ":" + identifier + ":" + ip
	}
	return l.config.Prefix + ":" + scope + ":" + identifier
}

func (l *Limiter) incrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if l.redis == nil {
		return 0, ErrRedisUnavailable
	}
	count, err := incrWithTTL.Run(ctx, l.redis, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return count, nil
}

func (l *Limiter) markDegraded(err error) {
	if l.degraded.CompareAndSwap(false, true) && l.config.OnFallback != nil {
		l.config.OnFallback(err)
	}
}

func (l *Limiter) markHealthy() {
	if l.degraded.CompareAndSwap(true, false) && l.config.OnFallback != nil {
		l.config.OnFallback(nil)
	}
}
