// Command finauth-loadtest measures token verification and refresh rotation
// throughput of a finauth engine backed by redis and a temporary SQLite store.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/finauth"
	"github.com/MrEthical07/finauth/jwt"
	"github.com/MrEthical07/finauth/password"
	"github.com/MrEthical07/finauth/store/sqlite"
)

type accountState struct {
	email   string
	access  string
	refresh string
	mu      sync.Mutex
}

func main() {
	var (
		accounts    = flag.Int("accounts", 200, "number of accounts to seed and log in")
		concurrency = flag.Int("concurrency", 64, "number of concurrent workers")
		ops         = flag.Int("ops", 20000, "operations per phase (verify + refresh)")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
	)
	flag.Parse()

	if *accounts <= 0 || *concurrency <= 0 || *ops <= 0 {
		fmt.Fprintln(os.Stderr, "accounts, concurrency, and ops must be > 0")
		os.Exit(2)
	}

	ctx := context.Background()

	addr := *redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start miniredis: %v\n", err)
			os.Exit(1)
		}
		defer mr.Close()
		addr = mr.Addr()
		fmt.Printf("using miniredis at %s\n", addr)
	} else {
		fmt.Printf("using redis at %s\n", addr)
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
	defer client.Close()

	dir, err := os.MkdirTemp("", "finauth-loadtest-")
	if err != nil {
		fmt.Fprintf(os.Stderr, "temp dir: %v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(dir)

	store, err := sqlite.Open(filepath.Join(dir, "loadtest.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	engine, err := buildEngine(client, store)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	fmt.Printf("seeding and logging in %d accounts...\n", *accounts)
	startSeed := time.Now()
	states, err := seed(ctx, engine, store, *accounts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "seed failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("seeded in %s\n", time.Since(startSeed).Round(time.Millisecond))

	verifyStats := runVerifyPhase(ctx, engine, states, *ops, *concurrency)
	refreshStats := runRefreshPhase(ctx, engine, states, *ops, *concurrency)

	fmt.Println("---- results ----")
	printStats("verify", verifyStats)
	printStats("refresh", refreshStats)

	snap := engine.MetricsSnapshot()
	fmt.Printf("revocation cache fallbacks=%d audit dropped=%d\n",
		snap.Counters[finauth.MetricRevocationCacheFallback], engine.AuditDropped())
}

func buildEngine(client redis.UniversalClient, store *sqlite.Store) (*finauth.Engine, error) {
	cfg := finauth.DefaultConfig()
	// Login cost is not what is measured here.
	cfg.Password.Argon2 = password.Config{Memory: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}
	cfg.Password.MaxJitter = -1
	cfg.Audit.DropIfFull = true

	keys, err := jwt.GenerateRSA(jwt.DefaultRSABits)
	if err != nil {
		return nil, err
	}
	return finauth.New().
		WithConfig(cfg).
		WithRedis(client).
		WithStore(store).
		WithSigningKeys(keys.PrivateKey, keys.PublicKey).
		Build()
}

func seed(ctx context.Context, engine *finauth.Engine, store *sqlite.Store, n int) ([]accountState, error) {
	const plaintext = "loadtest-password"
	hasher, err := password.NewArgon2(password.Config{Memory: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32})
	if err != nil {
		return nil, err
	}
	hash, err := hasher.Hash(plaintext)
	if err != nil {
		return nil, err
	}

	states := make([]accountState, n)
	for i := range states {
		email := fmt.Sprintf("load-%d@finauth.test", i)
		account := &finauth.Account{ID: uuid.NewString(), Email: email, PasswordHash: hash, Active: true, EmailVerified: true}
		if err := store.CreateAccount(ctx, account); err != nil {
			return nil, fmt.Errorf("create %s: %w", email, err)
		}
		res, err := engine.Authenticate(ctx, finauth.LoginRequest{Email: email, Password: plaintext})
		if err != nil {
			return nil, fmt.Errorf("login %s: %w", email, err)
		}
		if res.Tokens == nil {
			return nil, fmt.Errorf("login %s: status %v", email, res.Status)
		}
		states[i] = accountState{email: email, access: res.Tokens.AccessToken, refresh: res.Tokens.RefreshToken}
	}
	return states, nil
}

func runVerifyPhase(ctx context.Context, engine *finauth.Engine, states []accountState, ops, concurrency int) phaseStats {
	return runPhase(ops, concurrency, 7919, func(r *rand.Rand) error {
		state := &states[r.Intn(len(states))]
		state.mu.Lock()
		token := state.access
		state.mu.Unlock()
		_, err := engine.VerifyToken(ctx, token)
		return err
	})
}

func runRefreshPhase(ctx context.Context, engine *finauth.Engine, states []accountState, ops, concurrency int) phaseStats {
	return runPhase(ops, concurrency, 6151, func(r *rand.Rand) error {
		state := &states[r.Intn(len(states))]
		// Rotation is serialized per account; a concurrent presenter of the
		// same refresh token would trip reuse detection.
		state.mu.Lock()
		defer state.mu.Unlock()
		pair, err := engine.Refresh(ctx, state.refresh, nil)
		if err != nil {
			return err
		}
		state.access, state.refresh = pair.AccessToken, pair.RefreshToken
		return nil
	})
}

func runPhase(ops, concurrency int, salt int64, op func(r *rand.Rand) error) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)*salt))
			for {
				if int(atomic.AddInt64(&cursor, 1)) > ops {
					return
				}
				t0 := time.Now()
				err := op(r)
				d := time.Since(t0)
				if err != nil {
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	return computeStats(time.Since(start), latencies, failures)
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	return samples[(len(samples)-1)*p/100]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}
