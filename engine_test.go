package finauth

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/MrEthical07/finauth/jwt"
	"github.com/MrEthical07/finauth/password"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
)

const (
	testEmail    = "ada@example.com"
	testPassword = "correct-horse-42"
)

var testKeys struct {
	once sync.Once
	pair *jwt.KeyPair
	err  error
}

func signingKeys(t *testing.T) *jwt.KeyPair {
	t.Helper()

	testKeys.once.Do(func() {
		testKeys.pair, testKeys.err = jwt.GenerateRSA(jwt.DefaultRSABits)
	})
	if testKeys.err != nil {
		t.Fatalf("GenerateRSA failed: %v", testKeys.err)
	}
	return testKeys.pair
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return mr, client
}

type recordingNotifier struct {
	mu            sync.Mutex
	codes         map[string]string
	resets        []string
	verifications []string
	newDevices    int
}

func (n *recordingNotifier) SendOneTimeCode(_ context.Context, _ *Account, channel, code string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.codes == nil {
		n.codes = make(map[string]string)
	}
	n.codes[channel] = code
	return nil
}

func (n *recordingNotifier) SendPasswordReset(_ context.Context, _ *Account, token string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resets = append(n.resets, token)
	return nil
}

func (n *recordingNotifier) SendEmailVerification(_ context.Context, _ *Account, token string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.verifications = append(n.verifications, token)
	return nil
}

func (n *recordingNotifier) NewDeviceLogin(context.Context, *Account, string, string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.newDevices++
	return nil
}

type recordingMonitor struct {
	mu     sync.Mutex
	events []SecurityEvent
}

func (m *recordingMonitor) Publish(_ context.Context, event SecurityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *recordingMonitor) published() []SecurityEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SecurityEvent(nil), m.events...)
}

type testEnv struct {
	engine   *Engine
	store    *mockStore
	mr       *miniredis.Miniredis
	notifier *recordingNotifier
	monitor  *recordingMonitor
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Password.Argon2 = password.Config{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	}
	cfg.Password.MaxJitter = -1
	return cfg
}

func newTestEnv(t *testing.T, configure func(*Config, *Builder)) *testEnv {
	t.Helper()

	mr, rdb := newTestRedis(t)
	env := &testEnv{
		store:    newMockStore(),
		mr:       mr,
		notifier: &recordingNotifier{},
		monitor:  &recordingMonitor{},
	}

	keys := signingKeys(t)
	cfg := testConfig()
	b := New().
		WithRedis(rdb).
		WithStore(env.store).
		WithNotifier(env.notifier).
		WithMonitor(env.monitor).
		WithSigningKeys(keys.PrivateKey, keys.PublicKey)
	if configure != nil {
		configure(&cfg, b)
	}
	b.WithConfig(cfg)

	engine, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(engine.Close)
	env.engine = engine

	hash, err := engine.passwords.Hash(testPassword)
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	env.store.addAccount(&Account{
		ID:           "acct-1",
		Email:        testEmail,
		PasswordHash: hash,
		Active:       true,
	})
	return env
}

func (env *testEnv) login(t *testing.T) *AuthResult {
	t.Helper()

	res, err := env.engine.Authenticate(context.Background(), LoginRequest{Email: testEmail, Password: testPassword})
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if res.Status != StatusAuthenticated {
		t.Fatalf("expected authenticated, got %s", res.Status)
	}
	return res
}

func hasEvent(events []SecurityEvent, eventType string) bool {
	for _, e := range events {
		if e.Type == eventType {
			return true
		}
	}
	return false
}

func TestAuthenticateIssuesTokensAndSession(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := WithClientIP(context.Background(), "203.0.113.9")

	res, err := env.engine.Authenticate(ctx, LoginRequest{Email: "  ADA@example.com", Password: testPassword, UserAgent: "test-agent"})
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if res.Status != StatusAuthenticated || res.AccountID != "acct-1" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Tokens == nil || res.Tokens.AccessToken == "" || res.Tokens.RefreshToken == "" {
		t.Fatal("expected a token pair")
	}
	if res.Session == nil || res.Session.IP != "203.0.113.9" || res.Session.UserAgent != "test-agent" {
		t.Fatalf("unexpected session: %+v", res.Session)
	}

	claims, err := env.engine.VerifyToken(ctx, res.Tokens.AccessToken)
	if err != nil {
		t.Fatalf("VerifyToken failed: %v", err)
	}
	if claims.Subject != "acct-1" || claims.Email != testEmail || claims.Role != "user" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if len(claims.Permissions) == 0 {
		t.Fatal("expected permission snapshot in access token")
	}

	if got := env.engine.MetricsSnapshot().Counters[MetricLoginSuccess]; got != 1 {
		t.Fatalf("expected 1 login success, got %d", got)
	}
	if !hasEvent(env.engine.RecentEvents(0), eventLoginSuccess) {
		t.Fatal("expected login_success event")
	}
}

func TestAuthenticateRejectsBadCredentials(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	_, err := env.engine.Authenticate(ctx, LoginRequest{Email: testEmail, Password: "wrong-password-1"})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	_, err = env.engine.Authenticate(ctx, LoginRequest{Email: "nobody@example.com", Password: testPassword})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown account must look like a bad password, got %v", err)
	}
	if KindOf(err) != KindInvalidCredentials {
		t.Fatalf("unexpected kind %q", KindOf(err))
	}

	events := env.engine.RecentEvents(0)
	if len(events) != 2 || events[0].Type != eventLoginFailure || events[0].Success {
		t.Fatalf("expected two login_failure events, got %+v", events)
	}
}

func TestAuthenticateInactiveAccount(t *testing.T) {
	env := newTestEnv(t, nil)
	env.store.updateAccount("acct-1", func(a *Account) { a.Active = false })

	_, err := env.engine.Authenticate(context.Background(), LoginRequest{Email: testEmail, Password: testPassword})
	if !errors.Is(err, ErrAccountInactive) {
		t.Fatalf("expected ErrAccountInactive, got %v", err)
	}
}

func TestAuthenticateRateLimit(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := env.engine.Authenticate(ctx, LoginRequest{Email: testEmail, Password: "wrong-password-1"})
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected ErrInvalidCredentials, got %v", i+1, err)
		}
	}

	_, err := env.engine.Authenticate(ctx, LoginRequest{Email: testEmail, Password: testPassword})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited on the sixth attempt, got %v", err)
	}
	if KindOf(err) != KindRateLimited {
		t.Fatalf("unexpected kind %q", KindOf(err))
	}
}

func TestAuthenticateResetsLimiterOnSuccess(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = env.engine.Authenticate(ctx, LoginRequest{Email: testEmail, Password: "wrong-password-1"})
	}
	env.login(t)

	attempts, err := env.engine.limiter.Attempts(ctx, scopeLogin, testEmail, "")
	if err != nil {
		t.Fatalf("Attempts failed: %v", err)
	}
	if attempts != 0 {
		t.Fatalf("expected counter reset after success, got %d", attempts)
	}
}

func TestAuthenticateLimiterFallsBackWhenRedisFails(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.mr.SetError("LOADING redis is loading")
	for i := 0; i < 5; i++ {
		_, _ = env.engine.Authenticate(ctx, LoginRequest{Email: testEmail, Password: "wrong-password-1"})
	}
	_, err := env.engine.Authenticate(ctx, LoginRequest{Email: testEmail, Password: testPassword})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("local window must keep limiting while redis is down, got %v", err)
	}
	if !env.engine.RateLimiterDegraded() {
		t.Fatal("expected limiter to report degraded mode")
	}
	if env.engine.MetricsSnapshot().Counters[MetricRateLimitFallback] != 1 {
		t.Fatal("expected one fallback transition")
	}
}

func TestAuthenticateRehashesLegacyHash(t *testing.T) {
	env := newTestEnv(t, nil)

	legacy, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt failed: %v", err)
	}
	old := string(legacy)
	env.store.updateAccount("acct-1", func(a *Account) { a.PasswordHash = old })

	env.login(t)

	if env.store.account("acct-1").PasswordHash == old {
		t.Fatal("expected hash to be upgraded on login")
	}
	if env.engine.MetricsSnapshot().Counters[MetricPasswordRehashed] != 1 {
		t.Fatal("expected rehash metric")
	}
	env.login(t)
}

func TestAuthenticateStoreFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.store.setDown(true)

	_, err := env.engine.Authenticate(context.Background(), LoginRequest{Email: testEmail, Password: testPassword})
	if !errors.Is(err, ErrInternalStoreFailure) {
		t.Fatalf("expected ErrInternalStoreFailure, got %v", err)
	}
	if KindOf(err) != KindInternalStoreFailure {
		t.Fatalf("unexpected kind %q", KindOf(err))
	}
}

func TestAuthenticateSurvivesSessionStoreFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.store.setSessionsDown(true)
	ctx := context.Background()

	res, err := env.engine.Authenticate(ctx, LoginRequest{Email: testEmail, Password: testPassword})
	if err != nil {
		t.Fatalf("session bookkeeping must not block login, got %v", err)
	}
	if res.Status != StatusAuthenticated || res.Tokens == nil || res.Session != nil {
		t.Fatalf("expected tokens without a session, got %+v", res)
	}
	if _, err := env.engine.VerifyToken(ctx, res.Tokens.AccessToken); err != nil {
		t.Fatalf("issued token must verify: %v", err)
	}

	var found bool
	for _, e := range env.engine.RecentEvents(0) {
		if e.Type == eventSessionCreateFailed {
			found = true
			if e.Severity != SeverityMedium || e.Error != string(KindInternalStoreFailure) {
				t.Fatalf("unexpected session failure event: %+v", e)
			}
		}
	}
	if !found {
		t.Fatal("expected session_create_failed event")
	}
}

func TestBuildRequiresDependencies(t *testing.T) {
	_, rdb := newTestRedis(t)

	if _, err := New().WithStore(newMockStore()).Build(); err == nil {
		t.Fatal("expected error without redis")
	}
	if _, err := New().WithRedis(rdb).Build(); err == nil {
		t.Fatal("expected error without store")
	}

	cfg := testConfig()
	cfg.Device.ConfidenceThreshold = 1.5
	if _, err := New().WithRedis(rdb).WithStore(newMockStore()).WithConfig(cfg).Build(); err == nil {
		t.Fatal("expected invalid config to be rejected")
	}
}

func TestBuildFallsBackToHS256(t *testing.T) {
	_, rdb := newTestRedis(t)

	blocker := t.TempDir() + "/not-a-dir"
	if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	cfg := testConfig()
	cfg.Keys.PrivateKeyPath = blocker + "/jwt_private.pem"
	cfg.Keys.PublicKeyPath = blocker + "/jwt_public.pem"

	engine, err := New().WithRedis(rdb).WithStore(newMockStore()).WithConfig(cfg).Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	defer engine.Close()

	if engine.SigningMethod() != jwt.MethodHS256 {
		t.Fatalf("expected hs256 fallback, got %s", engine.SigningMethod())
	}
	events := engine.RecentEvents(1)
	if len(events) != 1 || events[0].Type != eventSigningDegraded || events[0].Severity != SeverityCritical {
		t.Fatalf("expected critical signing_degraded event, got %+v", events)
	}

	cfg.Keys.AllowHS256Fallback = false
	if _, err := New().WithRedis(rdb).WithStore(newMockStore()).WithConfig(cfg).Build(); err == nil {
		t.Fatal("expected Build to fail without fallback")
	}
}

func TestBuildGeneratesRSAKeys(t *testing.T) {
	_, rdb := newTestRedis(t)

	dir := t.TempDir()
	cfg := testConfig()
	cfg.Keys.PrivateKeyPath = dir + "/keys/jwt_private.pem"
	cfg.Keys.PublicKeyPath = dir + "/keys/jwt_public.pem"

	engine, err := New().WithRedis(rdb).WithStore(newMockStore()).WithConfig(cfg).Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	defer engine.Close()

	if engine.SigningMethod() != jwt.MethodRS256 {
		t.Fatalf("expected rs256, got %s", engine.SigningMethod())
	}
	if _, err := jwt.LoadOrGenerateRSA(cfg.Keys.PrivateKeyPath, cfg.Keys.PublicKeyPath, 0); err != nil {
		t.Fatalf("generated keys not persisted: %v", err)
	}
}
