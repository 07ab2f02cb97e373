package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrEthical07/finauth"
	"github.com/MrEthical07/finauth/jwt"
	"github.com/MrEthical07/finauth/password"
	"github.com/MrEthical07/finauth/session"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "finauth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createAccount(t *testing.T, s *Store) *finauth.Account {
	t.Helper()

	role := "advisor"
	a := &finauth.Account{
		ID:                uuid.NewString(),
		Email:             "grace@example.com",
		PasswordHash:      "$argon2id$placeholder",
		Active:            true,
		Role:              &role,
		CustomPermissions: []string{"reports:export"},
	}
	require.NoError(t, s.CreateAccount(context.Background(), a))
	return a
}

func TestAccounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := createAccount(t, s)

	got, err := s.GetAccountByEmail(ctx, "GRACE@example.com")
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
	require.NotNil(t, got.Role)
	assert.Equal(t, "advisor", *got.Role)
	assert.Nil(t, got.Organization)
	assert.Equal(t, []string{"reports:export"}, got.CustomPermissions)
	assert.True(t, got.Active)

	require.NoError(t, s.UpdatePasswordHash(ctx, a.ID, "new-hash"))
	require.NoError(t, s.SetMFAEnabled(ctx, a.ID, true))
	require.NoError(t, s.SetEmailVerified(ctx, a.ID))
	got, err = s.GetAccountByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "new-hash", got.PasswordHash)
	assert.True(t, got.MFAEnabled)
	assert.True(t, got.EmailVerified)

	_, err = s.GetAccountByID(ctx, "missing")
	assert.ErrorIs(t, err, finauth.ErrNotFound)
	assert.ErrorIs(t, s.SetMFAEnabled(ctx, "missing", true), finauth.ErrNotFound)
	assert.ErrorIs(t, s.CreateAccount(ctx, &finauth.Account{ID: uuid.NewString(), Email: a.Email}), ErrDuplicate)
}

func TestMFASecrets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := createAccount(t, s)
	now := time.Now().UTC()

	first := &finauth.MFASecret{ID: uuid.NewString(), AccountID: a.ID, Secret: "A", BackupCodeHashes: []string{"h1", "h2"}, CreatedAt: now}
	second := &finauth.MFASecret{ID: uuid.NewString(), AccountID: a.ID, Secret: "B", BackupCodeHashes: []string{"h3"}, CreatedAt: now.Add(time.Second)}
	require.NoError(t, s.CreateMFASecret(ctx, first))
	require.NoError(t, s.CreateMFASecret(ctx, second))

	pending, err := s.LatestPendingMFASecret(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, pending.ID)
	assert.Equal(t, []string{"h3"}, pending.BackupCodeHashes)

	_, err = s.ActiveMFASecret(ctx, a.ID)
	assert.ErrorIs(t, err, finauth.ErrNotFound)

	require.NoError(t, s.ActivateMFASecret(ctx, a.ID, first.ID))
	require.NoError(t, s.ActivateMFASecret(ctx, a.ID, second.ID))
	active, err := s.ActiveMFASecret(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID)
	assert.ErrorIs(t, s.ActivateMFASecret(ctx, a.ID, "missing"), finauth.ErrNotFound)

	ok, err := s.ConsumeBackupCode(ctx, second.ID, "h3")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.ConsumeBackupCode(ctx, second.ID, "h3")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.ReplaceBackupCodes(ctx, second.ID, []string{"n1", "n2"}))
	active, err = s.ActiveMFASecret(ctx, a.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"n1", "n2"}, active.BackupCodeHashes)
	assert.ErrorIs(t, s.ReplaceBackupCodes(ctx, "missing", nil), finauth.ErrNotFound)

	require.NoError(t, s.RecordMFAUse(ctx, second.ID, now))
	active, err = s.ActiveMFASecret(ctx, a.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, active.UseCount)
	require.NotNil(t, active.LastUsedAt)
	assert.Equal(t, now.UnixMilli(), active.LastUsedAt.UnixMilli())

	require.NoError(t, s.DeactivateMFASecrets(ctx, a.ID))
	_, err = s.ActiveMFASecret(ctx, a.ID)
	assert.ErrorIs(t, err, finauth.ErrNotFound)
}

func TestTrustedDevices(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := createAccount(t, s)
	now := time.Now().UTC()

	require.NoError(t, s.UpsertTrustedDevice(ctx, &finauth.TrustedDevice{
		AccountID: a.ID, FingerprintHash: "fp", Active: true, LastSeenAt: now, CreatedAt: now,
	}))
	d, err := s.FindTrustedDevice(ctx, a.ID, "fp")
	require.NoError(t, err)
	assert.True(t, d.Active)

	later := now.Add(time.Hour)
	require.NoError(t, s.TouchTrustedDevice(ctx, a.ID, "fp", "203.0.113.5", later))
	d, err = s.FindTrustedDevice(ctx, a.ID, "fp")
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.5", d.LastIP)
	assert.Equal(t, later.UnixMilli(), d.LastSeenAt.UnixMilli())

	require.NoError(t, s.DeactivateTrustedDevice(ctx, a.ID, "fp"))
	_, err = s.FindTrustedDevice(ctx, a.ID, "fp")
	assert.ErrorIs(t, err, finauth.ErrNotFound)
	assert.ErrorIs(t, s.DeactivateTrustedDevice(ctx, a.ID, "other"), finauth.ErrNotFound)

	require.NoError(t, s.UpsertTrustedDevice(ctx, &finauth.TrustedDevice{
		AccountID: a.ID, FingerprintHash: "fp", Active: true, LastSeenAt: later, CreatedAt: later,
	}))
	_, err = s.FindTrustedDevice(ctx, a.ID, "fp")
	assert.NoError(t, err)
}

func TestTokenRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	live := &finauth.RevocationRecord{JTI: "live", AccountID: "acct", TokenType: finauth.TokenTypeRefresh, ExpiresAt: now.Add(time.Hour), CreatedAt: now}
	expired := &finauth.RevocationRecord{JTI: "old", AccountID: "acct", TokenType: finauth.TokenTypeAccess, ExpiresAt: now.Add(-time.Minute), CreatedAt: now}
	other := &finauth.RevocationRecord{JTI: "other", AccountID: "someone", ExpiresAt: now.Add(time.Hour), CreatedAt: now}
	for _, r := range []*finauth.RevocationRecord{live, expired, other} {
		require.NoError(t, s.SaveTokenRecord(ctx, r))
	}
	assert.ErrorIs(t, s.SaveTokenRecord(ctx, live), ErrDuplicate)

	jtis, err := s.RevokeAccountTokens(ctx, "acct", "password_reset", now)
	require.NoError(t, err)
	assert.Equal(t, []string{"live"}, jtis)

	got, err := s.GetTokenRecord(ctx, "live")
	require.NoError(t, err)
	assert.True(t, got.Revoked)
	assert.Equal(t, "password_reset", got.Reason)
	require.NotNil(t, got.RevokedAt)

	// A second revocation keeps the first reason.
	revokedAt := now.Add(time.Minute)
	require.NoError(t, s.RevokeTokenRecord(ctx, &finauth.RevocationRecord{JTI: "live", AccountID: "acct", Reason: "logout", ExpiresAt: live.ExpiresAt, CreatedAt: now, RevokedAt: &revokedAt}))
	got, err = s.GetTokenRecord(ctx, "live")
	require.NoError(t, err)
	assert.Equal(t, "password_reset", got.Reason)

	require.NoError(t, s.RevokeTokenRecord(ctx, &finauth.RevocationRecord{JTI: "fresh", AccountID: "acct", Reason: "admin", ExpiresAt: now.Add(time.Hour), CreatedAt: now, RevokedAt: &revokedAt}))
	got, err = s.GetTokenRecord(ctx, "fresh")
	require.NoError(t, err)
	assert.True(t, got.Revoked)

	_, err = s.GetTokenRecord(ctx, "missing")
	assert.ErrorIs(t, err, finauth.ErrNotFound)
}

func TestSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, exp := range []time.Duration{time.Hour, time.Hour, -time.Minute} {
		require.NoError(t, s.CreateSession(ctx, &session.Session{
			ID: uuid.NewString(), AccountID: "acct", DeviceHash: "dev", CreatedAt: now.Add(time.Duration(i) * time.Second),
			ExpiresAt: now.Add(exp), LastActivityAt: now, Active: true,
		}))
	}

	live, err := s.ListActiveSessions(ctx, "acct", now)
	require.NoError(t, err)
	require.Len(t, live, 2)

	require.NoError(t, s.TouchSession(ctx, live[0].ID, now.Add(time.Minute)))
	got, err := s.GetSession(ctx, live[0].ID)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Minute).UnixMilli(), got.LastActivityAt.UnixMilli())

	n, err := s.DeactivateSessions(ctx, "acct", session.ReasonPasswordReset, now)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got, err = s.GetSession(ctx, live[0].ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.Equal(t, session.ReasonPasswordReset, got.TerminationReason)
	require.NotNil(t, got.TerminatedAt)

	_, err = s.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, session.ErrNotFound)
	assert.ErrorIs(t, s.TouchSession(ctx, "missing", now), session.ErrNotFound)
}

func TestPasswordResets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := createAccount(t, s)
	now := time.Now().UTC()

	require.NoError(t, s.CreatePasswordReset(ctx, &finauth.PasswordResetToken{
		ID: uuid.NewString(), AccountID: a.ID, TokenHash: "digest", ExpiresAt: now.Add(time.Hour), CreatedAt: now,
	}))

	got, err := s.ConsumePasswordReset(ctx, "digest", now)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.AccountID)
	require.NotNil(t, got.UsedAt)

	_, err = s.ConsumePasswordReset(ctx, "digest", now)
	assert.ErrorIs(t, err, finauth.ErrNotFound)
}

func TestSecurityEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, typ := range []string{"login_failure", "login_success"} {
		require.NoError(t, s.SaveSecurityEvent(ctx, &finauth.SecurityEvent{
			ID: uuid.NewString(), Timestamp: now.Add(time.Duration(i) * time.Second), Type: typ,
			Severity: finauth.SeverityLow, AccountID: "acct", Success: i == 1,
			Detail: map[string]string{"n": typ},
		}))
	}
	event := &finauth.SecurityEvent{ID: "fixed", Timestamp: now, Type: "x", Severity: finauth.SeverityHigh}
	require.NoError(t, s.SaveSecurityEvent(ctx, event))
	require.NoError(t, s.SaveSecurityEvent(ctx, event))

	events, err := s.RecentSecurityEvents(ctx, "acct", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "login_success", events[0].Type)
	assert.Equal(t, "login_success", events[0].Detail["n"])
	assert.True(t, events[0].Success)
}

func TestEngineOnSQLite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	keys, err := jwt.GenerateRSA(jwt.DefaultRSABits)
	require.NoError(t, err)

	cfg := finauth.DefaultConfig()
	cfg.Password.Argon2 = password.Config{Memory: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}
	cfg.Password.MaxJitter = -1

	hasher, err := password.NewArgon2(cfg.Password.Argon2)
	require.NoError(t, err)
	hash, err := hasher.Hash("correct-horse-42")
	require.NoError(t, err)
	require.NoError(t, s.CreateAccount(ctx, &finauth.Account{ID: "acct-1", Email: "ada@example.com", PasswordHash: hash, Active: true}))

	engine, err := finauth.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithStore(s).
		WithSigningKeys(keys.PrivateKey, keys.PublicKey).
		Build()
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	res, err := engine.Authenticate(ctx, finauth.LoginRequest{Email: "ada@example.com", Password: "correct-horse-42"})
	require.NoError(t, err)
	require.Equal(t, finauth.StatusAuthenticated, res.Status)

	_, err = engine.VerifyToken(ctx, res.Tokens.AccessToken)
	require.NoError(t, err)

	// With the cache gone the durable records still answer.
	mr.FlushAll()
	_, err = engine.VerifyToken(ctx, res.Tokens.AccessToken)
	require.NoError(t, err)

	require.NoError(t, engine.RevokeToken(ctx, res.Tokens.AccessToken, finauth.RevokeReasonLogout))
	_, err = engine.VerifyToken(ctx, res.Tokens.AccessToken)
	assert.ErrorIs(t, err, finauth.ErrTokenRevoked)

	_, err = engine.Authenticate(ctx, finauth.LoginRequest{Email: "nobody@example.com", Password: "correct-horse-42"})
	assert.ErrorIs(t, err, finauth.ErrInvalidCredentials)

	engine.Close()
	events, err := s.RecentSecurityEvents(ctx, "acct-1", 50)
	require.NoError(t, err)
	assert.NotEmpty(t, events)
}
