package finauth

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MrEthical07/finauth/session"
)

var errMockDown = errors.New("mock store down")

// mockStore is an in-memory Store. Setting down makes every call fail;
// sessionsDown fails only session writes.
type mockStore struct {
	mu sync.Mutex

	accounts map[string]*Account
	secrets  map[string]*MFASecret
	devices  map[string]*TrustedDevice
	tokens   map[string]*RevocationRecord
	sessions map[string]*session.Session
	resets   map[string]*PasswordResetToken
	events   []SecurityEvent

	down         bool
	sessionsDown bool
}

func newMockStore() *mockStore {
	return &mockStore{
		accounts: make(map[string]*Account),
		secrets:  make(map[string]*MFASecret),
		devices:  make(map[string]*TrustedDevice),
		tokens:   make(map[string]*RevocationRecord),
		sessions: make(map[string]*session.Session),
		resets:   make(map[string]*PasswordResetToken),
	}
}

func (s *mockStore) setDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

func (s *mockStore) setSessionsDown(down bool) {
	s.mu.Lock()
	s.sessionsDown = down
	s.mu.Unlock()
}

func (s *mockStore) addAccount(a *Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.accounts[a.ID] = &cp
}

func (s *mockStore) account(id string) Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.accounts[id]
}

func (s *mockStore) savedEvents() []SecurityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.events)
}

func (s *mockStore) GetAccountByID(_ context.Context, id string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return nil, errMockDown
	}
	a, ok := s.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *mockStore) GetAccountByEmail(_ context.Context, email string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return nil, errMockDown
	}
	for _, a := range s.accounts {
		if strings.EqualFold(a.Email, email) {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *mockStore) UpdatePasswordHash(_ context.Context, accountID, hash string) error {
	return s.updateAccount(accountID, func(a *Account) { a.PasswordHash = hash })
}

func (s *mockStore) SetMFAEnabled(_ context.Context, accountID string, enabled bool) error {
	return s.updateAccount(accountID, func(a *Account) { a.MFAEnabled = enabled })
}

func (s *mockStore) SetEmailVerified(_ context.Context, accountID string) error {
	return s.updateAccount(accountID, func(a *Account) { a.EmailVerified = true })
}

func (s *mockStore) updateAccount(id string, fn func(*Account)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return errMockDown
	}
	a, ok := s.accounts[id]
	if !ok {
		return ErrNotFound
	}
	fn(a)
	return nil
}

func (s *mockStore) CreateMFASecret(_ context.Context, secret *MFASecret) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *secret
	cp.BackupCodeHashes = slices.Clone(secret.BackupCodeHashes)
	s.secrets[secret.ID] = &cp
	return nil
}

func (s *mockStore) LatestPendingMFASecret(_ context.Context, accountID string) (*MFASecret, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *MFASecret
	for _, sec := range s.secrets {
		if sec.AccountID != accountID || sec.Active {
			continue
		}
		if latest == nil || !sec.CreatedAt.Before(latest.CreatedAt) {
			latest = sec
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (s *mockStore) ActiveMFASecret(_ context.Context, accountID string) (*MFASecret, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sec := range s.secrets {
		if sec.AccountID == accountID && sec.Active {
			cp := *sec
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *mockStore) ActivateMFASecret(_ context.Context, accountID, secretID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.secrets[secretID]; !ok {
		return ErrNotFound
	}
	for id, sec := range s.secrets {
		if sec.AccountID == accountID {
			sec.Active = id == secretID
		}
	}
	return nil
}

func (s *mockStore) DeactivateMFASecrets(_ context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sec := range s.secrets {
		if sec.AccountID == accountID {
			sec.Active = false
		}
	}
	return nil
}

func (s *mockStore) RecordMFAUse(_ context.Context, secretID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sec, ok := s.secrets[secretID]
	if !ok {
		return ErrNotFound
	}
	sec.UseCount++
	sec.LastUsedAt = &at
	return nil
}

func (s *mockStore) ReplaceBackupCodes(_ context.Context, secretID string, hashes []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sec, ok := s.secrets[secretID]
	if !ok {
		return ErrNotFound
	}
	sec.BackupCodeHashes = slices.Clone(hashes)
	return nil
}

func (s *mockStore) ConsumeBackupCode(_ context.Context, secretID, codeHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sec, ok := s.secrets[secretID]
	if !ok {
		return false, nil
	}
	i := slices.Index(sec.BackupCodeHashes, codeHash)
	if i < 0 {
		return false, nil
	}
	sec.BackupCodeHashes = slices.Delete(sec.BackupCodeHashes, i, i+1)
	return true, nil
}

func deviceKey(accountID, hash string) string { return accountID + "|" + hash }

func (s *mockStore) FindTrustedDevice(_ context.Context, accountID, hash string) (*TrustedDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return nil, errMockDown
	}
	d, ok := s.devices[deviceKey(accountID, hash)]
	if !ok || !d.Active {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *mockStore) UpsertTrustedDevice(_ context.Context, d *TrustedDevice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.devices[deviceKey(d.AccountID, d.FingerprintHash)] = &cp
	return nil
}

func (s *mockStore) TouchTrustedDevice(_ context.Context, accountID, hash, ip string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceKey(accountID, hash)]
	if !ok {
		return ErrNotFound
	}
	d.LastSeenAt = at
	d.LastIP = ip
	return nil
}

func (s *mockStore) DeactivateTrustedDevice(_ context.Context, accountID, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceKey(accountID, hash)]
	if !ok {
		return ErrNotFound
	}
	d.Active = false
	return nil
}

func (s *mockStore) SaveTokenRecord(_ context.Context, r *RevocationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return errMockDown
	}
	cp := *r
	s.tokens[r.JTI] = &cp
	return nil
}

func (s *mockStore) GetTokenRecord(_ context.Context, jti string) (*RevocationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return nil, errMockDown
	}
	r, ok := s.tokens[jti]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *mockStore) RevokeTokenRecord(_ context.Context, r *RevocationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return errMockDown
	}
	if existing, ok := s.tokens[r.JTI]; ok && existing.Revoked {
		return nil
	}
	cp := *r
	s.tokens[r.JTI] = &cp
	return nil
}

func (s *mockStore) RevokeAccountTokens(_ context.Context, accountID, reason string, at time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var jtis []string
	for _, r := range s.tokens {
		if r.AccountID != accountID || r.Revoked || !at.Before(r.ExpiresAt) {
			continue
		}
		r.Revoked = true
		r.Reason = reason
		revokedAt := at
		r.RevokedAt = &revokedAt
		jtis = append(jtis, r.JTI)
	}
	return jtis, nil
}

func (s *mockStore) SaveSecurityEvent(_ context.Context, event *SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return errMockDown
	}
	s.events = append(s.events, *event)
	return nil
}

func (s *mockStore) CreatePasswordReset(_ context.Context, t *PasswordResetToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.resets[t.TokenHash] = &cp
	return nil
}

func (s *mockStore) ConsumePasswordReset(_ context.Context, tokenHash string, at time.Time) (*PasswordResetToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.resets[tokenHash]
	if !ok || t.UsedAt != nil {
		return nil, ErrNotFound
	}
	t.UsedAt = &at
	cp := *t
	return &cp, nil
}

func (s *mockStore) CreateSession(_ context.Context, sess *session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down || s.sessionsDown {
		return errMockDown
	}
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *mockStore) GetSession(_ context.Context, id string) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *mockStore) TouchSession(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return session.ErrNotFound
	}
	sess.LastActivityAt = at
	return nil
}

func (s *mockStore) DeactivateSessions(_ context.Context, accountID, reason string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down || s.sessionsDown {
		return 0, errMockDown
	}
	n := 0
	for _, sess := range s.sessions {
		if sess.AccountID == accountID && sess.Active {
			sess.Active = false
			terminated := at
			sess.TerminatedAt = &terminated
			sess.TerminationReason = reason
			n++
		}
	}
	return n, nil
}

func (s *mockStore) ListActiveSessions(_ context.Context, accountID string, now time.Time) ([]*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*session.Session
	for _, sess := range s.sessions {
		if sess.AccountID == accountID && sess.Live(now) {
			cp := *sess
			out = append(out, &cp)
		}
	}
	return out, nil
}
