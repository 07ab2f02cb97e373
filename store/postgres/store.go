// Package postgres implements finauth.Store on PostgreSQL through a pgx
// connection pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/finauth"
	"github.com/MrEthical07/finauth/session"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrDuplicate is returned when an insert hits a unique constraint.
var ErrDuplicate = errors.New("duplicate record")

const uniqueViolation = "23505"

// Store is safe for concurrent use.
type Store struct {
	db *pgxpool.Pool
}

var _ finauth.Store = (*Store)(nil)

// New wraps an existing pool. The caller keeps ownership of the pool.
func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Open connects to dsn and pings the server.
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return New(pool), nil
}

// Migrate creates the tables and indexes the store uses.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Close() {
	s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return finauth.ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func requireRow(tag pgconn.CommandTag, err error) error {
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return finauth.ErrNotFound
	}
	return nil
}

const accountColumns = `id, email, password_hash, active, email_verified, mfa_enabled,
	enforce_device_trust, role, organization, custom_permissions, created_at, updated_at`

func scanAccount(row pgx.Row) (*finauth.Account, error) {
	var a finauth.Account
	err := row.Scan(&a.ID, &a.Email, &a.PasswordHash, &a.Active, &a.EmailVerified, &a.MFAEnabled,
		&a.EnforceDeviceTrust, &a.Role, &a.Organization, &a.CustomPermissions, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

// CreateAccount inserts a. Email is stored as given; callers normalize it.
func (s *Store) CreateAccount(ctx context.Context, a *finauth.Account) error {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	perms := a.CustomPermissions
	if perms == nil {
		perms = []string{}
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		a.ID, a.Email, a.PasswordHash, a.Active, a.EmailVerified, a.MFAEnabled,
		a.EnforceDeviceTrust, a.Role, a.Organization, perms, a.CreatedAt, a.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *Store) GetAccountByID(ctx context.Context, id string) (*finauth.Account, error) {
	return scanAccount(s.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
}

func (s *Store) GetAccountByEmail(ctx context.Context, email string) (*finauth.Account, error) {
	return scanAccount(s.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE lower(email) = lower($1)`, email))
}

func (s *Store) UpdatePasswordHash(ctx context.Context, accountID, hash string) error {
	return requireRow(s.db.Exec(ctx,
		`UPDATE accounts SET password_hash = $2, updated_at = now() WHERE id = $1`, accountID, hash))
}

func (s *Store) SetMFAEnabled(ctx context.Context, accountID string, enabled bool) error {
	return requireRow(s.db.Exec(ctx,
		`UPDATE accounts SET mfa_enabled = $2, updated_at = now() WHERE id = $1`, accountID, enabled))
}

func (s *Store) SetEmailVerified(ctx context.Context, accountID string) error {
	return requireRow(s.db.Exec(ctx,
		`UPDATE accounts SET email_verified = TRUE, updated_at = now() WHERE id = $1`, accountID))
}

const secretColumns = `id, account_id, secret, active, backup_codes, use_count, last_used_at, created_at`

func scanSecret(row pgx.Row) (*finauth.MFASecret, error) {
	var m finauth.MFASecret
	err := row.Scan(&m.ID, &m.AccountID, &m.Secret, &m.Active, &m.BackupCodeHashes, &m.UseCount, &m.LastUsedAt, &m.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

func (s *Store) CreateMFASecret(ctx context.Context, m *finauth.MFASecret) error {
	codes := m.BackupCodeHashes
	if codes == nil {
		codes = []string{}
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO mfa_secrets (id, account_id, secret, active, backup_codes, use_count, created_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6)`,
		m.ID, m.AccountID, m.Secret, m.Active, codes, m.CreatedAt)
	return err
}

func (s *Store) LatestPendingMFASecret(ctx context.Context, accountID string) (*finauth.MFASecret, error) {
	return scanSecret(s.db.QueryRow(ctx, `
		SELECT `+secretColumns+` FROM mfa_secrets
		WHERE account_id = $1 AND NOT active
		ORDER BY created_at DESC LIMIT 1`, accountID))
}

func (s *Store) ActiveMFASecret(ctx context.Context, accountID string) (*finauth.MFASecret, error) {
	return scanSecret(s.db.QueryRow(ctx,
		`SELECT `+secretColumns+` FROM mfa_secrets WHERE account_id = $1 AND active`, accountID))
}

func (s *Store) ActivateMFASecret(ctx context.Context, accountID, secretID string) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`UPDATE mfa_secrets SET active = FALSE WHERE account_id = $1 AND id <> $2`, accountID, secretID); err != nil {
			return err
		}
		return requireRow(tx.Exec(ctx,
			`UPDATE mfa_secrets SET active = TRUE WHERE id = $1 AND account_id = $2`, secretID, accountID))
	})
}

func (s *Store) DeactivateMFASecrets(ctx context.Context, accountID string) error {
	_, err := s.db.Exec(ctx, `UPDATE mfa_secrets SET active = FALSE WHERE account_id = $1 AND active`, accountID)
	return err
}

func (s *Store) RecordMFAUse(ctx context.Context, secretID string, at time.Time) error {
	return requireRow(s.db.Exec(ctx,
		`UPDATE mfa_secrets SET use_count = use_count + 1, last_used_at = $2 WHERE id = $1`, secretID, at))
}

func (s *Store) ReplaceBackupCodes(ctx context.Context, secretID string, hashes []string) error {
	if hashes == nil {
		hashes = []string{}
	}
	return requireRow(s.db.Exec(ctx,
		`UPDATE mfa_secrets SET backup_codes = $2 WHERE id = $1`, secretID, hashes))
}

// ConsumeBackupCode removes codeHash in a single conditional update, so two
// concurrent uses of one code cannot both succeed.
func (s *Store) ConsumeBackupCode(ctx context.Context, secretID, codeHash string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE mfa_secrets SET backup_codes = array_remove(backup_codes, $2)
		WHERE id = $1 AND $2 = ANY(backup_codes)`, secretID, codeHash)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) FindTrustedDevice(ctx context.Context, accountID, hash string) (*finauth.TrustedDevice, error) {
	var d finauth.TrustedDevice
	err := s.db.QueryRow(ctx, `
		SELECT account_id, fingerprint_hash, active, last_seen_at, last_ip, created_at
		FROM trusted_devices WHERE account_id = $1 AND fingerprint_hash = $2 AND active`,
		accountID, hash).Scan(&d.AccountID, &d.FingerprintHash, &d.Active, &d.LastSeenAt, &d.LastIP, &d.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

func (s *Store) UpsertTrustedDevice(ctx context.Context, d *finauth.TrustedDevice) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO trusted_devices (account_id, fingerprint_hash, active, last_seen_at, last_ip, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (account_id, fingerprint_hash)
		DO UPDATE SET active = EXCLUDED.active, last_seen_at = EXCLUDED.last_seen_at, last_ip = EXCLUDED.last_ip`,
		d.AccountID, d.FingerprintHash, d.Active, d.LastSeenAt, d.LastIP, d.CreatedAt)
	return err
}

func (s *Store) TouchTrustedDevice(ctx context.Context, accountID, hash, ip string, at time.Time) error {
	return requireRow(s.db.Exec(ctx, `
		UPDATE trusted_devices SET last_seen_at = $3, last_ip = $4
		WHERE account_id = $1 AND fingerprint_hash = $2`, accountID, hash, at, ip))
}

func (s *Store) DeactivateTrustedDevice(ctx context.Context, accountID, hash string) error {
	return requireRow(s.db.Exec(ctx, `
		UPDATE trusted_devices SET active = FALSE
		WHERE account_id = $1 AND fingerprint_hash = $2`, accountID, hash))
}

func (s *Store) SaveTokenRecord(ctx context.Context, r *finauth.RevocationRecord) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO token_records (jti, account_id, token_type, expires_at, revoked, reason, created_at, revoked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.JTI, r.AccountID, r.TokenType, r.ExpiresAt, r.Revoked, r.Reason, r.CreatedAt, r.RevokedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *Store) GetTokenRecord(ctx context.Context, jti string) (*finauth.RevocationRecord, error) {
	var r finauth.RevocationRecord
	err := s.db.QueryRow(ctx, `
		SELECT jti, account_id, token_type, expires_at, revoked, reason, created_at, revoked_at
		FROM token_records WHERE jti = $1`, jti).
		Scan(&r.JTI, &r.AccountID, &r.TokenType, &r.ExpiresAt, &r.Revoked, &r.Reason, &r.CreatedAt, &r.RevokedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

// RevokeTokenRecord keeps the first revocation: an already revoked row is
// left untouched.
func (s *Store) RevokeTokenRecord(ctx context.Context, r *finauth.RevocationRecord) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO token_records (jti, account_id, token_type, expires_at, revoked, reason, created_at, revoked_at)
		VALUES ($1, $2, $3, $4, TRUE, $5, $6, $7)
		ON CONFLICT (jti) DO UPDATE
		SET revoked = TRUE, reason = EXCLUDED.reason, revoked_at = EXCLUDED.revoked_at
		WHERE NOT token_records.revoked`,
		r.JTI, r.AccountID, r.TokenType, r.ExpiresAt, r.Reason, r.CreatedAt, r.RevokedAt)
	return err
}

func (s *Store) RevokeAccountTokens(ctx context.Context, accountID, reason string, at time.Time) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE token_records SET revoked = TRUE, reason = $2, revoked_at = $3
		WHERE account_id = $1 AND NOT revoked AND expires_at > $3
		RETURNING jti`, accountID, reason, at)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *Store) SaveSecurityEvent(ctx context.Context, e *finauth.SecurityEvent) error {
	var detail []byte
	if len(e.Detail) > 0 {
		var err error
		if detail, err = json.Marshal(e.Detail); err != nil {
			return err
		}
	}
	var accountID *string
	if e.AccountID != "" {
		accountID = &e.AccountID
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO security_events (id, occurred_at, type, severity, account_id, ip, user_agent, success, error, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`,
		e.ID, e.Timestamp, e.Type, string(e.Severity), accountID, e.IP, e.UserAgent, e.Success, e.Error, detail)
	return err
}

// RecentSecurityEvents returns up to limit persisted events of accountID,
// newest first.
func (s *Store) RecentSecurityEvents(ctx context.Context, accountID string, limit int) ([]finauth.SecurityEvent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, occurred_at, type, severity, coalesce(account_id, ''), ip, user_agent, success, error, detail
		FROM security_events WHERE account_id = $1
		ORDER BY occurred_at DESC LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []finauth.SecurityEvent
	for rows.Next() {
		var e finauth.SecurityEvent
		var severity string
		var detail []byte
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Type, &severity, &e.AccountID, &e.IP, &e.UserAgent, &e.Success, &e.Error, &detail); err != nil {
			return nil, err
		}
		e.Severity = finauth.Severity(severity)
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &e.Detail); err != nil {
				return nil, fmt.Errorf("decode event detail: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) CreatePasswordReset(ctx context.Context, t *finauth.PasswordResetToken) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO password_resets (id, account_id, token_hash, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		t.ID, t.AccountID, t.TokenHash, t.ExpiresAt, t.CreatedAt)
	return err
}

func (s *Store) ConsumePasswordReset(ctx context.Context, tokenHash string, at time.Time) (*finauth.PasswordResetToken, error) {
	var t finauth.PasswordResetToken
	err := s.db.QueryRow(ctx, `
		UPDATE password_resets SET used_at = $2
		WHERE token_hash = $1 AND used_at IS NULL
		RETURNING id, account_id, token_hash, expires_at, used_at, created_at`, tokenHash, at).
		Scan(&t.ID, &t.AccountID, &t.TokenHash, &t.ExpiresAt, &t.UsedAt, &t.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

const sessionColumns = `id, account_id, device_hash, ip, user_agent, created_at, expires_at,
	last_activity_at, active, terminated_at, termination_reason`

func scanSession(row pgx.Row) (*session.Session, error) {
	var s session.Session
	err := row.Scan(&s.ID, &s.AccountID, &s.DeviceHash, &s.IP, &s.UserAgent, &s.CreatedAt, &s.ExpiresAt,
		&s.LastActivityAt, &s.Active, &s.TerminatedAt, &s.TerminationReason)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Store) CreateSession(ctx context.Context, sess *session.Session) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		sess.ID, sess.AccountID, sess.DeviceHash, sess.IP, sess.UserAgent, sess.CreatedAt, sess.ExpiresAt,
		sess.LastActivityAt, sess.Active, sess.TerminatedAt, sess.TerminationReason)
	return err
}

func (s *Store) GetSession(ctx context.Context, id string) (*session.Session, error) {
	sess, err := scanSession(s.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	return sess, err
}

func (s *Store) TouchSession(ctx context.Context, id string, at time.Time) error {
	tag, err := s.db.Exec(ctx, `UPDATE sessions SET last_activity_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return session.ErrNotFound
	}
	return nil
}

func (s *Store) DeactivateSessions(ctx context.Context, accountID, reason string, at time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE sessions SET active = FALSE, terminated_at = $3, termination_reason = $2
		WHERE account_id = $1 AND active`, accountID, reason, at)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) ListActiveSessions(ctx context.Context, accountID string, now time.Time) ([]*session.Session, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE account_id = $1 AND active AND expires_at > $2
		ORDER BY created_at DESC`, accountID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}
