// Package sqlite implements finauth.Store on an embedded SQLite database
// through modernc.org/sqlite. It suits single-instance deployments and
// local development.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/finauth"
	"github.com/MrEthical07/finauth/session"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ErrDuplicate is returned when an insert hits a unique constraint.
var ErrDuplicate = errors.New("duplicate record")

type Store struct {
	db *sql.DB
}

var _ finauth.Store = (*Store)(nil)

// Open opens (or creates) the database at path and applies the schema.
// A single connection is used; SQLite serializes writers anyway.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func stringPtr(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	return &n.String
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return finauth.ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

func requireRow(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return finauth.ErrNotFound
	}
	return nil
}

const accountColumns = `id, email, password_hash, active, email_verified, mfa_enabled,
	enforce_device_trust, role, organization, custom_permissions, created_at, updated_at`

func scanAccount(row *sql.Row) (*finauth.Account, error) {
	var (
		a                finauth.Account
		role, org        sql.NullString
		perms            string
		created, updated int64
	)
	err := row.Scan(&a.ID, &a.Email, &a.PasswordHash, &a.Active, &a.EmailVerified, &a.MFAEnabled,
		&a.EnforceDeviceTrust, &role, &org, &perms, &created, &updated)
	if err != nil {
		return nil, notFound(err)
	}
	if err := json.Unmarshal([]byte(perms), &a.CustomPermissions); err != nil {
		return nil, fmt.Errorf("decode custom permissions: %w", err)
	}
	a.Role = stringPtr(role)
	a.Organization = stringPtr(org)
	a.CreatedAt = fromMillis(created)
	a.UpdatedAt = fromMillis(updated)
	return &a, nil
}

// CreateAccount inserts a.
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
	encoded, err := json.Marshal(perms)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Email, a.PasswordHash, a.Active, a.EmailVerified, a.MFAEnabled,
		a.EnforceDeviceTrust, a.Role, a.Organization, string(encoded), millis(a.CreatedAt), millis(a.UpdatedAt))
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *Store) GetAccountByID(ctx context.Context, id string) (*finauth.Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id))
}

func (s *Store) GetAccountByEmail(ctx context.Context, email string) (*finauth.Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = ?`, email))
}

func (s *Store) updateAccount(ctx context.Context, accountID, set string, arg any) error {
	return requireRow(s.db.ExecContext(ctx,
		`UPDATE accounts SET `+set+` = ?, updated_at = ? WHERE id = ?`, arg, millis(time.Now()), accountID))
}

func (s *Store) UpdatePasswordHash(ctx context.Context, accountID, hash string) error {
	return s.updateAccount(ctx, accountID, "password_hash", hash)
}

func (s *Store) SetMFAEnabled(ctx context.Context, accountID string, enabled bool) error {
	return s.updateAccount(ctx, accountID, "mfa_enabled", enabled)
}

func (s *Store) SetEmailVerified(ctx context.Context, accountID string) error {
	return s.updateAccount(ctx, accountID, "email_verified", true)
}

func (s *Store) CreateMFASecret(ctx context.Context, m *finauth.MFASecret) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO mfa_secrets (id, account_id, secret, active, use_count, created_at)
		VALUES (?, ?, ?, ?, 0, ?)`,
		m.ID, m.AccountID, m.Secret, m.Active, millis(m.CreatedAt)); err != nil {
		return err
	}
	if err := insertBackupCodes(ctx, tx, m.ID, m.BackupCodeHashes); err != nil {
		return err
	}
	return tx.Commit()
}

func insertBackupCodes(ctx context.Context, tx *sql.Tx, secretID string, hashes []string) error {
	for _, h := range hashes {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO mfa_backup_codes (secret_id, code_hash) VALUES (?, ?)`, secretID, h); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) loadSecret(ctx context.Context, where string, args ...any) (*finauth.MFASecret, error) {
	var (
		m        finauth.MFASecret
		lastUsed sql.NullInt64
		created  int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, secret, active, use_count, last_used_at, created_at
		FROM mfa_secrets WHERE `+where, args...).
		Scan(&m.ID, &m.AccountID, &m.Secret, &m.Active, &m.UseCount, &lastUsed, &created)
	if err != nil {
		return nil, notFound(err)
	}
	m.LastUsedAt = timePtr(lastUsed)
	m.CreatedAt = fromMillis(created)

	rows, err := s.db.QueryContext(ctx, `SELECT code_hash FROM mfa_backup_codes WHERE secret_id = ?`, m.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		m.BackupCodeHashes = append(m.BackupCodeHashes, h)
	}
	return &m, rows.Err()
}

func (s *Store) LatestPendingMFASecret(ctx context.Context, accountID string) (*finauth.MFASecret, error) {
	return s.loadSecret(ctx, `account_id = ? AND active = 0 ORDER BY created_at DESC, rowid DESC LIMIT 1`, accountID)
}

func (s *Store) ActiveMFASecret(ctx context.Context, accountID string) (*finauth.MFASecret, error) {
	return s.loadSecret(ctx, `account_id = ? AND active = 1`, accountID)
}

func (s *Store) ActivateMFASecret(ctx context.Context, accountID, secretID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE mfa_secrets SET active = 0 WHERE account_id = ? AND id <> ?`, accountID, secretID); err != nil {
		return err
	}
	if err := requireRow(tx.ExecContext(ctx,
		`UPDATE mfa_secrets SET active = 1 WHERE id = ? AND account_id = ?`, secretID, accountID)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) DeactivateMFASecrets(ctx context.Context, accountID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE mfa_secrets SET active = 0 WHERE account_id = ?`, accountID)
	return err
}

func (s *Store) RecordMFAUse(ctx context.Context, secretID string, at time.Time) error {
	return requireRow(s.db.ExecContext(ctx,
		`UPDATE mfa_secrets SET use_count = use_count + 1, last_used_at = ? WHERE id = ?`, millis(at), secretID))
}

func (s *Store) ReplaceBackupCodes(ctx context.Context, secretID string, hashes []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM mfa_secrets WHERE id = ?`, secretID).Scan(&exists); err != nil {
		return notFound(err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM mfa_backup_codes WHERE secret_id = ?`, secretID); err != nil {
		return err
	}
	if err := insertBackupCodes(ctx, tx, secretID, hashes); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ConsumeBackupCode(ctx context.Context, secretID, codeHash string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM mfa_backup_codes WHERE secret_id = ? AND code_hash = ?`, secretID, codeHash)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) FindTrustedDevice(ctx context.Context, accountID, hash string) (*finauth.TrustedDevice, error) {
	var (
		d             finauth.TrustedDevice
		seen, created int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT account_id, fingerprint_hash, active, last_seen_at, last_ip, created_at
		FROM trusted_devices WHERE account_id = ? AND fingerprint_hash = ? AND active = 1`, accountID, hash).
		Scan(&d.AccountID, &d.FingerprintHash, &d.Active, &seen, &d.LastIP, &created)
	if err != nil {
		return nil, notFound(err)
	}
	d.LastSeenAt = fromMillis(seen)
	d.CreatedAt = fromMillis(created)
	return &d, nil
}

func (s *Store) UpsertTrustedDevice(ctx context.Context, d *finauth.TrustedDevice) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trusted_devices (account_id, fingerprint_hash, active, last_seen_at, last_ip, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id, fingerprint_hash)
		DO UPDATE SET active = excluded.active, last_seen_at = excluded.last_seen_at, last_ip = excluded.last_ip`,
		d.AccountID, d.FingerprintHash, d.Active, millis(d.LastSeenAt), d.LastIP, millis(d.CreatedAt))
	return err
}

func (s *Store) TouchTrustedDevice(ctx context.Context, accountID, hash, ip string, at time.Time) error {
	return requireRow(s.db.ExecContext(ctx, `
		UPDATE trusted_devices SET last_seen_at = ?, last_ip = ?
		WHERE account_id = ? AND fingerprint_hash = ?`, millis(at), ip, accountID, hash))
}

func (s *Store) DeactivateTrustedDevice(ctx context.Context, accountID, hash string) error {
	return requireRow(s.db.ExecContext(ctx,
		`UPDATE trusted_devices SET active = 0 WHERE account_id = ? AND fingerprint_hash = ?`, accountID, hash))
}

func (s *Store) SaveTokenRecord(ctx context.Context, r *finauth.RevocationRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO token_records (jti, account_id, token_type, expires_at, revoked, reason, created_at, revoked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.JTI, r.AccountID, r.TokenType, millis(r.ExpiresAt), r.Revoked, r.Reason, millis(r.CreatedAt), nullMillis(r.RevokedAt))
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *Store) GetTokenRecord(ctx context.Context, jti string) (*finauth.RevocationRecord, error) {
	var (
		r                finauth.RevocationRecord
		expires, created int64
		revokedAt        sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT jti, account_id, token_type, expires_at, revoked, reason, created_at, revoked_at
		FROM token_records WHERE jti = ?`, jti).
		Scan(&r.JTI, &r.AccountID, &r.TokenType, &expires, &r.Revoked, &r.Reason, &created, &revokedAt)
	if err != nil {
		return nil, notFound(err)
	}
	r.ExpiresAt = fromMillis(expires)
	r.CreatedAt = fromMillis(created)
	r.RevokedAt = timePtr(revokedAt)
	return &r, nil
}

func (s *Store) RevokeTokenRecord(ctx context.Context, r *finauth.RevocationRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO token_records (jti, account_id, token_type, expires_at, revoked, reason, created_at, revoked_at)
		VALUES (?, ?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT (jti) DO UPDATE
		SET revoked = 1, reason = excluded.reason, revoked_at = excluded.revoked_at
		WHERE token_records.revoked = 0`,
		r.JTI, r.AccountID, r.TokenType, millis(r.ExpiresAt), r.Reason, millis(r.CreatedAt), nullMillis(r.RevokedAt))
	return err
}

func (s *Store) RevokeAccountTokens(ctx context.Context, accountID, reason string, at time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE token_records SET revoked = 1, reason = ?, revoked_at = ?
		WHERE account_id = ? AND revoked = 0 AND expires_at > ?
		RETURNING jti`, reason, millis(at), accountID, millis(at))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jtis []string
	for rows.Next() {
		var jti string
		if err := rows.Scan(&jti); err != nil {
			return nil, err
		}
		jtis = append(jtis, jti)
	}
	return jtis, rows.Err()
}

func (s *Store) SaveSecurityEvent(ctx context.Context, e *finauth.SecurityEvent) error {
	var detail sql.NullString
	if len(e.Detail) > 0 {
		encoded, err := json.Marshal(e.Detail)
		if err != nil {
			return err
		}
		detail = sql.NullString{String: string(encoded), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO security_events (id, occurred_at, type, severity, account_id, ip, user_agent, success, error, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, millis(e.Timestamp), e.Type, string(e.Severity), e.AccountID, e.IP, e.UserAgent, e.Success, e.Error, detail)
	return err
}

// RecentSecurityEvents returns up to limit persisted events of accountID,
// newest first.
func (s *Store) RecentSecurityEvents(ctx context.Context, accountID string, limit int) ([]finauth.SecurityEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, occurred_at, type, severity, account_id, ip, user_agent, success, error, detail
		FROM security_events WHERE account_id = ?
		ORDER BY occurred_at DESC, rowid DESC LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []finauth.SecurityEvent
	for rows.Next() {
		var (
			e        finauth.SecurityEvent
			occurred int64
			severity string
			detail   sql.NullString
		)
		if err := rows.Scan(&e.ID, &occurred, &e.Type, &severity, &e.AccountID, &e.IP, &e.UserAgent, &e.Success, &e.Error, &detail); err != nil {
			return nil, err
		}
		e.Timestamp = fromMillis(occurred)
		e.Severity = finauth.Severity(severity)
		if detail.Valid {
			if err := json.Unmarshal([]byte(detail.String), &e.Detail); err != nil {
				return nil, fmt.Errorf("decode event detail: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) CreatePasswordReset(ctx context.Context, t *finauth.PasswordResetToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (id, account_id, token_hash, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.AccountID, t.TokenHash, millis(t.ExpiresAt), millis(t.CreatedAt))
	return err
}

func (s *Store) ConsumePasswordReset(ctx context.Context, tokenHash string, at time.Time) (*finauth.PasswordResetToken, error) {
	var (
		t                finauth.PasswordResetToken
		expires, created int64
		used             sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		UPDATE password_resets SET used_at = ?
		WHERE token_hash = ? AND used_at IS NULL
		RETURNING id, account_id, token_hash, expires_at, used_at, created_at`, millis(at), tokenHash).
		Scan(&t.ID, &t.AccountID, &t.TokenHash, &expires, &used, &created)
	if err != nil {
		return nil, notFound(err)
	}
	t.ExpiresAt = fromMillis(expires)
	t.CreatedAt = fromMillis(created)
	t.UsedAt = timePtr(used)
	return &t, nil
}

const sessionColumns = `id, account_id, device_hash, ip, user_agent, created_at, expires_at,
	last_activity_at, active, terminated_at, termination_reason`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*session.Session, error) {
	var (
		s                          session.Session
		created, expires, activity int64
		terminated                 sql.NullInt64
	)
	err := row.Scan(&s.ID, &s.AccountID, &s.DeviceHash, &s.IP, &s.UserAgent, &created, &expires,
		&activity, &s.Active, &terminated, &s.TerminationReason)
	if err != nil {
		return nil, err
	}
	s.CreatedAt = fromMillis(created)
	s.ExpiresAt = fromMillis(expires)
	s.LastActivityAt = fromMillis(activity)
	s.TerminatedAt = timePtr(terminated)
	return &s, nil
}

func (s *Store) CreateSession(ctx context.Context, sess *session.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.AccountID, sess.DeviceHash, sess.IP, sess.UserAgent, millis(sess.CreatedAt), millis(sess.ExpiresAt),
		millis(sess.LastActivityAt), sess.Active, nullMillis(sess.TerminatedAt), sess.TerminationReason)
	return err
}

func (s *Store) GetSession(ctx context.Context, id string) (*session.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	return sess, err
}

func (s *Store) TouchSession(ctx context.Context, id string, at time.Time) error {
	err := requireRow(s.db.ExecContext(ctx, `UPDATE sessions SET last_activity_at = ? WHERE id = ?`, millis(at), id))
	if errors.Is(err, finauth.ErrNotFound) {
		return session.ErrNotFound
	}
	return err
}

func (s *Store) DeactivateSessions(ctx context.Context, accountID, reason string, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET active = 0, terminated_at = ?, termination_reason = ?
		WHERE account_id = ? AND active = 1`, millis(at), reason, accountID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) ListActiveSessions(ctx context.Context, accountID string, now time.Time) ([]*session.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE account_id = ? AND active = 1 AND expires_at > ?
		ORDER BY created_at DESC`, accountID, millis(now))
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
