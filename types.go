package finauth

import (
	"context"
	"slices"
	"time"

	"github.com/MrEthical07/finauth/internal/audit"
	"github.com/MrEthical07/finauth/internal/security"
	"github.com/MrEthical07/finauth/session"
)

// Account is the authentication view of a user. Optional attributes are
// pointers or slices; a nil Role means the base "user" role.
type Account struct {
	ID                 string
	Email              string
	PasswordHash       string
	Active             bool
	EmailVerified      bool
	MFAEnabled         bool
	EnforceDeviceTrust bool

	Role              *string
	Organization      *string
	CustomPermissions []string

	CreatedAt time.Time
	UpdatedAt time.Time
}

const defaultRole = "user"

var rolePermissions = map[string][]string{
	"user":    {"profile:read", "profile:write", "plans:read", "plans:write", "goals:read", "goals:write"},
	"viewer":  {"profile:read", "plans:read", "goals:read"},
	"advisor": {"profile:read", "profile:write", "plans:read", "plans:write", "goals:read", "goals:write", "clients:read", "reports:read"},
	"admin":   {"profile:read", "profile:write", "plans:read", "plans:write", "goals:read", "goals:write", "clients:read", "reports:read", "users:manage", "security:read"},
}

// Permissions derives the permission set of a. It is a pure function of the
// account: role grants, an organization membership grant when an
// organization is set, then custom permissions. Unknown roles grant nothing.
// The result is sorted and free of duplicates.
func Permissions(a Account) []string {
	role := defaultRole
	if a.Role != nil && *a.Role != "" {
		role = *a.Role
	}

	perms := make([]string, 0, len(rolePermissions[role])+len(a.CustomPermissions)+1)
	perms = append(perms, rolePermissions[role]...)
	if a.Organization != nil && *a.Organization != "" {
		perms = append(perms, "org:"+*a.Organization+":member")
	}
	for _, p := range a.CustomPermissions {
		if p != "" {
			perms = append(perms, p)
		}
	}

	slices.Sort(perms)
	return slices.Compact(perms)
}

func roleOf(a *Account) string {
	if a.Role != nil && *a.Role != "" {
		return *a.Role
	}
	return defaultRole
}

func orgOf(a *Account) string {
	if a.Organization != nil {
		return *a.Organization
	}
	return ""
}

// AuthStatus is the outcome of a successful Authenticate call.
type AuthStatus string

const (
	StatusAuthenticated AuthStatus = "authenticated"
	// StatusMfaRequired means credentials were valid but a second factor is
	// needed. It is a result, not an error.
	StatusMfaRequired AuthStatus = "mfa_required"
)

// LoginRequest is the input to Authenticate. IP and UserAgent fall back to
// the values attached with WithClientIP and WithUserAgent.
type LoginRequest struct {
	Email       string
	Password    string
	Fingerprint []byte
	MfaCode     string
	IP          string
	UserAgent   string
}

// TokenPair is a freshly issued access/refresh pair.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	TokenType        string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// AuthResult describes a successful authentication step.
type AuthResult struct {
	Status    AuthStatus
	AccountID string
	// Tokens and Session are set when Status is StatusAuthenticated.
	Tokens  *TokenPair
	Session *session.Session
	// ChallengeToken is set when Status is StatusMfaRequired and is passed
	// to CompleteMfaLogin.
	ChallengeToken string
	Device         DeviceDecision
	Permissions    []string
}

// MfaSetup is returned once from SetupMfa. Backup codes are never shown again.
type MfaSetup struct {
	Secret          string
	ProvisioningURI string
	BackupCodes     []string
}

// Device decision reasons.
const (
	DeviceReasonKnown            = "known_device"
	DeviceReasonModelTrusted     = "model_trusted"
	DeviceReasonAnomaly          = "anomaly"
	DeviceReasonLowConfidence    = "low_confidence"
	DeviceReasonEvaluationFailed = "evaluation_failed"
	DeviceReasonNoFingerprint    = "no_fingerprint"
)

// DeviceDecision is the result of device trust evaluation.
type DeviceDecision struct {
	Trusted    bool
	Reason     string
	Margin     float64
	DeviceHash string
	// ModelUnavailable is set when the decision was forced by a missing or
	// failing anomaly model.
	ModelUnavailable bool
}

// MFASecret is one TOTP enrollment. At most one secret per account is active.
type MFASecret struct {
	ID               string
	AccountID        string
	Secret           string
	Active           bool
	BackupCodeHashes []string
	UseCount         int64
	LastUsedAt       *time.Time
	CreatedAt        time.Time
}

// TrustedDevice is a fingerprint hash the account owner has vouched for.
type TrustedDevice struct {
	AccountID       string
	FingerprintHash string
	Active          bool
	LastSeenAt      time.Time
	LastIP          string
	CreatedAt       time.Time
}

// Token types recorded in revocation records.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// RevocationRecord is the durable state of one issued token.
type RevocationRecord struct {
	JTI       string
	AccountID string
	TokenType string
	ExpiresAt time.Time
	Revoked   bool
	Reason    string
	CreatedAt time.Time
	RevokedAt *time.Time
}

// PasswordResetToken stores only the SHA-256 digest of the emailed token.
type PasswordResetToken struct {
	ID        string
	AccountID string
	TokenHash string
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

// SecurityReport is returned by Engine.SecurityReport.
type SecurityReport = security.Report

type (
	Severity      = audit.Severity
	SecurityEvent = audit.Event
	EventSink     = audit.Sink
)

const (
	SeverityLow      = audit.SeverityLow
	SeverityMedium   = audit.SeverityMedium
	SeverityHigh     = audit.SeverityHigh
	SeverityCritical = audit.SeverityCritical
)

// AccountStore reads and updates accounts.
type AccountStore interface {
	GetAccountByID(ctx context.Context, id string) (*Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*Account, error)
	UpdatePasswordHash(ctx context.Context, accountID, hash string) error
	SetMFAEnabled(ctx context.Context, accountID string, enabled bool) error
	SetEmailVerified(ctx context.Context, accountID string) error
}

// MFAStore persists TOTP enrollments and backup codes.
type MFAStore interface {
	CreateMFASecret(ctx context.Context, secret *MFASecret) error
	LatestPendingMFASecret(ctx context.Context, accountID string) (*MFASecret, error)
	ActiveMFASecret(ctx context.Context, accountID string) (*MFASecret, error)
	// ActivateMFASecret activates secretID and deactivates every other
	// secret of the account in one transaction.
	ActivateMFASecret(ctx context.Context, accountID, secretID string) error
	DeactivateMFASecrets(ctx context.Context, accountID string) error
	RecordMFAUse(ctx context.Context, secretID string, at time.Time) error
	ReplaceBackupCodes(ctx context.Context, secretID string, hashes []string) error
	// ConsumeBackupCode atomically removes codeHash and reports whether it
	// was present.
	ConsumeBackupCode(ctx context.Context, secretID, codeHash string) (bool, error)
}

// DeviceStore persists trusted devices.
type DeviceStore interface {
	// FindTrustedDevice returns the active device or ErrNotFound.
	FindTrustedDevice(ctx context.Context, accountID, fingerprintHash string) (*TrustedDevice, error)
	UpsertTrustedDevice(ctx context.Context, device *TrustedDevice) error
	TouchTrustedDevice(ctx context.Context, accountID, fingerprintHash, ip string, at time.Time) error
	DeactivateTrustedDevice(ctx context.Context, accountID, fingerprintHash string) error
}

// RevocationStore is the durable side of token revocation.
type RevocationStore interface {
	SaveTokenRecord(ctx context.Context, record *RevocationRecord) error
	GetTokenRecord(ctx context.Context, jti string) (*RevocationRecord, error)
	// RevokeTokenRecord upserts record as revoked. It is idempotent.
	RevokeTokenRecord(ctx context.Context, record *RevocationRecord) error
	// RevokeAccountTokens revokes every unexpired active record of the
	// account and returns their jtis.
	RevokeAccountTokens(ctx context.Context, accountID, reason string, at time.Time) ([]string, error)
}

// EventStore is the durable security event log.
type EventStore interface {
	SaveSecurityEvent(ctx context.Context, event *SecurityEvent) error
}

// ResetStore persists password reset tokens.
type ResetStore interface {
	CreatePasswordReset(ctx context.Context, token *PasswordResetToken) error
	// ConsumePasswordReset marks the unused token with tokenHash as used and
	// returns it. Missing or already used tokens yield ErrNotFound.
	ConsumePasswordReset(ctx context.Context, tokenHash string, at time.Time) (*PasswordResetToken, error)
}

// Store is the persistent store the engine needs. Missing rows are reported
// as ErrNotFound (session.ErrNotFound for sessions).
type Store interface {
	AccountStore
	MFAStore
	DeviceStore
	RevocationStore
	EventStore
	ResetStore
	session.Repository
}

// Notifier delivers out-of-band messages. Implementations must not log the
// code or token arguments.
type Notifier interface {
	SendOneTimeCode(ctx context.Context, account *Account, channel, code string) error
	SendPasswordReset(ctx context.Context, account *Account, token string) error
	SendEmailVerification(ctx context.Context, account *Account, token string) error
	NewDeviceLogin(ctx context.Context, account *Account, ip, userAgent string) error
}

// Monitor receives high and critical security events for live alerting.
type Monitor interface {
	Publish(ctx context.Context, event SecurityEvent) error
}
