package finauth

import (
	"errors"

	"go.uber.org/zap"
)

var (
	ErrInvalidCredentials     = errors.New("invalid credentials")
	ErrRateLimited            = errors.New("rate limited")
	ErrAccountInactive        = errors.New("account inactive")
	ErrInvalidMfaCode         = errors.New("invalid mfa code")
	ErrUntrustedDeviceBlocked = errors.New("untrusted device blocked")
	ErrTokenExpired           = errors.New("token expired")
	ErrTokenRevoked           = errors.New("token revoked")
	ErrTokenMalformed         = errors.New("token malformed")
	// ErrInternalStoreFailure wraps failures of the durable store or cache
	// where no safe fallback exists.
	ErrInternalStoreFailure = errors.New("internal store failure")

	ErrMfaNotEnabled            = errors.New("mfa not enabled")
	ErrMfaAlreadyEnabled        = errors.New("mfa already enabled")
	ErrMfaChallengeInvalid      = errors.New("mfa challenge invalid or expired")
	ErrUnsupportedChannel       = errors.New("unsupported one-time code channel")
	ErrPasswordPolicy           = errors.New("password policy violation")
	ErrResetTokenInvalid        = errors.New("password reset token invalid")
	ErrVerificationTokenInvalid = errors.New("email verification token invalid")
	ErrEngineNotReady           = errors.New("engine not initialized")

	// ErrNotFound is returned by Store implementations for missing rows.
	ErrNotFound = errors.New("record not found")
)

// ErrorKind is the discriminated kind of an engine error, used to map errors
// onto transport status codes.
type ErrorKind string

const (
	KindNone                   ErrorKind = ""
	KindInvalidCredentials     ErrorKind = "invalid_credentials"
	KindRateLimited            ErrorKind = "rate_limited"
	KindAccountInactive        ErrorKind = "account_inactive"
	KindInvalidMfaCode         ErrorKind = "invalid_mfa_code"
	KindUntrustedDeviceBlocked ErrorKind = "untrusted_device_blocked"
	KindTokenExpired           ErrorKind = "token_expired"
	KindTokenRevoked           ErrorKind = "token_revoked"
	KindTokenMalformed         ErrorKind = "token_malformed"
	KindInternalStoreFailure   ErrorKind = "internal_store_failure"
	KindInvalidRequest         ErrorKind = "invalid_request"
)

var kindTable = []struct {
	err  error
	kind ErrorKind
}{
	{ErrInvalidCredentials, KindInvalidCredentials},
	{ErrRateLimited, KindRateLimited},
	{ErrAccountInactive, KindAccountInactive},
	{ErrInvalidMfaCode, KindInvalidMfaCode},
	{ErrMfaChallengeInvalid, KindInvalidMfaCode},
	{ErrUntrustedDeviceBlocked, KindUntrustedDeviceBlocked},
	{ErrTokenExpired, KindTokenExpired},
	{ErrTokenRevoked, KindTokenRevoked},
	{ErrTokenMalformed, KindTokenMalformed},
	{ErrResetTokenInvalid, KindTokenMalformed},
	{ErrVerificationTokenInvalid, KindTokenMalformed},
	{ErrInternalStoreFailure, KindInternalStoreFailure},
	{ErrEngineNotReady, KindInternalStoreFailure},
}

// KindOf classifies err. Unclassified non-nil errors are KindInvalidRequest.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	for _, entry := range kindTable {
		if errors.Is(err, entry.err) {
			return entry.kind
		}
	}
	return KindInvalidRequest
}

// storeError is the caller-facing form of a failed backend operation. It
// names the operation only; backend text is logged where the failure is
// wrapped and never travels with the error.
type storeError struct {
	op string
}

func (e *storeError) Error() string {
	return ErrInternalStoreFailure.Error() + ": " + e.op
}

func (e *storeError) Unwrap() error {
	return ErrInternalStoreFailure
}

func storeFailure(op string) error {
	return &storeError{op: op}
}

// storeFailure logs the backend error and returns the sanitized failure.
func (e *Engine) storeFailure(op string, err error) error {
	e.logger.Error("store operation failed", zap.String("op", op), zap.Error(err))
	return storeFailure(op)
}
