package flows

import (
	"context"
	"strings"
)

// AuthAccount is the flow-local account view.
type AuthAccount struct {
	ID                 string
	PasswordHash       string
	Active             bool
	MFAEnabled         bool
	EnforceDeviceTrust bool
}

// DeviceVerdict is the flow-local device decision.
type DeviceVerdict struct {
	Trusted          bool
	Known            bool
	ModelUnavailable bool
	Hash             string
	Reason           string
	Margin           float64
}

// AuthenticateInput carries one login attempt.
type AuthenticateInput struct {
	Email       string
	Password    string
	MfaCode     string
	Fingerprint []byte
	IP          string
	UserAgent   string
}

// AuthenticateOutcome tells the engine how to finish the login. When
// MfaRequired is false the caller must still issue the session and tokens.
type AuthenticateOutcome struct {
	AccountID      string
	MfaRequired    bool
	ChallengeToken string
	Device         DeviceVerdict
	// NotifyNewDevice is set when the owner should hear about this login.
	NotifyNewDevice bool
	SecondFactor    string
}

type AuthenticateMetrics struct {
	LoginFailure     int
	LoginRateLimited int
	MfaRequired      int
	MfaFailure       int
	DeviceBlocked    int
	PasswordRehashed int
}

type AuthenticateEvents struct {
	LoginFailure     string
	LoginRateLimited string
	MfaRequired      string
	MfaFailure       string
	DeviceBlocked    string
}

type AuthenticateErrors struct {
	EngineNotReady         error
	InvalidCredentials     error
	RateLimited            error
	AccountInactive        error
	InvalidMfaCode         error
	UntrustedDeviceBlocked error
	StoreFailure           func(op string, err error) error
}

// AuthenticateDeps captures everything the authenticate flow touches.
type AuthenticateDeps struct {
	FailOpenOnModelUnavailable bool
	NotifyNewDevice            bool
	RehashOnLogin              bool
	// DummyHash is verified against when the account does not exist so the
	// response time does not reveal account existence.
	DummyHash string

	CheckRate          func(ctx context.Context, email, ip string) (bool, error)
	LookupAccount      func(ctx context.Context, email string) (*AuthAccount, error)
	IsNotFound         func(error) bool
	VerifyPassword     func(plaintext, hash string) bool
	NeedsRehash        func(hash string) bool
	Rehash             func(ctx context.Context, accountID, plaintext string) error
	EvaluateDevice     func(ctx context.Context, accountID string, fingerprint []byte, ip string) DeviceVerdict
	VerifySecondFactor func(ctx context.Context, accountID, code string) (string, error)
	CreateChallenge    func(ctx context.Context, accountID string, fingerprint []byte, ip string) (string, error)

	MetricInc func(int)
	EmitEvent func(ctx context.Context, eventType string, success bool, accountID string, err error, detail func() map[string]string)
	Warn      func(msg string, err error)

	Metrics AuthenticateMetrics
	Events  AuthenticateEvents
	Errors  AuthenticateErrors
}

func (deps *AuthenticateDeps) fillDefaults() {
	if deps.MetricInc == nil {
		deps.MetricInc = func(int) {}
	}
	if deps.EmitEvent == nil {
		deps.EmitEvent = func(context.Context, string, bool, string, error, func() map[string]string) {}
	}
	if deps.Warn == nil {
		deps.Warn = func(string, error) {}
	}
	if deps.IsNotFound == nil {
		deps.IsNotFound = func(error) bool { return false }
	}
	if deps.Errors.StoreFailure == nil {
		deps.Errors.StoreFailure = func(_ string, err error) error { return err }
	}
}

// RunAuthenticate checks credentials, account status, the second factor and
// device trust, in that order. An MFA account without a code stops at the
// challenge; device trust is then checked by CheckDevice once the challenge
// is answered.
func RunAuthenticate(ctx context.Context, in AuthenticateInput, deps AuthenticateDeps) (*AuthenticateOutcome, error) {
	deps.fillDefaults()
	if deps.LookupAccount == nil ||
		deps.VerifyPassword == nil ||
		deps.EvaluateDevice == nil ||
		deps.VerifySecondFactor == nil ||
		deps.CreateChallenge == nil {
		return nil, deps.Errors.EngineNotReady
	}

	email := strings.ToLower(strings.TrimSpace(in.Email))
	fail := func(accountID, reason string, err error) (*AuthenticateOutcome, error) {
		deps.MetricInc(deps.Metrics.LoginFailure)
		deps.EmitEvent(ctx, deps.Events.LoginFailure, false, accountID, err, func() map[string]string {
			return map[string]string{"email": email, "reason": reason}
		})
		return nil, err
	}

	if deps.CheckRate != nil {
		exceeded, err := deps.CheckRate(ctx, email, in.IP)
		if err != nil {
			deps.Warn("login rate check failed", err)
		}
		if exceeded {
			deps.MetricInc(deps.Metrics.LoginRateLimited)
			deps.EmitEvent(ctx, deps.Events.LoginRateLimited, false, "", deps.Errors.RateLimited, func() map[string]string {
				return map[string]string{"email": email}
			})
			return nil, deps.Errors.RateLimited
		}
	}

	if email == "" || in.Password == "" {
		return fail("", "empty_credentials", deps.Errors.InvalidCredentials)
	}

	account, err := deps.LookupAccount(ctx, email)
	if err != nil {
		if !deps.IsNotFound(err) {
			return nil, deps.Errors.StoreFailure("lookup account", err)
		}
		if deps.DummyHash != "" {
			deps.VerifyPassword(in.Password, deps.DummyHash)
		}
		return fail("", "unknown_account", deps.Errors.InvalidCredentials)
	}

	if !deps.VerifyPassword(in.Password, account.PasswordHash) {
		return fail(account.ID, "password_mismatch", deps.Errors.InvalidCredentials)
	}

	// Status is only revealed to callers holding the right password.
	if !account.Active {
		return fail(account.ID, "account_inactive", deps.Errors.AccountInactive)
	}

	if deps.RehashOnLogin && deps.NeedsRehash != nil && deps.Rehash != nil && deps.NeedsRehash(account.PasswordHash) {
		if err := deps.Rehash(ctx, account.ID, in.Password); err != nil {
			deps.Warn("password rehash failed", err)
		} else {
			deps.MetricInc(deps.Metrics.PasswordRehashed)
		}
	}

	out := &AuthenticateOutcome{AccountID: account.ID}

	if account.MFAEnabled {
		if in.MfaCode == "" {
			token, err := deps.CreateChallenge(ctx, account.ID, in.Fingerprint, in.IP)
			if err != nil {
				return nil, deps.Errors.StoreFailure("create mfa challenge", err)
			}
			deps.MetricInc(deps.Metrics.MfaRequired)
			deps.EmitEvent(ctx, deps.Events.MfaRequired, true, account.ID, nil, nil)
			out.MfaRequired = true
			out.ChallengeToken = token
			return out, nil
		}

		method, err := deps.VerifySecondFactor(ctx, account.ID, in.MfaCode)
		if err != nil {
			deps.MetricInc(deps.Metrics.MfaFailure)
			deps.EmitEvent(ctx, deps.Events.MfaFailure, false, account.ID, err, func() map[string]string {
				return map[string]string{"stage": "login"}
			})
			return nil, err
		}
		out.SecondFactor = method
	}

	verdict, notify, err := CheckDevice(ctx, deps, account.ID, account.EnforceDeviceTrust, in.Fingerprint, in.IP)
	if err != nil {
		return nil, err
	}
	out.Device = verdict
	out.NotifyNewDevice = notify
	return out, nil
}

// CheckDevice evaluates the presented fingerprint and applies the block
// decision for accounts that enforce device trust. It reports whether the
// owner should be told about a login from an unknown device.
func CheckDevice(ctx context.Context, deps AuthenticateDeps, accountID string, enforce bool, fingerprint []byte, ip string) (DeviceVerdict, bool, error) {
	deps.fillDefaults()
	if deps.EvaluateDevice == nil {
		return DeviceVerdict{}, false, deps.Errors.EngineNotReady
	}

	verdict := deps.EvaluateDevice(ctx, accountID, fingerprint, ip)
	if !verdict.Trusted && enforce && !(verdict.ModelUnavailable && deps.FailOpenOnModelUnavailable) {
		deps.MetricInc(deps.Metrics.DeviceBlocked)
		deps.EmitEvent(ctx, deps.Events.DeviceBlocked, false, accountID, deps.Errors.UntrustedDeviceBlocked, func() map[string]string {
			return map[string]string{"reason": verdict.Reason, "device_hash": verdict.Hash}
		})
		return verdict, false, deps.Errors.UntrustedDeviceBlocked
	}
	return verdict, deps.NotifyNewDevice && !verdict.Known && len(fingerprint) > 0, nil
}
