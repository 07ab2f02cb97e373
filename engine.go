package finauth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MrEthical07/finauth/device"
	"github.com/MrEthical07/finauth/internal"
	"github.com/MrEthical07/finauth/internal/audit"
	"github.com/MrEthical07/finauth/internal/flows"
	"github.com/MrEthical07/finauth/internal/rate"
	"github.com/MrEthical07/finauth/internal/security"
	"github.com/MrEthical07/finauth/internal/stores"
	"github.com/MrEthical07/finauth/jwt"
	"github.com/MrEthical07/finauth/password"
	"github.com/MrEthical07/finauth/session"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Rate limiter scopes.
const (
	scopeLogin = "login"
	scopeReset = "reset"
	scopeMFA   = "mfa"
	scopeOTP   = "otp"
)

// Engine is the authentication core. It is safe for concurrent use once
// returned by [Builder.Build].
type Engine struct {
	config Config
	store  Store
	redis  redis.UniversalClient
	logger *zap.Logger

	passwords   *password.Verifier
	dummyHash   string
	tokens      *jwt.Manager
	revocations *stores.RevocationCache
	codes       *stores.CodeStore
	challenges  *stores.ChallengeStore
	limiter     *rate.Limiter
	sessions    *session.Manager
	evaluator   *device.Evaluator

	notifier   Notifier
	monitor    Monitor
	ring       *audit.Ring
	dispatcher *audit.Dispatcher
	metrics    *Metrics

	now func() time.Time
}

// Close flushes buffered security events. The redis client and store are
// owned by the caller and stay open.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.dispatcher != nil {
		e.dispatcher.Close()
	}
}

// AuditDropped reports how many events the durable sink never saw because
// the dispatch buffer was full.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.dispatcher == nil {
		return 0
	}
	return e.dispatcher.Dropped()
}

func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

// RateLimiterDegraded reports whether the last rate check ran on the
// process-local window because redis was unreachable.
func (e *Engine) RateLimiterDegraded() bool {
	return e != nil && e.limiter != nil && e.limiter.Degraded()
}

// SigningMethod reports whether tokens are signed with RS256 or the HS256
// fallback.
func (e *Engine) SigningMethod() jwt.SigningMethod {
	if e == nil || e.tokens == nil {
		return ""
	}
	return e.tokens.Method()
}

// SecurityReport summarizes the configuration in force and any degraded
// mode, with a warning per weakness found.
func (e *Engine) SecurityReport() SecurityReport {
	if e == nil {
		return SecurityReport{}
	}
	argon := e.config.Password.Argon2
	return security.BuildReport(security.ReportInput{
		SigningAlgorithm: string(e.SigningMethod()),
		AccessTTL:        e.config.Token.AccessTTL,
		RefreshTTL:       e.config.Token.RefreshTTL,
		Password: security.PasswordReport{
			Memory:      argon.Memory,
			Time:        argon.Time,
			Parallelism: argon.Parallelism,
			SaltLength:  argon.SaltLength,
			KeyLength:   argon.KeyLength,
		},
		MaxJitter:               e.config.Password.MaxJitter,
		TOTPDriftSteps:          e.config.MFA.DriftSteps,
		BackupCodeCount:         e.config.MFA.BackupCodeCount,
		DeviceModelLoaded:       e.evaluator != nil && e.evaluator.Model != nil,
		DeviceThreshold:         e.config.Device.ConfidenceThreshold,
		DeviceFailOpen:          e.config.Device.FailOpenOnModelUnavailable,
		LoginMaxAttempts:        e.config.RateLimit.Login.MaxAttempts,
		LoginWindow:             e.config.RateLimit.Login.Window,
		RateLimiterDegraded:     e.RateLimiterDegraded(),
		RevocationAuthoritative: e.config.Revocation.CacheAuthoritative,
	})
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

// Authenticate verifies credentials, the account status, the second factor
// for MFA accounts and then device trust. A valid password on an MFA account
// without LoginRequest.MfaCode yields StatusMfaRequired and a challenge
// token for CompleteMfaLogin; that is not an error.
func (e *Engine) Authenticate(ctx context.Context, req LoginRequest) (*AuthResult, error) {
	if e == nil || e.store == nil {
		return nil, ErrEngineNotReady
	}
	ip := firstNonEmpty(req.IP, ClientIPFromContext(ctx))
	ua := firstNonEmpty(req.UserAgent, UserAgentFromContext(ctx))
	if ip != "" {
		ctx = WithClientIP(ctx, ip)
	}
	if ua != "" {
		ctx = WithUserAgent(ctx, ua)
	}

	capture := &loginCapture{}
	out, err := flows.RunAuthenticate(ctx, flows.AuthenticateInput{
		Email:       req.Email,
		Password:    req.Password,
		MfaCode:     req.MfaCode,
		Fingerprint: req.Fingerprint,
		IP:          ip,
		UserAgent:   ua,
	}, e.authenticateDeps(capture))
	if err != nil {
		return nil, err
	}
	account := capture.account

	if out.MfaRequired {
		return &AuthResult{
			Status:         StatusMfaRequired,
			AccountID:      out.AccountID,
			ChallengeToken: out.ChallengeToken,
		}, nil
	}

	if out.SecondFactor != "" {
		e.metricInc(MetricMfaSuccess)
		e.emitEvent(ctx, eventMfaSuccess, true, account.ID, nil, func() map[string]string {
			return map[string]string{"method": out.SecondFactor, "stage": "login"}
		})
	}
	return e.finishLogin(ctx, account, capture.decision, out.NotifyNewDevice, ip, ua)
}

// loginCapture collects what the login flow saw so the engine can finish
// the login with its own types.
type loginCapture struct {
	account  *Account
	decision DeviceDecision
}

func (e *Engine) authenticateDeps(capture *loginCapture) flows.AuthenticateDeps {
	return flows.AuthenticateDeps{
		FailOpenOnModelUnavailable: e.config.Device.FailOpenOnModelUnavailable,
		NotifyNewDevice:            e.config.Device.NotifyNewDevice,
		RehashOnLogin:              e.config.Password.RehashOnLogin,
		DummyHash:                  e.dummyHash,
		CheckRate: func(ctx context.Context, email, ip string) (bool, error) {
			return e.limiter.Check(ctx, scopeLogin, email, ip)
		},
		LookupAccount: func(ctx context.Context, email string) (*flows.AuthAccount, error) {
			a, err := e.store.GetAccountByEmail(ctx, email)
			if err != nil {
				return nil, err
			}
			capture.account = a
			return &flows.AuthAccount{
				ID:                 a.ID,
				PasswordHash:       a.PasswordHash,
				Active:             a.Active,
				MFAEnabled:         a.MFAEnabled,
				EnforceDeviceTrust: a.EnforceDeviceTrust,
			}, nil
		},
		IsNotFound:     func(err error) bool { return errors.Is(err, ErrNotFound) },
		VerifyPassword: e.passwords.Verify,
		NeedsRehash:    e.passwords.NeedsRehash,
		Rehash:         e.rehash,
		EvaluateDevice: func(ctx context.Context, accountID string, fingerprint []byte, ip string) flows.DeviceVerdict {
			capture.decision = e.EvaluateDevice(ctx, accountID, fingerprint, ip)
			return flows.DeviceVerdict{
				Trusted:          capture.decision.Trusted,
				Known:            capture.decision.Reason == DeviceReasonKnown,
				ModelUnavailable: capture.decision.ModelUnavailable,
				Hash:             capture.decision.DeviceHash,
				Reason:           capture.decision.Reason,
				Margin:           capture.decision.Margin,
			}
		},
		VerifySecondFactor: func(ctx context.Context, accountID, code string) (string, error) {
			method, _, err := e.checkSecondFactor(ctx, accountID, code, true)
			return method, err
		},
		CreateChallenge: e.createChallenge,
		MetricInc:       func(id int) { e.metricInc(MetricID(id)) },
		EmitEvent:       e.emitEvent,
		Warn: func(msg string, err error) {
			e.logger.Warn(msg, zap.Error(err))
		},
		Metrics: flows.AuthenticateMetrics{
			LoginFailure:     int(MetricLoginFailure),
			LoginRateLimited: int(MetricLoginRateLimited),
			MfaRequired:      int(MetricMfaRequired),
			MfaFailure:       int(MetricMfaFailure),
			DeviceBlocked:    int(MetricDeviceBlocked),
			PasswordRehashed: int(MetricPasswordRehashed),
		},
		Events: flows.AuthenticateEvents{
			LoginFailure:     eventLoginFailure,
			LoginRateLimited: eventLoginRateLimited,
			MfaRequired:      eventMfaRequired,
			MfaFailure:       eventMfaFailure,
			DeviceBlocked:    eventLoginBlockedDevice,
		},
		Errors: flows.AuthenticateErrors{
			EngineNotReady:         ErrEngineNotReady,
			InvalidCredentials:     ErrInvalidCredentials,
			RateLimited:            ErrRateLimited,
			AccountInactive:        ErrAccountInactive,
			InvalidMfaCode:         ErrInvalidMfaCode,
			UntrustedDeviceBlocked: ErrUntrustedDeviceBlocked,
			StoreFailure:           e.storeFailure,
		},
	}
}

// CompleteMfaLogin finishes a login that returned StatusMfaRequired. code
// may be a TOTP code, a backup code or a one-time code sent with
// SendOneTimeCode. After MFA.ChallengeMaxAttempts wrong codes the challenge
// is discarded and ErrMfaChallengeInvalid is returned.
func (e *Engine) CompleteMfaLogin(ctx context.Context, challengeToken, code string) (*AuthResult, error) {
	if e == nil || e.store == nil {
		return nil, ErrEngineNotReady
	}
	challengeToken = strings.TrimSpace(challengeToken)
	if challengeToken == "" {
		return nil, ErrMfaChallengeInvalid
	}

	challenge, err := e.challenges.Get(ctx, challengeToken)
	if err != nil {
		if errors.Is(err, stores.ErrChallengeNotFound) || errors.Is(err, stores.ErrChallengeExpired) {
			return nil, ErrMfaChallengeInvalid
		}
		return nil, e.storeFailure("load mfa challenge", err)
	}

	ip := firstNonEmpty(ClientIPFromContext(ctx), challenge.IP)
	ua := UserAgentFromContext(ctx)

	if err := e.rateCheck(WithClientIP(ctx, ip), scopeMFA, challenge.AccountID); err != nil {
		return nil, err
	}

	account, err := e.store.GetAccountByID(ctx, challenge.AccountID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrMfaChallengeInvalid
		}
		return nil, e.storeFailure("load account", err)
	}
	if !account.Active {
		return nil, ErrAccountInactive
	}

	method, _, err := e.checkSecondFactor(ctx, account.ID, code, true)
	if err != nil {
		if !errors.Is(err, ErrInvalidMfaCode) {
			return nil, err
		}
		e.metricInc(MetricMfaFailure)
		e.emitEvent(ctx, eventMfaFailure, false, account.ID, err, func() map[string]string {
			return map[string]string{"stage": "challenge"}
		})

		capped, ferr := e.challenges.RecordFailure(ctx, challengeToken, e.config.MFA.ChallengeMaxAttempts)
		switch {
		case errors.Is(ferr, stores.ErrChallengeNotFound), errors.Is(ferr, stores.ErrChallengeExpired):
			return nil, ErrMfaChallengeInvalid
		case ferr != nil:
			return nil, e.storeFailure("record mfa failure", ferr)
		case capped:
			e.emitEvent(ctx, eventMfaAttemptsExceeded, false, account.ID, ErrMfaChallengeInvalid, nil)
			return nil, ErrMfaChallengeInvalid
		}
		return nil, ErrInvalidMfaCode
	}

	consumed, err := e.challenges.Consume(ctx, challengeToken)
	if err != nil {
		return nil, e.storeFailure("consume mfa challenge", err)
	}
	if !consumed {
		// Another request completed the same challenge first.
		return nil, ErrMfaChallengeInvalid
	}

	e.metricInc(MetricMfaSuccess)
	e.emitEvent(ctx, eventMfaSuccess, true, account.ID, nil, func() map[string]string {
		return map[string]string{"method": method, "stage": "challenge"}
	})
	if err := e.limiter.Reset(ctx, scopeMFA, account.ID, ip); err != nil {
		e.logger.Debug("mfa limiter reset failed", zap.Error(err))
	}

	capture := &loginCapture{account: account}
	_, notify, err := flows.CheckDevice(ctx, e.authenticateDeps(capture), account.ID, account.EnforceDeviceTrust, challenge.Fingerprint, ip)
	if err != nil {
		return nil, err
	}
	return e.finishLogin(ctx, account, capture.decision, notify, ip, ua)
}

func (e *Engine) createChallenge(ctx context.Context, accountID string, fingerprint []byte, ip string) (string, error) {
	token, err := internal.NewOpaqueToken()
	if err != nil {
		return "", err
	}
	ttl := e.config.MFA.ChallengeTTL
	err = e.challenges.Save(ctx, token, &stores.Challenge{
		AccountID:   accountID,
		Fingerprint: fingerprint,
		IP:          ip,
		ExpiresAt:   e.now().Add(ttl).Unix(),
	}, ttl)
	if err != nil {
		return "", err
	}
	return token, nil
}

// finishLogin runs after every factor has been checked: it resets the login
// budget, opens the session and issues the token pair.
func (e *Engine) finishLogin(ctx context.Context, account *Account, decision DeviceDecision, notify bool, ip, ua string) (*AuthResult, error) {
	if err := e.limiter.Reset(ctx, scopeLogin, strings.ToLower(strings.TrimSpace(account.Email)), ip); err != nil {
		e.logger.Debug("login limiter reset failed", zap.Error(err))
	}

	// Session bookkeeping failures do not fail the login.
	sess, err := e.sessions.Create(ctx, account.ID, decision.DeviceHash, ip, ua)
	if err != nil {
		e.logger.Warn("session create failed", zap.String("account_id", account.ID), zap.Error(err))
		e.emitEvent(ctx, eventSessionCreateFailed, false, account.ID, storeFailure("create session"), nil)
	} else {
		e.metricInc(MetricSessionCreated)
	}

	pair, err := e.issuePair(ctx, account, decision.DeviceHash)
	if err != nil {
		return nil, err
	}

	if notify {
		if err := e.notifier.NewDeviceLogin(ctx, account, ip, ua); err != nil {
			e.logger.Warn("new device notification failed", zap.String("account_id", account.ID), zap.Error(err))
		}
		e.emitEvent(ctx, eventNewDeviceLogin, true, account.ID, nil, func() map[string]string {
			return map[string]string{"device_hash": decision.DeviceHash, "reason": decision.Reason}
		})
	}

	e.metricInc(MetricLoginSuccess)
	e.emitEvent(ctx, eventLoginSuccess, true, account.ID, nil, func() map[string]string {
		detail := map[string]string{"device_reason": decision.Reason}
		if sess != nil {
			detail["session_id"] = sess.ID
		}
		return detail
	})

	return &AuthResult{
		Status:      StatusAuthenticated,
		AccountID:   account.ID,
		Tokens:      pair,
		Session:     sess,
		Device:      decision,
		Permissions: Permissions(*account),
	}, nil
}

func (e *Engine) rehash(ctx context.Context, accountID, plaintext string) error {
	hash, err := e.passwords.Hash(plaintext)
	if err != nil {
		return err
	}
	return e.store.UpdatePasswordHash(ctx, accountID, hash)
}

// loadAccount returns ErrNotFound unchanged and wraps every other failure.
func (e *Engine) loadAccount(ctx context.Context, accountID string) (*Account, error) {
	if e == nil || e.store == nil {
		return nil, ErrEngineNotReady
	}
	account, err := e.store.GetAccountByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, e.storeFailure("load account", err)
	}
	return account, nil
}

// rateCheck records one attempt in scope and maps an exhausted budget to
// ErrRateLimited.
func (e *Engine) rateCheck(ctx context.Context, scope, identifier string) error {
	exceeded, err := e.limiter.Check(ctx, scope, identifier, ClientIPFromContext(ctx))
	if err != nil {
		e.logger.Warn("rate check failed", zap.String("scope", scope), zap.Error(err))
	}
	if exceeded {
		e.metricInc(MetricRateLimitHit)
		return ErrRateLimited
	}
	return nil
}

type nopNotifier struct{}

func (nopNotifier) SendOneTimeCode(context.Context, *Account, string, string) error { return nil }
func (nopNotifier) SendPasswordReset(context.Context, *Account, string) error       { return nil }
func (nopNotifier) SendEmailVerification(context.Context, *Account, string) error   { return nil }
func (nopNotifier) NewDeviceLogin(context.Context, *Account, string, string) error  { return nil }
