package finauth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MrEthical07/finauth/internal"
	"github.com/MrEthical07/finauth/internal/stores"
	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"
)

const (
	totpPeriod     = 30
	totpSecretSize = 20

	backupCodeLength = 8

	methodTOTP       = "totp"
	methodBackupCode = "backup_code"
	methodOTPPrefix  = "otp_"

	ChannelSMS   = "sms"
	ChannelEmail = "email"
)

var oneTimeCodeChannels = []string{ChannelSMS, ChannelEmail}

func totpOpts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    totpPeriod,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}
}

// SetupMfa creates a pending TOTP secret and a fresh set of backup codes.
// The account keeps logging in without MFA until VerifyMfaSetup confirms a
// code from the new secret. Backup codes are returned only here.
func (e *Engine) SetupMfa(ctx context.Context, accountID string) (*MfaSetup, error) {
	account, err := e.loadAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !account.Active {
		return nil, ErrAccountInactive
	}
	if account.MFAEnabled {
		return nil, ErrMfaAlreadyEnabled
	}

	label := account.Email
	if label == "" {
		label = account.ID
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      e.config.MFA.Issuer,
		AccountName: label,
		Period:      totpPeriod,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
		SecretSize:  totpSecretSize,
	})
	if err != nil {
		return nil, fmt.Errorf("generate totp secret: %w", err)
	}

	codes, hashes, err := e.newBackupCodes()
	if err != nil {
		return nil, err
	}

	secret := &MFASecret{
		ID:               uuid.NewString(),
		AccountID:        account.ID,
		Secret:           key.Secret(),
		BackupCodeHashes: hashes,
		CreatedAt:        e.now().UTC(),
	}
	if err := e.store.CreateMFASecret(ctx, secret); err != nil {
		return nil, e.storeFailure("create mfa secret", err)
	}

	e.emitEvent(ctx, eventMfaSetupRequested, true, account.ID, nil, nil)
	return &MfaSetup{
		Secret:          secret.Secret,
		ProvisioningURI: key.URL(),
		BackupCodes:     codes,
	}, nil
}

// VerifyMfaSetup confirms the latest pending secret with a TOTP code. On
// success the secret becomes the only active one and MFA is enabled. A
// wrong code changes nothing.
func (e *Engine) VerifyMfaSetup(ctx context.Context, accountID, code string) (bool, error) {
	account, err := e.loadAccount(ctx, accountID)
	if err != nil {
		return false, err
	}
	if err := e.rateCheck(ctx, scopeMFA, account.ID); err != nil {
		return false, err
	}

	pending, err := e.store.LatestPendingMFASecret(ctx, account.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			e.emitEvent(ctx, eventMfaSetupFailure, false, account.ID, nil, func() map[string]string {
				return map[string]string{"reason": "no_pending_secret"}
			})
			return false, nil
		}
		return false, e.storeFailure("load pending mfa secret", err)
	}

	ok, err := e.verifyTOTP(ctx, pending, code)
	if err != nil {
		return false, err
	}
	if !ok {
		e.metricInc(MetricMfaFailure)
		e.emitEvent(ctx, eventMfaSetupFailure, false, account.ID, ErrInvalidMfaCode, nil)
		return false, nil
	}

	if err := e.store.ActivateMFASecret(ctx, account.ID, pending.ID); err != nil {
		return false, e.storeFailure("activate mfa secret", err)
	}
	if err := e.store.SetMFAEnabled(ctx, account.ID, true); err != nil {
		return false, e.storeFailure("enable mfa", err)
	}
	e.resetRate(ctx, scopeMFA, account.ID)

	e.metricInc(MetricMfaSuccess)
	e.emitEvent(ctx, eventMfaEnabled, true, account.ID, nil, nil)
	return true, nil
}

// VerifyMfa checks a TOTP or backup code against the active secret. A TOTP
// step accepted once is refused for the rest of the drift window, and a
// backup code works exactly once.
func (e *Engine) VerifyMfa(ctx context.Context, accountID, code string) (bool, error) {
	if err := e.rateCheck(ctx, scopeMFA, accountID); err != nil {
		return false, err
	}

	method, _, err := e.checkSecondFactor(ctx, accountID, code, false)
	if err != nil {
		if errors.Is(err, ErrInvalidMfaCode) {
			e.metricInc(MetricMfaFailure)
			e.emitEvent(ctx, eventMfaFailure, false, accountID, err, func() map[string]string {
				return map[string]string{"stage": "verify"}
			})
			return false, nil
		}
		return false, err
	}

	e.resetRate(ctx, scopeMFA, accountID)
	e.metricInc(MetricMfaSuccess)
	e.emitEvent(ctx, eventMfaSuccess, true, accountID, nil, func() map[string]string {
		return map[string]string{"method": method, "stage": "verify"}
	})
	return true, nil
}

// DisableMfa turns MFA off after re-checking the account password. A wrong
// password returns false and changes nothing.
func (e *Engine) DisableMfa(ctx context.Context, accountID, password string) (bool, error) {
	account, err := e.loadAccount(ctx, accountID)
	if err != nil {
		return false, err
	}
	if !account.MFAEnabled {
		return false, ErrMfaNotEnabled
	}
	if err := e.rateCheck(ctx, scopeMFA, account.ID); err != nil {
		return false, err
	}

	if !e.passwords.Verify(password, account.PasswordHash) {
		e.metricInc(MetricMfaFailure)
		e.emitEvent(ctx, eventMfaFailure, false, account.ID, ErrInvalidCredentials, func() map[string]string {
			return map[string]string{"stage": "disable"}
		})
		return false, nil
	}

	if err := e.store.DeactivateMFASecrets(ctx, account.ID); err != nil {
		return false, e.storeFailure("deactivate mfa secrets", err)
	}
	if err := e.store.SetMFAEnabled(ctx, account.ID, false); err != nil {
		return false, e.storeFailure("disable mfa", err)
	}
	e.resetRate(ctx, scopeMFA, account.ID)

	e.emitEvent(ctx, eventMfaDisabled, true, account.ID, nil, nil)
	return true, nil
}

// RegenerateBackupCodes replaces every backup code of the active secret.
// It requires a current TOTP code so a leaked backup code cannot be used to
// mint more.
func (e *Engine) RegenerateBackupCodes(ctx context.Context, accountID, totpCode string) ([]string, error) {
	if err := e.rateCheck(ctx, scopeMFA, accountID); err != nil {
		return nil, err
	}
	secret, err := e.activeSecret(ctx, accountID)
	if err != nil {
		return nil, err
	}

	ok, err := e.verifyTOTP(ctx, secret, totpCode)
	if err != nil {
		return nil, err
	}
	if !ok {
		e.metricInc(MetricMfaFailure)
		e.emitEvent(ctx, eventMfaFailure, false, accountID, ErrInvalidMfaCode, func() map[string]string {
			return map[string]string{"stage": "regenerate_backup_codes"}
		})
		return nil, ErrInvalidMfaCode
	}

	codes, hashes, err := e.newBackupCodes()
	if err != nil {
		return nil, err
	}
	if err := e.store.ReplaceBackupCodes(ctx, secret.ID, hashes); err != nil {
		return nil, e.storeFailure("replace backup codes", err)
	}

	e.metricInc(MetricBackupCodeRegenerated)
	e.emitEvent(ctx, eventBackupCodesRegenerated, true, accountID, nil, nil)
	return codes, nil
}

// SendOneTimeCode delivers a single-use numeric code over channel ("sms"
// or "email"). A new code replaces any unused earlier one.
func (e *Engine) SendOneTimeCode(ctx context.Context, accountID, channel string) error {
	if !validChannel(channel) {
		return ErrUnsupportedChannel
	}
	if err := e.rateCheck(ctx, scopeOTP, accountID); err != nil {
		return err
	}
	account, err := e.loadAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if !account.Active {
		return ErrAccountInactive
	}

	code, err := internal.NewOTP(e.config.MFA.OneTimeCodeDigits)
	if err != nil {
		return err
	}
	if err := e.codes.Put(ctx, otpPurpose(channel), account.ID, code, e.config.MFA.OneTimeCodeTTL); err != nil {
		return e.storeFailure("store one-time code", err)
	}
	if err := e.notifier.SendOneTimeCode(ctx, account, channel, code); err != nil {
		e.logger.Warn("one-time code delivery failed", zap.String("account_id", account.ID), zap.String("channel", channel), zap.Error(err))
		return fmt.Errorf("deliver one-time code: %w", err)
	}

	e.metricInc(MetricOneTimeCodeSent)
	e.emitEvent(ctx, eventOneTimeCodeSent, true, account.ID, nil, func() map[string]string {
		return map[string]string{"channel": channel}
	})
	return nil
}

// VerifyOneTimeCode consumes a code sent with SendOneTimeCode. A correct
// code verifies exactly once; a wrong guess leaves the stored code usable.
func (e *Engine) VerifyOneTimeCode(ctx context.Context, accountID, channel, code string) (bool, error) {
	if !validChannel(channel) {
		return false, ErrUnsupportedChannel
	}
	if err := e.rateCheck(ctx, scopeMFA, accountID); err != nil {
		return false, err
	}

	code = strings.TrimSpace(code)
	if code == "" {
		return false, nil
	}
	ok, err := e.codes.Consume(ctx, otpPurpose(channel), accountID, code)
	if err != nil {
		return false, e.storeFailure("consume one-time code", err)
	}
	if !ok {
		e.metricInc(MetricMfaFailure)
		e.emitEvent(ctx, eventMfaFailure, false, accountID, ErrInvalidMfaCode, func() map[string]string {
			return map[string]string{"stage": "one_time_code", "channel": channel}
		})
		return false, nil
	}
	e.resetRate(ctx, scopeMFA, accountID)
	e.metricInc(MetricMfaSuccess)
	return true, nil
}

// checkSecondFactor accepts a TOTP code, a backup code or, with allowOTP, a
// one-time code. It returns ErrInvalidMfaCode for every rejected code and
// the name of the method that matched otherwise.
func (e *Engine) checkSecondFactor(ctx context.Context, accountID, code string, allowOTP bool) (string, *MFASecret, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return "", nil, ErrInvalidMfaCode
	}

	secret, err := e.store.ActiveMFASecret(ctx, accountID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return "", nil, e.storeFailure("load mfa secret", err)
		}
		if !allowOTP {
			return "", nil, ErrMfaNotEnabled
		}
		secret = nil
	}

	if isDigits(code) {
		if secret != nil && len(code) == int(otp.DigitsSix) {
			ok, err := e.verifyTOTP(ctx, secret, code)
			if err != nil {
				return "", nil, err
			}
			if ok {
				e.recordMFAUse(ctx, secret)
				return methodTOTP, secret, nil
			}
		}
		if allowOTP {
			for _, channel := range oneTimeCodeChannels {
				ok, err := e.codes.Consume(ctx, otpPurpose(channel), accountID, code)
				if err != nil {
					return "", nil, e.storeFailure("consume one-time code", err)
				}
				if ok {
					return methodOTPPrefix + channel, secret, nil
				}
			}
		}
		// Backup codes typed without the dash can be all digits.
		if len(code) != backupCodeLength {
			return "", nil, ErrInvalidMfaCode
		}
	}

	if secret == nil {
		return "", nil, ErrInvalidMfaCode
	}
	hash := stores.Digest(internal.NormalizeBackupCode(code))
	ok, err := e.store.ConsumeBackupCode(ctx, secret.ID, hash)
	if err != nil {
		return "", nil, e.storeFailure("consume backup code", err)
	}
	if !ok {
		return "", nil, ErrInvalidMfaCode
	}
	e.recordMFAUse(ctx, secret)
	e.metricInc(MetricBackupCodeUsed)
	e.emitEvent(ctx, eventBackupCodeUsed, true, accountID, nil, nil)
	return methodBackupCode, secret, nil
}

// verifyTOTP matches code within the drift window and claims the matched
// step so the same code cannot be accepted twice.
func (e *Engine) verifyTOTP(ctx context.Context, secret *MFASecret, code string) (bool, error) {
	counter, ok := e.matchTOTP(secret.Secret, strings.TrimSpace(code))
	if !ok {
		return false, nil
	}

	drift := int64(e.config.MFA.DriftSteps)
	ttl := time.Duration(2*drift+1) * totpPeriod * time.Second
	claimed, err := e.codes.Claim(ctx, "totp", secret.AccountID+":"+strconv.FormatInt(counter, 10), ttl)
	if err != nil {
		return false, e.storeFailure("claim totp step", err)
	}
	if !claimed {
		e.metricInc(MetricMfaReplayAttempt)
		e.emitEvent(ctx, eventMfaReplayDetected, false, secret.AccountID, ErrInvalidMfaCode, nil)
		return false, nil
	}
	return true, nil
}

// matchTOTP returns the step counter the code belongs to. Every step in the
// window is compared so timing does not depend on which step matched.
func (e *Engine) matchTOTP(secret, code string) (int64, bool) {
	if len(code) != int(otp.DigitsSix) || !isDigits(code) {
		return 0, false
	}

	now := e.now()
	drift := int(e.config.MFA.DriftSteps)
	var matched int64
	found := false
	for offset := -drift; offset <= drift; offset++ {
		at := now.Add(time.Duration(offset) * totpPeriod * time.Second)
		expected, err := totp.GenerateCodeCustom(secret, at, totpOpts())
		if err != nil {
			return 0, false
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1 && !found {
			matched = at.Unix() / totpPeriod
			found = true
		}
	}
	return matched, found
}

func (e *Engine) activeSecret(ctx context.Context, accountID string) (*MFASecret, error) {
	secret, err := e.store.ActiveMFASecret(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrMfaNotEnabled
		}
		return nil, e.storeFailure("load mfa secret", err)
	}
	return secret, nil
}

func (e *Engine) recordMFAUse(ctx context.Context, secret *MFASecret) {
	if err := e.store.RecordMFAUse(ctx, secret.ID, e.now().UTC()); err != nil {
		e.logger.Warn("record mfa use failed", zap.String("account_id", secret.AccountID), zap.Error(err))
	}
}

func (e *Engine) newBackupCodes() ([]string, []string, error) {
	n := e.config.MFA.BackupCodeCount
	codes := make([]string, 0, n)
	hashes := make([]string, 0, n)
	for i := 0; i < n; i++ {
		code, err := internal.NewBackupCode()
		if err != nil {
			return nil, nil, err
		}
		codes = append(codes, code)
		hashes = append(hashes, stores.Digest(internal.NormalizeBackupCode(code)))
	}
	return codes, hashes, nil
}

func (e *Engine) resetRate(ctx context.Context, scope, identifier string) {
	if err := e.limiter.Reset(ctx, scope, identifier, ClientIPFromContext(ctx)); err != nil {
		e.logger.Debug("rate limiter reset failed", zap.String("scope", scope), zap.Error(err))
	}
}

func otpPurpose(channel string) string {
	return "otp:" + channel
}

func validChannel(channel string) bool {
	return channel == ChannelSMS || channel == ChannelEmail
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
