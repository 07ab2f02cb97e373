package finauth

import (
	"context"
	"errors"
	"strings"

	"github.com/MrEthical07/finauth/internal"
	"github.com/MrEthical07/finauth/internal/stores"
	"github.com/MrEthical07/finauth/password"
	"github.com/MrEthical07/finauth/session"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// InitiatePasswordReset emails a single-use reset token. The result never
// reveals whether email belongs to an account: unknown and inactive
// accounts return nil just like known ones.
func (e *Engine) InitiatePasswordReset(ctx context.Context, email string) error {
	if e == nil || e.store == nil {
		return ErrEngineNotReady
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil
	}
	if err := e.rateCheck(ctx, scopeReset, email); err != nil {
		return err
	}
	e.metricInc(MetricPasswordResetRequest)

	account, err := e.store.GetAccountByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			e.emitEvent(ctx, eventPasswordResetRequest, false, "", nil, func() map[string]string {
				return map[string]string{"reason": "unknown_account"}
			})
			return nil
		}
		return e.storeFailure("lookup account", err)
	}
	if !account.Active {
		e.emitEvent(ctx, eventPasswordResetRequest, false, account.ID, nil, func() map[string]string {
			return map[string]string{"reason": "account_inactive"}
		})
		return nil
	}

	token, err := internal.NewOpaqueToken()
	if err != nil {
		return err
	}
	now := e.now().UTC()
	if err := e.store.CreatePasswordReset(ctx, &PasswordResetToken{
		ID:        uuid.NewString(),
		AccountID: account.ID,
		TokenHash: stores.Digest(token),
		ExpiresAt: now.Add(e.config.PasswordReset.TokenTTL),
		CreatedAt: now,
	}); err != nil {
		return e.storeFailure("create password reset", err)
	}

	if err := e.notifier.SendPasswordReset(ctx, account, token); err != nil {
		// Reported only in logs so delivery failures do not leak existence.
		e.logger.Warn("password reset delivery failed", zap.String("account_id", account.ID), zap.Error(err))
	}

	e.emitEvent(ctx, eventPasswordResetRequest, true, account.ID, nil, nil)
	return nil
}

// ResetPassword consumes a reset token and replaces the password. Every
// issued token is revoked and every session of the account ended; a failure
// to end the sessions is logged and recorded but does not fail the reset.
func (e *Engine) ResetPassword(ctx context.Context, token, newPassword string) error {
	if e == nil || e.store == nil {
		return ErrEngineNotReady
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrResetTokenInvalid
	}

	fail := func(accountID string, err error) error {
		e.metricInc(MetricPasswordResetFailure)
		e.emitEvent(ctx, eventPasswordResetFailure, false, accountID, err, nil)
		return err
	}

	// Policy is checked before the token is burned.
	hash, err := e.passwords.Hash(newPassword)
	if err != nil {
		if errors.Is(err, password.ErrPolicy) {
			return fail("", ErrPasswordPolicy)
		}
		return err
	}

	now := e.now().UTC()
	record, err := e.store.ConsumePasswordReset(ctx, stores.Digest(token), now)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fail("", ErrResetTokenInvalid)
		}
		return e.storeFailure("consume password reset", err)
	}
	if !now.Before(record.ExpiresAt) {
		return fail(record.AccountID, ErrResetTokenInvalid)
	}

	account, err := e.loadAccount(ctx, record.AccountID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fail(record.AccountID, ErrResetTokenInvalid)
		}
		return err
	}
	if !account.Active {
		return fail(account.ID, ErrAccountInactive)
	}

	if err := e.store.UpdatePasswordHash(ctx, account.ID, hash); err != nil {
		return e.storeFailure("update password hash", err)
	}
	// Token revocation must succeed; session invalidation is only reported.
	if _, err := e.RevokeAllTokens(ctx, account.ID, RevokeReasonPasswordReset); err != nil {
		return err
	}
	if _, err := e.InvalidateAllSessions(ctx, account.ID, session.ReasonPasswordReset); err != nil {
		e.logger.Warn("session invalidation after password reset failed", zap.String("account_id", account.ID), zap.Error(err))
		e.emitEvent(ctx, eventSessionInvalidateFailed, false, account.ID, err, func() map[string]string {
			return map[string]string{"reason": session.ReasonPasswordReset}
		})
	}
	if err := e.limiter.Reset(ctx, scopeLogin, strings.ToLower(account.Email), ClientIPFromContext(ctx)); err != nil {
		e.logger.Debug("login limiter reset failed", zap.Error(err))
	}

	e.metricInc(MetricPasswordResetSuccess)
	e.emitEvent(ctx, eventPasswordResetSuccess, true, account.ID, nil, nil)
	return nil
}
