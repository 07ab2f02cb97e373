package finauth

import (
	"context"
	"errors"
	"strings"

	"github.com/MrEthical07/finauth/internal"
	"github.com/MrEthical07/finauth/internal/stores"
	"go.uber.org/zap"
)

const purposeVerifyEmail = "verify"

// RequestEmailVerification emails a verification token valid for
// EmailVerification.TokenTTL. Already verified accounts get no email.
func (e *Engine) RequestEmailVerification(ctx context.Context, accountID string) error {
	account, err := e.loadAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if account.EmailVerified {
		return nil
	}
	if err := e.rateCheck(ctx, scopeReset, "verify:"+account.ID); err != nil {
		return err
	}

	token, err := internal.NewOpaqueToken()
	if err != nil {
		return err
	}
	if err := e.codes.PutToken(ctx, purposeVerifyEmail, token, account.ID, e.config.EmailVerification.TokenTTL); err != nil {
		return e.storeFailure("store verification token", err)
	}
	if err := e.notifier.SendEmailVerification(ctx, account, token); err != nil {
		e.logger.Warn("verification email delivery failed", zap.String("account_id", account.ID), zap.Error(err))
	}

	e.metricInc(MetricEmailVerificationRequest)
	e.emitEvent(ctx, eventEmailVerificationRequest, true, account.ID, nil, nil)
	return nil
}

// VerifyEmail consumes a verification token and marks the account's email
// verified. It returns the account id. A token works once.
func (e *Engine) VerifyEmail(ctx context.Context, token string) (string, error) {
	if e == nil || e.store == nil {
		return "", ErrEngineNotReady
	}
	token = strings.TrimSpace(token)
	if token == "" {
		e.metricInc(MetricEmailVerificationFailure)
		return "", ErrVerificationTokenInvalid
	}

	accountID, err := e.codes.TakeToken(ctx, purposeVerifyEmail, token)
	if err != nil {
		if errors.Is(err, stores.ErrCodeNotFound) {
			e.metricInc(MetricEmailVerificationFailure)
			return "", ErrVerificationTokenInvalid
		}
		return "", e.storeFailure("take verification token", err)
	}

	if err := e.store.SetEmailVerified(ctx, accountID); err != nil {
		if errors.Is(err, ErrNotFound) {
			e.metricInc(MetricEmailVerificationFailure)
			return "", ErrVerificationTokenInvalid
		}
		return "", e.storeFailure("set email verified", err)
	}

	e.metricInc(MetricEmailVerificationSuccess)
	e.emitEvent(ctx, eventEmailVerified, true, accountID, nil, nil)
	return accountID, nil
}
