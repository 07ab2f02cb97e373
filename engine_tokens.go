package finauth

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/MrEthical07/finauth/device"
	"github.com/MrEthical07/finauth/jwt"
	"go.uber.org/zap"
)

const (
	RevokeReasonLogout        = "logout"
	RevokeReasonRotated       = "rotated"
	RevokeReasonPasswordReset = "password_reset"
	RevokeReasonReuse         = "refresh_reuse"
	RevokeReasonAdmin         = "admin"
)

// VerifyToken validates an access token and its revocation state.
//
// Structural failures never touch a store: an expired token yields
// ErrTokenExpired and every other defect ErrTokenMalformed. The revocation
// cache is consulted under Revocation.CacheTimeout; a miss or a cache
// failure falls through to the durable store, where a revoked or unknown
// jti yields ErrTokenRevoked.
func (e *Engine) VerifyToken(ctx context.Context, token string) (*jwt.Claims, error) {
	if e == nil || e.tokens == nil {
		return nil, ErrEngineNotReady
	}
	if e.metrics.LatencyEnabled() {
		start := time.Now()
		defer func() { e.metrics.Observe(MetricVerifyLatency, time.Since(start)) }()
	}
	return e.verify(ctx, token, jwt.TypeAccess)
}

func (e *Engine) verify(ctx context.Context, token string, typ jwt.TokenType) (*jwt.Claims, error) {
	claims, err := e.tokens.Parse(token, typ)
	if err != nil {
		if errors.Is(err, jwt.ErrExpired) {
			e.metricInc(MetricTokenExpired)
			return nil, ErrTokenExpired
		}
		e.metricInc(MetricTokenMalformed)
		return nil, ErrTokenMalformed
	}

	if err := e.checkActive(ctx, claims); err != nil {
		if errors.Is(err, ErrTokenRevoked) {
			e.metricInc(MetricTokenRevokedRejected)
		}
		return nil, err
	}

	e.metricInc(MetricTokenVerified)
	return claims, nil
}

func (e *Engine) checkActive(ctx context.Context, claims *jwt.Claims) error {
	cacheCtx, cancel := context.WithTimeout(ctx, e.config.Revocation.CacheTimeout)
	active, cacheErr := e.revocations.IsActive(cacheCtx, claims.ID)
	cancel()

	if cacheErr == nil {
		if active {
			return nil
		}
		if e.config.Revocation.CacheAuthoritative {
			return ErrTokenRevoked
		}
	} else {
		e.metricInc(MetricRevocationCacheFallback)
		e.logger.Debug("revocation cache unavailable, using durable store", zap.Error(cacheErr))
	}

	record, err := e.store.GetTokenRecord(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrTokenRevoked
		}
		return e.storeFailure("load token record", err)
	}
	if record.Revoked || record.AccountID != claims.Subject {
		return ErrTokenRevoked
	}

	if cacheErr == nil {
		if err := e.revocations.MarkActive(ctx, claims.ID, claims.Subject, e.remaining(claims)); err != nil {
			e.logger.Debug("revocation cache rewarm failed", zap.Error(err))
		}
	}
	return nil
}

// RevokeToken revokes the jti of any correctly signed token, including an
// expired one. Revoking twice is not an error.
func (e *Engine) RevokeToken(ctx context.Context, token, reason string) error {
	if e == nil || e.tokens == nil {
		return ErrEngineNotReady
	}
	claims, err := e.tokens.ParseIgnoringExpiry(token)
	if err != nil {
		return ErrTokenMalformed
	}

	var expiresAt time.Time
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	return e.revoke(ctx, &RevocationRecord{
		JTI:       claims.ID,
		AccountID: claims.Subject,
		TokenType: string(claims.Type),
		ExpiresAt: expiresAt,
	}, reason)
}

// RevokeJTI revokes a token by id without holding the token itself.
func (e *Engine) RevokeJTI(ctx context.Context, jti, accountID, reason string) error {
	if e == nil || e.store == nil {
		return ErrEngineNotReady
	}
	if jti == "" {
		return ErrTokenMalformed
	}

	record, err := e.store.GetTokenRecord(ctx, jti)
	switch {
	case errors.Is(err, ErrNotFound):
		record = &RevocationRecord{
			JTI:       jti,
			AccountID: accountID,
			ExpiresAt: e.now().Add(e.tokens.TTL(jwt.TypeRefresh)).UTC(),
		}
	case err != nil:
		return e.storeFailure("load token record", err)
	}
	return e.revoke(ctx, record, reason)
}

// RevokeAllTokens revokes every unexpired token recorded for accountID and
// returns how many were revoked.
func (e *Engine) RevokeAllTokens(ctx context.Context, accountID, reason string) (int, error) {
	if e == nil || e.store == nil {
		return 0, ErrEngineNotReady
	}
	if reason == "" {
		reason = RevokeReasonAdmin
	}

	jtis, err := e.store.RevokeAccountTokens(ctx, accountID, reason, e.now().UTC())
	if err != nil {
		return 0, e.storeFailure("revoke account tokens", err)
	}

	var cacheErr error
	stale := 0
	for _, jti := range jtis {
		if err := e.revocations.Remove(ctx, jti); err != nil {
			stale++
			if cacheErr == nil {
				cacheErr = err
			}
		}
	}
	if cacheErr != nil {
		e.staleRevocationMarkers(ctx, accountID, stale, cacheErr)
	}

	e.emitEvent(ctx, eventTokensRevokedAll, true, accountID, nil, func() map[string]string {
		return map[string]string{"reason": reason}
	})
	for range jtis {
		e.metricInc(MetricTokenRevoked)
	}
	return len(jtis), nil
}

// Refresh rotates a refresh token: the presented token is revoked and a new
// pair is issued. Presenting an already rotated token revokes every token
// of the account. When fingerprint is given it must match the device the
// token was issued to.
func (e *Engine) Refresh(ctx context.Context, refreshToken string, fingerprint []byte) (*TokenPair, error) {
	if e == nil || e.tokens == nil {
		return nil, ErrEngineNotReady
	}

	fail := func(accountID string, err error) (*TokenPair, error) {
		e.metricInc(MetricRefreshFailure)
		e.emitEvent(ctx, eventRefreshFailure, false, accountID, err, nil)
		return nil, err
	}

	claims, err := e.verify(ctx, refreshToken, jwt.TypeRefresh)
	if err != nil {
		if errors.Is(err, ErrTokenRevoked) {
			e.checkRotatedReuse(ctx, refreshToken)
		}
		return fail("", err)
	}

	// Two concurrent refreshes of the same token both pass verification;
	// only the first claim wins.
	first, err := e.codes.Claim(ctx, "rotate", claims.ID, e.remaining(claims))
	if err != nil {
		return nil, e.storeFailure("claim refresh rotation", err)
	}
	if !first {
		e.refreshReuse(ctx, claims.Subject)
		return fail(claims.Subject, ErrTokenRevoked)
	}

	account, err := e.store.GetAccountByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fail(claims.Subject, ErrTokenRevoked)
		}
		return nil, e.storeFailure("load account", err)
	}
	if !account.Active {
		return fail(account.ID, ErrAccountInactive)
	}
	if len(fingerprint) > 0 && claims.DeviceHash != "" &&
		device.Hash(e.config.Token.DeviceHashSalt, fingerprint) != claims.DeviceHash {
		return fail(account.ID, ErrUntrustedDeviceBlocked)
	}

	if err := e.revoke(ctx, &RevocationRecord{
		JTI:       claims.ID,
		AccountID: claims.Subject,
		TokenType: TokenTypeRefresh,
		ExpiresAt: claims.ExpiresAt.Time,
	}, RevokeReasonRotated); err != nil {
		return nil, err
	}

	pair, err := e.issuePair(ctx, account, claims.DeviceHash)
	if err != nil {
		return nil, err
	}
	e.metricInc(MetricRefreshSuccess)
	e.emitEvent(ctx, eventRefreshSuccess, true, account.ID, nil, nil)
	return pair, nil
}

// checkRotatedReuse treats a revoked refresh token whose record says it was
// rotated as stolen: the legitimate holder already has its successor.
func (e *Engine) checkRotatedReuse(ctx context.Context, refreshToken string) {
	claims, err := e.tokens.Parse(refreshToken, jwt.TypeRefresh)
	if err != nil {
		return
	}
	record, err := e.store.GetTokenRecord(ctx, claims.ID)
	if err != nil || !record.Revoked || record.Reason != RevokeReasonRotated {
		return
	}
	e.refreshReuse(ctx, claims.Subject)
}

func (e *Engine) refreshReuse(ctx context.Context, accountID string) {
	e.emitEvent(ctx, eventRefreshReuseDetected, false, accountID, ErrTokenRevoked, nil)
	if _, err := e.RevokeAllTokens(ctx, accountID, RevokeReasonReuse); err != nil {
		e.logger.Error("revoke after refresh reuse failed", zap.String("account_id", accountID), zap.Error(err))
	}
}

// revoke writes the durable record before dropping the cache marker, so a
// crash between the two leaves the token rejected once the marker expires.
func (e *Engine) revoke(ctx context.Context, record *RevocationRecord, reason string) error {
	if reason == "" {
		reason = RevokeReasonLogout
	}
	now := e.now().UTC()
	record.Revoked = true
	record.Reason = reason
	record.RevokedAt = &now
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}

	if err := e.store.RevokeTokenRecord(ctx, record); err != nil {
		return e.storeFailure("revoke token record", err)
	}
	if err := e.revocations.Remove(ctx, record.JTI); err != nil {
		e.staleRevocationMarkers(ctx, record.AccountID, 1, err)
	}

	e.metricInc(MetricTokenRevoked)
	e.emitEvent(ctx, eventTokenRevoked, true, record.AccountID, nil, func() map[string]string {
		return map[string]string{"jti": record.JTI, "reason": reason, "token_type": record.TokenType}
	})
	return nil
}

// staleRevocationMarkers reports active markers that outlived a durable
// revocation. They pass the fast path until they expire with the token, so
// the event goes to the monitor rather than failing a revocation that is
// already durable.
func (e *Engine) staleRevocationMarkers(ctx context.Context, accountID string, count int, err error) {
	e.logger.Warn("revocation marker removal failed",
		zap.String("account_id", accountID),
		zap.Int("markers", count),
		zap.Error(err),
	)
	e.emitEvent(ctx, eventRevocationCacheStale, false, accountID, nil, func() map[string]string {
		return map[string]string{"markers": strconv.Itoa(count)}
	})
}

// issuePair signs an access/refresh pair. The refresh record must reach the
// durable store; the access record is best-effort as long as either the
// durable write or the cache marker lands.
func (e *Engine) issuePair(ctx context.Context, account *Account, deviceHash string) (*TokenPair, error) {
	access, accessClaims, err := e.tokens.Issue(jwt.TypeAccess, account.ID, jwt.Extra{
		Email:        account.Email,
		Permissions:  Permissions(*account),
		Role:         roleOf(account),
		Organization: orgOf(account),
		DeviceHash:   deviceHash,
	})
	if err != nil {
		return nil, err
	}
	refresh, refreshClaims, err := e.tokens.Issue(jwt.TypeRefresh, account.ID, jwt.Extra{DeviceHash: deviceHash})
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	if err := e.store.SaveTokenRecord(ctx, &RevocationRecord{
		JTI:       refreshClaims.ID,
		AccountID: account.ID,
		TokenType: TokenTypeRefresh,
		ExpiresAt: refreshClaims.ExpiresAt.Time,
		CreatedAt: now,
	}); err != nil {
		return nil, e.storeFailure("save refresh token record", err)
	}
	if err := e.revocations.MarkActive(ctx, refreshClaims.ID, account.ID, e.tokens.TTL(jwt.TypeRefresh)); err != nil {
		e.logger.Warn("refresh token cache marker failed", zap.String("account_id", account.ID), zap.Error(err))
	}

	durableErr := e.store.SaveTokenRecord(ctx, &RevocationRecord{
		JTI:       accessClaims.ID,
		AccountID: account.ID,
		TokenType: TokenTypeAccess,
		ExpiresAt: accessClaims.ExpiresAt.Time,
		CreatedAt: now,
	})
	cacheErr := e.revocations.MarkActive(ctx, accessClaims.ID, account.ID, e.tokens.TTL(jwt.TypeAccess))
	switch {
	case durableErr != nil && cacheErr != nil:
		return nil, e.storeFailure("record access token", durableErr)
	case durableErr != nil:
		e.logger.Warn("access token record failed", zap.String("account_id", account.ID), zap.Error(durableErr))
	case cacheErr != nil:
		e.logger.Warn("access token cache marker failed", zap.String("account_id", account.ID), zap.Error(cacheErr))
	}

	e.metricInc(MetricTokenIssued)
	e.metricInc(MetricTokenIssued)
	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		TokenType:        "Bearer",
		AccessExpiresAt:  accessClaims.ExpiresAt.Time,
		RefreshExpiresAt: refreshClaims.ExpiresAt.Time,
	}, nil
}

func (e *Engine) remaining(claims *jwt.Claims) time.Duration {
	if claims.ExpiresAt == nil {
		return 0
	}
	return claims.ExpiresAt.Time.Sub(e.now())
}
