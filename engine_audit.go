package finauth

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	eventLoginSuccess             = "login_success"
	eventLoginFailure             = "login_failure"
	eventLoginRateLimited         = "login_rate_limited"
	eventLoginBlockedDevice       = "login_blocked_untrusted_device"
	eventMfaRequired              = "mfa_required"
	eventMfaSuccess               = "mfa_success"
	eventMfaFailure               = "mfa_failure"
	eventMfaAttemptsExceeded      = "mfa_attempts_exceeded"
	eventMfaReplayDetected        = "mfa_replay_detected"
	eventMfaSetupRequested        = "mfa_setup_requested"
	eventMfaSetupFailure          = "mfa_setup_failure"
	eventMfaEnabled               = "mfa_enabled"
	eventMfaDisabled              = "mfa_disabled"
	eventBackupCodeUsed           = "backup_code_used"
	eventBackupCodesRegenerated   = "backup_codes_regenerated"
	eventOneTimeCodeSent          = "one_time_code_sent"
	eventDeviceUntrusted          = "device_untrusted"
	eventDeviceEvaluationFailed   = "device_evaluation_failed"
	eventDeviceTrustAdded         = "device_trust_added"
	eventDeviceTrustRemoved       = "device_trust_removed"
	eventNewDeviceLogin           = "new_device_login"
	eventTokenRevoked             = "token_revoked"
	eventTokensRevokedAll         = "tokens_revoked_all"
	eventRefreshSuccess           = "refresh_success"
	eventRefreshFailure           = "refresh_failure"
	eventRefreshReuseDetected     = "refresh_reuse_detected"
	eventSessionsInvalidated      = "sessions_invalidated"
	eventSessionCreateFailed      = "session_create_failed"
	eventSessionInvalidateFailed  = "session_invalidate_failed"
	eventRevocationCacheStale     = "revocation_cache_stale"
	eventPasswordResetRequest     = "password_reset_request"
	eventPasswordResetSuccess     = "password_reset_success"
	eventPasswordResetFailure     = "password_reset_failure"
	eventEmailVerificationRequest = "email_verification_request"
	eventEmailVerified            = "email_verified"
	eventSigningDegraded          = "signing_degraded"
	eventRateLimitDegraded        = "rate_limit_degraded"
)

var eventSeverities = map[string]Severity{
	eventLoginSuccess:             SeverityLow,
	eventLoginFailure:             SeverityLow,
	eventLoginRateLimited:         SeverityMedium,
	eventLoginBlockedDevice:       SeverityMedium,
	eventMfaRequired:              SeverityLow,
	eventMfaSuccess:               SeverityLow,
	eventMfaFailure:               SeverityMedium,
	eventMfaAttemptsExceeded:      SeverityHigh,
	eventMfaReplayDetected:        SeverityHigh,
	eventMfaSetupRequested:        SeverityLow,
	eventMfaSetupFailure:          SeverityLow,
	eventMfaEnabled:               SeverityMedium,
	eventMfaDisabled:              SeverityHigh,
	eventBackupCodeUsed:           SeverityMedium,
	eventBackupCodesRegenerated:   SeverityMedium,
	eventOneTimeCodeSent:          SeverityLow,
	eventDeviceUntrusted:          SeverityMedium,
	eventDeviceEvaluationFailed:   SeverityMedium,
	eventDeviceTrustAdded:         SeverityLow,
	eventDeviceTrustRemoved:       SeverityMedium,
	eventNewDeviceLogin:           SeverityMedium,
	eventTokenRevoked:             SeverityLow,
	eventTokensRevokedAll:         SeverityHigh,
	eventRefreshSuccess:           SeverityLow,
	eventRefreshFailure:           SeverityMedium,
	eventRefreshReuseDetected:     SeverityHigh,
	eventSessionsInvalidated:      SeverityMedium,
	eventSessionCreateFailed:      SeverityMedium,
	eventSessionInvalidateFailed:  SeverityHigh,
	eventRevocationCacheStale:     SeverityHigh,
	eventPasswordResetRequest:     SeverityLow,
	eventPasswordResetSuccess:     SeverityHigh,
	eventPasswordResetFailure:     SeverityMedium,
	eventEmailVerificationRequest: SeverityLow,
	eventEmailVerified:            SeverityLow,
	eventSigningDegraded:          SeverityCritical,
	eventRateLimitDegraded:        SeverityMedium,
}

func severityOf(eventType string) Severity {
	if s, ok := eventSeverities[eventType]; ok {
		return s
	}
	return SeverityLow
}

// RecordEvent appends a security event to the in-memory log and dispatches
// it to the durable store. High and critical events also reach the Monitor.
// An invalid severity is replaced by the default for eventType.
func (e *Engine) RecordEvent(ctx context.Context, eventType string, severity Severity, accountID string, detail map[string]string) {
	if e == nil || eventType == "" {
		return
	}
	if !severity.Valid() {
		severity = severityOf(eventType)
	}
	e.record(ctx, SecurityEvent{
		Type:      eventType,
		Severity:  severity,
		AccountID: accountID,
		Success:   true,
		Detail:    detail,
	})
}

// RecentEvents returns up to n of the newest events held in memory, newest
// first. The buffer is process-local.
func (e *Engine) RecentEvents(n int) []SecurityEvent {
	if e == nil || e.ring == nil {
		return nil
	}
	return e.ring.Recent(n)
}

func (e *Engine) emitEvent(ctx context.Context, eventType string, success bool, accountID string, err error, detail func() map[string]string) {
	e.emitEventWithSeverity(ctx, eventType, severityOf(eventType), success, accountID, err, detail)
}

func (e *Engine) emitEventWithSeverity(ctx context.Context, eventType string, severity Severity, success bool, accountID string, err error, detail func() map[string]string) {
	if e == nil {
		return
	}
	event := SecurityEvent{
		Type:      eventType,
		Severity:  severity,
		AccountID: accountID,
		Success:   success,
	}
	if err != nil {
		// Only the kind leaves the engine; backend text stays in the logs.
		event.Error = string(KindOf(err))
	}
	if detail != nil {
		event.Detail = detail()
	}
	e.record(ctx, event)
}

func (e *Engine) record(ctx context.Context, event SecurityEvent) {
	if ctx == nil {
		ctx = context.Background()
	}
	event.ID = uuid.NewString()
	event.Timestamp = e.now().UTC()
	if event.IP == "" {
		event.IP = ClientIPFromContext(ctx)
	}
	if event.UserAgent == "" {
		event.UserAgent = UserAgentFromContext(ctx)
	}

	if e.ring != nil {
		e.ring.Append(event)
	}
	if e.dispatcher != nil {
		e.dispatcher.Emit(ctx, event)
	}
}

const sinkTimeout = 2 * time.Second

func (e *Engine) storeSink(ctx context.Context, event SecurityEvent) {
	ctx, cancel := context.WithTimeout(ctx, sinkTimeout)
	defer cancel()

	if err := e.store.SaveSecurityEvent(ctx, &event); err != nil {
		e.logger.Warn("persist security event failed",
			zap.String("event_id", event.ID),
			zap.String("type", event.Type),
			zap.Error(err),
		)
	}
}

func (e *Engine) monitorSink(ctx context.Context, event SecurityEvent) {
	ctx, cancel := context.WithTimeout(ctx, sinkTimeout)
	defer cancel()

	if err := e.monitor.Publish(ctx, event); err != nil {
		e.logger.Warn("publish security event failed",
			zap.String("event_id", event.ID),
			zap.String("type", event.Type),
			zap.String("severity", string(event.Severity)),
			zap.Error(err),
		)
	}
}
