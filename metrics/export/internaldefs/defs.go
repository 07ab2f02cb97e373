package internaldefs

import (
	"github.com/MrEthical07/finauth"
)

// CounterDef maps one engine counter to its exported name.
type CounterDef struct {
	ID   finauth.MetricID
	Name string
	Help string
}

// HistogramDef maps one engine histogram to its exported name.
type HistogramDef struct {
	ID   finauth.MetricID
	Name string
	Help string
}

// CounterDefs lists every exported counter. Names are shared by all exporters.
var CounterDefs = []CounterDef{
	{ID: finauth.MetricLoginSuccess, Name: "finauth_login_success_total", Help: "Successful authentications."},
	{ID: finauth.MetricLoginFailure, Name: "finauth_login_failure_total", Help: "Failed authentications."},
	{ID: finauth.MetricLoginRateLimited, Name: "finauth_login_rate_limited_total", Help: "Rate-limited authentication attempts."},
	{ID: finauth.MetricMfaRequired, Name: "finauth_mfa_required_total", Help: "Logins that returned an MFA challenge."},
	{ID: finauth.MetricMfaSuccess, Name: "finauth_mfa_success_total", Help: "Successful MFA verifications."},
	{ID: finauth.MetricMfaFailure, Name: "finauth_mfa_failure_total", Help: "Failed MFA verifications."},
	{ID: finauth.MetricMfaReplayAttempt, Name: "finauth_mfa_replay_attempt_total", Help: "Rejected reuse of a TOTP step."},
	{ID: finauth.MetricBackupCodeUsed, Name: "finauth_backup_code_used_total", Help: "Backup codes consumed."},
	{ID: finauth.MetricBackupCodeRegenerated, Name: "finauth_backup_code_regenerated_total", Help: "Backup code regenerations."},
	{ID: finauth.MetricOneTimeCodeSent, Name: "finauth_one_time_code_sent_total", Help: "SMS or email codes delivered."},
	{ID: finauth.MetricDeviceTrusted, Name: "finauth_device_trusted_total", Help: "Device evaluations that returned trusted."},
	{ID: finauth.MetricDeviceUntrusted, Name: "finauth_device_untrusted_total", Help: "Device evaluations that returned untrusted."},
	{ID: finauth.MetricDeviceBlocked, Name: "finauth_device_blocked_total", Help: "Logins blocked by device trust enforcement."},
	{ID: finauth.MetricDeviceEvaluationFailed, Name: "finauth_device_evaluation_failed_total", Help: "Device evaluations that failed closed."},
	{ID: finauth.MetricTokenIssued, Name: "finauth_token_issued_total", Help: "Access and refresh tokens issued."},
	{ID: finauth.MetricTokenVerified, Name: "finauth_token_verified_total", Help: "Tokens accepted by verification."},
	{ID: finauth.MetricTokenExpired, Name: "finauth_token_expired_total", Help: "Tokens rejected as expired."},
	{ID: finauth.MetricTokenMalformed, Name: "finauth_token_malformed_total", Help: "Tokens rejected as malformed."},
	{ID: finauth.MetricTokenRevokedRejected, Name: "finauth_token_revoked_rejected_total", Help: "Tokens rejected as revoked."},
	{ID: finauth.MetricTokenRevoked, Name: "finauth_token_revoked_total", Help: "Revocation operations."},
	{ID: finauth.MetricRevocationCacheFallback, Name: "finauth_revocation_cache_fallback_total", Help: "Verifications that fell through to the durable store."},
	{ID: finauth.MetricRefreshSuccess, Name: "finauth_refresh_success_total", Help: "Successful refresh rotations."},
	{ID: finauth.MetricRefreshFailure, Name: "finauth_refresh_failure_total", Help: "Failed refresh rotations."},
	{ID: finauth.MetricSessionCreated, Name: "finauth_session_created_total", Help: "Created sessions."},
	{ID: finauth.MetricSessionInvalidated, Name: "finauth_session_invalidated_total", Help: "Sessions terminated in bulk."},
	{ID: finauth.MetricPasswordRehashed, Name: "finauth_password_rehashed_total", Help: "Stored hashes upgraded on login."},
	{ID: finauth.MetricPasswordResetRequest, Name: "finauth_password_reset_request_total", Help: "Password reset requests."},
	{ID: finauth.MetricPasswordResetSuccess, Name: "finauth_password_reset_success_total", Help: "Completed password resets."},
	{ID: finauth.MetricPasswordResetFailure, Name: "finauth_password_reset_failure_total", Help: "Rejected password reset confirmations."},
	{ID: finauth.MetricEmailVerificationRequest, Name: "finauth_email_verification_request_total", Help: "Email verification requests."},
	{ID: finauth.MetricEmailVerificationSuccess, Name: "finauth_email_verification_success_total", Help: "Successful email verifications."},
	{ID: finauth.MetricEmailVerificationFailure, Name: "finauth_email_verification_failure_total", Help: "Failed email verifications."},
	{ID: finauth.MetricRateLimitHit, Name: "finauth_rate_limit_hit_total", Help: "Rate-limit checks that denied requests."},
	{ID: finauth.MetricRateLimitFallback, Name: "finauth_rate_limit_fallback_total", Help: "Transitions to the process-local limiter."},
}

// HistogramDefs lists exported latency histograms.
var HistogramDefs = []HistogramDef{
	{ID: finauth.MetricVerifyLatency, Name: "finauth_verify_latency_seconds", Help: "Token verification latency."},
}

// HistogramBounds are the upper bounds of the engine buckets, in seconds.
var HistogramBounds = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5}

// AuditDroppedName is the counter for events lost to dispatcher backpressure.
const AuditDroppedName = "finauth_audit_dropped_total"

// NormalizeBuckets pads or truncates raw to the fixed bucket count.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets converts per-bucket counts into running totals.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
