package security

import "time"

// Recommended floors. Values below them produce a warning, not an error;
// Config.Validate already rejects what is unsafe.
const (
	recommendedArgon2MemoryKB = 64 * 1024
	recommendedArgon2Time     = 3
	maxRecommendedAccessTTL   = 15 * time.Minute
)

type PasswordReport struct {
	Memory      uint32 `json:"memory_kb"`
	Time        uint32 `json:"iterations"`
	Parallelism uint8  `json:"parallelism"`
	SaltLength  uint32 `json:"salt_length"`
	KeyLength   uint32 `json:"key_length"`
}

type Report struct {
	SigningAlgorithm         string         `json:"signing_algorithm"`
	AsymmetricSigning        bool           `json:"asymmetric_signing"`
	AccessTTL                time.Duration  `json:"access_ttl"`
	RefreshTTL               time.Duration  `json:"refresh_ttl"`
	Argon2                   PasswordReport `json:"argon2"`
	TimingJitter             bool           `json:"timing_jitter"`
	TOTPDriftSteps           uint           `json:"totp_drift_steps"`
	BackupCodesEnabled       bool           `json:"backup_codes_enabled"`
	DeviceModelLoaded        bool           `json:"device_model_loaded"`
	DeviceThreshold          float64        `json:"device_threshold"`
	DeviceFailOpen           bool           `json:"device_fail_open"`
	RateLimitingActive       bool           `json:"rate_limiting_active"`
	RateLimiterDegraded      bool           `json:"rate_limiter_degraded"`
	RevocationCacheIsDurable bool           `json:"revocation_cache_authoritative"`
	Warnings                 []string       `json:"warnings,omitempty"`
}

type ReportInput struct {
	SigningAlgorithm        string
	AccessTTL               time.Duration
	RefreshTTL              time.Duration
	Password                PasswordReport
	MaxJitter               time.Duration
	TOTPDriftSteps          uint
	BackupCodeCount         int
	DeviceModelLoaded       bool
	DeviceThreshold         float64
	DeviceFailOpen          bool
	LoginMaxAttempts        int
	LoginWindow             time.Duration
	RateLimiterDegraded     bool
	RevocationAuthoritative bool
}

func BuildReport(input ReportInput) Report {
	r := Report{
		SigningAlgorithm:         input.SigningAlgorithm,
		AsymmetricSigning:        input.SigningAlgorithm == "rs256",
		AccessTTL:                input.AccessTTL,
		RefreshTTL:               input.RefreshTTL,
		Argon2:                   input.Password,
		TimingJitter:             input.MaxJitter > 0,
		TOTPDriftSteps:           input.TOTPDriftSteps,
		BackupCodesEnabled:       input.BackupCodeCount > 0,
		DeviceModelLoaded:        input.DeviceModelLoaded,
		DeviceThreshold:          input.DeviceThreshold,
		DeviceFailOpen:           input.DeviceFailOpen,
		RateLimitingActive:       input.LoginMaxAttempts > 0 && input.LoginWindow > 0,
		RateLimiterDegraded:      input.RateLimiterDegraded,
		RevocationCacheIsDurable: input.RevocationAuthoritative,
	}

	warn := func(msg string) { r.Warnings = append(r.Warnings, msg) }
	if !r.AsymmetricSigning {
		warn("tokens are signed with the HS256 fallback")
	}
	if input.AccessTTL > maxRecommendedAccessTTL {
		warn("access token lifetime exceeds 15m")
	}
	if input.Password.Memory < recommendedArgon2MemoryKB || input.Password.Time < recommendedArgon2Time {
		warn("argon2 cost below recommended parameters")
	}
	if !r.TimingJitter {
		warn("password verification jitter disabled")
	}
	if !input.DeviceModelLoaded {
		warn("device anomaly model not loaded")
	}
	if input.DeviceFailOpen {
		warn("enforced accounts may log in while the device model is unavailable")
	}
	if !r.RateLimitingActive {
		warn("login rate limiting disabled")
	}
	if input.RateLimiterDegraded {
		warn("rate limiter running on local fallback")
	}
	if input.RevocationAuthoritative {
		warn("revocation cache misses are final; a flushed cache accepts revoked tokens")
	}
	return r
}
