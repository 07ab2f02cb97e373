package finauth

import (
	"errors"
	"time"

	"github.com/MrEthical07/finauth/password"
)

// Config is the complete engine configuration. Obtain a starting point from
// DefaultConfig or LoadConfig; the Builder keeps its own copy.
type Config struct {
	Password          PasswordConfig          `yaml:"password"`
	Token             TokenConfig             `yaml:"token"`
	Keys              KeysConfig              `yaml:"keys"`
	Revocation        RevocationConfig        `yaml:"revocation"`
	RateLimit         RateLimitConfig         `yaml:"rate_limit"`
	MFA               MFAConfig               `yaml:"mfa"`
	Device            DeviceConfig            `yaml:"device"`
	Session           SessionConfig           `yaml:"session"`
	Audit             AuditConfig             `yaml:"audit"`
	PasswordReset     PasswordResetConfig     `yaml:"password_reset"`
	EmailVerification EmailVerificationConfig `yaml:"email_verification"`
	Metrics           MetricsConfig           `yaml:"metrics"`
}

type PasswordConfig struct {
	Argon2 password.Config `yaml:"argon2"`
	// MaxJitter bounds the random post-verify delay. Negative disables it.
	MaxJitter     time.Duration `yaml:"max_jitter"`
	RehashOnLogin bool          `yaml:"rehash_on_login"`
}

type TokenConfig struct {
	AccessTTL  time.Duration `yaml:"access_ttl"`
	RefreshTTL time.Duration `yaml:"refresh_ttl"`
	Issuer     string        `yaml:"issuer"`
	Audience   string        `yaml:"audience"`
	Leeway     time.Duration `yaml:"leeway"`
	// Secret is the HS256 key used only when RSA keys are unavailable.
	Secret string `yaml:"secret"`
	// DeviceHashSalt is prepended to fingerprints before hashing.
	DeviceHashSalt string `yaml:"device_hash_salt"`
}

type KeysConfig struct {
	PrivateKeyPath string `yaml:"private_key_path"`
	PublicKeyPath  string `yaml:"public_key_path"`
	KeyID          string `yaml:"key_id"`
	RSABits        int    `yaml:"rsa_bits"`
	// AllowHS256Fallback lets Build continue with HS256 when key material
	// cannot be loaded or generated.
	AllowHS256Fallback bool `yaml:"allow_hs256_fallback"`
}

type RevocationConfig struct {
	Prefix string `yaml:"prefix"`
	// CacheTimeout bounds the cache lookup before the durable store is used.
	CacheTimeout time.Duration `yaml:"cache_timeout"`
	// CacheAuthoritative makes a reachable cache miss final.
	CacheAuthoritative bool `yaml:"cache_authoritative"`
}

type RatePolicy struct {
	Window      time.Duration `yaml:"window"`
	MaxAttempts int           `yaml:"max_attempts"`
}

type RateLimitConfig struct {
	Prefix    string     `yaml:"prefix"`
	IncludeIP bool       `yaml:"include_ip"`
	Login     RatePolicy `yaml:"login"`
	Reset     RatePolicy `yaml:"reset"`
	MFA       RatePolicy `yaml:"mfa"`
	OTP       RatePolicy `yaml:"otp"`
}

type MFAConfig struct {
	Issuer               string        `yaml:"issuer"`
	DriftSteps           uint          `yaml:"drift_steps"`
	BackupCodeCount      int           `yaml:"backup_code_count"`
	OneTimeCodeTTL       time.Duration `yaml:"one_time_code_ttl"`
	OneTimeCodeDigits    int           `yaml:"one_time_code_digits"`
	ChallengeTTL         time.Duration `yaml:"challenge_ttl"`
	ChallengeMaxAttempts int           `yaml:"challenge_max_attempts"`
	Prefix               string        `yaml:"prefix"`
}

type DeviceConfig struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	ModelPath           string  `yaml:"model_path"`
	// FailOpenOnModelUnavailable lets enforced accounts log in while the
	// anomaly model is missing or failing.
	FailOpenOnModelUnavailable bool `yaml:"fail_open_on_model_unavailable"`
	NotifyNewDevice            bool `yaml:"notify_new_device"`
	// LearnFromTrusted feeds fingerprints of known devices into the
	// process-local normalizer statistics.
	LearnFromTrusted bool `yaml:"learn_from_trusted"`
}

type SessionConfig struct {
	// Lifetime defaults to Token.AccessTTL when zero.
	Lifetime time.Duration `yaml:"lifetime"`
}

type AuditConfig struct {
	RingCapacity int  `yaml:"ring_capacity"`
	BufferSize   int  `yaml:"buffer_size"`
	DropIfFull   bool `yaml:"drop_if_full"`
}

type PasswordResetConfig struct {
	TokenTTL time.Duration `yaml:"token_ttl"`
}

type EmailVerificationConfig struct {
	TokenTTL time.Duration `yaml:"token_ttl"`
}

type MetricsConfig struct {
	Enabled                 bool `yaml:"enabled"`
	EnableLatencyHistograms bool `yaml:"enable_latency_histograms"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Password: PasswordConfig{
			Argon2:        password.DefaultConfig(),
			MaxJitter:     password.DefaultMaxJitter,
			RehashOnLogin: true,
		},
		Token: TokenConfig{
			AccessTTL:  15 * time.Minute,
			RefreshTTL: 30 * 24 * time.Hour,
			Issuer:     "finauth",
			Leeway:     30 * time.Second,
		},
		Keys: KeysConfig{
			PrivateKeyPath:     "keys/jwt_private.pem",
			PublicKeyPath:      "keys/jwt_public.pem",
			RSABits:            2048,
			AllowHS256Fallback: true,
		},
		Revocation: RevocationConfig{
			Prefix:       "fjti",
			CacheTimeout: 250 * time.Millisecond,
		},
		RateLimit: RateLimitConfig{
			Prefix: "frl",
			Login:  RatePolicy{Window: 15 * time.Minute, MaxAttempts: 5},
			Reset:  RatePolicy{Window: 15 * time.Minute, MaxAttempts: 5},
			MFA:    RatePolicy{Window: 15 * time.Minute, MaxAttempts: 5},
			OTP:    RatePolicy{Window: 15 * time.Minute, MaxAttempts: 5},
		},
		MFA: MFAConfig{
			Issuer:               "finauth",
			DriftSteps:           2,
			BackupCodeCount:      10,
			OneTimeCodeTTL:       5 * time.Minute,
			OneTimeCodeDigits:    6,
			ChallengeTTL:         5 * time.Minute,
			ChallengeMaxAttempts: 5,
			Prefix:               "fmfa",
		},
		Device: DeviceConfig{
			ConfidenceThreshold: 0.7,
			NotifyNewDevice:     true,
		},
		Audit: AuditConfig{
			RingCapacity: 1000,
			BufferSize:   1024,
			DropIfFull:   true,
		},
		PasswordReset:     PasswordResetConfig{TokenTTL: time.Hour},
		EmailVerification: EmailVerificationConfig{TokenTTL: 24 * time.Hour},
		Metrics:           MetricsConfig{Enabled: true},
	}
}

func (c RatePolicy) validate(name string) error {
	if c.Window <= 0 {
		return errors.New("RateLimit " + name + " Window must be > 0")
	}
	if c.MaxAttempts <= 0 {
		return errors.New("RateLimit " + name + " MaxAttempts must be > 0")
	}
	return nil
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	if err := c.Password.Argon2.Validate(); err != nil {
		return err
	}
	if c.Password.MaxJitter > 100*time.Millisecond {
		return errors.New("Password MaxJitter must be <= 100ms")
	}
	if c.Token.AccessTTL <= 0 {
		return errors.New("Token AccessTTL must be > 0")
	}
	if c.Token.RefreshTTL <= c.Token.AccessTTL {
		return errors.New("Token RefreshTTL must be greater than AccessTTL")
	}
	if c.Token.Leeway < 0 || c.Token.Leeway > 2*time.Minute {
		return errors.New("Token Leeway must be between 0 and 2m")
	}
	if c.Token.Secret != "" && len(c.Token.Secret) < 32 {
		return errors.New("Token Secret must be at least 32 bytes")
	}
	if c.Keys.RSABits != 0 && c.Keys.RSABits < 2048 {
		return errors.New("Keys RSABits must be >= 2048")
	}
	if c.Revocation.CacheTimeout <= 0 || c.Revocation.CacheTimeout >= time.Second {
		return errors.New("Revocation CacheTimeout must be > 0 and < 1s")
	}
	for name, p := range map[string]RatePolicy{
		"Login": c.RateLimit.Login,
		"Reset": c.RateLimit.Reset,
		"MFA":   c.RateLimit.MFA,
		"OTP":   c.RateLimit.OTP,
	} {
		if err := p.validate(name); err != nil {
			return err
		}
	}
	if c.MFA.Issuer == "" {
		return errors.New("MFA Issuer is required")
	}
	if c.MFA.DriftSteps > 10 {
		return errors.New("MFA DriftSteps must be <= 10")
	}
	if c.MFA.BackupCodeCount <= 0 || c.MFA.BackupCodeCount > 20 {
		return errors.New("MFA BackupCodeCount must be between 1 and 20")
	}
	if c.MFA.OneTimeCodeDigits < 6 || c.MFA.OneTimeCodeDigits > 10 {
		return errors.New("MFA OneTimeCodeDigits must be between 6 and 10")
	}
	if c.MFA.OneTimeCodeTTL <= 0 || c.MFA.OneTimeCodeTTL > 15*time.Minute {
		return errors.New("MFA OneTimeCodeTTL must be > 0 and <= 15m")
	}
	if c.MFA.ChallengeTTL <= 0 {
		return errors.New("MFA ChallengeTTL must be > 0")
	}
	if c.MFA.ChallengeMaxAttempts <= 0 {
		return errors.New("MFA ChallengeMaxAttempts must be > 0")
	}
	if c.Device.ConfidenceThreshold < 0 || c.Device.ConfidenceThreshold >= 1 {
		return errors.New("Device ConfidenceThreshold must be in [0, 1)")
	}
	if c.Session.Lifetime < 0 {
		return errors.New("Session Lifetime must be >= 0")
	}
	if c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0")
	}
	if c.Audit.RingCapacity <= 0 {
		return errors.New("Audit RingCapacity must be > 0")
	}
	if c.PasswordReset.TokenTTL <= 0 {
		return errors.New("PasswordReset TokenTTL must be > 0")
	}
	if c.EmailVerification.TokenTTL <= 0 {
		return errors.New("EmailVerification TokenTTL must be > 0")
	}
	return nil
}

func (c *Config) sessionLifetime() time.Duration {
	if c.Session.Lifetime > 0 {
		return c.Session.Lifetime
	}
	return c.Token.AccessTTL
}
