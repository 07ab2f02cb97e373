package finauth

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// EnvPrefix prefixes every environment override read by LoadConfig.
const EnvPrefix = "FINAUTH_"

// LoadConfig starts from DefaultConfig, overlays the YAML file at path (if
// path is non-empty), applies FINAUTH_* environment overrides and validates
// the result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := loadConfigFromFile(&cfg, path); err != nil {
			return Config{}, fmt.Errorf("load config file: %w", err)
		}
	}
	if err := loadConfigFromEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, fmt.Errorf("load config from environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadConfigFromFile(cfg *Config, path string) error {
	content, err := os.ReadFile(os.ExpandEnv(path))
	if err != nil {
		return err
	}
	if err := yaml.UnmarshalStrict(content, cfg); err != nil {
		return err
	}
	return nil
}

type envOverride struct {
	name  string
	apply func(string) error
}

func durationVar(dst *time.Duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst = d
		return nil
	}
}

func intVar(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func uint32Var(dst *uint32) func(string) error {
	return func(v string) error {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return err
		}
		*dst = uint32(n)
		return nil
	}
}

func boolVar(dst *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst = b
		return nil
	}
}

func stringVar(dst *string) func(string) error {
	return func(v string) error {
		*dst = v
		return nil
	}
}

func loadConfigFromEnv(cfg *Config, lookup func(string) (string, bool)) error {
	overrides := []envOverride{
		{"ARGON2_MEMORY_KB", uint32Var(&cfg.Password.Argon2.Memory)},
		{"ARGON2_ITERATIONS", uint32Var(&cfg.Password.Argon2.Time)},
		{"ARGON2_PARALLELISM", func(v string) error {
			n, err := strconv.ParseUint(v, 10, 8)
			if err != nil {
				return err
			}
			cfg.Password.Argon2.Parallelism = uint8(n)
			return nil
		}},
		{"PASSWORD_MAX_JITTER", durationVar(&cfg.Password.MaxJitter)},
		{"ACCESS_TOKEN_TTL", durationVar(&cfg.Token.AccessTTL)},
		{"REFRESH_TOKEN_TTL", durationVar(&cfg.Token.RefreshTTL)},
		{"TOKEN_ISSUER", stringVar(&cfg.Token.Issuer)},
		{"TOKEN_SECRET", stringVar(&cfg.Token.Secret)},
		{"DEVICE_HASH_SALT", stringVar(&cfg.Token.DeviceHashSalt)},
		{"JWT_PRIVATE_KEY_PATH", stringVar(&cfg.Keys.PrivateKeyPath)},
		{"JWT_PUBLIC_KEY_PATH", stringVar(&cfg.Keys.PublicKeyPath)},
		{"JWT_KEY_ID", stringVar(&cfg.Keys.KeyID)},
		{"REVOCATION_CACHE_TIMEOUT", durationVar(&cfg.Revocation.CacheTimeout)},
		{"LOGIN_RATE_WINDOW", durationVar(&cfg.RateLimit.Login.Window)},
		{"LOGIN_RATE_MAX_ATTEMPTS", intVar(&cfg.RateLimit.Login.MaxAttempts)},
		{"MFA_DRIFT_STEPS", func(v string) error {
			n, err := strconv.ParseUint(v, 10, 8)
			if err != nil {
				return err
			}
			cfg.MFA.DriftSteps = uint(n)
			return nil
		}},
		{"MFA_ISSUER", stringVar(&cfg.MFA.Issuer)},
		{"DEVICE_CONFIDENCE_THRESHOLD", func(v string) error {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return err
			}
			cfg.Device.ConfidenceThreshold = f
			return nil
		}},
		{"DEVICE_MODEL_PATH", stringVar(&cfg.Device.ModelPath)},
		{"DEVICE_FAIL_OPEN", boolVar(&cfg.Device.FailOpenOnModelUnavailable)},
		{"METRICS_ENABLED", boolVar(&cfg.Metrics.Enabled)},
	}

	for _, o := range overrides {
		v, ok := lookup(EnvPrefix + o.name)
		if !ok || v == "" {
			continue
		}
		if err := o.apply(v); err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, o.name, err)
		}
	}
	return nil
}
