// Package logging builds the zap loggers used by finauth binaries.
//
// Output is JSON by default. File output is rotated with lumberjack, and any
// field whose key names a credential is masked before it reaches a core.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Rotation controls lumberjack file rotation.
type Rotation struct {
	MaxSizeMB  int  `yaml:"max_size_mb"`
	MaxBackups int  `yaml:"max_backups"`
	MaxAgeDays int  `yaml:"max_age_days"`
	Compress   bool `yaml:"compress"`
}

// Config selects level, encoding and destinations.
type Config struct {
	Name string `yaml:"name"`
	// Level is one of debug, info, warn, error. Unknown values mean info.
	Level string `yaml:"level"`
	// Format is "json" or "console".
	Format string `yaml:"format"`
	// File, when set, adds a rotated JSON file sink next to stdout.
	File     string   `yaml:"file"`
	Rotation Rotation `yaml:"rotation"`
	// SensitiveKeys are masked in addition to the defaults.
	SensitiveKeys []string `yaml:"sensitive_keys"`

	// Output replaces stdout. Used by tests.
	Output io.Writer `yaml:"-"`
}

// DefaultSensitiveKeys are always masked.
var DefaultSensitiveKeys = []string{
	"password",
	"token",
	"access_token",
	"refresh_token",
	"code",
	"secret",
	"backup_code",
}

const mask = "****"

// DefaultConfig returns JSON logging at info level to stdout.
func DefaultConfig() Config {
	return Config{
		Name:   "finauth",
		Level:  "info",
		Format: "json",
		Rotation: Rotation{
			MaxSizeMB:  100,
			MaxBackups: 7,
			MaxAgeDays: 30,
			Compress:   true,
		},
	}
}

// New builds a logger from cfg.
func New(cfg Config) (*zap.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var consoleEnc zapcore.Encoder
	switch strings.ToLower(cfg.Format) {
	case "", "json":
		consoleEnc = zapcore.NewJSONEncoder(encCfg)
	case "console":
		devCfg := encCfg
		devCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		consoleEnc = zapcore.NewConsoleEncoder(devCfg)
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	var out zapcore.WriteSyncer = zapcore.Lock(os.Stdout)
	if cfg.Output != nil {
		out = zapcore.AddSync(cfg.Output)
	}
	cores := []zapcore.Core{zapcore.NewCore(consoleEnc, out, level)}

	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.Rotation.MaxSizeMB,
			MaxBackups: cfg.Rotation.MaxBackups,
			MaxAge:     cfg.Rotation.MaxAgeDays,
			Compress:   cfg.Rotation.Compress,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(lj), level))
	}

	keys := append(append([]string(nil), DefaultSensitiveKeys...), cfg.SensitiveKeys...)
	core := newMaskingCore(zapcore.NewTee(cores...), keys)

	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel))
	if cfg.Name != "" {
		logger = logger.Named(cfg.Name)
	}
	return logger, nil
}

func parseLevel(s string) (zap.AtomicLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return zap.NewAtomicLevelAt(zap.InfoLevel), nil
	case "debug":
		return zap.NewAtomicLevelAt(zap.DebugLevel), nil
	case "warn", "warning":
		return zap.NewAtomicLevelAt(zap.WarnLevel), nil
	case "error":
		return zap.NewAtomicLevelAt(zap.ErrorLevel), nil
	default:
		return zap.AtomicLevel{}, fmt.Errorf("unknown log level %q", s)
	}
}

type maskingCore struct {
	zapcore.Core
	keys []string
}

func newMaskingCore(core zapcore.Core, keys []string) zapcore.Core {
	return &maskingCore{Core: core, keys: keys}
}

func (c *maskingCore) With(fields []zapcore.Field) zapcore.Core {
	return &maskingCore{Core: c.Core.With(c.mask(fields)), keys: c.keys}
}

func (c *maskingCore) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return ce.AddCore(entry, c)
	}
	return ce
}

func (c *maskingCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	return c.Core.Write(entry, c.mask(fields))
}

func (c *maskingCore) mask(fields []zapcore.Field) []zapcore.Field {
	out := make([]zapcore.Field, len(fields))
	copy(out, fields)
	for i, f := range out {
		for _, k := range c.keys {
			if strings.EqualFold(f.Key, k) {
				out[i] = zap.String(f.Key, mask)
				break
			}
		}
	}
	return out
}
