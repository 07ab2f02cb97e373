package finauth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/finauth/device"
	"github.com/MrEthical07/finauth/internal/audit"
	"github.com/MrEthical07/finauth/internal/rate"
	"github.com/MrEthical07/finauth/internal/stores"
	"github.com/MrEthical07/finauth/jwt"
	"github.com/MrEthical07/finauth/password"
	"github.com/MrEthical07/finauth/session"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Builder assembles an [Engine]. A Builder is single-use.
type Builder struct {
	config Config
	redis  redis.UniversalClient
	store  Store
	logger *zap.Logger

	eventSink  EventSink
	monitor    Monitor
	notifier   Notifier
	model      device.Model
	normalizer *device.Normalizer
	keys       *jwt.KeyPair

	built bool
}

// New returns a Builder holding DefaultConfig.
func New() *Builder {
	return &Builder{config: DefaultConfig()}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cfg
	return b
}

// WithRedis sets the cache used for revocation markers, rate counters,
// one-time codes and MFA challenges. It is required.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithStore sets the durable store. It is required.
func (b *Builder) WithStore(store Store) *Builder {
	b.store = store
	return b
}

func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

// WithEventSink adds a sink that receives every security event after the
// durable store.
func (b *Builder) WithEventSink(sink EventSink) *Builder {
	b.eventSink = sink
	return b
}

// WithMonitor sets the receiver of high and critical events.
func (b *Builder) WithMonitor(monitor Monitor) *Builder {
	b.monitor = monitor
	return b
}

func (b *Builder) WithNotifier(notifier Notifier) *Builder {
	b.notifier = notifier
	return b
}

// WithAnomalyModel installs a device model directly instead of loading
// Device.ModelPath. normalizer may be nil when model expects raw features.
func (b *Builder) WithAnomalyModel(model device.Model, normalizer *device.Normalizer) *Builder {
	b.model = model
	b.normalizer = normalizer
	return b
}

// WithSigningKeys supplies PEM key material instead of reading Keys paths.
func (b *Builder) WithSigningKeys(privatePEM, publicPEM []byte) *Builder {
	b.keys = &jwt.KeyPair{PrivateKey: privatePEM, PublicKey: publicPEM}
	return b
}

// Build validates the configuration and wires every component.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.store == nil {
		return nil, errors.New("store required")
	}

	cfg := b.config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	passwords, err := password.NewVerifier(cfg.Password.Argon2, cfg.Password.MaxJitter)
	if err != nil {
		return nil, fmt.Errorf("password verifier: %w", err)
	}
	dummyHash, err := passwords.Hash("finauth-timing-equalizer")
	if err != nil {
		return nil, fmt.Errorf("password verifier: %w", err)
	}

	e := &Engine{
		config:      cfg,
		store:       b.store,
		redis:       b.redis,
		logger:      logger,
		passwords:   passwords,
		dummyHash:   dummyHash,
		revocations: stores.NewRevocationCache(b.redis, cfg.Revocation.Prefix),
		codes:       stores.NewCodeStore(b.redis, cfg.MFA.Prefix+"c"),
		challenges:  stores.NewChallengeStore(b.redis, cfg.MFA.Prefix),
		sessions:    session.NewManager(b.store, cfg.sessionLifetime()),
		notifier:    b.notifier,
		monitor:     b.monitor,
		ring:        audit.NewRing(cfg.Audit.RingCapacity),
		metrics:     NewMetrics(cfg.Metrics),
		now:         time.Now,
	}
	if e.notifier == nil {
		e.notifier = nopNotifier{}
	}

	sinks := []audit.Sink{audit.SinkFunc(e.storeSink)}
	if b.eventSink != nil {
		sinks = append(sinks, b.eventSink)
	}
	if e.monitor != nil {
		sinks = append(sinks, audit.MinSeverity(SeverityHigh, audit.SinkFunc(e.monitorSink)))
	}
	e.dispatcher = audit.NewDispatcher(audit.Config{
		BufferSize: cfg.Audit.BufferSize,
		DropIfFull: cfg.Audit.DropIfFull,
	}, sinks...)

	e.limiter = rate.New(b.redis, rate.Config{
		Prefix:    cfg.RateLimit.Prefix,
		IncludeIP: cfg.RateLimit.IncludeIP,
		Default:   rate.Policy(cfg.RateLimit.Login),
		Scopes: map[string]rate.Policy{
			scopeLogin: rate.Policy(cfg.RateLimit.Login),
			scopeReset: rate.Policy(cfg.RateLimit.Reset),
			scopeMFA:   rate.Policy(cfg.RateLimit.MFA),
			scopeOTP:   rate.Policy(cfg.RateLimit.OTP),
		},
		OnFallback: e.rateLimiterFallback,
	})

	tokens, err := b.buildTokens(e, cfg)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.tokens = tokens

	e.evaluator = b.buildEvaluator(e, cfg)

	b.built = true
	return e, nil
}

// buildTokens prefers RS256. Key material that cannot be loaded or written
// degrades to HS256 when Keys.AllowHS256Fallback is set.
func (b *Builder) buildTokens(e *Engine, cfg Config) (*jwt.Manager, error) {
	base := jwt.Config{
		AccessTTL:  cfg.Token.AccessTTL,
		RefreshTTL: cfg.Token.RefreshTTL,
		Issuer:     cfg.Token.Issuer,
		Audience:   cfg.Token.Audience,
		Leeway:     cfg.Token.Leeway,
		KeyID:      cfg.Keys.KeyID,
	}

	keys := b.keys
	var keyErr error
	if keys == nil {
		keys, keyErr = jwt.LoadOrGenerateRSA(cfg.Keys.PrivateKeyPath, cfg.Keys.PublicKeyPath, cfg.Keys.RSABits)
	}
	if keyErr == nil {
		rs := base
		rs.SigningMethod = jwt.MethodRS256
		rs.PrivateKey = keys.PrivateKey
		rs.PublicKey = keys.PublicKey
		m, err := jwt.NewManager(rs)
		if err == nil {
			if keys.Generated {
				e.logger.Info("generated rsa signing keys", zap.String("private_key_path", cfg.Keys.PrivateKeyPath))
			}
			return m, nil
		}
		keyErr = err
	}

	if !cfg.Keys.AllowHS256Fallback {
		return nil, fmt.Errorf("load signing keys: %w", keyErr)
	}

	secret := []byte(cfg.Token.Secret)
	if len(secret) == 0 {
		// Tokens signed with a process secret do not survive a restart.
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate hs256 secret: %w", err)
		}
	}
	hs := base
	hs.SigningMethod = jwt.MethodHS256
	hs.Secret = secret
	m, err := jwt.NewManager(hs)
	if err != nil {
		return nil, err
	}

	e.logger.Error("rsa signing keys unavailable, using hs256", zap.Error(keyErr))
	e.emitEvent(context.Background(), eventSigningDegraded, false, "", nil, func() map[string]string {
		return map[string]string{"method": string(jwt.MethodHS256), "process_secret": fmt.Sprint(cfg.Token.Secret == "")}
	})
	return m, nil
}

// buildEvaluator returns nil when no model is available. Device decisions
// then follow the model-unavailable path.
func (b *Builder) buildEvaluator(e *Engine, cfg Config) *device.Evaluator {
	model, normalizer := b.model, b.normalizer
	if model == nil && cfg.Device.ModelPath != "" {
		bundle, err := device.LoadFile(cfg.Device.ModelPath)
		if err != nil {
			e.logger.Error("device model load failed", zap.String("path", cfg.Device.ModelPath), zap.Error(err))
			return nil
		}
		model, normalizer = bundle.Forest, bundle.Normalizer
	}
	if model == nil {
		e.logger.Warn("no device model configured, untrusted devices rely on trusted device records")
		return nil
	}
	return &device.Evaluator{
		Model:      model,
		Normalizer: normalizer,
		Threshold:  cfg.Device.ConfidenceThreshold,
	}
}

func (e *Engine) rateLimiterFallback(err error) {
	if err == nil {
		e.logger.Info("rate limiter recovered, using redis")
		return
	}
	e.metricInc(MetricRateLimitFallback)
	e.logger.Warn("rate limiter using local window", zap.Error(err))
	e.emitEvent(context.Background(), eventRateLimitDegraded, false, "", nil, nil)
}
