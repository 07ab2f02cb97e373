package jwt

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SigningMethod selects the token signature scheme.
type SigningMethod string

const (
	// MethodRS256 signs with an RSA private key. This is the production scheme.
	MethodRS256 SigningMethod = "rs256"
	// MethodHS256 signs with a shared secret. Used only when RSA key material
	// is unavailable.
	MethodHS256 SigningMethod = "hs256"
)

// TokenType distinguishes access from refresh tokens inside the claim set.
type TokenType string

const (
	TypeAccess  TokenType = "access"
	TypeRefresh TokenType = "refresh"
)

var (
	// ErrExpired is returned for tokens past their exp claim.
	ErrExpired = errors.New("token expired")
	// ErrMalformed covers every other structural failure: bad encoding, bad
	// signature, unexpected algorithm, nbf in the future, missing jti.
	ErrMalformed = errors.New("token malformed")
	// ErrWrongType is returned when a token of another type is presented.
	ErrWrongType = errors.New("unexpected token type")
)

// Config controls issuance and verification.
type Config struct {
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	SigningMethod SigningMethod
	// PrivateKey and PublicKey are PEM-encoded RSA keys for MethodRS256.
	PrivateKey []byte
	PublicKey  []byte
	// Secret is the HS256 key.
	Secret   []byte
	Issuer   string
	Audience string
	Leeway   time.Duration
	KeyID    string
}

// Claims is the signed claim set for both token types.
type Claims struct {
	Type         TokenType `json:"typ"`
	Email        string    `json:"email,omitempty"`
	Permissions  []string  `json:"perms,omitempty"`
	Role         string    `json:"role,omitempty"`
	Organization string    `json:"org,omitempty"`
	DeviceHash   string    `json:"dvh,omitempty"`
	jwt.RegisteredClaims
}

// Extra carries the optional claims of an issued token.
type Extra struct {
	Email        string
	Permissions  []string
	Role         string
	Organization string
	DeviceHash   string
}

// Manager issues and parses tokens. It is safe for concurrent use.
type Manager struct {
	config     Config
	method     jwt.SigningMethod
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	now        func() time.Time
}

// NewManager validates cfg and parses its key material.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("invalid TTL configuration")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	cfg.KeyID = strings.TrimSpace(cfg.KeyID)

	m := &Manager{config: cfg, now: time.Now}
	switch cfg.SigningMethod {
	case MethodRS256:
		m.method = jwt.SigningMethodRS256
		if len(cfg.PublicKey) == 0 && len(cfg.PrivateKey) == 0 {
			return nil, errors.New("rs256 requires key material")
		}
		if len(cfg.PrivateKey) > 0 {
			key, err := jwt.ParseRSAPrivateKeyFromPEM(cfg.PrivateKey)
			if err != nil {
				return nil, fmt.Errorf("parse rsa private key: %w", err)
			}
			if key.N.BitLen() < 2048 {
				return nil, errors.New("rsa key must be at least 2048 bits")
			}
			m.privateKey = key
			m.publicKey = &key.PublicKey
		}
		if len(cfg.PublicKey) > 0 {
			key, err := jwt.ParseRSAPublicKeyFromPEM(cfg.PublicKey)
			if err != nil {
				return nil, fmt.Errorf("parse rsa public key: %w", err)
			}
			if m.privateKey != nil && !m.privateKey.PublicKey.Equal(key) {
				return nil, errors.New("rsa public key does not match private key")
			}
			m.publicKey = key
		}
	case MethodHS256:
		m.method = jwt.SigningMethodHS256
		if len(cfg.Secret) < 32 {
			return nil, errors.New("hs256 requires a secret of at least 32 bytes")
		}
	default:
		return nil, errors.New("unsupported signing method")
	}

	return m, nil
}

// Method returns the configured signing scheme.
func (m *Manager) Method() SigningMethod {
	return m.config.SigningMethod
}

// TTL returns the lifetime of tokens of the given type.
func (m *Manager) TTL(typ TokenType) time.Duration {
	if typ == TypeRefresh {
		return m.config.RefreshTTL
	}
	return m.config.AccessTTL
}

// Issue signs a fresh token of the given type for subject with a new jti.
// iat and nbf are both set to the issuing instant.
func (m *Manager) Issue(typ TokenType, subject string, extra Extra) (string, *Claims, error) {
	if subject == "" {
		return "", nil, errors.New("subject required")
	}
	if m.method == jwt.SigningMethodRS256 && m.privateKey == nil {
		return "", nil, errors.New("rs256 signing key missing")
	}

	now := m.now()
	claims := &Claims{
		Type:       typ,
		DeviceHash: extra.DeviceHash,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			Issuer:    m.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.TTL(typ))),
		},
	}
	if m.config.Audience != "" {
		claims.Audience = jwt.ClaimStrings{m.config.Audience}
	}
	// Refresh tokens carry only what is needed to mint a new pair.
	if typ == TypeAccess {
		claims.Email = extra.Email
		claims.Permissions = extra.Permissions
		claims.Role = extra.Role
		claims.Organization = extra.Organization
	}

	token := jwt.NewWithClaims(m.method, claims)
	if m.config.KeyID != "" {
		token.Header["kid"] = m.config.KeyID
	}

	signed, err := token.SignedString(m.signKey())
	if err != nil {
		return "", nil, fmt.Errorf("sign %s token: %w", typ, err)
	}
	return signed, claims, nil
}

// Parse validates signature, expiry, not-before, issuer and audience and
// checks the token type. It never consults revocation state.
func (m *Manager) Parse(tokenStr string, want TokenType) (*Claims, error) {
	claims, err := m.parse(tokenStr, true)
	if err != nil {
		return nil, err
	}
	if claims.Type != want {
		return nil, ErrWrongType
	}
	return claims, nil
}

// ParseIgnoringExpiry validates the signature only. It lets callers revoke
// tokens whose exp has already passed.
func (m *Manager) ParseIgnoringExpiry(tokenStr string) (*Claims, error) {
	return m.parse(tokenStr, false)
}

func (m *Manager) parse(tokenStr string, validateTimes bool) (*Claims, error) {
	if m.publicKey == nil && m.method == jwt.SigningMethodRS256 {
		return nil, errors.New("rs256 verification key missing")
	}

	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{m.method.Alg()}),
		jwt.WithTimeFunc(m.now),
	}
	if validateTimes {
		options = append(options, jwt.WithExpirationRequired())
		if m.config.Leeway > 0 {
			options = append(options, jwt.WithLeeway(m.config.Leeway))
		}
		if m.config.Issuer != "" {
			options = append(options, jwt.WithIssuer(m.config.Issuer))
		}
		if m.config.Audience != "" {
			options = append(options, jwt.WithAudience(m.config.Audience))
		}
	} else {
		options = append(options, jwt.WithoutClaimsValidation())
	}

	parser := jwt.NewParser(options...)
	token, err := parser.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != m.method.Alg() {
			return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
		}
		if m.config.KeyID != "" {
			if kid, _ := t.Header["kid"].(string); kid != m.config.KeyID {
				return nil, errors.New("unknown kid")
			}
		}
		return m.verifyKey(), nil
	})
	if err != nil {
		if validateTimes && errors.Is(err, jwt.ErrTokenExpired) && !errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return nil, ErrExpired
		}
		return nil, ErrMalformed
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.ID == "" || claims.Subject == "" {
		return nil, ErrMalformed
	}
	return claims, nil
}

func (m *Manager) signKey() interface{} {
	if m.method == jwt.SigningMethodHS256 {
		return m.config.Secret
	}
	return m.privateKey
}

func (m *Manager) verifyKey() interface{} {
	if m.method == jwt.SigningMethodHS256 {
		return m.config.Secret
	}
	return m.publicKey
}
