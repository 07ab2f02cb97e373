package jwt

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultRSABits is the modulus size of generated signing keys.
const DefaultRSABits = 2048

// KeyPair holds PEM-encoded RSA key material.
type KeyPair struct {
	PrivateKey []byte
	PublicKey  []byte
	// Generated is true when the pair was created by this call.
	Generated bool
}

// LoadOrGenerateRSA reads the PEM key pair at the given paths. When neither
// file exists a new pair is generated and persisted with 0600/0644
// permissions. A half-present pair is an error: silently replacing one half
// would invalidate every outstanding token.
func LoadOrGenerateRSA(privatePath, publicPath string, bits int) (*KeyPair, error) {
	if privatePath == "" || publicPath == "" {
		return nil, errors.New("rsa key paths required")
	}
	if bits < DefaultRSABits {
		bits = DefaultRSABits
	}

	privPEM, privErr := os.ReadFile(privatePath)
	pubPEM, pubErr := os.ReadFile(publicPath)

	switch {
	case privErr == nil && pubErr == nil:
		if _, err := jwt.ParseRSAPrivateKeyFromPEM(privPEM); err != nil {
			return nil, fmt.Errorf("parse %s: %w", privatePath, err)
		}
		if _, err := jwt.ParseRSAPublicKeyFromPEM(pubPEM); err != nil {
			return nil, fmt.Errorf("parse %s: %w", publicPath, err)
		}
		return &KeyPair{PrivateKey: privPEM, PublicKey: pubPEM}, nil
	case errors.Is(privErr, os.ErrNotExist) && errors.Is(pubErr, os.ErrNotExist):
		return generateRSA(privatePath, publicPath, bits)
	case privErr != nil && !errors.Is(privErr, os.ErrNotExist):
		return nil, fmt.Errorf("read %s: %w", privatePath, privErr)
	case pubErr != nil && !errors.Is(pubErr, os.ErrNotExist):
		return nil, fmt.Errorf("read %s: %w", publicPath, pubErr)
	default:
		return nil, errors.New("rsa key pair is incomplete")
	}
}

// GenerateRSA returns a fresh PEM-encoded key pair without touching disk.
func GenerateRSA(bits int) (*KeyPair, error) {
	if bits < DefaultRSABits {
		bits = DefaultRSABits
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}

	return &KeyPair{
		PrivateKey: pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER}),
		PublicKey:  pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}),
		Generated:  true,
	}, nil
}

func generateRSA(privatePath, publicPath string, bits int) (*KeyPair, error) {
	pair, err := GenerateRSA(bits)
	if err != nil {
		return nil, err
	}

	for _, dir := range []string{filepath.Dir(privatePath), filepath.Dir(publicPath)} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create key dir: %w", err)
		}
	}
	if err := os.WriteFile(privatePath, pair.PrivateKey, 0o600); err != nil {
		return nil, fmt.Errorf("write %s: %w", privatePath, err)
	}
	if err := os.WriteFile(publicPath, pair.PublicKey, 0o644); err != nil {
		_ = os.Remove(privatePath)
		return nil, fmt.Errorf("write %s: %w", publicPath, err)
	}
	return pair, nil
}
