package password

import (
	"crypto/rand"
	"errors"
	"math/big"
	"time"
)

const (
	// MinLength and MaxLength bound accepted plaintexts in bytes. No Unicode
	// normalization is applied.
	MinLength = 10
	MaxLength = 256

	// DefaultMaxJitter is the upper bound of the delay added to every Verify call.
	DefaultMaxJitter = 8 * time.Millisecond
)

// ErrPolicy is returned by Hash for plaintexts outside the length policy.
var ErrPolicy = errors.New("password does not meet policy")

// Verifier is the credential verifier used by the engine. It hashes with
// argon2id, accepts legacy bcrypt hashes during migration and adds a bounded
// random delay to every verification.
type Verifier struct {
	current   *Argon2
	legacy    Bcrypt
	maxJitter time.Duration
	sleep     func(time.Duration)
}

// NewVerifier builds a Verifier for cfg. A negative maxJitter disables the
// delay; zero selects DefaultMaxJitter.
func NewVerifier(cfg Config, maxJitter time.Duration) (*Verifier, error) {
	a, err := NewArgon2(cfg)
	if err != nil {
		return nil, err
	}
	if maxJitter == 0 {
		maxJitter = DefaultMaxJitter
	}
	if maxJitter < 0 {
		maxJitter = 0
	}
	return &Verifier{current: a, maxJitter: maxJitter, sleep: time.Sleep}, nil
}

// Hash always produces the current argon2id scheme.
func (v *Verifier) Hash(plaintext string) (string, error) {
	if len(plaintext) < MinLength || len(plaintext) > MaxLength {
		return "", ErrPolicy
	}
	return v.current.Hash(plaintext)
}

// Verify reports whether plaintext matches stored. Malformed or unknown
// hashes are a mismatch. The jitter is applied on every path after the
// comparison and holds no lock.
func (v *Verifier) Verify(plaintext, stored string) bool {
	ok := v.compare(plaintext, stored)
	v.jitter()
	return ok
}

// NeedsRehash reports whether stored should be replaced with a fresh hash
// after a successful verification.
func (v *Verifier) NeedsRehash(stored string) bool {
	if !isArgon2(stored) {
		return true
	}
	outdated, err := v.current.Outdated(stored)
	return err != nil || outdated
}

func (v *Verifier) compare(plaintext, stored string) bool {
	if len(plaintext) > MaxLength {
		return false
	}

	var (
		ok  bool
		err error
	)
	switch {
	case isArgon2(stored):
		ok, err = v.current.Verify(plaintext, stored)
	case isBcrypt(stored):
		ok, err = v.legacy.Verify(plaintext, stored)
	default:
		return false
	}
	return err == nil && ok
}

func (v *Verifier) jitter() {
	if v.maxJitter <= 0 {
		return
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(v.maxJitter)+1))
	if err != nil {
		v.sleep(v.maxJitter / 2)
		return
	}
	v.sleep(time.Duration(n.Int64()))
}
