// Package vault envelope-encrypts the TOTP seed at rest.
//
// Every Encrypt call draws a fresh salt and IV, derives a one-off AES-256 key
// from the configured master key with PBKDF2-HMAC-SHA512 and seals the
// plaintext with AES-GCM. The result is a single opaque string:
//
//	base64(salt):base64(iv):base64(ciphertext):base64(tag)
//
// Derived keys are never cached. MFA secrets are read once per verification,
// which keeps the derivation cost off any hot path.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/gokaycavdar/go-bankguard/pkg/autherr"
)

const (
	SaltSize = 64
	IVSize   = 16
	TagSize  = 16
	KeySize  = 32

	// MinIterations is the floor for PBKDF2 iterations.
	MinIterations = 100_000

	separator = ":"
)

// ErrNoMasterKey is returned by New when the master key is empty.
var ErrNoMasterKey = errors.New("vault: master key is not configured")

// Vault seals and opens secret strings with a process-wide master key.
type Vault struct {
	masterKey  []byte
	iterations int
	random     io.Reader
}

// Option configures a Vault.
type Option func(*Vault)

// WithIterations raises the PBKDF2 iteration count. Values below MinIterations are ignored.
func WithIterations(n int) Option {
	return func(v *Vault) {
		if n >= MinIterations {
			v.iterations = n
		}
	}
}

// WithRandom replaces the entropy source (crypto/rand by default).
func WithRandom(r io.Reader) Option {
	return func(v *Vault) {
		if r != nil {
			v.random = r
		}
	}
}

// New creates a Vault bound to masterKey.
func New(masterKey string, opts ...Option) (*Vault, error) {
	if masterKey == "" {
		return nil, ErrNoMasterKey
	}
	v := &Vault{
		masterKey:  []byte(masterKey),
		iterations: MinIterations,
		random:     rand.Reader,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

func (v *Vault) deriveKey(salt []byte) []byte {
	return pbkdf2.Key(v.masterKey, salt, v.iterations, KeySize, sha512.New)
}

func (v *Vault) aead(salt []byte) (cipher.AEAD, error) {
	key := v.deriveKey(salt)
	defer clear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, IVSize)
}

// Encrypt seals plaintext into an envelope string.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(v.random, salt); err != nil {
		return "", fmt.Errorf("%w: salt generation", autherr.ErrVault)
	}
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(v.random, iv); err != nil {
		return "", fmt.Errorf("%w: iv generation", autherr.ErrVault)
	}

	gcm, err := v.aead(salt)
	if err != nil {
		return "", fmt.Errorf("%w: cipher setup", autherr.ErrVault)
	}

	// Seal appends the tag to the ciphertext; the envelope stores them apart.
	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-TagSize], sealed[len(sealed)-TagSize:]

	enc := base64.StdEncoding
	return strings.Join([]string{
		enc.EncodeToString(salt),
		enc.EncodeToString(iv),
		enc.EncodeToString(ct),
		enc.EncodeToString(tag),
	}, separator), nil
}

// Decrypt opens an envelope produced by Encrypt. Any malformed part or a tag
// mismatch yields an error wrapping autherr.ErrVault and no plaintext.
func (v *Vault) Decrypt(envelope string) (string, error) {
	parts := strings.Split(envelope, separator)
	if len(parts) != 4 {
		return "", fmt.Errorf("%w: malformed envelope", autherr.ErrVault)
	}

	enc := base64.StdEncoding
	decoded := make([][]byte, len(parts))
	for i, p := range parts {
		b, err := enc.DecodeString(p)
		if err != nil {
			return "", fmt.Errorf("%w: malformed envelope", autherr.ErrVault)
		}
		decoded[i] = b
	}
	salt, iv, ct, tag := decoded[0], decoded[1], decoded[2], decoded[3]
	if len(salt) != SaltSize || len(iv) != IVSize || len(tag) != TagSize {
		return "", fmt.Errorf("%w: malformed envelope", autherr.ErrVault)
	}

	gcm, err := v.aead(salt)
	if err != nil {
		return "", fmt.Errorf("%w: cipher setup", autherr.ErrVault)
	}

	sealed := make([]byte, 0, len(ct)+len(tag))
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: integrity check failed", autherr.ErrVault)
	}
	return string(plaintext), nil
}
