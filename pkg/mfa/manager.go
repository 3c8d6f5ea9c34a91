// Package mfa manages the second factor: the TOTP seed (sealed by the vault),
// one-time recovery codes and the failed-attempt lockout.
//
// Per account the lifecycle is
//
//	UNSET --Setup--> PENDING_VERIFICATION --first Verify--> ENABLED --Disable--> UNSET
//
// LOCKED is transient. It is derived from MfaLockedUntil at read time and
// lapses on its own.
package mfa

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"image/png"
	"io"
	"log/slog"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/gokaycavdar/go-bankguard/pkg/autherr"
	"github.com/gokaycavdar/go-bankguard/pkg/models"
	"github.com/gokaycavdar/go-bankguard/pkg/storage"
)

const (
	// MaxFailedAttempts consecutive failures lock verification.
	MaxFailedAttempts = 5
	LockDuration      = 15 * time.Minute

	Period = 30
	Skew   = 2

	DefaultIssuer = "SecureBankApp"
	qrSize        = 200
)

// Mode says which factor satisfied a verification.
type Mode string

const (
	ModeTOTP     Mode = "TOTP"
	ModeRecovery Mode = "RECOVERY"
)

// State is the MFA lifecycle state of an account.
type State string

const (
	StateUnset   State = "UNSET"
	StatePending State = "PENDING_VERIFICATION"
	StateEnabled State = "ENABLED"
	StateLocked  State = "LOCKED"
)

// Cipher seals the TOTP seed. *vault.Vault implements it.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(envelope string) (string, error)
}

// SetupResult is returned once by Setup. The plaintext recovery codes are
// not retrievable afterwards.
type SetupResult struct {
	Secret        string   `json:"secret"`
	SecretURI     string   `json:"secretUri"`
	QRCode        string   `json:"qrCode"`
	RecoveryCodes []string `json:"recoveryCodes"`
}

// VerifyResult describes a successful verification. Failures are reported as
// errors: *autherr.SecondFactorError or *autherr.LockedError.
type VerifyResult struct {
	OK   bool `json:"ok"`
	Mode Mode `json:"mode"`
	// Enabled is true when this verification completed setup.
	Enabled bool `json:"enabled"`
}

// Manager owns the TOTP and recovery-code lifecycle.
type Manager struct {
	accounts storage.AccountRepository
	cipher   Cipher
	issuer   string
	now      func() time.Time
	random   io.Reader
	logger   *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

func WithIssuer(issuer string) Option {
	return func(m *Manager) {
		if issuer != "" {
			m.issuer = issuer
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithRandom replaces crypto/rand for seeds and recovery codes. Tests only.
func WithRandom(r io.Reader) Option {
	return func(m *Manager) {
		if r != nil {
			m.random = r
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// New creates a Manager.
func New(accounts storage.AccountRepository, cipher Cipher, opts ...Option) *Manager {
	m := &Manager{
		accounts: accounts,
		cipher:   cipher,
		issuer:   DefaultIssuer,
		now:      time.Now,
		random:   rand.Reader,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// loadSecret opens the sealed seed on acct.
func (m *Manager) loadSecret(acct *models.Account) (string, error) {
	if acct.MfaSecretEncrypted == "" {
		return "", autherr.ErrMfaNotConfigured
	}
	return m.cipher.Decrypt(acct.MfaSecretEncrypted)
}

// storeSecret seals plaintext onto acct. An empty plaintext clears the secret.
func (m *Manager) storeSecret(acct *models.Account, plaintext string) error {
	if plaintext == "" {
		acct.MfaSecretEncrypted = ""
		return nil
	}
	envelope, err := m.cipher.Encrypt(plaintext)
	if err != nil {
		return err
	}
	acct.MfaSecretEncrypted = envelope
	return nil
}

// Setup generates a new seed and recovery codes for ref, replacing any prior
// ones. MFA becomes enabled with the first successful Verify.
func (m *Manager) Setup(ctx context.Context, ref string) (*SetupResult, error) {
	acct, err := m.accounts.GetAccount(ctx, ref)
	if err != nil {
		return nil, err
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      m.issuer,
		AccountName: acct.Email,
		Period:      Period,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
		Rand:        m.random,
	})
	if err != nil {
		return nil, fmt.Errorf("generate totp key: %w", err)
	}

	plain, stored, err := generateRecoveryCodes(m.random)
	if err != nil {
		return nil, err
	}

	qr, err := qrDataURL(key)
	if err != nil {
		return nil, err
	}

	// Seal before entering the update; key derivation is slow.
	var sealed models.Account
	if err := m.storeSecret(&sealed, key.Secret()); err != nil {
		return nil, err
	}

	_, err = m.accounts.UpdateAccount(ctx, ref, func(a *models.Account) error {
		a.MfaSecretEncrypted = sealed.MfaSecretEncrypted
		a.RecoveryCodes = stored
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("mfa setup issued", "account", ref)
	return &SetupResult{
		Secret:        key.Secret(),
		SecretURI:     key.URL(),
		QRCode:        qr,
		RecoveryCodes: plain,
	}, nil
}

func qrDataURL(key *otp.Key) (string, error) {
	img, err := key.Image(qrSize, qrSize)
	if err != nil {
		return "", fmt.Errorf("render qr: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("encode qr: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func (m *Manager) validTOTP(secret, code string, now time.Time) bool {
	ok, err := totp.ValidateCustom(code, secret, now, totp.ValidateOpts{
		Period:    Period,
		Skew:      Skew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

// Verify checks a TOTP or recovery code for ref.
//
// The lock check, recovery-code redemption and attempt counting happen in one
// atomic account update, so two concurrent uses of the same recovery code
// cannot both succeed and failed attempts are never lost.
func (m *Manager) Verify(ctx context.Context, ref, code string) (*VerifyResult, error) {
	clean, ok := NormalizeCode(code)
	if !ok {
		return nil, autherr.Invalid("code", "must be 6 digits or a 10 character recovery code")
	}

	now := m.now()
	acct, err := m.accounts.GetAccount(ctx, ref)
	if err != nil {
		return nil, err
	}
	if acct.IsMfaLocked(now) {
		return nil, &autherr.LockedError{Until: *acct.MfaLockedUntil}
	}
	envelope := acct.MfaSecretEncrypted
	secret, err := m.loadSecret(acct)
	if err != nil {
		if errors.Is(err, autherr.ErrVault) {
			m.logger.Error("mfa secret unreadable", "account", ref)
		}
		return nil, err
	}

	var (
		result   *VerifyResult
		outcome  error
		attempts int
	)
	_, err = m.accounts.UpdateAccount(ctx, ref, func(a *models.Account) error {
		result, outcome, attempts = nil, nil, 0

		if a.IsMfaLocked(now) {
			outcome = &autherr.LockedError{Until: *a.MfaLockedUntil}
			return outcome
		}
		if a.MfaLockedUntil != nil {
			// lapsed lock: start a fresh run of attempts
			a.MfaLockedUntil = nil
			a.MfaFailedAttempts = 0
		}

		s := secret
		if a.MfaSecretEncrypted != envelope {
			// Setup or Disable ran since the read above.
			var err error
			if s, err = m.loadSecret(a); err != nil {
				return err
			}
		}

		mode := Mode("")
		switch {
		case m.validTOTP(s, clean, now):
			mode = ModeTOTP
		case isRecoveryShape(clean) && redeem(a.RecoveryCodes, HashRecoveryCode(clean)):
			mode = ModeRecovery
		}

		if mode == "" {
			a.MfaFailedAttempts++
			attempts = a.MfaFailedAttempts
			if a.MfaFailedAttempts >= MaxFailedAttempts {
				until := now.Add(LockDuration)
				a.MfaLockedUntil = &until
			}
			return nil
		}

		a.MfaFailedAttempts = 0
		a.MfaLockedUntil = nil
		result = &VerifyResult{OK: true, Mode: mode, Enabled: !a.MfaEnabled}
		a.MfaEnabled = true
		return nil
	})

	if outcome != nil {
		return nil, outcome
	}
	if err != nil {
		return nil, err
	}

	log := m.logger.With("account", ref)
	if result == nil {
		remaining := max(0, MaxFailedAttempts-attempts)
		if remaining == 0 {
			log.Warn("mfa locked after failed attempts", "attempts", attempts)
		} else {
			log.Info("mfa verification failed", "attempts", attempts)
		}
		return nil, &autherr.SecondFactorError{AttemptsRemaining: remaining}
	}
	log.Info("mfa verified", "mode", result.Mode, "enabled", result.Enabled)
	return result, nil
}

// Disable turns MFA off and drops the seed and recovery codes.
func (m *Manager) Disable(ctx context.Context, ref string) error {
	_, err := m.accounts.UpdateAccount(ctx, ref, func(a *models.Account) error {
		a.MfaEnabled = false
		a.RecoveryCodes = nil
		return m.storeSecret(a, "")
	})
	if err != nil {
		return err
	}
	m.logger.Info("mfa disabled", "account", ref)
	return nil
}

// RegenerateCodes replaces every recovery code of an MFA-enabled account.
func (m *Manager) RegenerateCodes(ctx context.Context, ref string) ([]string, error) {
	plain, stored, err := generateRecoveryCodes(m.random)
	if err != nil {
		return nil, err
	}
	_, err = m.accounts.UpdateAccount(ctx, ref, func(a *models.Account) error {
		if !a.MfaEnabled {
			return autherr.ErrMfaNotEnabled
		}
		a.RecoveryCodes = stored
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("recovery codes regenerated", "account", ref)
	return plain, nil
}

// Status reports the lifecycle state of ref.
func (m *Manager) Status(ctx context.Context, ref string) (State, error) {
	acct, err := m.accounts.GetAccount(ctx, ref)
	if err != nil {
		return "", err
	}
	switch {
	case acct.IsMfaLocked(m.now()):
		return StateLocked, nil
	case acct.MfaEnabled:
		return StateEnabled, nil
	case acct.MfaSecretEncrypted != "":
		return StatePending, nil
	default:
		return StateUnset, nil
	}
}

// RemainingRecoveryCodes counts unused recovery codes.
func RemainingRecoveryCodes(acct *models.Account) int {
	n := 0
	for _, c := range acct.RecoveryCodes {
		if !c.Used {
			n++
		}
	}
	return n
}
