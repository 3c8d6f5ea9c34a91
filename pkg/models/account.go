package models

import (
	"slices"
	"time"
)

// MaxRecoveryCodes is the number of live recovery codes an account holds.
const MaxRecoveryCodes = 5

// RecoveryCode is the stored, one-way form of a single recovery code.
// The plaintext is shown to the user exactly once, during setup or regeneration.
type RecoveryCode struct {
	CodeHash string `json:"code_hash"`
	Used     bool   `json:"used"`
}

// Account is the user record owned by the account repository.
//
// Components never hold on to an Account across requests. Every mutation goes
// through storage.AccountRepository.UpdateAccount, which applies it as an
// atomic read-modify-write on a private copy.
type Account struct {
	ID    string
	Email string

	// CredentialRef is opaque to the risk and MFA layers. The bcrypt verifier
	// in pkg/auth stores a password hash here.
	CredentialRef string

	MfaEnabled bool
	// MfaSecretEncrypted is the only at-rest form of the TOTP seed
	// (a vault envelope). Empty means no secret is stored.
	MfaSecretEncrypted string
	RecoveryCodes      []RecoveryCode
	MfaFailedAttempts  int
	MfaLockedUntil     *time.Time

	KnownDevices []string
	KnownGeoTags []string

	AverageTransactionAmount float64
	LoginLockUntil           *time.Time

	CreatedAt time.Time
	// Version is bumped by stores on every successful write.
	Version int64
}

// Clone returns a deep copy so callers can mutate without aliasing store state.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	c.RecoveryCodes = slices.Clone(a.RecoveryCodes)
	c.KnownDevices = slices.Clone(a.KnownDevices)
	c.KnownGeoTags = slices.Clone(a.KnownGeoTags)
	if a.MfaLockedUntil != nil {
		t := *a.MfaLockedUntil
		c.MfaLockedUntil = &t
	}
	if a.LoginLockUntil != nil {
		t := *a.LoginLockUntil
		c.LoginLockUntil = &t
	}
	return &c
}

// IsMfaLocked reports whether the MFA lock is active at now (lazy expiry).
func (a *Account) IsMfaLocked(now time.Time) bool {
	return a.MfaLockedUntil != nil && a.MfaLockedUntil.After(now)
}

// IsLoginLocked reports whether the login lock is active at now.
func (a *Account) IsLoginLocked(now time.Time) bool {
	return a.LoginLockUntil != nil && a.LoginLockUntil.After(now)
}

// KnowsDevice reports whether userAgent is in the known-device set.
func (a *Account) KnowsDevice(userAgent string) bool {
	return slices.Contains(a.KnownDevices, userAgent)
}

// KnowsGeoTag reports whether tag is in the known-location set.
func (a *Account) KnowsGeoTag(tag string) bool {
	return slices.Contains(a.KnownGeoTags, tag)
}
