// Package autherr holds the error taxonomy shared by the authentication engine.
//
// Expected outcomes (a wrong code, a risk block, an active lock) are plain
// errors that callers branch on with errors.Is and errors.As. They are not
// faults and are logged at info level by the components that produce them.
package autherr

import (
	"errors"
	"fmt"
	"time"

	"github.com/gokaycavdar/go-bankguard/pkg/models"
)

var (
	// ErrValidation marks a malformed request rejected before any risk or MFA logic ran.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidCredential is deliberately generic so it cannot be used for user enumeration.
	ErrInvalidCredential = errors.New("invalid credentials")

	ErrRiskBlocked         = errors.New("blocked by risk policy")
	ErrAccountLocked       = errors.New("account temporarily locked")
	ErrMfaLocked           = errors.New("too many failed attempts, try again later")
	ErrInvalidSecondFactor = errors.New("invalid verification code")

	// ErrVault never carries plaintext or cipher details.
	ErrVault = errors.New("MFA unavailable, contact support")

	ErrAccountNotFound   = errors.New("account not found")
	ErrMfaNotConfigured  = errors.New("MFA is not configured")
	ErrMfaNotEnabled     = errors.New("MFA is not enabled")
	ErrChallengeNotFound = errors.New("login challenge not found or expired")
)

// ValidationError reports which field was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%v: %s", ErrValidation, e.Reason)
	}
	return fmt.Sprintf("%v: %s: %s", ErrValidation, e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Invalid is a shorthand constructor for ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// RiskBlockedError carries the assessment that caused the rejection so the
// client can show score and triggered rules.
type RiskBlockedError struct {
	Assessment *models.RiskAssessment
	// Cause is ErrRiskBlocked or ErrAccountLocked.
	Cause error
}

func (e *RiskBlockedError) Error() string {
	cause := e.Cause
	if cause == nil {
		cause = ErrRiskBlocked
	}
	if e.Assessment == nil {
		return cause.Error()
	}
	return fmt.Sprintf("%v (score %.2f, rules %v)", cause, e.Assessment.RiskScore, e.Assessment.TriggeredRules)
}

func (e *RiskBlockedError) Is(target error) bool {
	if target == ErrRiskBlocked {
		return true
	}
	return e.Cause != nil && target == e.Cause
}

func (e *RiskBlockedError) Unwrap() error { return e.Cause }

// Blocked wraps an assessment into a RiskBlockedError.
func Blocked(a *models.RiskAssessment) error {
	return &RiskBlockedError{Assessment: a, Cause: ErrRiskBlocked}
}

// SecondFactorError is returned for a wrong TOTP or recovery code.
type SecondFactorError struct {
	AttemptsRemaining int
}

func (e *SecondFactorError) Error() string {
	return fmt.Sprintf("%v (%d attempts remaining)", ErrInvalidSecondFactor, e.AttemptsRemaining)
}

func (e *SecondFactorError) Is(target error) bool { return target == ErrInvalidSecondFactor }

// LockedError is an MFA cool-down. Until is when the lock lapses.
type LockedError struct {
	Until time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("%v (locked until %s)", ErrMfaLocked, e.Until.UTC().Format(time.RFC3339))
}

func (e *LockedError) Is(target error) bool { return target == ErrMfaLocked }
