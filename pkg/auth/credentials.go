package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"

	"github.com/gokaycavdar/go-bankguard/pkg/autherr"
)

// PasswordHasher hashes and checks passwords. The result of Hash is what
// Account.CredentialRef stores.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Compare(hash, password string) bool
}

// BcryptHasher is the default PasswordHasher.
type BcryptHasher struct {
	Cost int
}

func (h BcryptHasher) Hash(password string) (string, error) {
	cost := h.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (h BcryptHasher) Compare(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// dummyHash produces a hash to compare against when the email is unknown,
// so both paths cost one bcrypt comparison.
func dummyHash(h PasswordHasher) (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("dummy hash entropy: %w", err)
	}
	return h.Hash(hex.EncodeToString(buf))
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("strongpw", func(fl validator.FieldLevel) bool {
		var upper, lower, digit bool
		for _, r := range fl.Field().String() {
			switch {
			case unicode.IsUpper(r):
				upper = true
			case unicode.IsLower(r):
				lower = true
			case unicode.IsDigit(r):
				digit = true
			}
		}
		return upper && lower && digit
	})
	return v
}

// NormalizeEmail trims and lowercases an address. ok is false when the
// result is not a valid email.
func NormalizeEmail(email string) (string, bool) {
	email = canonicalEmail(email)
	if err := validate.Var(email, "required,email,max=254"); err != nil {
		return "", false
	}
	return email, true
}

func canonicalEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

type registration struct {
	Email string `validate:"required,email,max=254"`
	// bcrypt ignores input beyond 72 bytes
	Password string `validate:"required,min=8,max=72,strongpw"`
}

func validateRegistration(r registration) error {
	err := validate.Struct(r)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return autherr.Invalid("", "invalid registration")
	}
	fe := verrs[0]
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return autherr.Invalid(field, "is required")
	case "email":
		return autherr.Invalid(field, "invalid email format")
	case "min":
		return autherr.Invalid(field, "must be at least 8 characters")
	case "max":
		return autherr.Invalid(field, "is too long")
	case "strongpw":
		return autherr.Invalid(field, "must contain uppercase, lowercase, and number")
	default:
		return autherr.Invalid(field, "is invalid")
	}
}
