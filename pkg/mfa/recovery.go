package mfa

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/gokaycavdar/go-bankguard/pkg/models"
)

// RecoveryCodeLength is the length of a plaintext recovery code.
const RecoveryCodeLength = 10

var (
	codeFormat = regexp.MustCompile(`^(\d{6}|[A-Fa-f0-9]{10})$`)
	codeStrip  = strings.NewReplacer(" ", "", "\t", "", "-", "")
)

// NormalizeCode strips spaces and dashes. ok is false when the rest is
// neither a 6-digit TOTP code nor a 10-character hex recovery code.
func NormalizeCode(code string) (clean string, ok bool) {
	clean = codeStrip.Replace(strings.TrimSpace(code))
	return clean, codeFormat.MatchString(clean)
}

// HashRecoveryCode returns the stored form of a recovery code.
// Codes are case-insensitive.
func HashRecoveryCode(code string) string {
	sum := sha256.Sum256([]byte(strings.ToUpper(code)))
	return hex.EncodeToString(sum[:])
}

func isRecoveryShape(code string) bool {
	if len(code) != RecoveryCodeLength {
		return false
	}
	_, err := hex.DecodeString(code)
	return err == nil
}

// generateRecoveryCodes draws MaxRecoveryCodes distinct codes from r and
// returns them with their stored form.
func generateRecoveryCodes(r io.Reader) ([]string, []models.RecoveryCode, error) {
	plain := make([]string, 0, models.MaxRecoveryCodes)
	stored := make([]models.RecoveryCode, 0, models.MaxRecoveryCodes)
	seen := make(map[string]struct{}, models.MaxRecoveryCodes)

	buf := make([]byte, RecoveryCodeLength/2)
	for len(plain) < models.MaxRecoveryCodes {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, nil, fmt.Errorf("generate recovery code: %w", err)
		}
		code := strings.ToUpper(hex.EncodeToString(buf))
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		plain = append(plain, code)
		stored = append(stored, models.RecoveryCode{CodeHash: HashRecoveryCode(code)})
	}
	return plain, stored, nil
}

// redeem marks the first unused code matching hash as used.
func redeem(codes []models.RecoveryCode, hash string) bool {
	for i := range codes {
		if codes[i].CodeHash == hash && !codes[i].Used {
			codes[i].Used = true
			return true
		}
	}
	return false
}
