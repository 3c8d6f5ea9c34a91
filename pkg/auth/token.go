package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gokaycavdar/go-bankguard/pkg/models"
)

// CredentialIssuer mints the credential handed out on AUTHENTICATED.
type CredentialIssuer interface {
	Issue(acct *models.Account) (string, error)
}

// Claims is the JWT payload. Subject is the account ID.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// JWTIssuer signs HS256 bearer tokens.
type JWTIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewJWTIssuer creates an issuer. A non-positive ttl defaults to 30 days.
func NewJWTIssuer(secret, issuer string, ttl time.Duration) *JWTIssuer {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &JWTIssuer{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}
}

func (j *JWTIssuer) Issue(acct *models.Account) (string, error) {
	now := j.now()
	claims := &Claims{
		Email: acct.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   acct.ID,
			Issuer:    j.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
}

// Parse validates a token and returns its claims.
func (j *JWTIssuer) Parse(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return j.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(j.issuer),
		jwt.WithTimeFunc(j.now),
	)
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}
