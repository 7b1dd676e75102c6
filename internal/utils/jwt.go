package utils

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Roles accepted by the management API.
const (
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

const tokenIssuer = "jobcore"

var (
	ErrNoSecret    = errors.New("jwt secret is not configured")
	ErrUnknownRole = errors.New("unknown role")
)

var jwtSecret []byte

// Claims identifies the caller of the management API.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

func SetJWTSecret(secret string) {
	jwtSecret = []byte(secret)
}

func ValidRole(role string) bool {
	return role == RoleOperator || role == RoleViewer
}

// GenerateToken signs a token for subject with the given role that expires
// after expireHours.
func GenerateToken(subject, role string, expireHours int) (string, error) {
	if len(jwtSecret) == 0 {
		return "", ErrNoSecret
	}
	if !ValidRole(role) {
		return "", fmt.Errorf("%w %q", ErrUnknownRole, role)
	}
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(expireHours) * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(jwtSecret)
}

// ParseToken verifies an HS256 token issued by this service and returns
// its claims. Tokens carrying a role outside operator/viewer are refused.
func ParseToken(tokenString string) (*Claims, error) {
	if len(jwtSecret) == 0 {
		return nil, ErrNoSecret
	}
	claims := &Claims{}
	keyFunc := func(*jwt.Token) (interface{}, error) { return jwtSecret, nil }
	_, err := jwt.ParseWithClaims(tokenString, claims, keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	if !ValidRole(claims.Role) {
		return nil, fmt.Errorf("%w %q", ErrUnknownRole, claims.Role)
	}
	return claims, nil
}
