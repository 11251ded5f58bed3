// Package auth verifies the bearer tokens that identify file owners.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kenneth/chunkvault/internal/common"
)

// ErrTokenExpired is returned for well-formed tokens past their expiry.
var ErrTokenExpired = fmt.Errorf("%w: token expired", common.ErrUnauthorized)

// Claims is the standard claim set plus the owner id.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"uid"`
}

// GenerateToken signs an HS256 token for userID.
func GenerateToken(userID, issuer string, secretKey []byte, validityDuration time.Duration) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("%w: user id is required", common.ErrInvalidRequest)
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(validityDuration)),
		},
		UserID: userID,
	})

	tokenString, err := token.SignedString(secretKey)
	if err != nil {
		return "", err
	}
	return tokenString, nil
}

// ParseToken validates the signature, expiry and (when set) the issuer and
// returns the owner id. All failures wrap common.ErrUnauthorized.
func ParseToken(tokenString, issuer string, secretKey []byte) (string, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return secretKey, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrTokenExpired
		}
		return "", fmt.Errorf("%w: %v", common.ErrUnauthorized, err)
	}
	if !token.Valid {
		return "", fmt.Errorf("%w: invalid token", common.ErrUnauthorized)
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return "", fmt.Errorf("%w: token carries no user id", common.ErrUnauthorized)
	}
	return userID, nil
}
