package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// expiryFromToken pulls the exp claim out of a JWT access token. The
// client holds no signing key and only needs the timestamp, so the
// token is parsed unverified. Non-JWT tokens yield the zero time.
func expiryFromToken(token string) time.Time {
	claims := jwt.RegisteredClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}
