package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/pkg/errors"
)

// SessionToken is the JWT ClearNode returns from auth_verify. The client
// cannot verify it and never sends it back; it is kept for auditing only.
type SessionToken struct {
	Raw       string
	Subject   string
	ExpiresAt time.Time
}

func (t *SessionToken) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// ParseSessionToken reads the registered claims without checking the
// signature.
func ParseSessionToken(raw string) (*SessionToken, error) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, errors.Wrap(err, "parse session token")
	}

	token := &SessionToken{Raw: raw, Subject: claims.Subject}
	if claims.ExpiresAt != nil {
		token.ExpiresAt = claims.ExpiresAt.Time
	}
	return token, nil
}
