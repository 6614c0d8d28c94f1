package auth

import (
	"crypto/subtle"
	"time"
)

const csrfTokenBytes = 32

// MintCSRFToken signs a fresh random token into a JWS suitable for the CSRF
// cookie. The token is idempotent until its own expiry; single use is not
// enforced.
func MintCSRFToken(keys Keys, maxAge time.Duration) (string, error) {
	return Sign(map[string]any{"token": randomToken(csrfTokenBytes)}, keys, maxAge)
}

// VerifyCSRFToken checks the JWS and returns the embedded random token.
func VerifyCSRFToken(signed string, keys Keys) (string, error) {
	claims, err := Verify(signed, keys)
	if err != nil {
		return "", err
	}
	token := stringClaim(claims, "token")
	if token == "" {
		return "", ErrVerification
	}
	return token, nil
}

// ValidateDoubleSubmit verifies both the cookie JWT and the header JWT and
// compares the embedded random tokens in constant time. Two independently
// valid tokens with different randoms still fail.
func ValidateDoubleSubmit(cookieJWS, headerJWS string, keys Keys) error {
	if cookieJWS == "" || headerJWS == "" {
		return securityErr("missing_csrf_token", "csrf token not provided", SeverityWarning)
	}

	cookieToken, err := VerifyCSRFToken(cookieJWS, keys)
	if err != nil {
		return securityErr("invalid_csrf_token", "csrf cookie verification failed", SeverityWarning)
	}
	headerToken, err := VerifyCSRFToken(headerJWS, keys)
	if err != nil {
		return securityErr("invalid_csrf_token", "csrf header verification failed", SeverityWarning)
	}

	if len(cookieToken) != len(headerToken) ||
		subtle.ConstantTimeCompare([]byte(cookieToken), []byte(headerToken)) != 1 {
		return securityErr("csrf_token_mismatch", "cookie and header csrf tokens differ", SeverityWarning)
	}
	return nil
}
