// Package client lets backend services validate authgate session cookies
// locally, without calling the auth server. The service shares the master
// secret and derives the same key material.
package client

import (
	"context"
	"errors"
	"net/http"
	"time"

	"authgate/auth"
)

// ValidatorConfig configures the session validator.
type ValidatorConfig struct {
	// Secret is the master secret shared with the auth server.
	Secret string
	// AppName scopes the session cookie name, default authgate.
	AppName string
}

// Validator verifies encrypted session tokens.
type Validator struct {
	keys    auth.Keys
	appName string
}

// NewValidator derives key material from the shared secret. Weak secrets are
// rejected here.
func NewValidator(cfg ValidatorConfig) (*Validator, error) {
	if err := auth.ValidateSecret(cfg.Secret); err != nil {
		return nil, err
	}
	keys, err := auth.DeriveKeys(cfg.Secret)
	if err != nil {
		return nil, err
	}
	appName := cfg.AppName
	if appName == "" {
		appName = "authgate"
	}
	return &Validator{keys: keys, appName: appName}, nil
}

// Validate decrypts and verifies a raw session token.
func (v *Validator) Validate(rawToken string) (*auth.Session, error) {
	if rawToken == "" {
		return nil, errors.New("token required")
	}
	sess, err := auth.DecodeSession(rawToken, v.keys)
	if err != nil {
		return nil, err
	}
	if time.Now().After(sess.Expires) {
		return nil, auth.ErrInvalidSession
	}
	return &sess, nil
}

// SessionFromRequest finds the session cookie across the three naming
// strategies and validates it.
func (v *Validator) SessionFromRequest(r *http.Request) (*auth.Session, error) {
	for _, name := range []string{
		"__Host-" + v.appName + "." + auth.CookieSession,
		"__Secure-" + v.appName + "." + auth.CookieSession,
		v.appName + "." + auth.CookieSession,
	} {
		cookie, err := r.Cookie(name)
		if err != nil {
			continue
		}
		return v.Validate(cookie.Value)
	}
	return nil, auth.ErrInvalidSession
}

// RequireAuth middleware validates the session cookie and injects the
// session into the request context.
func RequireAuth(v *Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, err := v.SessionFromRequest(r)
			if err != nil {
				http.Error(w, "invalid session", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), sessionKey{}, sess)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SessionFromContext retrieves the session attached by the middleware.
func SessionFromContext(ctx context.Context) (*auth.Session, bool) {
	sess, ok := ctx.Value(sessionKey{}).(*auth.Session)
	return sess, ok
}

type sessionKey struct{}
