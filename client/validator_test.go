package client

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"authgate/auth"
)

const testSecret = "Kf8mQ2xLr9ZpWv3TnYb6JhGd4CsEu7Aw"

func mintSession(t *testing.T, sub string) string {
	t.Helper()
	keys, err := auth.DeriveKeys(testSecret)
	if err != nil {
		t.Fatalf("derive keys: %v", err)
	}
	token, err := auth.EncodeSession(auth.User{Sub: sub, Name: "Test"}, keys, time.Hour)
	if err != nil {
		t.Fatalf("encode session: %v", err)
	}
	return token
}

func TestNewValidatorRejectsWeakSecret(t *testing.T) {
	if _, err := NewValidator(ValidatorConfig{Secret: "weak"}); err == nil {
		t.Error("weak secret accepted")
	}
}

func TestValidate(t *testing.T) {
	v, err := NewValidator(ValidatorConfig{Secret: testSecret})
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}

	sess, err := v.Validate(mintSession(t, "u-1"))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if sess.User.Sub != "u-1" {
		t.Errorf("sub = %q", sess.User.Sub)
	}

	if _, err := v.Validate("garbage"); err == nil {
		t.Error("garbage token accepted")
	}
	if _, err := v.Validate(""); err == nil {
		t.Error("empty token accepted")
	}
}

func TestValidateRejectsForeignSecret(t *testing.T) {
	v, err := NewValidator(ValidatorConfig{Secret: "x7Pd2VqN8mRw4KcTj6LbYh3GfZs9EuAt"})
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}
	if _, err := v.Validate(mintSession(t, "u-1")); err == nil {
		t.Error("token from different secret accepted")
	}
}

func TestSessionFromRequestCookieNames(t *testing.T) {
	v, err := NewValidator(ValidatorConfig{Secret: testSecret})
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}
	token := mintSession(t, "u-2")

	for _, name := range []string{
		"authgate.sessionToken",
		"__Secure-authgate.sessionToken",
		"__Host-authgate.sessionToken",
	} {
		t.Run(name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.AddCookie(&http.Cookie{Name: name, Value: token})

			sess, err := v.SessionFromRequest(r)
			if err != nil {
				t.Fatalf("session from request: %v", err)
			}
			if sess.User.Sub != "u-2" {
				t.Errorf("sub = %q", sess.User.Sub)
			}
		})
	}

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, err := v.SessionFromRequest(r); err == nil {
		t.Error("request without cookie accepted")
	}
}

func TestRequireAuth(t *testing.T) {
	v, err := NewValidator(ValidatorConfig{Secret: testSecret})
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}

	var gotSub string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sess, ok := SessionFromContext(r.Context()); ok {
			gotSub = sess.User.Sub
		}
	})
	handler := RequireAuth(v)(inner)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: "authgate.sessionToken", Value: mintSession(t, "u-3")})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
	if gotSub != "u-3" {
		t.Errorf("context sub = %q", gotSub)
	}

	// No cookie: rejected before the inner handler runs.
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, httptest.NewRequest(http.MethodGet, "/", nil))
	if w2.Code != http.StatusUnauthorized {
		t.Errorf("status without cookie = %d", w2.Code)
	}
}
