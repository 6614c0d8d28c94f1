package auth

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSerializeCookieAttributeOrder(t *testing.T) {
	opts := CookieOptions{
		Name:     "authgate.state",
		Path:     "/",
		Domain:   "example.com",
		Secure:   true,
		HTTPOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   300,
		Expires:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	got := SerializeCookie("abc", opts)
	want := "authgate.state=abc; Expires=Fri, 02 Jan 2026 03:04:05 GMT; Max-Age=300; Domain=example.com; Path=/; Secure; HttpOnly; SameSite=Lax"
	if got != want {
		t.Errorf("serialize mismatch:\n got %s\nwant %s", got, want)
	}
}

func TestCookieValueEscaping(t *testing.T) {
	opts := CookieOptions{
		Name:     "authgate.redirect_to",
		Path:     "/",
		MaxAge:   300,
		HTTPOnly: true,
		SameSite: http.SameSiteLaxMode,
	}

	tests := []struct {
		name  string
		value string
	}{
		{"semicolon attribute injection", "/x;domain=evil.com"},
		{"comma and equals", "/a,b=c"},
		{"literal percent", "/p%q"},
		{"space and quote", `/s "v"`},
		{"compact token passes verbatim", "eyJhbGciOiJIUzI1NiJ9.e30.sig"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			serialized := SerializeCookie(tt.value, opts)

			resp := &http.Response{Header: http.Header{"Set-Cookie": {serialized}}}
			parsed := resp.Cookies()
			if len(parsed) != 1 {
				t.Fatalf("parsed %d cookies from %q", len(parsed), serialized)
			}
			c := parsed[0]
			if c.Domain != "" {
				t.Fatalf("value injected a Domain attribute: %q", serialized)
			}
			if c.MaxAge != 300 {
				t.Errorf("Max-Age = %d after parsing %q", c.MaxAge, serialized)
			}

			got, err := ParseCookie(c.Name+"="+c.Value, "authgate.redirect_to", false)
			if err != nil || got != tt.value {
				t.Errorf("round trip = %q, %v, want %q", got, err, tt.value)
			}
		})
	}
}

func TestParseCookie(t *testing.T) {
	header := "authgate.state=abc; other=1; authgate.csrfToken=xyz"

	if v, err := ParseCookie(header, "authgate.state", false); err != nil || v != "abc" {
		t.Errorf("ParseCookie(state) = %q, %v", v, err)
	}
	if v, err := ParseCookie(header, "authgate.csrfToken", false); err != nil || v != "xyz" {
		t.Errorf("ParseCookie(csrfToken) = %q, %v", v, err)
	}
	if _, err := ParseCookie(header, "authgate.sessionToken", false); !errors.Is(err, ErrMissingCookie) {
		t.Errorf("missing cookie error = %v", err)
	}
	if v, err := ParseCookie(header, "authgate.sessionToken", true); err != nil || v != "" {
		t.Errorf("optional missing cookie = %q, %v", v, err)
	}
}

func TestResolveCookieStrategies(t *testing.T) {
	logger := discardLogger()

	tests := []struct {
		name       string
		strategy   CookieStrategy
		secure     bool
		wantName   string
		wantSecure bool
		wantDomain string
		wantPath   string
	}{
		{"standard insecure", StrategyStandard, false, "authgate.state", false, "example.com", "/app"},
		{"standard secure", StrategyStandard, true, "authgate.state", false, "example.com", "/app"},
		{"secure over https", StrategySecure, true, "__Secure-authgate.state", true, "example.com", "/app"},
		{"host over https", StrategyHost, true, "__Host-authgate.state", true, "", "/"},
		// Downgrade over plain http: prefix dropped, Secure off.
		{"secure over http", StrategySecure, false, "authgate.state", false, "example.com", "/app"},
		{"host over http", StrategyHost, false, "authgate.state", false, "example.com", "/app"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := "http://example.com/auth/signIn/github"
			if tt.secure {
				target = "https://example.com/auth/signIn/github"
			}
			r := httptest.NewRequest(http.MethodGet, target, nil)

			cfg := CookieConfig{AppName: "authgate", Strategy: tt.strategy, Domain: "example.com", Path: "/app"}
			opts := ResolveCookie(r, cfg, CookieState, false, logger)

			if opts.Name != tt.wantName {
				t.Errorf("name = %s, want %s", opts.Name, tt.wantName)
			}
			if opts.Secure != tt.wantSecure {
				t.Errorf("secure = %v, want %v", opts.Secure, tt.wantSecure)
			}
			if opts.Domain != tt.wantDomain {
				t.Errorf("domain = %q, want %q", opts.Domain, tt.wantDomain)
			}
			if opts.Path != tt.wantPath {
				t.Errorf("path = %q, want %q", opts.Path, tt.wantPath)
			}
			if !opts.HTTPOnly {
				t.Error("HttpOnly must always be set")
			}
		})
	}
}

func TestResolveCookieSameSiteNoneDowngrade(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://example.com/auth/session", nil)
	cfg := CookieConfig{AppName: "authgate", Strategy: StrategyStandard, SameSite: http.SameSiteNoneMode}

	opts := ResolveCookie(r, cfg, CookieSession, false, discardLogger())
	if opts.SameSite != http.SameSiteLaxMode {
		t.Errorf("SameSite=None over http must degrade to Lax, got %v", opts.SameSite)
	}
}

func TestIsSecureRequestProxyHeaders(t *testing.T) {
	tests := []struct {
		name       string
		trustProxy bool
		headers    map[string]string
		want       bool
	}{
		{"forwarded proto ignored when untrusted", false, map[string]string{"X-Forwarded-Proto": "https"}, false},
		{"x-forwarded-proto https", true, map[string]string{"X-Forwarded-Proto": "https"}, true},
		{"x-forwarded-proto http", true, map[string]string{"X-Forwarded-Proto": "http"}, false},
		{"forwarded header", true, map[string]string{"Forwarded": `for=1.2.3.4;proto=https`}, true},
		{"no headers", true, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if got := IsSecureRequest(r, tt.trustProxy); got != tt.want {
				t.Errorf("IsSecureRequest = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResponseCookiesBuilder(t *testing.T) {
	rc := NewResponseCookies()
	rc.Set("v1", CookieOptions{Name: "authgate.state", Path: "/", MaxAge: 300})
	rc.Set("v2", CookieOptions{Name: "authgate.csrfToken", Path: "/"})
	rc.Expire(CookieOptions{Name: "authgate.sessionToken", Path: "/"})
	rc.Header("Cache-Control", "no-store")

	header := http.Header{}
	rc.Apply(header)

	if got := header.Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q", got)
	}
	setCookies := header.Values("Set-Cookie")
	if len(setCookies) != 3 {
		t.Fatalf("expected 3 Set-Cookie headers, got %d", len(setCookies))
	}

	if v, ok := rc.SetCookieValue("authgate.state"); !ok || v != "v1" {
		t.Errorf("read-back state = %q, %v", v, ok)
	}
	if v, ok := rc.SetCookieValue("authgate.sessionToken"); !ok || v != "" {
		t.Errorf("read-back expired session = %q, %v", v, ok)
	}
	if _, ok := rc.SetCookieValue("unknown"); ok {
		t.Error("read-back of unknown cookie succeeded")
	}

	expired := setCookies[2]
	if !strings.Contains(expired, "Max-Age=0") || !strings.Contains(expired, "Expires=Thu, 01 Jan 1970") {
		t.Errorf("expired cookie not zeroed: %s", expired)
	}
}
