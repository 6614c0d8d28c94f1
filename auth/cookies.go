package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"
)

// Cookie kinds carried by the protocol. Full names are
// {prefix}{appName}.{kind}.
const (
	CookieState       = "state"
	CookieRedirectURI = "redirect_uri"
	CookieRedirectTo  = "redirect_to"
	CookieVerifier    = "code_verifier"
	CookieSession     = "sessionToken"
	CookieCSRF        = "csrfToken"
)

// Lifetime of the transient authorization-state cookies.
const StateCookieMaxAge = 5 * time.Minute

// ErrMissingCookie reports an absent required cookie.
var ErrMissingCookie = errors.New("missing cookie")

// CookieStrategy selects the name prefix and security attributes.
type CookieStrategy string

const (
	StrategyStandard CookieStrategy = "standard"
	StrategySecure   CookieStrategy = "secure"
	StrategyHost     CookieStrategy = "host"
)

// CookieConfig is the static cookie policy resolved per request.
type CookieConfig struct {
	AppName  string
	Strategy CookieStrategy
	Domain   string
	Path     string
	SameSite http.SameSite
}

// CookieOptions is the per-request resolved form of CookieConfig.
type CookieOptions struct {
	Name     string
	Path     string
	Domain   string
	Secure   bool
	HTTPOnly bool
	SameSite http.SameSite
	MaxAge   int
	Expires  time.Time
}

func cookiePrefix(strategy CookieStrategy) string {
	switch strategy {
	case StrategySecure:
		return "__Secure-"
	case StrategyHost:
		return "__Host-"
	default:
		return ""
	}
}

// IsSecureRequest reports whether the request arrived over a trusted secure
// transport. Proxy headers are honoured only when trustProxy is set.
func IsSecureRequest(r *http.Request, trustProxy bool) bool {
	if r.TLS != nil || r.URL.Scheme == "https" {
		return true
	}
	if !trustProxy {
		return false
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return strings.EqualFold(strings.TrimSpace(strings.Split(proto, ",")[0]), "https")
	}
	if fwd := r.Header.Get("Forwarded"); fwd != "" {
		for _, part := range strings.Split(fwd, ";") {
			kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
			if len(kv) == 2 && strings.EqualFold(kv[0], "proto") {
				return strings.EqualFold(strings.Trim(kv[1], `"`), "https")
			}
		}
	}
	return false
}

// ResolveCookie computes the effective cookie options for one cookie kind on
// this request. Secure and host strategies silently degrade to standard over
// insecure transport: a working, weaker cookie in development beats a
// silently dropped session.
func ResolveCookie(r *http.Request, cfg CookieConfig, kind string, trustProxy bool, logger *slog.Logger) CookieOptions {
	strategy := cfg.Strategy
	if strategy == "" {
		strategy = StrategyStandard
	}

	secure := IsSecureRequest(r, trustProxy)
	if !secure && strategy != StrategyStandard {
		if logger != nil {
			logger.Warn("cookie strategy downgraded to standard over insecure transport",
				"strategy", string(strategy), "cookie", kind)
		}
		strategy = StrategyStandard
	}

	opts := CookieOptions{
		Name:     cookiePrefix(strategy) + cfg.AppName + "." + kind,
		Path:     cfg.Path,
		Domain:   cfg.Domain,
		HTTPOnly: true,
		SameSite: cfg.SameSite,
	}
	if opts.Path == "" {
		opts.Path = "/"
	}
	if opts.SameSite == 0 {
		opts.SameSite = http.SameSiteLaxMode
	}

	switch strategy {
	case StrategyHost:
		opts.Path = "/"
		opts.Domain = ""
		opts.Secure = true
	case StrategySecure:
		opts.Secure = true
	default:
		opts.Secure = false
		if opts.SameSite == http.SameSiteNoneMode && !secure {
			opts.SameSite = http.SameSiteLaxMode
		}
	}
	return opts
}

// escapeCookieValue percent-encodes the bytes the cookie-octet grammar
// forbids: ';', ',', '"', '\', '%', space, control bytes and non-ASCII.
// Everything else passes through, so token values stay verbatim. Without this
// an attacker-chosen value could smuggle its own cookie attributes into the
// Set-Cookie header.
func escapeCookieValue(value string) string {
	var b strings.Builder
	for i := 0; i < len(value); i++ {
		c := value[i]
		if cookieOctetSafe(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteString(fmt.Sprintf("%%%02X", c))
	}
	return b.String()
}

func cookieOctetSafe(c byte) bool {
	switch c {
	case '"', ',', ';', '\\', '%':
		return false
	}
	return c > 0x20 && c < 0x7f
}

func unescapeCookieValue(value string) string {
	decoded, err := url.PathUnescape(value)
	if err != nil {
		// Not produced by escapeCookieValue; leave it untouched.
		return value
	}
	return decoded
}

// SerializeCookie renders a Set-Cookie header value with a deterministic
// attribute order: Expires, Max-Age, Domain, Path, Secure, HttpOnly,
// SameSite. The value is escaped with escapeCookieValue; ParseCookie reverses
// it.
func SerializeCookie(value string, opts CookieOptions) string {
	var b strings.Builder
	b.WriteString(opts.Name)
	b.WriteByte('=')
	b.WriteString(escapeCookieValue(value))

	if !opts.Expires.IsZero() {
		b.WriteString("; Expires=")
		b.WriteString(opts.Expires.UTC().Format(http.TimeFormat))
	}
	if opts.MaxAge != 0 {
		maxAge := opts.MaxAge
		if maxAge < 0 {
			maxAge = 0
		}
		b.WriteString(fmt.Sprintf("; Max-Age=%d", maxAge))
	}
	if opts.Domain != "" {
		b.WriteString("; Domain=")
		b.WriteString(opts.Domain)
	}
	if opts.Path != "" {
		b.WriteString("; Path=")
		b.WriteString(opts.Path)
	}
	if opts.Secure {
		b.WriteString("; Secure")
	}
	if opts.HTTPOnly {
		b.WriteString("; HttpOnly")
	}
	switch opts.SameSite {
	case http.SameSiteStrictMode:
		b.WriteString("; SameSite=Strict")
	case http.SameSiteNoneMode:
		b.WriteString("; SameSite=None")
	case http.SameSiteLaxMode:
		b.WriteString("; SameSite=Lax")
	}
	return b.String()
}

// ParseCookie extracts a cookie value from a Cookie request header, undoing
// the SerializeCookie escaping.
func ParseCookie(header, name string, optional bool) (string, error) {
	for _, part := range strings.Split(header, ";") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) == 2 && kv[0] == name {
			return unescapeCookieValue(kv[1]), nil
		}
	}
	if optional {
		return "", nil
	}
	return "", fmt.Errorf("%w: %s", ErrMissingCookie, name)
}

// ResponseCookies accumulates Set-Cookie entries and ordinary headers for a
// single response.
type ResponseCookies struct {
	cookies []string
	headers http.Header
}

// NewResponseCookies returns an empty builder.
func NewResponseCookies() *ResponseCookies {
	return &ResponseCookies{headers: http.Header{}}
}

// Set appends a Set-Cookie entry.
func (rc *ResponseCookies) Set(value string, opts CookieOptions) {
	rc.cookies = append(rc.cookies, SerializeCookie(value, opts))
}

// Expire appends a Set-Cookie entry that deletes the cookie.
func (rc *ResponseCookies) Expire(opts CookieOptions) {
	opts.MaxAge = -1
	opts.Expires = time.Unix(0, 0)
	rc.cookies = append(rc.cookies, SerializeCookie("", opts))
}

// Header sets an ordinary response header.
func (rc *ResponseCookies) Header(key, value string) {
	rc.headers.Set(key, value)
}

// Apply writes the accumulated headers and cookies onto the response.
func (rc *ResponseCookies) Apply(dst http.Header) {
	for key, values := range rc.headers {
		for _, v := range values {
			dst.Add(key, v)
		}
	}
	for _, c := range rc.cookies {
		dst.Add("Set-Cookie", c)
	}
}

// SetCookieValue reads back an accumulated Set-Cookie value by cookie name.
// Used by tests and sign-out cleanup.
func (rc *ResponseCookies) SetCookieValue(name string) (string, bool) {
	for _, c := range rc.cookies {
		if v, ok := setCookieValue(c, name); ok {
			return v, true
		}
	}
	return "", false
}

func setCookieValue(setCookie, name string) (string, bool) {
	first := strings.SplitN(setCookie, ";", 2)[0]
	kv := strings.SplitN(first, "=", 2)
	if len(kv) == 2 && textproto.TrimString(kv[0]) == name {
		return unescapeCookieValue(kv[1]), true
	}
	return "", false
}
