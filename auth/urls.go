package auth

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

const (
	maxRelativePathLength = 100
	maxOriginPatternLen   = 2048
	maxHostLength         = 253
)

// Substrings that must never appear in a redirect target.
var dangerousPathParts = []string{
	"<", ">", `"`, "'", "`", `\`,
	"%2f", "%2F", "%5c", "%5C",
	"..",
	"%0a", "%0A", "%0d", "%0D",
}

var relativePathPattern = regexp.MustCompile(`^/[a-zA-Z0-9\-._~!$&()*+,;=:@/?%#\[\]]*$`)

// IsRelativePath reports whether s is a safe same-origin relative path.
// Anything else is treated as an open-redirect vector.
func IsRelativePath(s string) bool {
	if s == "" || len(s) > maxRelativePathLength {
		return false
	}
	if !strings.HasPrefix(s, "/") {
		return false
	}
	if strings.HasPrefix(s, "//") {
		return false
	}
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return false
		}
	}
	lower := strings.ToLower(s)
	for _, part := range dangerousPathParts {
		if strings.Contains(lower, strings.ToLower(part)) {
			return false
		}
	}
	return relativePathPattern.MatchString(s)
}

// IsAbsoluteHTTPURL reports whether s is a well-formed absolute http(s) URL
// free of dangerous characters.
func IsAbsoluteHTTPURL(s string) bool {
	if s == "" || len(s) > maxOriginPatternLen {
		return false
	}
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return false
		}
	}
	if strings.ContainsAny(s, `<>"'`+"`"+`\`) {
		return false
	}
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return u.Host != ""
}

// TrustedOriginMatch compares the origin of rawURL against the allow-list.
// Patterns are exact origins or a single leftmost-label wildcard such as
// https://*.example.com. Parse failures fail closed.
func TrustedOriginMatch(rawURL string, patterns []string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return false
	}
	if len(u.Host) > maxHostLength {
		return false
	}
	origin := u.Scheme + "://" + u.Host

	for _, pattern := range patterns {
		if pattern == "" || len(pattern) > maxOriginPatternLen {
			continue
		}
		if matchOriginPattern(origin, u.Scheme, u.Hostname(), u.Port(), pattern) {
			return true
		}
	}
	return false
}

func matchOriginPattern(origin, scheme, host, port, pattern string) bool {
	if !strings.Contains(pattern, "*") {
		return origin == strings.TrimSuffix(pattern, "/")
	}

	// Wildcard must occupy the leftmost label only.
	pu, err := url.Parse(strings.Replace(pattern, "*", "wildcard", 1))
	if err != nil {
		return false
	}
	if !strings.HasPrefix(pu.Hostname(), "wildcard.") {
		return false
	}
	if strings.Contains(strings.TrimPrefix(pu.Hostname(), "wildcard."), "*") {
		return false
	}
	if pu.Scheme != scheme {
		return false
	}
	if pu.Port() != port {
		return false
	}

	suffix := strings.TrimPrefix(pu.Hostname(), "wildcard")
	if !strings.HasSuffix(host, suffix) {
		return false
	}
	// One subdomain level only.
	label := strings.TrimSuffix(host, suffix)
	return label != "" && !strings.Contains(label, ".")
}

// RequestOrigin resolves the origin serving this request, honouring proxy
// headers only when trustProxy is set.
func RequestOrigin(r *http.Request, trustProxy bool) string {
	scheme := "http"
	if IsSecureRequest(r, trustProxy) {
		scheme = "https"
	}
	host := r.Host
	if trustProxy {
		if fwdHost := r.Header.Get("X-Forwarded-Host"); fwdHost != "" {
			host = strings.TrimSpace(strings.Split(fwdHost, ",")[0])
		}
	}
	return scheme + "://" + host
}

// ComputeRedirectTarget resolves the post-login destination. Precedence:
// explicit redirectTo parameter, then the Referer path when it shares the
// request origin, then "/". Malformed input resolves to "/" rather than
// failing.
func ComputeRedirectTarget(r *http.Request, explicit string, trustProxy bool) string {
	if explicit != "" && IsRelativePath(explicit) {
		return explicit
	}
	if explicit != "" {
		return "/"
	}

	referer := r.Header.Get("Referer")
	if referer == "" {
		return "/"
	}
	ref, err := url.Parse(referer)
	if err != nil || ref.Scheme == "" || ref.Host == "" {
		return "/"
	}
	if ref.Scheme+"://"+ref.Host != RequestOrigin(r, trustProxy) {
		return "/"
	}
	path := ref.Path
	if ref.RawQuery != "" {
		path += "?" + ref.RawQuery
	}
	if !IsRelativePath(path) {
		return "/"
	}
	return path
}
