package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Default network and lifetime bounds.
const (
	DefaultProviderTimeout = 5 * time.Second
	DefaultSessionMaxAge   = DefaultTokenMaxAge
)

// Options configures the protocol engine.
type Options struct {
	// AppName scopes cookie names: {prefix}{AppName}.{kind}.
	AppName string
	// BasePath is the mount point of the handlers, default /auth. It is
	// used to compute the provider redirect_uri.
	BasePath string
	// Secret is the master secret backing all token cryptography.
	Secret string
	// Registry resolves provider ids to credentials.
	Registry *Registry
	// Cookies is the static cookie policy.
	Cookies CookieConfig
	// TrustProxyHeaders enables X-Forwarded-Proto/Host and Forwarded.
	TrustProxyHeaders bool
	// TrustedOrigins is the cross-origin allow-list for state-changing
	// requests. Empty means same-origin only.
	TrustedOrigins []string
	// SessionMaxAge bounds session tokens, default 15 days.
	SessionMaxAge time.Duration
	// ProviderTimeout bounds token-exchange and userinfo calls.
	ProviderTimeout time.Duration
	// HTTPClient performs outbound provider calls.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Handler implements the five protocol actions over plain
// http.ResponseWriter/Request pairs. Routing and framework adaptation live
// outside this package.
type Handler struct {
	appName         string
	basePath        string
	keys            Keys
	registry        *Registry
	cookieCfg       CookieConfig
	trustProxy      bool
	trustedOrigins  []string
	sessionMaxAge   time.Duration
	providerTimeout time.Duration
	client          *http.Client
	logger          *slog.Logger
}

// NewHandler validates the secret, derives the key material and wires the
// engine. Misconfiguration fails here, never at request time.
func NewHandler(opts Options) (*Handler, error) {
	if opts.Registry == nil {
		return nil, internalErr("invalid_configuration", errors.New("provider registry required"))
	}
	if err := ValidateSecret(opts.Secret); err != nil {
		return nil, internalErr("invalid_secret", err)
	}
	keys, err := DeriveKeys(opts.Secret)
	if err != nil {
		return nil, internalErr("key_derivation", err)
	}

	h := &Handler{
		appName:         opts.AppName,
		basePath:        strings.TrimSuffix(opts.BasePath, "/"),
		keys:            keys,
		registry:        opts.Registry,
		cookieCfg:       opts.Cookies,
		trustProxy:      opts.TrustProxyHeaders,
		trustedOrigins:  opts.TrustedOrigins,
		sessionMaxAge:   opts.SessionMaxAge,
		providerTimeout: opts.ProviderTimeout,
		client:          opts.HTTPClient,
		logger:          opts.Logger,
	}
	if h.appName == "" {
		h.appName = "authgate"
	}
	if h.basePath == "" {
		h.basePath = "/auth"
	}
	if h.cookieCfg.AppName == "" {
		h.cookieCfg.AppName = h.appName
	}
	if h.sessionMaxAge <= 0 {
		h.sessionMaxAge = DefaultSessionMaxAge
	}
	if h.providerTimeout <= 0 {
		h.providerTimeout = DefaultProviderTimeout
	}
	if h.client == nil {
		h.client = &http.Client{Timeout: h.providerTimeout}
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h, nil
}

// SignIn starts the authorization-code flow for the named provider.
func (h *Handler) SignIn(w http.ResponseWriter, r *http.Request, providerID string) {
	creds, ok := h.registry.Get(providerID)
	if !ok {
		h.logger.Warn("sign-in for unknown provider", "provider", providerID)
		writeError(w, h.logger, protocolErr("invalid_request", "unknown provider"))
		return
	}

	origin := RequestOrigin(r, h.trustProxy)
	state := randomToken(32)
	verifier := oauth2.GenerateVerifier()
	redirectURI := origin + h.basePath + "/callback/" + providerID
	redirectTo := ComputeRedirectTarget(r, r.URL.Query().Get("redirectTo"), h.trustProxy)

	authURL := h.oauthConfig(creds, redirectURI).AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))

	rc := NewResponseCookies()
	for kind, value := range map[string]string{
		CookieState:       state,
		CookieRedirectURI: redirectURI,
		CookieRedirectTo:  redirectTo,
		CookieVerifier:    verifier,
	} {
		opts := h.resolveCookie(r, kind)
		opts.MaxAge = int(StateCookieMaxAge.Seconds())
		rc.Set(value, opts)
	}
	rc.Apply(w.Header())

	h.logger.Info("authorization requested", "provider", providerID, "redirect_to", redirectTo)
	http.Redirect(w, r, authURL, http.StatusFound)
}

// Callback finishes the flow: validates state, exchanges the code, fetches
// and normalizes the profile, and mints the session.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request, providerID string) {
	creds, ok := h.registry.Get(providerID)
	if !ok {
		writeError(w, h.logger, protocolErr("invalid_request", "unknown provider"))
		return
	}

	q := r.URL.Query()
	if errCode := q.Get("error"); errCode != "" {
		severity := SeverityWarning
		if errCode == "access_denied" || errCode == "server_error" {
			severity = SeverityCritical
		}
		logSecurity(h.logger, securityErr(errCode, "provider returned authorization error", severity))
		writeError(w, h.logger, protocolErr(errCode, q.Get("error_description")))
		return
	}

	stateCookie, err := h.readCookie(r, CookieState, false)
	if err != nil {
		writeError(w, h.logger, securityErr("missing_state", "state cookie absent", SeverityWarning))
		return
	}
	stateParam := q.Get("state")
	if stateParam == "" || stateCookie == "" || stateParam != stateCookie {
		writeError(w, h.logger, securityErr("state_mismatch", "state cookie does not match state parameter", SeverityCritical))
		return
	}

	verifier, err := h.readCookie(r, CookieVerifier, false)
	if err != nil || len(verifier) < 43 || len(verifier) > 128 {
		writeError(w, h.logger, securityErr("missing_code_verifier", "pkce verifier absent or malformed", SeverityCritical))
		return
	}
	redirectURI, err := h.readCookie(r, CookieRedirectURI, false)
	if err != nil {
		writeError(w, h.logger, securityErr("missing_redirect_uri", "redirect_uri cookie absent", SeverityWarning))
		return
	}

	redirectTo, _ := h.readCookie(r, CookieRedirectTo, true)
	if redirectTo == "" {
		redirectTo = "/"
	}
	if !IsRelativePath(redirectTo) {
		writeError(w, h.logger, securityErr("unsafe_redirect", "redirect target is not a safe relative path", SeverityCritical))
		return
	}

	code := q.Get("code")
	if code == "" {
		writeError(w, h.logger, protocolErr("invalid_request", "missing authorization code"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.providerTimeout)
	defer cancel()

	token, err := h.exchangeCode(ctx, creds, redirectURI, code, verifier)
	if err != nil {
		h.logger.Warn("token exchange failed", "provider", providerID, "error", err)
		writeError(w, h.logger, err)
		return
	}

	rawProfile, err := h.fetchUserInfo(ctx, creds, token)
	if err != nil {
		h.logger.Warn("userinfo fetch failed", "provider", providerID, "error", err)
		writeError(w, h.logger, err)
		return
	}

	var user User
	if creds.Profile != nil {
		user = creds.Profile(rawProfile)
	} else {
		user = NormalizeProfile(rawProfile)
	}

	sessionToken, err := EncodeSession(user, h.keys, h.sessionMaxAge)
	if err != nil {
		writeError(w, h.logger, internalErr("session_encode", err))
		return
	}
	csrfToken, err := MintCSRFToken(h.keys, h.sessionMaxAge)
	if err != nil {
		writeError(w, h.logger, internalErr("csrf_mint", err))
		return
	}

	rc := NewResponseCookies()
	sessionOpts := h.resolveCookie(r, CookieSession)
	sessionOpts.MaxAge = int(h.sessionMaxAge.Seconds())
	rc.Set(sessionToken, sessionOpts)

	csrfOpts := h.resolveCookie(r, CookieCSRF)
	csrfOpts.MaxAge = int(h.sessionMaxAge.Seconds())
	rc.Set(csrfToken, csrfOpts)

	for _, kind := range []string{CookieState, CookieRedirectURI, CookieRedirectTo, CookieVerifier} {
		rc.Expire(h.resolveCookie(r, kind))
	}
	rc.Apply(w.Header())
	setNoStore(w.Header())

	h.logger.Info("session established", "provider", providerID, "sub", user.Sub)
	http.Redirect(w, r, redirectTo, http.StatusFound)
}

// Session reads and decodes the session cookie. All verification failures
// collapse into an undifferentiated 401.
func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	setNoStore(w.Header())

	token, err := h.readCookie(r, CookieSession, true)
	if err == nil && token != "" {
		if sess, decodeErr := DecodeSession(token, h.keys); decodeErr == nil {
			writeJSON(w, http.StatusOK, map[string]any{
				"user":    sess.User,
				"expires": sess.Expires.UTC().Format(time.RFC3339),
			})
			return
		}
	}

	rc := NewResponseCookies()
	rc.Expire(h.resolveCookie(r, CookieSession))
	rc.Apply(w.Header())
	writeJSON(w, http.StatusUnauthorized, map[string]any{
		"authenticated": false,
		"message":       "Unauthorized",
	})
}

// SignOut ends the session after double-submit CSRF validation.
func (h *Handler) SignOut(w http.ResponseWriter, r *http.Request) {
	setNoStore(w.Header())

	if err := h.checkRequestOrigin(r); err != nil {
		writeError(w, h.logger, err)
		return
	}

	hint := r.URL.Query().Get("token_type_hint")
	if hint != "" && hint != "session_token" {
		writeError(w, h.logger, protocolErr("unsupported_token_type", "unknown token_type_hint"))
		return
	}

	sessionToken, err := h.readCookie(r, CookieSession, false)
	if err != nil {
		writeError(w, h.logger, securityErr("missing_session_token", "session cookie absent", SeverityWarning))
		return
	}
	csrfCookie, err := h.readCookie(r, CookieCSRF, false)
	if err != nil {
		writeError(w, h.logger, securityErr("missing_csrf_token", "csrf cookie absent", SeverityWarning))
		return
	}

	if err := ValidateDoubleSubmit(csrfCookie, r.Header.Get("X-CSRF-Token"), h.keys); err != nil {
		writeError(w, h.logger, err)
		return
	}

	sess, err := DecodeSession(sessionToken, h.keys)
	if err != nil {
		writeError(w, h.logger, securityErr("invalid_session_token", "session verification failed", SeverityWarning))
		return
	}

	rc := NewResponseCookies()
	rc.Expire(h.resolveCookie(r, CookieSession))
	rc.Expire(h.resolveCookie(r, CookieCSRF))
	rc.Apply(w.Header())

	location := ComputeRedirectTarget(r, r.URL.Query().Get("redirectTo"), h.trustProxy)
	w.Header().Set("Location", location)

	h.logger.Info("session terminated", "sub", sess.User.Sub)
	writeJSON(w, http.StatusAccepted, map[string]string{"message": "signed out"})
}

// CSRFToken returns the current CSRF token, reusing a still-valid cookie so
// the token stays stable across a page session.
func (h *Handler) CSRFToken(w http.ResponseWriter, r *http.Request) {
	setNoStore(w.Header())

	existing, _ := h.readCookie(r, CookieCSRF, true)
	if existing != "" {
		if _, err := VerifyCSRFToken(existing, h.keys); err == nil {
			writeJSON(w, http.StatusOK, map[string]string{"csrfToken": existing})
			return
		}
	}

	token, err := MintCSRFToken(h.keys, h.sessionMaxAge)
	if err != nil {
		writeError(w, h.logger, internalErr("csrf_mint", err))
		return
	}
	opts := h.resolveCookie(r, CookieCSRF)
	opts.MaxAge = int(h.sessionMaxAge.Seconds())

	rc := NewResponseCookies()
	rc.Set(token, opts)
	rc.Apply(w.Header())
	writeJSON(w, http.StatusOK, map[string]string{"csrfToken": token})
}

func (h *Handler) oauthConfig(creds OAuthProviderCredentials, redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		RedirectURL:  redirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:  creds.AuthorizeURL,
			TokenURL: creds.TokenURL,
		},
		Scopes: strings.Fields(creds.Scope),
	}
}

func (h *Handler) exchangeCode(ctx context.Context, creds OAuthProviderCredentials, redirectURI, code, verifier string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, h.client)
	token, err := h.oauthConfig(creds, redirectURI).Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		var retrieve *oauth2.RetrieveError
		if errors.As(err, &retrieve) && retrieve.ErrorCode != "" {
			return nil, protocolErr(retrieve.ErrorCode, retrieve.ErrorDescription)
		}
		return nil, protocolErr("token_exchange_failed", "provider token endpoint rejected the exchange")
	}
	if token.AccessToken == "" {
		return nil, protocolErr("token_exchange_failed", "provider returned no access token")
	}
	return token, nil
}

func (h *Handler) fetchUserInfo(ctx context.Context, creds OAuthProviderCredentials, token *oauth2.Token) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, creds.UserInfoURL, nil)
	if err != nil {
		return nil, internalErr("userinfo_request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, protocolErr("userinfo_failed", "userinfo endpoint unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		return nil, protocolErr("userinfo_failed", fmt.Sprintf("userinfo endpoint returned %d", resp.StatusCode))
	}

	var raw map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&raw); err != nil {
		return nil, protocolErr("userinfo_failed", "userinfo response is not valid JSON")
	}
	return raw, nil
}

// checkRequestOrigin rejects cross-origin state-changing requests unless the
// origin is allow-listed.
func (h *Handler) checkRequestOrigin(r *http.Request) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil
	}
	if origin == RequestOrigin(r, h.trustProxy) {
		return nil
	}
	if TrustedOriginMatch(origin, h.trustedOrigins) {
		return nil
	}
	return securityErr("untrusted_origin", "request origin not in the trusted list", SeverityWarning)
}

func (h *Handler) resolveCookie(r *http.Request, kind string) CookieOptions {
	return ResolveCookie(r, h.cookieCfg, kind, h.trustProxy, h.logger)
}

func (h *Handler) readCookie(r *http.Request, kind string, optional bool) (string, error) {
	opts := h.resolveCookie(r, kind)
	return ParseCookie(r.Header.Get("Cookie"), opts.Name, optional)
}

func setNoStore(header http.Header) {
	header.Set("Cache-Control", "no-store")
	header.Set("Pragma", "no-cache")
	header.Set("Expires", "0")
	header.Set("Vary", "Cookie")
}
