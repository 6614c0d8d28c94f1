package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

// ProfileFunc maps a raw userinfo document to the canonical User shape.
type ProfileFunc func(map[string]any) User

// OAuthProviderConfig statically describes a third-party authorization
// server.
type OAuthProviderConfig struct {
	ID           string
	Name         string
	AuthorizeURL string
	TokenURL     string
	UserInfoURL  string
	Scope        string
	ResponseType string
	Profile      ProfileFunc
}

// OAuthProviderCredentials adds the confidential client identity. The client
// id and secret are only ever sent in token-exchange request bodies, never in
// authorization URLs.
type OAuthProviderCredentials struct {
	OAuthProviderConfig
	ClientID     string
	ClientSecret string
}

// ProviderEntry names a built-in provider or carries fully custom
// credentials. Exactly one of the two fields is set.
type ProviderEntry struct {
	BuiltIn string
	Custom  *OAuthProviderCredentials
}

// BuiltIn references a built-in provider whose credentials come from the
// environment.
func BuiltIn(name string) ProviderEntry { return ProviderEntry{BuiltIn: name} }

// Custom wraps caller-supplied provider credentials.
func Custom(creds OAuthProviderCredentials) ProviderEntry { return ProviderEntry{Custom: &creds} }

// Registry maps provider ids to resolved credentials. Built once at startup
// and read-only afterwards.
type Registry struct {
	providers map[string]OAuthProviderCredentials
}

// EnvLookup resolves environment variables; split out for tests.
type EnvLookup func(key string) string

// BuildRegistry resolves all entries into a uniform credentials map.
// Built-in credentials are read from {appPrefix}_{PROVIDER}_CLIENT_ID and
// {appPrefix}_{PROVIDER}_CLIENT_SECRET. Duplicate ids overwrite earlier
// entries. Unknown built-in names fail here, at configuration time.
func BuildRegistry(appPrefix string, entries []ProviderEntry, env EnvLookup) (*Registry, error) {
	reg := &Registry{providers: make(map[string]OAuthProviderCredentials, len(entries))}

	for _, entry := range entries {
		switch {
		case entry.Custom != nil:
			creds := *entry.Custom
			if creds.ID == "" {
				return nil, fmt.Errorf("custom provider missing id")
			}
			applyProviderDefaults(&creds.OAuthProviderConfig)
			reg.providers[creds.ID] = creds
		case entry.BuiltIn != "":
			config, ok := builtinProviders[entry.BuiltIn]
			if !ok {
				return nil, fmt.Errorf("unknown built-in provider %q", entry.BuiltIn)
			}
			envName := strings.ToUpper(strings.ReplaceAll(entry.BuiltIn, "-", "_"))
			creds := OAuthProviderCredentials{
				OAuthProviderConfig: config,
				ClientID:            env(appPrefix + "_" + envName + "_CLIENT_ID"),
				ClientSecret:        env(appPrefix + "_" + envName + "_CLIENT_SECRET"),
			}
			if creds.ClientID == "" || creds.ClientSecret == "" {
				return nil, fmt.Errorf("provider %s: missing %s_%s_CLIENT_ID/SECRET", entry.BuiltIn, appPrefix, envName)
			}
			reg.providers[config.ID] = creds
		default:
			return nil, fmt.Errorf("empty provider entry")
		}
	}

	return reg, nil
}

// Get looks up a provider by id.
func (r *Registry) Get(id string) (OAuthProviderCredentials, bool) {
	creds, ok := r.providers[id]
	return creds, ok
}

// IDs lists the registered provider ids.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	return ids
}

func applyProviderDefaults(cfg *OAuthProviderConfig) {
	if cfg.ResponseType == "" {
		cfg.ResponseType = "code"
	}
	if cfg.Name == "" {
		cfg.Name = cfg.ID
	}
}

var builtinProviders = map[string]OAuthProviderConfig{
	"github": {
		ID:           "github",
		Name:         "GitHub",
		AuthorizeURL: "https://github.com/login/oauth/authorize",
		TokenURL:     "https://github.com/login/oauth/access_token",
		UserInfoURL:  "https://api.github.com/user",
		Scope:        "read:user user:email",
		ResponseType: "code",
		Profile: func(raw map[string]any) User {
			user := NormalizeProfile(raw)
			if user.Name == "" {
				user.Name = firstString(raw, "login")
			}
			if user.Image == "" {
				user.Image = firstString(raw, "avatar_url")
			}
			return user
		},
	},
	"google": {
		ID:           "google",
		Name:         "Google",
		AuthorizeURL: "https://accounts.google.com/o/oauth2/v2/auth",
		TokenURL:     "https://oauth2.googleapis.com/token",
		UserInfoURL:  "https://openidconnect.googleapis.com/v1/userinfo",
		Scope:        "openid email profile",
		ResponseType: "code",
	},
}

// DiscoverProvider builds provider credentials from an OIDC issuer via
// discovery. Useful for custom providers that publish standard metadata.
func DiscoverProvider(ctx context.Context, id, issuer, clientID, clientSecret string) (OAuthProviderCredentials, error) {
	if issuer == "" {
		return OAuthProviderCredentials{}, fmt.Errorf("issuer required for provider %s", id)
	}

	op, err := oidc.NewProvider(ctx, strings.TrimSuffix(issuer, "/"))
	if err != nil {
		return OAuthProviderCredentials{}, fmt.Errorf("discover provider %s: %w", id, err)
	}

	var metadata struct {
		UserInfoEndpoint string `json:"userinfo_endpoint"`
	}
	if err := op.Claims(&metadata); err != nil {
		return OAuthProviderCredentials{}, fmt.Errorf("provider %s metadata: %w", id, err)
	}
	if metadata.UserInfoEndpoint == "" {
		return OAuthProviderCredentials{}, fmt.Errorf("provider %s publishes no userinfo endpoint", id)
	}

	endpoint := op.Endpoint()
	return OAuthProviderCredentials{
		OAuthProviderConfig: OAuthProviderConfig{
			ID:           id,
			Name:         id,
			AuthorizeURL: endpoint.AuthURL,
			TokenURL:     endpoint.TokenURL,
			UserInfoURL:  metadata.UserInfoEndpoint,
			Scope:        strings.Join([]string{oidc.ScopeOpenID, "profile", "email"}, " "),
			ResponseType: "code",
		},
		ClientID:     clientID,
		ClientSecret: clientSecret,
	}, nil
}
