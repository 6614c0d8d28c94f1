package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"authgate/auth"
)

// App wires configuration, logging and the protocol engine together.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Auth     *auth.Handler
	Registry *auth.Registry
}

// NewApp resolves all providers and constructs the engine. Discovery-based
// providers are fetched here so metadata failures surface at startup.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	entries, err := resolveProviders(ctx, cfg.Providers)
	if err != nil {
		return nil, err
	}

	registry, err := auth.BuildRegistry(cfg.EnvPrefix(), entries, os.Getenv)
	if err != nil {
		return nil, fmt.Errorf("build provider registry: %w", err)
	}

	handler, err := auth.NewHandler(auth.Options{
		AppName:           cfg.Auth.AppName,
		BasePath:          cfg.Auth.BasePath,
		Secret:            cfg.Auth.Secret,
		Registry:          registry,
		Cookies:           cfg.CookieConfig(),
		TrustProxyHeaders: cfg.Server.TrustProxyHeaders,
		TrustedOrigins:    cfg.Auth.TrustedOrigins,
		SessionMaxAge:     cfg.SessionMaxAge(),
		ProviderTimeout:   cfg.ProviderTimeout(),
		HTTPClient:        &http.Client{Timeout: cfg.ProviderTimeout()},
		Logger:            logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init auth handler: %w", err)
	}

	logger.Info("providers registered", "ids", registry.IDs())

	return &App{
		Config:   cfg,
		Logger:   logger,
		Auth:     handler,
		Registry: registry,
	}, nil
}

func resolveProviders(ctx context.Context, specs []ProviderSpec) ([]auth.ProviderEntry, error) {
	entries := make([]auth.ProviderEntry, 0, len(specs))
	for _, spec := range specs {
		switch {
		case spec.Name != "":
			entries = append(entries, auth.BuiltIn(spec.Name))
		case spec.Issuer != "":
			creds, err := auth.DiscoverProvider(ctx, spec.ID, spec.Issuer, spec.ClientID, spec.ClientSecret)
			if err != nil {
				return nil, err
			}
			if spec.Scope != "" {
				creds.Scope = spec.Scope
			}
			entries = append(entries, auth.Custom(creds))
		default:
			entries = append(entries, auth.Custom(auth.OAuthProviderCredentials{
				OAuthProviderConfig: auth.OAuthProviderConfig{
					ID:           spec.ID,
					AuthorizeURL: spec.AuthorizeURL,
					TokenURL:     spec.TokenURL,
					UserInfoURL:  spec.UserInfoURL,
					Scope:        spec.Scope,
				},
				ClientID:     spec.ClientID,
				ClientSecret: spec.ClientSecret,
			}))
		}
	}
	return entries, nil
}
