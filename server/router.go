package server

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with all authentication endpoints
// mounted under the configured base path.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(CORSMiddleware(a))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware())
	}

	r.Get("/healthz", a.handleHealth)

	r.Route(a.Config.Auth.BasePath, func(r chi.Router) {
		r.Get("/signIn/{provider}", func(w http.ResponseWriter, req *http.Request) {
			a.Auth.SignIn(w, req, chi.URLParam(req, "provider"))
		})
		r.Get("/callback/{provider}", func(w http.ResponseWriter, req *http.Request) {
			a.Auth.Callback(w, req, chi.URLParam(req, "provider"))
		})
		r.Get("/session", a.Auth.Session)
		r.Post("/signOut", a.Auth.SignOut)
		r.Get("/csrfToken", a.Auth.CSRFToken)
		r.Get("/providers", a.handleProviders)
	})

	return r
}

func (a *App) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleProviders lists the configured provider ids so front ends can render
// sign-in choices without hardcoding them.
func (a *App) handleProviders(w http.ResponseWriter, _ *http.Request) {
	ids := a.Registry.IDs()
	sort.Strings(ids)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string][]string{"providers": ids})
}
