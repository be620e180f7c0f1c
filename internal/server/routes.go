package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/playlog/apiserver/internal/handlers"
	"github.com/playlog/apiserver/internal/logging"
	"github.com/playlog/apiserver/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// access is the gate a route sits behind.
type access int

const (
	public access = iota
	authenticated
	adminOnly
)

type route struct {
	method  string
	pattern string
	access  access
	handler http.HandlerFunc
}

// Deps are the services the HTTP surface is built on.
type Deps struct {
	Auth  handlers.AuthService
	Users handlers.UserAdmin
	Log   *zap.Logger
}

func routes(auth *handlers.AuthHandler, admin *handlers.AdminHandler) []route {
	return []route{
		{http.MethodGet, "/healthz", public, handlers.Healthz},
		{http.MethodGet, "/metrics", public, promhttp.Handler().ServeHTTP},

		{http.MethodPost, "/auth/register", public, auth.Register},
		{http.MethodPost, "/auth/login", public, auth.Login},
		{http.MethodPost, "/auth/logout", authenticated, auth.Logout},
		{http.MethodGet, "/auth/me", authenticated, auth.Me},
		{http.MethodGet, "/auth/verify", authenticated, auth.Me},

		{http.MethodGet, "/admin/users/{userID}", adminOnly, admin.GetUser},
		{http.MethodPatch, "/admin/users/{userID}", adminOnly, admin.UpdateUser},
		{http.MethodGet, "/admin/users/{userID}/sessions", adminOnly, admin.ListSessions},
		{http.MethodDelete, "/admin/users/{userID}/sessions", adminOnly, admin.RevokeSessions},
	}
}

// NewRouter assembles the middleware chain and mounts the route table.
func NewRouter(deps Deps) chi.Router {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}

	router := chi.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.RealIP,
		logging.RequestLogger(log),
		handlers.Recoverer(log),
		middleware.Timeout(60*time.Second),
		instrument,
	)

	gates := map[access][]func(http.Handler) http.Handler{
		authenticated: {handlers.RequireAuth(deps.Auth, log)},
		adminOnly:     {handlers.RequireAuth(deps.Auth, log), handlers.RequireAdmin(log)},
	}
	authHandler := handlers.NewAuthHandler(deps.Auth, log)
	adminHandler := handlers.NewAdminHandler(deps.Users, log)

	for _, rt := range routes(authHandler, adminHandler) {
		router.With(gates[rt.access]...).Method(rt.method, rt.pattern, rt.handler)
	}
	router.NotFound(handlers.NotFound)
	router.MethodNotAllowed(handlers.MethodNotAllowed)
	return router
}

// instrument records request latency by route pattern.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		pattern := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			pattern = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.RecordRequest(r.Method, pattern, status, time.Since(start))
	})
}
