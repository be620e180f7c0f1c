package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/playlog/apiserver/internal/metrics"
	"github.com/playlog/apiserver/internal/services"
	"github.com/playlog/apiserver/types"
	"go.uber.org/zap"
)

type contextKey string

const identityKey contextKey = "identity"

// reasonForbidden labels Admin Gate rejections in metrics.
const reasonForbidden = "forbidden"

// Authorizer resolves a raw bearer token to an identity.
type Authorizer interface {
	Authorize(ctx context.Context, rawToken string) (types.Identity, error)
}

// RequireAuth is the Auth Gate. It rejects the request with 401 unless the
// bearer token resolves to a live session, and stores the identity in the
// request context otherwise. The rejection reason is logged, not returned.
func RequireAuth(auth Authorizer, log *zap.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := auth.Authorize(r.Context(), bearerToken(r))
			if err != nil {
				var authErr *services.AuthError
				if errors.As(err, &authErr) {
					log.Info("request rejected",
						zap.String("reason", authErr.Reason),
						zap.String("path", r.URL.Path),
						zap.String("ip", r.RemoteAddr),
					)
					metrics.RecordGateRejection(authErr.Reason)
				}
				writeServiceError(w, log, err)
				return
			}
			ctx := context.WithValue(r.Context(), identityKey, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin is the Admin Gate. It must run after RequireAuth.
func RequireAdmin(log *zap.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := IdentityFromContext(r.Context())
			if !ok {
				writeServiceError(w, log, services.ErrUnauthorized)
				return
			}
			if err := services.RequireAdmin(identity); err != nil {
				log.Info("admin route denied",
					zap.Int("user_id", identity.UserID),
					zap.String("path", r.URL.Path),
				)
				metrics.RecordGateRejection(reasonForbidden)
				writeServiceError(w, log, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Recoverer turns a handler panic into a logged 500 with the error envelope.
// http.ErrAbortHandler is re-raised so net/http can abort the connection.
func Recoverer(log *zap.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				log.Error("panic recovered",
					zap.Any("panic", rec),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Stack("stack"),
				)
				writeError(w, http.StatusInternalServerError, CodeInternal, "internal server error")
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// IdentityFromContext returns the identity stored by RequireAuth.
func IdentityFromContext(ctx context.Context) (types.Identity, bool) {
	identity, ok := ctx.Value(identityKey).(types.Identity)
	return identity, ok
}

// bearerToken extracts the token of an "Authorization: Bearer <token>"
// header. Any other form yields an empty string.
func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
