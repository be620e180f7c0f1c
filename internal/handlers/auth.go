package handlers

import (
	"context"
	"net"
	"net/http"

	"github.com/playlog/apiserver/internal/services"
	"github.com/playlog/apiserver/types"
	"go.uber.org/zap"
)

// AuthService is the session lifecycle used by the auth endpoints.
type AuthService interface {
	Authorizer
	Register(ctx context.Context, in services.RegisterInput, meta services.ClientMeta) (services.AuthResult, error)
	Login(ctx context.Context, in services.LoginInput, meta services.ClientMeta) (services.AuthResult, error)
	Logout(ctx context.Context, sessionID string) error
	CurrentUser(ctx context.Context, identity types.Identity) (types.User, error)
}

// AuthHandler serves the /auth endpoints.
type AuthHandler struct {
	auth AuthService
	log  *zap.Logger
}

func NewAuthHandler(auth AuthService, log *zap.Logger) *AuthHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &AuthHandler{auth: auth, log: log}
}

type AuthResponse struct {
	Success bool       `json:"success"`
	User    types.User `json:"user"`
	Token   string     `json:"token"`
}

type UserResponse struct {
	Success bool       `json:"success"`
	User    types.User `json:"user"`
}

type MessageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Register opens an account and its first session.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req services.RegisterInput
	if err := decodeJSON(w, r, &req); err != nil {
		invalidBody(w)
		return
	}

	result, err := h.auth.Register(r.Context(), req, clientMeta(r))
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, AuthResponse{Success: true, User: result.User, Token: result.Token})
}

// Login verifies credentials and replaces the caller's active session.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req services.LoginInput
	if err := decodeJSON(w, r, &req); err != nil {
		invalidBody(w)
		return
	}

	result, err := h.auth.Login(r.Context(), req, clientMeta(r))
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, AuthResponse{Success: true, User: result.User, Token: result.Token})
}

// Logout deactivates the session of the presented token.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		writeServiceError(w, h.log, services.ErrUnauthorized)
		return
	}
	if err := h.auth.Logout(r.Context(), identity.SessionID); err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{Success: true, Message: "logged out"})
}

// Me returns the current user. It also serves /auth/verify.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		writeServiceError(w, h.log, services.ErrUnauthorized)
		return
	}
	user, err := h.auth.CurrentUser(r.Context(), identity)
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, UserResponse{Success: true, User: user})
}

// clientMeta reads the client address set by middleware.RealIP and the
// user agent.
func clientMeta(r *http.Request) services.ClientMeta {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return services.ClientMeta{IP: ip, UserAgent: r.UserAgent()}
}
