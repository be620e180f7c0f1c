package handlers

import (
	"context"
	"net/http"

	"github.com/playlog/apiserver/internal/services"
	"github.com/playlog/apiserver/types"
	"go.uber.org/zap"
)

// UserAdmin is the user management used by the admin endpoints.
type UserAdmin interface {
	GetByID(ctx context.Context, id int) (types.User, error)
	Update(ctx context.Context, id int, in services.UpdateUserInput) (types.User, error)
	ListSessions(ctx context.Context, id int) ([]types.Session, error)
	RevokeSessions(ctx context.Context, id int) (int, error)
}

// AdminHandler serves /admin/users. Routes are expected behind RequireAuth
// and RequireAdmin.
type AdminHandler struct {
	users UserAdmin
	log   *zap.Logger
}

func NewAdminHandler(users UserAdmin, log *zap.Logger) *AdminHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &AdminHandler{users: users, log: log}
}

type SessionsResponse struct {
	Success  bool            `json:"success"`
	Sessions []types.Session `json:"sessions"`
}

type RevokeResponse struct {
	Success bool `json:"success"`
	Revoked int  `json:"revoked"`
}

func (h *AdminHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(r, "userID")
	if !ok {
		writeServiceError(w, h.log, services.ErrNotFound)
		return
	}
	user, err := h.users.GetByID(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, UserResponse{Success: true, User: user})
}

// UpdateUser changes role and/or active flag.
func (h *AdminHandler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(r, "userID")
	if !ok {
		writeServiceError(w, h.log, services.ErrNotFound)
		return
	}
	var req services.UpdateUserInput
	if err := decodeJSON(w, r, &req); err != nil {
		invalidBody(w)
		return
	}

	user, err := h.users.Update(r.Context(), id, req)
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	if caller, ok := IdentityFromContext(r.Context()); ok {
		h.log.Info("admin updated user",
			zap.Int("admin_id", caller.UserID),
			zap.Int("user_id", id),
		)
	}
	writeJSON(w, http.StatusOK, UserResponse{Success: true, User: user})
}

func (h *AdminHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(r, "userID")
	if !ok {
		writeServiceError(w, h.log, services.ErrNotFound)
		return
	}
	sessions, err := h.users.ListSessions(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, SessionsResponse{Success: true, Sessions: sessions})
}

// RevokeSessions deactivates every active session of the user.
func (h *AdminHandler) RevokeSessions(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(r, "userID")
	if !ok {
		writeServiceError(w, h.log, services.ErrNotFound)
		return
	}
	n, err := h.users.RevokeSessions(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, RevokeResponse{Success: true, Revoked: n})
}
