package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/playlog/apiserver/internal/services"
	"github.com/playlog/apiserver/internal/store"
	"go.uber.org/zap"
)

// Error codes carried in the error envelope.
const (
	CodeValidationFailed   = "VALIDATION_FAILED"
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeForbidden          = "FORBIDDEN"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeAlreadyExists      = "ALREADY_EXISTS"
	CodeTooManyAttempts    = "TOO_MANY_ATTEMPTS"
	CodeInternal           = "INTERNAL_ERROR"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// ErrorResponse is the envelope of every failed request.
type ErrorResponse struct {
	Success   bool                  `json:"success"`
	Message   string                `json:"message"`
	Code      string                `json:"code,omitempty"`
	Errors    []services.FieldError `json:"errors,omitempty"`
	Timestamp string                `json:"timestamp"`
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{
		Success:   false,
		Message:   message,
		Code:      code,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// writeServiceError maps a service error onto the envelope. Details of
// unexpected errors are logged and never sent to the client.
func writeServiceError(w http.ResponseWriter, log *zap.Logger, err error) {
	resp := ErrorResponse{
		Success:   false,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusInternalServerError

	var (
		verr     *services.ValidationError
		conflict *store.ConflictError
	)
	switch {
	case errors.As(err, &verr):
		status, resp.Code, resp.Message = http.StatusBadRequest, CodeValidationFailed, "validation failed"
		resp.Errors = verr.Fields
	case errors.Is(err, services.ErrInvalidCredentials), errors.Is(err, services.ErrAccountInactive):
		status, resp.Code, resp.Message = http.StatusUnauthorized, CodeInvalidCredentials, "invalid username or password"
	case errors.Is(err, services.ErrUnauthorized), errors.Is(err, services.ErrMissingToken):
		status, resp.Code, resp.Message = http.StatusUnauthorized, CodeUnauthorized, "unauthorized"
	case errors.Is(err, services.ErrForbidden):
		status, resp.Code, resp.Message = http.StatusForbidden, CodeForbidden, "admin access required"
	case errors.Is(err, services.ErrNotFound):
		status, resp.Code, resp.Message = http.StatusNotFound, CodeNotFound, "not found"
	case errors.Is(err, services.ErrAlreadyExists):
		status, resp.Code, resp.Message = http.StatusConflict, CodeAlreadyExists, "already exists"
		if errors.As(err, &conflict) {
			resp.Message = conflict.Error()
		}
	case errors.Is(err, services.ErrTooManyAttempts):
		status, resp.Code, resp.Message = http.StatusTooManyRequests, CodeTooManyAttempts, "too many login attempts, try again later"
		w.Header().Set("Retry-After", "60")
	default:
		resp.Code, resp.Message = CodeInternal, "internal server error"
		log.Error("request failed", zap.Error(err))
	}

	writeJSON(w, status, resp)
}

// decodeJSON reads a bounded JSON body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(dst)
}

func invalidBody(w http.ResponseWriter) {
	writeError(w, http.StatusBadRequest, CodeValidationFailed, "invalid request body")
}

func parseIDParam(r *http.Request, name string) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, name))
	if err != nil || id < 1 {
		return 0, false
	}
	return id, true
}

// Healthz reports liveness.
func Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// NotFound answers unmatched routes with the error envelope.
func NotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, CodeNotFound, "route not found")
}

// MethodNotAllowed answers a known route hit with the wrong method.
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "method not allowed")
}
