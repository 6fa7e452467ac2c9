package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/einsatzlog/etbguard/internal/alerting"
	"github.com/einsatzlog/etbguard/internal/auth"
	"github.com/einsatzlog/etbguard/internal/lockout"
	"github.com/einsatzlog/etbguard/internal/seclog"
	"github.com/einsatzlog/etbguard/internal/security"
	"github.com/einsatzlog/etbguard/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrLockedOut):
		return http.StatusLocked
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, alerting.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, seclog.ErrInvalidEvent),
		errors.Is(err, security.ErrInvalidAttempt),
		errors.Is(err, security.ErrReservedEventType),
		errors.Is(err, lockout.ErrInvalidTarget):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// fail writes err. Internal errors are logged and hidden from the client.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

// decode reads a JSON body of at most MaxBodyBytes.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// decodeOptional is decode for endpoints where the body may be omitted.
func (s *Server) decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
