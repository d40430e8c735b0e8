package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/JakeFAU/procurement-enricher/internal/credential"
	"github.com/JakeFAU/procurement-enricher/internal/operation"
	"github.com/JakeFAU/procurement-enricher/internal/queue/memory"
	"github.com/JakeFAU/procurement-enricher/internal/store"
)

// errBadRequest marks malformed input that never reached a domain call.
var errBadRequest = errors.New("bad request")

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var verrs validator.ValidationErrors
	switch {
	case errors.Is(err, operation.ErrNotFound),
		errors.Is(err, credential.ErrNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errBadRequest),
		errors.Is(err, operation.ErrInvalidKind),
		errors.Is(err, credential.ErrInvalidPermutation),
		errors.Is(err, credential.ErrInvalidCredential),
		errors.As(err, &verrs):
		return http.StatusBadRequest
	case errors.Is(err, credential.ErrCredentialInUse),
		errors.Is(err, operation.ErrAlreadyTerminal),
		errors.Is(err, operation.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, credential.ErrNoCredentialAvailable),
		errors.Is(err, memory.ErrQueueFull),
		errors.Is(err, memory.ErrQueueClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, err error, msg string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error(msg, zap.Error(err))
		writeError(w, status, msg)
		return
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
