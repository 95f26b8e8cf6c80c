package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"cmdgate/internal/domain"
)

type errorBody struct {
	Detail string `json:"detail"`
}

// statusFor maps domain errors to HTTP status codes. The second result is
// the caller-facing detail; internal failures never leak their cause.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized, "Invalid API key"
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, "Admin access required"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, domain.ErrAlreadyQueued),
		errors.Is(err, domain.ErrAlreadyResolved),
		errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrInsufficientCredits):
		return http.StatusConflict, err.Error()
	case errors.Is(err, domain.ErrInvalidCommand),
		errors.Is(err, domain.ErrInvalidRule),
		errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrInvalidUser),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest, err.Error()
	}
	return http.StatusInternalServerError, "Internal server error"
}

var errBadRequest = errors.New("bad request")

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, detail := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, errorBody{Detail: detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", errBadRequest, err)
	}
	return nil
}
