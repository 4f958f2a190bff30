package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/packwright/packwright/internal/build"
)

type errorBody struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// respondError maps domain sentinels to HTTP statuses in one place. Unknown
// errors surface as 500 with a generic message; the detail stays in the log.
func respondError(w http.ResponseWriter, log zerolog.Logger, err error) {
	status := http.StatusInternalServerError
	msg := "internal server error"
	switch {
	case errors.Is(err, build.ErrInvalidInput),
		errors.Is(err, build.ErrUnknownPlatform),
		errors.Is(err, build.ErrNotCompleted):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, build.ErrSharePassword):
		status, msg = http.StatusUnauthorized, err.Error()
	case errors.Is(err, build.ErrNotFound),
		errors.Is(err, build.ErrShareNotFound),
		errors.Is(err, build.ErrExpired):
		status, msg = http.StatusNotFound, err.Error()
	case errors.Is(err, build.ErrQuotaExceeded):
		status, msg = http.StatusTooManyRequests, err.Error()
	default:
		log.Error().Err(err).Msg("request failed")
	}
	respondJSON(w, status, errorBody{Error: msg})
}
