// Package httpx holds the response and decoding helpers shared by the
// service HTTP surfaces. Sentinel error kinds are converted to status codes
// here and nowhere else.
package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/netmapper/fabric/internal/domain/model"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// JSON writes v with the given status.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorBody is the uniform error envelope. Detail carries a safe,
// user-facing string, never internal error text.
type errorBody struct {
	Detail string `json:"detail"`
}

// Error maps an error kind onto a status and a generic message. Unclassified
// errors become 500 and are logged; the client sees nothing internal.
func Error(w http.ResponseWriter, logger *slog.Logger, err error) {
	status, detail := classify(err)
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", "Bearer")
	}
	if status >= 500 {
		logger.Error("request failed", "err", err)
	}
	JSON(w, status, errorBody{Detail: detail})
}

// Fail writes an explicit status with a caller-chosen safe message.
func Fail(w http.ResponseWriter, status int, detail string) {
	JSON(w, status, errorBody{Detail: detail})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, model.ErrUnauthenticated),
		errors.Is(err, model.ErrInvalidToken),
		errors.Is(err, model.ErrExpiredToken):
		return http.StatusUnauthorized, "authentication required"
	case errors.Is(err, model.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, model.ErrConflict):
		return http.StatusConflict, "already exists"
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest, "invalid request"
	case errors.Is(err, model.ErrCircuitOpen),
		errors.Is(err, model.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable, "service temporarily unavailable"
	case errors.Is(err, model.ErrUpstreamTimeout):
		return http.StatusGatewayTimeout, "upstream timed out"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// Decode parses a JSON body into dst and runs struct validation. Failures
// come back as model.ErrValidation.
func Decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode body: %w", model.ErrValidation)
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("validate body: %w", model.ErrValidation)
	}
	return nil
}
