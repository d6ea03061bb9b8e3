package server

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/teranos/pawnx/errors"
)

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.IsNotFoundError(err):
		return http.StatusNotFound
	case errors.Is(err, errors.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	case errors.IsValidationError(err), errors.Is(err, errors.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, errors.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, errors.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// handleError writes err as a JSON error. Server errors are logged with
// msg; their details are not exposed to the client.
func handleError(w http.ResponseWriter, log *zap.SugaredLogger, err error, msg string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Errorw(msg, "error", err)
		writeError(w, status, msg)
		return
	}
	writeError(w, status, err.Error())
}
