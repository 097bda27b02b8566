package transport

import (
	"encoding/json"
	"log/slog"
	"net/http"

	errs "github.com/frahmantamala/payment-engine/internal"
)

// Responder writes the JSON bodies of the worker's ops endpoints.
type Responder struct {
	Logger *slog.Logger
}

func NewResponder(logger *slog.Logger) *Responder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Responder{Logger: logger}
}

func (r *Responder) JSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		r.Logger.Error("failed to encode response", "error", err)
	}
}

// Problem writes err as an AppError envelope. Errors outside the taxonomy become INTERNAL_ERROR.
func (r *Responder) Problem(w http.ResponseWriter, err error) {
	appErr, ok := errs.IsAppError(err)
	if !ok {
		appErr = errs.NewInternalError("internal error", err)
	}
	r.JSON(w, StatusFor(appErr.Type), appErr)
}

// StatusFor maps an error type to the HTTP status reported for it.
func StatusFor(t errs.ErrorType) int {
	switch t {
	case errs.ErrorTypeValidation:
		return http.StatusBadRequest
	case errs.ErrorTypeNotFound:
		return http.StatusNotFound
	case errs.ErrorTypeConflict:
		return http.StatusConflict
	case errs.ErrorTypeAborted:
		return http.StatusUnprocessableEntity
	case errs.ErrorTypeExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
