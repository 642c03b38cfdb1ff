package rpc

import (
	"encoding/json"
	"errors"
	"net/http"

	coreerrors "arcesc/core/errors"
	"arcesc/ledger"
)

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, coreerrors.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, coreerrors.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, coreerrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, coreerrors.ErrInvalidState), errors.Is(err, coreerrors.ErrNotYetEligible):
		return http.StatusConflict
	case errors.Is(err, coreerrors.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, coreerrors.ErrTransientFailure):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	detail := ledger.ErrorDetail{Code: coreerrors.Code(err), Message: err.Error()}
	if remaining, ok := coreerrors.Remaining(err); ok {
		detail.RemainingSeconds = int64(remaining.Seconds())
	}
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		detail.Message = "internal error"
	}
	writeJSON(w, status, ledger.ErrorBody{Error: detail})
}

func writeErrorStatus(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ledger.ErrorBody{Error: ledger.ErrorDetail{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
