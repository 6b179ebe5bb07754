package api

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	coacherrors "coach/internal/errors"
)

// ErrorResponse is the envelope every failed request returns.
type ErrorResponse struct {
	Error   string      `json:"error"`
	Code    string      `json:"code"`
	Details interface{} `json:"details,omitempty"`
}

// WriteError maps an error onto the HTTP envelope. Errors outside the
// taxonomy surface as INTERNAL_ERROR.
func WriteError(w http.ResponseWriter, err error) {
	var ce *coacherrors.CoachError
	if stderrors.As(err, &ce) {
		WriteJSON(w, ErrorResponse{
			Error:   ce.Error(),
			Code:    string(ce.Code),
			Details: ce.Details,
		}, statusFor(ce.Code))
		return
	}
	WriteJSON(w, ErrorResponse{
		Error: err.Error(),
		Code:  string(coacherrors.Internal),
	}, http.StatusInternalServerError)
}

// BadRequest writes a VALIDATION_FAILED envelope for malformed input.
func BadRequest(w http.ResponseWriter, message string) {
	WriteError(w, coacherrors.New(coacherrors.ValidationFailed, message))
}

// WriteJSON writes data with the given status.
func WriteJSON(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func statusFor(code coacherrors.ErrorCode) int {
	switch code {
	case coacherrors.ValidationFailed:
		return http.StatusBadRequest
	case coacherrors.NotFound:
		return http.StatusNotFound
	case coacherrors.ReviewConflict:
		return http.StatusConflict
	case coacherrors.ProducerFailed:
		return http.StatusBadGateway
	case coacherrors.LockTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
