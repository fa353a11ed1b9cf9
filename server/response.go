package server

import (
	"encoding/json"
	"net/http"

	"github.com/creastat/tutoring"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	kind := tutoring.KindOf(err)
	msg := err.Error()
	if kind == tutoring.KindInternal {
		msg = "internal error"
	}
	writeJSON(w, statusFor(kind), ErrorResponse{
		Error: ErrorDetail{
			Kind:      string(kind),
			Message:   msg,
			Retryable: tutoring.Retryable(err),
		},
	})
}

func statusFor(kind tutoring.Kind) int {
	switch kind {
	case tutoring.KindNotFound:
		return http.StatusNotFound
	case tutoring.KindValidation:
		return http.StatusBadRequest
	case tutoring.KindTimeout:
		return http.StatusGatewayTimeout
	case tutoring.KindUpstream:
		return http.StatusBadGateway
	case tutoring.KindPersistence:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
