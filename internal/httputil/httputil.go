package httputil

import (
	"errors"
	"io"
	"net/http"

	"lv-papertrade/internal/exception"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type ErrorResponse struct {
	Error string `json:"error"`
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ReadJSON decodes the request body into v, rejecting unknown fields.
func ReadJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid json body")
	}
	return nil
}

// StatusFor maps domain errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, exception.ErrPriceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, exception.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, exception.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, exception.ErrInvalidPosition):
		return http.StatusConflict
	case errors.Is(err, exception.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, exception.ErrInvalidOrder),
		errors.Is(err, exception.ErrInvalidRiskParams),
		errors.Is(err, exception.ErrInvalidAmount),
		errors.Is(err, exception.ErrInvalidChannel),
		errors.Is(err, exception.ErrUnknownSymbol):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// WriteError writes err with its mapped status. Unmapped errors are reported without detail.
func WriteError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	WriteJSON(w, status, ErrorResponse{Error: msg})
}
