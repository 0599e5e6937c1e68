package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling/internal/apperr"
)

const maxBodyBytes = 64 << 10

// Envelope wraps every JSON response. Clients branch on Error.Code.
type Envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{Success: status < 400, Data: data})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeErrorWithData(w, status, code, message, nil)
}

func writeErrorWithData(w http.ResponseWriter, status int, code, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{Data: data, Error: &ErrorBody{Code: code, Message: message}})
}

// writeAppError maps the error taxonomy onto HTTP. Internal details are
// logged, never returned.
func writeAppError(w http.ResponseWriter, log zerolog.Logger, err error) {
	writeAppErrorWithData(w, log, err, nil)
}

// writeAppErrorWithData is writeAppError with a fallback payload, such as an
// empty slot list, sent next to the error.
func writeAppErrorWithData(w http.ResponseWriter, log zerolog.Logger, err error, data any) {
	kind := apperr.KindOf(err)
	status := statusFor(kind)
	message := apperr.Message(err)
	if kind == apperr.KindInternal {
		message = "internal error"
	}
	if status >= 500 {
		log.Error().Err(err).Str("kind", string(kind)).Msg("request failed")
	}
	writeErrorWithData(w, status, string(kind), message, data)
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotAuthenticated:
		return http.StatusUnauthorized
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindSlotUnavailable, apperr.KindInvalidTransition:
		return http.StatusConflict
	case apperr.KindTransient:
		return http.StatusServiceUnavailable
	case apperr.KindAmbiguousOutcome:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON reads a bounded JSON body and rejects unknown fields.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Validation("decode", "request body is required")
		}
		return apperr.Validation("decode", "could not parse JSON body")
	}
	return nil
}

// decodeOptionalJSON accepts an empty body.
func decodeOptionalJSON(r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return apperr.Validation("decode", "could not parse JSON body")
	}
	return nil
}
