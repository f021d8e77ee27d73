package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	middleware "github.com/nurudeen19/rag-fortress-sub002/internal/api/middlewares"
	"github.com/nurudeen19/rag-fortress-sub002/internal/core/access"
	"github.com/nurudeen19/rag-fortress-sub002/internal/core/apperr"
	"github.com/nurudeen19/rag-fortress-sub002/internal/logger"
)

const maxJSONBody = 1 << 20

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(code apperr.Code) int {
	switch code {
	case apperr.CodeValidation:
		return http.StatusBadRequest
	case apperr.CodeUnauthenticated:
		return http.StatusUnauthorized
	case apperr.CodeForbidden:
		return http.StatusForbidden
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeInvalidTransition, apperr.CodeAlreadyDecided, apperr.CodeConflict:
		return http.StatusConflict
	case apperr.CodeExternalProcessing:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps coded errors to a status. Anything uncoded is logged and
// reported as an internal error without its details.
func writeError(w http.ResponseWriter, r *http.Request, log logger.Logger, err error) {
	code := apperr.CodeOf(err)
	status := statusFor(code)
	msg := apperr.MessageOf(err)
	if status >= http.StatusInternalServerError {
		log.Error("request failed",
			logger.String("method", r.Method),
			logger.String("path", r.URL.Path),
			logger.Error(err),
		)
		if code == apperr.CodeInternal {
			msg = "internal error"
		}
	}
	writeJSON(w, status, errorBody{Code: string(code), Message: msg})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Validation("request body is empty")
		}
		return apperr.Validation("invalid request body: %v", err)
	}
	return nil
}

func principal(r *http.Request) access.Principal {
	p, _ := middleware.PrincipalFrom(r.Context())
	return p
}
