package handler

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/campswap/messaging/internal/apperr"
	"github.com/campswap/messaging/internal/middleware"
	"github.com/campswap/messaging/pkg/logger"
)

// retryAfterSeconds is advertised on 503 responses.
const retryAfterSeconds = "2"

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err to a status code and writes the error envelope.
// Internal errors are logged and their detail withheld from the caller.
func writeError(w http.ResponseWriter, r *http.Request, log *logger.Logger, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)

	if status >= http.StatusInternalServerError {
		log.WithContext(middleware.GetCorrelationID(r.Context()), middleware.GetUserID(r.Context())).Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	if kind == apperr.KindUnavailable {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}

	writeJSON(w, status, errorBody{Error: errorDetail{
		Code:      kind.String(),
		Message:   apperr.Message(err),
		Retryable: apperr.IsRetryable(err),
	}})
}
