// Package api provides HTTP response utilities for IntakePipe.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/BTreeMap/IntakePipe/internal/models"
)

// retryAfterSeconds is advertised on 429 responses for busy sessions.
const retryAfterSeconds = 1

// maxRequestBodyBytes bounds JSON request bodies.
const maxRequestBodyBytes = 1 << 20

// Pre-marshaled fallback responses to avoid runtime JSON encoding failures
var (
	fallbackErrorResponse []byte
)

// init validates that our fallback responses can be marshaled
func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse writes a JSON response to the http.ResponseWriter with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	// Marshal before writing headers so an encoding failure can still change the status.
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}

// writeError maps engine errors to status codes. User-correctable and
// conflict errors are logged at Debug or Warn, everything else at Error.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr     *models.ValidationError
		failure  *models.ActionFailure
		terminal *models.TerminalStateError
		mismatch *models.StepMismatchError
	)
	switch {
	case errors.As(err, &verr):
		slog.Debug("Server: response rejected by validation", "path", r.URL.Path, "question", verr.QuestionKey, "errors", verr.Errors)
		writeJSONResponse(w, http.StatusUnprocessableEntity, models.Invalid(verr.Errors))
	case errors.As(err, &failure):
		slog.Warn("Server: action failed", "path", r.URL.Path, "action", failure.Action, "error", failure.Message)
		writeJSONResponse(w, http.StatusBadGateway, models.ActionError(failure.Action, failure.Message))
	case errors.Is(err, models.ErrBusy):
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
		writeJSONResponse(w, http.StatusTooManyRequests, models.Error(err.Error()))
	case errors.Is(err, models.ErrSessionNotFound):
		writeJSONResponse(w, http.StatusNotFound, models.Error(err.Error()))
	case errors.As(err, &terminal), errors.As(err, &mismatch),
		errors.Is(err, models.ErrNotEligible), errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrNoPreviousQuestion), errors.Is(err, models.ErrSessionExists):
		slog.Warn("Server: request conflicts with session state", "path", r.URL.Path, "error", err)
		writeJSONResponse(w, http.StatusConflict, models.Error(err.Error()))
	default:
		slog.Error("Server: request failed", "path", r.URL.Path, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Internal server error"))
	}
}

// decodeJSON reads a JSON body into v, writing a 400 on failure. Numbers are
// kept as json.Number. An empty body leaves v untouched when allowEmpty is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) bool {
	if r.Body == nil || r.Body == http.NoBody || r.ContentLength == 0 {
		if allowEmpty {
			return true
		}
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Request body is required"))
		return false
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		slog.Warn("Server.decodeJSON: invalid request body", "path", r.URL.Path, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return false
	}
	return true
}
