package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"toptrack/internal/errs"
	"toptrack/internal/roomservice"

	"github.com/sirupsen/logrus"
)

const maxLinkLength = 2048

// ValidationError represents a validation error with details
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// ValidationResult contains validation results
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

func (cs *ControlServer) respondJSON(w http.ResponseWriter, v interface{}) {
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		cs.logger.WithError(err).Warn("Failed to encode response")
	}
}

// respondWithValidationError sends a structured validation error response
func (cs *ControlServer) respondWithValidationError(w http.ResponseWriter, r *http.Request, errors []ValidationError) {
	cs.logger.WithFields(logrus.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
		"errors": errors,
	}).Warn("Validation failed")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)

	cs.respondJSON(w, ValidationResult{
		Valid:  false,
		Errors: errors,
	})
}

// respondWithError sends a structured error response
func (cs *ControlServer) respondWithError(w http.ResponseWriter, r *http.Request, statusCode int, message string, err error) {
	logEntry := cs.logger.WithFields(logrus.Fields{
		"method":      r.Method,
		"path":        r.URL.Path,
		"status_code": statusCode,
		"message":     message,
	})
	if err != nil {
		logEntry = logEntry.WithError(err)
	}
	if statusCode >= 500 {
		logEntry.Error("Server error")
	} else {
		logEntry.Warn("Client error")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := map[string]interface{}{
		"error":   message,
		"code":    statusCode,
		"success": false,
	}
	if err != nil {
		response["kind"] = errs.KindOf(err).String()
		response["recoverable"] = errs.Recoverable(err)
	}
	cs.respondJSON(w, response)
}

// respondWithEngineError maps a classified agent error to an HTTP status
func (cs *ControlServer) respondWithEngineError(w http.ResponseWriter, r *http.Request, err error) {
	cs.respondWithError(w, r, statusForError(err), userMessage(err), err)
}

func statusForError(err error) int {
	switch errs.KindOf(err) {
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindProviderAuth, errs.KindAccount:
		return http.StatusForbidden
	case errs.KindTransport, errs.KindProviderPlayback, errs.KindRegistration:
		return http.StatusBadGateway
	case errs.KindInit:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// userMessage prefers the message a classified error was built with
func userMessage(err error) string {
	var e *errs.Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return err.Error()
}

// validateSongLink validates the link of an add-song request
func validateSongLink(link string) *ValidationError {
	if link == "" {
		return &ValidationError{
			Field:   "url",
			Message: "Spotify track URL is required",
			Code:    "MISSING_URL",
		}
	}
	if len(link) > maxLinkLength {
		return &ValidationError{
			Field:   "url",
			Message: "URL too long (max 2048 characters)",
			Code:    "URL_TOO_LONG",
		}
	}
	if _, err := roomservice.ExtractTrackID(link); err != nil {
		return &ValidationError{
			Field:   "url",
			Message: "Please enter a valid Spotify track URL (https://open.spotify.com/track/...)",
			Code:    "INVALID_TRACK_URL",
		}
	}
	return nil
}

// validateEntryID validates a queue entry id taken from the path
func validateEntryID(id string) *ValidationError {
	if id == "" {
		return &ValidationError{
			Field:   "entry_id",
			Message: "Entry ID is required",
			Code:    "MISSING_ENTRY_ID",
		}
	}
	if len(id) > 128 || strings.ContainsAny(id, "\x00\r\n/") {
		return &ValidationError{
			Field:   "entry_id",
			Message: "Entry ID contains invalid characters",
			Code:    "INVALID_ENTRY_ID",
		}
	}
	return nil
}

// parseLimit validates the optional limit query parameter
func parseLimit(raw string, def, max int) (int, *ValidationError) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &ValidationError{
			Field:   "limit",
			Message: "Limit must be a valid integer",
			Code:    "INVALID_LIMIT_FORMAT",
		}
	}
	if n <= 0 || n > max {
		return 0, &ValidationError{
			Field:   "limit",
			Message: "Limit must be between 1 and " + strconv.Itoa(max),
			Code:    "INVALID_LIMIT_VALUE",
		}
	}
	return n, nil
}

// sanitizeInput strips null bytes and surrounding whitespace
func sanitizeInput(input string) string {
	input = strings.ReplaceAll(input, "\x00", "")
	return strings.TrimSpace(input)
}
