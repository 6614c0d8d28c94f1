package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
)

// Severity grades security events for logging.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// ProtocolError reports a malformed or erroring OAuth exchange. The flow is
// recoverable by re-initiating sign-in.
type ProtocolError struct {
	Code        string
	Description string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("oauth protocol error %s: %s", e.Code, e.Description)
}

// InternalError reports misconfiguration or an unexpected internal failure.
type InternalError struct {
	Code string
	Err  error
}

func (e *InternalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("internal error %s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("internal error %s", e.Code)
}

func (e *InternalError) Unwrap() error { return e.Err }

// SecurityError reports a state mismatch, CSRF failure, open-redirect attempt
// or a missing required token. Never retried, always logged.
type SecurityError struct {
	Code     string
	Reason   string
	Severity Severity
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("security error %s: %s", e.Code, e.Reason)
}

func protocolErr(code, description string) *ProtocolError {
	return &ProtocolError{Code: code, Description: description}
}

func internalErr(code string, err error) *InternalError {
	return &InternalError{Code: code, Err: err}
}

func securityErr(code, reason string, severity Severity) *SecurityError {
	return &SecurityError{Code: code, Reason: reason, Severity: severity}
}

// writeError translates the three error kinds into their HTTP shapes. The
// body never carries stack traces or secret material.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var pe *ProtocolError
	var se *SecurityError
	var ie *InternalError

	switch {
	case errors.As(err, &pe):
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":             pe.Code,
			"error_description": pe.Description,
		})
	case errors.As(err, &se):
		logSecurity(logger, se)
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"error":             se.Code,
			"error_description": se.Reason,
		})
	case errors.As(err, &ie):
		logger.Error("internal auth error", "code", ie.Code, "error", ie.Err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":             "server_error",
			"error_description": "internal error",
		})
	default:
		logger.Error("unclassified auth error", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":             "server_error",
			"error_description": "internal error",
		})
	}
}

func logSecurity(logger *slog.Logger, se *SecurityError) {
	if se.Severity == SeverityCritical {
		logger.Error("security violation", "code", se.Code, "reason", se.Reason)
		return
	}
	logger.Warn("security violation", "code", se.Code, "reason", se.Reason)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
