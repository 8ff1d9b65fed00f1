package api

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNetwork wraps transport failures: the backend was never reached or the
// response could not be read.
var ErrNetwork = errors.New("network error")

// Response codes carried in the Code field of backend answers.
const (
	CodeSuccess             = 1000
	CodeInvalidRefreshToken = 10013
	// CodeSessionLocked is answered with 403 when the session is locked and
	// with 400 by the unlock route when no lock exists.
	CodeSessionLocked = 300008
)

// Error is a non-2xx backend response.
type Error struct {
	Status  int    `json:"-"`
	Code    int    `json:"Code"`
	Message string `json:"Error"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: status %d (code %d)", e.Status, e.Code)
	}
	return fmt.Sprintf("api: status %d (code %d): %s", e.Status, e.Code, e.Message)
}

// HTTPStatus returns the response status code.
func (e *Error) HTTPStatus() int { return e.Status }

// ErrorCode returns the backend error code.
func (e *Error) ErrorCode() int { return e.Code }

// ErrorMessage extracts text suitable for a user-facing notification.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return err.Error()
}

// IsStatus reports whether err is a backend response with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Status == status
}

func isLockedSession(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) &&
		apiErr.Status == http.StatusForbidden &&
		apiErr.Code == CodeSessionLocked
}

// isInactiveSession reports whether a refresh failure means the session can
// never be refreshed again.
func isInactiveSession(err error) bool {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == CodeInvalidRefreshToken ||
		apiErr.Status == http.StatusBadRequest ||
		apiErr.Status == http.StatusUnprocessableEntity
}
