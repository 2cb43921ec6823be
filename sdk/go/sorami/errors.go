// Package sorami provides a Go client for the Sorami marketing mix
// modeling API.
package sorami

import (
	"errors"
	"fmt"
)

// Error represents an error from the Sorami API with the HTTP status code
// and the server's error message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("sorami: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 404
	}
	return false
}

// IsUnauthorized returns true if the error is a 401.
func IsUnauthorized(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 401
	}
	return false
}

// IsInvalidInput returns true if the error is a 400.
func IsInvalidInput(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 400
	}
	return false
}

// IsTooLarge returns true if the error is a 413 (upload over the limit).
func IsTooLarge(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 413
	}
	return false
}
