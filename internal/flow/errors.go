package flow

import (
	"fmt"
	"time"
)

const (
	CodeValidation  = "validation"
	CodeNotFound    = "not_found"
	CodeRateLimited = "rate_limited"
	CodeTooLarge    = "too_large"
	CodeUnavailable = "unavailable"
	CodeInternal    = "internal"
)

type Error struct {
	Code       string
	Message    string
	Transient  bool
	RetryAfter int
	Status     int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func statusForCode(code string) int {
	switch code {
	case CodeValidation:
		return 400
	case CodeNotFound:
		return 404
	case CodeTooLarge:
		return 413
	case CodeRateLimited:
		return 429
	case CodeUnavailable:
		return 503
	default:
		return 500
	}
}

func newError(code, message string, transient bool, retryAfter time.Duration) *Error {
	retryAfterSec := 0
	if retryAfter > 0 {
		retryAfterSec = int(retryAfter.Seconds())
		if retryAfterSec <= 0 {
			retryAfterSec = 1
		}
	}
	return &Error{
		Code:       code,
		Message:    message,
		Transient:  transient,
		RetryAfter: retryAfterSec,
		Status:     statusForCode(code),
	}
}

func NewValidationError(message string) error {
	return newError(CodeValidation, message, false, 0)
}

func NewValidationJSONError(err error) error {
	return newError(CodeValidation, "invalid json: "+err.Error(), false, 0)
}

func NewTooLargeError(limit int64) error {
	return newError(CodeTooLarge, fmt.Sprintf("body exceeds %d bytes", limit), false, 0)
}

func NewRateLimitedError(retryAfter time.Duration) error {
	return newError(CodeRateLimited, "too many submissions", true, retryAfter)
}

func NewInternalError(message string) error {
	return newError(CodeInternal, message, true, 0)
}
